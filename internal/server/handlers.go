package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/traceflow/traceflow/internal/adapter"
	"github.com/traceflow/traceflow/internal/hub"
	"github.com/traceflow/traceflow/internal/model"
	"github.com/traceflow/traceflow/internal/normalize"
	"github.com/traceflow/traceflow/internal/storage"
	"github.com/traceflow/traceflow/internal/timeline"
)

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 500
)

// HandlersDeps holds dependencies for Handlers.
type HandlersDeps struct {
	Store    storage.Store
	Hub      *hub.Hub
	Builder  *timeline.Builder
	Recorder *adapter.Recorder
	Logger   *slog.Logger

	Version             string
	StoreKind           string
	MaxRequestBodyBytes int64
}

// Handlers implements the HTTP endpoints.
type Handlers struct {
	store    storage.Store
	hub      *hub.Hub
	builder  *timeline.Builder
	recorder *adapter.Recorder
	logger   *slog.Logger

	version   string
	storeKind string
	maxBody   int64
	startedAt time.Time
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	return &Handlers{
		store:     deps.Store,
		hub:       deps.Hub,
		builder:   deps.Builder,
		recorder:  deps.Recorder,
		logger:    deps.Logger,
		version:   deps.Version,
		storeKind: deps.StoreKind,
		maxBody:   deps.MaxRequestBodyBytes,
		startedAt: time.Now(),
	}
}

// HandleIngest accepts one raw event over HTTP. The response carries the
// assigned sequence id and the resolved trace id; 202 means the event is
// in the live stream and queued for persistence, not yet durable.
func (h *Handlers) HandleIngest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)

	var raw model.RawEvent
	if err := decodeJSON(r, &raw); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "malformed JSON body")
		return
	}

	ev, err := h.recorder.Record(r.Context(), raw)
	if err != nil {
		var verr *normalize.ValidationError
		switch {
		case errors.As(err, &verr):
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, verr.Error())
		case errors.Is(err, hub.ErrOverloaded):
			writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeOverloaded,
				"event queue full, retry later")
		default:
			h.logger.Error("ingest failed", "error", err,
				"request_id", RequestIDFromContext(r.Context()))
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError,
				"failed to accept event")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, model.IngestResponse{
		ID:      ev.ID,
		TraceID: ev.TraceID,
	})
}

// HandleGetTrace returns all persisted events for a trace in acceptance
// order. An unknown trace yields an empty array, not 404: absence of
// events is indistinguishable from a trace that has not produced any yet.
func (h *Handlers) HandleGetTrace(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeStorageDisabled(w, r)
		return
	}
	traceID := r.PathValue("trace_id")

	events, err := h.store.EventsByTrace(r.Context(), traceID)
	if err != nil {
		h.logger.Error("trace query failed", "trace_id", traceID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError,
			"failed to load trace")
		return
	}

	writeJSON(w, http.StatusOK, model.TraceResponse{
		TraceID: traceID,
		Events:  events,
	})
}

// HandleGetTimeline returns the reconstructed stage timeline for a trace.
func (h *Handlers) HandleGetTimeline(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeStorageDisabled(w, r)
		return
	}
	traceID := r.PathValue("trace_id")

	tl, err := h.builder.Build(r.Context(), traceID)
	if err != nil {
		if errors.Is(err, timeline.ErrTraceNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound,
				"no events recorded for trace "+traceID)
			return
		}
		h.logger.Error("timeline build failed", "trace_id", traceID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError,
			"failed to build timeline")
		return
	}

	writeJSON(w, http.StatusOK, tl)
}

// HandleRecentTraces returns summaries of the most recently active traces.
func (h *Handlers) HandleRecentTraces(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeStorageDisabled(w, r)
		return
	}

	limit := defaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
				"limit must be a positive integer")
			return
		}
		limit = min(n, maxRecentLimit)
	}

	traces, err := h.store.RecentTraces(r.Context(), limit)
	if err != nil {
		h.logger.Error("recent traces query failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError,
			"failed to load recent traces")
		return
	}
	if traces == nil {
		traces = []model.TraceSummary{}
	}

	writeJSON(w, http.StatusOK, model.RecentTracesResponse{Traces: traces})
}

// HandleHealth reports liveness plus ingestion pressure.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:      "ok",
		Version:     h.version,
		Store:       h.storeKind,
		QueueDepth:  h.hub.QueueDepth(),
		Subscribers: h.hub.Subscribers(),
		Uptime:      int64(time.Since(h.startedAt).Seconds()),
	}

	resp.QueueStatus = "ok"
	if capacity := h.hub.QueueCapacity(); capacity > 0 {
		switch depth := resp.QueueDepth; {
		case depth*10 >= capacity*9:
			resp.QueueStatus = "critical"
		case depth*2 >= capacity:
			resp.QueueStatus = "high"
		}
	}

	status := http.StatusOK
	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, status, resp)
}

func writeStorageDisabled(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError,
		"durable logging is disabled on this deployment")
}
