package adapter

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traceflow/traceflow/internal/hub"
	"github.com/traceflow/traceflow/internal/model"
	"github.com/traceflow/traceflow/internal/normalize"
	"github.com/traceflow/traceflow/internal/tracectx"
)

// captureHub records ingested events; err, when set, is returned instead.
type captureHub struct {
	mu     sync.Mutex
	events []model.Event
	err    error
}

func (c *captureHub) Ingest(_ context.Context, ev model.Event) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	ev.ID = int64(len(c.events) + 1)
	c.events = append(c.events, ev)
	return ev.ID, nil
}

func (c *captureHub) all() []model.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Event, len(c.events))
	copy(out, c.events)
	return out
}

func newRecorder(h *captureHub, system string) *Recorder {
	return NewRecorder(
		normalize.New("test", 0),
		h,
		system,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
}

func TestRecordResolvesTraceFromContext(t *testing.T) {
	h := &captureHub{}
	rec := newRecorder(h, model.SystemBackend)

	ctx := tracectx.With(context.Background(), "t-ctx")
	ev, err := rec.Record(ctx, model.RawEvent{
		"system":     "backend",
		"event_type": "request",
	})
	require.NoError(t, err)
	assert.Equal(t, "t-ctx", ev.TraceID)
	assert.Equal(t, int64(1), ev.ID)
}

func TestRecordCountsRejections(t *testing.T) {
	h := &captureHub{}
	rec := newRecorder(h, model.SystemBackend)

	_, err := rec.Record(context.Background(), model.RawEvent{"event_type": "x"})
	var verr *normalize.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, int64(1), rec.Rejected())
	assert.Empty(t, h.all())
}

func TestRecordCountsOverloadDrops(t *testing.T) {
	h := &captureHub{err: hub.ErrOverloaded}
	rec := newRecorder(h, model.SystemBackend)

	_, err := rec.Record(context.Background(), model.RawEvent{"system": "backend"})
	require.ErrorIs(t, err, hub.ErrOverloaded)
	assert.Equal(t, int64(1), rec.Dropped())
}

func TestCaptureNeverPanics(t *testing.T) {
	h := &captureHub{err: errors.New("store offline")}
	rec := newRecorder(h, model.SystemWorker)

	// Failure is absorbed; the instrumented code path is unaffected.
	rec.Capture(context.Background(), "job.run", model.SeverityInfo, "payload")
}

func TestHooksEventShapes(t *testing.T) {
	h := &captureHub{}
	rec := newRecorder(h, model.SystemWorker)
	ctx := tracectx.With(context.Background(), "t-hooks")

	rec.CaptureStart(ctx, "job", "queued")
	rec.CaptureSuccess(ctx, "job", "done")
	rec.CaptureError(ctx, "job", errors.New("boom"))

	events := h.all()
	require.Len(t, events, 3)
	assert.Equal(t, "job.start", events[0].EventType)
	assert.Equal(t, "job.success", events[1].EventType)
	assert.Equal(t, "job.error", events[2].EventType)
	assert.Equal(t, model.SeverityError, events[2].Severity)
	assert.Equal(t, "boom", events[2].Details)
	for _, ev := range events {
		assert.Equal(t, "t-hooks", ev.TraceID)
		assert.Equal(t, model.SystemWorker, ev.System)
	}
}

func TestHTTPMiddlewarePropagatesIncomingTrace(t *testing.T) {
	h := &captureHub{}
	rec := newRecorder(h, model.SystemBackend)

	var seen string
	handler := HTTPMiddleware(rec)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = tracectx.From(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/work", nil)
	req.Header.Set(TraceHeader, "t-upstream")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, "t-upstream", seen)
	assert.Equal(t, "t-upstream", rr.Header().Get(TraceHeader))

	events := h.all()
	require.Len(t, events, 2)
	assert.Equal(t, "http.request", events[0].EventType)
	assert.Equal(t, "http.response", events[1].EventType)
	assert.Equal(t, "t-upstream", events[0].TraceID)
}

func TestHTTPMiddlewareStartsTraceWhenHeaderAbsent(t *testing.T) {
	h := &captureHub{}
	rec := newRecorder(h, model.SystemBackend)

	handler := HTTPMiddleware(rec)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, tracectx.From(r.Context()))
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, rr.Header().Get(TraceHeader))
}

func TestHTTPMiddlewareSeverityTracksStatus(t *testing.T) {
	h := &captureHub{}
	rec := newRecorder(h, model.SystemBackend)

	handler := HTTPMiddleware(rec)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/fail", nil))

	events := h.all()
	require.Len(t, events, 2)
	assert.Equal(t, model.SeverityError, events[1].Severity)
}
