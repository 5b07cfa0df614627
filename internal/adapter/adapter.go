// Package adapter instruments application call sites. A Recorder turns
// in-process happenings into normalized events and hands them to the hub;
// the HTTP middleware and the task-queue integration are built on it.
//
// Capture failures are absorbed: instrumentation must never break the code
// being observed. Rejected or dropped events are logged and counted, and
// the traced call proceeds untouched.
package adapter

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/traceflow/traceflow/internal/hub"
	"github.com/traceflow/traceflow/internal/model"
	"github.com/traceflow/traceflow/internal/normalize"
	"github.com/traceflow/traceflow/internal/tracectx"
)

// Hooks receives capture callbacks around a unit of traced work. All
// methods are invoked with the trace id already bound to ctx.
type Hooks interface {
	// CaptureStart fires when the unit begins.
	CaptureStart(ctx context.Context, name string, details string)
	// CaptureSuccess fires when the unit completes without error.
	CaptureSuccess(ctx context.Context, name string, details string)
	// CaptureError fires when the unit fails.
	CaptureError(ctx context.Context, name string, err error)
}

// Ingester is the slice of the hub the Recorder needs.
type Ingester interface {
	Ingest(ctx context.Context, ev model.Event) (int64, error)
}

// Recorder normalizes raw events and submits them to the hub. It is the
// single ingestion path shared by the HTTP API, the middleware, and the
// task queue.
type Recorder struct {
	norm   *normalize.Normalizer
	hub    Ingester
	system string
	logger *slog.Logger

	rejected atomic.Int64
	dropped  atomic.Int64
}

// NewRecorder creates a Recorder that stamps captured events with the given
// default system.
func NewRecorder(norm *normalize.Normalizer, h Ingester, system string, logger *slog.Logger) *Recorder {
	return &Recorder{norm: norm, hub: h, system: system, logger: logger}
}

// Record normalizes raw and submits it, returning the accepted event. The
// trace id is resolved from the payload or ctx per the normalization rules.
func (r *Recorder) Record(ctx context.Context, raw model.RawEvent) (model.Event, error) {
	ev, err := r.norm.Normalize(ctx, raw, "")
	if err != nil {
		r.rejected.Add(1)
		return model.Event{}, err
	}
	id, err := r.hub.Ingest(ctx, ev)
	if err != nil {
		if errors.Is(err, hub.ErrOverloaded) {
			r.dropped.Add(1)
		}
		return model.Event{}, err
	}
	ev.ID = id
	return ev, nil
}

// Capture is the fire-and-forget variant used from instrumentation. An
// event that cannot be captured is logged and dropped; the caller's work
// is never disturbed.
func (r *Recorder) Capture(ctx context.Context, eventType string, severity model.Severity, details string) {
	raw := model.RawEvent{
		"system":     r.system,
		"event_type": eventType,
		"severity":   string(severity),
		"timestamp":  time.Now().UTC(),
	}
	if details != "" {
		raw["details"] = details
	}
	if file, line := callerLocation(2); file != "" {
		raw["file"] = file
		raw["line"] = line
	}
	if _, err := r.Record(ctx, raw); err != nil {
		r.logger.Warn("adapter: event capture dropped",
			"event_type", eventType,
			"trace_id", tracectx.From(ctx),
			"error", err)
	}
}

// CaptureStart implements Hooks.
func (r *Recorder) CaptureStart(ctx context.Context, name string, details string) {
	r.Capture(ctx, name+".start", model.SeverityInfo, details)
}

// CaptureSuccess implements Hooks.
func (r *Recorder) CaptureSuccess(ctx context.Context, name string, details string) {
	r.Capture(ctx, name+".success", model.SeverityInfo, details)
}

// CaptureError implements Hooks.
func (r *Recorder) CaptureError(ctx context.Context, name string, err error) {
	r.Capture(ctx, name+".error", model.SeverityError, err.Error())
}

// Rejected returns the count of captures refused by validation.
func (r *Recorder) Rejected() int64 { return r.rejected.Load() }

// Dropped returns the count of captures refused by hub overload.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// callerLocation resolves the instrumented call site, skipping adapter
// frames.
func callerLocation(skip int) (string, int) {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return "", 0
	}
	// Trim the module prefix so stored locations stay stable across
	// build environments.
	if i := strings.LastIndex(file, "/traceflow/"); i >= 0 {
		file = file[i+len("/traceflow/"):]
	}
	return file, line
}
