// Package timeline reconstructs execution timelines from the durable event
// record. A timeline partitions a trace's events, in acceptance order, into
// maximal runs of consecutive events from the same system: the chronicle
// backend → worker → database → backend yields four stages even though only
// three systems participate.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/traceflow/traceflow/internal/model"
	"github.com/traceflow/traceflow/internal/storage"
)

// ErrTraceNotFound is returned by Build when no events exist for the trace.
var ErrTraceNotFound = errors.New("timeline: trace not found")

// Builder derives timelines on demand. Builds are pure reads; nothing is
// cached or stored, so the same durable record always yields the same
// timeline.
type Builder struct {
	store  storage.Store
	logger *slog.Logger
}

// NewBuilder creates a Builder backed by the given store.
func NewBuilder(store storage.Store, logger *slog.Logger) *Builder {
	return &Builder{store: store, logger: logger}
}

// Build reconstructs the timeline for one trace from its persisted events.
func (b *Builder) Build(ctx context.Context, traceID string) (model.Timeline, error) {
	events, err := b.store.EventsByTrace(ctx, traceID)
	if err != nil {
		return model.Timeline{}, fmt.Errorf("timeline: load events for %s: %w", traceID, err)
	}
	if len(events) == 0 {
		return model.Timeline{}, ErrTraceNotFound
	}

	tl := build(traceID, events)
	b.logger.Debug("timeline built",
		"trace_id", traceID,
		"events", len(events),
		"stages", tl.TotalStages,
		"has_errors", tl.HasErrors)
	return tl, nil
}

// build runs the single linear pass over id-ordered events. A new stage
// opens exactly when the system differs from the previous event's.
func build(traceID string, events []model.Event) model.Timeline {
	tl := model.Timeline{
		TraceID: traceID,
		Stages:  []model.Stage{},
	}

	var cur *model.Stage
	for _, ev := range events {
		if cur == nil || cur.System != ev.System {
			tl.Stages = append(tl.Stages, newStage(ev))
			cur = &tl.Stages[len(tl.Stages)-1]
			continue
		}
		extendStage(cur, ev)
	}

	for i := range tl.Stages {
		if tl.Stages[i].Status == model.StageError {
			tl.HasErrors = true
			break
		}
	}
	tl.TotalStages = len(tl.Stages)

	// Wall-clock span from the first event of the first stage to the last
	// event of the last stage. Producer clocks may disagree, so a negative
	// span is possible and reported as-is.
	first := tl.Stages[0].StartTime
	last := tl.Stages[len(tl.Stages)-1].EndTime
	tl.TotalDurationMs = float64(last.Sub(first).Microseconds()) / 1000

	return tl
}

func newStage(ev model.Event) model.Stage {
	st := model.Stage{
		System:     ev.System,
		StartTime:  ev.Timestamp,
		EndTime:    ev.Timestamp,
		Status:     model.StageSuccess,
		EventCount: 1,
		Events:     []model.Event{ev},
	}
	if ev.IsError() {
		st.Status = model.StageError
	}
	return st
}

func extendStage(st *model.Stage, ev model.Event) {
	st.EndTime = ev.Timestamp
	st.DurationMs = float64(st.EndTime.Sub(st.StartTime).Microseconds()) / 1000
	st.EventCount++
	st.Events = append(st.Events, ev)
	if ev.IsError() {
		st.Status = model.StageError
	}
}
