// Package normalize converts loose, untyped event payloads into canonical
// model.Event values. It is the single place where the raw key-value boundary
// becomes strongly typed; it performs no I/O.
package normalize

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/traceflow/traceflow/internal/model"
	"github.com/traceflow/traceflow/internal/tracectx"
)

// DefaultMaxEventBytes caps the serialized size of a single event payload.
const DefaultMaxEventBytes = 64 * 1024

// ValidationError reports a malformed or incomplete raw event. Events that
// fail validation are rejected before ingestion.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("normalize: invalid event: %s: %s", e.Field, e.Reason)
}

// Normalizer fills defaults and validates raw events.
type Normalizer struct {
	environment   string
	maxEventBytes int
	now           func() time.Time
}

// New creates a Normalizer. environment tags events missing one;
// maxEventBytes <= 0 selects DefaultMaxEventBytes.
func New(environment string, maxEventBytes int) *Normalizer {
	if maxEventBytes <= 0 {
		maxEventBytes = DefaultMaxEventBytes
	}
	return &Normalizer{
		environment:   environment,
		maxEventBytes: maxEventBytes,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Normalize validates raw and returns a canonical Event without an ID
// (the hub assigns sequence numbers at acceptance).
//
// The trace id is resolved in precedence order: the explicit traceID
// argument, a trace_id/traceId key in the payload, the id bound to ctx,
// and finally a freshly generated one.
func (n *Normalizer) Normalize(ctx context.Context, raw model.RawEvent, traceID string) (model.Event, error) {
	if raw == nil {
		return model.Event{}, &ValidationError{Field: "payload", Reason: "empty payload"}
	}
	if size := payloadSize(raw); size > n.maxEventBytes {
		return model.Event{}, &ValidationError{
			Field:  "payload",
			Reason: fmt.Sprintf("serialized size %d exceeds limit %d", size, n.maxEventBytes),
		}
	}

	system, err := stringField(raw, "system")
	if err != nil {
		return model.Event{}, err
	}
	if system == "" {
		return model.Event{}, &ValidationError{Field: "system", Reason: "required"}
	}

	if traceID == "" {
		traceID = looseString(raw, "trace_id")
	}
	if traceID == "" {
		traceID = looseString(raw, "traceId")
	}
	if traceID == "" {
		traceID = tracectx.From(ctx)
	}
	if traceID == "" {
		traceID = tracectx.Generate()
	}

	sev, err := stringField(raw, "severity")
	if err != nil {
		return model.Event{}, err
	}
	severity := model.Severity(sev)
	if severity == "" {
		severity = model.SeverityInfo
	}
	if !model.ValidSeverity(severity) {
		return model.Event{}, &ValidationError{
			Field:  "severity",
			Reason: fmt.Sprintf("unknown severity %q", severity),
		}
	}

	ts, err := timestampField(raw)
	if err != nil {
		return model.Event{}, err
	}
	if ts.IsZero() {
		ts = n.now()
	}
	// Timestamps are accepted at microsecond resolution: timestamptz stores
	// nothing finer, and reads must return exactly what was accepted on
	// every backend.
	ts = ts.Truncate(time.Microsecond)

	env := looseString(raw, "environment")
	if env == "" {
		env = n.environment
	}

	ev := model.Event{
		TraceID:     traceID,
		System:      system,
		EventType:   looseString(raw, "event_type"),
		Severity:    severity,
		Timestamp:   ts,
		File:        looseString(raw, "file"),
		Line:        intField(raw, "line"),
		Source:      looseString(raw, "source"),
		Locals:      stringMapField(raw, "locals"),
		Stacktrace:  stringSliceField(raw, "stacktrace"),
		Response:    looseString(raw, "response"),
		Details:     looseString(raw, "details"),
		Environment: env,
	}
	return ev, nil
}

// payloadSize measures the serialized payload. Unserializable values count as
// their string form, matching how they would be stored.
func payloadSize(raw model.RawEvent) int {
	b, err := json.Marshal(raw)
	if err != nil {
		return len(fmt.Sprint(raw))
	}
	return len(b)
}

// stringField reads a key that, when present, must be a string.
func stringField(raw model.RawEvent, key string) (string, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", &ValidationError{Field: key, Reason: fmt.Sprintf("expected string, got %T", v)}
	}
	return s, nil
}

// looseString reads a key as a string, silently ignoring other types.
func looseString(raw model.RawEvent, key string) string {
	if s, ok := raw[key].(string); ok {
		return s
	}
	return ""
}

func intField(raw model.RawEvent, key string) int {
	switch v := raw[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64: // JSON numbers decode to float64
		return int(v)
	}
	return 0
}

func stringMapField(raw model.RawEvent, key string) map[string]string {
	src, ok := raw[key].(map[string]any)
	if !ok || len(src) == 0 {
		if m, ok := raw[key].(map[string]string); ok && len(m) > 0 {
			return m
		}
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = fmt.Sprint(v)
	}
	return out
}

func stringSliceField(raw model.RawEvent, key string) []string {
	switch src := raw[key].(type) {
	case []string:
		if len(src) == 0 {
			return nil
		}
		return src
	case []any:
		if len(src) == 0 {
			return nil
		}
		out := make([]string, len(src))
		for i, v := range src {
			out[i] = fmt.Sprint(v)
		}
		return out
	}
	return nil
}

// timestampField accepts time.Time values and RFC3339(Nano) strings.
// An unparseable string is a validation error rather than a silent default.
func timestampField(raw model.RawEvent) (time.Time, error) {
	v, ok := raw["timestamp"]
	if !ok || v == nil {
		return time.Time{}, nil
	}
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		if t == "" {
			return time.Time{}, nil
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed.UTC(), nil
			}
		}
		return time.Time{}, &ValidationError{Field: "timestamp", Reason: "not RFC3339"}
	}
	return time.Time{}, &ValidationError{Field: "timestamp", Reason: fmt.Sprintf("expected string or time, got %T", v)}
}
