package normalize

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traceflow/traceflow/internal/model"
	"github.com/traceflow/traceflow/internal/tracectx"
)

func TestNormalizeDefaults(t *testing.T) {
	n := New("dev", 0)
	before := time.Now().UTC()

	ev, err := n.Normalize(context.Background(), model.RawEvent{"system": "backend"}, "")
	require.NoError(t, err)

	assert.Equal(t, "backend", ev.System)
	assert.Equal(t, model.SeverityInfo, ev.Severity)
	assert.Equal(t, "dev", ev.Environment)
	assert.NotEmpty(t, ev.TraceID, "trace id must be generated when nothing is bound")
	assert.False(t, ev.Timestamp.Before(before), "timestamp defaults to capture time")
	assert.Zero(t, ev.ID, "sequence assignment belongs to the hub")
}

func TestNormalizeMissingSystem(t *testing.T) {
	n := New("dev", 0)

	_, err := n.Normalize(context.Background(), model.RawEvent{"details": "no system"}, "")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "system", verr.Field)

	_, err = n.Normalize(context.Background(), model.RawEvent{"system": 42}, "")
	require.ErrorAs(t, err, &verr)
}

func TestNormalizeNilPayload(t *testing.T) {
	n := New("dev", 0)
	_, err := n.Normalize(context.Background(), nil, "")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestNormalizeOversizedPayload(t *testing.T) {
	n := New("dev", 128)
	raw := model.RawEvent{
		"system":  "backend",
		"details": strings.Repeat("x", 1024),
	}
	_, err := n.Normalize(context.Background(), raw, "")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "payload", verr.Field)
}

func TestNormalizeUnknownSeverity(t *testing.T) {
	n := New("dev", 0)
	_, err := n.Normalize(context.Background(), model.RawEvent{"system": "backend", "severity": "fatal"}, "")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "severity", verr.Field)

	// A present but non-string severity is malformed, not a default.
	_, err = n.Normalize(context.Background(), model.RawEvent{"system": "backend", "severity": 5}, "")
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "severity", verr.Field)
}

func TestTraceIDResolutionOrder(t *testing.T) {
	n := New("dev", 0)
	ctx := tracectx.With(context.Background(), "from-context")

	// Explicit argument wins over everything.
	ev, err := n.Normalize(ctx, model.RawEvent{"system": "backend", "trace_id": "from-payload"}, "explicit")
	require.NoError(t, err)
	assert.Equal(t, "explicit", ev.TraceID)

	// Payload key wins over the context binding.
	ev, err = n.Normalize(ctx, model.RawEvent{"system": "backend", "trace_id": "from-payload"}, "")
	require.NoError(t, err)
	assert.Equal(t, "from-payload", ev.TraceID)

	// camelCase key from legacy producers is honored too.
	ev, err = n.Normalize(ctx, model.RawEvent{"system": "backend", "traceId": "camel"}, "")
	require.NoError(t, err)
	assert.Equal(t, "camel", ev.TraceID)

	// Context binding is the fallback.
	ev, err = n.Normalize(ctx, model.RawEvent{"system": "backend"}, "")
	require.NoError(t, err)
	assert.Equal(t, "from-context", ev.TraceID)
}

func TestNormalizeTimestampParsing(t *testing.T) {
	n := New("dev", 0)

	ev, err := n.Normalize(context.Background(), model.RawEvent{
		"system":    "backend",
		"timestamp": "2026-03-01T12:30:45Z",
	}, "")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 30, 45, 0, time.UTC), ev.Timestamp)

	_, err = n.Normalize(context.Background(), model.RawEvent{
		"system":    "backend",
		"timestamp": "yesterday",
	}, "")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "timestamp", verr.Field)
}

func TestNormalizeTimestampMicrosecondResolution(t *testing.T) {
	n := New("dev", 0)

	// Sub-microsecond digits are dropped at acceptance so persisted
	// events read back identical from backends that store microseconds.
	ev, err := n.Normalize(context.Background(), model.RawEvent{
		"system":    "backend",
		"timestamp": "2026-03-01T12:30:45.123456789Z",
	}, "")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 30, 45, 123456000, time.UTC), ev.Timestamp)

	// The capture-time default is aligned too.
	n.now = func() time.Time { return time.Date(2026, 3, 1, 12, 30, 45, 999999999, time.UTC) }
	ev, err = n.Normalize(context.Background(), model.RawEvent{"system": "backend"}, "")
	require.NoError(t, err)
	assert.True(t, ev.Timestamp.Equal(ev.Timestamp.Truncate(time.Microsecond)))
	assert.Equal(t, 999999000, ev.Timestamp.Nanosecond())
}

func TestNormalizeDiagnosticFields(t *testing.T) {
	n := New("prod", 0)

	raw := model.RawEvent{
		"system":     "worker",
		"severity":   "error",
		"event_type": "task_failure",
		"file":       "/app/jobs.go",
		"line":       float64(42), // JSON numbers arrive as float64
		"source":     "jobs.Process",
		"locals":     map[string]any{"attempt": 3, "queue": "default"},
		"stacktrace": []any{"frame1", "frame2"},
		"response":   "fail",
		"details":    "boom",
	}
	ev, err := n.Normalize(context.Background(), raw, "t1")
	require.NoError(t, err)

	assert.Equal(t, "task_failure", ev.EventType)
	assert.Equal(t, model.SeverityError, ev.Severity)
	assert.True(t, ev.IsError())
	assert.Equal(t, 42, ev.Line)
	assert.Equal(t, map[string]string{"attempt": "3", "queue": "default"}, ev.Locals)
	assert.Equal(t, []string{"frame1", "frame2"}, ev.Stacktrace)
	assert.Equal(t, "prod", ev.Environment, "environment defaults to the configured tag")
}
