// Package storage provides the durable append-only event store.
//
// Two backends implement the same contract: PostgreSQL (via pgxpool, for
// deployments) and SQLite (via modernc.org/sqlite, the zero-setup default).
// Open dispatches on the connection string. Appends are idempotent on the
// event id so retries after transient failures never duplicate rows; no
// update or delete path exists.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/traceflow/traceflow/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// Store is the persistence contract for accepted events.
type Store interface {
	// Append durably records one event. Idempotent on duplicate id.
	Append(ctx context.Context, ev model.Event) error
	// AppendBatch records a batch, skipping ids already present.
	// Returns the number of newly inserted rows.
	AppendBatch(ctx context.Context, events []model.Event) (int, error)
	// EventsByTrace returns all events for a trace ordered by id ascending.
	// Unknown trace ids yield an empty slice, not an error.
	EventsByTrace(ctx context.Context, traceID string) ([]model.Event, error)
	// RecentTraces lists the most recently active traces with their latest
	// event and per-trace event counts.
	RecentTraces(ctx context.Context, limit int) ([]model.TraceSummary, error)
	// LastSequence returns the highest assigned event id, or 0 when empty.
	LastSequence(ctx context.Context) (int64, error)

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Open connects to the backend selected by dsn: postgres:// and
// postgresql:// URLs use the PostgreSQL backend, anything else is treated
// as a SQLite path (file:..., plain path, or :memory:).
func Open(ctx context.Context, dsn string, logger *slog.Logger) (Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("storage: empty connection string")
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return NewPostgres(ctx, dsn, logger)
	}
	return NewSQLite(ctx, strings.TrimPrefix(dsn, "sqlite://"), logger)
}

// Kind names the backend a dsn selects, for logging and health reporting.
func Kind(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	return "sqlite"
}

// eventDiag is the optional diagnostic payload stored as one JSON column.
// The indexed core fields (trace_id, system, severity, timestamp) live in
// their own columns; everything else round-trips through here.
type eventDiag struct {
	File       string            `json:"file,omitempty"`
	Line       int               `json:"line,omitempty"`
	Source     string            `json:"source,omitempty"`
	Locals     map[string]string `json:"locals,omitempty"`
	Stacktrace []string          `json:"stacktrace,omitempty"`
	Response   string            `json:"response,omitempty"`
	Details    string            `json:"details,omitempty"`
}

func marshalDiag(ev model.Event) ([]byte, error) {
	d := eventDiag{
		File:       ev.File,
		Line:       ev.Line,
		Source:     ev.Source,
		Locals:     ev.Locals,
		Stacktrace: ev.Stacktrace,
		Response:   ev.Response,
		Details:    ev.Details,
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("storage: marshal diagnostics: %w", err)
	}
	return b, nil
}

func applyDiag(ev *model.Event, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	var d eventDiag
	if err := json.Unmarshal(payload, &d); err != nil {
		return fmt.Errorf("storage: unmarshal diagnostics for event %d: %w", ev.ID, err)
	}
	ev.File = d.File
	ev.Line = d.Line
	ev.Source = d.Source
	ev.Locals = d.Locals
	ev.Stacktrace = d.Stacktrace
	ev.Response = d.Response
	ev.Details = d.Details
	return nil
}
