package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/traceflow/traceflow/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
	id          INTEGER PRIMARY KEY,
	trace_id    TEXT NOT NULL,
	system      TEXT NOT NULL,
	event_type  TEXT NOT NULL DEFAULT '',
	severity    TEXT NOT NULL,
	timestamp   TEXT NOT NULL,
	environment TEXT NOT NULL DEFAULT '',
	payload     TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_events_trace_id ON events (trace_id, id);
`

// SQLite is the modernc.org/sqlite-backed Store. Timestamps are stored as
// RFC3339Nano text so events round-trip without precision loss.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger

	// SQLite allows a single writer; serializing writes here avoids
	// SQLITE_BUSY churn under concurrent appends.
	writeMu sync.Mutex
}

// NewSQLite opens (or creates) the database at path and ensures the schema.
// path may be a plain file path, a file: URI, or ":memory:".
func NewSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("storage: empty sqlite path")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	// The database/sql pool would otherwise open concurrent connections;
	// for :memory: each connection is a separate database.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: enable WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: create schema: %w", err)
	}
	return &SQLite{db: db, logger: logger}, nil
}

const sqliteInsert = `INSERT OR IGNORE INTO events
	(id, trace_id, system, event_type, severity, timestamp, environment, payload)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

// Append inserts a single event; INSERT OR IGNORE makes it idempotent on id.
func (s *SQLite) Append(ctx context.Context, ev model.Event) error {
	payload, err := marshalDiag(ev)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, appendTimeout)
	defer cancel()
	_, err = s.db.ExecContext(ctx, sqliteInsert,
		ev.ID, ev.TraceID, ev.System, ev.EventType, string(ev.Severity),
		ev.Timestamp.UTC().Format(time.RFC3339Nano), ev.Environment, string(payload),
	)
	if err != nil {
		return fmt.Errorf("storage: append event %d: %w", ev.ID, err)
	}
	return nil
}

// AppendBatch inserts events inside one transaction.
func (s *SQLite) AppendBatch(ctx context.Context, events []model.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, appendTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("storage: begin batch: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	inserted := 0
	for _, ev := range events {
		payload, err := marshalDiag(ev)
		if err != nil {
			return 0, err
		}
		res, err := tx.ExecContext(ctx, sqliteInsert,
			ev.ID, ev.TraceID, ev.System, ev.EventType, string(ev.Severity),
			ev.Timestamp.UTC().Format(time.RFC3339Nano), ev.Environment, string(payload),
		)
		if err != nil {
			return 0, fmt.Errorf("storage: append batch event %d: %w", ev.ID, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("storage: commit batch: %w", err)
	}
	return inserted, nil
}

// EventsByTrace returns the trace's events ordered by acceptance id.
func (s *SQLite) EventsByTrace(ctx context.Context, traceID string) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, trace_id, system, event_type, severity, timestamp, environment, payload
		 FROM events WHERE trace_id = ?
		 ORDER BY id ASC`, traceID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: query events by trace: %w", err)
	}
	defer rows.Close()

	events := []model.Event{}
	for rows.Next() {
		ev, err := scanSQLiteEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// RecentTraces lists the latest event per trace, most recent acceptance first.
func (s *SQLite) RecentTraces(ctx context.Context, limit int) ([]model.TraceSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.id, e.trace_id, e.system, e.event_type, e.severity, e.timestamp, e.environment, e.payload, c.cnt
		 FROM events e
		 JOIN (SELECT trace_id, MAX(id) AS max_id, COUNT(*) AS cnt FROM events GROUP BY trace_id) c
		   ON e.trace_id = c.trace_id AND e.id = c.max_id
		 ORDER BY e.id DESC
		 LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: query recent traces: %w", err)
	}
	defer rows.Close()

	var out []model.TraceSummary
	for rows.Next() {
		var ev model.Event
		var sev, ts, payload string
		var count int
		if err := rows.Scan(&ev.ID, &ev.TraceID, &ev.System, &ev.EventType, &sev,
			&ts, &ev.Environment, &payload, &count); err != nil {
			return nil, fmt.Errorf("storage: scan recent trace: %w", err)
		}
		if err := finishSQLiteEvent(&ev, sev, ts, payload); err != nil {
			return nil, err
		}
		out = append(out, model.TraceSummary{
			TraceID:     ev.TraceID,
			System:      ev.System,
			EventType:   ev.EventType,
			EventCount:  count,
			LatestAt:    ev.Timestamp,
			LatestEvent: ev,
		})
	}
	return out, rows.Err()
}

// LastSequence returns the highest persisted event id.
func (s *SQLite) LastSequence(ctx context.Context) (int64, error) {
	var last int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM events`).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("storage: last sequence: %w", err)
	}
	return last, nil
}

// Ping checks the database file is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLite) Close(context.Context) error {
	return s.db.Close()
}

func scanSQLiteEvent(rows *sql.Rows) (model.Event, error) {
	var ev model.Event
	var sev, ts, payload string
	if err := rows.Scan(&ev.ID, &ev.TraceID, &ev.System, &ev.EventType, &sev,
		&ts, &ev.Environment, &payload); err != nil {
		return model.Event{}, fmt.Errorf("storage: scan event: %w", err)
	}
	if err := finishSQLiteEvent(&ev, sev, ts, payload); err != nil {
		return model.Event{}, err
	}
	return ev, nil
}

func finishSQLiteEvent(ev *model.Event, sev, ts, payload string) error {
	ev.Severity = model.Severity(sev)
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return fmt.Errorf("storage: parse timestamp for event %d: %w", ev.ID, err)
	}
	ev.Timestamp = parsed.UTC()
	return applyDiag(ev, []byte(payload))
}
