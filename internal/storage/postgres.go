package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/traceflow/traceflow/internal/model"
)

// appendTimeout bounds a single durable write so a hung database cannot
// block the hub's persistence worker indefinitely.
const appendTimeout = 30 * time.Second

const pgSchema = `
CREATE TABLE IF NOT EXISTS events (
	id          BIGINT PRIMARY KEY,
	trace_id    TEXT NOT NULL,
	system      TEXT NOT NULL,
	event_type  TEXT NOT NULL DEFAULT '',
	severity    TEXT NOT NULL,
	timestamp   TIMESTAMPTZ NOT NULL,
	environment TEXT NOT NULL DEFAULT '',
	payload     JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_events_trace_id ON events (trace_id, id);
`

// Postgres is the pgxpool-backed Store.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres connects a pool, verifies connectivity, and ensures the
// events table exists.
func NewPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse postgres DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: create schema: %w", err)
	}
	return &Postgres{pool: pool, logger: logger}, nil
}

const pgInsert = `INSERT INTO events (id, trace_id, system, event_type, severity, timestamp, environment, payload)
	 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	 ON CONFLICT (id) DO NOTHING`

// Append inserts a single event. ON CONFLICT DO NOTHING makes retried
// appends after a transient failure safe.
func (p *Postgres) Append(ctx context.Context, ev model.Event) error {
	payload, err := marshalDiag(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, appendTimeout)
	defer cancel()
	_, err = p.pool.Exec(ctx, pgInsert,
		ev.ID, ev.TraceID, ev.System, ev.EventType, string(ev.Severity),
		ev.Timestamp, ev.Environment, payload,
	)
	if err != nil {
		return fmt.Errorf("storage: append event %d: %w", ev.ID, err)
	}
	return nil
}

// AppendBatch inserts events in one round trip via pgx batching.
func (p *Postgres) AppendBatch(ctx context.Context, events []model.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, ev := range events {
		payload, err := marshalDiag(ev)
		if err != nil {
			return 0, err
		}
		batch.Queue(pgInsert,
			ev.ID, ev.TraceID, ev.System, ev.EventType, string(ev.Severity),
			ev.Timestamp, ev.Environment, payload,
		)
	}

	ctx, cancel := context.WithTimeout(ctx, appendTimeout)
	defer cancel()

	results := p.pool.SendBatch(ctx, batch)
	defer results.Close() //nolint:errcheck

	inserted := 0
	for range events {
		tag, err := results.Exec()
		if err != nil {
			return inserted, fmt.Errorf("storage: append batch: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// EventsByTrace returns the trace's events ordered by acceptance id.
func (p *Postgres) EventsByTrace(ctx context.Context, traceID string) ([]model.Event, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, trace_id, system, event_type, severity, timestamp, environment, payload
		 FROM events WHERE trace_id = $1
		 ORDER BY id ASC`, traceID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: query events by trace: %w", err)
	}
	defer rows.Close()
	return scanPGEvents(rows)
}

// RecentTraces lists the latest event per trace, most recent acceptance first.
func (p *Postgres) RecentTraces(ctx context.Context, limit int) ([]model.TraceSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := p.pool.Query(ctx,
		`SELECT e.id, e.trace_id, e.system, e.event_type, e.severity, e.timestamp, e.environment, e.payload, c.cnt
		 FROM events e
		 JOIN (SELECT trace_id, MAX(id) AS max_id, COUNT(*) AS cnt FROM events GROUP BY trace_id) c
		   ON e.trace_id = c.trace_id AND e.id = c.max_id
		 ORDER BY e.id DESC
		 LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: query recent traces: %w", err)
	}
	defer rows.Close()

	var out []model.TraceSummary
	for rows.Next() {
		var ev model.Event
		var sev string
		var payload []byte
		var count int
		if err := rows.Scan(&ev.ID, &ev.TraceID, &ev.System, &ev.EventType, &sev,
			&ev.Timestamp, &ev.Environment, &payload, &count); err != nil {
			return nil, fmt.Errorf("storage: scan recent trace: %w", err)
		}
		ev.Severity = model.Severity(sev)
		ev.Timestamp = ev.Timestamp.UTC()
		if err := applyDiag(&ev, payload); err != nil {
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
func (p *Postgres) LastSequence(ctx context.Context) (int64, error) {
	var last int64
	err := p.pool.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM events`).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("storage: last sequence: %w", err)
	}
	return last, nil
}

// Ping checks database connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (p *Postgres) Close(context.Context) error {
	p.pool.Close()
	return nil
}

func scanPGEvents(rows pgx.Rows) ([]model.Event, error) {
	events := []model.Event{}
	for rows.Next() {
		var ev model.Event
		var sev string
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.TraceID, &ev.System, &ev.EventType, &sev,
			&ev.Timestamp, &ev.Environment, &payload); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		ev.Severity = model.Severity(sev)
		ev.Timestamp = ev.Timestamp.UTC()
		if err := applyDiag(&ev, payload); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
