// Package taskq is a bounded in-process task queue whose workers carry the
// enqueuing caller's trace. The trace id is captured at Enqueue and rebound
// to the worker's context before the handler runs, so events emitted from
// background work land on the same timeline as the request that scheduled
// it.
package taskq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/traceflow/traceflow/internal/adapter"
	"github.com/traceflow/traceflow/internal/tracectx"
)

// ErrQueueFull is returned by Enqueue when the queue is at capacity.
var ErrQueueFull = errors.New("taskq: queue full")

// ErrStopped is returned by Enqueue after Shutdown has begun.
var ErrStopped = errors.New("taskq: stopped")

const (
	defaultWorkers   = 4
	defaultQueueSize = 256
)

// Handler is one unit of background work.
type Handler func(ctx context.Context) error

type task struct {
	name       string
	traceID    string
	run        Handler
	enqueuedAt time.Time
}

// Config tunes queue capacity and concurrency.
type Config struct {
	Workers   int
	QueueSize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	return c
}

// Queue runs handlers on a fixed worker pool.
type Queue struct {
	hooks  adapter.Hooks
	logger *slog.Logger

	tasks   chan task
	group   *errgroup.Group
	stopped atomic.Bool

	processed atomic.Int64
	failed    atomic.Int64
}

// New creates a Queue. hooks may be nil to disable capture.
func New(hooks adapter.Hooks, logger *slog.Logger, cfg Config) *Queue {
	cfg = cfg.withDefaults()
	q := &Queue{
		hooks:  hooks,
		logger: logger,
		tasks:  make(chan task, cfg.QueueSize),
	}
	q.group = new(errgroup.Group)
	for i := 0; i < cfg.Workers; i++ {
		q.group.Go(q.worker)
	}
	return q
}

// Enqueue schedules fn under the caller's trace. A caller without a trace
// gets a fresh one, returned via the bound context the handler will see.
// Enqueue never blocks: a full queue fails with ErrQueueFull.
func (q *Queue) Enqueue(ctx context.Context, name string, fn Handler) error {
	if q.stopped.Load() {
		return ErrStopped
	}
	_, traceID := tracectx.Ensure(ctx)
	t := task{
		name:       name,
		traceID:    traceID,
		run:        fn,
		enqueuedAt: time.Now().UTC(),
	}
	select {
	case q.tasks <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown stops intake, finishes queued tasks, and waits for workers,
// bounded by ctx.
func (q *Queue) Shutdown(ctx context.Context) error {
	if !q.stopped.CompareAndSwap(false, true) {
		return nil
	}
	close(q.tasks)

	done := make(chan error, 1)
	go func() { done <- q.group.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("taskq: shutdown: %w", ctx.Err())
	}
}

// Processed returns the number of completed tasks, failures included.
func (q *Queue) Processed() int64 { return q.processed.Load() }

// Failed returns the number of tasks whose handler returned an error or
// panicked.
func (q *Queue) Failed() int64 { return q.failed.Load() }

// Depth returns the number of tasks waiting for a worker.
func (q *Queue) Depth() int { return len(q.tasks) }

func (q *Queue) worker() error {
	for t := range q.tasks {
		q.execute(t)
	}
	return nil
}

func (q *Queue) execute(t task) {
	ctx := tracectx.With(context.Background(), t.traceID)

	if q.hooks != nil {
		q.hooks.CaptureStart(ctx, "task."+t.name,
			fmt.Sprintf("queued %s", time.Since(t.enqueuedAt).Round(time.Millisecond)))
	}

	err := q.runSafely(ctx, t)
	q.processed.Add(1)
	if err != nil {
		q.failed.Add(1)
		if q.hooks != nil {
			q.hooks.CaptureError(ctx, "task."+t.name, err)
		}
		q.logger.Error("taskq: task failed",
			"task", t.name, "trace_id", t.traceID, "error", err)
		return
	}
	if q.hooks != nil {
		q.hooks.CaptureSuccess(ctx, "task."+t.name, "")
	}
}

// runSafely converts a handler panic into an error so one bad task cannot
// take down the pool.
func (q *Queue) runSafely(ctx context.Context, t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("taskq: task %s panicked: %v", t.name, r)
		}
	}()
	return t.run(ctx)
}
