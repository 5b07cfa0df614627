package taskq

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traceflow/traceflow/internal/tracectx"
)

// recordingHooks collects capture callbacks with their bound trace ids.
type recordingHooks struct {
	mu    sync.Mutex
	calls []hookCall
}

type hookCall struct {
	kind    string
	name    string
	traceID string
}

func (r *recordingHooks) CaptureStart(ctx context.Context, name, _ string) {
	r.add("start", name, ctx)
}

func (r *recordingHooks) CaptureSuccess(ctx context.Context, name, _ string) {
	r.add("success", name, ctx)
}

func (r *recordingHooks) CaptureError(ctx context.Context, name string, _ error) {
	r.add("error", name, ctx)
}

func (r *recordingHooks) add(kind, name string, ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, hookCall{kind: kind, name: name, traceID: tracectx.From(ctx)})
}

func (r *recordingHooks) all() []hookCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]hookCall, len(r.calls))
	copy(out, r.calls)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWorkerReboundTrace(t *testing.T) {
	hooks := &recordingHooks{}
	q := New(hooks, testLogger(), Config{Workers: 1})

	got := make(chan string, 1)
	ctx := tracectx.With(context.Background(), "t-task")
	require.NoError(t, q.Enqueue(ctx, "send_email", func(ctx context.Context) error {
		got <- tracectx.From(ctx)
		return nil
	}))

	select {
	case id := <-got:
		assert.Equal(t, "t-task", id)
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
	require.NoError(t, q.Shutdown(context.Background()))

	calls := hooks.all()
	require.Len(t, calls, 2)
	assert.Equal(t, "start", calls[0].kind)
	assert.Equal(t, "task.send_email", calls[0].name)
	assert.Equal(t, "t-task", calls[0].traceID)
	assert.Equal(t, "success", calls[1].kind)
}

func TestEnqueueWithoutTraceStartsOne(t *testing.T) {
	q := New(nil, testLogger(), Config{Workers: 1})

	got := make(chan string, 1)
	require.NoError(t, q.Enqueue(context.Background(), "cleanup", func(ctx context.Context) error {
		got <- tracectx.From(ctx)
		return nil
	}))

	select {
	case id := <-got:
		assert.NotEmpty(t, id)
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
	require.NoError(t, q.Shutdown(context.Background()))
}

func TestFailedTaskCapturedAndCounted(t *testing.T) {
	hooks := &recordingHooks{}
	q := New(hooks, testLogger(), Config{Workers: 1})

	require.NoError(t, q.Enqueue(context.Background(), "flaky", func(context.Context) error {
		return errors.New("downstream unavailable")
	}))
	require.NoError(t, q.Shutdown(context.Background()))

	assert.Equal(t, int64(1), q.Processed())
	assert.Equal(t, int64(1), q.Failed())

	calls := hooks.all()
	require.Len(t, calls, 2)
	assert.Equal(t, "error", calls[1].kind)
}

func TestPanickingTaskDoesNotKillWorker(t *testing.T) {
	q := New(nil, testLogger(), Config{Workers: 1})

	require.NoError(t, q.Enqueue(context.Background(), "bad", func(context.Context) error {
		panic("unexpected state")
	}))

	ran := make(chan struct{})
	require.NoError(t, q.Enqueue(context.Background(), "good", func(context.Context) error {
		close(ran)
		return nil
	}))

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("worker died after panic")
	}
	require.NoError(t, q.Shutdown(context.Background()))
	assert.Equal(t, int64(1), q.Failed())
}

func TestEnqueueFullQueue(t *testing.T) {
	q := New(nil, testLogger(), Config{Workers: 1, QueueSize: 1})

	block := make(chan struct{})
	require.NoError(t, q.Enqueue(context.Background(), "hold", func(context.Context) error {
		<-block
		return nil
	}))

	// Fill the single queue slot behind the held worker, then overflow.
	var full error
	for i := 0; i < 10; i++ {
		if err := q.Enqueue(context.Background(), "next", func(context.Context) error { return nil }); err != nil {
			full = err
			break
		}
	}
	assert.ErrorIs(t, full, ErrQueueFull)

	close(block)
	require.NoError(t, q.Shutdown(context.Background()))
}

func TestEnqueueAfterShutdown(t *testing.T) {
	q := New(nil, testLogger(), Config{Workers: 1})
	require.NoError(t, q.Shutdown(context.Background()))

	err := q.Enqueue(context.Background(), "late", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrStopped)
}
