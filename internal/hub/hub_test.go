package hub

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traceflow/traceflow/internal/model"
)

// memStore is an in-memory Store for hub tests. blockWrites, when set,
// parks AppendBatch until release is closed, keeping the persistence
// queue full.
type memStore struct {
	mu      sync.Mutex
	events  []model.Event
	seen    map[int64]struct{}
	lastSeq int64

	blockWrites bool
	release     chan struct{}
}

func newMemStore() *memStore {
	return &memStore{seen: make(map[int64]struct{}), release: make(chan struct{})}
}

func (m *memStore) Append(ctx context.Context, ev model.Event) error {
	_, err := m.AppendBatch(ctx, []model.Event{ev})
	return err
}

func (m *memStore) AppendBatch(ctx context.Context, events []model.Event) (int, error) {
	if m.blockWrites {
		select {
		case <-m.release:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	inserted := 0
	for _, ev := range events {
		if _, dup := m.seen[ev.ID]; dup {
			continue
		}
		m.seen[ev.ID] = struct{}{}
		m.events = append(m.events, ev)
		inserted++
	}
	return inserted, nil
}

func (m *memStore) EventsByTrace(_ context.Context, traceID string) ([]model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Event{}
	for _, ev := range m.events {
		if ev.TraceID == traceID {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) RecentTraces(context.Context, int) ([]model.TraceSummary, error) {
	return nil, nil
}

func (m *memStore) LastSequence(context.Context) (int64, error) {
	return m.lastSeq, nil
}

func (m *memStore) Ping(context.Context) error { return nil }

func (m *memStore) Close(context.Context) error { return nil }

func (m *memStore) all() []model.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Event, len(m.events))
	copy(out, m.events)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startHub(t *testing.T, store *memStore, cfg Config) *Hub {
	t.Helper()
	h := New(store, testLogger(), cfg)
	require.NoError(t, h.Start(context.Background()))
	return h
}

func ev(trace string) model.Event {
	return model.Event{
		TraceID:   trace,
		System:    model.SystemBackend,
		EventType: "request",
		Severity:  model.SeverityInfo,
		Timestamp: time.Now().UTC(),
	}
}

func TestIngestAssignsContiguousIDs(t *testing.T) {
	store := newMemStore()
	h := startHub(t, store, Config{})

	const goroutines = 20
	const perGoroutine = 50

	ids := make(chan int64, goroutines*perGoroutine)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				id, err := h.Ingest(context.Background(), ev("t-concurrent"))
				assert.NoError(t, err)
				ids <- id
			}
		}()
	}
	wg.Wait()
	close(ids)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.Drain(ctx)

	seen := make(map[int64]struct{})
	for id := range ids {
		seen[id] = struct{}{}
	}
	require.Len(t, seen, goroutines*perGoroutine)
	for want := int64(1); want <= goroutines*perGoroutine; want++ {
		_, ok := seen[want]
		assert.True(t, ok, "id %d missing", want)
	}

	assert.Len(t, store.all(), goroutines*perGoroutine)
	assert.Zero(t, h.UnpersistedEvents())
}

func TestSequenceSeededFromStore(t *testing.T) {
	store := newMemStore()
	store.lastSeq = 41
	h := startHub(t, store, Config{})
	defer h.Drain(context.Background())

	id, err := h.Ingest(context.Background(), ev("t-restart"))
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
}

func TestSubscriberReceivesInOrder(t *testing.T) {
	store := newMemStore()
	h := startHub(t, store, Config{})
	defer h.Drain(context.Background())

	sub := h.Subscribe()
	defer sub.Close()

	const n = 100
	go func() {
		for i := 0; i < n; i++ {
			_, err := h.Ingest(context.Background(), ev("t-order"))
			assert.NoError(t, err)
		}
	}()

	var prev int64
	for i := 0; i < n; i++ {
		select {
		case got := <-sub.Events():
			assert.Greater(t, got.ID, prev, "delivery out of acceptance order")
			prev = got.ID
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i+1)
		}
	}
}

func TestSlowSubscriberDisconnectedOthersUnaffected(t *testing.T) {
	store := newMemStore()
	h := startHub(t, store, Config{SubscriberBuffer: 4})
	defer h.Drain(context.Background())

	slow := h.Subscribe() // never reads
	fast := h.Subscribe()

	const n = 50
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			select {
			case _, ok := <-fast.Events():
				if !ok {
					t.Error("fast subscriber closed unexpectedly")
					return
				}
			case <-time.After(time.Second):
				t.Errorf("fast subscriber stalled at event %d", i+1)
				return
			}
		}
	}()

	for i := 0; i < n; i++ {
		_, err := h.Ingest(context.Background(), ev("t-slow"))
		require.NoError(t, err)
	}
	<-done

	// The slow subscriber's channel closes once the hub drops it.
	select {
	case _, ok := <-drainUntilClosed(slow.Events()):
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("slow subscriber never disconnected")
	}
	assert.Equal(t, int64(1), h.DroppedSubscribers())
	assert.Equal(t, 1, h.Subscribers())
	fast.Close()
}

// drainUntilClosed consumes buffered deliveries and yields only the close.
func drainUntilClosed(ch <-chan model.Event) <-chan model.Event {
	out := make(chan model.Event)
	go func() {
		for range ch {
		}
		close(out)
	}()
	return out
}

func TestIngestOverloadedWhenQueueFull(t *testing.T) {
	store := newMemStore()
	store.blockWrites = true
	h := startHub(t, store, Config{QueueSize: 4, PersistTimeout: 50 * time.Millisecond})

	// The worker takes at most one event off the queue before blocking in
	// the store, so QueueSize+1 accepted events guarantee saturation.
	accepted := 0
	var lastErr error
	for i := 0; i < 20; i++ {
		_, err := h.Ingest(context.Background(), ev("t-overload"))
		if err != nil {
			lastErr = err
			break
		}
		accepted++
	}
	require.ErrorIs(t, lastErr, ErrOverloaded)
	assert.GreaterOrEqual(t, accepted, 4)

	// Accepted ids stay contiguous after recovery.
	close(store.release)
	require.Eventually(t, func() bool { return h.QueueDepth() == 0 }, 2*time.Second, 10*time.Millisecond)
	id, err := h.Ingest(context.Background(), ev("t-overload"))
	require.NoError(t, err)
	assert.Equal(t, int64(accepted+1), id)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.Drain(ctx)
}

func TestSubscribeTraceReplayThenLive(t *testing.T) {
	store := newMemStore()
	h := startHub(t, store, Config{})
	defer h.Drain(context.Background())

	// Persist a few events, waiting for the worker to flush them.
	for i := 0; i < 3; i++ {
		_, err := h.Ingest(context.Background(), ev("t-replay"))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		return len(store.all()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	replay, sub, err := h.SubscribeTrace(context.Background(), "t-replay")
	require.NoError(t, err)
	defer sub.Close()
	require.Len(t, replay, 3)

	// Live events after the subscription arrive exactly once, in order,
	// and never repeat a replayed id.
	lastReplayed := replay[len(replay)-1].ID
	var liveIDs []int64
	for i := 0; i < 5; i++ {
		id, err := h.Ingest(context.Background(), ev("t-replay"))
		require.NoError(t, err)
		liveIDs = append(liveIDs, id)
	}
	for _, want := range liveIDs {
		select {
		case got := <-sub.Events():
			assert.Equal(t, want, got.ID)
			assert.Greater(t, got.ID, lastReplayed)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for live event %d", want)
		}
	}
}

func TestSubscribeTraceUnknownTraceEmptyReplay(t *testing.T) {
	store := newMemStore()
	h := startHub(t, store, Config{})
	defer h.Drain(context.Background())

	replay, sub, err := h.SubscribeTrace(context.Background(), "t-none")
	require.NoError(t, err)
	defer sub.Close()
	assert.Empty(t, replay)

	id, err := h.Ingest(context.Background(), ev("t-none"))
	require.NoError(t, err)
	select {
	case got := <-sub.Events():
		assert.Equal(t, id, got.ID)
	case <-time.After(time.Second):
		t.Fatal("live event never delivered")
	}
}

func TestIngestAfterDrainRejected(t *testing.T) {
	store := newMemStore()
	h := startHub(t, store, Config{})
	h.Drain(context.Background())

	_, err := h.Ingest(context.Background(), ev("t-closed"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDisabledPersistenceStreamsOnly(t *testing.T) {
	h := New(nil, testLogger(), Config{DisablePersistence: true})
	require.NoError(t, h.Start(context.Background()))
	defer h.Drain(context.Background())

	sub := h.Subscribe()
	defer sub.Close()

	id, err := h.Ingest(context.Background(), ev("t-ephemeral"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	assert.Zero(t, h.QueueCapacity())

	select {
	case got := <-sub.Events():
		assert.Equal(t, id, got.ID)
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}
