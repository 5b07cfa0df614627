// Package hub is the ingestion and broadcast engine. It assigns the global
// acceptance sequence, queues events for durable persistence, and fans them
// out to live subscribers.
//
// The sequence counter is the sole total order in the system. Assignment,
// the persistence enqueue, and the fan-out all happen under one mutex so
// every consumer observes events in acceptance order with no gaps. Producer
// timestamps are never used for ordering.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/traceflow/traceflow/internal/model"
	"github.com/traceflow/traceflow/internal/storage"
	"github.com/traceflow/traceflow/internal/telemetry"
)

// ErrOverloaded is returned by Ingest when the persistence queue is
// saturated. The event was not accepted; the caller applies its own
// retry or drop policy.
var ErrOverloaded = errors.New("hub: persistence queue full")

// ErrClosed is returned by Ingest after Drain has begun.
var ErrClosed = errors.New("hub: closed")

const (
	defaultQueueSize        = 4096
	defaultSubscriberBuffer = 256
	defaultPersistTimeout   = 5 * time.Second

	// persistBatchSize caps how many queued events one store round trip
	// absorbs.
	persistBatchSize = 256
	persistRetries   = 3
)

// Config tunes hub buffering and persistence behavior.
type Config struct {
	// QueueSize bounds the durable-persistence queue. When full, Ingest
	// fails with ErrOverloaded instead of dropping silently.
	QueueSize int
	// SubscriberBuffer bounds each subscriber's backlog. A subscriber
	// whose backlog would exceed it is disconnected.
	SubscriberBuffer int
	// PersistTimeout bounds one batched store write.
	PersistTimeout time.Duration
	// DisablePersistence skips the durable path entirely (live stream only).
	DisablePersistence bool
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = defaultSubscriberBuffer
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = defaultPersistTimeout
	}
	return c
}

// Hub accepts normalized events and distributes them.
type Hub struct {
	store  storage.Store
	logger *slog.Logger
	cfg    Config

	mu     sync.Mutex
	seq    int64
	subs   map[*Subscription]struct{}
	queue  chan model.Event
	closed bool

	unpersisted atomic.Int64 // events that failed durable persistence after retries
	droppedSubs atomic.Int64 // subscribers disconnected for falling behind

	started      atomic.Bool
	done         chan struct{}
	cancelWorker context.CancelFunc
	drainCtx     context.Context // set by Drain so the final flush respects the caller's deadline
}

// New creates a Hub. store may be nil only when cfg.DisablePersistence is set.
func New(store storage.Store, logger *slog.Logger, cfg Config) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		store:  store,
		logger: logger,
		cfg:    cfg,
		subs:   make(map[*Subscription]struct{}),
		done:   make(chan struct{}),
	}
	if !cfg.DisablePersistence {
		h.queue = make(chan model.Event, cfg.QueueSize)
	}
	return h
}

// Start seeds the sequence counter from the store (ids are never reused
// across restarts) and launches the persistence worker. Idempotent.
func (h *Hub) Start(ctx context.Context) error {
	if !h.started.CompareAndSwap(false, true) {
		h.logger.Warn("hub: Start called twice, ignoring")
		return nil
	}
	if h.queue == nil {
		close(h.done) // nothing to flush on Drain
		h.registerMetrics()
		return nil
	}

	last, err := h.store.LastSequence(ctx)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.seq = last
	h.mu.Unlock()

	workerCtx, cancel := context.WithCancel(context.Background())
	h.cancelWorker = cancel
	go h.persistLoop(workerCtx)

	h.registerMetrics()
	return nil
}

// Ingest accepts one normalized event: it assigns the next sequence number,
// queues the event for durable persistence, fans it out to live subscribers,
// and returns the assigned id. It never blocks on persistence or on slow
// subscribers; a saturated persistence queue fails with ErrOverloaded before
// a sequence number is assigned, so accepted ids have no gaps.
func (h *Hub) Ingest(_ context.Context, ev model.Event) (int64, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return 0, ErrClosed
	}
	if h.queue != nil && len(h.queue) == cap(h.queue) {
		h.mu.Unlock()
		return 0, ErrOverloaded
	}

	h.seq++
	ev.ID = h.seq

	if h.queue != nil {
		// Cannot block: capacity was checked above and Ingest is the only
		// sender, serialized by h.mu.
		h.queue <- ev
	}

	for sub := range h.subs {
		select {
		case sub.in <- ev:
		default:
			h.dropLocked(sub)
		}
	}
	h.mu.Unlock()

	return ev.ID, nil
}

// Subscribe attaches a live subscriber that receives every event accepted
// from now on, in acceptance order, until it calls Close or falls more than
// the configured backlog behind (at which point the hub disconnects it).
func (h *Hub) Subscribe() *Subscription {
	sub := h.newSubscription()
	sub.release()
	return sub
}

// SubscribeTrace attaches a subscriber and returns the trace's already
// persisted events for replay. Live delivery resumes strictly after the
// last replayed id, so no event is duplicated or omitted across the
// replay→live boundary. Events accepted during the replay query are held
// in the subscriber's buffer.
func (h *Hub) SubscribeTrace(ctx context.Context, traceID string) ([]model.Event, *Subscription, error) {
	sub := h.newSubscription()

	var replay []model.Event
	if h.store != nil {
		var err error
		replay, err = h.store.EventsByTrace(ctx, traceID)
		if err != nil {
			sub.Close()
			return nil, nil, err
		}
	}
	if len(replay) > 0 {
		sub.afterSeq.Store(replay[len(replay)-1].ID)
	}
	sub.release()
	return replay, sub, nil
}

func (h *Hub) newSubscription() *Subscription {
	sub := &Subscription{
		hub:  h,
		in:   make(chan model.Event, h.cfg.SubscriberBuffer),
		out:  make(chan model.Event),
		gate: make(chan struct{}),
		done: make(chan struct{}),
	}
	go sub.pump()

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// dropLocked disconnects a subscriber that can no longer keep up.
// Caller holds h.mu.
func (h *Hub) dropLocked(sub *Subscription) {
	delete(h.subs, sub)
	close(sub.in)
	h.droppedSubs.Add(1)
	h.logger.Warn("hub: subscriber disconnected, backlog exceeded",
		"buffer", h.cfg.SubscriberBuffer)
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.in)
	}
	h.mu.Unlock()
}

// persistLoop drains the queue in batches. Appends are idempotent on id,
// so retrying a partially applied batch is safe.
func (h *Hub) persistLoop(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			flushCtx := h.drainCtx
			if flushCtx == nil {
				var cancel context.CancelFunc
				flushCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
			}
			h.flushRemaining(flushCtx)
			return
		case ev := <-h.queue:
			batch := h.collectBatch(ev)
			h.persistBatch(ctx, batch)
		}
	}
}

// collectBatch drains whatever else is already queued, up to the batch cap.
func (h *Hub) collectBatch(first model.Event) []model.Event {
	batch := make([]model.Event, 1, persistBatchSize)
	batch[0] = first
	for len(batch) < persistBatchSize {
		select {
		case ev := <-h.queue:
			batch = append(batch, ev)
		default:
			return batch
		}
	}
	return batch
}

func (h *Hub) flushRemaining(ctx context.Context) {
	for {
		select {
		case ev := <-h.queue:
			h.persistBatch(ctx, h.collectBatch(ev))
		default:
			return
		}
	}
}

// persistBatch writes one batch with bounded retries. A batch that still
// fails is counted and logged as unpersisted: producers already received
// acceptance, so the failure surfaces to operators, never to them.
func (h *Hub) persistBatch(ctx context.Context, batch []model.Event) {
	var lastErr error
	for attempt := 1; attempt <= persistRetries; attempt++ {
		writeCtx, cancel := context.WithTimeout(ctx, h.cfg.PersistTimeout)
		_, err := h.store.AppendBatch(writeCtx, batch)
		cancel()
		if err == nil {
			return
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		h.logger.Warn("hub: persist attempt failed, retrying",
			"attempt", attempt, "batch_size", len(batch), "error", err)
		select {
		case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
		case <-ctx.Done():
		}
	}
	h.unpersisted.Add(int64(len(batch)))
	h.logger.Error("hub: events not persisted after retries",
		"batch_size", len(batch),
		"first_id", batch[0].ID,
		"last_id", batch[len(batch)-1].ID,
		"error", lastErr)
}

// Drain stops intake, flushes the persistence queue, and waits for the
// worker to finish, bounded by ctx.
func (h *Hub) Drain(ctx context.Context) {
	h.mu.Lock()
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.in)
	}
	h.mu.Unlock()

	h.drainCtx = ctx
	if h.cancelWorker != nil {
		h.cancelWorker()
	}
	select {
	case <-h.done:
	case <-ctx.Done():
		h.logger.Warn("hub: drain timed out waiting for persistence worker")
	}
}

// QueueDepth returns the number of events awaiting durable persistence.
func (h *Hub) QueueDepth() int {
	if h.queue == nil {
		return 0
	}
	return len(h.queue)
}

// QueueCapacity returns the persistence queue bound.
func (h *Hub) QueueCapacity() int {
	if h.queue == nil {
		return 0
	}
	return cap(h.queue)
}

// Subscribers returns the current live subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// UnpersistedEvents returns the total events that failed durable
// persistence after retries. Non-zero values indicate data loss in the
// durable record (the live stream already delivered them).
func (h *Hub) UnpersistedEvents() int64 {
	return h.unpersisted.Load()
}

// DroppedSubscribers returns the total subscribers disconnected for
// exceeding their backlog bound.
func (h *Hub) DroppedSubscribers() int64 {
	return h.droppedSubs.Load()
}

func (h *Hub) registerMetrics() {
	meter := telemetry.Meter("traceflow/hub")

	_, _ = meter.Int64ObservableGauge("traceflow.hub.queue_depth",
		metric.WithDescription("Events awaiting durable persistence"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(h.QueueDepth()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("traceflow.hub.subscribers",
		metric.WithDescription("Connected live subscribers"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(h.Subscribers()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("traceflow.hub.unpersisted_total",
		metric.WithDescription("Accepted events that failed durable persistence after retries"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(h.UnpersistedEvents())
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("traceflow.hub.dropped_subscribers_total",
		metric.WithDescription("Subscribers disconnected for exceeding their backlog"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(h.DroppedSubscribers())
			return nil
		}),
	)
}
