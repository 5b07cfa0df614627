package hub

import (
	"sync"
	"sync/atomic"

	"github.com/traceflow/traceflow/internal/model"
)

// Subscription is one live consumer of the event stream. Events arrive on
// Events() in acceptance order. The channel is closed when the subscriber
// calls Close, when the hub drops it for falling behind, or when the hub
// drains.
type Subscription struct {
	hub *Hub

	in   chan model.Event
	out  chan model.Event
	gate chan struct{}
	done chan struct{}

	// afterSeq suppresses live events at or below the last replayed id,
	// so replay followed by live delivery never duplicates.
	afterSeq atomic.Int64

	releaseOnce sync.Once
	closeOnce   sync.Once
}

// Events returns the delivery channel. It is closed on disconnect.
func (s *Subscription) Events() <-chan model.Event {
	return s.out
}

// Close detaches the subscriber and releases its delivery goroutine.
// Safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.hub.unsubscribe(s)
		close(s.done)
		s.release()
	})
}

// release opens the gate so the pump starts forwarding. Buffered events
// accumulated before release (e.g. during a replay query) are kept in order.
func (s *Subscription) release() {
	s.releaseOnce.Do(func() {
		close(s.gate)
	})
}

func (s *Subscription) pump() {
	defer close(s.out)
	select {
	case <-s.gate:
	case <-s.done:
		return
	}
	for ev := range s.in {
		if ev.ID <= s.afterSeq.Load() {
			continue
		}
		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}
