// Package hub fans observer events out to any number of subscribers.
//
// Each subscription owns a bounded queue. Publishing never blocks: when a
// queue is full the oldest queued event is discarded, since only the latest
// state is meaningful to an observer. A new subscription starts with a
// snapshot of the current state so late joiners never see a blank state.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/dyluth/conductor/pkg/conductor"
	"github.com/google/uuid"
)

// DefaultQueueSize is the per-subscription queue length used when none is configured.
const DefaultQueueSize = 16

var (
	// ErrClosed is returned by Subscribe after the hub has been closed.
	ErrClosed = errors.New("hub closed")

	// ErrSubscriptionClosed is returned by Next once a subscription is closed
	// and its queue drained.
	ErrSubscriptionClosed = errors.New("subscription closed")
)

// Source supplies the snapshot delivered to a new subscriber.
type Source interface {
	Snapshot() []conductor.Event
}

// Hub distributes events to subscriptions.
//
// LOCK ORDERING: h.mu is taken before Subscription.mu. Source.Snapshot is
// called with h.mu held, so a Source must never call back into the hub while
// holding its own lock.
type Hub struct {
	mu        sync.RWMutex
	subs      map[string]*Subscription
	source    Source
	queueSize int
	lastSeq   uint64
	closed    bool

	published atomic.Uint64
	stale     atomic.Uint64
}

// New creates a hub whose subscriptions hold at most queueSize events.
func New(queueSize int) *Hub {
	if queueSize < 1 {
		queueSize = DefaultQueueSize
	}
	return &Hub{
		subs:      make(map[string]*Subscription),
		queueSize: queueSize,
	}
}

// SetSource registers the snapshot provider. It must be called before the
// first Subscribe.
func (h *Hub) SetSource(src Source) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.source = src
}

// Subscribe registers a new subscription and queues the current snapshot on it.
func (h *Hub) Subscribe() (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}

	sub := newSubscription(uuid.New().String(), h.queueSize)

	// Snapshot under h.mu: no publish can interleave between snapshot and registration
	if h.source != nil {
		for _, ev := range h.source.Snapshot() {
			if ev.Seq > h.lastSeq {
				h.lastSeq = ev.Seq
			}
			sub.enqueue(ev)
		}
	}

	h.subs[sub.id] = sub
	log.Printf("[DEBUG] Observer %s subscribed (total: %d)", shortID(sub.id), len(h.subs))

	return sub, nil
}

// Publish delivers an event to every live subscription without blocking.
// Events older than the newest state already published are discarded.
func (h *Hub) Publish(ev conductor.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	if ev.Seq != 0 {
		if ev.Seq < h.lastSeq {
			h.stale.Add(1)
			return
		}
		h.lastSeq = ev.Seq
	}

	h.published.Add(1)
	for _, sub := range h.subs {
		sub.enqueue(ev)
	}
}

// Unsubscribe removes and closes a subscription. Unknown subscriptions are ignored.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	_, ok := h.subs[sub.id]
	delete(h.subs, sub.id)
	remaining := len(h.subs)
	h.mu.Unlock()

	sub.close()
	if ok {
		log.Printf("[DEBUG] Observer %s unsubscribed (total: %d, dropped: %d)", shortID(sub.id), remaining, sub.Dropped())
	}
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Stats reports hub-wide counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Subscribers: h.Len(),
		Published:   h.published.Load(),
		Stale:       h.stale.Load(),
	}
}

// Stats is a point-in-time view of hub counters.
type Stats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Stale       uint64 `json:"stale"`
}

// Close closes every subscription and rejects further subscribes.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[string]*Subscription)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	log.Printf("[INFO] Observer hub closed (%d subscriptions released)", len(subs))
}

// Subscription is one observer's view of the event stream.
type Subscription struct {
	id string

	mu      sync.Mutex
	queue   []conductor.Event
	cap     int
	closed  bool
	dropped uint64
	notify  chan struct{}
}

func newSubscription(id string, capacity int) *Subscription {
	return &Subscription{
		id:     id,
		queue:  make([]conductor.Event, 0, capacity),
		cap:    capacity,
		notify: make(chan struct{}, 1),
	}
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string {
	return s.id
}

// Dropped returns the number of events discarded because the queue was full.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscription) enqueue(ev conductor.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) == s.cap {
		// Drop oldest
		copy(s.queue, s.queue[1:])
		s.queue = s.queue[:len(s.queue)-1]
		s.dropped++
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.notify)
}

// Next returns the next queued event, blocking until one is available, the
// subscription is closed, or ctx is done. Events still queued when the
// subscription closes are discarded.
func (s *Subscription) Next(ctx context.Context) (conductor.Event, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return conductor.Event{}, ErrSubscriptionClosed
		}
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return conductor.Event{}, ctx.Err()
		case <-s.notify:
		}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return fmt.Sprintf("%s…", id[:8])
	}
	return id
}
