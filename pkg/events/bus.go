package events

import (
	"strings"
	"sync"
	"time"
)

// DefaultBufferSize is the per-subscriber ring capacity.
const DefaultBufferSize = 1024

// Bus is the process-wide event bus. A zero-value Bus is not usable;
// construct with NewBus.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscription is one subscriber's bounded view of the bus.
type Subscription struct {
	bus      *Bus
	id       int
	prefixes []string
	ch       chan Event

	mu       sync.Mutex
	overflow bool // overflow marker already queued and not yet drained
}

// Subscribe registers a subscriber for event types matching any of the
// given prefixes (e.g. "task:", "agent:", "escalation"). An empty prefix
// list matches everything. buffer <= 0 selects DefaultBufferSize.
func (b *Bus) Subscribe(buffer int, prefixes ...string) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &Subscription{
		bus:      b,
		id:       b.nextID,
		prefixes: prefixes,
		ch:       make(chan Event, buffer),
	}
	if !b.closed {
		b.subs[s.id] = s
	} else {
		close(s.ch)
	}
	return s
}

// Publish delivers the event to every matching subscriber without ever
// blocking. The event timestamp is filled in if unset.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if s.matches(e.Type) {
			s.offer(e)
		}
	}
}

// Close cancels every subscription and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}

// Events returns the subscriber's receive channel. The channel is closed
// when the subscription is cancelled or the bus shuts down.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Cancel removes the subscription from the bus and closes its channel.
// Safe to call more than once.
func (s *Subscription) Cancel() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s.id]; !ok {
		return
	}
	delete(s.bus.subs, s.id)
	close(s.ch)
}

func (s *Subscription) matches(eventType string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(eventType, p) {
			return true
		}
	}
	return false
}

// offer enqueues the event, dropping the oldest queued event when the ring
// is full. The first drop in a burst queues a single overflow marker; the
// flag resets once an offer succeeds without dropping.
func (s *Subscription) offer(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := false
	for {
		select {
		case s.ch <- e:
			if !dropped {
				s.overflow = false
			}
			return
		default:
		}

		// Ring full: drop the oldest event to make room. If the dropped
		// entry was the marker itself, clear the flag so it is requeued.
		select {
		case old := <-s.ch:
			dropped = true
			if old.Type == TypeOverflow {
				s.overflow = false
			}
		default:
			// A concurrent reader drained the ring; retry the send.
			continue
		}

		if !s.overflow {
			s.overflow = true
			select {
			case s.ch <- Event{Type: TypeOverflow, Timestamp: time.Now().UTC()}:
			default:
			}
		}
	}
}
