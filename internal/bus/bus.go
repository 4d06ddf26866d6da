// Package bus is the in-process notification fan-out for scheduled-message
// status events.
//
// Contract:
//   - Publish MUST be non-blocking; a slow or absent subscriber never stalls
//     the state transition that produced the event.
//   - Delivery is best-effort to connections live at publish time; there is
//     no replay on reconnect.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/OnixChiconela/Schedule-MG-sub002/internal/model"
)

type subscription struct {
	userID string
	ch     chan model.NotificationEvent

	mu     sync.Mutex
	closed bool
}

// deliver offers the event without blocking. The per-subscription lock keeps
// the send ordered against close, so unsubscribe stays the sole closer.
func (s *subscription) deliver(e model.NotificationEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
	default:
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	close(s.ch)
}

type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]*subscription
	seq  atomic.Uint64
}

func New() *Bus {
	return &Bus{subs: make(map[uint64]*subscription)}
}

// Publish delivers the event to every live subscriber whose userId is in the
// event's recipient set. Slow subscribers drop the event rather than block.
func (b *Bus) Publish(e model.NotificationEvent) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	scope := make(map[string]struct{}, len(e.Recipients))
	for _, u := range e.Recipients {
		scope[u] = struct{}{}
	}

	// Snapshot so delivery happens without holding the bus lock.
	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if _, ok := scope[s.userID]; ok {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		s.deliver(e)
	}
}

// Subscribe registers a live connection for one user. The returned func
// removes the registration and closes the channel; calling it twice is safe.
func (b *Bus) Subscribe(userID string, buffer int) (<-chan model.NotificationEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &subscription{userID: userID, ch: make(chan model.NotificationEvent, buffer)}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			sub.close()
		})
	}
	return sub.ch, unsubscribe
}
