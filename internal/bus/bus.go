// Package bus fans lifecycle events out to frontend subscribers.
//
// Events are appended to a bounded ring ordered by sequence number. Each
// subscriber owns a read cursor into the ring; a subscriber that lags past
// the ring capacity skips ahead to the oldest retained event and receives
// a lag marker in place of the dropped events. Delivery is best effort —
// a slow or dead subscriber never blocks publication.
package bus

import (
	"sync"
	"time"

	"github.com/harryaskham/io-mcp/internal/domain"
	"github.com/harryaskham/io-mcp/internal/logging"
)

// DefaultCapacity is the ring size used when NewBus is given zero.
const DefaultCapacity = 256

// Bus is the broker-wide event bus.
type Bus struct {
	mu   sync.Mutex
	cond *sync.Cond
	log  *logging.Logger

	ring []domain.EventEnvelope
	seq  int64 // next sequence number to assign; ring holds [max(0,seq-cap), seq)

	closed bool
}

// Subscriber is one frontend's view of the bus.
type Subscriber struct {
	// C delivers events in order. Closed when the subscriber is removed
	// or the bus shuts down.
	C <-chan domain.EventEnvelope

	bus    *Bus
	ch     chan domain.EventEnvelope
	stop   chan struct{}
	cursor int64
	once   sync.Once
}

// NewBus creates a bus with the given ring capacity.
func NewBus(capacity int, log *logging.Logger) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	b := &Bus{
		ring: make([]domain.EventEnvelope, capacity),
		log:  log.Sub("bus"),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Publish appends an event, stamping its sequence number and timestamp.
// Returns the assigned sequence number.
func (b *Bus) Publish(sessionID string, kind domain.EventKind, payload any) int64 {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return -1
	}
	env := domain.EventEnvelope{
		Seq:       b.seq,
		SessionID: sessionID,
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	b.ring[b.seq%int64(len(b.ring))] = env
	b.seq++
	b.cond.Broadcast()
	b.mu.Unlock()

	b.log.Debug().Int64("seq", env.Seq).Str("kind", string(kind)).Str("session", sessionID).Msg("event published")
	return env.Seq
}

// Seq returns the next sequence number to be assigned.
func (b *Bus) Seq() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Subscribe registers a new subscriber with its cursor at the head: only
// events published after this call are delivered. Reconnecting frontends
// re-read full state via the sessions snapshot, so no replay is needed.
func (b *Bus) Subscribe() *Subscriber {
	b.mu.Lock()
	s := &Subscriber{
		bus:    b,
		ch:     make(chan domain.EventEnvelope, 8),
		stop:   make(chan struct{}),
		cursor: b.seq,
	}
	s.C = s.ch
	b.mu.Unlock()

	go s.pump()
	return s
}

// Close removes the subscriber. Safe to call more than once.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		close(s.stop)
		s.bus.mu.Lock()
		s.bus.cond.Broadcast()
		s.bus.mu.Unlock()
	})
}

// pump moves events from the ring into the subscriber channel, inserting
// lag markers when the cursor falls behind the retained window.
func (s *Subscriber) pump() {
	defer close(s.ch)
	b := s.bus
	capacity := int64(len(b.ring))

	for {
		b.mu.Lock()
		for s.cursor >= b.seq && !b.closed && !s.stopped() {
			b.cond.Wait()
		}
		if b.closed || s.stopped() {
			b.mu.Unlock()
			return
		}

		var env domain.EventEnvelope
		if b.seq-s.cursor > capacity {
			dropped := b.seq - capacity - s.cursor
			s.cursor = b.seq - capacity
			env = domain.EventEnvelope{
				Seq:       s.cursor - 1,
				Kind:      domain.EventLag,
				Payload:   map[string]int64{"dropped": dropped},
				Timestamp: time.Now(),
			}
		} else {
			env = b.ring[s.cursor%capacity]
			s.cursor++
		}
		b.mu.Unlock()

		select {
		case s.ch <- env:
		case <-s.stop:
			return
		}
	}
}

func (s *Subscriber) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// Shutdown closes the bus and wakes all subscribers.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
}
