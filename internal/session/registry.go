package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/harryaskham/io-mcp/internal/bus"
	"github.com/harryaskham/io-mcp/internal/domain"
	"github.com/harryaskham/io-mcp/internal/logging"
)

// Registry is the process-wide map from session id to Session. It also
// arbitrates operator focus across sessions.
//
// Lock ordering: the registry lock is acquired before any session lock,
// never after. The registry lock is held only long enough to mutate the
// maps; event publication and rendezvous wakeups happen outside it.
type Registry struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	order     []string // tab order
	focusedID string
	counter   int

	historyCap int
	staleAfter time.Duration

	bus     *bus.Bus
	log     *logging.Logger
	speaker Speaker

	// onActiveChanged is invoked (outside all locks) whenever a session's
	// active item appears, changes, or clears. The presenter registers it.
	onActiveChanged func(sessionID string)
}

// NewRegistry creates an empty registry publishing to the given bus.
func NewRegistry(b *bus.Bus, historyCap int, staleAfter time.Duration, log *logging.Logger) *Registry {
	if historyCap <= 0 {
		historyCap = 200
	}
	return &Registry{
		sessions:   make(map[string]*Session),
		historyCap: historyCap,
		staleAfter: staleAfter,
		bus:        b,
		log:        log.Sub("registry"),
	}
}

// SetActiveNotifier registers the presenter callback for active-item
// changes. Must be called before agents connect.
func (r *Registry) SetActiveNotifier(fn func(sessionID string)) {
	r.mu.Lock()
	r.onActiveChanged = fn
	r.mu.Unlock()
}

func (r *Registry) notifyActive(sessionID string) {
	r.mu.Lock()
	fn := r.onActiveChanged
	r.mu.Unlock()
	if fn != nil {
		fn(sessionID)
	}
}

// GetOrCreate returns the session for a transport-provided id, creating
// it on first contact. Idempotent: repeated calls with the same id return
// the same session. Emits session_created on first create.
func (r *Registry) GetOrCreate(id string) (*Session, bool) {
	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		return s, false
	}

	r.counter++
	s := newSession(id, fmt.Sprintf("Agent %d", r.counter), r.historyCap)
	r.sessions[id] = s
	r.order = append(r.order, id)
	if r.focusedID == "" {
		r.focusedID = id
	}
	r.mu.Unlock()

	r.log.Info().Str("session", id).Str("name", s.Name()).Msg("session created")
	r.bus.Publish(id, domain.EventSessionCreated, map[string]string{"name": s.Name()})
	return s, true
}

// Get returns a session by id, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// Remove deletes a session, cancelling every queued or active inbox item
// with the given reason. Emits session_removed.
func (r *Registry) Remove(id, reason string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, id)
	for i, sid := range r.order {
		if sid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.focusedID == id {
		r.focusedID = ""
		if len(r.order) > 0 {
			r.focusedID = r.order[0]
		}
	}
	r.mu.Unlock()

	// Cancel everything the session still holds, outside the registry lock.
	for {
		s.mu.Lock()
		if len(s.inbox) == 0 {
			s.lifecycle = domain.LifecycleDead
			s.mu.Unlock()
			break
		}
		item := s.inbox[0]
		s.mu.Unlock()
		r.cancelItem(s, item, reason)
	}

	r.log.Info().Str("session", id).Str("reason", reason).Msg("session removed")
	r.bus.Publish(id, domain.EventSessionRemoved, map[string]string{"reason": reason})
	r.notifyActive(id)
}

// Focused returns the session the presenter is bound to, or nil.
func (r *Registry) Focused() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.focusedID == "" {
		return nil
	}
	return r.sessions[r.focusedID]
}

// Focus binds the presenter to a session. Returns it, or nil if unknown.
func (r *Registry) Focus(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	r.focusedID = id
	return s
}

// NextTab moves focus forward in tab order. Returns the new focused session.
func (r *Registry) NextTab() *Session { return r.cycle(1) }

// PrevTab moves focus backward in tab order.
func (r *Registry) PrevTab() *Session { return r.cycle(-1) }

func (r *Registry) cycle(step int) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.order)
	if n == 0 || r.focusedID == "" {
		return nil
	}
	idx := 0
	for i, id := range r.order {
		if id == r.focusedID {
			idx = i
			break
		}
	}
	idx = ((idx+step)%n + n) % n
	r.focusedID = r.order[idx]
	return r.sessions[r.focusedID]
}

// NextWithPending cycles focus to the next session holding a live inbox
// item. Returns nil when no other session has pending work.
func (r *Registry) NextWithPending() *Session {
	r.mu.Lock()
	order := make([]string, len(r.order))
	copy(order, r.order)
	focused := r.focusedID
	r.mu.Unlock()

	n := len(order)
	if n == 0 {
		return nil
	}
	start := 0
	for i, id := range order {
		if id == focused {
			start = i
			break
		}
	}
	for offset := 1; offset <= n; offset++ {
		id := order[(start+offset)%n]
		s := r.Get(id)
		if s != nil && s.InboxLen() > 0 {
			return r.Focus(id)
		}
	}
	return nil
}

// All returns every session in tab order.
func (r *Registry) All() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.order))
	for _, id := range r.order {
		if s, ok := r.sessions[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshots returns frontend views of every session in tab order.
func (r *Registry) Snapshots() []domain.SessionSnapshot {
	all := r.All()
	out := make([]domain.SessionSnapshot, 0, len(all))
	for _, s := range all {
		out = append(out, s.Snapshot())
	}
	return out
}

// PruneStale removes sessions whose last activity is older than the
// configured threshold. A session is only pruned when its inbox is empty
// and it is not focused: items block pruning even when stale, because
// the operator may still be looking at them.
func (r *Registry) PruneStale(now time.Time) []string {
	if r.staleAfter <= 0 {
		return nil
	}

	r.mu.Lock()
	focused := r.focusedID
	var candidates []*Session
	for _, s := range r.sessions {
		if s.ID != focused {
			candidates = append(candidates, s)
		}
	}
	r.mu.Unlock()

	var removed []string
	for _, s := range candidates {
		s.mu.Lock()
		stale := now.Sub(s.lastActivity) > r.staleAfter
		empty := len(s.inbox) == 0
		if stale && !empty {
			s.lifecycle = domain.LifecycleStale
		}
		s.mu.Unlock()
		if stale && empty {
			r.Remove(s.ID, "stale")
			removed = append(removed, s.ID)
		}
	}
	return removed
}
