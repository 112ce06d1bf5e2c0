package session

import (
	"context"
	"errors"

	"github.com/harryaskham/io-mcp/internal/domain"
)

var (
	// ErrInvalidRequest rejects malformed tool arguments synchronously;
	// session state is left untouched.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrUnknownSession is returned for operations on a missing session.
	ErrUnknownSession = errors.New("unknown session")
)

// Cancellation reason tags.
const (
	ReasonTransport     = "transport"
	ReasonOperator      = "dismissed"
	ReasonSessionClosed = "session_closed"
)

// Speaker is the audio surface the engine plays speech items through.
// Implemented by the TTS engine; replaced by fakes in tests.
type Speaker interface {
	Speak(ctx context.Context, profile domain.VoiceProfile, text string, blocking bool, priority int) error
}

// SetSpeaker wires the audio engine. A nil speaker silently discards
// speech playback (items still flow through the queue and resolve).
func (r *Registry) SetSpeaker(sp Speaker) {
	r.mu.Lock()
	r.speaker = sp
	r.mu.Unlock()
}

func (r *Registry) getSpeaker() Speaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.speaker
}

// EnqueueChoices runs the full lifecycle of a choices item on the calling
// goroutine: append to the session inbox, wait for promotion to the head,
// present, then block until the operator (or a frontend, or cancellation)
// resolves it. Returns the item's result with pending operator messages
// attached.
func (r *Registry) EnqueueChoices(ctx context.Context, s *Session, item *domain.InboxItem) (*domain.Result, error) {
	if len(item.Options) == 0 {
		return nil, ErrInvalidRequest
	}

	s.mu.Lock()
	if existing := s.findDuplicateLocked(item); existing != nil {
		s.mu.Unlock()
		r.log.Debug().Str("session", s.ID).Msg("piggybacking on duplicate choices item")
		select {
		case <-existing.Rendezvous:
			return r.finish(s, existing), nil
		case <-ctx.Done():
			return cancelledResult(s, ReasonTransport), nil
		}
	}
	s.inbox = append(s.inbox, item)
	atHead := len(s.inbox) == 1
	s.mu.Unlock()

	if atHead {
		item.FirePromoted()
	}

	// Wait to reach the head of the queue.
	select {
	case <-item.Promoted:
	case <-item.Rendezvous:
		return r.finish(s, item), nil
	case <-ctx.Done():
		r.cancelItem(s, item, ReasonTransport)
		return r.finish(s, item), nil
	}

	// Promote to active and present.
	s.mu.Lock()
	if item.Terminal() {
		s.mu.Unlock()
		return r.finish(s, item), nil
	}
	item.Status = domain.StatusActive
	s.scrollIndex = 0
	s.mu.Unlock()

	r.bus.Publish(s.ID, domain.EventChoicesPresented, map[string]any{
		"preamble": item.Preamble,
		"options":  item.Options,
		"multi":    item.Multi,
	})
	r.notifyActive(s.ID)

	// Block until resolved or cancelled.
	select {
	case <-item.Rendezvous:
	case <-ctx.Done():
		r.cancelItem(s, item, ReasonTransport)
	}
	return r.finish(s, item), nil
}

// EnqueueSpeech appends a speech item to the session inbox and returns it
// without driving playback. The caller decides whether to drive
// synchronously (blocking speak) or on a detached goroutine (async).
func (r *Registry) EnqueueSpeech(s *Session, item *domain.InboxItem) {
	s.mu.Lock()
	s.inbox = append(s.inbox, item)
	atHead := len(s.inbox) == 1
	s.mu.Unlock()
	if atHead {
		item.FirePromoted()
	}
}

// RunSpeech drives a previously enqueued speech item to completion:
// waits for the head position, publishes speech_requested, plays through
// the speaker, then resolves the item and advances the queue.
func (r *Registry) RunSpeech(ctx context.Context, s *Session, item *domain.InboxItem) *domain.Result {
	select {
	case <-item.Promoted:
	case <-item.Rendezvous:
		return r.finish(s, item)
	case <-ctx.Done():
		r.cancelItem(s, item, ReasonTransport)
		return r.finish(s, item)
	}

	s.mu.Lock()
	if item.Terminal() {
		s.mu.Unlock()
		return r.finish(s, item)
	}
	item.Status = domain.StatusActive
	s.mu.Unlock()

	r.bus.Publish(s.ID, domain.EventSpeechRequested, map[string]any{
		"text":     item.Text,
		"blocking": item.Blocking,
		"priority": item.Priority,
	})

	if sp := r.getSpeaker(); sp != nil {
		// Playback failures are absorbed: the recovery machinery owns
		// audio health, and the agent is never blocked on it.
		if err := sp.Speak(ctx, s.Voice(), item.Text, item.Blocking, item.Priority); err != nil {
			r.log.Warn().Err(err).Str("session", s.ID).Msg("speech playback failed")
		}
	}

	r.resolveItem(s, item, &domain.Result{Selected: "ok"})
	return r.finish(s, item)
}

// SpeakUrgent bypasses the inbox queue entirely: it preempts current
// playback and resolves as soon as the urgent line starts playing. The
// item is recorded in history but never occupies the head slot, so the
// session's active item (if any) is undisturbed.
func (r *Registry) SpeakUrgent(ctx context.Context, s *Session, item *domain.InboxItem) *domain.Result {
	r.bus.Publish(s.ID, domain.EventSpeechRequested, map[string]any{
		"text":     item.Text,
		"blocking": false,
		"priority": domain.PriorityUrgent,
	})

	if sp := r.getSpeaker(); sp != nil {
		if err := sp.Speak(ctx, s.Voice(), item.Text, false, domain.PriorityUrgent); err != nil {
			r.log.Warn().Err(err).Str("session", s.ID).Msg("urgent speech failed")
		}
	}

	s.mu.Lock()
	item.Status = domain.StatusResolved
	item.Result = &domain.Result{Selected: "ok"}
	s.pushHistoryLocked(item)
	s.mu.Unlock()
	item.FireRendezvous()
	return r.finish(s, item)
}

// Resolve completes the session's active item with the given result.
// Returns false when there is no active item or it already reached a
// terminal state — a late UI resolution is discarded silently.
func (r *Registry) Resolve(s *Session, res domain.Result) bool {
	s.mu.Lock()
	head := s.headLocked()
	if head == nil || head.Status != domain.StatusActive {
		s.mu.Unlock()
		return false
	}
	head.Result = &res
	head.Status = domain.StatusResolved
	s.inbox = s.inbox[1:]
	s.pushHistoryLocked(head)
	var next *domain.InboxItem
	if len(s.inbox) > 0 {
		next = s.inbox[0]
	}
	kind := head.Kind
	s.mu.Unlock()

	head.FireRendezvous()
	if next != nil {
		next.FirePromoted()
	}

	if kind == domain.KindChoices {
		r.bus.Publish(s.ID, domain.EventSelectionMade, map[string]any{
			"selected":     res.Selected,
			"selectedMany": res.SelectedMany,
			"summary":      res.Summary,
		})
	}
	r.notifyActive(s.ID)
	return true
}

// resolveItem is the engine-internal resolution used by speech items,
// which resolve themselves rather than waiting on the operator.
func (r *Registry) resolveItem(s *Session, item *domain.InboxItem, res *domain.Result) {
	s.mu.Lock()
	if item.Terminal() {
		s.mu.Unlock()
		return
	}
	item.Result = res
	item.Status = domain.StatusResolved
	wasHead := s.removeLocked(item)
	s.pushHistoryLocked(item)
	var next *domain.InboxItem
	if wasHead && len(s.inbox) > 0 {
		next = s.inbox[0]
	}
	s.mu.Unlock()

	item.FireRendezvous()
	if next != nil {
		next.FirePromoted()
	}
}

// CancelActive cancels the session's active item (operator dismiss).
func (r *Registry) CancelActive(s *Session, reason string) bool {
	item := s.Active()
	if item == nil {
		return false
	}
	return r.cancelItem(s, item, reason)
}

// CancelByCallID cancels the inbox item registered under a transport
// call id. A cancel delivered before the item activates prevents it from
// ever activating.
func (r *Registry) CancelByCallID(sessionID, callID, reason string) bool {
	s := r.Get(sessionID)
	if s == nil {
		return false
	}
	s.mu.Lock()
	var target *domain.InboxItem
	for _, it := range s.inbox {
		if it.CallID == callID && !it.Terminal() {
			target = it
			break
		}
	}
	s.mu.Unlock()
	if target == nil {
		return false
	}
	return r.cancelItem(s, target, reason)
}

// cancelItem marks an item cancelled, fires its rendezvous with the
// cancellation sentinel, and advances the queue if it held the head.
func (r *Registry) cancelItem(s *Session, item *domain.InboxItem, reason string) bool {
	s.mu.Lock()
	if item.Terminal() {
		s.mu.Unlock()
		return false
	}
	wasActive := item.Status == domain.StatusActive
	item.Status = domain.StatusCancelled
	item.Result = &domain.Result{Cancelled: true, CancelReason: reason}
	wasHead := s.removeLocked(item)
	s.pushHistoryLocked(item)
	var next *domain.InboxItem
	if wasHead && len(s.inbox) > 0 {
		next = s.inbox[0]
	}
	s.mu.Unlock()

	item.FireRendezvous()
	if next != nil {
		next.FirePromoted()
	}
	if wasActive {
		r.notifyActive(s.ID)
	}
	r.log.Debug().Str("session", s.ID).Str("item", item.ID).Str("reason", reason).Msg("item cancelled")
	return true
}

// finish copies the item's result and attaches the session's pending
// operator messages, drained at return time so the agent always sees
// queued notes on its next response.
func (r *Registry) finish(s *Session, item *domain.InboxItem) *domain.Result {
	<-item.Rendezvous // guaranteed fired by all paths reaching here

	s.mu.Lock()
	var res domain.Result
	if item.Result != nil {
		res = *item.Result
	}
	s.mu.Unlock()

	res.PendingMessages = s.DrainMessages()
	return &res
}

func cancelledResult(s *Session, reason string) *domain.Result {
	return &domain.Result{
		Cancelled:       true,
		CancelReason:    reason,
		PendingMessages: s.DrainMessages(),
	}
}
