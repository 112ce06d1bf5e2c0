// Package session implements the broker's session registry and the
// per-session inbox engine: the state machine that turns concurrent tool
// calls into a deterministic serial order with at-most-one-active-item
// semantics per session.
package session

import (
	"sync"
	"time"

	"github.com/harryaskham/io-mcp/internal/domain"
)

// Session holds the broker-side state for one connected agent.
// All mutable fields are guarded by mu. The registry lock, when needed,
// is always acquired before any session lock.
type Session struct {
	ID string

	mu sync.Mutex

	name         string
	voice        domain.VoiceProfile
	registration domain.RegistrationInfo
	registered   bool

	inbox      []*domain.InboxItem
	history    []*domain.InboxItem // most recent first
	historyCap int

	pendingMessages []string

	lastActivity time.Time
	lifecycle    domain.LifecycleState

	scrollIndex int
	toolCalls   int
	lastTool    string
}

func newSession(id, name string, historyCap int) *Session {
	return &Session{
		ID:           id,
		name:         name,
		historyCap:   historyCap,
		lastActivity: time.Now(),
		lifecycle:    domain.LifecycleLive,
	}
}

// Touch records agent activity and revives a stale session.
func (s *Session) Touch(tool string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
	s.lifecycle = domain.LifecycleLive
	if tool != "" {
		s.lastTool = tool
		s.toolCalls++
	}
}

// Name returns the operator-visible label.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Rename sets the operator-visible label.
func (s *Session) Rename(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = name
}

// Voice returns the session's TTS overrides.
func (s *Session) Voice() domain.VoiceProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voice
}

// SetVoice updates the session's TTS overrides. Empty fields are kept.
func (s *Session) SetVoice(p domain.VoiceProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Voice != "" {
		s.voice.Voice = p.Voice
	}
	if p.Style != "" {
		s.voice.Style = p.Style
	}
	if p.Model != "" {
		s.voice.Model = p.Model
	}
	if p.Speed > 0 {
		s.voice.Speed = p.Speed
	}
}

// Register stores agent-supplied metadata. Hints never change identity.
func (s *Session) Register(name string, voice domain.VoiceProfile, info domain.RegistrationInfo) {
	s.mu.Lock()
	s.registered = true
	if name != "" {
		s.name = name
	}
	if info.CWD != "" {
		s.registration.CWD = info.CWD
	}
	if info.Hostname != "" {
		s.registration.Hostname = info.Hostname
	}
	if info.TmuxSession != "" {
		s.registration.TmuxSession = info.TmuxSession
	}
	if info.TmuxPane != "" {
		s.registration.TmuxPane = info.TmuxPane
	}
	if len(info.Metadata) > 0 {
		if s.registration.Metadata == nil {
			s.registration.Metadata = make(map[string]string)
		}
		for k, v := range info.Metadata {
			s.registration.Metadata[k] = v
		}
	}
	s.mu.Unlock()
	s.SetVoice(voice)
}

// QueueMessage appends an operator-authored note delivered to the agent
// in its next tool response.
func (s *Session) QueueMessage(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingMessages = append(s.pendingMessages, text)
}

// DrainMessages removes and returns all pending operator messages, in
// the order they were queued. Never returns nil.
func (s *Session) DrainMessages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	drained := s.pendingMessages
	s.pendingMessages = nil
	if drained == nil {
		drained = []string{}
	}
	return drained
}

// ScrollIndex returns the operator's highlighted option index.
func (s *Session) ScrollIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scrollIndex
}

// SetScrollIndex moves the operator's highlight, clamped to the active
// item's option range.
func (s *Session) SetScrollIndex(i int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := 0
	if head := s.headLocked(); head != nil && head.Kind == domain.KindChoices {
		max = len(head.Options) - 1
	}
	if i < 0 {
		i = 0
	}
	if i > max {
		i = max
	}
	s.scrollIndex = i
	return i
}

// Active returns the session's active item, or nil.
func (s *Session) Active() *domain.InboxItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	if head := s.headLocked(); head != nil && head.Status == domain.StatusActive {
		return head
	}
	return nil
}

// InboxLen returns the number of live items in the inbox.
func (s *Session) InboxLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inbox)
}

// History returns the resolved-item history, most recent first.
func (s *Session) History() []*domain.InboxItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.InboxItem, len(s.history))
	copy(out, s.history)
	return out
}

// Snapshot builds the read-only view served to frontends.
func (s *Session) Snapshot() domain.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	head := s.headLocked()
	return domain.SessionSnapshot{
		ID:            s.ID,
		Name:          s.name,
		Lifecycle:     s.lifecycle,
		HasActiveItem: head != nil && head.Status == domain.StatusActive,
		InboxLen:      len(s.inbox),
		PendingCount:  len(s.pendingMessages),
		ToolCalls:     s.toolCalls,
		LastTool:      s.lastTool,
		LastActivity:  s.lastActivity,
		ScrollIndex:   s.scrollIndex,
		Registered:    s.registered,
		Hostname:      s.registration.Hostname,
		CWD:           s.registration.CWD,
	}
}

// headLocked returns the first inbox item, or nil. Caller holds mu.
func (s *Session) headLocked() *domain.InboxItem {
	if len(s.inbox) == 0 {
		return nil
	}
	return s.inbox[0]
}

// removeLocked deletes an item from the inbox wherever it sits.
// Returns true if it was the head. Caller holds mu.
func (s *Session) removeLocked(item *domain.InboxItem) bool {
	for i, it := range s.inbox {
		if it == item {
			s.inbox = append(s.inbox[:i], s.inbox[i+1:]...)
			return i == 0
		}
	}
	return false
}

// pushHistoryLocked prepends a terminal item to the bounded history.
// Caller holds mu.
func (s *Session) pushHistoryLocked(item *domain.InboxItem) {
	s.history = append([]*domain.InboxItem{item}, s.history...)
	if s.historyCap > 0 && len(s.history) > s.historyCap {
		s.history = s.history[:s.historyCap]
	}
}

// findDuplicateLocked returns a live choices item with identical preamble
// and option labels, if one is pending. Client retries piggyback on the
// existing item instead of stacking duplicates. Caller holds mu.
func (s *Session) findDuplicateLocked(item *domain.InboxItem) *domain.InboxItem {
	if item.Kind != domain.KindChoices {
		return nil
	}
	for _, existing := range s.inbox {
		if existing.Kind != domain.KindChoices || existing.Terminal() {
			continue
		}
		if existing.Preamble != item.Preamble || len(existing.Options) != len(item.Options) {
			continue
		}
		same := true
		for i := range existing.Options {
			if existing.Options[i].Label != item.Options[i].Label {
				same = false
				break
			}
		}
		if same {
			return existing
		}
	}
	return nil
}
