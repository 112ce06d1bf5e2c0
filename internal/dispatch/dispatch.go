// Package dispatch glues the agent RPC transport to the inbox engine:
// it maps named tool invocations onto sessions, items, and the TTS
// engine, and translates transport cancellations into inbox
// cancellations.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/harryaskham/io-mcp/internal/config"
	"github.com/harryaskham/io-mcp/internal/domain"
	"github.com/harryaskham/io-mcp/internal/logging"
	"github.com/harryaskham/io-mcp/internal/session"
	"github.com/harryaskham/io-mcp/internal/tts"
)

// Error codes surfaced to agents.
const (
	CodeInvalidRequest = "invalid_request"
	CodeCancelled      = "cancelled"
	CodeInternal       = "internal"
)

// ToolError is a typed failure returned to the agent.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ToolError) Error() string { return e.Code + ": " + e.Message }

func invalidRequest(format string, args ...any) *ToolError {
	return &ToolError{Code: CodeInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

// Dispatcher routes tool calls for one broker.
type Dispatcher struct {
	registry *session.Registry
	tts      *tts.Engine
	ttsCfg   config.TTSConfig
	extras   []config.ExtraOption
	log      *logging.Logger
}

// New creates a dispatcher.
func New(reg *session.Registry, engine *tts.Engine, cfg config.Config, log *logging.Logger) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		tts:      engine,
		ttsCfg:   cfg.TTS,
		extras:   cfg.Presenter.ExtraOptions,
		log:      log.Sub("dispatch"),
	}
}

// Tools lists the dispatchable tool names.
func (d *Dispatcher) Tools() []string {
	return []string{
		"register_session", "present_choices", "present_multi_select",
		"speak", "speak_async", "speak_urgent",
		"rename_session", "check_inbox", "get_settings",
		"set_voice", "set_style", "set_speed",
	}
}

// Handle dispatches one tool call. sessionID is the transport-provided
// session identity; callID identifies this call for cancellation.
func (d *Dispatcher) Handle(ctx context.Context, sessionID, callID, tool string, params json.RawMessage) (any, *ToolError) {
	s, _ := d.registry.GetOrCreate(sessionID)
	s.Touch(tool)

	switch tool {
	case "register_session":
		return d.registerSession(s, params)
	case "present_choices":
		return d.presentChoices(ctx, s, callID, params, false)
	case "present_multi_select":
		return d.presentChoices(ctx, s, callID, params, true)
	case "speak":
		return d.speak(ctx, s, callID, params, true, domain.PriorityNormal)
	case "speak_async":
		return d.speak(ctx, s, callID, params, false, domain.PriorityNormal)
	case "speak_urgent":
		return d.speak(ctx, s, callID, params, true, domain.PriorityUrgent)
	case "rename_session":
		return d.renameSession(s, params)
	case "check_inbox":
		return ackResult{OK: true, PendingMessages: s.DrainMessages()}, nil
	case "get_settings":
		return d.getSettings(s), nil
	case "set_voice", "set_style", "set_speed":
		return d.setVoice(s, tool, params)
	default:
		return nil, invalidRequest("unknown tool: %s", tool)
	}
}

// Cancel propagates a transport-level cancellation to the inbox item
// registered under callID.
func (d *Dispatcher) Cancel(sessionID, callID string) bool {
	return d.registry.CancelByCallID(sessionID, callID, session.ReasonTransport)
}

type registerParams struct {
	Name        string            `json:"name,omitempty"`
	CWD         string            `json:"cwd,omitempty"`
	Hostname    string            `json:"hostname,omitempty"`
	TmuxSession string            `json:"tmuxSession,omitempty"`
	TmuxPane    string            `json:"tmuxPane,omitempty"`
	Voice       string            `json:"voice,omitempty"`
	Style       string            `json:"style,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type registerResult struct {
	SessionID string   `json:"sessionId"`
	Name      string   `json:"name"`
	Features  []string `json:"features"`
}

func (d *Dispatcher) registerSession(s *session.Session, params json.RawMessage) (any, *ToolError) {
	var p registerParams
	if err := unmarshal(params, &p); err != nil {
		return nil, err
	}
	s.Register(p.Name, domain.VoiceProfile{Voice: p.Voice, Style: p.Style}, domain.RegistrationInfo{
		CWD:         p.CWD,
		Hostname:    p.Hostname,
		TmuxSession: p.TmuxSession,
		TmuxPane:    p.TmuxPane,
		Metadata:    p.Metadata,
	})
	return registerResult{SessionID: s.ID, Name: s.Name(), Features: d.Tools()}, nil
}

type choicesParams struct {
	Preamble string          `json:"preamble"`
	Choices  []domain.Option `json:"choices"`
}

type choicesResult struct {
	Selected        string   `json:"selected,omitempty"`
	SelectedMany    []string `json:"selectedMany,omitempty"`
	Summary         string   `json:"summary,omitempty"`
	PendingMessages []string `json:"pendingMessages"`
}

func (d *Dispatcher) presentChoices(ctx context.Context, s *session.Session, callID string, params json.RawMessage, multi bool) (any, *ToolError) {
	var p choicesParams
	if err := unmarshal(params, &p); err != nil {
		return nil, err
	}
	if len(p.Choices) == 0 {
		return nil, invalidRequest("choices must not be empty")
	}

	options := append([]domain.Option(nil), p.Choices...)
	for _, extra := range d.extras {
		if hasLabel(options, extra.Label) {
			continue
		}
		options = append(options, domain.Option{Label: extra.Label, Summary: extra.Summary, Silent: extra.Silent})
	}

	item := domain.NewChoicesItem(uuid.New().String(), callID, p.Preamble, options, multi)
	res, err := d.registry.EnqueueChoices(ctx, s, item)
	if err != nil {
		return nil, invalidRequest("%s", err.Error())
	}
	if res.Cancelled {
		return nil, &ToolError{Code: CodeCancelled, Message: res.CancelReason}
	}
	return choicesResult{
		Selected:        res.Selected,
		SelectedMany:    res.SelectedMany,
		Summary:         res.Summary,
		PendingMessages: res.PendingMessages,
	}, nil
}

type speakParams struct {
	Text string `json:"text"`
}

type ackResult struct {
	OK              bool     `json:"ok"`
	PendingMessages []string `json:"pendingMessages"`
}

func (d *Dispatcher) speak(ctx context.Context, s *session.Session, callID string, params json.RawMessage, blocking bool, priority int) (any, *ToolError) {
	var p speakParams
	if err := unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.Text == "" {
		return nil, invalidRequest("text must not be empty")
	}

	item := domain.NewSpeechItem(uuid.New().String(), callID, p.Text, blocking, priority)

	if priority >= domain.PriorityUrgent {
		res := d.registry.SpeakUrgent(ctx, s, item)
		return ackResult{OK: !res.Cancelled, PendingMessages: res.PendingMessages}, nil
	}

	d.registry.EnqueueSpeech(s, item)
	if !blocking {
		// Async speech resolves for the caller at enqueue; a detached
		// goroutine drives playback through the queue.
		go d.registry.RunSpeech(context.Background(), s, item)
		return ackResult{OK: true, PendingMessages: s.DrainMessages()}, nil
	}

	res := d.registry.RunSpeech(ctx, s, item)
	if res.Cancelled {
		return nil, &ToolError{Code: CodeCancelled, Message: res.CancelReason}
	}
	return ackResult{OK: true, PendingMessages: res.PendingMessages}, nil
}

type renameParams struct {
	Name string `json:"name"`
}

func (d *Dispatcher) renameSession(s *session.Session, params json.RawMessage) (any, *ToolError) {
	var p renameParams
	if err := unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, invalidRequest("name must not be empty")
	}
	s.Rename(p.Name)
	return ackResult{OK: true, PendingMessages: s.DrainMessages()}, nil
}

type settingsResult struct {
	Voice           string   `json:"voice"`
	Style           string   `json:"style"`
	Model           string   `json:"model"`
	Speed           float64  `json:"speed"`
	PendingMessages []string `json:"pendingMessages"`
}

func (d *Dispatcher) getSettings(s *session.Session) settingsResult {
	out := settingsResult{
		Voice:           d.ttsCfg.Voice,
		Style:           d.ttsCfg.Style,
		Model:           d.ttsCfg.Model,
		Speed:           d.ttsCfg.Speed,
		PendingMessages: s.DrainMessages(),
	}
	profile := s.Voice()
	if profile.Voice != "" {
		out.Voice = profile.Voice
	}
	if profile.Style != "" {
		out.Style = profile.Style
	}
	if profile.Model != "" {
		out.Model = profile.Model
	}
	if profile.Speed > 0 {
		out.Speed = profile.Speed
	}
	return out
}

type voiceParams struct {
	Voice string  `json:"voice,omitempty"`
	Style string  `json:"style,omitempty"`
	Speed float64 `json:"speed,omitempty"`
}

func (d *Dispatcher) setVoice(s *session.Session, tool string, params json.RawMessage) (any, *ToolError) {
	var p voiceParams
	if err := unmarshal(params, &p); err != nil {
		return nil, err
	}
	switch tool {
	case "set_voice":
		if p.Voice == "" {
			return nil, invalidRequest("voice must not be empty")
		}
		s.SetVoice(domain.VoiceProfile{Voice: p.Voice})
	case "set_style":
		if p.Style == "" {
			return nil, invalidRequest("style must not be empty")
		}
		s.SetVoice(domain.VoiceProfile{Style: p.Style})
	case "set_speed":
		if p.Speed < 0.5 || p.Speed > 2.5 {
			return nil, invalidRequest("speed must be 0.5-2.5, got %g", p.Speed)
		}
		s.SetVoice(domain.VoiceProfile{Speed: p.Speed})
	}
	return ackResult{OK: true, PendingMessages: s.DrainMessages()}, nil
}

func hasLabel(options []domain.Option, label string) bool {
	for _, o := range options {
		if o.Label == label {
			return true
		}
	}
	return false
}

func unmarshal(params json.RawMessage, target any) *ToolError {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, target); err != nil {
		return invalidRequest("malformed params: %s", err.Error())
	}
	return nil
}
