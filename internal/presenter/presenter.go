// Package presenter renders the focused session's active item in the
// terminal and translates operator input into inbox resolutions.
//
// The presenter runs single-threaded inside the bubbletea loop; engine
// callbacks arrive as messages, and anything that can block (resolution
// wakeups, TTS dispatch) runs as a command on a worker goroutine — the
// UI loop never spawns a subprocess or takes the speech gate itself.
package presenter

import (
	"context"
	"fmt"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/harryaskham/io-mcp/internal/domain"
	"github.com/harryaskham/io-mcp/internal/logging"
	"github.com/harryaskham/io-mcp/internal/session"
	"github.com/harryaskham/io-mcp/internal/tts"
)

// input modes for the bottom line.
const (
	modeNormal = iota
	modeFreeform
	modeMessage
)

// activeChangedMsg is sent when a session's active item appears,
// changes, or clears.
type activeChangedMsg struct{ sessionID string }

// externalKeyMsg is a key press pushed by a frontend via the gateway.
type externalKeyMsg struct{ key string }

// Presenter owns the terminal UI program.
type Presenter struct {
	prog     *tea.Program
	registry *session.Registry
	tts      *tts.Engine
	log      *logging.Logger
}

// New builds the presenter and wires it to the registry's active-item
// notifications.
func New(reg *session.Registry, engine *tts.Engine, log *logging.Logger) *Presenter {
	p := &Presenter{
		registry: reg,
		tts:      engine,
		log:      log.Sub("presenter"),
	}

	m := newModel(reg, engine, p.log)
	p.prog = tea.NewProgram(m, tea.WithAltScreen())

	// Send blocks until the UI loop is running; never stall an engine
	// goroutine on it. The model re-reads registry state per message, so
	// notification ordering doesn't matter.
	reg.SetActiveNotifier(func(sessionID string) {
		go p.prog.Send(activeChangedMsg{sessionID: sessionID})
	})
	return p
}

// Run starts the UI loop and blocks until it exits or the context is
// cancelled.
func (p *Presenter) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		p.prog.Quit()
	}()
	_, err := p.prog.Run()
	return err
}

// Key implements the gateway's KeySink: a frontend key press is
// delivered to the UI loop as if typed.
func (p *Presenter) Key(key string) {
	p.prog.Send(externalKeyMsg{key: key})
}

// model is the bubbletea model for the broker UI.
type model struct {
	registry *session.Registry
	tts      *tts.Engine
	log      *logging.Logger

	width  int
	height int

	mode  int
	input textinput.Model

	// checked tracks multi-select toggles, keyed by option index. Reset
	// whenever the active item changes.
	checked      map[int]bool
	activeItemID string

	status string
}

func newModel(reg *session.Registry, engine *tts.Engine, log *logging.Logger) model {
	ti := textinput.New()
	ti.CharLimit = 500
	return model{
		registry: reg,
		tts:      engine,
		log:      log,
		input:    ti,
		checked:  make(map[int]bool),
	}
}

func (m model) Init() tea.Cmd {
	return textinput.Blink
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case activeChangedMsg:
		return m.onActiveChanged(msg.sessionID)

	case externalKeyMsg:
		return m.handleKey(msg.key)

	case tea.KeyMsg:
		if m.mode != modeNormal {
			return m.updateInput(msg)
		}
		return m.handleKey(msg.String())
	}
	return m, nil
}

// onActiveChanged refreshes per-item UI state and warms the TTS cache
// for the focused session's new active item.
func (m model) onActiveChanged(sessionID string) (tea.Model, tea.Cmd) {
	focused := m.registry.Focused()
	if focused == nil || focused.ID != sessionID {
		return m, nil
	}
	item := focused.Active()
	if item == nil {
		m.activeItemID = ""
		return m, nil
	}
	if item.ID == m.activeItemID {
		return m, nil
	}
	m.activeItemID = item.ID
	m.checked = make(map[int]bool)

	if item.Kind != domain.KindChoices || m.tts == nil {
		return m, nil
	}
	profile := focused.Voice()
	preamble := item.Preamble
	labels := make([]string, 0, len(item.Options))
	for _, o := range item.Options {
		if !o.Silent {
			labels = append(labels, o.Label)
		}
	}
	return m, func() tea.Msg {
		m.tts.Pregenerate(profile, labels)
		if preamble != "" {
			m.tts.Speak(context.Background(), profile, preamble, false, domain.PriorityNormal)
		}
		return nil
	}
}

func (m model) handleKey(key string) (tea.Model, tea.Cmd) {
	switch key {
	case "ctrl+c", "q":
		return m, tea.Quit

	case "j", "down":
		return m.scroll(1)
	case "k", "up":
		return m.scroll(-1)

	case "enter":
		return m.selectCurrent()
	case "space", " ":
		return m.toggleCurrent()

	case "d":
		return m.dismiss()

	case "f":
		if m.focusedActiveChoices() != nil {
			m.mode = modeFreeform
			m.input.Placeholder = "freeform reply"
			m.input.SetValue("")
			m.input.Focus()
		}
		return m, textinput.Blink

	case "m":
		m.mode = modeMessage
		m.input.Placeholder = "queue message for agent"
		m.input.SetValue("")
		m.input.Focus()
		return m, textinput.Blink

	case "tab":
		m.registry.NextTab()
		m.activeItemID = ""
		return m, nil
	case "shift+tab":
		m.registry.PrevTab()
		m.activeItemID = ""
		return m, nil
	case "n":
		if m.registry.NextWithPending() == nil {
			m.status = "no other session with pending items"
		}
		m.activeItemID = ""
		return m, nil
	}
	return m, nil
}

// scroll moves the highlight and reads the newly highlighted label
// aloud. The readout token skips stale clips when the operator outruns
// generation.
func (m model) scroll(delta int) (tea.Model, tea.Cmd) {
	s := m.registry.Focused()
	if s == nil {
		return m, nil
	}
	item := s.Active()
	if item == nil || item.Kind != domain.KindChoices {
		return m, nil
	}
	idx := s.SetScrollIndex(s.ScrollIndex() + delta)
	if m.tts == nil || idx >= len(item.Options) {
		return m, nil
	}
	opt := item.Options[idx]
	if opt.Silent {
		return m, nil
	}
	profile := s.Voice()
	token := m.tts.ScrollToken()
	return m, func() tea.Msg {
		m.tts.ScrollReadout(profile, opt.Label, token)
		return nil
	}
}

// selectCurrent resolves the active item with the highlighted option,
// or submits the checked set for multi-select items. The resolution runs
// as a command so the rendezvous wakeup happens off the UI goroutine.
func (m model) selectCurrent() (tea.Model, tea.Cmd) {
	s := m.registry.Focused()
	if s == nil {
		return m, nil
	}
	item := s.Active()
	if item == nil || item.Kind != domain.KindChoices {
		return m, nil
	}

	var res domain.Result
	if item.Multi {
		var labels []string
		for i, o := range item.Options {
			if m.checked[i] {
				labels = append(labels, o.Label)
			}
		}
		res = domain.Result{SelectedMany: labels}
	} else {
		idx := s.ScrollIndex()
		if idx >= len(item.Options) {
			return m, nil
		}
		opt := item.Options[idx]
		res = domain.Result{Selected: opt.Label, Summary: opt.Summary}
	}

	m.activeItemID = ""
	reg := m.registry
	return m, func() tea.Msg {
		reg.Resolve(s, res)
		return nil
	}
}

// toggleCurrent flips the checkbox on a multi-select item.
func (m model) toggleCurrent() (tea.Model, tea.Cmd) {
	s := m.registry.Focused()
	if s == nil {
		return m, nil
	}
	item := s.Active()
	if item == nil || !item.Multi {
		return m, nil
	}
	idx := s.ScrollIndex()
	m.checked[idx] = !m.checked[idx]
	return m, nil
}

// dismiss cancels the active item.
func (m model) dismiss() (tea.Model, tea.Cmd) {
	s := m.registry.Focused()
	if s == nil {
		return m, nil
	}
	m.activeItemID = ""
	reg := m.registry
	return m, func() tea.Msg {
		reg.CancelActive(s, session.ReasonOperator)
		return nil
	}
}

// updateInput handles key presses while the bottom input line is open.
func (m model) updateInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.mode = modeNormal
		m.input.Blur()
		return m, nil

	case "enter":
		text := m.input.Value()
		mode := m.mode
		m.mode = modeNormal
		m.input.Blur()
		if text == "" {
			return m, nil
		}
		s := m.registry.Focused()
		if s == nil {
			return m, nil
		}
		switch mode {
		case modeFreeform:
			m.activeItemID = ""
			reg := m.registry
			return m, func() tea.Msg {
				reg.Resolve(s, domain.Result{Selected: text, Summary: "(freeform input)"})
				return nil
			}
		case modeMessage:
			s.QueueMessage(text)
			m.status = fmt.Sprintf("queued for %s", s.Name())
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m model) focusedActiveChoices() *domain.InboxItem {
	s := m.registry.Focused()
	if s == nil {
		return nil
	}
	item := s.Active()
	if item == nil || item.Kind != domain.KindChoices {
		return nil
	}
	return item
}
