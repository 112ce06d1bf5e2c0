package presenter

import (
	"context"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harryaskham/io-mcp/internal/bus"
	"github.com/harryaskham/io-mcp/internal/domain"
	"github.com/harryaskham/io-mcp/internal/logging"
	"github.com/harryaskham/io-mcp/internal/session"
)

func newTestModel(t *testing.T) (model, *session.Registry) {
	t.Helper()
	b := bus.NewBus(64, logging.Nop())
	t.Cleanup(b.Shutdown)
	reg := session.NewRegistry(b, 200, time.Minute, logging.Nop())
	return newModel(reg, nil, logging.Nop()), reg
}

// runCmd executes a returned command synchronously, as bubbletea's
// runtime would on a worker.
func runCmd(cmd tea.Cmd) {
	if cmd != nil {
		cmd()
	}
}

func presentChoices(t *testing.T, reg *session.Registry, s *session.Session, labels ...string) chan *domain.Result {
	t.Helper()
	options := make([]domain.Option, 0, len(labels))
	for _, l := range labels {
		options = append(options, domain.Option{Label: l, Summary: l + " info"})
	}
	item := domain.NewChoicesItem("i-"+labels[0], "", "pick", options, false)
	done := make(chan *domain.Result, 1)
	go func() {
		res, _ := reg.EnqueueChoices(context.Background(), s, item)
		done <- res
	}()
	require.Eventually(t, func() bool {
		active := s.Active()
		return active != nil && active.ID == item.ID
	}, time.Second, 2*time.Millisecond)
	return done
}

func TestScrollMovesHighlight(t *testing.T) {
	m, reg := newTestModel(t)
	s, _ := reg.GetOrCreate("a")
	done := presentChoices(t, reg, s, "One", "Two", "Three")

	next, cmd := m.handleKey("j")
	runCmd(cmd)
	m = next.(model)
	assert.Equal(t, 1, s.ScrollIndex())

	next, cmd = m.handleKey("j")
	runCmd(cmd)
	m = next.(model)
	assert.Equal(t, 2, s.ScrollIndex())

	// Clamped at the end.
	next, cmd = m.handleKey("j")
	runCmd(cmd)
	m = next.(model)
	assert.Equal(t, 2, s.ScrollIndex())

	next, cmd = m.handleKey("k")
	runCmd(cmd)
	_ = next
	assert.Equal(t, 1, s.ScrollIndex())

	reg.Resolve(s, domain.Result{Selected: "Two"})
	<-done
}

func TestEnterResolvesHighlightedOption(t *testing.T) {
	m, reg := newTestModel(t)
	s, _ := reg.GetOrCreate("a")
	done := presentChoices(t, reg, s, "Apple", "Pear")

	next, cmd := m.handleKey("j")
	runCmd(cmd)
	m = next.(model)

	_, cmd = m.selectCurrent()
	runCmd(cmd)

	res := <-done
	assert.Equal(t, "Pear", res.Selected)
	assert.Equal(t, "Pear info", res.Summary)
}

func TestDismissCancelsActiveItem(t *testing.T) {
	m, reg := newTestModel(t)
	s, _ := reg.GetOrCreate("a")
	done := presentChoices(t, reg, s, "Only")

	_, cmd := m.dismiss()
	runCmd(cmd)

	res := <-done
	assert.True(t, res.Cancelled)
	assert.Equal(t, session.ReasonOperator, res.CancelReason)
}

func TestMultiSelectToggleAndSubmit(t *testing.T) {
	m, reg := newTestModel(t)
	s, _ := reg.GetOrCreate("a")

	item := domain.NewChoicesItem("multi", "", "pick many", []domain.Option{
		{Label: "Docs"}, {Label: "Tests"}, {Label: "Lint"},
	}, true)
	done := make(chan *domain.Result, 1)
	go func() {
		res, _ := reg.EnqueueChoices(context.Background(), s, item)
		done <- res
	}()
	require.Eventually(t, func() bool { return s.Active() != nil }, time.Second, 2*time.Millisecond)

	// Check "Docs" and "Lint".
	next, _ := m.toggleCurrent()
	m = next.(model)
	next, cmd := m.handleKey("j")
	runCmd(cmd)
	m = next.(model)
	next, cmd = m.handleKey("j")
	runCmd(cmd)
	m = next.(model)
	next, _ = m.toggleCurrent()
	m = next.(model)

	_, cmd = m.selectCurrent()
	runCmd(cmd)

	res := <-done
	assert.Equal(t, []string{"Docs", "Lint"}, res.SelectedMany)
}

func TestFreeformResolvesWithTypedText(t *testing.T) {
	m, reg := newTestModel(t)
	s, _ := reg.GetOrCreate("a")
	done := presentChoices(t, reg, s, "A", "B")

	next, _ := m.handleKey("f")
	m = next.(model)
	require.Equal(t, modeFreeform, m.mode)

	m.input.SetValue("do something else entirely")
	next, cmd := m.updateInput(tea.KeyMsg{Type: tea.KeyEnter})
	runCmd(cmd)
	m = next.(model)
	assert.Equal(t, modeNormal, m.mode)

	res := <-done
	assert.Equal(t, "do something else entirely", res.Selected)
	assert.Equal(t, "(freeform input)", res.Summary)
}

func TestMessageModeQueuesWithoutResolving(t *testing.T) {
	m, reg := newTestModel(t)
	s, _ := reg.GetOrCreate("a")
	done := presentChoices(t, reg, s, "Wait")

	next, _ := m.handleKey("m")
	m = next.(model)
	require.Equal(t, modeMessage, m.mode)

	m.input.SetValue("remember the tests")
	next, cmd := m.updateInput(tea.KeyMsg{Type: tea.KeyEnter})
	runCmd(cmd)
	_ = next

	// Still blocked: the message is not a resolution.
	select {
	case <-done:
		t.Fatal("queueing a message must not resolve the item")
	case <-time.After(20 * time.Millisecond):
	}

	reg.Resolve(s, domain.Result{Selected: "Wait"})
	res := <-done
	assert.Equal(t, []string{"remember the tests"}, res.PendingMessages)
}

func TestTabSwitchingChangesFocus(t *testing.T) {
	m, reg := newTestModel(t)
	reg.GetOrCreate("a")
	reg.GetOrCreate("b")

	next, _ := m.handleKey("tab")
	_ = next
	assert.Equal(t, "b", reg.Focused().ID)
}

func TestViewRendersChoices(t *testing.T) {
	m, reg := newTestModel(t)
	s, _ := reg.GetOrCreate("a")
	done := presentChoices(t, reg, s, "Apple", "Pear")

	out := m.View()
	assert.Contains(t, out, "pick")
	assert.Contains(t, out, "Apple")
	assert.Contains(t, out, "Pear")

	reg.Resolve(s, domain.Result{Selected: "Apple"})
	<-done

	out = m.View()
	assert.Contains(t, out, "Apple") // now in the history pane
}
