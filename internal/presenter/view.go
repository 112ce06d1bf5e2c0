package presenter

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/harryaskham/io-mcp/internal/domain"
)

var (
	tabActiveStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#88c0d0"))
	tabIdleStyle   = lipgloss.NewStyle().Faint(true)
	badgeStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#a3be8c"))
	preambleStyle  = lipgloss.NewStyle().Bold(true).MarginBottom(1)
	cursorStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#88c0d0"))
	summaryStyle   = lipgloss.NewStyle().Faint(true).MarginLeft(4)
	statusStyle    = lipgloss.NewStyle().Faint(true)
	helpStyle      = lipgloss.NewStyle().Faint(true).MarginTop(1)
)

func (m model) View() string {
	var b strings.Builder

	b.WriteString(m.tabBar())
	b.WriteString("\n\n")

	focused := m.registry.Focused()
	if focused == nil {
		b.WriteString(statusStyle.Render("waiting for agents to connect..."))
		b.WriteString("\n")
		return b.String()
	}

	item := focused.Active()
	switch {
	case item != nil && item.Kind == domain.KindChoices:
		b.WriteString(m.choicesView(focused.ScrollIndex(), item))
	case item != nil && item.Kind == domain.KindSpeech:
		b.WriteString(statusStyle.Render("speaking: " + truncate(item.Text, 80)))
		b.WriteString("\n")
	default:
		b.WriteString(m.idleView(focused.Snapshot()))
	}

	if m.mode != modeNormal {
		b.WriteString("\n")
		b.WriteString(m.input.View())
		b.WriteString("\n")
	}

	if m.status != "" {
		b.WriteString("\n")
		b.WriteString(statusStyle.Render(m.status))
	}

	b.WriteString(helpStyle.Render("\nj/k scroll · enter select · space toggle · d dismiss · f reply · m message · tab next · q quit"))
	return b.String()
}

// tabBar renders one segment per session: focus marker, pending-count
// badge, and staleness indicator.
func (m model) tabBar() string {
	focused := m.registry.Focused()
	var parts []string
	for _, snap := range m.registry.Snapshots() {
		label := snap.Name
		if snap.HasActiveItem {
			label += badgeStyle.Render(" o")
		}
		if snap.InboxLen > 1 {
			label += badgeStyle.Render(fmt.Sprintf("+%d", snap.InboxLen-1))
		}
		if snap.Lifecycle == domain.LifecycleStale {
			label += tabIdleStyle.Render(" z")
		}
		if focused != nil && snap.ID == focused.ID {
			parts = append(parts, tabActiveStyle.Render("> "+label))
		} else {
			parts = append(parts, tabIdleStyle.Render("  "+label))
		}
	}
	return strings.Join(parts, "  ")
}

func (m model) choicesView(scrollIndex int, item *domain.InboxItem) string {
	var b strings.Builder
	if item.Preamble != "" {
		b.WriteString(preambleStyle.Render(item.Preamble))
		b.WriteString("\n")
	}
	for i, opt := range item.Options {
		marker := "  "
		if i == scrollIndex {
			marker = cursorStyle.Render("> ")
		}
		label := opt.Label
		if item.Multi {
			box := "[ ] "
			if m.checked[i] {
				box = "[x] "
			}
			label = box + label
		}
		if i == scrollIndex {
			b.WriteString(marker + cursorStyle.Render(label))
		} else {
			b.WriteString(marker + label)
		}
		b.WriteString("\n")
	}
	if scrollIndex < len(item.Options) {
		if summary := item.Options[scrollIndex].Summary; summary != "" {
			b.WriteString("\n")
			b.WriteString(summaryStyle.Render(summary))
			b.WriteString("\n")
		}
	}
	return b.String()
}

// idleView summarises a session with no active item: recent history and
// activity counts.
func (m model) idleView(snap domain.SessionSnapshot) string {
	var b strings.Builder
	b.WriteString(statusStyle.Render(fmt.Sprintf(
		"%s · %d tool calls · last: %s", snap.Name, snap.ToolCalls, orDash(snap.LastTool))))
	b.WriteString("\n\n")

	s := m.registry.Get(snap.ID)
	if s == nil {
		return b.String()
	}
	history := s.History()
	if len(history) == 0 {
		b.WriteString(statusStyle.Render("no activity yet"))
		b.WriteString("\n")
		return b.String()
	}
	limit := 8
	if len(history) < limit {
		limit = len(history)
	}
	for _, it := range history[:limit] {
		switch it.Kind {
		case domain.KindChoices:
			selected := ""
			if it.Result != nil {
				selected = it.Result.Selected
			}
			if it.Status == domain.StatusCancelled {
				selected = "(cancelled)"
			}
			b.WriteString(fmt.Sprintf("  %s → %s\n", truncate(it.Preamble, 48), selected))
		case domain.KindSpeech:
			b.WriteString(fmt.Sprintf("  spoke: %s\n", truncate(it.Text, 60)))
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
