package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/go-go-golems/agentchat/pkg/chatsession"
	"github.com/go-go-golems/agentchat/pkg/preview"
)

var (
	sentLabelStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	receivedLabelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	systemStyle        = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("245"))
	timeStyle          = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	cardStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1).
			MarginLeft(2)
	cardTitleStyle   = lipgloss.NewStyle().Bold(true)
	cardURLStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("33")).Underline(true)
	previewNoteStyle = lipgloss.NewStyle().Faint(true).MarginLeft(2)

	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	busyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

func (m Model) View() string {
	if !m.ready {
		return "starting..."
	}
	return m.viewport.View() + "\n" + m.statusBar() + "\n> " + m.input.View()
}

func (m Model) renderTranscript() string {
	messages := m.ctrl.Messages()
	if len(messages) == 0 {
		return systemStyle.Render("No messages yet. Type something to get started.")
	}
	var b strings.Builder
	for _, msg := range messages {
		b.WriteString(m.renderMessage(msg))
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) renderMessage(msg chatsession.Message) string {
	ts := timeStyle.Render(msg.Timestamp.Format("15:04"))

	var line string
	switch msg.Role {
	case chatsession.RoleSent:
		line = fmt.Sprintf("%s %s  %s", ts, sentLabelStyle.Render("You"), msg.Text)
	case chatsession.RoleReceived:
		label := msg.SenderLabel
		if label == "" {
			label = "Agent"
		}
		line = fmt.Sprintf("%s %s  %s", ts, receivedLabelStyle.Render(label), msg.Text)
	default:
		line = fmt.Sprintf("%s %s", ts, systemStyle.Render(msg.Text))
	}

	if card := m.renderPreview(msg.SID); card != "" {
		line += "\n" + card
	}
	return line
}

// renderPreview renders the message's preview entry, if it has one worth
// showing. Bare failures collapse to a one-line notice.
func (m Model) renderPreview(sid string) string {
	if m.previews == nil {
		return ""
	}
	entry, ok := m.previews.Entry(sid)
	if !ok {
		return ""
	}
	switch entry.State {
	case preview.StatePending:
		return previewNoteStyle.Render("fetching preview…")
	case preview.StateFailed:
		if entry.BareError() {
			return previewNoteStyle.Render("preview not available")
		}
		return m.renderCard(entry, entry.ErrorMessage)
	case preview.StateResolved:
		return m.renderCard(entry, "")
	}
	return ""
}

func (m Model) renderCard(entry preview.Entry, note string) string {
	meta := entry.Metadata
	parts := []string{cardTitleStyle.Render(meta.Title)}
	if meta.SiteName != "" && meta.SiteName != meta.Title {
		parts = append(parts, meta.SiteName)
	}
	if meta.Description != "" {
		parts = append(parts, meta.Description)
	}
	parts = append(parts, cardURLStyle.Render(meta.URL))
	if note != "" {
		parts = append(parts, errorStyle.Render(note))
	}
	width := m.width - 8
	if width > 72 {
		width = 72
	}
	return cardStyle.Width(width).Render(strings.Join(parts, "\n"))
}

func (m Model) statusBar() string {
	left := statusStyle.Render(fmt.Sprintf("sender %s", m.ctrl.SenderID()))
	if phase := m.ctrl.Phase(); phase != chatsession.PhaseIdle {
		left += "  " + busyStyle.Render(phase.String()+"…")
	}
	if lastErr := m.ctrl.LastError(); lastErr != "" {
		left += "  " + errorStyle.Render(lastErr)
	} else if m.status != "" {
		left += "  " + statusStyle.Render(m.status)
	}
	return left
}
