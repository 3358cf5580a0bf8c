// Package ui is the bubbletea front-end for a chat session: transcript
// viewport, input line, status bar and slash commands that drive the
// session controller.
package ui

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/agentchat/pkg/chatsession"
	"github.com/go-go-golems/agentchat/pkg/preview"
)

// SessionUpdatedMsg signals that the controller's state changed. Sent from
// the controller's OnUpdate hook via program.Send.
type SessionUpdatedMsg struct{}

// PreviewUpdatedMsg signals that a preview entry changed state.
type PreviewUpdatedMsg struct{ Entry preview.Entry }

type statusMsg struct{ text string }

type Model struct {
	ctrl     *chatsession.Controller
	previews *preview.Resolver
	saveDir  string

	input    textinput.Model
	viewport viewport.Model
	ready    bool
	width    int
	height   int

	status string
}

func NewModel(ctrl *chatsession.Controller, previews *preview.Resolver, saveDir string) Model {
	ti := textinput.New()
	ti.Placeholder = "Type a message, or /help"
	ti.Focus()
	ti.CharLimit = 0
	return Model{ctrl: ctrl, previews: previews, saveDir: saveDir, input: ti}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.resetCmd())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		chromeHeight := 3
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-chromeHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - chromeHeight
		}
		m.input.Width = msg.Width - 4
		m.refreshTranscript()
		return m, nil

	case SessionUpdatedMsg, PreviewUpdatedMsg:
		m.refreshTranscript()
		return m, nil

	case statusMsg:
		m.status = msg.text
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			return m, tea.Quit
		case tea.KeyEnter:
			line := strings.TrimSpace(m.input.Value())
			m.input.SetValue("")
			m.status = ""
			if line == "" {
				return m, nil
			}
			if strings.HasPrefix(line, "/") {
				return m.handleCommand(line)
			}
			return m, m.sendCmd(line)
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m Model) handleCommand(line string) (tea.Model, tea.Cmd) {
	fields := strings.Fields(line)
	name := fields[0]
	args := fields[1:]

	switch name {
	case "/quit", "/q":
		return m, tea.Quit

	case "/help":
		m.status = "/reset  /sender <id>  /save [path]  /load <path>  /config <key> <value>  /quit"
		return m, nil

	case "/reset":
		return m, m.resetCmd()

	case "/sender":
		if len(args) != 1 {
			m.status = "usage: /sender <id>"
			return m, nil
		}
		return m, m.opCmd(func(ctx context.Context) error {
			return m.ctrl.ChangeSenderID(ctx, args[0])
		})

	case "/save":
		path := ""
		if len(args) > 0 {
			path = args[0]
		}
		return m, m.saveCmd(path)

	case "/load":
		if len(args) != 1 {
			m.status = "usage: /load <path>"
			return m, nil
		}
		return m, m.loadCmd(args[0])

	case "/config":
		return m.handleConfig(strings.TrimSpace(strings.TrimPrefix(line, "/config")))

	default:
		m.status = fmt.Sprintf("unknown command %s, try /help", name)
		return m, nil
	}
}

// handleConfig updates one agent setting. Settings apply on the next /reset.
func (m Model) handleConfig(rest string) (tea.Model, tea.Cmd) {
	cfg := m.ctrl.Config()
	if rest == "" {
		m.status = fmt.Sprintf("starter=%s prompt=%q", cfg.ConversationStarter, truncate(cfg.SystemPrompt, 48))
		return m, nil
	}
	key, value, ok := strings.Cut(rest, " ")
	if !ok {
		m.status = "usage: /config <system_prompt|starter|first_user|first_assistant> <value>"
		return m, nil
	}
	value = strings.TrimSpace(value)

	switch key {
	case "system_prompt":
		cfg.SystemPrompt = value
	case "starter":
		switch value {
		case string(chatsession.StarterUser), string(chatsession.StarterAssistant), "none":
			if value == "none" {
				value = ""
			}
			cfg.ConversationStarter = chatsession.Starter(value)
		default:
			m.status = "starter must be user, assistant or none"
			return m, nil
		}
	case "first_user":
		cfg.FirstMessageUser = value
	case "first_assistant":
		cfg.FirstMessageAssistant = value
	default:
		m.status = fmt.Sprintf("unknown config key %s", key)
		return m, nil
	}
	m.ctrl.SetConfig(cfg)
	m.status = "config stored, takes effect on next /reset"
	return m, nil
}

func (m Model) sendCmd(text string) tea.Cmd {
	return m.opCmd(func(ctx context.Context) error {
		return m.ctrl.Send(ctx, text)
	})
}

func (m Model) resetCmd() tea.Cmd {
	return m.opCmd(m.ctrl.ResetAndApply)
}

// opCmd runs one controller operation off the UI loop. Busy rejections and
// validation errors surface in the status bar; everything else the
// controller already folds into its own lastError.
func (m Model) opCmd(op func(context.Context) error) tea.Cmd {
	return func() tea.Msg {
		if err := op(context.Background()); err != nil {
			return statusMsg{err.Error()}
		}
		return statusMsg{""}
	}
}

func (m Model) saveCmd(path string) tea.Cmd {
	return func() tea.Msg {
		if path == "" {
			name := fmt.Sprintf("agentchat-session-%s.json", time.Now().Format("20060102-150405"))
			path = filepath.Join(m.saveDir, name)
		}
		data, err := m.ctrl.SaveJSON()
		if err != nil {
			return statusMsg{err.Error()}
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return statusMsg{errors.Wrap(err, "write snapshot").Error()}
		}
		log.Info().Str("path", path).Msg("session saved")
		return statusMsg{"saved to " + path}
	}
}

func (m Model) loadCmd(path string) tea.Cmd {
	return func() tea.Msg {
		data, err := os.ReadFile(path)
		if err != nil {
			return statusMsg{errors.Wrap(err, "read snapshot").Error()}
		}
		snap, err := chatsession.ParseSnapshot(data)
		if err != nil {
			return statusMsg{err.Error()}
		}
		if err := m.ctrl.Load(context.Background(), snap); err != nil {
			return statusMsg{err.Error()}
		}
		return statusMsg{""}
	}
}

func (m *Model) refreshTranscript() {
	if !m.ready {
		return
	}
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(m.renderTranscript())
	if atBottom {
		m.viewport.GotoBottom()
	}
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
