package tui

import (
	"context"
	"fmt"
	"strings"

	"blonde/internal/app"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Model is a thin chat consumer over the orchestrator: it renders core events
// and submits single-agent runs. All decision logic lives in internal/app.
type Model struct {
	core    *app.Orchestrator
	session *app.Session
	theme   Theme

	input    textarea.Model
	view     viewport.Model
	spin     spinner.Model
	events   <-chan app.Event
	unsub    func()
	lines    []string
	thinking bool
	status   string
	width    int
	height   int
}

type eventMsg app.Event

type runDoneMsg struct {
	result app.RunResult
	err    error
}

func New(core *app.Orchestrator, session *app.Session) *Model {
	ta := textarea.New()
	ta.Placeholder = "Ask anything... (Enter to send)"
	ta.Focus()
	ta.CharLimit = 8000
	ta.SetHeight(3)
	ta.Prompt = "▍ "
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	events, unsub := core.Subscribe()
	m := &Model{
		core:    core,
		session: session,
		theme:   DefaultTheme(),
		input:   ta,
		view:    viewport.New(80, 20),
		spin:    sp,
		events:  events,
		unsub:   unsub,
		width:   80,
		height:  24,
	}
	for _, msg := range session.History {
		m.appendTurn(msg.Role, msg.Content)
	}
	return m
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.waitForEvent())
}

func (m *Model) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		evt, ok := <-m.events
		if !ok {
			return nil
		}
		return eventMsg(evt)
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.SetWidth(msg.Width - 4)
		m.view.Width = msg.Width - 2
		m.view.Height = msg.Height - 7
		m.refreshView()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			if m.thinking {
				m.core.Cancel(m.session.ID)
				return m, nil
			}
			m.unsub()
			return m, tea.Quit
		case "esc":
			m.unsub()
			return m, tea.Quit
		case "enter":
			text := strings.TrimSpace(m.input.Value())
			if text == "" || m.thinking {
				return m, nil
			}
			m.input.Reset()
			m.appendTurn("user", text)
			m.thinking = true
			m.status = "waiting for " + m.session.Provider
			return m, tea.Batch(m.spin.Tick, m.runAgent(text))
		}

	case eventMsg:
		m.handleEvent(app.Event(msg))
		cmds = append(cmds, m.waitForEvent())

	case runDoneMsg:
		m.thinking = false
		m.status = ""
		if msg.err != nil {
			m.appendTurn("error", msg.err.Error())
		} else {
			m.appendTurn("assistant", msg.result.Text)
		}
		if sess, err := m.core.LoadSession(m.session.ID); err == nil {
			m.session = sess
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		if m.thinking {
			cmds = append(cmds, cmd)
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.view, cmd = m.view.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *Model) runAgent(text string) tea.Cmd {
	return func() tea.Msg {
		result, err := m.core.RunSingleAgent(context.Background(), m.session.ID, "", text, nil)
		return runDoneMsg{result: result, err: err}
	}
}

func (m *Model) handleEvent(evt app.Event) {
	if evt.SessionID != m.session.ID {
		return
	}
	switch evt.Type {
	case app.EventAgentThinking:
		m.status = evt.Role + " is thinking"
	case app.EventThresholdCrossed:
		m.appendTurn("system", fmt.Sprintf("context usage crossed %d%%", evt.Threshold))
	case app.EventTaskFailed:
		m.status = string(evt.ErrKind)
	}
}

func (m *Model) appendTurn(role, content string) {
	var label string
	switch role {
	case "user":
		label = m.theme.UserLabel.Render("you")
	case "assistant":
		label = m.theme.AssistantLabel.Render(m.session.Provider)
	case "error":
		label = m.theme.ErrorText.Render("error")
	default:
		label = m.theme.Warning.Render(role)
	}
	m.lines = append(m.lines, label+" "+content, "")
	m.refreshView()
}

func (m *Model) refreshView() {
	m.view.SetContent(strings.Join(m.lines, "\n"))
	m.view.GotoBottom()
}

func (m *Model) View() string {
	var status string
	if m.thinking {
		status = m.spin.View() + " " + m.status
	} else {
		status = m.statusLine()
	}
	return m.view.View() + "\n\n" + m.input.View() + "\n" + m.theme.StatusBar.Render(status)
}

func (m *Model) statusLine() string {
	usage := m.session.Usage
	return fmt.Sprintf("%s · %s · %.1f%% context · $%.4f",
		m.session.Provider, m.session.Model, usage.Percentage, m.session.Cost.TotalUSD)
}

// Run starts the chat TUI for a session.
func Run(core *app.Orchestrator, session *app.Session) error {
	p := tea.NewProgram(New(core, session), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
