package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/agentrunner/agentrunner/internal/domain/entity"
)

var (
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	toolStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	statusStyle    = lipgloss.NewStyle().Faint(true)
	permStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("13"))
)

// Config holds TUI configuration.
type Config struct {
	Model string
}

// Model is the bubbletea program rendering runner Updates and feeding
// user input back as Actions. It never touches the agent loop directly:
// the Action/Update channel pair is its whole contract with the core.
type Model struct {
	actions chan<- entity.Action
	updates <-chan entity.Update
	logger  *zap.Logger

	viewport   viewport.Model
	input      textarea.Model
	spin       spinner.Model
	markdown   *glamour.TermRenderer
	transcript strings.Builder
	streamBuf  strings.Builder

	running     bool
	pendingPerm *entity.PermissionRequestInfo
	statusLine  string
	modelName   string
	width       int
	height      int
}

// New builds the TUI over a runner's channel pair.
func New(actions chan<- entity.Action, updates <-chan entity.Update, cfg Config, logger *zap.Logger) *Model {
	ta := textarea.New()
	ta.Placeholder = "Ask anything (ctrl+c to quit, esc to cancel)"
	ta.SetHeight(3)
	ta.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	md, _ := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))

	return &Model{
		actions:   actions,
		updates:   updates,
		logger:    logger,
		input:     ta,
		spin:      sp,
		markdown:  md,
		modelName: cfg.Model,
	}
}

// Run starts the bubbletea program and blocks until quit.
func (m *Model) Run() error {
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// updateMsg wraps a runner Update as a tea.Msg.
type updateMsg entity.Update

// channelClosedMsg signals the runner shut the update stream down.
type channelClosedMsg struct{}

func (m *Model) waitForUpdate() tea.Cmd {
	return func() tea.Msg {
		u, ok := <-m.updates
		if !ok {
			return channelClosedMsg{}
		}
		return updateMsg(u)
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.spin.Tick, m.waitForUpdate())
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport = viewport.New(msg.Width, msg.Height-6)
		m.viewport.SetContent(m.transcript.String())
		m.input.SetWidth(msg.Width - 2)
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case updateMsg:
		m.apply(entity.Update(msg))
		return m, m.waitForUpdate()

	case channelClosedMsg:
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	// A pending permission prompt captures y/n before anything else.
	if m.pendingPerm != nil {
		switch msg.String() {
		case "y", "Y", "a", "A":
			m.actions <- entity.Action{
				Kind:      entity.ActionPermissionResponse,
				RequestID: m.pendingPerm.ID,
				Allow:     true,
				Remember:  msg.String() == "a" || msg.String() == "A",
			}
			m.pendingPerm = nil
			return m, nil
		case "n", "N":
			m.actions <- entity.Action{
				Kind:      entity.ActionPermissionResponse,
				RequestID: m.pendingPerm.ID,
				Allow:     false,
			}
			m.pendingPerm = nil
			return m, nil
		}
		return m, nil
	}

	switch msg.Type {
	case tea.KeyCtrlC:
		m.actions <- entity.Action{Kind: entity.ActionQuit}
		return m, tea.Quit

	case tea.KeyEsc:
		if m.running {
			m.actions <- entity.Action{Kind: entity.ActionCancel}
			return m, nil
		}

	case tea.KeyEnter:
		text := strings.TrimSpace(m.input.Value())
		if text == "" {
			return m, nil
		}
		m.input.Reset()
		if cmd := m.handleSlashCommand(text); cmd != nil {
			return m, cmd
		}
		m.appendLine(userStyle.Render("▶ You") + "\n" + text + "\n")
		m.running = true
		m.actions <- entity.Action{Kind: entity.ActionSendPrompt, Text: text}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// handleSlashCommand maps interface commands onto runner actions.
func (m *Model) handleSlashCommand(text string) tea.Cmd {
	if !strings.HasPrefix(text, "/") {
		return nil
	}
	fields := strings.Fields(text)
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	switch fields[0] {
	case "/quit", "/exit":
		m.actions <- entity.Action{Kind: entity.ActionQuit}
		return tea.Quit
	case "/model":
		m.actions <- entity.Action{Kind: entity.ActionChangeModel, ModelSpec: arg}
	case "/agent":
		m.actions <- entity.Action{Kind: entity.ActionChangeAgent, AgentName: arg}
	case "/new":
		m.actions <- entity.Action{Kind: entity.ActionNewSession}
	case "/session":
		m.actions <- entity.Action{Kind: entity.ActionSwitchSession, SessionID: arg}
	case "/fork":
		m.actions <- entity.Action{Kind: entity.ActionForkSession, MessageID: arg}
	case "/compact":
		m.actions <- entity.Action{Kind: entity.ActionCompact}
	case "/undo":
		m.actions <- entity.Action{Kind: entity.ActionUndo}
	case "/redo":
		m.actions <- entity.Action{Kind: entity.ActionRedo}
	case "/sandbox":
		switch arg {
		case "stop":
			m.actions <- entity.Action{Kind: entity.ActionSandboxStop}
		case "restart":
			m.actions <- entity.Action{Kind: entity.ActionSandboxRestart}
		default:
			m.actions <- entity.Action{Kind: entity.ActionSandboxStart}
		}
	case "/mcp":
		m.actions <- entity.Action{Kind: entity.ActionMcpToggle, ServerName: arg}
	default:
		m.statusLine = "Unknown command: " + fields[0]
	}
	return func() tea.Msg { return nil }
}

// apply folds one runner Update into the transcript.
func (m *Model) apply(u entity.Update) {
	switch u.Kind {
	case entity.UpdateStarted:
		m.streamBuf.Reset()

	case entity.UpdateTextDelta:
		m.streamBuf.WriteString(u.Text)
		m.refreshStream()

	case entity.UpdateToolStarted:
		if u.ToolCall != nil {
			m.appendLine(toolStyle.Render("🔧 " + u.ToolCall.Name))
		}

	case entity.UpdateToolCompleted:
		if u.ToolCall != nil {
			mark := "✓"
			if !u.ToolCall.Success {
				mark = "✗"
			}
			m.appendLine(toolStyle.Render(fmt.Sprintf("  %s %s", mark, u.ToolCall.Name)))
		}

	case entity.UpdateCompleted:
		m.running = false
		m.streamBuf.Reset()
		rendered := u.Text
		if m.markdown != nil {
			if out, err := m.markdown.Render(u.Text); err == nil {
				rendered = out
			}
		}
		m.appendLine(assistantStyle.Render("🤖 Assistant") + "\n" + rendered)

	case entity.UpdateError:
		m.running = false
		m.appendLine(errorStyle.Render("⚠ " + u.Error))

	case entity.UpdateStatus, entity.UpdateSystemMessage:
		m.statusLine = u.Text
		m.appendLine(statusStyle.Render(u.Text))

	case entity.UpdateTokenUsage:
		if u.Usage != nil {
			m.statusLine = fmt.Sprintf("tokens: %d in / %d out · $%.4f · ctx %d",
				u.Usage.InputTokens, u.Usage.OutputTokens, u.Usage.Cost, u.Usage.ContextLimit)
		}

	case entity.UpdatePermissionRequested:
		m.pendingPerm = u.PermissionRequest
		m.appendLine(permStyle.Render(fmt.Sprintf(
			"Permission: %s wants to %s %s — allow? [y/n/a=always]",
			u.PermissionRequest.Tool, u.PermissionRequest.Action, u.PermissionRequest.Path)))

	case entity.UpdateSessionLoaded:
		m.transcript.Reset()
		m.appendLine(statusStyle.Render("Session: " + u.Title))
		for _, msg := range u.Messages {
			switch msg.Role {
			case entity.RoleUser:
				m.appendLine(userStyle.Render("▶ You") + "\n" + msg.Text())
			case entity.RoleAssistant:
				m.appendLine(assistantStyle.Render("🤖 Assistant") + "\n" + msg.Text())
			}
		}

	case entity.UpdateAgentChanged:
		m.appendLine(statusStyle.Render("Agent: " + u.Agent))

	case entity.UpdateSandbox:
		if u.Sandbox != nil {
			m.statusLine = "sandbox: " + string(u.Sandbox.State)
		}

	case entity.UpdateTodos:
		var sb strings.Builder
		sb.WriteString(statusStyle.Render("Todos:"))
		for _, todo := range u.Todos {
			sb.WriteString(fmt.Sprintf("\n  [%s] %s", todo.Status, todo.Content))
		}
		m.appendLine(sb.String())
	}
}

func (m *Model) appendLine(line string) {
	m.transcript.WriteString(line)
	m.transcript.WriteString("\n")
	m.refreshStream()
}

func (m *Model) refreshStream() {
	if m.viewport.Width == 0 {
		return
	}
	content := m.transcript.String()
	if m.streamBuf.Len() > 0 {
		content += m.streamBuf.String()
	}
	m.viewport.SetContent(content)
	m.viewport.GotoBottom()
}

func (m *Model) View() string {
	var status string
	if m.running {
		status = m.spin.View() + " working… " + statusStyle.Render(m.statusLine)
	} else {
		status = statusStyle.Render(m.modelName + " · " + m.statusLine)
	}
	return m.viewport.View() + "\n" + status + "\n" + m.input.View()
}
