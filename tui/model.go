package tui

import (
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"

	"github.com/follo-ai/session-cli/session"
)

// tickMsg is fired every second to update the next-sync countdown.
type tickMsg time.Time

// phase is what the main panel currently shows.
type phase int

const (
	phaseInit       phase = iota
	phaseChecking         // validating the stored session
	phaseSigningIn        // exchanging an authorization code
	phaseRefreshing       // forced token refresh
	phaseSyncing          // event sync pass running
	phaseIdle             // daemon waiting for the next pass
	phaseSuccess          // command finished
	phaseError            // fatal error
)

// statusKind distinguishes line types in the status log.
type statusKind int

const (
	statusOK   statusKind = iota
	statusWarn            // warning / non-fatal
	statusInfo            // neutral info
)

// statusLine is one row in the scrolling status log.
type statusLine struct {
	kind statusKind
	text string
}

// maxStatusLines bounds the log so a long-running daemon does not grow it
// without limit.
const maxStatusLines = 20

// Model is the BubbleTea model for the session TUI.
type Model struct {
	phase   phase
	spinner spinner.Model
	width   int
	height  int

	session session.State

	nextSync  time.Time
	remaining time.Duration

	summary Summary
	errMsg  string

	// Scrolling status log shown below the main panel
	statusLines []statusLine
}

var (
	styleTitleBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("99")).
			Padding(0, 2)

	styleUserBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("228")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("228")).
			Padding(0, 2)

	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleErr  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleBold = lipgloss.NewStyle().Bold(true)
)

// NewModel creates the initial TUI model.
func NewModel() Model {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))),
	)
	return Model{
		phase:   phaseInit,
		spinner: s,
	}
}

// Init starts the spinner animation.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles all incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		m.remaining = max(time.Until(m.nextSync), 0)
		if m.remaining > 0 && m.phase == phaseIdle {
			return m, tickAfterSecond()
		}
		return m, nil

	case tea.KeyPressMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m, nil

	case MsgBanner:
		return m, nil

	case MsgState:
		m.session = msg.State
		switch msg.State.Kind {
		case session.Checking:
			m.phase = phaseChecking
		case session.Authenticated:
			m.addStatus(statusOK, Describe(msg.State))
		case session.Unauthenticated:
			m.addStatus(statusWarn, Describe(msg.State))
		case session.Error:
			m.addStatus(statusWarn, Describe(msg.State))
		}
		if msg.State.Kind != session.Checking && m.phase == phaseChecking {
			m.phase = phaseInit
		}
		return m, nil

	case MsgSigningIn:
		m.phase = phaseSigningIn
		m.addStatus(statusInfo, "Exchanging authorization code...")
		return m, nil

	case MsgLoggedOut:
		m.addStatus(statusOK, "Logged out")
		return m, nil

	case MsgRefreshing:
		m.phase = phaseRefreshing
		m.addStatus(statusInfo, "Refreshing access token...")
		return m, nil

	case MsgRefreshOK:
		m.addStatus(statusOK, "Token refreshed successfully")
		return m, nil

	case MsgRefreshFailed:
		m.addStatus(statusWarn, fmt.Sprintf("Refresh failed: %v", msg.Err))
		return m, nil

	case MsgSyncing:
		m.phase = phaseSyncing
		return m, nil

	case MsgSyncDone:
		text := fmt.Sprintf("Synced %d of %d local events", msg.Synced, msg.Collected)
		if msg.AutoSynced {
			text += ", auto-sync triggered"
		}
		m.addStatus(statusOK, text)
		return m, nil

	case MsgSyncFailed:
		m.addStatus(statusWarn, fmt.Sprintf("Sync failed: %v", msg.Err))
		return m, nil

	case MsgNextSync:
		m.nextSync = msg.At
		m.remaining = time.Until(msg.At)
		m.phase = phaseIdle
		return m, tickAfterSecond()

	case MsgDone:
		m.summary = msg.Summary
		m.phase = phaseSuccess
		return m, nil

	case MsgFatal:
		m.errMsg = msg.Err.Error()
		m.phase = phaseError
		return m, nil
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() tea.View {
	switch m.phase {
	case phaseSuccess:
		return tea.NewView(m.viewSuccess())
	case phaseError:
		return tea.NewView(m.viewError())
	default:
		return tea.NewView(m.viewMain())
	}
}

func (m Model) viewMain() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleTitleBox.Render("  Follo Session  "))
	b.WriteString("\n\n")

	if m.session.Kind == session.Authenticated && m.session.User != nil {
		b.WriteString(styleUserBox.Render("  " + m.session.User.DisplayName() + "  "))
		b.WriteString("\n\n")
	}

	switch m.phase {
	case phaseChecking:
		b.WriteString(m.spinner.View())
		b.WriteString(" Checking session...\n")

	case phaseSigningIn:
		b.WriteString(m.spinner.View())
		b.WriteString(" Signing in...\n")

	case phaseRefreshing:
		b.WriteString(m.spinner.View())
		b.WriteString(" Refreshing access token...\n")

	case phaseSyncing:
		b.WriteString(m.spinner.View())
		b.WriteString(" Syncing events...\n")

	case phaseIdle:
		b.WriteString(styleDim.Render("Next sync in " + formatDuration(m.remaining)))
		b.WriteString("\n")

	default:
		b.WriteString(m.spinner.View())
		b.WriteString(" Initializing...\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

func (m Model) viewSuccess() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleOK.Render("  ✓ " + m.summary.User))
	b.WriteString("\n\n")

	if m.summary.Email != "" {
		b.WriteString(styleBold.Render("Email:        "))
		b.WriteString(m.summary.Email + "\n")
	}
	if m.summary.TokenPreview != "" {
		b.WriteString(styleBold.Render("Access Token: "))
		b.WriteString(m.summary.TokenPreview + "\n")

		b.WriteString(styleBold.Render("Token Type:   "))
		b.WriteString(m.summary.TokenType + "\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

func (m Model) viewError() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleErr.Render("  ✗ Command failed"))
	b.WriteString("\n\n")
	b.WriteString(styleDim.Render("  " + m.errMsg))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewStatusLog renders the scrolling status log.
func (m Model) viewStatusLog() string {
	if len(m.statusLines) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n")

	for _, line := range m.statusLines {
		switch line.kind {
		case statusOK:
			b.WriteString(styleOK.Render("  ✓ " + line.text))
		case statusWarn:
			b.WriteString(styleWarn.Render("  ⚠ " + line.text))
		default:
			b.WriteString(styleDim.Render("  · " + line.text))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// addStatus appends a line to the status log, dropping the oldest past
// maxStatusLines.
func (m *Model) addStatus(kind statusKind, text string) {
	m.statusLines = append(m.statusLines, statusLine{kind: kind, text: text})
	if n := len(m.statusLines); n > maxStatusLines {
		m.statusLines = m.statusLines[n-maxStatusLines:]
	}
}

// tickAfterSecond returns a command that fires tickMsg after one second.
func tickAfterSecond() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// formatDuration formats a duration as "Xm Ys" or "Xs".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d <= 0 {
		return "0s"
	}
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
