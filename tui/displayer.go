package tui

import (
	"fmt"
	"io"
	"time"

	tea "charm.land/bubbletea/v2"

	"github.com/follo-ai/session-cli/session"
)

// Displayer abstracts all user-facing output of the CLI.
type Displayer interface {
	Banner()
	State(s session.State)
	SigningIn()
	LoggedOut()
	Refreshing()
	RefreshOK()
	RefreshFailed(err error)
	Syncing()
	SyncDone(collected, synced int, autoSynced bool)
	SyncFailed(err error)
	NextSync(at time.Time)
	Done(s Summary)
	Fatal(err error)
}

// PlainDisplayer writes plain text output to w.
// Used when stderr is not a TTY (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	w io.Writer
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w}
}

func (p *PlainDisplayer) Banner() {
	fmt.Fprintln(p.w, "=== Follo Session ===")
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) State(s session.State) {
	fmt.Fprintln(p.w, Describe(s))
}

func (p *PlainDisplayer) SigningIn() {
	fmt.Fprintln(p.w, "Exchanging authorization code...")
}

func (p *PlainDisplayer) LoggedOut() {
	fmt.Fprintln(p.w, "Logged out.")
}

func (p *PlainDisplayer) Refreshing() {
	fmt.Fprintln(p.w, "Refreshing access token...")
}

func (p *PlainDisplayer) RefreshOK() {
	fmt.Fprintln(p.w, "Token refreshed successfully!")
}

func (p *PlainDisplayer) RefreshFailed(err error) {
	fmt.Fprintf(p.w, "Refresh failed: %v\n", err)
}

func (p *PlainDisplayer) Syncing() {
	fmt.Fprintln(p.w, "Syncing events...")
}

func (p *PlainDisplayer) SyncDone(collected, synced int, autoSynced bool) {
	fmt.Fprintf(p.w, "Synced %d of %d local events", synced, collected)
	if autoSynced {
		fmt.Fprint(p.w, ", calendar auto-sync triggered")
	}
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) SyncFailed(err error) {
	fmt.Fprintf(p.w, "Sync failed: %v\n", err)
}

func (p *PlainDisplayer) NextSync(at time.Time) {
	fmt.Fprintf(p.w, "Next sync at %s\n", at.Format(time.Kitchen))
}

func (p *PlainDisplayer) Done(s Summary) {
	fmt.Fprintln(p.w, "\n========================================")
	fmt.Fprintf(p.w, "User: %s\n", s.User)
	if s.Email != "" {
		fmt.Fprintf(p.w, "Email: %s\n", s.Email)
	}
	if s.TokenPreview != "" {
		fmt.Fprintf(p.w, "Access Token: %s\n", s.TokenPreview)
		fmt.Fprintf(p.w, "Token Type: %s\n", s.TokenType)
	}
	fmt.Fprintln(p.w, "========================================")
}

func (p *PlainDisplayer) Fatal(err error) {
	fmt.Fprintf(p.w, "Error: %v\n", err)
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct{}

func (NoopDisplayer) Banner()                   {}
func (NoopDisplayer) State(_ session.State)     {}
func (NoopDisplayer) SigningIn()                {}
func (NoopDisplayer) LoggedOut()                {}
func (NoopDisplayer) Refreshing()               {}
func (NoopDisplayer) RefreshOK()                {}
func (NoopDisplayer) RefreshFailed(_ error)     {}
func (NoopDisplayer) Syncing()                  {}
func (NoopDisplayer) SyncDone(_, _ int, _ bool) {}
func (NoopDisplayer) SyncFailed(_ error)        {}
func (NoopDisplayer) NextSync(_ time.Time)      {}
func (NoopDisplayer) Done(_ Summary)            {}
func (NoopDisplayer) Fatal(_ error)             {}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Banner() {
	t.p.Send(MsgBanner{})
}

func (t *ProgramDisplayer) State(s session.State) {
	t.p.Send(MsgState{State: s})
}

func (t *ProgramDisplayer) SigningIn() {
	t.p.Send(MsgSigningIn{})
}

func (t *ProgramDisplayer) LoggedOut() {
	t.p.Send(MsgLoggedOut{})
}

func (t *ProgramDisplayer) Refreshing() {
	t.p.Send(MsgRefreshing{})
}

func (t *ProgramDisplayer) RefreshOK() {
	t.p.Send(MsgRefreshOK{})
}

func (t *ProgramDisplayer) RefreshFailed(err error) {
	t.p.Send(MsgRefreshFailed{Err: err})
}

func (t *ProgramDisplayer) Syncing() {
	t.p.Send(MsgSyncing{})
}

func (t *ProgramDisplayer) SyncDone(collected, synced int, autoSynced bool) {
	t.p.Send(MsgSyncDone{Collected: collected, Synced: synced, AutoSynced: autoSynced})
}

func (t *ProgramDisplayer) SyncFailed(err error) {
	t.p.Send(MsgSyncFailed{Err: err})
}

func (t *ProgramDisplayer) NextSync(at time.Time) {
	t.p.Send(MsgNextSync{At: at})
}

func (t *ProgramDisplayer) Done(s Summary) {
	t.p.Send(MsgDone{Summary: s})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}

// Describe renders a session state as one line of text.
func Describe(s session.State) string {
	switch s.Kind {
	case session.Checking:
		return "Checking session..."
	case session.Authenticated:
		if s.User != nil {
			return "Signed in as " + s.User.DisplayName()
		}
		return "Signed in"
	case session.Unauthenticated:
		switch s.Reason {
		case session.ReasonExpired:
			return "Session expired, please log in again"
		case session.ReasonRevoked:
			return "Session revoked, please log in again"
		case session.ReasonNetworkUnavailable:
			return "Not signed in (network unavailable)"
		default:
			return "Not signed in"
		}
	case session.Error:
		if s.Recoverable {
			return "Could not reach the server: " + s.Message + " (will retry)"
		}
		return "Session error: " + s.Message
	default:
		return "Starting..."
	}
}
