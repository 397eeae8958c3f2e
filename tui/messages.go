package tui

import (
	"time"

	"github.com/follo-ai/session-cli/session"
)

// Summary is the account view printed when a command completes.
type Summary struct {
	User         string
	Email        string
	TokenPreview string
	TokenType    string
}

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct{}

// MsgState carries a session state transition.
type MsgState struct{ State session.State }

// MsgSigningIn signals that an authorization code is being exchanged.
type MsgSigningIn struct{}

// MsgLoggedOut signals that the local session was cleared.
type MsgLoggedOut struct{}

// MsgRefreshing signals that a token refresh is in progress.
type MsgRefreshing struct{}

// MsgRefreshOK signals that the token was refreshed successfully.
type MsgRefreshOK struct{}

// MsgRefreshFailed signals that token refresh failed.
type MsgRefreshFailed struct{ Err error }

// MsgSyncing signals that an event sync pass started.
type MsgSyncing struct{}

// MsgSyncDone reports a finished sync pass.
type MsgSyncDone struct {
	Collected  int
	Synced     int
	AutoSynced bool
}

// MsgSyncFailed signals that a sync pass failed.
type MsgSyncFailed struct{ Err error }

// MsgNextSync announces when the daemon runs next.
type MsgNextSync struct{ At time.Time }

// MsgDone signals successful completion of a command.
type MsgDone struct{ Summary Summary }

// MsgFatal signals a fatal error that should terminate the command.
type MsgFatal struct{ Err error }
