package session

import (
	"fmt"

	"github.com/follo-ai/session-cli/auth"
)

// Kind is the variant of a session State.
type Kind int

const (
	Uninitialized Kind = iota
	Checking
	Authenticated
	Unauthenticated
	Error
)

func (k Kind) String() string {
	switch k {
	case Uninitialized:
		return "uninitialized"
	case Checking:
		return "checking"
	case Authenticated:
		return "authenticated"
	case Unauthenticated:
		return "unauthenticated"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Reason explains an Unauthenticated state.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonExpired
	ReasonRevoked
	ReasonNetworkUnavailable
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonExpired:
		return "expired"
	case ReasonRevoked:
		return "revoked"
	case ReasonNetworkUnavailable:
		return "network unavailable"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// State is the session's authentication state. Only the fields belonging to
// Kind are meaningful: User for Authenticated, Reason for Unauthenticated,
// Message and Recoverable for Error.
type State struct {
	Kind        Kind
	User        *auth.User
	Reason      Reason
	Message     string
	Recoverable bool
}

func authenticatedState(u auth.User) State {
	return State{Kind: Authenticated, User: &u}
}

func unauthenticatedState(r Reason) State {
	return State{Kind: Unauthenticated, Reason: r}
}

func errorState(err error, recoverable bool) State {
	return State{Kind: Error, Message: err.Error(), Recoverable: recoverable}
}

// resolved reports whether s ends the initial loading phase.
func (s State) resolved() bool {
	return s.Kind != Uninitialized && s.Kind != Checking
}

func (s State) equal(o State) bool {
	if s.Kind != o.Kind {
		return false
	}
	switch s.Kind {
	case Authenticated:
		if s.User == nil || o.User == nil {
			return s.User == o.User
		}
		return sameUser(*s.User, *o.User)
	case Unauthenticated:
		return s.Reason == o.Reason
	case Error:
		return s.Message == o.Message && s.Recoverable == o.Recoverable
	default:
		return true
	}
}

func (s State) String() string {
	switch s.Kind {
	case Authenticated:
		if s.User != nil {
			return fmt.Sprintf("authenticated(%s)", s.User.DisplayName())
		}
		return "authenticated"
	case Unauthenticated:
		return fmt.Sprintf("unauthenticated(%s)", s.Reason)
	case Error:
		return fmt.Sprintf("error(%s)", s.Message)
	default:
		return s.Kind.String()
	}
}

func sameUser(a, b auth.User) bool {
	if a.ID != b.ID || a.Username != b.Username || a.IsActive != b.IsActive {
		return false
	}
	if a.Email == nil || b.Email == nil {
		return a.Email == nil && b.Email == nil
	}
	return *a.Email == *b.Email
}
