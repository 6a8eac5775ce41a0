package session

import (
	"context"
	"time"

	"github.com/iliyamo/training-portal/internal/model"
)

// State is the session-level state derived from a Snapshot.
type State int

const (
	Unauthenticated State = iota
	Resolving
	Authenticated
)

func (s State) String() string {
	switch s {
	case Resolving:
		return "resolving"
	case Authenticated:
		return "authenticated"
	default:
		return "unauthenticated"
	}
}

// Snapshot is a copy of the session state at one instant.
//
// Invariants: User is nil while Loading; User is nil when Token is empty.
type Snapshot struct {
	Token   string
	User    *model.Profile
	Loading bool
}

// IsAuthenticated reports whether a user has been resolved.
func (s Snapshot) IsAuthenticated() bool { return s.User != nil }

func (s Snapshot) State() State {
	switch {
	case s.Loading:
		return Resolving
	case s.User != nil:
		return Authenticated
	default:
		return Unauthenticated
	}
}

// Transition describes one state change, as handed to a Notifier.
type Transition struct {
	ProfileID string
	From      State
	To        State
	Reason    string
	UserID    uint64
	Role      string
	Err       string
	At        time.Time
}

// Notifier receives transitions.  Implementations must not block for long;
// they are called after the state change, outside any lock.
type Notifier interface {
	Notify(ctx context.Context, t Transition)
}

// Transition reasons.
const (
	ReasonStartup       = "startup"
	ReasonRestore       = "restore"
	ReasonRestoreFailed = "restore_failed"
	ReasonLogin         = "login"
	ReasonRegister      = "register"
	ReasonResolveFailed = "resolve_failed"
	ReasonLogout        = "logout"
	ReasonInvalidated   = "invalidated"
)
