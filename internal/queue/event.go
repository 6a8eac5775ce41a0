// Package queue carries session lifecycle events over the message broker:
// a publisher fed by the session managers and an audit consumer that
// appends every event to a log file.
package queue

import (
	"time"

	"github.com/iliyamo/training-portal/internal/session"
)

// DefaultQueue is the durable queue session events are published to.
const DefaultQueue = "session.events"

// SessionEvent is published on every session state change.  It never
// carries the credential.
type SessionEvent struct {
	ProfileID  string `json:"profile_id"`
	From       string `json:"from"`
	To         string `json:"to"`
	Reason     string `json:"reason"`
	UserID     uint64 `json:"user_id,omitempty"`
	Role       string `json:"role,omitempty"`
	Error      string `json:"error,omitempty"`
	OccurredAt string `json:"occurred_at"`
}

// FromTransition converts a session transition to its wire form.
func FromTransition(t session.Transition) SessionEvent {
	at := t.At
	if at.IsZero() {
		at = time.Now()
	}
	return SessionEvent{
		ProfileID:  t.ProfileID,
		From:       t.From.String(),
		To:         t.To.String(),
		Reason:     t.Reason,
		UserID:     t.UserID,
		Role:       t.Role,
		Error:      t.Err,
		OccurredAt: at.UTC().Format(time.RFC3339Nano),
	}
}
