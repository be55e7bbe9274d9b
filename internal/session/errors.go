package session

import (
	"errors"
	"fmt"

	"github.com/MrWong99/flowone/internal/avatar"
)

var (
	// ErrNoSession is returned by operations that need an active session.
	ErrNoSession = errors.New("session: no active session")

	// ErrEmptyMessage is returned by [Controller.SendMessage] for blank text.
	ErrEmptyMessage = errors.New("session: empty message")

	// ErrClosed is returned by [Controller.Open] when the open was cancelled
	// by [Controller.Close] or superseded by a newer Open.
	ErrClosed = errors.New("session: open cancelled")
)

// SessionCreateError is returned by [Controller.Open] when the backend did
// not create the session. The controller never retries; calling Open again
// is the caller's decision.
type SessionCreateError struct {
	AgentID string
	Err     error
}

func (e *SessionCreateError) Error() string {
	return fmt.Sprintf("session: create session for agent %q: %v", e.AgentID, e.Err)
}

func (e *SessionCreateError) Unwrap() error { return e.Err }

// SendError is returned by [Controller.SendMessage] when the message could
// not be delivered. The session stays open.
type SendError struct {
	SessionID string
	Err       error
}

func (e *SendError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("session: send message: %v", e.Err)
	}
	return fmt.Sprintf("session: send message to %s: %v", e.SessionID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// DisconnectedError reports that the event stream could not be established
// or ended without a local close.
type DisconnectedError struct {
	SessionID string
	Err       error
}

func (e *DisconnectedError) Error() string {
	return fmt.Sprintf("session: event stream of %s disconnected: %v", e.SessionID, e.Err)
}

func (e *DisconnectedError) Unwrap() error { return e.Err }

// ServerError is an error event pushed by the backend.
type ServerError struct {
	SessionID string
	Message   string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("session: backend reported error for %s: %s", e.SessionID, e.Message)
}

// AvatarTransportError reports that avatar video is unavailable. The
// session remains usable through text.
type AvatarTransportError = avatar.TransportError
