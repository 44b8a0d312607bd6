package gateway

import (
	"errors"
	"fmt"
)

// Reasons carried by [SessionEndedError].
const (
	ReasonSessionExpired = "session-expired"
	ReasonLoggedOut      = "logged-out"
	// ReasonReplaced means a newer session was stored while the refresh
	// was in flight. The newer session is left untouched.
	ReasonReplaced = "session-replaced"
)

var (
	// ErrUnauthorized is returned when a request replayed after a successful
	// refresh is still rejected with 401.
	ErrUnauthorized = errors.New("unauthorized after refresh")
	// ErrSessionEnded matches every [*SessionEndedError].
	ErrSessionEnded = errors.New("session ended")
	// ErrNoRefreshToken is the cause recorded when a refresh is needed but
	// the store holds no refresh token.
	ErrNoRefreshToken = errors.New("no refresh token stored")
	// ErrNoRefresher is returned by Refresh when no refresher is configured.
	ErrNoRefresher = errors.New("no refresher configured")
	// ErrClosed is returned by Do after Close.
	ErrClosed = errors.New("gateway closed")
	// ErrNilRequest is returned by Do for a nil request.
	ErrNilRequest = errors.New("nil request")
)

// SessionEndedError reports that the session could not be kept alive.
// With Reason [ReasonSessionExpired] the store has been cleared.
type SessionEndedError struct {
	Reason string
	Err    error
}

func (e *SessionEndedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("session ended: %s", e.Reason)
	}
	return fmt.Sprintf("session ended: %s: %v", e.Reason, e.Err)
}

func (e *SessionEndedError) Is(target error) bool {
	return target == ErrSessionEnded
}

func (e *SessionEndedError) Unwrap() error {
	return e.Err
}
