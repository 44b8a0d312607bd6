package authpipe

import "errors"

var (
	// ErrNoPendingStepUp is returned by CompleteStepUp when no login is
	// waiting for a second factor.
	ErrNoPendingStepUp = errors.New("authpipe: no pending step-up")
	// ErrNotSignedIn is returned by operations that need a session.
	ErrNotSignedIn = errors.New("authpipe: not signed in")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("authpipe: pipeline closed")
)
