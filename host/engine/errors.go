package engine

import "errors"

var (
	// ErrInvalidOperation is returned when a call is not allowed in the
	// current session mode. The session state is left untouched.
	ErrInvalidOperation = errors.New("engine: invalid operation")

	// ErrOpenFailed wraps the transport error of a failed open
	ErrOpenFailed = errors.New("engine: transport open failed")

	// ErrStopped is returned by calls made after Run has returned
	ErrStopped = errors.New("engine: stopped")
)
