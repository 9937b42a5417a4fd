package service

import "errors"

var (
	// ErrSessionOperationFailed is returned when creating, joining or leaving a
	// session fails in a collaborator. The coordinator never retries.
	ErrSessionOperationFailed = errors.New("session operation failed")

	// ErrInvalidState is returned when an operation is not allowed in the
	// coordinator's current state.
	ErrInvalidState = errors.New("invalid coordinator state")

	// ErrUnsafeConfig is returned when safety validation refuses playback.
	ErrUnsafeConfig = errors.New("unsafe audio configuration")

	// ErrNotStarted is returned by Service methods called before Start.
	ErrNotStarted = errors.New("service not started")
)
