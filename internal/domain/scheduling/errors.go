package scheduling

import "errors"

var (
	// ErrUnsupportedPlatform is returned when the platform lacks a required capability.
	ErrUnsupportedPlatform = errors.New("unsupported audio platform")
	// ErrNotInitialized is returned when scheduling before Initialize or after Destroy.
	ErrNotInitialized = errors.New("audio engine not initialized")
)
