package relay

import "errors"

// Sentinel kinds for relay errors.
var (
	ErrClosed         = errors.New("relay closed")
	ErrInvalidChannel = errors.New("channel is required")
)
