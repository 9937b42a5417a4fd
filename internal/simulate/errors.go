package simulate

import "errors"

var (
	// ErrInvalidConfig is returned when a run is misconfigured.
	ErrInvalidConfig = errors.New("invalid simulation config")

	// ErrNotAligned is returned by Verify when start instants spread wider
	// than the tolerance.
	ErrNotAligned = errors.New("clients not aligned")
)
