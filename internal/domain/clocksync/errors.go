package clocksync

import "errors"

// ErrCalibrationFailed is returned when no probe in a batch succeeded.
var ErrCalibrationFailed = errors.New("clock calibration failed")
