package scheduling

import (
	"time"

	"github.com/okian/resonance/pkg/clock"
	"github.com/okian/resonance/pkg/logger"
)

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for the detune revert timer.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithFadeIn sets the linear gain ramp at the start instant.
func WithFadeIn(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.fadeIn = d
		}
	}
}

// WithMaxMasterGain sets the hard cap on master gain.
func WithMaxMasterGain(g float64) Option {
	return func(e *Engine) {
		if g > 0 {
			e.maxMaster = g
		}
	}
}

// WithCorrection sets the drift threshold, detune size and revert window.
func WithCorrection(thresholdMs, cents float64, window time.Duration) Option {
	return func(e *Engine) {
		if thresholdMs > 0 {
			e.thresholdMs = thresholdMs
		}
		if cents > 0 {
			e.cents = cents
		}
		if window > 0 {
			e.window = window
		}
	}
}
