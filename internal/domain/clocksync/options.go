package clocksync

import (
	"time"

	"github.com/okian/resonance/pkg/clock"
	"github.com/okian/resonance/pkg/logger"
)

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the local clock.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithInitialProbes sets the probe count of Initialize.
func WithInitialProbes(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.initialProbes = n
		}
	}
}

// WithRecalibrateProbes sets the probe count of Recalibrate.
func WithRecalibrateProbes(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.recalProbes = n
		}
	}
}

// WithProbeSpacing sets the pause between probes.
func WithProbeSpacing(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.spacing = d
		}
	}
}

// WithProbeTimeout bounds each probe. Zero disables the bound.
func WithProbeTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.probeTimeout = d
		}
	}
}
