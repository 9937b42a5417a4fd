package service

import (
	"time"

	"github.com/okian/resonance/internal/adapters/mq/relay"
	"github.com/okian/resonance/internal/domain/dedupe"
	"github.com/okian/resonance/internal/domain/safety"
	"github.com/okian/resonance/pkg/clock"
	"github.com/okian/resonance/pkg/logger"
)

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithClientID sets the id this client announces to the session.
func WithClientID(id string) CoordinatorOption {
	return func(c *Coordinator) {
		if id != "" {
			c.clientID = id
		}
	}
}

// WithClock sets the clock that drives the drift, countdown and heartbeat loops.
func WithClock(clk clock.Clock) CoordinatorOption {
	return func(c *Coordinator) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithCoordinatorLogger sets the logger.
func WithCoordinatorLogger(l logger.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// WithPubSub enables bar mark and heartbeat exchange with peers.
func WithPubSub(ps relay.PubSub) CoordinatorOption {
	return func(c *Coordinator) {
		c.pubsub = ps
	}
}

// WithDiagnostics sets where per-bar reports are sent.
func WithDiagnostics(sink DiagnosticsSink) CoordinatorOption {
	return func(c *Coordinator) {
		c.diagnostics = sink
	}
}

// WithValidator replaces the default safety validator.
func WithValidator(v *safety.Validator) CoordinatorOption {
	return func(c *Coordinator) {
		if v != nil {
			c.validator = v
		}
	}
}

// WithDeduper replaces the bar mark deduper.
func WithDeduper(d dedupe.Deduper) CoordinatorOption {
	return func(c *Coordinator) {
		if d != nil {
			c.deduper = d
		}
	}
}

// WithUserAge sets the listener age passed to safety validation when joining.
// Zero means unknown.
func WithUserAge(age int) CoordinatorOption {
	return func(c *Coordinator) {
		if age >= 0 {
			c.userAge = age
		}
	}
}

// WithGain sets the requested master gain used when joining.
func WithGain(g float64) CoordinatorOption {
	return func(c *Coordinator) {
		if g > 0 {
			c.gain = g
		}
	}
}

// WithRecalibrationInterval sets the automatic recalibration period.
func WithRecalibrationInterval(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.recalInterval = d
		}
	}
}

// WithCountdownInterval sets how often time until start is refreshed.
func WithCountdownInterval(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.countdownInterval = d
		}
	}
}

// WithHeartbeatInterval sets the presence heartbeat period.
func WithHeartbeatInterval(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.heartbeatInterval = d
		}
	}
}

// WithThresholds sets the self-measured and peer drift correction thresholds
// in milliseconds.
func WithThresholds(selfMs, peerMs float64) CoordinatorOption {
	return func(c *Coordinator) {
		if selfMs > 0 {
			c.selfThresholdMs = selfMs
		}
		if peerMs > 0 {
			c.peerThresholdMs = peerMs
		}
	}
}
