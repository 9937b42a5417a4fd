package clocksync

import (
	"math"
	"time"
)

// AudioClock is an audio engine's monotonic clock in seconds.
type AudioClock interface {
	CurrentTime() float64
	BaseLatency() float64
}

// ContextReading pairs one audio clock reading with the server time observed
// at the same moment. Conversions against a fixed reading are exact inverses.
type ContextReading struct {
	ContextTime float64
	BaseLatency float64
	ServerTime  time.Time
}

// ReadContext samples the audio clock and server time together.
func (m *Manager) ReadContext(ac AudioClock) ContextReading {
	return ContextReading{
		ContextTime: ac.CurrentTime(),
		BaseLatency: ac.BaseLatency(),
		ServerTime:  m.ServerTime(),
	}
}

// ToContextTime converts a server instant to audio clock seconds, early by
// the output latency.
func ToContextTime(server time.Time, r ContextReading) float64 {
	return r.ContextTime + server.Sub(r.ServerTime).Seconds() - r.BaseLatency
}

// FromContextTime converts audio clock seconds back to a server instant.
func FromContextTime(contextTime float64, r ContextReading) time.Time {
	secs := contextTime - r.ContextTime + r.BaseLatency
	return r.ServerTime.Add(time.Duration(math.Round(secs * float64(time.Second))))
}
