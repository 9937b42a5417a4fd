package synth

import (
	"github.com/okian/resonance/internal/domain/scheduling"
	"github.com/okian/resonance/pkg/logger"
)

// Option configures a Platform.
type Option func(*Platform)

// WithSampleRate sets frames per second.
func WithSampleRate(rate float64) Option {
	return func(p *Platform) {
		if rate > 0 {
			p.sampleRate = rate
		}
	}
}

// WithBaseLatency sets the reported output latency in seconds.
func WithBaseLatency(seconds float64) Option {
	return func(p *Platform) {
		if seconds >= 0 {
			p.baseLatency = seconds
		}
	}
}

// WithCapabilities overrides the reported capabilities.
func WithCapabilities(c scheduling.Capabilities) Option {
	return func(p *Platform) {
		p.caps = c
	}
}

// WithAnalyserSize sets the FFT window, rounded up to a power of two.
func WithAnalyserSize(n int) Option {
	return func(p *Platform) {
		if n > 1 {
			size := 1
			for size < n {
				size <<= 1
			}
			p.analyserSize = size
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(p *Platform) {
		if l != nil {
			p.log = l
		}
	}
}
