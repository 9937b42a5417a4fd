// Package synth is a software audio platform. Its audio clock is the number
// of frames rendered divided by the sample rate, so scheduled parameter
// changes land on exact frames.
package synth

import (
	"errors"
	"math"
	"slices"
	"sync"

	"github.com/okian/resonance/internal/domain/scheduling"
	"github.com/okian/resonance/pkg/logger"
)

// ErrClosed is returned when creating voices on a closed platform.
var ErrClosed = errors.New("synth platform closed")

const (
	defaultSampleRate   = 48000
	defaultBaseLatency  = 0.01
	defaultAnalyserSize = 2048
)

// Platform renders voices into interleaved stereo frames.
type Platform struct {
	sampleRate   float64
	baseLatency  float64
	caps         scheduling.Capabilities
	analyserSize int
	log          logger.Logger

	mu       sync.Mutex
	frames   int64
	voices   []*voice
	closed   bool
	analyser *analyser
}

// New creates a platform with full capabilities.
func New(opts ...Option) *Platform {
	p := &Platform{
		sampleRate:   defaultSampleRate,
		baseLatency:  defaultBaseLatency,
		caps:         scheduling.Capabilities{LowLevelProcessing: true, StereoOutput: true, Analysis: true},
		analyserSize: defaultAnalyserSize,
		log:          logger.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.analyser = newAnalyser(p.analyserSize, p.sampleRate)
	return p
}

func (p *Platform) CurrentTime() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return float64(p.frames) / p.sampleRate
}

func (p *Platform) BaseLatency() float64                  { return p.baseLatency }
func (p *Platform) SampleRate() float64                   { return p.sampleRate }
func (p *Platform) Capabilities() scheduling.Capabilities { return p.caps }

// Frames returns how many frames have been rendered.
func (p *Platform) Frames() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames
}

func (p *Platform) NewVoice(spec scheduling.VoiceSpec) (scheduling.Voice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	v := &voice{
		p:       p,
		spec:    spec,
		startAt: math.Inf(1),
		stopAt:  math.Inf(1),
		gain:    newParam(1),
		detune:  newParam(0),
	}
	p.voices = append(p.voices, v)
	return v, nil
}

// Analyser returns the spectrum stage, or nil without analysis capability.
func (p *Platform) Analyser() scheduling.Analyser {
	if !p.caps.Analysis {
		return nil
	}
	return p.analyser
}

// PeakFrequency is the frequency of the strongest analyser bin.
func (p *Platform) PeakFrequency() float64 {
	return p.analyser.peak()
}

// Close drops every voice. Rendering afterwards yields silence.
func (p *Platform) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.voices = nil
	return nil
}

// ActiveVoices is the number of voices not yet disposed.
func (p *Platform) ActiveVoices() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.voices)
}

func (p *Platform) removeLocked(v *voice) {
	if i := slices.Index(p.voices, v); i >= 0 {
		p.voices = slices.Delete(p.voices, i, i+1)
	}
}

// Render produces n interleaved stereo frames and advances the audio clock.
func (p *Platform) Render(n int) []float64 {
	if n <= 0 {
		return nil
	}
	out := make([]float64, 2*n)
	mono := make([]float64, n)

	p.mu.Lock()
	for i := 0; i < n; i++ {
		t := float64(p.frames+int64(i)) / p.sampleRate
		var l, r float64
		for _, v := range p.voices {
			s := v.sample(t, p.sampleRate)
			switch v.spec.Channel {
			case scheduling.ChannelLeft:
				l += s
			case scheduling.ChannelRight:
				r += s
			default:
				l += s
				r += s
			}
		}
		out[2*i], out[2*i+1] = l, r
		mono[i] = (l + r) / 2
	}
	p.frames += int64(n)
	now := float64(p.frames) / p.sampleRate
	for _, v := range p.voices {
		v.gain.advance(now)
		v.detune.advance(now)
	}
	p.mu.Unlock()

	p.analyser.push(mono)
	return out
}
