package scheduling

import (
	"github.com/okian/resonance/internal/domain/clocksync"
	"github.com/okian/resonance/internal/domain/model"
)

// Capabilities are what an audio platform can do.
type Capabilities struct {
	LowLevelProcessing bool // sample-accurate scheduling of parameter changes
	StereoOutput       bool // discrete left and right channels
	Analysis           bool // spectrum of the mixed output
}

// Channel routes a voice to the output.
type Channel int

const (
	ChannelBoth Channel = iota
	ChannelLeft
	ChannelRight
)

func (c Channel) String() string {
	switch c {
	case ChannelLeft:
		return "left"
	case ChannelRight:
		return "right"
	default:
		return "both"
	}
}

// VoiceSpec describes one oscillator.
type VoiceSpec struct {
	Waveform    model.Waveform
	FrequencyHz float64
	Channel     Channel
}

// Voice is an oscillator behind a gain envelope. All times are audio clock
// seconds.
type Voice interface {
	Start(at float64)
	SetGain(value, at float64)
	RampGain(target, endAt float64)
	SetDetune(cents, at float64)
	Stop(at float64)
	Dispose()
}

// Analyser exposes the magnitude spectrum of the mixed output.
type Analyser interface {
	Spectrum() []float64
}

// Platform is the audio backend the engine renders on.
type Platform interface {
	clocksync.AudioClock
	Capabilities() Capabilities
	SampleRate() float64
	NewVoice(spec VoiceSpec) (Voice, error)
	Analyser() Analyser
	Close() error
}
