package synth

import (
	"math"

	"github.com/okian/resonance/internal/domain/model"
	"github.com/okian/resonance/internal/domain/scheduling"
)

type voice struct {
	p        *Platform
	spec     scheduling.VoiceSpec
	phase    float64 // cycles, in [0,1)
	startAt  float64
	stopAt   float64
	gain     *param
	detune   *param
	disposed bool
}

func (v *voice) Start(at float64) {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()
	v.startAt = at
}

func (v *voice) SetGain(value, at float64) {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()
	v.gain.set(value, at)
}

func (v *voice) RampGain(target, endAt float64) {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()
	v.gain.rampTo(target, endAt)
}

func (v *voice) SetDetune(cents, at float64) {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()
	v.detune.set(cents, at)
}

func (v *voice) Stop(at float64) {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()
	if at < v.stopAt {
		v.stopAt = at
	}
}

func (v *voice) Dispose() {
	v.p.mu.Lock()
	defer v.p.mu.Unlock()
	v.disposed = true
	v.p.removeLocked(v)
}

// sample returns the voice output at time t and advances its phase by one
// frame. It must be called with the platform lock held.
func (v *voice) sample(t, sampleRate float64) float64 {
	if t < v.startAt || t >= v.stopAt {
		return 0
	}
	freq := v.spec.FrequencyHz * math.Pow(2, v.detune.valueAt(t)/1200)
	out := oscillate(v.spec.Waveform, v.phase) * v.gain.valueAt(t)
	v.phase += freq / sampleRate
	v.phase -= math.Floor(v.phase)
	return out
}

func oscillate(w model.Waveform, phase float64) float64 {
	switch w {
	case model.WaveSquare:
		if phase < 0.5 {
			return 1
		}
		return -1
	case model.WaveSawtooth:
		return 2*phase - 1
	case model.WaveTriangle:
		return 1 - 4*math.Abs(phase-0.5)
	default:
		return math.Sin(2 * math.Pi * phase)
	}
}
