package synth

import (
	"math"
	"math/cmplx"
	"sync"

	"github.com/mjibson/go-dsp/fft"
)

// analyser keeps the last size mono samples and exposes their spectrum.
type analyser struct {
	sampleRate float64
	window     []float64

	mu   sync.Mutex
	ring []float64
	pos  int
}

func newAnalyser(size int, sampleRate float64) *analyser {
	w := make([]float64, size)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(size-1))
	}
	return &analyser{sampleRate: sampleRate, window: w, ring: make([]float64, size)}
}

func (a *analyser) push(samples []float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range samples {
		a.ring[a.pos] = s
		a.pos = (a.pos + 1) % len(a.ring)
	}
}

// Spectrum returns Hann-windowed magnitudes for the positive frequency bins.
func (a *analyser) Spectrum() []float64 {
	a.mu.Lock()
	frame := make([]float64, len(a.ring))
	for i := range frame {
		frame[i] = a.ring[(a.pos+i)%len(a.ring)] * a.window[i]
	}
	a.mu.Unlock()

	spec := fft.FFTReal(frame)
	mag := make([]float64, len(spec)/2)
	for i := range mag {
		mag[i] = cmplx.Abs(spec[i])
	}
	return mag
}

func (a *analyser) peak() float64 {
	mag := a.Spectrum()
	best := 0
	for i := 1; i < len(mag); i++ {
		if mag[i] > mag[best] {
			best = i
		}
	}
	return float64(best) * a.sampleRate / float64(len(a.ring))
}
