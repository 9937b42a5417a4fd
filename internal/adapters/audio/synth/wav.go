package synth

import (
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	wavBitDepth  = 16
	wavChannels  = 2
	wavFormatPCM = 1
	wavMaxInt16  = 1<<15 - 1
)

// Recorder writes rendered frames to a 16-bit stereo PCM WAV stream.
type Recorder struct {
	mu     sync.Mutex
	enc    *wav.Encoder
	format *audio.Format
	frames int
	closed bool
}

// NewRecorder starts a WAV stream on w.
func NewRecorder(w io.WriteSeeker, sampleRate int) *Recorder {
	return &Recorder{
		enc:    wav.NewEncoder(w, sampleRate, wavBitDepth, wavChannels, wavFormatPCM),
		format: &audio.Format{NumChannels: wavChannels, SampleRate: sampleRate},
	}
}

// Write encodes interleaved stereo samples, clipping to [-1, 1].
func (r *Recorder) Write(frames []float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("write wav: %w", ErrClosed)
	}
	data := make([]int, len(frames))
	for i, s := range frames {
		s = math.Max(-1, math.Min(1, s))
		data[i] = int(math.Round(s * wavMaxInt16))
	}
	buf := &audio.IntBuffer{Format: r.format, Data: data, SourceBitDepth: wavBitDepth}
	if err := r.enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	r.frames += len(frames) / wavChannels
	return nil
}

// Frames is the number of stereo frames written.
func (r *Recorder) Frames() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

// Close finalizes the WAV header.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.enc.Close()
}
