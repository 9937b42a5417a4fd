// Package model contains domain models passed between layers.
package model

import (
	"errors"
	"fmt"
	"time"
)

// Waveform names an oscillator shape.
type Waveform string

const (
	WaveSine     Waveform = "sine"
	WaveTriangle Waveform = "triangle"
	WaveSquare   Waveform = "square"
	WaveSawtooth Waveform = "sawtooth"
)

// Valid reports whether w is a known waveform.
func (w Waveform) Valid() bool {
	switch w {
	case WaveSine, WaveTriangle, WaveSquare, WaveSawtooth:
		return true
	}
	return false
}

// ErrInvalidSession is returned when a session record fails validation.
var ErrInvalidSession = errors.New("invalid session")

// SyncSession is the shared tempo and frequency configuration of one session.
// It is treated as an immutable snapshot once fetched.
type SyncSession struct {
	ID            string    `json:"id"`
	F0            float64   `json:"f0"`
	Waveform      Waveform  `json:"waveform"`
	Ratios        []float64 `json:"ratios"`
	Bar0EpochMs   int64     `json:"bar0_epoch_ms"`
	BPM           float64   `json:"bpm"`
	BeatsPerBar   int       `json:"beats_per_bar"`
	BinauralHz    float64   `json:"binaural_hz,omitempty"`
	GeometricPack string    `json:"geometric_pack,omitempty"`
	IsActive      bool      `json:"is_active"`
	CreatedAtMs   int64     `json:"created_at_ms,omitempty"`
}

// Bar0 returns the epoch of bar zero.
func (s SyncSession) Bar0() time.Time { return time.UnixMilli(s.Bar0EpochMs) }

// Validate checks the fields a store must reject.
func (s SyncSession) Validate() error {
	switch {
	case s.F0 <= 0:
		return fmt.Errorf("%w: f0 must be positive", ErrInvalidSession)
	case s.BPM <= 0:
		return fmt.Errorf("%w: bpm must be positive", ErrInvalidSession)
	case s.BeatsPerBar < 1:
		return fmt.Errorf("%w: beats_per_bar must be at least 1", ErrInvalidSession)
	case s.Waveform != "" && !s.Waveform.Valid():
		return fmt.Errorf("%w: unknown waveform %q", ErrInvalidSession, s.Waveform)
	case s.BinauralHz < 0:
		return fmt.Errorf("%w: binaural_hz must not be negative", ErrInvalidSession)
	}
	for _, r := range s.Ratios {
		if r <= 0 {
			return fmt.Errorf("%w: ratios must be positive", ErrInvalidSession)
		}
	}
	if s.GeometricPack != "" {
		if _, ok := LookupPack(s.GeometricPack); !ok {
			return fmt.Errorf("%w: unknown geometric pack %q", ErrInvalidSession, s.GeometricPack)
		}
	}
	return nil
}

// FrequencyConfig returns the oscillator configuration this session describes.
// A named geometric pack wins over explicit ratios; no ratios means a single
// fundamental.
func (s SyncSession) FrequencyConfig(masterGain float64) FrequencyConfig {
	cfg := FrequencyConfig{
		F0:         s.F0,
		Waveform:   s.Waveform,
		BinauralHz: s.BinauralHz,
		MasterGain: masterGain,
	}
	if cfg.Waveform == "" {
		cfg.Waveform = WaveSine
	}
	if pack, ok := LookupPack(s.GeometricPack); ok {
		cfg.Harmonics = pack.Harmonics
		return cfg
	}
	if len(s.Ratios) == 0 {
		cfg.Harmonics = []Harmonic{{Ratio: 1, Weight: 1}}
		return cfg
	}
	cfg.Harmonics = make([]Harmonic, len(s.Ratios))
	for i, r := range s.Ratios {
		cfg.Harmonics[i] = Harmonic{Ratio: r, Weight: 1 / float64(i+1)}
	}
	return cfg
}
