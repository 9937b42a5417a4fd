// Package tempo maps wall time onto a fixed grid of musical bars.
package tempo

import (
	"errors"
	"fmt"
	"time"

	"github.com/okian/resonance/internal/domain/model"
)

// ErrInvalidTempoConfig is returned for a non-positive bpm or beats per bar.
var ErrInvalidTempoConfig = errors.New("invalid tempo config")

// Grid is an immutable bar grid anchored at bar zero. All arithmetic is on
// integer nanoseconds so large bar indices do not accumulate error.
type Grid struct {
	bpm         float64
	beatsPerBar int
	bar0        time.Time
	barLength   time.Duration
}

// New builds a grid. bar0 is truncated to millisecond resolution.
func New(bpm float64, beatsPerBar int, bar0 time.Time) (*Grid, error) {
	if !(bpm > 0) {
		return nil, fmt.Errorf("%w: bpm %v must be positive", ErrInvalidTempoConfig, bpm)
	}
	if beatsPerBar < 1 {
		return nil, fmt.Errorf("%w: beats per bar %d must be at least 1", ErrInvalidTempoConfig, beatsPerBar)
	}
	beat := time.Duration(float64(time.Minute) / bpm)
	length := beat * time.Duration(beatsPerBar)
	if length <= 0 {
		return nil, fmt.Errorf("%w: bar length underflows at bpm %v", ErrInvalidTempoConfig, bpm)
	}
	return &Grid{
		bpm:         bpm,
		beatsPerBar: beatsPerBar,
		bar0:        time.UnixMilli(bar0.UnixMilli()),
		barLength:   length,
	}, nil
}

// FromSession builds the grid a session describes.
func FromSession(s model.SyncSession) (*Grid, error) {
	return New(s.BPM, s.BeatsPerBar, s.Bar0())
}

func (g *Grid) BPM() float64             { return g.bpm }
func (g *Grid) BeatsPerBar() int         { return g.beatsPerBar }
func (g *Grid) Bar0() time.Time          { return g.bar0 }
func (g *Grid) BarLength() time.Duration { return g.barLength }

// BarIndexAt returns the index of the bar containing t. Times before bar zero
// give negative indices.
func (g *Grid) BarIndexAt(t time.Time) int64 {
	elapsed := t.Sub(g.bar0)
	idx := int64(elapsed / g.barLength)
	if elapsed%g.barLength < 0 {
		idx--
	}
	return idx
}

// BarStart returns the start instant of bar n.
func (g *Grid) BarStart(n int64) time.Time {
	return g.bar0.Add(time.Duration(n) * g.barLength)
}

// NextBarStart returns the start of the bar after the one containing t. At an
// exact boundary this is the following bar, never t itself.
func (g *Grid) NextBarStart(t time.Time) time.Time {
	return g.BarStart(g.BarIndexAt(t) + 1)
}

// TimeUntilNextBar is NextBarStart(t) - t; always positive.
func (g *Grid) TimeUntilNextBar(t time.Time) time.Duration {
	return g.NextBarStart(t).Sub(t)
}

// NearestBoundary returns the bar boundary closest to t. Ties go to the
// earlier boundary.
func (g *Grid) NearestBoundary(t time.Time) (int64, time.Time) {
	idx := g.BarIndexAt(t)
	start := g.BarStart(idx)
	if t.Sub(start) > g.barLength/2 {
		idx++
		start = g.BarStart(idx)
	}
	return idx, start
}
