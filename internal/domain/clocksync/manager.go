// Package clocksync estimates the offset between the local clock and a remote
// time reference using NTP-style round-trip probes.
package clocksync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/okian/resonance/pkg/clock"
	"github.com/okian/resonance/pkg/logger"
	"github.com/okian/resonance/pkg/metrics"
)

const (
	defaultInitialProbes = 9
	defaultRecalProbes   = 5
	defaultSpacing       = 50 * time.Millisecond
	defaultProbeTimeout  = 3 * time.Second
)

// TimeSource returns the reference epoch.
type TimeSource interface {
	Epoch(ctx context.Context) (time.Time, error)
}

// TimeSourceFunc adapts a function to TimeSource.
type TimeSourceFunc func(ctx context.Context) (time.Time, error)

func (f TimeSourceFunc) Epoch(ctx context.Context) (time.Time, error) { return f(ctx) }

// Offset is the result of one calibration. It is replaced wholesale by the
// next successful calibration.
type Offset struct {
	Offset       time.Duration // reference minus local
	RTT          time.Duration // median round trip
	RTTStdDev    time.Duration
	Quality      Quality
	CalibratedAt time.Time // local clock
	Samples      int
}

// Manager owns the current offset estimate.
type Manager struct {
	source        TimeSource
	clock         clock.Clock
	log           logger.Logger
	initialProbes int
	recalProbes   int
	spacing       time.Duration
	probeTimeout  time.Duration

	mu         sync.RWMutex
	current    Offset
	calibrated bool

	calMu sync.Mutex // serializes calibration batches

	timerMu     sync.Mutex
	recalTimer  clock.Timer
	recalCancel context.CancelFunc
}

// New creates a Manager that probes source.
func New(source TimeSource, opts ...Option) *Manager {
	m := &Manager{
		source:        source,
		clock:         clock.Real(),
		log:           logger.Nop(),
		initialProbes: defaultInitialProbes,
		recalProbes:   defaultRecalProbes,
		spacing:       defaultSpacing,
		probeTimeout:  defaultProbeTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize runs the initial calibration burst.
func (m *Manager) Initialize(ctx context.Context) (Offset, error) {
	return m.calibrate(ctx, m.initialProbes, "initial")
}

// Recalibrate runs a lighter burst. The previous offset is kept on failure.
func (m *Manager) Recalibrate(ctx context.Context) (Offset, error) {
	return m.calibrate(ctx, m.recalProbes, "recalibrate")
}

type sample struct {
	offset time.Duration
	rtt    time.Duration
}

func (m *Manager) calibrate(ctx context.Context, probes int, kind string) (Offset, error) {
	m.calMu.Lock()
	defer m.calMu.Unlock()

	began := m.clock.Now()
	samples := make([]sample, 0, probes)
	var lastErr error
	for i := 0; i < probes; i++ {
		if i > 0 {
			if err := m.clock.Sleep(ctx, m.spacing); err != nil {
				lastErr = err
				break
			}
		}
		s, err := m.probe(ctx)
		if err != nil {
			lastErr = err
			metrics.RecordProbeFailure()
			m.log.Warn(ctx, "time probe dropped", logger.Int("probe", i), logger.Error(err))
			continue
		}
		samples = append(samples, s)
	}

	if len(samples) == 0 {
		metrics.RecordCalibration(kind, false, 0, 0, 0)
		m.log.Error(ctx, "calibration failed", logger.String("kind", kind), logger.Error(lastErr))
		if lastErr == nil {
			return Offset{}, ErrCalibrationFailed
		}
		return Offset{}, fmt.Errorf("%w: %w", ErrCalibrationFailed, lastErr)
	}

	offsets := make([]time.Duration, len(samples))
	rtts := make([]time.Duration, len(samples))
	for i, s := range samples {
		offsets[i] = s.offset
		rtts[i] = s.rtt
	}
	rtt := Median(rtts)
	std := StdDev(rtts)
	result := Offset{
		Offset:       Median(offsets),
		RTT:          rtt,
		RTTStdDev:    std,
		Quality:      ClassifyQuality(rtt, std),
		CalibratedAt: m.clock.Now(),
		Samples:      len(samples),
	}

	m.mu.Lock()
	m.current = result
	m.calibrated = true
	m.mu.Unlock()

	metrics.RecordCalibration(kind, true, result.Offset, result.RTT, result.CalibratedAt.Sub(began))
	m.log.Info(ctx, "clock calibrated",
		logger.String("kind", kind),
		logger.Duration("offset", result.Offset),
		logger.Duration("rtt", result.RTT),
		logger.String("quality", string(result.Quality)),
		logger.Int("samples", result.Samples),
	)
	return result, nil
}

func (m *Manager) probe(ctx context.Context) (sample, error) {
	pctx := ctx
	if m.probeTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, m.probeTimeout)
		defer cancel()
	}
	send := m.clock.Now()
	ref, err := m.source.Epoch(pctx)
	recv := m.clock.Now()
	if err != nil {
		return sample{}, err
	}
	rtt := recv.Sub(send)
	return sample{offset: ref.Add(rtt / 2).Sub(recv), rtt: rtt}, nil
}

// Current returns the latest offset and whether any calibration succeeded.
func (m *Manager) Current() (Offset, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current, m.calibrated
}

// Calibrated reports whether an offset is available.
func (m *Manager) Calibrated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calibrated
}

// ServerTime is the local time corrected by the current offset.
func (m *Manager) ServerTime() time.Time {
	m.mu.RLock()
	off := m.current.Offset
	m.mu.RUnlock()
	return m.clock.Now().Add(off)
}

// StartAutoRecalibration runs Recalibrate every interval, replacing any
// running schedule.
func (m *Manager) StartAutoRecalibration(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())

	m.timerMu.Lock()
	m.stopAutoLocked()
	m.recalCancel = cancel
	m.recalTimer = m.clock.Every(interval, func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := m.Recalibrate(ctx); err != nil {
			m.log.Warn(ctx, "recalibration failed, keeping previous offset", logger.Error(err))
		}
	})
	m.timerMu.Unlock()
}

// StopAutoRecalibration cancels the schedule and any batch it started.
func (m *Manager) StopAutoRecalibration() {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	m.stopAutoLocked()
}

func (m *Manager) stopAutoLocked() {
	if m.recalTimer != nil {
		m.recalTimer.Stop()
		m.recalTimer = nil
	}
	if m.recalCancel != nil {
		m.recalCancel()
		m.recalCancel = nil
	}
}
