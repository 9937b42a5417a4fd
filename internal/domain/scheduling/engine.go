// Package scheduling builds an oscillator graph on an audio platform, starts
// it on a bar boundary and bends its pitch to absorb drift.
package scheduling

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/okian/resonance/internal/domain/clocksync"
	"github.com/okian/resonance/internal/domain/model"
	"github.com/okian/resonance/internal/domain/tempo"
	"github.com/okian/resonance/pkg/clock"
	"github.com/okian/resonance/pkg/logger"
	"github.com/okian/resonance/pkg/metrics"
)

const (
	defaultFadeIn      = 500 * time.Millisecond
	defaultMaxMaster   = 0.8
	defaultThresholdMs = 2.0
	defaultCents       = 2.0
	defaultWindow      = 300 * time.Millisecond
)

// Converter supplies server time and audio clock readings.
type Converter interface {
	ServerTime() time.Time
	ReadContext(ac clocksync.AudioClock) clocksync.ContextReading
}

// Schedule describes a started graph.
type Schedule struct {
	BarIndex    int64
	StartServer time.Time
	StartAudio  float64 // audio clock seconds
	Voices      int
	Binaural    bool
	MasterGain  float64
}

// VoiceInfo describes one voice of the current graph.
type VoiceInfo struct {
	FrequencyHz float64
	Gain        float64
	Channel     Channel
}

type voiceEntry struct {
	voice Voice
	info  VoiceInfo
}

// graphState is everything owned by one scheduled start.
type graphState struct {
	schedule Schedule
	voices   []voiceEntry
	detune   float64
	revert   clock.Timer
	gen      uint64
}

// Engine owns the audio graph of one session.
type Engine struct {
	platform    Platform
	clock       clock.Clock
	log         logger.Logger
	fadeIn      time.Duration
	maxMaster   float64
	thresholdMs float64
	cents       float64
	window      time.Duration

	mu          sync.Mutex
	initialized bool
	destroyed   bool
	graph       *graphState
	gen         uint64
}

// New creates an engine on platform.
func New(platform Platform, opts ...Option) *Engine {
	e := &Engine{
		platform:    platform,
		clock:       clock.Real(),
		log:         logger.Nop(),
		fadeIn:      defaultFadeIn,
		maxMaster:   defaultMaxMaster,
		thresholdMs: defaultThresholdMs,
		cents:       defaultCents,
		window:      defaultWindow,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Initialize checks that the platform can render a synchronized graph.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return fmt.Errorf("%w: engine destroyed", ErrNotInitialized)
	}
	caps := e.platform.Capabilities()
	var missing []string
	if !caps.LowLevelProcessing {
		missing = append(missing, "low-level processing")
	}
	if !caps.StereoOutput {
		missing = append(missing, "stereo output")
	}
	if len(missing) > 0 {
		e.log.Error(ctx, "audio platform rejected", logger.String("missing", strings.Join(missing, ", ")))
		return fmt.Errorf("%w: missing %s", ErrUnsupportedPlatform, strings.Join(missing, ", "))
	}
	e.initialized = true
	return nil
}

// ScheduleStart replaces any current graph with one that fades in at the
// next bar boundary after the current server time.
func (e *Engine) ScheduleStart(grid *tempo.Grid, conv Converter, cfg model.FrequencyConfig) (Schedule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized || e.destroyed {
		return Schedule{}, ErrNotInitialized
	}
	e.teardownLocked()

	serverNow := conv.ServerTime()
	barIndex := grid.BarIndexAt(serverNow) + 1
	startServer := grid.BarStart(barIndex)
	reading := conv.ReadContext(e.platform)
	startAudio := clocksync.ToContextTime(startServer, reading)
	fadeEnd := startAudio + e.fadeIn.Seconds()

	// Zero or negative gain is silence; anything above the cap is capped.
	master := min(max(cfg.MasterGain, 0), e.maxMaster)

	specs, gains := e.topology(cfg, master)
	g := &graphState{
		schedule: Schedule{
			BarIndex:    barIndex,
			StartServer: startServer,
			StartAudio:  startAudio,
			Voices:      len(specs),
			Binaural:    cfg.Binaural(),
			MasterGain:  master,
		},
	}
	for i, spec := range specs {
		v, err := e.platform.NewVoice(spec)
		if err != nil {
			for _, built := range g.voices {
				built.voice.Dispose()
			}
			return Schedule{}, fmt.Errorf("create voice %d: %w", i, err)
		}
		v.SetGain(0, startAudio)
		v.Start(startAudio)
		v.RampGain(gains[i], fadeEnd)
		g.voices = append(g.voices, voiceEntry{
			voice: v,
			info:  VoiceInfo{FrequencyHz: spec.FrequencyHz, Gain: gains[i], Channel: spec.Channel},
		})
	}
	e.graph = g

	metrics.RecordScheduledStart(len(g.voices))
	e.log.Info(context.Background(), "audio start scheduled",
		logger.Int64("bar", barIndex),
		logger.Int64("start_ms", startServer.UnixMilli()),
		logger.Float64("start_audio", startAudio),
		logger.Int("voices", len(g.voices)),
		logger.Bool("binaural", g.schedule.Binaural),
	)
	return g.schedule, nil
}

func (e *Engine) topology(cfg model.FrequencyConfig, master float64) ([]VoiceSpec, []float64) {
	wave := cfg.Waveform
	if wave == "" {
		wave = model.WaveSine
	}
	if cfg.Binaural() {
		weight := 1.0
		if len(cfg.Harmonics) == 1 {
			weight = cfg.Harmonics[0].Weight
		}
		gain := weight * master
		return []VoiceSpec{
			{Waveform: wave, FrequencyHz: cfg.F0, Channel: ChannelLeft},
			{Waveform: wave, FrequencyHz: cfg.F0 + cfg.BinauralHz, Channel: ChannelRight},
		}, []float64{gain, gain}
	}
	harmonics := cfg.Harmonics
	if len(harmonics) == 0 {
		harmonics = []model.Harmonic{{Ratio: 1, Weight: 1}}
	}
	specs := make([]VoiceSpec, len(harmonics))
	gains := make([]float64, len(harmonics))
	for i, h := range harmonics {
		specs[i] = VoiceSpec{Waveform: wave, FrequencyHz: cfg.F0 * h.Ratio, Channel: ChannelBoth}
		gains[i] = h.Weight * master
	}
	return specs, gains
}

// ApplyDriftCorrection detunes every voice against the drift for a short
// window. It reports whether a correction was applied.
func (e *Engine) ApplyDriftCorrection(driftMs float64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	g := e.graph
	if g == nil || math.IsNaN(driftMs) || math.Abs(driftMs) < e.thresholdMs {
		return false
	}

	cents := -e.cents
	if driftMs < 0 {
		cents = e.cents
	}
	now := e.platform.CurrentTime()
	for _, v := range g.voices {
		v.voice.SetDetune(cents, now)
	}
	g.detune = cents

	if g.revert != nil {
		g.revert.Stop()
	}
	e.gen++
	gen := e.gen
	g.gen = gen
	g.revert = e.clock.AfterFunc(e.window, func() { e.revertDetune(g, gen) })
	return true
}

func (e *Engine) revertDetune(g *graphState, gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.graph != g || g.gen != gen {
		return
	}
	now := e.platform.CurrentTime()
	for _, v := range g.voices {
		v.voice.SetDetune(0, now)
	}
	g.detune = 0
	g.revert = nil
}

// Stop disposes the current graph. Safe to call at any time.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.teardownLocked()
}

// Destroy stops the graph and closes the platform. Safe to call twice.
func (e *Engine) Destroy() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.teardownLocked()
	if e.destroyed {
		return nil
	}
	e.destroyed = true
	e.initialized = false
	return e.platform.Close()
}

func (e *Engine) teardownLocked() {
	g := e.graph
	if g == nil {
		return
	}
	e.graph = nil
	if g.revert != nil {
		g.revert.Stop()
		g.revert = nil
	}
	now := e.platform.CurrentTime()
	for _, v := range g.voices {
		v.voice.Stop(now)
		v.voice.Dispose()
	}
	metrics.UpdateActiveVoices(0)
}

// Detune returns the detune in cents currently applied.
func (e *Engine) Detune() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.graph == nil {
		return 0
	}
	return e.graph.detune
}

// Voices describes the current graph.
func (e *Engine) Voices() []VoiceInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.graph == nil {
		return nil
	}
	out := make([]VoiceInfo, len(e.graph.voices))
	for i, v := range e.graph.voices {
		out[i] = v.info
	}
	return out
}

// Scheduled returns the current schedule, if any.
func (e *Engine) Scheduled() (Schedule, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.graph == nil {
		return Schedule{}, false
	}
	return e.graph.schedule, true
}

// Spectrum returns the analyser magnitudes, or nil when the platform has no
// analysis stage.
func (e *Engine) Spectrum() []float64 {
	if !e.platform.Capabilities().Analysis {
		return nil
	}
	a := e.platform.Analyser()
	if a == nil {
		return nil
	}
	return a.Spectrum()
}
