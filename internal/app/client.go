package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/okian/resonance/internal/adapters/audio/synth"
	"github.com/okian/resonance/internal/adapters/http/client"
	"github.com/okian/resonance/internal/adapters/mq/queue"
	"github.com/okian/resonance/internal/adapters/mq/relay"
	"github.com/okian/resonance/internal/adapters/mq/worker"
	"github.com/okian/resonance/internal/config"
	"github.com/okian/resonance/internal/domain/clocksync"
	"github.com/okian/resonance/internal/domain/safety"
	"github.com/okian/resonance/internal/domain/scheduling"
	"github.com/okian/resonance/pkg/clock"
	"github.com/okian/resonance/pkg/logger"
)

const defaultPumpBlock = 20 * time.Millisecond

// ClientConfig describes one headless participant.
type ClientConfig struct {
	ServerURL string
	Token     string
	ClientID  string
	Clock     clock.Clock
	Logger    logger.Logger

	InitialProbes       int
	RecalibrateProbes   int
	ProbeSpacing        time.Duration
	ProbeTimeout        time.Duration
	RecalibrateInterval time.Duration

	DriftThresholdMs     float64
	PeerDriftThresholdMs float64
	CorrectionCents      float64
	CorrectionWindow     time.Duration

	FadeIn            time.Duration
	CountdownInterval time.Duration
	HeartbeatInterval time.Duration
	MaxMasterGain     float64
	SampleRate        float64

	Limits  safety.Limits
	Gain    float64
	UserAge int

	DiagnosticsQueueSize int
	// PumpBlock is the render step of the audio pump started by Dial.
	PumpBlock time.Duration
	// Sink receives the rendered audio; nil discards it.
	Sink synth.Sink
	// NoRelay skips the relay; drift correction then relies on self
	// measurement alone.
	NoRelay bool
}

// ClientConfigFrom maps process configuration onto a ClientConfig.
func ClientConfigFrom(cfg *config.Config) ClientConfig {
	return ClientConfig{
		ServerURL:            cfg.ServerURL,
		Token:                cfg.AuthToken,
		InitialProbes:        cfg.InitialProbes,
		RecalibrateProbes:    cfg.RecalibrateProbes,
		ProbeSpacing:         cfg.ProbeSpacing(),
		ProbeTimeout:         cfg.ProbeTimeout(),
		RecalibrateInterval:  cfg.RecalibrateInterval(),
		DriftThresholdMs:     cfg.DriftThresholdMS,
		PeerDriftThresholdMs: cfg.PeerDriftThresholdMS,
		CorrectionCents:      cfg.CorrectionCents,
		CorrectionWindow:     cfg.CorrectionWindow(),
		FadeIn:               cfg.FadeIn(),
		CountdownInterval:    cfg.CountdownInterval(),
		HeartbeatInterval:    cfg.HeartbeatInterval(),
		MaxMasterGain:        cfg.MaxMasterGain,
		SampleRate:           float64(cfg.SampleRate),
		Limits: safety.Limits{
			MaxBinauralHz: cfg.MaxBinauralHz,
			MaxGain:       cfg.MaxGain,
			MinAge:        cfg.MinAge,
		},
		DiagnosticsQueueSize: cfg.DiagnosticsQueueSize,
	}
}

// Client is a Coordinator wired to the HTTP API, the relay and a software
// audio platform.
type Client struct {
	*Coordinator

	API      *client.Client
	Relay    *relay.Client
	Sync     *clocksync.Manager
	Engine   *scheduling.Engine
	Platform *synth.Platform

	clock  clock.Clock
	log    logger.Logger
	queue  *queue.InMemoryQueue
	pool   *worker.Pool
	cancel context.CancelFunc
	pump   *synth.Pump
}

// Dial connects a client to the server at cfg.ServerURL. A relay that cannot
// be reached is logged and skipped.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) { //nolint:gocritic // hugeParam
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	log := cfg.Logger

	api, err := client.New(cfg.ServerURL, client.WithToken(cfg.Token))
	if err != nil {
		return nil, err
	}

	cs := clocksync.New(api,
		clocksync.WithClock(cfg.Clock),
		clocksync.WithLogger(log.Named("clocksync")),
		clocksync.WithInitialProbes(cfg.InitialProbes),
		clocksync.WithRecalibrateProbes(cfg.RecalibrateProbes),
		clocksync.WithProbeSpacing(cfg.ProbeSpacing),
		clocksync.WithProbeTimeout(cfg.ProbeTimeout),
	)

	platform := synth.New(
		synth.WithSampleRate(cfg.SampleRate),
		synth.WithLogger(log.Named("synth")),
	)
	engine := scheduling.New(platform,
		scheduling.WithClock(cfg.Clock),
		scheduling.WithLogger(log.Named("engine")),
		scheduling.WithFadeIn(cfg.FadeIn),
		scheduling.WithMaxMasterGain(cfg.MaxMasterGain),
		scheduling.WithCorrection(cfg.DriftThresholdMs, cfg.CorrectionCents, cfg.CorrectionWindow),
	)
	if err := engine.Initialize(ctx); err != nil {
		return nil, errors.Join(err, engine.Destroy())
	}

	c := &Client{
		API:      api,
		Sync:     cs,
		Engine:   engine,
		Platform: platform,
		clock:    cfg.Clock,
		log:      log,
	}
	// The audio clock only moves while the pump renders, so it runs from
	// here on and a start time scheduled later is reached on time.
	block := cfg.PumpBlock
	if block <= 0 {
		block = defaultPumpBlock
	}
	c.pump = platform.StartPump(cfg.Clock, block, cfg.Sink)

	opts := []CoordinatorOption{
		WithClientID(cfg.ClientID),
		WithClock(cfg.Clock),
		WithCoordinatorLogger(log),
		WithValidator(safety.NewValidator(cfg.Limits)),
		WithUserAge(cfg.UserAge),
		WithGain(cfg.Gain),
		WithRecalibrationInterval(cfg.RecalibrateInterval),
		WithCountdownInterval(cfg.CountdownInterval),
		WithHeartbeatInterval(cfg.HeartbeatInterval),
		WithThresholds(cfg.DriftThresholdMs, cfg.PeerDriftThresholdMs),
	}

	if !cfg.NoRelay {
		rc, err := relay.Dial(ctx, relayURL(api.BaseURL()),
			relay.WithClientToken(cfg.Token),
			relay.WithClientLogger(log.Named("relay")),
		)
		if err != nil {
			log.Warn(ctx, "relay unavailable, peer correction disabled", logger.Error(err))
		} else {
			c.Relay = rc
			opts = append(opts, WithPubSub(rc))
		}
	}

	// Reports are posted by a single background worker so the drift loop
	// never waits on the network.
	c.queue = queue.NewInMemoryQueue(queue.WithCapacity(cfg.DiagnosticsQueueSize))
	c.pool = worker.NewPool(1, c.queue, api, worker.WithPoolLogger(log))
	poolCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.pool.Start(poolCtx)
	opts = append(opts, WithDiagnostics(c.queue))

	c.Coordinator = NewCoordinator(cs, engine, api, opts...)
	return c, nil
}

func relayURL(base string) string {
	return strings.TrimRight(base, "/") + "/relay"
}

// StartPump replaces the running pump with one rendering every block into
// sink, which may be nil. The audio clock carries on from where it was.
func (c *Client) StartPump(block time.Duration, sink synth.Sink) {
	if c.pump != nil {
		c.pump.Stop()
	}
	c.pump = c.Platform.StartPump(c.clock, block, sink)
}

// Close stops playback and releases every connection. Pending diagnostics are
// flushed first.
func (c *Client) Close(ctx context.Context) error {
	c.Stop(ctx)
	if c.pump != nil {
		c.pump.Stop()
	}

	var errs []error
	if err := c.pool.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush diagnostics: %w", err))
	}
	c.cancel()
	if c.Relay != nil {
		if err := c.Relay.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close relay: %w", err))
		}
	}
	if err := c.Engine.Destroy(); err != nil {
		errs = append(errs, fmt.Errorf("close audio: %w", err))
	}
	return errors.Join(errs...)
}
