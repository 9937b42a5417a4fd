// Package config defines process configuration structures and loading hooks.
//
// Conventions:
// - Keys are flat snake_case names shared by the YAML file and RESONANCE_ env vars.
// - Durations are configured in milliseconds and exposed as time.Duration helpers.
// - Validation errors wrap ErrInvalidConfig.
package config

import (
	"context"
	"fmt"
	"net/url"
	"runtime"
	"time"
)

// Config contains process configuration for the server and the clients.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// Addr configures the HTTP listen address, e.g. ":9080".
	Addr string `koanf:"addr"`

	// DBPath stores sessions in SQLite when set; memory otherwise.
	DBPath string `koanf:"db_path"`

	// AuthToken is the bearer token required by the API and the relay.
	AuthToken string `koanf:"auth_token"`

	// ServerURL is the base URL clients talk to.
	ServerURL string `koanf:"server_url"`

	// Clock sync.
	InitialProbes         int `koanf:"initial_probes"`
	RecalibrateProbes     int `koanf:"recalibrate_probes"`
	ProbeSpacingMS        int `koanf:"probe_spacing_ms"`
	ProbeTimeoutMS        int `koanf:"probe_timeout_ms"`
	RecalibrateIntervalMS int `koanf:"recalibrate_interval_ms"`

	// Drift correction.
	DriftThresholdMS     float64 `koanf:"drift_threshold_ms"`
	PeerDriftThresholdMS float64 `koanf:"peer_drift_threshold_ms"`
	CorrectionCents      float64 `koanf:"correction_cents"`
	CorrectionWindowMS   int     `koanf:"correction_window_ms"`

	// Playback.
	FadeInMS            int     `koanf:"fade_in_ms"`
	CountdownIntervalMS int     `koanf:"countdown_interval_ms"`
	HeartbeatIntervalMS int     `koanf:"heartbeat_interval_ms"`
	MaxMasterGain       float64 `koanf:"max_master_gain"`
	SampleRate          int     `koanf:"sample_rate"`

	// Safety limits.
	MaxBinauralHz float64 `koanf:"max_binaural_hz"`
	MaxGain       float64 `koanf:"max_gain"`
	MinAge        int     `koanf:"min_age"`

	// Server pipelines.
	RelayBufferSize      int `koanf:"relay_buffer_size"`
	DiagnosticsQueueSize int `koanf:"diagnostics_queue_size"`
	DiagnosticsWorkers   int `koanf:"diagnostics_workers"`
}

// New creates a Config with defaults. Context is accepted first to satisfy
// the project-wide convention.
func New(_ context.Context) *Config {
	return &Config{
		LogLevel:              "info",
		Addr:                  ":9080",
		ServerURL:             "http://localhost:9080",
		InitialProbes:         9,
		RecalibrateProbes:     5,
		ProbeSpacingMS:        50,
		ProbeTimeoutMS:        3000,
		RecalibrateIntervalMS: 60_000,
		DriftThresholdMS:      2,
		PeerDriftThresholdMS:  10,
		CorrectionCents:       2,
		CorrectionWindowMS:    300,
		FadeInMS:              500,
		CountdownIntervalMS:   50,
		HeartbeatIntervalMS:   5000,
		MaxMasterGain:         0.8,
		SampleRate:            48_000,
		MaxBinauralHz:         8,
		MaxGain:               0.5,
		MinAge:                16,
		RelayBufferSize:       64,
		DiagnosticsQueueSize:  10_000,
		DiagnosticsWorkers:    runtime.NumCPU(),
	}
}

// Validate checks the values a process cannot start with.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case c.InitialProbes < 1 || c.RecalibrateProbes < 1:
		return fmt.Errorf("%w: probe counts must be at least 1", ErrInvalidConfig)
	case c.ProbeSpacingMS < 0 || c.ProbeTimeoutMS < 0:
		return fmt.Errorf("%w: probe spacing and timeout must not be negative", ErrInvalidConfig)
	case c.RecalibrateIntervalMS <= 0 || c.CountdownIntervalMS <= 0 || c.HeartbeatIntervalMS <= 0:
		return fmt.Errorf("%w: intervals must be positive", ErrInvalidConfig)
	case c.DriftThresholdMS < 0 || c.PeerDriftThresholdMS < 0:
		return fmt.Errorf("%w: drift thresholds must not be negative", ErrInvalidConfig)
	case c.CorrectionCents <= 0 || c.CorrectionWindowMS <= 0:
		return fmt.Errorf("%w: correction cents and window must be positive", ErrInvalidConfig)
	case c.MaxMasterGain <= 0 || c.MaxGain <= 0:
		return fmt.Errorf("%w: gains must be positive", ErrInvalidConfig)
	case c.SampleRate <= 0:
		return fmt.Errorf("%w: sample_rate must be positive", ErrInvalidConfig)
	}
	if c.ServerURL != "" {
		u, err := url.Parse(c.ServerURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: server_url %q must be an http(s) URL", ErrInvalidConfig, c.ServerURL)
		}
	}
	return nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (c *Config) ProbeSpacing() time.Duration        { return ms(c.ProbeSpacingMS) }
func (c *Config) ProbeTimeout() time.Duration        { return ms(c.ProbeTimeoutMS) }
func (c *Config) RecalibrateInterval() time.Duration { return ms(c.RecalibrateIntervalMS) }
func (c *Config) CorrectionWindow() time.Duration    { return ms(c.CorrectionWindowMS) }
func (c *Config) FadeIn() time.Duration              { return ms(c.FadeInMS) }
func (c *Config) CountdownInterval() time.Duration   { return ms(c.CountdownIntervalMS) }
func (c *Config) HeartbeatInterval() time.Duration   { return ms(c.HeartbeatIntervalMS) }
