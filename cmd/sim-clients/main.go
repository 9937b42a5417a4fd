package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	service "github.com/okian/resonance/internal/app"
	"github.com/okian/resonance/internal/config"
	"github.com/okian/resonance/internal/simulate"
	"github.com/okian/resonance/pkg/logger"
)

// Extra time allowed on top of the play duration for dialing and calibration.
const setupTimeout = time.Minute

func main() {
	var (
		baseURL   = flag.String("url", "", "Base URL of the server (default: server_url from config)")
		token     = flag.String("token", "", "Bearer token (default: auth_token from config)")
		clients   = flag.Int("clients", simulate.DefaultClients, "Number of simulated clients")
		maxSkew   = flag.Duration("skew", simulate.DefaultMaxSkew, "Largest local clock skew; clients are spread over [-skew, +skew]")
		duration  = flag.Duration("duration", simulate.DefaultDuration, "How long the clients play")
		tolerance = flag.Duration("tolerance", simulate.DefaultTolerance, "Largest accepted spread of start instants")
		f0        = flag.Float64("f0", 110, "Fundamental frequency in Hz")
		bpm       = flag.Float64("bpm", 60, "Tempo in beats per minute")
		beats     = flag.Int("beats", 4, "Beats per bar")
		gain      = flag.Float64("gain", 0.4, "Requested master gain")
		noRelay   = flag.Bool("no-relay", false, "Skip the peer relay")
		verbose   = flag.Bool("verbose", false, "Enable debug logging")
	)
	flag.Parse()

	if err := logger.Init(); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *verbose {
		_ = logger.SetLevelString("debug")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration+setupTimeout)
	defer cancel()

	cfg, err := config.Load(ctx)
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	base := service.ClientConfigFrom(cfg)
	base.NoRelay = *noRelay

	run := simulate.Config{
		BaseURL:   cfg.ServerURL,
		Token:     cfg.AuthToken,
		Clients:   *clients,
		MaxSkew:   *maxSkew,
		Duration:  *duration,
		Tolerance: *tolerance,
		Session:   service.SessionParams{F0: *f0, BPM: *bpm, BeatsPerBar: *beats, Gain: *gain},
		Base:      base,
		Logger:    logger.Get(),
	}
	if *baseURL != "" {
		run.BaseURL = *baseURL
	}
	if *token != "" {
		run.Token = *token
	}

	report, err := simulate.Run(ctx, run)
	if err != nil {
		os.Stderr.WriteString("simulation failed: " + err.Error() + "\n")
		cancel()
		os.Exit(1)
	}
	if err := simulate.Verify(report, *tolerance); err != nil {
		os.Stderr.WriteString("verification failed: " + err.Error() + "\n")
		cancel()
		os.Exit(1)
	}
	logger.Get().Info(ctx, "clients aligned", logger.Duration("spread", report.StartSpread))
}
