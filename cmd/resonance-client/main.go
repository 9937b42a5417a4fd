package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/okian/resonance/internal/adapters/audio/synth"
	service "github.com/okian/resonance/internal/app"
	"github.com/okian/resonance/internal/config"
	"github.com/okian/resonance/internal/domain/model"
	"github.com/okian/resonance/pkg/logger"
)

const (
	defaultDuration = 30 * time.Second
	pumpBlock       = 20 * time.Millisecond
	statusInterval  = time.Second
	closeTimeout    = 5 * time.Second
)

type options struct {
	join       string
	f0         float64
	waveform   string
	pack       string
	bpm        float64
	beats      int
	binaural   float64
	gain       float64
	age        int
	duration   time.Duration
	wavPath    string
	noRelay    bool
	clientID   string
	serverURL  string
	authToken  string
	listPacks  bool
	verboseLog bool
}

func main() {
	var o options
	flag.StringVar(&o.join, "join", "", "Join an existing session id instead of creating one")
	flag.Float64Var(&o.f0, "f0", 110, "Fundamental frequency in Hz")
	flag.StringVar(&o.waveform, "waveform", string(model.WaveSine), "Oscillator waveform: sine, triangle, square, sawtooth")
	flag.StringVar(&o.pack, "pack", "", "Built-in harmonic pack (see -packs)")
	flag.Float64Var(&o.bpm, "bpm", 60, "Tempo in beats per minute")
	flag.IntVar(&o.beats, "beats", 4, "Beats per bar")
	flag.Float64Var(&o.binaural, "binaural", 0, "Binaural beat in Hz, 0 disables")
	flag.Float64Var(&o.gain, "gain", 0.4, "Requested master gain")
	flag.IntVar(&o.age, "age", 0, "Listener age for safety checks, 0 if unknown")
	flag.DurationVar(&o.duration, "duration", defaultDuration, "How long to play")
	flag.StringVar(&o.wavPath, "wav", "", "Record the rendered output to this WAV file")
	flag.BoolVar(&o.noRelay, "no-relay", false, "Skip the peer relay")
	flag.StringVar(&o.clientID, "id", "", "Client id (default: random)")
	flag.StringVar(&o.serverURL, "url", "", "Server URL (default: server_url from config)")
	flag.StringVar(&o.authToken, "token", "", "Bearer token (default: auth_token from config)")
	flag.BoolVar(&o.listPacks, "packs", false, "List harmonic packs and exit")
	flag.BoolVar(&o.verboseLog, "verbose", false, "Enable debug logging")
	flag.Parse()

	if o.listPacks {
		os.Stdout.WriteString(strings.Join(model.PackNames(), "\n") + "\n")
		return
	}

	if err := logger.Init(); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	if o.verboseLog {
		_ = logger.SetLevelString("debug")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, o); err != nil {
		logger.Get().Error(ctx, "client failed", logger.Error(err))
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, o options) error { //nolint:gocritic // hugeParam
	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	log := logger.Get()

	cc := service.ClientConfigFrom(cfg)
	if o.serverURL != "" {
		cc.ServerURL = o.serverURL
	}
	if o.authToken != "" {
		cc.Token = o.authToken
	}
	cc.ClientID = o.clientID
	if cc.ClientID == "" {
		cc.ClientID = uuid.NewString()
	}
	cc.Logger = log.Named(cc.ClientID)
	cc.Gain = o.gain
	cc.UserAge = o.age
	cc.NoRelay = o.noRelay

	var rec *synth.Recorder
	if o.wavPath != "" {
		f, err := os.Create(o.wavPath)
		if err != nil {
			return err
		}
		rec = synth.NewRecorder(f, cfg.SampleRate)
		defer func() {
			if err := rec.Close(); err != nil {
				log.Warn(ctx, "closing wav", logger.Error(err))
			}
			_ = f.Close()
			log.Info(ctx, "wav written", logger.String("path", o.wavPath), logger.Int("frames", rec.Frames()))
		}()
	}
	cc.PumpBlock = pumpBlock
	if rec != nil {
		cc.Sink = rec
	}

	c, err := service.Dial(ctx, cc)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := c.Close(closeCtx); err != nil {
			log.Warn(closeCtx, "closing client", logger.Error(err))
		}
	}()

	if err := c.InitializeClockSync(ctx); err != nil {
		return err
	}

	if o.join != "" {
		if err := c.JoinSession(ctx, o.join); err != nil {
			return err
		}
	} else {
		id, err := c.CreateSession(ctx, service.SessionParams{
			F0:            o.f0,
			Waveform:      model.Waveform(o.waveform),
			GeometricPack: o.pack,
			BPM:           o.bpm,
			BeatsPerBar:   o.beats,
			BinauralHz:    o.binaural,
			Gain:          o.gain,
			UserAge:       o.age,
		})
		if err != nil {
			return err
		}
		log.Info(ctx, "session created; others can join with -join", logger.String("session", id))
	}

	for _, w := range c.Status().Warnings {
		log.Warn(ctx, "safety", logger.String("level", string(w.Level)), logger.String("message", w.Message))
	}

	deadline := time.After(o.duration)
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return leave(c)
		case <-deadline:
			return leave(c)
		case <-ticker.C:
			logStatus(ctx, log, c.Status())
		}
	}
}

func leave(c *service.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return c.Leave(ctx)
}

func logStatus(ctx context.Context, log logger.Logger, st service.Status) { //nolint:gocritic // hugeParam
	log.Info(ctx, "status",
		logger.String("state", string(st.State)),
		logger.String("session", st.SessionID),
		logger.Duration("offset", st.Offset.Offset),
		logger.Duration("rtt", st.Offset.RTT),
		logger.String("quality", string(st.Quality)),
		logger.Duration("untilStart", st.TimeUntilStart),
		logger.Float64("driftMs", st.LastDrift.DriftMs),
		logger.Float64("peerDriftMs", st.PeerDriftMs),
		logger.Float64("detune", st.Detune),
		logger.Int("peers", st.Peers))
}
