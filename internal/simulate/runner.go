// Package simulate runs several headless clients with skewed clocks against a
// reference server and reports how closely their sessions start together.
package simulate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	service "github.com/okian/resonance/internal/app"
	"github.com/okian/resonance/pkg/clock"
	"github.com/okian/resonance/pkg/logger"
)

// Default run parameters.
const (
	DefaultClients   = 4
	DefaultMaxSkew   = 250 * time.Millisecond
	DefaultDuration  = 10 * time.Second
	DefaultTolerance = 10 * time.Millisecond
)

// Skews spreads n skews evenly over [-maxSkew, +maxSkew]. A single client
// runs unskewed.
func Skews(n int, maxSkew time.Duration) []time.Duration {
	if n <= 0 {
		return nil
	}
	out := make([]time.Duration, n)
	if n == 1 {
		return out
	}
	step := 2 * maxSkew / time.Duration(n-1)
	for i := range out {
		out[i] = -maxSkew + time.Duration(i)*step
	}
	return out
}

// Run dials cfg.Clients clients, lets the first create a session and the rest
// join it, plays for cfg.Duration and reports the result.
func Run(ctx context.Context, cfg Config) (*Report, error) { //nolint:gocritic // hugeParam
	if cfg.Clients <= 0 {
		return nil, fmt.Errorf("%w: clients must be positive", ErrInvalidConfig)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base url is required", ErrInvalidConfig)
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultTolerance
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}

	started := time.Now()
	log.Info(ctx, "starting resonance simulation",
		logger.String("baseURL", cfg.BaseURL),
		logger.Int("clients", cfg.Clients),
		logger.String("maxSkew", cfg.MaxSkew.String()),
		logger.String("duration", cfg.Duration.String()))

	skews := Skews(cfg.Clients, cfg.MaxSkew)
	clients := make([]*service.Client, cfg.Clients)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, c := range clients {
			if c == nil {
				continue
			}
			if err := c.Close(closeCtx); err != nil {
				log.Warn(closeCtx, "closing client", logger.String("client", c.Status().ClientID), logger.Error(err))
			}
		}
	}()

	// Step 1: dial and calibrate every client
	g, gctx := errgroup.WithContext(ctx)
	for i := range clients {
		g.Go(func() error {
			cc := cfg.Base
			cc.ServerURL = cfg.BaseURL
			cc.Token = cfg.Token
			cc.ClientID = fmt.Sprintf("sim-%02d", i)
			cc.Clock = clock.WithSkew(clock.Real(), skews[i])
			cc.Logger = log.Named(cc.ClientID)

			c, err := service.Dial(gctx, cc)
			if err != nil {
				return fmt.Errorf("dial %s: %w", cc.ClientID, err)
			}
			clients[i] = c
			if err := c.InitializeClockSync(gctx); err != nil {
				return fmt.Errorf("calibrate %s: %w", cc.ClientID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Step 2: the first client creates, the others join
	id, err := clients[0].CreateSession(ctx, cfg.Session)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	log.Info(ctx, "session created", logger.String("session", id))

	g, gctx = errgroup.WithContext(ctx)
	for _, c := range clients[1:] {
		g.Go(func() error {
			if err := c.JoinSession(gctx, id); err != nil {
				return fmt.Errorf("join %s: %w", c.Status().ClientID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Step 3: play
	if err := clock.Real().Sleep(ctx, cfg.Duration); err != nil {
		return nil, err
	}

	report := collect(id, clients, skews, cfg.Tolerance)
	report.Duration = time.Since(started)
	displayReport(ctx, log, report)
	return report, nil
}

func collect(id string, clients []*service.Client, skews []time.Duration, tolerance time.Duration) *Report {
	report := &Report{SessionID: id, Clients: make([]ClientResult, len(clients))}

	var earliest, latest time.Time
	for i, c := range clients {
		st := c.Status()
		trueStart := st.StartAt.Add(-st.Offset.Offset - skews[i])
		report.Clients[i] = ClientResult{
			ID:          st.ClientID,
			Skew:        skews[i],
			Offset:      st.Offset.Offset,
			RTT:         st.Offset.RTT,
			Quality:     st.Quality,
			State:       st.State,
			StartAt:     st.StartAt,
			StartError:  trueStart.Sub(st.StartAt),
			LastDriftMs: st.LastDrift.DriftMs,
			PeerDriftMs: st.PeerDriftMs,
			Detune:      st.Detune,
			Peers:       st.Peers,
		}
		if i == 0 || trueStart.Before(earliest) {
			earliest = trueStart
		}
		if i == 0 || trueStart.After(latest) {
			latest = trueStart
		}
	}
	report.StartSpread = latest.Sub(earliest)
	report.Aligned = report.StartSpread <= tolerance
	return report
}

// Verify checks that every client is playing the same session and that
// their start instants agree within tolerance.
func Verify(r *Report, tolerance time.Duration) error {
	if r == nil || len(r.Clients) == 0 {
		return fmt.Errorf("%w: empty report", ErrInvalidConfig)
	}
	var errs []error
	for _, c := range r.Clients {
		if c.State != service.StatePlaying {
			errs = append(errs, fmt.Errorf("%s is %s", c.ID, c.State))
		}
		if !c.StartAt.Equal(r.Clients[0].StartAt) {
			errs = append(errs, fmt.Errorf("%s starts at %s, want %s", c.ID, c.StartAt, r.Clients[0].StartAt))
		}
	}
	if r.StartSpread > tolerance {
		errs = append(errs, fmt.Errorf("%w: spread %s exceeds %s", ErrNotAligned, r.StartSpread, tolerance))
	}
	return errors.Join(errs...)
}

func displayReport(ctx context.Context, log logger.Logger, r *Report) {
	for _, c := range r.Clients {
		log.Info(ctx, "client result",
			logger.String("client", c.ID),
			logger.String("state", string(c.State)),
			logger.String("skew", c.Skew.String()),
			logger.String("offset", c.Offset.String()),
			logger.String("rtt", c.RTT.String()),
			logger.String("quality", string(c.Quality)),
			logger.String("startError", c.StartError.String()),
			logger.Float64("lastDriftMs", c.LastDriftMs),
			logger.Float64("peerDriftMs", c.PeerDriftMs),
			logger.Int("peers", c.Peers))
	}
	log.Info(ctx, "final statistics",
		logger.String("session", r.SessionID),
		logger.Int("clients", len(r.Clients)),
		logger.String("startSpread", r.StartSpread.String()),
		logger.Bool("aligned", r.Aligned),
		logger.String("duration", r.Duration.String()))
}
