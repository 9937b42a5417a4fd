package service

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okian/resonance/internal/adapters/mq/relay"
	"github.com/okian/resonance/internal/domain/clocksync"
	"github.com/okian/resonance/internal/domain/dedupe"
	"github.com/okian/resonance/internal/domain/model"
	"github.com/okian/resonance/internal/domain/safety"
	"github.com/okian/resonance/internal/domain/scheduling"
	"github.com/okian/resonance/internal/domain/tempo"
	"github.com/okian/resonance/pkg/clock"
	"github.com/okian/resonance/pkg/logger"
	"github.com/okian/resonance/pkg/metrics"
)

const (
	defaultRecalInterval     = 60 * time.Second
	defaultCountdownInterval = 50 * time.Millisecond
	defaultHeartbeatInterval = 5 * time.Second
	defaultSelfThresholdMs   = 2.0
	defaultPeerThresholdMs   = 10.0
	defaultGain              = 0.5
	peerTimeoutHeartbeats    = 3
	dedupeWindow             = 4096
)

// State is the coordinator's lifecycle state.
type State string

const (
	StateIdle        State = "idle"
	StateCalibrating State = "calibrating"
	StateReady       State = "ready"
	StateCreating    State = "creating"
	StateJoining     State = "joining"
	StatePlaying     State = "playing"
)

// ClockSync is the offset estimator the coordinator drives.
type ClockSync interface {
	scheduling.Converter
	Initialize(ctx context.Context) (clocksync.Offset, error)
	Current() (clocksync.Offset, bool)
	StartAutoRecalibration(interval time.Duration)
	StopAutoRecalibration()
}

// AudioEngine is the scheduler the coordinator feeds.
type AudioEngine interface {
	ScheduleStart(grid *tempo.Grid, conv scheduling.Converter, cfg model.FrequencyConfig) (scheduling.Schedule, error)
	ApplyDriftCorrection(driftMs float64) bool
	Detune() float64
	Stop()
}

// SessionStore persists and fetches session records.
type SessionStore interface {
	CreateSession(ctx context.Context, s model.SyncSession) (model.SyncSession, error)
	JoinSession(ctx context.Context, id, clientID string) (model.SyncSession, error)
	LeaveSession(ctx context.Context, id, clientID string) error
}

// DiagnosticsSink accepts per-bar reports without blocking. A false return
// means the report was dropped.
type DiagnosticsSink interface {
	Enqueue(ctx context.Context, r model.DiagnosticReport) bool
}

// DiagnosticsSinkFunc adapts a function to DiagnosticsSink.
type DiagnosticsSinkFunc func(ctx context.Context, r model.DiagnosticReport) bool

func (f DiagnosticsSinkFunc) Enqueue(ctx context.Context, r model.DiagnosticReport) bool { //nolint:gocritic // hugeParam
	return f(ctx, r)
}

// SessionParams describe a session to create.
type SessionParams struct {
	F0            float64
	Waveform      model.Waveform
	Ratios        []float64
	GeometricPack string
	BPM           float64
	BeatsPerBar   int
	BinauralHz    float64
	Gain          float64
	UserAge       int
}

// Status is a snapshot of the coordinator.
type Status struct {
	State          State
	ClientID       string
	SessionID      string
	Calibrated     bool
	Offset         clocksync.Offset
	Quality        clocksync.Quality
	HasDrift       bool
	LastDrift      model.DriftSample
	PeerDriftMs    float64
	StartAt        time.Time
	TimeUntilStart time.Duration
	Detune         float64
	Warnings       []safety.Warning
	Peers          int
	LastError      string
}

// Coordinator ties clock sync, tempo grid and audio scheduling together for
// one client in one session.
type Coordinator struct {
	clientID          string
	clock             clock.Clock
	log               logger.Logger
	sync              ClockSync
	engine            AudioEngine
	store             SessionStore
	pubsub            relay.PubSub
	diagnostics       DiagnosticsSink
	validator         *safety.Validator
	deduper           dedupe.Deduper
	userAge           int
	gain              float64
	recalInterval     time.Duration
	countdownInterval time.Duration
	heartbeatInterval time.Duration
	selfThresholdMs   float64
	peerThresholdMs   float64

	mu             sync.Mutex
	state          State
	gen            uint64
	session        model.SyncSession
	grid           *tempo.Grid
	startAt        time.Time
	timeUntilStart time.Duration
	warnings       []safety.Warning
	lastDrift      model.DriftSample
	hasDrift       bool
	peerDriftMs    float64
	lastErr        error
	peers          map[string]time.Time
	driftTimer     clock.Timer
	countdownTimer clock.Timer
	heartbeatTimer clock.Timer
	sub            relay.Subscription
	sessCtx        context.Context //nolint:containedctx // lives exactly as long as one playing session
	cancel         context.CancelFunc
}

// NewCoordinator creates a Coordinator in the idle state.
func NewCoordinator(cs ClockSync, engine AudioEngine, store SessionStore, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		clientID:          uuid.NewString(),
		clock:             clock.Real(),
		log:               logger.Nop(),
		sync:              cs,
		engine:            engine,
		store:             store,
		validator:         safety.NewValidator(safety.DefaultLimits()),
		gain:              defaultGain,
		recalInterval:     defaultRecalInterval,
		countdownInterval: defaultCountdownInterval,
		heartbeatInterval: defaultHeartbeatInterval,
		selfThresholdMs:   defaultSelfThresholdMs,
		peerThresholdMs:   defaultPeerThresholdMs,
		state:             StateIdle,
		peers:             make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.deduper == nil {
		c.deduper = dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(dedupeWindow))
	}
	c.log = c.log.Named("coordinator")
	return c
}

// ClientID returns the id this coordinator announces.
func (c *Coordinator) ClientID() string { return c.clientID }

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.log.Debug(context.Background(), "state transition",
		logger.String("from", string(c.state)),
		logger.String("to", string(s)),
	)
	c.state = s
	metrics.RecordStateTransition(string(s))
}

// InitializeClockSync calibrates against the time reference. On success the
// coordinator is ready and recalibrates periodically; on failure it returns
// to idle.
func (c *Coordinator) InitializeClockSync(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateReady {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot calibrate while %s", ErrInvalidState, st)
	}
	c.setStateLocked(StateCalibrating)
	c.mu.Unlock()

	off, err := c.sync.Initialize(ctx)

	c.mu.Lock()
	if c.state != StateCalibrating {
		c.mu.Unlock()
		return fmt.Errorf("%w: stopped during calibration", ErrInvalidState)
	}
	if err != nil {
		c.lastErr = err
		c.setStateLocked(StateIdle)
		c.mu.Unlock()
		return err
	}
	c.lastErr = nil
	c.setStateLocked(StateReady)
	c.mu.Unlock()

	c.sync.StartAutoRecalibration(c.recalInterval)
	c.log.Info(ctx, "clock sync ready",
		logger.Duration("offset", off.Offset),
		logger.Duration("rtt", off.RTT),
		logger.String("quality", string(off.Quality)),
	)
	return nil
}

// CreateSession persists a new session whose bar zero is the current server
// time and schedules playback on it. It returns the session id.
func (c *Coordinator) CreateSession(ctx context.Context, p SessionParams) (string, error) { //nolint:gocritic // hugeParam
	gain := p.Gain
	if gain <= 0 {
		gain = c.gain
	}
	res := c.validator.Validate(safety.Request{F0: p.F0, BinauralHz: p.BinauralHz, Gain: gain, UserAge: p.UserAge})

	c.mu.Lock()
	if c.state != StateReady {
		st := c.state
		c.mu.Unlock()
		return "", fmt.Errorf("%w: cannot create session while %s", ErrInvalidState, st)
	}
	c.warnings = res.Warnings
	if res.Critical() {
		c.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrUnsafeConfig, criticalMessage(res))
	}
	c.setStateLocked(StateCreating)
	c.mu.Unlock()

	record := model.SyncSession{
		F0:            res.AdjustedF0,
		Waveform:      p.Waveform,
		Ratios:        slices.Clone(p.Ratios),
		GeometricPack: p.GeometricPack,
		BPM:           p.BPM,
		BeatsPerBar:   p.BeatsPerBar,
		BinauralHz:    res.AdjustedHz,
		Bar0EpochMs:   c.sync.ServerTime().UnixMilli(),
	}
	created, err := c.store.CreateSession(ctx, record)
	if err != nil {
		c.abort(ctx, StateCreating, err)
		return "", fmt.Errorf("%w: create: %w", ErrSessionOperationFailed, err)
	}
	if err := c.startPlaying(ctx, StateCreating, created, res); err != nil {
		return "", err
	}
	return created.ID, nil
}

// JoinSession registers this client with an existing session and schedules
// playback on its grid.
func (c *Coordinator) JoinSession(ctx context.Context, id string) error {
	c.mu.Lock()
	if c.state != StateReady {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot join session while %s", ErrInvalidState, st)
	}
	c.setStateLocked(StateJoining)
	c.mu.Unlock()

	joined, err := c.store.JoinSession(ctx, id, c.clientID)
	if err != nil {
		c.abort(ctx, StateJoining, err)
		return fmt.Errorf("%w: join %s: %w", ErrSessionOperationFailed, id, err)
	}

	res := c.validator.Validate(safety.Request{F0: joined.F0, BinauralHz: joined.BinauralHz, Gain: c.gain, UserAge: c.userAge})
	if res.Critical() {
		c.mu.Lock()
		c.warnings = res.Warnings
		c.mu.Unlock()
		c.abort(ctx, StateJoining, nil)
		c.undoJoin(ctx, StateJoining, joined.ID)
		return fmt.Errorf("%w: %s", ErrUnsafeConfig, criticalMessage(res))
	}
	joined.F0 = res.AdjustedF0
	joined.BinauralHz = res.AdjustedHz
	return c.startPlaying(ctx, StateJoining, joined, res)
}

// abort returns from a pending state to ready without retaining anything.
func (c *Coordinator) abort(ctx context.Context, from State, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return
	}
	if err != nil {
		c.lastErr = err
		c.log.Error(ctx, "session operation failed", logger.String("state", string(from)), logger.Error(err))
	}
	c.setStateLocked(StateReady)
}

// undoJoin drops the participant registration made by a join that did not
// reach playback. Creates register nobody, so there is nothing to undo.
func (c *Coordinator) undoJoin(ctx context.Context, from State, id string) {
	if from != StateJoining {
		return
	}
	if err := c.store.LeaveSession(ctx, id, c.clientID); err != nil {
		c.log.Warn(ctx, "leave after failed join failed", logger.String("session", id), logger.Error(err))
	}
}

func (c *Coordinator) startPlaying(ctx context.Context, from State, s model.SyncSession, res safety.Result) error { //nolint:gocritic // hugeParam
	grid, err := tempo.FromSession(s)
	if err != nil {
		c.abort(ctx, from, err)
		c.undoJoin(ctx, from, s.ID)
		return fmt.Errorf("%w: %w", ErrSessionOperationFailed, err)
	}
	schedule, err := c.engine.ScheduleStart(grid, c.sync, s.FrequencyConfig(res.AdjustedGain))
	if err != nil {
		c.abort(ctx, from, err)
		c.undoJoin(ctx, from, s.ID)
		return fmt.Errorf("%w: schedule: %w", ErrSessionOperationFailed, err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	untilStart := schedule.StartServer.Sub(c.sync.ServerTime())

	c.mu.Lock()
	if c.state != from {
		c.mu.Unlock()
		cancel()
		c.engine.Stop()
		c.undoJoin(ctx, from, s.ID)
		return fmt.Errorf("%w: stopped before playback", ErrInvalidState)
	}
	c.gen++
	gen := c.gen
	c.session = s
	c.grid = grid
	c.startAt = schedule.StartServer
	c.timeUntilStart = max(untilStart, 0)
	c.warnings = res.Warnings
	c.hasDrift = false
	c.lastDrift = model.DriftSample{}
	c.peerDriftMs = 0
	c.lastErr = nil
	c.sessCtx = sessCtx
	c.cancel = cancel
	c.setStateLocked(StatePlaying)

	c.driftTimer = c.clock.AfterFunc(max(untilStart, 0), func() { c.firstBar(gen) })
	if untilStart > 0 {
		c.countdownTimer = c.clock.Every(c.countdownInterval, func() { c.countdownTick(gen) })
	}
	if c.pubsub != nil {
		c.heartbeatTimer = c.clock.Every(c.heartbeatInterval, func() { c.heartbeat(gen) })
	}
	c.mu.Unlock()

	c.log.Info(ctx, "playback scheduled",
		logger.String("session", s.ID),
		logger.Int64("bar", schedule.BarIndex),
		logger.Int64("start_ms", schedule.StartServer.UnixMilli()),
		logger.Duration("until_start", untilStart),
		logger.Int("warnings", len(res.Warnings)),
	)

	if c.pubsub != nil {
		c.subscribe(sessCtx, gen, s.ID)
		c.heartbeat(gen)
	}
	return nil
}

func (c *Coordinator) subscribe(ctx context.Context, gen uint64, sessionID string) {
	sub, err := c.pubsub.Subscribe(ctx, model.SessionChannel(sessionID), c.onRelayMessage)
	if err != nil {
		// Peer correction is best effort; self-measured drift keeps working.
		c.log.Warn(ctx, "relay subscribe failed", logger.String("session", sessionID), logger.Error(err))
		return
	}
	c.mu.Lock()
	if c.gen != gen || c.state != StatePlaying {
		c.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	c.sub = sub
	c.mu.Unlock()
}

func (c *Coordinator) firstBar(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.state != StatePlaying {
		c.mu.Unlock()
		return
	}
	c.driftTimer = c.clock.Every(c.grid.BarLength(), func() { c.onBar(gen) })
	c.mu.Unlock()
	c.onBar(gen)
}

// MeasureDrift compares the current server time with the nearest bar
// boundary of the session grid. It reports false when no session is playing.
//
// The nearest boundary is used rather than the start of the bar containing
// now, so a tick that fires early yields a negative drift instead of almost
// a full bar. |DriftMs| never exceeds half a bar.
func (c *Coordinator) MeasureDrift() (model.DriftSample, bool) {
	c.mu.Lock()
	grid := c.grid
	c.mu.Unlock()
	if grid == nil {
		return model.DriftSample{}, false
	}
	now := c.sync.ServerTime()
	idx, start := grid.NearestBoundary(now)
	return model.DriftSample{
		BarIndex:   idx,
		BarStart:   start,
		ServerTime: now,
		DriftMs:    msBetween(start, now),
		Source:     "self",
	}, true
}

func (c *Coordinator) onBar(gen uint64) {
	sample, ok := c.MeasureDrift()
	if !ok {
		return
	}
	c.mu.Lock()
	if c.gen != gen || c.state != StatePlaying {
		c.mu.Unlock()
		return
	}
	c.lastDrift = sample
	c.hasDrift = true
	sessionID := c.session.ID
	ctx := c.sessionContextLocked()
	c.mu.Unlock()

	metrics.RecordBarDrift(sample.DriftMs)

	if c.pubsub != nil {
		mark := model.RelayMessage{
			Type:      model.MessageBarMark,
			MessageID: uuid.NewString(),
			SenderID:  c.clientID,
			SessionID: sessionID,
			SentAtMs:  sample.ServerTime.UnixMilli(),
			BarMark:   &model.BarMark{BarIndex: sample.BarIndex, BarEpochMs: sample.ServerTime.UnixMilli()},
		}
		if err := c.pubsub.Publish(ctx, model.SessionChannel(sessionID), mark); err != nil {
			c.log.Debug(ctx, "bar mark not published", logger.Error(err))
		}
	}

	c.report(ctx, sessionID, sample)

	if math.Abs(sample.DriftMs) > c.selfThresholdMs && c.engine.ApplyDriftCorrection(sample.DriftMs) {
		metrics.RecordDriftCorrection(sample.Source)
		c.log.Debug(ctx, "drift corrected",
			logger.Int64("bar", sample.BarIndex),
			logger.Float64("drift_ms", sample.DriftMs),
		)
	}
}

func (c *Coordinator) report(ctx context.Context, sessionID string, sample model.DriftSample) { //nolint:gocritic // hugeParam
	if c.diagnostics == nil {
		return
	}
	off, _ := c.sync.Current()
	r := model.DiagnosticReport{
		ClientID:       c.clientID,
		SessionID:      sessionID,
		ClientOffsetMs: durationMs(off.Offset),
		RTTMs:          durationMs(off.RTT),
		BarDriftMs:     sample.DriftMs,
		SyncQuality:    string(off.Quality),
		BarIndex:       sample.BarIndex,
		ReportedAtMs:   sample.ServerTime.UnixMilli(),
	}
	if !c.diagnostics.Enqueue(ctx, r) {
		c.log.Debug(ctx, "diagnostics report dropped", logger.Int64("bar", sample.BarIndex))
	}
}

func (c *Coordinator) onRelayMessage(m model.RelayMessage) { //nolint:gocritic // hugeParam
	if m.SenderID == "" || m.SenderID == c.clientID {
		return
	}
	c.mu.Lock()
	if c.state != StatePlaying || m.SessionID != c.session.ID {
		c.mu.Unlock()
		return
	}
	c.peers[m.SenderID] = c.clock.Now()
	grid := c.grid
	gen := c.gen
	ctx := c.sessionContextLocked()
	c.mu.Unlock()

	if m.Type != model.MessageBarMark || m.BarMark == nil {
		return
	}
	if c.deduper.SeenAndRecord(ctx, m.DedupeKey()) {
		metrics.RecordRelayDuplicate()
		return
	}

	drift := msBetween(grid.BarStart(m.BarMark.BarIndex), time.UnixMilli(m.BarMark.BarEpochMs))

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.peerDriftMs = drift
	c.mu.Unlock()

	if math.Abs(drift) > c.peerThresholdMs && c.engine.ApplyDriftCorrection(drift) {
		metrics.RecordDriftCorrection("peer")
		c.log.Debug(ctx, "peer drift corrected",
			logger.String("peer", m.SenderID),
			logger.Int64("bar", m.BarMark.BarIndex),
			logger.Float64("drift_ms", drift),
		)
	}
}

func (c *Coordinator) heartbeat(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.state != StatePlaying {
		c.mu.Unlock()
		return
	}
	sessionID := c.session.ID
	ctx := c.sessionContextLocked()
	c.mu.Unlock()

	msg := model.RelayMessage{
		Type:      model.MessageHeartbeat,
		MessageID: uuid.NewString(),
		SenderID:  c.clientID,
		SessionID: sessionID,
		SentAtMs:  c.sync.ServerTime().UnixMilli(),
	}
	if err := c.pubsub.Publish(ctx, model.SessionChannel(sessionID), msg); err != nil {
		c.log.Debug(ctx, "heartbeat not published", logger.Error(err))
	}
}

func (c *Coordinator) countdownTick(gen uint64) {
	remaining := c.startAtFor(gen).Sub(c.sync.ServerTime())

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return
	}
	if remaining <= 0 {
		remaining = 0
		if c.countdownTimer != nil {
			c.countdownTimer.Stop()
			c.countdownTimer = nil
		}
	}
	c.timeUntilStart = remaining
}

func (c *Coordinator) startAtFor(gen uint64) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return time.Time{}
	}
	return c.startAt
}

// sessionContextLocked must be called with c.mu held.
func (c *Coordinator) sessionContextLocked() context.Context {
	if c.sessCtx == nil {
		return context.Background()
	}
	return c.sessCtx
}

// Stop cancels every timer, drops the relay subscription and stops audio.
// The coordinator ends idle. Safe to call in any state, any number of times.
func (c *Coordinator) Stop(ctx context.Context) {
	c.mu.Lock()
	wasPlaying := c.state == StatePlaying
	c.gen++
	for _, t := range []clock.Timer{c.driftTimer, c.countdownTimer, c.heartbeatTimer} {
		if t != nil {
			t.Stop()
		}
	}
	c.driftTimer, c.countdownTimer, c.heartbeatTimer = nil, nil, nil
	sub := c.sub
	c.sub = nil
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.sessCtx = nil
	sessionID := c.session.ID
	c.session = model.SyncSession{}
	c.grid = nil
	c.startAt = time.Time{}
	c.timeUntilStart = 0
	c.hasDrift = false
	c.peerDriftMs = 0
	clear(c.peers)
	c.setStateLocked(StateIdle)
	c.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	c.deduper.Reset()
	c.engine.Stop()
	c.sync.StopAutoRecalibration()

	if wasPlaying {
		c.log.Info(ctx, "playback stopped", logger.String("session", sessionID))
	}
}

// Leave removes this client from the session and stops. If the store refuses,
// playback continues and ErrSessionOperationFailed is returned.
func (c *Coordinator) Leave(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StatePlaying {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot leave while %s", ErrInvalidState, st)
	}
	sessionID := c.session.ID
	c.mu.Unlock()

	if err := c.store.LeaveSession(ctx, sessionID, c.clientID); err != nil {
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		return fmt.Errorf("%w: leave %s: %w", ErrSessionOperationFailed, sessionID, err)
	}
	c.Stop(ctx)
	return nil
}

// Status returns a snapshot for display.
func (c *Coordinator) Status() Status {
	off, calibrated := c.sync.Current()
	detune := c.engine.Detune()

	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		State:          c.state,
		ClientID:       c.clientID,
		SessionID:      c.session.ID,
		Calibrated:     calibrated,
		Offset:         off,
		Quality:        off.Quality,
		HasDrift:       c.hasDrift,
		LastDrift:      c.lastDrift,
		PeerDriftMs:    c.peerDriftMs,
		StartAt:        c.startAt,
		TimeUntilStart: c.timeUntilStart,
		Warnings:       slices.Clone(c.warnings),
		Peers:          c.livePeersLocked(),
	}
	if c.state == StatePlaying {
		st.Detune = detune
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

func (c *Coordinator) livePeersLocked() int {
	cutoff := c.clock.Now().Add(-peerTimeoutHeartbeats * c.heartbeatInterval)
	n := 0
	for id, seen := range c.peers {
		if seen.Before(cutoff) {
			delete(c.peers, id)
			continue
		}
		n++
	}
	return n
}

func criticalMessage(res safety.Result) string { //nolint:gocritic // hugeParam
	for _, w := range res.Warnings {
		if w.Level == safety.LevelCritical {
			return w.Message
		}
	}
	return "refused"
}

func msBetween(from, to time.Time) float64 {
	return durationMs(to.Sub(from))
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
