// Package service provides the core business service that implements the
// dependencies required by the HTTP API, and the coordinator that drives one
// client's participation in a synchronized session.
package service

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/okian/resonance/internal/adapters/mq/queue"
	"github.com/okian/resonance/internal/adapters/mq/relay"
	"github.com/okian/resonance/internal/adapters/mq/worker"
	"github.com/okian/resonance/internal/adapters/repository"
	"github.com/okian/resonance/internal/adapters/repository/sqlite"
	"github.com/okian/resonance/internal/domain/dedupe"
	"github.com/okian/resonance/internal/domain/model"
	"github.com/okian/resonance/pkg/clock"
	"github.com/okian/resonance/pkg/logger"
	"github.com/okian/resonance/pkg/metrics"
)

const shutdownTimeout = 10 * time.Second

// Service implements the API dependencies of the reference server: the time
// reference, session records, the relay hub and the diagnostics pipeline.
type Service struct {
	mu sync.RWMutex

	// Core components
	store   repository.Store
	hub     *relay.Hub
	deduper dedupe.Deduper
	queue   *queue.InMemoryQueue
	pool    *worker.Pool
	sink    worker.Sink

	// Configuration
	clock           clock.Clock
	dbPath          string
	workerCount     int
	queueSize       int
	dedupeSize      int
	relayBufferSize int

	// State
	started bool

	// Logging
	logger logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithWorkerCount sets the number of diagnostics workers.
func WithWorkerCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.workerCount = count
		}
	}
}

// WithQueueSize sets the capacity of the diagnostics queue.
func WithQueueSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithDedupeSize sets how many diagnostics keys are remembered.
func WithDedupeSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.dedupeSize = size
		}
	}
}

// WithRelayBufferSize sets the per-subscriber relay queue.
func WithRelayBufferSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.relayBufferSize = size
		}
	}
}

// WithDBPath stores sessions in SQLite at path instead of memory.
func WithDBPath(path string) Option {
	return func(s *Service) {
		s.dbPath = path
	}
}

// WithServiceClock sets the reference clock served on /time.
func WithServiceClock(c clock.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithDiagnosticsSink replaces the logging sink that drains diagnostics.
func WithDiagnosticsSink(sink worker.Sink) Option {
	return func(s *Service) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New constructs a new Service with default configuration.
func New(opts ...Option) *Service {
	s := &Service{
		clock:           clock.Real(),
		workerCount:     runtime.NumCPU(),
		queueSize:       10_000,
		dedupeSize:      50_000,
		relayBufferSize: 64,
		logger:          logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sink == nil {
		s.sink = &logSink{log: s.logger.Named("diagnostics")}
	}
	return s
}

// Start opens the store and starts the relay hub and diagnostics workers.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	s.logger.Info(ctx, "starting sync service...")

	if s.dbPath != "" {
		store, err := sqlite.Open(s.dbPath)
		if err != nil {
			return fmt.Errorf("open session store: %w", err)
		}
		s.store = store
		s.logger.Info(ctx, "using sqlite store", logger.String("path", s.dbPath))
	} else {
		s.store = repository.NewMemoryStore(ctx, repository.WithClock(s.clock))
		s.logger.Info(ctx, "using memory store")
	}

	s.hub = relay.NewHub(
		relay.WithBufferSize(s.relayBufferSize),
		relay.WithHubLogger(s.logger.Named("hub")),
	)
	s.deduper = dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(s.dedupeSize))
	s.queue = queue.NewInMemoryQueue(
		queue.WithCapacity(s.queueSize),
		queue.WithBufferSize(s.queueSize),
	)
	s.pool = worker.NewPool(s.workerCount, s.queue, s.sink, worker.WithPoolLogger(s.logger))
	s.pool.Start(ctx)

	s.started = true
	s.logger.Info(ctx, "sync service started",
		logger.Int("workers", s.workerCount),
		logger.Int("queueSize", s.queueSize),
		logger.Bool("sqlite", s.dbPath != ""),
	)
	return nil
}

// Stop drains the diagnostics queue and closes the hub and the store.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info(ctx, "stopping sync service...")

	if err := s.pool.Shutdown(ctx); err != nil {
		s.logger.Warn(ctx, "diagnostics workers did not drain", logger.Error(err))
	}
	if err := s.hub.Close(); err != nil {
		s.logger.Warn(ctx, "closing relay hub", logger.Error(err))
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn(ctx, "closing session store", logger.Error(err))
	}

	s.started = false
	s.logger.Info(ctx, "sync service stopped")
}

func (s *Service) running() (repository.Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return nil, ErrNotStarted
	}
	return s.store, nil
}

// Now returns the reference time.
func (s *Service) Now() time.Time { return s.clock.Now() }

// CreateSession stores a new session record.
func (s *Service) CreateSession(ctx context.Context, in model.SyncSession) (model.SyncSession, error) { //nolint:gocritic // hugeParam
	store, err := s.running()
	if err != nil {
		return model.SyncSession{}, err
	}
	out, err := store.Create(ctx, in)
	if err != nil {
		return model.SyncSession{}, err
	}
	metrics.RecordSessionCreated()
	s.logger.Info(ctx, "session created",
		logger.String("session", out.ID),
		logger.Float64("bpm", out.BPM),
		logger.Int("beatsPerBar", out.BeatsPerBar),
		logger.Int64("bar0", out.Bar0EpochMs),
	)
	return out, nil
}

// GetSession returns one session record.
func (s *Service) GetSession(ctx context.Context, id string) (model.SyncSession, error) {
	store, err := s.running()
	if err != nil {
		return model.SyncSession{}, err
	}
	return store.Get(ctx, id)
}

// JoinSession registers a participant.
func (s *Service) JoinSession(ctx context.Context, id, clientID string) (model.SyncSession, error) {
	store, err := s.running()
	if err != nil {
		return model.SyncSession{}, err
	}
	out, err := store.AddParticipant(ctx, id, clientID)
	if err != nil {
		return model.SyncSession{}, err
	}
	metrics.RecordSessionJoined()
	s.logger.Debug(ctx, "participant joined", logger.String("session", id), logger.String("client", clientID))
	return out, nil
}

// LeaveSession unregisters a participant.
func (s *Service) LeaveSession(ctx context.Context, id, clientID string) error {
	store, err := s.running()
	if err != nil {
		return err
	}
	if err := store.RemoveParticipant(ctx, id, clientID); err != nil {
		return err
	}
	metrics.RecordSessionLeft()
	s.logger.Debug(ctx, "participant left", logger.String("session", id), logger.String("client", clientID))
	return nil
}

// Participants lists the clients registered with a session.
func (s *Service) Participants(ctx context.Context, id string) ([]string, error) {
	store, err := s.running()
	if err != nil {
		return nil, err
	}
	return store.Participants(ctx, id)
}

// Enqueue submits a diagnostics report for asynchronous processing. A report
// repeated for the same client, session and bar is accepted and dropped.
func (s *Service) Enqueue(ctx context.Context, r model.DiagnosticReport) bool { //nolint:gocritic // hugeParam
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return false
	}

	key := fmt.Sprintf("%s:%s:%d", r.ClientID, r.SessionID, r.BarIndex)
	if s.deduper.SeenAndRecord(ctx, key) {
		s.logger.Debug(ctx, "duplicate diagnostics report", logger.String("key", key))
		return true
	}
	if !s.queue.Enqueue(ctx, r) {
		// Let a retry of the same report through once there is room.
		s.deduper.Unrecord(ctx, key)
		return false
	}
	metrics.RecordDiagnosticsReceived()
	return true
}

// Relay returns the pub/sub hub.
func (s *Service) Relay() relay.PubSub {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hub
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx := context.Background()
	stats := map[string]any{
		"started":     s.started,
		"workerCount": s.workerCount,
		"queueSize":   s.queueSize,
		"storage":     "memory",
	}
	if s.dbPath != "" {
		stats["storage"] = "sqlite"
	}

	if s.started {
		queueLen := s.queue.Len(ctx)
		sessions := s.store.Count(ctx)
		channels, subscribers := s.hub.Stats()

		stats["queueLength"] = queueLen
		stats["sessions"] = sessions
		stats["relayChannels"] = channels
		stats["relaySubscribers"] = subscribers
		stats["dedupeSize"] = s.deduper.Size()

		metrics.UpdateQueueSize(queueLen)
		metrics.UpdateSessionsTotal(sessions)
		metrics.UpdateWorkerCount(s.workerCount)
	}

	return stats
}

// logSink is the server's terminal diagnostics sink.
type logSink struct {
	log logger.Logger
}

func (l *logSink) Write(ctx context.Context, r model.DiagnosticReport) error { //nolint:gocritic // hugeParam
	l.log.Info(ctx, "sync report",
		logger.String("client", r.ClientID),
		logger.String("session", r.SessionID),
		logger.Int64("bar", r.BarIndex),
		logger.Float64("offsetMs", r.ClientOffsetMs),
		logger.Float64("rttMs", r.RTTMs),
		logger.Float64("driftMs", r.BarDriftMs),
		logger.String("quality", r.SyncQuality),
	)
	return nil
}
