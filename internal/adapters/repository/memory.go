package repository

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/okian/resonance/internal/domain/model"
	"github.com/okian/resonance/pkg/clock"
	"github.com/okian/resonance/pkg/metrics"
)

type record struct {
	session      model.SyncSession
	participants []string
}

// MemoryStore keeps sessions in a map.
type MemoryStore struct {
	clock                 clock.Clock
	metricsUpdateInterval time.Duration

	mu       sync.RWMutex
	sessions map[string]*record

	wg       sync.WaitGroup
	stopChan chan struct{}
}

// NewMemoryStore constructs a store and starts its metrics updater, which
// stops on Close or when ctx is done.
func NewMemoryStore(ctx context.Context, opts ...Option) *MemoryStore {
	s := &MemoryStore{
		clock:                 clock.Real(),
		metricsUpdateInterval: 5 * time.Second,
		sessions:              make(map[string]*record),
		stopChan:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.startMetricsUpdater(ctx)
	return s
}

func (s *MemoryStore) startMetricsUpdater(ctx context.Context) {
	t := s.clock.Every(s.metricsUpdateInterval, func() {
		metrics.UpdateSessionsTotal(s.Count(ctx))
	})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-ctx.Done():
		case <-s.stopChan:
		}
		t.Stop()
	}()
}

// Close stops the metrics updater.
func (s *MemoryStore) Close() error {
	select {
	case <-s.stopChan:
	default:
		close(s.stopChan)
	}
	s.wg.Wait()
	return nil
}

func (s *MemoryStore) Create(ctx context.Context, in model.SyncSession) (model.SyncSession, error) {
	start := time.Now()
	defer func() { metrics.RecordStoreLatency("create", time.Since(start)) }()
	if err := ctx.Err(); err != nil {
		return model.SyncSession{}, err
	}
	out, err := Prepare(in, s.clock.Now())
	if err != nil {
		return model.SyncSession{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[out.ID]; ok {
		return model.SyncSession{}, ErrAlreadyExists
	}
	out.Ratios = slices.Clone(out.Ratios)
	s.sessions[out.ID] = &record{session: out}
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (model.SyncSession, error) {
	if err := ctx.Err(); err != nil {
		return model.SyncSession{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.sessions[id]
	if !ok {
		return model.SyncSession{}, ErrNotFound
	}
	return copySession(r.session), nil
}

func (s *MemoryStore) AddParticipant(ctx context.Context, id, clientID string) (model.SyncSession, error) {
	start := time.Now()
	defer func() { metrics.RecordStoreLatency("join", time.Since(start)) }()
	if err := ctx.Err(); err != nil {
		return model.SyncSession{}, err
	}
	if err := CheckClient(clientID); err != nil {
		return model.SyncSession{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.sessions[id]
	if !ok {
		return model.SyncSession{}, ErrNotFound
	}
	if !slices.Contains(r.participants, clientID) {
		r.participants = append(r.participants, clientID)
	}
	r.session.IsActive = true
	return copySession(r.session), nil
}

func (s *MemoryStore) RemoveParticipant(ctx context.Context, id, clientID string) error {
	start := time.Now()
	defer func() { metrics.RecordStoreLatency("leave", time.Since(start)) }()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := CheckClient(clientID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if i := slices.Index(r.participants, clientID); i >= 0 {
		r.participants = slices.Delete(r.participants, i, i+1)
		if len(r.participants) == 0 {
			r.session.IsActive = false
		}
	}
	return nil
}

func (s *MemoryStore) Participants(ctx context.Context, id string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(r.participants), nil
}

func (s *MemoryStore) Count(_ context.Context) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func copySession(in model.SyncSession) model.SyncSession {
	in.Ratios = slices.Clone(in.Ratios)
	return in
}
