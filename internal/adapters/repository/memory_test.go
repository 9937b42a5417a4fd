package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/okian/resonance/internal/domain/model"
	"github.com/okian/resonance/pkg/clock"
)

func newSession() model.SyncSession {
	return model.SyncSession{
		F0:          110,
		Ratios:      []float64{1, 1.5, 2},
		Bar0EpochMs: 0,
		BPM:         30,
		BeatsPerBar: 4,
	}
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	fake := clock.NewFake(time.UnixMilli(1_700_000_000_000))
	store := NewMemoryStore(ctx, WithClock(fake))
	defer store.Close()

	created, err := store.Create(ctx, newSession())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected generated id")
	}
	if created.CreatedAtMs != 1_700_000_000_000 {
		t.Errorf("expected created_at from clock, got %d", created.CreatedAtMs)
	}
	if created.Waveform != model.WaveSine {
		t.Errorf("expected default sine waveform, got %s", created.Waveform)
	}
	if !created.IsActive {
		t.Error("expected new session to be active")
	}

	got, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.F0 != 110 || got.BPM != 30 || len(got.Ratios) != 3 {
		t.Errorf("unexpected session %+v", got)
	}

	// Returned copies must not alias stored ratios.
	got.Ratios[0] = 99
	again, _ := store.Get(ctx, created.ID)
	if again.Ratios[0] != 1 {
		t.Errorf("stored ratios were mutated: %v", again.Ratios)
	}

	if store.Count(ctx) != 1 {
		t.Errorf("expected count 1, got %d", store.Count(ctx))
	}
}

func TestMemoryStore_Errors(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(ctx)
	defer store.Close()

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	bad := newSession()
	bad.BPM = 0
	if _, err := store.Create(ctx, bad); !errors.Is(err, model.ErrInvalidSession) {
		t.Errorf("expected ErrInvalidSession, got %v", err)
	}

	s := newSession()
	s.ID = "fixed"
	if _, err := store.Create(ctx, s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.Create(ctx, s); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}

	if _, err := store.AddParticipant(ctx, "fixed", "  "); !errors.Is(err, ErrInvalidClient) {
		t.Errorf("expected ErrInvalidClient, got %v", err)
	}
	if _, err := store.AddParticipant(ctx, "missing", "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := store.RemoveParticipant(ctx, "missing", "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := store.Get(cancelled, "fixed"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestMemoryStore_Participants(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(ctx)
	defer store.Close()

	created, err := store.Create(ctx, newSession())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, c := range []string{"a", "b", "a"} {
		if _, err := store.AddParticipant(ctx, created.ID, c); err != nil {
			t.Fatalf("join %s: %v", c, err)
		}
	}
	ps, err := store.Participants(ctx, created.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ps) != 2 || ps[0] != "a" || ps[1] != "b" {
		t.Errorf("expected [a b], got %v", ps)
	}

	// Leaving twice is a no-op.
	for i := 0; i < 2; i++ {
		if err := store.RemoveParticipant(ctx, created.ID, "a"); err != nil {
			t.Fatalf("leave: %v", err)
		}
	}
	s, _ := store.Get(ctx, created.ID)
	if !s.IsActive {
		t.Error("session should stay active while b remains")
	}

	if err := store.RemoveParticipant(ctx, created.ID, "b"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	s, _ = store.Get(ctx, created.ID)
	if s.IsActive {
		t.Error("session should be inactive once empty")
	}

	s, err = store.AddParticipant(ctx, created.ID, "c")
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if !s.IsActive {
		t.Error("join should reactivate the session")
	}
}

func TestMemoryStore_ConcurrentJoins(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(ctx, WithMetricsUpdateInterval(time.Millisecond))
	defer store.Close()

	created, err := store.Create(ctx, newSession())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	const clients = 50
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = store.AddParticipant(ctx, created.ID, string(rune('A'+i)))
		}(i)
	}
	wg.Wait()

	ps, _ := store.Participants(ctx, created.ID)
	if len(ps) != clients {
		t.Errorf("expected %d participants, got %d", clients, len(ps))
	}
}

func TestMemoryStore_CloseIdempotent(t *testing.T) {
	store := NewMemoryStore(context.Background())
	if err := store.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("unexpected error on second close: %v", err)
	}
}

func TestMemoryStore_MetricsUpdaterFollowsClock(t *testing.T) {
	fake := clock.NewFake(time.UnixMilli(1_700_000_000_000))
	store := NewMemoryStore(context.Background(), WithClock(fake))

	if got := fake.Pending(); got != 1 {
		t.Fatalf("expected the updater on the store clock, got %d timers", got)
	}
	if _, err := store.Create(context.Background(), newSession()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fake.Advance(time.Minute)
	if got := fake.Pending(); got != 1 {
		t.Errorf("expected the updater to keep running, got %d timers", got)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := fake.Pending(); got != 0 {
		t.Errorf("expected Close to stop the updater, got %d timers", got)
	}
	if err := store.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestMemoryStore_MetricsUpdaterStopsWithContext(t *testing.T) {
	fake := clock.NewFake(time.UnixMilli(1_700_000_000_000))
	ctx, cancel := context.WithCancel(context.Background())
	store := NewMemoryStore(ctx, WithClock(fake))
	defer store.Close()

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for fake.Pending() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := fake.Pending(); got != 0 {
		t.Errorf("expected a cancelled context to stop the updater, got %d timers", got)
	}
}
