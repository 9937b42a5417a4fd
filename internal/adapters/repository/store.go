// Package repository defines the session store interface, its errors and an
// in-memory implementation.
package repository

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/okian/resonance/internal/domain/model"
)

// Store persists session records and their participants.
type Store interface {
	// Create stores s, assigning an id and creation time when missing.
	Create(ctx context.Context, s model.SyncSession) (model.SyncSession, error)
	// Get returns ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (model.SyncSession, error)
	// AddParticipant registers clientID and returns the session.
	AddParticipant(ctx context.Context, id, clientID string) (model.SyncSession, error)
	// RemoveParticipant unregisters clientID. The session is deactivated
	// when its last participant leaves.
	RemoveParticipant(ctx context.Context, id, clientID string) error
	// Participants lists client ids in join order.
	Participants(ctx context.Context, id string) ([]string, error)
	// Count returns the number of sessions stored.
	Count(ctx context.Context) int
	Close() error
}

// Prepare validates s and fills the generated fields.
func Prepare(s model.SyncSession, now time.Time) (model.SyncSession, error) {
	if err := s.Validate(); err != nil {
		return model.SyncSession{}, err
	}
	if strings.TrimSpace(s.ID) == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAtMs == 0 {
		s.CreatedAtMs = now.UnixMilli()
	}
	if s.Waveform == "" {
		s.Waveform = model.WaveSine
	}
	s.IsActive = true
	return s, nil
}

// CheckClient rejects blank client ids.
func CheckClient(clientID string) error {
	if strings.TrimSpace(clientID) == "" {
		return ErrInvalidClient
	}
	return nil
}
