// Package sqlite provides a SQLite-backed session store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/okian/resonance/internal/adapters/repository"
	"github.com/okian/resonance/internal/domain/model"
	"github.com/okian/resonance/pkg/metrics"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id             TEXT PRIMARY KEY,
	f0             REAL NOT NULL,
	waveform       TEXT NOT NULL,
	ratios         TEXT NOT NULL,
	bar0_epoch_ms  INTEGER NOT NULL,
	bpm            REAL NOT NULL,
	beats_per_bar  INTEGER NOT NULL,
	binaural_hz    REAL NOT NULL DEFAULT 0,
	geometric_pack TEXT NOT NULL DEFAULT '',
	is_active      INTEGER NOT NULL DEFAULT 1,
	created_at_ms  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS participants (
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	client_id  TEXT NOT NULL,
	joined_at  INTEGER NOT NULL,
	PRIMARY KEY (session_id, client_id)
);
`

// Store persists sessions in SQLite.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

var _ repository.Store = (*Store)(nil)

// Open opens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return repository.ErrClosed
	}
	return nil
}

// Create inserts a session record.
func (s *Store) Create(ctx context.Context, in model.SyncSession) (model.SyncSession, error) {
	start := time.Now()
	defer func() { metrics.RecordStoreLatency("create", time.Since(start)) }()
	if err := s.ready(ctx); err != nil {
		return model.SyncSession{}, err
	}
	out, err := repository.Prepare(in, s.now())
	if err != nil {
		return model.SyncSession{}, err
	}
	if out.Ratios == nil {
		out.Ratios = []float64{}
	}
	ratios, err := json.Marshal(out.Ratios)
	if err != nil {
		return model.SyncSession{}, fmt.Errorf("encode ratios: %w", err)
	}

	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO sessions (
		   id, f0, waveform, ratios, bar0_epoch_ms, bpm, beats_per_bar,
		   binaural_hz, geometric_pack, is_active, created_at_ms
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
		out.ID, out.F0, string(out.Waveform), string(ratios), out.Bar0EpochMs, out.BPM,
		out.BeatsPerBar, out.BinauralHz, out.GeometricPack, out.CreatedAtMs,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.SyncSession{}, repository.ErrAlreadyExists
		}
		return model.SyncSession{}, fmt.Errorf("create session: %w", err)
	}
	return out, nil
}

// Get returns one session by id.
func (s *Store) Get(ctx context.Context, id string) (model.SyncSession, error) {
	if err := s.ready(ctx); err != nil {
		return model.SyncSession{}, err
	}
	return s.get(ctx, s.sqlDB, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) get(ctx context.Context, q queryer, id string) (model.SyncSession, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, f0, waveform, ratios, bar0_epoch_ms, bpm, beats_per_bar,
		        binaural_hz, geometric_pack, is_active, created_at_ms
		   FROM sessions
		  WHERE id = ?`,
		id,
	)
	var (
		out      model.SyncSession
		waveform string
		ratios   string
		active   int
	)
	err := row.Scan(&out.ID, &out.F0, &waveform, &ratios, &out.Bar0EpochMs, &out.BPM,
		&out.BeatsPerBar, &out.BinauralHz, &out.GeometricPack, &active, &out.CreatedAtMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.SyncSession{}, repository.ErrNotFound
		}
		return model.SyncSession{}, fmt.Errorf("get session: %w", err)
	}
	if err := json.Unmarshal([]byte(ratios), &out.Ratios); err != nil {
		return model.SyncSession{}, fmt.Errorf("decode ratios: %w", err)
	}
	out.Waveform = model.Waveform(waveform)
	out.IsActive = active != 0
	return out, nil
}

// AddParticipant registers a client and reactivates the session.
func (s *Store) AddParticipant(ctx context.Context, id, clientID string) (model.SyncSession, error) {
	start := time.Now()
	defer func() { metrics.RecordStoreLatency("join", time.Since(start)) }()
	if err := s.ready(ctx); err != nil {
		return model.SyncSession{}, err
	}
	if err := repository.CheckClient(clientID); err != nil {
		return model.SyncSession{}, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return model.SyncSession{}, fmt.Errorf("begin join: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE sessions SET is_active = 1 WHERE id = ?`, id)
	if err != nil {
		return model.SyncSession{}, fmt.Errorf("activate session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.SyncSession{}, repository.ErrNotFound
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO participants (session_id, client_id, joined_at) VALUES (?, ?, ?)
		 ON CONFLICT(session_id, client_id) DO NOTHING`,
		id, clientID, s.now().UnixMilli(),
	)
	if err != nil {
		return model.SyncSession{}, fmt.Errorf("add participant: %w", err)
	}
	out, err := s.get(ctx, tx, id)
	if err != nil {
		return model.SyncSession{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.SyncSession{}, fmt.Errorf("commit join: %w", err)
	}
	return out, nil
}

// RemoveParticipant unregisters a client, deactivating an emptied session.
func (s *Store) RemoveParticipant(ctx context.Context, id, clientID string) error {
	start := time.Now()
	defer func() { metrics.RecordStoreLatency("leave", time.Since(start)) }()
	if err := s.ready(ctx); err != nil {
		return err
	}
	if err := repository.CheckClient(clientID); err != nil {
		return err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin leave: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM sessions WHERE id = ?`, id).Scan(&exists); err != nil {
		return fmt.Errorf("lookup session: %w", err)
	}
	if exists == 0 {
		return repository.ErrNotFound
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM participants WHERE session_id = ? AND client_id = ?`, id, clientID)
	if err != nil {
		return fmt.Errorf("remove participant: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET is_active = 0
			  WHERE id = ? AND NOT EXISTS (SELECT 1 FROM participants WHERE session_id = ?)`,
			id, id,
		)
		if err != nil {
			return fmt.Errorf("deactivate session: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit leave: %w", err)
	}
	return nil
}

// Participants lists client ids in join order.
func (s *Store) Participants(ctx context.Context, id string) ([]string, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT client_id FROM participants WHERE session_id = ? ORDER BY joined_at, rowid`, id)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	return out, nil
}

// Count returns the number of sessions, or 0 when the query fails.
func (s *Store) Count(ctx context.Context) int {
	if s.ready(ctx) != nil {
		return 0
	}
	var n int
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT COUNT(1) FROM sessions`).Scan(&n); err != nil {
		return 0
	}
	return n
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
