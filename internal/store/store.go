package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andresmejia3/facegate/internal/types"
	"github.com/jackc/pgx/v5"
)

// Store manages the PostgreSQL connection. A pgx.Conn is not safe for concurrent use,
// so every query runs under mu.
type Store struct {
	mu   sync.Mutex
	conn *pgx.Conn
}

// Session is one verification run.
type Session struct {
	ID        string
	Source    string // input path or device
	SourceID  string // fingerprint of the input
	Verifier  string
	Threshold float64
	Cadence   int
	StartedAt time.Time
	EndedAt   *time.Time
	Intervals int
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the necessary tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS reference_identity (
			id SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
			embedding DOUBLE PRECISION[] NOT NULL,
			source TEXT NOT NULL,
			set_at BIGINT NOT NULL,
			enrolled_at TIMESTAMPTZ NOT NULL,
			image BYTEA
		);
		CREATE TABLE IF NOT EXISTS verification_sessions (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			source_id TEXT NOT NULL DEFAULT '',
			verifier TEXT NOT NULL,
			threshold DOUBLE PRECISION NOT NULL,
			cadence INT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			ended_at TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS decision_intervals (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES verification_sessions(id) ON DELETE CASCADE,
			label TEXT NOT NULL,
			start_seq BIGINT NOT NULL,
			end_seq BIGINT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL,
			frames INT NOT NULL,
			min_distance DOUBLE PRECISION
		);
		CREATE INDEX IF NOT EXISTS decision_intervals_session_id_idx ON decision_intervals (session_id);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.Close(ctx)
}

// SaveReference upserts the single reference row.
func (s *Store) SaveReference(ctx context.Context, ref *types.ReferenceIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(ctx, `
		INSERT INTO reference_identity (id, embedding, source, set_at, enrolled_at, image)
		VALUES (1, $1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			source = EXCLUDED.source,
			set_at = EXCLUDED.set_at,
			enrolled_at = EXCLUDED.enrolled_at,
			image = EXCLUDED.image
	`, ref.Embedding, string(ref.Source), int64(ref.SetAt), ref.EnrolledAt, ref.Image)
	return err
}

// LoadReference returns the persisted reference, or nil if none is stored.
func (s *Store) LoadReference(ctx context.Context) (*types.ReferenceIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		ref    types.ReferenceIdentity
		source string
		setAt  int64
	)
	err := s.conn.QueryRow(ctx, `
		SELECT embedding, source, set_at, enrolled_at, image FROM reference_identity WHERE id = 1
	`).Scan(&ref.Embedding, &source, &setAt, &ref.EnrolledAt, &ref.Image)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ref.Source = types.Source(source)
	ref.SetAt = uint64(setAt)
	return &ref, nil
}

// ClearReference deletes the reference row.
func (s *Store) ClearReference(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, "DELETE FROM reference_identity")
	return err
}

// CreateSession registers a new verification session.
func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now()
	}
	_, err := s.conn.Exec(ctx, `
		INSERT INTO verification_sessions (id, source, source_id, verifier, threshold, cadence, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, sess.ID, sess.Source, sess.SourceID, sess.Verifier, sess.Threshold, sess.Cadence, sess.StartedAt)
	return err
}

// EndSession stamps the session end time.
func (s *Store) EndSession(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, "UPDATE verification_sessions SET ended_at = $1 WHERE id = $2", at, id)
	return err
}

// InsertInterval saves a merged decision interval to the database.
func (s *Store) InsertInterval(ctx context.Context, sessionID string, iv types.DecisionInterval) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(ctx, `
		INSERT INTO decision_intervals (session_id, label, start_seq, end_seq, started_at, ended_at, frames, min_distance)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, sessionID, iv.Label.Key(), iv.StartSeq, iv.EndSeq, iv.Start, iv.End, iv.Frames, iv.MinDistance)
	return err
}

// ListSessions returns the most recent sessions first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(ctx, `
		SELECT s.id, s.source, s.source_id, s.verifier, s.threshold, s.cadence, s.started_at, s.ended_at,
			(SELECT COUNT(*) FROM decision_intervals d WHERE d.session_id = s.id)
		FROM verification_sessions s
		ORDER BY s.started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.Source, &sess.SourceID, &sess.Verifier, &sess.Threshold,
			&sess.Cadence, &sess.StartedAt, &sess.EndedAt, &sess.Intervals); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ListIntervals returns a session's intervals in frame order.
func (s *Store) ListIntervals(ctx context.Context, sessionID string) ([]types.DecisionInterval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(ctx, `
		SELECT label, start_seq, end_seq, started_at, ended_at, frames, min_distance
		FROM decision_intervals
		WHERE session_id = $1
		ORDER BY start_seq ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.DecisionInterval
	for rows.Next() {
		var (
			iv  types.DecisionInterval
			key string
		)
		if err := rows.Scan(&key, &iv.StartSeq, &iv.EndSeq, &iv.Start, &iv.End, &iv.Frames, &iv.MinDistance); err != nil {
			return nil, err
		}
		if iv.Label, err = types.ParseLabel(key); err != nil {
			return nil, err
		}
		out = append(out, iv)
	}
	return out, rows.Err()
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS decision_intervals CASCADE;
		DROP TABLE IF EXISTS verification_sessions CASCADE;
		DROP TABLE IF EXISTS reference_identity CASCADE;
	`)
	return err
}
