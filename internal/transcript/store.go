// Package transcript persists final transcript fragments to PostgreSQL so
// session history survives the process and can be queried after a session
// closes.
package transcript

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sibylabs/sibyl/internal/session"
	"github.com/sibylabs/sibyl/pkg/engine"
)

// Compile-time interface check.
var _ session.FragmentWriter = (*Store)(nil)

// schema is applied at startup; idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS transcript_fragments (
    id          BIGSERIAL PRIMARY KEY,
    session_id  TEXT        NOT NULL,
    seq         BIGINT      NOT NULL,
    engine_id   TEXT        NOT NULL,
    text        TEXT        NOT NULL,
    confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (session_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_transcript_fragments_session
    ON transcript_fragments (session_id, seq);
`

// Fragment is one persisted transcript row.
type Fragment struct {
	SessionID  string
	Seq        uint64
	EngineID   string
	Text       string
	Confidence float64
	CreatedAt  time.Time
}

// Store is a PostgreSQL-backed fragment store. It holds a single
// [pgxpool.Pool]; all operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store, establishes a connection pool to the PostgreSQL
// database at dsn, and ensures the transcript schema exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("transcript store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript store: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript store: ensure schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// WriteFragment stores one final fragment. Re-delivery of the same
// (session, seq) pair updates the row instead of duplicating it.
func (s *Store) WriteFragment(ctx context.Context, sessionID string, frag engine.Fragment) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO transcript_fragments (session_id, seq, engine_id, text, confidence)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, seq) DO UPDATE
		SET engine_id = EXCLUDED.engine_id,
		    text = EXCLUDED.text,
		    confidence = EXCLUDED.confidence`,
		sessionID, int64(frag.Seq), frag.EngineID, frag.Text, frag.Confidence)
	if err != nil {
		return fmt.Errorf("transcript store: write fragment: %w", err)
	}
	return nil
}

// SessionTranscript returns all fragments of a session in sequence order.
func (s *Store) SessionTranscript(ctx context.Context, sessionID string) ([]Fragment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, seq, engine_id, text, confidence, created_at
		FROM transcript_fragments
		WHERE session_id = $1
		ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("transcript store: query session: %w", err)
	}
	defer rows.Close()

	var out []Fragment
	for rows.Next() {
		var f Fragment
		var seq int64
		if err := rows.Scan(&f.SessionID, &seq, &f.EngineID, &f.Text, &f.Confidence, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("transcript store: scan fragment: %w", err)
		}
		f.Seq = uint64(seq)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transcript store: iterate fragments: %w", err)
	}
	return out, nil
}

// Ping verifies database connectivity, used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
