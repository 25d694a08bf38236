// Package store is the PostgreSQL-backed interpretation event log. The
// producer upserts partial and final rows through it; the consumer reads the
// historical snapshot and subscribes to the per-session change feed the
// table's NOTIFY trigger emits.
//
// All operations share a single [pgxpool.Pool] and are safe for concurrent
// use.
package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/glotline/glotline/pkg/interp"
)

// Store is the PostgreSQL interpretation log.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to the database at dsn, verifies the connection, and ensures
// the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool}, nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies database reachability, for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Upsert inserts or updates the row keyed by (session, language, sequence)
// and returns the stored row. A non-final entry and the final that replaces
// it share the key, so the final overwrites the last partial in place. The
// row id and creation time are assigned on first insert and never change,
// and a stored final is never demoted back to non-final.
func (s *Store) Upsert(ctx context.Context, row interp.Interpretation) (interp.Interpretation, error) {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}

	const q = `
INSERT INTO interpretations
    (id, session_id, sequence, target_language, original_text, translated_text,
     is_final, start_time_ms, end_time_ms, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (session_id, target_language, sequence) DO UPDATE SET
    original_text   = EXCLUDED.original_text,
    translated_text = EXCLUDED.translated_text,
    is_final        = interpretations.is_final OR EXCLUDED.is_final,
    start_time_ms   = EXCLUDED.start_time_ms,
    end_time_ms     = EXCLUDED.end_time_ms
RETURNING id, is_final, created_at`

	err := s.pool.QueryRow(ctx, q,
		row.ID, row.SessionID, row.Sequence, row.TargetLanguage,
		row.OriginalText, row.TranslatedText, row.IsFinal,
		row.StartTimeMs, row.EndTimeMs, row.CreatedAt,
	).Scan(&row.ID, &row.IsFinal, &row.CreatedAt)
	if err != nil {
		return interp.Interpretation{}, fmt.Errorf("store: upsert interpretation: %w", err)
	}
	return row, nil
}

// Delete removes the row with the given id. Absence is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM interpretations WHERE id = $1`, id); err != nil {
		return fmt.Errorf("store: delete interpretation: %w", err)
	}
	return nil
}

// History returns every row of a session ordered ascending by sequence, the
// bulk read a consumer performs before applying live events.
func (s *Store) History(ctx context.Context, sessionID string) ([]interp.Interpretation, error) {
	const q = `
SELECT id, session_id, sequence, target_language, original_text,
       translated_text, is_final, start_time_ms, end_time_ms, created_at
FROM interpretations
WHERE session_id = $1
ORDER BY sequence, created_at`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: load history: %w", err)
	}
	defer rows.Close()

	var out []interp.Interpretation
	for rows.Next() {
		var row interp.Interpretation
		if err := rows.Scan(
			&row.ID, &row.SessionID, &row.Sequence, &row.TargetLanguage,
			&row.OriginalText, &row.TranslatedText, &row.IsFinal,
			&row.StartTimeMs, &row.EndTimeMs, &row.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan history row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: load history: %w", err)
	}
	return out, nil
}
