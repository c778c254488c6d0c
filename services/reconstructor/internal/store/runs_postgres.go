package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS reconstruction_runs (
	id             UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	post_id        TEXT NOT NULL,
	post_ref       TEXT NOT NULL,
	title          TEXT NOT NULL DEFAULT '',
	source         TEXT NOT NULL,
	query          JSONB NOT NULL,
	supplemental   BOOLEAN NOT NULL DEFAULT false,
	resolved_count INTEGER NOT NULL DEFAULT 0,
	reported_total INTEGER NOT NULL DEFAULT 0,
	coverage       DOUBLE PRECISION NOT NULL DEFAULT 0,
	attempts       JSONB NOT NULL DEFAULT '[]',
	error          TEXT NOT NULL DEFAULT '',
	duration_ms    BIGINT NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_reconstruction_runs_post ON reconstruction_runs (post_id, created_at DESC);
`

// PostgresRunStore persists runs in Postgres.
type PostgresRunStore struct {
	pool *pgxpool.Pool
}

func NewPostgresRunStore(pool *pgxpool.Pool) *PostgresRunStore {
	return &PostgresRunStore{pool: pool}
}

// NewRunStore returns a Postgres store when pool is set, otherwise an
// in-memory one.
func NewRunStore(pool *pgxpool.Pool) RunStore {
	if pool == nil {
		return NewInMemoryRunStore()
	}
	return NewPostgresRunStore(pool)
}

// Migrate creates the runs table if it does not exist.
func (s *PostgresRunStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *PostgresRunStore) Save(ctx context.Context, r Run) (Run, error) {
	query, attempts, err := encodeRun(r)
	if err != nil {
		return Run{}, err
	}
	const q = `INSERT INTO reconstruction_runs
	             (post_id, post_ref, title, source, query, supplemental, resolved_count,
	              reported_total, coverage, attempts, error, duration_ms)
	           VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	           RETURNING id, created_at`
	err = s.pool.QueryRow(ctx, q, r.PostID, r.PostRef, r.Title, r.Source, query, r.Supplemental,
		r.ResolvedCount, r.ReportedTotal, r.Coverage, attempts, r.Error, r.Duration.Milliseconds()).
		Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		return Run{}, fmt.Errorf("insert run: %w", err)
	}
	return r, nil
}

const selectRun = `SELECT id, post_id, post_ref, title, source, query, supplemental, resolved_count,
                          reported_total, coverage, attempts, error, duration_ms, created_at
                   FROM reconstruction_runs`

func (s *PostgresRunStore) Get(ctx context.Context, id string) (Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, selectRun+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	return r, err
}

func (s *PostgresRunStore) ListByPost(ctx context.Context, postID string, limit int) ([]Run, error) {
	rows, err := s.pool.Query(ctx, selectRun+` WHERE post_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		postID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRun(row pgx.Row) (Run, error) {
	var (
		r          Run
		query      []byte
		attempts   []byte
		durationMS int64
	)
	err := row.Scan(&r.ID, &r.PostID, &r.PostRef, &r.Title, &r.Source, &query, &r.Supplemental,
		&r.ResolvedCount, &r.ReportedTotal, &r.Coverage, &attempts, &r.Error, &durationMS, &r.CreatedAt)
	if err != nil {
		return Run{}, err
	}
	if err := decodeRun(&r, query, attempts); err != nil {
		return Run{}, err
	}
	r.Duration = time.Duration(durationMS) * time.Millisecond
	return r, nil
}

func encodeRun(r Run) (query, attempts []byte, err error) {
	if query, err = json.Marshal(r.Query); err != nil {
		return nil, nil, err
	}
	if r.Attempts == nil {
		return query, []byte("[]"), nil
	}
	if attempts, err = json.Marshal(r.Attempts); err != nil {
		return nil, nil, err
	}
	return query, attempts, nil
}

func decodeRun(r *Run, query, attempts []byte) error {
	if err := json.Unmarshal(query, &r.Query); err != nil {
		return fmt.Errorf("decode run query: %w", err)
	}
	if len(attempts) > 0 {
		if err := json.Unmarshal(attempts, &r.Attempts); err != nil {
			return fmt.Errorf("decode run attempts: %w", err)
		}
	}
	return nil
}
