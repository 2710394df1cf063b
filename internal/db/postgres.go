// Package db persists solved keys and checkpoint history to PostgreSQL.
// The journal is strictly optional: when DATABASE_URL is unset or the
// pool cannot be reached, the solver runs without it.
package db

import (
	"context"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/PatatasFritas/FriedKangaroo/pkg/models"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS solved_keys (
	id            BIGSERIAL PRIMARY KEY,
	pub_key       TEXT NOT NULL,
	priv_key      TEXT NOT NULL,
	range_start   TEXT NOT NULL,
	range_end     TEXT NOT NULL,
	total_count   BIGINT NOT NULL,
	total_time    DOUBLE PRECISION NOT NULL,
	solved_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (pub_key, range_start, range_end)
);

CREATE TABLE IF NOT EXISTS checkpoints (
	id            BIGSERIAL PRIMARY KEY,
	file          TEXT NOT NULL,
	dp_count      BIGINT NOT NULL,
	total_count   BIGINT NOT NULL,
	total_time    DOUBLE PRECISION NOT NULL,
	size_bytes    BIGINT NOT NULL,
	saved_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// Connect initializes the connection pool using pgx.
func Connect(connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping failed: %v", err)
	}

	log.Println("[DB] Connected to PostgreSQL journal")
	return &PostgresStore{pool: pool}, nil
}

// Close gracefully closes the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema creates the journal tables.
func (s *PostgresStore) InitSchema() error {
	if _, err := s.pool.Exec(context.Background(), schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema migrations: %v", err)
	}
	log.Println("[DB] Journal schema initialized")
	return nil
}

// SaveSolvedKey records a recovered private key. Re-solving the same
// key/range updates the row instead of duplicating it.
func (s *PostgresStore) SaveSolvedKey(ctx context.Context, res models.SolveResult) error {
	sql := `
		INSERT INTO solved_keys (pub_key, priv_key, range_start, range_end, total_count, total_time)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (pub_key, range_start, range_end) DO UPDATE
		SET priv_key = EXCLUDED.priv_key, total_count = EXCLUDED.total_count, total_time = EXCLUDED.total_time;
	`
	_, err := s.pool.Exec(ctx, sql, res.PubKey, res.PrivKey, res.RangeStart, res.RangeEnd,
		int64(res.TotalCount), res.TotalTime)
	return err
}

// RecordCheckpoint appends one checkpoint row.
func (s *PostgresStore) RecordCheckpoint(ctx context.Context, cp models.CheckpointInfo) error {
	sql := `
		INSERT INTO checkpoints (file, dp_count, total_count, total_time, size_bytes)
		VALUES ($1, $2, $3, $4, $5);
	`
	_, err := s.pool.Exec(ctx, sql, cp.File, int64(cp.DPCount), int64(cp.TotalCount),
		cp.TotalTime, cp.SizeBytes)
	return err
}
