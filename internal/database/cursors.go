package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CursorRepository stores per-chain watcher cursors (last processed block or
// event cursor) so no event is lost across restarts.
type CursorRepository struct {
	db *sql.DB
}

// NewCursorRepository creates a new cursor repository.
func NewCursorRepository(db *sql.DB) *CursorRepository {
	return &CursorRepository{db: db}
}

// Get returns the stored cursor for a chain, or "" if none was recorded.
func (r *CursorRepository) Get(ctx context.Context, chainID string) (string, error) {
	var cursor string
	err := r.db.QueryRowContext(ctx,
		`SELECT cursor FROM watch_cursors WHERE chain_id = $1`, chainID).Scan(&cursor)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get cursor for %s: %w", chainID, err)
	}
	return cursor, nil
}

// Set upserts the cursor for a chain.
func (r *CursorRepository) Set(ctx context.Context, chainID, cursor string) error {
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO watch_cursors (chain_id, cursor, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (chain_id) DO UPDATE SET cursor = $2, updated_at = $3`,
		chainID, cursor, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to set cursor for %s: %w", chainID, err)
	}
	return nil
}

// MetricsRepository appends counter increments to the append-only
// relayer_metrics table, mirroring the in-process prometheus counters.
type MetricsRepository struct {
	db *sql.DB
}

// NewMetricsRepository creates a new metrics repository.
func NewMetricsRepository(db *sql.DB) *MetricsRepository {
	return &MetricsRepository{db: db}
}

// Incr appends a counter increment.
func (r *MetricsRepository) Incr(ctx context.Context, name string, delta int64) error {
	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO relayer_metrics (name, delta) VALUES ($1, $2)`, name, delta); err != nil {
		return fmt.Errorf("failed to record metric %s: %w", name, err)
	}
	return nil
}
