package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/unite-defi/fusion-relayer/internal/types"
)

// TimeoutRepository persists scheduler deadlines so they survive restarts.
type TimeoutRepository struct {
	db *sql.DB
}

// NewTimeoutRepository creates a new timeout repository.
func NewTimeoutRepository(db *sql.DB) *TimeoutRepository {
	return &TimeoutRepository{db: db}
}

// CreateTimeoutEvent records an armed deadline. Arming is idempotent per
// (order, kind): a duplicate arm keeps the original row and fire time.
func (r *TimeoutRepository) CreateTimeoutEvent(ctx context.Context, orderID int64, kind types.TimeoutKind, fireAt time.Time) (*types.TimeoutEvent, error) {
	ev := &types.TimeoutEvent{
		OrderID:     orderID,
		Kind:        kind,
		ScheduledAt: time.Now().UTC(),
		FireAt:      fireAt.UTC(),
	}

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO timeout_events (order_id, kind, scheduled_at, fire_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (order_id, kind) DO UPDATE SET kind = EXCLUDED.kind
		RETURNING id, scheduled_at, fire_at`,
		orderID, kind, ev.ScheduledAt, ev.FireAt,
	).Scan(&ev.ID, &ev.ScheduledAt, &ev.FireAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create timeout event: %w", err)
	}
	return ev, nil
}

// MarkExecuted stamps a timeout event as executed, with an optional note
// recording a permanent handler failure.
func (r *TimeoutRepository) MarkExecuted(ctx context.Context, id int64, note string) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE timeout_events SET executed_at = $1, note = $2 WHERE id = $3 AND executed_at IS NULL`,
		time.Now().UTC(), note, id); err != nil {
		return fmt.Errorf("failed to mark timeout executed: %w", err)
	}
	return nil
}

// DeleteForOrder removes unexecuted deadlines for an order, used when the
// swap completes and the refund path is no longer needed.
func (r *TimeoutRepository) DeleteForOrder(ctx context.Context, orderID int64) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM timeout_events WHERE order_id = $1 AND executed_at IS NULL`, orderID); err != nil {
		return fmt.Errorf("failed to delete timeout events: %w", err)
	}
	return nil
}

// ListPending returns unexecuted deadlines in scheduledAt order, joined with
// the owning order's hash. The scheduler rehydrates from this at startup.
func (r *TimeoutRepository) ListPending(ctx context.Context) ([]*types.TimeoutEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT t.id, t.order_id, o.order_hash, t.kind, t.scheduled_at, t.fire_at
		FROM timeout_events t
		JOIN swap_orders o ON o.id = t.order_id
		WHERE t.executed_at IS NULL
		ORDER BY t.scheduled_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending timeouts: %w", err)
	}
	defer rows.Close()

	var events []*types.TimeoutEvent
	for rows.Next() {
		ev := &types.TimeoutEvent{}
		if err := rows.Scan(&ev.ID, &ev.OrderID, &ev.OrderHash, &ev.Kind, &ev.ScheduledAt, &ev.FireAt); err != nil {
			return nil, fmt.Errorf("failed to scan timeout event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
