package database

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/unite-defi/fusion-relayer/internal/swaperr"
	"github.com/unite-defi/fusion-relayer/internal/types"
)

// OrderRepository handles database operations for swap orders.
type OrderRepository struct {
	db *sql.DB
}

// NewOrderRepository creates a new order repository.
func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

const orderColumns = `id, order_hash, state, maker, maker_dst_address, receiver,
	maker_asset, taker_asset, making_amount, taking_amount,
	secret_hash, secret, deadline_src, deadline_dst,
	src_escrow_address, src_lock_tx_hash, src_withdraw_tx, src_cancel_tx,
	dst_escrow_id, dst_lock_tx_hash, dst_withdraw_tx, dst_cancel_tx,
	auction_start, auction_end, start_rate, end_rate, price_curve,
	resolver, winning_rate, original_order, signature, extension,
	error_message, created_at, updated_at`

// CreateOrder persists a new swap order. A second submission of the same
// order hash fails with DuplicateOrder.
func (r *OrderRepository) CreateOrder(ctx context.Context, order *types.SwapOrder) error {
	curveJSON, err := json.Marshal(order.Auction.PriceCurve)
	if err != nil {
		return fmt.Errorf("failed to encode price curve: %w", err)
	}

	query := `
		INSERT INTO swap_orders (
			order_hash, state, maker, maker_dst_address, receiver,
			maker_asset, taker_asset, making_amount, taking_amount,
			secret_hash, deadline_src, deadline_dst,
			auction_start, auction_end, start_rate, end_rate, price_curve,
			original_order, signature, extension, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18, $19, $20, $21, $22
		) RETURNING id`

	now := time.Now().UTC()
	order.CreatedAt = now
	order.UpdatedAt = now

	err = r.db.QueryRowContext(ctx, query,
		order.OrderHash,
		order.State,
		order.Maker,
		order.MakerDstAddress,
		order.Receiver,
		order.MakerAsset,
		order.TakerAsset,
		order.MakingAmount.String(),
		order.TakingAmount.String(),
		order.SecretHash,
		order.DeadlineSrc,
		order.DeadlineDst,
		order.Auction.StartTime,
		order.Auction.EndTime,
		order.Auction.StartRate.String(),
		order.Auction.EndRate.String(),
		string(curveJSON),
		string(order.OriginalOrder),
		order.Signature,
		order.Extension,
		order.CreatedAt,
		order.UpdatedAt,
	).Scan(&order.ID)

	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return swaperr.New(swaperr.KindDuplicateOrder, "order %s already exists", order.OrderHash)
		}
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

// GetByHash retrieves an order by its hash.
func (r *OrderRepository) GetByHash(ctx context.Context, orderHash string) (*types.SwapOrder, error) {
	query := `SELECT ` + orderColumns + ` FROM swap_orders WHERE order_hash = $1`
	return r.scanOrder(r.db.QueryRowContext(ctx, query, orderHash))
}

// GetByID retrieves an order by its internal id.
func (r *OrderRepository) GetByID(ctx context.Context, id int64) (*types.SwapOrder, error) {
	query := `SELECT ` + orderColumns + ` FROM swap_orders WHERE id = $1`
	return r.scanOrder(r.db.QueryRowContext(ctx, query, id))
}

// UpdateState moves an order from one state to another. The transition must
// be in the allowed table, and the update is conditional on the current
// state so a concurrent writer can never regress the machine.
func (r *OrderRepository) UpdateState(ctx context.Context, id int64, from, to types.SwapState) error {
	if !types.CanTransition(from, to) {
		return swaperr.New(swaperr.KindIllegalTransition, "order %d: %s -> %s", id, from, to)
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE swap_orders SET state = $1, updated_at = $2 WHERE id = $3 AND state = $4`,
		to, time.Now().UTC(), id, from)
	if err != nil {
		return fmt.Errorf("failed to update order state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return swaperr.New(swaperr.KindIllegalTransition,
			"order %d: state changed concurrently, expected %s", id, from)
	}
	return nil
}

// AttachSrcEscrow records the source lock transaction and escrow address.
// Set once; a second attach fails.
func (r *OrderRepository) AttachSrcEscrow(ctx context.Context, id int64, txHash, escrowAddr string) error {
	return r.setOnce(ctx, id,
		`UPDATE swap_orders SET src_lock_tx_hash = $1, src_escrow_address = $2, updated_at = $3
		 WHERE id = $4 AND src_lock_tx_hash = ''`,
		"src escrow", txHash, escrowAddr)
}

// AttachDstEscrow records the destination lock transaction and escrow
// object id. Set once; a second attach fails.
func (r *OrderRepository) AttachDstEscrow(ctx context.Context, id int64, txHash, escrowID string) error {
	return r.setOnce(ctx, id,
		`UPDATE swap_orders SET dst_lock_tx_hash = $1, dst_escrow_id = $2, updated_at = $3
		 WHERE id = $4 AND dst_lock_tx_hash = ''`,
		"dst escrow", txHash, escrowID)
}

func (r *OrderRepository) setOnce(ctx context.Context, id int64, query, what string, args ...interface{}) error {
	all := append(args, time.Now().UTC(), id)
	res, err := r.db.ExecContext(ctx, query, all...)
	if err != nil {
		return fmt.Errorf("failed to attach %s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return swaperr.New(swaperr.KindIllegalTransition, "order %d: %s already set", id, what)
	}
	return nil
}

// RecordSecret stores the revealed preimage. Set once, and only a preimage
// of the stored secret hash is accepted.
func (r *OrderRepository) RecordSecret(ctx context.Context, id int64, secret string) error {
	var storedHash string
	if err := r.db.QueryRowContext(ctx,
		`SELECT secret_hash FROM swap_orders WHERE id = $1`, id).Scan(&storedHash); err != nil {
		return fmt.Errorf("failed to load secret hash: %w", err)
	}

	sum := sha256.Sum256([]byte(secret))
	if subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum[:])), []byte(storedHash)) != 1 {
		return swaperr.New(swaperr.KindSecretMismatch, "preimage does not hash to stored secret hash")
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE swap_orders SET secret = $1, updated_at = $2 WHERE id = $3 AND secret = ''`,
		secret, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to record secret: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return swaperr.New(swaperr.KindIllegalTransition, "order %d: secret already recorded", id)
	}
	return nil
}

// RecordWinner stores the winning resolver and rate once the auction closes.
func (r *OrderRepository) RecordWinner(ctx context.Context, id int64, resolver, rate string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE swap_orders SET resolver = $1, winning_rate = $2, updated_at = $3 WHERE id = $4`,
		resolver, rate, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to record winner: %w", err)
	}
	return nil
}

// RecordTx stores a withdrawal or cancellation tx hash in the named column.
func (r *OrderRepository) RecordTx(ctx context.Context, id int64, column, txHash string) error {
	switch column {
	case "src_withdraw_tx", "src_cancel_tx", "dst_withdraw_tx", "dst_cancel_tx":
	default:
		return swaperr.New(swaperr.KindInternal, "unknown tx column %q", column)
	}
	query := fmt.Sprintf(
		`UPDATE swap_orders SET %s = $1, updated_at = $2 WHERE id = $3`, column)
	if _, err := r.db.ExecContext(ctx, query, txHash, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to record %s: %w", column, err)
	}
	return nil
}

// SetErrorMessage records the failure reason on an order.
func (r *OrderRepository) SetErrorMessage(ctx context.Context, id int64, msg string) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE swap_orders SET error_message = $1, updated_at = $2 WHERE id = $3`,
		msg, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to set error message: %w", err)
	}
	return nil
}

// ListActive returns every order not in a terminal state, oldest first so
// recovery replays in submission order.
func (r *OrderRepository) ListActive(ctx context.Context) ([]*types.SwapOrder, error) {
	active := types.ActiveStates()
	states := make([]string, len(active))
	for i, s := range active {
		states[i] = string(s)
	}

	query := `SELECT ` + orderColumns + ` FROM swap_orders
		WHERE state = ANY($1) ORDER BY created_at ASC`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(states))
	if err != nil {
		return nil, fmt.Errorf("failed to query active orders: %w", err)
	}
	defer rows.Close()
	return r.collectOrders(rows)
}

// ListByMaker returns orders submitted by a specific maker address.
func (r *OrderRepository) ListByMaker(ctx context.Context, maker string) ([]*types.SwapOrder, error) {
	query := `SELECT ` + orderColumns + ` FROM swap_orders
		WHERE maker = $1 ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query, maker)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders by maker: %w", err)
	}
	defer rows.Close()
	return r.collectOrders(rows)
}

func (r *OrderRepository) collectOrders(rows *sql.Rows) ([]*types.SwapOrder, error) {
	var orders []*types.SwapOrder
	for rows.Next() {
		order, err := r.scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *OrderRepository) scanOrder(scanner rowScanner) (*types.SwapOrder, error) {
	order := &types.SwapOrder{}
	var makingStr, takingStr, startRateStr, endRateStr string
	var winningRate sql.NullString
	var curveJSON, originalJSON string

	err := scanner.Scan(
		&order.ID,
		&order.OrderHash,
		&order.State,
		&order.Maker,
		&order.MakerDstAddress,
		&order.Receiver,
		&order.MakerAsset,
		&order.TakerAsset,
		&makingStr,
		&takingStr,
		&order.SecretHash,
		&order.Secret,
		&order.DeadlineSrc,
		&order.DeadlineDst,
		&order.SrcEscrowAddress,
		&order.SrcLockTxHash,
		&order.SrcWithdrawTx,
		&order.SrcCancelTx,
		&order.DstEscrowID,
		&order.DstLockTxHash,
		&order.DstWithdrawTx,
		&order.DstCancelTx,
		&order.Auction.StartTime,
		&order.Auction.EndTime,
		&startRateStr,
		&endRateStr,
		&curveJSON,
		&order.Resolver,
		&winningRate,
		&originalJSON,
		&order.Signature,
		&order.Extension,
		&order.ErrorMessage,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, swaperr.Wrap(swaperr.KindValidation, err, "order not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}

	if order.MakingAmount, err = types.ParseBigInt(makingStr); err != nil {
		return nil, fmt.Errorf("failed to parse making amount: %w", err)
	}
	if order.TakingAmount, err = types.ParseBigInt(takingStr); err != nil {
		return nil, fmt.Errorf("failed to parse taking amount: %w", err)
	}
	if order.Auction.StartRate, err = types.ParseBigInt(startRateStr); err != nil {
		return nil, fmt.Errorf("failed to parse start rate: %w", err)
	}
	if order.Auction.EndRate, err = types.ParseBigInt(endRateStr); err != nil {
		return nil, fmt.Errorf("failed to parse end rate: %w", err)
	}
	if winningRate.Valid && winningRate.String != "" {
		if order.WinningRate, err = types.ParseBigInt(winningRate.String); err != nil {
			return nil, fmt.Errorf("failed to parse winning rate: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(curveJSON), &order.Auction.PriceCurve); err != nil {
		return nil, fmt.Errorf("failed to parse price curve: %w", err)
	}
	order.OriginalOrder = []byte(originalJSON)
	return order, nil
}
