package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/unite-defi/fusion-relayer/internal/config"
	"github.com/unite-defi/fusion-relayer/internal/sui"
	"github.com/unite-defi/fusion-relayer/internal/swaperr"
	"github.com/unite-defi/fusion-relayer/internal/types"
)

const (
	escrowModule = "escrow"
	// Newest-first pages checked for a pre-existing escrow before creating
	// one. The escrow for a crashed lock is at most minutes old, well inside
	// this window.
	escrowScanPages = 10
)

// SuiAdapter drives the destination chain: creates, withdraws and refunds
// object escrows through the escrow Move package, and tails the package's
// events from a durable cursor. Sui checkpoints are final once executed, so
// every observed event is emitted as finalized.
type SuiAdapter struct {
	cfg    config.Sui
	retry  RetryPolicy
	logger log.Logger

	client *sui.Client
	signer *sui.Signer

	cursors CursorStore
	known   KnownOrders
}

// NewSuiAdapter builds the adapter, parsing the key eagerly so a bad key
// fails at boot.
func NewSuiAdapter(cfg config.Sui, retry RetryPolicy, cursors CursorStore, known KnownOrders, logger log.Logger) (*SuiAdapter, error) {
	signer, err := sui.NewSigner(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid sui private key: %w", err)
	}
	return &SuiAdapter{
		cfg:     cfg,
		retry:   retry,
		logger:  logger.New("chain", "sui"),
		client:  sui.NewClient(cfg.RPCUrl),
		signer:  signer,
		cursors: cursors,
		known:   known,
	}, nil
}

// Connect probes the node with a checkpoint read.
func (a *SuiAdapter) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RPCTimeout)
	defer cancel()
	seq, err := a.client.LatestCheckpoint(ctx)
	if err != nil {
		return classifyRPCError(err)
	}
	a.logger.Info("connected to sui node", "url", a.cfg.RPCUrl,
		"checkpoint", seq, "relayer", a.signer.Address())
	return nil
}

// Close is a no-op; the client holds no persistent connection.
func (a *SuiAdapter) Close() error { return nil }

func (a *SuiAdapter) Address() string          { return a.signer.Address() }
func (a *SuiAdapter) ChainID() string          { return "sui:" + strconv.FormatUint(a.cfg.NetworkID, 10) }
func (a *SuiAdapter) BlockTime() time.Duration { return a.cfg.CheckpointTime }
func (a *SuiAdapter) FinalityDepth() uint64    { return a.cfg.FinalityDepth }

// Lock creates the destination escrow holding the taker amount for the
// maker's Sui address, guarded by the hashlock and destination deadline.
// Idempotent: an order that already has an escrow object returns it. The
// persisted id alone is not enough — a crash after the Move tx executed but
// before the id was written would double-fund the escrow — so the module's
// EscrowCreated events are checked before submitting.
func (a *SuiAdapter) Lock(ctx context.Context, order *types.SwapOrder) (*LockReceipt, error) {
	if order.DstEscrowID != "" {
		return &LockReceipt{TxHash: order.DstLockTxHash, EscrowRef: order.DstEscrowID}, nil
	}

	var receipt *LockReceipt
	err := withRetry(ctx, a.logger, a.retry, "lock", func() error {
		if existing, err := a.findEscrowCreated(ctx, order.OrderHash); err != nil {
			return err
		} else if existing != nil {
			a.logger.Info("escrow already created on-chain, reusing",
				"order", order.OrderHash, "escrow", existing.EscrowRef)
			receipt = existing
			return nil
		}

		resp, err := a.moveCall(ctx, "create_escrow", []interface{}{
			strip0x(order.OrderHash),
			strip0x(order.SecretHash),
			order.MakerDstAddress,
			types.BigIntString(order.TakingAmount),
			strconv.FormatUint(order.DeadlineDst*1000, 10), // Move clock is in ms
		})
		if err != nil {
			return err
		}

		escrowID := createdObjectID(resp)
		if escrowID == "" {
			return swaperr.New(swaperr.KindPermanentChain,
				"create_escrow tx %s created no object", resp.Digest)
		}
		receipt = &LockReceipt{
			TxHash:      resp.Digest,
			EscrowRef:   escrowID,
			BlockNumber: a.checkpointOf(ctx, resp),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.logger.Info("destination escrow locked", "order", order.OrderHash,
		"escrow", receipt.EscrowRef, "tx", receipt.TxHash)
	return receipt, nil
}

// Unlock releases the escrow to the maker by presenting the secret preimage.
func (a *SuiAdapter) Unlock(ctx context.Context, order *types.SwapOrder, secret string) (*UnlockReceipt, error) {
	if order.DstEscrowID == "" {
		return nil, swaperr.New(swaperr.KindInternal, "order %s has no destination escrow", order.OrderHash)
	}

	var receipt *UnlockReceipt
	err := withRetry(ctx, a.logger, a.retry, "unlock", func() error {
		resp, err := a.moveCall(ctx, "withdraw", []interface{}{
			order.DstEscrowID,
			strip0x(secret),
			"0x6", // shared Clock object
		})
		if err != nil {
			return err
		}
		receipt = &UnlockReceipt{TxHash: resp.Digest, BlockNumber: a.checkpointOf(ctx, resp)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.logger.Info("destination escrow withdrawn", "order", order.OrderHash, "tx", receipt.TxHash)
	return receipt, nil
}

// Cancel refunds the escrow to the relayer after the destination deadline.
func (a *SuiAdapter) Cancel(ctx context.Context, order *types.SwapOrder) (*CancelReceipt, error) {
	if order.DstEscrowID == "" {
		return nil, swaperr.New(swaperr.KindInternal, "order %s has no destination escrow", order.OrderHash)
	}

	var receipt *CancelReceipt
	err := withRetry(ctx, a.logger, a.retry, "cancel", func() error {
		resp, err := a.moveCall(ctx, "refund", []interface{}{
			order.DstEscrowID,
			"0x6",
		})
		if err != nil {
			return err
		}
		receipt = &CancelReceipt{TxHash: resp.Digest, BlockNumber: a.checkpointOf(ctx, resp)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.logger.Info("destination escrow refunded", "order", order.OrderHash, "tx", receipt.TxHash)
	return receipt, nil
}

// findEscrowCreated scans the escrow module's recent events, newest first,
// for an EscrowCreated matching the order hash. Returns nil when no escrow
// for the order exists yet.
func (a *SuiAdapter) findEscrowCreated(ctx context.Context, orderHash string) (*LockReceipt, error) {
	want := normalizeHash(orderHash)
	var cursor *sui.EventID
	for page := 0; page < escrowScanPages; page++ {
		rpcCtx, cancel := context.WithTimeout(ctx, a.cfg.RPCTimeout)
		events, err := a.client.QueryModuleEvents(rpcCtx, a.cfg.PackageID, escrowModule, cursor, 100, true)
		cancel()
		if err != nil {
			return nil, classifyRPCError(err)
		}

		for i := range events.Data {
			e := &events.Data[i]
			if !strings.HasSuffix(e.Type, "::EscrowCreated") {
				continue
			}
			var payload escrowEvent
			if err := json.Unmarshal(e.ParsedJSON, &payload); err != nil {
				continue
			}
			if normalizeHash(payload.OrderHash) != want {
				continue
			}
			return &LockReceipt{TxHash: e.ID.TxDigest, EscrowRef: payload.EscrowID}, nil
		}

		if !events.HasNextPage || events.NextCursor == nil {
			return nil, nil
		}
		cursor = events.NextCursor
	}
	return nil, nil
}

// escrowEvent is the parsed JSON payload shared by the escrow module's
// events; absent fields stay empty.
type escrowEvent struct {
	OrderHash string `json:"order_hash"`
	EscrowID  string `json:"escrow_id"`
	Secret    string `json:"secret"`
}

// Watch polls the escrow module's event stream, resuming from the persisted
// (txDigest, eventSeq) cursor.
func (a *SuiAdapter) Watch(ctx context.Context, events chan<- *ChainEvent) error {
	cursor, err := a.loadCursor(ctx)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(a.cfg.CheckpointTime)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		next, err := a.scanOnce(ctx, cursor, events)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.Warn("event scan failed, will retry", "err", err)
			continue
		}
		cursor = next
	}
}

func (a *SuiAdapter) scanOnce(ctx context.Context, cursor *sui.EventID, events chan<- *ChainEvent) (*sui.EventID, error) {
	for {
		rpcCtx, cancel := context.WithTimeout(ctx, a.cfg.RPCTimeout)
		page, err := a.client.QueryModuleEvents(rpcCtx, a.cfg.PackageID, escrowModule, cursor, 100, false)
		cancel()
		if err != nil {
			return cursor, classifyRPCError(err)
		}

		for i := range page.Data {
			ev, ok := a.decodeEvent(&page.Data[i])
			if !ok {
				continue
			}
			if a.known != nil && !a.known.Known(ev.OrderHash) {
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return cursor, ctx.Err()
			}
		}

		if page.NextCursor != nil {
			cursor = page.NextCursor
			if err := a.cursors.Set(ctx, a.ChainID(), cursor.TxDigest+":"+cursor.EventSeq); err != nil {
				return cursor, err
			}
		}
		if !page.HasNextPage {
			return cursor, nil
		}
	}
}

func (a *SuiAdapter) decodeEvent(e *sui.Event) (*ChainEvent, bool) {
	var payload escrowEvent
	if err := json.Unmarshal(e.ParsedJSON, &payload); err != nil {
		a.logger.Error("undecodable escrow event", "tx", e.ID.TxDigest, "type", e.Type, "err", err)
		return nil, false
	}

	ev := &ChainEvent{
		ChainID:     a.ChainID(),
		OrderHash:   normalizeHash(payload.OrderHash),
		EscrowRef:   payload.EscrowID,
		TxHash:      e.ID.TxDigest,
		IsFinalized: true,
	}

	switch {
	case strings.HasSuffix(e.Type, "::EscrowCreated"):
		ev.Kind = EventEscrowCreated
	case strings.HasSuffix(e.Type, "::EscrowWithdrawn"):
		ev.Kind = EventEscrowWithdrawn
		secret := strip0x(payload.Secret)
		ev.Secret = &secret
	case strings.HasSuffix(e.Type, "::EscrowRefunded"):
		ev.Kind = EventEscrowCancelled
	default:
		return nil, false
	}
	return ev, true
}

func (a *SuiAdapter) loadCursor(ctx context.Context) (*sui.EventID, error) {
	stored, err := a.cursors.Get(ctx, a.ChainID())
	if err != nil {
		return nil, err
	}
	if stored == "" {
		return nil, nil
	}
	digest, seq, ok := strings.Cut(stored, ":")
	if !ok {
		return nil, swaperr.New(swaperr.KindInternal, "corrupt sui event cursor %q", stored)
	}
	return &sui.EventID{TxDigest: digest, EventSeq: seq}, nil
}

func (a *SuiAdapter) moveCall(ctx context.Context, function string, args []interface{}) (*sui.TransactionResponse, error) {
	rpcCtx, cancel := context.WithTimeout(ctx, a.cfg.RPCTimeout)
	defer cancel()

	resp, err := a.client.MoveCall(rpcCtx, a.signer, sui.MoveCallRequest{
		PackageID: a.cfg.PackageID,
		Module:    escrowModule,
		Function:  function,
		Args:      args,
		GasBudget: a.cfg.GasBudget,
	})
	if err != nil {
		return nil, classifyRPCError(err)
	}
	if !resp.Succeeded() {
		status := "unknown"
		if resp.Effects != nil {
			status = resp.Effects.Status.Error
		}
		return nil, swaperr.New(swaperr.KindPermanentChain,
			"%s::%s aborted in tx %s: %s", escrowModule, function, resp.Digest, status)
	}
	return resp, nil
}

// checkpointOf best-effort resolves the checkpoint a transaction landed in;
// zero when the node has not assigned one yet.
func (a *SuiAdapter) checkpointOf(ctx context.Context, resp *sui.TransactionResponse) uint64 {
	if resp.Checkpoint != "" {
		if n, err := strconv.ParseUint(resp.Checkpoint, 10, 64); err == nil {
			return n
		}
	}
	rpcCtx, cancel := context.WithTimeout(ctx, a.cfg.RPCTimeout)
	defer cancel()
	n, err := a.client.TransactionCheckpoint(rpcCtx, resp.Digest)
	if err != nil {
		a.logger.Debug("checkpoint lookup failed", "tx", resp.Digest, "err", err)
		return 0
	}
	return n
}

func createdObjectID(resp *sui.TransactionResponse) string {
	if resp.Effects == nil || len(resp.Effects.Created) == 0 {
		return ""
	}
	return resp.Effects.Created[0].Reference.ObjectID
}

func strip0x(s string) string { return strings.TrimPrefix(s, "0x") }

func normalizeHash(s string) string {
	if s == "" {
		return s
	}
	if !strings.HasPrefix(s, "0x") {
		return "0x" + strings.ToLower(s)
	}
	return strings.ToLower(s)
}
