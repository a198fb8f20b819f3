// Package adapters gives the coordinator a uniform capability set over
// heterogeneous chains: lock, unlock, cancel and watch, with the same retry,
// idempotency and finality contract regardless of the chain underneath.
package adapters

import (
	"context"
	"time"

	"github.com/unite-defi/fusion-relayer/internal/types"
)

// ChainAdapter is the per-chain capability set.
//
// Contract:
//   - Lock is idempotent: a second call for an already-filled order hash
//     returns the original receipt instead of double-spending.
//   - Every method honors context cancellation.
//   - Transient failures are retried internally with backoff; what escapes
//     is classified (see swaperr) so the coordinator can branch.
//   - Watch emits only events for known order hashes, in chain order, and
//     resumes from a durable cursor after restarts.
type ChainAdapter interface {
	Connect(ctx context.Context) error
	Close() error

	// Address returns this relayer's on-chain identity.
	Address() string

	Lock(ctx context.Context, order *types.SwapOrder) (*LockReceipt, error)
	Unlock(ctx context.Context, order *types.SwapOrder, secret string) (*UnlockReceipt, error)
	Cancel(ctx context.Context, order *types.SwapOrder) (*CancelReceipt, error)

	Watch(ctx context.Context, events chan<- *ChainEvent) error

	ChainID() string
	BlockTime() time.Duration
	FinalityDepth() uint64
}

// LockReceipt is the result of creating an escrow.
type LockReceipt struct {
	TxHash      string
	EscrowRef   string
	BlockNumber uint64
	GasUsed     uint64
}

// UnlockReceipt is the result of withdrawing from an escrow.
type UnlockReceipt struct {
	TxHash      string
	BlockNumber uint64
}

// CancelReceipt is the result of refunding an escrow.
type CancelReceipt struct {
	TxHash      string
	BlockNumber uint64
}

// EventKind classifies watched escrow events.
type EventKind string

const (
	EventEscrowCreated   EventKind = "ESCROW_CREATED"
	EventEscrowWithdrawn EventKind = "ESCROW_WITHDRAWN"
	EventEscrowCancelled EventKind = "ESCROW_CANCELLED"
)

// ChainEvent is one observed escrow event.
type ChainEvent struct {
	ChainID     string
	Kind        EventKind
	OrderHash   string
	EscrowRef   string
	TxHash      string
	BlockNumber uint64
	// Secret carries the revealed preimage on withdrawal events.
	Secret      *string
	IsFinalized bool
}

// CursorStore persists watcher positions so no event is lost across
// restarts. Implemented by the database cursor repository.
type CursorStore interface {
	Get(ctx context.Context, chainID string) (string, error)
	Set(ctx context.Context, chainID, cursor string) error
}

// KnownOrders lets watchers restrict emission to order hashes the relayer
// is actually tracking.
type KnownOrders interface {
	Known(orderHash string) bool
}

// Registry maps chain ids to adapters.
type Registry struct {
	adapters map[string]ChainAdapter
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(list ...ChainAdapter) *Registry {
	r := &Registry{adapters: make(map[string]ChainAdapter, len(list))}
	for _, a := range list {
		r.adapters[a.ChainID()] = a
	}
	return r
}

// Get returns the adapter for a chain id, or nil.
func (r *Registry) Get(chainID string) ChainAdapter {
	return r.adapters[chainID]
}

// All returns every registered adapter.
func (r *Registry) All() []ChainAdapter {
	out := make([]ChainAdapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	return out
}
