package types

// SwapState represents the lifecycle state of a cross-chain swap
type SwapState string

const (
	StateNew            SwapState = "NEW"
	StateAuctionStarted SwapState = "AUCTION_STARTED"
	StateEthLockPending SwapState = "ETH_LOCK_PENDING"
	StateEthLocked      SwapState = "ETH_LOCKED"
	StateSuiLockPending SwapState = "SUI_LOCK_PENDING"
	StateSuiLocked      SwapState = "SUI_LOCKED"
	StateReadyForSecret SwapState = "READY_FOR_SECRET"
	StateSecretReceived SwapState = "SECRET_RECEIVED"
	StateExecuted       SwapState = "EXECUTED"
	StateCancelledDst   SwapState = "CANCELLED_DST"
	StateCancelledSrc   SwapState = "CANCELLED_SRC"
	StateRefunded       SwapState = "REFUNDED"
	StateError          SwapState = "ERROR"
)

// allowedTransitions is the full transition table of the order lifecycle.
// Every state update, whether driven by the coordinator or replayed during
// recovery, must appear here.
var allowedTransitions = map[SwapState][]SwapState{
	StateNew:            {StateAuctionStarted, StateError},
	StateAuctionStarted: {StateEthLockPending, StateError},
	StateEthLockPending: {StateEthLocked, StateError},
	StateEthLocked:      {StateSuiLockPending, StateCancelledSrc, StateError},
	StateSuiLockPending: {StateSuiLocked, StateError},
	StateSuiLocked:      {StateReadyForSecret, StateCancelledDst, StateError},
	StateReadyForSecret: {StateSecretReceived, StateCancelledDst, StateError},
	// The DST deadline can race the withdrawal: if it passes while the
	// destination spend is still unconfirmed, the refund path wins.
	StateSecretReceived: {StateExecuted, StateCancelledDst, StateError},
	StateCancelledDst:   {StateCancelledSrc, StateError},
	StateCancelledSrc:   {StateRefunded},
	// A failed order is dead but its escrows may still need refunding.
	StateError:    {StateCancelledDst, StateCancelledSrc},
	StateExecuted: {},
	StateRefunded: {},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to SwapState) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a state admits no further on-chain action.
// CANCELLED_SRC still transitions to REFUNDED as bookkeeping once both
// refunds are observed finalized, but nothing is submitted from it.
func (s SwapState) IsTerminal() bool {
	switch s {
	case StateExecuted, StateRefunded, StateCancelledSrc, StateError:
		return true
	}
	return false
}

// ActiveStates lists every non-terminal state, in lifecycle order. The store
// uses it to select orders that need a coordinator task after a restart.
func ActiveStates() []SwapState {
	return []SwapState{
		StateNew,
		StateAuctionStarted,
		StateEthLockPending,
		StateEthLocked,
		StateSuiLockPending,
		StateSuiLocked,
		StateReadyForSecret,
		StateSecretReceived,
		StateCancelledDst,
	}
}

// RequiresArmedTimeout reports whether an order in this state must have an
// unexecuted timeout event on record (invariant: a locked leg is never left
// without a scheduled refund).
func (s SwapState) RequiresArmedTimeout() bool {
	switch s {
	case StateEthLocked, StateSuiLocked, StateReadyForSecret, StateSecretReceived:
		return true
	}
	return false
}
