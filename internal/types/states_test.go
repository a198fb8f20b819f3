package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHappyPathTransitions(t *testing.T) {
	path := []SwapState{
		StateNew, StateAuctionStarted, StateEthLockPending, StateEthLocked,
		StateSuiLockPending, StateSuiLocked, StateReadyForSecret,
		StateSecretReceived, StateExecuted,
	}
	for i := 0; i < len(path)-1; i++ {
		assert.True(t, CanTransition(path[i], path[i+1]),
			"%s -> %s must be legal", path[i], path[i+1])
	}
}

func TestCancellationPaths(t *testing.T) {
	// Destination cancelled first, then the source leg, then bookkeeping.
	assert.True(t, CanTransition(StateReadyForSecret, StateCancelledDst))
	assert.True(t, CanTransition(StateCancelledDst, StateCancelledSrc))
	assert.True(t, CanTransition(StateCancelledSrc, StateRefunded))

	// Source-only cancel when the destination never locked.
	assert.True(t, CanTransition(StateEthLocked, StateCancelledSrc))

	// The DST deadline can fire after the secret arrived but before the
	// destination withdrawal confirmed; the refund path takes precedence.
	assert.True(t, CanTransition(StateSecretReceived, StateCancelledDst))

	// Errored orders can still run their refund legs.
	assert.True(t, CanTransition(StateError, StateCancelledDst))
	assert.True(t, CanTransition(StateError, StateCancelledSrc))
}

func TestIllegalTransitions(t *testing.T) {
	cases := []struct{ from, to SwapState }{
		{StateNew, StateEthLockPending},           // skipping the auction
		{StateAuctionStarted, StateEthLocked},     // skipping the lock send
		{StateEthLocked, StateReadyForSecret},     // skipping the dst leg
		{StateExecuted, StateError},               // executed is final
		{StateRefunded, StateNew},                 // refunded is final
		{StateSecretReceived, StateReadyForSecret}, // no going back
		{StateCancelledSrc, StateCancelledDst},    // wrong cancel order
		{StateCancelledDst, StateExecuted},
	}
	for _, c := range cases {
		assert.False(t, CanTransition(c.from, c.to), "%s -> %s must be illegal", c.from, c.to)
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []SwapState{StateExecuted, StateRefunded, StateCancelledSrc, StateError} {
		assert.True(t, s.IsTerminal(), "%s", s)
	}
	for _, s := range ActiveStates() {
		assert.False(t, s.IsTerminal(), "%s", s)
	}
}

func TestActiveStatesCoverEveryNonTerminalState(t *testing.T) {
	all := []SwapState{
		StateNew, StateAuctionStarted, StateEthLockPending, StateEthLocked,
		StateSuiLockPending, StateSuiLocked, StateReadyForSecret,
		StateSecretReceived, StateExecuted, StateCancelledDst,
		StateCancelledSrc, StateRefunded, StateError,
	}
	active := make(map[SwapState]bool)
	for _, s := range ActiveStates() {
		active[s] = true
	}
	for _, s := range all {
		assert.Equal(t, !s.IsTerminal(), active[s], "%s", s)
	}
}

func TestRequiresArmedTimeout(t *testing.T) {
	armed := []SwapState{StateEthLocked, StateSuiLocked, StateReadyForSecret, StateSecretReceived}
	for _, s := range armed {
		assert.True(t, s.RequiresArmedTimeout(), "%s", s)
	}
	for _, s := range []SwapState{StateNew, StateAuctionStarted, StateExecuted, StateRefunded} {
		assert.False(t, s.RequiresArmedTimeout(), "%s", s)
	}
}
