package adapters

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unite-defi/fusion-relayer/internal/swaperr"
)

func TestClassifyRPCError(t *testing.T) {
	assert.NoError(t, classifyRPCError(nil))

	err := classifyRPCError(errors.New("execution reverted: InvalidSecret()"))
	assert.Equal(t, swaperr.KindPermanentChain, swaperr.KindOf(err))

	err = classifyRPCError(errors.New("Insufficient funds for gas * price + value"))
	assert.Equal(t, swaperr.KindPermanentChain, swaperr.KindOf(err))

	err = classifyRPCError(errors.New("MoveAbort(MoveLocation { module: escrow }, 2)"))
	assert.Equal(t, swaperr.KindPermanentChain, swaperr.KindOf(err))

	err = classifyRPCError(errors.New("connection refused"))
	assert.Equal(t, swaperr.KindTransientChain, swaperr.KindOf(err))

	err = classifyRPCError(context.DeadlineExceeded)
	assert.Equal(t, swaperr.KindDeadlineExceeded, swaperr.KindOf(err))

	assert.ErrorIs(t, classifyRPCError(context.Canceled), context.Canceled)
}

func TestWithRetryRecoversFromTransient(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, MaxInterval: time.Millisecond}
	calls := 0
	err := withRetry(context.Background(), log.Root(), policy, "op", func() error {
		calls++
		if calls < 3 {
			return swaperr.New(swaperr.KindTransientChain, "flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryStopsOnPermanent(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, MaxInterval: time.Millisecond}
	calls := 0
	err := withRetry(context.Background(), log.Root(), policy, "op", func() error {
		calls++
		return swaperr.New(swaperr.KindPermanentChain, "reverted")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, swaperr.KindPermanentChain, swaperr.KindOf(err))
}

func TestWithRetryHonorsAttemptCap(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 2, MaxInterval: time.Millisecond}
	calls := 0
	err := withRetry(context.Background(), log.Root(), policy, "op", func() error {
		calls++
		return swaperr.New(swaperr.KindTransientChain, "still down")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls, "initial try plus MaxAttempts retries")
}

func TestWithRetryRespectsContext(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 100, MaxInterval: 10 * time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := withRetry(ctx, log.Root(), policy, "op", func() error {
		return swaperr.New(swaperr.KindTransientChain, "down")
	})
	require.Error(t, err)
}
