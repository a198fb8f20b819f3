package adapters

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/log"

	"github.com/unite-defi/fusion-relayer/internal/swaperr"
)

// RetryPolicy bounds the backoff applied to transient chain failures:
// base 1s, factor 2, capped at MaxInterval, at most MaxAttempts tries.
type RetryPolicy struct {
	MaxAttempts uint64
	MaxInterval time.Duration
}

// DefaultRetryPolicy derives the policy from the relayer retry settings.
// The interval cap is retryInterval x 10.
func DefaultRetryPolicy(maxRetries int, retryInterval time.Duration) RetryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return RetryPolicy{
		MaxAttempts: uint64(maxRetries),
		MaxInterval: retryInterval * 10,
	}
}

// withRetry runs fn, retrying transient errors with exponential backoff.
// Permanent errors abort immediately and bubble unchanged.
func withRetry(ctx context.Context, logger log.Logger, policy RetryPolicy, op string, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.MaxInterval = policy.MaxInterval
	bo.MaxElapsedTime = 0

	attempt := 0
	wrapped := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		attempt++
		if !swaperr.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		logger.Warn("retrying chain call", "op", op, "attempt", attempt, "err", err)
		return err
	}

	return backoff.Retry(wrapped,
		backoff.WithMaxRetries(backoff.WithContext(bo, ctx), policy.MaxAttempts))
}

// classifyRPCError sorts an RPC failure into the transient/permanent split
// the retry loop keys on. Unknown failures default to transient: the
// network is the common case, and the attempt cap bounds the damage.
func classifyRPCError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return swaperr.Wrap(swaperr.KindDeadlineExceeded, err, "rpc call timed out")
	}

	msg := strings.ToLower(err.Error())
	for _, s := range permanentMarkers {
		if strings.Contains(msg, s) {
			return swaperr.Wrap(swaperr.KindPermanentChain, err, "")
		}
	}
	return swaperr.Wrap(swaperr.KindTransientChain, err, "")
}

// permanentMarkers are substrings of node error messages that indicate the
// call can never succeed as constructed.
var permanentMarkers = []string{
	"execution reverted",
	"insufficient funds",
	"invalid signature",
	"gas required exceeds allowance",
	"invalid opcode",
	"moveabort",
	"unknown account",
	"invalid params",
}
