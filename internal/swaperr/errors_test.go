package swaperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfUnwrapsChains(t *testing.T) {
	base := New(KindTransientChain, "connection reset")
	wrapped := fmt.Errorf("lock failed: %w", base)
	assert.Equal(t, KindTransientChain, KindOf(wrapped))

	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.Equal(t, KindInternal, KindOf(nil))
}

func TestWrapNilIsNil(t *testing.T) {
	assert.NoError(t, Wrap(KindPermanentChain, nil, "ignored"))
}

func TestSentinelMatching(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(KindSecretMismatch, "bad preimage"))
	assert.ErrorIs(t, err, ErrSecretMismatch)
	assert.NotErrorIs(t, err, ErrValidation)
}

func TestRetryableAndUserFacingSplits(t *testing.T) {
	assert.True(t, IsRetryable(New(KindTransientChain, "x")))
	assert.True(t, IsRetryable(New(KindDeadlineExceeded, "x")))
	assert.False(t, IsRetryable(New(KindPermanentChain, "x")))
	assert.False(t, IsRetryable(New(KindValidation, "x")))

	assert.True(t, IsUserFacing(New(KindValidation, "x")))
	assert.True(t, IsUserFacing(New(KindDuplicateOrder, "x")))
	assert.True(t, IsUserFacing(New(KindSecretMismatch, "x")))
	assert.False(t, IsUserFacing(New(KindTransientChain, "x")))
}

func TestErrorRendering(t *testing.T) {
	assert.Equal(t, "validation: bad field", New(KindValidation, "bad field").Error())

	wrapped := Wrap(KindPermanentChain, errors.New("revert"), "fill failed")
	assert.Equal(t, "permanent_chain: fill failed: revert", wrapped.Error())
	assert.EqualError(t, errors.Unwrap(wrapped), "revert")
}
