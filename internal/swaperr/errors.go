// Package swaperr defines the error taxonomy of the relayer. Every failure
// that crosses a component boundary is classified into one of these kinds so
// callers can branch with errors.Is instead of string matching.
package swaperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and surfacing decisions.
type Kind int

const (
	// KindValidation covers malformed requests, bad signatures, unknown
	// chains and out-of-range auction windows. Surfaced at the boundary.
	KindValidation Kind = iota
	// KindDuplicateOrder means the order hash already exists.
	KindDuplicateOrder
	// KindIllegalTransition means a state update not in the transition
	// table was attempted. A bug indicator.
	KindIllegalTransition
	// KindTransientChain covers network failures, nonce races and rate
	// limits. Retried with exponential backoff.
	KindTransientChain
	// KindPermanentChain covers reverts with known reasons, insufficient
	// funds and malformed calls. Triggers the failure branch.
	KindPermanentChain
	// KindDeadlineExceeded means a per-call timeout elapsed. Retryable.
	KindDeadlineExceeded
	// KindSecretMismatch means a revealed preimage does not hash to the
	// stored secret hash. Surfaced at the boundary.
	KindSecretMismatch
	// KindInternal is everything unexpected.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindDuplicateOrder:
		return "duplicate_order"
	case KindIllegalTransition:
		return "illegal_transition"
	case KindTransientChain:
		return "transient_chain"
	case KindPermanentChain:
		return "permanent_chain"
	case KindDeadlineExceeded:
		return "deadline_exceeded"
	case KindSecretMismatch:
		return "secret_mismatch"
	default:
		return "internal"
	}
}

// Error carries a kind alongside the wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error with a message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. A nil cause yields nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind of an error chain, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is lets errors.Is match on bare kinds via the sentinel helpers below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrDuplicateOrder    = &Error{Kind: KindDuplicateOrder}
	ErrIllegalTransition = &Error{Kind: KindIllegalTransition}
	ErrTransientChain    = &Error{Kind: KindTransientChain}
	ErrPermanentChain    = &Error{Kind: KindPermanentChain}
	ErrDeadlineExceeded  = &Error{Kind: KindDeadlineExceeded}
	ErrSecretMismatch    = &Error{Kind: KindSecretMismatch}
	ErrInternal          = &Error{Kind: KindInternal}
)

// IsRetryable reports whether the error should be retried with backoff
// rather than failing the order.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransientChain, KindDeadlineExceeded:
		return true
	}
	return false
}

// IsUserFacing reports whether the error is rooted in user input and must
// surface through the API instead of being recovered locally.
func IsUserFacing(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindDuplicateOrder, KindSecretMismatch:
		return true
	}
	return false
}
