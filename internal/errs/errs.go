// Package errs defines the error taxonomy shared by every kbcore subsystem.
//
// Description:
//
//	The error taxonomy (transient transport, permanent client,
//	setup/bootstrap, storage corruption, projection stuck, idempotency
//	conflict, catastrophic) is modeled as a small set of sentinel errors
//	that callers test with errors.Is, plus two marker errors
//	(Retryable/NonRetryable) that wrap a cause to carry a retry policy
//	decision alongside it.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel errors. Each corresponds to one row of the taxonomy in spec.md §7.
var (
	// ErrNotFound means the referenced dataset/alias/digest has no known
	// identifier yet.
	ErrNotFound = errors.New("not found")

	// ErrFatal means the condition will not resolve on retry (e.g. the
	// indexing engine reported a structural failure for the dataset).
	ErrFatal = errors.New("fatal")

	// ErrTimeout means a soft deadline elapsed before a ready state was
	// reached. Callers must treat this as "proceed degraded", never as a
	// crash.
	ErrTimeout = errors.New("timeout")

	// ErrIdempotencyConflict means a claim was already held. Per spec.md
	// §7 this is not an error to the caller — treat as success silently —
	// but internals raise it so orchestration code can short-circuit.
	ErrIdempotencyConflict = errors.New("idempotency conflict")

	// ErrProbe is returned by DatasetRegistry.ListEntries / engine metadata
	// fetches on failure, per spec.md §4.C.
	ErrProbe = errors.New("probe failed")
)

// retryable tags an error as transient: the caller's retry/backoff policy
// should re-attempt the operation.
type retryable struct{ cause error }

func (r *retryable) Error() string { return r.cause.Error() }
func (r *retryable) Unwrap() error { return r.cause }

// nonRetryable tags an error as permanent: retrying will not help.
type nonRetryable struct{ cause error }

func (n *nonRetryable) Error() string { return n.cause.Error() }
func (n *nonRetryable) Unwrap() error { return n.cause }

// Retryable wraps err so that IsRetryable reports true for it.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryable{cause: err}
}

// NonRetryable wraps err so that IsRetryable reports false for it.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryable{cause: err}
}

// IsRetryable reports whether err was explicitly tagged by Retryable or
// NonRetryable. The second return value is false when no tag is present,
// meaning the caller must decide using its own classification.
func IsRetryable(err error) (retry bool, tagged bool) {
	var r *retryable
	if errors.As(err, &r) {
		return true, true
	}
	var n *nonRetryable
	if errors.As(err, &n) {
		return false, true
	}
	return false, false
}

// Wrap attaches an operation name to err, following the
// "<operation>: %w" convention.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
