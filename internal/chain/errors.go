package chain

import "errors"

// Error taxonomy shared by implementations and consumers. Reads wrap
// transient node failures in ErrRateLimited/ErrNodeTimeout so the backoff
// policy can classify them; everything else fails through untouched.
var (
	// ErrRateLimited marks a node rate-limit response. Retryable on reads.
	ErrRateLimited = errors.New("node rate limited")

	// ErrNodeTimeout marks a timed-out node call. Retryable on reads.
	ErrNodeTimeout = errors.New("node call timed out")

	// ErrReverted marks an on-chain transaction revert. Never retried;
	// the remaining sequence is aborted and reported.
	ErrReverted = errors.New("transaction reverted")

	// ErrNotOwner marks an ownership or authorization mismatch. Fatal.
	ErrNotOwner = errors.New("wallet does not own position")

	// ErrNoPositionID means a confirmed mint receipt carried no position
	// identifier. Funds are on-chain; manual reconciliation is required.
	ErrNoPositionID = errors.New("new position id not found in receipt")
)

// IsRetryable reports whether an error is in the explicitly-classified
// transient set. Only idempotent reads are ever retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrNodeTimeout)
}
