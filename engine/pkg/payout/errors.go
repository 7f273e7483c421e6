package payout

import "errors"

// Typed release failures. The HTTP layer maps these onto status codes; the
// distinction between conflict, permanent, and retryable is part of the
// contract.
var (
	// ErrCommitmentNotActive rejects releases on failed or archived
	// commitments.
	ErrCommitmentNotActive = errors.New("commitment is not active")
	// ErrNotReleasable covers every premature attempt: milestone not
	// claimable, or the claim delay has not elapsed.
	ErrNotReleasable = errors.New("milestone is not releasable")
	// ErrUnderfunded means the escrow's available balance, after reserved
	// obligations, cannot cover the milestone amount.
	ErrUnderfunded = errors.New("escrow underfunded for release")
	// ErrClaimInProgress means another in-flight attempt owns the claim.
	ErrClaimInProgress = errors.New("release already in progress")
	// ErrClaimMismatch means the existing claim row disagrees on destination
	// or amount. Never auto-resolved.
	ErrClaimMismatch = errors.New("existing claim does not match release parameters")
	// ErrRetryRelease means the transfer attempt resolved to "did not land"
	// after an ambiguous send; the claim has been cleared and the caller may
	// retry.
	ErrRetryRelease = errors.New("transfer did not land, retry release")
	// ErrTransferFailed wraps a definitive on-chain failure. The claim row is
	// kept so no concurrent attempt double-sends while it is investigated.
	ErrTransferFailed = errors.New("transfer failed")
)
