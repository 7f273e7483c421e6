package commitment

import (
	"context"
	"errors"
	"time"
)

// Store errors. Handlers map these onto the HTTP error taxonomy; engine code
// branches on them with errors.Is.
var (
	// ErrNotFound is returned for unknown commitments, milestones, or claim rows.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when a whole-document milestone replace
	// loses the optimistic-version race. Callers must re-read and retry.
	ErrVersionConflict = errors.New("commitment version conflict")
	// ErrDuplicateSignal is returned when a signer votes twice on one milestone.
	ErrDuplicateSignal = errors.New("signer already voted on milestone")
	// ErrDuplicate is returned for other unique-row collisions (commitment ids,
	// distributions).
	ErrDuplicate = errors.New("already exists")
)

// Store is the durable state contract for the engine. All cross-request mutual
// exclusion lives here: insert-if-absent claim acquisition, optimistic-version
// document replacement, and advisory locks for multi-row claim batches. No
// caller may hold an in-memory lock across requests; the service is stateless
// between calls.
type Store interface {
	// CreateCommitment inserts a new commitment with its milestone document.
	// Returns ErrDuplicate when the id is taken.
	CreateCommitment(ctx context.Context, c *Commitment) error
	// GetCommitment returns the commitment or ErrNotFound.
	GetCommitment(ctx context.Context, id string) (*Commitment, error)
	// ReplaceMilestones replaces the whole milestone document and the derived
	// totals under compare-and-swap on version. The caller passes the complete,
	// already-normalized array; partial updates are not merged. Returns the
	// stored commitment, or ErrVersionConflict when version has moved.
	ReplaceMilestones(ctx context.Context, id string, version int64, milestones []Milestone, unlockedLamports uint64, status Status) (*Commitment, error)
	// ListOutstandingMarketCap returns commitments that are not terminal and
	// carry at least one locked market-cap milestone.
	ListOutstandingMarketCap(ctx context.Context) ([]*Commitment, error)
	// ListActiveCommitments returns all non-terminal commitments, for
	// normalization sweeps.
	ListActiveCommitments(ctx context.Context) ([]*Commitment, error)

	// InsertSignal records one vote. Returns ErrDuplicateSignal when the
	// (milestone, signer) pair has already voted.
	InsertSignal(ctx context.Context, sig *MilestoneSignal) error
	// TallyMilestone counts a milestone's signals by head-count.
	TallyMilestone(ctx context.Context, commitmentID, milestoneID string) (Tally, error)
	// TallyCommitment counts signals for all milestones of a commitment.
	TallyCommitment(ctx context.Context, commitmentID string) (map[string]Tally, error)
	// UpsertVoterSnapshot records or refreshes a voter's weight snapshot.
	UpsertVoterSnapshot(ctx context.Context, snap *VoterSnapshot) error
	// ListVoterSnapshots returns a milestone's snapshots.
	ListVoterSnapshots(ctx context.Context, commitmentID, milestoneID string) ([]*VoterSnapshot, error)

	// AcquirePayoutClaim inserts the claim if absent. Exactly one concurrent
	// caller acquires; the others receive the winner's row with acquired=false
	// and must inspect it rather than retry blindly.
	AcquirePayoutClaim(ctx context.Context, claim *PayoutClaim) (existing *PayoutClaim, acquired bool, err error)
	// SetPayoutClaimTxSig records the confirmed signature on the claim row.
	SetPayoutClaimTxSig(ctx context.Context, commitmentID, milestoneID, txSig string) error
	// DeletePayoutClaim removes a claim so a retry can start from scratch.
	DeletePayoutClaim(ctx context.Context, commitmentID, milestoneID string) error
	// DeletePayoutClaimIfStale removes the claim only when it still has no
	// signature and predates cutoff. Used to take over abandoned claims.
	DeletePayoutClaimIfStale(ctx context.Context, commitmentID, milestoneID string, cutoff time.Time) (bool, error)
	// SweepAbandonedPayoutClaims deletes all signatureless claims older than
	// cutoff and reports how many were removed.
	SweepAbandonedPayoutClaims(ctx context.Context, cutoff time.Time) (int64, error)

	// InsertMarketCapConfirmation records the one-time auto-approval decision.
	// acquired=false means another run already confirmed this milestone.
	InsertMarketCapConfirmation(ctx context.Context, conf *MarketCapConfirmation) (acquired bool, err error)
	// PinPair stores the first-observed trading pair for a commitment and
	// returns the pinned address; later calls return the original pin.
	PinPair(ctx context.Context, commitmentID, pairAddress string) (string, error)
	// InsertPriceSnapshot appends a price observation.
	InsertPriceSnapshot(ctx context.Context, snap *PriceSnapshot) error
	// ListPriceSnapshots returns a pair's observations at or after since,
	// oldest first.
	ListPriceSnapshots(ctx context.Context, pairAddress string, since time.Time) ([]PriceSnapshot, error)

	// CreateDistribution inserts a reward distribution with its allocations.
	// Unique per (commitment, milestone); returns ErrDuplicate on a second
	// create.
	CreateDistribution(ctx context.Context, dist *RewardDistribution, allocs []RewardAllocation) error
	// GetDistribution returns a milestone's distribution or ErrNotFound.
	GetDistribution(ctx context.Context, commitmentID, milestoneID string) (*RewardDistribution, error)
	// ListClaimableAllocations returns a signer's allocations that have no
	// confirmed claim yet, across all distributions.
	ListClaimableAllocations(ctx context.Context, signerPubkey string) ([]*RewardAllocation, error)
	// GetAllocation returns one allocation or ErrNotFound.
	GetAllocation(ctx context.Context, distributionID, signerPubkey string) (*RewardAllocation, error)
	// AcquireRewardClaim mirrors AcquirePayoutClaim for faucet claims.
	AcquireRewardClaim(ctx context.Context, claim *RewardClaim) (existing *RewardClaim, acquired bool, err error)
	// SetRewardClaimTxSig records the confirmed faucet transfer.
	SetRewardClaimTxSig(ctx context.Context, distributionID, signerPubkey, txSig string) error
	// DeleteRewardClaim removes a faucet claim for retry.
	DeleteRewardClaim(ctx context.Context, distributionID, signerPubkey string) error
	// WithAdvisoryLock runs fn while holding a session-scoped lock on key
	// (e.g. "claim_all:<commitment>:<wallet>"). Concurrent callers with the
	// same key serialize; the lock never survives fn.
	WithAdvisoryLock(ctx context.Context, key string, fn func(ctx context.Context) error) error

	// InsertWebhookDelivery records a delivery id durably. acquired=false
	// means the id was seen before and the delivery must be treated as a
	// duplicate.
	InsertWebhookDelivery(ctx context.Context, deliveryID string, payload []byte) (acquired bool, err error)
	// InsertAuditEvent appends an audit record.
	InsertAuditEvent(ctx context.Context, ev *AuditEvent) error
}
