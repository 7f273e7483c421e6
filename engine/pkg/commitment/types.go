// Package commitment holds the escrow data model: commitments, their milestone
// documents, votes, voter snapshots, and the claim rows that guard payout and
// confirmation idempotency.
package commitment

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Kind distinguishes personal escrows from creator-reward escrows.
type Kind string

const (
	KindPersonal      Kind = "personal"
	KindCreatorReward Kind = "creator_reward"
)

// Status is the commitment-level lifecycle. Completed, failed, and archived are
// terminal.
type Status string

const (
	StatusCreated   Status = "created"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusArchived  Status = "archived"
)

// Terminal reports whether no further milestone activity is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusArchived
}

// MilestoneStatus is the per-tranche state machine. A milestone never regresses:
// locked -> (approved ->) claimable -> released. Approved is only used on the
// market-cap auto path. Failed is reached only via the optional auto-fail rule.
type MilestoneStatus string

const (
	MilestoneLocked    MilestoneStatus = "locked"
	MilestoneApproved  MilestoneStatus = "approved"
	MilestoneClaimable MilestoneStatus = "claimable"
	MilestoneReleased  MilestoneStatus = "released"
	MilestoneFailed    MilestoneStatus = "failed"
)

// rank orders milestone statuses for the no-regression invariant.
func (s MilestoneStatus) rank() int {
	switch s {
	case MilestoneLocked:
		return 0
	case MilestoneApproved:
		return 1
	case MilestoneClaimable:
		return 2
	case MilestoneReleased:
		return 3
	case MilestoneFailed:
		return 4
	default:
		return -1
	}
}

// AutoKind selects the approval path for a milestone.
type AutoKind string

const (
	AutoManual    AutoKind = "manual"     // time-boxed holder vote
	AutoMarketCap AutoKind = "market_cap" // automated market-cap confirmation
)

// Vote is a single signal direction.
type Vote string

const (
	VoteApprove Vote = "approve"
	VoteReject  Vote = "reject"
)

// Milestone is one payout tranche inside a commitment's milestone document.
// Exactly one of UnlockPercent / UnlockLamports is set at creation; the lamport
// amount is computed once from the percent and frozen thereafter.
type Milestone struct {
	ID             string          `json:"id"`
	Title          string          `json:"title"`
	DueAtUnix      int64           `json:"dueAtUnix,omitempty"`
	UnlockPercent  int             `json:"unlockPercent,omitempty"`
	UnlockLamports uint64          `json:"unlockLamports,omitempty"`
	Status         MilestoneStatus `json:"status"`
	AutoKind       AutoKind        `json:"autoKind"`

	// Market-cap gated milestones only.
	MarketCapThresholdUSD  decimal.Decimal `json:"marketCapThresholdUsd"`
	RequireNoMintAuthority bool            `json:"requireNoMintAuthority,omitempty"`

	CompletedAtUnix    int64  `json:"completedAtUnix,omitempty"`
	ReviewOpenedAtUnix int64  `json:"reviewOpenedAtUnix,omitempty"`
	ApprovedAtUnix     int64  `json:"approvedAtUnix,omitempty"`
	ClaimableAtUnix    int64  `json:"claimableAtUnix,omitempty"`
	ReleasedAtUnix     int64  `json:"releasedAtUnix,omitempty"`
	ReleasedTxSig      string `json:"releasedTxSig,omitempty"`
}

// Releasable reports whether the payout executor may act on this milestone at
// the given time. Market-cap milestones sit in approved until their claim delay
// elapses; voted milestones sit in claimable.
func (m *Milestone) Releasable(nowUnix int64) bool {
	switch m.Status {
	case MilestoneClaimable:
		return nowUnix >= m.ClaimableAtUnix
	case MilestoneApproved:
		return m.AutoKind == AutoMarketCap && nowUnix >= m.ClaimableAtUnix
	default:
		return false
	}
}

// Commitment is one funded escrow agreement. The milestone slice is stored as a
// single versioned document; writers must replace the whole array under the
// version they read (see Store).
type Commitment struct {
	ID            string `json:"id"`
	Kind          Kind   `json:"kind"`
	CreatorPubkey string `json:"creatorPubkey"`
	EscrowPubkey  string `json:"escrowPubkey"`

	// Signing capability for the escrow: exactly one of the two is set.
	// EscrowSecret is a locally held base58 private key; CustodialWalletID
	// references a wallet at the custodial signer.
	EscrowSecret      string `json:"-"`
	CustodialWalletID string `json:"custodialWalletId,omitempty"`

	TokenMint           string `json:"tokenMint,omitempty"` // empty = native asset
	TotalFundedLamports uint64 `json:"totalFundedLamports"`
	UnlockedLamports    uint64 `json:"unlockedLamports"`

	Milestones []Milestone `json:"milestones"`
	Status     Status      `json:"status"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate checks creation-time invariants.
func (c *Commitment) Validate() error {
	if c.ID == "" {
		return errors.New("commitment id is required")
	}
	if c.Kind != KindPersonal && c.Kind != KindCreatorReward {
		return fmt.Errorf("unknown commitment kind %q", c.Kind)
	}
	if c.CreatorPubkey == "" {
		return errors.New("creator pubkey is required")
	}
	if c.EscrowPubkey == "" {
		return errors.New("escrow pubkey is required")
	}
	if (c.EscrowSecret == "") == (c.CustodialWalletID == "") {
		return errors.New("exactly one of escrow secret and custodial wallet id must be set")
	}
	if c.TotalFundedLamports == 0 {
		return errors.New("total funded lamports must be positive")
	}
	if c.UnlockedLamports > c.TotalFundedLamports {
		return fmt.Errorf("unlocked lamports %d exceeds total funded %d", c.UnlockedLamports, c.TotalFundedLamports)
	}
	if len(c.Milestones) == 0 {
		return errors.New("at least one milestone is required")
	}
	seen := make(map[string]bool, len(c.Milestones))
	percentSum := 0
	for i := range c.Milestones {
		m := &c.Milestones[i]
		if m.ID == "" {
			return fmt.Errorf("milestone %d: id is required", i)
		}
		if seen[m.ID] {
			return fmt.Errorf("milestone %d: duplicate id %q", i, m.ID)
		}
		seen[m.ID] = true
		if m.AutoKind != AutoManual && m.AutoKind != AutoMarketCap {
			return fmt.Errorf("milestone %q: unknown auto kind %q", m.ID, m.AutoKind)
		}
		if (m.UnlockPercent == 0) == (m.UnlockLamports == 0) {
			return fmt.Errorf("milestone %q: exactly one of unlock percent and unlock lamports must be set", m.ID)
		}
		if m.UnlockPercent < 0 || m.UnlockPercent > 100 {
			return fmt.Errorf("milestone %q: unlock percent %d out of range", m.ID, m.UnlockPercent)
		}
		percentSum += m.UnlockPercent
		if m.AutoKind == AutoMarketCap && !m.MarketCapThresholdUSD.IsPositive() {
			return fmt.Errorf("milestone %q: market-cap threshold must be positive", m.ID)
		}
	}
	if percentSum > 100 {
		return fmt.Errorf("milestone unlock percents sum to %d, exceeding 100", percentSum)
	}
	return nil
}

// Milestone returns the milestone with the given id, or nil.
func (c *Commitment) Milestone(id string) *Milestone {
	for i := range c.Milestones {
		if c.Milestones[i].ID == id {
			return &c.Milestones[i]
		}
	}
	return nil
}

// AllReleased reports whether every milestone has been paid out.
func (c *Commitment) AllReleased() bool {
	for i := range c.Milestones {
		if c.Milestones[i].Status != MilestoneReleased {
			return false
		}
	}
	return true
}

// ReleasedLamports sums the amounts of released milestones.
func (c *Commitment) ReleasedLamports() uint64 {
	var sum uint64
	for i := range c.Milestones {
		if c.Milestones[i].Status == MilestoneReleased {
			sum += c.Milestones[i].UnlockLamports
		}
	}
	return sum
}

// Tally is the head-count vote state for one milestone.
type Tally struct {
	Approvals  int `json:"approvals"`
	Rejections int `json:"rejections"`
}

// MilestoneSignal is one recorded vote. Unique per
// (commitment, milestone, signer); a second vote from the same signer is
// rejected, never overwritten.
type MilestoneSignal struct {
	CommitmentID string          `json:"commitmentId"`
	MilestoneID  string          `json:"milestoneId"`
	SignerPubkey string          `json:"signerPubkey"`
	Vote         Vote            `json:"vote"`
	HoldingsUSD  decimal.Decimal `json:"holdingsUsd"` // audit only, not tallied
	CreatedAt    time.Time       `json:"createdAt"`
}

// VoterSnapshot is the denormalized weight record per voter per milestone,
// consumed by the vote-reward faucet. It never feeds approval tallying.
type VoterSnapshot struct {
	CommitmentID  string          `json:"commitmentId"`
	MilestoneID   string          `json:"milestoneId"`
	SignerPubkey  string          `json:"signerPubkey"`
	TokenAmount   decimal.Decimal `json:"tokenAmount"`
	TokenPriceUSD decimal.Decimal `json:"tokenPriceUsd"`
	USDValue      decimal.Decimal `json:"usdValue"`
	BoosterAmount decimal.Decimal `json:"boosterAmount"`
	Multiplier    decimal.Decimal `json:"multiplier"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// PayoutClaim is the idempotency guard for a single milestone release. It is
// inserted before any ledger call; TxSig stays empty until the transfer is
// confirmed.
type PayoutClaim struct {
	CommitmentID   string    `json:"commitmentId"`
	MilestoneID    string    `json:"milestoneId"`
	ToPubkey       string    `json:"toPubkey"`
	AmountLamports uint64    `json:"amountLamports"`
	TxSig          string    `json:"txSig,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// MarketCapConfirmation records the auto-job's one-time approval decision with
// the evidence it was based on.
type MarketCapConfirmation struct {
	CommitmentID string    `json:"commitmentId"`
	MilestoneID  string    `json:"milestoneId"`
	Evidence     []byte    `json:"evidence"` // JSON payload: samples, thresholds, run length
	CreatedAt    time.Time `json:"createdAt"`
}

// PriceSnapshot is one observation of the pinned trading pair.
type PriceSnapshot struct {
	TokenMint    string          `json:"tokenMint"`
	PairAddress  string          `json:"pairAddress"`
	PriceUSD     decimal.Decimal `json:"priceUsd"`
	LiquidityUSD decimal.Decimal `json:"liquidityUsd"`
	VolumeH24USD decimal.Decimal `json:"volumeH24Usd"`
	ObservedAt   time.Time       `json:"observedAt"`
}

// RewardDistribution is a pool of a reward token split among qualifying voters
// of one milestone.
type RewardDistribution struct {
	ID           string    `json:"id"`
	CommitmentID string    `json:"commitmentId"`
	MilestoneID  string    `json:"milestoneId"`
	RewardMint   string    `json:"rewardMint"`
	PoolAmount   uint64    `json:"poolAmount"`
	CreatedAt    time.Time `json:"createdAt"`
}

// RewardAllocation is one voter's share of a distribution.
type RewardAllocation struct {
	DistributionID string `json:"distributionId"`
	SignerPubkey   string `json:"signerPubkey"`
	Amount         uint64 `json:"amount"`
}

// RewardClaim guards a voter's one-time withdrawal of an allocation, same
// pattern as PayoutClaim.
type RewardClaim struct {
	DistributionID string    `json:"distributionId"`
	SignerPubkey   string    `json:"signerPubkey"`
	TxSig          string    `json:"txSig,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// AuditEvent is an append-only operational record.
type AuditEvent struct {
	Kind         string    `json:"kind"`
	CommitmentID string    `json:"commitmentId,omitempty"`
	MilestoneID  string    `json:"milestoneId,omitempty"`
	Payload      []byte    `json:"payload,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}
