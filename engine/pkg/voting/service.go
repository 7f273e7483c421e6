// Package voting implements the milestone vote path: the eligibility chain,
// signal recording, voter-weight snapshots for the reward faucet, and the
// inline re-normalization that keeps milestone state current after every
// accepted vote. It also carries the creator/admin lifecycle operations that
// move a milestone into and out of its vote window.
package voting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/anchorworks/escrowd/engine/pkg/commitment"
	"github.com/anchorworks/escrowd/engine/pkg/ledger"
	"github.com/anchorworks/escrowd/engine/pkg/pricefeed"
	"github.com/anchorworks/escrowd/engine/pkg/reward"
)

// Eligibility failures. Each is a distinct reason so callers can tell "not a
// token holder" from "below minimum value" from "window closed".
var (
	// ErrSelfVote rejects the creator voting on their own milestones.
	ErrSelfVote = errors.New("creator cannot vote on own commitment")
	// ErrNotVotable rejects votes on milestones that are not locked manual
	// milestones marked complete.
	ErrNotVotable = errors.New("milestone is not open for voting")
	// ErrWindowClosed rejects votes outside the open vote window.
	ErrWindowClosed = errors.New("vote window is not open")
	// ErrNotHolder rejects signers holding none of the project token.
	ErrNotHolder = errors.New("signer holds no project tokens")
	// ErrBelowMinimum rejects holders under the value floor.
	ErrBelowMinimum = errors.New("holdings below minimum voting value")
	// ErrNotCreator rejects lifecycle calls from anyone but the creator.
	ErrNotCreator = errors.New("caller is not the commitment creator")
)

// ServiceConfig configures the voting service.
type ServiceConfig struct {
	Logger    *slog.Logger
	Store     commitment.Store
	Ledger    ledger.Client
	Pricefeed pricefeed.Client
	Normalize commitment.NormalizeConfig
	// MinHoldingsUSD is the value floor for voting eligibility. Default $25.
	MinHoldingsUSD decimal.Decimal
	// MinTokenAmount is the raw-count fallback floor used when the price
	// feed is down. Default 1000 tokens.
	MinTokenAmount decimal.Decimal
	// Tiers feed the snapshot multiplier. Defaults to reward.DefaultTiers.
	Tiers []reward.MultiplierTier
	Clock clockwork.Clock
}

func (cfg *ServiceConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger client is required")
	}
	if cfg.Pricefeed == nil {
		return errors.New("pricefeed client is required")
	}
	if cfg.MinHoldingsUSD.IsZero() {
		cfg.MinHoldingsUSD = decimal.NewFromInt(25)
	}
	if cfg.MinTokenAmount.IsZero() {
		cfg.MinTokenAmount = decimal.NewFromInt(1_000)
	}
	if cfg.Tiers == nil {
		cfg.Tiers = reward.DefaultTiers()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Service is stateless between calls and safe for concurrent use.
type Service struct {
	log   *slog.Logger
	cfg   ServiceConfig
	store commitment.Store
	chain ledger.Client
	feed  pricefeed.Client
	clock clockwork.Clock
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		log:   cfg.Logger,
		cfg:   cfg,
		store: cfg.Store,
		chain: cfg.Ledger,
		feed:  cfg.Pricefeed,
		clock: cfg.Clock,
	}, nil
}

// VoteResult reports the tally after an accepted vote.
type VoteResult struct {
	Tally      commitment.Tally
	Commitment *commitment.Commitment
}

// CastVote records one vote after running the eligibility chain. The caller
// has already verified cryptographic control of signerPubkey. One vote per
// (milestone, signer); a second vote returns
// commitment.ErrDuplicateSignal rather than overwriting.
func (s *Service) CastVote(ctx context.Context, commitmentID, milestoneID, signerPubkey string, vote commitment.Vote) (*VoteResult, error) {
	if vote != commitment.VoteApprove && vote != commitment.VoteReject {
		return nil, fmt.Errorf("unknown vote %q", vote)
	}
	now := s.clock.Now()

	c, err := s.store.GetCommitment(ctx, commitmentID)
	if err != nil {
		return nil, err
	}
	if signerPubkey == c.CreatorPubkey {
		return nil, ErrSelfVote
	}

	m := c.Milestone(milestoneID)
	if m == nil {
		return nil, fmt.Errorf("milestone %q: %w", milestoneID, commitment.ErrNotFound)
	}
	if m.Status != commitment.MilestoneLocked || m.AutoKind != commitment.AutoManual {
		return nil, fmt.Errorf("%w: milestone is %s/%s", ErrNotVotable, m.Status, m.AutoKind)
	}
	if m.CompletedAtUnix == 0 {
		return nil, fmt.Errorf("%w: milestone is not marked complete", ErrNotVotable)
	}
	if !s.cfg.Normalize.VotingOpen(m, now.Unix()) {
		return nil, ErrWindowClosed
	}

	snapshot, err := s.qualifyHolder(ctx, c, signerPubkey)
	if err != nil {
		return nil, err
	}

	if err := s.store.InsertSignal(ctx, &commitment.MilestoneSignal{
		CommitmentID: commitmentID,
		MilestoneID:  milestoneID,
		SignerPubkey: signerPubkey,
		Vote:         vote,
		HoldingsUSD:  snapshot.USDValue,
	}); err != nil {
		return nil, err
	}

	// Snapshot weights for the reward faucet. Best effort: approval tallying
	// never depends on it.
	snapshot.CommitmentID = commitmentID
	snapshot.MilestoneID = milestoneID
	snapshot.SignerPubkey = signerPubkey
	if err := s.store.UpsertVoterSnapshot(ctx, snapshot); err != nil {
		s.log.Warn("voting: voter snapshot upsert failed",
			"commitment", commitmentID, "milestone", milestoneID, "signer", signerPubkey, "error", err)
	}

	updated, err := s.renormalize(ctx, commitmentID, now.Unix())
	if err != nil {
		return nil, err
	}
	tally, err := s.store.TallyMilestone(ctx, commitmentID, milestoneID)
	if err != nil {
		return nil, err
	}

	s.log.Info("voting: vote recorded",
		"commitment", commitmentID, "milestone", milestoneID, "signer", signerPubkey,
		"vote", vote, "approvals", tally.Approvals, "rejections", tally.Rejections)
	return &VoteResult{Tally: tally, Commitment: updated}, nil
}

// qualifyHolder enforces the holdings checks and builds the snapshot. When
// the commitment has no project token, eligibility is open and the snapshot
// carries zero weights.
func (s *Service) qualifyHolder(ctx context.Context, c *commitment.Commitment, signerPubkey string) (*commitment.VoterSnapshot, error) {
	snapshot := &commitment.VoterSnapshot{
		TokenAmount:   decimal.Zero,
		TokenPriceUSD: decimal.Zero,
		USDValue:      decimal.Zero,
		BoosterAmount: decimal.Zero,
		Multiplier:    decimal.NewFromInt(1),
	}
	if c.TokenMint == "" {
		return snapshot, nil
	}

	balance, err := s.chain.TokenBalance(ctx, signerPubkey, c.TokenMint)
	if err != nil && !errors.Is(err, ledger.ErrNoTokenAccount) {
		return nil, fmt.Errorf("failed to read token balance: %w", err)
	}
	if balance.IsZero() {
		return nil, ErrNotHolder
	}
	snapshot.TokenAmount = balance

	quote, err := s.feed.Quote(ctx, c.TokenMint)
	if err != nil {
		// Availability over precision: during a feed outage, fall back to a
		// raw token-count floor instead of blocking all voting.
		s.log.Warn("voting: price feed unavailable, using raw-count floor",
			"mint", c.TokenMint, "error", err)
		if balance.LessThan(s.cfg.MinTokenAmount) {
			return nil, fmt.Errorf("%w: %s tokens, need %s without a price",
				ErrBelowMinimum, balance.String(), s.cfg.MinTokenAmount.String())
		}
		snapshot.Multiplier = decimal.NewFromInt(1)
		return snapshot, nil
	}

	usdValue := balance.Mul(quote.PriceUSD)
	if usdValue.LessThan(s.cfg.MinHoldingsUSD) {
		return nil, fmt.Errorf("%w: $%s, need $%s",
			ErrBelowMinimum, usdValue.StringFixed(2), s.cfg.MinHoldingsUSD.StringFixed(2))
	}
	snapshot.TokenPriceUSD = quote.PriceUSD
	snapshot.USDValue = usdValue
	snapshot.Multiplier = reward.MultiplierFor(usdValue, s.cfg.Tiers)
	return snapshot, nil
}

// renormalize recomputes milestone state with fresh tallies, retrying lost
// version races against re-read state.
func (s *Service) renormalize(ctx context.Context, commitmentID string, nowUnix int64) (*commitment.Commitment, error) {
	for attempt := 0; attempt < 3; attempt++ {
		c, err := s.store.GetCommitment(ctx, commitmentID)
		if err != nil {
			return nil, err
		}
		tallies, err := s.store.TallyCommitment(ctx, commitmentID)
		if err != nil {
			return nil, err
		}
		ms, changed := commitment.Normalize(c.Milestones, c.TotalFundedLamports, nowUnix, tallies, s.cfg.Normalize)
		if !changed {
			return c, nil
		}
		next := &commitment.Commitment{Milestones: ms, Status: c.Status}
		updated, err := s.store.ReplaceMilestones(ctx, c.ID, c.Version, ms, c.UnlockedLamports, commitment.CommitmentStatusFor(next))
		if errors.Is(err, commitment.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("commitment %q kept changing during normalization", commitmentID)
}

// NormalizeCommitment re-runs normalization for one commitment with fresh
// tallies. Used by the admin sweep; votes and releases normalize inline.
func (s *Service) NormalizeCommitment(ctx context.Context, commitmentID string) (*commitment.Commitment, error) {
	return s.renormalize(ctx, commitmentID, s.clock.Now().Unix())
}

// NormalizeAll sweeps every non-terminal commitment. Milestones whose vote
// window closed with enough approvals become claimable without waiting for
// another vote or release call to trigger the transition. Returns how many
// commitments were visited; per-commitment failures are logged, not fatal.
func (s *Service) NormalizeAll(ctx context.Context) (int, error) {
	commitments, err := s.store.ListActiveCommitments(ctx)
	if err != nil {
		return 0, err
	}
	for _, c := range commitments {
		if _, err := s.renormalize(ctx, c.ID, s.clock.Now().Unix()); err != nil {
			s.log.Error("voting: sweep normalization failed", "commitment", c.ID, "error", err)
		}
	}
	return len(commitments), nil
}

// MarkCompleted records that the creator considers the milestone's work done,
// which arms the vote window. Creator only.
func (s *Service) MarkCompleted(ctx context.Context, commitmentID, milestoneID, callerPubkey string) (*commitment.Commitment, error) {
	return s.mutateMilestone(ctx, commitmentID, milestoneID, func(c *commitment.Commitment, m *commitment.Milestone) error {
		if callerPubkey != c.CreatorPubkey {
			return ErrNotCreator
		}
		if m.Status != commitment.MilestoneLocked {
			return fmt.Errorf("%w: milestone is %s", ErrNotVotable, m.Status)
		}
		if m.CompletedAtUnix == 0 {
			m.CompletedAtUnix = s.clock.Now().Unix()
		}
		return nil
	})
}

// OpenReview sets an explicit vote-window start, overriding the due date.
func (s *Service) OpenReview(ctx context.Context, commitmentID, milestoneID, callerPubkey string) (*commitment.Commitment, error) {
	return s.mutateMilestone(ctx, commitmentID, milestoneID, func(c *commitment.Commitment, m *commitment.Milestone) error {
		if callerPubkey != c.CreatorPubkey {
			return ErrNotCreator
		}
		if m.Status != commitment.MilestoneLocked {
			return fmt.Errorf("%w: milestone is %s", ErrNotVotable, m.Status)
		}
		if m.CompletedAtUnix == 0 {
			m.CompletedAtUnix = s.clock.Now().Unix()
		}
		if m.ReviewOpenedAtUnix == 0 {
			m.ReviewOpenedAtUnix = s.clock.Now().Unix()
		}
		return nil
	})
}

// Override is the admin escape hatch: force a locked milestone to claimable
// (with the usual claim delay) or to failed, bypassing the vote.
func (s *Service) Override(ctx context.Context, commitmentID, milestoneID string, approve bool, reason string) (*commitment.Commitment, error) {
	now := s.clock.Now().Unix()
	updated, err := s.mutateMilestone(ctx, commitmentID, milestoneID, func(c *commitment.Commitment, m *commitment.Milestone) error {
		if m.Status != commitment.MilestoneLocked {
			return fmt.Errorf("%w: milestone is %s", ErrNotVotable, m.Status)
		}
		if approve {
			m.Status = commitment.MilestoneClaimable
			m.ApprovedAtUnix = now
			m.ClaimableAtUnix = now + s.claimDelaySeconds()
		} else {
			m.Status = commitment.MilestoneFailed
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, "milestone_override", commitmentID, milestoneID,
		fmt.Sprintf(`{"approve":%t,"reason":%q}`, approve, reason))
	return updated, nil
}

// MilestoneEdit carries the admin-editable milestone fields. Nil means leave
// unchanged.
type MilestoneEdit struct {
	Title         *string
	DueAtUnix     *int64
	UnlockPercent *int
}

// EditMilestone applies an admin edit. The unlock percent is immutable once
// the creator has marked the milestone complete or its lamport amount has
// been frozen, since voters and reserved-funds math have already seen it.
func (s *Service) EditMilestone(ctx context.Context, commitmentID, milestoneID string, edit MilestoneEdit) (*commitment.Commitment, error) {
	updated, err := s.mutateMilestone(ctx, commitmentID, milestoneID, func(c *commitment.Commitment, m *commitment.Milestone) error {
		if m.Status != commitment.MilestoneLocked {
			return fmt.Errorf("%w: milestone is %s", ErrNotVotable, m.Status)
		}
		if edit.UnlockPercent != nil {
			if m.CompletedAtUnix != 0 || m.UnlockLamports != 0 {
				return fmt.Errorf("%w: unlock percent is frozen", ErrNotVotable)
			}
			if *edit.UnlockPercent < 1 || *edit.UnlockPercent > 100 {
				return fmt.Errorf("unlock percent %d out of range", *edit.UnlockPercent)
			}
			m.UnlockPercent = *edit.UnlockPercent
		}
		if edit.Title != nil {
			m.Title = *edit.Title
		}
		if edit.DueAtUnix != nil {
			m.DueAtUnix = *edit.DueAtUnix
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, "milestone_edited", commitmentID, milestoneID, "{}")
	return updated, nil
}

func (s *Service) claimDelaySeconds() int64 {
	if s.cfg.Normalize.ClaimDelaySeconds > 0 {
		return s.cfg.Normalize.ClaimDelaySeconds
	}
	return commitment.DefaultClaimDelaySeconds
}

func (s *Service) mutateMilestone(ctx context.Context, commitmentID, milestoneID string, mutate func(c *commitment.Commitment, m *commitment.Milestone) error) (*commitment.Commitment, error) {
	for attempt := 0; attempt < 3; attempt++ {
		c, err := s.store.GetCommitment(ctx, commitmentID)
		if err != nil {
			return nil, err
		}
		m := c.Milestone(milestoneID)
		if m == nil {
			return nil, fmt.Errorf("milestone %q: %w", milestoneID, commitment.ErrNotFound)
		}
		if err := mutate(c, m); err != nil {
			return nil, err
		}
		updated, err := s.store.ReplaceMilestones(ctx, c.ID, c.Version, c.Milestones, c.UnlockedLamports, commitment.CommitmentStatusFor(c))
		if errors.Is(err, commitment.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("commitment %q kept changing", commitmentID)
}

func (s *Service) audit(ctx context.Context, kind, commitmentID, milestoneID, payload string) {
	if err := s.store.InsertAuditEvent(ctx, &commitment.AuditEvent{
		Kind:         kind,
		CommitmentID: commitmentID,
		MilestoneID:  milestoneID,
		Payload:      []byte(payload),
	}); err != nil {
		s.log.Warn("voting: audit event insert failed", "kind", kind, "commitment", commitmentID, "error", err)
	}
}

// WindowFor exposes the computed vote window for read surfaces.
func (s *Service) WindowFor(m *commitment.Milestone) (start, end time.Time, ok bool) {
	startUnix, endUnix, ok := s.cfg.Normalize.VoteWindow(m)
	if !ok {
		return time.Time{}, time.Time{}, false
	}
	return time.Unix(startUnix, 0).UTC(), time.Unix(endUnix, 0).UTC(), true
}
