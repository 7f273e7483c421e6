// Package reward is the secondary faucet: per approved milestone a pool is
// split among qualifying voters weighted by their snapshots, and each voter
// withdraws their share at most once under the same claim protocol the payout
// executor uses.
package reward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/anchorworks/escrowd/engine/pkg/commitment"
	"github.com/anchorworks/escrowd/engine/pkg/ledger"
)

var (
	// ErrNoVoters means a distribution was requested for a milestone with no
	// voter snapshots.
	ErrNoVoters = errors.New("no qualifying voters to distribute to")
	// ErrClaimInProgress means another in-flight attempt owns this claim.
	ErrClaimInProgress = errors.New("reward claim already in progress")
	// ErrRetryClaim means the transfer did not land; the claim was cleared
	// and the caller may retry.
	ErrRetryClaim = errors.New("reward transfer did not land, retry")
	// ErrTransferFailed wraps a definitive on-chain failure; the claim row is
	// kept so nothing double-sends.
	ErrTransferFailed = errors.New("reward transfer failed")
)

// ServiceConfig configures the reward faucet.
type ServiceConfig struct {
	Logger *slog.Logger
	Store  commitment.Store
	Ledger ledger.Client
	// TreasuryPubkey and TreasurySecret identify the wallet that funds
	// reward payouts.
	TreasuryPubkey string
	TreasurySecret string
	// ClaimStaleAfter is the abandonment threshold for signatureless claims.
	// Default 120s.
	ClaimStaleAfter time.Duration
	// HistoryLookback bounds reconciliation scans. Default 1h.
	HistoryLookback time.Duration
	Clock           clockwork.Clock
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
	if cfg.TreasuryPubkey == "" {
		return errors.New("treasury pubkey is required")
	}
	if cfg.ClaimStaleAfter == 0 {
		cfg.ClaimStaleAfter = 2 * time.Minute
	}
	if cfg.HistoryLookback == 0 {
		cfg.HistoryLookback = time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Service struct {
	log   *slog.Logger
	cfg   ServiceConfig
	store commitment.Store
	chain ledger.Client
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
		clock: cfg.Clock,
	}, nil
}

// Distribute creates the reward distribution for a milestone, splitting pool
// among its voters proportionally to snapshot weight (usdValue * multiplier).
// When every snapshot has zero weight (a price outage during the whole vote
// window) the pool splits evenly by head-count. One distribution per
// milestone; a second call returns commitment.ErrDuplicate.
func (s *Service) Distribute(ctx context.Context, commitmentID, milestoneID, rewardMint string, pool uint64) (*commitment.RewardDistribution, error) {
	snaps, err := s.store.ListVoterSnapshots(ctx, commitmentID, milestoneID)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, ErrNoVoters
	}

	dist := &commitment.RewardDistribution{
		ID:           uuid.New().String(),
		CommitmentID: commitmentID,
		MilestoneID:  milestoneID,
		RewardMint:   rewardMint,
		PoolAmount:   pool,
	}
	allocs := allocate(dist.ID, pool, snaps)

	if err := s.store.CreateDistribution(ctx, dist, allocs); err != nil {
		return nil, err
	}
	s.log.Info("reward: distribution created",
		"commitment", commitmentID, "milestone", milestoneID,
		"distribution", dist.ID, "pool", pool, "voters", len(allocs))
	return dist, nil
}

// allocate splits pool by snapshot weight with floor division; the rounding
// remainder goes to the heaviest voter so the pool is spent exactly.
func allocate(distributionID string, pool uint64, snaps []*commitment.VoterSnapshot) []commitment.RewardAllocation {
	weights := make([]decimal.Decimal, len(snaps))
	total := decimal.Zero
	for i, snap := range snaps {
		weights[i] = snap.USDValue.Mul(snap.Multiplier)
		total = total.Add(weights[i])
	}
	if total.IsZero() {
		// Equal split fallback.
		for i := range weights {
			weights[i] = decimal.NewFromInt(1)
		}
		total = decimal.NewFromInt(int64(len(snaps)))
	}

	allocs := make([]commitment.RewardAllocation, len(snaps))
	poolDec := decimal.NewFromUint64(pool)
	var spent uint64
	heaviest := 0
	for i, snap := range snaps {
		share := poolDec.Mul(weights[i]).Div(total).Floor()
		amount := uint64(share.IntPart())
		allocs[i] = commitment.RewardAllocation{
			DistributionID: distributionID,
			SignerPubkey:   snap.SignerPubkey,
			Amount:         amount,
		}
		spent += amount
		if weights[i].GreaterThan(weights[heaviest]) {
			heaviest = i
		}
	}
	if spent < pool {
		allocs[heaviest].Amount += pool - spent
	}
	return allocs
}

// ClaimResult is one successful reward withdrawal.
type ClaimResult struct {
	DistributionID string
	Amount         uint64
	TxSig          string
}

// Claim withdraws one allocation. Idempotent: retrying a confirmed claim
// returns the original signature without a second transfer.
func (s *Service) Claim(ctx context.Context, distributionID, signerPubkey string) (*ClaimResult, error) {
	alloc, err := s.store.GetAllocation(ctx, distributionID, signerPubkey)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()

	existing, acquired, err := s.store.AcquireRewardClaim(ctx, &commitment.RewardClaim{
		DistributionID: distributionID,
		SignerPubkey:   signerPubkey,
	})
	if err != nil {
		return nil, err
	}
	if !acquired {
		if existing.TxSig != "" {
			return &ClaimResult{DistributionID: distributionID, Amount: alloc.Amount, TxSig: existing.TxSig}, nil
		}
		if now.Sub(existing.CreatedAt) < s.cfg.ClaimStaleAfter {
			return nil, ErrClaimInProgress
		}
		// Abandoned: clear it and take over.
		if err := s.store.DeleteRewardClaim(ctx, distributionID, signerPubkey); err != nil {
			return nil, err
		}
		_, acquired, err = s.store.AcquireRewardClaim(ctx, &commitment.RewardClaim{
			DistributionID: distributionID,
			SignerPubkey:   signerPubkey,
		})
		if err != nil {
			return nil, err
		}
		if !acquired {
			return nil, ErrClaimInProgress
		}
	}

	res := s.chain.SendTransfer(ctx, ledger.TransferRequest{
		FromSecret: s.cfg.TreasurySecret,
		From:       s.cfg.TreasuryPubkey,
		To:         signerPubkey,
		Lamports:   alloc.Amount,
	})
	switch res.Status {
	case ledger.SendConfirmed:
		if err := s.store.SetRewardClaimTxSig(ctx, distributionID, signerPubkey, res.TxSig); err != nil {
			return nil, fmt.Errorf("transfer %s confirmed but claim update failed: %w", res.TxSig, err)
		}
		s.log.Info("reward: claim paid",
			"distribution", distributionID, "signer", signerPubkey,
			"amount", alloc.Amount, "tx_sig", res.TxSig)
		return &ClaimResult{DistributionID: distributionID, Amount: alloc.Amount, TxSig: res.TxSig}, nil

	case ledger.SendAmbiguous:
		sig, found, scanErr := s.chain.FindTransfer(ctx, ledger.TransferQuery{
			From:     s.cfg.TreasuryPubkey,
			To:       signerPubkey,
			Lamports: alloc.Amount,
			Since:    now.Add(-s.cfg.HistoryLookback),
		})
		if scanErr != nil {
			return nil, fmt.Errorf("%w: history scan failed: %v", ErrClaimInProgress, scanErr)
		}
		if found {
			if err := s.store.SetRewardClaimTxSig(ctx, distributionID, signerPubkey, sig); err != nil {
				return nil, fmt.Errorf("recovered transfer %s but claim update failed: %w", sig, err)
			}
			return &ClaimResult{DistributionID: distributionID, Amount: alloc.Amount, TxSig: sig}, nil
		}
		if err := s.store.DeleteRewardClaim(ctx, distributionID, signerPubkey); err != nil {
			return nil, fmt.Errorf("failed to clear claim after unresolved send: %w", err)
		}
		return nil, fmt.Errorf("%w: %v", ErrRetryClaim, res.Err)

	default:
		s.log.Error("reward: transfer failed",
			"distribution", distributionID, "signer", signerPubkey,
			"amount", alloc.Amount, "error", res.Err)
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, res.Err)
	}
}

// ClaimAll withdraws every claimable allocation for a wallet under one
// advisory lock, so concurrent claim-all calls for the same wallet serialize
// instead of interleaving partial batches. Distributions whose claims are in
// progress elsewhere are skipped, not failed.
func (s *Service) ClaimAll(ctx context.Context, signerPubkey string) ([]*ClaimResult, error) {
	var results []*ClaimResult
	key := "claim_all:" + signerPubkey

	err := s.store.WithAdvisoryLock(ctx, key, func(ctx context.Context) error {
		allocs, err := s.store.ListClaimableAllocations(ctx, signerPubkey)
		if err != nil {
			return err
		}
		for _, alloc := range allocs {
			res, err := s.Claim(ctx, alloc.DistributionID, signerPubkey)
			if errors.Is(err, ErrClaimInProgress) {
				s.log.Debug("reward: skipping in-progress claim during claim-all",
					"distribution", alloc.DistributionID, "signer", signerPubkey)
				continue
			}
			if err != nil {
				return err
			}
			results = append(results, res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Claimable lists a wallet's unclaimed allocations.
func (s *Service) Claimable(ctx context.Context, signerPubkey string) ([]*commitment.RewardAllocation, error) {
	return s.store.ListClaimableAllocations(ctx, signerPubkey)
}
