// Package payout orchestrates milestone fund releases. Each release runs the
// idempotent claim protocol: insert-if-absent claim acquisition, a single
// ledger transfer, and history-scan reconciliation when the transfer outcome
// is ambiguous. The package never double-pays a milestone regardless of how
// many concurrent or retried callers invoke it.
package payout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/anchorworks/escrowd/engine/pkg/commitment"
	"github.com/anchorworks/escrowd/engine/pkg/ledger"
)

// ExecutorConfig configures the payout executor.
type ExecutorConfig struct {
	Logger *slog.Logger
	Store  commitment.Store
	Ledger ledger.Client
	// Normalize is the same configuration the voting service uses; the
	// executor re-runs normalization before trusting a claimable flag.
	Normalize commitment.NormalizeConfig
	// ClaimStaleAfter is the abandonment threshold for signatureless claims.
	// Default 120s.
	ClaimStaleAfter time.Duration
	// HistoryLookback bounds the reconciliation scan after an ambiguous
	// send. Default 1h.
	HistoryLookback time.Duration
	Clock           clockwork.Clock
}

func (cfg *ExecutorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger client is required")
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

// Executor runs the release protocol. Stateless between calls; safe for
// concurrent use.
type Executor struct {
	log   *slog.Logger
	cfg   ExecutorConfig
	store commitment.Store
	chain ledger.Client
	clock clockwork.Clock
}

func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Executor{
		log:   cfg.Logger,
		cfg:   cfg,
		store: cfg.Store,
		chain: cfg.Ledger,
		clock: cfg.Clock,
	}, nil
}

// ClaimStaleAfter exposes the abandonment threshold so sweep jobs cut at the
// same age the takeover path uses.
func (e *Executor) ClaimStaleAfter() time.Duration {
	return e.cfg.ClaimStaleAfter
}

// ReleaseResult is a successful release: the confirming signature and the
// commitment state after the milestone moved to released.
type ReleaseResult struct {
	TxSig      string
	Commitment *commitment.Commitment
}

// Release pays out one milestone to the commitment's creator. Idempotent: a
// retry after success returns the original signature.
func (e *Executor) Release(ctx context.Context, commitmentID, milestoneID string) (*ReleaseResult, error) {
	now := e.clock.Now()

	c, err := e.refreshCommitment(ctx, commitmentID, now.Unix())
	if err != nil {
		return nil, err
	}
	if c.Status == commitment.StatusFailed || c.Status == commitment.StatusArchived {
		return nil, ErrCommitmentNotActive
	}

	m := c.Milestone(milestoneID)
	if m == nil {
		return nil, fmt.Errorf("milestone %q: %w", milestoneID, commitment.ErrNotFound)
	}
	if m.Status == commitment.MilestoneReleased {
		return &ReleaseResult{TxSig: m.ReleasedTxSig, Commitment: c}, nil
	}
	if !m.Releasable(now.Unix()) {
		return nil, fmt.Errorf("%w: milestone %q is %s, claimable at %d",
			ErrNotReleasable, milestoneID, m.Status, m.ClaimableAtUnix)
	}

	to := c.CreatorPubkey
	amount := m.UnlockLamports
	if amount == 0 {
		return nil, fmt.Errorf("%w: milestone %q has no unlock amount", ErrNotReleasable, milestoneID)
	}

	balance, err := e.chain.Balance(ctx, c.EscrowPubkey)
	if err != nil {
		return nil, fmt.Errorf("failed to read escrow balance: %w", err)
	}
	reserved := ReservedLamports(c, milestoneID)
	if AvailableLamports(balance, reserved) < amount {
		return nil, fmt.Errorf("%w: balance=%d reserved=%d need=%d",
			ErrUnderfunded, balance, reserved, amount)
	}

	claim, err := e.acquireClaim(ctx, c, milestoneID, to, amount, now)
	if err != nil {
		return nil, err
	}
	if claim != nil && claim.TxSig != "" {
		// A prior attempt already confirmed; make sure the milestone record
		// caught up and report the original signature.
		return e.finalize(ctx, commitmentID, milestoneID, claim.TxSig, amount)
	}

	res := e.chain.SendTransfer(ctx, ledger.TransferRequest{
		FromSecret: c.EscrowSecret,
		WalletID:   c.CustodialWalletID,
		From:       c.EscrowPubkey,
		To:         to,
		Lamports:   amount,
	})
	switch res.Status {
	case ledger.SendConfirmed:
		if err := e.store.SetPayoutClaimTxSig(ctx, commitmentID, milestoneID, res.TxSig); err != nil {
			return nil, fmt.Errorf("transfer %s confirmed but claim update failed: %w", res.TxSig, err)
		}
		return e.finalize(ctx, commitmentID, milestoneID, res.TxSig, amount)

	case ledger.SendAmbiguous:
		return e.reconcile(ctx, c, milestoneID, to, amount, now, res)

	default:
		// Definitive failure: keep the claim so concurrent callers stay
		// blocked while the cause is investigated.
		e.log.Error("payout: transfer failed",
			"commitment", commitmentID, "milestone", milestoneID,
			"to", to, "lamports", amount, "error", res.Err)
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, res.Err)
	}
}

// refreshCommitment re-runs normalization against fresh tallies so release
// decisions never trust a stale claimable flag. Lost version races are
// retried against re-read state.
func (e *Executor) refreshCommitment(ctx context.Context, commitmentID string, nowUnix int64) (*commitment.Commitment, error) {
	for attempt := 0; attempt < 3; attempt++ {
		c, err := e.store.GetCommitment(ctx, commitmentID)
		if err != nil {
			return nil, err
		}
		tallies, err := e.store.TallyCommitment(ctx, commitmentID)
		if err != nil {
			return nil, err
		}
		ms, changed := commitment.Normalize(c.Milestones, c.TotalFundedLamports, nowUnix, tallies, e.cfg.Normalize)
		if !changed {
			return c, nil
		}
		next := &commitment.Commitment{Milestones: ms, Status: c.Status}
		updated, err := e.store.ReplaceMilestones(ctx, c.ID, c.Version, ms, c.UnlockedLamports, commitment.CommitmentStatusFor(next))
		if errors.Is(err, commitment.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("%w: commitment %q kept changing during normalization", ErrClaimInProgress, commitmentID)
}

// acquireClaim runs protocol step 1. Returns the existing claim when it holds
// a signature (idempotent success path), nil when a fresh claim was acquired.
func (e *Executor) acquireClaim(ctx context.Context, c *commitment.Commitment, milestoneID, to string, amount uint64, now time.Time) (*commitment.PayoutClaim, error) {
	for attempt := 0; attempt < 2; attempt++ {
		existing, acquired, err := e.store.AcquirePayoutClaim(ctx, &commitment.PayoutClaim{
			CommitmentID:   c.ID,
			MilestoneID:    milestoneID,
			ToPubkey:       to,
			AmountLamports: amount,
		})
		if err != nil {
			return nil, err
		}
		if acquired {
			return nil, nil
		}
		if existing.ToPubkey != to || existing.AmountLamports != amount {
			e.log.Error("payout: claim mismatch, refusing to proceed",
				"commitment", c.ID, "milestone", milestoneID,
				"claim_to", existing.ToPubkey, "claim_lamports", existing.AmountLamports,
				"want_to", to, "want_lamports", amount)
			return nil, ErrClaimMismatch
		}
		if existing.TxSig != "" {
			return existing, nil
		}
		if now.Sub(existing.CreatedAt) < e.cfg.ClaimStaleAfter {
			return nil, ErrClaimInProgress
		}
		// Abandoned: the previous owner died without recording an outcome.
		// Take over by deleting only if it is still signatureless and old.
		deleted, err := e.store.DeletePayoutClaimIfStale(ctx, c.ID, milestoneID, now.Add(-e.cfg.ClaimStaleAfter))
		if err != nil {
			return nil, err
		}
		if !deleted {
			return nil, ErrClaimInProgress
		}
		e.log.Warn("payout: took over abandoned claim",
			"commitment", c.ID, "milestone", milestoneID, "age", now.Sub(existing.CreatedAt).String())
	}
	return nil, ErrClaimInProgress
}

// reconcile resolves an ambiguous send by scanning the escrow's transaction
// history for the exact transfer. Found means the earlier attempt landed and
// the release completes with the recovered signature; not found clears the
// claim and surfaces a retryable error.
func (e *Executor) reconcile(ctx context.Context, c *commitment.Commitment, milestoneID, to string, amount uint64, now time.Time, res ledger.SendResult) (*ReleaseResult, error) {
	e.log.Warn("payout: ambiguous transfer, scanning history",
		"commitment", c.ID, "milestone", milestoneID, "tx_sig", res.TxSig, "error", res.Err)

	sig, found, err := e.chain.FindTransfer(ctx, ledger.TransferQuery{
		From:     c.EscrowPubkey,
		To:       to,
		Lamports: amount,
		Since:    now.Add(-e.cfg.HistoryLookback),
	})
	if err != nil {
		// The scan itself failed; keep the claim so nothing double-sends and
		// let a later attempt reconcile.
		return nil, fmt.Errorf("%w: history scan failed: %v", ErrClaimInProgress, err)
	}
	if found {
		e.log.Info("payout: recovered ambiguous transfer from history",
			"commitment", c.ID, "milestone", milestoneID, "tx_sig", sig)
		if err := e.store.SetPayoutClaimTxSig(ctx, c.ID, milestoneID, sig); err != nil {
			return nil, fmt.Errorf("recovered transfer %s but claim update failed: %w", sig, err)
		}
		return e.finalize(ctx, c.ID, milestoneID, sig, amount)
	}

	if err := e.store.DeletePayoutClaim(ctx, c.ID, milestoneID); err != nil {
		return nil, fmt.Errorf("failed to clear claim after unresolved send: %w", err)
	}
	return nil, fmt.Errorf("%w: %v", ErrRetryRelease, res.Err)
}

// finalize marks the milestone released and rolls the accounting forward. The
// whole-document replace runs under version CAS with bounded retries.
func (e *Executor) finalize(ctx context.Context, commitmentID, milestoneID, txSig string, amount uint64) (*ReleaseResult, error) {
	nowUnix := e.clock.Now().Unix()

	for attempt := 0; attempt < 5; attempt++ {
		c, err := e.store.GetCommitment(ctx, commitmentID)
		if err != nil {
			return nil, err
		}
		m := c.Milestone(milestoneID)
		if m == nil {
			return nil, fmt.Errorf("milestone %q: %w", milestoneID, commitment.ErrNotFound)
		}
		if m.Status == commitment.MilestoneReleased {
			return &ReleaseResult{TxSig: m.ReleasedTxSig, Commitment: c}, nil
		}

		m.Status = commitment.MilestoneReleased
		m.ReleasedAtUnix = nowUnix
		m.ReleasedTxSig = txSig

		unlocked := c.ReleasedLamports()
		status := commitment.CommitmentStatusFor(c)

		updated, err := e.store.ReplaceMilestones(ctx, c.ID, c.Version, c.Milestones, unlocked, status)
		if errors.Is(err, commitment.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		e.audit(ctx, updated.ID, milestoneID, txSig, amount)
		e.log.Info("payout: milestone released",
			"commitment", updated.ID, "milestone", milestoneID,
			"tx_sig", txSig, "lamports", amount, "commitment_status", updated.Status)
		return &ReleaseResult{TxSig: txSig, Commitment: updated}, nil
	}
	return nil, fmt.Errorf("failed to record release of %s/%s after retries", commitmentID, milestoneID)
}

func (e *Executor) audit(ctx context.Context, commitmentID, milestoneID, txSig string, amount uint64) {
	payload, err := json.Marshal(map[string]any{
		"txSig":          txSig,
		"amountLamports": amount,
	})
	if err != nil {
		return
	}
	if err := e.store.InsertAuditEvent(ctx, &commitment.AuditEvent{
		Kind:         "milestone_released",
		CommitmentID: commitmentID,
		MilestoneID:  milestoneID,
		Payload:      payload,
	}); err != nil {
		e.log.Warn("payout: audit event insert failed", "commitment", commitmentID, "error", err)
	}
}
