// Package marketcap implements the automated confirmation job for
// market-cap gated milestones: snapshot ingestion against a permanently
// pinned trading pair, on-chain mint verification, liquidity and volume
// floors, contiguous-run evaluation, and exactly-once approval.
package marketcap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/anchorworks/escrowd/engine/pkg/commitment"
	"github.com/anchorworks/escrowd/engine/pkg/ledger"
	"github.com/anchorworks/escrowd/engine/pkg/pricefeed"
)

// JobConfig configures the confirmation job.
type JobConfig struct {
	Logger    *slog.Logger
	Store     commitment.Store
	Ledger    ledger.Client
	Pricefeed pricefeed.Client
	// MinMinutesAbove is how long the cap must hold above threshold.
	// Default 60.
	MinMinutesAbove int
	// MinSamples is the minimum observation count in the window. Default 5.
	MinSamples int
	// LiquidityFloorUSD disqualifies thin pools. Default $25,000.
	LiquidityFloorUSD decimal.Decimal
	// HourlyVolumeFloorUSD is the median hourly volume floor. Default $1,000.
	HourlyVolumeFloorUSD decimal.Decimal
	// MaxGapSeconds is the feed-hiccup tolerance between samples.
	// Default 300.
	MaxGapSeconds int64
	// ClaimDelaySeconds is the cooling-off period applied on approval.
	// Default 48h.
	ClaimDelaySeconds int64
	// Concurrency bounds how many commitments are evaluated in parallel.
	// Default 4.
	Concurrency int
	Clock       clockwork.Clock
}

func (cfg *JobConfig) Validate() error {
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
	if cfg.MinMinutesAbove == 0 {
		cfg.MinMinutesAbove = 60
	}
	if cfg.MinSamples == 0 {
		cfg.MinSamples = 5
	}
	if cfg.LiquidityFloorUSD.IsZero() {
		cfg.LiquidityFloorUSD = decimal.NewFromInt(25_000)
	}
	if cfg.HourlyVolumeFloorUSD.IsZero() {
		cfg.HourlyVolumeFloorUSD = decimal.NewFromInt(1_000)
	}
	if cfg.MaxGapSeconds == 0 {
		cfg.MaxGapSeconds = 300
	}
	if cfg.ClaimDelaySeconds == 0 {
		cfg.ClaimDelaySeconds = commitment.DefaultClaimDelaySeconds
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 4
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Job evaluates outstanding market-cap milestones. Safe to run concurrently
// with itself; the confirmation insert guarantees exactly-once approval.
type Job struct {
	log   *slog.Logger
	cfg   JobConfig
	store commitment.Store
	chain ledger.Client
	feed  pricefeed.Client
	clock clockwork.Clock
}

func NewJob(cfg JobConfig) (*Job, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Job{
		log:   cfg.Logger,
		cfg:   cfg,
		store: cfg.Store,
		chain: cfg.Ledger,
		feed:  cfg.Pricefeed,
		clock: cfg.Clock,
	}, nil
}

// Run processes every commitment with an outstanding market-cap milestone.
// Per-commitment failures are logged and do not abort the sweep.
func (j *Job) Run(ctx context.Context) error {
	commitments, err := j.store.ListOutstandingMarketCap(ctx)
	if err != nil {
		return fmt.Errorf("failed to list outstanding commitments: %w", err)
	}
	if len(commitments) == 0 {
		return nil
	}
	j.log.Info("marketcap: sweep started", "commitments", len(commitments))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.cfg.Concurrency)
	for _, c := range commitments {
		g.Go(func() error {
			if err := j.processCommitment(gctx, c); err != nil {
				j.log.Error("marketcap: commitment evaluation failed",
					"commitment", c.ID, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (j *Job) processCommitment(ctx context.Context, c *commitment.Commitment) error {
	if c.TokenMint == "" {
		return fmt.Errorf("commitment %s has market-cap milestones but no token mint", c.ID)
	}
	now := j.clock.Now()

	quote, err := j.ingestSnapshot(ctx, c, now)
	if err != nil {
		return err
	}

	info, err := j.chain.MintInfo(ctx, c.TokenMint)
	if err != nil {
		return fmt.Errorf("failed to verify mint: %w", err)
	}
	supply := decimal.NewFromUint64(info.Supply).Shift(-int32(info.Decimals))

	for i := range c.Milestones {
		m := &c.Milestones[i]
		if m.AutoKind != commitment.AutoMarketCap || m.Status != commitment.MilestoneLocked {
			continue
		}
		if m.RequireNoMintAuthority && !info.MintAuthorityRevoked {
			j.log.Info("marketcap: mint authority not revoked, skipping",
				"commitment", c.ID, "milestone", m.ID)
			continue
		}
		if err := j.evaluateMilestone(ctx, c, m, quote.PairAddress, supply, now); err != nil {
			return err
		}
	}
	return nil
}

// ingestSnapshot records the current observation against the pinned pair.
// The first pair ever observed for a commitment wins permanently, so a later
// switch to a manipulated pair cannot feed the evaluation.
func (j *Job) ingestSnapshot(ctx context.Context, c *commitment.Commitment, now time.Time) (pricefeed.Quote, error) {
	quote, err := j.feed.Quote(ctx, c.TokenMint)
	if err != nil {
		return pricefeed.Quote{}, fmt.Errorf("failed to fetch quote: %w", err)
	}
	pinned, err := j.store.PinPair(ctx, c.ID, quote.PairAddress)
	if err != nil {
		return pricefeed.Quote{}, err
	}
	if pinned != quote.PairAddress {
		quote, err = j.feed.QuotePair(ctx, pinned)
		if err != nil {
			return pricefeed.Quote{}, fmt.Errorf("failed to fetch pinned pair %s: %w", pinned, err)
		}
	}

	if err := j.store.InsertPriceSnapshot(ctx, &commitment.PriceSnapshot{
		TokenMint:    c.TokenMint,
		PairAddress:  pinned,
		PriceUSD:     quote.PriceUSD,
		LiquidityUSD: quote.LiquidityUSD,
		VolumeH24USD: quote.VolumeH24USD,
		ObservedAt:   now,
	}); err != nil {
		return pricefeed.Quote{}, err
	}
	quote.PairAddress = pinned
	return quote, nil
}

func (j *Job) evaluateMilestone(ctx context.Context, c *commitment.Commitment, m *commitment.Milestone, pair string, supply decimal.Decimal, now time.Time) error {
	window := time.Duration(j.cfg.MinMinutesAbove) * time.Minute
	snaps, err := j.store.ListPriceSnapshots(ctx, pair, now.Add(-window))
	if err != nil {
		return err
	}
	if len(snaps) < j.cfg.MinSamples {
		j.log.Debug("marketcap: not enough samples",
			"commitment", c.ID, "milestone", m.ID, "have", len(snaps), "need", j.cfg.MinSamples)
		return nil
	}

	volumes := make([]decimal.Decimal, 0, len(snaps))
	for _, snap := range snaps {
		if snap.LiquidityUSD.LessThan(j.cfg.LiquidityFloorUSD) {
			j.log.Info("marketcap: liquidity below floor, disqualified",
				"commitment", c.ID, "milestone", m.ID,
				"liquidity_usd", snap.LiquidityUSD.String())
			return nil
		}
		volumes = append(volumes, snap.VolumeH24USD.Div(decimal.NewFromInt(24)))
	}
	if medianDecimal(volumes).LessThan(j.cfg.HourlyVolumeFloorUSD) {
		j.log.Info("marketcap: median hourly volume below floor, disqualified",
			"commitment", c.ID, "milestone", m.ID)
		return nil
	}

	samples := make([]Sample, len(snaps))
	for i, snap := range snaps {
		samples[i] = Sample{
			AtUnix:       snap.ObservedAt.Unix(),
			MarketCapUSD: snap.PriceUSD.Mul(supply),
		}
	}
	run := LongestRun(samples, m.MarketCapThresholdUSD, j.cfg.MaxGapSeconds)
	required := int64(j.cfg.MinMinutesAbove) * 60
	if run.Duration() < required {
		j.log.Debug("marketcap: run too short",
			"commitment", c.ID, "milestone", m.ID,
			"run_seconds", run.Duration(), "required_seconds", required)
		return nil
	}

	return j.confirm(ctx, c.ID, m.ID, pair, supply, run, samples)
}

// confirm records the approval decision exactly once and transitions the
// milestone. When this run loses the confirmation race it still repairs the
// transition, so a crash between insert and transition cannot strand a
// confirmed milestone in locked.
func (j *Job) confirm(ctx context.Context, commitmentID, milestoneID, pair string, supply decimal.Decimal, run Run, samples []Sample) error {
	evidence, err := json.Marshal(map[string]any{
		"pairAddress":       pair,
		"circulatingSupply": supply.String(),
		"sampleCount":       len(samples),
		"runStartUnix":      run.StartUnix,
		"runEndUnix":        run.EndUnix,
		"runSeconds":        run.Duration(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode evidence: %w", err)
	}

	acquired, err := j.store.InsertMarketCapConfirmation(ctx, &commitment.MarketCapConfirmation{
		CommitmentID: commitmentID,
		MilestoneID:  milestoneID,
		Evidence:     evidence,
	})
	if err != nil {
		return err
	}
	if acquired {
		j.log.Info("marketcap: milestone confirmed",
			"commitment", commitmentID, "milestone", milestoneID,
			"run_seconds", run.Duration())
	}
	return j.approve(ctx, commitmentID, milestoneID)
}

func (j *Job) approve(ctx context.Context, commitmentID, milestoneID string) error {
	nowUnix := j.clock.Now().Unix()
	for attempt := 0; attempt < 3; attempt++ {
		c, err := j.store.GetCommitment(ctx, commitmentID)
		if err != nil {
			return err
		}
		m := c.Milestone(milestoneID)
		if m == nil {
			return fmt.Errorf("milestone %q: %w", milestoneID, commitment.ErrNotFound)
		}
		if m.Status != commitment.MilestoneLocked {
			return nil
		}
		m.Status = commitment.MilestoneApproved
		m.ApprovedAtUnix = nowUnix
		m.ClaimableAtUnix = nowUnix + j.cfg.ClaimDelaySeconds

		_, err = j.store.ReplaceMilestones(ctx, c.ID, c.Version, c.Milestones, c.UnlockedLamports, commitment.CommitmentStatusFor(c))
		if errors.Is(err, commitment.ErrVersionConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("commitment %q kept changing during approval", commitmentID)
}

func medianDecimal(vals []decimal.Decimal) decimal.Decimal {
	if len(vals) == 0 {
		return decimal.Zero
	}
	sorted := make([]decimal.Decimal, len(vals))
	copy(sorted, vals)
	sort.Slice(sorted, func(i, k int) bool { return sorted[i].LessThan(sorted[k]) })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return sorted[mid-1].Add(sorted[mid]).Div(decimal.NewFromInt(2))
}
