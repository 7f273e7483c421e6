package commitment_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/anchorworks/escrowd/api/config"
	apitesting "github.com/anchorworks/escrowd/api/testing"
	"github.com/anchorworks/escrowd/engine/pkg/commitment"
	escrowtesting "github.com/anchorworks/escrowd/utils/pkg/testing"
)

var testDB *apitesting.DB

func TestMain(m *testing.M) {
	if os.Getenv("SKIP_PG_TESTS") == "true" {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	log := slog.Default()

	var err error
	testDB, err = apitesting.NewDB(ctx, log, nil)
	if err != nil {
		slog.Error("failed to start PostgreSQL container", "error", err)
		os.Exit(1)
	}
	if err := config.RunMigrations(log, testDB.ConnStr()); err != nil {
		slog.Error("failed to run migrations", "error", err)
		testDB.Close()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	os.Exit(code)
}

func newPGStore(t *testing.T) *commitment.PGStore {
	if testDB == nil {
		t.Skip("postgres tests disabled")
	}
	pool := apitesting.NewTestPool(t, testDB)
	store, err := commitment.NewPGStore(commitment.PGStoreConfig{
		Logger: escrowtesting.NewLogger(),
		Pool:   pool,
	})
	require.NoError(t, err)
	return store
}

func pgCommitment(id string) *commitment.Commitment {
	return &commitment.Commitment{
		ID:                  id,
		Kind:                commitment.KindCreatorReward,
		CreatorPubkey:       "Creator1111111111111111111111111111111111111",
		EscrowPubkey:        "Escrow111111111111111111111111111111111111111",
		CustodialWalletID:   "wallet-1",
		TokenMint:           "Mint11111111111111111111111111111111111111111",
		TotalFundedLamports: 2_000_000_000,
		Status:              commitment.StatusActive,
		Milestones: []commitment.Milestone{
			{ID: "m1", Title: "launch", UnlockPercent: 50, Status: commitment.MilestoneLocked, AutoKind: commitment.AutoManual},
			{
				ID: "m2", Title: "cap", UnlockPercent: 50,
				Status: commitment.MilestoneLocked, AutoKind: commitment.AutoMarketCap,
				MarketCapThresholdUSD: decimal.NewFromInt(1_000_000),
			},
		},
	}
}

func TestEscrowd_PGStore_CommitmentRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	store := newPGStore(t)

	c := pgCommitment("c-round")
	require.NoError(t, store.CreateCommitment(ctx, c))
	require.ErrorIs(t, store.CreateCommitment(ctx, c), commitment.ErrDuplicate)

	got, err := store.GetCommitment(ctx, "c-round")
	require.NoError(t, err)
	require.Equal(t, int64(1), got.Version)
	require.Equal(t, c.Kind, got.Kind)
	require.Equal(t, c.TotalFundedLamports, got.TotalFundedLamports)
	require.Len(t, got.Milestones, 2)
	require.True(t, got.Milestones[1].MarketCapThresholdUSD.Equal(decimal.NewFromInt(1_000_000)))

	_, err = store.GetCommitment(ctx, "missing")
	require.ErrorIs(t, err, commitment.ErrNotFound)
}

func TestEscrowd_PGStore_ReplaceMilestonesCAS(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	store := newPGStore(t)

	require.NoError(t, store.CreateCommitment(ctx, pgCommitment("c-cas")))
	got, err := store.GetCommitment(ctx, "c-cas")
	require.NoError(t, err)

	ms := got.Milestones
	ms[0].Status = commitment.MilestoneClaimable
	ms[0].ClaimableAtUnix = time.Now().Unix()

	updated, err := store.ReplaceMilestones(ctx, "c-cas", got.Version, ms, 0, commitment.StatusActive)
	require.NoError(t, err)
	require.Equal(t, got.Version+1, updated.Version)
	require.Equal(t, commitment.MilestoneClaimable, updated.Milestones[0].Status)

	_, err = store.ReplaceMilestones(ctx, "c-cas", got.Version, ms, 0, commitment.StatusActive)
	require.ErrorIs(t, err, commitment.ErrVersionConflict)

	_, err = store.ReplaceMilestones(ctx, "missing", 1, ms, 0, commitment.StatusActive)
	require.ErrorIs(t, err, commitment.ErrNotFound)
}

func TestEscrowd_PGStore_ListOutstandingMarketCap(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	store := newPGStore(t)

	require.NoError(t, store.CreateCommitment(ctx, pgCommitment("c-mc")))

	manualOnly := pgCommitment("c-manual")
	manualOnly.Milestones = manualOnly.Milestones[:1]
	require.NoError(t, store.CreateCommitment(ctx, manualOnly))

	out, err := store.ListOutstandingMarketCap(ctx)
	require.NoError(t, err)

	ids := make([]string, 0, len(out))
	for _, c := range out {
		ids = append(ids, c.ID)
	}
	require.Contains(t, ids, "c-mc")
	require.NotContains(t, ids, "c-manual")
}

func TestEscrowd_PGStore_SignalsAndSnapshots(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	store := newPGStore(t)

	require.NoError(t, store.CreateCommitment(ctx, pgCommitment("c-sig")))

	sig := &commitment.MilestoneSignal{
		CommitmentID: "c-sig", MilestoneID: "m1", SignerPubkey: "alice",
		Vote: commitment.VoteApprove, HoldingsUSD: decimal.NewFromFloat(123.45),
	}
	require.NoError(t, store.InsertSignal(ctx, sig))
	require.ErrorIs(t, store.InsertSignal(ctx, sig), commitment.ErrDuplicateSignal)
	require.NoError(t, store.InsertSignal(ctx, &commitment.MilestoneSignal{
		CommitmentID: "c-sig", MilestoneID: "m1", SignerPubkey: "bob", Vote: commitment.VoteReject,
	}))

	tally, err := store.TallyMilestone(ctx, "c-sig", "m1")
	require.NoError(t, err)
	require.Equal(t, commitment.Tally{Approvals: 1, Rejections: 1}, tally)

	all, err := store.TallyCommitment(ctx, "c-sig")
	require.NoError(t, err)
	require.Equal(t, commitment.Tally{Approvals: 1, Rejections: 1}, all["m1"])
	require.Equal(t, commitment.Tally{}, all["m2"])

	snap := &commitment.VoterSnapshot{
		CommitmentID: "c-sig", MilestoneID: "m1", SignerPubkey: "alice",
		TokenAmount:   decimal.NewFromInt(1000),
		TokenPriceUSD: decimal.NewFromFloat(0.5),
		USDValue:      decimal.NewFromInt(500),
		BoosterAmount: decimal.Zero,
		Multiplier:    decimal.NewFromInt(1),
	}
	require.NoError(t, store.UpsertVoterSnapshot(ctx, snap))

	snap.Multiplier = decimal.NewFromInt(2)
	require.NoError(t, store.UpsertVoterSnapshot(ctx, snap))

	snaps, err := store.ListVoterSnapshots(ctx, "c-sig", "m1")
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	require.True(t, snaps[0].Multiplier.Equal(decimal.NewFromInt(2)))
	require.True(t, snaps[0].USDValue.Equal(decimal.NewFromInt(500)))
}

func TestEscrowd_PGStore_PayoutClaimAtMostOne(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	store := newPGStore(t)

	claim := &commitment.PayoutClaim{CommitmentID: "c-pay", MilestoneID: "m1", ToPubkey: "dest", AmountLamports: 999}

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.AcquirePayoutClaim(ctx, claim)
			require.NoError(t, err)
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for ok := range results {
		if ok {
			wins++
		}
	}
	require.Equal(t, 1, wins)

	require.NoError(t, store.SetPayoutClaimTxSig(ctx, "c-pay", "m1", "sig-123"))
	existing, ok, err := store.AcquirePayoutClaim(ctx, claim)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, "sig-123", existing.TxSig)

	// Signed claims never count as stale.
	deleted, err := store.DeletePayoutClaimIfStale(ctx, "c-pay", "m1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.False(t, deleted)

	require.NoError(t, store.DeletePayoutClaim(ctx, "c-pay", "m1"))
	_, ok, err = store.AcquirePayoutClaim(ctx, claim)
	require.NoError(t, err)
	require.True(t, ok)

	// Unsigned and old enough: takeover succeeds.
	deleted, err = store.DeletePayoutClaimIfStale(ctx, "c-pay", "m1", time.Now().Add(time.Second))
	require.NoError(t, err)
	require.True(t, deleted)
}

func TestEscrowd_PGStore_MarketCapAndPrices(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	store := newPGStore(t)

	ok, err := store.InsertMarketCapConfirmation(ctx, &commitment.MarketCapConfirmation{
		CommitmentID: "c-conf", MilestoneID: "m2", Evidence: []byte(`{"run":5}`),
	})
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.InsertMarketCapConfirmation(ctx, &commitment.MarketCapConfirmation{
		CommitmentID: "c-conf", MilestoneID: "m2", Evidence: []byte(`{"run":9}`),
	})
	require.NoError(t, err)
	require.False(t, ok)

	pinned, err := store.PinPair(ctx, "c-conf", "pairA")
	require.NoError(t, err)
	require.Equal(t, "pairA", pinned)
	pinned, err = store.PinPair(ctx, "c-conf", "pairB")
	require.NoError(t, err)
	require.Equal(t, "pairA", pinned)

	base := time.Now().Truncate(time.Second).UTC()
	for i := 0; i < 3; i++ {
		require.NoError(t, store.InsertPriceSnapshot(ctx, &commitment.PriceSnapshot{
			TokenMint:    "Mint",
			PairAddress:  "pairA",
			PriceUSD:     decimal.NewFromFloat(0.002),
			LiquidityUSD: decimal.NewFromInt(60_000),
			VolumeH24USD: decimal.NewFromInt(15_000),
			ObservedAt:   base.Add(time.Duration(i) * time.Minute),
		}))
	}

	snaps, err := store.ListPriceSnapshots(ctx, "pairA", base.Add(30*time.Second))
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	require.True(t, snaps[0].ObservedAt.Before(snaps[1].ObservedAt))
}

func TestEscrowd_PGStore_RewardClaimFlow(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	store := newPGStore(t)

	dist := &commitment.RewardDistribution{
		ID: "dist-1", CommitmentID: "c-rw", MilestoneID: "m1", RewardMint: "Mint", PoolAmount: 1_000,
	}
	allocs := []commitment.RewardAllocation{
		{DistributionID: "dist-1", SignerPubkey: "alice", Amount: 700},
		{DistributionID: "dist-1", SignerPubkey: "bob", Amount: 300},
	}
	require.NoError(t, store.CreateDistribution(ctx, dist, allocs))
	require.ErrorIs(t, store.CreateDistribution(ctx, dist, allocs), commitment.ErrDuplicate)

	got, err := store.GetDistribution(ctx, "c-rw", "m1")
	require.NoError(t, err)
	require.Equal(t, uint64(1_000), got.PoolAmount)

	claimable, err := store.ListClaimableAllocations(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, claimable, 1)

	_, ok, err := store.AcquireRewardClaim(ctx, &commitment.RewardClaim{DistributionID: "dist-1", SignerPubkey: "alice"})
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.SetRewardClaimTxSig(ctx, "dist-1", "alice", "sig-rw"))

	claimable, err = store.ListClaimableAllocations(ctx, "alice")
	require.NoError(t, err)
	require.Empty(t, claimable)

	// An unsigned claim row keeps the allocation claimable after cleanup.
	_, ok, err = store.AcquireRewardClaim(ctx, &commitment.RewardClaim{DistributionID: "dist-1", SignerPubkey: "bob"})
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.DeleteRewardClaim(ctx, "dist-1", "bob"))
	claimable, err = store.ListClaimableAllocations(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, claimable, 1)
}

func TestEscrowd_PGStore_AdvisoryLock(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	store := newPGStore(t)

	var inside, max int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.WithAdvisoryLock(ctx, "claim_all:c1:alice", func(ctx context.Context) error {
				mu.Lock()
				inside++
				if inside > max {
					max = inside
				}
				mu.Unlock()
				time.Sleep(20 * time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Equal(t, 1, max)
}

func TestEscrowd_PGStore_WebhookAndAudit(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	store := newPGStore(t)

	ok, err := store.InsertWebhookDelivery(ctx, "dlv-9", []byte(`{"event":"funding"}`))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.InsertWebhookDelivery(ctx, "dlv-9", []byte(`{"event":"funding"}`))
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.InsertAuditEvent(ctx, &commitment.AuditEvent{
		Kind: "milestone_released", CommitmentID: "c-x", MilestoneID: "m1",
		Payload: []byte(`{"txSig":"abc"}`),
	}))
}
