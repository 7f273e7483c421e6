package payout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/anchorworks/escrowd/engine/pkg/commitment"
	"github.com/anchorworks/escrowd/engine/pkg/ledger"
	escrowtesting "github.com/anchorworks/escrowd/utils/pkg/testing"
)

// fakeLedger scripts transfer outcomes and counts sends so tests can assert
// at-most-one submission.
type fakeLedger struct {
	mu       sync.Mutex
	balance  uint64
	sends    int
	scripted []ledger.SendResult
	foundSig string
	scanErr  error
}

func (f *fakeLedger) Balance(ctx context.Context, pubkey string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, nil
}

func (f *fakeLedger) SendTransfer(ctx context.Context, req ledger.TransferRequest) ledger.SendResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	if len(f.scripted) > 0 {
		res := f.scripted[0]
		f.scripted = f.scripted[1:]
		return res
	}
	return ledger.SendResult{Status: ledger.SendConfirmed, TxSig: "sig-default"}
}

func (f *fakeLedger) FindTransfer(ctx context.Context, q ledger.TransferQuery) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scanErr != nil {
		return "", false, f.scanErr
	}
	return f.foundSig, f.foundSig != "", nil
}

func (f *fakeLedger) TokenBalance(ctx context.Context, owner, mint string) (decimal.Decimal, error) {
	return decimal.Zero, ledger.ErrNoTokenAccount
}

func (f *fakeLedger) MintInfo(ctx context.Context, mint string) (ledger.MintInfo, error) {
	return ledger.MintInfo{}, errors.New("not implemented")
}

func (f *fakeLedger) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

type fixture struct {
	store *commitment.MemStore
	chain *fakeLedger
	clock *clockwork.FakeClock
	exec  *Executor
}

func newFixture(t *testing.T, balance uint64) *fixture {
	clock := clockwork.NewFakeClock()
	store := commitment.NewMemStore(clock)
	chain := &fakeLedger{balance: balance}

	exec, err := NewExecutor(ExecutorConfig{
		Logger: escrowtesting.NewLogger(),
		Store:  store,
		Ledger: chain,
		Clock:  clock,
	})
	require.NoError(t, err)
	return &fixture{store: store, chain: chain, clock: clock, exec: exec}
}

// seedClaimable stores a commitment whose first milestone is claimable as of
// the fixture's current clock.
func (fx *fixture) seedClaimable(t *testing.T, amount uint64) {
	now := fx.clock.Now().Unix()
	c := &commitment.Commitment{
		ID:                  "c1",
		Kind:                commitment.KindPersonal,
		CreatorPubkey:       "creator",
		EscrowPubkey:        "escrow",
		EscrowSecret:        "secret",
		TotalFundedLamports: 1_000,
		Status:              commitment.StatusActive,
		Milestones: []commitment.Milestone{
			{
				ID: "m1", Title: "first", UnlockLamports: amount,
				Status: commitment.MilestoneClaimable, AutoKind: commitment.AutoManual,
				CompletedAtUnix: now - 4*24*60*60,
				ApprovedAtUnix:  now - 60,
				ClaimableAtUnix: now,
			},
			{
				ID: "m2", Title: "second", UnlockLamports: 1_000 - amount,
				Status: commitment.MilestoneLocked, AutoKind: commitment.AutoManual,
			},
		},
	}
	require.NoError(t, fx.store.CreateCommitment(t.Context(), c))
}

func TestEscrowd_Payout_ReleaseHappyPath(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, 1_000)
	fx.seedClaimable(t, 500)

	res, err := fx.exec.Release(t.Context(), "c1", "m1")
	require.NoError(t, err)
	require.Equal(t, "sig-default", res.TxSig)
	require.Equal(t, 1, fx.chain.sendCount())

	m := res.Commitment.Milestone("m1")
	require.Equal(t, commitment.MilestoneReleased, m.Status)
	require.Equal(t, "sig-default", m.ReleasedTxSig)
	require.Equal(t, uint64(500), res.Commitment.UnlockedLamports)
	require.Equal(t, commitment.StatusActive, res.Commitment.Status)

	// Retrying a released milestone is a no-op returning the same signature.
	res2, err := fx.exec.Release(t.Context(), "c1", "m1")
	require.NoError(t, err)
	require.Equal(t, "sig-default", res2.TxSig)
	require.Equal(t, 1, fx.chain.sendCount())
}

func TestEscrowd_Payout_ConcurrentReleasesSendOnce(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, 1_000)
	fx.seedClaimable(t, 500)

	const callers = 12
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := fx.exec.Release(t.Context(), "c1", "m1")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	// Exactly one transfer hit the chain no matter how many callers raced.
	require.Equal(t, 1, fx.chain.sendCount())

	successes := 0
	for err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrClaimInProgress):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.GreaterOrEqual(t, successes, 1)

	got, err := fx.store.GetCommitment(t.Context(), "c1")
	require.NoError(t, err)
	require.Equal(t, commitment.MilestoneReleased, got.Milestone("m1").Status)
}

func TestEscrowd_Payout_PrematureReleaseRejected(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, 1_000)
	fx.seedClaimable(t, 500)

	// Push claimableAtUnix into the future.
	got, err := fx.store.GetCommitment(t.Context(), "c1")
	require.NoError(t, err)
	ms := got.Milestones
	ms[0].ClaimableAtUnix = fx.clock.Now().Unix() + 3600
	_, err = fx.store.ReplaceMilestones(t.Context(), "c1", got.Version, ms, 0, got.Status)
	require.NoError(t, err)

	_, err = fx.exec.Release(t.Context(), "c1", "m1")
	require.ErrorIs(t, err, ErrNotReleasable)
	require.Equal(t, 0, fx.chain.sendCount())

	fx.clock.Advance(time.Hour)
	_, err = fx.exec.Release(t.Context(), "c1", "m1")
	require.NoError(t, err)
}

func TestEscrowd_Payout_ReservedFundsBlockRelease(t *testing.T) {
	t.Parallel()

	// Balance covers m1 alone but not m1 plus the claimable m2 reservation.
	fx := newFixture(t, 700)
	now := int64(0)
	c := &commitment.Commitment{
		ID:                  "c1",
		Kind:                commitment.KindPersonal,
		CreatorPubkey:       "creator",
		EscrowPubkey:        "escrow",
		EscrowSecret:        "secret",
		TotalFundedLamports: 1_000,
		Status:              commitment.StatusActive,
		Milestones: []commitment.Milestone{
			{ID: "m1", Title: "a", UnlockLamports: 500, Status: commitment.MilestoneClaimable,
				AutoKind: commitment.AutoManual, ClaimableAtUnix: now},
			{ID: "m2", Title: "b", UnlockLamports: 500, Status: commitment.MilestoneClaimable,
				AutoKind: commitment.AutoManual, ClaimableAtUnix: now},
		},
	}
	require.NoError(t, fx.store.CreateCommitment(t.Context(), c))

	_, err := fx.exec.Release(t.Context(), "c1", "m1")
	require.ErrorIs(t, err, ErrUnderfunded)
	require.Equal(t, 0, fx.chain.sendCount())
}

func TestEscrowd_Payout_AmbiguousSendRecoveredFromHistory(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, 1_000)
	fx.seedClaimable(t, 500)

	fx.chain.scripted = []ledger.SendResult{
		{Status: ledger.SendAmbiguous, TxSig: "sig-lost", Err: errors.New("timed out awaiting confirmation")},
	}
	fx.chain.foundSig = "sig-recovered"

	res, err := fx.exec.Release(t.Context(), "c1", "m1")
	require.NoError(t, err)
	require.Equal(t, "sig-recovered", res.TxSig)
	require.Equal(t, 1, fx.chain.sendCount())
	require.Equal(t, commitment.MilestoneReleased, res.Commitment.Milestone("m1").Status)
}

func TestEscrowd_Payout_AmbiguousSendNotFoundIsRetryable(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, 1_000)
	fx.seedClaimable(t, 500)

	fx.chain.scripted = []ledger.SendResult{
		{Status: ledger.SendAmbiguous, Err: errors.New("blockhash not found")},
	}

	_, err := fx.exec.Release(t.Context(), "c1", "m1")
	require.ErrorIs(t, err, ErrRetryRelease)
	require.Equal(t, 1, fx.chain.sendCount())

	// The claim was cleared, so a retry re-attempts from scratch and
	// succeeds.
	res, err := fx.exec.Release(t.Context(), "c1", "m1")
	require.NoError(t, err)
	require.Equal(t, "sig-default", res.TxSig)
	require.Equal(t, 2, fx.chain.sendCount())
}

func TestEscrowd_Payout_HistoryScanFailureKeepsClaim(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, 1_000)
	fx.seedClaimable(t, 500)

	fx.chain.scripted = []ledger.SendResult{
		{Status: ledger.SendAmbiguous, Err: errors.New("timed out awaiting confirmation")},
	}
	fx.chain.scanErr = errors.New("rpc unavailable")

	_, err := fx.exec.Release(t.Context(), "c1", "m1")
	require.ErrorIs(t, err, ErrClaimInProgress)

	// The claim is still held, so an immediate retry is blocked too.
	fx.chain.scanErr = nil
	_, err = fx.exec.Release(t.Context(), "c1", "m1")
	require.ErrorIs(t, err, ErrClaimInProgress)
	require.Equal(t, 1, fx.chain.sendCount())
}

func TestEscrowd_Payout_FatalTransferKeepsClaim(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, 1_000)
	fx.seedClaimable(t, 500)

	fx.chain.scripted = []ledger.SendResult{
		{Status: ledger.SendFailed, Err: errors.New("custom program error: 0x1")},
	}

	_, err := fx.exec.Release(t.Context(), "c1", "m1")
	require.ErrorIs(t, err, ErrTransferFailed)

	_, err = fx.exec.Release(t.Context(), "c1", "m1")
	require.ErrorIs(t, err, ErrClaimInProgress)
	require.Equal(t, 1, fx.chain.sendCount())
}

func TestEscrowd_Payout_AbandonedClaimTakeover(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, 1_000)
	fx.seedClaimable(t, 500)

	fx.chain.scripted = []ledger.SendResult{
		{Status: ledger.SendFailed, Err: errors.New("custom program error: 0x1")},
	}
	_, err := fx.exec.Release(t.Context(), "c1", "m1")
	require.ErrorIs(t, err, ErrTransferFailed)

	// Once the abandonment threshold passes, a new attempt takes over the
	// signatureless claim and completes the release.
	fx.clock.Advance(3 * time.Minute)
	res, err := fx.exec.Release(t.Context(), "c1", "m1")
	require.NoError(t, err)
	require.Equal(t, "sig-default", res.TxSig)
	require.Equal(t, 2, fx.chain.sendCount())
}

func TestEscrowd_Payout_ClaimMismatchIsFatal(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, 1_000)
	fx.seedClaimable(t, 500)

	// A claim exists with a different amount, as if written by a misconfigured
	// deployment.
	_, acquired, err := fx.store.AcquirePayoutClaim(t.Context(), &commitment.PayoutClaim{
		CommitmentID: "c1", MilestoneID: "m1", ToPubkey: "creator", AmountLamports: 999,
	})
	require.NoError(t, err)
	require.True(t, acquired)

	_, err = fx.exec.Release(t.Context(), "c1", "m1")
	require.ErrorIs(t, err, ErrClaimMismatch)
	require.Equal(t, 0, fx.chain.sendCount())

	// Mismatches are never auto-resolved, even after the staleness window.
	fx.clock.Advance(time.Hour)
	_, err = fx.exec.Release(t.Context(), "c1", "m1")
	require.ErrorIs(t, err, ErrClaimMismatch)
}

func TestEscrowd_Payout_FailedCommitmentRejected(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, 1_000)
	fx.seedClaimable(t, 500)

	got, err := fx.store.GetCommitment(t.Context(), "c1")
	require.NoError(t, err)
	_, err = fx.store.ReplaceMilestones(t.Context(), "c1", got.Version, got.Milestones, 0, commitment.StatusFailed)
	require.NoError(t, err)

	_, err = fx.exec.Release(t.Context(), "c1", "m1")
	require.ErrorIs(t, err, ErrCommitmentNotActive)
}

func TestEscrowd_Payout_ReservedLamports(t *testing.T) {
	t.Parallel()

	c := &commitment.Commitment{
		Milestones: []commitment.Milestone{
			{ID: "m1", Status: commitment.MilestoneClaimable, UnlockLamports: 300},
			{ID: "m2", Status: commitment.MilestoneApproved, UnlockLamports: 200},
			{ID: "m3", Status: commitment.MilestoneLocked, UnlockLamports: 400},
			{ID: "m4", Status: commitment.MilestoneReleased, UnlockLamports: 100},
		},
	}
	require.Equal(t, uint64(200), ReservedLamports(c, "m1"))
	require.Equal(t, uint64(500), ReservedLamports(c, "m3"))

	require.Equal(t, uint64(0), AvailableLamports(100, 300))
	require.Equal(t, uint64(700), AvailableLamports(1_000, 300))
}
