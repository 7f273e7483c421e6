package commitment

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestEscrowd_Commitment_Validate(t *testing.T) {
	t.Parallel()

	valid := func() *Commitment { return testCommitment("c1") }

	tests := []struct {
		name    string
		mutate  func(c *Commitment)
		wantErr string
	}{
		{"valid", func(c *Commitment) {}, ""},
		{"missing id", func(c *Commitment) { c.ID = "" }, "id is required"},
		{"unknown kind", func(c *Commitment) { c.Kind = "corporate" }, "unknown commitment kind"},
		{"no signer capability", func(c *Commitment) { c.EscrowSecret = "" }, "exactly one of escrow secret"},
		{"both signer capabilities", func(c *Commitment) { c.CustodialWalletID = "w1" }, "exactly one of escrow secret"},
		{"zero funding", func(c *Commitment) { c.TotalFundedLamports = 0 }, "must be positive"},
		{"no milestones", func(c *Commitment) { c.Milestones = nil }, "at least one milestone"},
		{"duplicate milestone id", func(c *Commitment) { c.Milestones[1].ID = c.Milestones[0].ID }, "duplicate id"},
		{"percent and lamports both set", func(c *Commitment) { c.Milestones[0].UnlockLamports = 5 }, "exactly one of unlock percent"},
		{"neither percent nor lamports", func(c *Commitment) { c.Milestones[0].UnlockPercent = 0 }, "exactly one of unlock percent"},
		{"percent sum above 100", func(c *Commitment) { c.Milestones[0].UnlockPercent = 90 }, "exceeding 100"},
		{"market cap without threshold", func(c *Commitment) {
			c.Milestones[0].AutoKind = AutoMarketCap
		}, "threshold must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestEscrowd_Milestone_Releasable(t *testing.T) {
	t.Parallel()

	now := int64(1_700_000_000)

	m := Milestone{Status: MilestoneClaimable, ClaimableAtUnix: now}
	require.True(t, m.Releasable(now))
	require.False(t, m.Releasable(now-1))

	// approved is only releasable for market-cap milestones, after the delay.
	m = Milestone{Status: MilestoneApproved, AutoKind: AutoMarketCap, ClaimableAtUnix: now}
	require.True(t, m.Releasable(now))
	require.False(t, m.Releasable(now-1))

	m = Milestone{Status: MilestoneApproved, AutoKind: AutoManual, ClaimableAtUnix: now}
	require.False(t, m.Releasable(now))

	for _, st := range []MilestoneStatus{MilestoneLocked, MilestoneReleased, MilestoneFailed} {
		m = Milestone{Status: st, ClaimableAtUnix: 0}
		require.False(t, m.Releasable(now), st)
	}
}

func TestEscrowd_Commitment_ReleasedAccounting(t *testing.T) {
	t.Parallel()

	c := &Commitment{
		Milestones: []Milestone{
			{ID: "m1", Status: MilestoneReleased, UnlockLamports: 600},
			{ID: "m2", Status: MilestoneClaimable, UnlockLamports: 400},
		},
	}
	require.False(t, c.AllReleased())
	require.Equal(t, uint64(600), c.ReleasedLamports())
	require.NotNil(t, c.Milestone("m2"))
	require.Nil(t, c.Milestone("m3"))

	c.Milestones[1].Status = MilestoneReleased
	require.True(t, c.AllReleased())
	require.Equal(t, uint64(1000), c.ReleasedLamports())
}

func TestEscrowd_Commitment_ValidateMarketCapThreshold(t *testing.T) {
	t.Parallel()

	c := testCommitment("c1")
	c.Milestones[0].AutoKind = AutoMarketCap
	c.Milestones[0].MarketCapThresholdUSD = decimal.NewFromInt(500_000)
	require.NoError(t, c.Validate())
}
