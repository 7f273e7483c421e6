package commitment

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	testDay  = int64(24 * 60 * 60)
	testBase = int64(1_700_000_000)
)

func lockedManual(id string, percent int, completedAt int64) Milestone {
	return Milestone{
		ID:              id,
		Title:           "milestone " + id,
		UnlockPercent:   percent,
		Status:          MilestoneLocked,
		AutoKind:        AutoManual,
		CompletedAtUnix: completedAt,
	}
}

func TestEscrowd_Normalize_ApprovesAfterWindowCloses(t *testing.T) {
	t.Parallel()

	ms := []Milestone{lockedManual("m1", 40, testBase)}
	tallies := map[string]Tally{"m1": {Approvals: 3, Rejections: 1}}
	now := testBase + testDay + 1

	out, changed := Normalize(ms, 1_000_000_000, now, tallies, NormalizeConfig{})
	require.True(t, changed)
	require.Equal(t, MilestoneClaimable, out[0].Status)
	require.Equal(t, now, out[0].ApprovedAtUnix)
	require.Equal(t, now+2*testDay, out[0].ClaimableAtUnix)
	require.Equal(t, uint64(400_000_000), out[0].UnlockLamports)

	// Input slice is untouched.
	require.Equal(t, MilestoneLocked, ms[0].Status)
}

func TestEscrowd_Normalize_WindowStillOpen(t *testing.T) {
	t.Parallel()

	ms := []Milestone{lockedManual("m1", 0, testBase)}
	ms[0].UnlockLamports = 100
	tallies := map[string]Tally{"m1": {Approvals: 5}}

	// One second before the window closes.
	out, changed := Normalize(ms, 1000, testBase+testDay-1, tallies, NormalizeConfig{})
	require.False(t, changed)
	require.Equal(t, MilestoneLocked, out[0].Status)
}

func TestEscrowd_Normalize_ThresholdAndMajority(t *testing.T) {
	t.Parallel()

	now := testBase + testDay + 1
	tests := []struct {
		name      string
		tally     Tally
		threshold int
		want      MilestoneStatus
	}{
		{"below threshold", Tally{Approvals: 1}, 2, MilestoneLocked},
		{"meets threshold", Tally{Approvals: 2}, 2, MilestoneClaimable},
		{"tie is not approval", Tally{Approvals: 3, Rejections: 3}, 2, MilestoneLocked},
		{"rejections win", Tally{Approvals: 2, Rejections: 4}, 2, MilestoneLocked},
		{"higher threshold", Tally{Approvals: 4, Rejections: 0}, 5, MilestoneLocked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ms := []Milestone{lockedManual("m1", 10, testBase)}
			out, _ := Normalize(ms, 1000, now, map[string]Tally{"m1": tt.tally},
				NormalizeConfig{ApprovalThreshold: tt.threshold})
			require.Equal(t, tt.want, out[0].Status)
		})
	}
}

func TestEscrowd_Normalize_Idempotent(t *testing.T) {
	t.Parallel()

	ms := []Milestone{
		lockedManual("m1", 25, testBase),
		lockedManual("m2", 25, 0), // not complete
		lockedManual("m3", 50, testBase),
	}
	tallies := map[string]Tally{
		"m1": {Approvals: 2},
		"m3": {Approvals: 1, Rejections: 2},
	}
	now := testBase + testDay + 10

	first, changed := Normalize(ms, 4000, now, tallies, NormalizeConfig{})
	require.True(t, changed)

	second, changed := Normalize(first, 4000, now, tallies, NormalizeConfig{})
	require.False(t, changed)
	require.Equal(t, first, second)
}

func TestEscrowd_Normalize_SkipsIncompleteAndMarketCap(t *testing.T) {
	t.Parallel()

	mc := lockedManual("auto", 50, testBase)
	mc.AutoKind = AutoMarketCap
	ms := []Milestone{mc, lockedManual("manual", 50, 0)}
	tallies := map[string]Tally{"auto": {Approvals: 10}, "manual": {Approvals: 10}}

	out, changed := Normalize(ms, 1000, testBase+10*testDay, tallies, NormalizeConfig{})
	for i := range out {
		require.Equal(t, MilestoneLocked, out[i].Status)
	}
	// Only the lamport freeze counts as a change.
	require.True(t, changed)
	require.Equal(t, uint64(500), out[0].UnlockLamports)
}

func TestEscrowd_Normalize_WindowStartPrecedence(t *testing.T) {
	t.Parallel()

	m := lockedManual("m1", 10, testBase)
	m.DueAtUnix = testBase + 5*testDay
	m.ReviewOpenedAtUnix = testBase + testDay
	tallies := map[string]Tally{"m1": {Approvals: 2}}

	// Review-open wins by default: window is [base+1d, base+2d).
	now := testBase + 2*testDay + 1
	out, _ := Normalize([]Milestone{m}, 1000, now, tallies, NormalizeConfig{})
	require.Equal(t, MilestoneClaimable, out[0].Status)

	// Due-first pushes the window out to [base+5d, base+6d).
	out, _ = Normalize([]Milestone{m}, 1000, now, tallies, NormalizeConfig{WindowStart: WindowStartDueFirst})
	require.Equal(t, MilestoneLocked, out[0].Status)

	out, _ = Normalize([]Milestone{m}, 1000, testBase+6*testDay+1, tallies, NormalizeConfig{WindowStart: WindowStartDueFirst})
	require.Equal(t, MilestoneClaimable, out[0].Status)
}

func TestEscrowd_Normalize_AutoFail(t *testing.T) {
	t.Parallel()

	ms := []Milestone{lockedManual("m1", 0, testBase)}
	ms[0].UnlockLamports = 100
	tallies := map[string]Tally{"m1": {Approvals: 0, Rejections: 3}}
	windowEnd := testBase + testDay

	// Disabled by default: no quorum keeps the milestone locked forever.
	out, changed := Normalize(ms, 1000, windowEnd+100*testDay, tallies, NormalizeConfig{})
	require.False(t, changed)
	require.Equal(t, MilestoneLocked, out[0].Status)

	cfg := NormalizeConfig{AutoFailAfterSeconds: 7 * testDay}

	out, _ = Normalize(ms, 1000, windowEnd+7*testDay-1, tallies, cfg)
	require.Equal(t, MilestoneLocked, out[0].Status)

	out, changed = Normalize(ms, 1000, windowEnd+7*testDay, tallies, cfg)
	require.True(t, changed)
	require.Equal(t, MilestoneFailed, out[0].Status)
}

func TestEscrowd_Normalize_FreezesLamportsOnce(t *testing.T) {
	t.Parallel()

	ms := []Milestone{lockedManual("m1", 30, 0)}
	out, changed := Normalize(ms, 10_000, testBase, nil, NormalizeConfig{})
	require.True(t, changed)
	require.Equal(t, uint64(3000), out[0].UnlockLamports)

	// Frozen amount survives even if funding were to move.
	out2, changed := Normalize(out, 99_999, testBase, nil, NormalizeConfig{})
	require.False(t, changed)
	require.Equal(t, uint64(3000), out2[0].UnlockLamports)
}

func TestEscrowd_Normalize_VotingOpen(t *testing.T) {
	t.Parallel()

	cfg := NormalizeConfig{}
	m := lockedManual("m1", 10, testBase)

	require.False(t, cfg.VotingOpen(&m, testBase-1))
	require.True(t, cfg.VotingOpen(&m, testBase))
	require.True(t, cfg.VotingOpen(&m, testBase+testDay-1))
	require.False(t, cfg.VotingOpen(&m, testBase+testDay))

	incomplete := lockedManual("m2", 10, 0)
	incomplete.DueAtUnix = testBase
	require.False(t, cfg.VotingOpen(&incomplete, testBase+1))
}

func TestEscrowd_CommitmentStatusFor(t *testing.T) {
	t.Parallel()

	c := &Commitment{
		Status: StatusActive,
		Milestones: []Milestone{
			{ID: "m1", Status: MilestoneReleased},
			{ID: "m2", Status: MilestoneReleased},
		},
	}
	require.Equal(t, StatusCompleted, CommitmentStatusFor(c))

	c.Milestones[1].Status = MilestoneClaimable
	require.Equal(t, StatusActive, CommitmentStatusFor(c))

	c.Status = StatusFailed
	require.Equal(t, StatusFailed, CommitmentStatusFor(c))
}
