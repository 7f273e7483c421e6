package marketcap

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func usd(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestEscrowd_LongestRun_BelowThresholdBreaksRun(t *testing.T) {
	t.Parallel()

	// The dip at t=140 resets the run even though every gap here is within
	// tolerance. Value breaks are unconditional.
	samples := []Sample{
		{AtUnix: 0, MarketCapUSD: usd(120_000)},
		{AtUnix: 50, MarketCapUSD: usd(130_000)},
		{AtUnix: 140, MarketCapUSD: usd(90_000)},
		{AtUnix: 200, MarketCapUSD: usd(125_000)},
		{AtUnix: 260, MarketCapUSD: usd(140_000)},
	}
	run := LongestRun(samples, usd(100_000), 100)
	require.Equal(t, int64(200), run.StartUnix)
	require.Equal(t, int64(260), run.EndUnix)
	require.Equal(t, int64(60), run.Duration())
}

func TestEscrowd_LongestRun_GapTolerance(t *testing.T) {
	t.Parallel()

	samples := []Sample{
		{AtUnix: 0, MarketCapUSD: usd(120_000)},
		{AtUnix: 90, MarketCapUSD: usd(120_000)},
		{AtUnix: 180, MarketCapUSD: usd(120_000)},
	}

	// Gaps of 90s merge into one run when the tolerance allows it.
	run := LongestRun(samples, usd(100_000), 100)
	require.Equal(t, int64(0), run.StartUnix)
	require.Equal(t, int64(180), run.EndUnix)
	require.Equal(t, int64(180), run.Duration())

	// The same gaps split into single-sample runs when the tolerance
	// shrinks below them. A gap is absence of evidence, not evidence that
	// the cap held.
	run = LongestRun(samples, usd(100_000), 60)
	require.Equal(t, int64(0), run.Duration())
	require.Equal(t, int64(0), run.StartUnix)
}

func TestEscrowd_LongestRun_PicksLongestWindow(t *testing.T) {
	t.Parallel()

	samples := []Sample{
		{AtUnix: 0, MarketCapUSD: usd(120_000)},
		{AtUnix: 50, MarketCapUSD: usd(120_000)},
		{AtUnix: 100, MarketCapUSD: usd(80_000)},
		{AtUnix: 150, MarketCapUSD: usd(120_000)},
		{AtUnix: 200, MarketCapUSD: usd(120_000)},
		{AtUnix: 250, MarketCapUSD: usd(120_000)},
	}
	run := LongestRun(samples, usd(100_000), 100)
	require.Equal(t, int64(150), run.StartUnix)
	require.Equal(t, int64(250), run.EndUnix)
	require.Equal(t, int64(100), run.Duration())
}

func TestEscrowd_LongestRun_TieGoesToEarliest(t *testing.T) {
	t.Parallel()

	samples := []Sample{
		{AtUnix: 0, MarketCapUSD: usd(120_000)},
		{AtUnix: 60, MarketCapUSD: usd(120_000)},
		{AtUnix: 100, MarketCapUSD: usd(80_000)},
		{AtUnix: 200, MarketCapUSD: usd(120_000)},
		{AtUnix: 260, MarketCapUSD: usd(120_000)},
	}
	run := LongestRun(samples, usd(100_000), 100)
	require.Equal(t, int64(0), run.StartUnix)
}

func TestEscrowd_LongestRun_Boundaries(t *testing.T) {
	t.Parallel()

	require.Equal(t, int64(0), LongestRun(nil, usd(100_000), 100).Duration())

	// Exactly at threshold counts as above.
	run := LongestRun([]Sample{
		{AtUnix: 0, MarketCapUSD: usd(100_000)},
		{AtUnix: 50, MarketCapUSD: usd(100_000)},
	}, usd(100_000), 100)
	require.Equal(t, int64(50), run.Duration())

	// All samples below threshold yields an empty run.
	run = LongestRun([]Sample{
		{AtUnix: 0, MarketCapUSD: usd(10)},
		{AtUnix: 50, MarketCapUSD: usd(20)},
	}, usd(100_000), 100)
	require.Equal(t, 0, run.Samples)
	require.Equal(t, int64(0), run.Duration())
}
