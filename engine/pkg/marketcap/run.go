package marketcap

import "github.com/shopspring/decimal"

// Sample is one market-cap observation.
type Sample struct {
	AtUnix       int64
	MarketCapUSD decimal.Decimal
}

// Run is a contiguous stretch of samples at or above a threshold.
type Run struct {
	StartUnix int64
	EndUnix   int64
	Samples   int
}

// Duration is the run's span in seconds. A single-sample run has duration 0.
func (r Run) Duration() int64 {
	if r.Samples == 0 {
		return 0
	}
	return r.EndUnix - r.StartUnix
}

// LongestRun finds the longest contiguous run of samples whose market cap is
// at or above threshold. Contiguity tolerates gaps up to maxGapSeconds
// between consecutive above-threshold samples, so feed hiccups do not reset
// the run; a below-threshold sample always breaks it regardless of gap.
// Samples must be sorted by time ascending. Ties go to the earliest run.
func LongestRun(samples []Sample, threshold decimal.Decimal, maxGapSeconds int64) Run {
	var best, current Run
	for _, s := range samples {
		if s.MarketCapUSD.LessThan(threshold) {
			// Value break: the cap dipped, the clock restarts.
			current = Run{}
			continue
		}
		switch {
		case current.Samples == 0:
			current = Run{StartUnix: s.AtUnix, EndUnix: s.AtUnix, Samples: 1}
		case s.AtUnix-current.EndUnix > maxGapSeconds:
			// Too long without an observation to trust continuity.
			current = Run{StartUnix: s.AtUnix, EndUnix: s.AtUnix, Samples: 1}
		default:
			current.EndUnix = s.AtUnix
			current.Samples++
		}
		if current.Duration() > best.Duration() {
			best = current
		}
	}
	return best
}
