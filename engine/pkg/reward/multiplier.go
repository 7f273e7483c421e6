package reward

import "github.com/shopspring/decimal"

// MultiplierTier maps a minimum USD holdings value to a reward weight
// multiplier.
type MultiplierTier struct {
	MinUSD     decimal.Decimal
	Multiplier decimal.Decimal
}

// DefaultTiers weight larger holders more without letting whales dominate:
// three tiers, capped at 3x.
func DefaultTiers() []MultiplierTier {
	return []MultiplierTier{
		{MinUSD: decimal.NewFromInt(1_000), Multiplier: decimal.NewFromInt(3)},
		{MinUSD: decimal.NewFromInt(250), Multiplier: decimal.NewFromInt(2)},
	}
}

// MultiplierFor returns the multiplier for a holdings value: the first tier
// whose floor it clears, or 1. Tiers must be sorted by MinUSD descending.
func MultiplierFor(usdValue decimal.Decimal, tiers []MultiplierTier) decimal.Decimal {
	for _, tier := range tiers {
		if usdValue.GreaterThanOrEqual(tier.MinUSD) {
			return tier.Multiplier
		}
	}
	return decimal.NewFromInt(1)
}
