package xp

import (
	"math"

	"github.com/shopspring/decimal"
)

func init() {
	// spec §4.6, §9: XP math uses a decimal library at 20-digit precision
	// with truncating rounding to avoid floating-point drift.
	decimal.DivisionPrecision = 20
}

// LevelThresholds are the cumulative XP totals required for each of the ten
// levels (spec §4.6), index 0 is level 1's threshold.
var LevelThresholds = []int64{0, 100, 300, 700, 1500, 2700, 4500, 7000, 10500, 18500}

// LevelForXP returns the level (1-10) implied by a cumulative XP total.
// Totals beyond the last threshold stay at the maximum level.
func LevelForXP(totalXP int64) int {
	level := 1
	for i, threshold := range LevelThresholds {
		if totalXP >= threshold {
			level = i + 1
		}
	}
	return level
}

// BaseXP computes base_xp = max(10, floor(price_cents / 100)).
func BaseXP(priceCents int64) int64 {
	base := priceCents / 100
	if base < 10 {
		return 10
	}
	return base
}

// DecayFactor computes decay_factor = 1 / (1 + log10(1 + total_xp/1000)),
// truncated down to 4 decimals. total_xp is the user's XP total *before*
// this award.
func DecayFactor(totalXPBefore int64) decimal.Decimal {
	ratio := float64(totalXPBefore) / 1000.0
	raw := 1.0 / (1.0 + math.Log10(1.0+ratio))
	return decimal.NewFromFloat(raw).Truncate(4)
}

// EffectiveXP computes effective_xp = floor(base_xp * decay_factor).
func EffectiveXP(baseXP int64, decayFactor decimal.Decimal) int64 {
	product := decimal.NewFromInt(baseXP).Mul(decayFactor)
	return product.Truncate(0).IntPart()
}

// StreakMultiplier returns the multiplier tier for a given streak-day count
// (spec §4.6): [1,2]->1.0, [3,6]->1.1, [7,13]->1.2, [14,29]->1.3, [30,inf)->1.5.
func StreakMultiplier(streakDays int) decimal.Decimal {
	switch {
	case streakDays >= 30:
		return decimal.RequireFromString("1.5")
	case streakDays >= 14:
		return decimal.RequireFromString("1.3")
	case streakDays >= 7:
		return decimal.RequireFromString("1.2")
	case streakDays >= 3:
		return decimal.RequireFromString("1.1")
	default:
		return decimal.RequireFromString("1.0")
	}
}

// FinalXP computes final_xp = floor(effective_xp * streak_multiplier).
func FinalXP(effectiveXP int64, streakMultiplier decimal.Decimal) int64 {
	product := decimal.NewFromInt(effectiveXP).Mul(streakMultiplier)
	return product.Truncate(0).IntPart()
}
