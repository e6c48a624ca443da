package xp

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestBaseXPFloorsAndHasMinimum(t *testing.T) {
	require.Equal(t, int64(10), BaseXP(50))    // below the minimum floors to 10
	require.Equal(t, int64(10), BaseXP(999))   // 9.99 floors to 9, clamped to 10
	require.Equal(t, int64(50), BaseXP(5000))  // $50.00 -> 50 base xp
	require.Equal(t, int64(123), BaseXP(12399)) // floor(123.99) = 123
}

func TestLevelForXPThresholds(t *testing.T) {
	require.Equal(t, 1, LevelForXP(0))
	require.Equal(t, 1, LevelForXP(99))
	require.Equal(t, 2, LevelForXP(100))
	require.Equal(t, 2, LevelForXP(299))
	require.Equal(t, 3, LevelForXP(300))
	require.Equal(t, 10, LevelForXP(18500))
	require.Equal(t, 10, LevelForXP(999999)) // beyond the last threshold stays capped
}

func TestStreakMultiplierTiers(t *testing.T) {
	require.Equal(t, "1", StreakMultiplier(1).String())
	require.Equal(t, "1", StreakMultiplier(2).String())
	require.Equal(t, "1.1", StreakMultiplier(3).String())
	require.Equal(t, "1.1", StreakMultiplier(6).String())
	require.Equal(t, "1.2", StreakMultiplier(7).String())
	require.Equal(t, "1.2", StreakMultiplier(13).String())
	require.Equal(t, "1.3", StreakMultiplier(14).String())
	require.Equal(t, "1.3", StreakMultiplier(29).String())
	require.Equal(t, "1.5", StreakMultiplier(30).String())
	require.Equal(t, "1.5", StreakMultiplier(365).String())
}

func TestDecayFactorDecreasesWithTotalXP(t *testing.T) {
	zero := DecayFactor(0)
	require.True(t, zero.Equal(decimal.RequireFromString("1")))

	high := DecayFactor(10000)
	require.True(t, high.LessThan(zero))
}

func TestEffectiveAndFinalXPFloor(t *testing.T) {
	decay := DecayFactor(0) // 1.0 at zero prior xp
	require.Equal(t, int64(50), EffectiveXP(50, decay))

	multiplier := StreakMultiplier(7) // 1.2
	require.Equal(t, int64(60), FinalXP(50, multiplier))
}

func TestNextStreakWindowing(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	require.Equal(t, 1, NextStreak(0, nil, base))

	sameDay := base.Add(3 * time.Hour)
	require.Equal(t, 5, NextStreak(5, &base, sameDay))

	nextDay := base.Add(24 * time.Hour)
	require.Equal(t, 6, NextStreak(5, &base, nextDay))

	graceWindow := base.Add(47 * time.Hour) // day+2, 1h past midnight: within 2h grace
	require.Equal(t, 6, NextStreak(5, &base, graceWindow))

	tooLate := base.Add(50 * time.Hour) // day+2, past the 2h grace window
	require.Equal(t, 1, NextStreak(5, &base, tooLate))

	wayLater := base.Add(72 * time.Hour)
	require.Equal(t, 1, NextStreak(5, &base, wayLater))
}
