package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestComputeXPFreshUserFiftyDollars(t *testing.T) {
	// Happy-path scenario: $50 task, hustler with 0 XP and no streak.
	b := ComputeXP(5000, 0, 0, decimal.Zero)

	assert.Equal(t, int64(50), b.BaseXP)
	assert.Equal(t, "1.0000", b.DecayFactor.StringFixed(4))
	assert.Equal(t, int64(50), b.EffectiveXP)
	assert.Equal(t, "1.00", b.StreakMultiplier.StringFixed(2))
	assert.Equal(t, int64(50), b.FinalXP)
}

func TestComputeXPFloorsAtTen(t *testing.T) {
	b := ComputeXP(250, 0, 0, decimal.Zero) // $2.50 task
	assert.Equal(t, int64(10), b.BaseXP)
	assert.Equal(t, int64(10), b.FinalXP)
}

func TestComputeXPDecayTruncatesDown(t *testing.T) {
	// total_xp 1000 => decay = 1/(1+log10(2)) = 0.768619... -> 0.7686
	b := ComputeXP(10000, 1000, 0, decimal.Zero)
	assert.Equal(t, "0.7686", b.DecayFactor.StringFixed(4))
	// floor(100 * 0.7686) = 76
	assert.Equal(t, int64(76), b.EffectiveXP)
}

func TestComputeXPDecayNeverIncreases(t *testing.T) {
	prev := int64(1 << 62)
	for _, total := range []int64{0, 100, 1000, 10000, 100000, 1000000} {
		b := ComputeXP(5000, total, 0, decimal.Zero)
		assert.LessOrEqual(t, b.FinalXP, prev, "total_xp=%d", total)
		prev = b.FinalXP
	}
}

func TestStreakMultiplierBuckets(t *testing.T) {
	tests := []struct {
		days int
		want string
	}{
		{0, "1.00"}, {2, "1.00"},
		{3, "1.10"}, {6, "1.10"},
		{7, "1.20"}, {13, "1.20"},
		{14, "1.30"}, {29, "1.30"},
		{30, "1.50"}, {365, "1.50"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StreakMultiplier(tt.days).StringFixed(2), "days=%d", tt.days)
	}
}

func TestComputeXPCategoryBonusClamped(t *testing.T) {
	// streak 30 (1.50) * bonus 1.60 = 2.40, clamps to 2.00
	b := ComputeXP(10000, 0, 30, decimal.RequireFromString("1.60"))
	assert.Equal(t, "2.00", b.StreakMultiplier.StringFixed(2))
	assert.Equal(t, int64(200), b.FinalXP)
}

func TestStreakDayGraceWindow(t *testing.T) {
	// 01:30 UTC falls inside the 2h grace window -> previous day.
	late := time.Date(2026, 3, 10, 1, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), StreakDay(late))

	// 02:30 UTC is past the grace window -> same day.
	morning := time.Date(2026, 3, 10, 2, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), StreakDay(morning))
}

func TestNextStreak(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	yesterday := now.Add(-24 * time.Hour)
	lastWeek := now.Add(-7 * 24 * time.Hour)

	assert.Equal(t, 1, NextStreak(nil, 0, now), "first activity starts a streak")
	assert.Equal(t, 4, NextStreak(&yesterday, 3, now), "consecutive day extends")
	assert.Equal(t, 3, NextStreak(&now, 3, now), "same day keeps the streak")
	assert.Equal(t, 1, NextStreak(&lastWeek, 9, now), "gap resets")
}

func TestNextStreakGraceCountsEarlyMorningAsPreviousDay(t *testing.T) {
	// Activity at 01:00 the next day, previous activity the afternoon
	// before: still consecutive-day because of the grace window it is the
	// SAME streak day, so the streak holds rather than extends.
	prev := time.Date(2026, 3, 9, 15, 0, 0, 0, time.UTC)
	next := time.Date(2026, 3, 10, 1, 0, 0, 0, time.UTC)
	assert.Equal(t, 5, NextStreak(&prev, 5, next))
}

func TestLevelCurve(t *testing.T) {
	assert.Equal(t, 1, Level(0))
	assert.Equal(t, 1, Level(99))
	assert.Equal(t, 2, Level(100))
	assert.Equal(t, 2, Level(399))
	assert.Equal(t, 3, Level(400))
	assert.Equal(t, 4, Level(900))
}

func TestTierFor(t *testing.T) {
	assert.Equal(t, 0, TierFor(0))
	assert.Equal(t, 0, TierFor(2))
	assert.Equal(t, 1, TierFor(3))
	assert.Equal(t, 2, TierFor(8))
	assert.Equal(t, 3, TierFor(15))
	assert.Equal(t, 4, TierFor(30))
	assert.Equal(t, 5, TierFor(50))
	assert.Equal(t, 5, TierFor(10000))
	assert.Equal(t, 0, TierFor(-5))
}
