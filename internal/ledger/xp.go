// Package ledger implements the append-only ledgers: XP, trust, admin
// action audit and money events audit. All writers use
// INSERT ... ON CONFLICT DO NOTHING and re-read on conflict, so duplicate
// deliveries are non-events. Deletes are vetoed by database trigger.
package ledger

import (
	"context"
	"database/sql"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hustlexp/backend/internal/database"
	"github.com/hustlexp/backend/internal/hxerr"
)

// XPBreakdown is the deterministic XP computation for one completion.
// All ratios are decimals truncated toward zero; money never touches
// binary floats.
type XPBreakdown struct {
	BaseXP           int64
	DecayFactor      decimal.Decimal // 4 decimal places, truncated
	EffectiveXP      int64
	StreakMultiplier decimal.Decimal // 2 decimal places
	FinalXP          int64
}

var streakBuckets = []struct {
	minDays    int
	multiplier string
}{
	{30, "1.50"},
	{14, "1.30"},
	{7, "1.20"},
	{3, "1.10"},
	{0, "1.00"},
}

// maxCategoryBonus caps any category-specific multiplier stack at 2.0x.
var maxCategoryBonus = decimal.RequireFromString("2.00")

// StreakMultiplier returns the bucket multiplier for a streak length.
func StreakMultiplier(streakDays int) decimal.Decimal {
	for _, b := range streakBuckets {
		if streakDays >= b.minDays {
			return decimal.RequireFromString(b.multiplier)
		}
	}
	return decimal.RequireFromString("1.00")
}

// ComputeXP derives the XP award for a completed task.
//
//	base_xp      = max(10, floor(price_cents/100))
//	decay_factor = 1 / (1 + log10(1 + total_xp/1000)), truncated to 4 decimals
//	effective_xp = floor(base_xp * decay_factor)
//	final_xp     = floor(effective_xp * streak_multiplier * category_bonus)
//
// categoryBonus of zero means "no bonus"; the combined multiplier is
// clamped at 2.0x.
func ComputeXP(priceCents, totalXPBefore int64, streakDays int, categoryBonus decimal.Decimal) XPBreakdown {
	base := priceCents / 100
	if base < 10 {
		base = 10
	}

	// log10 is transcendental; the float leaves scope immediately after
	// truncation to 4 decimal places.
	raw := 1.0 / (1.0 + math.Log10(1.0+float64(totalXPBefore)/1000.0))
	decay := decimal.NewFromFloat(raw).Truncate(4)

	effective := decimal.NewFromInt(base).Mul(decay).Truncate(0).IntPart()

	mult := StreakMultiplier(streakDays)
	if categoryBonus.IsPositive() {
		mult = mult.Mul(categoryBonus)
		if mult.GreaterThan(maxCategoryBonus) {
			mult = maxCategoryBonus
		}
	}

	final := decimal.NewFromInt(effective).Mul(mult).Truncate(0).IntPart()

	return XPBreakdown{
		BaseXP:           base,
		DecayFactor:      decay,
		EffectiveXP:      effective,
		StreakMultiplier: mult,
		FinalXP:          final,
	}
}

// streakGrace is the window past UTC midnight that still counts toward the
// previous day.
const streakGrace = 2 * time.Hour

// StreakDay maps an activity timestamp to its streak calendar day.
func StreakDay(t time.Time) time.Time {
	return t.UTC().Add(-streakGrace).Truncate(24 * time.Hour)
}

// NextStreak computes the streak after an activity at now, given the last
// active time. Same day keeps the streak, consecutive days extend it,
// anything else resets to 1.
func NextStreak(lastActive *time.Time, streakDays int, now time.Time) int {
	if lastActive == nil {
		return 1
	}
	last := StreakDay(*lastActive)
	cur := StreakDay(now)
	switch int(cur.Sub(last).Hours() / 24) {
	case 0:
		if streakDays == 0 {
			return 1
		}
		return streakDays
	case 1:
		return streakDays + 1
	default:
		return 1
	}
}

// Level is derived from total XP: level n requires n*n*100 XP.
func Level(totalXP int64) int {
	level := 1
	for int64(level*level*100) <= totalXP {
		level++
	}
	return level
}

// XPEntry is one ledger row.
type XPEntry struct {
	ID                   string
	UserID               string
	TaskID               *string
	MoneyStateLockTaskID *string // UNIQUE: at most one award per released escrow
	Breakdown            XPBreakdown
	Reason               string
	CreatedAt            time.Time
}

// XPStore writes and reads the XP ledger.
type XPStore struct{}

func NewXPStore() *XPStore { return &XPStore{} }

// Insert appends one XP row keyed by money_state_lock_task_id. Returns
// (id, inserted, err); inserted=false means the idempotency key already
// had a row and the write was absorbed.
func (s *XPStore) Insert(ctx context.Context, q database.Querier, e *XPEntry) (string, bool, error) {
	row := q.QueryRowContext(ctx, `
		INSERT INTO xp_ledger
			(id, user_id, task_id, money_state_lock_task_id,
			 base_xp, decay_factor, effective_xp, streak_multiplier, final_xp, reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (money_state_lock_task_id) DO NOTHING
		RETURNING id`,
		e.ID, e.UserID, e.TaskID, e.MoneyStateLockTaskID,
		e.Breakdown.BaseXP, e.Breakdown.DecayFactor.String(), e.Breakdown.EffectiveXP,
		e.Breakdown.StreakMultiplier.String(), e.Breakdown.FinalXP, e.Reason)

	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			// Conflict: re-read the existing row so the caller sees the
			// award that already happened.
			existing := q.QueryRowContext(ctx,
				`SELECT id FROM xp_ledger WHERE money_state_lock_task_id = $1`,
				e.MoneyStateLockTaskID)
			if err := existing.Scan(&id); err != nil {
				return "", false, hxerr.FromPg(err)
			}
			return id, false, nil
		}
		return "", false, hxerr.FromPg(err)
	}
	return id, true, nil
}

// ApplyToUser folds a fresh award into the user's derived columns. Runs in
// the same serializable transaction as the Insert.
func (s *XPStore) ApplyToUser(ctx context.Context, q database.Querier, userID string, finalXP int64, streakDays int, now time.Time) error {
	var total int64
	err := q.QueryRowContext(ctx, `
		UPDATE users
		SET total_xp = total_xp + $2,
		    streak_days = $3,
		    last_active_at = $4
		WHERE id = $1
		RETURNING total_xp`,
		userID, finalXP, streakDays, now).Scan(&total)
	if err != nil {
		return hxerr.FromPg(err)
	}
	_, err = q.ExecContext(ctx, `UPDATE users SET level = $2 WHERE id = $1`, userID, Level(total))
	return hxerr.FromPg(err)
}

// TotalForUser reads the cached XP total used as decay input.
func (s *XPStore) TotalForUser(ctx context.Context, q database.Querier, userID string) (int64, *time.Time, int, error) {
	var total int64
	var lastActive sql.NullTime
	var streak int
	err := q.QueryRowContext(ctx,
		`SELECT total_xp, last_active_at, streak_days FROM users WHERE id = $1`, userID).
		Scan(&total, &lastActive, &streak)
	if err == sql.ErrNoRows {
		return 0, nil, 0, hxerr.New(hxerr.NotFound, "user %s", userID)
	}
	if err != nil {
		return 0, nil, 0, hxerr.FromPg(err)
	}
	var la *time.Time
	if lastActive.Valid {
		la = &lastActive.Time
	}
	return total, la, streak, nil
}
