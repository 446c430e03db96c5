package worker

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hustlexp/backend/internal/database"
	"github.com/hustlexp/backend/internal/domain"
	"github.com/hustlexp/backend/internal/hxerr"
	"github.com/hustlexp/backend/internal/ledger"
	"github.com/hustlexp/backend/internal/money"
	"github.com/hustlexp/backend/internal/outbox"
)

// categoryBonuses boosts XP for high-effort categories. Values multiply
// the streak-adjusted XP and are clamped at 2.0x inside ComputeXP.
var categoryBonuses = map[string]decimal.Decimal{
	"moving":   decimal.RequireFromString("1.30"),
	"cleaning": decimal.RequireFromString("1.15"),
	"yardwork": decimal.RequireFromString("1.20"),
}

// CategoryBonus returns the XP bonus multiplier for a category, 1.00 for
// categories without one.
func CategoryBonus(category string) decimal.Decimal {
	if b, ok := categoryBonuses[category]; ok {
		return b
	}
	return decimal.NewFromInt(1)
}

// XPAward turns escrow.released rows into XP ledger rows. The whole award
// runs in one serializable transaction; the UNIQUE key on
// money_state_lock_task_id absorbs redeliveries.
type XPAward struct {
	rt     *database.Runtime
	escrow *money.Store
	xp     *ledger.XPStore
	logger *log.Logger
}

func NewXPAward(rt *database.Runtime, escrow *money.Store) *XPAward {
	return &XPAward{
		rt:     rt,
		escrow: escrow,
		xp:     ledger.NewXPStore(),
		logger: log.New(log.Writer(), "[XP] ", log.LstdFlags),
	}
}

func (w *XPAward) Queue() string { return domain.QueueXPAward }

func (w *XPAward) Handle(ctx context.Context, e *outbox.Event) error {
	var p eventPayload
	if err := e.Decode(&p); err != nil {
		return err
	}
	if p.HustlerID == "" {
		return hxerr.New(hxerr.Internal, "release event for %s has no hustler", p.TaskID)
	}

	return w.rt.SerializableTx(ctx, func(tx *sql.Tx) error {
		// Re-read the money state; an event for anything but RELEASED is
		// stale and awards nothing.
		esc, err := w.escrow.Get(ctx, tx, p.TaskID, false)
		if err != nil {
			return err
		}
		if esc.State != domain.EscrowReleased {
			w.logger.Printf("task %s escrow is %s, skipping award", p.TaskID, esc.State)
			return nil
		}

		var category string
		if err := tx.QueryRowContext(ctx,
			`SELECT category FROM tasks WHERE id = $1`, p.TaskID).Scan(&category); err != nil {
			return hxerr.FromPg(err)
		}

		total, lastActive, streak, err := w.xp.TotalForUser(ctx, tx, p.HustlerID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		newStreak := ledger.NextStreak(lastActive, streak, now)
		breakdown := ledger.ComputeXP(esc.AmountCents, total, newStreak, CategoryBonus(category))

		_, inserted, err := w.xp.Insert(ctx, tx, &ledger.XPEntry{
			ID:                   domain.NewID(),
			UserID:               p.HustlerID,
			TaskID:               &p.TaskID,
			MoneyStateLockTaskID: &p.TaskID,
			Breakdown:            breakdown,
			Reason:               "task_completion",
		})
		if err != nil {
			return err
		}
		if !inserted {
			// Redelivery; the first delivery already applied the totals.
			return nil
		}

		if err := w.xp.ApplyToUser(ctx, tx, p.HustlerID, breakdown.FinalXP, newStreak, now); err != nil {
			return err
		}
		w.logger.Printf("awarded %d XP to %s for task %s (streak %d)",
			breakdown.FinalXP, p.HustlerID, p.TaskID, newStreak)
		return nil
	})
}

var _ Handler = (*XPAward)(nil)
