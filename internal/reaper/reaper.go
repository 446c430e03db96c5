// Package reaper is the recovery loop: it settles provider calls whose
// local commit was lost, reclaims lapsed worker leases, and sweeps for
// ledger/provider parity breaks. It is the only component allowed to
// declare the system safe to unpause.
package reaper

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/hustlexp/backend/internal/database"
	"github.com/hustlexp/backend/internal/flags"
	"github.com/hustlexp/backend/internal/hxerr"
	"github.com/hustlexp/backend/internal/ledger"
	"github.com/hustlexp/backend/internal/metrics"
	"github.com/hustlexp/backend/internal/money"
	"github.com/hustlexp/backend/internal/outbox"
	"github.com/hustlexp/backend/internal/provider"
)

const (
	// pendingAge is how long an 'issued' audit row may sit before the
	// reaper asks the provider what happened.
	pendingAge = 5 * time.Minute
	sweepLimit = 200
)

// ReasonKillSwitchOn is the SafeToUnpause reason for the kill switch
// itself. The unpause path strips it before deciding, since the switch
// is by definition still on when an operator asks to lift it.
const ReasonKillSwitchOn = "money movement kill switch is on"

type Reaper struct {
	rt       *database.Runtime
	escrow   *money.Store
	machine  *money.Machine
	audit    *ledger.MoneyAuditStore
	outbox   *outbox.Store
	provider provider.Client
	flags    *flags.Store
	metrics  *metrics.Metrics
	interval time.Duration
	logger   *log.Logger
}

func New(rt *database.Runtime, escrow *money.Store, machine *money.Machine,
	ob *outbox.Store, pc provider.Client, fl *flags.Store, m *metrics.Metrics, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{
		rt:       rt,
		escrow:   escrow,
		machine:  machine,
		audit:    ledger.NewMoneyAuditStore(),
		outbox:   ob,
		provider: pc,
		flags:    fl,
		metrics:  m,
		interval: interval,
		logger:   log.New(log.Writer(), "[REAPER] ", log.LstdFlags),
	}
}

// Run loops until the context ends.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pass(ctx)
		}
	}
}

func (r *Reaper) pass(ctx context.Context) {
	if n, err := r.ReclaimLeases(ctx); err != nil {
		r.logger.Printf("reclaim leases: %v", err)
	} else if n > 0 {
		r.logger.Printf("reclaimed %d lapsed outbox leases", n)
	}
	if err := r.ReconcilePending(ctx); err != nil {
		r.logger.Printf("reconcile pending: %v", err)
	}
	if incidents, err := r.ParitySweep(ctx); err != nil {
		r.logger.Printf("parity sweep: %v", err)
	} else {
		for _, inc := range incidents {
			r.logger.Printf("PARITY: %s", inc)
		}
	}
	r.publishDepth(ctx)
}

// ReclaimLeases returns in_flight outbox rows whose worker died.
func (r *Reaper) ReclaimLeases(ctx context.Context) (int64, error) {
	var n int64
	err := r.rt.Tx(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = r.outbox.ReclaimExpired(ctx, tx)
		return err
	})
	return n, err
}

// ReconcilePending looks up every aged 'issued' audit row at the provider
// and settles it: a succeeded operation gets its local commit finished, a
// failed or unknown one is closed as failed so the caller may retry with
// a fresh key.
func (r *Reaper) ReconcilePending(ctx context.Context) error {
	pending, err := r.audit.PendingOlderThan(ctx, r.rt.DB(), pendingAge)
	if err != nil {
		return err
	}

	for i := range pending {
		ev := &pending[i]
		op, err := r.provider.LookupByIdempotencyKey(ctx, ev.IdempotencyKey)
		switch {
		case err == nil && op.Succeeded():
			if err := r.machine.CommitReconciled(ctx, ev, op); err != nil {
				r.logger.Printf("commit reconciled %s: %v", ev.IdempotencyKey, err)
				continue
			}
			r.logger.Printf("reconciled %s: provider committed, local state settled", ev.IdempotencyKey)
		case err == nil:
			r.closeFailed(ctx, ev, fmt.Sprintf("provider status %s", op.Status))
		case hxerr.KindOf(err) == hxerr.NotFound:
			// The call never reached the provider; the money never moved.
			r.closeFailed(ctx, ev, "provider never saw the key")
		default:
			r.logger.Printf("lookup %s: %v", ev.IdempotencyKey, err)
		}
	}
	return nil
}

func (r *Reaper) closeFailed(ctx context.Context, ev *ledger.MoneyEvent, why string) {
	err := r.rt.Tx(ctx, func(tx *sql.Tx) error {
		return r.audit.Resolve(ctx, tx, ev.IdempotencyKey, "failed", "")
	})
	if err != nil {
		r.logger.Printf("close %s as failed: %v", ev.IdempotencyKey, err)
		return
	}
	r.logger.Printf("closed %s as failed: %s", ev.IdempotencyKey, why)
}

// ParitySweep reports states the invariants say cannot exist. It never
// mutates; a parity break is an operator page, not something to absorb.
func (r *Reaper) ParitySweep(ctx context.Context) ([]string, error) {
	var incidents []string

	bare, err := r.escrow.ReleasedWithoutTransfer(ctx, r.rt.DB(), sweepLimit)
	if err != nil {
		return nil, err
	}
	for _, taskID := range bare {
		incidents = append(incidents, fmt.Sprintf("task %s is RELEASED with no transfer id", taskID))
	}

	// XP awarded against an escrow that is not RELEASED.
	rows, err := r.rt.DB().QueryContext(ctx, `
		SELECT x.money_state_lock_task_id
		FROM xp_ledger x
		JOIN money_state_lock m ON m.task_id = x.money_state_lock_task_id
		WHERE m.state <> 'RELEASED'
		LIMIT $1`, sweepLimit)
	if err != nil {
		return nil, hxerr.FromPg(err)
	}
	defer rows.Close()
	for rows.Next() {
		var taskID string
		if err := rows.Scan(&taskID); err != nil {
			return nil, hxerr.FromPg(err)
		}
		incidents = append(incidents, fmt.Sprintf("task %s has XP but escrow is not RELEASED", taskID))
	}
	return incidents, hxerr.FromPg(rows.Err())
}

// SafeToUnpause is the conjunction the kill switch requires before money
// movement resumes: the switch itself off, no aged pending provider
// calls, no stuck transitional escrows, an empty dead-letter queue, and
// a clean parity sweep.
func (r *Reaper) SafeToUnpause(ctx context.Context) (bool, []string, error) {
	var reasons []string

	paused, err := r.flags.Enabled(ctx, flags.MoneyPaused)
	if err != nil {
		return false, nil, err
	}
	if paused {
		reasons = append(reasons, ReasonKillSwitchOn)
	}

	pending, err := r.audit.PendingOlderThan(ctx, r.rt.DB(), pendingAge)
	if err != nil {
		return false, nil, err
	}
	if len(pending) > 0 {
		reasons = append(reasons, fmt.Sprintf("%d provider calls await reconciliation", len(pending)))
	}

	stuck, err := r.escrow.StuckTransitional(ctx, r.rt.DB(), sweepLimit)
	if err != nil {
		return false, nil, err
	}
	if len(stuck) > 0 {
		reasons = append(reasons, fmt.Sprintf("%d escrows stuck in transitional states", len(stuck)))
	}

	_, _, dead, err := r.outbox.Counts(ctx, r.rt.DB())
	if err != nil {
		return false, nil, err
	}
	if dead > 0 {
		reasons = append(reasons, fmt.Sprintf("%d dead-lettered events need review", dead))
	}

	incidents, err := r.ParitySweep(ctx)
	if err != nil {
		return false, nil, err
	}
	if len(incidents) > 0 {
		reasons = append(reasons, fmt.Sprintf("%d parity incidents open", len(incidents)))
	}

	return len(reasons) == 0, reasons, nil
}

func (r *Reaper) publishDepth(ctx context.Context) {
	pending, inFlight, dead, err := r.outbox.Counts(ctx, r.rt.DB())
	if err != nil {
		return
	}
	r.metrics.OutboxDepth.WithLabelValues("pending").Set(float64(pending))
	r.metrics.OutboxDepth.WithLabelValues("in_flight").Set(float64(inFlight))
	r.metrics.OutboxDepth.WithLabelValues("dead").Set(float64(dead))
}
