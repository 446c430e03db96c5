package money

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/hustlexp/backend/internal/database"
	"github.com/hustlexp/backend/internal/domain"
	"github.com/hustlexp/backend/internal/flags"
	"github.com/hustlexp/backend/internal/hxerr"
	"github.com/hustlexp/backend/internal/ledger"
	"github.com/hustlexp/backend/internal/locks"
	"github.com/hustlexp/backend/internal/outbox"
	"github.com/hustlexp/backend/internal/provider"
)

const leaseTTL = 30 * time.Second

// Machine drives escrow transitions. Each money movement follows the same
// shape: take the cluster lock, commit an audit row carrying the
// idempotency key, make exactly one provider call, then commit the local
// state change and outbox rows in a serializable transaction. If the
// process dies between the provider call and the local commit, the audit
// row stays 'issued' and the reaper reconciles from the provider side.
type Machine struct {
	rt       *database.Runtime
	store    *Store
	audit    *ledger.MoneyAuditStore
	admin    *ledger.AdminAuditStore
	outbox   *outbox.Store
	locks    *locks.Service
	provider provider.Client
	flags    *flags.Store
	logger   *log.Logger
}

func NewMachine(rt *database.Runtime, store *Store, ob *outbox.Store,
	lk *locks.Service, pc provider.Client, fl *flags.Store) *Machine {
	return &Machine{
		rt:       rt,
		store:    store,
		audit:    ledger.NewMoneyAuditStore(),
		admin:    ledger.NewAdminAuditStore(),
		outbox:   ob,
		locks:    lk,
		provider: pc,
		flags:    fl,
		logger:   log.New(log.Writer(), "[MONEY] ", log.LstdFlags),
	}
}

// escrowEventPayload is the closed payload shape for escrow.* events.
type escrowEventPayload struct {
	TaskID      string `json:"task_id"`
	PosterID    string `json:"poster_id"`
	HustlerID   string `json:"hustler_id,omitempty"`
	State       string `json:"state"`
	AmountCents int64  `json:"amount_cents"`
	RefundCents int64  `json:"refund_cents,omitempty"`
	ProviderRef string `json:"provider_ref,omitempty"`
}

// taskParties is the slice of the task row the money machine needs.
type taskParties struct {
	PosterID   string
	HustlerID  string
	State      domain.TaskState
	PriceCents int64
}

func (m *Machine) parties(ctx context.Context, q database.Querier, taskID string) (*taskParties, error) {
	var p taskParties
	var hustler sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT poster_id, hustler_id, state, price_cents FROM tasks WHERE id = $1`,
		taskID).Scan(&p.PosterID, &hustler, &p.State, &p.PriceCents)
	if err == sql.ErrNoRows {
		return nil, hxerr.New(hxerr.NotFound, "task %s not found", taskID)
	}
	if err != nil {
		return nil, hxerr.FromPg(err)
	}
	p.HustlerID = hustler.String
	return &p, nil
}

// requireUnpaused refuses provider-side movement while the kill switch is
// on. Dispute locking stays allowed: it moves no money.
func (m *Machine) requireUnpaused(ctx context.Context) error {
	paused, err := m.flags.Enabled(ctx, flags.MoneyPaused)
	if err != nil {
		return err
	}
	if paused {
		return hxerr.New(hxerr.ConflictState, "money movement is paused")
	}
	return nil
}

func idemKey(eventType, taskID string, version int) string {
	return fmt.Sprintf("%s:%s:%d", eventType, taskID, version)
}

// refundTarget decides the terminal refund state. Zero means a full
// refund; a partial amount must stay strictly inside the held amount.
func refundTarget(heldCents, refundCents int64) (domain.EscrowState, int64, error) {
	if refundCents == 0 {
		refundCents = heldCents
	}
	if refundCents < 0 || refundCents > heldCents {
		return "", 0, hxerr.New(hxerr.Validation,
			"refund of %d cents outside held amount %d", refundCents, heldCents)
	}
	if refundCents < heldCents {
		return domain.EscrowRefundPartial, refundCents, nil
	}
	return domain.EscrowRefunded, refundCents, nil
}

// recordIssued commits the audit row in its own transaction so the key
// survives a crash during the provider call.
func (m *Machine) recordIssued(ctx context.Context, taskID, eventType, key string, amountCents int64) error {
	return m.rt.Tx(ctx, func(tx *sql.Tx) error {
		_, _, err := m.audit.Record(ctx, tx, &ledger.MoneyEvent{
			ID:             domain.NewID(),
			TaskID:         taskID,
			EventType:      eventType,
			IdempotencyKey: key,
			AmountCents:    amountCents,
			Outcome:        "issued",
		})
		return err
	})
}

// resolveFailed best-effort marks an audit row failed after a terminal
// provider rejection. The original error wins if this write fails too.
func (m *Machine) resolveFailed(ctx context.Context, key string, cause error) {
	err := m.rt.Tx(ctx, func(tx *sql.Tx) error {
		return m.audit.Resolve(ctx, tx, key, "failed", "")
	})
	if err != nil {
		m.logger.Printf("could not mark %s failed: %v (provider error: %v)", key, err, cause)
	}
}

// Fund charges the poster and commits OPEN -> HELD. Called when a task is
// accepted for work; the amount is the task's posted price.
func (m *Machine) Fund(ctx context.Context, taskID string) (*domain.Escrow, error) {
	if err := m.requireUnpaused(ctx); err != nil {
		return nil, err
	}
	lease, err := m.locks.Acquire(ctx, locks.MoneyKey(taskID), "fund", leaseTTL)
	if err != nil {
		return nil, err
	}
	defer m.locks.Release(context.WithoutCancel(ctx), lease)

	e, err := m.store.Get(ctx, m.rt.DB(), taskID, false)
	if err != nil {
		return nil, err
	}
	if e.State != domain.EscrowOpen {
		return nil, hxerr.New(hxerr.ConflictState, "escrow for %s is %s, not OPEN", taskID, e.State)
	}
	p, err := m.parties(ctx, m.rt.DB(), taskID)
	if err != nil {
		return nil, err
	}

	key := idemKey(domain.EventEscrowHeld, taskID, e.Version)
	if err := m.recordIssued(ctx, taskID, domain.EventEscrowHeld, key, p.PriceCents); err != nil {
		return nil, err
	}

	charge, err := m.provider.ChargeIntent(ctx, taskID, p.PriceCents, key)
	if err != nil {
		if hxerr.KindOf(err) == hxerr.FatalProvider {
			m.resolveFailed(ctx, key, err)
		}
		return nil, err
	}

	err = m.rt.SerializableTx(ctx, func(tx *sql.Tx) error {
		if err := m.store.MarkHeld(ctx, tx, taskID, charge.AmountCents, charge.PaymentIntentID, charge.ChargeID); err != nil {
			return err
		}
		if err := m.audit.Resolve(ctx, tx, key, "succeeded", charge.ChargeID); err != nil {
			return err
		}
		return m.outbox.Emit(ctx, tx, domain.EventEscrowHeld, "escrow", taskID, key, 1,
			escrowEventPayload{
				TaskID:      taskID,
				PosterID:    p.PosterID,
				HustlerID:   p.HustlerID,
				State:       string(domain.EscrowHeld),
				AmountCents: charge.AmountCents,
				ProviderRef: charge.ChargeID,
			})
	})
	if err != nil {
		return nil, err
	}
	m.logger.Printf("task %s funded: %d cents held (charge %s)", taskID, charge.AmountCents, charge.ChargeID)
	return m.store.Get(ctx, m.rt.DB(), taskID, false)
}

// Release transfers held funds to the hustler and commits HELD ->
// RELEASED. The task must already be COMPLETED; the trigger rejects the
// commit otherwise, after the transfer has gone out, which the reaper
// then reconciles. Callers are expected to verify completion first.
func (m *Machine) Release(ctx context.Context, taskID string) (*domain.Escrow, error) {
	return m.release(ctx, taskID, domain.EscrowHeld)
}

func (m *Machine) release(ctx context.Context, taskID string, from domain.EscrowState) (*domain.Escrow, error) {
	if err := m.requireUnpaused(ctx); err != nil {
		return nil, err
	}
	lease, err := m.locks.Acquire(ctx, locks.MoneyKey(taskID), "release", leaseTTL)
	if err != nil {
		return nil, err
	}
	defer m.locks.Release(context.WithoutCancel(ctx), lease)

	e, err := m.store.Get(ctx, m.rt.DB(), taskID, false)
	if err != nil {
		return nil, err
	}
	if e.State != from {
		return nil, hxerr.New(hxerr.ConflictState, "escrow for %s is %s, not %s", taskID, e.State, from)
	}
	p, err := m.parties(ctx, m.rt.DB(), taskID)
	if err != nil {
		return nil, err
	}
	if p.HustlerID == "" {
		return nil, hxerr.New(hxerr.ConflictState, "task %s has no hustler to pay", taskID)
	}

	key := idemKey(domain.EventEscrowReleased, taskID, e.Version)
	if err := m.recordIssued(ctx, taskID, domain.EventEscrowReleased, key, e.AmountCents); err != nil {
		return nil, err
	}

	transfer, err := m.provider.TransferToHustler(ctx, p.HustlerID, e.AmountCents, key)
	if err != nil {
		if hxerr.KindOf(err) == hxerr.FatalProvider {
			m.resolveFailed(ctx, key, err)
		}
		return nil, err
	}

	err = m.rt.SerializableTx(ctx, func(tx *sql.Tx) error {
		if err := m.store.MarkReleased(ctx, tx, taskID, transfer.TransferID, from); err != nil {
			return err
		}
		if err := m.audit.Resolve(ctx, tx, key, "succeeded", transfer.TransferID); err != nil {
			return err
		}
		return m.outbox.Emit(ctx, tx, domain.EventEscrowReleased, "escrow", taskID, key, 1,
			escrowEventPayload{
				TaskID:      taskID,
				PosterID:    p.PosterID,
				HustlerID:   p.HustlerID,
				State:       string(domain.EscrowReleased),
				AmountCents: e.AmountCents,
				ProviderRef: transfer.TransferID,
			})
	})
	if err != nil {
		return nil, err
	}
	m.logger.Printf("task %s released: %d cents to %s (transfer %s)",
		taskID, e.AmountCents, p.HustlerID, transfer.TransferID)
	return m.store.Get(ctx, m.rt.DB(), taskID, false)
}

// Refund returns funds to the poster. refundCents of zero or the full
// held amount commits REFUNDED; anything in between commits
// REFUND_PARTIAL with the remainder implicitly released by the caller's
// dispute resolution.
func (m *Machine) Refund(ctx context.Context, taskID string, refundCents int64) (*domain.Escrow, error) {
	return m.refund(ctx, taskID, refundCents, domain.EscrowHeld)
}

func (m *Machine) refund(ctx context.Context, taskID string, refundCents int64, from domain.EscrowState) (*domain.Escrow, error) {
	if err := m.requireUnpaused(ctx); err != nil {
		return nil, err
	}
	lease, err := m.locks.Acquire(ctx, locks.MoneyKey(taskID), "refund", leaseTTL)
	if err != nil {
		return nil, err
	}
	defer m.locks.Release(context.WithoutCancel(ctx), lease)

	e, err := m.store.Get(ctx, m.rt.DB(), taskID, false)
	if err != nil {
		return nil, err
	}
	if e.State != from {
		return nil, hxerr.New(hxerr.ConflictState, "escrow for %s is %s, not %s", taskID, e.State, from)
	}
	to, refundCents, err := refundTarget(e.AmountCents, refundCents)
	if err != nil {
		return nil, err
	}
	p, err := m.parties(ctx, m.rt.DB(), taskID)
	if err != nil {
		return nil, err
	}

	key := idemKey(domain.EventEscrowRefunded, taskID, e.Version)
	if err := m.recordIssued(ctx, taskID, domain.EventEscrowRefunded, key, refundCents); err != nil {
		return nil, err
	}

	refund, err := m.provider.RefundCharge(ctx, e.ChargeID, refundCents, key)
	if err != nil {
		if hxerr.KindOf(err) == hxerr.FatalProvider {
			m.resolveFailed(ctx, key, err)
		}
		return nil, err
	}

	err = m.rt.SerializableTx(ctx, func(tx *sql.Tx) error {
		if err := m.store.MarkRefunded(ctx, tx, taskID, refund.RefundID, refundCents, to, from); err != nil {
			return err
		}
		if err := m.audit.Resolve(ctx, tx, key, "succeeded", refund.RefundID); err != nil {
			return err
		}
		return m.outbox.Emit(ctx, tx, domain.EventEscrowRefunded, "escrow", taskID, key, 1,
			escrowEventPayload{
				TaskID:      taskID,
				PosterID:    p.PosterID,
				HustlerID:   p.HustlerID,
				State:       string(to),
				AmountCents: e.AmountCents,
				RefundCents: refundCents,
				ProviderRef: refund.RefundID,
			})
	})
	if err != nil {
		return nil, err
	}
	m.logger.Printf("task %s refunded: %d of %d cents (refund %s)", taskID, refundCents, e.AmountCents, refund.RefundID)
	return m.store.Get(ctx, m.rt.DB(), taskID, false)
}

// LockDispute commits HELD -> LOCKED_DISPUTE. No provider call and no
// kill-switch check: freezing funds must always be possible.
func (m *Machine) LockDispute(ctx context.Context, taskID string) (*domain.Escrow, error) {
	lease, err := m.locks.Acquire(ctx, locks.MoneyKey(taskID), "dispute", leaseTTL)
	if err != nil {
		return nil, err
	}
	defer m.locks.Release(context.WithoutCancel(ctx), lease)

	p, err := m.parties(ctx, m.rt.DB(), taskID)
	if err != nil {
		return nil, err
	}

	err = m.rt.SerializableTx(ctx, func(tx *sql.Tx) error {
		e, err := m.store.Get(ctx, tx, taskID, true)
		if err != nil {
			return err
		}
		if err := m.store.MarkDisputeLocked(ctx, tx, taskID); err != nil {
			return err
		}
		key := idemKey(domain.EventEscrowDisputeLocked, taskID, e.Version)
		return m.outbox.Emit(ctx, tx, domain.EventEscrowDisputeLocked, "escrow", taskID, key, 1,
			escrowEventPayload{
				TaskID:      taskID,
				PosterID:    p.PosterID,
				HustlerID:   p.HustlerID,
				State:       string(domain.EscrowLockedDispute),
				AmountCents: e.AmountCents,
			})
	})
	if err != nil {
		return nil, err
	}
	m.logger.Printf("task %s escrow locked for dispute", taskID)
	return m.store.Get(ctx, m.rt.DB(), taskID, false)
}

// ResolveDispute settles a LOCKED_DISPUTE escrow. Outcome "release" pays
// the hustler in full, "refund" returns everything to the poster, and a
// refundCents between zero and the held amount splits it.
func (m *Machine) ResolveDispute(ctx context.Context, taskID string, releaseToHustler bool, refundCents int64) (*domain.Escrow, error) {
	if releaseToHustler {
		return m.release(ctx, taskID, domain.EscrowLockedDispute)
	}
	return m.refund(ctx, taskID, refundCents, domain.EscrowLockedDispute)
}

// ForceRelease is the audited admin escape hatch: it releases held funds
// even when the task never reached COMPLETED. The override flag and the
// admin audit row are written inside the same transaction the triggers
// inspect.
func (m *Machine) ForceRelease(ctx context.Context, adminID, taskID, reason string) (*domain.Escrow, error) {
	if reason == "" {
		return nil, hxerr.New(hxerr.Validation, "force release requires a reason")
	}
	if err := m.requireUnpaused(ctx); err != nil {
		return nil, err
	}
	lease, err := m.locks.Acquire(ctx, locks.MoneyKey(taskID), "force-release", leaseTTL)
	if err != nil {
		return nil, err
	}
	defer m.locks.Release(context.WithoutCancel(ctx), lease)

	e, err := m.store.Get(ctx, m.rt.DB(), taskID, false)
	if err != nil {
		return nil, err
	}
	if e.State != domain.EscrowHeld && e.State != domain.EscrowLockedDispute {
		return nil, hxerr.New(hxerr.ConflictState, "escrow for %s is %s, nothing to force", taskID, e.State)
	}
	p, err := m.parties(ctx, m.rt.DB(), taskID)
	if err != nil {
		return nil, err
	}
	if p.HustlerID == "" {
		return nil, hxerr.New(hxerr.ConflictState, "task %s has no hustler to pay", taskID)
	}

	key := idemKey(domain.EventEscrowReleased, taskID, e.Version)
	if err := m.recordIssued(ctx, taskID, domain.EventEscrowReleased, key, e.AmountCents); err != nil {
		return nil, err
	}

	transfer, err := m.provider.TransferToHustler(ctx, p.HustlerID, e.AmountCents, key)
	if err != nil {
		if hxerr.KindOf(err) == hxerr.FatalProvider {
			m.resolveFailed(ctx, key, err)
		}
		return nil, err
	}

	from := e.State
	err = m.rt.SerializableTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT set_config('hustlexp.admin_override', 'on', true)`); err != nil {
			return hxerr.FromPg(err)
		}
		if err := m.admin.Record(ctx, tx, &ledger.AdminAction{
			ActorID:     adminID,
			Action:      "force_release",
			TargetType:  "money_state_lock",
			TargetID:    taskID,
			BeforeState: string(from),
			Reason:      reason,
		}); err != nil {
			return err
		}
		if err := m.store.MarkReleased(ctx, tx, taskID, transfer.TransferID, from); err != nil {
			return err
		}
		if err := m.audit.Resolve(ctx, tx, key, "succeeded", transfer.TransferID); err != nil {
			return err
		}
		return m.outbox.Emit(ctx, tx, domain.EventEscrowReleased, "escrow", taskID, key, 1,
			escrowEventPayload{
				TaskID:      taskID,
				PosterID:    p.PosterID,
				HustlerID:   p.HustlerID,
				State:       string(domain.EscrowReleased),
				AmountCents: e.AmountCents,
				ProviderRef: transfer.TransferID,
			})
	})
	if err != nil {
		return nil, err
	}
	m.logger.Printf("task %s force-released by %s: %s", taskID, adminID, reason)
	return m.store.Get(ctx, m.rt.DB(), taskID, false)
}

// CommitReconciled finishes a money movement whose provider call
// succeeded but whose local commit was lost. The reaper calls this with
// the audit row and the operation the provider reports for its key.
func (m *Machine) CommitReconciled(ctx context.Context, ev *ledger.MoneyEvent, op *provider.Operation) error {
	lease, err := m.locks.Acquire(ctx, locks.MoneyKey(ev.TaskID), "reconcile", leaseTTL)
	if err != nil {
		return err
	}
	defer m.locks.Release(context.WithoutCancel(ctx), lease)

	p, err := m.parties(ctx, m.rt.DB(), ev.TaskID)
	if err != nil {
		return err
	}

	return m.rt.SerializableTx(ctx, func(tx *sql.Tx) error {
		e, err := m.store.Get(ctx, tx, ev.TaskID, true)
		if err != nil {
			return err
		}
		payload := escrowEventPayload{
			TaskID:      ev.TaskID,
			PosterID:    p.PosterID,
			HustlerID:   p.HustlerID,
			AmountCents: e.AmountCents,
			ProviderRef: op.ProviderRef,
		}

		switch ev.EventType {
		case domain.EventEscrowHeld:
			if e.State == domain.EscrowOpen {
				if err := m.store.MarkHeld(ctx, tx, ev.TaskID, op.AmountCents, "", op.ProviderRef); err != nil {
					return err
				}
			}
			payload.State = string(domain.EscrowHeld)
			payload.AmountCents = op.AmountCents
		case domain.EventEscrowReleased:
			if e.State == domain.EscrowHeld || e.State == domain.EscrowLockedDispute {
				if err := m.store.MarkReleased(ctx, tx, ev.TaskID, op.ProviderRef, e.State); err != nil {
					return err
				}
			}
			payload.State = string(domain.EscrowReleased)
		case domain.EventEscrowRefunded:
			if e.State == domain.EscrowHeld || e.State == domain.EscrowLockedDispute {
				to := domain.EscrowRefunded
				if op.AmountCents < e.AmountCents {
					to = domain.EscrowRefundPartial
				}
				if err := m.store.MarkRefunded(ctx, tx, ev.TaskID, op.ProviderRef, op.AmountCents, to, e.State); err != nil {
					return err
				}
				payload.State = string(to)
			} else {
				payload.State = string(e.State)
			}
			payload.RefundCents = op.AmountCents
		default:
			return hxerr.New(hxerr.Internal, "cannot reconcile event type %q", ev.EventType)
		}

		if err := m.audit.Resolve(ctx, tx, ev.IdempotencyKey, "reconciled", op.ProviderRef); err != nil {
			return err
		}
		return m.outbox.Emit(ctx, tx, ev.EventType, "escrow", ev.TaskID, ev.IdempotencyKey, 1, payload)
	})
}
