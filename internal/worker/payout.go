package worker

import (
	"context"
	"database/sql"
	"log"
	"strings"

	"github.com/hustlexp/backend/internal/database"
	"github.com/hustlexp/backend/internal/domain"
	"github.com/hustlexp/backend/internal/hxerr"
	"github.com/hustlexp/backend/internal/money"
	"github.com/hustlexp/backend/internal/outbox"
	"github.com/hustlexp/backend/internal/provider"
)

// PayoutDispatch backstops the release path. The synchronous release
// usually completes the transfer; this worker re-drives the provider with
// the same idempotency key, so a RELEASED row that somehow lacks its
// transfer gets one, and a completed transfer replays as a no-op.
type PayoutDispatch struct {
	rt       *database.Runtime
	escrow   *money.Store
	provider provider.Client
	logger   *log.Logger
}

func NewPayoutDispatch(rt *database.Runtime, escrow *money.Store, pc provider.Client) *PayoutDispatch {
	return &PayoutDispatch{
		rt:       rt,
		escrow:   escrow,
		provider: pc,
		logger:   log.New(log.Writer(), "[PAYOUT] ", log.LstdFlags),
	}
}

func (w *PayoutDispatch) Queue() string { return domain.QueuePayoutDispatch }

// logicalKey strips the queue suffix the outbox appends, recovering the
// key the provider call was issued under.
func logicalKey(e *outbox.Event) string {
	return strings.TrimSuffix(e.IdempotencyKey, ":"+e.QueueName)
}

func (w *PayoutDispatch) Handle(ctx context.Context, e *outbox.Event) error {
	var p eventPayload
	if err := e.Decode(&p); err != nil {
		return err
	}

	esc, err := w.escrow.Get(ctx, w.rt.DB(), p.TaskID, false)
	if err != nil {
		return err
	}
	if esc.State != domain.EscrowReleased {
		w.logger.Printf("task %s escrow is %s, skipping payout check", p.TaskID, esc.State)
		return nil
	}
	if esc.TransferID != "" {
		return nil // transfer committed on the synchronous path
	}

	key := logicalKey(e)
	op, err := w.provider.LookupByIdempotencyKey(ctx, key)
	switch {
	case err == nil && op.Succeeded():
		return w.recordTransfer(ctx, p.TaskID, op.ProviderRef)
	case err == nil:
		return hxerr.New(hxerr.FatalProvider,
			"transfer %s is %s at the provider, needs reconciliation", key, op.Status)
	case hxerr.KindOf(err) == hxerr.NotFound:
		transfer, err := w.provider.TransferToHustler(ctx, p.HustlerID, p.AmountCents, key)
		if err != nil {
			return err
		}
		w.logger.Printf("dispatched transfer %s for task %s", transfer.TransferID, p.TaskID)
		return w.recordTransfer(ctx, p.TaskID, transfer.TransferID)
	default:
		return err
	}
}

// recordTransfer fills the missing provider reference on a RELEASED
// escrow. This is the one write the terminal-state guard permits, and
// only while transfer_id is still empty.
func (w *PayoutDispatch) recordTransfer(ctx context.Context, taskID, transferID string) error {
	return w.rt.Tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE money_state_lock SET transfer_id = $2, updated_at = now()
			WHERE task_id = $1 AND state = $3 AND transfer_id = ''`,
			taskID, transferID, domain.EscrowReleased)
		return hxerr.FromPg(err)
	})
}

var _ Handler = (*PayoutDispatch)(nil)
