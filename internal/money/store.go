// Package money owns the escrow (money_state_lock) lifecycle and is the
// sole authority for provider-side money movement. Every state change
// holds the cluster lock money:<task_id> across exactly one provider call
// plus the local serializable commit.
package money

import (
	"context"
	"database/sql"

	"github.com/hustlexp/backend/internal/database"
	"github.com/hustlexp/backend/internal/domain"
	"github.com/hustlexp/backend/internal/hxerr"
)

// Store reads and writes money_state_lock rows.
type Store struct{}

func NewStore() *Store { return &Store{} }

const escrowColumns = `task_id, state, amount_cents, version, payment_intent_id,
	charge_id, transfer_id, refund_id, refund_cents, created_at, updated_at`

func scanEscrow(row *sql.Row) (*domain.Escrow, error) {
	e := &domain.Escrow{}
	err := row.Scan(&e.TaskID, &e.State, &e.AmountCents, &e.Version,
		&e.PaymentIntentID, &e.ChargeID, &e.TransferID, &e.RefundID,
		&e.RefundCents, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, hxerr.New(hxerr.NotFound, "escrow not found")
	}
	if err != nil {
		return nil, hxerr.FromPg(err)
	}
	return e, nil
}

// Get loads the escrow row, optionally locked for update.
func (s *Store) Get(ctx context.Context, q database.Querier, taskID string, forUpdate bool) (*domain.Escrow, error) {
	query := `SELECT ` + escrowColumns + ` FROM money_state_lock WHERE task_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	return scanEscrow(q.QueryRowContext(ctx, query, taskID))
}

// MarkHeld commits OPEN -> HELD, setting amount_cents exactly once
// (HX004 freezes it afterwards) and recording the provider identifiers.
func (s *Store) MarkHeld(ctx context.Context, q database.Querier, taskID string, amountCents int64, intentID, chargeID string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE money_state_lock
		SET state = $2, amount_cents = $3, payment_intent_id = $4, charge_id = $5,
		    version = version + 1, updated_at = now()
		WHERE task_id = $1 AND state = $6`,
		taskID, domain.EscrowHeld, amountCents, intentID, chargeID, domain.EscrowOpen)
	if err != nil {
		return hxerr.FromPg(err)
	}
	return requireRow(res, "escrow is not OPEN")
}

// MarkReleased commits HELD/LOCKED_DISPUTE -> RELEASED with the provider
// transfer id. HX201 verifies the task is COMPLETED at commit.
func (s *Store) MarkReleased(ctx context.Context, q database.Querier, taskID, transferID string, from domain.EscrowState) error {
	res, err := q.ExecContext(ctx, `
		UPDATE money_state_lock
		SET state = $2, transfer_id = $3, version = version + 1, updated_at = now()
		WHERE task_id = $1 AND state = $4`,
		taskID, domain.EscrowReleased, transferID, from)
	if err != nil {
		return hxerr.FromPg(err)
	}
	return requireRow(res, "escrow is not in a releasable state")
}

// MarkRefunded commits HELD/LOCKED_DISPUTE -> REFUNDED or REFUND_PARTIAL.
func (s *Store) MarkRefunded(ctx context.Context, q database.Querier, taskID, refundID string, refundCents int64, to, from domain.EscrowState) error {
	res, err := q.ExecContext(ctx, `
		UPDATE money_state_lock
		SET state = $2, refund_id = $3, refund_cents = $4, version = version + 1, updated_at = now()
		WHERE task_id = $1 AND state = $5`,
		taskID, to, refundID, refundCents, from)
	if err != nil {
		return hxerr.FromPg(err)
	}
	return requireRow(res, "escrow is not in a refundable state")
}

// MarkDisputeLocked commits HELD -> LOCKED_DISPUTE. No provider call.
func (s *Store) MarkDisputeLocked(ctx context.Context, q database.Querier, taskID string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE money_state_lock
		SET state = $2, version = version + 1, updated_at = now()
		WHERE task_id = $1 AND state = $3`,
		taskID, domain.EscrowLockedDispute, domain.EscrowHeld)
	if err != nil {
		return hxerr.FromPg(err)
	}
	return requireRow(res, "escrow is not HELD")
}

// StuckTransitional lists escrows sitting in HELD or LOCKED_DISPUTE whose
// newest audit row is still 'issued', the candidates for reconciliation.
func (s *Store) StuckTransitional(ctx context.Context, q database.Querier, limit int) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT DISTINCT m.task_id
		FROM money_state_lock m
		JOIN money_events_audit a ON a.task_id = m.task_id AND a.outcome = 'issued'
		WHERE m.state IN ($1, $2)
		LIMIT $3`,
		domain.EscrowHeld, domain.EscrowLockedDispute, limit)
	if err != nil {
		return nil, hxerr.FromPg(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, hxerr.FromPg(err)
		}
		ids = append(ids, id)
	}
	return ids, hxerr.FromPg(rows.Err())
}

// ReleasedWithoutTransfer finds RELEASED escrows missing a provider
// transfer id, which should be impossible; the parity sweep flags them.
func (s *Store) ReleasedWithoutTransfer(ctx context.Context, q database.Querier, limit int) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT task_id FROM money_state_lock
		WHERE state = $1 AND transfer_id = ''
		LIMIT $2`, domain.EscrowReleased, limit)
	if err != nil {
		return nil, hxerr.FromPg(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, hxerr.FromPg(err)
		}
		ids = append(ids, id)
	}
	return ids, hxerr.FromPg(rows.Err())
}

func requireRow(res sql.Result, msg string) error {
	n, _ := res.RowsAffected()
	if n == 0 {
		return hxerr.New(hxerr.ConflictState, "%s", msg)
	}
	return nil
}
