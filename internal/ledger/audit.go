package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/hustlexp/backend/internal/database"
	"github.com/hustlexp/backend/internal/domain"
	"github.com/hustlexp/backend/internal/hxerr"
)

// MoneyEvent audits one provider interaction. The row is written with its
// idempotency key BEFORE the provider call goes out; the outcome column is
// reconciled after. Rows are never deleted (HX901).
type MoneyEvent struct {
	ID             string
	TaskID         string
	EventType      string
	IdempotencyKey string
	ProviderRef    string
	AmountCents    int64
	Outcome        string // issued | succeeded | failed | reconciled
	CreatedAt      time.Time
}

type MoneyAuditStore struct{}

func NewMoneyAuditStore() *MoneyAuditStore { return &MoneyAuditStore{} }

// Record writes the audit row for an outgoing provider call. A duplicate
// idempotency key returns the existing row's id with inserted=false, which
// is how retried calls discover they already went out.
func (s *MoneyAuditStore) Record(ctx context.Context, q database.Querier, e *MoneyEvent) (string, bool, error) {
	row := q.QueryRowContext(ctx, `
		INSERT INTO money_events_audit
			(id, task_id, event_type, idempotency_key, provider_ref, amount_cents, outcome)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id`,
		e.ID, e.TaskID, e.EventType, e.IdempotencyKey, e.ProviderRef, e.AmountCents, e.Outcome)

	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			existing := q.QueryRowContext(ctx,
				`SELECT id FROM money_events_audit WHERE idempotency_key = $1`, e.IdempotencyKey)
			if err := existing.Scan(&id); err != nil {
				return "", false, hxerr.FromPg(err)
			}
			return id, false, nil
		}
		return "", false, hxerr.FromPg(err)
	}
	return id, true, nil
}

// Resolve records the provider outcome for an issued call.
func (s *MoneyAuditStore) Resolve(ctx context.Context, q database.Querier, idempotencyKey, outcome, providerRef string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE money_events_audit
		SET outcome = $2, provider_ref = COALESCE(NULLIF($3,''), provider_ref)
		WHERE idempotency_key = $1`,
		idempotencyKey, outcome, providerRef)
	return hxerr.FromPg(err)
}

// IssuedForTask finds the newest still-issued audit row for a task and
// event type. Webhook ingress uses it to finish a commit the provider
// confirmed out of band.
func (s *MoneyAuditStore) IssuedForTask(ctx context.Context, q database.Querier, taskID, eventType string) (*MoneyEvent, error) {
	var e MoneyEvent
	err := q.QueryRowContext(ctx, `
		SELECT id, task_id, event_type, idempotency_key, provider_ref, amount_cents, outcome, created_at
		FROM money_events_audit
		WHERE task_id = $1 AND event_type = $2 AND outcome = 'issued'
		ORDER BY created_at DESC
		LIMIT 1`, taskID, eventType).
		Scan(&e.ID, &e.TaskID, &e.EventType, &e.IdempotencyKey,
			&e.ProviderRef, &e.AmountCents, &e.Outcome, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, hxerr.New(hxerr.NotFound, "no issued %s call for task %s", eventType, taskID)
	}
	if err != nil {
		return nil, hxerr.FromPg(err)
	}
	return &e, nil
}

// PendingOlderThan lists issued calls with no recorded outcome, for the
// reaper's provider reconciliation pass.
func (s *MoneyAuditStore) PendingOlderThan(ctx context.Context, q database.Querier, age time.Duration) ([]MoneyEvent, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, task_id, event_type, idempotency_key, provider_ref, amount_cents, outcome, created_at
		FROM money_events_audit
		WHERE outcome = 'issued' AND created_at < now() - ($1 * interval '1 second')
		ORDER BY created_at`,
		int64(age.Seconds()))
	if err != nil {
		return nil, hxerr.FromPg(err)
	}
	defer rows.Close()

	var out []MoneyEvent
	for rows.Next() {
		var e MoneyEvent
		if err := rows.Scan(&e.ID, &e.TaskID, &e.EventType, &e.IdempotencyKey,
			&e.ProviderRef, &e.AmountCents, &e.Outcome, &e.CreatedAt); err != nil {
			return nil, hxerr.FromPg(err)
		}
		out = append(out, e)
	}
	return out, hxerr.FromPg(rows.Err())
}

// AdminAction is one audited admin override (HX801: append-only).
type AdminAction struct {
	ID          string
	ActorID     string
	Action      string
	TargetType  string
	TargetID    string
	BeforeState string
	Reason      string
}

type AdminAuditStore struct{}

func NewAdminAuditStore() *AdminAuditStore { return &AdminAuditStore{} }

// Record must run in the same transaction as the override it audits; the
// HX001 trigger checks for it.
func (s *AdminAuditStore) Record(ctx context.Context, q database.Querier, a *AdminAction) error {
	if a.ID == "" {
		a.ID = domain.NewID()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO admin_action_audit (id, actor_id, action, target_type, target_id, before_state, reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		a.ID, a.ActorID, a.Action, a.TargetType, a.TargetID, a.BeforeState, a.Reason)
	return hxerr.FromPg(err)
}
