package worker

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/hustlexp/backend/internal/database"
	"github.com/hustlexp/backend/internal/domain"
	"github.com/hustlexp/backend/internal/hxerr"
	"github.com/hustlexp/backend/internal/ledger"
	"github.com/hustlexp/backend/internal/outbox"
)

// TrustReevaluate maintains the trust ledger and the cached tier.
// Completions earn points, disputes cost them; every delta row carries an
// idempotency key derived from the task, so redeliveries no-op.
type TrustReevaluate struct {
	rt     *database.Runtime
	trust  *ledger.TrustStore
	logger *log.Logger
}

func NewTrustReevaluate(rt *database.Runtime) *TrustReevaluate {
	return &TrustReevaluate{
		rt:     rt,
		trust:  ledger.NewTrustStore(),
		logger: log.New(log.Writer(), "[TRUST] ", log.LstdFlags),
	}
}

func (w *TrustReevaluate) Queue() string { return domain.QueueTrustReevaluate }

// trustDelta maps an event to the hustler's point delta. Zero means the
// event only triggers a tier recomputation.
func trustDelta(eventType string) int {
	switch eventType {
	case domain.EventTaskCompleted:
		return ledger.TrustDeltaCompletion
	case domain.EventTaskDisputed:
		return ledger.TrustDeltaDispute
	}
	return 0
}

func (w *TrustReevaluate) Handle(ctx context.Context, e *outbox.Event) error {
	var p eventPayload
	if err := e.Decode(&p); err != nil {
		return err
	}
	if p.HustlerID == "" {
		return nil // no counterparty to score yet
	}

	return w.rt.SerializableTx(ctx, func(tx *sql.Tx) error {
		delta := trustDelta(e.EventType)
		if delta != 0 {
			points, err := w.trust.Points(ctx, tx, p.HustlerID)
			if err != nil {
				return err
			}
			inserted, err := w.trust.Append(ctx, tx, &ledger.TrustEntry{
				ID:             domain.NewID(),
				UserID:         p.HustlerID,
				Delta:          delta,
				TierAfter:      ledger.TierFor(points + delta),
				Reason:         e.EventType,
				IdempotencyKey: fmt.Sprintf("trust:%s:%s", e.EventType, p.TaskID),
			})
			if err != nil {
				return err
			}
			if inserted {
				w.logger.Printf("trust %+d for %s (%s on task %s)", delta, p.HustlerID, e.EventType, p.TaskID)
			}
			return nil
		}

		// Recompute-only events: refresh the cached tier from the ledger.
		points, err := w.trust.Points(ctx, tx, p.HustlerID)
		if err != nil {
			return err
		}
		tier := ledger.TierFor(points)
		cached, err := w.trust.CachedTier(ctx, tx, p.HustlerID)
		if err != nil {
			return err
		}
		if tier == cached {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE users SET trust_tier = $2 WHERE id = $1`, p.HustlerID, tier)
		return hxerr.FromPg(err)
	})
}

var _ Handler = (*TrustReevaluate)(nil)
