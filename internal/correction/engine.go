package correction

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hustlexp/backend/internal/database"
	"github.com/hustlexp/backend/internal/domain"
	"github.com/hustlexp/backend/internal/flags"
	"github.com/hustlexp/backend/internal/hxerr"
)

// Correction statuses in correction_log.
const (
	StatusApplied  = "applied"
	StatusRejected = "rejected"
	StatusReversed = "reversed"
	StatusExpired  = "expired"
)

const (
	defaultTTL = 24 * time.Hour
	minTTL     = 6 * time.Hour // measurement window floor
	maxTTL     = 7 * 24 * time.Hour
)

// Correction is an applied (or refused) row from correction_log.
type Correction struct {
	ID           string
	Type         Type
	TargetEntity string
	TargetID     string
	Scope        Scope
	ScopeKey     string
	Magnitude    decimal.Decimal
	ReasonCode   string
	Status       string
	AppliedBy    string
	ExpiresAt    time.Time
	ReversedAt   *time.Time
	CreatedAt    time.Time
}

// Engine applies, reverses, expires, and measures corrections.
type Engine struct {
	rt     *database.Runtime
	flags  *flags.Store
	logger *log.Logger
}

func NewEngine(rt *database.Runtime, fl *flags.Store) *Engine {
	return &Engine{
		rt:     rt,
		flags:  fl,
		logger: log.New(log.Writer(), "[CORRECTION] ", log.LstdFlags),
	}
}

// SafeMode reports whether the engine is latched shut.
func (e *Engine) SafeMode(ctx context.Context) (bool, error) {
	return e.flags.Enabled(ctx, flags.CorrectionSafeMode)
}

// Apply validates and persists a proposal. Refusals for forbidden targets
// are themselves recorded as rejected rows, so the attempt is audited.
// Budget checks and the insert share one serializable transaction.
func (e *Engine) Apply(ctx context.Context, appliedBy string, p *Proposal, ttl time.Duration) (*Correction, error) {
	latched, err := e.SafeMode(ctx)
	if err != nil {
		return nil, err
	}
	if latched {
		return nil, errBlocked("engine is in safe mode; operator reset required")
	}

	if err := Validate(p); err != nil {
		if ForbiddenTarget(p.TargetEntity) {
			e.auditRejection(ctx, appliedBy, p, err)
		}
		return nil, err
	}

	if ttl <= 0 {
		ttl = defaultTTL
	}
	if ttl < minTTL {
		ttl = minTTL
	}
	if ttl > maxTTL {
		ttl = maxTTL
	}

	c := &Correction{
		ID:           domain.NewID(),
		Type:         p.Type,
		TargetEntity: p.TargetEntity,
		TargetID:     p.TargetID,
		Scope:        p.Scope,
		ScopeKey:     p.ScopeKey,
		Magnitude:    p.Magnitude,
		ReasonCode:   p.ReasonCode,
		Status:       StatusApplied,
		AppliedBy:    appliedBy,
		ExpiresAt:    time.Now().UTC().Add(ttl),
	}

	err = e.rt.SerializableTx(ctx, func(tx *sql.Tx) error {
		if err := e.checkBudget(ctx, tx, ScopeGlobal, ""); err != nil {
			return err
		}
		if p.Scope != ScopeGlobal {
			if err := e.checkBudget(ctx, tx, p.Scope, p.ScopeKey); err != nil {
				return err
			}
		}
		return e.insert(ctx, tx, c)
	})
	if err != nil {
		return nil, err
	}
	e.logger.Printf("applied %s %s=%s on %s/%s by %s (expires %s)",
		c.Type, c.Scope, c.ScopeKey, c.TargetEntity, c.TargetID, appliedBy,
		c.ExpiresAt.Format(time.RFC3339))
	return c, nil
}

// checkBudget counts active corrections in the scope and refuses when the
// cap is reached. Runs under the serializable transaction, so two
// concurrent proposals cannot both squeeze under the cap.
func (e *Engine) checkBudget(ctx context.Context, q database.Querier, scope Scope, scopeKey string) error {
	var active int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM correction_log
		WHERE status = $1 AND expires_at > now()
		  AND ($2 = 'global' OR (scope = $2 AND scope_key = $3))`,
		StatusApplied, scope, scopeKey).Scan(&active)
	if err != nil {
		return hxerr.FromPg(err)
	}
	if active >= Budget(scope) {
		return errBlocked("budget exhausted for scope %s (%d active)", scope, active)
	}
	return nil
}

func (e *Engine) insert(ctx context.Context, q database.Querier, c *Correction) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO correction_log
			(id, type, target_entity, target_id, scope, scope_key,
			 adjustment, magnitude, reason_code, status, applied_by, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		c.ID, c.Type, c.TargetEntity, c.TargetID, c.Scope, c.ScopeKey,
		string(c.Type), c.Magnitude.String(), c.ReasonCode, c.Status, c.AppliedBy, c.ExpiresAt)
	return hxerr.FromPg(err)
}

// auditRejection records the refused attempt. Best effort: the BLOCKED
// verdict stands even if the audit insert fails.
func (e *Engine) auditRejection(ctx context.Context, appliedBy string, p *Proposal, cause error) {
	c := &Correction{
		ID:           domain.NewID(),
		Type:         p.Type,
		TargetEntity: p.TargetEntity,
		TargetID:     p.TargetID,
		Scope:        p.Scope,
		ScopeKey:     p.ScopeKey,
		Magnitude:    p.Magnitude,
		ReasonCode:   p.ReasonCode,
		Status:       StatusRejected,
		AppliedBy:    appliedBy,
		ExpiresAt:    time.Now().UTC(),
	}
	err := e.rt.Tx(ctx, func(tx *sql.Tx) error {
		return e.insert(ctx, tx, c)
	})
	if err != nil {
		e.logger.Printf("audit rejected proposal: %v (original: %v)", err, cause)
		return
	}
	e.logger.Printf("BLOCKED proposal by %s targeting %q: %v", appliedBy, p.TargetEntity, cause)
}

// Reverse shuts a correction down early.
func (e *Engine) Reverse(ctx context.Context, id, reversedBy string) error {
	return e.rt.Tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE correction_log
			SET status = $2, reversed_at = now()
			WHERE id = $1 AND status = $3`,
			id, StatusReversed, StatusApplied)
		if err != nil {
			return hxerr.FromPg(err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return hxerr.New(hxerr.NotFound, "no active correction %s", id)
		}
		e.logger.Printf("correction %s reversed by %s", id, reversedBy)
		return nil
	})
}

// ExpireDue flips lapsed corrections to expired and returns them for
// measurement.
func (e *Engine) ExpireDue(ctx context.Context) ([]Correction, error) {
	var out []Correction
	err := e.rt.Tx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			UPDATE correction_log
			SET status = $1
			WHERE status = $2 AND expires_at <= now()
			RETURNING id, type, target_entity, target_id, scope, scope_key,
			          magnitude, reason_code, status, applied_by, expires_at, created_at`,
			StatusExpired, StatusApplied)
		if err != nil {
			return hxerr.FromPg(err)
		}
		defer rows.Close()
		for rows.Next() {
			var c Correction
			var mag string
			if err := rows.Scan(&c.ID, &c.Type, &c.TargetEntity, &c.TargetID,
				&c.Scope, &c.ScopeKey, &mag, &c.ReasonCode, &c.Status,
				&c.AppliedBy, &c.ExpiresAt, &c.CreatedAt); err != nil {
				return hxerr.FromPg(err)
			}
			c.Magnitude, err = decimal.NewFromString(mag)
			if err != nil {
				return hxerr.Wrap(hxerr.Internal, err, "magnitude for %s", c.ID)
			}
			out = append(out, c)
		}
		return hxerr.FromPg(rows.Err())
	})
	return out, err
}

// ActiveMagnitude resolves the knob consumers read: the most recent
// active correction of the type whose scope covers the key. Found=false
// means no adjustment is in force.
func (e *Engine) ActiveMagnitude(ctx context.Context, t Type, scope Scope, scopeKey string) (decimal.Decimal, bool, error) {
	var mag string
	err := e.rt.DB().QueryRowContext(ctx, `
		SELECT magnitude FROM correction_log
		WHERE type = $1 AND status = $2 AND expires_at > now()
		  AND (scope = 'global' OR (scope = $3 AND scope_key = $4))
		ORDER BY created_at DESC
		LIMIT 1`,
		t, StatusApplied, scope, scopeKey).Scan(&mag)
	if err == sql.ErrNoRows {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, hxerr.FromPg(err)
	}
	d, err := decimal.NewFromString(mag)
	if err != nil {
		return decimal.Zero, false, hxerr.Wrap(hxerr.Internal, err, "stored magnitude")
	}
	return d, true, nil
}

// ResetSafeMode is the operator-only exit from the latch.
func (e *Engine) ResetSafeMode(ctx context.Context, operator string) error {
	err := e.rt.Tx(ctx, func(tx *sql.Tx) error {
		return e.flags.Set(ctx, tx, flags.CorrectionSafeMode, "off", operator)
	})
	if err != nil {
		return err
	}
	e.logger.Printf("safe mode reset by %s", operator)
	return nil
}
