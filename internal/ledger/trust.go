package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/hustlexp/backend/internal/database"
	"github.com/hustlexp/backend/internal/hxerr"
)

// TrustEntry is one append-only trust delta. The user's trust_tier column
// is a cache; this ledger is the source of truth.
type TrustEntry struct {
	ID             string
	UserID         string
	Delta          int
	TierAfter      int
	Reason         string
	IdempotencyKey string
	CreatedAt      time.Time
}

// Trust deltas per outcome.
const (
	TrustDeltaCompletion = 1
	TrustDeltaDispute    = -2
)

// tierThresholds maps cumulative trust points to tiers 0..5.
var tierThresholds = []int{0, 3, 8, 15, 30, 50}

// TierFor buckets cumulative points into a tier.
func TierFor(points int) int {
	tier := 0
	for i, min := range tierThresholds {
		if points >= min {
			tier = i
		}
	}
	return tier
}

type TrustStore struct{}

func NewTrustStore() *TrustStore { return &TrustStore{} }

// Points sums the ledger for a user.
func (s *TrustStore) Points(ctx context.Context, q database.Querier, userID string) (int, error) {
	var points sql.NullInt64
	err := q.QueryRowContext(ctx,
		`SELECT SUM(delta) FROM trust_ledger WHERE user_id = $1`, userID).Scan(&points)
	if err != nil {
		return 0, hxerr.FromPg(err)
	}
	return int(points.Int64), nil
}

// Append writes one delta and refreshes the cached tier. Duplicate
// idempotency keys are absorbed; inserted=false reports the no-op.
func (s *TrustStore) Append(ctx context.Context, q database.Querier, e *TrustEntry) (bool, error) {
	row := q.QueryRowContext(ctx, `
		INSERT INTO trust_ledger (id, user_id, delta, tier_after, reason, idempotency_key)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id`,
		e.ID, e.UserID, e.Delta, e.TierAfter, e.Reason, e.IdempotencyKey)

	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, hxerr.FromPg(err)
	}

	if _, err := q.ExecContext(ctx,
		`UPDATE users SET trust_tier = $2 WHERE id = $1`, e.UserID, e.TierAfter); err != nil {
		return false, hxerr.FromPg(err)
	}
	return true, nil
}

// CachedTier reads the derived tier column.
func (s *TrustStore) CachedTier(ctx context.Context, q database.Querier, userID string) (int, error) {
	var tier int
	err := q.QueryRowContext(ctx,
		`SELECT trust_tier FROM users WHERE id = $1`, userID).Scan(&tier)
	if err == sql.ErrNoRows {
		return 0, hxerr.New(hxerr.NotFound, "user %s", userID)
	}
	if err != nil {
		return 0, hxerr.FromPg(err)
	}
	return tier, nil
}
