package correction

import (
	"context"
	"time"

	"github.com/hustlexp/backend/internal/database"
	"github.com/hustlexp/backend/internal/domain"
	"github.com/hustlexp/backend/internal/hxerr"
)

// Cohort metrics measured over the task funnel.
const (
	MetricCompletionRate  = "completion_rate"
	MetricDisputeFreeRate = "dispute_free_rate"
	MetricClaimRate       = "claim_rate"
)

// measureWindows splits a correction's lifetime into the post window
// [pivot, end) and an equal-length baseline [baseStart, pivot) right
// before it. Corrections that lived for less than the measurement floor
// produce nothing worth judging.
func measureWindows(c *Correction) (baseStart, pivot, end time.Time, ok bool) {
	win := c.ExpiresAt.Sub(c.CreatedAt)
	if win < minTTL {
		return time.Time{}, time.Time{}, time.Time{}, false
	}
	return c.CreatedAt.Add(-win), c.CreatedAt, c.ExpiresAt, true
}

// scopeColumn maps a correction scope onto the tasks column selecting
// its cohort. Global corrections have no cohort column.
func scopeColumn(s Scope) (string, bool) {
	switch s {
	case ScopeCity:
		return "city", true
	case ScopeCategory:
		return "category", true
	case ScopeZone:
		return "zone", true
	default:
		return "", false
	}
}

// cohortRates turns raw task counts into funnel rates. An empty cohort
// scores zero across the board rather than dividing by zero.
func cohortRates(total, completed, disputed, claimed int64) MetricSet {
	if total == 0 {
		return MetricSet{MetricCompletionRate: 0, MetricDisputeFreeRate: 0, MetricClaimRate: 0}
	}
	n := float64(total)
	return MetricSet{
		MetricCompletionRate:  float64(completed) / n,
		MetricDisputeFreeRate: 1 - float64(disputed)/n,
		MetricClaimRate:       float64(claimed) / n,
	}
}

// cohort computes funnel rates for tasks created inside [from, to),
// optionally restricted to (match) or excluding (!match) one scope key.
func (e *Engine) cohort(ctx context.Context, q database.Querier, col, key string, match bool, from, to time.Time) (MetricSet, error) {
	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE state = $3),
		       COUNT(*) FILTER (WHERE state = $4),
		       COUNT(*) FILTER (WHERE hustler_id IS NOT NULL)
		FROM tasks
		WHERE created_at >= $1 AND created_at < $2`
	args := []interface{}{from, to, domain.TaskCompleted, domain.TaskDisputed}
	if col != "" {
		op := "="
		if !match {
			op = "<>"
		}
		query += ` AND ` + col + ` ` + op + ` $5`
		args = append(args, key)
	}

	var total, completed, disputed, claimed int64
	err := q.QueryRowContext(ctx, query, args...).
		Scan(&total, &completed, &disputed, &claimed)
	if err != nil {
		return nil, hxerr.FromPg(err)
	}
	return cohortRates(total, completed, disputed, claimed), nil
}

// Measure builds the treated-versus-control measurement for one expired
// correction from the task funnel. Scoped corrections compare the scope
// cohort against everything outside it over the same windows. A global
// correction has no outside cohort, so its control is the platform's
// own prior window pair, which captures the pre-existing trend.
// Returns nil when the correction lived for less than the measurement
// floor.
func (e *Engine) Measure(ctx context.Context, c *Correction) (*Measurement, error) {
	baseStart, pivot, end, ok := measureWindows(c)
	if !ok {
		return nil, nil
	}
	db := e.rt.DB()
	col, scoped := scopeColumn(c.Scope)

	var m Measurement
	var err error
	if m.TreatedBaseline, err = e.cohort(ctx, db, col, c.ScopeKey, true, baseStart, pivot); err != nil {
		return nil, err
	}
	if m.TreatedPost, err = e.cohort(ctx, db, col, c.ScopeKey, true, pivot, end); err != nil {
		return nil, err
	}

	if scoped {
		if m.ControlBaseline, err = e.cohort(ctx, db, col, c.ScopeKey, false, baseStart, pivot); err != nil {
			return nil, err
		}
		if m.ControlPost, err = e.cohort(ctx, db, col, c.ScopeKey, false, pivot, end); err != nil {
			return nil, err
		}
		return &m, nil
	}

	win := pivot.Sub(baseStart)
	if m.ControlBaseline, err = e.cohort(ctx, db, "", "", true, baseStart.Add(-win), baseStart); err != nil {
		return nil, err
	}
	m.ControlPost = m.TreatedBaseline
	return &m, nil
}
