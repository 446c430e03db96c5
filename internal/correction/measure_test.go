package correction

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hustlexp/backend/internal/database"
	"github.com/hustlexp/backend/internal/flags"
)

func TestMeasureWindows(t *testing.T) {
	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	c := &Correction{CreatedAt: created, ExpiresAt: created.Add(24 * time.Hour)}
	baseStart, pivot, end, ok := measureWindows(c)
	require.True(t, ok)
	assert.Equal(t, created.Add(-24*time.Hour), baseStart)
	assert.Equal(t, created, pivot)
	assert.Equal(t, created.Add(24*time.Hour), end)

	// Below the floor there is nothing worth judging.
	short := &Correction{CreatedAt: created, ExpiresAt: created.Add(time.Hour)}
	_, _, _, ok = measureWindows(short)
	assert.False(t, ok)
}

func TestCohortRates(t *testing.T) {
	m := cohortRates(100, 40, 10, 60)
	assert.InDelta(t, 0.40, m[MetricCompletionRate], 1e-9)
	assert.InDelta(t, 0.90, m[MetricDisputeFreeRate], 1e-9)
	assert.InDelta(t, 0.60, m[MetricClaimRate], 1e-9)

	empty := cohortRates(0, 0, 0, 0)
	assert.Zero(t, empty[MetricCompletionRate])
	assert.Zero(t, empty[MetricClaimRate])
}

func TestScopeColumn(t *testing.T) {
	tests := []struct {
		scope  Scope
		col    string
		scoped bool
	}{
		{ScopeCity, "city", true},
		{ScopeCategory, "category", true},
		{ScopeZone, "zone", true},
		{ScopeGlobal, "", false},
	}
	for _, tt := range tests {
		col, scoped := scopeColumn(tt.scope)
		assert.Equal(t, tt.col, col)
		assert.Equal(t, tt.scoped, scoped)
	}
}

func newMockEngine(t *testing.T) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	rt := database.NewRuntime(db, database.RuntimeOptions{MaxAttempts: 1})
	return NewEngine(rt, flags.NewStore(db)), mock
}

func cohortCountRow(total, completed, disputed, claimed int64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"total", "completed", "disputed", "claimed"}).
		AddRow(total, completed, disputed, claimed)
}

// A scoped correction compares its cohort against everything outside the
// scope key over the same two windows.
func TestMeasureScopedUsesOutsideCohort(t *testing.T) {
	e, mock := newMockEngine(t)
	created := time.Now().Add(-48 * time.Hour)

	c := &Correction{
		ID:        "corr_1",
		Scope:     ScopeCity,
		ScopeKey:  "austin",
		CreatedAt: created,
		ExpiresAt: created.Add(24 * time.Hour),
	}

	inCohort := regexp.QuoteMeta("city = $5")
	outCohort := regexp.QuoteMeta("city <> $5")
	mock.ExpectQuery(inCohort).WillReturnRows(cohortCountRow(100, 40, 10, 60))
	mock.ExpectQuery(inCohort).WillReturnRows(cohortCountRow(100, 60, 5, 80))
	mock.ExpectQuery(outCohort).WillReturnRows(cohortCountRow(200, 80, 20, 120))
	mock.ExpectQuery(outCohort).WillReturnRows(cohortCountRow(200, 82, 20, 121))

	m, err := e.Measure(context.Background(), c)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.InDelta(t, 0.40, m.TreatedBaseline[MetricCompletionRate], 1e-9)
	assert.InDelta(t, 0.60, m.TreatedPost[MetricCompletionRate], 1e-9)
	assert.InDelta(t, 0.40, m.ControlBaseline[MetricCompletionRate], 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// A global correction has no outside cohort; the control is the
// platform's own prior window pair.
func TestMeasureGlobalControlIsPriorTrend(t *testing.T) {
	e, mock := newMockEngine(t)
	created := time.Now().Add(-48 * time.Hour)

	c := &Correction{
		ID:        "corr_1",
		Scope:     ScopeGlobal,
		CreatedAt: created,
		ExpiresAt: created.Add(24 * time.Hour),
	}

	mock.ExpectQuery("FROM tasks").WillReturnRows(cohortCountRow(500, 200, 50, 300))
	mock.ExpectQuery("FROM tasks").WillReturnRows(cohortCountRow(500, 260, 40, 340))
	mock.ExpectQuery("FROM tasks").WillReturnRows(cohortCountRow(480, 190, 48, 290))

	m, err := e.Measure(context.Background(), c)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, m.TreatedBaseline, m.ControlPost)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMeasureSkipsShortLivedCorrections(t *testing.T) {
	e, mock := newMockEngine(t)
	created := time.Now().Add(-2 * time.Hour)

	m, err := e.Measure(context.Background(), &Correction{
		ID:        "corr_1",
		Scope:     ScopeCity,
		ScopeKey:  "austin",
		CreatedAt: created,
		ExpiresAt: created.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Nil(t, m)
	assert.NoError(t, mock.ExpectationsWereMet())
}
