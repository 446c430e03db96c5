package task

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hustlexp/backend/internal/database"
	"github.com/hustlexp/backend/internal/domain"
	"github.com/hustlexp/backend/internal/hxerr"
	"github.com/hustlexp/backend/internal/outbox"
)

func newTestMachine(t *testing.T) (*Machine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	rt := database.NewRuntime(db, database.RuntimeOptions{MaxAttempts: 1})
	return NewMachine(rt, NewStore(), outbox.NewStore(outbox.StoreOptions{}), 24*time.Hour), mock
}

func taskRow(state domain.TaskState, hustlerID string) *sqlmock.Rows {
	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "poster_id", "hustler_id", "category", "city",
		"zone", "title", "price_cents", "state", "proof_deadline", "expires_at",
		"created_at", "updated_at"})
	var hustler interface{}
	if hustlerID != "" {
		hustler = hustlerID
	}
	rows.AddRow("task_1", "poster_1", hustler, "errand", "austin", "z1",
		"pick up dry cleaning", 5000, string(state), nil, nil, now, now)
	return rows
}

// A progress note from the current hustler changes no task state; it
// only lands one realtime fanout row in the outbox.
func TestProgressEmitsFanoutEvent(t *testing.T) {
	m, mock := newTestMachine(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM tasks").WillReturnRows(taskRow(domain.TaskAccepted, "hustler_1"))
	mock.ExpectExec("INSERT INTO outbox_events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	actor := Actor{UserID: "hustler_1", Role: domain.RoleHustler}
	require.NoError(t, m.Progress(context.Background(), actor, "task_1", "halfway there"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProgressRejectsNonHustler(t *testing.T) {
	m, mock := newTestMachine(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM tasks").WillReturnRows(taskRow(domain.TaskAccepted, "hustler_1"))
	mock.ExpectRollback()

	actor := Actor{UserID: "poster_1", Role: domain.RolePoster}
	err := m.Progress(context.Background(), actor, "task_1", "nope")
	require.Error(t, err)
	assert.Equal(t, hxerr.Authorization, hxerr.KindOf(err))
}

func TestProgressRejectsFinishedTask(t *testing.T) {
	m, mock := newTestMachine(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM tasks").WillReturnRows(taskRow(domain.TaskCompleted, "hustler_1"))
	mock.ExpectRollback()

	actor := Actor{UserID: "hustler_1", Role: domain.RoleHustler}
	err := m.Progress(context.Background(), actor, "task_1", "too late")
	require.Error(t, err)
	assert.Equal(t, hxerr.ConflictState, hxerr.KindOf(err))
}

func TestProgressRequiresNote(t *testing.T) {
	m, _ := newTestMachine(t)
	err := m.Progress(context.Background(), Actor{UserID: "hustler_1"}, "task_1", "")
	require.Error(t, err)
	assert.Equal(t, hxerr.Validation, hxerr.KindOf(err))
}
