package money

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hustlexp/backend/internal/database"
	"github.com/hustlexp/backend/internal/domain"
	"github.com/hustlexp/backend/internal/flags"
	"github.com/hustlexp/backend/internal/hxerr"
	"github.com/hustlexp/backend/internal/locks"
	"github.com/hustlexp/backend/internal/outbox"
	"github.com/hustlexp/backend/internal/provider"
)

func TestIdemKeyStableAcrossRetries(t *testing.T) {
	a := idemKey(domain.EventEscrowReleased, "task_1", 3)
	b := idemKey(domain.EventEscrowReleased, "task_1", 3)
	assert.Equal(t, a, b)
	assert.Equal(t, "escrow.released:task_1:3", a)

	// A committed transition bumps the version, producing a fresh key.
	assert.NotEqual(t, a, idemKey(domain.EventEscrowReleased, "task_1", 4))
}

func TestRefundTarget(t *testing.T) {
	tests := []struct {
		name    string
		held    int64
		refund  int64
		want    domain.EscrowState
		cents   int64
		invalid bool
	}{
		{name: "zero means full refund", held: 5000, refund: 0, want: domain.EscrowRefunded, cents: 5000},
		{name: "exact amount is full refund", held: 5000, refund: 5000, want: domain.EscrowRefunded, cents: 5000},
		{name: "partial refund", held: 5000, refund: 2000, want: domain.EscrowRefundPartial, cents: 2000},
		{name: "one cent under is partial", held: 5000, refund: 4999, want: domain.EscrowRefundPartial, cents: 4999},
		{name: "over held amount rejected", held: 5000, refund: 5001, invalid: true},
		{name: "negative rejected", held: 5000, refund: -1, invalid: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			to, cents, err := refundTarget(tt.held, tt.refund)
			if tt.invalid {
				require.Error(t, err)
				assert.Equal(t, hxerr.Validation, hxerr.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, to)
			assert.Equal(t, tt.cents, cents)
		})
	}
}

func newTestMachine(t *testing.T) (*Machine, sqlmock.Sqlmock, *provider.Fake) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	rt := database.NewRuntime(db, database.RuntimeOptions{MaxAttempts: 1})
	fake := provider.NewFake()
	m := NewMachine(rt, NewStore(), outbox.NewStore(outbox.StoreOptions{}),
		locks.NewServiceWithClient(rdb), fake, flags.NewStore(db))
	return m, mock, fake
}

func escrowRow(state string, amountCents int64, version int, transferID string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{"task_id", "state", "amount_cents", "version",
		"payment_intent_id", "charge_id", "transfer_id", "refund_id", "refund_cents",
		"created_at", "updated_at"}).
		AddRow("task_1", state, amountCents, version, "pi_task_1", "ch_1", transferID, "", 0, now, now)
}

// A second Release against the same escrow must not reach the provider:
// the first commit moved the row to RELEASED, so the replay stops at the
// state check with exactly one transfer on the provider's books.
func TestReleaseReplayMovesMoneyOnce(t *testing.T) {
	m, mock, fake := newTestMachine(t)
	ctx := context.Background()

	mock.ExpectQuery("FROM system_flags").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("off"))
	mock.ExpectQuery("FROM money_state_lock").
		WillReturnRows(escrowRow("HELD", 5000, 2, ""))
	mock.ExpectQuery("FROM tasks").
		WillReturnRows(sqlmock.NewRows([]string{"poster_id", "hustler_id", "state", "price_cents"}).
			AddRow("poster_1", "hustler_1", "COMPLETED", 5000))
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO money_events_audit").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("evt_1"))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE money_state_lock").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE money_events_audit").WillReturnResult(sqlmock.NewResult(0, 1))
	for range domain.QueuesForEvent(domain.EventEscrowReleased) {
		mock.ExpectExec("INSERT INTO outbox_events").WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()
	mock.ExpectQuery("FROM money_state_lock").
		WillReturnRows(escrowRow("RELEASED", 5000, 3, "tr_000001"))

	e, err := m.Release(ctx, "task_1")
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowReleased, e.State)

	// Replay: the kill-switch read is cached, so the next call starts at
	// the escrow read and sees RELEASED.
	mock.ExpectQuery("FROM money_state_lock").
		WillReturnRows(escrowRow("RELEASED", 5000, 3, "tr_000001"))

	_, err = m.Release(ctx, "task_1")
	require.Error(t, err)
	assert.Equal(t, hxerr.ConflictState, hxerr.KindOf(err))

	transfers := 0
	for _, op := range fake.Operations() {
		if op.Kind == "transfer" {
			transfers++
		}
	}
	assert.Equal(t, 1, transfers)
	assert.NoError(t, mock.ExpectationsWereMet())
}
