package reaper

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
	"github.com/hustlexp/backend/internal/metrics"
	"github.com/hustlexp/backend/internal/money"
	"github.com/hustlexp/backend/internal/outbox"
	"github.com/hustlexp/backend/internal/provider"
)

// Shared so the Prometheus default registry sees each collector once.
var testMetrics = metrics.New()

type harness struct {
	reaper  *Reaper
	machine *money.Machine
	mock    sqlmock.Sqlmock
	fake    *provider.Fake

	rt     *database.Runtime
	store  *money.Store
	outbox *outbox.Store
	flags  *flags.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	rt := database.NewRuntime(db, database.RuntimeOptions{MaxAttempts: 1})
	fl := flags.NewStore(db)
	ob := outbox.NewStore(outbox.StoreOptions{})
	fake := provider.NewFake()
	store := money.NewStore()
	machine := money.NewMachine(rt, store, ob, locks.NewServiceWithClient(rdb), fake, fl)

	return &harness{
		reaper:  New(rt, store, machine, ob, fake, fl, testMetrics, time.Minute),
		machine: machine,
		mock:    mock,
		fake:    fake,
		rt:      rt,
		store:   store,
		outbox:  ob,
		flags:   fl,
	}
}

func escrowRow(taskID, state string, amountCents int64, version int, transferID string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{"task_id", "state", "amount_cents", "version",
		"payment_intent_id", "charge_id", "transfer_id", "refund_id", "refund_cents",
		"created_at", "updated_at"}).
		AddRow(taskID, state, amountCents, version, "pi_"+taskID, "ch_1", transferID, "", 0, now, now)
}

func partiesRow() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"poster_id", "hustler_id", "state", "price_cents"}).
		AddRow("poster_1", "hustler_1", "COMPLETED", 5000)
}

func pendingColumns() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "task_id", "event_type", "idempotency_key",
		"provider_ref", "amount_cents", "outcome", "created_at"})
}

func pendingRow(key string) *sqlmock.Rows {
	return pendingColumns().
		AddRow("evt_1", "task_1", domain.EventEscrowReleased, key, "", 5000, "issued", time.Now())
}

// A release whose provider call times out after the provider committed
// it leaves the audit row issued and the escrow HELD. The next
// reconciliation pass finds the operation succeeded at the provider and
// finishes the local commit.
func TestReconcilePendingSettlesLostRelease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.fake.FailNext = hxerr.New(hxerr.Retryable, "transfer timed out")
	h.fake.HangNext = true

	h.mock.ExpectQuery("FROM system_flags").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("off"))
	h.mock.ExpectQuery("FROM money_state_lock").
		WillReturnRows(escrowRow("task_1", "HELD", 5000, 2, ""))
	h.mock.ExpectQuery("FROM tasks").WillReturnRows(partiesRow())
	h.mock.ExpectBegin()
	h.mock.ExpectQuery("INSERT INTO money_events_audit").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("evt_1"))
	h.mock.ExpectCommit()

	_, err := h.machine.Release(ctx, "task_1")
	require.Error(t, err)
	assert.Equal(t, hxerr.Retryable, hxerr.KindOf(err))

	key := "escrow.released:task_1:2"
	op, err := h.fake.LookupByIdempotencyKey(ctx, key)
	require.NoError(t, err)
	require.True(t, op.Succeeded())

	h.mock.ExpectQuery("FROM money_events_audit").WillReturnRows(pendingRow(key))
	h.mock.ExpectQuery("FROM tasks").WillReturnRows(partiesRow())
	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FROM money_state_lock").
		WillReturnRows(escrowRow("task_1", "HELD", 5000, 2, ""))
	h.mock.ExpectExec("UPDATE money_state_lock").WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectExec("UPDATE money_events_audit").WillReturnResult(sqlmock.NewResult(0, 1))
	for range domain.QueuesForEvent(domain.EventEscrowReleased) {
		h.mock.ExpectExec("INSERT INTO outbox_events").WillReturnResult(sqlmock.NewResult(0, 1))
	}
	h.mock.ExpectCommit()

	require.NoError(t, h.reaper.ReconcilePending(ctx))
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

// A key the provider never saw means the money never moved; the audit
// row closes as failed so the caller may retry with a fresh key.
func TestReconcilePendingClosesUnknownKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.mock.ExpectQuery("FROM money_events_audit").
		WillReturnRows(pendingRow("escrow.released:task_1:2"))
	h.mock.ExpectBegin()
	h.mock.ExpectExec("UPDATE money_events_audit").WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectCommit()

	require.NoError(t, h.reaper.ReconcilePending(ctx))
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

type failedLookupProvider struct {
	*provider.Fake
	op *provider.Operation
}

func (p *failedLookupProvider) LookupByIdempotencyKey(context.Context, string) (*provider.Operation, error) {
	return p.op, nil
}

func TestReconcilePendingClosesFailedOperation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pc := &failedLookupProvider{
		Fake: h.fake,
		op:   &provider.Operation{IdempotencyKey: "escrow.released:task_1:2", Kind: "transfer", Status: "failed"},
	}
	r := New(h.rt, h.store, h.machine, h.outbox, pc, h.flags, testMetrics, time.Minute)

	h.mock.ExpectQuery("FROM money_events_audit").
		WillReturnRows(pendingRow("escrow.released:task_1:2"))
	h.mock.ExpectBegin()
	h.mock.ExpectExec("UPDATE money_events_audit").WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectCommit()

	require.NoError(t, r.ReconcilePending(ctx))
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func (h *harness) expectCleanSweep(killSwitch string, dead int64) {
	h.mock.ExpectQuery("FROM system_flags").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(killSwitch))
	h.mock.ExpectQuery("FROM money_events_audit").WillReturnRows(pendingColumns())
	h.mock.ExpectQuery("FROM money_state_lock").
		WillReturnRows(sqlmock.NewRows([]string{"task_id"}))
	counts := sqlmock.NewRows([]string{"status", "count"})
	if dead > 0 {
		counts.AddRow(outbox.StatusDead, dead)
	}
	h.mock.ExpectQuery("FROM outbox_events").WillReturnRows(counts)
	h.mock.ExpectQuery("FROM money_state_lock").
		WillReturnRows(sqlmock.NewRows([]string{"task_id"}))
	h.mock.ExpectQuery("FROM xp_ledger").
		WillReturnRows(sqlmock.NewRows([]string{"money_state_lock_task_id"}))
}

func TestSafeToUnpauseAllClear(t *testing.T) {
	h := newHarness(t)
	h.expectCleanSweep("off", 0)

	safe, reasons, err := h.reaper.SafeToUnpause(context.Background())
	require.NoError(t, err)
	assert.True(t, safe)
	assert.Empty(t, reasons)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestSafeToUnpauseReportsKillSwitch(t *testing.T) {
	h := newHarness(t)
	h.expectCleanSweep("on", 0)

	safe, reasons, err := h.reaper.SafeToUnpause(context.Background())
	require.NoError(t, err)
	assert.False(t, safe)
	assert.Equal(t, []string{ReasonKillSwitchOn}, reasons)
}

func TestSafeToUnpauseBlocksOnDeadLetters(t *testing.T) {
	h := newHarness(t)
	h.expectCleanSweep("off", 3)

	safe, reasons, err := h.reaper.SafeToUnpause(context.Background())
	require.NoError(t, err)
	assert.False(t, safe)
	require.Len(t, reasons, 1)
	assert.Contains(t, reasons[0], "dead-lettered")
}
