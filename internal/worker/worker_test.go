package worker

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hustlexp/backend/internal/correction"
	"github.com/hustlexp/backend/internal/database"
	"github.com/hustlexp/backend/internal/domain"
	"github.com/hustlexp/backend/internal/flags"
	"github.com/hustlexp/backend/internal/ledger"
	"github.com/hustlexp/backend/internal/money"
	"github.com/hustlexp/backend/internal/outbox"
	"github.com/hustlexp/backend/internal/provider"
	"github.com/hustlexp/backend/internal/task"
)

func makeEvent(t *testing.T, eventType, queue string, p eventPayload) *outbox.Event {
	t.Helper()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	payload, err := json.Marshal(outbox.Envelope{Type: eventType, Version: 1, Data: data})
	require.NoError(t, err)
	return &outbox.Event{
		ID:             domain.NewID(),
		EventType:      eventType,
		EventVersion:   1,
		AggregateType:  "escrow",
		AggregateID:    p.TaskID,
		IdempotencyKey: eventType + ":" + p.TaskID + ":2:" + queue,
		Payload:        payload,
		QueueName:      queue,
	}
}

func TestLogicalKeyStripsQueueSuffix(t *testing.T) {
	e := makeEvent(t, domain.EventEscrowReleased, domain.QueuePayoutDispatch,
		eventPayload{TaskID: "task_1"})
	assert.Equal(t, "escrow.released:task_1:2", logicalKey(e))
}

func TestRecipientsByEventType(t *testing.T) {
	p := &eventPayload{TaskID: "t1", PosterID: "poster", HustlerID: "hustler"}

	tests := []struct {
		eventType string
		want      []string
	}{
		{domain.EventEscrowReleased, []string{"hustler"}},
		{domain.EventEscrowRefunded, []string{"poster"}},
		{domain.EventTaskProofSubmitted, []string{"poster"}},
		{domain.EventTaskProofDecided, []string{"hustler"}},
		{domain.EventTaskCompleted, []string{"poster", "hustler"}},
		{domain.EventTaskDisputed, []string{"poster", "hustler"}},
	}
	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			assert.Equal(t, tt.want, recipients(tt.eventType, p))
		})
	}
}

func TestRecipientsWithoutHustler(t *testing.T) {
	p := &eventPayload{TaskID: "t1", PosterID: "poster"}
	assert.Nil(t, recipients(domain.EventEscrowReleased, p))
	assert.Equal(t, []string{"poster"}, recipients(domain.EventTaskCancelled, p))
}

func TestTrustDeltaMapping(t *testing.T) {
	assert.Equal(t, ledger.TrustDeltaCompletion, trustDelta(domain.EventTaskCompleted))
	assert.Equal(t, ledger.TrustDeltaDispute, trustDelta(domain.EventTaskDisputed))
	assert.Zero(t, trustDelta(domain.EventEscrowReleased))
}

func TestCategoryBonusDefaultsToOne(t *testing.T) {
	assert.True(t, CategoryBonus("errand").Equal(decimal.NewFromInt(1)))
	assert.True(t, CategoryBonus("moving").Equal(decimal.RequireFromString("1.30")))
}

func TestEventPayloadRoundTrip(t *testing.T) {
	e := makeEvent(t, domain.EventEscrowReleased, domain.QueueXPAward, eventPayload{
		TaskID:      "task_1",
		PosterID:    "poster",
		HustlerID:   "hustler",
		State:       string(domain.EscrowReleased),
		AmountCents: 5000,
		ProviderRef: "tr_1",
	})

	var got eventPayload
	require.NoError(t, e.Decode(&got))
	assert.Equal(t, "hustler", got.HustlerID)
	assert.Equal(t, int64(5000), got.AmountCents)
}

func newMockRuntime(t *testing.T) (*database.Runtime, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return database.NewRuntime(db, database.RuntimeOptions{MaxAttempts: 1}), mock
}

func releasedEscrowRow(transferID string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{"task_id", "state", "amount_cents", "version",
		"payment_intent_id", "charge_id", "transfer_id", "refund_id", "refund_cents",
		"created_at", "updated_at"}).
		AddRow("task_1", "RELEASED", 5000, 3, "pi_task_1", "ch_1", transferID, "", 0, now, now)
}

// A RELEASED escrow missing its provider reference gets the transfer id
// backfilled from the provider's books. The terminal-state guard permits
// exactly this write, so the update must touch transfer_id alone.
func TestPayoutDispatchBackfillsMissingTransfer(t *testing.T) {
	rt, mock := newMockRuntime(t)
	ctx := context.Background()

	fake := provider.NewFake()
	key := "escrow.released:task_1:2"
	transfer, err := fake.TransferToHustler(ctx, "hustler_1", 5000, key)
	require.NoError(t, err)

	w := NewPayoutDispatch(rt, money.NewStore(), fake)
	e := makeEvent(t, domain.EventEscrowReleased, domain.QueuePayoutDispatch, eventPayload{
		TaskID:      "task_1",
		PosterID:    "poster_1",
		HustlerID:   "hustler_1",
		AmountCents: 5000,
	})

	mock.ExpectQuery("FROM money_state_lock").WillReturnRows(releasedEscrowRow(""))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE money_state_lock").
		WithArgs("task_1", transfer.TransferID, string(domain.EscrowReleased)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, w.Handle(ctx, e))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPayoutDispatchSkipsCommittedTransfer(t *testing.T) {
	rt, mock := newMockRuntime(t)

	w := NewPayoutDispatch(rt, money.NewStore(), provider.NewFake())
	e := makeEvent(t, domain.EventEscrowReleased, domain.QueuePayoutDispatch,
		eventPayload{TaskID: "task_1", PosterID: "poster_1", HustlerID: "hustler_1"})

	mock.ExpectQuery("FROM money_state_lock").WillReturnRows(releasedEscrowRow("tr_1"))

	require.NoError(t, w.Handle(context.Background(), e))
	assert.NoError(t, mock.ExpectationsWereMet())
}

type knobStub struct {
	mag    decimal.Decimal
	active bool
}

func (k *knobStub) ActiveMagnitude(context.Context, correction.Type, correction.Scope, string) (decimal.Decimal, bool, error) {
	return k.mag, k.active, nil
}

func TestProofCutoff(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	base := 24 * time.Hour

	// A wider knob grants grace; a tighter one sweeps sooner.
	assert.Equal(t, now.Add(-24*time.Hour), proofCutoff(now, base, decimal.NewFromInt(48)))
	assert.Equal(t, now.Add(20*time.Hour), proofCutoff(now, base, decimal.NewFromInt(4)))
	assert.Equal(t, now, proofCutoff(now, base, decimal.NewFromInt(24)))
}

// timeBefore matches a query argument strictly earlier than the bound.
type timeBefore struct{ bound time.Time }

func (m timeBefore) Match(v driver.Value) bool {
	ts, ok := v.(time.Time)
	return ok && ts.Before(m.bound)
}

func TestProofExpiryHonorsTimingKnob(t *testing.T) {
	rt, mock := newMockRuntime(t)

	// 48h knob over a 24h baseline shifts the sweep cutoff a day back.
	knobs := &knobStub{mag: decimal.NewFromInt(48), active: true}
	w := NewProofExpiry(rt, task.NewStore(), nil, knobs, 24*time.Hour, time.Minute)

	mock.ExpectQuery("JOIN proofs").
		WithArgs(string(domain.ProofSubmitted), string(domain.TaskProofSubmitted),
			timeBefore{time.Now().Add(-23 * time.Hour)}, expiryBatch).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("FROM tasks").WillReturnRows(sqlmock.NewRows([]string{"id"}))

	require.NoError(t, w.Run(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// The outcome loop consumes what ExpireDue returns: each expired
// correction is measured over the task funnel and its verdict recorded.
func TestCorrectionOutcomesJudgesExpired(t *testing.T) {
	rt, mock := newMockRuntime(t)
	engine := correction.NewEngine(rt, flags.NewStore(rt.DB()))
	w := NewCorrectionOutcomes(engine, time.Minute)

	created := time.Now().Add(-30 * time.Hour)
	expires := time.Now().Add(-6 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE correction_log").WillReturnRows(
		sqlmock.NewRows([]string{"id", "type", "target_entity", "target_id", "scope",
			"scope_key", "magnitude", "reason_code", "status", "applied_by",
			"expires_at", "created_at"}).
			AddRow("corr_1", "task_routing", "task_visibility", "austin", "city",
				"austin", "0.2", "low_claim_rate", "expired", "ops", expires, created))
	mock.ExpectCommit()

	cohort := func(total, completed, disputed, claimed int64) *sqlmock.Rows {
		return sqlmock.NewRows([]string{"total", "completed", "disputed", "claimed"}).
			AddRow(total, completed, disputed, claimed)
	}
	mock.ExpectQuery("FROM tasks").WillReturnRows(cohort(100, 40, 10, 60))  // treated baseline
	mock.ExpectQuery("FROM tasks").WillReturnRows(cohort(100, 60, 5, 80))   // treated post
	mock.ExpectQuery("FROM tasks").WillReturnRows(cohort(200, 80, 20, 120)) // control baseline
	mock.ExpectQuery("FROM tasks").WillReturnRows(cohort(200, 82, 20, 121)) // control post

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO causal_outcomes").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM causal_outcomes").WillReturnRows(
		sqlmock.NewRows([]string{"samples", "non_causal"}).AddRow(1, 0))
	mock.ExpectCommit()

	require.NoError(t, w.Run(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
