package hxerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromPgClassification(t *testing.T) {
	tests := []struct {
		name     string
		pqErr    *pq.Error
		wantKind Kind
		wantCode string
	}{
		{
			name:     "serialization failure is retryable",
			pqErr:    &pq.Error{Code: "40001", Message: "could not serialize access"},
			wantKind: Retryable,
		},
		{
			name:     "deadlock is retryable",
			pqErr:    &pq.Error{Code: "40P01", Message: "deadlock detected"},
			wantKind: Retryable,
		},
		{
			name:     "trigger veto surfaces invariant code",
			pqErr:    &pq.Error{Code: "P0001", Message: "HX201: escrow RELEASED requires task COMPLETED"},
			wantKind: ConflictInvariant,
			wantCode: "HX201",
		},
		{
			name:     "terminal task freeze",
			pqErr:    &pq.Error{Code: "P0001", Message: "HX001: task in terminal state is immutable"},
			wantKind: ConflictInvariant,
			wantCode: "HX001",
		},
		{
			name:     "raise without HX code is internal",
			pqErr:    &pq.Error{Code: "P0001", Message: "something else entirely"},
			wantKind: Internal,
		},
		{
			name:     "unique violation is a state conflict",
			pqErr:    &pq.Error{Code: "23505", Constraint: "xp_ledger_money_state_lock_task_id_key"},
			wantKind: ConflictState,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := FromPg(tt.pqErr)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, KindOf(err))
			assert.Equal(t, tt.wantCode, CodeOf(err))
		})
	}
}

func TestFromPgWrappedPqError(t *testing.T) {
	raw := fmt.Errorf("exec: %w", &pq.Error{Code: "40001"})
	assert.True(t, IsRetryable(FromPg(raw)))
}

func TestFromPgPassesThroughClassified(t *testing.T) {
	orig := Invariant("HX002", "terminal money state is immutable")
	assert.Same(t, error(orig), FromPg(orig))
}

func TestErrorIsMatchesByKind(t *testing.T) {
	err := Invariant("HX101", "xp requires RELEASED")
	assert.True(t, errors.Is(err, &Error{Kind: ConflictInvariant}))
	assert.True(t, errors.Is(err, &Error{Kind: ConflictInvariant, Code: "HX101"}))
	assert.False(t, errors.Is(err, &Error{Kind: ConflictInvariant, Code: "HX102"}))
	assert.False(t, errors.Is(err, &Error{Kind: NotFound}))
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, IsUniqueViolation(&pq.Error{Code: "23505"}))
	assert.False(t, IsUniqueViolation(errors.New("nope")))
}

func TestNonPgErrorIsInternal(t *testing.T) {
	assert.Equal(t, Internal, KindOf(FromPg(errors.New("broken pipe"))))
}
