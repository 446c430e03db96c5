package task

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hustlexp/backend/internal/domain"
	"github.com/hustlexp/backend/internal/hxerr"
)

func TestPermittedTransitions(t *testing.T) {
	tests := []struct {
		from   domain.TaskState
		event  Event
		target domain.TaskState
		want   domain.TaskState
	}{
		{domain.TaskOpen, EventClaim, "", domain.TaskAccepted},
		{domain.TaskOpen, EventCancel, "", domain.TaskCancelled},
		{domain.TaskOpen, EventExpire, "", domain.TaskExpired},
		{domain.TaskAccepted, EventProofSubmit, "", domain.TaskProofSubmitted},
		{domain.TaskAccepted, EventDispute, "", domain.TaskDisputed},
		{domain.TaskAccepted, EventCancel, "", domain.TaskCancelled},
		{domain.TaskProofSubmitted, EventAccept, "", domain.TaskCompleted},
		{domain.TaskProofSubmitted, EventReject, "", domain.TaskAccepted},
		{domain.TaskProofSubmitted, EventDispute, "", domain.TaskDisputed},
		{domain.TaskDisputed, EventResolve, domain.TaskCompleted, domain.TaskCompleted},
		{domain.TaskDisputed, EventResolve, domain.TaskCancelled, domain.TaskCancelled},
	}
	for _, tt := range tests {
		got, err := Next(tt.from, tt.event, tt.target)
		require.NoError(t, err, "%s --%s--> %s", tt.from, tt.event, tt.want)
		assert.Equal(t, tt.want, got)
	}
}

func TestForbiddenTransitions(t *testing.T) {
	tests := []struct {
		from  domain.TaskState
		event Event
	}{
		{domain.TaskOpen, EventProofSubmit},
		{domain.TaskOpen, EventAccept},
		{domain.TaskOpen, EventDispute},
		{domain.TaskAccepted, EventClaim},
		{domain.TaskAccepted, EventAccept},
		{domain.TaskProofSubmitted, EventCancel},
		{domain.TaskCompleted, EventClaim},
		{domain.TaskCompleted, EventDispute},
		{domain.TaskCancelled, EventClaim},
		{domain.TaskExpired, EventClaim},
		{domain.TaskDisputed, EventCancel},
	}
	for _, tt := range tests {
		_, err := Next(tt.from, tt.event, "")
		require.Error(t, err, "%s --%s--> should be rejected", tt.from, tt.event)
		assert.True(t, errors.Is(err, &hxerr.Error{Kind: hxerr.ConflictState}))
	}
}

func TestResolveRejectsBadTarget(t *testing.T) {
	_, err := Next(domain.TaskDisputed, EventResolve, domain.TaskOpen)
	require.Error(t, err)
	assert.Equal(t, hxerr.Validation, hxerr.KindOf(err))

	_, err = Next(domain.TaskDisputed, EventResolve, "")
	require.Error(t, err)
}

func TestTerminalStatesAcceptNothing(t *testing.T) {
	for _, state := range []domain.TaskState{domain.TaskCompleted, domain.TaskCancelled, domain.TaskExpired} {
		assert.True(t, state.Terminal())
		for _, event := range []Event{EventClaim, EventProofSubmit, EventAccept, EventReject, EventDispute, EventResolve, EventCancel, EventExpire} {
			_, err := Next(state, event, domain.TaskCompleted)
			assert.Error(t, err, "%s must reject %s", state, event)
		}
	}
}
