// Package task implements the task lifecycle state machine and its store.
// The database triggers are the last line of defense; this package is the
// first, returning typed precondition errors before any write happens.
package task

import (
	"github.com/hustlexp/backend/internal/domain"
	"github.com/hustlexp/backend/internal/hxerr"
)

// Event names a requested task transition.
type Event string

const (
	EventClaim       Event = "claim"
	EventProofSubmit Event = "proof_submit"
	EventAccept      Event = "accept"
	EventReject      Event = "reject"
	EventDispute     Event = "dispute"
	EventResolve     Event = "resolve"
	EventCancel      Event = "cancel"
	EventExpire      Event = "expire"
)

// transitions is the permitted (state, event) -> state table.
var transitions = map[domain.TaskState]map[Event]domain.TaskState{
	domain.TaskOpen: {
		EventClaim:  domain.TaskAccepted,
		EventCancel: domain.TaskCancelled,
		EventExpire: domain.TaskExpired,
	},
	domain.TaskAccepted: {
		EventProofSubmit: domain.TaskProofSubmitted,
		EventDispute:     domain.TaskDisputed,
		EventCancel:      domain.TaskCancelled,
	},
	domain.TaskProofSubmitted: {
		EventAccept:  domain.TaskCompleted,
		EventReject:  domain.TaskAccepted,
		EventDispute: domain.TaskDisputed,
	},
	domain.TaskDisputed: {
		// resolve lands on COMPLETED or CANCELLED; Next validates both.
		EventResolve: "",
	},
}

// resolveTargets are the legal outcomes of a dispute resolution.
var resolveTargets = map[domain.TaskState]bool{
	domain.TaskCompleted: true,
	domain.TaskCancelled: true,
}

// Next validates a transition and returns the destination state. target is
// only consulted for EventResolve, where the resolver chooses the outcome.
func Next(from domain.TaskState, event Event, target domain.TaskState) (domain.TaskState, error) {
	byEvent, ok := transitions[from]
	if !ok {
		return "", hxerr.New(hxerr.ConflictState, "task in %s accepts no transitions", from)
	}
	to, ok := byEvent[event]
	if !ok {
		return "", hxerr.New(hxerr.ConflictState, "cannot %s a task in %s", event, from)
	}
	if event == EventResolve {
		if !resolveTargets[target] {
			return "", hxerr.New(hxerr.Validation, "dispute must resolve to COMPLETED or CANCELLED, got %s", target)
		}
		return target, nil
	}
	return to, nil
}
