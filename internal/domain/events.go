package domain

// Event types emitted through the transactional outbox. The producer owns
// the payload schema; consumers switch on type and version.
const (
	EventEscrowHeld          = "escrow.held"
	EventEscrowReleased      = "escrow.released"
	EventEscrowRefunded      = "escrow.refunded"
	EventEscrowDisputeLocked = "escrow.dispute_locked"
	EventTaskClaimed         = "task.claimed"
	EventTaskProofSubmitted  = "task.proof_submitted"
	EventTaskProofDecided    = "task.proof_decided"
	EventTaskCompleted       = "task.completed"
	EventTaskCancelled       = "task.cancelled"
	EventTaskExpired         = "task.expired"
	EventTaskDisputed        = "task.disputed"
	EventTaskProgressUpdated = "task.progress_updated"
)

// Queue names, one consumer type per queue.
const (
	QueueXPAward         = "xp_award"
	QueuePayoutDispatch  = "payout_dispatch"
	QueueNotifications   = "notifications"
	QueueTrustReevaluate = "trust_reevaluate"
	QueueRealtimeFanout  = "realtime_fanout"
)

// QueuesForEvent maps an event type to the queues that must see it.
// One outbox row is written per (event, queue) pair so each consumer
// tracks its own delivery state.
func QueuesForEvent(eventType string) []string {
	switch eventType {
	case EventEscrowReleased:
		return []string{QueueXPAward, QueuePayoutDispatch, QueueNotifications, QueueTrustReevaluate}
	case EventEscrowHeld, EventEscrowRefunded, EventEscrowDisputeLocked:
		return []string{QueueNotifications}
	case EventTaskClaimed, EventTaskProofSubmitted, EventTaskProofDecided,
		EventTaskCancelled, EventTaskExpired:
		return []string{QueueNotifications, QueueRealtimeFanout}
	case EventTaskCompleted, EventTaskDisputed:
		return []string{QueueNotifications, QueueTrustReevaluate, QueueRealtimeFanout}
	case EventTaskProgressUpdated:
		return []string{QueueRealtimeFanout}
	}
	return nil
}
