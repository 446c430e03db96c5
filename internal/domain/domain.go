// Package domain holds the entities shared by the task kernel, the money
// kernel, the ledgers and the worker fleet. Nothing in here talks to the
// database; stores live next to the state machines that own them.
package domain

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID returns a ULID for use as a primary key. All identifiers in the
// system are ULIDs so rows sort by creation time.
func NewID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader).String()
}

// Role is the coarse role a user acts under for a given command.
type Role string

const (
	RolePoster  Role = "poster"
	RoleHustler Role = "hustler"
	RoleAdmin   Role = "admin"
)

// Admin reports whether the role carries operator privileges.
func (r Role) Admin() bool { return r == RoleAdmin }

// User is the derived view of a user. XP and trust tier are caches of the
// append-only ledgers; the ledgers win on any disagreement.
type User struct {
	ID           string     `json:"id"`
	Role         Role       `json:"role"`
	TrustTier    int        `json:"trust_tier"` // 0..5
	TotalXP      int64      `json:"total_xp"`   // monotonic non-decreasing
	Level        int        `json:"level"`
	StreakDays   int        `json:"streak_days"`
	LastActiveAt *time.Time `json:"last_active_at,omitempty"`
	ArchivedAt   *time.Time `json:"archived_at,omitempty"` // soft archive, never hard-deleted
	CreatedAt    time.Time  `json:"created_at"`
}

// TaskState is the task lifecycle state.
type TaskState string

const (
	TaskOpen           TaskState = "OPEN"
	TaskAccepted       TaskState = "ACCEPTED"
	TaskProofSubmitted TaskState = "PROOF_SUBMITTED"
	TaskCompleted      TaskState = "COMPLETED"
	TaskDisputed       TaskState = "DISPUTED"
	TaskCancelled      TaskState = "CANCELLED"
	TaskExpired        TaskState = "EXPIRED"
)

// Terminal reports whether the task state is frozen (HX001).
func (s TaskState) Terminal() bool {
	switch s {
	case TaskCompleted, TaskCancelled, TaskExpired:
		return true
	}
	return false
}

// Task is a posted gig. PriceCents is immutable once the escrow reaches
// HELD (HX004 guards the escrow side; the task column is frozen with it).
type Task struct {
	ID            string     `json:"id"`
	PosterID      string     `json:"poster_id"`
	HustlerID     *string    `json:"hustler_id,omitempty"`
	Category      string     `json:"category"`
	City          string     `json:"city,omitempty"`
	Zone          string     `json:"zone,omitempty"`
	Title         string     `json:"title"`
	PriceCents    int64      `json:"price_cents"`
	State         TaskState  `json:"state"`
	ProofDeadline *time.Time `json:"proof_deadline,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// EscrowState is the money lifecycle state of the money_state_lock row.
type EscrowState string

const (
	EscrowOpen          EscrowState = "OPEN"
	EscrowHeld          EscrowState = "HELD"
	EscrowReleased      EscrowState = "RELEASED"
	EscrowRefunded      EscrowState = "REFUNDED"
	EscrowRefundPartial EscrowState = "REFUND_PARTIAL"
	EscrowLockedDispute EscrowState = "LOCKED_DISPUTE"
)

// Terminal reports whether the money state is frozen (HX002).
func (s EscrowState) Terminal() bool {
	switch s {
	case EscrowReleased, EscrowRefunded, EscrowRefundPartial:
		return true
	}
	return false
}

// Escrow is the single money_state_lock row per task. It is the only place
// provider-side identifiers live.
type Escrow struct {
	TaskID          string      `json:"task_id"`
	State           EscrowState `json:"state"`
	AmountCents     int64       `json:"amount_cents"` // set exactly once at HELD (HX004)
	Version         int         `json:"version"`      // bumps per transition, part of idempotency keys
	PaymentIntentID string      `json:"payment_intent_id,omitempty"`
	ChargeID        string      `json:"charge_id,omitempty"`
	TransferID      string      `json:"transfer_id,omitempty"`
	RefundID        string      `json:"refund_id,omitempty"`
	RefundCents     int64       `json:"refund_cents,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// ProofState is the proof sub-state.
type ProofState string

const (
	ProofSubmitted ProofState = "SUBMITTED"
	ProofAccepted  ProofState = "ACCEPTED"
	ProofRejected  ProofState = "REJECTED"
)

// Proof is a submitted completion proof. ArtifactKeys are object-storage
// keys only; the core never sees file bytes.
type Proof struct {
	ID           string     `json:"id"`
	TaskID       string     `json:"task_id"`
	SubmitterID  string     `json:"submitter_id"`
	ArtifactKeys []string   `json:"artifact_keys"`
	State        ProofState `json:"state"`
	DeadlineAt   *time.Time `json:"deadline_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	DecidedAt    *time.Time `json:"decided_at,omitempty"`
}

// TaskStateLog is one row per committed task transition (property P1).
type TaskStateLog struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	FromState TaskState `json:"from_state"`
	ToState   TaskState `json:"to_state"`
	ActorID   string    `json:"actor_id"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
