package task

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/hustlexp/backend/internal/database"
	"github.com/hustlexp/backend/internal/domain"
	"github.com/hustlexp/backend/internal/hxerr"
	"github.com/hustlexp/backend/internal/outbox"
)

// Actor is the authenticated caller of a command. Identity comes from the
// external auth collaborator; only the id and role matter here.
type Actor struct {
	UserID string
	Role   domain.Role
}

func (a Actor) admin() bool { return a.Role == domain.RoleAdmin }

// SystemActor stamps transitions made by background workers.
var SystemActor = Actor{UserID: "system", Role: domain.RoleAdmin}

// Machine runs task lifecycle operations in serializable transactions,
// writing the state log and outbox rows atomically with each transition.
type Machine struct {
	rt            *database.Runtime
	store         *Store
	outbox        *outbox.Store
	proofDeadline time.Duration
	logger        *log.Logger
}

func NewMachine(rt *database.Runtime, store *Store, ob *outbox.Store, proofDeadline time.Duration) *Machine {
	return &Machine{
		rt:            rt,
		store:         store,
		outbox:        ob,
		proofDeadline: proofDeadline,
		logger:        log.New(log.Writer(), "[TASK] ", log.LstdFlags),
	}
}

// taskEventPayload is the closed payload shape for task.* events.
type taskEventPayload struct {
	TaskID    string `json:"task_id"`
	PosterID  string `json:"poster_id"`
	HustlerID string `json:"hustler_id,omitempty"`
	State     string `json:"state"`
	ProofID   string `json:"proof_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Note      string `json:"note,omitempty"`
}

func payloadFor(t *domain.Task) taskEventPayload {
	p := taskEventPayload{TaskID: t.ID, PosterID: t.PosterID, State: string(t.State)}
	if t.HustlerID != nil {
		p.HustlerID = *t.HustlerID
	}
	return p
}

// Create posts a new task in OPEN alongside its OPEN escrow row.
func (m *Machine) Create(ctx context.Context, actor Actor, t *domain.Task) (*domain.Task, error) {
	if t.Title == "" || t.Category == "" {
		return nil, hxerr.New(hxerr.Validation, "title and category are required")
	}
	if t.PriceCents <= 0 {
		return nil, hxerr.New(hxerr.Validation, "price_cents must be positive")
	}
	t.ID = domain.NewID()
	t.PosterID = actor.UserID
	t.State = domain.TaskOpen

	err := m.rt.SerializableTx(ctx, func(tx *sql.Tx) error {
		return m.store.Create(ctx, tx, t)
	})
	if err != nil {
		return nil, err
	}
	m.logger.Printf("task %s created by %s (%d cents)", t.ID, actor.UserID, t.PriceCents)
	return t, nil
}

// Claim assigns the task to a hustler. Posters cannot claim their own
// tasks; concurrent claims are resolved by the serializable retry, with
// the second claimant seeing a state conflict.
func (m *Machine) Claim(ctx context.Context, actor Actor, taskID string) (*domain.Task, error) {
	var claimed *domain.Task
	err := m.rt.SerializableTx(ctx, func(tx *sql.Tx) error {
		t, err := m.store.Get(ctx, tx, taskID, true)
		if err != nil {
			return err
		}
		if t.PosterID == actor.UserID {
			return hxerr.New(hxerr.Authorization, "poster cannot claim their own task")
		}
		to, err := Next(t.State, EventClaim, "")
		if err != nil {
			return err
		}
		if err := m.store.SetHustler(ctx, tx, t.ID, actor.UserID); err != nil {
			return err
		}
		t.HustlerID = &actor.UserID
		if err := m.store.Transition(ctx, tx, t, to, actor.UserID, "claimed"); err != nil {
			return err
		}
		claimed = t
		return m.emit(ctx, tx, domain.EventTaskClaimed, t,
			fmt.Sprintf("%s:%s", domain.EventTaskClaimed, t.ID), payloadFor(t))
	})
	return claimed, err
}

// Progress publishes a progress note from the current hustler to the
// task's realtime watchers. The task state does not change; every note
// is its own event.
func (m *Machine) Progress(ctx context.Context, actor Actor, taskID, note string) error {
	if note == "" {
		return hxerr.New(hxerr.Validation, "progress note is required")
	}
	return m.rt.SerializableTx(ctx, func(tx *sql.Tx) error {
		t, err := m.store.Get(ctx, tx, taskID, false)
		if err != nil {
			return err
		}
		if t.HustlerID == nil || *t.HustlerID != actor.UserID {
			return hxerr.New(hxerr.Authorization, "only the current hustler may post progress")
		}
		if t.State != domain.TaskAccepted && t.State != domain.TaskProofSubmitted {
			return hxerr.New(hxerr.ConflictState, "task %s is %s, not in progress", t.ID, t.State)
		}
		p := payloadFor(t)
		p.Note = note
		return m.emit(ctx, tx, domain.EventTaskProgressUpdated, t,
			fmt.Sprintf("%s:%s:%s", domain.EventTaskProgressUpdated, t.ID, domain.NewID()), p)
	})
}

// SubmitProof records a proof from the current hustler and moves the task
// to PROOF_SUBMITTED.
func (m *Machine) SubmitProof(ctx context.Context, actor Actor, taskID string, artifactKeys []string) (*domain.Proof, error) {
	if len(artifactKeys) == 0 {
		return nil, hxerr.New(hxerr.Validation, "at least one artifact key is required")
	}
	var proof *domain.Proof
	err := m.rt.SerializableTx(ctx, func(tx *sql.Tx) error {
		t, err := m.store.Get(ctx, tx, taskID, true)
		if err != nil {
			return err
		}
		if t.HustlerID == nil || *t.HustlerID != actor.UserID {
			return hxerr.New(hxerr.Authorization, "only the current hustler may submit proof")
		}
		to, err := Next(t.State, EventProofSubmit, "")
		if err != nil {
			return err
		}

		deadline := time.Now().UTC().Add(m.proofDeadline)
		proof = &domain.Proof{
			ID:           domain.NewID(),
			TaskID:       t.ID,
			SubmitterID:  actor.UserID,
			ArtifactKeys: artifactKeys,
			State:        domain.ProofSubmitted,
			DeadlineAt:   &deadline,
		}
		if err := m.store.InsertProof(ctx, tx, proof); err != nil {
			return err
		}
		if err := m.store.Transition(ctx, tx, t, to, actor.UserID, "proof submitted"); err != nil {
			return err
		}
		p := payloadFor(t)
		p.ProofID = proof.ID
		return m.emit(ctx, tx, domain.EventTaskProofSubmitted, t,
			fmt.Sprintf("%s:%s", domain.EventTaskProofSubmitted, proof.ID), p)
	})
	return proof, err
}

// AcceptProof marks the proof ACCEPTED and completes the task. The HX301
// trigger re-checks the accepted proof at commit. Money release is a
// separate step chained by the caller after this commits.
func (m *Machine) AcceptProof(ctx context.Context, actor Actor, taskID string) (*domain.Task, error) {
	return m.decideProof(ctx, actor, taskID, domain.ProofAccepted)
}

// RejectProof returns the task to ACCEPTED for another attempt.
func (m *Machine) RejectProof(ctx context.Context, actor Actor, taskID string) (*domain.Task, error) {
	return m.decideProof(ctx, actor, taskID, domain.ProofRejected)
}

func (m *Machine) decideProof(ctx context.Context, actor Actor, taskID string, decision domain.ProofState) (*domain.Task, error) {
	event := EventAccept
	if decision == domain.ProofRejected {
		event = EventReject
	}

	var out *domain.Task
	err := m.rt.SerializableTx(ctx, func(tx *sql.Tx) error {
		t, err := m.store.Get(ctx, tx, taskID, true)
		if err != nil {
			return err
		}
		if t.PosterID != actor.UserID && !actor.admin() {
			return hxerr.New(hxerr.Authorization, "only the poster or an admin may decide proof")
		}
		to, err := Next(t.State, event, "")
		if err != nil {
			return err
		}
		proof, err := m.store.LatestProof(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := m.store.DecideProof(ctx, tx, proof.ID, decision); err != nil {
			return err
		}
		if err := m.store.Transition(ctx, tx, t, to, actor.UserID, "proof "+string(decision)); err != nil {
			return err
		}

		p := payloadFor(t)
		p.ProofID = proof.ID
		if err := m.emit(ctx, tx, domain.EventTaskProofDecided, t,
			fmt.Sprintf("%s:%s", domain.EventTaskProofDecided, proof.ID), p); err != nil {
			return err
		}
		if to == domain.TaskCompleted {
			if err := m.emit(ctx, tx, domain.EventTaskCompleted, t,
				fmt.Sprintf("%s:%s", domain.EventTaskCompleted, t.ID), p); err != nil {
				return err
			}
		}
		out = t
		return nil
	})
	return out, err
}

// Dispute opens a dispute from ACCEPTED or PROOF_SUBMITTED. Only parties
// to the task (or an admin) may open one.
func (m *Machine) Dispute(ctx context.Context, actor Actor, taskID, reason string) (*domain.Task, error) {
	var out *domain.Task
	err := m.rt.SerializableTx(ctx, func(tx *sql.Tx) error {
		t, err := m.store.Get(ctx, tx, taskID, true)
		if err != nil {
			return err
		}
		if !isParty(t, actor.UserID) && !actor.admin() {
			return hxerr.New(hxerr.Authorization, "only task parties may dispute")
		}
		to, err := Next(t.State, EventDispute, "")
		if err != nil {
			return err
		}
		if err := m.store.Transition(ctx, tx, t, to, actor.UserID, reason); err != nil {
			return err
		}
		p := payloadFor(t)
		p.Reason = reason
		out = t
		return m.emit(ctx, tx, domain.EventTaskDisputed, t,
			fmt.Sprintf("%s:%s", domain.EventTaskDisputed, t.ID), p)
	})
	return out, err
}

// Resolve closes a dispute to COMPLETED or CANCELLED. Admin only.
// Resolution to COMPLETED still requires an ACCEPTED proof (HX301); the
// resolver accepts the pending proof as part of the ruling.
func (m *Machine) Resolve(ctx context.Context, actor Actor, taskID string, outcome domain.TaskState, reason string) (*domain.Task, error) {
	if !actor.admin() {
		return nil, hxerr.New(hxerr.Authorization, "only admins resolve disputes")
	}
	var out *domain.Task
	err := m.rt.SerializableTx(ctx, func(tx *sql.Tx) error {
		t, err := m.store.Get(ctx, tx, taskID, true)
		if err != nil {
			return err
		}
		to, err := Next(t.State, EventResolve, outcome)
		if err != nil {
			return err
		}
		if to == domain.TaskCompleted {
			proof, err := m.store.LatestProof(ctx, tx, taskID)
			if err != nil {
				return err
			}
			if proof.State == domain.ProofSubmitted {
				if err := m.store.DecideProof(ctx, tx, proof.ID, domain.ProofAccepted); err != nil {
					return err
				}
			} else if proof.State != domain.ProofAccepted {
				return hxerr.New(hxerr.ConflictState, "cannot resolve to COMPLETED without an acceptable proof")
			}
		}
		if err := m.store.Transition(ctx, tx, t, to, actor.UserID, reason); err != nil {
			return err
		}

		p := payloadFor(t)
		p.Reason = reason
		eventType := domain.EventTaskCompleted
		if to == domain.TaskCancelled {
			eventType = domain.EventTaskCancelled
		}
		out = t
		return m.emit(ctx, tx, eventType, t,
			fmt.Sprintf("%s:%s", eventType, t.ID), p)
	})
	return out, err
}

// Cancel voids an OPEN or ACCEPTED task. Poster or admin only.
func (m *Machine) Cancel(ctx context.Context, actor Actor, taskID, reason string) (*domain.Task, error) {
	var out *domain.Task
	err := m.rt.SerializableTx(ctx, func(tx *sql.Tx) error {
		t, err := m.store.Get(ctx, tx, taskID, true)
		if err != nil {
			return err
		}
		if t.PosterID != actor.UserID && !actor.admin() {
			return hxerr.New(hxerr.Authorization, "only the poster or an admin may cancel")
		}
		to, err := Next(t.State, EventCancel, "")
		if err != nil {
			return err
		}
		if err := m.store.Transition(ctx, tx, t, to, actor.UserID, reason); err != nil {
			return err
		}
		p := payloadFor(t)
		p.Reason = reason
		out = t
		return m.emit(ctx, tx, domain.EventTaskCancelled, t,
			fmt.Sprintf("%s:%s", domain.EventTaskCancelled, t.ID), p)
	})
	return out, err
}

// Expire moves a lapsed OPEN task to EXPIRED. Called by the expiry worker.
func (m *Machine) Expire(ctx context.Context, taskID string) error {
	return m.rt.SerializableTx(ctx, func(tx *sql.Tx) error {
		t, err := m.store.Get(ctx, tx, taskID, true)
		if err != nil {
			return err
		}
		to, err := Next(t.State, EventExpire, "")
		if err != nil {
			return err
		}
		if err := m.store.Transition(ctx, tx, t, to, SystemActor.UserID, "listing expired"); err != nil {
			return err
		}
		return m.emit(ctx, tx, domain.EventTaskExpired, t,
			fmt.Sprintf("%s:%s", domain.EventTaskExpired, t.ID), payloadFor(t))
	})
}

func (m *Machine) emit(ctx context.Context, tx *sql.Tx, eventType string, t *domain.Task, idempotencyKey string, payload taskEventPayload) error {
	return m.outbox.Emit(ctx, tx, eventType, "task", t.ID, idempotencyKey, 1, payload)
}

func isParty(t *domain.Task, userID string) bool {
	if t.PosterID == userID {
		return true
	}
	return t.HustlerID != nil && *t.HustlerID == userID
}
