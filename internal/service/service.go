// Package service is the orchestration layer between the API surface and
// the state machines. It sequences the task and money kernels for the
// commands that touch both, and owns the admin paths.
package service

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/hustlexp/backend/internal/database"
	"github.com/hustlexp/backend/internal/domain"
	"github.com/hustlexp/backend/internal/hxerr"
	"github.com/hustlexp/backend/internal/ledger"
	"github.com/hustlexp/backend/internal/money"
	"github.com/hustlexp/backend/internal/storage"
	"github.com/hustlexp/backend/internal/task"
)

// TaskService fronts the task lifecycle commands.
type TaskService struct {
	rt     *database.Runtime
	tasks  *task.Machine
	store  *task.Store
	money  *money.Machine
	signer *storage.Signer
	logger *log.Logger
}

func NewTaskService(rt *database.Runtime, tasks *task.Machine, store *task.Store,
	moneyMachine *money.Machine, signer *storage.Signer) *TaskService {
	return &TaskService{
		rt:     rt,
		tasks:  tasks,
		store:  store,
		money:  moneyMachine,
		signer: signer,
		logger: log.New(log.Writer(), "[SVC] ", log.LstdFlags),
	}
}

func (s *TaskService) Create(ctx context.Context, actor task.Actor, t *domain.Task) (*domain.Task, error) {
	return s.tasks.Create(ctx, actor, t)
}

func (s *TaskService) Get(ctx context.Context, id string) (*domain.Task, error) {
	return s.store.Get(ctx, s.rt.DB(), id, false)
}

// Claim assigns the hustler, then funds the escrow. A funding failure
// leaves the task ACCEPTED with escrow OPEN; the client retries fund-task
// explicitly.
func (s *TaskService) Claim(ctx context.Context, actor task.Actor, taskID string) (*domain.Task, error) {
	t, err := s.tasks.Claim(ctx, actor, taskID)
	if err != nil {
		return nil, err
	}
	if _, err := s.money.Fund(ctx, taskID); err != nil {
		s.logger.Printf("task %s claimed but funding failed: %v", taskID, err)
		return t, err
	}
	return s.Get(ctx, taskID)
}

// Fund is the explicit funding command, also the retry path after a
// claim whose charge failed.
func (s *TaskService) Fund(ctx context.Context, actor task.Actor, taskID string) (*domain.Escrow, error) {
	t, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.PosterID != actor.UserID && !actor.Role.Admin() {
		return nil, hxerr.New(hxerr.Authorization, "only the poster funds a task")
	}
	return s.money.Fund(ctx, taskID)
}

// PresignArtifact mints an upload URL for a proof artifact. Only the
// current hustler may upload.
func (s *TaskService) PresignArtifact(ctx context.Context, actor task.Actor, taskID, filename string) (key, url string, err error) {
	t, err := s.Get(ctx, taskID)
	if err != nil {
		return "", "", err
	}
	if t.HustlerID == nil || *t.HustlerID != actor.UserID {
		return "", "", hxerr.New(hxerr.Authorization, "only the assigned hustler uploads proof")
	}
	key = storage.NewArtifactKey(taskID, filename)
	url, err = s.signer.SignUpload(key, 15*time.Minute)
	return key, url, err
}

func (s *TaskService) SubmitProof(ctx context.Context, actor task.Actor, taskID string, artifactKeys []string) (*domain.Proof, error) {
	return s.tasks.SubmitProof(ctx, actor, taskID, artifactKeys)
}

func (s *TaskService) Progress(ctx context.Context, actor task.Actor, taskID, note string) error {
	return s.tasks.Progress(ctx, actor, taskID, note)
}

// AcceptProof completes the task, then releases the escrow. The order
// matters: HX201 requires COMPLETED before RELEASED can commit.
func (s *TaskService) AcceptProof(ctx context.Context, actor task.Actor, taskID string) (*domain.Task, error) {
	t, err := s.tasks.AcceptProof(ctx, actor, taskID)
	if err != nil {
		return nil, err
	}
	if _, err := s.money.Release(ctx, taskID); err != nil {
		// The task is COMPLETED; the reaper or payout worker finishes the
		// money side from the audit trail.
		s.logger.Printf("task %s completed but release pending: %v", taskID, err)
		return t, err
	}
	return s.Get(ctx, taskID)
}

func (s *TaskService) RejectProof(ctx context.Context, actor task.Actor, taskID string) (*domain.Task, error) {
	return s.tasks.RejectProof(ctx, actor, taskID)
}

// Dispute freezes both machines: task to DISPUTED, escrow to
// LOCKED_DISPUTE when money is already held.
func (s *TaskService) Dispute(ctx context.Context, actor task.Actor, taskID, reason string) (*domain.Task, error) {
	t, err := s.tasks.Dispute(ctx, actor, taskID, reason)
	if err != nil {
		return nil, err
	}
	if _, err := s.money.LockDispute(ctx, taskID); err != nil {
		if hxerr.KindOf(err) != hxerr.ConflictState {
			return t, err
		}
		// Escrow was still OPEN; nothing to freeze.
	}
	return t, nil
}

func (s *TaskService) Cancel(ctx context.Context, actor task.Actor, taskID, reason string) (*domain.Task, error) {
	t, err := s.tasks.Cancel(ctx, actor, taskID, reason)
	if err != nil {
		return nil, err
	}
	// Held funds flow back to the poster on cancellation.
	esc, err := s.money.Refund(ctx, taskID, 0)
	if err != nil && hxerr.KindOf(err) != hxerr.ConflictState {
		s.logger.Printf("task %s cancelled but refund pending: %v", taskID, err)
		return t, err
	}
	_ = esc
	return t, nil
}

// AdminService owns dispute resolution and audited overrides.
type AdminService struct {
	rt     *database.Runtime
	tasks  *task.Machine
	store  *task.Store
	money  *money.Machine
	admin  *ledger.AdminAuditStore
	logger *log.Logger
}

func NewAdminService(rt *database.Runtime, tasks *task.Machine, store *task.Store, moneyMachine *money.Machine) *AdminService {
	return &AdminService{
		rt:     rt,
		tasks:  tasks,
		store:  store,
		money:  moneyMachine,
		admin:  ledger.NewAdminAuditStore(),
		logger: log.New(log.Writer(), "[ADMIN] ", log.LstdFlags),
	}
}

// ResolveDispute settles both machines. Resolving to COMPLETED releases
// to the hustler; CANCELLED refunds the poster, with refundCents allowing
// a split (the remainder goes to the hustler through a partial refund).
func (a *AdminService) ResolveDispute(ctx context.Context, actor task.Actor, taskID string, outcome domain.TaskState, refundCents int64, reason string) (*domain.Task, error) {
	t, err := a.tasks.Resolve(ctx, actor, taskID, outcome, reason)
	if err != nil {
		return nil, err
	}
	if outcome == domain.TaskCompleted {
		_, err = a.money.ResolveDispute(ctx, taskID, true, 0)
	} else {
		_, err = a.money.ResolveDispute(ctx, taskID, false, refundCents)
	}
	if err != nil && hxerr.KindOf(err) != hxerr.ConflictState {
		a.logger.Printf("task %s resolved but money settlement pending: %v", taskID, err)
		return t, err
	}
	return t, nil
}

// ForceRelease is the audited escape hatch for stuck money.
func (a *AdminService) ForceRelease(ctx context.Context, actor task.Actor, taskID, reason string) (*domain.Escrow, error) {
	if !actor.Role.Admin() {
		return nil, hxerr.New(hxerr.Authorization, "admin only")
	}
	return a.money.ForceRelease(ctx, actor.UserID, taskID, reason)
}

// OverrideTask edits a terminal task under the audited override flag.
// The trigger verifies the audit row exists in the same transaction.
func (a *AdminService) OverrideTask(ctx context.Context, actor task.Actor, taskID, reason string, mutate func(tx *sql.Tx) error) error {
	if !actor.Role.Admin() {
		return hxerr.New(hxerr.Authorization, "admin only")
	}
	if reason == "" {
		return hxerr.New(hxerr.Validation, "override requires a reason")
	}
	return a.rt.SerializableTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT set_config('hustlexp.admin_override', 'on', true)`); err != nil {
			return hxerr.FromPg(err)
		}
		t, err := a.store.Get(ctx, tx, taskID, true)
		if err != nil {
			return err
		}
		if err := a.admin.Record(ctx, tx, &ledger.AdminAction{
			ActorID:     actor.UserID,
			Action:      "task_override",
			TargetType:  "tasks",
			TargetID:    taskID,
			BeforeState: string(t.State),
			Reason:      reason,
		}); err != nil {
			return err
		}
		return mutate(tx)
	})
}
