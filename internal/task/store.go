package task

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/hustlexp/backend/internal/database"
	"github.com/hustlexp/backend/internal/domain"
	"github.com/hustlexp/backend/internal/hxerr"
)

// Store reads and writes tasks, proofs and the task state log.
type Store struct{}

func NewStore() *Store { return &Store{} }

const taskColumns = `id, poster_id, hustler_id, category, city, zone, title,
	price_cents, state, proof_deadline, expires_at, created_at, updated_at`

func scanTask(row interface{ Scan(...interface{}) error }) (*domain.Task, error) {
	t := &domain.Task{}
	var hustler sql.NullString
	var proofDeadline, expiresAt sql.NullTime
	err := row.Scan(&t.ID, &t.PosterID, &hustler, &t.Category, &t.City, &t.Zone,
		&t.Title, &t.PriceCents, &t.State, &proofDeadline, &expiresAt,
		&t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, hxerr.New(hxerr.NotFound, "task not found")
	}
	if err != nil {
		return nil, hxerr.FromPg(err)
	}
	if hustler.Valid {
		t.HustlerID = &hustler.String
	}
	if proofDeadline.Valid {
		t.ProofDeadline = &proofDeadline.Time
	}
	if expiresAt.Valid {
		t.ExpiresAt = &expiresAt.Time
	}
	return t, nil
}

// Create inserts the task and its OPEN money_state_lock row together, plus
// the first state-log entry.
func (s *Store) Create(ctx context.Context, q database.Querier, t *domain.Task) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO tasks (id, poster_id, category, city, zone, title, price_cents, state, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		t.ID, t.PosterID, t.Category, t.City, t.Zone, t.Title, t.PriceCents, domain.TaskOpen, t.ExpiresAt)
	if err != nil {
		return hxerr.FromPg(err)
	}
	if _, err := q.ExecContext(ctx,
		`INSERT INTO money_state_lock (task_id, state) VALUES ($1, $2)`,
		t.ID, domain.EscrowOpen); err != nil {
		return hxerr.FromPg(err)
	}
	return s.logTransition(ctx, q, t.ID, "", domain.TaskOpen, t.PosterID, "created")
}

// Get loads a task. forUpdate takes a row lock for transition writes.
func (s *Store) Get(ctx context.Context, q database.Querier, id string, forUpdate bool) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	return scanTask(q.QueryRowContext(ctx, query, id))
}

// Transition applies a validated state change and writes the state-log row
// in the same transaction (property P1).
func (s *Store) Transition(ctx context.Context, q database.Querier, t *domain.Task, to domain.TaskState, actorID, reason string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE tasks SET state = $2, updated_at = now() WHERE id = $1`,
		t.ID, to)
	if err != nil {
		return hxerr.FromPg(err)
	}
	if err := s.logTransition(ctx, q, t.ID, t.State, to, actorID, reason); err != nil {
		return err
	}
	t.State = to
	return nil
}

// SetHustler records the claiming hustler alongside the claim transition.
func (s *Store) SetHustler(ctx context.Context, q database.Querier, taskID, hustlerID string) error {
	_, err := q.ExecContext(ctx,
		`UPDATE tasks SET hustler_id = $2, updated_at = now() WHERE id = $1`, taskID, hustlerID)
	return hxerr.FromPg(err)
}

func (s *Store) logTransition(ctx context.Context, q database.Querier, taskID string, from, to domain.TaskState, actorID, reason string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO task_state_log (id, task_id, from_state, to_state, actor_id, reason)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		domain.NewID(), taskID, string(from), string(to), actorID, reason)
	return hxerr.FromPg(err)
}

// InsertProof writes a SUBMITTED proof.
func (s *Store) InsertProof(ctx context.Context, q database.Querier, p *domain.Proof) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO proofs (id, task_id, submitter_id, artifact_keys, state, deadline_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		p.ID, p.TaskID, p.SubmitterID, pq.Array(p.ArtifactKeys), p.State, p.DeadlineAt)
	return hxerr.FromPg(err)
}

// LatestProof returns the newest proof for a task, or NotFound.
func (s *Store) LatestProof(ctx context.Context, q database.Querier, taskID string) (*domain.Proof, error) {
	p := &domain.Proof{}
	var deadline, decided sql.NullTime
	err := q.QueryRowContext(ctx, `
		SELECT id, task_id, submitter_id, artifact_keys, state, deadline_at, created_at, decided_at
		FROM proofs WHERE task_id = $1
		ORDER BY created_at DESC LIMIT 1`, taskID).
		Scan(&p.ID, &p.TaskID, &p.SubmitterID, pq.Array(&p.ArtifactKeys), &p.State,
			&deadline, &p.CreatedAt, &decided)
	if err == sql.ErrNoRows {
		return nil, hxerr.New(hxerr.NotFound, "no proof for task %s", taskID)
	}
	if err != nil {
		return nil, hxerr.FromPg(err)
	}
	if deadline.Valid {
		p.DeadlineAt = &deadline.Time
	}
	if decided.Valid {
		p.DecidedAt = &decided.Time
	}
	return p, nil
}

// DecideProof moves a SUBMITTED proof to ACCEPTED or REJECTED.
func (s *Store) DecideProof(ctx context.Context, q database.Querier, proofID string, to domain.ProofState) error {
	res, err := q.ExecContext(ctx, `
		UPDATE proofs SET state = $2, decided_at = now()
		WHERE id = $1 AND state = $3`,
		proofID, to, domain.ProofSubmitted)
	if err != nil {
		return hxerr.FromPg(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return hxerr.New(hxerr.ConflictState, "proof %s is not awaiting decision", proofID)
	}
	return nil
}

// ExpiredProofTasks lists tasks sitting in PROOF_SUBMITTED past their proof
// deadline, for the periodic expiry worker.
func (s *Store) ExpiredProofTasks(ctx context.Context, q database.Querier, now time.Time, limit int) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT t.id FROM tasks t
		JOIN proofs p ON p.task_id = t.id AND p.state = $1
		WHERE t.state = $2 AND p.deadline_at IS NOT NULL AND p.deadline_at < $3
		LIMIT $4`,
		domain.ProofSubmitted, domain.TaskProofSubmitted, now, limit)
	if err != nil {
		return nil, hxerr.FromPg(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, hxerr.FromPg(err)
		}
		ids = append(ids, id)
	}
	return ids, hxerr.FromPg(rows.Err())
}

// ExpiredOpenTasks lists OPEN tasks whose listing has lapsed.
func (s *Store) ExpiredOpenTasks(ctx context.Context, q database.Querier, now time.Time, limit int) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id FROM tasks
		WHERE state = $1 AND expires_at IS NOT NULL AND expires_at < $2
		LIMIT $3`,
		domain.TaskOpen, now, limit)
	if err != nil {
		return nil, hxerr.FromPg(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, hxerr.FromPg(err)
		}
		ids = append(ids, id)
	}
	return ids, hxerr.FromPg(rows.Err())
}
