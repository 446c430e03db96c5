// Package outbox implements the transactional outbox: rows are written
// inside the serializable transaction that mutated domain state, and
// workers claim them with SKIP LOCKED. Producer emission is exactly-once
// with respect to committed state; consumption is at-least-once with
// idempotent handlers downstream.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/hustlexp/backend/internal/database"
	"github.com/hustlexp/backend/internal/domain"
	"github.com/hustlexp/backend/internal/hxerr"
)

// Status values for outbox rows. Dead rows are never silently dropped;
// the reaper surfaces them as incidents.
const (
	StatusPending   = "pending"
	StatusInFlight  = "in_flight"
	StatusCompleted = "completed"
	StatusDead      = "dead"
)

// Envelope is the versioned payload wrapper. The producer owns the
// schema; consumers switch on Type and Version.
type Envelope struct {
	Type    string          `json:"type"`
	Version int             `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// Event is one outbox row.
type Event struct {
	ID             string
	EventType      string
	EventVersion   int
	AggregateType  string
	AggregateID    string
	IdempotencyKey string
	Payload        []byte
	QueueName      string
	Status         string
	Attempts       int
	NextAttemptAt  time.Time
	LeaseID        string
	LastError      string
	CreatedAt      time.Time
}

// Decode unmarshals the payload data into v after checking the envelope
// type matches.
func (e *Event) Decode(v interface{}) error {
	var env Envelope
	if err := json.Unmarshal(e.Payload, &env); err != nil {
		return hxerr.Wrap(hxerr.Internal, err, "outbox payload envelope")
	}
	if env.Type != e.EventType {
		return hxerr.New(hxerr.Internal, "envelope type %q does not match row type %q", env.Type, e.EventType)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return hxerr.Wrap(hxerr.Internal, err, "outbox payload data")
	}
	return nil
}

// Store is the producer and consumer surface over outbox_events.
type Store struct {
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

type StoreOptions struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewStore(opts StoreOptions) *Store {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 8
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 2 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 10 * time.Minute
	}
	return &Store{
		maxAttempts: opts.MaxAttempts,
		baseBackoff: opts.BaseBackoff,
		maxBackoff:  opts.MaxBackoff,
	}
}

// Emit writes one row per consumer queue for the event, inside the
// caller's transaction. The idempotency key is scoped per queue so a
// retried producer short-circuits on the UNIQUE constraint.
func (s *Store) Emit(ctx context.Context, q database.Querier, eventType, aggregateType, aggregateID, idempotencyKey string, version int, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return hxerr.Wrap(hxerr.Internal, err, "marshal %s payload", eventType)
	}
	payload, err := json.Marshal(Envelope{Type: eventType, Version: version, Data: raw})
	if err != nil {
		return hxerr.Wrap(hxerr.Internal, err, "marshal %s envelope", eventType)
	}

	queues := domain.QueuesForEvent(eventType)
	if len(queues) == 0 {
		return hxerr.New(hxerr.Internal, "event type %q has no consumer queues", eventType)
	}

	for _, queue := range queues {
		_, err := q.ExecContext(ctx, `
			INSERT INTO outbox_events
				(id, event_type, event_version, aggregate_type, aggregate_id,
				 idempotency_key, payload, queue_name)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (idempotency_key) DO NOTHING`,
			domain.NewID(), eventType, version, aggregateType, aggregateID,
			fmt.Sprintf("%s:%s", idempotencyKey, queue), payload, queue)
		if err != nil {
			return hxerr.FromPg(err)
		}
	}
	return nil
}

// Claim atomically moves up to limit due pending rows of one queue to
// in_flight and returns them. Safe to run from many workers at once.
func (s *Store) Claim(ctx context.Context, q database.Querier, queue string, limit int, leaseTTL time.Duration) ([]*Event, error) {
	leaseID := uuid.NewString()
	rows, err := q.QueryContext(ctx, `
		UPDATE outbox_events SET
			status = $4,
			lease_id = $3,
			lease_until = now() + ($5 * interval '1 second')
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE queue_name = $1 AND status = $6 AND next_attempt_at <= now()
			ORDER BY next_attempt_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, event_type, event_version, aggregate_type, aggregate_id,
			idempotency_key, payload, queue_name, status, attempts,
			next_attempt_at, lease_id, last_error, created_at`,
		queue, limit, leaseID, StatusInFlight, int64(leaseTTL.Seconds()), StatusPending)
	if err != nil {
		return nil, hxerr.FromPg(err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e := &Event{}
		if err := rows.Scan(&e.ID, &e.EventType, &e.EventVersion, &e.AggregateType,
			&e.AggregateID, &e.IdempotencyKey, &e.Payload, &e.QueueName, &e.Status,
			&e.Attempts, &e.NextAttemptAt, &e.LeaseID, &e.LastError, &e.CreatedAt); err != nil {
			return nil, hxerr.FromPg(err)
		}
		out = append(out, e)
	}
	return out, hxerr.FromPg(rows.Err())
}

// Ack marks a claimed row completed.
func (s *Store) Ack(ctx context.Context, q database.Querier, e *Event) error {
	_, err := q.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = $3, completed_at = now(), lease_id = ''
		WHERE id = $1 AND lease_id = $2`,
		e.ID, e.LeaseID, StatusCompleted)
	return hxerr.FromPg(err)
}

// Fail reschedules a claimed row with jittered exponential backoff, or
// moves it to dead once attempts are exhausted.
func (s *Store) Fail(ctx context.Context, q database.Querier, e *Event, cause error) error {
	attempts := e.Attempts + 1
	status := StatusPending
	delay := s.Backoff(attempts)
	if attempts >= s.maxAttempts {
		status = StatusDead
	}

	_, err := q.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = $3, attempts = $4, last_error = $5,
		    next_attempt_at = now() + ($6 * interval '1 millisecond'),
		    lease_id = ''
		WHERE id = $1 AND lease_id = $2`,
		e.ID, e.LeaseID, status, attempts, cause.Error(), delay.Milliseconds())
	return hxerr.FromPg(err)
}

// Bury moves a claimed row straight to dead, for failures where further
// attempts cannot succeed.
func (s *Store) Bury(ctx context.Context, q database.Querier, e *Event, cause error) error {
	_, err := q.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = $3, attempts = attempts + 1, last_error = $4, lease_id = ''
		WHERE id = $1 AND lease_id = $2`,
		e.ID, e.LeaseID, StatusDead, cause.Error())
	return hxerr.FromPg(err)
}

// Backoff is exponential with jitter: [d/2, d) where d doubles per
// attempt up to the cap.
func (s *Store) Backoff(attempts int) time.Duration {
	d := s.baseBackoff << uint(attempts-1)
	if d > s.maxBackoff || d <= 0 {
		d = s.maxBackoff
	}
	half := int64(d) / 2
	return time.Duration(half + rand.Int63n(half))
}

// ReclaimExpired returns in_flight rows whose lease lapsed to pending, so
// a crashed worker's claims are not lost.
func (s *Store) ReclaimExpired(ctx context.Context, q database.Querier) (int64, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = $1, lease_id = ''
		WHERE status = $2 AND lease_until < now()`,
		StatusPending, StatusInFlight)
	if err != nil {
		return 0, hxerr.FromPg(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Dead lists dead-letter rows for operator attention.
func (s *Store) Dead(ctx context.Context, q database.Querier, limit int) ([]*Event, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, event_type, event_version, aggregate_type, aggregate_id,
			idempotency_key, payload, queue_name, status, attempts,
			next_attempt_at, lease_id, last_error, created_at
		FROM outbox_events
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2`, StatusDead, limit)
	if err != nil {
		return nil, hxerr.FromPg(err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e := &Event{}
		if err := rows.Scan(&e.ID, &e.EventType, &e.EventVersion, &e.AggregateType,
			&e.AggregateID, &e.IdempotencyKey, &e.Payload, &e.QueueName, &e.Status,
			&e.Attempts, &e.NextAttemptAt, &e.LeaseID, &e.LastError, &e.CreatedAt); err != nil {
			return nil, hxerr.FromPg(err)
		}
		out = append(out, e)
	}
	return out, hxerr.FromPg(rows.Err())
}

// Replay requeues a dead row under operator supervision, resetting its
// attempt budget.
func (s *Store) Replay(ctx context.Context, q database.Querier, eventID string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = $2, attempts = 0, next_attempt_at = now(), last_error = ''
		WHERE id = $1 AND status = $3`,
		eventID, StatusPending, StatusDead)
	if err != nil {
		return hxerr.FromPg(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return hxerr.New(hxerr.NotFound, "dead outbox event %s", eventID)
	}
	return nil
}

// Counts returns pending/in_flight/dead totals for the unpause safety
// check and the depth gauges.
func (s *Store) Counts(ctx context.Context, q database.Querier) (pending, inFlight, dead int64, err error) {
	rows, err := q.QueryContext(ctx, `
		SELECT status, count(*) FROM outbox_events
		WHERE status IN ($1,$2,$3)
		GROUP BY status`, StatusPending, StatusInFlight, StatusDead)
	if err != nil {
		return 0, 0, 0, hxerr.FromPg(err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return 0, 0, 0, hxerr.FromPg(err)
		}
		switch status {
		case StatusPending:
			pending = n
		case StatusInFlight:
			inFlight = n
		case StatusDead:
			dead = n
		}
	}
	return pending, inFlight, dead, hxerr.FromPg(rows.Err())
}
