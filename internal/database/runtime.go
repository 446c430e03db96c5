package database

import (
	"context"
	"database/sql"
	"log"
	"math/rand"
	"time"

	"github.com/hustlexp/backend/internal/hxerr"
)

// Runtime wraps work units in transactions with bounded jittered retry on
// serialization and deadlock failures. Writers that emit outbox rows must
// use SerializableTx so the event commits with the domain mutation.
type Runtime struct {
	db          *sql.DB
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	logger      *log.Logger
}

// RuntimeOptions tunes the retry policy. Zero values take the defaults
// from the error-handling design (5 attempts, 50ms base, 2s cap).
type RuntimeOptions struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func NewRuntime(db *sql.DB, opts RuntimeOptions) *Runtime {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 50 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 2 * time.Second
	}
	return &Runtime{
		db:          db,
		maxAttempts: opts.MaxAttempts,
		baseDelay:   opts.BaseDelay,
		maxDelay:    opts.MaxDelay,
		logger:      log.New(log.Writer(), "[TX] ", log.LstdFlags),
	}
}

// DB exposes the raw handle for read-only paths that need no transaction.
func (r *Runtime) DB() *sql.DB { return r.db }

// Tx runs f in a READ COMMITTED transaction with retry.
func (r *Runtime) Tx(ctx context.Context, f func(tx *sql.Tx) error) error {
	return r.run(ctx, sql.LevelReadCommitted, true, f)
}

// SerializableTx runs f in a SERIALIZABLE transaction with retry. All money,
// ledger and outbox writers go through here.
func (r *Runtime) SerializableTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	return r.run(ctx, sql.LevelSerializable, true, f)
}

// SerializableTxNoRetry is for callers that carry non-idempotent side
// effects (a provider call in flight) and must decide retry themselves.
func (r *Runtime) SerializableTxNoRetry(ctx context.Context, f func(tx *sql.Tx) error) error {
	return r.run(ctx, sql.LevelSerializable, false, f)
}

func (r *Runtime) run(ctx context.Context, level sql.IsolationLevel, retry bool, f func(tx *sql.Tx) error) error {
	attempts := r.maxAttempts
	if !retry {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = r.attempt(ctx, level, f)
		if err == nil {
			return nil
		}
		if !hxerr.IsRetryable(err) || attempt == attempts {
			return err
		}

		delay := r.backoff(attempt)
		r.logger.Printf("retrying after %s (attempt %d/%d): %v", delay, attempt, attempts, err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return hxerr.Wrap(hxerr.Internal, ctx.Err(), "transaction cancelled during retry")
		}
	}
	return err
}

func (r *Runtime) attempt(ctx context.Context, level sql.IsolationLevel, f func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: level})
	if err != nil {
		return hxerr.FromPg(err)
	}

	if err := f(tx); err != nil {
		// Best-effort rollback; the original error wins.
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			r.logger.Printf("rollback failed (original error preserved): %v", rbErr)
		}
		return hxerr.FromPg(err)
	}

	if err := tx.Commit(); err != nil {
		return hxerr.FromPg(err)
	}
	return nil
}

// backoff is exponential with full jitter, capped at maxDelay.
func (r *Runtime) backoff(attempt int) time.Duration {
	d := r.baseDelay << uint(attempt-1)
	if d > r.maxDelay || d <= 0 {
		d = r.maxDelay
	}
	return time.Duration(rand.Int63n(int64(d)) + int64(r.baseDelay)/2)
}
