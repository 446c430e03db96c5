package worker

import (
	"context"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hustlexp/backend/internal/correction"
	"github.com/hustlexp/backend/internal/database"
	"github.com/hustlexp/backend/internal/task"
)

const expiryBatch = 100

// MagnitudeSource reads the currently applied advisory knob for one
// correction type.
type MagnitudeSource interface {
	ActiveMagnitude(ctx context.Context, t correction.Type, scope correction.Scope, scopeKey string) (decimal.Decimal, bool, error)
}

// ProofExpiry is the periodic sweep over lapsed deadlines: proofs past
// their review deadline are rejected back to ACCEPTED, and OPEN listings
// past their expiry move to EXPIRED. An active proof timing knob changes
// the effective review window without rewriting stamped deadlines.
type ProofExpiry struct {
	rt       *database.Runtime
	store    *task.Store
	machine  *task.Machine
	knobs    MagnitudeSource
	baseline time.Duration // configured proof review window
	interval time.Duration
	logger   *log.Logger
}

func NewProofExpiry(rt *database.Runtime, store *task.Store, machine *task.Machine,
	knobs MagnitudeSource, baseline, interval time.Duration) *ProofExpiry {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ProofExpiry{
		rt:       rt,
		store:    store,
		machine:  machine,
		knobs:    knobs,
		baseline: baseline,
		interval: interval,
		logger:   log.New(log.Writer(), "[EXPIRY] ", log.LstdFlags),
	}
}

func (w *ProofExpiry) Name() string            { return "proof_expiry" }
func (w *ProofExpiry) Interval() time.Duration { return w.interval }

// proofCutoff converts an active proof timing knob into the sweep cutoff.
// The knob is the effective review window in hours; deadlines were
// stamped with the configured baseline, so the difference becomes grace
// when the knob widens the window and an earlier lapse when it tightens.
func proofCutoff(now time.Time, baseline time.Duration, knobHours decimal.Decimal) time.Time {
	f, _ := knobHours.Float64()
	effective := time.Duration(f * float64(time.Hour))
	return now.Add(baseline - effective)
}

func (w *ProofExpiry) Run(ctx context.Context) error {
	now := time.Now().UTC()

	cutoff := now
	if w.knobs != nil {
		mag, active, err := w.knobs.ActiveMagnitude(ctx, correction.TypeProofTiming, correction.ScopeGlobal, "")
		switch {
		case err != nil:
			w.logger.Printf("read proof timing knob: %v", err)
		case active:
			cutoff = proofCutoff(now, w.baseline, mag)
		}
	}

	stale, err := w.store.ExpiredProofTasks(ctx, w.rt.DB(), cutoff, expiryBatch)
	if err != nil {
		return err
	}
	for _, taskID := range stale {
		if _, err := w.machine.RejectProof(ctx, task.SystemActor, taskID); err != nil {
			w.logger.Printf("reject lapsed proof on %s: %v", taskID, err)
			continue
		}
		w.logger.Printf("proof deadline lapsed on %s, returned to ACCEPTED", taskID)
	}

	lapsed, err := w.store.ExpiredOpenTasks(ctx, w.rt.DB(), now, expiryBatch)
	if err != nil {
		return err
	}
	for _, taskID := range lapsed {
		if err := w.machine.Expire(ctx, taskID); err != nil {
			w.logger.Printf("expire listing %s: %v", taskID, err)
			continue
		}
		w.logger.Printf("listing %s expired", taskID)
	}
	return nil
}

var _ Periodic = (*ProofExpiry)(nil)
