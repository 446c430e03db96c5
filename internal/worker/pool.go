// Package worker runs the background consumers. Each queue has exactly
// one handler type; every handler is idempotent, so at-least-once
// delivery from the outbox produces the same end state as exactly-once.
package worker

import (
	"context"
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/hustlexp/backend/internal/database"
	"github.com/hustlexp/backend/internal/hxerr"
	"github.com/hustlexp/backend/internal/metrics"
	"github.com/hustlexp/backend/internal/outbox"
)

// Handler consumes one queue.
type Handler interface {
	Queue() string
	Handle(ctx context.Context, e *outbox.Event) error
}

// Periodic is a clock-driven job with no queue behind it.
type Periodic interface {
	Name() string
	Interval() time.Duration
	Run(ctx context.Context) error
}

// PeriodicFunc adapts a bare function to Periodic for one-off jobs that
// do not warrant their own type.
func PeriodicFunc(name string, every time.Duration, fn func(ctx context.Context) error) Periodic {
	return &periodicFunc{name: name, every: every, fn: fn}
}

type periodicFunc struct {
	name  string
	every time.Duration
	fn    func(ctx context.Context) error
}

func (p *periodicFunc) Name() string            { return p.name }
func (p *periodicFunc) Interval() time.Duration { return p.every }
func (p *periodicFunc) Run(ctx context.Context) error {
	return p.fn(ctx)
}

const (
	pollInterval = time.Second
	claimBatch   = 25
	claimLease   = 2 * time.Minute
)

// Pool drives handlers and periodic jobs until the context ends.
type Pool struct {
	rt        *database.Runtime
	outbox    *outbox.Store
	metrics   *metrics.Metrics
	handlers  []Handler
	periodics []Periodic
	replicas  int
	logger    *log.Logger
}

func NewPool(rt *database.Runtime, ob *outbox.Store, m *metrics.Metrics, replicas int) *Pool {
	if replicas <= 0 {
		replicas = 1
	}
	return &Pool{
		rt:       rt,
		outbox:   ob,
		metrics:  m,
		replicas: replicas,
		logger:   log.New(log.Writer(), "[WORKER] ", log.LstdFlags),
	}
}

func (p *Pool) Register(h Handler)          { p.handlers = append(p.handlers, h) }
func (p *Pool) RegisterPeriodic(j Periodic) { p.periodics = append(p.periodics, j) }

// Run blocks until ctx is cancelled. Each handler gets its own claim
// loops; periodic jobs get a ticker each.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, h := range p.handlers {
		for i := 0; i < p.replicas; i++ {
			wg.Add(1)
			go func(h Handler) {
				defer wg.Done()
				p.consume(ctx, h)
			}(h)
		}
	}
	for _, j := range p.periodics {
		wg.Add(1)
		go func(j Periodic) {
			defer wg.Done()
			p.tick(ctx, j)
		}(j)
	}
	p.logger.Printf("pool started: %d handlers x%d, %d periodic jobs",
		len(p.handlers), p.replicas, len(p.periodics))
	wg.Wait()
}

func (p *Pool) consume(ctx context.Context, h Handler) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var claimed []*outbox.Event
		err := p.rt.Tx(ctx, func(tx *sql.Tx) error {
			var err error
			claimed, err = p.outbox.Claim(ctx, tx, h.Queue(), claimBatch, claimLease)
			return err
		})
		if err != nil {
			p.logger.Printf("%s: claim failed: %v", h.Queue(), err)
			continue
		}

		for _, e := range claimed {
			p.process(ctx, h, e)
		}
	}
}

func (p *Pool) process(ctx context.Context, h Handler, e *outbox.Event) {
	start := time.Now()
	err := h.Handle(ctx, e)
	p.metrics.JobDuration.WithLabelValues(h.Queue()).Observe(time.Since(start).Seconds())

	settle := func(f func(ctx context.Context, q database.Querier, e *outbox.Event) error) {
		if err := p.rt.Tx(ctx, func(tx *sql.Tx) error { return f(ctx, tx, e) }); err != nil {
			// The lease expires and the row is reclaimed; idempotency
			// absorbs the redelivery.
			p.logger.Printf("%s: settle %s failed: %v", h.Queue(), e.ID, err)
		}
	}

	switch {
	case err == nil:
		p.metrics.JobsProcessed.WithLabelValues(h.Queue(), "ok").Inc()
		settle(p.outbox.Ack)
	case hxerr.IsRetryable(err):
		p.metrics.JobsProcessed.WithLabelValues(h.Queue(), "retry").Inc()
		p.logger.Printf("%s: %s will retry: %v", h.Queue(), e.ID, err)
		settle(func(ctx context.Context, q database.Querier, e *outbox.Event) error {
			return p.outbox.Fail(ctx, q, e, err)
		})
	default:
		p.metrics.JobsProcessed.WithLabelValues(h.Queue(), "dead").Inc()
		p.metrics.DeadLetters.WithLabelValues(h.Queue()).Inc()
		p.logger.Printf("%s: %s dead-lettered: %v", h.Queue(), e.ID, err)
		settle(func(ctx context.Context, q database.Querier, e *outbox.Event) error {
			return p.outbox.Bury(ctx, q, e, err)
		})
	}
}

func (p *Pool) tick(ctx context.Context, j Periodic) {
	ticker := time.NewTicker(j.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				p.logger.Printf("%s: %v", j.Name(), err)
			}
		}
	}
}
