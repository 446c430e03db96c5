// Package circuitbreaker guards the payment-provider boundary so a sick
// provider cannot soak every worker in timeouts. Only transport-level
// failures trip the breaker; a provider 4xx means the provider is alive
// and does not count against it.
package circuitbreaker

import (
	"log"
	"sync"
	"time"

	"github.com/hustlexp/backend/internal/hxerr"
)

// State of the breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is returned while the breaker refuses calls. It is retryable:
// the caller's backoff machinery treats it like any transient outage.
var ErrOpen = hxerr.New(hxerr.Retryable, "provider circuit breaker is open")

// Counts tracks the current generation's outcomes.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) onSuccess() {
	c.Requests++
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.Requests++
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Config tunes the breaker.
type Config struct {
	Name          string
	MaxHalfOpen   uint32        // probes allowed in half-open
	OpenTimeout   time.Duration // open -> half-open
	TripThreshold uint32        // consecutive failures to trip
	ClearInterval time.Duration // closed-state count reset period
}

func DefaultConfig(name string) Config {
	return Config{
		Name:          name,
		MaxHalfOpen:   2,
		OpenTimeout:   30 * time.Second,
		TripThreshold: 5,
		ClearInterval: time.Minute,
	}
}

// Breaker is a single circuit.
type Breaker struct {
	cfg Config

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
	logger     *log.Logger
}

func New(cfg Config) *Breaker {
	if cfg.MaxHalfOpen == 0 {
		cfg.MaxHalfOpen = 2
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.TripThreshold == 0 {
		cfg.TripThreshold = 5
	}
	if cfg.ClearInterval == 0 {
		cfg.ClearInterval = time.Minute
	}
	b := &Breaker{
		cfg:    cfg,
		state:  StateClosed,
		logger: log.New(log.Writer(), "[BREAKER] ", log.LstdFlags),
	}
	b.newGeneration(time.Now())
	return b
}

// Do runs f if the breaker allows it. Failures are classified: only
// retryable (transport) errors count against the provider.
func (b *Breaker) Do(f func() error) error {
	gen, err := b.before()
	if err != nil {
		return err
	}
	callErr := f()
	b.after(gen, callErr == nil || !hxerr.IsRetryable(callErr))
	return callErr
}

// State reports the current state, advancing open -> half-open when the
// timeout has lapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, _ := b.currentState(time.Now())
	return s
}

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, gen := b.currentState(now)

	if state == StateOpen {
		return gen, ErrOpen
	}
	if state == StateHalfOpen && b.counts.Requests >= b.cfg.MaxHalfOpen {
		return gen, ErrOpen
	}
	b.counts.Requests++
	return gen, nil
}

func (b *Breaker) after(gen uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, currentGen := b.currentState(now)
	if gen != currentGen {
		return // stale result from a previous generation
	}

	if success {
		b.counts.onSuccess()
		if state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.cfg.MaxHalfOpen {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.onFailure()
	switch state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.cfg.TripThreshold {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.newGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	from := b.state
	b.state = state
	b.newGeneration(now)
	b.logger.Printf("%s: %s -> %s", b.cfg.Name, from, state)
}

func (b *Breaker) newGeneration(now time.Time) {
	b.generation++
	b.counts = Counts{}
	switch b.state {
	case StateClosed:
		b.expiry = now.Add(b.cfg.ClearInterval)
	case StateOpen:
		b.expiry = now.Add(b.cfg.OpenTimeout)
	default:
		b.expiry = time.Time{}
	}
}
