package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/hustlexp/backend/internal/hxerr"
)

// Fake is an in-memory provider used by tests and local development. It
// honours idempotency keys the way the real provider does: a repeated key
// returns the original result without a second side effect.
type Fake struct {
	mu  sync.Mutex
	ops map[string]*Operation

	// FailNext, when set, makes the next mutating call return this error
	// once. Used to simulate timeouts and provider 5xx.
	FailNext error
	// HangNext makes the next mutating call record the operation as
	// succeeded provider-side but still return FailNext (or a timeout),
	// simulating a success the caller never observed.
	HangNext bool

	seq int
}

func NewFake() *Fake {
	return &Fake{ops: make(map[string]*Operation)}
}

func (f *Fake) next(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s_%06d", prefix, f.seq)
}

func (f *Fake) mutate(kind, refPrefix string, amountCents int64, key string) (*Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if op, ok := f.ops[key]; ok {
		return op, nil // idempotent replay
	}

	if f.FailNext != nil {
		err := f.FailNext
		f.FailNext = nil
		if f.HangNext {
			// Provider committed but the response was lost.
			f.HangNext = false
			f.ops[key] = &Operation{
				IdempotencyKey: key,
				Kind:           kind,
				Status:         "succeeded",
				ProviderRef:    f.next(refPrefix),
				AmountCents:    amountCents,
			}
		}
		return nil, err
	}

	op := &Operation{
		IdempotencyKey: key,
		Kind:           kind,
		Status:         "succeeded",
		ProviderRef:    f.next(refPrefix),
		AmountCents:    amountCents,
	}
	f.ops[key] = op
	return op, nil
}

func (f *Fake) ChargeIntent(_ context.Context, taskID string, amountCents int64, key string) (*Charge, error) {
	op, err := f.mutate("charge", "ch", amountCents, key)
	if err != nil {
		return nil, err
	}
	return &Charge{PaymentIntentID: "pi_" + taskID, ChargeID: op.ProviderRef, AmountCents: amountCents}, nil
}

func (f *Fake) TransferToHustler(_ context.Context, _ string, amountCents int64, key string) (*Transfer, error) {
	op, err := f.mutate("transfer", "tr", amountCents, key)
	if err != nil {
		return nil, err
	}
	return &Transfer{TransferID: op.ProviderRef, AmountCents: amountCents}, nil
}

func (f *Fake) RefundCharge(_ context.Context, _ string, amountCents int64, key string) (*Refund, error) {
	op, err := f.mutate("refund", "re", amountCents, key)
	if err != nil {
		return nil, err
	}
	return &Refund{RefundID: op.ProviderRef, AmountCents: amountCents}, nil
}

func (f *Fake) LookupByIdempotencyKey(_ context.Context, key string) (*Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if op, ok := f.ops[key]; ok {
		return op, nil
	}
	return nil, hxerr.New(hxerr.NotFound, "no operation for key %s", key)
}

// Operations returns a copy of everything the provider committed, for
// parity assertions in tests.
func (f *Fake) Operations() []Operation {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Operation, 0, len(f.ops))
	for _, op := range f.ops {
		out = append(out, *op)
	}
	return out
}

var _ Client = (*Fake)(nil)
