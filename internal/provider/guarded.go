package provider

import (
	"context"

	"github.com/hustlexp/backend/internal/circuitbreaker"
)

// Guarded wraps a Client with a circuit breaker so a dead provider fails
// fast instead of tying up every worker on timeouts. Rejections from a
// live provider pass through without affecting the breaker.
type Guarded struct {
	inner   Client
	breaker *circuitbreaker.Breaker
}

func NewGuarded(inner Client, breaker *circuitbreaker.Breaker) *Guarded {
	return &Guarded{inner: inner, breaker: breaker}
}

func (g *Guarded) ChargeIntent(ctx context.Context, taskID string, amountCents int64, idempotencyKey string) (*Charge, error) {
	var out *Charge
	err := g.breaker.Do(func() error {
		var callErr error
		out, callErr = g.inner.ChargeIntent(ctx, taskID, amountCents, idempotencyKey)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (g *Guarded) TransferToHustler(ctx context.Context, hustlerID string, amountCents int64, idempotencyKey string) (*Transfer, error) {
	var out *Transfer
	err := g.breaker.Do(func() error {
		var callErr error
		out, callErr = g.inner.TransferToHustler(ctx, hustlerID, amountCents, idempotencyKey)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (g *Guarded) RefundCharge(ctx context.Context, chargeID string, amountCents int64, idempotencyKey string) (*Refund, error) {
	var out *Refund
	err := g.breaker.Do(func() error {
		var callErr error
		out, callErr = g.inner.RefundCharge(ctx, chargeID, amountCents, idempotencyKey)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (g *Guarded) LookupByIdempotencyKey(ctx context.Context, idempotencyKey string) (*Operation, error) {
	var out *Operation
	err := g.breaker.Do(func() error {
		var callErr error
		out, callErr = g.inner.LookupByIdempotencyKey(ctx, idempotencyKey)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

var _ Client = (*Guarded)(nil)
