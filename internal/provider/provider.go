// Package provider is the payment-provider boundary: intent/capture for
// funding, transfers for release, refunds, and lookup by idempotency key
// for reconciliation. Every call carries a deadline and a stable
// idempotency key recorded in money_events_audit before the call goes out.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/hustlexp/backend/internal/hxerr"
)

// Charge is the provider-side result of funding a task.
type Charge struct {
	PaymentIntentID string `json:"payment_intent_id"`
	ChargeID        string `json:"charge_id"`
	AmountCents     int64  `json:"amount_cents"`
}

// Transfer is the provider-side result of releasing escrow to a hustler.
type Transfer struct {
	TransferID  string `json:"transfer_id"`
	AmountCents int64  `json:"amount_cents"`
}

// Refund is the provider-side result of refunding a poster.
type Refund struct {
	RefundID    string `json:"refund_id"`
	AmountCents int64  `json:"amount_cents"`
}

// Operation is a provider-side record found by idempotency key during
// reconciliation.
type Operation struct {
	IdempotencyKey string `json:"idempotency_key"`
	Kind           string `json:"kind"` // charge | transfer | refund
	Status         string `json:"status"`
	ProviderRef    string `json:"provider_ref"`
	AmountCents    int64  `json:"amount_cents"`
}

// Succeeded reports whether the provider committed the operation.
func (o *Operation) Succeeded() bool { return o.Status == "succeeded" }

// Client is the abstract payment provider consumed by the money state
// machine and the reaper.
type Client interface {
	// ChargeIntent creates and captures a payment intent for the poster.
	ChargeIntent(ctx context.Context, taskID string, amountCents int64, idempotencyKey string) (*Charge, error)
	// TransferToHustler moves held funds to the hustler.
	TransferToHustler(ctx context.Context, hustlerID string, amountCents int64, idempotencyKey string) (*Transfer, error)
	// RefundCharge returns funds to the poster, partially or in full.
	RefundCharge(ctx context.Context, chargeID string, amountCents int64, idempotencyKey string) (*Refund, error)
	// LookupByIdempotencyKey asks what happened to a call we lost track of.
	// Returns NotFound if the provider never saw the key.
	LookupByIdempotencyKey(ctx context.Context, idempotencyKey string) (*Operation, error)
}

// HTTPClient talks to the real provider over HTTPS.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

const callTimeout = 15 * time.Second

func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: callTimeout},
	}
}

func (c *HTTPClient) ChargeIntent(ctx context.Context, taskID string, amountCents int64, idempotencyKey string) (*Charge, error) {
	var out Charge
	err := c.post(ctx, "/v1/charges", idempotencyKey, map[string]interface{}{
		"task_id":      taskID,
		"amount_cents": amountCents,
		"capture":      true,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) TransferToHustler(ctx context.Context, hustlerID string, amountCents int64, idempotencyKey string) (*Transfer, error) {
	var out Transfer
	err := c.post(ctx, "/v1/transfers", idempotencyKey, map[string]interface{}{
		"destination":  hustlerID,
		"amount_cents": amountCents,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) RefundCharge(ctx context.Context, chargeID string, amountCents int64, idempotencyKey string) (*Refund, error) {
	var out Refund
	err := c.post(ctx, "/v1/refunds", idempotencyKey, map[string]interface{}{
		"charge_id":    chargeID,
		"amount_cents": amountCents,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) LookupByIdempotencyKey(ctx context.Context, idempotencyKey string) (*Operation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/operations/"+idempotencyKey, nil)
	if err != nil {
		return nil, hxerr.Wrap(hxerr.Internal, err, "build lookup request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, hxerr.New(hxerr.NotFound, "provider has no operation for key %s", idempotencyKey)
	}
	if err := classifyStatus(resp); err != nil {
		return nil, err
	}

	var out Operation
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, hxerr.Wrap(hxerr.Internal, err, "decode lookup response")
	}
	return &out, nil
}

func (c *HTTPClient) post(ctx context.Context, path, idempotencyKey string, body map[string]interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return hxerr.Wrap(hxerr.Internal, err, "marshal provider request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return hxerr.Wrap(hxerr.Internal, err, "build provider request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return hxerr.Wrap(hxerr.Internal, err, "decode provider response")
	}
	return nil
}

// classifyTransport maps network failures: timeouts and connection errors
// are retryable, never a committed state change.
func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return hxerr.Wrap(hxerr.Retryable, err, "provider call timed out")
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return hxerr.Wrap(hxerr.Retryable, err, "provider call timed out")
	}
	return hxerr.Wrap(hxerr.Retryable, err, "provider unreachable")
}

// classifyStatus maps HTTP status: 5xx and 429 are retryable, remaining
// 4xx are terminal provider rejections reconciled by the reaper.
func classifyStatus(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return hxerr.New(hxerr.Retryable, "provider %d: %s", resp.StatusCode, snippet)
	}
	return hxerr.New(hxerr.FatalProvider, "provider rejected (%d): %s", resp.StatusCode, snippet)
}

var _ Client = (*HTTPClient)(nil)
