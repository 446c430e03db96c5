// Package notify delivers push notifications through an external gateway.
// Redis deduplicates per (recipient, event), so a redelivered outbox row
// never pings a phone twice.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hustlexp/backend/internal/hxerr"
)

const (
	dedupeTTL   = 24 * time.Hour
	callTimeout = 10 * time.Second
)

// Notification is one push to one recipient.
type Notification struct {
	RecipientID string `json:"recipient_id"`
	EventID     string `json:"event_id"`
	EventType   string `json:"event_type"`
	Title       string `json:"title"`
	Body        string `json:"body"`
	TaskID      string `json:"task_id,omitempty"`
}

// Sender pushes to the gateway.
type Sender interface {
	Send(ctx context.Context, n *Notification) error
}

// Service wraps a Sender with Redis-backed dedupe.
type Service struct {
	sender Sender
	rdb    *redis.Client
	logger *log.Logger
}

func NewService(sender Sender, rdb *redis.Client) *Service {
	return &Service{
		sender: sender,
		rdb:    rdb,
		logger: log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags),
	}
}

// Deliver sends unless this (recipient, event) pair already went out.
// The dedupe key is claimed before the send; a crashed send within the
// TTL window is dropped rather than doubled, which is the right bias for
// push traffic.
func (s *Service) Deliver(ctx context.Context, n *Notification) error {
	key := fmt.Sprintf("hxnotify:%s:%s", n.RecipientID, n.EventID)
	fresh, err := s.rdb.SetNX(ctx, key, "1", dedupeTTL).Result()
	if err != nil {
		return hxerr.Wrap(hxerr.Retryable, err, "notify dedupe check")
	}
	if !fresh {
		s.logger.Printf("duplicate suppressed: %s to %s", n.EventID, n.RecipientID)
		return nil
	}
	return s.sender.Send(ctx, n)
}

// GatewaySender posts notifications to the push gateway over HTTPS.
type GatewaySender struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewGatewaySender(baseURL, apiKey string) *GatewaySender {
	return &GatewaySender{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: callTimeout},
	}
}

func (g *GatewaySender) Send(ctx context.Context, n *Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return hxerr.Wrap(hxerr.Internal, err, "marshal notification")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/push", bytes.NewReader(payload))
	if err != nil {
		return hxerr.Wrap(hxerr.Internal, err, "build push request")
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.http.Do(req)
	if err != nil {
		return hxerr.Wrap(hxerr.Retryable, err, "push gateway unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return hxerr.New(hxerr.Retryable, "push gateway returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		// Bad token or unknown recipient; retrying will not help.
		return hxerr.New(hxerr.FatalProvider, "push gateway rejected (%d)", resp.StatusCode)
	}
	return nil
}

var _ Sender = (*GatewaySender)(nil)

// Templates keyed by event type. Unknown types get no push at all.
func Compose(eventType, taskTitle string) (title, body string, ok bool) {
	switch eventType {
	case "task.claimed":
		return "Task claimed", fmt.Sprintf("%q was claimed. Funds are being held.", taskTitle), true
	case "task.proof_submitted":
		return "Proof submitted", fmt.Sprintf("Review the proof for %q.", taskTitle), true
	case "task.proof_decided":
		return "Proof reviewed", fmt.Sprintf("Your proof for %q was reviewed.", taskTitle), true
	case "task.completed":
		return "Task completed", fmt.Sprintf("%q is done.", taskTitle), true
	case "task.cancelled":
		return "Task cancelled", fmt.Sprintf("%q was cancelled.", taskTitle), true
	case "task.expired":
		return "Task expired", fmt.Sprintf("%q expired without completion.", taskTitle), true
	case "task.disputed":
		return "Dispute opened", fmt.Sprintf("A dispute was opened on %q.", taskTitle), true
	case "escrow.held":
		return "Payment secured", fmt.Sprintf("Payment for %q is held in escrow.", taskTitle), true
	case "escrow.released":
		return "You got paid", fmt.Sprintf("Payment for %q was released to you.", taskTitle), true
	case "escrow.refunded":
		return "Refund issued", fmt.Sprintf("Your payment for %q was refunded.", taskTitle), true
	case "escrow.dispute_locked":
		return "Funds frozen", fmt.Sprintf("Funds for %q are frozen pending dispute.", taskTitle), true
	}
	return "", "", false
}
