package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hustlexp/backend/internal/hxerr"
)

// WebhookEvent is a verified inbound provider event. Ingress dedupes by
// ProviderEventID and turns the event into an idempotent command against
// the money state machine.
type WebhookEvent struct {
	ProviderEventID string          `json:"id"`
	Type            string          `json:"type"` // charge.succeeded | transfer.paid | refund.succeeded | charge.dispute.created
	TaskID          string          `json:"task_id"`
	ProviderRef     string          `json:"provider_ref"`
	AmountCents     int64           `json:"amount_cents"`
	Raw             json.RawMessage `json:"-"`
}

// signatureTolerance bounds webhook replay: older timestamps are refused.
const signatureTolerance = 5 * time.Minute

// SignPayload computes the signature the provider attaches: HMAC-SHA256
// over "<unix_ts>.<body>". Exported for tests and the fake provider.
func SignPayload(secret string, ts time.Time, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts.Unix())
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhook checks the "t=<unix>,v1=<hex>" signature header and
// unmarshals the event. Invalid signatures are an authentication failure,
// never a retryable one.
func VerifyWebhook(secret, signatureHeader string, body []byte, now time.Time) (*WebhookEvent, error) {
	ts, sig, err := parseSignatureHeader(signatureHeader)
	if err != nil {
		return nil, err
	}
	if now.Sub(ts) > signatureTolerance || ts.Sub(now) > signatureTolerance {
		return nil, hxerr.New(hxerr.Authentication, "webhook timestamp outside tolerance")
	}

	expected := SignPayload(secret, ts, body)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return nil, hxerr.New(hxerr.Authentication, "webhook signature mismatch")
	}

	var evt WebhookEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, hxerr.Wrap(hxerr.Validation, err, "webhook payload")
	}
	if evt.ProviderEventID == "" || evt.Type == "" {
		return nil, hxerr.New(hxerr.Validation, "webhook payload missing id or type")
	}
	evt.Raw = body
	return &evt, nil
}

func parseSignatureHeader(header string) (time.Time, string, error) {
	var ts time.Time
	var sig string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			unix, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return time.Time{}, "", hxerr.New(hxerr.Authentication, "bad webhook timestamp")
			}
			ts = time.Unix(unix, 0)
		case "v1":
			sig = v
		}
	}
	if ts.IsZero() || sig == "" {
		return time.Time{}, "", hxerr.New(hxerr.Authentication, "malformed signature header")
	}
	return ts, sig, nil
}
