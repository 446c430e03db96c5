package provider

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hustlexp/backend/internal/hxerr"
)

const testSecret = "whsec_test"

func signedHeader(t *testing.T, ts time.Time, body []byte) string {
	t.Helper()
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), SignPayload(testSecret, ts, body))
}

func webhookBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"id":           "evt_123",
		"type":         "transfer.paid",
		"task_id":      "01TASK",
		"provider_ref": "tr_456",
		"amount_cents": 5000,
	})
	require.NoError(t, err)
	return body
}

func TestVerifyWebhookHappyPath(t *testing.T) {
	now := time.Now()
	body := webhookBody(t)

	evt, err := VerifyWebhook(testSecret, signedHeader(t, now, body), body, now)
	require.NoError(t, err)
	assert.Equal(t, "evt_123", evt.ProviderEventID)
	assert.Equal(t, "transfer.paid", evt.Type)
	assert.Equal(t, int64(5000), evt.AmountCents)
}

func TestVerifyWebhookRejectsTamperedBody(t *testing.T) {
	now := time.Now()
	body := webhookBody(t)
	header := signedHeader(t, now, body)

	tampered := append([]byte{}, body...)
	tampered[len(tampered)-2] = '9'

	_, err := VerifyWebhook(testSecret, header, tampered, now)
	require.Error(t, err)
	assert.Equal(t, hxerr.Authentication, hxerr.KindOf(err))
}

func TestVerifyWebhookRejectsWrongSecret(t *testing.T) {
	now := time.Now()
	body := webhookBody(t)
	header := fmt.Sprintf("t=%d,v1=%s", now.Unix(), SignPayload("other", now, body))

	_, err := VerifyWebhook(testSecret, header, body, now)
	assert.Error(t, err)
}

func TestVerifyWebhookRejectsOldTimestamp(t *testing.T) {
	now := time.Now()
	old := now.Add(-10 * time.Minute)
	body := webhookBody(t)

	_, err := VerifyWebhook(testSecret, signedHeader(t, old, body), body, now)
	require.Error(t, err)
	assert.Equal(t, hxerr.Authentication, hxerr.KindOf(err))
}

func TestVerifyWebhookRejectsMalformedHeader(t *testing.T) {
	_, err := VerifyWebhook(testSecret, "garbage", webhookBody(t), time.Now())
	assert.Error(t, err)
}

func TestVerifyWebhookRequiresIDAndType(t *testing.T) {
	now := time.Now()
	body := []byte(`{"task_id":"01TASK"}`)

	_, err := VerifyWebhook(testSecret, signedHeader(t, now, body), body, now)
	require.Error(t, err)
	assert.Equal(t, hxerr.Validation, hxerr.KindOf(err))
}
