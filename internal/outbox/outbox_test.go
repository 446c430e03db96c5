package outbox

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hustlexp/backend/internal/domain"
)

func TestEnvelopeDecode(t *testing.T) {
	data, err := json.Marshal(map[string]string{"task_id": "01TASK"})
	require.NoError(t, err)
	payload, err := json.Marshal(Envelope{Type: domain.EventEscrowReleased, Version: 1, Data: data})
	require.NoError(t, err)

	e := &Event{EventType: domain.EventEscrowReleased, Payload: payload}

	var got struct {
		TaskID string `json:"task_id"`
	}
	require.NoError(t, e.Decode(&got))
	assert.Equal(t, "01TASK", got.TaskID)
}

func TestEnvelopeDecodeRejectsTypeMismatch(t *testing.T) {
	payload, err := json.Marshal(Envelope{Type: domain.EventTaskClaimed, Version: 1, Data: []byte(`{}`)})
	require.NoError(t, err)

	e := &Event{EventType: domain.EventEscrowReleased, Payload: payload}
	var v map[string]interface{}
	assert.Error(t, e.Decode(&v))
}

func TestBackoffBounds(t *testing.T) {
	s := NewStore(StoreOptions{BaseBackoff: 2 * time.Second, MaxBackoff: 10 * time.Minute, MaxAttempts: 8})

	for attempts := 1; attempts <= 20; attempts++ {
		for i := 0; i < 30; i++ {
			d := s.Backoff(attempts)
			assert.GreaterOrEqual(t, d, time.Second, "attempts=%d", attempts)
			assert.Less(t, d, 10*time.Minute, "attempts=%d", attempts)
		}
	}
}

func TestBackoffDoublesEarly(t *testing.T) {
	s := NewStore(StoreOptions{BaseBackoff: 2 * time.Second, MaxBackoff: time.Hour})

	// attempt 3 => window [4s, 8s)
	for i := 0; i < 30; i++ {
		d := s.Backoff(3)
		assert.GreaterOrEqual(t, d, 4*time.Second)
		assert.Less(t, d, 8*time.Second)
	}
}

func TestStoreDefaults(t *testing.T) {
	s := NewStore(StoreOptions{})
	assert.Equal(t, 8, s.maxAttempts)
	assert.Equal(t, 2*time.Second, s.baseBackoff)
	assert.Equal(t, 10*time.Minute, s.maxBackoff)
}
