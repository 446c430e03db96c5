package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch chan *CloudEvent) *CloudEvent {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return nil
	}
}

func TestBusTypedSubscription(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe("task.completed")

	bus.Emit("task.claimed", "tasks", "t1", json.RawMessage(`{}`))
	bus.Emit("task.completed", "tasks", "t1", json.RawMessage(`{"task_id":"t1"}`))

	e := recv(t, ch)
	assert.Equal(t, "task.completed", e.Type)
	assert.Equal(t, "t1", e.Subject)
	assert.Equal(t, "1.0", e.SpecVersion)

	select {
	case extra := <-ch:
		t.Fatalf("unexpected event %s", extra.Type)
	default:
	}
}

func TestBusWildcardSubscription(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe()

	bus.Emit("task.claimed", "tasks", "t1", nil)
	bus.Emit("escrow.held", "money", "t1", nil)

	assert.Equal(t, "task.claimed", recv(t, ch).Type)
	assert.Equal(t, "escrow.held", recv(t, ch).Type)
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe("task.completed")
	bus.Unsubscribe(ch)

	_, open := <-ch
	require.False(t, open)

	// Publishing after unsubscribe must not panic.
	bus.Emit("task.completed", "tasks", "t1", nil)
}

func TestBusFullBufferDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus()
	bus.bufferSize = 1
	ch := bus.Subscribe("task.completed")

	done := make(chan struct{})
	go func() {
		bus.Emit("task.completed", "tasks", "t1", nil)
		bus.Emit("task.completed", "tasks", "t2", nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}
	assert.Equal(t, "t1", recv(t, ch).Subject)
}
