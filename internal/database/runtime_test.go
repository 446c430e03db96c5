package database

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRuntimeDefaults(t *testing.T) {
	r := NewRuntime(nil, RuntimeOptions{})
	assert.Equal(t, 5, r.maxAttempts)
	assert.Equal(t, 50*time.Millisecond, r.baseDelay)
	assert.Equal(t, 2*time.Second, r.maxDelay)
}

func TestBackoffStaysBounded(t *testing.T) {
	r := NewRuntime(nil, RuntimeOptions{MaxAttempts: 5, BaseDelay: 50 * time.Millisecond, MaxDelay: 2 * time.Second})

	for attempt := 1; attempt <= 10; attempt++ {
		for i := 0; i < 50; i++ {
			d := r.backoff(attempt)
			assert.Greater(t, d, time.Duration(0))
			// jitter may add up to half the base on top of the cap
			assert.LessOrEqual(t, d, 2*time.Second+25*time.Millisecond)
		}
	}
}

func TestBackoffGrowsWithAttempts(t *testing.T) {
	r := NewRuntime(nil, RuntimeOptions{BaseDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second})

	// With full jitter individual samples overlap, but the upper bound of
	// attempt 4 must exceed the upper bound of attempt 1.
	var max1, max4 time.Duration
	for i := 0; i < 200; i++ {
		if d := r.backoff(1); d > max1 {
			max1 = d
		}
		if d := r.backoff(4); d > max4 {
			max4 = d
		}
	}
	assert.Greater(t, max4, max1)
}
