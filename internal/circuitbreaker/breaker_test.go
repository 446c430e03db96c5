package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hustlexp/backend/internal/hxerr"
)

func TestBreakerTripsOnConsecutiveRetryableFailures(t *testing.T) {
	b := New(Config{Name: "test", TripThreshold: 3, OpenTimeout: time.Hour})
	transient := hxerr.New(hxerr.Retryable, "provider timeout")

	for i := 0; i < 3; i++ {
		err := b.Do(func() error { return transient })
		require.Error(t, err)
	}
	assert.Equal(t, StateOpen, b.State())

	err := b.Do(func() error { return nil })
	assert.True(t, errors.Is(err, ErrOpen))
}

func TestBreakerIgnoresProviderRejections(t *testing.T) {
	b := New(Config{Name: "test", TripThreshold: 2, OpenTimeout: time.Hour})
	declined := hxerr.New(hxerr.FatalProvider, "card declined")

	for i := 0; i < 10; i++ {
		err := b.Do(func() error { return declined })
		require.Error(t, err)
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := New(Config{Name: "test", TripThreshold: 1, OpenTimeout: 10 * time.Millisecond, MaxHalfOpen: 2})
	transient := hxerr.New(hxerr.Retryable, "connection refused")

	require.Error(t, b.Do(func() error { return transient }))
	require.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Do(func() error { return nil }))
	require.NoError(t, b.Do(func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New(Config{Name: "test", TripThreshold: 1, OpenTimeout: 10 * time.Millisecond})
	transient := hxerr.New(hxerr.Retryable, "reset by peer")

	require.Error(t, b.Do(func() error { return transient }))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	require.Error(t, b.Do(func() error { return transient }))
	assert.Equal(t, StateOpen, b.State())
}
