package locks

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWellKnownKeys(t *testing.T) {
	assert.Equal(t, "task:01ABC", TaskKey("01ABC"))
	assert.Equal(t, "money:01ABC", MoneyKey("01ABC"))
	assert.Equal(t, "hxlock:money:01ABC", lockKey(MoneyKey("01ABC")))
}

func TestReleaseNilLeaseIsNoop(t *testing.T) {
	s := NewServiceWithClient(nil)
	assert.NoError(t, s.Release(nil, nil))
}
