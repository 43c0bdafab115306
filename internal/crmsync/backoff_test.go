package crmsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffIsMonotonicUpToCap(t *testing.T) {
	policy := BackoffPolicy{Base: 100 * time.Millisecond, Max: 3 * time.Second}
	previous := time.Duration(0)
	for attempt := 1; attempt <= 20; attempt++ {
		delay := policy.Delay(attempt, 0)
		assert.GreaterOrEqual(t, delay, previous, "attempt %d", attempt)
		assert.LessOrEqual(t, delay, policy.Max, "attempt %d", attempt)
		previous = delay
	}
	assert.Equal(t, policy.Max, previous)
	assert.Equal(t, 100*time.Millisecond, policy.Delay(1, 0))
	assert.Equal(t, 400*time.Millisecond, policy.Delay(3, 0))
}

func TestBackoffRetryAfterIsAFloor(t *testing.T) {
	policy := BackoffPolicy{Base: time.Second, Max: 10 * time.Second}
	assert.Equal(t, 7*time.Second, policy.Delay(1, 7*time.Second))
	assert.Equal(t, 8*time.Second, policy.Delay(4, 2*time.Second))
	assert.Equal(t, 30*time.Second, policy.Delay(2, 30*time.Second))
}

func TestBackoffDefaults(t *testing.T) {
	var policy BackoffPolicy
	assert.Equal(t, DefaultBackoffBase, policy.Delay(0, 0))
	assert.Equal(t, DefaultBackoffMax, policy.Delay(100, 0))
}
