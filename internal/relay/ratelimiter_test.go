package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_AllowsUpToBurstThenRejects(t *testing.T) {
	l := NewRateLimiter(BucketConfig{Burst: 3, ReplenishPeriod: time.Hour})

	for i := 0; i < 3; i++ {
		ok, _ := l.Check("k")
		assert.True(t, ok, "attempt %d should be allowed within burst", i)
	}

	ok, retryAfter := l.Check("k")
	assert.False(t, ok)
	assert.Greater(t, retryAfter, time.Duration(0))
}

func TestRateLimiter_DistinctKeysDoNotShareBudget(t *testing.T) {
	l := NewRateLimiter(BucketConfig{Burst: 1, ReplenishPeriod: time.Hour})

	ok1, _ := l.Check("a")
	ok2, _ := l.Check("b")
	assert.True(t, ok1)
	assert.True(t, ok2)
}

func TestRateLimiter_ZeroBurstDisablesLimiting(t *testing.T) {
	l := NewRateLimiter(BucketConfig{Burst: 0})
	ok, _ := l.Check("any")
	assert.True(t, ok)
}

func TestLimiters_CheckAll_RejectsOnFirstExhaustedDimension(t *testing.T) {
	lims := NewLimiters(GuardrailConfig{
		Global: BucketConfig{Burst: 100, ReplenishPeriod: time.Hour},
		IP:     BucketConfig{Burst: 1, ReplenishPeriod: time.Hour},
		Token:  BucketConfig{Burst: 100, ReplenishPeriod: time.Hour},
	})

	ok, _ := lims.CheckAll("1.2.3.4", "tok")
	assert.True(t, ok)

	ok, retryAfter := lims.CheckAll("1.2.3.4", "tok")
	assert.False(t, ok)
	assert.Greater(t, retryAfter, time.Duration(0))
}
