package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFailureLimiterBudget(t *testing.T) {
	fl := NewFailureLimiter(2, time.Hour)
	defer fl.Stop()

	assert.True(t, fl.Allowed("a"))
	fl.RecordFailure("a")
	assert.True(t, fl.Allowed("a"))
	fl.RecordFailure("a")
	assert.False(t, fl.Allowed("a"), "budget should be exhausted after two failures")

	// Other origins keep their own budget.
	assert.True(t, fl.Allowed("b"))
}

func TestFailureLimiterRefill(t *testing.T) {
	fl := NewFailureLimiter(1, 50*time.Millisecond)
	defer fl.Stop()

	fl.RecordFailure("a")
	assert.False(t, fl.Allowed("a"))

	time.Sleep(120 * time.Millisecond)
	assert.True(t, fl.Allowed("a"), "budget should refill over time")
}

func TestFailureLimiterStopIdempotent(t *testing.T) {
	fl := NewFailureLimiter(1, time.Minute)
	fl.Stop()
	fl.Stop()
}
