package server

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func TestRateLimiterBurstAndRefill(t *testing.T) {
	clk := clock.NewMock()
	rl := newRateLimiter(clk, 3, 3*time.Second)

	for i := 0; i < 3; i++ {
		assert.True(t, rl.allow(), "message %d within burst", i)
	}
	assert.False(t, rl.allow(), "burst exhausted")

	clk.Add(time.Second)
	assert.True(t, rl.allow(), "one token refilled after one second")
	assert.False(t, rl.allow())

	clk.Add(time.Minute)
	for i := 0; i < 3; i++ {
		assert.True(t, rl.allow(), "refill is capped at capacity")
	}
	assert.False(t, rl.allow())
}

func TestRateLimiterInvalidParameters(t *testing.T) {
	clk := clock.NewMock()
	rl := newRateLimiter(clk, 0, 0)

	assert.True(t, rl.allow())
	assert.False(t, rl.allow())

	clk.Add(time.Second)
	assert.True(t, rl.allow())
}
