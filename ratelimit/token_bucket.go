package ratelimit

import (
	"context"
	"sync"
	"time"
)

// tokenBucketController refills tokens continuously at maxRPM/60_000 per
// millisecond, capacity capped at maxRPM. Admit consumes one token.
type tokenBucketController struct {
	*base
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

func (c *tokenBucketController) refillLocked() {
	now := time.Now()
	elapsedMs := now.Sub(c.lastRefill).Milliseconds()
	if elapsedMs <= 0 {
		return
	}
	rate := float64(c.CurrentRpm()) / 60000.0
	c.tokens += rate * float64(elapsedMs)
	capacity := float64(c.CurrentRpm())
	if c.tokens > capacity {
		c.tokens = capacity
	}
	c.lastRefill = now
}

// admit reports (and, if consume, removes) token availability.
func (c *tokenBucketController) admit(consume bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refillLocked()
	if c.tokens < 1 {
		return false
	}
	if consume {
		c.tokens -= 1
	}
	return true
}

func (c *tokenBucketController) Admit(ctx context.Context, priority int) error {
	return c.base.enqueue(ctx, priority, c.admit)
}

// EstimateWaitMs returns the approximate time until the next token refills.
func (c *tokenBucketController) EstimateWaitMs() int64 {
	rpm := c.CurrentRpm()
	if rpm <= 0 {
		return 60000
	}
	return int64(60000 / rpm)
}

var _ Controller = (*tokenBucketController)(nil)
