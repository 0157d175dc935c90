package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// AccountGovernor enforces a minimum delay between consecutive sends on the
// same account, one token-bucket limiter (burst 1) per account id.
type AccountGovernor struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	delay    time.Duration
}

// NewAccountGovernor derives the effective per-account delay as
// max(minDelay, 60s/perMinute), matching the spec's inter-send floor.
func NewAccountGovernor(minDelay time.Duration, perMinute int) *AccountGovernor {
	delay := minDelay
	if perMinute > 0 {
		if byRate := time.Minute / time.Duration(perMinute); byRate > delay {
			delay = byRate
		}
	}
	if delay <= 0 {
		delay = time.Millisecond
	}
	return &AccountGovernor{limiters: make(map[string]*rate.Limiter), delay: delay}
}

// Wait blocks until accountID's next send slot is free. The first call for a
// freshly seen account id returns immediately (full burst available); every
// following call waits out the configured delay since the last send.
func (g *AccountGovernor) Wait(ctx context.Context, accountID string) error {
	return g.limiterFor(accountID).Wait(ctx)
}

func (g *AccountGovernor) limiterFor(accountID string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.limiters[accountID]
	if !ok {
		l = rate.NewLimiter(rate.Every(g.delay), 1)
		g.limiters[accountID] = l
	}
	return l
}
