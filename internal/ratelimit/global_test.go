package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"telegram-broadcast/internal/ratelimit"
)

func TestGlobalGovernorAllowsUpToLimitImmediately(t *testing.T) {
	t.Parallel()

	g := ratelimit.NewGlobalGovernor(3)
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := g.Acquire(ctx); err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("first %d acquires should not block, took %v", 3, elapsed)
	}
}

func TestGlobalGovernorBlocksOnceAtCapacity(t *testing.T) {
	t.Parallel()

	g := ratelimit.NewGlobalGovernor(1)
	ctx := context.Background()
	if err := g.Acquire(ctx); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	ctx2, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := g.Acquire(ctx2); err == nil {
		t.Fatalf("expected second Acquire to block past the short timeout")
	}
}
