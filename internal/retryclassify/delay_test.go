package retryclassify_test

import (
	"testing"

	"telegram-broadcast/internal/retryclassify"
)

func defaultDelayParams() retryclassify.DelayParams {
	return retryclassify.DelayParams{
		BaseDelayMs: 2000,
		MaxDelayMs:  120000,
		JitterRatio: 0.2,
	}
}

func TestComputeRetryDelayMsProviderWaitIsNotClampedByMax(t *testing.T) {
	t.Parallel()

	p := defaultDelayParams()
	p.MaxDelayMs = 10000 // deliberately smaller than the provider wait below

	got := retryclassify.ComputeRetryDelayMs(0, 300, p)
	if got < 300000 {
		t.Fatalf("ComputeRetryDelayMs = %d, want >= 300000ms (provider floor must not be clamped)", got)
	}
}

func TestComputeRetryDelayMsExponentialIsClamped(t *testing.T) {
	t.Parallel()

	p := defaultDelayParams()
	got := retryclassify.ComputeRetryDelayMs(10, 0, p) // 2000*2^10 far exceeds MaxDelayMs
	if got > p.MaxDelayMs {
		t.Fatalf("ComputeRetryDelayMs = %d, want <= %d", got, p.MaxDelayMs)
	}
}

func TestComputeRetryDelayMsGrowsWithRetryCount(t *testing.T) {
	t.Parallel()

	p := defaultDelayParams()
	p.JitterRatio = 0 // remove randomness for a clean comparison
	d0 := retryclassify.ComputeRetryDelayMs(0, 0, p)
	d2 := retryclassify.ComputeRetryDelayMs(2, 0, p)
	if d2 <= d0 {
		t.Fatalf("expected delay to grow with retry count: d0=%d d2=%d", d0, d2)
	}
}
