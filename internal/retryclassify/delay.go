package retryclassify

import (
	"math"
	rand "math/rand/v2"
)

// DelayParams bundles the backoff knobs so callers don't pass four loose ints.
type DelayParams struct {
	BaseDelayMs  int64
	MaxDelayMs   int64
	JitterRatio  float64
}

// ComputeRetryDelayMs implements the exponential-backoff-with-provider-floor
// formula: a provider-mandated wait (retryAfterSeconds) is a hard lower
// bound and is never clamped by MaxDelayMs; everything else is clamped.
func ComputeRetryDelayMs(retryCount int, retryAfterSeconds int, p DelayParams) int64 {
	exponential := p.BaseDelayMs * int64(math.Pow(2, float64(retryCount)))
	if exponential > p.MaxDelayMs {
		exponential = p.MaxDelayMs
	}

	if retryAfterSeconds > 0 {
		provider := int64(retryAfterSeconds) * 1000
		jitterRange := int64(math.Floor(float64(provider) * p.JitterRatio))
		return provider + jitterN(jitterRange)
	}

	delay := exponential + jitterN(int64(math.Floor(float64(exponential)*p.JitterRatio)))
	if delay > p.MaxDelayMs {
		delay = p.MaxDelayMs
	}
	return delay
}

func jitterN(maxInclusive int64) int64 {
	if maxInclusive <= 0 {
		return 0
	}
	return rand.Int64N(maxInclusive + 1)
}
