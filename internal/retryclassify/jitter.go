package retryclassify

import "fmt"

// DeterministicJitterMs returns a value in [0, jitterMaxMs] derived only from
// userID and runSlot, so repeated scheduler ticks for the same (user, slot)
// always pick the same delay — no randomness, no cross-process skew.
func DeterministicJitterMs(userID string, runSlot int64, jitterMaxMs int64) int64 {
	if jitterMaxMs <= 0 {
		return 0
	}
	raw := fmt.Sprintf("%s:%d", userID, runSlot)
	var h uint32
	for _, r := range raw {
		h = (h*31 + uint32(r)) & 0xFFFFFFFF
	}
	return int64(h) % (jitterMaxMs + 1)
}
