// Package broadcast is the Broadcast Executor: it consumes one queued job,
// advances the campaign's current delivery cycle by a bounded number of
// attempts, and re-enqueues itself when work remains.
package broadcast

import (
	"fmt"
	"time"
)

// Payload is the queue job body shared by scheduler emissions and
// continuations.
type Payload struct {
	UserID          string    `json:"userId"`
	Message         string    `json:"message"`
	CampaignID      string    `json:"campaignId"`
	QueuedAt        time.Time `json:"queuedAt"`
	IntervalSeconds int       `json:"intervalSeconds,omitempty"`
}

// SchedJobID is the deduplication key for scheduler emissions: one job per
// (campaign, user, run slot), so a re-elected scheduler inside the same slot
// is a no-op.
func SchedJobID(campaignID, userID string, runSlot int64) string {
	return fmt.Sprintf("sched-%s-%s-%d", campaignID, userID, runSlot)
}

// ContJobID is the deduplication key for continuations: at most one live
// continuation per (campaign, user), so continuations cannot stack.
func ContJobID(campaignID, userID string) string {
	return fmt.Sprintf("cont-%s-%s", campaignID, userID)
}

// UserLockKey is the coordination-store key serializing all executor runs for
// one user.
func UserLockKey(userID string) string {
	return "broadcast:user-lock:" + userID
}

// SchedulerLockKey is the leader-election key for the scheduler tick.
const SchedulerLockKey = "scheduler:lock"
