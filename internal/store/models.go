// Package store is the Persistent Store: campaigns, telegram accounts, target
// groups and broadcast attempts, all backed by MySQL.
package store

import "time"

// Campaign is a user's recurring broadcast configuration.
type Campaign struct {
	CampaignID      string
	UserID          string
	MessageText     string
	IntervalSeconds int
	IsActive        bool
	LastRunAt       *time.Time
}

// TelegramAccount is one logged-in Telegram session usable for sending.
type TelegramAccount struct {
	AccountID       string
	UserID          string
	PhoneNumber     string
	SessionMaterial []byte
	IsActive        bool
	IsFloodWait     bool
	FloodWaitUntil  *time.Time
}

// Available reports whether this account can be used for a send right now.
func (a TelegramAccount) Available(now time.Time) bool {
	if !a.IsActive {
		return false
	}
	if !a.IsFloodWait {
		return true
	}
	return a.FloodWaitUntil != nil && !a.FloodWaitUntil.After(now)
}

// TargetGroupKind distinguishes plain groups from supergroups/channels.
type TargetGroupKind string

const (
	TargetGroupKindGroup      TargetGroupKind = "group"
	TargetGroupKindSupergroup TargetGroupKind = "supergroup"
)

// TargetGroup is one chat a campaign broadcasts into.
type TargetGroup struct {
	UserID     string
	GroupID    string
	Title      string
	Kind       TargetGroupKind
	AccessHash int64
	IsActive   bool
}

// AttemptStatus is the lifecycle state of a single (campaign, target) delivery.
type AttemptStatus string

const (
	AttemptStatusPending        AttemptStatus = "pending"
	AttemptStatusInFlight       AttemptStatus = "in-flight"
	AttemptStatusSent           AttemptStatus = "sent"
	AttemptStatusFailedTerminal AttemptStatus = "failed-terminal"
)

// BroadcastAttempt is the durable record of one (campaign, target_group) delivery.
type BroadcastAttempt struct {
	AttemptID          string
	CampaignID         string
	UserID             string
	TargetGroupID      string
	AssignedAccountID  string
	Sequence           int
	Status             AttemptStatus
	RetryCount         int
	MaxRetries         int
	NextAttemptAt      *time.Time
	StartedAt          *time.Time
	SentAt             *time.Time
	TerminalReasonCode string
	LastError          string
	IdempotencyKey     string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// AttemptStatusCounts is a per-status tally used for seeding checks and
// end-of-run summaries.
type AttemptStatusCounts struct {
	Pending             int
	InFlight            int
	Sent                int
	FailedTerminal      int
	ReadyPendingCount   int
	NextDueInMs         *int64
	ProviderConstrained bool
}

// Total returns the number of attempt rows across all statuses.
func (c AttemptStatusCounts) Total() int {
	return c.Pending + c.InFlight + c.Sent + c.FailedTerminal
}
