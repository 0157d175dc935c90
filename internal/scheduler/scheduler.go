// Package scheduler is the elected ticker that turns due campaigns into
// deferred broadcast jobs. Exactly one instance emits cluster-wide, gated by
// a coordination-store leader lock taken fresh on every tick.
package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"telegram-broadcast/internal/broadcast"
	"telegram-broadcast/internal/infra/clock"
	"telegram-broadcast/internal/infra/config"
	"telegram-broadcast/internal/infra/logger"
	"telegram-broadcast/internal/retryclassify"
	"telegram-broadcast/internal/store"

	"go.uber.org/zap"
)

// CampaignStore is the slice of the persistent store the scheduler reads and
// stamps. *store.DB satisfies it.
type CampaignStore interface {
	DueCampaigns(ctx context.Context, limit int) ([]store.Campaign, error)
	UpdateLastRunAt(ctx context.Context, campaignID string, at time.Time) error
}

// Coordinator is the leader lock plus the deferred job queue. *coord.Client
// satisfies it.
type Coordinator interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Unlock(ctx context.Context, key, token string) error
	Enqueue(ctx context.Context, jobID string, payload []byte, deferBy time.Duration) (bool, error)
}

// Config carries the scheduler knobs, normally derived from config.Env().
type Config struct {
	Tick          time.Duration
	LockTTL       time.Duration
	EarlyFactor   float64
	MaxDuePerTick int
	JitterMaxMs   int64
}

// ConfigFromEnv maps the loaded environment onto scheduler knobs.
func ConfigFromEnv(env config.EnvConfig) Config {
	return Config{
		Tick:          time.Duration(env.SchedTickSeconds) * time.Second,
		LockTTL:       time.Duration(env.SchedLockTTLSeconds) * time.Second,
		EarlyFactor:   env.EarlyFactor,
		MaxDuePerTick: env.MaxDuePerTick,
		JitterMaxMs:   int64(env.SchedJitterMaxMs),
	}
}

// Scheduler emits one job per due campaign per run slot.
type Scheduler struct {
	cfg       Config
	campaigns CampaignStore
	coord     Coordinator
	now       func() time.Time
}

// New wires a scheduler.
func New(cfg Config, campaigns CampaignStore, coord Coordinator) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		campaigns: campaigns,
		coord:     coord,
		now:       clock.Now,
	}
}

// SetNowFunc overrides the scheduler clock (tests).
func (s *Scheduler) SetNowFunc(fn func() time.Time) {
	if fn != nil {
		s.now = fn
	}
}

// Run ticks until ctx is cancelled. The first tick fires immediately so a
// freshly started process does not sit idle for a full period.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick elects a leader, selects due campaigns and enqueues one deferred job
// per campaign-slot.
func (s *Scheduler) tick(ctx context.Context) {
	token, leader, err := s.coord.Lock(ctx, broadcast.SchedulerLockKey, s.cfg.LockTTL)
	if err != nil {
		logger.Warn("scheduler leader lock", zap.Error(err))
		return
	}
	if !leader {
		return
	}
	defer func() {
		if unlockErr := s.coord.Unlock(context.WithoutCancel(ctx), broadcast.SchedulerLockKey, token); unlockErr != nil {
			logger.Warn("release scheduler lock", zap.Error(unlockErr))
		}
	}()

	rows, err := s.campaigns.DueCampaigns(ctx, s.cfg.MaxDuePerTick)
	if err != nil {
		logger.Error("query due campaigns", zap.Error(err))
		return
	}

	now := s.now()
	enqueued := 0
	for _, campaign := range rows {
		if !s.isDue(campaign, now) {
			continue
		}
		ok, err := s.emit(ctx, campaign, now)
		if err != nil {
			logger.Error("enqueue broadcast job",
				zap.String("campaign_id", campaign.CampaignID),
				zap.String("user_id", campaign.UserID),
				zap.Error(err))
			continue
		}
		if ok {
			enqueued++
		}
	}

	if enqueued > 0 {
		logger.Info("scheduler tick",
			zap.Int("due", len(rows)),
			zap.Int("enqueued", enqueued))
	}
}

// isDue applies the early-factor threshold: a campaign fires when at least
// max(60, interval×factor) seconds elapsed since its last run.
func (s *Scheduler) isDue(campaign store.Campaign, now time.Time) bool {
	if campaign.LastRunAt == nil {
		return true
	}
	threshold := int(float64(campaign.IntervalSeconds) * s.cfg.EarlyFactor)
	if threshold < 60 {
		threshold = 60
	}
	return now.Sub(*campaign.LastRunAt) >= time.Duration(threshold)*time.Second
}

// emit enqueues the job with its slot-deterministic jitter and, if the queue
// accepted it, stamps last_run_at so later ticks in the same slot skip it.
func (s *Scheduler) emit(ctx context.Context, campaign store.Campaign, now time.Time) (bool, error) {
	runSlot := now.Unix() / int64(campaign.IntervalSeconds)
	jitterMs := retryclassify.DeterministicJitterMs(campaign.UserID, runSlot, s.cfg.JitterMaxMs)

	payload := broadcast.Payload{
		UserID:          campaign.UserID,
		Message:         campaign.MessageText,
		CampaignID:      campaign.CampaignID,
		QueuedAt:        now,
		IntervalSeconds: campaign.IntervalSeconds,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return false, err
	}

	jobID := broadcast.SchedJobID(campaign.CampaignID, campaign.UserID, runSlot)
	accepted, err := s.coord.Enqueue(ctx, jobID, data, time.Duration(jitterMs)*time.Millisecond)
	if err != nil {
		return false, err
	}
	if !accepted {
		// Duplicate within the slot: an earlier tick already emitted it.
		return false, nil
	}

	if err := s.campaigns.UpdateLastRunAt(ctx, campaign.CampaignID, now); err != nil {
		return true, err
	}
	logger.Debug("broadcast job enqueued",
		zap.String("job_id", jobID),
		zap.String("campaign_id", campaign.CampaignID),
		zap.Int64("jitter_ms", jitterMs))
	return true, nil
}
