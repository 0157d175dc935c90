package broadcast

import (
	"context"
	"encoding/json"
	rand "math/rand/v2"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"telegram-broadcast/internal/infra/clock"
	"telegram-broadcast/internal/infra/config"
	"telegram-broadcast/internal/infra/logger"
	"telegram-broadcast/internal/ratelimit"
	"telegram-broadcast/internal/retryclassify"
	"telegram-broadcast/internal/store"

	"go.uber.org/zap"
)

// Store is the slice of the persistent store the executor drives. *store.DB
// satisfies it; tests supply an in-memory fake.
type Store interface {
	GetCampaign(ctx context.Context, campaignID string) (*store.Campaign, error)
	UpdateLastRunAt(ctx context.Context, campaignID string, at time.Time) error
	AvailableAccounts(ctx context.Context, userID string) ([]store.TelegramAccount, error)
	ActiveTargetGroups(ctx context.Context, userID string) ([]store.TargetGroup, error)
	RolloverCycle(ctx context.Context, userID, campaignID string, now time.Time, cycleSeconds int) error
	RecoverStuckInFlight(ctx context.Context, userID, campaignID string, now, stuckBefore time.Time) error
	AttemptStatusCounts(ctx context.Context, userID, campaignID string, now time.Time) (store.AttemptStatusCounts, error)
	SeedAttempts(ctx context.Context, userID, campaignID string, targets []store.TargetGroup, accounts []store.TelegramAccount, maxRetries int, now time.Time) error
	ClaimNextAttempt(ctx context.Context, userID, campaignID, accountID string, now time.Time) (*store.BroadcastAttempt, error)
	GetTargetGroup(ctx context.Context, userID, groupID string) (*store.TargetGroup, error)
	RollbackAttemptToPending(ctx context.Context, attemptID string, nextAttemptAt, now time.Time) error
	MarkAttemptSent(ctx context.Context, attemptID string, now time.Time) error
	MarkAttemptRetriable(ctx context.Context, attemptID string, retryCount int, nextAttemptAt, now time.Time, lastError string) error
	MarkAttemptTerminal(ctx context.Context, attemptID string, reasonCode, lastError string, now time.Time) error
	SetAccountFloodWait(ctx context.Context, accountID string, until time.Time) error
}

// Coordinator is the coordination-store surface: locks and the deferred job
// queue. *coord.Client satisfies it.
type Coordinator interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Unlock(ctx context.Context, key, token string) error
	Enqueue(ctx context.Context, jobID string, payload []byte, deferBy time.Duration) (bool, error)
}

// Sender delivers one message through the client pool. *tgpool.Pool
// satisfies it.
type Sender interface {
	Send(ctx context.Context, account store.TelegramAccount, group store.TargetGroup, text string) error
}

// Config carries the executor knobs, normally derived from config.Env().
type Config struct {
	Role                   string
	MaxAttemptsPerRun      int
	PerAccountConcurrency  int
	MaxRetries             int
	UserLockTTL            time.Duration
	IntervalSafetySeconds  int
	StuckInflight          time.Duration
	SlowmodeDefaultSeconds int
	BaseDelayMs            int64
	MaxDelayMs             int64
	JitterRatio            float64
	ContinuationBase       time.Duration
	ContinuationJitter     time.Duration
}

// ConfigFromEnv maps the loaded environment onto executor knobs.
func ConfigFromEnv(env config.EnvConfig) Config {
	return Config{
		Role:                   env.Role,
		MaxAttemptsPerRun:      env.AttemptsPerJob,
		PerAccountConcurrency:  env.PerAccountConcurrency,
		MaxRetries:             env.MaxRetries,
		UserLockTTL:            time.Duration(env.UserLockTTLMs) * time.Millisecond,
		IntervalSafetySeconds:  env.IntervalSafetySeconds,
		StuckInflight:          time.Duration(env.StuckInflightMs) * time.Millisecond,
		SlowmodeDefaultSeconds: env.SlowmodeDefaultSeconds,
		BaseDelayMs:            int64(env.BaseDelayMs),
		MaxDelayMs:             int64(env.MaxDelayMs),
		JitterRatio:            env.JitterRatio,
		ContinuationBase:       time.Duration(env.ContinuationBaseMs) * time.Millisecond,
		ContinuationJitter:     time.Duration(env.ContinuationJitterMs) * time.Millisecond,
	}
}

// Executor advances one campaign cycle per job under the per-user lock.
type Executor struct {
	cfg     Config
	store   Store
	coord   Coordinator
	sender  Sender
	global  *ratelimit.GlobalGovernor
	account *ratelimit.AccountGovernor
	now     func() time.Time
}

// New wires an executor. The governors are shared across all jobs of one
// worker process.
func New(cfg Config, st Store, coord Coordinator, sender Sender,
	global *ratelimit.GlobalGovernor, account *ratelimit.AccountGovernor) *Executor {
	if cfg.MaxAttemptsPerRun < 1 {
		cfg.MaxAttemptsPerRun = 1
	}
	if cfg.PerAccountConcurrency < 1 {
		cfg.PerAccountConcurrency = 1
	}
	return &Executor{
		cfg:     cfg,
		store:   st,
		coord:   coord,
		sender:  sender,
		global:  global,
		account: account,
		now:     clock.Now,
	}
}

// SetNowFunc overrides the executor clock (tests).
func (e *Executor) SetNowFunc(fn func() time.Time) {
	if fn != nil {
		e.now = fn
	}
}

// runState accumulates cross-lane counters and the first infrastructure
// error of one Execute call.
type runState struct {
	mu       sync.Mutex
	claimed  atomic.Int64
	sentRun  int
	errs     []string
	hardErr  error
}

func (s *runState) recordSendError(msg string) {
	s.mu.Lock()
	s.errs = append(s.errs, msg)
	s.mu.Unlock()
}

func (s *runState) recordHardError(err error) {
	s.mu.Lock()
	if s.hardErr == nil {
		s.hardErr = err
	}
	s.mu.Unlock()
}

func (s *runState) recordSent() {
	s.mu.Lock()
	s.sentRun++
	s.mu.Unlock()
}

// Execute runs the admission checks, acquires the per-user lock, advances the
// cycle by up to MaxAttemptsPerRun deliveries and decides the continuation.
func (e *Executor) Execute(ctx context.Context, p Payload) Result {
	startedAt := e.now()
	res := Result{
		Errors:      []string{},
		ScheduledAt: p.QueuedAt,
		StartedAt:   startedAt,
	}
	if !p.QueuedAt.IsZero() {
		if lag := startedAt.Sub(p.QueuedAt).Milliseconds(); lag > 0 {
			res.LagMs = lag
		}
	}

	if e.cfg.Role != config.RoleWorker {
		res.Success = true
		res.Outcome = OutcomeSkippedNonWorker
		return res
	}

	campaign, err := e.store.GetCampaign(ctx, p.CampaignID)
	if err != nil {
		return e.hardFail(res, err)
	}
	if campaign == nil || !campaign.IsActive {
		res.Success = true
		res.Outcome = OutcomeInactiveCampaign
		return res
	}
	if p.Message != campaign.MessageText {
		res.Success = true
		res.Outcome = OutcomeStaleMessage
		return res
	}
	if p.IntervalSeconds > 0 && p.IntervalSeconds != campaign.IntervalSeconds {
		res.Success = true
		res.Outcome = OutcomeStaleInterval
		return res
	}

	lockKey := UserLockKey(p.UserID)
	token, locked, err := e.coord.Lock(ctx, lockKey, e.cfg.UserLockTTL)
	if err != nil {
		return e.hardFail(res, err)
	}
	if !locked {
		res.Success = true
		res.Outcome = OutcomeLockBusy
		return res
	}
	defer func() {
		if unlockErr := e.coord.Unlock(context.WithoutCancel(ctx), lockKey, token); unlockErr != nil {
			logger.Warn("release user lock", zap.String("user_id", p.UserID), zap.Error(unlockErr))
		}
	}()

	return e.run(ctx, p, campaign, res)
}

func (e *Executor) run(ctx context.Context, p Payload, campaign *store.Campaign, res Result) Result {
	now := e.now()

	interval := campaign.IntervalSeconds
	if interval < 60 {
		interval = 60
	}
	cycleSeconds := interval + e.cfg.IntervalSafetySeconds

	if err := e.store.RolloverCycle(ctx, p.UserID, p.CampaignID, now, cycleSeconds); err != nil {
		return e.hardFail(res, err)
	}

	accounts, err := e.store.AvailableAccounts(ctx, p.UserID)
	if err != nil {
		return e.hardFail(res, err)
	}
	accounts = slices.DeleteFunc(slices.Clone(accounts), func(a store.TelegramAccount) bool {
		return !a.Available(now)
	})
	if len(accounts) == 0 {
		res.Outcome = OutcomeNoAccount
		res.Error = "no active account"
		return res
	}

	targets, err := e.store.ActiveTargetGroups(ctx, p.UserID)
	if err != nil {
		return e.hardFail(res, err)
	}
	if len(targets) == 0 {
		res.Success = true
		res.Outcome = OutcomeSent
		return res
	}

	if err := e.store.RecoverStuckInFlight(ctx, p.UserID, p.CampaignID, now, now.Add(-e.cfg.StuckInflight)); err != nil {
		return e.hardFail(res, err)
	}

	counts, err := e.store.AttemptStatusCounts(ctx, p.UserID, p.CampaignID, now)
	if err != nil {
		return e.hardFail(res, err)
	}
	if !(counts.Total() > 0 && counts.Pending+counts.InFlight > 0) {
		// Fresh cycle: stable assignment, targets sorted by id, accounts
		// round-robin.
		sorted := slices.Clone(targets)
		slices.SortFunc(sorted, func(a, b store.TargetGroup) int {
			return strings.Compare(a.GroupID, b.GroupID)
		})
		if err := e.store.SeedAttempts(ctx, p.UserID, p.CampaignID, sorted, accounts, e.cfg.MaxRetries, now); err != nil {
			return e.hardFail(res, err)
		}
	}

	state := &runState{}
	e.dispatchLanes(ctx, p, campaign, accounts, cycleSeconds, state)

	endNow := e.now()
	counts, countsErr := e.store.AttemptStatusCounts(ctx, p.UserID, p.CampaignID, endNow)
	if countsErr != nil {
		state.recordHardError(countsErr)
	}

	summary := Summary{
		Sent:                     counts.Sent,
		Failed:                   counts.FailedTerminal,
		Pending:                  counts.Pending,
		InFlight:                 counts.InFlight,
		ReadyPendingCount:        counts.ReadyPendingCount,
		ProviderConstrainedDelay: counts.ProviderConstrained,
	}
	if counts.NextDueInMs != nil {
		summary.NextDueInMs = *counts.NextDueInMs
	}
	res.Summary = &summary
	res.Count = state.sentRun
	res.Errors = append(res.Errors, state.errs...)

	switch {
	case summary.Failed > 0 && summary.Sent == 0:
		res.Outcome = OutcomeFailed
	case summary.ProviderConstrainedDelay && summary.ReadyPendingCount == 0:
		res.Outcome = OutcomeProviderConstrainedDelay
	case summary.Pending > 0 || summary.InFlight > 0:
		res.Outcome = OutcomeDeferred
	default:
		res.Outcome = OutcomeSent
	}

	if state.hardErr != nil {
		res.Error = state.hardErr.Error()
	}
	res.Success = state.hardErr == nil && res.Outcome != OutcomeFailed

	if state.sentRun > 0 {
		if err := e.store.UpdateLastRunAt(ctx, p.CampaignID, endNow); err != nil {
			logger.Warn("update campaign last_run_at",
				zap.String("campaign_id", p.CampaignID), zap.Error(err))
		}
	}

	e.maybeContinue(ctx, p, campaign, &res, summary, endNow)
	return res
}

// dispatchLanes runs one lane per (account, slot) until the shared attempt
// budget is exhausted or no claimable work remains.
func (e *Executor) dispatchLanes(ctx context.Context, p Payload, campaign *store.Campaign,
	accounts []store.TelegramAccount, cycleSeconds int, state *runState) {
	var wg sync.WaitGroup
	for _, account := range accounts {
		for slot := 0; slot < e.cfg.PerAccountConcurrency; slot++ {
			wg.Add(1)
			go func(account store.TelegramAccount) {
				defer wg.Done()
				e.runLane(ctx, p, campaign, account, cycleSeconds, state)
			}(account)
		}
	}
	wg.Wait()
}

func (e *Executor) runLane(ctx context.Context, p Payload, campaign *store.Campaign,
	account store.TelegramAccount, cycleSeconds int, state *runState) {
	for {
		if ctx.Err() != nil {
			return
		}
		if state.claimed.Add(1) > int64(e.cfg.MaxAttemptsPerRun) {
			return
		}

		attempt, err := e.store.ClaimNextAttempt(ctx, p.UserID, p.CampaignID, account.AccountID, e.now())
		if err != nil {
			state.recordHardError(err)
			return
		}
		if attempt == nil {
			return
		}

		if err := e.deliver(ctx, campaign, account, attempt, cycleSeconds, state); err != nil {
			state.recordHardError(err)
			return
		}
	}
}

// deliver performs one claimed attempt end to end; the returned error is
// infrastructure-level only (provider errors are absorbed into the attempt
// row).
func (e *Executor) deliver(ctx context.Context, campaign *store.Campaign,
	account store.TelegramAccount, attempt *store.BroadcastAttempt,
	cycleSeconds int, state *runState) error {
	now := e.now()

	group, err := e.store.GetTargetGroup(ctx, attempt.UserID, attempt.TargetGroupID)
	if err != nil {
		return err
	}
	if group == nil {
		return e.store.MarkAttemptTerminal(ctx, attempt.AttemptID, "missing-target", "target group not found", now)
	}

	// A sent_at surviving on a claimed row means a prior crash raced the
	// rollover; push it back out instead of re-sending inside the cycle.
	if attempt.SentAt != nil && now.Before(attempt.SentAt.Add(time.Duration(cycleSeconds)*time.Second)) {
		return e.store.RollbackAttemptToPending(ctx, attempt.AttemptID,
			attempt.SentAt.Add(time.Duration(cycleSeconds)*time.Second), now)
	}

	if err := e.global.Acquire(ctx); err != nil {
		return err
	}
	if err := e.account.Wait(ctx, account.AccountID); err != nil {
		return err
	}

	sendErr := e.sender.Send(ctx, account, *group, campaign.MessageText)
	now = e.now()

	if sendErr == nil {
		if err := e.store.MarkAttemptSent(ctx, attempt.AttemptID, now); err != nil {
			return err
		}
		state.recordSent()
		logger.Debug("attempt sent",
			zap.String("campaign_id", attempt.CampaignID),
			zap.String("target_group_id", attempt.TargetGroupID),
			zap.String("account_id", account.AccountID))
		return nil
	}

	state.recordSendError(sendErr.Error())

	classification := retryclassify.Classify(sendErr, e.cfg.SlowmodeDefaultSeconds)
	nextRetry := attempt.RetryCount + 1

	if classification.Retriable && nextRetry <= attempt.MaxRetries {
		delayMs := retryclassify.ComputeRetryDelayMs(attempt.RetryCount, classification.RetryAfterSeconds,
			retryclassify.DelayParams{
				BaseDelayMs: e.cfg.BaseDelayMs,
				MaxDelayMs:  e.cfg.MaxDelayMs,
				JitterRatio: e.cfg.JitterRatio,
			})
		nextAttemptAt := now.Add(time.Duration(delayMs) * time.Millisecond)
		if err := e.store.MarkAttemptRetriable(ctx, attempt.AttemptID, nextRetry, nextAttemptAt, now, sendErr.Error()); err != nil {
			return err
		}
		if classification.RetryAfterSeconds > 0 {
			until := now.Add(time.Duration(classification.RetryAfterSeconds) * time.Second)
			if err := e.store.SetAccountFloodWait(ctx, account.AccountID, until); err != nil {
				return err
			}
		}
		return nil
	}

	reason := classification.TerminalCode
	if classification.Retriable {
		reason = "retry-exhausted"
	}
	return e.store.MarkAttemptTerminal(ctx, attempt.AttemptID, reason, sendErr.Error(), now)
}

// maybeContinue enqueues the follow-up job when unfinished work remains and
// nothing failed hard.
func (e *Executor) maybeContinue(ctx context.Context, p Payload, campaign *store.Campaign,
	res *Result, summary Summary, now time.Time) {
	if res.Outcome != OutcomeDeferred && res.Outcome != OutcomeProviderConstrainedDelay {
		return
	}
	if summary.Failed > 0 || res.Error != "" {
		return
	}

	var delay time.Duration
	var reason ContinuationReason
	switch {
	case summary.ReadyPendingCount > 0:
		delay = e.cfg.ContinuationBase + randDuration(e.cfg.ContinuationJitter)
		reason = ReasonReadyPendingFast
	case summary.NextDueInMs > 0:
		delay = time.Duration(summary.NextDueInMs) * time.Millisecond
		reason = ReasonExactNextDue
	default:
		delay = e.cfg.ContinuationBase + randDuration(e.cfg.ContinuationJitter)
		reason = ReasonDefaultDeferred
	}

	payload := Payload{
		UserID:          p.UserID,
		Message:         campaign.MessageText,
		CampaignID:      p.CampaignID,
		QueuedAt:        now,
		IntervalSeconds: campaign.IntervalSeconds,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error("marshal continuation payload", zap.Error(err))
		return
	}

	enqueued, err := e.coord.Enqueue(ctx, ContJobID(p.CampaignID, p.UserID), data, delay)
	if err != nil {
		logger.Warn("enqueue continuation",
			zap.String("campaign_id", p.CampaignID), zap.Error(err))
		return
	}
	res.ContinuationEnqueued = enqueued
	res.ContinuationDelayMs = delay.Milliseconds()
	res.ContinuationReason = reason
}

func (e *Executor) hardFail(res Result, err error) Result {
	res.Success = false
	res.Outcome = OutcomeFailed
	res.Error = err.Error()
	return res
}

func randDuration(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max) + 1))
}
