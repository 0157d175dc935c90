package broadcast_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"telegram-broadcast/internal/broadcast"
	"telegram-broadcast/internal/ratelimit"
	"telegram-broadcast/internal/store"
)

// fakeStore is an in-memory persistent store implementing the same row
// semantics the MySQL repositories provide: conditional status transitions,
// idempotent seeding, rollover and status counts.
type fakeStore struct {
	mu sync.Mutex

	campaign *store.Campaign
	accounts []store.TelegramAccount
	targets  []store.TargetGroup

	attempts   map[string]*store.BroadcastAttempt
	nextID     int
	floodWaits map[string]time.Time
	lastRunAt  *time.Time
}

func newFakeStore(campaign *store.Campaign, accounts []store.TelegramAccount, targets []store.TargetGroup) *fakeStore {
	return &fakeStore{
		campaign:   campaign,
		accounts:   accounts,
		targets:    targets,
		attempts:   make(map[string]*store.BroadcastAttempt),
		floodWaits: make(map[string]time.Time),
	}
}

func (f *fakeStore) GetCampaign(_ context.Context, campaignID string) (*store.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.campaign == nil || f.campaign.CampaignID != campaignID {
		return nil, nil
	}
	c := *f.campaign
	return &c, nil
}

func (f *fakeStore) UpdateLastRunAt(_ context.Context, _ string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastRunAt = &at
	return nil
}

func (f *fakeStore) AvailableAccounts(_ context.Context, _ string) ([]store.TelegramAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.TelegramAccount, 0, len(f.accounts))
	for _, a := range f.accounts {
		if until, ok := f.floodWaits[a.AccountID]; ok {
			a.IsFloodWait = true
			u := until
			a.FloodWaitUntil = &u
		}
		if a.IsActive {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeStore) ActiveTargetGroups(_ context.Context, _ string) ([]store.TargetGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.TargetGroup, 0, len(f.targets))
	for _, g := range f.targets {
		if g.IsActive {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out, nil
}

func (f *fakeStore) RolloverCycle(_ context.Context, _, _ string, now time.Time, cycleSeconds int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := now.Add(-time.Duration(cycleSeconds) * time.Second)
	for _, a := range f.attempts {
		reset := false
		if a.Status == store.AttemptStatusSent && a.SentAt != nil && !a.SentAt.After(cutoff) {
			a.SentAt = nil
			reset = true
		}
		if a.Status == store.AttemptStatusFailedTerminal && !a.UpdatedAt.After(cutoff) {
			reset = true
		}
		if reset {
			a.Status = store.AttemptStatusPending
			a.RetryCount = 0
			next := now
			a.NextAttemptAt = &next
			a.StartedAt = nil
			a.TerminalReasonCode = ""
			a.LastError = ""
			a.UpdatedAt = now
		}
	}
	return nil
}

func (f *fakeStore) RecoverStuckInFlight(_ context.Context, _, _ string, now, stuckBefore time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.attempts {
		if a.Status == store.AttemptStatusInFlight && a.StartedAt != nil && !a.StartedAt.After(stuckBefore) {
			a.Status = store.AttemptStatusPending
			next := now
			a.NextAttemptAt = &next
			a.LastError = "Recovered stuck in-flight"
			a.UpdatedAt = now
		}
	}
	return nil
}

func (f *fakeStore) AttemptStatusCounts(_ context.Context, _, _ string, now time.Time) (store.AttemptStatusCounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var counts store.AttemptStatusCounts
	var nextDue *time.Time
	for _, a := range f.attempts {
		switch a.Status {
		case store.AttemptStatusPending:
			counts.Pending++
			if a.NextAttemptAt == nil || !a.NextAttemptAt.After(now) {
				counts.ReadyPendingCount++
			} else if nextDue == nil || a.NextAttemptAt.Before(*nextDue) {
				due := *a.NextAttemptAt
				nextDue = &due
			}
			if a.TerminalReasonCode == "retriable-rate-limit" {
				counts.ProviderConstrained = true
			}
		case store.AttemptStatusInFlight:
			counts.InFlight++
		case store.AttemptStatusSent:
			counts.Sent++
		case store.AttemptStatusFailedTerminal:
			counts.FailedTerminal++
		}
	}
	if nextDue != nil {
		ms := nextDue.Sub(now).Milliseconds()
		counts.NextDueInMs = &ms
	}
	return counts, nil
}

func (f *fakeStore) SeedAttempts(_ context.Context, userID, campaignID string, targets []store.TargetGroup, accounts []store.TelegramAccount, maxRetries int, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing := make(map[string]bool)
	for _, a := range f.attempts {
		existing[a.IdempotencyKey] = true
	}
	for i, target := range targets {
		key := fmt.Sprintf("%s:%s", campaignID, target.GroupID)
		if existing[key] {
			continue
		}
		f.nextID++
		id := fmt.Sprintf("attempt-%d", f.nextID)
		f.attempts[id] = &store.BroadcastAttempt{
			AttemptID:         id,
			CampaignID:        campaignID,
			UserID:            userID,
			TargetGroupID:     target.GroupID,
			AssignedAccountID: accounts[i%len(accounts)].AccountID,
			Sequence:          i + 1,
			Status:            store.AttemptStatusPending,
			MaxRetries:        maxRetries,
			IdempotencyKey:    key,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
	}
	return nil
}

func (f *fakeStore) ClaimNextAttempt(_ context.Context, userID, campaignID, accountID string, now time.Time) (*store.BroadcastAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var candidate *store.BroadcastAttempt
	for _, a := range f.attempts {
		if a.UserID != userID || a.CampaignID != campaignID || a.AssignedAccountID != accountID {
			continue
		}
		if a.Status != store.AttemptStatusPending {
			continue
		}
		if a.NextAttemptAt != nil && a.NextAttemptAt.After(now) {
			continue
		}
		if candidate == nil || a.Sequence < candidate.Sequence {
			candidate = a
		}
	}
	if candidate == nil {
		return nil, nil
	}
	candidate.Status = store.AttemptStatusInFlight
	started := now
	candidate.StartedAt = &started
	candidate.UpdatedAt = now
	copied := *candidate
	return &copied, nil
}

func (f *fakeStore) GetTargetGroup(_ context.Context, userID, groupID string) (*store.TargetGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, g := range f.targets {
		if g.UserID == userID && g.GroupID == groupID {
			copied := g
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) RollbackAttemptToPending(_ context.Context, attemptID string, nextAttemptAt, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.attempts[attemptID]; ok && a.Status == store.AttemptStatusInFlight {
		a.Status = store.AttemptStatusPending
		next := nextAttemptAt
		a.NextAttemptAt = &next
		a.UpdatedAt = now
	}
	return nil
}

func (f *fakeStore) MarkAttemptSent(_ context.Context, attemptID string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.attempts[attemptID]; ok && a.Status == store.AttemptStatusInFlight {
		a.Status = store.AttemptStatusSent
		sent := now
		a.SentAt = &sent
		a.LastError = ""
		a.TerminalReasonCode = ""
		a.UpdatedAt = now
	}
	return nil
}

func (f *fakeStore) MarkAttemptRetriable(_ context.Context, attemptID string, retryCount int, nextAttemptAt, now time.Time, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.attempts[attemptID]; ok && a.Status == store.AttemptStatusInFlight {
		a.Status = store.AttemptStatusPending
		a.RetryCount = retryCount
		next := nextAttemptAt
		a.NextAttemptAt = &next
		a.LastError = lastError
		a.TerminalReasonCode = "retriable-rate-limit"
		a.UpdatedAt = now
	}
	return nil
}

func (f *fakeStore) MarkAttemptTerminal(_ context.Context, attemptID string, reasonCode, lastError string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.attempts[attemptID]; ok && a.Status == store.AttemptStatusInFlight {
		a.Status = store.AttemptStatusFailedTerminal
		a.TerminalReasonCode = reasonCode
		a.LastError = lastError
		a.UpdatedAt = now
	}
	return nil
}

func (f *fakeStore) SetAccountFloodWait(_ context.Context, accountID string, until time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.floodWaits[accountID] = until
	return nil
}

func (f *fakeStore) attemptByGroup(groupID string) *store.BroadcastAttempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.attempts {
		if a.TargetGroupID == groupID {
			copied := *a
			return &copied
		}
	}
	return nil
}

// fakeCoord is an in-memory lock table and deduplicated job list.
type fakeCoord struct {
	mu       sync.Mutex
	locks    map[string]string
	tokenSeq int
	jobs     []fakeJob
}

type fakeJob struct {
	ID      string
	Payload []byte
	Delay   time.Duration
}

func newFakeCoord() *fakeCoord {
	return &fakeCoord{locks: make(map[string]string)}
}

func (f *fakeCoord) Lock(_ context.Context, key string, _ time.Duration) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, held := f.locks[key]; held {
		return "", false, nil
	}
	f.tokenSeq++
	token := fmt.Sprintf("token-%d", f.tokenSeq)
	f.locks[key] = token
	return token, true, nil
}

func (f *fakeCoord) Unlock(_ context.Context, key, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locks[key] == token {
		delete(f.locks, key)
	}
	return nil
}

func (f *fakeCoord) Enqueue(_ context.Context, jobID string, payload []byte, deferBy time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.ID == jobID {
			return false, nil
		}
	}
	f.jobs = append(f.jobs, fakeJob{ID: jobID, Payload: payload, Delay: deferBy})
	return true, nil
}

// fakeSender errors according to its script, one entry per send; an exhausted
// script means success.
type fakeSender struct {
	mu     sync.Mutex
	script []error
	sends  []string // group ids in delivery order
}

func (f *fakeSender) Send(_ context.Context, _ store.TelegramAccount, group store.TargetGroup, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, group.GroupID)
	if len(f.script) == 0 {
		return nil
	}
	err := f.script[0]
	f.script = f.script[1:]
	return err
}

func (f *fakeSender) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func testConfig() broadcast.Config {
	return broadcast.Config{
		Role:                   "worker",
		MaxAttemptsPerRun:      10,
		PerAccountConcurrency:  1,
		MaxRetries:             3,
		UserLockTTL:            time.Minute,
		StuckInflight:          5 * time.Minute,
		SlowmodeDefaultSeconds: 300,
		BaseDelayMs:            2000,
		MaxDelayMs:             120000,
		JitterRatio:            0.2,
		ContinuationBase:       1500 * time.Millisecond,
		ContinuationJitter:     1500 * time.Millisecond,
	}
}

func newTestExecutor(cfg broadcast.Config, st *fakeStore, coord *fakeCoord, sender *fakeSender, now func() time.Time) *broadcast.Executor {
	exec := broadcast.New(cfg, st, coord, sender,
		ratelimit.NewGlobalGovernor(1000),
		ratelimit.NewAccountGovernor(time.Millisecond, 0))
	exec.SetNowFunc(now)
	return exec
}

func testCampaign() *store.Campaign {
	return &store.Campaign{
		CampaignID:      "camp-1",
		UserID:          "user-1",
		MessageText:     "hello",
		IntervalSeconds: 60,
		IsActive:        true,
	}
}

func testAccount(id string) store.TelegramAccount {
	return store.TelegramAccount{AccountID: id, UserID: "user-1", IsActive: true}
}

func testGroup(id string) store.TargetGroup {
	return store.TargetGroup{
		UserID:   "user-1",
		GroupID:  id,
		Title:    "Group " + id,
		Kind:     store.TargetGroupKindSupergroup,
		IsActive: true,
	}
}

func testPayload(queuedAt time.Time) broadcast.Payload {
	return broadcast.Payload{
		UserID:          "user-1",
		Message:         "hello",
		CampaignID:      "camp-1",
		QueuedAt:        queuedAt,
		IntervalSeconds: 60,
	}
}

func TestExecuteSendsAllTargetsRoundRobin(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st := newFakeStore(testCampaign(),
		[]store.TelegramAccount{testAccount("acc-1"), testAccount("acc-2")},
		[]store.TargetGroup{testGroup("-1003"), testGroup("-1001"), testGroup("-1002")})
	coord := newFakeCoord()
	sender := &fakeSender{}
	exec := newTestExecutor(testConfig(), st, coord, sender, func() time.Time { return now })

	res := exec.Execute(context.Background(), testPayload(now))

	if !res.Success || res.Outcome != broadcast.OutcomeSent {
		t.Fatalf("outcome = %s success = %v, want sent/true (error: %s)", res.Outcome, res.Success, res.Error)
	}
	if res.Count != 3 {
		t.Fatalf("count = %d, want 3", res.Count)
	}

	// Stable assignment: targets sorted by group id, accounts round-robin.
	wantAccounts := map[string]string{
		"-1001": "acc-1",
		"-1002": "acc-2",
		"-1003": "acc-1",
	}
	for groupID, wantAccount := range wantAccounts {
		attempt := st.attemptByGroup(groupID)
		if attempt == nil {
			t.Fatalf("no attempt for %s", groupID)
		}
		if attempt.AssignedAccountID != wantAccount {
			t.Errorf("group %s assigned to %s, want %s", groupID, attempt.AssignedAccountID, wantAccount)
		}
		if attempt.Status != store.AttemptStatusSent {
			t.Errorf("group %s status = %s, want sent", groupID, attempt.Status)
		}
	}

	if st.lastRunAt == nil {
		t.Fatal("last_run_at not updated after successful sends")
	}
	if len(coord.jobs) != 0 {
		t.Fatalf("unexpected continuation: %+v", coord.jobs)
	}
}

func TestProviderConstrainedWait(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st := newFakeStore(testCampaign(),
		[]store.TelegramAccount{testAccount("acc-1")},
		[]store.TargetGroup{testGroup("-1001")})
	coord := newFakeCoord()
	sender := &fakeSender{script: []error{errors.New("Telegram says: [420 SLOWMODE_WAIT_300]")}}
	exec := newTestExecutor(testConfig(), st, coord, sender, func() time.Time { return now })

	res := exec.Execute(context.Background(), testPayload(now))

	if res.Outcome != broadcast.OutcomeProviderConstrainedDelay {
		t.Fatalf("outcome = %s, want provider-constrained-delay", res.Outcome)
	}

	attempt := st.attemptByGroup("-1001")
	if attempt.Status != store.AttemptStatusPending {
		t.Fatalf("status = %s, want pending", attempt.Status)
	}
	if attempt.TerminalReasonCode != "retriable-rate-limit" {
		t.Fatalf("terminal_reason_code = %q", attempt.TerminalReasonCode)
	}
	// Provider-mandated wait is a hard lower bound.
	if attempt.NextAttemptAt == nil || attempt.NextAttemptAt.Before(now.Add(300*time.Second)) {
		t.Fatalf("next_attempt_at = %v, want >= now+300s", attempt.NextAttemptAt)
	}

	until, ok := st.floodWaits["acc-1"]
	if !ok || until.Before(now.Add(300*time.Second)) {
		t.Fatalf("flood_wait_until = %v, want >= now+300s", until)
	}

	if !res.ContinuationEnqueued {
		t.Fatal("continuation not enqueued")
	}
	if res.ContinuationReason != broadcast.ReasonExactNextDue {
		t.Fatalf("continuation reason = %s, want exact-next-due", res.ContinuationReason)
	}
	if res.ContinuationDelayMs < 300000 {
		t.Fatalf("continuation delay = %d ms, want >= 300000", res.ContinuationDelayMs)
	}
}

func TestTerminalClassification(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st := newFakeStore(testCampaign(),
		[]store.TelegramAccount{testAccount("acc-1")},
		[]store.TargetGroup{testGroup("-1001")})
	coord := newFakeCoord()
	sender := &fakeSender{script: []error{errors.New("CHAT_WRITE_FORBIDDEN")}}
	exec := newTestExecutor(testConfig(), st, coord, sender, func() time.Time { return now })

	res := exec.Execute(context.Background(), testPayload(now))

	if res.Outcome != broadcast.OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", res.Outcome)
	}
	if res.Success {
		t.Fatal("success = true, want false")
	}

	attempt := st.attemptByGroup("-1001")
	if attempt.Status != store.AttemptStatusFailedTerminal {
		t.Fatalf("status = %s, want failed-terminal", attempt.Status)
	}
	if attempt.TerminalReasonCode != "chat_write_forbidden" {
		t.Fatalf("terminal_reason_code = %q", attempt.TerminalReasonCode)
	}
	if len(st.floodWaits) != 0 {
		t.Fatal("terminal error must not touch the account's flood-wait state")
	}
	if len(coord.jobs) != 0 {
		t.Fatal("no continuation expected after a failed run")
	}
}

func TestRetryExhaustion(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st := newFakeStore(testCampaign(),
		[]store.TelegramAccount{testAccount("acc-1")},
		[]store.TargetGroup{testGroup("-1001")})
	coord := newFakeCoord()
	sender := &fakeSender{script: []error{
		errors.New("FLOOD_WAIT_5"),
		errors.New("FLOOD_WAIT_5"),
		errors.New("FLOOD_WAIT_5"),
		errors.New("FLOOD_WAIT_5"),
	}}
	exec := newTestExecutor(testConfig(), st, coord, sender, func() time.Time { return now })

	for run := 0; run < 4; run++ {
		exec.Execute(context.Background(), testPayload(now))
		attempt := st.attemptByGroup("-1001")
		if run < 3 {
			if attempt.Status != store.AttemptStatusPending {
				t.Fatalf("run %d: status = %s, want pending", run, attempt.Status)
			}
			if attempt.RetryCount != run+1 {
				t.Fatalf("run %d: retry_count = %d, want %d", run, attempt.RetryCount, run+1)
			}
		}
		// Step past the flood wait and the retry delay before the next run.
		now = now.Add(30 * time.Second)
	}

	attempt := st.attemptByGroup("-1001")
	if attempt.Status != store.AttemptStatusFailedTerminal {
		t.Fatalf("status = %s, want failed-terminal", attempt.Status)
	}
	if attempt.TerminalReasonCode != "retry-exhausted" {
		t.Fatalf("terminal_reason_code = %q, want retry-exhausted", attempt.TerminalReasonCode)
	}
	if sender.sendCount() != 4 {
		t.Fatalf("sends = %d, want 4", sender.sendCount())
	}
}

func TestLockBusy(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st := newFakeStore(testCampaign(),
		[]store.TelegramAccount{testAccount("acc-1")},
		[]store.TargetGroup{testGroup("-1001")})
	coord := newFakeCoord()
	if _, ok, _ := coord.Lock(context.Background(), broadcast.UserLockKey("user-1"), time.Minute); !ok {
		t.Fatal("setup: could not pre-acquire lock")
	}
	sender := &fakeSender{}
	exec := newTestExecutor(testConfig(), st, coord, sender, func() time.Time { return now })

	res := exec.Execute(context.Background(), testPayload(now))

	if !res.Success || res.Outcome != broadcast.OutcomeLockBusy {
		t.Fatalf("outcome = %s success = %v, want lock-busy/true", res.Outcome, res.Success)
	}
	if res.Count != 0 || sender.sendCount() != 0 {
		t.Fatal("lock-busy run must not send")
	}
	// The holder keeps the lock.
	if _, held := coord.locks[broadcast.UserLockKey("user-1")]; !held {
		t.Fatal("holder's lock was released by the loser")
	}
}

func TestStaleMessage(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	campaign := testCampaign()
	campaign.MessageText = "v2"
	st := newFakeStore(campaign,
		[]store.TelegramAccount{testAccount("acc-1")},
		[]store.TargetGroup{testGroup("-1001")})
	coord := newFakeCoord()
	sender := &fakeSender{}
	exec := newTestExecutor(testConfig(), st, coord, sender, func() time.Time { return now })

	payload := testPayload(now)
	payload.Message = "v1"
	res := exec.Execute(context.Background(), payload)

	if res.Outcome != broadcast.OutcomeStaleMessage {
		t.Fatalf("outcome = %s, want stale-message", res.Outcome)
	}
	if sender.sendCount() != 0 {
		t.Fatal("stale job must not send")
	}
	if len(coord.jobs) != 0 {
		t.Fatal("stale job must not enqueue a continuation")
	}
}

func TestStaleInterval(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st := newFakeStore(testCampaign(),
		[]store.TelegramAccount{testAccount("acc-1")},
		[]store.TargetGroup{testGroup("-1001")})
	exec := newTestExecutor(testConfig(), st, newFakeCoord(), &fakeSender{}, func() time.Time { return now })

	payload := testPayload(now)
	payload.IntervalSeconds = 120
	res := exec.Execute(context.Background(), payload)

	if res.Outcome != broadcast.OutcomeStaleInterval {
		t.Fatalf("outcome = %s, want stale-interval", res.Outcome)
	}
}

func TestCycleRollover(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	currentNow := now
	st := newFakeStore(testCampaign(),
		[]store.TelegramAccount{testAccount("acc-1")},
		[]store.TargetGroup{testGroup("-1001"), testGroup("-1002")})
	coord := newFakeCoord()
	sender := &fakeSender{}
	exec := newTestExecutor(testConfig(), st, coord, sender, func() time.Time { return currentNow })

	res := exec.Execute(context.Background(), testPayload(currentNow))
	if res.Outcome != broadcast.OutcomeSent || res.Count != 2 {
		t.Fatalf("first run: outcome = %s count = %d, want sent/2", res.Outcome, res.Count)
	}

	// Inside the cycle window nothing is redelivered.
	currentNow = now.Add(30 * time.Second)
	res = exec.Execute(context.Background(), testPayload(currentNow))
	if res.Count != 0 {
		t.Fatalf("mid-cycle run: count = %d, want 0", res.Count)
	}

	// One cycle later both targets are eligible again.
	currentNow = now.Add(61 * time.Second)
	res = exec.Execute(context.Background(), testPayload(currentNow))
	if res.Outcome != broadcast.OutcomeSent || res.Count != 2 {
		t.Fatalf("second cycle: outcome = %s count = %d, want sent/2", res.Outcome, res.Count)
	}
	if sender.sendCount() != 4 {
		t.Fatalf("total sends = %d, want 4", sender.sendCount())
	}
}

func TestNoAvailableAccount(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	inactive := testAccount("acc-1")
	inactive.IsActive = false
	st := newFakeStore(testCampaign(),
		[]store.TelegramAccount{inactive},
		[]store.TargetGroup{testGroup("-1001")})
	exec := newTestExecutor(testConfig(), st, newFakeCoord(), &fakeSender{}, func() time.Time { return now })

	res := exec.Execute(context.Background(), testPayload(now))

	if res.Outcome != broadcast.OutcomeNoAccount {
		t.Fatalf("outcome = %s, want no-account", res.Outcome)
	}
	if res.Success {
		t.Fatal("success = true, want false")
	}
	if !strings.Contains(res.Error, "no active account") {
		t.Fatalf("error = %q", res.Error)
	}
}

func TestSkippedOnNonWorkerRole(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cfg := testConfig()
	cfg.Role = "app"
	st := newFakeStore(testCampaign(), nil, nil)
	exec := newTestExecutor(cfg, st, newFakeCoord(), &fakeSender{}, func() time.Time { return now })

	res := exec.Execute(context.Background(), testPayload(now))
	if !res.Success || res.Outcome != broadcast.OutcomeSkippedNonWorker {
		t.Fatalf("outcome = %s success = %v, want skipped-non-worker/true", res.Outcome, res.Success)
	}
}

func TestContinuationAfterBudgetExhausted(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cfg := testConfig()
	cfg.MaxAttemptsPerRun = 2
	st := newFakeStore(testCampaign(),
		[]store.TelegramAccount{testAccount("acc-1")},
		[]store.TargetGroup{testGroup("-1001"), testGroup("-1002"), testGroup("-1003")})
	coord := newFakeCoord()
	sender := &fakeSender{}
	exec := newTestExecutor(cfg, st, coord, sender, func() time.Time { return now })

	res := exec.Execute(context.Background(), testPayload(now))

	if res.Outcome != broadcast.OutcomeDeferred {
		t.Fatalf("outcome = %s, want deferred", res.Outcome)
	}
	if res.Count != 2 {
		t.Fatalf("count = %d, want 2", res.Count)
	}
	if !res.ContinuationEnqueued {
		t.Fatal("continuation not enqueued")
	}
	if res.ContinuationReason != broadcast.ReasonReadyPendingFast {
		t.Fatalf("continuation reason = %s, want ready-pending-fast", res.ContinuationReason)
	}
	if len(coord.jobs) != 1 || coord.jobs[0].ID != broadcast.ContJobID("camp-1", "user-1") {
		t.Fatalf("jobs = %+v", coord.jobs)
	}
}

func TestAttemptUniquenessAcrossReseeds(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st := newFakeStore(testCampaign(),
		[]store.TelegramAccount{testAccount("acc-1")},
		[]store.TargetGroup{testGroup("-1001"), testGroup("-1002")})
	exec := newTestExecutor(testConfig(), st, newFakeCoord(), &fakeSender{}, func() time.Time { return now })

	exec.Execute(context.Background(), testPayload(now))
	exec.Execute(context.Background(), testPayload(now))

	st.mu.Lock()
	defer st.mu.Unlock()
	seen := make(map[string]int)
	for _, a := range st.attempts {
		seen[a.IdempotencyKey]++
	}
	for key, n := range seen {
		if n > 1 {
			t.Fatalf("idempotency key %s has %d rows", key, n)
		}
	}
	if len(seen) != 2 {
		t.Fatalf("attempt rows = %d, want 2", len(seen))
	}
}
