package scheduler_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"telegram-broadcast/internal/broadcast"
	"telegram-broadcast/internal/scheduler"
	"telegram-broadcast/internal/store"
)

type fakeCampaigns struct {
	mu        sync.Mutex
	rows      []store.Campaign
	stamped   map[string]time.Time
	dropStamp bool // simulate a crash between enqueue and last_run_at update
}

func (f *fakeCampaigns) DueCampaigns(_ context.Context, limit int) ([]store.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.rows) > limit {
		return append([]store.Campaign(nil), f.rows[:limit]...), nil
	}
	return append([]store.Campaign(nil), f.rows...), nil
}

func (f *fakeCampaigns) UpdateLastRunAt(_ context.Context, campaignID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dropStamp {
		return nil
	}
	if f.stamped == nil {
		f.stamped = make(map[string]time.Time)
	}
	f.stamped[campaignID] = at
	for i := range f.rows {
		if f.rows[i].CampaignID == campaignID {
			stamped := at
			f.rows[i].LastRunAt = &stamped
		}
	}
	return nil
}

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

func testSchedulerConfig() scheduler.Config {
	return scheduler.Config{
		Tick:          5 * time.Second,
		LockTTL:       55 * time.Second,
		EarlyFactor:   0.96,
		MaxDuePerTick: 500,
		JitterMaxMs:   15000,
	}
}

// Tick is unexported; tests drive it through Run with an immediately
// cancelled context, which executes exactly the initial tick.
func runOneTick(s *scheduler.Scheduler) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Run(ctx)
}

func TestSchedulerEmitsDueCampaign(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	campaigns := &fakeCampaigns{rows: []store.Campaign{{
		CampaignID:      "camp-1",
		UserID:          "user-1",
		MessageText:     "hello",
		IntervalSeconds: 300,
		IsActive:        true,
	}}}
	coord := newFakeCoord()
	s := scheduler.New(testSchedulerConfig(), campaigns, coord)
	s.SetNowFunc(func() time.Time { return now })

	runOneTick(s)

	if len(coord.jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(coord.jobs))
	}
	runSlot := now.Unix() / 300
	wantID := broadcast.SchedJobID("camp-1", "user-1", runSlot)
	if coord.jobs[0].ID != wantID {
		t.Fatalf("job id = %s, want %s", coord.jobs[0].ID, wantID)
	}

	var payload broadcast.Payload
	if err := json.Unmarshal(coord.jobs[0].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.CampaignID != "camp-1" || payload.UserID != "user-1" || payload.Message != "hello" {
		t.Fatalf("payload = %+v", payload)
	}
	if payload.IntervalSeconds != 300 {
		t.Fatalf("payload interval = %d, want 300", payload.IntervalSeconds)
	}

	if _, ok := campaigns.stamped["camp-1"]; !ok {
		t.Fatal("last_run_at not stamped after enqueue")
	}
	if coord.jobs[0].Delay > 15*time.Second {
		t.Fatalf("jitter delay = %v, want <= 15s", coord.jobs[0].Delay)
	}
}

func TestSchedulerIdempotentWithinSlot(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	// dropStamp simulates losing the last_run_at update: the second tick sees
	// the campaign as still due and relies on queue dedup.
	campaigns := &fakeCampaigns{dropStamp: true, rows: []store.Campaign{{
		CampaignID:      "camp-1",
		UserID:          "user-1",
		MessageText:     "hello",
		IntervalSeconds: 300,
		IsActive:        true,
	}}}
	coord := newFakeCoord()
	s := scheduler.New(testSchedulerConfig(), campaigns, coord)
	s.SetNowFunc(func() time.Time { return now })

	runOneTick(s)
	runOneTick(s)

	if len(coord.jobs) != 1 {
		t.Fatalf("jobs = %d, want 1 (dedup within run slot)", len(coord.jobs))
	}
}

func TestSchedulerThreshold(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name     string
		interval int
		elapsed  time.Duration
		wantDue  bool
	}{
		{name: "neverRanIsDue", interval: 300, elapsed: -1, wantDue: true},
		{name: "justUnderEarlyThreshold", interval: 300, elapsed: 287 * time.Second, wantDue: false},
		{name: "earlyFactorAbsorbsDrift", interval: 300, elapsed: 289 * time.Second, wantDue: true},
		{name: "minuteFloorApplies", interval: 60, elapsed: 59 * time.Second, wantDue: false},
		{name: "minuteElapsed", interval: 60, elapsed: 60 * time.Second, wantDue: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			campaign := store.Campaign{
				CampaignID:      "camp-1",
				UserID:          "user-1",
				MessageText:     "hello",
				IntervalSeconds: tc.interval,
				IsActive:        true,
			}
			if tc.elapsed >= 0 {
				last := base.Add(-tc.elapsed)
				campaign.LastRunAt = &last
			}

			campaigns := &fakeCampaigns{rows: []store.Campaign{campaign}}
			coord := newFakeCoord()
			s := scheduler.New(testSchedulerConfig(), campaigns, coord)
			s.SetNowFunc(func() time.Time { return base })

			runOneTick(s)

			gotDue := len(coord.jobs) == 1
			if gotDue != tc.wantDue {
				t.Fatalf("due = %v, want %v", gotDue, tc.wantDue)
			}
		})
	}
}

func TestSchedulerSkipsWhenNotLeader(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	campaigns := &fakeCampaigns{rows: []store.Campaign{{
		CampaignID:      "camp-1",
		UserID:          "user-1",
		MessageText:     "hello",
		IntervalSeconds: 300,
		IsActive:        true,
	}}}
	coord := newFakeCoord()
	if _, ok, _ := coord.Lock(context.Background(), broadcast.SchedulerLockKey, time.Minute); !ok {
		t.Fatal("setup: could not pre-acquire leader lock")
	}
	s := scheduler.New(testSchedulerConfig(), campaigns, coord)
	s.SetNowFunc(func() time.Time { return now })

	runOneTick(s)

	if len(coord.jobs) != 0 {
		t.Fatalf("non-leader enqueued %d jobs", len(coord.jobs))
	}
}

func TestSchedulerJitterIsDeterministicPerSlot(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	row := store.Campaign{
		CampaignID:      "camp-1",
		UserID:          "user-1",
		MessageText:     "hello",
		IntervalSeconds: 300,
		IsActive:        true,
	}

	delays := make([]time.Duration, 0, 2)
	for i := 0; i < 2; i++ {
		campaigns := &fakeCampaigns{rows: []store.Campaign{row}}
		coord := newFakeCoord()
		s := scheduler.New(testSchedulerConfig(), campaigns, coord)
		s.SetNowFunc(func() time.Time { return now })
		runOneTick(s)
		if len(coord.jobs) != 1 {
			t.Fatalf("jobs = %d, want 1", len(coord.jobs))
		}
		delays = append(delays, coord.jobs[0].Delay)
	}

	if delays[0] != delays[1] {
		t.Fatalf("jitter differs across processes for the same slot: %v vs %v", delays[0], delays[1])
	}
}
