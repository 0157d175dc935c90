// Package jobqueue is the worker-side dispatcher: it drains due jobs from the
// coordination store and hands each payload to the broadcast executor under a
// bounded concurrency budget.
package jobqueue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"telegram-broadcast/internal/broadcast"
	"telegram-broadcast/internal/coord"
	"telegram-broadcast/internal/infra/logger"

	"go.uber.org/zap"
)

const pollInterval = time.Second

// Queue is the deferred-queue surface the dispatcher drains. *coord.Client
// satisfies it.
type Queue interface {
	PopDue(ctx context.Context, limit int64) ([]coord.Job, error)
	Complete(ctx context.Context, jobID string) error
}

// Executor consumes one job payload. *broadcast.Executor satisfies it.
type Executor interface {
	Execute(ctx context.Context, p broadcast.Payload) broadcast.Result
}

// Dispatcher polls the queue and runs jobs on a bounded goroutine pool.
type Dispatcher struct {
	queue       Queue
	exec        Executor
	maxInflight int

	slots chan struct{}
	wg    sync.WaitGroup
}

// New builds a dispatcher with at most maxInflight jobs running at once.
func New(queue Queue, exec Executor, maxInflight int) *Dispatcher {
	if maxInflight < 1 {
		maxInflight = 1
	}
	return &Dispatcher{
		queue:       queue,
		exec:        exec,
		maxInflight: maxInflight,
		slots:       make(chan struct{}, maxInflight),
	}
}

// Run polls until ctx is cancelled, then waits for running jobs to finish.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return
		case <-ticker.C:
			d.poll(ctx)
		}
	}
}

// poll claims as many due jobs as there are free slots and launches them.
func (d *Dispatcher) poll(ctx context.Context) {
	free := d.maxInflight - len(d.slots)
	if free <= 0 {
		return
	}

	jobs, err := d.queue.PopDue(ctx, int64(free))
	if err != nil {
		logger.Warn("poll job queue", zap.Error(err))
		return
	}

	for _, job := range jobs {
		d.slots <- struct{}{}
		d.wg.Add(1)
		go func(job coord.Job) {
			defer func() {
				<-d.slots
				d.wg.Done()
			}()
			d.handle(ctx, job)
		}(job)
	}
}

// handle unmarshals the payload, runs the executor and clears the job's
// in-flight marker so a future job with the same id is accepted again.
func (d *Dispatcher) handle(ctx context.Context, job coord.Job) {
	defer func() {
		if err := d.queue.Complete(context.WithoutCancel(ctx), job.ID); err != nil {
			logger.Warn("complete job", zap.String("job_id", job.ID), zap.Error(err))
		}
	}()

	var payload broadcast.Payload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		logger.Error("decode job payload", zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	result := d.exec.Execute(ctx, payload)

	fields := []zap.Field{
		zap.String("job_id", job.ID),
		zap.String("campaign_id", payload.CampaignID),
		zap.String("user_id", payload.UserID),
		zap.String("outcome", string(result.Outcome)),
		zap.Int("count", result.Count),
		zap.Int64("lag_ms", result.LagMs),
	}
	if result.Summary != nil {
		fields = append(fields,
			zap.Int("sent", result.Summary.Sent),
			zap.Int("failed", result.Summary.Failed),
			zap.Int("pending", result.Summary.Pending))
	}
	if result.ContinuationEnqueued {
		fields = append(fields,
			zap.Int64("continuation_delay_ms", result.ContinuationDelayMs),
			zap.String("continuation_reason", string(result.ContinuationReason)))
	}
	if result.Error != "" {
		fields = append(fields, zap.String("error", result.Error))
		logger.Warn("broadcast job finished", fields...)
		return
	}
	logger.Info("broadcast job finished", fields...)
}
