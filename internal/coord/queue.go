package coord

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
)

const (
	queueDueKey      = "jq:due"
	queuePayloadKey  = "jq:payload"
	queueInflightKey = "jq:inflight"
)

// Job is one popped, due entry: its dedup identifier and raw payload bytes.
type Job struct {
	ID      string
	Payload []byte
}

// enqueueScript performs the existence check (zset or inflight set) and the
// insert atomically, so a duplicate job_id from a racing scheduler tick or a
// stacked continuation is silently dropped rather than double-enqueued.
var enqueueScript = redis.NewScript(`
local zkey, payloadKey, inflightKey = KEYS[1], KEYS[2], KEYS[3]
local jobID, payload, score = ARGV[1], ARGV[2], ARGV[3]
if redis.call('SISMEMBER', inflightKey, jobID) == 1 then
	return 0
end
if redis.call('ZSCORE', zkey, jobID) then
	return 0
end
redis.call('HSET', payloadKey, jobID, payload)
redis.call('ZADD', zkey, score, jobID)
return 1
`)

// popDueScript moves up to `limit` due entries from the sorted set into the
// in-flight marker set and returns their payloads, all atomically so two
// dispatcher processes racing on the same poll never both claim a job.
var popDueScript = redis.NewScript(`
local zkey, payloadKey, inflightKey = KEYS[1], KEYS[2], KEYS[3]
local now, limit = ARGV[1], tonumber(ARGV[2])
local due = redis.call('ZRANGEBYSCORE', zkey, '-inf', now, 'LIMIT', 0, limit)
local result = {}
for _, jobID in ipairs(due) do
	redis.call('ZREM', zkey, jobID)
	redis.call('SADD', inflightKey, jobID)
	local payload = redis.call('HGET', payloadKey, jobID)
	table.insert(result, jobID)
	table.insert(result, payload or '')
end
return result
`)

// Enqueue schedules payload under jobID to become due after deferBy. Returns
// false (no error) if jobID is already queued or in flight — the dedup
// contract JQ's job identifiers rely on.
func (c *Client) Enqueue(ctx context.Context, jobID string, payload []byte, deferBy time.Duration) (bool, error) {
	if deferBy < 0 {
		deferBy = 0
	}
	dueAt := time.Now().Add(deferBy).UnixMilli()
	res, err := enqueueScript.Run(ctx, c.rdb, []string{queueDueKey, queuePayloadKey, queueInflightKey},
		jobID, payload, dueAt).Int()
	if err != nil {
		return false, errors.Wrap(err, "enqueue")
	}
	return res == 1, nil
}

// PopDue claims up to limit jobs whose due time has elapsed, moving them into
// the in-flight set so a concurrent poller won't also claim them.
func (c *Client) PopDue(ctx context.Context, limit int64) ([]Job, error) {
	if limit <= 0 {
		limit = 1
	}
	raw, err := popDueScript.Run(ctx, c.rdb, []string{queueDueKey, queuePayloadKey, queueInflightKey},
		time.Now().UnixMilli(), limit).Result()
	if err != nil {
		return nil, errors.Wrap(err, "pop due jobs")
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, nil
	}
	jobs := make([]Job, 0, len(items)/2)
	for i := 0; i+1 < len(items); i += 2 {
		id, _ := items[i].(string)
		payload, _ := items[i+1].(string)
		jobs = append(jobs, Job{ID: id, Payload: []byte(payload)})
	}
	return jobs, nil
}

// Complete clears jobID's in-flight marker and payload, allowing a future
// enqueue under the same id to be accepted again.
func (c *Client) Complete(ctx context.Context, jobID string) error {
	pipe := c.rdb.TxPipeline()
	pipe.SRem(ctx, queueInflightKey, jobID)
	pipe.HDel(ctx, queuePayloadKey, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "complete job")
	}
	return nil
}
