// Package queue implements the durable prioritized conversion queue on
// Redis: a ready set ordered by priority then enqueue order, an in-flight
// set with visibility deadlines, and bounded retention of terminal jobs.
package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	readyKey     = "conv:ready"
	scheduledKey = "conv:scheduled"
	enqueuedKey  = "conv:enqueued"
	inflightKey  = "conv:inflight"
	seqKey       = "conv:seq"
	metaPrefix   = "conv:meta:"
	completedKey = "conv:completed"
	failedKey    = "conv:failed"
	completedCtr = "conv:stats:completed"
	failedCtr    = "conv:stats:failed"
)

// Priorities are clamped so the packed ready score stays exact in a float64.
const (
	maxPriority = 1000
	minPriority = -1000
	seqSpan     = 1e12
)

// Options tunes queue behavior.
type Options struct {
	// VisibilityTimeout is the lease length; a claimed job whose worker
	// stops reporting progress for this long is considered stalled.
	VisibilityTimeout time.Duration
	// MaxStalled bounds how many times a stalled job is returned to waiting
	// before it is failed instead.
	MaxStalled int
	// JobTTL fails waiting jobs that were never picked up in time.
	JobTTL time.Duration
	// Retention bounds the completed/failed inspection lists.
	Retention int
}

// Queue coordinates ready, in-flight, and scheduled conversion jobs in Redis.
type Queue struct {
	client *redis.Client
	opts   Options
}

// New builds a queue over an existing Redis client.
func New(client *redis.Client, opts Options) *Queue {
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 60 * time.Second
	}
	if opts.MaxStalled <= 0 {
		opts.MaxStalled = 2
	}
	if opts.Retention <= 0 {
		opts.Retention = 500
	}
	return &Queue{client: client, opts: opts}
}

func metaKey(jobID string) string { return metaPrefix + jobID }

// readyScore packs priority and FIFO sequence into one sortable score:
// higher priority first, then earlier enqueue first.
func readyScore(priority int, seq int64) float64 {
	if priority > maxPriority {
		priority = maxPriority
	}
	if priority < minPriority {
		priority = minPriority
	}
	return float64(priority)*seqSpan - float64(seq)
}

// Enqueue inserts a job into the ready set.
func (q *Queue) Enqueue(ctx context.Context, jobID string, priority int) error {
	seq, err := q.client.Incr(ctx, seqKey).Result()
	if err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}
	score := readyScore(priority, seq)
	now := time.Now().UnixMilli()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, metaKey(jobID),
		"score", score,
		"enqueued_ms", now,
		"stalls", 0,
		"progress", 0,
	)
	pipe.ZAdd(ctx, readyKey, redis.Z{Score: score, Member: jobID})
	pipe.ZAdd(ctx, enqueuedKey, redis.Z{Score: float64(now), Member: jobID})
	_, err = pipe.Exec(ctx)
	return err
}

// Dequeue atomically pops the best waiting job and leases it. Empty string
// means nothing is waiting.
func (q *Queue) Dequeue(ctx context.Context) (string, error) {
	deadline := time.Now().Add(q.opts.VisibilityTimeout).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{readyKey, inflightKey}, deadline).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// Progress records percent complete and extends the lease. The worker calls
// this between pipeline stages, so it doubles as the stall heartbeat.
func (q *Queue) Progress(ctx context.Context, jobID string, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	deadline := time.Now().Add(q.opts.VisibilityTimeout).UnixMilli()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, metaKey(jobID), "progress", percent)
	pipe.ZAddXX(ctx, inflightKey, redis.Z{Score: float64(deadline), Member: jobID})
	_, err := pipe.Exec(ctx)
	return err
}

// Complete removes the job from in-flight tracking and retains it for
// inspection, bounded by the retention count.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	return q.finish(ctx, jobID, completedKey, completedCtr)
}

// Fail retains a terminally failed job for inspection.
func (q *Queue) Fail(ctx context.Context, jobID string) error {
	return q.finish(ctx, jobID, failedKey, failedCtr)
}

func (q *Queue) finish(ctx context.Context, jobID, listKey, ctrKey string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey, jobID)
	pipe.ZRem(ctx, readyKey, jobID)
	pipe.ZRem(ctx, scheduledKey, jobID)
	pipe.ZRem(ctx, enqueuedKey, jobID)
	pipe.Del(ctx, metaKey(jobID))
	pipe.LPush(ctx, listKey, jobID)
	pipe.LTrim(ctx, listKey, 0, int64(q.opts.Retention)-1)
	pipe.Incr(ctx, ctrKey)
	_, err := pipe.Exec(ctx)
	return err
}

// Discard drops a job from all queue structures without retaining it or
// touching the terminal counters. Used for cancelled jobs.
func (q *Queue) Discard(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey, jobID)
	pipe.ZRem(ctx, readyKey, jobID)
	pipe.ZRem(ctx, scheduledKey, jobID)
	pipe.ZRem(ctx, enqueuedKey, jobID)
	pipe.Del(ctx, metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// Cancel removes a waiting job outright; for an in-flight job it sets a
// flag the worker checks between pipeline stages. Returns whether anything
// was cancelled and whether the job was still waiting.
func (q *Queue) Cancel(ctx context.Context, jobID string) (cancelled, wasWaiting bool, err error) {
	pipe := q.client.TxPipeline()
	readyRem := pipe.ZRem(ctx, readyKey, jobID)
	schedRem := pipe.ZRem(ctx, scheduledKey, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, false, err
	}
	if readyRem.Val() > 0 || schedRem.Val() > 0 {
		cleanup := q.client.TxPipeline()
		cleanup.ZRem(ctx, enqueuedKey, jobID)
		cleanup.Del(ctx, metaKey(jobID))
		if _, err := cleanup.Exec(ctx); err != nil {
			return true, true, err
		}
		return true, true, nil
	}
	if err := q.client.ZScore(ctx, inflightKey, jobID).Err(); err == redis.Nil {
		return false, false, nil
	} else if err != nil {
		return false, false, err
	}
	if err := q.client.HSet(ctx, metaKey(jobID), "cancelled", 1).Err(); err != nil {
		return false, false, err
	}
	return true, false, nil
}

// IsCancelled reports whether a best-effort cancel was requested for an
// active job.
func (q *Queue) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	v, err := q.client.HGet(ctx, metaKey(jobID), "cancelled").Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == "1", nil
}

// Defer releases an in-flight job back into the scheduled set to run after
// the given delay, keeping its original priority score. Used when a breaker
// with the queue strategy rejects the job's dependency.
func (q *Queue) Defer(ctx context.Context, jobID string, delay time.Duration) error {
	runAt := time.Now().Add(delay).UnixMilli()
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey, jobID)
	pipe.ZAdd(ctx, scheduledKey, redis.Z{Score: float64(runAt), Member: jobID})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due deferred jobs back to the ready set. Returns
// how many were promoted.
func (q *Queue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		score, err := q.metaScore(ctx, id)
		if err != nil {
			score = readyScore(0, 0)
		}
		pipe.ZRem(ctx, scheduledKey, id)
		pipe.ZAdd(ctx, readyKey, redis.Z{Score: score, Member: id})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// ReclaimStalled sweeps expired leases. A job is returned to waiting at
// most MaxStalled times; beyond that it is reported in failed so the caller
// can mark the chapter failed with a stall reason.
func (q *Queue) ReclaimStalled(ctx context.Context, now time.Time, limit int64) (requeued, failed []string, err error) {
	ids, err := q.client.ZRangeByScore(ctx, inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, nil, err
	}
	for _, id := range ids {
		stalls, err := q.client.HIncrBy(ctx, metaKey(id), "stalls", 1).Result()
		if err != nil {
			return requeued, failed, err
		}
		if int(stalls) > q.opts.MaxStalled {
			if err := q.Fail(ctx, id); err != nil {
				return requeued, failed, err
			}
			failed = append(failed, id)
			continue
		}
		score, serr := q.metaScore(ctx, id)
		if serr != nil {
			score = readyScore(0, 0)
		}
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, inflightKey, id)
		pipe.ZAdd(ctx, readyKey, redis.Z{Score: score, Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return requeued, failed, err
		}
		requeued = append(requeued, id)
	}
	return requeued, failed, nil
}

// ExpireOld fails waiting jobs that sat unclaimed longer than JobTTL.
// Candidates come from an enqueue-time index rather than the ready set, so
// an old job expires regardless of its priority or position in the backlog.
// Returns the expired job IDs so the caller can record the timeout reason.
func (q *Queue) ExpireOld(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	if q.opts.JobTTL <= 0 {
		return nil, nil
	}
	cutoff := now.Add(-q.opts.JobTTL).UnixMilli()
	ids, err := q.client.ZRangeByScore(ctx, enqueuedKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(cutoff, 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	var expired []string
	for _, id := range ids {
		pipe := q.client.Pipeline()
		ready := pipe.ZScore(ctx, readyKey, id)
		sched := pipe.ZScore(ctx, scheduledKey, id)
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			return expired, err
		}
		if ready.Err() == redis.Nil && sched.Err() == redis.Nil {
			// Claimed by a worker meanwhile; the lease sweep owns it now.
			continue
		}
		if err := q.Fail(ctx, id); err != nil {
			return expired, err
		}
		expired = append(expired, id)
	}
	return expired, nil
}

// GetProgress returns the last reported percent for a job, zero if unknown.
func (q *Queue) GetProgress(ctx context.Context, jobID string) (int, error) {
	raw, err := q.client.HGet(ctx, metaKey(jobID), "progress").Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	p, _ := strconv.Atoi(raw)
	return p, nil
}

// Stats summarizes queue health for the API surface.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// GetStats reads the live counts.
func (q *Queue) GetStats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	ready := pipe.ZCard(ctx, readyKey)
	scheduled := pipe.ZCard(ctx, scheduledKey)
	inflight := pipe.ZCard(ctx, inflightKey)
	completed := pipe.Get(ctx, completedCtr)
	failed := pipe.Get(ctx, failedCtr)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Stats{}, err
	}
	toInt := func(c *redis.StringCmd) int64 {
		n, _ := strconv.ParseInt(c.Val(), 10, 64)
		return n
	}
	return Stats{
		Waiting:   ready.Val() + scheduled.Val(),
		Active:    inflight.Val(),
		Completed: toInt(completed),
		Failed:    toInt(failed),
	}, nil
}

func (q *Queue) metaScore(ctx context.Context, jobID string) (float64, error) {
	raw, err := q.client.HGet(ctx, metaKey(jobID), "score").Result()
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(raw, 64)
}

var dequeueScript = redis.NewScript(`
local popped = redis.call('ZPOPMAX', KEYS[1])
if #popped == 0 then
  return nil
end
redis.call('ZADD', KEYS[2], ARGV[1], popped[1])
return popped[1]
`)
