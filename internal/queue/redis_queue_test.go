package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, opts Options) (*Queue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, opts), client
}

func TestEnqueueDequeuePriorityThenFIFO(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "low-first", 0))
	require.NoError(t, q.Enqueue(ctx, "high-first", 5))
	require.NoError(t, q.Enqueue(ctx, "high-second", 5))
	require.NoError(t, q.Enqueue(ctx, "negative", -3))

	var order []string
	for i := 0; i < 4; i++ {
		id, err := q.Dequeue(ctx)
		require.NoError(t, err)
		order = append(order, id)
	}
	assert.Equal(t, []string{"high-first", "high-second", "low-first", "negative"}, order)

	id, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Empty(t, id, "empty queue yields empty id")
}

func TestProgressHeartbeatExtendsLease(t *testing.T) {
	q, client := newTestQueue(t, Options{VisibilityTimeout: time.Minute})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "job-1", 0))
	id, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "job-1", id)

	before, err := client.ZScore(ctx, "conv:inflight", "job-1").Result()
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, q.Progress(ctx, "job-1", 40))

	after, err := client.ZScore(ctx, "conv:inflight", "job-1").Result()
	require.NoError(t, err)
	assert.Greater(t, after, before, "heartbeat must push the lease deadline forward")

	p, err := q.GetProgress(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 40, p)
}

func TestProgressClampsPercent(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "job-1", 0))
	_, err := q.Dequeue(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Progress(ctx, "job-1", 150))
	p, err := q.GetProgress(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 100, p)
}

func TestCompleteAndStats(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "job-1", 0))
	require.NoError(t, q.Enqueue(ctx, "job-2", 0))
	id, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, id))

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Waiting)
	assert.Equal(t, int64(0), stats.Active)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestRetentionBoundsTerminalLists(t *testing.T) {
	q, client := newTestQueue(t, Options{Retention: 2})
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, id, 0))
		got, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NoError(t, q.Complete(ctx, got))
	}

	n, err := client.LLen(ctx, "conv:completed").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// The counter keeps the true total even after trimming.
	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Completed)
}

func TestCancelWaitingRemovesJob(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "job-1", 0))
	cancelled, wasWaiting, err := q.Cancel(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.True(t, wasWaiting)

	id, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestCancelInflightSetsFlag(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "job-1", 0))
	_, err := q.Dequeue(ctx)
	require.NoError(t, err)

	cancelled, wasWaiting, err := q.Cancel(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.False(t, wasWaiting)

	flagged, err := q.IsCancelled(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, flagged)
}

func TestCancelUnknownJob(t *testing.T) {
	q, _ := newTestQueue(t, Options{})

	cancelled, wasWaiting, err := q.Cancel(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, cancelled)
	assert.False(t, wasWaiting)
}

func TestDeferAndPromote(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "job-1", 7))
	_, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Defer(ctx, "job-1", time.Minute))

	n, err := q.PromoteScheduled(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Zero(t, n, "not due yet")

	n, err = q.PromoteScheduled(ctx, time.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	id, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)
}

func TestDeferKeepsPriorityOrdering(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "urgent", 9))
	id, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "urgent", id)
	require.NoError(t, q.Defer(ctx, "urgent", 0))

	require.NoError(t, q.Enqueue(ctx, "normal", 0))
	_, err = q.PromoteScheduled(ctx, time.Now().Add(time.Second), 10)
	require.NoError(t, err)

	id, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "urgent", id, "deferred job returns with its original priority")
}

func TestReclaimStalledRequeuesThenFails(t *testing.T) {
	q, _ := newTestQueue(t, Options{VisibilityTimeout: time.Minute, MaxStalled: 1})
	ctx := context.Background()
	past := time.Now().Add(2 * time.Minute)

	require.NoError(t, q.Enqueue(ctx, "job-1", 0))
	_, err := q.Dequeue(ctx)
	require.NoError(t, err)

	requeued, failed, err := q.ReclaimStalled(ctx, past, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1"}, requeued)
	assert.Empty(t, failed)

	// Second stall exceeds MaxStalled and turns terminal.
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)
	requeued, failed, err = q.ReclaimStalled(ctx, past.Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, requeued)
	assert.Equal(t, []string{"job-1"}, failed)

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestReclaimIgnoresLiveLeases(t *testing.T) {
	q, _ := newTestQueue(t, Options{VisibilityTimeout: time.Hour})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "job-1", 0))
	_, err := q.Dequeue(ctx)
	require.NoError(t, err)

	requeued, failed, err := q.ReclaimStalled(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, requeued)
	assert.Empty(t, failed)
}

func TestExpireOldFailsUnclaimedJobs(t *testing.T) {
	q, _ := newTestQueue(t, Options{JobTTL: time.Hour})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "stale", 0))
	require.NoError(t, q.Enqueue(ctx, "fresh", 0))

	expired, err := q.ExpireOld(ctx, time.Now(), 100)
	require.NoError(t, err)
	assert.Empty(t, expired, "nothing expired inside the TTL")

	expired, err = q.ExpireOld(ctx, time.Now().Add(2*time.Hour), 100)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"stale", "fresh"}, expired)

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Waiting)
	assert.Equal(t, int64(2), stats.Failed)
}

func TestExpireOldReachesHighPriorityJobsBeyondSweepLimit(t *testing.T) {
	q, client := newTestQueue(t, Options{JobTTL: time.Hour})
	ctx := context.Background()

	// An old urgent job buried behind a large fresh low-priority backlog.
	require.NoError(t, q.Enqueue(ctx, "old-urgent", 10))
	backdated := float64(time.Now().Add(-2 * time.Hour).UnixMilli())
	require.NoError(t, client.ZAdd(ctx, enqueuedKey, redis.Z{Score: backdated, Member: "old-urgent"}).Err())
	for i := 0; i < 20; i++ {
		require.NoError(t, q.Enqueue(ctx, fmt.Sprintf("fresh-%d", i), 0))
	}

	// A sweep page far smaller than the backlog still finds the old job,
	// because candidates come from the enqueue-time index.
	expired, err := q.ExpireOld(ctx, time.Now(), 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"old-urgent"}, expired)

	score, err := client.ZScore(ctx, enqueuedKey, "old-urgent").Result()
	assert.Equal(t, redis.Nil, err, "expired job leaves the enqueue index, got score %v", score)
}

func TestExpireOldSkipsClaimedJobs(t *testing.T) {
	q, client := newTestQueue(t, Options{JobTTL: time.Hour})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "claimed", 0))
	id, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "claimed", id)
	backdated := float64(time.Now().Add(-2 * time.Hour).UnixMilli())
	require.NoError(t, client.ZAdd(ctx, enqueuedKey, redis.Z{Score: backdated, Member: "claimed"}).Err())

	expired, err := q.ExpireOld(ctx, time.Now(), 100)
	require.NoError(t, err)
	assert.Empty(t, expired, "in-flight jobs belong to the lease sweep")
}

func TestCancelWaitingClearsEnqueueIndex(t *testing.T) {
	q, client := newTestQueue(t, Options{JobTTL: time.Hour})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "job-1", 0))
	cancelled, wasWaiting, err := q.Cancel(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, cancelled)
	require.True(t, wasWaiting)

	err = client.ZScore(ctx, enqueuedKey, "job-1").Err()
	assert.Equal(t, redis.Nil, err)
}

func TestExpireOldDisabledWithoutTTL(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "job-1", 0))
	expired, err := q.ExpireOld(ctx, time.Now().Add(240*time.Hour), 100)
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestReadyScoreClampsPriority(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "huge", 1<<30))
	require.NoError(t, q.Enqueue(ctx, "max", maxPriority))

	// Both clamp to the same priority band, so FIFO breaks the tie.
	id, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "huge", id)
}
