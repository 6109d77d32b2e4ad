package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	return &Queue{client: client}, srv
}

func listLen(t *testing.T, srv *miniredis.Miniredis, key string) int {
	t.Helper()
	entries, err := srv.List(key)
	if err == miniredis.ErrKeyNotFound {
		return 0
	}
	require.NoError(t, err)
	return len(entries)
}

// shrinkBackoff drops the retry delays to near zero so promotion tests
// don't wait out real backoff windows.
func shrinkBackoff(t *testing.T) {
	t.Helper()
	base, max := retryBaseDelay, retryMaxDelay
	retryBaseDelay = time.Millisecond
	retryMaxDelay = 10 * time.Millisecond
	t.Cleanup(func() { retryBaseDelay, retryMaxDelay = base, max })
}

func TestJobRoundTrip(t *testing.T) {
	job := Job{
		ID:          uuid.New(),
		Type:        JobTypeGenerate,
		VideoID:     uuid.New(),
		Attempts:    1,
		MaxAttempts: 3,
		LastError:   "script provider unavailable",
		EnqueuedAt:  time.Now().UTC().Truncate(time.Millisecond),
	}

	data, err := json.Marshal(&job)
	require.NoError(t, err)

	var decoded Job
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, job.ID, decoded.ID)
	assert.Equal(t, job.VideoID, decoded.VideoID)
	assert.Equal(t, job.Attempts, decoded.Attempts)
	assert.Equal(t, job.LastError, decoded.LastError)
}

func TestBackoffDelay(t *testing.T) {
	assert.Equal(t, 5*time.Second, backoffDelay(1))
	assert.Equal(t, 10*time.Second, backoffDelay(2))
	assert.Equal(t, 20*time.Second, backoffDelay(3))
	assert.Equal(t, 40*time.Second, backoffDelay(4))

	// Large attempt counts cap out instead of overflowing.
	assert.Equal(t, retryMaxDelay, backoffDelay(10))
	assert.Equal(t, retryMaxDelay, backoffDelay(63))
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q, srv := newTestQueue(t)
	videoID := uuid.New()

	require.NoError(t, q.Enqueue(ctx, JobTypeGenerate, videoID))

	n, err := q.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, JobTypeGenerate, job.Type)
	assert.Equal(t, videoID, job.VideoID)

	// In flight: the payload sits in processing under a live claim.
	assert.Equal(t, 1, listLen(t, srv, KeyProcessing))
	assert.True(t, srv.Exists(claimKey(job.ID)))

	require.NoError(t, q.Ack(ctx, job))
	assert.Zero(t, listLen(t, srv, KeyProcessing))
	assert.False(t, srv.Exists(claimKey(job.ID)))
}

func TestFailReschedulesThenPromotes(t *testing.T) {
	ctx := context.Background()
	q, srv := newTestQueue(t)
	shrinkBackoff(t)

	require.NoError(t, q.Enqueue(ctx, JobTypeGenerate, uuid.New()))
	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, q.Fail(ctx, job, errors.New("script provider unavailable")))
	assert.Zero(t, listLen(t, srv, KeyProcessing))
	assert.False(t, srv.Exists(claimKey(job.ID)))

	time.Sleep(20 * time.Millisecond)
	promoted, err := q.PromoteDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, promoted)

	retried, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, retried)
	assert.Equal(t, job.ID, retried.ID)
	assert.Equal(t, 1, retried.Attempts)
	assert.Equal(t, "script provider unavailable", retried.LastError)
}

func TestFailDeadLettersAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	q, srv := newTestQueue(t)
	shrinkBackoff(t)
	videoID := uuid.New()

	require.NoError(t, q.Enqueue(ctx, JobTypeGenerate, videoID))

	for attempt := 1; attempt <= DefaultMaxAttempts; attempt++ {
		job, err := q.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, job)
		require.NoError(t, q.Fail(ctx, job, errors.New("render farm down")))

		if attempt < DefaultMaxAttempts {
			time.Sleep(20 * time.Millisecond)
			promoted, err := q.PromoteDue(ctx)
			require.NoError(t, err)
			require.Equal(t, 1, promoted)
		}
	}

	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, videoID, dead[0].VideoID)
	assert.Equal(t, DefaultMaxAttempts, dead[0].Attempts)
	assert.Equal(t, "render farm down", dead[0].LastError)

	n, err := q.Length(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, listLen(t, srv, KeyProcessing))
}

func TestReclaimStaleRequeuesOrphanedJob(t *testing.T) {
	ctx := context.Background()
	q, srv := newTestQueue(t)
	videoID := uuid.New()

	require.NoError(t, q.Enqueue(ctx, JobTypeGenerate, videoID))
	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)

	// The worker dies without acking: its claim expires but the payload
	// stays on the processing list.
	srv.Del(claimKey(job.ID))

	reclaimed, err := q.ReclaimStale(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, reclaimed)
	assert.Zero(t, listLen(t, srv, KeyProcessing))

	retried, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, retried)
	assert.Equal(t, videoID, retried.VideoID)
	assert.Equal(t, 1, retried.Attempts)
	assert.Equal(t, "worker lost before ack", retried.LastError)
}

func TestReclaimStaleLeavesClaimedJobs(t *testing.T) {
	ctx := context.Background()
	q, srv := newTestQueue(t)

	require.NoError(t, q.Enqueue(ctx, JobTypeGenerate, uuid.New()))
	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)

	reclaimed, err := q.ReclaimStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, reclaimed)
	assert.Equal(t, 1, listLen(t, srv, KeyProcessing))
}

func TestReclaimStaleDeadLettersSpentJob(t *testing.T) {
	ctx := context.Background()
	q, srv := newTestQueue(t)

	job := Job{
		ID:          uuid.New(),
		Type:        JobTypeGenerate,
		VideoID:     uuid.New(),
		Attempts:    DefaultMaxAttempts - 1,
		MaxAttempts: DefaultMaxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}
	data, err := json.Marshal(&job)
	require.NoError(t, err)
	_, err = srv.Lpush(KeyProcessing, string(data))
	require.NoError(t, err)

	reclaimed, err := q.ReclaimStale(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, reclaimed)

	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, job.VideoID, dead[0].VideoID)
	assert.Equal(t, DefaultMaxAttempts, dead[0].Attempts)

	n, err := q.Length(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
