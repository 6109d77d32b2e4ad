package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	// KeyReady holds jobs waiting for a worker.
	KeyReady = "queue:videos"
	// KeyProcessing holds in-flight jobs. Dequeue moves the payload here
	// atomically (BRPOPLPUSH) so a crashed worker leaves evidence behind.
	KeyProcessing = "queue:videos:processing"
	// KeyDelayed is a sorted set of retrying jobs scored by their ready time.
	KeyDelayed = "queue:videos:delayed"
	// KeyDead holds jobs that exhausted all attempts, for operator inspection.
	KeyDead = "queue:videos:dead"
	// keyClaimPrefix + job ID marks a job as owned by a live worker. The key
	// expires after claimTTL; a processing entry without a claim belongs to a
	// worker that died and is eligible for reclaim.
	keyClaimPrefix = "queue:videos:claim:"

	DefaultMaxAttempts = 3

	// Must outlast the longest job a worker can legitimately hold, render
	// polling included.
	claimTTL = 15 * time.Minute
)

var (
	retryBaseDelay = 5 * time.Second
	retryMaxDelay  = 5 * time.Minute
)

// Job types understood by the worker.
const (
	JobTypeGenerate = "generate"
	JobTypeFinalize = "finalize"
)

// Job carries only the video ID and retry bookkeeping. The video row is
// the source of truth; the payload never duplicates pipeline state.
type Job struct {
	ID          uuid.UUID `json:"id"`
	Type        string    `json:"type"`
	VideoID     uuid.UUID `json:"video_id"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	LastError   string    `json:"last_error,omitempty"`
	EnqueuedAt  time.Time `json:"enqueued_at"`

	raw string // payload as stored in redis, needed to LREM from processing
}

type Queue struct {
	client *redis.Client
}

func New(redisURL string) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Queue{client: client}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// Enqueue pushes a generation job for a video.
func (q *Queue) Enqueue(ctx context.Context, jobType string, videoID uuid.UUID) error {
	job := &Job{
		ID:          uuid.New(),
		Type:        jobType,
		VideoID:     videoID,
		MaxAttempts: DefaultMaxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	return q.client.RPush(ctx, KeyReady, data).Err()
}

// Dequeue blocks up to timeout for a job, moving it to the processing list
// so delivery is at-least-once: a job is only removed by Ack or Fail.
// Returns (nil, nil) when no job arrived before the timeout.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	payload, err := q.client.BRPopLPush(ctx, KeyReady, KeyProcessing, timeout).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		// Unparseable payload: drop it from processing so it doesn't wedge the queue.
		q.client.LRem(ctx, KeyProcessing, 1, payload)
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	job.raw = payload

	// Best effort: without the claim the job just becomes eligible for
	// reclaim early, which the idempotent pipeline stages absorb.
	q.client.Set(ctx, claimKey(job.ID), 1, claimTTL)

	return &job, nil
}

func claimKey(jobID uuid.UUID) string {
	return keyClaimPrefix + jobID.String()
}

// Ack removes a finished job from the processing list.
func (q *Queue) Ack(ctx context.Context, job *Job) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, KeyProcessing, 1, job.raw)
	pipe.Del(ctx, claimKey(job.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack job: %w", err)
	}
	return nil
}

// Fail records a failed attempt. The job is rescheduled with exponential
// backoff until MaxAttempts is exhausted, then moved to the dead-letter
// list with its last error attached.
func (q *Queue) Fail(ctx context.Context, job *Job, jobErr error) error {
	job.Attempts++
	if jobErr != nil {
		job.LastError = jobErr.Error()
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, KeyProcessing, 1, job.raw)
	pipe.Del(ctx, claimKey(job.ID))

	if job.Attempts >= job.MaxAttempts {
		pipe.RPush(ctx, KeyDead, data)
	} else {
		readyAt := time.Now().Add(backoffDelay(job.Attempts))
		pipe.ZAdd(ctx, KeyDelayed, &redis.Z{
			Score:  float64(readyAt.UnixMilli()),
			Member: data,
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to reschedule job: %w", err)
	}

	return nil
}

// PromoteDue moves retrying jobs whose backoff has elapsed back onto the
// ready list. Called periodically by the worker.
func (q *Queue) PromoteDue(ctx context.Context) (int, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)

	payloads, err := q.client.ZRangeByScore(ctx, KeyDelayed, &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read delayed jobs: %w", err)
	}

	promoted := 0
	for _, payload := range payloads {
		// Remove before pushing: if another worker raced us, ZRem returns 0
		// and we skip the push, so a job is promoted exactly once.
		removed, err := q.client.ZRem(ctx, KeyDelayed, payload).Result()
		if err != nil {
			return promoted, fmt.Errorf("failed to remove delayed job: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := q.client.RPush(ctx, KeyReady, payload).Err(); err != nil {
			return promoted, fmt.Errorf("failed to promote job: %w", err)
		}
		promoted++
	}

	return promoted, nil
}

// ReclaimStale returns jobs stranded on the processing list by a dead
// worker. An entry whose claim key has expired (or was never written) has
// no live owner; it goes back to the ready list, or to the dead-letter list
// once its attempts are spent, so a crash-looping payload cannot cycle
// forever. Requeueing a job another worker already finished is harmless:
// the pipeline revalidates the video's status before doing any work.
func (q *Queue) ReclaimStale(ctx context.Context) (int, error) {
	payloads, err := q.client.LRange(ctx, KeyProcessing, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read processing jobs: %w", err)
	}

	reclaimed := 0
	for _, payload := range payloads {
		var job Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			q.client.LRem(ctx, KeyProcessing, 1, payload)
			continue
		}

		exists, err := q.client.Exists(ctx, claimKey(job.ID)).Result()
		if err != nil {
			return reclaimed, fmt.Errorf("failed to check claim: %w", err)
		}
		if exists > 0 {
			continue // still owned by a live worker
		}

		// Remove before pushing, as in PromoteDue: a rival reclaimer that
		// lost the LRem race skips the push.
		removed, err := q.client.LRem(ctx, KeyProcessing, 1, payload).Result()
		if err != nil {
			return reclaimed, fmt.Errorf("failed to remove stale job: %w", err)
		}
		if removed == 0 {
			continue
		}

		job.Attempts++
		job.LastError = "worker lost before ack"
		data, err := json.Marshal(&job)
		if err != nil {
			return reclaimed, fmt.Errorf("failed to marshal reclaimed job: %w", err)
		}

		dest := KeyReady
		if job.Attempts >= job.MaxAttempts {
			dest = KeyDead
		}
		if err := q.client.RPush(ctx, dest, data).Err(); err != nil {
			return reclaimed, fmt.Errorf("failed to requeue stale job: %w", err)
		}
		reclaimed++
	}

	return reclaimed, nil
}

// DeadLetters returns up to limit dead-lettered jobs for inspection.
func (q *Queue) DeadLetters(ctx context.Context, limit int64) ([]Job, error) {
	payloads, err := q.client.LRange(ctx, KeyDead, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letters: %w", err)
	}

	jobs := make([]Job, 0, len(payloads))
	for _, payload := range payloads {
		var job Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

func (q *Queue) Length(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, KeyReady).Result()
}

// backoffDelay returns the wait before retry n (1-based): 5s, 10s, 20s, ...
// capped at retryMaxDelay.
func backoffDelay(attempt int) time.Duration {
	delay := retryBaseDelay << (attempt - 1)
	if delay > retryMaxDelay || delay <= 0 {
		return retryMaxDelay
	}
	return delay
}
