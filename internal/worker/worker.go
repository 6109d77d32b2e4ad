package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/reelmint/reelmint/internal/pipeline"
	"github.com/reelmint/reelmint/internal/queue"
)

const (
	dequeueTimeout         = 5 * time.Second
	defaultPromoteInterval = 5 * time.Second
)

// JobQueue is the queue surface the worker consumes.
type JobQueue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*queue.Job, error)
	Ack(ctx context.Context, job *queue.Job) error
	Fail(ctx context.Context, job *queue.Job, jobErr error) error
	PromoteDue(ctx context.Context) (int, error)
	ReclaimStale(ctx context.Context) (int, error)
	Enqueue(ctx context.Context, jobType string, videoID uuid.UUID) error
}

// Runner executes one job's pipeline.
type Runner interface {
	Run(ctx context.Context, jobType string, videoID uuid.UUID) error
}

// Worker pulls jobs off the queue and runs them through the pipeline with
// bounded concurrency. It also promotes due retries, reclaims jobs stranded
// by dead workers, and periodically sweeps
// for videos stranded by the enqueue-after-commit gap.
type Worker struct {
	queue  JobQueue
	runner Runner
	store  SweepStore

	concurrency     int64
	promoteInterval time.Duration
	sweepInterval   time.Duration
	sweepThreshold  time.Duration
}

func New(q JobQueue, runner Runner, store SweepStore, concurrency int, sweepInterval, sweepThreshold time.Duration) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		queue:           q,
		runner:          runner,
		store:           store,
		concurrency:     int64(concurrency),
		promoteInterval: defaultPromoteInterval,
		sweepInterval:   sweepInterval,
		sweepThreshold:  sweepThreshold,
	}
}

// Start runs the worker until ctx is cancelled. It blocks; callers run it
// in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	log.Printf("[Worker] starting (concurrency=%d)", w.concurrency)

	go w.promoteLoop(ctx)
	go w.sweepLoop(ctx)

	sem := semaphore.NewWeighted(w.concurrency)
	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			return // ctx cancelled
		}

		job, err := w.queue.Dequeue(ctx, dequeueTimeout)
		if err != nil {
			sem.Release(1)
			if ctx.Err() != nil {
				return
			}
			log.Printf("[Worker] dequeue error: %v", err)
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			sem.Release(1)
			continue // timed out waiting, loop again
		}

		go func(job *queue.Job) {
			defer sem.Release(1)
			w.handle(ctx, job)
		}(job)
	}
}

func (w *Worker) handle(ctx context.Context, job *queue.Job) {
	log.Printf("[Worker] job %s: %s video %s (attempt %d/%d)",
		job.ID, job.Type, job.VideoID, job.Attempts+1, job.MaxAttempts)

	err := w.runner.Run(ctx, job.Type, job.VideoID)
	if err == nil {
		if ackErr := w.queue.Ack(ctx, job); ackErr != nil {
			log.Printf("[Worker] job %s: ack failed: %v", job.ID, ackErr)
		}
		return
	}

	// Terminal pipeline failures already marked the video failed and issued
	// the refund — retrying would only replay a no-op, so ack and move on.
	var stageErr *pipeline.StageError
	if errors.As(err, &stageErr) && stageErr.Terminal {
		log.Printf("[Worker] job %s: terminal failure: %v", job.ID, err)
		if ackErr := w.queue.Ack(ctx, job); ackErr != nil {
			log.Printf("[Worker] job %s: ack failed: %v", job.ID, ackErr)
		}
		return
	}

	log.Printf("[Worker] job %s: transient failure: %v", job.ID, err)
	if failErr := w.queue.Fail(ctx, job, err); failErr != nil {
		log.Printf("[Worker] job %s: reschedule failed: %v", job.ID, failErr)
	}
}

func (w *Worker) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(w.promoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.queue.PromoteDue(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("[Worker] promote error: %v", err)
				}
				continue
			}
			if n > 0 {
				log.Printf("[Worker] promoted %d retrying jobs", n)
			}

			reclaimed, err := w.queue.ReclaimStale(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("[Worker] reclaim error: %v", err)
				}
				continue
			}
			if reclaimed > 0 {
				log.Printf("[Worker] reclaimed %d jobs from dead workers", reclaimed)
			}
		}
	}
}
