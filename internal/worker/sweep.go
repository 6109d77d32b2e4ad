package worker

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/reelmint/reelmint/internal/models"
	"github.com/reelmint/reelmint/internal/queue"
)

// SweepStore is the database surface the reconciliation sweep needs.
type SweepStore interface {
	ListStalledQueued(ctx context.Context, olderThan time.Duration) ([]models.Video, error)
	BalanceOf(ctx context.Context, userID uuid.UUID) (int64, error)
	LedgerSum(ctx context.Context, userID uuid.UUID) (int64, error)
}

// Sweep re-enqueues videos that were charged and committed but never made
// it onto the queue (the admission enqueue happens after the commit, so a
// crash or redis outage in between strands the video in queued state).
// Re-enqueueing an already-delivered video is harmless: the pipeline
// re-checks persisted state and skips finished work.
func (w *Worker) Sweep(ctx context.Context) (int, error) {
	stalled, err := w.store.ListStalledQueued(ctx, w.sweepThreshold)
	if err != nil {
		return 0, err
	}

	requeued := 0
	checked := make(map[uuid.UUID]bool)
	for _, video := range stalled {
		if err := w.queue.Enqueue(ctx, queue.JobTypeGenerate, video.ID); err != nil {
			log.Printf("[Sweep] failed to re-enqueue video %s: %v", video.ID, err)
			continue
		}
		log.Printf("[Sweep] re-enqueued stalled video %s (queued since %s)",
			video.ID, video.CreatedAt.Format(time.RFC3339))
		requeued++

		if !checked[video.UserID] {
			checked[video.UserID] = true
			w.checkLedger(ctx, video.UserID)
		}
	}

	return requeued, nil
}

// checkLedger compares the cached balance against the recomputed ledger sum.
// A mismatch means a balance write escaped the ledger transaction — a bug
// worth shouting about, but not one the sweep can repair.
func (w *Worker) checkLedger(ctx context.Context, userID uuid.UUID) {
	balance, err := w.store.BalanceOf(ctx, userID)
	if err != nil {
		return
	}
	sum, err := w.store.LedgerSum(ctx, userID)
	if err != nil {
		return
	}
	if balance != sum {
		log.Printf("[Sweep] CRITICAL: balance drift for user %s: cached=%d ledger=%d",
			userID, balance, sum)
	}
}

func (w *Worker) sweepLoop(ctx context.Context) {
	if w.sweepInterval <= 0 {
		return
	}

	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.Sweep(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("[Sweep] error: %v", err)
				}
				continue
			}
			if n > 0 {
				log.Printf("[Sweep] recovered %d videos", n)
			}
		}
	}
}
