package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelmint/reelmint/internal/models"
	"github.com/reelmint/reelmint/internal/pipeline"
	"github.com/reelmint/reelmint/internal/queue"
)

type fakeJobQueue struct {
	acked    []uuid.UUID
	failed   []uuid.UUID
	enqueued []uuid.UUID
	failErrs []error
}

func (f *fakeJobQueue) Dequeue(ctx context.Context, timeout time.Duration) (*queue.Job, error) {
	return nil, nil
}

func (f *fakeJobQueue) Ack(ctx context.Context, job *queue.Job) error {
	f.acked = append(f.acked, job.ID)
	return nil
}

func (f *fakeJobQueue) Fail(ctx context.Context, job *queue.Job, jobErr error) error {
	f.failed = append(f.failed, job.ID)
	f.failErrs = append(f.failErrs, jobErr)
	return nil
}

func (f *fakeJobQueue) PromoteDue(ctx context.Context) (int, error) {
	return 0, nil
}

func (f *fakeJobQueue) ReclaimStale(ctx context.Context) (int, error) {
	return 0, nil
}

func (f *fakeJobQueue) Enqueue(ctx context.Context, jobType string, videoID uuid.UUID) error {
	f.enqueued = append(f.enqueued, videoID)
	return nil
}

type fakeRunner struct {
	err error
}

func (f *fakeRunner) Run(ctx context.Context, jobType string, videoID uuid.UUID) error {
	return f.err
}

type fakeSweepStore struct {
	stalled []models.Video
	err     error
}

func (f *fakeSweepStore) ListStalledQueued(ctx context.Context, olderThan time.Duration) ([]models.Video, error) {
	return f.stalled, f.err
}

func (f *fakeSweepStore) BalanceOf(ctx context.Context, userID uuid.UUID) (int64, error) {
	return 0, nil
}

func (f *fakeSweepStore) LedgerSum(ctx context.Context, userID uuid.UUID) (int64, error) {
	return 0, nil
}

func newJob() *queue.Job {
	return &queue.Job{
		ID:          uuid.New(),
		Type:        queue.JobTypeGenerate,
		VideoID:     uuid.New(),
		MaxAttempts: queue.DefaultMaxAttempts,
	}
}

func TestHandleAcksOnSuccess(t *testing.T) {
	q := &fakeJobQueue{}
	w := New(q, &fakeRunner{}, &fakeSweepStore{}, 2, 0, time.Minute)
	job := newJob()

	w.handle(context.Background(), job)

	assert.Equal(t, []uuid.UUID{job.ID}, q.acked)
	assert.Empty(t, q.failed)
}

func TestHandleAcksOnTerminalFailure(t *testing.T) {
	q := &fakeJobQueue{}
	runner := &fakeRunner{err: &pipeline.StageError{
		Stage:    pipeline.StageScript,
		Err:      errors.New("safety rejection"),
		Terminal: true,
	}}
	w := New(q, runner, &fakeSweepStore{}, 2, 0, time.Minute)
	job := newJob()

	// The video is already failed and refunded; retrying buys nothing.
	w.handle(context.Background(), job)

	assert.Equal(t, []uuid.UUID{job.ID}, q.acked)
	assert.Empty(t, q.failed)
}

func TestHandleFailsOnTransientError(t *testing.T) {
	q := &fakeJobQueue{}
	runner := &fakeRunner{err: &pipeline.StageError{
		Stage: pipeline.StageImages,
		Err:   errors.New("database unreachable"),
	}}
	w := New(q, runner, &fakeSweepStore{}, 2, 0, time.Minute)
	job := newJob()

	w.handle(context.Background(), job)

	assert.Empty(t, q.acked)
	require.Equal(t, []uuid.UUID{job.ID}, q.failed)
	assert.ErrorContains(t, q.failErrs[0], "database unreachable")
}

func TestSweepReenqueuesStalledVideos(t *testing.T) {
	stalled := []models.Video{
		{ID: uuid.New(), Status: models.VideoStatusQueued},
		{ID: uuid.New(), Status: models.VideoStatusQueued},
	}
	q := &fakeJobQueue{}
	w := New(q, &fakeRunner{}, &fakeSweepStore{stalled: stalled}, 2, 0, 10*time.Minute)

	n, err := w.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []uuid.UUID{stalled[0].ID, stalled[1].ID}, q.enqueued)
}

func TestSweepPropagatesStoreError(t *testing.T) {
	q := &fakeJobQueue{}
	w := New(q, &fakeRunner{}, &fakeSweepStore{err: errors.New("db down")}, 2, 0, time.Minute)

	_, err := w.Sweep(context.Background())
	assert.Error(t, err)
	assert.Empty(t, q.enqueued)
}
