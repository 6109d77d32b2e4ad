package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelmint/reelmint/internal/db"
	"github.com/reelmint/reelmint/internal/models"
)

// memStore is an in-memory Store that mirrors the database's ledger
// semantics: per-user balances, idempotency-key dedup, and overdraft
// rejection under a single lock.
type memStore struct {
	mu       sync.Mutex
	balances map[uuid.UUID]int64
	entries  map[string]*models.LedgerEntry // keyed by idempotency key
	videos   map[uuid.UUID]*models.Video
	scenes   map[uuid.UUID]*models.Scene

	submitErr error
}

func newMemStore() *memStore {
	return &memStore{
		balances: make(map[uuid.UUID]int64),
		entries:  make(map[string]*models.LedgerEntry),
		videos:   make(map[uuid.UUID]*models.Video),
		scenes:   make(map[uuid.UUID]*models.Scene),
	}
}

func (m *memStore) applyLocked(entry *models.LedgerEntry) error {
	if existing, ok := m.entries[entry.IdempotencyKey]; ok {
		if existing.Delta != entry.Delta || existing.Reason != entry.Reason {
			return fmt.Errorf("key %s: %w", entry.IdempotencyKey, db.ErrLedgerConflict)
		}
		return nil // replay, no-op
	}
	balance, ok := m.balances[entry.UserID]
	if !ok {
		return db.ErrNotFound
	}
	if entry.Delta < 0 && balance+entry.Delta < 0 {
		return &db.InsufficientBalanceError{Required: -entry.Delta, Available: balance}
	}
	m.entries[entry.IdempotencyKey] = entry
	m.balances[entry.UserID] = balance + entry.Delta
	return nil
}

func (m *memStore) SubmitVideo(ctx context.Context, video *models.Video, cost int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitErr != nil {
		return m.submitErr
	}
	err := m.applyLocked(&models.LedgerEntry{
		ID:             uuid.New(),
		UserID:         video.UserID,
		Delta:          -cost,
		Reason:         models.ReasonVideoCharge,
		VideoID:        &video.ID,
		IdempotencyKey: fmt.Sprintf("charge:%s", video.ID),
	})
	if err != nil {
		return err
	}
	video.CostCharged = cost
	m.videos[video.ID] = video
	return nil
}

func (m *memStore) ApplyEntry(ctx context.Context, entry *models.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyLocked(entry)
}

func (m *memStore) GetVideo(ctx context.Context, id uuid.UUID) (*models.Video, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.videos[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return v, nil
}

func (m *memStore) GetScene(ctx context.Context, videoID uuid.UUID, sceneIndex int) (*models.Scene, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.scenes {
		if s.VideoID == videoID && s.SceneIndex == sceneIndex {
			return s, nil
		}
	}
	return nil, db.ErrNotFound
}

func (m *memStore) UpdateSceneImage(ctx context.Context, sceneID uuid.UUID, imageURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scenes[sceneID]
	if !ok {
		return db.ErrNotFound
	}
	s.ImageURL = &imageURL
	return nil
}

func (m *memStore) UpdateSceneAnimated(ctx context.Context, sceneID uuid.UUID, animated bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scenes[sceneID]
	if !ok {
		return db.ErrNotFound
	}
	s.Animated = animated
	return nil
}

func (m *memStore) UpdateVideoStatus(ctx context.Context, id uuid.UUID, status models.VideoStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.videos[id]
	if !ok {
		return db.ErrNotFound
	}
	if v.Status.Terminal() {
		return db.ErrNotFound
	}
	v.Status = status
	return nil
}

func (m *memStore) balance(userID uuid.UUID) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID]
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []string // "type:videoID"
	err  error
}

func (q *fakeQueue) Enqueue(ctx context.Context, jobType string, videoID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, fmt.Sprintf("%s:%s", jobType, videoID))
	return nil
}

type fakeImages struct {
	url   string
	err   error
	calls int
}

func (f *fakeImages) Generate(ctx context.Context, prompt, stylePreset string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.url, nil
}

func TestCostTable(t *testing.T) {
	cases := []struct {
		style    string
		duration int
		want     int64
	}{
		{"cinematic", 60, 10},
		{"minimal", 30, 6},
		{"dramatic", 90, 12},
		{"sketch", 60, 8},
	}
	for _, tc := range cases {
		got, err := Cost(tc.style, tc.duration)
		require.NoError(t, err, "%s/%d", tc.style, tc.duration)
		assert.Equal(t, tc.want, got, "%s/%d", tc.style, tc.duration)
	}
}

func TestCostRejectsUnknownInputs(t *testing.T) {
	_, err := Cost("vaporwave", 60)
	assert.ErrorIs(t, err, ErrInvalidParameters)

	_, err = Cost("cinematic", 45)
	assert.ErrorIs(t, err, ErrInvalidParameters)
}

func TestSubmitDebitsAndEnqueues(t *testing.T) {
	store := newMemStore()
	userID := uuid.New()
	store.balances[userID] = 25
	q := &fakeQueue{}
	svc := New(store, q, &fakeImages{})

	receipt, err := svc.Submit(context.Background(), userID, models.SubmitVideoRequest{
		Topic:           "the history of lighthouses",
		VisualStyle:     "cinematic",
		DurationSeconds: 60,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10), receipt.TokensCharged)
	assert.Equal(t, models.VideoStatusQueued, receipt.Status)
	assert.Equal(t, int64(15), store.balance(userID))
	require.Len(t, q.jobs, 1)
	assert.Equal(t, fmt.Sprintf("generate:%s", receipt.VideoID), q.jobs[0])
}

func TestSubmitInsufficientBalance(t *testing.T) {
	store := newMemStore()
	userID := uuid.New()
	store.balances[userID] = 9 // one token short of cinematic/60
	q := &fakeQueue{}
	svc := New(store, q, &fakeImages{})

	_, err := svc.Submit(context.Background(), userID, models.SubmitVideoRequest{
		Topic:           "deep sea creatures",
		VisualStyle:     "cinematic",
		DurationSeconds: 60,
	})
	var insufficient *db.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(10), insufficient.Required)
	assert.Equal(t, int64(9), insufficient.Available)

	// Nothing charged, nothing enqueued.
	assert.Equal(t, int64(9), store.balance(userID))
	assert.Empty(t, q.jobs)
}

func TestSubmitUnknownUser(t *testing.T) {
	store := newMemStore()
	svc := New(store, &fakeQueue{}, &fakeImages{})

	_, err := svc.Submit(context.Background(), uuid.New(), models.SubmitVideoRequest{
		Topic:           "volcanoes",
		VisualStyle:     "minimal",
		DurationSeconds: 30,
	})
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestSubmitEnqueueFailureKeepsCharge(t *testing.T) {
	store := newMemStore()
	userID := uuid.New()
	store.balances[userID] = 20
	q := &fakeQueue{err: errors.New("redis down")}
	svc := New(store, q, &fakeImages{})

	receipt, err := svc.Submit(context.Background(), userID, models.SubmitVideoRequest{
		Topic:           "ancient trade routes",
		VisualStyle:     "minimal",
		DurationSeconds: 30,
	})
	// The charge committed before the enqueue, so the caller still gets a
	// receipt and the sweep is responsible for delivery.
	require.NoError(t, err)
	assert.Equal(t, int64(6), receipt.TokensCharged)
	assert.Equal(t, int64(14), store.balance(userID))

	video, err := store.GetVideo(context.Background(), receipt.VideoID)
	require.NoError(t, err)
	assert.Equal(t, models.VideoStatusQueued, video.Status)
}

func TestSubmitConcurrentNoOverdraft(t *testing.T) {
	store := newMemStore()
	userID := uuid.New()
	store.balances[userID] = 10 // enough for exactly one cinematic/60
	svc := New(store, &fakeQueue{}, &fakeImages{})

	const attempts = 8
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Submit(context.Background(), userID, models.SubmitVideoRequest{
				Topic:           "parallel submissions",
				VisualStyle:     "cinematic",
				DurationSeconds: 60,
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, rejected int
	for err := range results {
		if err == nil {
			ok++
			continue
		}
		var insufficient *db.InsufficientBalanceError
		require.ErrorAs(t, err, &insufficient)
		rejected++
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, attempts-1, rejected)
	assert.Equal(t, int64(0), store.balance(userID))
}

func newPreviewVideo(store *memStore, userID uuid.UUID) (*models.Video, *models.Scene) {
	video := &models.Video{
		ID:     uuid.New(),
		UserID: userID,
		Style:  "cinematic",
		Status: models.VideoStatusPreviewReady,
	}
	store.videos[video.ID] = video
	scene := &models.Scene{
		ID:          uuid.New(),
		VideoID:     video.ID,
		SceneIndex:  0,
		Text:        "opening shot",
		ImagePrompt: "a lighthouse at dusk",
	}
	store.scenes[scene.ID] = scene
	return video, scene
}

func TestRegenerateSlideChargesAndUpdates(t *testing.T) {
	store := newMemStore()
	userID := uuid.New()
	store.balances[userID] = 5
	video, _ := newPreviewVideo(store, userID)
	images := &fakeImages{url: "https://cdn.example.com/images/new.png"}
	svc := New(store, &fakeQueue{}, images)

	scene, charged, err := svc.RegenerateSlide(context.Background(), userID, video.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, SlideRegenCost, charged)
	require.NotNil(t, scene.ImageURL)
	assert.Equal(t, images.url, *scene.ImageURL)
	assert.Equal(t, int64(4), store.balance(userID))
}

func TestRegenerateSlideRefundsOnProviderFailure(t *testing.T) {
	store := newMemStore()
	userID := uuid.New()
	store.balances[userID] = 5
	video, _ := newPreviewVideo(store, userID)
	images := &fakeImages{err: errors.New("image service unavailable")}
	svc := New(store, &fakeQueue{}, images)

	_, _, err := svc.RegenerateSlide(context.Background(), userID, video.ID, 0)
	require.Error(t, err)
	// Charge was issued then refunded: net zero.
	assert.Equal(t, int64(5), store.balance(userID))
}

func TestRegenerateSlideRejectsWrongOwner(t *testing.T) {
	store := newMemStore()
	owner := uuid.New()
	store.balances[owner] = 5
	video, _ := newPreviewVideo(store, owner)
	svc := New(store, &fakeQueue{}, &fakeImages{})

	_, _, err := svc.RegenerateSlide(context.Background(), uuid.New(), video.ID, 0)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestRegenerateSlideRejectsNonPreviewStatus(t *testing.T) {
	store := newMemStore()
	userID := uuid.New()
	store.balances[userID] = 5
	video, _ := newPreviewVideo(store, userID)
	video.Status = models.VideoStatusCompleted
	svc := New(store, &fakeQueue{}, &fakeImages{})

	_, _, err := svc.RegenerateSlide(context.Background(), userID, video.ID, 0)
	assert.ErrorIs(t, err, ErrVideoNotEditable)
}

func TestSetSlideAnimationTogglesAndRefunds(t *testing.T) {
	store := newMemStore()
	userID := uuid.New()
	store.balances[userID] = 5
	video, scene := newPreviewVideo(store, userID)
	svc := New(store, &fakeQueue{}, &fakeImages{})
	ctx := context.Background()

	// Toggle on: debit.
	got, charged, err := svc.SetSlideAnimation(ctx, userID, video.ID, 0, true)
	require.NoError(t, err)
	assert.Equal(t, -SlideAnimateCost, charged)
	assert.True(t, got.Animated)
	assert.Equal(t, int64(3), store.balance(userID))

	// Same state again: no-op, no charge.
	_, charged, err = svc.SetSlideAnimation(ctx, userID, video.ID, 0, true)
	require.NoError(t, err)
	assert.Equal(t, int64(0), charged)
	assert.Equal(t, int64(3), store.balance(userID))

	// Toggle off: full credit back.
	got, charged, err = svc.SetSlideAnimation(ctx, userID, video.ID, 0, false)
	require.NoError(t, err)
	assert.Equal(t, SlideAnimateCost, charged)
	assert.False(t, got.Animated)
	assert.Equal(t, int64(5), store.balance(userID))
	assert.False(t, scene.Animated)
}

func TestFinalizeMovesToFinalizingAndEnqueues(t *testing.T) {
	store := newMemStore()
	userID := uuid.New()
	store.balances[userID] = 5
	video, _ := newPreviewVideo(store, userID)
	q := &fakeQueue{}
	svc := New(store, q, &fakeImages{})

	got, err := svc.Finalize(context.Background(), userID, video.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VideoStatusFinalizing, got.Status)
	require.Len(t, q.jobs, 1)
	assert.Equal(t, fmt.Sprintf("finalize:%s", video.ID), q.jobs[0])

	// No extra charge for finalize.
	assert.Equal(t, int64(5), store.balance(userID))
}

func TestFinalizeEnqueueFailureLeavesVideoRetryable(t *testing.T) {
	store := newMemStore()
	userID := uuid.New()
	store.balances[userID] = 5
	video, _ := newPreviewVideo(store, userID)
	q := &fakeQueue{err: errors.New("redis down")}
	svc := New(store, q, &fakeImages{})

	_, err := svc.Finalize(context.Background(), userID, video.ID)
	require.Error(t, err)

	// Unlike Submit there is no sweep watching this transition, so the
	// video must stay preview_ready for the client to retry.
	got, err := store.GetVideo(context.Background(), video.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VideoStatusPreviewReady, got.Status)

	// A working queue makes the retry succeed.
	q.err = nil
	finalized, err := svc.Finalize(context.Background(), userID, video.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VideoStatusFinalizing, finalized.Status)
	require.Len(t, q.jobs, 1)
}

func TestFinalizeRejectsNonPreviewStatus(t *testing.T) {
	store := newMemStore()
	userID := uuid.New()
	video, _ := newPreviewVideo(store, userID)
	video.Status = models.VideoStatusProcessing
	svc := New(store, &fakeQueue{}, &fakeImages{})

	_, err := svc.Finalize(context.Background(), userID, video.ID)
	assert.ErrorIs(t, err, ErrVideoNotEditable)
}
