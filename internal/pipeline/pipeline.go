package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/reelmint/reelmint/internal/models"
	"github.com/reelmint/reelmint/internal/providers"
	"github.com/reelmint/reelmint/internal/queue"
)

// Stage names, used in error codes and logs.
const (
	StageScript = "script"
	StageImages = "images"
	StageVoice  = "voice"
	StageRender = "render"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultPollAttempts = 60
)

// StageError is a pipeline failure tagged with the stage it came from.
// Terminal errors mean the video has already been marked failed and
// refunded — the job must be acked, not retried.
type StageError struct {
	Stage    string
	Err      error
	Terminal bool
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Store is the slice of the database the orchestrator needs.
type Store interface {
	GetVideo(ctx context.Context, id uuid.UUID) (*models.Video, error)
	GetVideoScenes(ctx context.Context, videoID uuid.UUID) ([]models.Scene, error)
	CreateScenes(ctx context.Context, scenes []models.Scene) error
	UpdateSceneImage(ctx context.Context, sceneID uuid.UUID, imageURL string) error
	UpdateVideoStatus(ctx context.Context, id uuid.UUID, status models.VideoStatus) error
	UpdateVideoError(ctx context.Context, id uuid.UUID, errorCode, errorMessage string) error
	SetVideoNarration(ctx context.Context, id uuid.UUID, narration string) error
	SetVideoVoiceover(ctx context.Context, id uuid.UUID, audioURL string) error
	SetVideoRenderID(ctx context.Context, id uuid.UUID, renderID string) error
	SetVideoCompleted(ctx context.Context, id uuid.UUID, videoURL, thumbnailURL string) error
	ApplyEntry(ctx context.Context, entry *models.LedgerEntry) error
}

// Sleeper waits for a duration or until the context is cancelled. Tests
// inject an instant version so render-poll timeouts run in microseconds.
type Sleeper func(ctx context.Context, d time.Duration) error

func realSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Orchestrator drives one video through the generation stages. Every stage
// checks persisted state before doing work, so a redelivered or resumed job
// skips whatever already succeeded instead of regenerating (and the ledger's
// idempotency keys make the refund path safe to hit twice).
type Orchestrator struct {
	store  Store
	script providers.ScriptProvider
	images providers.ImageProvider
	voice  providers.VoiceProvider
	render providers.RenderProvider

	voiceID        string
	placeholderURL string // base URL for the fallback slide image

	pollInterval time.Duration
	pollAttempts int
	sleep        Sleeper
}

type Option func(*Orchestrator)

// WithPolling overrides the render poll cadence and ceiling.
func WithPolling(interval time.Duration, attempts int) Option {
	return func(o *Orchestrator) {
		o.pollInterval = interval
		o.pollAttempts = attempts
	}
}

// WithSleeper replaces the real clock, for tests.
func WithSleeper(s Sleeper) Option {
	return func(o *Orchestrator) {
		o.sleep = s
	}
}

func New(store Store, script providers.ScriptProvider, images providers.ImageProvider, voice providers.VoiceProvider, render providers.RenderProvider, voiceID, placeholderURL string, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:          store,
		script:         script,
		images:         images,
		voice:          voice,
		render:         render,
		voiceID:        voiceID,
		placeholderURL: placeholderURL,
		pollInterval:   defaultPollInterval,
		pollAttempts:   defaultPollAttempts,
		sleep:          realSleep,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes one job. Returns nil when the video reached a stopping point
// (completed, preview_ready, or already terminal); a *StageError otherwise.
func (o *Orchestrator) Run(ctx context.Context, jobType string, videoID uuid.UUID) error {
	video, err := o.store.GetVideo(ctx, videoID)
	if err != nil {
		return &StageError{Stage: "load", Err: err}
	}

	// Redeliveries of finished work are no-ops.
	if video.Status.Terminal() {
		log.Printf("[Pipeline] video %s already %s, skipping", videoID, video.Status)
		return nil
	}

	switch jobType {
	case queue.JobTypeGenerate:
		return o.runGenerate(ctx, video)
	case queue.JobTypeFinalize:
		return o.runFinalize(ctx, video)
	default:
		return &StageError{Stage: "load", Err: fmt.Errorf("unknown job type %q", jobType), Terminal: true}
	}
}

func (o *Orchestrator) runGenerate(ctx context.Context, video *models.Video) error {
	// A generate job redelivered after the preview stop has nothing to do;
	// the render phase belongs to the finalize job.
	if video.Status == models.VideoStatusPreviewReady || video.Status == models.VideoStatusFinalizing {
		log.Printf("[Pipeline] video %s is %s, generate job is stale", video.ID, video.Status)
		return nil
	}

	if video.Status == models.VideoStatusQueued {
		if err := o.store.UpdateVideoStatus(ctx, video.ID, models.VideoStatusProcessing); err != nil {
			return &StageError{Stage: StageScript, Err: err}
		}
	}

	scenes, err := o.ensureScript(ctx, video)
	if err != nil {
		return err
	}

	scenes, err = o.ensureImages(ctx, video, scenes)
	if err != nil {
		return err
	}

	if err := o.ensureVoiceover(ctx, video); err != nil {
		return err
	}

	if video.PreviewRequested {
		if err := o.store.UpdateVideoStatus(ctx, video.ID, models.VideoStatusPreviewReady); err != nil {
			return &StageError{Stage: StageVoice, Err: err}
		}
		log.Printf("[Pipeline] video %s paused at preview", video.ID)
		return nil
	}

	return o.runRender(ctx, video, scenes)
}

func (o *Orchestrator) runFinalize(ctx context.Context, video *models.Video) error {
	scenes, err := o.store.GetVideoScenes(ctx, video.ID)
	if err != nil {
		return &StageError{Stage: StageRender, Err: err}
	}
	return o.runRender(ctx, video, scenes)
}

// ensureScript returns the video's scenes, generating script and scene plans
// first if the script stage hasn't run yet.
func (o *Orchestrator) ensureScript(ctx context.Context, video *models.Video) ([]models.Scene, error) {
	scenes, err := o.store.GetVideoScenes(ctx, video.ID)
	if err != nil {
		return nil, &StageError{Stage: StageScript, Err: err}
	}
	if video.NarrationText != nil && len(scenes) > 0 {
		return scenes, nil // resumed job, script already persisted
	}

	log.Printf("[Pipeline] video %s: generating script", video.ID)
	result, err := o.script.Generate(ctx, video.Topic, video.DurationSeconds)
	if err != nil {
		return nil, o.failVideo(ctx, video, StageScript, "script_failed", err)
	}

	scenes = make([]models.Scene, len(result.Scenes))
	for i, plan := range result.Scenes {
		scenes[i] = models.Scene{
			ID:          uuid.New(),
			VideoID:     video.ID,
			SceneIndex:  i,
			Text:        plan.Text,
			ImagePrompt: plan.ImagePrompt,
		}
	}
	if err := o.store.CreateScenes(ctx, scenes); err != nil {
		return nil, &StageError{Stage: StageScript, Err: err}
	}
	if err := o.store.SetVideoNarration(ctx, video.ID, result.Narration); err != nil {
		return nil, &StageError{Stage: StageScript, Err: err}
	}
	video.NarrationText = &result.Narration

	// Re-read: a concurrent redelivery may have won the scene insert.
	persisted, err := o.store.GetVideoScenes(ctx, video.ID)
	if err != nil {
		return nil, &StageError{Stage: StageScript, Err: err}
	}
	return persisted, nil
}

// ensureImages fills in every scene that lacks an image, in parallel. A
// scene whose generation fails even after one extra attempt gets the
// deterministic placeholder — the timeline never loses a slot.
func (o *Orchestrator) ensureImages(ctx context.Context, video *models.Video, scenes []models.Scene) ([]models.Scene, error) {
	g, gctx := errgroup.WithContext(ctx)

	for i := range scenes {
		if scenes[i].ImageURL != nil {
			continue
		}
		scene := &scenes[i]
		g.Go(func() error {
			url, err := o.images.Generate(gctx, scene.ImagePrompt, video.Style)
			if err != nil {
				log.Printf("[Pipeline] video %s scene %d: image failed (%v), retrying once", video.ID, scene.SceneIndex, err)
				url, err = o.images.Generate(gctx, scene.ImagePrompt, video.Style)
			}
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				url = o.placeholderImage(video.Style)
				log.Printf("[Pipeline] video %s scene %d: using placeholder image", video.ID, scene.SceneIndex)
			}
			if err := o.store.UpdateSceneImage(gctx, scene.ID, url); err != nil {
				return err
			}
			scene.ImageURL = &url
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, &StageError{Stage: StageImages, Err: err}
	}
	return scenes, nil
}

func (o *Orchestrator) placeholderImage(style string) string {
	return fmt.Sprintf("%s/placeholders/%s.png", o.placeholderURL, style)
}

func (o *Orchestrator) ensureVoiceover(ctx context.Context, video *models.Video) error {
	if video.VoiceoverURL != nil {
		return nil
	}
	narration := ""
	if video.NarrationText != nil {
		narration = *video.NarrationText
	}

	log.Printf("[Pipeline] video %s: synthesizing voiceover", video.ID)
	audioURL, err := o.voice.Synthesize(ctx, narration, o.voiceID)
	if err != nil {
		return o.failVideo(ctx, video, StageVoice, "voiceover_failed", err)
	}
	if err := o.store.SetVideoVoiceover(ctx, video.ID, audioURL); err != nil {
		return &StageError{Stage: StageVoice, Err: err}
	}
	video.VoiceoverURL = &audioURL
	return nil
}

func (o *Orchestrator) runRender(ctx context.Context, video *models.Video, scenes []models.Scene) error {
	renderID := ""
	if video.RenderID != nil {
		renderID = *video.RenderID
	}

	if renderID == "" {
		timeline := buildTimeline(video, scenes)
		log.Printf("[Pipeline] video %s: submitting render (%d scenes)", video.ID, len(timeline.Scenes))
		id, err := o.render.Submit(ctx, timeline)
		if err != nil {
			return o.failVideo(ctx, video, StageRender, "render_failed", err)
		}
		if err := o.store.SetVideoRenderID(ctx, video.ID, id); err != nil {
			return &StageError{Stage: StageRender, Err: err}
		}
		renderID = id
	}

	for attempt := 0; attempt < o.pollAttempts; attempt++ {
		status, err := o.render.PollStatus(ctx, renderID)
		if err != nil {
			// The render ID is persisted, so a retried job resumes polling
			// instead of paying for a fresh render.
			return &StageError{Stage: StageRender, Err: err}
		}

		switch status.State {
		case providers.RenderStateSucceeded:
			thumbnail := firstImageURL(scenes)
			if err := o.store.SetVideoCompleted(ctx, video.ID, status.URL, thumbnail); err != nil {
				return &StageError{Stage: StageRender, Err: err}
			}
			log.Printf("[Pipeline] video %s completed", video.ID)
			return nil
		case providers.RenderStateFailed:
			return o.failVideo(ctx, video, StageRender, "render_failed",
				fmt.Errorf("render %s failed: %s", renderID, status.Error))
		}

		if err := o.sleep(ctx, o.pollInterval); err != nil {
			return &StageError{Stage: StageRender, Err: err}
		}
	}

	return o.failVideo(ctx, video, StageRender, "render_timeout",
		fmt.Errorf("render %s still pending after %d polls", renderID, o.pollAttempts))
}

// failVideo marks the video failed and refunds the full charge. The refund's
// idempotency key is derived from the video ID, so a redelivered job that
// fails the same video again credits nothing.
func (o *Orchestrator) failVideo(ctx context.Context, video *models.Video, stage, code string, cause error) error {
	if err := o.store.UpdateVideoError(ctx, video.ID, code, cause.Error()); err != nil {
		// Couldn't persist the failure; retry the job rather than refunding
		// a video that may still look live.
		return &StageError{Stage: stage, Err: errors.Join(cause, err)}
	}

	if video.CostCharged > 0 {
		refund := &models.LedgerEntry{
			ID:             uuid.New(),
			UserID:         video.UserID,
			Delta:          video.CostCharged,
			Reason:         models.ReasonVideoRefund,
			VideoID:        &video.ID,
			IdempotencyKey: fmt.Sprintf("refund:%s", video.ID),
		}
		if err := o.store.ApplyEntry(ctx, refund); err != nil {
			log.Printf("[Pipeline] CRITICAL: refund failed for video %s: %v", video.ID, err)
		} else {
			log.Printf("[Pipeline] video %s: refunded %d tokens", video.ID, video.CostCharged)
		}
	}

	return &StageError{Stage: stage, Err: cause, Terminal: true}
}

func buildTimeline(video *models.Video, scenes []models.Scene) *providers.Timeline {
	perScene := float64(video.DurationSeconds)
	if len(scenes) > 0 {
		perScene = float64(video.DurationSeconds) / float64(len(scenes))
	}

	timeline := &providers.Timeline{
		TotalSeconds: video.DurationSeconds,
		Scenes:       make([]providers.TimelineScene, 0, len(scenes)),
	}
	if video.VoiceoverURL != nil {
		timeline.AudioURL = *video.VoiceoverURL
	}
	for _, s := range scenes {
		ts := providers.TimelineScene{
			Caption:  s.Text,
			Seconds:  perScene,
			Animated: s.Animated,
		}
		if s.ImageURL != nil {
			ts.ImageURL = *s.ImageURL
		}
		timeline.Scenes = append(timeline.Scenes, ts)
	}
	return timeline
}

func firstImageURL(scenes []models.Scene) string {
	for _, s := range scenes {
		if s.ImageURL != nil {
			return *s.ImageURL
		}
	}
	return ""
}
