package admission

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/reelmint/reelmint/internal/db"
	"github.com/reelmint/reelmint/internal/models"
	"github.com/reelmint/reelmint/internal/providers"
	"github.com/reelmint/reelmint/internal/queue"
)

// Cost table. Every chargeable feature resolves to a fixed token price;
// anything that doesn't resolve is rejected outright — an unrecognized
// style must never slip through as a zero charge.
var styleCosts = map[string]int64{
	"cinematic": 5,
	"dramatic":  5,
	"minimal":   3,
	"sketch":    3,
}

var durationCosts = map[int]int64{
	30: 3,
	60: 5,
	90: 7,
}

const (
	// SlideRegenCost is charged per single-slide image regeneration.
	SlideRegenCost int64 = 1
	// SlideAnimateCost is charged when a slide's animation is switched on,
	// and credited back in full when it is switched off.
	SlideAnimateCost int64 = 2
)

var (
	// ErrInvalidParameters rejects requests whose topic, style or duration
	// cannot be costed. Returned wrapped with the offending detail.
	ErrInvalidParameters = errors.New("invalid parameters")

	// ErrUserNotFound means the submitting user has no account record.
	ErrUserNotFound = errors.New("user not found")

	// ErrVideoNotEditable means a slide operation targeted a video that is
	// not paused at preview_ready.
	ErrVideoNotEditable = errors.New("video is not editable")
)

// Store is the slice of the database the admission service needs.
// *db.DB satisfies it; tests substitute an in-memory fake.
type Store interface {
	SubmitVideo(ctx context.Context, video *models.Video, cost int64) error
	ApplyEntry(ctx context.Context, entry *models.LedgerEntry) error
	GetVideo(ctx context.Context, id uuid.UUID) (*models.Video, error)
	GetScene(ctx context.Context, videoID uuid.UUID, sceneIndex int) (*models.Scene, error)
	UpdateSceneImage(ctx context.Context, sceneID uuid.UUID, imageURL string) error
	UpdateSceneAnimated(ctx context.Context, sceneID uuid.UUID, animated bool) error
	UpdateVideoStatus(ctx context.Context, id uuid.UUID, status models.VideoStatus) error
}

// Enqueuer hands committed work to the job queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, videoID uuid.UUID) error
}

// Receipt is what a successful submission returns to the caller.
type Receipt struct {
	VideoID       uuid.UUID
	Status        models.VideoStatus
	TokensCharged int64
}

// Service admits generation requests: it validates, costs, debits the
// ledger and inserts the video in one transaction, then enqueues the job
// strictly after commit.
type Service struct {
	store  Store
	queue  Enqueuer
	images providers.ImageProvider // used by single-slide regeneration
}

func New(store Store, q Enqueuer, images providers.ImageProvider) *Service {
	return &Service{
		store:  store,
		queue:  q,
		images: images,
	}
}

// Cost resolves the total token price for a style/duration pair.
func Cost(style string, durationSeconds int) (int64, error) {
	styleCost, ok := styleCosts[style]
	if !ok {
		return 0, fmt.Errorf("%w: unknown visual style %q", ErrInvalidParameters, style)
	}
	durationCost, ok := durationCosts[durationSeconds]
	if !ok {
		return 0, fmt.Errorf("%w: unsupported duration %d (allowed: 30, 60, 90)", ErrInvalidParameters, durationSeconds)
	}
	return styleCost + durationCost, nil
}

// Submit runs the admission transaction for one generation request.
//
// The debit and the video insert commit together; the enqueue happens
// strictly after the commit. If the enqueue fails the charge stands and the
// video stays queued — the reconciliation sweep re-enqueues it, so the gap
// is at-least-once delivery, never a ledger violation.
func (s *Service) Submit(ctx context.Context, userID uuid.UUID, req models.SubmitVideoRequest) (*Receipt, error) {
	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		return nil, fmt.Errorf("%w: topic is required", ErrInvalidParameters)
	}

	cost, err := Cost(req.VisualStyle, req.DurationSeconds)
	if err != nil {
		return nil, err
	}

	video := &models.Video{
		ID:               uuid.New(),
		UserID:           userID,
		Topic:            topic,
		Style:            req.VisualStyle,
		DurationSeconds:  req.DurationSeconds,
		Status:           models.VideoStatusQueued,
		PreviewRequested: req.Preview,
	}

	if err := s.store.SubmitVideo(ctx, video, cost); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	if err := s.queue.Enqueue(ctx, queue.JobTypeGenerate, video.ID); err != nil {
		// The debit is already committed. Leave the video queued for the
		// sweep instead of failing the request.
		log.Printf("[Admission] enqueue failed after commit for video %s: %v (sweep will recover)", video.ID, err)
	}

	return &Receipt{
		VideoID:       video.ID,
		Status:        video.Status,
		TokensCharged: cost,
	}, nil
}

// editableScene loads a scene after checking ownership and that the video
// is paused at preview_ready.
func (s *Service) editableScene(ctx context.Context, userID, videoID uuid.UUID, sceneIndex int) (*models.Video, *models.Scene, error) {
	video, err := s.store.GetVideo(ctx, videoID)
	if err != nil {
		return nil, nil, err
	}
	if video.UserID != userID {
		return nil, nil, db.ErrNotFound // owner scoping: foreign videos are invisible
	}
	if video.Status != models.VideoStatusPreviewReady {
		return nil, nil, fmt.Errorf("%w: status is %s", ErrVideoNotEditable, video.Status)
	}

	scene, err := s.store.GetScene(ctx, videoID, sceneIndex)
	if err != nil {
		return nil, nil, err
	}
	return video, scene, nil
}

// RegenerateSlide re-runs image generation for a single scene of a
// preview_ready video, charging the incremental regen cost. A provider
// failure refunds the charge so the user never pays for a missing image.
func (s *Service) RegenerateSlide(ctx context.Context, userID, videoID uuid.UUID, sceneIndex int) (*models.Scene, int64, error) {
	video, scene, err := s.editableScene(ctx, userID, videoID, sceneIndex)
	if err != nil {
		return nil, 0, err
	}

	chargeID := uuid.New()
	charge := &models.LedgerEntry{
		ID:             chargeID,
		UserID:         userID,
		Delta:          -SlideRegenCost,
		Reason:         models.ReasonSlideRegen,
		VideoID:        &videoID,
		IdempotencyKey: fmt.Sprintf("regen:%s:%s", scene.ID, chargeID),
	}
	if err := s.store.ApplyEntry(ctx, charge); err != nil {
		return nil, 0, err
	}

	imageURL, err := s.images.Generate(ctx, scene.ImagePrompt, video.Style)
	if err != nil {
		refund := &models.LedgerEntry{
			ID:             uuid.New(),
			UserID:         userID,
			Delta:          SlideRegenCost,
			Reason:         models.ReasonVideoRefund,
			VideoID:        &videoID,
			IdempotencyKey: fmt.Sprintf("regen-refund:%s", chargeID),
		}
		if refundErr := s.store.ApplyEntry(ctx, refund); refundErr != nil {
			log.Printf("[Admission] CRITICAL: regen refund failed for scene %s: %v", scene.ID, refundErr)
		}
		return nil, 0, err
	}

	if err := s.store.UpdateSceneImage(ctx, scene.ID, imageURL); err != nil {
		return nil, 0, err
	}
	scene.ImageURL = &imageURL

	return scene, SlideRegenCost, nil
}

// SetSlideAnimation toggles a scene's animation flag. Switching on debits
// the animation cost; switching off credits it back in full — the ledger,
// not a denormalized counter, is the source of truth either way.
func (s *Service) SetSlideAnimation(ctx context.Context, userID, videoID uuid.UUID, sceneIndex int, animated bool) (*models.Scene, int64, error) {
	_, scene, err := s.editableScene(ctx, userID, videoID, sceneIndex)
	if err != nil {
		return nil, 0, err
	}

	if scene.Animated == animated {
		return scene, 0, nil // no-op, no charge
	}

	var delta int64
	var reason models.LedgerReason
	if animated {
		delta = -SlideAnimateCost
		reason = models.ReasonSlideAnimate
	} else {
		delta = SlideAnimateCost
		reason = models.ReasonSlideAnimateRefund
	}

	entry := &models.LedgerEntry{
		ID:             uuid.New(),
		UserID:         userID,
		Delta:          delta,
		Reason:         reason,
		VideoID:        &videoID,
		IdempotencyKey: fmt.Sprintf("animate:%s:%t:%s", scene.ID, animated, uuid.New()),
	}
	if err := s.store.ApplyEntry(ctx, entry); err != nil {
		return nil, 0, err
	}

	if err := s.store.UpdateSceneAnimated(ctx, scene.ID, animated); err != nil {
		return nil, 0, err
	}
	scene.Animated = animated

	return scene, delta, nil
}

// Finalize moves a preview_ready video into the render phase. The render
// was covered by the original charge, so no new debit happens here.
func (s *Service) Finalize(ctx context.Context, userID, videoID uuid.UUID) (*models.Video, error) {
	video, err := s.store.GetVideo(ctx, videoID)
	if err != nil {
		return nil, err
	}
	if video.UserID != userID {
		return nil, db.ErrNotFound
	}
	if video.Status != models.VideoStatusPreviewReady {
		return nil, fmt.Errorf("%w: status is %s", ErrVideoNotEditable, video.Status)
	}

	// Enqueue before flipping the status. A video stuck in finalizing with
	// no job behind it is invisible to the sweep; failing here leaves it
	// preview_ready so the client can simply retry.
	if err := s.queue.Enqueue(ctx, queue.JobTypeFinalize, videoID); err != nil {
		return nil, fmt.Errorf("failed to enqueue finalize job: %w", err)
	}

	if err := s.store.UpdateVideoStatus(ctx, videoID, models.VideoStatusFinalizing); err != nil {
		// The job is already queued; the render pipeline does not gate on
		// this transition, so log and carry on.
		log.Printf("[Admission] finalize status update failed for video %s: %v", videoID, err)
	}
	video.Status = models.VideoStatusFinalizing

	return video, nil
}
