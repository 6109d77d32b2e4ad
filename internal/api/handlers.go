package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/reelmint/reelmint/internal/admission"
	"github.com/reelmint/reelmint/internal/db"
	"github.com/reelmint/reelmint/internal/models"
	"github.com/reelmint/reelmint/internal/queue"
)

// Store is the read-side database surface the handlers need. *db.DB
// satisfies it.
type Store interface {
	GetVideo(ctx context.Context, id uuid.UUID) (*models.Video, error)
	GetVideoScenes(ctx context.Context, videoID uuid.UUID) ([]models.Scene, error)
	ListUserVideos(ctx context.Context, userID uuid.UUID, status string, limit, offset int) ([]models.Video, error)
	CountUserVideos(ctx context.Context, userID uuid.UUID, status string) (int, error)
	BalanceOf(ctx context.Context, userID uuid.UUID) (int64, error)
	ListLedgerEntries(ctx context.Context, userID uuid.UUID, limit int) ([]models.LedgerEntry, error)
	UpdateUserPlan(ctx context.Context, id uuid.UUID, plan string) error
	ApplyEntry(ctx context.Context, entry *models.LedgerEntry) error
}

// Admitter is the admission service surface.
type Admitter interface {
	Submit(ctx context.Context, userID uuid.UUID, req models.SubmitVideoRequest) (*admission.Receipt, error)
	RegenerateSlide(ctx context.Context, userID, videoID uuid.UUID, sceneIndex int) (*models.Scene, int64, error)
	SetSlideAnimation(ctx context.Context, userID, videoID uuid.UUID, sceneIndex int, animated bool) (*models.Scene, int64, error)
	Finalize(ctx context.Context, userID, videoID uuid.UUID) (*models.Video, error)
}

// AssetStore signs download URLs for assets held in our own storage.
type AssetStore interface {
	PublicURL(path string) string
	SignedURL(ctx context.Context, path string, expiresIn int) (string, error)
}

// QueueInspector exposes queue internals for the debug endpoint.
type QueueInspector interface {
	Length(ctx context.Context) (int64, error)
	DeadLetters(ctx context.Context, limit int64) ([]queue.Job, error)
}

// Token grants that accompany a paid plan activation.
var planGrants = map[string]int64{
	"free":       0,
	"pro":        100,
	"enterprise": 500,
}

type Handler struct {
	store    Store
	admit    Admitter
	assets   AssetStore
	queue    QueueInspector
	validate *validator.Validate

	billingSecret string
}

func NewHandler(store Store, admit Admitter, assets AssetStore, q QueueInspector, billingSecret string) *Handler {
	return &Handler{
		store:         store,
		admit:         admit,
		assets:        assets,
		queue:         q,
		validate:      validator.New(),
		billingSecret: billingSecret,
	}
}

// SubmitVideo handles POST /v1/videos
func (h *Handler) SubmitVideo(w http.ResponseWriter, r *http.Request) {
	var req models.SubmitVideoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request: "+err.Error())
		return
	}

	receipt, err := h.admit.Submit(r.Context(), currentUserID(r), req)
	if err != nil {
		h.respondAdmissionError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, models.SubmitVideoResponse{
		VideoID:       receipt.VideoID,
		Status:        receipt.Status,
		TokensCharged: receipt.TokensCharged,
	})
}

// ListVideos handles GET /v1/videos
// Query params:
//   - status: filter by lifecycle state
//   - limit:  max results per page (default 20, max 100)
//   - offset: number of results to skip (default 0)
func (h *Handler) ListVideos(w http.ResponseWriter, r *http.Request) {
	statusFilter := r.URL.Query().Get("status")
	if statusFilter != "" {
		switch models.VideoStatus(statusFilter) {
		case models.VideoStatusQueued, models.VideoStatusProcessing,
			models.VideoStatusPreviewReady, models.VideoStatusFinalizing,
			models.VideoStatusCompleted, models.VideoStatusFailed:
			// valid
		default:
			respondError(w, http.StatusBadRequest, "Invalid status filter. Allowed: queued, processing, preview_ready, finalizing, completed, failed")
			return
		}
	}

	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > 100 {
		limit = 100
	}

	offset := 0
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	userID := currentUserID(r)

	total, err := h.store.CountUserVideos(r.Context(), userID, statusFilter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to count videos")
		return
	}

	videos, err := h.store.ListUserVideos(r.Context(), userID, statusFilter, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to list videos")
		return
	}

	summaries := make([]models.VideoSummary, 0, len(videos))
	for _, v := range videos {
		summaries = append(summaries, models.VideoSummary{
			ID:              v.ID,
			Topic:           v.Topic,
			Style:           v.Style,
			DurationSeconds: v.DurationSeconds,
			Status:          v.Status,
			ThumbnailURL:    v.ThumbnailURL,
			VideoURL:        v.VideoURL,
			ErrorMessage:    v.ErrorMessage,
			CreatedAt:       v.CreatedAt,
			UpdatedAt:       v.UpdatedAt,
		})
	}

	respondJSON(w, http.StatusOK, models.ListVideosResponse{
		Videos: summaries,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// GetVideo handles GET /v1/videos/{id}
func (h *Handler) GetVideo(w http.ResponseWriter, r *http.Request) {
	video, ok := h.ownedVideo(w, r)
	if !ok {
		return
	}

	scenes, err := h.store.GetVideoScenes(r.Context(), video.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get scenes")
		return
	}

	respondJSON(w, http.StatusOK, models.VideoDetail{
		Video:  *video,
		Scenes: scenes,
	})
}

// DownloadVideo handles GET /v1/videos/{id}/download
func (h *Handler) DownloadVideo(w http.ResponseWriter, r *http.Request) {
	video, ok := h.ownedVideo(w, r)
	if !ok {
		return
	}
	if video.Status != models.VideoStatusCompleted || video.VideoURL == nil {
		respondError(w, http.StatusNotFound, "Video not ready")
		return
	}

	target := *video.VideoURL

	// Assets in our own bucket get a short-lived signed URL; externally
	// hosted renders redirect as-is.
	if path, ok := strings.CutPrefix(target, h.assets.PublicURL("")); ok && path != "" {
		signed, err := h.assets.SignedURL(r.Context(), path, 3600)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to generate download URL")
			return
		}
		target = signed
	}

	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}

// RegenerateSlide handles POST /v1/videos/{id}/slides/{index}/regenerate
func (h *Handler) RegenerateSlide(w http.ResponseWriter, r *http.Request) {
	videoID, sceneIndex, ok := slideParams(w, r)
	if !ok {
		return
	}

	scene, charged, err := h.admit.RegenerateSlide(r.Context(), currentUserID(r), videoID, sceneIndex)
	if err != nil {
		h.respondAdmissionError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, models.SlideResponse{
		Scene:         *scene,
		TokensCharged: charged,
	})
}

// AnimateSlide handles POST /v1/videos/{id}/slides/{index}/animate
func (h *Handler) AnimateSlide(w http.ResponseWriter, r *http.Request) {
	videoID, sceneIndex, ok := slideParams(w, r)
	if !ok {
		return
	}

	var req models.AnimateSlideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	scene, delta, err := h.admit.SetSlideAnimation(r.Context(), currentUserID(r), videoID, sceneIndex, req.Animated)
	if err != nil {
		h.respondAdmissionError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, models.SlideResponse{
		Scene:         *scene,
		TokensCharged: delta,
	})
}

// FinalizeVideo handles POST /v1/videos/{id}/finalize
func (h *Handler) FinalizeVideo(w http.ResponseWriter, r *http.Request) {
	videoID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid video ID")
		return
	}

	video, err := h.admit.Finalize(r.Context(), currentUserID(r), videoID)
	if err != nil {
		h.respondAdmissionError(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, models.SubmitVideoResponse{
		VideoID: video.ID,
		Status:  video.Status,
	})
}

// GetBalance handles GET /v1/me/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.store.BalanceOf(r.Context(), currentUserID(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to read balance")
		return
	}
	respondJSON(w, http.StatusOK, models.BalanceResponse{Balance: balance})
}

// GetLedger handles GET /v1/me/ledger
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	entries, err := h.store.ListLedgerEntries(r.Context(), currentUserID(r), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to read ledger")
		return
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}
	respondJSON(w, http.StatusOK, models.LedgerHistoryResponse{Entries: entries})
}

// BillingWebhook handles POST /v1/webhooks/billing. The payment provider
// delivers plan changes here; the event ID doubles as the grant's ledger
// idempotency key, so redeliveries are absorbed as no-ops.
func (h *Handler) BillingWebhook(w http.ResponseWriter, r *http.Request) {
	secret := r.Header.Get("X-Webhook-Secret")
	if h.billingSecret == "" ||
		subtle.ConstantTimeCompare([]byte(secret), []byte(h.billingSecret)) != 1 {
		respondError(w, http.StatusForbidden, "Invalid webhook secret")
		return
	}

	var event models.BillingEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(event); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid event: "+err.Error())
		return
	}

	if err := h.store.UpdateUserPlan(r.Context(), event.UserID, event.Plan); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondError(w, http.StatusNotFound, "User not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "Failed to update plan")
		return
	}

	if grant := planGrants[event.Plan]; grant > 0 {
		entry := &models.LedgerEntry{
			ID:             uuid.New(),
			UserID:         event.UserID,
			Delta:          grant,
			Reason:         models.ReasonPlanGrant,
			IdempotencyKey: "billing:" + event.EventID,
		}
		if err := h.store.ApplyEntry(r.Context(), entry); err != nil {
			if errors.Is(err, db.ErrLedgerConflict) {
				respondError(w, http.StatusConflict, "Event ID reused with different payload")
				return
			}
			respondError(w, http.StatusInternalServerError, "Failed to grant tokens")
			return
		}
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// QueueDebug handles GET /v1/debug/queue — ready-list depth plus the
// dead-letter backlog, for operators chasing stuck jobs.
func (h *Handler) QueueDebug(w http.ResponseWriter, r *http.Request) {
	length, err := h.queue.Length(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to read queue length")
		return
	}
	dead, err := h.queue.DeadLetters(r.Context(), 50)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to read dead letters")
		return
	}
	if dead == nil {
		dead = []queue.Job{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"ready":        length,
		"dead_letters": dead,
	})
}

// Helpers

// ownedVideo loads the path video and enforces owner scoping: someone
// else's video is indistinguishable from a missing one.
func (h *Handler) ownedVideo(w http.ResponseWriter, r *http.Request) (*models.Video, bool) {
	videoID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid video ID")
		return nil, false
	}

	video, err := h.store.GetVideo(r.Context(), videoID)
	if errors.Is(err, db.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Video not found")
		return nil, false
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get video")
		return nil, false
	}
	if video.UserID != currentUserID(r) {
		respondError(w, http.StatusNotFound, "Video not found")
		return nil, false
	}
	return video, true
}

func slideParams(w http.ResponseWriter, r *http.Request) (uuid.UUID, int, bool) {
	videoID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid video ID")
		return uuid.Nil, 0, false
	}
	sceneIndex, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || sceneIndex < 0 {
		respondError(w, http.StatusBadRequest, "Invalid slide index")
		return uuid.Nil, 0, false
	}
	return videoID, sceneIndex, true
}

func (h *Handler) respondAdmissionError(w http.ResponseWriter, err error) {
	var insufficient *db.InsufficientBalanceError
	switch {
	case errors.As(err, &insufficient):
		respondJSON(w, http.StatusPaymentRequired, map[string]interface{}{
			"error":     "Insufficient token balance",
			"required":  insufficient.Required,
			"available": insufficient.Available,
		})
	case errors.Is(err, admission.ErrInvalidParameters):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, admission.ErrVideoNotEditable):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, admission.ErrUserNotFound), errors.Is(err, db.ErrNotFound):
		respondError(w, http.StatusNotFound, "Not found")
	default:
		respondError(w, http.StatusInternalServerError, "Internal error")
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
