package models

import (
	"time"

	"github.com/google/uuid"
)

// Enums

type VideoStatus string

const (
	VideoStatusQueued       VideoStatus = "queued"
	VideoStatusProcessing   VideoStatus = "processing"
	VideoStatusPreviewReady VideoStatus = "preview_ready"
	VideoStatusFinalizing   VideoStatus = "finalizing"
	VideoStatusCompleted    VideoStatus = "completed"
	VideoStatusFailed       VideoStatus = "failed"
)

// Terminal reports whether a video in this status can still change state.
// Completed and failed videos are immutable.
func (s VideoStatus) Terminal() bool {
	return s == VideoStatusCompleted || s == VideoStatusFailed
}

// LedgerReason is the business reason attached to every balance-affecting entry.
type LedgerReason string

const (
	ReasonVideoCharge        LedgerReason = "video_charge"
	ReasonVideoRefund        LedgerReason = "video_refund"
	ReasonSlideRegen         LedgerReason = "slide_regen"
	ReasonSlideAnimate       LedgerReason = "slide_animate"
	ReasonSlideAnimateRefund LedgerReason = "slide_animate_refund"
	ReasonSignupGrant        LedgerReason = "signup_grant"
	ReasonPlanGrant          LedgerReason = "plan_grant"
)

// Models

type User struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	Plan         string    `json:"plan"` // "free", "pro", "enterprise"
	TokenBalance int64     `json:"token_balance"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// LedgerEntry is one immutable row of the token ledger. The sum of all
// deltas for a user always equals the user's cached token balance; the
// balance column is only ever written in the same transaction as an entry.
type LedgerEntry struct {
	ID             uuid.UUID    `json:"id"`
	UserID         uuid.UUID    `json:"user_id"`
	Delta          int64        `json:"delta"` // negative = debit, positive = credit
	Reason         LedgerReason `json:"reason"`
	VideoID        *uuid.UUID   `json:"video_id,omitempty"`
	IdempotencyKey string       `json:"idempotency_key"`
	CreatedAt      time.Time    `json:"created_at"`
}

type Video struct {
	ID               uuid.UUID   `json:"id"`
	UserID           uuid.UUID   `json:"user_id"`
	Topic            string      `json:"topic"`
	Style            string      `json:"style"`
	DurationSeconds  int         `json:"duration_seconds"`
	Status           VideoStatus `json:"status"`
	PreviewRequested bool        `json:"preview_requested"` // two-phase flow: stop at preview_ready for edits
	NarrationText    *string     `json:"narration_text,omitempty"`
	VoiceoverURL     *string     `json:"voiceover_url,omitempty"`
	RenderID         *string     `json:"render_id,omitempty"`
	VideoURL         *string     `json:"video_url,omitempty"`
	ThumbnailURL     *string     `json:"thumbnail_url,omitempty"`
	CostCharged      int64       `json:"cost_charged"`
	ErrorCode        *string     `json:"error_code,omitempty"`
	ErrorMessage     *string     `json:"error_message,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

type Scene struct {
	ID          uuid.UUID `json:"id"`
	VideoID     uuid.UUID `json:"video_id"`
	SceneIndex  int       `json:"scene_index"`
	Text        string    `json:"text"`
	ImagePrompt string    `json:"image_prompt"`
	ImageURL    *string   `json:"image_url,omitempty"`
	Animated    bool      `json:"animated"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DTOs for API requests and responses

type SubmitVideoRequest struct {
	Topic           string `json:"topic" validate:"required,min=3,max=500"`
	VisualStyle     string `json:"visual_style" validate:"required"`
	DurationSeconds int    `json:"duration_seconds" validate:"required,gt=0"`
	Preview         bool   `json:"preview,omitempty"` // request the two-phase flow
}

type SubmitVideoResponse struct {
	VideoID       uuid.UUID   `json:"video_id"`
	Status        VideoStatus `json:"status"`
	TokensCharged int64       `json:"tokens_charged"`
}

// VideoSummary is a lightweight DTO for the list endpoint — no scenes array,
// just core fields plus the thumbnail.
type VideoSummary struct {
	ID              uuid.UUID   `json:"id"`
	Topic           string      `json:"topic"`
	Style           string      `json:"style"`
	DurationSeconds int         `json:"duration_seconds"`
	Status          VideoStatus `json:"status"`
	ThumbnailURL    *string     `json:"thumbnail_url,omitempty"`
	VideoURL        *string     `json:"video_url,omitempty"`
	ErrorMessage    *string     `json:"error_message,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

type ListVideosResponse struct {
	Videos []VideoSummary `json:"videos"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

type VideoDetail struct {
	Video
	Scenes []Scene `json:"scenes"`
}

type AnimateSlideRequest struct {
	Animated bool `json:"animated"`
}

type SlideResponse struct {
	Scene         Scene `json:"scene"`
	TokensCharged int64 `json:"tokens_charged"` // negative when a toggle-off refund was issued
}

type BalanceResponse struct {
	Balance int64 `json:"balance"`
}

type LedgerHistoryResponse struct {
	Entries []LedgerEntry `json:"entries"`
}

// BillingEvent is a plan-change event delivered by the payment webhook
// source. EventID doubles as the ledger idempotency key so redeliveries
// never grant tokens twice.
type BillingEvent struct {
	EventID string    `json:"event_id" validate:"required"`
	UserID  uuid.UUID `json:"user_id" validate:"required"`
	Plan    string    `json:"plan" validate:"required,oneof=free pro enterprise"`
}
