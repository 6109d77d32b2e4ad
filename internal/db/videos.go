package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/reelmint/reelmint/internal/models"
)

const videoColumns = `
	id, user_id, topic, style, duration_seconds, status, preview_requested,
	narration_text, voiceover_url, render_id, video_url, thumbnail_url,
	cost_charged, error_code, error_message, created_at, updated_at
`

func scanVideo(row interface {
	Scan(dest ...interface{}) error
}, v *models.Video) error {
	return row.Scan(
		&v.ID, &v.UserID, &v.Topic, &v.Style, &v.DurationSeconds,
		&v.Status, &v.PreviewRequested,
		&v.NarrationText, &v.VoiceoverURL, &v.RenderID, &v.VideoURL, &v.ThumbnailURL,
		&v.CostCharged, &v.ErrorCode, &v.ErrorMessage,
		&v.CreatedAt, &v.UpdatedAt,
	)
}

func (db *DB) GetVideo(ctx context.Context, id uuid.UUID) (*models.Video, error) {
	query := `SELECT ` + videoColumns + ` FROM videos WHERE id = $1`

	video := &models.Video{}
	err := scanVideo(db.QueryRowContext(ctx, query, id), video)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get video: %w", err)
	}

	return video, nil
}

// ListUserVideos returns a user's videos newest first, with an optional
// status filter and limit/offset pagination.
func (db *DB) ListUserVideos(ctx context.Context, userID uuid.UUID, status string, limit, offset int) ([]models.Video, error) {
	var (
		rows *sql.Rows
		err  error
	)

	baseSelect := `SELECT ` + videoColumns + ` FROM videos WHERE user_id = $1`

	if status != "" {
		query := baseSelect + ` AND status = $2 ORDER BY created_at DESC LIMIT $3 OFFSET $4`
		rows, err = db.QueryContext(ctx, query, userID, status, limit, offset)
	} else {
		query := baseSelect + ` ORDER BY created_at DESC LIMIT $2 OFFSET $3`
		rows, err = db.QueryContext(ctx, query, userID, limit, offset)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to list videos: %w", err)
	}
	defer rows.Close()

	var videos []models.Video
	for rows.Next() {
		var v models.Video
		if err := scanVideo(rows, &v); err != nil {
			return nil, fmt.Errorf("failed to scan video: %w", err)
		}
		videos = append(videos, v)
	}

	return videos, rows.Err()
}

func (db *DB) CountUserVideos(ctx context.Context, userID uuid.UUID, status string) (int, error) {
	var count int
	if status != "" {
		err := db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM videos WHERE user_id = $1 AND status = $2`,
			userID, status).Scan(&count)
		return count, err
	}
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM videos WHERE user_id = $1`, userID).Scan(&count)
	return count, err
}

// UpdateVideoStatus moves a video between lifecycle states. Terminal rows
// are never touched; the WHERE clause makes redelivered jobs a no-op
// instead of resurrecting a completed or failed video.
func (db *DB) UpdateVideoStatus(ctx context.Context, id uuid.UUID, status models.VideoStatus) error {
	_, err := db.ExecContext(ctx, `
		UPDATE videos SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status NOT IN ('completed', 'failed')
	`, status, id)
	return err
}

func (db *DB) UpdateVideoError(ctx context.Context, id uuid.UUID, errorCode, errorMessage string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE videos
		SET status = $1, error_code = $2, error_message = $3, updated_at = NOW()
		WHERE id = $4 AND status NOT IN ('completed', 'failed')
	`, models.VideoStatusFailed, errorCode, errorMessage, id)
	return err
}

func (db *DB) SetVideoNarration(ctx context.Context, id uuid.UUID, narration string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE videos SET narration_text = $1, updated_at = NOW() WHERE id = $2`,
		narration, id)
	return err
}

func (db *DB) SetVideoVoiceover(ctx context.Context, id uuid.UUID, audioURL string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE videos SET voiceover_url = $1, updated_at = NOW() WHERE id = $2`,
		audioURL, id)
	return err
}

func (db *DB) SetVideoRenderID(ctx context.Context, id uuid.UUID, renderID string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE videos SET render_id = $1, updated_at = NOW() WHERE id = $2`,
		renderID, id)
	return err
}

func (db *DB) SetVideoCompleted(ctx context.Context, id uuid.UUID, videoURL, thumbnailURL string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE videos
		SET status = $1, video_url = $2, thumbnail_url = $3, updated_at = NOW()
		WHERE id = $4 AND status NOT IN ('completed', 'failed')
	`, models.VideoStatusCompleted, videoURL, thumbnailURL, id)
	return err
}

// ListStalledQueued finds videos that were charged and committed but have
// sat in queued state past the threshold — the enqueue-after-commit gap.
// The reconciliation sweep re-enqueues them.
func (db *DB) ListStalledQueued(ctx context.Context, olderThan time.Duration) ([]models.Video, error) {
	query := `SELECT ` + videoColumns + ` FROM videos
		WHERE status = 'queued' AND created_at < NOW() - $1::interval
		ORDER BY created_at`

	rows, err := db.QueryContext(ctx, query, fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("failed to query stalled videos: %w", err)
	}
	defer rows.Close()

	var videos []models.Video
	for rows.Next() {
		var v models.Video
		if err := scanVideo(rows, &v); err != nil {
			return nil, fmt.Errorf("failed to scan video: %w", err)
		}
		videos = append(videos, v)
	}

	return videos, rows.Err()
}
