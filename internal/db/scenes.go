package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/reelmint/reelmint/internal/models"
)

// CreateScenes inserts a video's scenes in one transaction. Re-running the
// script stage after a crash is safe: (video_id, scene_index) is unique and
// conflicts leave the originally persisted scenes untouched.
func (db *DB) CreateScenes(ctx context.Context, scenes []models.Scene) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i := range scenes {
		scene := &scenes[i]
		_, err := tx.ExecContext(ctx, `
			INSERT INTO scenes (id, video_id, scene_index, text, image_prompt, animated)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (video_id, scene_index) DO NOTHING
		`, scene.ID, scene.VideoID, scene.SceneIndex, scene.Text, scene.ImagePrompt, scene.Animated)
		if err != nil {
			return fmt.Errorf("failed to insert scene %d: %w", scene.SceneIndex, err)
		}
	}

	return tx.Commit()
}

// GetVideoScenes returns a video's scenes ordered by scene index.
func (db *DB) GetVideoScenes(ctx context.Context, videoID uuid.UUID) ([]models.Scene, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, video_id, scene_index, text, image_prompt, image_url, animated, created_at, updated_at
		FROM scenes
		WHERE video_id = $1
		ORDER BY scene_index
	`, videoID)
	if err != nil {
		return nil, fmt.Errorf("failed to query scenes: %w", err)
	}
	defer rows.Close()

	var scenes []models.Scene
	for rows.Next() {
		var s models.Scene
		if err := rows.Scan(
			&s.ID, &s.VideoID, &s.SceneIndex, &s.Text, &s.ImagePrompt,
			&s.ImageURL, &s.Animated, &s.CreatedAt, &s.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan scene: %w", err)
		}
		scenes = append(scenes, s)
	}

	return scenes, rows.Err()
}

// GetScene fetches one scene by (video, index).
func (db *DB) GetScene(ctx context.Context, videoID uuid.UUID, sceneIndex int) (*models.Scene, error) {
	scene := &models.Scene{}
	err := db.QueryRowContext(ctx, `
		SELECT id, video_id, scene_index, text, image_prompt, image_url, animated, created_at, updated_at
		FROM scenes
		WHERE video_id = $1 AND scene_index = $2
	`, videoID, sceneIndex).Scan(
		&scene.ID, &scene.VideoID, &scene.SceneIndex, &scene.Text, &scene.ImagePrompt,
		&scene.ImageURL, &scene.Animated, &scene.CreatedAt, &scene.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scene: %w", err)
	}

	return scene, nil
}

func (db *DB) UpdateSceneImage(ctx context.Context, sceneID uuid.UUID, imageURL string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE scenes SET image_url = $1, updated_at = NOW() WHERE id = $2`,
		imageURL, sceneID)
	return err
}

func (db *DB) UpdateSceneAnimated(ctx context.Context, sceneID uuid.UUID, animated bool) error {
	_, err := db.ExecContext(ctx,
		`UPDATE scenes SET animated = $1, updated_at = NOW() WHERE id = $2`,
		animated, sceneID)
	return err
}
