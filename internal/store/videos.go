package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JeffreyAdu/church-media-automation/internal/models"
)

const videoColumns = `id, agent_id, external_id, url, title, description, thumbnail_url, status,
	error_message, published_at, backfill_job_id, created_at, updated_at`

func scanVideo(row pgx.Row, extra ...any) (models.Video, error) {
	var v models.Video
	var errMsg, backfillID pgtype.Text
	var published pgtype.Timestamptz
	dest := []any{&v.ID, &v.AgentID, &v.ExternalID, &v.URL, &v.Title, &v.Description, &v.ThumbnailURL, &v.Status,
		&errMsg, &published, &backfillID, &v.CreatedAt, &v.UpdatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Video{}, ErrNotFound
		}
		return models.Video{}, fmt.Errorf("scan video: %w", err)
	}
	v.ErrorMessage = textPtr(errMsg)
	v.PublishedAt = timePtr(published)
	v.BackfillJobID = textPtr(backfillID)
	return v, nil
}

// UpsertVideo records a discovered video keyed by (agent_id, external_id). A repeat
// discovery never changes status or the backfill link; it only fills blank metadata.
// inserted reports whether the row is new.
func (s *Store) UpsertVideo(ctx context.Context, v models.Video) (models.Video, bool, error) {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	var inserted bool
	row := s.pool.QueryRow(ctx, `
		INSERT INTO videos (id, agent_id, external_id, url, title, description, thumbnail_url, status, published_at, backfill_job_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		ON CONFLICT (agent_id, external_id) DO UPDATE SET
			title = CASE WHEN videos.title = '' THEN EXCLUDED.title ELSE videos.title END,
			description = CASE WHEN videos.description = '' THEN EXCLUDED.description ELSE videos.description END,
			thumbnail_url = CASE WHEN videos.thumbnail_url = '' THEN EXCLUDED.thumbnail_url ELSE videos.thumbnail_url END,
			published_at = COALESCE(videos.published_at, EXCLUDED.published_at)
		RETURNING `+videoColumns+`, (xmax = 0)
	`, v.ID, v.AgentID, v.ExternalID, v.URL, v.Title, v.Description, v.ThumbnailURL, models.VideoDiscovered, v.PublishedAt, v.BackfillJobID)
	out, err := scanVideo(row, &inserted)
	if err != nil {
		return models.Video{}, false, fmt.Errorf("upsert video: %w", err)
	}
	return out, inserted, nil
}

// GetVideo fetches a video by id.
func (s *Store) GetVideo(ctx context.Context, id string) (models.Video, error) {
	return scanVideo(s.pool.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1`, id))
}

// SetVideoStatus moves a video to status. A processed video never changes again, and
// setting the current status is a no-op. changed reports whether the row moved.
func (s *Store) SetVideoStatus(ctx context.Context, id, status string, errorMessage *string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE videos SET status = $2, error_message = $3, updated_at = NOW()
		WHERE id = $1 AND status <> $4 AND status <> $2
	`, id, status, errorMessage, models.VideoProcessed)
	if err != nil {
		return false, fmt.Errorf("update video status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// LinkVideoToBackfill attaches a video to the backfill whose enqueue was accepted for it.
// Relinking to another backfill clears the outcome the previous one recorded.
func (s *Store) LinkVideoToBackfill(ctx context.Context, videoID, backfillJobID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE videos SET backfill_job_id = $2, backfill_outcome = NULL, updated_at = NOW()
		WHERE id = $1 AND backfill_job_id IS DISTINCT FROM $2
	`, videoID, backfillJobID)
	if err != nil {
		return fmt.Errorf("link video to backfill: %w", err)
	}
	return nil
}

// VideosForBackfill lists the videos linked to a backfill job, oldest first.
func (s *Store) VideosForBackfill(ctx context.Context, backfillJobID string) ([]models.Video, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+videoColumns+` FROM videos WHERE backfill_job_id = $1 ORDER BY published_at NULLS LAST, created_at
	`, backfillJobID)
	if err != nil {
		return nil, fmt.Errorf("query backfill videos: %w", err)
	}
	defer rows.Close()

	var videos []models.Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		videos = append(videos, v)
	}
	return videos, rows.Err()
}

// CreateEpisode inserts the episode for a video. The unique video_id constraint makes a
// second insert a no-op; created reports whether this call wrote the row.
func (s *Store) CreateEpisode(ctx context.Context, ep models.Episode) (models.Episode, bool, error) {
	if ep.ID == "" {
		ep.ID = uuid.New().String()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO episodes (id, video_id, agent_id, title, description, speaker, audio_url, audio_bytes, artwork_url, duration_sec, published, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (video_id) DO NOTHING
		RETURNING created_at
	`, ep.ID, ep.VideoID, ep.AgentID, ep.Title, ep.Description, ep.Speaker, ep.AudioURL, ep.AudioBytes, ep.ArtworkURL, ep.DurationSec, ep.Published).Scan(&ep.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, gerr := s.EpisodeByVideo(ctx, ep.VideoID)
		return existing, false, gerr
	}
	if err != nil {
		return models.Episode{}, false, fmt.Errorf("insert episode: %w", err)
	}
	return ep, true, nil
}

// EpisodeByVideo fetches the episode produced from a video.
func (s *Store) EpisodeByVideo(ctx context.Context, videoID string) (models.Episode, error) {
	var ep models.Episode
	var artwork pgtype.Text
	err := s.pool.QueryRow(ctx, `
		SELECT id, video_id, agent_id, title, description, speaker, audio_url, audio_bytes, artwork_url, duration_sec, published, created_at
		FROM episodes WHERE video_id = $1
	`, videoID).Scan(&ep.ID, &ep.VideoID, &ep.AgentID, &ep.Title, &ep.Description, &ep.Speaker, &ep.AudioURL,
		&ep.AudioBytes, &artwork, &ep.DurationSec, &ep.Published, &ep.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Episode{}, ErrNotFound
	}
	if err != nil {
		return models.Episode{}, fmt.Errorf("scan episode: %w", err)
	}
	ep.ArtworkURL = textPtr(artwork)
	return ep, nil
}
