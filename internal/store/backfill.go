package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JeffreyAdu/church-media-automation/internal/models"
)

const backfillColumns = `id, agent_id, status, since_date, total_videos, processed_videos, enqueued_videos,
	completed_videos, scan_complete, failed_videos, error, queue_job_id, created_at, updated_at, completed_at,
	scan_cursor, scan_cursor_at`

// activeFilter matches backfill jobs that may still change.
const activeFilter = `status IN ('pending', 'processing')`

// Outcomes recorded on a video once a backfill has counted it.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanBackfill(row pgx.Row) (models.BackfillJob, error) {
	var b models.BackfillJob
	var failedJSON []byte
	var errText, queueJob, cursor pgtype.Text
	var completedAt, cursorAt pgtype.Timestamptz
	err := row.Scan(&b.ID, &b.AgentID, &b.Status, &b.SinceDate, &b.TotalVideos, &b.ProcessedVideos, &b.EnqueuedVideos,
		&b.CompletedVideos, &b.ScanComplete, &failedJSON, &errText, &queueJob, &b.CreatedAt, &b.UpdatedAt, &completedAt,
		&cursor, &cursorAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.BackfillJob{}, ErrNotFound
	}
	if err != nil {
		return models.BackfillJob{}, fmt.Errorf("scan backfill job: %w", err)
	}
	b.FailedVideos = []models.FailedVideo{}
	if len(failedJSON) > 0 {
		if err := json.Unmarshal(failedJSON, &b.FailedVideos); err != nil {
			return models.BackfillJob{}, fmt.Errorf("unmarshal failed videos: %w", err)
		}
	}
	b.Error = textPtr(errText)
	b.QueueJobID = queueJob.String
	b.CompletedAt = timePtr(completedAt)
	b.ScanCursor = cursor.String
	b.ScanCursorAt = timePtr(cursorAt)
	return b, nil
}

// CreateBackfillJob inserts a pending backfill. At most one pending or processing job may
// exist per agent; a second returns ErrBackfillActive.
func (s *Store) CreateBackfillJob(ctx context.Context, agentID string, since time.Time) (models.BackfillJob, error) {
	job, err := scanBackfill(s.pool.QueryRow(ctx, `
		INSERT INTO backfill_jobs (id, agent_id, status, since_date, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		RETURNING `+backfillColumns,
		uuid.New().String(), agentID, models.BackfillPending, since))
	if isUniqueViolation(err) {
		return models.BackfillJob{}, ErrBackfillActive
	}
	return job, err
}

// GetBackfillJob fetches a backfill job by id.
func (s *Store) GetBackfillJob(ctx context.Context, id string) (models.BackfillJob, error) {
	return getBackfillJob(ctx, s.pool, id)
}

func getBackfillJob(ctx context.Context, q querier, id string) (models.BackfillJob, error) {
	return scanBackfill(q.QueryRow(ctx, `SELECT `+backfillColumns+` FROM backfill_jobs WHERE id = $1`, id))
}

// ListBackfillJobs returns an agent's most recent backfill jobs, newest first.
func (s *Store) ListBackfillJobs(ctx context.Context, agentID string, limit int) ([]models.BackfillJob, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+backfillColumns+` FROM backfill_jobs WHERE agent_id = $1 ORDER BY created_at DESC LIMIT $2
	`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("query backfill jobs: %w", err)
	}
	defer rows.Close()

	jobs := []models.BackfillJob{}
	for rows.Next() {
		b, err := scanBackfill(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, b)
	}
	return jobs, rows.Err()
}

// SetBackfillQueueJob records the id of the scan job in the work queue.
func (s *Store) SetBackfillQueueJob(ctx context.Context, id, queueJobID string) (models.BackfillJob, error) {
	return scanBackfill(s.pool.QueryRow(ctx, `
		UPDATE backfill_jobs SET queue_job_id = $2, updated_at = NOW() WHERE id = $1
		RETURNING `+backfillColumns, id, queueJobID))
}

// BeginBackfillScan moves a backfill to processing with the expected total. A resumed
// scan passes what it already counted plus what is left after its cursor; the total never
// drops below what was already processed.
func (s *Store) BeginBackfillScan(ctx context.Context, id string, total int) (models.BackfillJob, error) {
	return updateActive(ctx, s.pool, id, `
		UPDATE backfill_jobs
		SET status = 'processing', total_videos = GREATEST($2, processed_videos), updated_at = NOW()
		WHERE id = $1 AND `+activeFilter+`
		RETURNING `+backfillColumns, total)
}

// BackfillDelta is an incremental counter update.
type BackfillDelta struct {
	Processed int
	Enqueued  int
	Completed int
	// PipelineFailed counts enqueued videos whose processing failed for good.
	PipelineFailed int
	Failed         *models.FailedVideo
	// Cursor, when set, moves the scan cursor to this listed video.
	Cursor   string
	CursorAt *time.Time
}

// AdvanceBackfill applies delta atomically and completes the job once the scan is done
// and every enqueued video has finished. Cancelled or finished jobs are not touched.
func (s *Store) AdvanceBackfill(ctx context.Context, id string, d BackfillDelta) (models.BackfillJob, error) {
	return advanceBackfill(ctx, s.pool, id, d)
}

func advanceBackfill(ctx context.Context, q querier, id string, d BackfillDelta) (models.BackfillJob, error) {
	var failed []byte
	if d.Failed != nil {
		b, err := json.Marshal([]models.FailedVideo{*d.Failed})
		if err != nil {
			return models.BackfillJob{}, fmt.Errorf("marshal failed video: %w", err)
		}
		failed = b
	}
	return updateActive(ctx, q, id, `
		UPDATE backfill_jobs SET
			processed_videos = processed_videos + $2,
			enqueued_videos = enqueued_videos + $3,
			completed_videos = completed_videos + $4,
			pipeline_failures = pipeline_failures + $5,
			failed_videos = CASE WHEN $6::jsonb IS NULL THEN failed_videos ELSE failed_videos || $6::jsonb END,
			scan_cursor = COALESCE($7::text, scan_cursor),
			scan_cursor_at = CASE WHEN $7::text IS NULL THEN scan_cursor_at ELSE $8::timestamptz END,
			status = CASE WHEN scan_complete
				AND completed_videos + $4 + pipeline_failures + $5 >= enqueued_videos + $3
				THEN 'completed' ELSE status END,
			completed_at = CASE WHEN scan_complete
				AND completed_videos + $4 + pipeline_failures + $5 >= enqueued_videos + $3
				THEN NOW() ELSE completed_at END,
			updated_at = NOW()
		WHERE id = $1 AND `+activeFilter+`
		RETURNING `+backfillColumns, d.Processed, d.Enqueued, d.Completed, d.PipelineFailed, failed,
		emptyToNil(d.Cursor), d.CursorAt)
}

// SettleBackfillVideo records outcome for a video on the backfill that enqueued it and
// applies d in the same transaction. A video settles at most once per backfill; a repeat
// leaves the counters alone and reports counted false.
func (s *Store) SettleBackfillVideo(ctx context.Context, backfillJobID, videoID, outcome string, d BackfillDelta) (job models.BackfillJob, counted bool, err error) {
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE videos SET backfill_job_id = $2, backfill_outcome = $3, updated_at = NOW()
			WHERE id = $1 AND (backfill_outcome IS NULL OR backfill_job_id IS DISTINCT FROM $2)
		`, videoID, backfillJobID, outcome)
		if err != nil {
			return fmt.Errorf("settle backfill video: %w", err)
		}
		if tag.RowsAffected() == 0 {
			job, err = getBackfillJob(ctx, tx, backfillJobID)
			return err
		}
		job, err = advanceBackfill(ctx, tx, backfillJobID, d)
		counted = err == nil
		return err
	})
	if errors.Is(err, ErrBackfillClosed) {
		return job, false, err
	}
	if err != nil {
		return models.BackfillJob{}, false, err
	}
	return job, counted, nil
}

// FinishBackfillScan marks the listing walked. The job completes immediately when no
// enqueued video is still outstanding.
func (s *Store) FinishBackfillScan(ctx context.Context, id string) (models.BackfillJob, error) {
	return updateActive(ctx, s.pool, id, `
		UPDATE backfill_jobs SET
			scan_complete = TRUE,
			status = CASE WHEN completed_videos + pipeline_failures >= enqueued_videos THEN 'completed' ELSE 'processing' END,
			completed_at = CASE WHEN completed_videos + pipeline_failures >= enqueued_videos THEN NOW() ELSE NULL END,
			updated_at = NOW()
		WHERE id = $1 AND `+activeFilter+`
		RETURNING `+backfillColumns)
}

// FailBackfill ends an active backfill with a user-safe reason.
func (s *Store) FailBackfill(ctx context.Context, id, reason string) (models.BackfillJob, error) {
	return updateActive(ctx, s.pool, id, `
		UPDATE backfill_jobs SET status = 'failed', error = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND `+activeFilter+`
		RETURNING `+backfillColumns, reason)
}

// CancelBackfill marks an agent's pending or processing backfill cancelled.
// ErrNotFound means no such job for the agent; ErrBackfillClosed means it already finished.
func (s *Store) CancelBackfill(ctx context.Context, id, agentID, reason string) (models.BackfillJob, error) {
	job, err := scanBackfill(s.pool.QueryRow(ctx, `
		UPDATE backfill_jobs SET status = 'cancelled', error = $3, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND agent_id = $2 AND `+activeFilter+`
		RETURNING `+backfillColumns, id, agentID, reason))
	if !errors.Is(err, ErrNotFound) {
		return job, err
	}
	existing, gerr := s.GetBackfillJob(ctx, id)
	if gerr != nil {
		return models.BackfillJob{}, gerr
	}
	if existing.AgentID != agentID {
		return models.BackfillJob{}, ErrNotFound
	}
	return existing, ErrBackfillClosed
}

// updateActive runs an update guarded by activeFilter. When it matches nothing the
// current row is returned with ErrBackfillClosed.
func updateActive(ctx context.Context, q querier, id, sql string, args ...any) (models.BackfillJob, error) {
	job, err := scanBackfill(q.QueryRow(ctx, sql, append([]any{id}, args...)...))
	if !errors.Is(err, ErrNotFound) {
		return job, err
	}
	existing, gerr := getBackfillJob(ctx, q, id)
	if gerr != nil {
		return models.BackfillJob{}, gerr
	}
	return existing, ErrBackfillClosed
}
