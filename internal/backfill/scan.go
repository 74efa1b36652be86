package backfill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JeffreyAdu/church-media-automation/internal/events"
	"github.com/JeffreyAdu/church-media-automation/internal/failure"
	"github.com/JeffreyAdu/church-media-automation/internal/logger"
	"github.com/JeffreyAdu/church-media-automation/internal/media"
	"github.com/JeffreyAdu/church-media-automation/internal/models"
	"github.com/JeffreyAdu/church-media-automation/internal/pipeline"
	"github.com/JeffreyAdu/church-media-automation/internal/store"
	"github.com/JeffreyAdu/church-media-automation/internal/telemetry"
)

// Handle runs a backfill_scan job. A retried scan resumes after the last video it
// counted; the store keeps every counter update atomic.
func (s *Service) Handle(ctx context.Context, job *models.Job) error {
	var payload models.BackfillScanPayload
	if err := job.Decode(&payload); err != nil {
		return failure.Validation("", "decode payload", err)
	}
	log := logger.FromContext(ctx).With(
		logger.String("backfill_id", payload.BackfillJobID),
		logger.String("agent_id", payload.AgentID))

	bf, err := s.store.GetBackfillJob(ctx, payload.BackfillJobID)
	if errors.Is(err, store.ErrNotFound) {
		return failure.Validation("", "load backfill", err)
	}
	if err != nil {
		return fmt.Errorf("load backfill: %w", err)
	}
	if bf.Terminal() {
		log.Info("backfill already finished; skipping scan", logger.String("status", bf.Status))
		return nil
	}

	scanCtx, stop := s.watchCancel(ctx, log, payload.AgentID, payload.BackfillJobID)
	defer stop()

	videos, err := s.lister.ListVideosSince(scanCtx, payload.ChannelID, payload.Since)
	if err != nil {
		if scanCtx.Err() != nil && ctx.Err() == nil {
			log.Info("backfill cancelled during listing")
			return nil
		}
		return err
	}
	// Oldest first, so new uploads land after the cursor.
	for i, j := 0, len(videos)-1; i < j; i, j = i+1, j-1 {
		videos[i], videos[j] = videos[j], videos[i]
	}
	remaining := videos[resumeAt(videos, bf):]

	bf, err = s.store.BeginBackfillScan(ctx, bf.ID, bf.ProcessedVideos+len(remaining))
	if errors.Is(err, store.ErrBackfillClosed) {
		log.Info("backfill closed before scan began", logger.String("status", bf.Status))
		return nil
	}
	if err != nil {
		return err
	}
	s.publish(ctx, bf, nil)
	log.Info("backfill scan started",
		logger.Int("total", bf.TotalVideos),
		logger.Int("resume_from", bf.ProcessedVideos),
		logger.String("cursor", bf.ScanCursor))

	for _, info := range remaining {
		if scanCtx.Err() != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Info("backfill cancelled mid-scan", logger.Int("processed", bf.ProcessedVideos))
			return nil
		}
		delta, update := s.register(scanCtx, log, bf.ID, payload.AgentID, info)
		delta.Cursor, delta.CursorAt = info.ExternalID, info.PublishedAt
		bf, err = s.store.AdvanceBackfill(ctx, bf.ID, delta)
		if errors.Is(err, store.ErrBackfillClosed) {
			log.Info("backfill closed mid-scan", logger.String("status", bf.Status))
			if delta.Enqueued > 0 && bf.Status == models.BackfillCancelled {
				s.withdraw(ctx, log, payload.AgentID)
			}
			return nil
		}
		if err != nil {
			return err
		}
		if update != nil || bf.ProcessedVideos%s.progressEvery == 0 {
			s.publish(ctx, bf, update)
		}
	}

	bf, err = s.store.FinishBackfillScan(ctx, bf.ID)
	if errors.Is(err, store.ErrBackfillClosed) {
		return nil
	}
	if err != nil {
		return err
	}
	s.publish(ctx, bf, nil)
	log.Info("backfill scan finished",
		logger.Int("processed", bf.ProcessedVideos),
		logger.Int("enqueued", bf.EnqueuedVideos),
		logger.Int("failed", len(bf.FailedVideos)),
		logger.String("status", bf.Status))
	return nil
}

// resumeAt returns the index of the first oldest-first video after the scan cursor. When
// the cursor video has left the listing, the scan resumes after its publish time.
func resumeAt(videos []media.VideoInfo, bf models.BackfillJob) int {
	if bf.ScanCursor == "" {
		return 0
	}
	for i, v := range videos {
		if v.ExternalID == bf.ScanCursor {
			return i + 1
		}
	}
	if bf.ScanCursorAt == nil {
		return 0
	}
	for i, v := range videos {
		if v.PublishedAt != nil && v.PublishedAt.After(*bf.ScanCursorAt) {
			return i
		}
	}
	return len(videos)
}

// register upserts one listed video and enqueues it when it is new. Only a video whose
// enqueue this backfill won is linked to it. A failure is recorded on the delta and never
// stops the scan.
func (s *Service) register(ctx context.Context, log logger.Logger, backfillID, agentID string, info media.VideoInfo) (store.BackfillDelta, *events.VideoUpdate) {
	delta := store.BackfillDelta{Processed: 1}
	url := info.URL
	if url == "" {
		url = media.WatchURL(info.ExternalID)
	}
	v, _, err := s.store.UpsertVideo(ctx, models.Video{
		AgentID:       agentID,
		ExternalID:    info.ExternalID,
		URL:           url,
		Title:         info.Title,
		Description:   info.Description,
		ThumbnailURL:  info.ThumbnailURL,
		PublishedAt:   info.PublishedAt,
	})
	if err != nil {
		return s.failed(log, delta, models.FailedVideo{ExternalID: info.ExternalID, Title: info.Title},
			failure.Transient(failure.ReasonUpstream, "upsert video", err))
	}
	if v.Status != models.VideoDiscovered {
		telemetry.BackfillVideos.WithLabelValues("known").Inc()
		return delta, nil
	}
	res, err := pipeline.EnqueueVideo(ctx, s.queue, v, backfillID)
	if err != nil {
		return s.failed(log, delta, models.FailedVideo{VideoID: v.ID, ExternalID: v.ExternalID, Title: v.Title},
			failure.Transient(failure.ReasonUpstream, "enqueue video", err))
	}
	if !res.Accepted {
		telemetry.BackfillVideos.WithLabelValues("deduped").Inc()
		return delta, nil
	}
	delta.Enqueued = 1
	telemetry.BackfillVideos.WithLabelValues("enqueued").Inc()
	if err := s.store.LinkVideoToBackfill(ctx, v.ID, backfillID); err != nil {
		log.Warn("link video to backfill failed", logger.String("video_id", v.ID), logger.Error(err))
	}
	return delta, nil
}

func (s *Service) failed(log logger.Logger, delta store.BackfillDelta, fv models.FailedVideo, err error) (store.BackfillDelta, *events.VideoUpdate) {
	log.Warn("backfill video failed", logger.String("external_id", fv.ExternalID), logger.Error(err))
	telemetry.BackfillVideos.WithLabelValues("failed").Inc()
	fv.Reason = failure.Message(err)
	delta.Failed = &fv
	return delta, &events.VideoUpdate{VideoID: fv.VideoID, Title: fv.Title, Status: models.VideoFailed, Error: fv.Reason}
}

// watchCancel derives a context that ends when a cancel for backfillID is announced on
// the agent channel. Without a subscription the scan still stops at the next counter
// update, which the store refuses once the job is cancelled.
func (s *Service) watchCancel(ctx context.Context, log logger.Logger, agentID, backfillID string) (context.Context, context.CancelFunc) {
	scanCtx, cancel := context.WithCancel(ctx)
	sub, err := s.bridge.Subscribe(ctx, events.AgentChannel(agentID))
	if err != nil {
		log.Warn("cancel watch unavailable", logger.Error(err))
		return scanCtx, cancel
	}
	go func() {
		defer sub.Close()
		for {
			msg, err := sub.Next(scanCtx)
			if err != nil {
				return
			}
			var ev struct {
				Type string `json:"type"`
				Job  struct {
					ID string `json:"id"`
				} `json:"job"`
			}
			if json.Unmarshal(msg.Data, &ev) == nil && ev.Type == events.TypeCancelled && ev.Job.ID == backfillID {
				cancel()
				return
			}
		}
	}()
	return scanCtx, cancel
}

// withdraw removes the agent's queued backfill work and ends each removed job's stream
// with a cancelled event. It also sweeps video jobs enqueued after a cancel already ran.
func (s *Service) withdraw(ctx context.Context, log logger.Logger, agentID string) int {
	ids, err := s.queue.CancelTagged(ctx, pipeline.BackfillTag(agentID))
	if err != nil {
		log.Warn("withdraw queued backfill work failed", logger.Error(err))
		return 0
	}
	reason := failure.MessageFor(failure.ReasonCancelled)
	for _, id := range ids {
		ev := events.ProgressEvent{Type: events.TypeProgress, JobID: id, Status: events.StatusCancelled, Error: reason}
		if err := s.bridge.Publish(ctx, events.JobChannel(id), ev); err != nil {
			log.Warn("publish job cancel failed", logger.String("job_id", id), logger.Error(err))
		}
	}
	return len(ids)
}

// JobFailed ends the backfill once its scan job has failed for good.
func (s *Service) JobFailed(ctx context.Context, job *models.Job, err error, final bool) {
	if !final {
		return
	}
	log := logger.FromContext(ctx)
	var payload models.BackfillScanPayload
	if derr := job.Decode(&payload); derr != nil || payload.BackfillJobID == "" {
		log.Warn("failed scan job has no backfill payload", logger.String("job_id", job.ID))
		return
	}
	bf, ferr := s.store.FailBackfill(ctx, payload.BackfillJobID, failure.Message(err))
	if errors.Is(ferr, store.ErrBackfillClosed) {
		return
	}
	if ferr != nil {
		log.Warn("mark backfill failed", logger.String("backfill_id", payload.BackfillJobID), logger.Error(ferr))
		return
	}
	s.publish(ctx, bf, nil)
}
