package backfill

import (
	"context"
	"errors"

	"github.com/JeffreyAdu/church-media-automation/internal/events"
	"github.com/JeffreyAdu/church-media-automation/internal/models"
	"github.com/JeffreyAdu/church-media-automation/internal/store"
)

// VideoChanged broadcasts a video's transition without touching counters.
func (s *Service) VideoChanged(ctx context.Context, backfillJobID string, update events.VideoUpdate) error {
	bf, err := s.store.GetBackfillJob(ctx, backfillJobID)
	if err != nil {
		return err
	}
	if bf.Terminal() {
		return nil
	}
	s.publish(ctx, bf, &update)
	return nil
}

// VideoSucceeded counts a finished episode toward the backfill. Repeated calls for the
// same video count once.
func (s *Service) VideoSucceeded(ctx context.Context, backfillJobID string, update events.VideoUpdate) error {
	return s.settle(ctx, backfillJobID, store.OutcomeCompleted, store.BackfillDelta{Completed: 1}, update)
}

// VideoFailed counts a video whose processing failed for good and lists it on the job.
// Repeated calls for the same video count once.
func (s *Service) VideoFailed(ctx context.Context, backfillJobID string, failed models.FailedVideo) error {
	update := events.VideoUpdate{VideoID: failed.VideoID, Title: failed.Title, Status: models.VideoFailed, Error: failed.Reason}
	return s.settle(ctx, backfillJobID, store.OutcomeFailed, store.BackfillDelta{PipelineFailed: 1, Failed: &failed}, update)
}

func (s *Service) settle(ctx context.Context, backfillJobID, outcome string, d store.BackfillDelta, update events.VideoUpdate) error {
	bf, counted, err := s.store.SettleBackfillVideo(ctx, backfillJobID, update.VideoID, outcome, d)
	if errors.Is(err, store.ErrBackfillClosed) || errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if counted {
		s.publish(ctx, bf, &update)
	}
	return nil
}
