package websub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JeffreyAdu/church-media-automation/internal/logger"
	"github.com/JeffreyAdu/church-media-automation/internal/media"
	"github.com/JeffreyAdu/church-media-automation/internal/models"
	"github.com/JeffreyAdu/church-media-automation/internal/pipeline"
	"github.com/JeffreyAdu/church-media-automation/internal/store"
)

const intakeTimeout = time.Minute

// IntakeStore resolves channels and registers announced videos.
type IntakeStore interface {
	AgentByChannel(ctx context.Context, channelID string) (models.Agent, error)
	UpsertVideo(ctx context.Context, v models.Video) (models.Video, bool, error)
}

// Intake turns verified notifications into process_video jobs. The hub is acknowledged
// before the work runs, so failures here only reach the log.
type Intake struct {
	store IntakeStore
	queue pipeline.Enqueuer
	log   logger.Logger
	wg    sync.WaitGroup
}

// NewIntake builds an intake.
func NewIntake(st IntakeStore, q pipeline.Enqueuer, log logger.Logger) *Intake {
	return &Intake{store: st, queue: q, log: log}
}

// Submit processes body in the background.
func (in *Intake) Submit(body []byte) {
	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), intakeTimeout)
		defer cancel()
		if _, err := in.Process(ctx, body); err != nil {
			in.log.Warn("notification intake failed", logger.Error(err))
		}
	}()
}

// Process registers every announced video and enqueues the new ones. It returns how many
// jobs were accepted.
func (in *Intake) Process(ctx context.Context, body []byte) (int, error) {
	entries, err := ParseNotification(body)
	if err != nil {
		return 0, err
	}
	var accepted int
	var errs []error
	for _, e := range entries {
		ok, err := in.register(ctx, e)
		if err != nil {
			errs = append(errs, fmt.Errorf("video %s: %w", e.VideoID, err))
			continue
		}
		if ok {
			accepted++
		}
	}
	return accepted, errors.Join(errs...)
}

func (in *Intake) register(ctx context.Context, e Entry) (bool, error) {
	log := in.log.With(logger.String("external_id", e.VideoID), logger.String("channel_id", e.ChannelID))
	agent, err := in.store.AgentByChannel(ctx, e.ChannelID)
	if errors.Is(err, store.ErrNotFound) {
		log.Info("notification for unknown channel")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !agent.Active() {
		log.Info("agent not active; notification ignored", logger.String("agent_id", agent.ID), logger.String("status", agent.Status))
		return false, nil
	}

	url := e.URL
	if url == "" {
		url = media.WatchURL(e.VideoID)
	}
	v, _, err := in.store.UpsertVideo(ctx, models.Video{
		AgentID:     agent.ID,
		ExternalID:  e.VideoID,
		URL:         url,
		Title:       e.Title,
		PublishedAt: e.PublishedAt,
	})
	if err != nil {
		return false, fmt.Errorf("upsert video: %w", err)
	}
	if v.Status != models.VideoDiscovered {
		return false, nil
	}
	res, err := pipeline.EnqueueVideo(ctx, in.queue, v, "")
	if err != nil {
		return false, fmt.Errorf("enqueue video: %w", err)
	}
	log.Info("notification enqueued", logger.String("video_id", v.ID), logger.Bool("accepted", res.Accepted), logger.String("job_id", res.JobID))
	return res.Accepted, nil
}

// Wait blocks until background intake has drained or ctx ends.
func (in *Intake) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		in.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
