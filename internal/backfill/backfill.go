// Package backfill imports an agent's historical videos.
//
// Start records a BackfillJob and enqueues a backfill_scan job. The scan lists the
// channel, registers every video and enqueues the new ones through the same dedup path
// as live webhook discoveries. Counters advance atomically in the store and every change
// is broadcast on the agent's backfill channel.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JeffreyAdu/church-media-automation/internal/config"
	"github.com/JeffreyAdu/church-media-automation/internal/events"
	"github.com/JeffreyAdu/church-media-automation/internal/failure"
	"github.com/JeffreyAdu/church-media-automation/internal/logger"
	"github.com/JeffreyAdu/church-media-automation/internal/media"
	"github.com/JeffreyAdu/church-media-automation/internal/models"
	"github.com/JeffreyAdu/church-media-automation/internal/pipeline"
	"github.com/JeffreyAdu/church-media-automation/internal/queue"
	"github.com/JeffreyAdu/church-media-automation/internal/store"
)

var (
	// ErrNotFound is returned for unknown agents and for jobs owned by another agent.
	ErrNotFound = errors.New("backfill: not found")
	// ErrAgentInactive is returned when the agent does not accept new work.
	ErrAgentInactive = errors.New("backfill: agent is not active")
	// ErrAlreadyRunning is returned when the agent has a pending or processing backfill.
	ErrAlreadyRunning = errors.New("backfill: a backfill is already running for this agent")
	// ErrNotCancellable is returned when cancelling a finished backfill.
	ErrNotCancellable = errors.New("backfill: job is no longer pending or processing")
)

// Store is the durable record store used by backfills.
type Store interface {
	GetAgent(ctx context.Context, id string) (models.Agent, error)
	UpsertVideo(ctx context.Context, v models.Video) (models.Video, bool, error)
	LinkVideoToBackfill(ctx context.Context, videoID, backfillJobID string) error
	VideosForBackfill(ctx context.Context, backfillJobID string) ([]models.Video, error)
	CreateBackfillJob(ctx context.Context, agentID string, since time.Time) (models.BackfillJob, error)
	GetBackfillJob(ctx context.Context, id string) (models.BackfillJob, error)
	ListBackfillJobs(ctx context.Context, agentID string, limit int) ([]models.BackfillJob, error)
	SetBackfillQueueJob(ctx context.Context, id, queueJobID string) (models.BackfillJob, error)
	BeginBackfillScan(ctx context.Context, id string, total int) (models.BackfillJob, error)
	AdvanceBackfill(ctx context.Context, id string, d store.BackfillDelta) (models.BackfillJob, error)
	SettleBackfillVideo(ctx context.Context, backfillJobID, videoID, outcome string, d store.BackfillDelta) (models.BackfillJob, bool, error)
	FinishBackfillScan(ctx context.Context, id string) (models.BackfillJob, error)
	FailBackfill(ctx context.Context, id, reason string) (models.BackfillJob, error)
	CancelBackfill(ctx context.Context, id, agentID, reason string) (models.BackfillJob, error)
}

// Lister lists a channel's uploads.
type Lister interface {
	ListVideosSince(ctx context.Context, channelID string, since time.Time) ([]media.VideoInfo, error)
}

// Queue is the part of the work queue a backfill drives.
type Queue interface {
	pipeline.Enqueuer
	CancelTagged(ctx context.Context, tag string) ([]string, error)
}

// Bridge publishes backfill events and lets a running scan hear its own cancellation.
type Bridge interface {
	events.Publisher
	Subscribe(ctx context.Context, channel string) (*events.Subscription, error)
}

// Service starts, runs, cancels and reports backfills.
type Service struct {
	store         Store
	lister        Lister
	queue         Queue
	bridge        Bridge
	log           logger.Logger
	progressEvery int
}

// NewService wires a backfill service.
func NewService(cfg config.Config, st Store, lister Lister, q Queue, bridge Bridge, log logger.Logger) *Service {
	every := cfg.BackfillProgressEvery
	if every < 1 {
		every = 5
	}
	return &Service{store: st, lister: lister, queue: q, bridge: bridge, log: log, progressEvery: every}
}

// Start creates a backfill for an active agent and schedules its scan.
func (s *Service) Start(ctx context.Context, agentID string, since time.Time) (models.BackfillJob, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return models.BackfillJob{}, ErrNotFound
	}
	if err != nil {
		return models.BackfillJob{}, err
	}
	if !agent.Active() {
		return models.BackfillJob{}, ErrAgentInactive
	}

	job, err := s.store.CreateBackfillJob(ctx, agentID, since)
	if errors.Is(err, store.ErrBackfillActive) {
		return models.BackfillJob{}, ErrAlreadyRunning
	}
	if err != nil {
		return models.BackfillJob{}, err
	}

	res, err := s.queue.Enqueue(ctx, queue.EnqueueRequest{
		Kind: models.KindBackfillScan,
		Payload: models.BackfillScanPayload{
			BackfillJobID: job.ID,
			AgentID:       agentID,
			ChannelID:     agent.ChannelID,
			Since:         since,
		},
		DedupKey: "backfill:" + job.ID,
		Tag:      pipeline.BackfillTag(agentID),
	})
	if err != nil {
		if _, ferr := s.store.FailBackfill(ctx, job.ID, failure.GenericMessage); ferr != nil {
			s.log.Warn("could not fail unscheduled backfill", logger.String("backfill_id", job.ID), logger.Error(ferr))
		}
		return models.BackfillJob{}, fmt.Errorf("enqueue backfill scan: %w", err)
	}
	job, err = s.store.SetBackfillQueueJob(ctx, job.ID, res.JobID)
	if err != nil {
		return models.BackfillJob{}, err
	}
	s.log.Info("backfill started",
		logger.String("backfill_id", job.ID),
		logger.String("agent_id", agentID),
		logger.Time("since", since))
	s.publish(ctx, job, nil)
	return job, nil
}

// Cancel stops an agent's pending or processing backfill. Queued work tagged for the
// agent is withdrawn and each withdrawn job's stream is told it was cancelled; jobs
// already leased by a worker run to completion.
func (s *Service) Cancel(ctx context.Context, agentID, jobID string) (models.BackfillJob, error) {
	job, err := s.store.CancelBackfill(ctx, jobID, agentID, failure.MessageFor(failure.ReasonCancelled))
	switch {
	case errors.Is(err, store.ErrNotFound):
		return models.BackfillJob{}, ErrNotFound
	case errors.Is(err, store.ErrBackfillClosed):
		return job, ErrNotCancellable
	case err != nil:
		return models.BackfillJob{}, err
	}

	removed := s.withdraw(ctx, s.log.With(logger.String("backfill_id", jobID)), agentID)
	s.log.Info("backfill cancelled",
		logger.String("backfill_id", jobID),
		logger.String("agent_id", agentID),
		logger.Int("withdrawn_jobs", removed))

	if err := s.bridge.Publish(ctx, events.AgentChannel(agentID), events.BackfillEvent{Type: events.TypeCancelled, Job: job}); err != nil {
		s.log.Warn("publish cancel failed", logger.String("backfill_id", jobID), logger.Error(err))
	}
	return job, nil
}

// Status returns the job's counters and its videos grouped by outcome.
func (s *Service) Status(ctx context.Context, agentID, jobID string) (models.BackfillStatus, error) {
	job, err := s.store.GetBackfillJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && job.AgentID != agentID) {
		return models.BackfillStatus{}, ErrNotFound
	}
	if err != nil {
		return models.BackfillStatus{}, err
	}
	videos, err := s.store.VideosForBackfill(ctx, jobID)
	if err != nil {
		return models.BackfillStatus{}, err
	}
	st := models.BackfillStatus{Job: job, Active: []models.Video{}, Completed: []models.Video{}, Failed: []models.Video{}}
	for _, v := range videos {
		switch v.Status {
		case models.VideoProcessed:
			st.Completed = append(st.Completed, v)
		case models.VideoFailed:
			st.Failed = append(st.Failed, v)
		default:
			st.Active = append(st.Active, v)
		}
	}
	return st, nil
}

// List returns the agent's recent backfills, newest first.
func (s *Service) List(ctx context.Context, agentID string, limit int) ([]models.BackfillJob, error) {
	if _, err := s.store.GetAgent(ctx, agentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s.store.ListBackfillJobs(ctx, agentID, limit)
}

// Snapshot reads the agent's backfill list for a new stream listener. Each job is also
// rendered as the event that last announced it.
func (s *Service) Snapshot(agentID string, limit int) events.SnapshotFunc {
	return func(ctx context.Context) (events.Snapshot, error) {
		jobs, err := s.List(ctx, agentID, limit)
		if err != nil {
			return events.Snapshot{}, err
		}
		items := make([]any, 0, len(jobs))
		for _, j := range jobs {
			items = append(items, events.BackfillEvent{Type: events.TypeBackfill, Job: j})
		}
		return events.Snapshot{Value: jobs, Items: items}, nil
	}
}

func (s *Service) publish(ctx context.Context, job models.BackfillJob, video *events.VideoUpdate) {
	ev := events.BackfillEvent{Type: events.TypeBackfill, Job: job, Video: video}
	if err := s.bridge.Publish(ctx, events.AgentChannel(job.AgentID), ev); err != nil {
		s.log.Warn("publish backfill update failed", logger.String("backfill_id", job.ID), logger.Error(err))
	}
}
