package events

import "github.com/JeffreyAdu/church-media-automation/internal/models"

// JobChannel carries progress for one queue job.
func JobChannel(jobID string) string { return "job:progress:" + jobID }

// AgentChannel carries backfill job updates for one agent.
func AgentChannel(agentID string) string { return "agent:backfill:" + agentID }

// Event types.
const (
	TypeProgress  = "progress"
	TypeBackfill  = "backfill"
	TypeCancelled = "cancelled"
)

// Job progress statuses.
const (
	StatusQueued    = "queued"
	StatusActive    = "active"
	StatusRetrying  = "retrying"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// ProgressEvent reports a pipeline stage transition for a job.
type ProgressEvent struct {
	Type     string `json:"type"`
	JobID    string `json:"job_id"`
	VideoID  string `json:"video_id,omitempty"`
	Progress int    `json:"progress"`
	Label    string `json:"label"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// Terminal reports whether no further events follow for the job.
func (e ProgressEvent) Terminal() bool {
	switch e.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return e.Progress >= 100
}

// ProgressFromJob renders a queue record as the event a listener would have seen last.
func ProgressFromJob(job models.Job, videoID string) ProgressEvent {
	ev := ProgressEvent{
		Type:     TypeProgress,
		JobID:    job.ID,
		VideoID:  videoID,
		Progress: job.Progress,
		Label:    job.Label,
	}
	switch job.State {
	case models.StateActive:
		ev.Status = StatusActive
		if job.Progress >= 100 {
			ev.Status = StatusCompleted
		}
	case models.StateCompleted:
		ev.Status = StatusCompleted
	case models.StateFailed:
		ev.Status = StatusFailed
		ev.Error = job.LastError
	case models.StateDelayed:
		if job.Attempts > 0 {
			ev.Status = StatusRetrying
			ev.Error = job.LastError
		} else {
			ev.Status = StatusQueued
		}
	default:
		ev.Status = StatusQueued
	}
	return ev
}

// BackfillEvent reports a backfill job change on the agent channel.
type BackfillEvent struct {
	Type string             `json:"type"`
	Job  models.BackfillJob `json:"job"`
	// Video is set when the change was caused by one of the job's videos.
	Video *VideoUpdate `json:"video,omitempty"`
}

// VideoUpdate is a per-video status transition inside a backfill.
type VideoUpdate struct {
	VideoID string `json:"video_id"`
	Title   string `json:"title,omitempty"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// Terminal reports whether the backfill job can no longer change.
func (e BackfillEvent) Terminal() bool { return e.Job.Terminal() }
