package models

import "time"

// Backfill job statuses.
const (
	BackfillPending    = "pending"
	BackfillProcessing = "processing"
	BackfillCompleted  = "completed"
	BackfillFailed     = "failed"
	BackfillCancelled  = "cancelled"
)

// BackfillJob tracks a bulk historical import for one agent.
type BackfillJob struct {
	ID              string        `json:"id"`
	AgentID         string        `json:"agent_id"`
	Status          string        `json:"status"`
	SinceDate       time.Time     `json:"since_date"`
	TotalVideos     int           `json:"total_videos"`
	ProcessedVideos int           `json:"processed_videos"`
	EnqueuedVideos  int           `json:"enqueued_videos"`
	CompletedVideos int           `json:"completed_videos"`
	ScanComplete    bool          `json:"scan_complete"`
	FailedVideos    []FailedVideo `json:"failed_videos"`
	Error           *string       `json:"error,omitempty"`
	QueueJobID      string        `json:"queue_job_id,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`

	// ScanCursor is the external id of the last listed video the scan counted, and
	// ScanCursorAt its publish time. A retried scan resumes after it.
	ScanCursor   string     `json:"-"`
	ScanCursorAt *time.Time `json:"-"`
}

// Terminal reports whether the job can no longer change.
func (b BackfillJob) Terminal() bool {
	switch b.Status {
	case BackfillCompleted, BackfillFailed, BackfillCancelled:
		return true
	}
	return false
}

// Cancellable reports whether cancel is permitted in the current status.
func (b BackfillJob) Cancellable() bool {
	return b.Status == BackfillPending || b.Status == BackfillProcessing
}

// FailedVideo is a per-video failure recorded on a backfill job.
type FailedVideo struct {
	VideoID    string `json:"video_id"`
	ExternalID string `json:"external_id,omitempty"`
	Title      string `json:"title"`
	Reason     string `json:"reason"`
}

// BackfillStatus is the status poll view: counters plus per-video lists.
type BackfillStatus struct {
	Job       BackfillJob `json:"job"`
	Active    []Video     `json:"active"`
	Completed []Video     `json:"completed"`
	Failed    []Video     `json:"failed"`
}
