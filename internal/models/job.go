package models

import (
	"encoding/json"
	"time"
)

// Job kinds handled by the worker pool.
const (
	KindProcessVideo = "process_video"
	KindBackfillScan = "backfill_scan"
)

// Job states tracked by the broker.
const (
	StateWaiting   = "waiting"
	StateDelayed   = "delayed"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Job is a work queue record. It lives in Redis only.
type Job struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Priority    string          `json:"priority"`
	State       string          `json:"state"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	DedupKey    string          `json:"dedup_key,omitempty"`
	Tag         string          `json:"tag,omitempty"`
	Progress    int             `json:"progress"`
	Label       string          `json:"label,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	LockUntil   time.Time       `json:"lock_until,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	FinishedAt  time.Time       `json:"finished_at,omitempty"`
}

// Decode unmarshals the job payload into v.
func (j Job) Decode(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// ProcessVideoPayload is the payload of a process_video job.
type ProcessVideoPayload struct {
	VideoID       string `json:"video_id"`
	AgentID       string `json:"agent_id"`
	ExternalID    string `json:"external_id"`
	URL           string `json:"url"`
	BackfillJobID string `json:"backfill_job_id,omitempty"`
}

// BackfillScanPayload is the payload of a backfill_scan job.
type BackfillScanPayload struct {
	BackfillJobID string    `json:"backfill_job_id"`
	AgentID       string    `json:"agent_id"`
	ChannelID     string    `json:"channel_id"`
	Since         time.Time `json:"since"`
}
