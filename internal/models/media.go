package models

import "time"

// Agent statuses.
const (
	AgentActive   = "active"
	AgentPaused   = "paused"
	AgentDisabled = "disabled"
)

// Subscription statuses.
const (
	SubscriptionSubscribed = "subscribed"
	SubscriptionExpired    = "expired"
	SubscriptionError      = "error"
)

// Agent owns one upstream channel and publishes its sermons as a podcast feed.
type Agent struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	ChannelID string  `json:"channel_id"`
	Status    string  `json:"status"`
	IntroURL  *string `json:"intro_url,omitempty"`
	OutroURL  *string `json:"outro_url,omitempty"`

	Subscription Subscription `json:"subscription"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Active reports whether the agent accepts new work.
func (a Agent) Active() bool { return a.Status == AgentActive }

// Subscription is the WebSub lease an agent holds on its channel feed.
type Subscription struct {
	TopicURL     string     `json:"topic_url,omitempty"`
	CallbackURL  string     `json:"callback_url,omitempty"`
	LeaseSeconds int        `json:"lease_seconds,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Status       string     `json:"status,omitempty"`
}

// Video statuses.
const (
	VideoDiscovered = "discovered"
	VideoProcessing = "processing"
	VideoProcessed  = "processed"
	VideoFailed     = "failed"
)

// Video is an upstream video known to the system.
type Video struct {
	ID            string     `json:"id"`
	AgentID       string     `json:"agent_id"`
	ExternalID    string     `json:"external_id"`
	URL           string     `json:"url"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	ThumbnailURL  string     `json:"thumbnail_url,omitempty"`
	Status        string     `json:"status"`
	ErrorMessage  *string    `json:"error_message,omitempty"`
	PublishedAt   *time.Time `json:"published_at,omitempty"`
	BackfillJobID *string    `json:"backfill_job_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Episode is the podcast episode produced from a processed video.
type Episode struct {
	ID          string    `json:"id"`
	VideoID     string    `json:"video_id"`
	AgentID     string    `json:"agent_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Speaker     string    `json:"speaker,omitempty"`
	AudioURL    string    `json:"audio_url"`
	AudioBytes  int64     `json:"audio_bytes"`
	ArtworkURL  *string   `json:"artwork_url,omitempty"`
	DurationSec float64   `json:"duration_sec"`
	Published   bool      `json:"published"`
	CreatedAt   time.Time `json:"created_at"`
}
