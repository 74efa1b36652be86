package pipeline

import (
	"context"

	"github.com/JeffreyAdu/church-media-automation/internal/models"
	"github.com/JeffreyAdu/church-media-automation/internal/queue"
)

// Enqueuer submits jobs to the work queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (queue.EnqueueResult, error)
}

// DedupKey is the in-flight identity of a video job.
func DedupKey(agentID, externalID string) string {
	return "video:" + agentID + ":" + externalID
}

// BackfillTag groups the queued work a backfill created for an agent.
func BackfillTag(agentID string) string {
	return "backfill:" + agentID
}

// EnqueueVideo submits a process_video job for v. Live discoveries run at high priority;
// backfill work runs at low priority and is tagged so a cancel can withdraw it.
func EnqueueVideo(ctx context.Context, q Enqueuer, v models.Video, backfillJobID string) (queue.EnqueueResult, error) {
	req := queue.EnqueueRequest{
		Kind: models.KindProcessVideo,
		Payload: models.ProcessVideoPayload{
			VideoID:       v.ID,
			AgentID:       v.AgentID,
			ExternalID:    v.ExternalID,
			URL:           v.URL,
			BackfillJobID: backfillJobID,
		},
		Priority: "high",
		DedupKey: DedupKey(v.AgentID, v.ExternalID),
	}
	if backfillJobID != "" {
		req.Priority = "low"
		req.Tag = BackfillTag(v.AgentID)
	}
	return q.Enqueue(ctx, req)
}
