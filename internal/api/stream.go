package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JeffreyAdu/church-media-automation/internal/backfill"
	"github.com/JeffreyAdu/church-media-automation/internal/events"
	"github.com/JeffreyAdu/church-media-automation/internal/logger"
	"github.com/JeffreyAdu/church-media-automation/internal/models"
	"github.com/JeffreyAdu/church-media-automation/internal/queue"
)

// frame is one SSE data message.
type frame struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Data    any             `json:"data,omitempty"`
	Event   json.RawMessage `json:"event,omitempty"`
}

// done decides from an update whether the stream has ended.
type done func(data json.RawMessage) bool

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	snapshot := func(ctx context.Context) (events.Snapshot, error) {
		job, err := s.Jobs.Get(ctx, jobID)
		if err != nil {
			return events.Snapshot{}, err
		}
		var payload models.ProcessVideoPayload
		_ = job.Decode(&payload)
		ev := events.ProgressFromJob(job, payload.VideoID)
		return events.Snapshot{Value: ev, Items: []any{ev}}, nil
	}
	s.stream(w, r, events.JobChannel(jobID), snapshot,
		func(v any) bool { return v.(events.ProgressEvent).Terminal() },
		func(data json.RawMessage) bool {
			var ev events.ProgressEvent
			return json.Unmarshal(data, &ev) == nil && ev.Terminal()
		})
}

// handleBackfillStream follows every backfill of an agent. It ends once an update
// leaves no job of the agent pending or processing.
func (s *Server) handleBackfillStream(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	open := map[string]bool{}
	snapshot := s.Backfills.Snapshot(agentID, limitParam(r, 20, 100))
	s.stream(w, r, events.AgentChannel(agentID), snapshot,
		func(v any) bool {
			for _, j := range v.([]models.BackfillJob) {
				if !j.Terminal() {
					open[j.ID] = true
				}
			}
			return false
		},
		func(data json.RawMessage) bool {
			var ev events.BackfillEvent
			if json.Unmarshal(data, &ev) != nil {
				return false
			}
			if !ev.Terminal() {
				open[ev.Job.ID] = true
				return false
			}
			delete(open, ev.Job.ID)
			return len(open) == 0
		})
}

// stream writes the connected and snapshot frames, then live updates with keep-alive
// pings until finished reports true or the client goes away.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, channel string, snapshot events.SnapshotFunc, settled func(any) bool, finished done) {
	ctx := r.Context()
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	st, err := s.Streams.Stream(ctx, channel, snapshot)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) || errors.Is(err, backfill.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		s.internalError(w, r, err)
		return
	}
	defer st.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if writeFrame(w, frame{Type: "connected", Channel: channel}) != nil {
		return
	}
	if writeFrame(w, frame{Type: "snapshot", Data: st.Snapshot}) != nil {
		return
	}
	flusher.Flush()
	if settled(st.Snapshot) {
		return
	}

	for {
		next, cancel := context.WithTimeout(ctx, s.pingEvery)
		data, err := st.Next(next)
		cancel()
		switch {
		case err == nil:
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
			continue
		default:
			if ctx.Err() == nil {
				s.log.Warn("event stream ended", logger.String("channel", channel), logger.Error(err))
			}
			return
		}
		if writeFrame(w, frame{Type: "update", Event: data}) != nil {
			return
		}
		flusher.Flush()
		if finished(data) {
			return
		}
	}
}

func writeFrame(w http.ResponseWriter, f frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", b)
	return err
}
