package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/JeffreyAdu/church-media-automation/internal/backfill"
	"github.com/JeffreyAdu/church-media-automation/internal/config"
	"github.com/JeffreyAdu/church-media-automation/internal/events"
	"github.com/JeffreyAdu/church-media-automation/internal/logger"
	"github.com/JeffreyAdu/church-media-automation/internal/models"
	"github.com/JeffreyAdu/church-media-automation/internal/queue"
	"github.com/JeffreyAdu/church-media-automation/internal/ratelimit"
	"github.com/JeffreyAdu/church-media-automation/internal/store"
	"github.com/JeffreyAdu/church-media-automation/internal/telemetry"
	"github.com/JeffreyAdu/church-media-automation/internal/websub"
)

// Backfills starts, cancels and reports backfill jobs.
type Backfills interface {
	Start(ctx context.Context, agentID string, since time.Time) (models.BackfillJob, error)
	Cancel(ctx context.Context, agentID, jobID string) (models.BackfillJob, error)
	Status(ctx context.Context, agentID, jobID string) (models.BackfillStatus, error)
	List(ctx context.Context, agentID string, limit int) ([]models.BackfillJob, error)
	Snapshot(agentID string, limit int) events.SnapshotFunc
}

// Jobs reads queue job records.
type Jobs interface {
	Get(ctx context.Context, jobID string) (models.Job, error)
	Failed(ctx context.Context, count int64) ([]models.Job, error)
}

// Streamer opens snapshot-primed event streams.
type Streamer interface {
	Stream(ctx context.Context, channel string, snapshot events.SnapshotFunc) (*events.Stream, error)
}

// Agents loads agents.
type Agents interface {
	GetAgent(ctx context.Context, id string) (models.Agent, error)
}

// Hub manages an agent's subscription at the hub.
type Hub interface {
	Subscribe(ctx context.Context, agent models.Agent) error
	Unsubscribe(ctx context.Context, agent models.Agent) error
}

// IntentVerifier answers hub verification requests.
type IntentVerifier interface {
	VerifyIntent(ctx context.Context, in websub.Intent) (string, error)
}

// Notifications accepts verified notification bodies for background processing.
type Notifications interface {
	Submit(body []byte)
}

// Limiter is a keyed rate limiter.
type Limiter interface {
	Take(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Deps are the collaborators behind the HTTP surface. Limiter may be nil.
type Deps struct {
	Backfills Backfills
	Jobs      Jobs
	Streams   Streamer
	Agents    Agents
	Hub       Hub
	Verifier  IntentVerifier
	Intake    Notifications
	Limiter   Limiter
}

// Server wires HTTP handlers for the operator API and the hub webhooks.
type Server struct {
	Deps
	cfg       config.Config
	log       logger.Logger
	validate  *validator.Validate
	pingEvery time.Duration
}

// New constructs the API server.
func New(cfg config.Config, deps Deps, log logger.Logger) *Server {
	return &Server{
		Deps:      deps,
		cfg:       cfg,
		log:       log,
		validate:  validator.New(),
		pingEvery: 15 * time.Second,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())
	if s.cfg.S3Bucket == "" && s.cfg.LocalStorageDir != "" {
		r.Handle("/media/*", http.StripPrefix("/media/", http.FileServer(http.Dir(s.cfg.LocalStorageDir))))
	}

	r.Route("/agents/{agentID}", func(r chi.Router) {
		r.Post("/backfill", s.handleStartBackfill)
		r.Get("/backfill", s.handleListBackfills)
		r.Get("/backfill/stream", s.handleBackfillStream)
		r.Get("/backfill/{jobID}", s.handleBackfillStatus)
		r.Post("/backfill/{jobID}/cancel", s.handleCancelBackfill)
		r.Post("/subscription", s.handleSubscribe)
		r.Delete("/subscription", s.handleUnsubscribe)
	})

	r.Get("/jobs/{jobID}", s.handleGetJob)
	r.Get("/jobs/{jobID}/stream", s.handleJobStream)
	r.Get("/queue/failed", s.handleFailed)

	r.Get("/webhooks/youtube", s.handleVerifyIntent)
	r.Post("/webhooks/youtube", s.handleNotification)
	return r
}

type startBackfillRequest struct {
	Since string `json:"since" validate:"required"`
}

func (s *Server) handleStartBackfill(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	var req startBackfillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		http.Error(w, "since is required", http.StatusBadRequest)
		return
	}
	since, err := parseSince(req.Since)
	if err != nil {
		http.Error(w, "since must be RFC3339 or YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	if !s.allow(w, r, ratelimit.BackfillKey(agentID)) {
		return
	}

	job, err := s.Backfills.Start(r.Context(), agentID, since)
	if err != nil {
		s.backfillError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListBackfills(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.Backfills.List(r.Context(), chi.URLParam(r, "agentID"), limitParam(r, 20, 100))
	if err != nil {
		s.backfillError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleBackfillStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.Backfills.Status(r.Context(), chi.URLParam(r, "agentID"), chi.URLParam(r, "jobID"))
	if err != nil {
		s.backfillError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCancelBackfill(w http.ResponseWriter, r *http.Request) {
	job, err := s.Backfills.Cancel(r.Context(), chi.URLParam(r, "agentID"), chi.URLParam(r, "jobID"))
	if err != nil {
		s.backfillError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) backfillError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, backfill.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, backfill.ErrAgentInactive):
		http.Error(w, "agent is not active", http.StatusConflict)
	case errors.Is(err, backfill.ErrAlreadyRunning):
		http.Error(w, "a backfill is already running for this agent", http.StatusConflict)
	case errors.Is(err, backfill.ErrNotCancellable):
		http.Error(w, "backfill is no longer pending or processing", http.StatusConflict)
	default:
		s.internalError(w, r, err)
	}
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	s.subscription(w, r, s.Hub.Subscribe)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	s.subscription(w, r, s.Hub.Unsubscribe)
}

func (s *Server) subscription(w http.ResponseWriter, r *http.Request, call func(context.Context, models.Agent) error) {
	agent, err := s.Agents.GetAgent(r.Context(), chi.URLParam(r, "agentID"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if err := call(r.Context(), agent); err != nil {
		if errors.Is(err, websub.ErrHubRejected) {
			http.Error(w, "hub rejected the request", http.StatusBadGateway)
			return
		}
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested", "topic": websub.TopicURL(agent.ChannelID)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.Jobs.Get(r.Context(), chi.URLParam(r, "jobID"))
	if errors.Is(err, queue.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleFailed returns the most recently failed jobs.
func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.Jobs.Failed(r.Context(), int64(limitParam(r, 50, 500)))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
}

// allow applies the limiter. It writes the rejection itself and reports false.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, key string) bool {
	if s.Limiter == nil {
		return true
	}
	d, err := s.Limiter.Take(r.Context(), key)
	if err != nil {
		s.log.Warn("rate limiter unavailable", logger.String("key", key), logger.Error(err))
		return true
	}
	if d.Allowed {
		return true
	}
	telemetry.RateLimitRejects.Inc()
	if d.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
	}
	http.Error(w, "rate limited", http.StatusTooManyRequests)
	return false
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Error("request failed",
		logger.String("path", r.URL.Path),
		logger.String("request_id", middleware.GetReqID(r.Context())),
		logger.Error(err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func parseSince(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, v)
}

func limitParam(r *http.Request, def, max int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n < 1 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
