// Package pipeline drives one video from download to a published episode.
//
// Stages run strictly in order. Every stage entry records (progress, label) on the queue
// job and publishes it on the job's event channel. A failing stage aborts the run; the
// worker's retry policy decides whether the whole job runs again. A retried job never
// reports less progress than its earlier attempts recorded.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/JeffreyAdu/church-media-automation/internal/ai"
	"github.com/JeffreyAdu/church-media-automation/internal/config"
	"github.com/JeffreyAdu/church-media-automation/internal/events"
	"github.com/JeffreyAdu/church-media-automation/internal/failure"
	"github.com/JeffreyAdu/church-media-automation/internal/logger"
	"github.com/JeffreyAdu/church-media-automation/internal/media"
	"github.com/JeffreyAdu/church-media-automation/internal/models"
	"github.com/JeffreyAdu/church-media-automation/internal/storage"
	"github.com/JeffreyAdu/church-media-automation/internal/store"
	"github.com/JeffreyAdu/church-media-automation/internal/telemetry"
)

// minSegmentSec rejects boundaries too short to be a sermon.
const minSegmentSec = 60

// Store is the durable record store used by the pipeline.
type Store interface {
	GetVideo(ctx context.Context, id string) (models.Video, error)
	GetAgent(ctx context.Context, id string) (models.Agent, error)
	SetVideoStatus(ctx context.Context, id, status string, errorMessage *string) (bool, error)
	CreateEpisode(ctx context.Context, ep models.Episode) (models.Episode, bool, error)
}

// Fetcher downloads source media.
type Fetcher interface {
	Download(ctx context.Context, url, externalID, dir string) (media.Download, error)
}

// Transcoder runs the audio operations.
type Transcoder interface {
	DetectSpeech(ctx context.Context, input string) (media.Span, error)
	Compress(ctx context.Context, input, output string, span media.Span) error
	Extract(ctx context.Context, input, output string, span media.Span) error
	Assemble(ctx context.Context, parts []string, output string) error
	Duration(ctx context.Context, path string) (float64, error)
}

// Transcriber turns audio into timed text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (media.Transcript, error)
}

// Analyzer is the AI boundary, metadata and publish-decision functions.
type Analyzer interface {
	Boundary(ctx context.Context, video ai.VideoContext, tr media.Transcript) (ai.BoundaryResult, error)
	Metadata(ctx context.Context, video ai.VideoContext, sermon media.Transcript) (ai.MetadataResult, error)
	PublishDecision(ctx context.Context, meta ai.MetadataResult, span media.Span, sermon media.Transcript) (ai.PublishDecision, error)
}

// ArtworkBuilder renders episode cover art from a thumbnail URL.
type ArtworkBuilder interface {
	Build(ctx context.Context, sourceURL string) ([]byte, error)
}

// JobTracker records progress on the queue job.
type JobTracker interface {
	SetProgress(ctx context.Context, jobID string, progress int, label string) error
	Get(ctx context.Context, jobID string) (models.Job, error)
}

// BackfillTracker accounts for videos enqueued by a backfill.
type BackfillTracker interface {
	VideoChanged(ctx context.Context, backfillJobID string, update events.VideoUpdate) error
	VideoSucceeded(ctx context.Context, backfillJobID string, update events.VideoUpdate) error
	VideoFailed(ctx context.Context, backfillJobID string, failed models.FailedVideo) error
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Store       Store
	Fetcher     Fetcher
	Transcoder  Transcoder
	Transcriber Transcriber
	Analyzer    Analyzer
	Artwork     ArtworkBuilder
	Objects     storage.Store
	Jobs        JobTracker
	Events      events.Publisher
	Backfill    BackfillTracker
}

// Pipeline handles process_video jobs.
type Pipeline struct {
	Deps
	workDir      string
	stageTimeout time.Duration
	now          func() time.Time
}

// New builds a pipeline. Backfill and Artwork may be nil.
func New(cfg config.Config, deps Deps) *Pipeline {
	return &Pipeline{
		Deps:         deps,
		workDir:      cfg.WorkDir,
		stageTimeout: cfg.StageTimeout,
		now:          time.Now,
	}
}

// run is the state of one pipeline execution.
type run struct {
	job     *models.Job
	payload models.ProcessVideoPayload
	video   models.Video
	agent   models.Agent
	dir     string
	log     logger.Logger

	source     media.Download
	speech     media.Span
	transcript media.Transcript
	segment    media.Span
	sermon     media.Transcript
	meta       ai.MetadataResult
	decision   ai.PublishDecision
	clipPath   string
	outPath    string
	duration   float64
	audio      storage.PutResult
	artworkURL *string
}

type step struct {
	stage string
	fn    func(ctx context.Context, r *run) error
}

// Handle runs the pipeline for one process_video job.
func (p *Pipeline) Handle(ctx context.Context, job *models.Job) error {
	var payload models.ProcessVideoPayload
	if err := job.Decode(&payload); err != nil {
		return failure.Validation("", "decode payload", err)
	}
	log := logger.FromContext(ctx).With(
		logger.String("video_id", payload.VideoID),
		logger.String("agent_id", payload.AgentID))

	video, err := p.Store.GetVideo(ctx, payload.VideoID)
	if errors.Is(err, store.ErrNotFound) {
		return failure.Validation("", "load video", err)
	}
	if err != nil {
		return fmt.Errorf("load video: %w", err)
	}
	if video.Status == models.VideoProcessed {
		log.Info("video already processed; skipping")
		r := &run{job: job, payload: payload, video: video, log: log}
		if err := p.backfillSucceeded(ctx, r, video.Title); err != nil {
			return err
		}
		p.advance(ctx, r, StageComplete, events.StatusCompleted)
		return nil
	}
	agent, err := p.Store.GetAgent(ctx, video.AgentID)
	if err != nil {
		return fmt.Errorf("load agent: %w", err)
	}
	if _, err := p.Store.SetVideoStatus(ctx, video.ID, models.VideoProcessing, nil); err != nil {
		return err
	}
	p.videoChanged(ctx, log, payload, video, models.VideoProcessing, "")

	dir := filepath.Join(p.workDir, "job-"+job.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return failure.Internal(failure.ReasonMedia, "workdir", err)
	}
	defer p.cleanup(log, dir)

	r := &run{job: job, payload: payload, video: video, agent: agent, dir: dir, log: log}
	steps := []step{
		{StageDownloading, p.download},
		{StageSpeechDetect, p.detectSpeech},
		{StageTranscribing, p.transcribe},
		{StageBoundary, p.boundary},
		{StageMetadata, p.metadata},
		{StagePublishDecide, p.publishDecision},
		{StageExtracting, p.extract},
		{StageAssembling, p.assemble},
		{StageUploading, p.upload},
		{StageRecording, p.record},
	}
	for _, s := range steps {
		p.advance(ctx, r, s.stage, events.StatusActive)
		if err := p.runStage(ctx, r, s); err != nil {
			log.Warn("stage failed", logger.String("stage", s.stage), logger.Error(err))
			return err
		}
	}
	p.advance(ctx, r, StageComplete, events.StatusCompleted)
	log.Info("episode published",
		logger.String("title", r.meta.Title),
		logger.Bool("published", r.decision.Publish),
		logger.Float64("duration_sec", r.duration))
	return nil
}

func (p *Pipeline) runStage(ctx context.Context, r *run, s step) error {
	if p.stageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.stageTimeout)
		defer cancel()
	}
	start := p.now()
	err := s.fn(ctx, r)
	telemetry.StageDuration.WithLabelValues(s.stage).Observe(p.now().Sub(start).Seconds())
	return err
}

// advance records the stage on the job and publishes it. Neither failure stops the run.
// Progress is floored at what the job already recorded, so a retry resumes its bar where
// the last attempt left it.
func (p *Pipeline) advance(ctx context.Context, r *run, stage, status string) {
	progress := max(Progress(stage), r.job.Progress)
	if err := p.Jobs.SetProgress(ctx, r.job.ID, progress, stage); err != nil {
		r.log.Warn("record progress failed", logger.String("stage", stage), logger.Error(err))
	}
	r.job.Progress, r.job.Label = progress, stage
	ev := events.ProgressEvent{
		Type:     events.TypeProgress,
		JobID:    r.job.ID,
		VideoID:  r.video.ID,
		Progress: progress,
		Label:    stage,
		Status:   status,
	}
	if err := p.Events.Publish(ctx, events.JobChannel(r.job.ID), ev); err != nil {
		r.log.Warn("publish progress failed", logger.String("stage", stage), logger.Error(err))
	}
}

func (p *Pipeline) download(ctx context.Context, r *run) error {
	dl, err := p.Fetcher.Download(ctx, r.video.URL, r.video.ExternalID, r.dir)
	if err != nil {
		return err
	}
	r.source = dl
	if r.video.Title == "" {
		r.video.Title = dl.Title
	}
	return nil
}

func (p *Pipeline) detectSpeech(ctx context.Context, r *run) error {
	span, err := p.Transcoder.DetectSpeech(ctx, r.source.LocalPath)
	if err != nil {
		return err
	}
	if r.source.DurationSec <= 0 {
		r.source.DurationSec = span.End
	}
	r.speech = span
	return nil
}

func (p *Pipeline) transcribe(ctx context.Context, r *run) error {
	compressed := filepath.Join(r.dir, "speech.mp3")
	if err := p.Transcoder.Compress(ctx, r.source.LocalPath, compressed, r.speech); err != nil {
		return err
	}
	tr, err := p.Transcriber.Transcribe(ctx, compressed)
	if err != nil {
		return err
	}
	r.transcript = tr.Offset(r.speech.Start)
	return nil
}

func (p *Pipeline) boundary(ctx context.Context, r *run) error {
	b, err := p.Analyzer.Boundary(ctx, r.videoContext(), r.transcript)
	if err != nil {
		return err
	}
	if !b.Found {
		return failure.Content(failure.ReasonNoSegment, "boundary", errors.New("analyzer found no sermon"))
	}
	seg := media.Span{Start: math.Max(b.StartSec, 0), End: b.EndSec}
	if total := r.source.DurationSec; total > 0 && seg.End > total {
		seg.End = total
	}
	if seg.Duration() < minSegmentSec {
		return failure.Content(failure.ReasonNoSegment, "boundary",
			fmt.Errorf("segment %.1fs-%.1fs is shorter than %ds", seg.Start, seg.End, minSegmentSec))
	}
	r.segment = seg
	r.sermon = ai.Within(r.transcript, seg)
	r.log.Info("sermon located",
		logger.Float64("start_sec", seg.Start),
		logger.Float64("end_sec", seg.End),
		logger.Float64("confidence", b.Confidence))
	return nil
}

func (p *Pipeline) metadata(ctx context.Context, r *run) error {
	meta, err := p.Analyzer.Metadata(ctx, r.videoContext(), r.sermon)
	if err != nil {
		return err
	}
	r.meta = meta
	return nil
}

func (p *Pipeline) publishDecision(ctx context.Context, r *run) error {
	d, err := p.Analyzer.PublishDecision(ctx, r.meta, r.segment, r.sermon)
	if err != nil {
		return err
	}
	r.decision = d
	return nil
}

func (p *Pipeline) extract(ctx context.Context, r *run) error {
	r.clipPath = filepath.Join(r.dir, "segment.mp3")
	return p.Transcoder.Extract(ctx, r.source.LocalPath, r.clipPath, r.segment)
}

// assemble wraps the sermon with the agent's intro and outro. ffmpeg reads the
// bumpers straight from their URLs.
func (p *Pipeline) assemble(ctx context.Context, r *run) error {
	var parts []string
	if r.agent.IntroURL != nil && *r.agent.IntroURL != "" {
		parts = append(parts, *r.agent.IntroURL)
	}
	parts = append(parts, r.clipPath)
	if r.agent.OutroURL != nil && *r.agent.OutroURL != "" {
		parts = append(parts, *r.agent.OutroURL)
	}
	r.outPath = filepath.Join(r.dir, "episode.mp3")
	if err := p.Transcoder.Assemble(ctx, parts, r.outPath); err != nil {
		return err
	}
	d, err := p.Transcoder.Duration(ctx, r.outPath)
	if err != nil {
		return err
	}
	r.duration = d
	return nil
}

func (p *Pipeline) upload(ctx context.Context, r *run) error {
	body, err := os.ReadFile(r.outPath)
	if err != nil {
		return failure.Internal(failure.ReasonMedia, "read episode", err)
	}
	res, err := p.Objects.Put(ctx, body, fmt.Sprintf("episodes/%s/%s.mp3", r.video.AgentID, r.video.ID), "audio/mpeg", true)
	if err != nil {
		return failure.Transient(failure.ReasonStorage, "upload audio", err)
	}
	r.audio = res
	r.artworkURL = p.uploadArtwork(ctx, r)
	return nil
}

// uploadArtwork is best-effort; an episode without artwork falls back to the feed image.
func (p *Pipeline) uploadArtwork(ctx context.Context, r *run) *string {
	if p.Artwork == nil || r.video.ThumbnailURL == "" {
		return nil
	}
	img, err := p.Artwork.Build(ctx, r.video.ThumbnailURL)
	if err != nil {
		r.log.Warn("artwork build failed", logger.Error(err))
		return nil
	}
	res, err := p.Objects.Put(ctx, img, fmt.Sprintf("artwork/%s/%s.jpg", r.video.AgentID, r.video.ID), "image/jpeg", true)
	if err != nil {
		r.log.Warn("artwork upload failed", logger.Error(err))
		return nil
	}
	return &res.PublicURL
}

func (p *Pipeline) record(ctx context.Context, r *run) error {
	ep, created, err := p.Store.CreateEpisode(ctx, models.Episode{
		VideoID:     r.video.ID,
		AgentID:     r.video.AgentID,
		Title:       r.meta.Title,
		Description: r.meta.Description,
		Speaker:     r.meta.Speaker,
		AudioURL:    r.audio.PublicURL,
		AudioBytes:  r.audio.Size,
		ArtworkURL:  r.artworkURL,
		DurationSec: r.duration,
		Published:   r.decision.Publish,
	})
	if err != nil {
		return err
	}
	if !created {
		r.log.Info("episode already recorded", logger.String("episode_id", ep.ID))
	}
	changed, err := p.Store.SetVideoStatus(ctx, r.video.ID, models.VideoProcessed, nil)
	if err != nil {
		return err
	}
	if !changed {
		r.log.Info("video already marked processed")
	}
	return p.backfillSucceeded(ctx, r, r.meta.Title)
}

// backfillSucceeded counts a processed video toward the backfill that enqueued it. The
// tracker counts each video once, so every attempt that finds the video processed
// reports it; an error fails the attempt and the retry reports again.
func (p *Pipeline) backfillSucceeded(ctx context.Context, r *run, title string) error {
	if r.payload.BackfillJobID == "" || p.Backfill == nil {
		return nil
	}
	update := events.VideoUpdate{VideoID: r.video.ID, Title: title, Status: models.VideoProcessed}
	if err := p.Backfill.VideoSucceeded(ctx, r.payload.BackfillJobID, update); err != nil {
		return fmt.Errorf("backfill accounting: %w", err)
	}
	return nil
}

func (r *run) videoContext() ai.VideoContext {
	return ai.VideoContext{
		Title:       r.video.Title,
		Description: r.video.Description,
		DurationSec: r.source.DurationSec,
	}
}

func (p *Pipeline) cleanup(log logger.Logger, dir string) {
	if err := os.RemoveAll(dir); err != nil {
		log.Warn("cleanup failed", logger.String("dir", dir), logger.Error(err))
	}
}

// JobFailed marks the video failed with the sanitized reason and republishes the job's
// queue state. A final failure of a backfill video is recorded on the backfill job, or
// counted as a success when the video was processed before the job gave up.
func (p *Pipeline) JobFailed(ctx context.Context, job *models.Job, err error, final bool) {
	log := logger.FromContext(ctx)
	var payload models.ProcessVideoPayload
	if derr := job.Decode(&payload); derr != nil || payload.VideoID == "" {
		log.Warn("failed job has no video payload", logger.String("job_id", job.ID))
		return
	}
	log = log.With(logger.String("video_id", payload.VideoID))
	msg := failure.Message(err)

	if _, serr := p.Store.SetVideoStatus(ctx, payload.VideoID, models.VideoFailed, &msg); serr != nil {
		log.Warn("mark video failed", logger.Error(serr))
	}
	p.publishFailure(ctx, log, job, payload.VideoID, final)

	video, gerr := p.Store.GetVideo(ctx, payload.VideoID)
	if gerr != nil {
		log.Warn("reload failed video", logger.Error(gerr))
		return
	}
	if !final {
		p.videoChanged(ctx, log, payload, video, models.VideoFailed, msg)
		return
	}
	if payload.BackfillJobID == "" || p.Backfill == nil {
		return
	}
	if video.Status == models.VideoProcessed {
		update := events.VideoUpdate{VideoID: video.ID, Title: video.Title, Status: models.VideoProcessed}
		if berr := p.Backfill.VideoSucceeded(ctx, payload.BackfillJobID, update); berr != nil {
			log.Warn("backfill accounting failed", logger.Error(berr))
		}
		return
	}
	fv := models.FailedVideo{VideoID: video.ID, ExternalID: video.ExternalID, Title: video.Title, Reason: msg}
	if berr := p.Backfill.VideoFailed(ctx, payload.BackfillJobID, fv); berr != nil {
		log.Warn("backfill accounting failed", logger.Error(berr))
	}
}

// publishFailure renders the job from its queue record so the event matches what a
// late subscriber's snapshot shows.
func (p *Pipeline) publishFailure(ctx context.Context, log logger.Logger, job *models.Job, videoID string, final bool) {
	var ev events.ProgressEvent
	rec, err := p.Jobs.Get(ctx, job.ID)
	if err == nil {
		ev = events.ProgressFromJob(rec, videoID)
	} else {
		ev = events.ProgressFromJob(*job, videoID)
		ev.Status, ev.Error = events.StatusRetrying, job.LastError
		if final {
			ev.Status = events.StatusFailed
		}
	}
	if err := p.Events.Publish(ctx, events.JobChannel(job.ID), ev); err != nil {
		log.Warn("publish failure failed", logger.Error(err))
	}
}

func (p *Pipeline) videoChanged(ctx context.Context, log logger.Logger, payload models.ProcessVideoPayload, video models.Video, status, reason string) {
	if payload.BackfillJobID == "" || p.Backfill == nil {
		return
	}
	update := events.VideoUpdate{VideoID: video.ID, Title: video.Title, Status: status, Error: reason}
	if err := p.Backfill.VideoChanged(ctx, payload.BackfillJobID, update); err != nil {
		log.Warn("backfill update failed", logger.Error(err))
	}
}
