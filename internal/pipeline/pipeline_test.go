package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JeffreyAdu/church-media-automation/internal/ai"
	"github.com/JeffreyAdu/church-media-automation/internal/config"
	"github.com/JeffreyAdu/church-media-automation/internal/events"
	"github.com/JeffreyAdu/church-media-automation/internal/failure"
	"github.com/JeffreyAdu/church-media-automation/internal/media"
	"github.com/JeffreyAdu/church-media-automation/internal/models"
	"github.com/JeffreyAdu/church-media-automation/internal/storage"
	"github.com/JeffreyAdu/church-media-automation/internal/store"
)

type fakeStore struct {
	mu            sync.Mutex
	videos        map[string]models.Video
	agent         models.Agent
	episodes      map[string]models.Episode
	failProcessed int
	statusHistory []string
}

func (s *fakeStore) GetVideo(_ context.Context, id string) (models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.videos[id]
	if !ok {
		return models.Video{}, store.ErrNotFound
	}
	return v, nil
}

func (s *fakeStore) GetAgent(_ context.Context, _ string) (models.Agent, error) {
	return s.agent, nil
}

func (s *fakeStore) SetVideoStatus(_ context.Context, id, status string, msg *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == models.VideoProcessed && s.failProcessed > 0 {
		s.failProcessed--
		return false, errors.New("connection reset")
	}
	v := s.videos[id]
	if v.Status == models.VideoProcessed || v.Status == status {
		return false, nil
	}
	v.Status, v.ErrorMessage = status, msg
	s.videos[id] = v
	s.statusHistory = append(s.statusHistory, status)
	return true, nil
}

func (s *fakeStore) CreateEpisode(_ context.Context, ep models.Episode) (models.Episode, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.episodes[ep.VideoID]; ok {
		return existing, false, nil
	}
	ep.ID = "ep-" + ep.VideoID
	s.episodes[ep.VideoID] = ep
	return ep, true, nil
}

type fakeFetcher struct{ err error }

func (f fakeFetcher) Download(_ context.Context, _, externalID, dir string) (media.Download, error) {
	if f.err != nil {
		return media.Download{}, f.err
	}
	path := filepath.Join(dir, externalID+".m4a")
	if err := os.WriteFile(path, []byte("source"), 0o644); err != nil {
		return media.Download{}, err
	}
	return media.Download{LocalPath: path, Title: "Sunday Service", DurationSec: 3600}, nil
}

type fakeTranscoder struct {
	mu    sync.Mutex
	parts []string
}

func (f *fakeTranscoder) DetectSpeech(context.Context, string) (media.Span, error) {
	return media.Span{Start: 30, End: 3580}, nil
}

func (f *fakeTranscoder) Compress(_ context.Context, _, output string, _ media.Span) error {
	return os.WriteFile(output, []byte("speech"), 0o644)
}

func (f *fakeTranscoder) Extract(_ context.Context, _, output string, _ media.Span) error {
	return os.WriteFile(output, []byte("segment"), 0o644)
}

func (f *fakeTranscoder) Assemble(_ context.Context, parts []string, output string) error {
	f.mu.Lock()
	f.parts = append([]string(nil), parts...)
	f.mu.Unlock()
	return os.WriteFile(output, []byte("episode-audio"), 0o644)
}

func (f *fakeTranscoder) Duration(context.Context, string) (float64, error) { return 1800, nil }

type fakeTranscriber struct{}

func (fakeTranscriber) Transcribe(context.Context, string) (media.Transcript, error) {
	return media.Transcript{
		Text: "welcome ... today we read John 3",
		Segments: []media.Segment{
			{Start: 0, End: 60, Text: "welcome"},
			{Start: 100, End: 1900, Text: "today we read John 3"},
		},
	}, nil
}

type fakeAnalyzer struct {
	boundary ai.BoundaryResult
}

func (a fakeAnalyzer) Boundary(context.Context, ai.VideoContext, media.Transcript) (ai.BoundaryResult, error) {
	return a.boundary, nil
}

func (fakeAnalyzer) Metadata(context.Context, ai.VideoContext, media.Transcript) (ai.MetadataResult, error) {
	return ai.MetadataResult{Title: "Born Again", Description: "Nicodemus at night.", Speaker: "Pastor Ruth"}, nil
}

func (fakeAnalyzer) PublishDecision(context.Context, ai.MetadataResult, media.Span, media.Transcript) (ai.PublishDecision, error) {
	return ai.PublishDecision{Publish: true, Reason: "complete sermon"}, nil
}

type fakeArtwork struct{}

func (fakeArtwork) Build(context.Context, string) ([]byte, error) { return []byte("jpeg"), nil }

type fakeObjects struct {
	mu   sync.Mutex
	keys []string
}

func (o *fakeObjects) Put(_ context.Context, body []byte, key, _ string, _ bool) (storage.PutResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.keys = append(o.keys, key)
	return storage.PutResult{PublicURL: "https://cdn.test/" + key, Size: int64(len(body))}, nil
}

func (o *fakeObjects) Delete(context.Context, string) error { return nil }

type fakeJobs struct {
	mu     sync.Mutex
	record models.Job
}

func (j *fakeJobs) SetProgress(_ context.Context, _ string, progress int, label string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.record.Progress, j.record.Label = progress, label
	return nil
}

func (j *fakeJobs) Get(_ context.Context, id string) (models.Job, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec := j.record
	rec.ID = id
	return rec, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []any
}

func (p *fakePublisher) Publish(_ context.Context, _ string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *fakePublisher) progress() []events.ProgressEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.ProgressEvent
	for _, e := range p.events {
		if ev, ok := e.(events.ProgressEvent); ok {
			out = append(out, ev)
		}
	}
	return out
}

// fakeBackfill counts each video once, like the real tracker.
type fakeBackfill struct {
	mu        sync.Mutex
	changed   []events.VideoUpdate
	succeeded int
	reports   int
	settled   map[string]bool
	failed    []models.FailedVideo
	// failSucceeded makes the next n VideoSucceeded calls fail.
	failSucceeded int
}

func (b *fakeBackfill) VideoChanged(_ context.Context, _ string, u events.VideoUpdate) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.changed = append(b.changed, u)
	return nil
}

func (b *fakeBackfill) VideoSucceeded(_ context.Context, backfillID string, u events.VideoUpdate) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reports++
	if b.failSucceeded > 0 {
		b.failSucceeded--
		return errors.New("connection refused")
	}
	if b.settled == nil {
		b.settled = map[string]bool{}
	}
	if key := backfillID + "|" + u.VideoID; !b.settled[key] {
		b.settled[key] = true
		b.succeeded++
	}
	return nil
}

func (b *fakeBackfill) VideoFailed(_ context.Context, _ string, fv models.FailedVideo) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failed = append(b.failed, fv)
	return nil
}

type harness struct {
	p          *Pipeline
	store      *fakeStore
	transcoder *fakeTranscoder
	objects    *fakeObjects
	jobs       *fakeJobs
	pub        *fakePublisher
	backfill   *fakeBackfill
	workDir    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: &fakeStore{
			videos: map[string]models.Video{
				"v1": {ID: "v1", AgentID: "a1", ExternalID: "yt1", URL: "https://www.youtube.com/watch?v=yt1",
					Title: "Sunday Service", ThumbnailURL: "https://i.ytimg.com/vi/yt1/hq.jpg", Status: models.VideoDiscovered},
			},
			agent:    models.Agent{ID: "a1", Status: models.AgentActive},
			episodes: map[string]models.Episode{},
		},
		transcoder: &fakeTranscoder{},
		objects:    &fakeObjects{},
		jobs:       &fakeJobs{record: models.Job{State: models.StateActive}},
		pub:        &fakePublisher{},
		backfill:   &fakeBackfill{},
		workDir:    t.TempDir(),
	}
	h.p = New(config.Config{WorkDir: h.workDir}, Deps{
		Store:       h.store,
		Fetcher:     fakeFetcher{},
		Transcoder:  h.transcoder,
		Transcriber: fakeTranscriber{},
		Analyzer:    fakeAnalyzer{boundary: ai.BoundaryResult{Found: true, StartSec: 100, EndSec: 1900, Confidence: 0.9}},
		Artwork:     fakeArtwork{},
		Objects:     h.objects,
		Jobs:        h.jobs,
		Events:      h.pub,
		Backfill:    h.backfill,
	})
	return h
}

func videoJob(t *testing.T, backfillID string) *models.Job {
	t.Helper()
	job := &models.Job{ID: "job-1", Kind: models.KindProcessVideo, Attempts: 1, MaxAttempts: 3}
	job.Payload = []byte(`{"video_id":"v1","agent_id":"a1","external_id":"yt1","backfill_job_id":"` + backfillID + `"}`)
	return job
}

func TestHandleEmitsMonotonicProgressAndRecordsEpisode(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.p.Handle(context.Background(), videoJob(t, "bf-1")))

	evs := h.pub.progress()
	require.Len(t, evs, len(Stages)-1)
	last := -1
	for _, ev := range evs {
		assert.GreaterOrEqual(t, ev.Progress, last, "progress went backwards at %s", ev.Label)
		last = ev.Progress
	}
	final := evs[len(evs)-1]
	assert.Equal(t, 100, final.Progress)
	assert.Equal(t, events.StatusCompleted, final.Status)
	assert.True(t, final.Terminal())

	ep := h.store.episodes["v1"]
	assert.Equal(t, "Born Again", ep.Title)
	assert.True(t, ep.Published)
	assert.Equal(t, 1800.0, ep.DurationSec)
	require.NotNil(t, ep.ArtworkURL)
	assert.Equal(t, "https://cdn.test/artwork/a1/v1.jpg", *ep.ArtworkURL)
	assert.Equal(t, models.VideoProcessed, h.store.videos["v1"].Status)
	assert.Equal(t, []string{models.VideoProcessing, models.VideoProcessed}, h.store.statusHistory)

	assert.Equal(t, 1, h.backfill.succeeded)
	require.Len(t, h.backfill.changed, 1)
	assert.Equal(t, models.VideoProcessing, h.backfill.changed[0].Status)

	entries, err := os.ReadDir(h.workDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "work directory must be cleaned up")
}

func TestHandleSkipsProcessedVideo(t *testing.T) {
	h := newHarness(t)
	v := h.store.videos["v1"]
	v.Status = models.VideoProcessed
	h.store.videos["v1"] = v

	require.NoError(t, h.p.Handle(context.Background(), videoJob(t, "bf-1")))
	assert.Empty(t, h.store.episodes)
	assert.Equal(t, 1, h.backfill.succeeded)

	evs := h.pub.progress()
	require.Len(t, evs, 1)
	assert.Equal(t, 100, evs[0].Progress)
	assert.Equal(t, events.StatusCompleted, evs[0].Status)
	assert.True(t, evs[0].Terminal())
	assert.Equal(t, 100, h.jobs.record.Progress)
}

func TestSkippedVideoWithoutBackfillStillCompletesStream(t *testing.T) {
	h := newHarness(t)
	v := h.store.videos["v1"]
	v.Status = models.VideoProcessed
	h.store.videos["v1"] = v

	require.NoError(t, h.p.Handle(context.Background(), videoJob(t, "")))
	assert.Zero(t, h.backfill.reports)
	evs := h.pub.progress()
	require.Len(t, evs, 1)
	assert.True(t, evs[0].Terminal())
}

func TestBackfillAccountingErrorRetriesJob(t *testing.T) {
	h := newHarness(t)
	h.backfill.failSucceeded = 1
	ctx := context.Background()

	err := h.p.Handle(ctx, videoJob(t, "bf-1"))
	require.Error(t, err)
	assert.Equal(t, models.VideoProcessed, h.store.videos["v1"].Status)
	assert.Zero(t, h.backfill.succeeded)

	// The retry finds the video processed and reports it again.
	require.NoError(t, h.p.Handle(ctx, videoJob(t, "bf-1")))
	assert.Equal(t, 1, h.backfill.succeeded)
	assert.Len(t, h.store.episodes, 1)
}

func TestRetriedJobNeverReportsLowerProgress(t *testing.T) {
	h := newHarness(t)
	job := videoJob(t, "")
	job.Attempts = 2
	job.Progress, job.Label = Progress(StageRecording), StageRecording

	require.NoError(t, h.p.Handle(context.Background(), job))

	evs := h.pub.progress()
	require.NotEmpty(t, evs)
	for _, ev := range evs {
		assert.GreaterOrEqual(t, ev.Progress, 95, "stage %s", ev.Label)
	}
	assert.Equal(t, StageDownloading, evs[0].Label)
	assert.Equal(t, 100, evs[len(evs)-1].Progress)
	assert.Equal(t, 100, h.jobs.record.Progress)
}

func TestRetriedJobRecordsOneEpisode(t *testing.T) {
	h := newHarness(t)
	h.store.failProcessed = 1
	ctx := context.Background()

	err := h.p.Handle(ctx, videoJob(t, "bf-1"))
	require.Error(t, err)
	require.Len(t, h.store.episodes, 1)
	assert.Equal(t, 0, h.backfill.succeeded)

	require.NoError(t, h.p.Handle(ctx, videoJob(t, "bf-1")))
	assert.Len(t, h.store.episodes, 1)
	assert.Equal(t, 1, h.backfill.succeeded)

	require.NoError(t, h.p.Handle(ctx, videoJob(t, "bf-1")))
	assert.Equal(t, 1, h.backfill.succeeded)
	assert.Equal(t, 2, h.backfill.reports)
}

func TestMissingSermonIsContentFailure(t *testing.T) {
	h := newHarness(t)
	h.p.Analyzer = fakeAnalyzer{boundary: ai.BoundaryResult{Found: false}}

	err := h.p.Handle(context.Background(), videoJob(t, ""))
	require.Error(t, err)
	assert.Equal(t, failure.KindContent, failure.KindOf(err))
	assert.Equal(t, "No sermon segment was found in this video", failure.Message(err))
	assert.Empty(t, h.store.episodes)

	entries, rerr := os.ReadDir(h.workDir)
	require.NoError(t, rerr)
	assert.Empty(t, entries)
}

func TestShortBoundaryIsRejected(t *testing.T) {
	h := newHarness(t)
	h.p.Analyzer = fakeAnalyzer{boundary: ai.BoundaryResult{Found: true, StartSec: 100, EndSec: 130, Confidence: 0.4}}

	err := h.p.Handle(context.Background(), videoJob(t, ""))
	assert.Equal(t, failure.ReasonNoSegment, failure.ReasonOf(err))
}

func TestAssembleWrapsIntroAndOutro(t *testing.T) {
	h := newHarness(t)
	intro, outro := "https://cdn.test/intro.mp3", "https://cdn.test/outro.mp3"
	h.store.agent.IntroURL, h.store.agent.OutroURL = &intro, &outro

	require.NoError(t, h.p.Handle(context.Background(), videoJob(t, "")))
	require.Len(t, h.transcoder.parts, 3)
	assert.Equal(t, intro, h.transcoder.parts[0])
	assert.Equal(t, "segment.mp3", filepath.Base(h.transcoder.parts[1]))
	assert.Equal(t, outro, h.transcoder.parts[2])
}

func TestDownloadFailureKeepsSanitizedReason(t *testing.T) {
	h := newHarness(t)
	h.p.Fetcher = fakeFetcher{err: failure.Content(failure.ReasonDownloadBlocked, "download", errors.New("ERROR: Sign in to confirm you're not a bot"))}

	err := h.p.Handle(context.Background(), videoJob(t, ""))
	require.Error(t, err)
	assert.Equal(t, "Video download was blocked by the source", failure.Message(err))
	assert.False(t, failure.ShouldRetry(err, 1))
}

func TestJobFailedFinalRecordsBackfillFailure(t *testing.T) {
	h := newHarness(t)
	job := videoJob(t, "bf-1")
	cause := failure.Internal(failure.ReasonTranscription, "transcribe", errors.New("whisper: exit 1: CUDA out of memory"))
	h.jobs.record = models.Job{State: models.StateFailed, Attempts: 2, Progress: 25, Label: StageTranscribing, LastError: failure.Message(cause)}

	h.p.JobFailed(context.Background(), job, cause, true)

	v := h.store.videos["v1"]
	assert.Equal(t, models.VideoFailed, v.Status)
	require.NotNil(t, v.ErrorMessage)
	assert.Equal(t, "Transcription failed", *v.ErrorMessage)

	require.Len(t, h.backfill.failed, 1)
	assert.Equal(t, models.FailedVideo{VideoID: "v1", ExternalID: "yt1", Title: "Sunday Service", Reason: "Transcription failed"}, h.backfill.failed[0])

	evs := h.pub.progress()
	require.Len(t, evs, 1)
	assert.Equal(t, events.ProgressEvent{
		Type: events.TypeProgress, JobID: "job-1", VideoID: "v1", Progress: 25,
		Label: StageTranscribing, Status: events.StatusFailed, Error: "Transcription failed",
	}, evs[0])
}

func TestJobFailedRetryLeavesBackfillCountersAlone(t *testing.T) {
	h := newHarness(t)
	cause := failure.Transient(failure.ReasonUpstream, "download", errors.New("connection reset by peer"))
	h.jobs.record = models.Job{State: models.StateDelayed, Attempts: 1, Progress: 5, Label: StageDownloading, LastError: failure.Message(cause)}

	h.p.JobFailed(context.Background(), videoJob(t, "bf-1"), cause, false)

	assert.Empty(t, h.backfill.failed)
	require.Len(t, h.backfill.changed, 1)
	assert.Equal(t, models.VideoFailed, h.backfill.changed[0].Status)
	evs := h.pub.progress()
	require.Len(t, evs, 1)
	assert.Equal(t, events.StatusRetrying, evs[0].Status)
	assert.Equal(t, "Upstream service temporarily unavailable", evs[0].Error)
}

func TestJobFailedCountsProcessedVideoAsSuccess(t *testing.T) {
	h := newHarness(t)
	v := h.store.videos["v1"]
	v.Status = models.VideoProcessed
	h.store.videos["v1"] = v

	h.p.JobFailed(context.Background(), videoJob(t, "bf-1"), errors.New("lease expired"), true)

	assert.Equal(t, models.VideoProcessed, h.store.videos["v1"].Status)
	assert.Empty(t, h.backfill.failed)
	assert.Equal(t, 1, h.backfill.succeeded)
}
