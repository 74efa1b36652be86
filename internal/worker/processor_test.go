package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JeffreyAdu/church-media-automation/internal/config"
	"github.com/JeffreyAdu/church-media-automation/internal/failure"
	"github.com/JeffreyAdu/church-media-automation/internal/logger"
	"github.com/JeffreyAdu/church-media-automation/internal/models"
	"github.com/JeffreyAdu/church-media-automation/internal/queue"
)

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	assert.GreaterOrEqual(t, b1, base/2)
	assert.LessOrEqual(t, b1, base)

	b3 := backoffWithJitter(base, max, 3)
	assert.GreaterOrEqual(t, b3, 2*time.Second)
	assert.LessOrEqual(t, b3, 4*time.Second)

	capped := backoffWithJitter(base, max, 40)
	assert.LessOrEqual(t, capped, max)
	assert.GreaterOrEqual(t, capped, max/2)
}

type observedFailure struct {
	jobID string
	err   error
	final bool
}

type recordingHandler struct {
	mu       sync.Mutex
	fn       func(ctx context.Context, job *models.Job) error
	failures []observedFailure
}

func (h *recordingHandler) Handle(ctx context.Context, job *models.Job) error { return h.fn(ctx, job) }

func (h *recordingHandler) JobFailed(_ context.Context, job *models.Job, err error, final bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, observedFailure{jobID: job.ID, err: err, final: final})
}

func (h *recordingHandler) observed() []observedFailure {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]observedFailure(nil), h.failures...)
}

func setup(t *testing.T) (config.Config, *queue.RedisQueue) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cfg := config.Config{
		WorkerConcurrency:  2,
		VisibilityTimeout:  time.Minute,
		HeartbeatInterval:  10 * time.Millisecond,
		WorkerPollInterval: 5 * time.Millisecond,
		DrainTimeout:       5 * time.Second,
		MaxAttempts:        3,
		BackoffInitial:     time.Hour,
		BackoffMax:         2 * time.Hour,
		PriorityQueues:     []string{"default"},
	}
	return cfg, queue.NewRedisQueue(client, cfg)
}

func startProcessor(t *testing.T, p *Processor) (cancel func(), done <-chan error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()
	t.Cleanup(func() {
		stop()
		<-errCh
	})
	return stop, errCh
}

func waitState(t *testing.T, q *queue.RedisQueue, id, state string) models.Job {
	t.Helper()
	var job models.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = q.Get(context.Background(), id)
		return err == nil && job.State == state
	}, 3*time.Second, 5*time.Millisecond)
	return job
}

func TestProcessorAcksSuccessfulJob(t *testing.T) {
	cfg, q := setup(t)
	res, err := q.Enqueue(context.Background(), queue.EnqueueRequest{Kind: models.KindProcessVideo, DedupKey: "video:a1:v1"})
	require.NoError(t, err)

	h := &recordingHandler{fn: func(ctx context.Context, job *models.Job) error {
		// Long enough for a few heartbeats.
		time.Sleep(40 * time.Millisecond)
		return nil
	}}
	p := NewProcessor(cfg, q, logger.NewNop(), "test")
	p.RegisterHandler(models.KindProcessVideo, h)
	startProcessor(t, p)

	job := waitState(t, q, res.JobID, models.StateCompleted)
	assert.Equal(t, 1, job.Attempts)
	assert.Empty(t, h.observed())
}

func TestProcessorContentFailureIsFinal(t *testing.T) {
	cfg, q := setup(t)
	res, err := q.Enqueue(context.Background(), queue.EnqueueRequest{Kind: models.KindProcessVideo})
	require.NoError(t, err)

	cause := errors.New("ERROR: [youtube] abc: Private video")
	h := &recordingHandler{fn: func(context.Context, *models.Job) error {
		return failure.Content(failure.ReasonUnavailable, "download", cause)
	}}
	p := NewProcessor(cfg, q, logger.NewNop(), "test")
	p.RegisterHandler(models.KindProcessVideo, h)
	startProcessor(t, p)

	job := waitState(t, q, res.JobID, models.StateFailed)
	assert.Equal(t, "Video is unavailable or private", job.LastError)
	require.Eventually(t, func() bool { return len(h.observed()) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, h.observed()[0].final)
}

func TestProcessorTransientFailureIsRetried(t *testing.T) {
	cfg, q := setup(t)
	res, err := q.Enqueue(context.Background(), queue.EnqueueRequest{Kind: models.KindBackfillScan})
	require.NoError(t, err)

	h := &recordingHandler{fn: func(context.Context, *models.Job) error {
		return failure.Transient(failure.ReasonUpstream, "list", errors.New("503"))
	}}
	p := NewProcessor(cfg, q, logger.NewNop(), "test")
	p.RegisterHandler(models.KindBackfillScan, h)
	startProcessor(t, p)

	job := waitState(t, q, res.JobID, models.StateDelayed)
	assert.Equal(t, "Upstream service temporarily unavailable", job.LastError)
	require.Eventually(t, func() bool { return len(h.observed()) == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, h.observed()[0].final)
}

func TestProcessorUnknownKindFails(t *testing.T) {
	cfg, q := setup(t)
	res, err := q.Enqueue(context.Background(), queue.EnqueueRequest{Kind: "mystery"})
	require.NoError(t, err)

	p := NewProcessor(cfg, q, logger.NewNop(), "test")
	startProcessor(t, p)

	job := waitState(t, q, res.JobID, models.StateFailed)
	assert.Equal(t, failure.GenericMessage, job.LastError)
}

func TestProcessorDrainsInFlightJob(t *testing.T) {
	cfg, q := setup(t)
	res, err := q.Enqueue(context.Background(), queue.EnqueueRequest{Kind: models.KindProcessVideo})
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	h := &recordingHandler{fn: func(ctx context.Context, _ *models.Job) error {
		close(started)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}}
	p := NewProcessor(cfg, q, logger.NewNop(), "test")
	p.RegisterHandler(models.KindProcessVideo, h)
	stop, done := startProcessor(t, p)

	<-started
	stop()
	select {
	case <-done:
		t.Fatal("Run returned before the in-flight job finished")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	waitState(t, q, res.JobID, models.StateCompleted)
}
