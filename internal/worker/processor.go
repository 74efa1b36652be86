package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"github.com/JeffreyAdu/church-media-automation/internal/config"
	"github.com/JeffreyAdu/church-media-automation/internal/failure"
	"github.com/JeffreyAdu/church-media-automation/internal/logger"
	"github.com/JeffreyAdu/church-media-automation/internal/models"
	"github.com/JeffreyAdu/church-media-automation/internal/queue"
	"github.com/JeffreyAdu/church-media-automation/internal/telemetry"
)

// Handler executes a job of one kind.
type Handler interface {
	Handle(ctx context.Context, job *models.Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *models.Job) error

func (f HandlerFunc) Handle(ctx context.Context, job *models.Job) error { return f(ctx, job) }

// FailureObserver is implemented by handlers that react to recorded failures.
// final is true when the job will not run again.
type FailureObserver interface {
	JobFailed(ctx context.Context, job *models.Job, err error, final bool)
}

// Processor runs a fixed pool of workers over the queue.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	log      logger.Logger
	handlers map[string]Handler
	workerID string
	now      func() time.Time
}

// NewProcessor creates a processor; workerID tags its log lines.
func NewProcessor(cfg config.Config, q *queue.RedisQueue, log logger.Logger, workerID string) *Processor {
	return &Processor{
		cfg:      cfg,
		queue:    q,
		log:      log.With(logger.String("worker_id", workerID)),
		handlers: make(map[string]Handler),
		workerID: workerID,
		now:      time.Now,
	}
}

// RegisterHandler binds a handler to a job kind.
func (p *Processor) RegisterHandler(kind string, handler Handler) {
	if kind == "" || handler == nil {
		return
	}
	p.handlers[kind] = handler
}

// Run starts the workers and the maintenance loop and blocks until ctx is cancelled.
// In-flight jobs then get DrainTimeout to finish before their contexts are cancelled.
func (p *Processor) Run(ctx context.Context) error {
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()

	concurrency := p.cfg.WorkerConcurrency
	if concurrency < 1 {
		concurrency = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.work(ctx, jobCtx, slot)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.maintain(ctx)
	}()

	p.log.Info("worker pool started",
		logger.Int("concurrency", concurrency),
		logger.Duration("visibility", p.queue.VisibilityTimeout()),
		logger.Duration("heartbeat", p.cfg.HeartbeatInterval))

	<-ctx.Done()
	p.log.Info("draining in-flight jobs", logger.Duration("timeout", p.cfg.DrainTimeout))

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	if p.cfg.DrainTimeout > 0 {
		select {
		case <-drained:
			return ctx.Err()
		case <-time.After(p.cfg.DrainTimeout):
			p.log.Warn("drain timeout reached; cancelling in-flight jobs")
		}
	}
	cancelJobs()
	<-drained
	return ctx.Err()
}

func (p *Processor) work(ctx, jobCtx context.Context, slot int) {
	log := p.log.With(logger.Int("slot", slot))
	for ctx.Err() == nil {
		job, err := p.queue.DequeueWithLease(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("dequeue failed", logger.Error(err))
			}
			p.sleep(ctx)
			continue
		}
		if job == nil {
			p.sleep(ctx)
			continue
		}
		p.process(jobCtx, job)
	}
}

func (p *Processor) sleep(ctx context.Context) {
	t := time.NewTimer(p.cfg.WorkerPollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// process runs one leased job to completion and records the outcome.
func (p *Processor) process(ctx context.Context, job *models.Job) {
	log := p.log.With(
		logger.String("job_id", job.ID),
		logger.String("kind", job.Kind),
		logger.Int("attempt", job.Attempts))
	ctx = logger.WithContext(ctx, log)

	handler, ok := p.handlers[job.Kind]
	if !ok {
		p.record(ctx, job, nil, failure.New(failure.KindValidation, "", "dispatch", fmt.Errorf("no handler registered for kind %q", job.Kind)))
		return
	}
	if job.Attempts > job.MaxAttempts {
		// Repeated lease expiry: the job keeps killing or stalling its worker.
		p.record(ctx, job, handler, failure.Internal(failure.ReasonTimeout, "lease", errors.New("lease expired on every attempt")))
		return
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go p.heartbeat(hbCtx, log, job.ID)
	start := p.now()
	err := safeHandle(ctx, handler, job)
	stopHeartbeat()

	if err == nil {
		bctx, cancel := detached(ctx)
		defer cancel()
		if ackErr := p.queue.Ack(bctx, job.ID); ackErr != nil {
			log.Warn("ack failed", logger.Error(ackErr))
			return
		}
		telemetry.WorkerSuccess.WithLabelValues(job.Kind).Inc()
		log.Info("job completed", logger.Duration("elapsed", p.now().Sub(start)))
		return
	}
	p.record(ctx, job, handler, err)
}

// record applies the retry taxonomy to a failed job.
func (p *Processor) record(ctx context.Context, job *models.Job, handler Handler, err error) {
	log := logger.FromContext(ctx)
	maxAttempts := job.MaxAttempts
	if p.cfg.MaxAttempts > 0 && p.cfg.MaxAttempts < maxAttempts {
		maxAttempts = p.cfg.MaxAttempts
	}
	final := job.Attempts >= maxAttempts || !failure.ShouldRetry(err, job.Attempts)
	msg := failure.Message(err)

	bctx, cancel := detached(ctx)
	defer cancel()
	var qerr error
	if final {
		qerr = p.queue.Fail(bctx, job.ID, msg)
		telemetry.WorkerFailures.WithLabelValues(job.Kind, string(failure.ReasonOf(err))).Inc()
		log.Error("job failed permanently",
			logger.String("failure_kind", failure.KindOf(err).String()),
			logger.Error(err))
	} else {
		delay := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, job.Attempts)
		qerr = p.queue.Retry(bctx, job.ID, msg, p.now().Add(delay))
		telemetry.WorkerRetries.WithLabelValues(job.Kind).Inc()
		log.Warn("job failed; retry scheduled",
			logger.String("failure_kind", failure.KindOf(err).String()),
			logger.Duration("backoff", delay),
			logger.Error(err))
	}
	if qerr != nil {
		log.Warn("could not record failure", logger.Error(qerr))
		return
	}

	job.LastError = msg
	if obs, ok := handler.(FailureObserver); ok {
		obs.JobFailed(bctx, job, err, final)
	}
}

func (p *Processor) heartbeat(ctx context.Context, log logger.Logger, jobID string) {
	interval := p.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = p.queue.VisibilityTimeout() / 3
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			err := p.queue.ExtendLease(ctx, jobID, p.queue.VisibilityTimeout())
			if errors.Is(err, queue.ErrLeaseLost) {
				log.Warn("lease lost; another worker may reclaim this job")
				return
			}
			if err != nil && ctx.Err() == nil {
				log.Warn("heartbeat failed", logger.Error(err))
			}
		}
	}
}

// maintain promotes due retries, reclaims expired leases and applies retention.
func (p *Processor) maintain(ctx context.Context) {
	tick := time.NewTicker(p.cfg.WorkerPollInterval)
	defer tick.Stop()
	lastClean := time.Time{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		now := p.now()
		batch := int64(p.cfg.ScheduledBatchSize)
		if batch <= 0 {
			batch = 100
		}
		if _, err := p.queue.PromoteDelayed(ctx, now, batch); err != nil && ctx.Err() == nil {
			p.log.Warn("promote delayed failed", logger.Error(err))
		}
		if reclaimed, err := p.queue.RequeueExpired(ctx, now, batch); err != nil && ctx.Err() == nil {
			p.log.Warn("requeue expired failed", logger.Error(err))
		} else if len(reclaimed) > 0 {
			telemetry.LeasesReclaimed.Add(float64(len(reclaimed)))
			p.log.Warn("reclaimed expired leases", logger.Strings("job_ids", reclaimed))
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
		if now.Sub(lastClean) >= time.Minute {
			if n, err := p.queue.Clean(ctx, now); err != nil && ctx.Err() == nil {
				p.log.Warn("retention cleanup failed", logger.Error(err))
			} else if n > 0 {
				p.log.Debug("retention cleanup", logger.Int("removed", n))
			}
			lastClean = now
		}
	}
}

// detached outlives job cancellation so outcomes are still recorded during a forced drain.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
}

func safeHandle(ctx context.Context, h Handler, job *models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.FromContext(ctx).Error("handler panic", logger.Any("panic", r), logger.String("stack", string(debug.Stack())))
			err = failure.Internal("", "handler", fmt.Errorf("panic: %v", r))
		}
	}()
	return h.Handle(ctx, job)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
