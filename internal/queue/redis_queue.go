package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/JeffreyAdu/church-media-automation/internal/config"
	"github.com/JeffreyAdu/church-media-automation/internal/models"
	"github.com/JeffreyAdu/church-media-automation/internal/telemetry"
)

var (
	// ErrNotFound is returned when a job record does not exist.
	ErrNotFound = errors.New("queue: job not found")
	// ErrLeaseLost is returned when a job is no longer held by the caller.
	ErrLeaseLost = errors.New("queue: lease lost")
)

const keyPrefix = "queue:"

// RedisQueue coordinates ready, active, and delayed job sets in Redis.
// Each job is a hash; the sets only carry job ids.
type RedisQueue struct {
	client         *redis.Client
	priorityQueues []string
	activeKey      string
	delayedKey     string
	completedKey   string
	failedKey      string
	visibilityTTL  time.Duration
	stalledGrace   time.Duration
	maxAttempts    int
	retainDone     retention
	retainFailed   retention
	now            func() time.Time
}

type retention struct {
	age   time.Duration
	count int
}

// NewRedisQueue builds a queue over an existing client. The caller owns the client.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	priorities := cfg.PriorityQueues
	if len(priorities) == 0 {
		priorities = []string{"default"}
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 10 * time.Minute
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	return &RedisQueue{
		client:         client,
		priorityQueues: priorities,
		activeKey:      keyPrefix + "active",
		delayedKey:     keyPrefix + "delayed",
		completedKey:   keyPrefix + "completed",
		failedKey:      keyPrefix + "failed",
		visibilityTTL:  visibility,
		stalledGrace:   cfg.StalledGrace,
		maxAttempts:    maxAttempts,
		retainDone:     retention{age: cfg.RetainCompletedAge, count: cfg.RetainCompleted},
		retainFailed:   retention{age: cfg.RetainFailedAge, count: cfg.RetainFailed},
		now:            time.Now,
	}
}

func (q *RedisQueue) readyKey(priority string) string {
	return fmt.Sprintf("%sready:%s", keyPrefix, priority)
}

// priority maps a requested priority onto a configured queue. Unknown names land in
// the lowest-priority queue so nothing is enqueued where no worker reads.
func (q *RedisQueue) priority(p string) string {
	if p == "" {
		p = "default"
	}
	for _, name := range q.priorityQueues {
		if name == p {
			return p
		}
	}
	return q.priorityQueues[len(q.priorityQueues)-1]
}

func (q *RedisQueue) jobKey(jobID string) string {
	return keyPrefix + "job:" + jobID
}

func (q *RedisQueue) dedupKey(key string) string {
	return keyPrefix + "dedup:" + key
}

// VisibilityTimeout is the lease granted on dequeue and on every heartbeat.
func (q *RedisQueue) VisibilityTimeout() time.Duration { return q.visibilityTTL }

// EnqueueRequest describes a job to insert.
type EnqueueRequest struct {
	Kind     string
	Payload  any
	Priority string
	// DedupKey, when set, allows at most one in-flight job per key.
	DedupKey string
	// Tag groups jobs for bulk cancellation.
	Tag         string
	MaxAttempts int
	RunAt       time.Time
}

// EnqueueResult reports whether a new job was inserted. When Accepted is false,
// JobID names the in-flight job that holds the dedup key.
type EnqueueResult struct {
	JobID    string
	Accepted bool
}

// Enqueue inserts a job into either the delayed set or a ready list. A job holding the
// same dedup key blocks the insert while it is waiting, delayed, or actively leased;
// anything else under that key (finished, failed, stalled past its lease) is removed first.
func (q *RedisQueue) Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueResult, error) {
	if req.Kind == "" {
		return EnqueueResult{}, errors.New("queue: job kind is required")
	}
	req.Priority = q.priority(req.Priority)
	if req.MaxAttempts == 0 {
		req.MaxAttempts = q.maxAttempts
	}
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("marshal payload: %w", err)
	}

	now := q.now()
	id := uuid.New().String()
	runAt := int64(0)
	if req.RunAt.After(now) {
		runAt = req.RunAt.UnixMilli()
	}

	dedup := ""
	if req.DedupKey != "" {
		dedup = q.dedupKey(req.DedupKey)
	}
	keys := []string{dedup, q.delayedKey, q.activeKey, q.completedKey, q.failedKey}
	args := []any{
		id, keyPrefix, now.UnixMilli(), q.stalledGrace.Milliseconds(), runAt, req.Priority,
		"kind", req.Kind,
		"payload", string(payload),
		"priority", req.Priority,
		"attempts", 0,
		"max_attempts", req.MaxAttempts,
		"dedup_key", req.DedupKey,
		"tag", req.Tag,
		"progress", 0,
		"label", "",
		"created_at", now.UnixMilli(),
		"updated_at", now.UnixMilli(),
	}

	res, err := enqueueScript.Run(ctx, q.client, keys, args...).Slice()
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("enqueue: %w", err)
	}
	if len(res) != 2 {
		return EnqueueResult{}, fmt.Errorf("unexpected enqueue reply: %v", res)
	}
	accepted, _ := res[0].(int64)
	jobID, _ := res[1].(string)
	if accepted == 1 {
		telemetry.EnqueueAccepted.WithLabelValues(req.Kind).Inc()
	} else {
		telemetry.EnqueueDeduped.WithLabelValues(req.Kind).Inc()
	}
	return EnqueueResult{JobID: jobID, Accepted: accepted == 1}, nil
}

// PromoteDelayed moves due delayed jobs into ready queues. It returns how many were promoted.
func (q *RedisQueue) PromoteDelayed(ctx context.Context, now time.Time, limit int64) (int, error) {
	n, err := promoteScript.Run(ctx, q.client, []string{q.delayedKey}, now.UnixMilli(), limit, keyPrefix).Int()
	if err != nil {
		return 0, fmt.Errorf("promote delayed: %w", err)
	}
	return n, nil
}

// DequeueWithLease pops a job from ready queues (priority order), increments its attempt
// count and places it into the active set with a visibility timeout. A nil job means the
// queues are empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (*models.Job, error) {
	keys := make([]string, 0, len(q.priorityQueues)+1)
	for _, p := range q.priorityQueues {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.activeKey)

	now := q.now()
	res, err := dequeueScript.Run(ctx, q.client, keys, now.Add(q.visibilityTTL).UnixMilli(), now.UnixMilli(), keyPrefix).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	jobID, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ExtendLease pushes the visibility deadline forward for an active job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	lockUntil := q.now().Add(extension).UnixMilli()
	n, err := extendScript.Run(ctx, q.client, []string{q.activeKey, q.jobKey(jobID)}, jobID, lockUntil).Int()
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Ack marks an active job completed and releases its dedup key.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	n, err := ackScript.Run(ctx, q.client, []string{q.activeKey, q.completedKey}, jobID, keyPrefix, q.now().UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Retry releases an active job back to the delayed set, to run again at runAt.
func (q *RedisQueue) Retry(ctx context.Context, jobID, lastError string, runAt time.Time) error {
	return q.fail(ctx, jobID, lastError, runAt.UnixMilli())
}

// Fail moves an active job to the failed set permanently and releases its dedup key.
func (q *RedisQueue) Fail(ctx context.Context, jobID, lastError string) error {
	return q.fail(ctx, jobID, lastError, 0)
}

func (q *RedisQueue) fail(ctx context.Context, jobID, lastError string, retryAt int64) error {
	keys := []string{q.activeKey, q.delayedKey, q.failedKey}
	n, err := failScript.Run(ctx, q.client, keys, jobID, keyPrefix, q.now().UnixMilli(), lastError, retryAt).Int()
	if err != nil {
		return fmt.Errorf("fail: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := requeueScript.Run(ctx, q.client, []string{q.activeKey}, now.UnixMilli(), limit, keyPrefix).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("requeue expired: %w", err)
	}
	return ids, nil
}

// CancelTagged removes every waiting or delayed job carrying tag and returns their ids.
// Active jobs are left to finish.
func (q *RedisQueue) CancelTagged(ctx context.Context, tag string) ([]string, error) {
	ids, err := cancelScript.Run(ctx, q.client, []string{keyPrefix + "tag:" + tag, q.delayedKey}, keyPrefix).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("cancel tagged: %w", err)
	}
	return ids, nil
}

// Clean reclaims completed and failed records beyond the retention age or count.
func (q *RedisQueue) Clean(ctx context.Context, now time.Time) (int, error) {
	var total int
	for key, r := range map[string]retention{q.completedKey: q.retainDone, q.failedKey: q.retainFailed} {
		cutoff := int64(0)
		if r.age > 0 {
			cutoff = now.Add(-r.age).UnixMilli()
		}
		n, err := cleanScript.Run(ctx, q.client, []string{key}, cutoff, r.count, keyPrefix).Int()
		if err != nil {
			return total, fmt.Errorf("clean %s: %w", key, err)
		}
		total += n
	}
	return total, nil
}

// SetProgress records the latest progress of an active job.
func (q *RedisQueue) SetProgress(ctx context.Context, jobID string, progress int, label string) error {
	return q.client.HSet(ctx, q.jobKey(jobID),
		"progress", progress,
		"label", label,
		"updated_at", q.now().UnixMilli(),
	).Err()
}

// Get loads a job record.
func (q *RedisQueue) Get(ctx context.Context, jobID string) (models.Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	if len(fields) == 0 {
		return models.Job{}, ErrNotFound
	}
	return decodeJob(jobID, fields), nil
}

// Failed returns the most recently failed jobs, newest first.
func (q *RedisQueue) Failed(ctx context.Context, count int64) ([]models.Job, error) {
	ids, err := q.client.ZRevRange(ctx, q.failedKey, 0, count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read failed set: %w", err)
	}
	jobs := make([]models.Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// ReadyDepth returns the total length of all ready queues.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.priorityQueues))
	for _, p := range q.priorityQueues {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

// ActiveCount returns the number of leased jobs.
func (q *RedisQueue) ActiveCount(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.activeKey).Result()
}

func decodeJob(id string, f map[string]string) models.Job {
	job := models.Job{
		ID:          id,
		Kind:        f["kind"],
		Payload:     json.RawMessage(f["payload"]),
		Priority:    f["priority"],
		State:       f["state"],
		Attempts:    atoi(f["attempts"]),
		MaxAttempts: atoi(f["max_attempts"]),
		DedupKey:    f["dedup_key"],
		Tag:         f["tag"],
		Progress:    atoi(f["progress"]),
		Label:       f["label"],
		LastError:   f["last_error"],
		LockUntil:   msTime(f["lock_until"]),
		CreatedAt:   msTime(f["created_at"]),
		UpdatedAt:   msTime(f["updated_at"]),
		FinishedAt:  msTime(f["finished_at"]),
	}
	if len(job.Payload) == 0 {
		job.Payload = json.RawMessage("null")
	}
	return job
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func msTime(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
