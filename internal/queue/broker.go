package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mutualsoft/padron/internal/apperr"
	"github.com/redis/go-redis/v9"
)

const (
	defaultAttempts      = 5
	defaultBackoff       = 2 * time.Second
	defaultKeepCompleted = 1000
	defaultKeepFailed    = 5000
	defaultLockTTL       = 5 * time.Minute
)

// Config holds the broker defaults.
type Config struct {
	Prefix        string
	Attempts      int
	Backoff       time.Duration
	KeepCompleted int // Completed jobs kept per queue; negative keeps all.
	KeepFailed    int // Failed jobs kept per queue; negative keeps all.
	LockTTL       time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = "padron"
	}
	if c.Attempts <= 0 {
		c.Attempts = defaultAttempts
	}
	if c.Backoff <= 0 {
		c.Backoff = defaultBackoff
	}
	if c.KeepCompleted == 0 {
		c.KeepCompleted = defaultKeepCompleted
	}
	if c.KeepFailed == 0 {
		c.KeepFailed = defaultKeepFailed
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaultLockTTL
	}
	return c
}

// Counts is the number of jobs per state.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Broker enqueues and inspects jobs. It is safe for concurrent use.
type Broker struct {
	client redis.UniversalClient
	cfg    Config
	now    func() time.Time
}

// NewBroker constructs a Broker over client.
func NewBroker(client redis.UniversalClient, cfg Config) *Broker {
	return &Broker{
		client: client,
		cfg:    cfg.withDefaults(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Ping checks the Redis connection.
func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Enqueue stores a job. A non-empty dedupeKey becomes the job id, so enqueuing
// the same key again while the job is retained is a no-op reported through
// Handle.Duplicate.
func (b *Broker) Enqueue(ctx context.Context, queueName, jobType string, payload any, dedupeKey string, opts *Options) (Handle, error) {
	queueName = strings.TrimSpace(queueName)
	if queueName == "" {
		return Handle{}, apperr.Required("queue")
	}
	raw, errMarshal := json.Marshal(payload)
	if errMarshal != nil {
		return Handle{}, fmt.Errorf("queue: encode payload: %w", errMarshal)
	}
	attempts, backoff := b.cfg.Attempts, b.cfg.Backoff
	if opts != nil {
		if opts.Attempts > 0 {
			attempts = opts.Attempts
		}
		if opts.Backoff > 0 {
			backoff = opts.Backoff
		}
	}

	id := strings.TrimSpace(dedupeKey)
	if id == "" {
		id = uuid.NewString()
	}
	k := newKeys(b.cfg.Prefix, queueName)
	args := []any{
		id,
		fieldID, id,
		fieldType, jobType,
		fieldPayload, string(raw),
		fieldDedupeKey, strings.TrimSpace(dedupeKey),
		fieldState, string(StateWaiting),
		fieldAttemptsMade, 0,
		fieldMaxAttempts, attempts,
		fieldBackoffMS, backoff.Milliseconds(),
		fieldCreatedAt, b.now().UnixMilli(),
	}
	added, errRun := enqueueScript.Run(ctx, b.client, []string{k.job(id), k.wait}, args...).Int()
	if errRun != nil {
		return Handle{}, fmt.Errorf("queue: enqueue %s: %w", queueName, errRun)
	}
	return Handle{ID: id, Queue: queueName, Duplicate: added == 0}, nil
}

// Get loads a job by id.
func (b *Broker) Get(ctx context.Context, queueName, id string) (Job, error) {
	k := newKeys(b.cfg.Prefix, queueName)
	values, errGet := b.client.HGetAll(ctx, k.job(id)).Result()
	if errGet != nil {
		return Job{}, fmt.Errorf("queue: load job: %w", errGet)
	}
	job, errJob := jobFromHash(queueName, values)
	if errors.Is(errJob, errJobMissing) {
		return Job{}, apperr.NotFound("job")
	}
	return job, errJob
}

// Counts returns the number of jobs in each state.
func (b *Broker) Counts(ctx context.Context, queueName string) (Counts, error) {
	k := newKeys(b.cfg.Prefix, queueName)
	pipe := b.client.Pipeline()
	waiting := pipe.LLen(ctx, k.wait)
	active := pipe.LLen(ctx, k.active)
	delayed := pipe.ZCard(ctx, k.delayed)
	completed := pipe.ZCard(ctx, k.completed)
	failed := pipe.ZCard(ctx, k.failed)
	if _, errExec := pipe.Exec(ctx); errExec != nil {
		return Counts{}, fmt.Errorf("queue: counts: %w", errExec)
	}
	return Counts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// Failed lists the most recent terminally failed jobs, newest first.
func (b *Broker) Failed(ctx context.Context, queueName string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	k := newKeys(b.cfg.Prefix, queueName)
	ids, errRange := b.client.ZRevRange(ctx, k.failed, 0, int64(limit-1)).Result()
	if errRange != nil {
		return nil, fmt.Errorf("queue: list failed: %w", errRange)
	}
	out := make([]Job, 0, len(ids))
	for _, id := range ids {
		job, errGet := b.Get(ctx, queueName, id)
		if apperr.IsNotFound(errGet) {
			continue
		}
		if errGet != nil {
			return nil, errGet
		}
		out = append(out, job)
	}
	return out, nil
}

// Retry moves a terminally failed job back to the wait list with its attempt
// counter reset.
func (b *Broker) Retry(ctx context.Context, queueName, id string) error {
	k := newKeys(b.cfg.Prefix, queueName)
	moved, errRun := retryScript.Run(ctx, b.client, []string{k.job(id), k.failed, k.wait}, id).Int()
	if errRun != nil {
		return fmt.Errorf("queue: retry: %w", errRun)
	}
	if moved == 0 {
		if _, errGet := b.Get(ctx, queueName, id); errGet != nil {
			return errGet
		}
		return apperr.Conflict("job is not failed")
	}
	return nil
}

// Clean removes finished jobs of queueName older than cutoff and returns how
// many were removed.
func (b *Broker) Clean(ctx context.Context, queueName string, cutoff time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 1000
	}
	k := newKeys(b.cfg.Prefix, queueName)
	removed := 0
	for _, set := range []string{k.completed, k.failed} {
		n, errRun := cleanScript.Run(ctx, b.client, []string{set}, cutoff.UnixMilli(), limit, k.jobPrefix).Int()
		if errRun != nil {
			return removed, fmt.Errorf("queue: clean %s: %w", set, errRun)
		}
		removed += n
	}
	return removed, nil
}
