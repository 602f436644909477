package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	defaultPollTimeout     = time.Second
	defaultStalledInterval = 30 * time.Second
	promoteBatch           = 500
	errorPause             = time.Second
)

// Handler processes one job. Returning nil completes it; an error marked with
// Permanent fails it for good; any other error is retried with backoff until
// the attempts run out.
type Handler func(ctx context.Context, job Job) error

// Worker consumes one queue with a fixed number of concurrent handlers.
type Worker struct {
	broker          *Broker
	queue           string
	keys            keys
	handler         Handler
	concurrency     int
	pollTimeout     time.Duration
	stalledInterval time.Duration
	wg              sync.WaitGroup
}

// NewWorker builds a worker for queueName.
func (b *Broker) NewWorker(queueName string, handler Handler, concurrency int) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		broker:          b,
		queue:           queueName,
		keys:            newKeys(b.cfg.Prefix, queueName),
		handler:         handler,
		concurrency:     concurrency,
		pollTimeout:     defaultPollTimeout,
		stalledInterval: defaultStalledInterval,
	}
}

// Start launches the consumer loops and the stalled-job checker in background
// goroutines. They stop when ctx is cancelled; a job already running is
// finished first.
func (w *Worker) Start(ctx context.Context) {
	if w == nil {
		return
	}
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.loop(ctx)
		}()
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.stalledLoop(ctx)
	}()
	log.Infof("queue worker started (queue=%s concurrency=%d)", w.queue, w.concurrency)
}

// Wait blocks until every loop started by Start has returned.
func (w *Worker) Wait() {
	if w == nil {
		return
	}
	w.wg.Wait()
}

// Run starts the worker and blocks until ctx is cancelled and in-flight jobs
// are done.
func (w *Worker) Run(ctx context.Context) {
	w.Start(ctx)
	<-ctx.Done()
	w.Wait()
	log.Infof("queue worker stopped (queue=%s)", w.queue)
}

// ProcessNext promotes due delayed jobs and runs at most one waiting job
// without blocking. It reports whether a job was taken.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	return w.next(ctx, false)
}

// Drain runs ProcessNext until the wait list is empty and returns the number
// of jobs processed.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		took, err := w.next(ctx, false)
		if err != nil {
			return n, err
		}
		if !took {
			return n, nil
		}
		n++
	}
}

// CheckStalled requeues jobs whose worker disappeared. A job is requeued
// when it was active on the previous check and its lock has since expired.
func (w *Worker) CheckStalled(ctx context.Context) ([]string, error) {
	moved, errRun := stalledScript.Run(ctx, w.broker.client,
		[]string{w.keys.stalled, w.keys.active, w.keys.wait}, w.keys.jobPrefix).StringSlice()
	if errRun != nil && !errors.Is(errRun, redis.Nil) {
		return nil, fmt.Errorf("queue: check stalled: %w", errRun)
	}
	for _, id := range moved {
		log.WithFields(log.Fields{"queue": w.queue, "job_id": id}).Warn("queue: stalled job moved back to wait")
	}
	return moved, nil
}

func (w *Worker) loop(ctx context.Context) {
	for ctx.Err() == nil {
		if _, errNext := w.next(ctx, true); errNext != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(errNext).WithField("queue", w.queue).Warn("queue worker: fetch failed")
			pause(ctx, errorPause)
		}
	}
}

func (w *Worker) stalledLoop(ctx context.Context) {
	for {
		timer := time.NewTimer(w.stalledInterval)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
		if _, errCheck := w.CheckStalled(ctx); errCheck != nil && ctx.Err() == nil {
			log.WithError(errCheck).WithField("queue", w.queue).Warn("queue worker: stalled check failed")
		}
	}
}

func (w *Worker) next(ctx context.Context, block bool) (bool, error) {
	client := w.broker.client
	if _, errPromote := promoteScript.Run(ctx, client, []string{w.keys.delayed, w.keys.wait},
		w.broker.now().UnixMilli(), promoteBatch, w.keys.jobPrefix).Int(); errPromote != nil {
		return false, fmt.Errorf("queue: promote delayed: %w", errPromote)
	}
	id, errPop := client.RPopLPush(ctx, w.keys.wait, w.keys.active).Result()
	if errors.Is(errPop, redis.Nil) && block {
		id, errPop = client.BRPopLPush(ctx, w.keys.wait, w.keys.active, w.pollTimeout).Result()
	}
	if errors.Is(errPop, redis.Nil) {
		return false, nil
	}
	if errPop != nil {
		return false, errPop
	}
	return true, w.process(context.WithoutCancel(ctx), id)
}

// process runs one job taken from the wait list. Handler failures are
// recorded on the job; only queue bookkeeping errors are returned.
func (w *Worker) process(ctx context.Context, id string) error {
	client := w.broker.client
	token := uuid.NewString()
	lockKey := w.keys.lock(id)
	lockTTL := w.broker.cfg.LockTTL

	acquired, errLock := client.SetNX(ctx, lockKey, token, lockTTL).Result()
	if errLock != nil {
		return fmt.Errorf("queue: lock job %s: %w", id, errLock)
	}
	if !acquired {
		log.WithFields(log.Fields{"queue": w.queue, "job_id": id}).Warn("queue: job already locked, skipping")
		return nil
	}

	values, errLoad := client.HGetAll(ctx, w.keys.job(id)).Result()
	if errLoad != nil {
		return fmt.Errorf("queue: load job %s: %w", id, errLoad)
	}
	job, errJob := jobFromHash(w.queue, values)
	if errJob != nil {
		client.LRem(ctx, w.keys.active, -1, id)
		client.Del(ctx, lockKey)
		log.WithFields(log.Fields{"queue": w.queue, "job_id": id}).Warn("queue: dropped id without job data")
		return nil
	}

	now := w.broker.now()
	pipe := client.TxPipeline()
	attempts := pipe.HIncrBy(ctx, w.keys.job(id), fieldAttemptsMade, 1)
	pipe.HSet(ctx, w.keys.job(id), fieldState, string(StateActive), fieldProcessedAt, now.UnixMilli())
	if _, errExec := pipe.Exec(ctx); errExec != nil {
		return fmt.Errorf("queue: start job %s: %w", id, errExec)
	}
	job.AttemptsMade = int(attempts.Val())
	job.State = StateActive
	job.ProcessedAt = &now

	if job.MaxAttempts > 0 && job.AttemptsMade > job.MaxAttempts {
		return w.finish(ctx, job, token, Permanent(fmt.Errorf("attempts exhausted after stall")))
	}

	stop := w.keepLock(ctx, lockKey, token, lockTTL)
	errRun := w.run(ctx, job)
	stop()
	return w.finish(ctx, job, token, errRun)
}

func (w *Worker) run(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: handler panic: %v", r)
		}
	}()
	return w.handler(ctx, job)
}

func (w *Worker) finish(ctx context.Context, job Job, token string, errRun error) error {
	client := w.broker.client
	cfg := w.broker.cfg
	now := w.broker.now()
	entry := log.WithFields(log.Fields{
		"queue":    w.queue,
		"job_id":   job.ID,
		"job_type": job.Type,
		"attempt":  job.AttemptsMade,
	})

	if errRun == nil {
		res, errComplete := completeScript.Run(ctx, client,
			[]string{w.keys.job(job.ID), w.keys.active, w.keys.completed, w.keys.lock(job.ID)},
			job.ID, token, now.UnixMilli(), cfg.KeepCompleted, w.keys.jobPrefix).Int()
		if errComplete != nil {
			return fmt.Errorf("queue: complete job %s: %w", job.ID, errComplete)
		}
		if res < 0 {
			entry.Warn("queue: lock lost before completion")
			return nil
		}
		entry.Debug("queue: job completed")
		return nil
	}

	retry := !IsPermanent(errRun) && job.AttemptsMade < job.MaxAttempts
	due := now.Add(nextDelay(job.Backoff, job.AttemptsMade))
	retryFlag := "0"
	if retry {
		retryFlag = "1"
	}
	res, errFail := failScript.Run(ctx, client,
		[]string{w.keys.job(job.ID), w.keys.active, w.keys.delayed, w.keys.failed, w.keys.lock(job.ID)},
		job.ID, token, now.UnixMilli(), errRun.Error(), retryFlag, due.UnixMilli(), cfg.KeepFailed, w.keys.jobPrefix).Int()
	if errFail != nil {
		return fmt.Errorf("queue: fail job %s: %w", job.ID, errFail)
	}
	switch {
	case res < 0:
		entry.WithError(errRun).Warn("queue: lock lost before failure was recorded")
	case retry:
		entry.WithError(errRun).WithField("retry_at", due.Format(time.RFC3339)).Warn("queue: job failed, retrying")
	default:
		entry.WithError(errRun).WithField("permanent", IsPermanent(errRun)).Error("queue: job failed")
	}
	return nil
}

// keepLock extends the job lock until the returned stop func is called.
func (w *Worker) keepLock(ctx context.Context, lockKey, token string, ttl time.Duration) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if errExtend := extendLockScript.Run(ctx, w.broker.client, []string{lockKey}, token, ttl.Milliseconds()).Err(); errExtend != nil {
					log.WithError(errExtend).WithField("lock", lockKey).Warn("queue: extend lock failed")
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func pause(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		if !timer.Stop() {
			<-timer.C
		}
	case <-timer.C:
	}
}
