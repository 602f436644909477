package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mutualsoft/padron/internal/apperr"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func setupTestBroker(t *testing.T, cfg Config) (*miniredis.Miniredis, *Broker, *testClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := &testClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	broker := NewBroker(client, cfg)
	broker.now = clock.Now
	return mr, broker, clock
}

type payload struct {
	TenantID uint64 `json:"tenant_id"`
	Value    string `json:"value"`
}

func TestEnqueueDeduplicatesByKey(t *testing.T) {
	_, broker, _ := setupTestBroker(t, Config{Prefix: "test"})
	ctx := context.Background()

	first, err := broker.Enqueue(ctx, "publication", "publish", payload{TenantID: 1}, "collateral-publish:1:7", nil)
	require.NoError(t, err)
	assert.Equal(t, "collateral-publish:1:7", first.ID)
	assert.False(t, first.Duplicate)

	second, err := broker.Enqueue(ctx, "publication", "publish", payload{TenantID: 1}, "collateral-publish:1:7", nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.Duplicate)

	counts, err := broker.Counts(ctx, "publication")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting)

	job, err := broker.Get(ctx, "publication", first.ID)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, job.State)
	assert.Equal(t, defaultAttempts, job.MaxAttempts)
	assert.Equal(t, defaultBackoff, job.Backoff)

	var decoded payload
	require.NoError(t, job.Decode(&decoded))
	assert.Equal(t, uint64(1), decoded.TenantID)
}

func TestEnqueueWithoutKeyGeneratesIDs(t *testing.T) {
	_, broker, _ := setupTestBroker(t, Config{})
	ctx := context.Background()

	a, err := broker.Enqueue(ctx, "q", "t", payload{}, "", nil)
	require.NoError(t, err)
	b, err := broker.Enqueue(ctx, "q", "t", payload{}, "", nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)

	_, err = broker.Enqueue(ctx, " ", "t", payload{}, "", nil)
	assert.True(t, apperr.IsValidation(err))
}

func TestWorkerCompletesJob(t *testing.T) {
	_, broker, _ := setupTestBroker(t, Config{})
	ctx := context.Background()

	handle, err := broker.Enqueue(ctx, "q", "t", payload{Value: "x"}, "k1", nil)
	require.NoError(t, err)

	var seen []string
	worker := broker.NewWorker("q", func(ctx context.Context, job Job) error {
		var p payload
		if errDecode := job.Decode(&p); errDecode != nil {
			return errDecode
		}
		seen = append(seen, p.Value)
		return nil
	}, 1)

	took, err := worker.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, took)
	assert.Equal(t, []string{"x"}, seen)

	job, err := broker.Get(ctx, "q", handle.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, job.State)
	assert.Equal(t, 1, job.AttemptsMade)
	require.NotNil(t, job.FinishedAt)

	took, err = worker.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, took)

	counts, err := broker.Counts(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, Counts{Completed: 1}, counts)
}

func TestWorkerRetriesWithExponentialBackoff(t *testing.T) {
	_, broker, clock := setupTestBroker(t, Config{Backoff: time.Second})
	ctx := context.Background()

	handle, err := broker.Enqueue(ctx, "q", "t", payload{}, "", nil)
	require.NoError(t, err)

	var calls int32
	worker := broker.NewWorker("q", func(ctx context.Context, job Job) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("database unavailable")
		}
		return nil
	}, 1)

	took, err := worker.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, took)
	job, err := broker.Get(ctx, "q", handle.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, job.State)
	assert.Equal(t, "database unavailable", job.FailedReason)

	clock.Advance(999 * time.Millisecond)
	took, err = worker.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, took, "job must wait for its backoff")

	clock.Advance(time.Millisecond)
	took, err = worker.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, took)

	// The second retry waits twice the base delay.
	clock.Advance(time.Second)
	took, err = worker.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, took)
	clock.Advance(time.Second)
	took, err = worker.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, took)

	job, err = broker.Get(ctx, "q", handle.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, job.State)
	assert.Equal(t, 3, job.AttemptsMade)
}

func TestWorkerFailsAfterAttemptsAndRetryRequeues(t *testing.T) {
	_, broker, clock := setupTestBroker(t, Config{Backoff: time.Second})
	ctx := context.Background()

	handle, err := broker.Enqueue(ctx, "q", "t", payload{}, "k", &Options{Attempts: 2})
	require.NoError(t, err)

	fail := true
	worker := broker.NewWorker("q", func(ctx context.Context, job Job) error {
		if fail {
			return errors.New("timeout")
		}
		return nil
	}, 1)

	_, err = worker.ProcessNext(ctx)
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = worker.ProcessNext(ctx)
	require.NoError(t, err)

	job, err := broker.Get(ctx, "q", handle.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, job.State)
	assert.Equal(t, 2, job.AttemptsMade)

	failed, err := broker.Failed(ctx, "q", 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, handle.ID, failed[0].ID)

	again, err := broker.Enqueue(ctx, "q", "t", payload{}, "k", nil)
	require.NoError(t, err)
	assert.True(t, again.Duplicate, "failed jobs keep their key until removed")

	require.NoError(t, broker.Retry(ctx, "q", handle.ID))
	fail = false
	took, err := worker.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, took)

	job, err = broker.Get(ctx, "q", handle.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, job.State)
	assert.Equal(t, 1, job.AttemptsMade)

	assert.True(t, apperr.IsConflict(broker.Retry(ctx, "q", handle.ID)))
	assert.True(t, apperr.IsNotFound(broker.Retry(ctx, "q", "missing")))
}

func TestWorkerPermanentErrorsAreNotRetried(t *testing.T) {
	_, broker, _ := setupTestBroker(t, Config{})
	ctx := context.Background()

	handle, err := broker.Enqueue(ctx, "q", "t", "not an object", "", nil)
	require.NoError(t, err)

	worker := broker.NewWorker("q", func(ctx context.Context, job Job) error {
		var p payload
		return job.Decode(&p)
	}, 1)
	_, err = worker.ProcessNext(ctx)
	require.NoError(t, err)

	job, err := broker.Get(ctx, "q", handle.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, job.State)
	assert.Equal(t, 1, job.AttemptsMade)
	assert.Contains(t, job.FailedReason, "decode job")
}

func TestWorkerRecoversHandlerPanic(t *testing.T) {
	_, broker, _ := setupTestBroker(t, Config{})
	ctx := context.Background()

	handle, err := broker.Enqueue(ctx, "q", "t", payload{}, "", nil)
	require.NoError(t, err)
	worker := broker.NewWorker("q", func(ctx context.Context, job Job) error {
		panic("nil map")
	}, 1)
	_, err = worker.ProcessNext(ctx)
	require.NoError(t, err)

	job, err := broker.Get(ctx, "q", handle.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, job.State)
	assert.Contains(t, job.FailedReason, "handler panic")
}

func TestCompletedRetentionByCount(t *testing.T) {
	_, broker, clock := setupTestBroker(t, Config{KeepCompleted: 2})
	ctx := context.Background()

	ids := make([]string, 0, 3)
	for _, key := range []string{"a", "b", "c"} {
		h, err := broker.Enqueue(ctx, "q", "t", payload{}, key, nil)
		require.NoError(t, err)
		ids = append(ids, h.ID)
	}
	worker := broker.NewWorker("q", func(ctx context.Context, job Job) error { return nil }, 1)
	for range ids {
		clock.Advance(time.Second)
		took, err := worker.ProcessNext(ctx)
		require.NoError(t, err)
		require.True(t, took)
	}

	counts, err := broker.Counts(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Completed)
	_, err = broker.Get(ctx, "q", "a")
	assert.True(t, apperr.IsNotFound(err))

	// Once removed, the key can be enqueued again.
	again, err := broker.Enqueue(ctx, "q", "t", payload{}, "a", nil)
	require.NoError(t, err)
	assert.False(t, again.Duplicate)
}

func TestRetentionCleanerRemovesOldJobs(t *testing.T) {
	_, broker, clock := setupTestBroker(t, Config{})
	ctx := context.Background()

	_, err := broker.Enqueue(ctx, "q", "t", payload{}, "old", nil)
	require.NoError(t, err)
	worker := broker.NewWorker("q", func(ctx context.Context, job Job) error { return nil }, 1)
	_, err = worker.ProcessNext(ctx)
	require.NoError(t, err)

	clock.Advance(8 * 24 * time.Hour)
	_, err = broker.Enqueue(ctx, "q", "t", payload{}, "new", nil)
	require.NoError(t, err)
	_, err = worker.ProcessNext(ctx)
	require.NoError(t, err)

	cleaner := NewRetentionCleaner(broker, 7, "q")
	assert.Equal(t, 1, cleaner.CleanupOnce(ctx))

	_, err = broker.Get(ctx, "q", "old")
	assert.True(t, apperr.IsNotFound(err))
	_, err = broker.Get(ctx, "q", "new")
	assert.NoError(t, err)
}

func TestRetentionCleanerStartRunsAndWaitReturnsAfterCancel(t *testing.T) {
	_, broker, clock := setupTestBroker(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := broker.Enqueue(ctx, "q", "t", payload{}, "old", nil)
	require.NoError(t, err)
	worker := broker.NewWorker("q", func(ctx context.Context, job Job) error { return nil }, 1)
	_, err = worker.ProcessNext(ctx)
	require.NoError(t, err)
	clock.Advance(8 * 24 * time.Hour)

	cleaner := NewRetentionCleaner(broker, 7, "q")
	cleaner.Start(ctx)
	require.Eventually(t, func() bool {
		_, errGet := broker.Get(context.Background(), "q", "old")
		return apperr.IsNotFound(errGet)
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	done := make(chan struct{})
	go func() {
		cleaner.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cleaner did not stop after cancel")
	}

	var nilCleaner *RetentionCleaner
	nilCleaner.Wait()
}

func TestCheckStalledRequeuesOrphanedJobs(t *testing.T) {
	mr, broker, _ := setupTestBroker(t, Config{LockTTL: time.Minute})
	ctx := context.Background()

	orphan, err := broker.Enqueue(ctx, "q", "t", payload{}, "orphan", nil)
	require.NoError(t, err)
	held, err := broker.Enqueue(ctx, "q", "t", payload{}, "held", nil)
	require.NoError(t, err)

	k := newKeys(broker.cfg.Prefix, "q")
	client := broker.client
	// Simulate two workers that took the jobs; only one still holds its lock.
	require.NoError(t, client.RPopLPush(ctx, k.wait, k.active).Err())
	require.NoError(t, client.RPopLPush(ctx, k.wait, k.active).Err())
	require.NoError(t, client.Set(ctx, k.lock(held.ID), "token", time.Minute).Err())

	worker := broker.NewWorker("q", func(ctx context.Context, job Job) error { return nil }, 1)
	moved, err := worker.CheckStalled(ctx)
	require.NoError(t, err)
	assert.Empty(t, moved, "first pass only marks suspects")

	moved, err = worker.CheckStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{orphan.ID}, moved)

	mr.FastForward(2 * time.Minute)
	moved, err = worker.CheckStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{held.ID}, moved)

	n, err := worker.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	counts, err := broker.Counts(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, Counts{Completed: 2}, counts)
}

func TestNextDelayDoubles(t *testing.T) {
	base := 2 * time.Second
	assert.Equal(t, time.Duration(0), nextDelay(base, 0))
	assert.Equal(t, 2*time.Second, nextDelay(base, 1))
	assert.Equal(t, 4*time.Second, nextDelay(base, 2))
	assert.Equal(t, 16*time.Second, nextDelay(base, 4))
}

func TestPermanentWrapping(t *testing.T) {
	base := errors.New("roll entry missing")
	wrapped := Permanent(base)
	assert.True(t, IsPermanent(wrapped))
	assert.ErrorIs(t, wrapped, base)
	assert.Same(t, wrapped, Permanent(wrapped))
	assert.Nil(t, Permanent(nil))
	assert.False(t, IsPermanent(base))
}
