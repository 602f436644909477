package queue

import (
	"context"
	"sync"
	"time"

	"github.com/mutualsoft/padron/internal/settings"
	log "github.com/sirupsen/logrus"
)

const (
	defaultRetentionInterval = time.Hour
	defaultCleanBatchSize    = 1000
	maxCleanBatchesPerRun    = 200
)

// RetentionCleaner periodically removes finished jobs older than the
// retention window. It complements the count limits applied on completion.
type RetentionCleaner struct {
	broker        *Broker
	queues        []string
	retentionDays int
	interval      time.Duration
	batchSize     int

	wg sync.WaitGroup
}

// NewRetentionCleaner builds a cleaner for queues. retentionDays is the
// configured default; the JOB_RETENTION_DAYS setting overrides it.
func NewRetentionCleaner(broker *Broker, retentionDays int, queues ...string) *RetentionCleaner {
	if broker == nil || len(queues) == 0 {
		return nil
	}
	return &RetentionCleaner{
		broker:        broker,
		queues:        queues,
		retentionDays: retentionDays,
		interval:      defaultRetentionInterval,
		batchSize:     defaultCleanBatchSize,
	}
}

// Start launches the cleanup loop in a background goroutine.
func (c *RetentionCleaner) Start(ctx context.Context) {
	if c == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
	log.Infof("queue retention cleaner started (interval=%s)", c.interval)
}

// Wait blocks until the cleanup loop has returned.
func (c *RetentionCleaner) Wait() {
	if c == nil {
		return
	}
	c.wg.Wait()
}

func (c *RetentionCleaner) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		c.CleanupOnce(ctx)
		timer := time.NewTimer(c.interval)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
	}
}

// CleanupOnce runs one retention pass and returns the number of removed jobs.
func (c *RetentionCleaner) CleanupOnce(ctx context.Context) int {
	if c == nil {
		return 0
	}
	days := settings.IntValue(settings.JobRetentionDaysKey, c.retentionDays)
	if days <= 0 {
		return 0
	}
	cutoff := c.broker.now().AddDate(0, 0, -days)

	total := 0
	for _, queueName := range c.queues {
		for i := 0; i < maxCleanBatchesPerRun; i++ {
			if ctx.Err() != nil {
				return total
			}
			n, errClean := c.broker.Clean(ctx, queueName, cutoff, c.batchSize)
			if errClean != nil {
				log.WithError(errClean).WithField("queue", queueName).Warn("queue retention cleaner: clean failed")
				break
			}
			total += n
			if n < c.batchSize {
				break
			}
		}
	}
	if total > 0 {
		log.Infof("queue retention cleaner: removed %d jobs (cutoff=%s retention_days=%d)", total, cutoff.Format(time.RFC3339), days)
	}
	return total
}
