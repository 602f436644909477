// Package queue is a durable at-least-once job queue on Redis. Jobs carry a
// deduplication key, retry with exponential backoff and are retained for
// operator inspection after they finish.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// State is the lifecycle position of a job.
type State string

// Job states.
const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Options tune retries for one job. Zero values fall back to the broker defaults.
type Options struct {
	Attempts int           // Max attempts including the first run.
	Backoff  time.Duration // Base delay, doubled after every failed attempt.
}

// Handle identifies an enqueued job. Duplicate is set when a job with the
// same id already existed and nothing was enqueued.
type Handle struct {
	ID        string `json:"id"`
	Queue     string `json:"queue"`
	Duplicate bool   `json:"duplicate"`
}

// Job is a stored unit of work.
type Job struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	DedupeKey    string          `json:"dedupe_key,omitempty"`
	State        State           `json:"state"`
	AttemptsMade int             `json:"attempts_made"`
	MaxAttempts  int             `json:"max_attempts"`
	Backoff      time.Duration   `json:"backoff"`
	FailedReason string          `json:"failed_reason,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

// Decode unmarshals the payload into v. A malformed payload can never succeed
// and is reported as a permanent error.
func (j Job) Decode(v any) error {
	if len(j.Payload) == 0 {
		return Permanent(fmt.Errorf("queue: job %s has empty payload", j.ID))
	}
	if errUnmarshal := json.Unmarshal(j.Payload, v); errUnmarshal != nil {
		return Permanent(fmt.Errorf("queue: decode job %s: %w", j.ID, errUnmarshal))
	}
	return nil
}

// nextDelay returns the wait before the next attempt after attemptsMade runs.
func nextDelay(base time.Duration, attemptsMade int) time.Duration {
	if base <= 0 || attemptsMade <= 0 {
		return 0
	}
	shift := attemptsMade - 1
	if shift > 20 {
		shift = 20
	}
	return base * time.Duration(1<<uint(shift))
}

// Hash fields of a stored job.
const (
	fieldID           = "id"
	fieldType         = "type"
	fieldPayload      = "payload"
	fieldDedupeKey    = "dedupe_key"
	fieldState        = "state"
	fieldAttemptsMade = "attempts_made"
	fieldMaxAttempts  = "max_attempts"
	fieldBackoffMS    = "backoff_ms"
	fieldFailedReason = "failed_reason"
	fieldCreatedAt    = "created_at"
	fieldProcessedAt  = "processed_at"
	fieldFinishedAt   = "finished_at"
)

func jobFromHash(queueName string, values map[string]string) (Job, error) {
	if len(values) == 0 {
		return Job{}, errJobMissing
	}
	job := Job{
		ID:           values[fieldID],
		Queue:        queueName,
		Type:         values[fieldType],
		Payload:      json.RawMessage(values[fieldPayload]),
		DedupeKey:    values[fieldDedupeKey],
		State:        State(values[fieldState]),
		FailedReason: values[fieldFailedReason],
	}
	job.AttemptsMade, _ = strconv.Atoi(values[fieldAttemptsMade])
	job.MaxAttempts, _ = strconv.Atoi(values[fieldMaxAttempts])
	if ms, errParse := strconv.ParseInt(values[fieldBackoffMS], 10, 64); errParse == nil {
		job.Backoff = time.Duration(ms) * time.Millisecond
	}
	if t := parseMillis(values[fieldCreatedAt]); t != nil {
		job.CreatedAt = *t
	}
	job.ProcessedAt = parseMillis(values[fieldProcessedAt])
	job.FinishedAt = parseMillis(values[fieldFinishedAt])
	return job, nil
}

func parseMillis(raw string) *time.Time {
	ms, errParse := strconv.ParseInt(raw, 10, 64)
	if errParse != nil || ms <= 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}

var errJobMissing = errors.New("queue: job missing")
