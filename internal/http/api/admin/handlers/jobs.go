package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mutualsoft/padron/internal/queue"
)

const defaultFailedLimit = 50

// JobHandler lets operators inspect and retry queued jobs.
type JobHandler struct {
	broker *queue.Broker
	queues map[string]struct{}
}

// NewJobHandler constructs a JobHandler limited to the named queues.
func NewJobHandler(broker *queue.Broker, queues ...string) *JobHandler {
	allowed := make(map[string]struct{}, len(queues))
	for _, name := range queues {
		allowed[name] = struct{}{}
	}
	return &JobHandler{broker: broker, queues: allowed}
}

func (h *JobHandler) queueParam(c *gin.Context) (string, bool) {
	name := strings.TrimSpace(c.Param("queue"))
	if _, ok := h.queues[name]; !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown queue"})
		return "", false
	}
	return name, true
}

// Counts returns the number of jobs per state.
func (h *JobHandler) Counts(c *gin.Context) {
	name, ok := h.queueParam(c)
	if !ok {
		return
	}
	counts, errCounts := h.broker.Counts(c.Request.Context(), name)
	if errCounts != nil {
		writeError(c, errCounts, "job counts")
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue": name, "counts": counts})
}

// Failed lists the most recent failed jobs.
func (h *JobHandler) Failed(c *gin.Context) {
	name, ok := h.queueParam(c)
	if !ok {
		return
	}
	limit := defaultFailedLimit
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		if v, errParse := strconv.Atoi(raw); errParse == nil && v > 0 && v <= 500 {
			limit = v
		}
	}
	jobs, errFailed := h.broker.Failed(c.Request.Context(), name, limit)
	if errFailed != nil {
		writeError(c, errFailed, "list failed jobs")
		return
	}
	out := make([]gin.H, 0, len(jobs))
	for i := range jobs {
		out = append(out, formatJob(&jobs[i]))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": out})
}

// Get returns one job.
func (h *JobHandler) Get(c *gin.Context) {
	name, ok := h.queueParam(c)
	if !ok {
		return
	}
	job, errGet := h.broker.Get(c.Request.Context(), name, c.Param("id"))
	if errGet != nil {
		writeError(c, errGet, "get job")
		return
	}
	c.JSON(http.StatusOK, formatJob(&job))
}

// Retry re-queues a failed job with its attempts reset.
func (h *JobHandler) Retry(c *gin.Context) {
	name, ok := h.queueParam(c)
	if !ok {
		return
	}
	id := c.Param("id")
	if errRetry := h.broker.Retry(c.Request.Context(), name, id); errRetry != nil {
		writeError(c, errRetry, "retry job")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "job_id": id})
}

func formatJob(job *queue.Job) gin.H {
	return gin.H{
		"id":            job.ID,
		"queue":         job.Queue,
		"type":          job.Type,
		"payload":       job.Payload,
		"state":         job.State,
		"attempts_made": job.AttemptsMade,
		"max_attempts":  job.MaxAttempts,
		"failed_reason": job.FailedReason,
		"created_at":    formatTime(&job.CreatedAt),
		"processed_at":  formatTime(job.ProcessedAt),
		"finished_at":   formatTime(job.FinishedAt),
	}
}
