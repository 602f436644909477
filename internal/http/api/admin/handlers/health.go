package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Pinger checks a backing service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves health check endpoints.
type HealthHandler struct {
	db    *gorm.DB
	queue Pinger
}

// NewHealthHandler constructs a HealthHandler.
func NewHealthHandler(db *gorm.DB, queue Pinger) *HealthHandler {
	return &HealthHandler{db: db, queue: queue}
}

// Healthz checks database and queue connectivity and returns status.
func (h *HealthHandler) Healthz(c *gin.Context) {
	sqlDB, err := h.db.DB()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "database": false})
		return
	}
	if errPing := sqlDB.PingContext(c.Request.Context()); errPing != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "database": false})
		return
	}
	if h.queue != nil {
		if errPing := h.queue.Ping(c.Request.Context()); errPing != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "database": true, "queue": false})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
