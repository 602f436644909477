package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mutualsoft/padron/internal/apperr"
	log "github.com/sirupsen/logrus"
)

// Gin context keys set by the admin auth middleware.
const (
	TenantContextKey      = "tenantID"
	PermissionsContextKey = "adminPermissions"
	SuperAdminContextKey  = "adminIsSuperAdmin"
)

const dateLayout = "2006-01-02"

// tenantFrom returns the tenant set by the auth middleware.
func tenantFrom(c *gin.Context) (uint64, bool) {
	value, ok := c.Get(TenantContextKey)
	if !ok {
		return 0, false
	}
	tenantID, ok := value.(uint64)
	return tenantID, ok && tenantID != 0
}

// requireTenant aborts with 401 when no tenant is bound to the request.
func requireTenant(c *gin.Context) (uint64, bool) {
	tenantID, ok := tenantFrom(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "tenant not found"})
		return 0, false
	}
	return tenantID, true
}

// parseIDParam reads a positive integer path parameter.
func parseIDParam(c *gin.Context, name string) (uint64, bool) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(c.Param(name)), 10, 64)
	if errParse != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

// writeError maps err to its status code. Unexpected errors are logged and
// reported without detail.
func writeError(c *gin.Context, err error, action string) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.WithError(err).WithField("path", c.FullPath()).Error("admin: " + action + " failed")
		c.JSON(status, gin.H{"error": action + " failed"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// parseDate accepts YYYY-MM-DD or RFC 3339 and returns a UTC instant.
func parseDate(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if t, errDate := time.ParseInLocation(dateLayout, trimmed, time.UTC); errDate == nil {
		return t, nil
	}
	t, errParse := time.Parse(time.RFC3339, trimmed)
	if errParse != nil {
		return time.Time{}, errParse
	}
	return t.UTC(), nil
}

// parseOptionalDate parses a date that may be absent.
func parseOptionalDate(raw *string, field string) (*time.Time, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	t, errParse := parseDate(*raw)
	if errParse != nil {
		return nil, apperr.Validation(field, "must be a date (YYYY-MM-DD)")
	}
	return &t, nil
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
