package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	permissions "github.com/mutualsoft/padron/internal/http/api/admin/permissions"
)

// PermissionHandler lists the grantable admin routes.
type PermissionHandler struct{}

// NewPermissionHandler constructs a PermissionHandler.
func NewPermissionHandler() *PermissionHandler {
	return &PermissionHandler{}
}

type permissionView struct {
	Key     string `json:"key"`
	Method  string `json:"method"`
	Path    string `json:"path"`
	Label   string `json:"label"`
	Granted bool   `json:"granted"`
}

type moduleView struct {
	Module      string           `json:"module"`
	Permissions []permissionView `json:"permissions"`
}

// List returns the permission definitions grouped by module, each flagged
// with whether the caller holds it. ?module= narrows the list to one module.
func (h *PermissionHandler) List(c *gin.Context) {
	filter := strings.TrimSpace(c.Query("module"))
	granted, superAdmin := callerGrants(c)

	modules := make([]moduleView, 0)
	for _, def := range permissions.Definitions() {
		if filter != "" && !strings.EqualFold(def.Module, filter) {
			continue
		}
		// Definitions are sorted by module, so each module is contiguous.
		if len(modules) == 0 || modules[len(modules)-1].Module != def.Module {
			modules = append(modules, moduleView{Module: def.Module})
		}
		last := &modules[len(modules)-1]
		last.Permissions = append(last.Permissions, permissionView{
			Key:     def.Key,
			Method:  def.Method,
			Path:    def.Path,
			Label:   def.Label,
			Granted: superAdmin || permissions.HasPermission(granted, def.Key),
		})
	}
	if filter != "" && len(modules) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown module " + filter})
		return
	}
	c.JSON(http.StatusOK, gin.H{"modules": modules, "super_admin": superAdmin})
}

func callerGrants(c *gin.Context) ([]string, bool) {
	var granted []string
	if value, ok := c.Get(PermissionsContextKey); ok {
		granted, _ = value.([]string)
	}
	superAdmin := c.GetBool(SuperAdminContextKey)
	return granted, superAdmin
}
