// Package admin registers the tenant administration API.
package admin

import (
	"github.com/gin-gonic/gin"
	"github.com/mutualsoft/padron/internal/config"
	"github.com/mutualsoft/padron/internal/http/api/admin/handlers"
	"github.com/mutualsoft/padron/internal/propagation"
	"github.com/mutualsoft/padron/internal/publication"
	"github.com/mutualsoft/padron/internal/queue"
	"github.com/mutualsoft/padron/internal/rules"
	"gorm.io/gorm"
)

// RegisterAdminRoutes registers the health check and the authenticated admin routes.
func RegisterAdminRoutes(r *gin.Engine, db *gorm.DB, broker *queue.Broker, jwtCfg config.JWTConfig) {
	if r == nil || db == nil || broker == nil {
		return
	}

	healthHandler := handlers.NewHealthHandler(db, broker)
	r.GET("/healthz", healthHandler.Healthz)

	admin := r.Group("/v0/admin")
	admin.Use(adminAuthMiddleware(jwtCfg), adminPermissionMiddleware())

	permissionHandler := handlers.NewPermissionHandler()
	admin.GET("/permissions", permissionHandler.List)

	ruleHandler := handlers.NewCollateralRuleHandler(rules.NewService(db), rules.NewRecomputer(db))
	admin.GET("/collateral-rules", ruleHandler.List)
	admin.POST("/collateral-rules", ruleHandler.Create)
	admin.POST("/collateral-rules/recompute", ruleHandler.Recompute)
	admin.GET("/collateral-rules/:id", ruleHandler.Get)
	admin.PUT("/collateral-rules/:id", ruleHandler.Update)
	admin.POST("/collateral-rules/:id/enabled", ruleHandler.SetEnabled)
	admin.DELETE("/collateral-rules/:id", ruleHandler.Delete)

	memberHandler := handlers.NewMemberHandler(db)
	admin.GET("/members/:id/collateral-total", memberHandler.CollateralTotal)

	draftHandler := handlers.NewDraftHandler(publication.NewService(db, broker))
	admin.POST("/drafts/open", draftHandler.Open)
	admin.GET("/drafts/current", draftHandler.Current)
	admin.GET("/drafts/:id", draftHandler.Get)
	admin.POST("/drafts/:id/edits", draftHandler.AddEdit)
	admin.DELETE("/drafts/:id/edits/:edit_id", draftHandler.RemoveEdit)
	admin.GET("/drafts/:id/dry-run", draftHandler.DryRun)
	admin.POST("/drafts/:id/publish", draftHandler.Publish)
	admin.POST("/drafts/:id/cancel", draftHandler.Cancel)

	jobHandler := handlers.NewJobHandler(broker, publication.QueueName, propagation.QueueName)
	admin.GET("/jobs/:queue/counts", jobHandler.Counts)
	admin.GET("/jobs/:queue/failed", jobHandler.Failed)
	admin.GET("/jobs/:queue/:id", jobHandler.Get)
	admin.POST("/jobs/:queue/:id/retry", jobHandler.Retry)
}
