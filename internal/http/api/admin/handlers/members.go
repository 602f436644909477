package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mutualsoft/padron/internal/apperr"
	"github.com/mutualsoft/padron/internal/billing"
	"github.com/mutualsoft/padron/internal/directory"
	"gorm.io/gorm"
)

// MemberHandler previews collateral pricing for a member.
type MemberHandler struct {
	db *gorm.DB
}

// NewMemberHandler constructs a MemberHandler.
func NewMemberHandler(db *gorm.DB) *MemberHandler {
	return &MemberHandler{db: db}
}

// CollateralTotal returns the member's total and per-category lines as of
// the as_of query date (today when absent).
func (h *MemberHandler) CollateralTotal(c *gin.Context) {
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	memberID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	asOf := time.Now().UTC()
	if raw := strings.TrimSpace(c.Query("as_of")); raw != "" {
		parsed, errParse := parseDate(raw)
		if errParse != nil {
			writeError(c, apperr.Validation("as_of", "must be a date (YYYY-MM-DD)"), "preview")
			return
		}
		asOf = parsed
	}

	ctx := c.Request.Context()
	dir := directory.New(h.db)
	exists, errExists := dir.MemberExists(ctx, tenantID, memberID)
	if errExists != nil {
		writeError(c, errExists, "preview")
		return
	}
	if !exists {
		writeError(c, apperr.NotFound("member"), "preview")
		return
	}
	breakdown, errCompute := billing.NewCalculator(billing.NewRuleStore(h.db), dir).ComputeBreakdown(ctx, tenantID, memberID, asOf)
	if errCompute != nil {
		writeError(c, errCompute, "preview")
		return
	}

	lines := make([]gin.H, 0, len(breakdown.Lines))
	for _, line := range breakdown.Lines {
		lines = append(lines, gin.H{
			"kinship_category_id": line.CategoryID,
			"count":               line.Count,
			"rule_id":             line.RuleID,
			"price":               line.Price.StringFixed(2),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"member_id": memberID,
		"as_of":     asOf.Format(time.RFC3339),
		"total":     breakdown.Total.StringFixed(2),
		"lines":     lines,
	})
}
