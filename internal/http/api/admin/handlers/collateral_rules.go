package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mutualsoft/padron/internal/apperr"
	"github.com/mutualsoft/padron/internal/billing"
	"github.com/mutualsoft/padron/internal/models"
	"github.com/mutualsoft/padron/internal/rules"
	"github.com/shopspring/decimal"
)

// CollateralRuleHandler manages admin CRUD endpoints for collateral rules.
type CollateralRuleHandler struct {
	rules      *rules.Service    // Rule administration with synchronous recompute.
	recomputer *rules.Recomputer // Tenant-wide batch recompute.
}

// NewCollateralRuleHandler constructs a collateral rule handler.
func NewCollateralRuleHandler(service *rules.Service, recomputer *rules.Recomputer) *CollateralRuleHandler {
	return &CollateralRuleHandler{rules: service, recomputer: recomputer}
}

// createCollateralRuleRequest captures the payload for creating a rule.
type createCollateralRuleRequest struct {
	KinshipCategoryID uint64           `json:"kinship_category_id"` // Kinship category ID.
	QuantityFrom      *int             `json:"quantity_from"`       // Band start; defaults to 1.
	QuantityTo        *int             `json:"quantity_to"`         // Band end; null is unbounded.
	ValidFrom         string           `json:"valid_from"`          // Validity start (YYYY-MM-DD).
	ValidTo           *string          `json:"valid_to"`            // Validity end; null is open-ended.
	Price             *decimal.Decimal `json:"price"`               // Band price.
	IsActive          *bool            `json:"is_active"`           // Optional, defaults to true.
}

// Create validates input, inserts a rule and recomputes its category.
func (h *CollateralRuleHandler) Create(c *gin.Context) {
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	var body createCollateralRuleRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(body.ValidFrom) == "" {
		writeError(c, apperr.Required("valid_from"), "create collateral rule")
		return
	}
	if body.Price == nil {
		writeError(c, apperr.Required("price"), "create collateral rule")
		return
	}
	validFrom, errFrom := parseOptionalDate(&body.ValidFrom, "valid_from")
	if errFrom != nil {
		writeError(c, errFrom, "create collateral rule")
		return
	}
	validTo, errTo := parseOptionalDate(body.ValidTo, "valid_to")
	if errTo != nil {
		writeError(c, errTo, "create collateral rule")
		return
	}
	quantityFrom := 1
	if body.QuantityFrom != nil {
		quantityFrom = *body.QuantityFrom
	}

	result, errCreate := h.rules.Create(c.Request.Context(), tenantID, rules.RuleInput{
		KinshipCategoryID: body.KinshipCategoryID,
		QuantityFrom:      quantityFrom,
		QuantityTo:        body.QuantityTo,
		ValidFrom:         *validFrom,
		ValidTo:           validTo,
		Price:             *body.Price,
		IsActive:          body.IsActive,
	})
	if errCreate != nil {
		writeError(c, errCreate, "create collateral rule")
		return
	}
	c.JSON(http.StatusCreated, formatResult(result))
}

// List returns the tenant's rules, optionally filtered by category.
func (h *CollateralRuleHandler) List(c *gin.Context) {
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	var categoryID *uint64
	if raw := strings.TrimSpace(c.Query("kinship_category_id")); raw != "" {
		id, errParse := strconv.ParseUint(raw, 10, 64)
		if errParse != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid kinship_category_id"})
			return
		}
		categoryID = &id
	}

	rows, errList := h.rules.List(c.Request.Context(), tenantID, categoryID)
	if errList != nil {
		writeError(c, errList, "list collateral rules")
		return
	}
	out := make([]gin.H, 0, len(rows))
	for i := range rows {
		out = append(out, formatRule(&rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{"collateral_rules": out})
}

// Get fetches a rule by ID.
func (h *CollateralRuleHandler) Get(c *gin.Context) {
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	rule, errGet := h.rules.Get(c.Request.Context(), tenantID, id)
	if errGet != nil {
		writeError(c, errGet, "get collateral rule")
		return
	}
	c.JSON(http.StatusOK, formatRule(&rule))
}

// updateCollateralRuleRequest captures optional fields for rule updates.
type updateCollateralRuleRequest struct {
	KinshipCategoryID *uint64          `json:"kinship_category_id"` // Optional category.
	QuantityFrom      *int             `json:"quantity_from"`       // Optional band start.
	QuantityTo        *int             `json:"quantity_to"`         // Optional band end.
	UnboundedQuantity bool             `json:"unbounded_quantity"`  // Clears the band end.
	ValidFrom         *string          `json:"valid_from"`          // Optional validity start.
	ValidTo           *string          `json:"valid_to"`            // Optional validity end.
	OpenEnded         bool             `json:"open_ended"`          // Clears the validity end.
	Price             *decimal.Decimal `json:"price"`               // Optional price.
	IsActive          *bool            `json:"is_active"`           // Optional active flag.
}

// Update merges the provided fields onto a rule and recomputes.
func (h *CollateralRuleHandler) Update(c *gin.Context) {
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	var body updateCollateralRuleRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	validFrom, errFrom := parseOptionalDate(body.ValidFrom, "valid_from")
	if errFrom != nil {
		writeError(c, errFrom, "update collateral rule")
		return
	}
	validTo, errTo := parseOptionalDate(body.ValidTo, "valid_to")
	if errTo != nil {
		writeError(c, errTo, "update collateral rule")
		return
	}

	result, errUpdate := h.rules.Update(c.Request.Context(), tenantID, id, billing.RulePatch{
		KinshipCategoryID: body.KinshipCategoryID,
		QuantityFrom:      body.QuantityFrom,
		QuantityTo:        body.QuantityTo,
		UnboundedQuantity: body.UnboundedQuantity,
		ValidFrom:         validFrom,
		ValidTo:           validTo,
		OpenEnded:         body.OpenEnded,
		Price:             body.Price,
		IsActive:          body.IsActive,
	})
	if errUpdate != nil {
		writeError(c, errUpdate, "update collateral rule")
		return
	}
	c.JSON(http.StatusOK, formatResult(result))
}

// Delete removes a rule and recomputes its category.
func (h *CollateralRuleHandler) Delete(c *gin.Context) {
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	result, errDelete := h.rules.Delete(c.Request.Context(), tenantID, id)
	if errDelete != nil {
		writeError(c, errDelete, "delete collateral rule")
		return
	}
	c.JSON(http.StatusOK, formatResult(result))
}

// setEnabledRequest captures the enabled flag for toggling a rule.
type setEnabledRequest struct {
	IsActive *bool `json:"is_active"` // Desired active state.
}

// SetEnabled toggles the active state of a rule.
func (h *CollateralRuleHandler) SetEnabled(c *gin.Context) {
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	var body setEnabledRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if body.IsActive == nil {
		writeError(c, apperr.Required("is_active"), "update collateral rule")
		return
	}
	result, errSet := h.rules.SetActive(c.Request.Context(), tenantID, id, *body.IsActive)
	if errSet != nil {
		writeError(c, errSet, "update collateral rule")
		return
	}
	c.JSON(http.StatusOK, formatResult(result))
}

// recomputeRequest selects the effective date and page size of a batch run.
type recomputeRequest struct {
	EffectiveDate string `json:"effective_date"` // Pricing date (YYYY-MM-DD).
	PageSize      int    `json:"page_size"`      // Optional; clamped.
}

// Recompute walks every member of the tenant and records their totals.
func (h *CollateralRuleHandler) Recompute(c *gin.Context) {
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	var body recomputeRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(body.EffectiveDate) == "" {
		writeError(c, apperr.Required("effective_date"), "recompute")
		return
	}
	date, errDate := parseOptionalDate(&body.EffectiveDate, "effective_date")
	if errDate != nil {
		writeError(c, errDate, "recompute")
		return
	}
	result, errRun := h.recomputer.RecomputeFrom(c.Request.Context(), tenantID, *date, body.PageSize)
	if errRun != nil {
		writeError(c, errRun, "recompute")
		return
	}
	c.JSON(http.StatusOK, result)
}

// formatRule converts a rule into a response payload.
func formatRule(rule *models.CollateralRule) gin.H {
	return gin.H{
		"id":                  rule.ID,
		"kinship_category_id": rule.KinshipCategoryID,
		"quantity_from":       rule.QuantityFrom,
		"quantity_to":         rule.QuantityTo,
		"valid_from":          formatTime(&rule.ValidFrom),
		"valid_to":            formatTime(rule.ValidTo),
		"price":               rule.Price.StringFixed(2),
		"is_active":           rule.IsActive,
		"created_at":          formatTime(&rule.CreatedAt),
		"updated_at":          formatTime(&rule.UpdatedAt),
	}
}

// formatResult converts a mutation result into a response payload.
func formatResult(result rules.Result) gin.H {
	return gin.H{
		"rule":               formatRule(&result.Rule),
		"affected_members":   result.AffectedMembers,
		"audit_entries":      result.AuditEntries,
		"recompute_failed":   result.RecomputeFailed,
		"recomputed_at":      formatTime(&result.RecomputedAt),
		"touched_categories": result.TouchedCategories,
	}
}
