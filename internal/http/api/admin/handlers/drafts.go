package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mutualsoft/padron/internal/models"
	"github.com/mutualsoft/padron/internal/publication"
	"github.com/shopspring/decimal"
)

// DraftHandler exposes the draft lifecycle.
type DraftHandler struct {
	drafts *publication.Service
}

// NewDraftHandler constructs a DraftHandler.
func NewDraftHandler(drafts *publication.Service) *DraftHandler {
	return &DraftHandler{drafts: drafts}
}

// Open returns the tenant's open draft, creating it when needed.
func (h *DraftHandler) Open(c *gin.Context) {
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	draft, errOpen := h.drafts.Open(c.Request.Context(), tenantID)
	if errOpen != nil {
		writeError(c, errOpen, "open draft")
		return
	}
	c.JSON(http.StatusOK, formatDraft(&draft))
}

// Current returns the tenant's open draft.
func (h *DraftHandler) Current(c *gin.Context) {
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	draft, errCurrent := h.drafts.Current(c.Request.Context(), tenantID)
	if errCurrent != nil {
		writeError(c, errCurrent, "get current draft")
		return
	}
	c.JSON(http.StatusOK, formatDraft(&draft))
}

// Get returns a draft with its edits in apply order.
func (h *DraftHandler) Get(c *gin.Context) {
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	draftID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	view, errGet := h.drafts.Get(c.Request.Context(), tenantID, draftID)
	if errGet != nil {
		writeError(c, errGet, "get draft")
		return
	}
	edits := make([]gin.H, 0, len(view.Edits))
	for i := range view.Edits {
		edits = append(edits, formatEdit(&view.Edits[i]))
	}
	out := formatDraft(&view.Draft)
	out["edits"] = edits
	c.JSON(http.StatusOK, out)
}

// editRequest is one draft edit. Fields absent from the body stay absent.
type editRequest struct {
	Op           string           `json:"op"`             // create, update or delete.
	TargetRuleID *uint64          `json:"target_rule_id"` // Rule targeted by update/delete.
	Category     *uint64          `json:"kinship_category_id"`
	QuantityFrom *int             `json:"quantity_from"`
	QuantityTo   *int             `json:"quantity_to"`
	Unbounded    bool             `json:"unbounded_quantity"`
	ValidFrom    *string          `json:"valid_from"`
	ValidTo      *string          `json:"valid_to"`
	OpenEnded    bool             `json:"open_ended"`
	Price        *decimal.Decimal `json:"price"`
	IsActive     *bool            `json:"is_active"`
}

// AddEdit appends one edit to an open draft.
func (h *DraftHandler) AddEdit(c *gin.Context) {
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	draftID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	var body editRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	validFrom, errFrom := parseOptionalDate(body.ValidFrom, "valid_from")
	if errFrom != nil {
		writeError(c, errFrom, "add draft edit")
		return
	}
	validTo, errTo := parseOptionalDate(body.ValidTo, "valid_to")
	if errTo != nil {
		writeError(c, errTo, "add draft edit")
		return
	}
	edit, errParse := publication.ParseEdit(body.Op, body.TargetRuleID, publication.EditFields{
		KinshipCategoryID: body.Category,
		QuantityFrom:      body.QuantityFrom,
		QuantityTo:        body.QuantityTo,
		UnboundedQuantity: body.Unbounded,
		ValidFrom:         validFrom,
		ValidTo:           validTo,
		OpenEnded:         body.OpenEnded,
		Price:             body.Price,
		IsActive:          body.IsActive,
	})
	if errParse != nil {
		writeError(c, errParse, "add draft edit")
		return
	}

	row, errAdd := h.drafts.AddEdit(c.Request.Context(), tenantID, draftID, edit)
	if errAdd != nil {
		writeError(c, errAdd, "add draft edit")
		return
	}
	c.JSON(http.StatusCreated, formatEdit(&row))
}

// RemoveEdit deletes one edit from an open draft.
func (h *DraftHandler) RemoveEdit(c *gin.Context) {
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	draftID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	editID, ok := parseIDParam(c, "edit_id")
	if !ok {
		return
	}
	if errRemove := h.drafts.RemoveEdit(c.Request.Context(), tenantID, draftID, editID); errRemove != nil {
		writeError(c, errRemove, "remove draft edit")
		return
	}
	c.Status(http.StatusNoContent)
}

// DryRun estimates the members and adjustments a draft would touch.
func (h *DraftHandler) DryRun(c *gin.Context) {
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	draftID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	result, errDry := h.drafts.DryRun(c.Request.Context(), tenantID, draftID)
	if errDry != nil {
		writeError(c, errDry, "dry run")
		return
	}
	c.JSON(http.StatusOK, result)
}

// publishRequest carries the optional publication comment.
type publishRequest struct {
	Comment *string `json:"comment"`
}

// Publish enqueues the draft's publication. The response acknowledges the
// job; completion shows up in the draft state.
func (h *DraftHandler) Publish(c *gin.Context) {
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	draftID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	var body publishRequest
	if c.Request.ContentLength != 0 {
		if errBind := c.ShouldBindJSON(&body); errBind != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}
	ack, errPublish := h.drafts.Publish(c.Request.Context(), tenantID, draftID, body.Comment)
	if errPublish != nil {
		writeError(c, errPublish, "publish draft")
		return
	}
	c.JSON(http.StatusAccepted, ack)
}

// Cancel abandons an open draft.
func (h *DraftHandler) Cancel(c *gin.Context) {
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	draftID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	draft, errCancel := h.drafts.Cancel(c.Request.Context(), tenantID, draftID)
	if errCancel != nil {
		writeError(c, errCancel, "cancel draft")
		return
	}
	c.JSON(http.StatusOK, formatDraft(&draft))
}

func formatDraft(draft *models.PublicationDraft) gin.H {
	return gin.H{
		"id":              draft.ID,
		"state":           draft.State,
		"comment":         draft.Comment,
		"applied_at":      formatTime(draft.AppliedAt),
		"publish_version": draft.PublishVersion,
		"published_at":    formatTime(draft.PublishedAt),
		"cancelled_at":    formatTime(draft.CancelledAt),
		"created_at":      formatTime(&draft.CreatedAt),
		"updated_at":      formatTime(&draft.UpdatedAt),
	}
}

func formatEdit(row *models.DraftEdit) gin.H {
	var fields any
	if len(row.Fields) > 0 {
		fields = json.RawMessage(row.Fields)
	}
	return gin.H{
		"id":             row.ID,
		"op":             row.Op,
		"target_rule_id": row.TargetRuleID,
		"fields":         fields,
		"created_at":     formatTime(&row.CreatedAt),
	}
}
