package publication

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mutualsoft/padron/internal/apperr"
	"github.com/mutualsoft/padron/internal/billing"
	"github.com/mutualsoft/padron/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// EditFields are the rule fields carried by create and update edits. Nil
// fields are absent: a create lacking a required field is skipped at publish
// and an update leaves the stored value untouched.
type EditFields struct {
	KinshipCategoryID *uint64          `json:"kinship_category_id,omitempty"`
	QuantityFrom      *int             `json:"quantity_from,omitempty"`
	QuantityTo        *int             `json:"quantity_to,omitempty"`
	UnboundedQuantity bool             `json:"unbounded_quantity,omitempty"`
	ValidFrom         *time.Time       `json:"valid_from,omitempty"`
	ValidTo           *time.Time       `json:"valid_to,omitempty"`
	OpenEnded         bool             `json:"open_ended,omitempty"`
	Price             *decimal.Decimal `json:"price,omitempty"`
	IsActive          *bool            `json:"is_active,omitempty"`
}

// Patch converts the fields into a rule patch.
func (f EditFields) Patch() billing.RulePatch {
	return billing.RulePatch{
		KinshipCategoryID: f.KinshipCategoryID,
		QuantityFrom:      f.QuantityFrom,
		QuantityTo:        f.QuantityTo,
		UnboundedQuantity: f.UnboundedQuantity,
		ValidFrom:         f.ValidFrom,
		ValidTo:           f.ValidTo,
		OpenEnded:         f.OpenEnded,
		Price:             f.Price,
		IsActive:          f.IsActive,
	}
}

// NewRule builds the rule a create edit describes. ok is false when a
// required field is missing.
func (f EditFields) NewRule(tenantID uint64) (models.CollateralRule, bool) {
	if f.KinshipCategoryID == nil || f.QuantityFrom == nil || f.ValidFrom == nil || f.Price == nil {
		return models.CollateralRule{}, false
	}
	rule := models.CollateralRule{TenantID: tenantID, IsActive: true}
	f.Patch().ApplyTo(&rule)
	return rule, true
}

// validate checks the values that are present.
func (f EditFields) validate() error {
	if f.QuantityFrom != nil && *f.QuantityFrom < 1 {
		return apperr.Validation("quantity_from", "must be at least 1")
	}
	if f.QuantityFrom != nil && f.QuantityTo != nil && *f.QuantityTo < *f.QuantityFrom {
		return apperr.Validation("quantity_to", "must not be lower than quantity_from")
	}
	if f.Price != nil && f.Price.IsNegative() {
		return apperr.Validation("price", "must not be negative")
	}
	if f.ValidFrom != nil && f.ValidTo != nil && f.ValidTo.Before(*f.ValidFrom) {
		return apperr.Validation("valid_to", "must not be before valid_from")
	}
	return nil
}

// Edit is a pending rule change: CreateEdit, UpdateEdit or DeleteEdit.
type Edit interface {
	Op() string
	validate() error
}

// CreateEdit adds a new rule.
type CreateEdit struct {
	Fields EditFields
}

// UpdateEdit merges fields onto an existing rule.
type UpdateEdit struct {
	RuleID uint64
	Fields EditFields
}

// DeleteEdit retires an existing rule.
type DeleteEdit struct {
	RuleID uint64
}

// Op implements Edit.
func (CreateEdit) Op() string { return models.EditOpCreate }

// Op implements Edit.
func (UpdateEdit) Op() string { return models.EditOpUpdate }

// Op implements Edit.
func (DeleteEdit) Op() string { return models.EditOpDelete }

func (e CreateEdit) validate() error {
	if e.Fields.KinshipCategoryID == nil || *e.Fields.KinshipCategoryID == 0 {
		return apperr.Required("kinship_category_id")
	}
	if e.Fields.ValidFrom == nil {
		return apperr.Required("valid_from")
	}
	return e.Fields.validate()
}

func (e UpdateEdit) validate() error {
	if e.RuleID == 0 {
		return apperr.Required("target_rule_id")
	}
	if e.Fields.KinshipCategoryID == nil || *e.Fields.KinshipCategoryID == 0 {
		return apperr.Required("kinship_category_id")
	}
	if e.Fields.ValidFrom == nil {
		return apperr.Required("valid_from")
	}
	return e.Fields.validate()
}

func (e DeleteEdit) validate() error {
	if e.RuleID == 0 {
		return apperr.Required("target_rule_id")
	}
	return nil
}

// ParseEdit builds the edit for op. Field presence is checked by AddEdit.
func ParseEdit(op string, targetRuleID *uint64, fields EditFields) (Edit, error) {
	target := uint64(0)
	if targetRuleID != nil {
		target = *targetRuleID
	}
	switch strings.ToLower(strings.TrimSpace(op)) {
	case models.EditOpCreate:
		return CreateEdit{Fields: fields}, nil
	case models.EditOpUpdate:
		return UpdateEdit{RuleID: target, Fields: fields}, nil
	case models.EditOpDelete:
		return DeleteEdit{RuleID: target}, nil
	case "":
		return nil, apperr.Required("op")
	default:
		return nil, apperr.Validation("op", "must be create, update or delete")
	}
}

// toModel encodes an edit into its stored row.
func toModel(tenantID, draftID uint64, edit Edit) (models.DraftEdit, error) {
	row := models.DraftEdit{DraftID: draftID, TenantID: tenantID, Op: edit.Op()}
	var fields *EditFields
	switch e := edit.(type) {
	case CreateEdit:
		fields = &e.Fields
	case UpdateEdit:
		id := e.RuleID
		row.TargetRuleID = &id
		fields = &e.Fields
	case DeleteEdit:
		id := e.RuleID
		row.TargetRuleID = &id
	default:
		return models.DraftEdit{}, fmt.Errorf("publication: unsupported edit %T", edit)
	}
	if fields != nil {
		raw, errMarshal := json.Marshal(fields)
		if errMarshal != nil {
			return models.DraftEdit{}, fmt.Errorf("publication: encode edit fields: %w", errMarshal)
		}
		row.Fields = datatypes.JSON(raw)
	}
	return row, nil
}

// fromModel decodes a stored row. Rows with unreadable fields decode with no
// fields, which makes a create incomplete rather than failing the publish.
func fromModel(row models.DraftEdit) (Edit, error) {
	var fields EditFields
	if len(row.Fields) > 0 {
		if errUnmarshal := json.Unmarshal(row.Fields, &fields); errUnmarshal != nil {
			fields = EditFields{}
		}
	}
	target := uint64(0)
	if row.TargetRuleID != nil {
		target = *row.TargetRuleID
	}
	switch row.Op {
	case models.EditOpCreate:
		return CreateEdit{Fields: fields}, nil
	case models.EditOpUpdate:
		return UpdateEdit{RuleID: target, Fields: fields}, nil
	case models.EditOpDelete:
		return DeleteEdit{RuleID: target}, nil
	default:
		return nil, fmt.Errorf("publication: unknown edit op %q", row.Op)
	}
}

// categoriesOf returns the categories an edit references directly.
func categoriesOf(edit Edit) []uint64 {
	switch e := edit.(type) {
	case CreateEdit:
		if e.Fields.KinshipCategoryID != nil {
			return []uint64{*e.Fields.KinshipCategoryID}
		}
	case UpdateEdit:
		if e.Fields.KinshipCategoryID != nil {
			return []uint64{*e.Fields.KinshipCategoryID}
		}
	}
	return nil
}

// targetOf returns the rule an edit targets, zero for creates.
func targetOf(edit Edit) uint64 {
	switch e := edit.(type) {
	case UpdateEdit:
		return e.RuleID
	case DeleteEdit:
		return e.RuleID
	}
	return 0
}
