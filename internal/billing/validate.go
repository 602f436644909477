package billing

import (
	"github.com/mutualsoft/padron/internal/apperr"
	"github.com/mutualsoft/padron/internal/models"
)

// ValidateRule checks the field constraints of a rule about to be persisted.
func ValidateRule(rule *models.CollateralRule) error {
	if rule == nil {
		return apperr.Required("rule")
	}
	if rule.KinshipCategoryID == 0 {
		return apperr.Required("kinship_category_id")
	}
	if rule.ValidFrom.IsZero() {
		return apperr.Required("valid_from")
	}
	if rule.QuantityFrom < 1 {
		return apperr.Validation("quantity_from", "must be at least 1")
	}
	if rule.QuantityTo != nil && *rule.QuantityTo < rule.QuantityFrom {
		return apperr.Validation("quantity_to", "must not be lower than quantity_from")
	}
	if rule.Price.IsNegative() {
		return apperr.Validation("price", "must not be negative")
	}
	if rule.ValidTo != nil && rule.ValidTo.Before(rule.ValidFrom) {
		return apperr.Validation("valid_to", "must not be before valid_from")
	}
	return nil
}
