package billing

import (
	"time"

	"github.com/mutualsoft/padron/internal/models"
)

// SelectCollateralRule picks the rule that prices count dependents of
// categoryID at the given instant. Candidates must be active, valid at `at`
// and have a quantity band containing count. Among candidates the priority is:
// 1) larger QuantityFrom (the more specific band)
// 2) later ValidFrom (the newer rule)
// 3) larger ID (the last created rule)
func SelectCollateralRule(rules []models.CollateralRule, categoryID uint64, count int, at time.Time) *models.CollateralRule {
	if count <= 0 {
		return nil
	}

	var best *models.CollateralRule
	for i := range rules {
		r := &rules[i]
		if !r.IsActive || r.KinshipCategoryID != categoryID {
			continue
		}
		if !r.ValidAt(at) || !r.MatchesQuantity(count) {
			continue
		}
		if best == nil || outranks(r, best) {
			best = r
		}
	}
	return best
}

func outranks(r, best *models.CollateralRule) bool {
	if r.QuantityFrom != best.QuantityFrom {
		return r.QuantityFrom > best.QuantityFrom
	}
	if !r.ValidFrom.Equal(best.ValidFrom) {
		return r.ValidFrom.After(best.ValidFrom)
	}
	return r.ID > best.ID
}
