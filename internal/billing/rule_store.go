package billing

import (
	"context"
	"errors"
	"time"

	"github.com/mutualsoft/padron/internal/apperr"
	"github.com/mutualsoft/padron/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// RulePatch carries the fields of a partial rule update. Nil pointers leave
// the stored value untouched; the Unbounded/OpenEnded flags clear the upper
// limits.
type RulePatch struct {
	KinshipCategoryID *uint64
	QuantityFrom      *int
	QuantityTo        *int
	UnboundedQuantity bool
	ValidFrom         *time.Time
	ValidTo           *time.Time
	OpenEnded         bool
	Price             *decimal.Decimal
	IsActive          *bool
}

// ApplyTo merges the patch onto rule.
func (p RulePatch) ApplyTo(rule *models.CollateralRule) {
	if p.KinshipCategoryID != nil {
		rule.KinshipCategoryID = *p.KinshipCategoryID
	}
	if p.QuantityFrom != nil {
		rule.QuantityFrom = *p.QuantityFrom
	}
	if p.UnboundedQuantity {
		rule.QuantityTo = nil
	} else if p.QuantityTo != nil {
		v := *p.QuantityTo
		rule.QuantityTo = &v
	}
	if p.ValidFrom != nil {
		rule.ValidFrom = p.ValidFrom.UTC()
	}
	if p.OpenEnded {
		rule.ValidTo = nil
	} else if p.ValidTo != nil {
		v := p.ValidTo.UTC()
		rule.ValidTo = &v
	}
	if p.Price != nil {
		rule.Price = *p.Price
	}
	if p.IsActive != nil {
		rule.IsActive = *p.IsActive
	}
}

// RuleStore persists collateral rules. Every lookup is tenant scoped; a rule
// owned by another tenant is reported as not found.
type RuleStore struct {
	db *gorm.DB
}

// NewRuleStore constructs a RuleStore.
func NewRuleStore(db *gorm.DB) *RuleStore {
	return &RuleStore{db: db}
}

// WithTx returns a RuleStore bound to tx.
func (s *RuleStore) WithTx(tx *gorm.DB) *RuleStore {
	return &RuleStore{db: tx}
}

// Find lists rules of a tenant, optionally restricted to one category.
func (s *RuleStore) Find(ctx context.Context, tenantID uint64, categoryID *uint64) ([]models.CollateralRule, error) {
	q := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if categoryID != nil {
		q = q.Where("kinship_category_id = ?", *categoryID)
	}
	var rows []models.CollateralRule
	if errFind := q.Order("kinship_category_id ASC, quantity_from ASC, id ASC").Find(&rows).Error; errFind != nil {
		return nil, errFind
	}
	return rows, nil
}

// Get loads one rule of the tenant.
func (s *RuleStore) Get(ctx context.Context, tenantID, id uint64) (models.CollateralRule, error) {
	var rule models.CollateralRule
	errFind := s.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, id).First(&rule).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return models.CollateralRule{}, apperr.NotFound("collateral rule")
	}
	if errFind != nil {
		return models.CollateralRule{}, errFind
	}
	return rule, nil
}

// Create inserts rule.
func (s *RuleStore) Create(ctx context.Context, rule *models.CollateralRule) error {
	return s.db.WithContext(ctx).Create(rule).Error
}

// Update merges patch onto the stored rule and returns the result.
func (s *RuleStore) Update(ctx context.Context, tenantID, id uint64, patch RulePatch) (models.CollateralRule, error) {
	rule, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return models.CollateralRule{}, err
	}
	patch.ApplyTo(&rule)
	if errSave := s.db.WithContext(ctx).Save(&rule).Error; errSave != nil {
		return models.CollateralRule{}, errSave
	}
	return rule, nil
}

// Delete removes the rule row.
func (s *RuleStore) Delete(ctx context.Context, tenantID, id uint64) error {
	res := s.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, id).Delete(&models.CollateralRule{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("collateral rule")
	}
	return nil
}

// Disable deactivates the rule and closes its validity window at `at`,
// keeping the row as history.
func (s *RuleStore) Disable(ctx context.Context, tenantID, id uint64, at time.Time) (models.CollateralRule, error) {
	closed := at.UTC()
	active := false
	return s.Update(ctx, tenantID, id, RulePatch{IsActive: &active, ValidTo: &closed})
}

// ActiveAt returns the tenant's active rules whose validity window contains at.
func (s *RuleStore) ActiveAt(ctx context.Context, tenantID uint64, at time.Time) ([]models.CollateralRule, error) {
	var rows []models.CollateralRule
	if errFind := s.db.WithContext(ctx).
		Where("tenant_id = ? AND is_active = ?", tenantID, true).
		Order("id ASC").
		Find(&rows).Error; errFind != nil {
		return nil, errFind
	}
	out := rows[:0]
	for _, r := range rows {
		if r.ValidAt(at) {
			out = append(out, r)
		}
	}
	return out, nil
}

// CategoriesWithRules lists the distinct categories that have any stored rule.
func (s *RuleStore) CategoriesWithRules(ctx context.Context, tenantID uint64) ([]uint64, error) {
	var ids []uint64
	if errFind := s.db.WithContext(ctx).Model(&models.CollateralRule{}).
		Where("tenant_id = ?", tenantID).
		Distinct("kinship_category_id").
		Order("kinship_category_id ASC").
		Pluck("kinship_category_id", &ids).Error; errFind != nil {
		return nil, errFind
	}
	return ids, nil
}
