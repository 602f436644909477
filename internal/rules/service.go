// Package rules administers collateral rules outside the draft workflow and
// recomputes the members each change affects.
package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/mutualsoft/padron/internal/apperr"
	"github.com/mutualsoft/padron/internal/audit"
	"github.com/mutualsoft/padron/internal/billing"
	"github.com/mutualsoft/padron/internal/directory"
	"github.com/mutualsoft/padron/internal/models"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RuleInput carries the fields of a new rule.
type RuleInput struct {
	KinshipCategoryID uint64
	QuantityFrom      int
	QuantityTo        *int
	ValidFrom         time.Time
	ValidTo           *time.Time
	Price             decimal.Decimal
	IsActive          *bool
}

// Rule builds the model for tenantID.
func (in RuleInput) Rule(tenantID uint64) models.CollateralRule {
	active := true
	if in.IsActive != nil {
		active = *in.IsActive
	}
	rule := models.CollateralRule{
		TenantID:          tenantID,
		KinshipCategoryID: in.KinshipCategoryID,
		QuantityFrom:      in.QuantityFrom,
		ValidFrom:         in.ValidFrom.UTC(),
		Price:             in.Price,
		IsActive:          active,
	}
	if in.QuantityTo != nil {
		v := *in.QuantityTo
		rule.QuantityTo = &v
	}
	if in.ValidTo != nil {
		v := in.ValidTo.UTC()
		rule.ValidTo = &v
	}
	return rule
}

// Result reports a rule mutation and the recomputation it triggered.
type Result struct {
	Rule              models.CollateralRule `json:"rule"`
	AffectedMembers   int                   `json:"affected_members"`
	AuditEntries      int                   `json:"audit_entries"`
	RecomputeFailed   bool                  `json:"recompute_failed,omitempty"`
	RecomputedAt      time.Time             `json:"recomputed_at"`
	TouchedCategories []uint64              `json:"touched_categories"`
}

// Service applies single-rule mutations and synchronously recomputes the
// members of the touched categories.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// NewService constructs a Service.
func NewService(db *gorm.DB) *Service {
	return &Service{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// List returns the tenant's rules, optionally for one category.
func (s *Service) List(ctx context.Context, tenantID uint64, categoryID *uint64) ([]models.CollateralRule, error) {
	if tenantID == 0 {
		return nil, apperr.ErrInvalidID
	}
	return billing.NewRuleStore(s.db).Find(ctx, tenantID, categoryID)
}

// Get returns one rule of the tenant.
func (s *Service) Get(ctx context.Context, tenantID, id uint64) (models.CollateralRule, error) {
	if tenantID == 0 || id == 0 {
		return models.CollateralRule{}, apperr.ErrInvalidID
	}
	return billing.NewRuleStore(s.db).Get(ctx, tenantID, id)
}

// Create validates and stores a new rule.
func (s *Service) Create(ctx context.Context, tenantID uint64, in RuleInput) (Result, error) {
	if tenantID == 0 {
		return Result{}, apperr.ErrInvalidID
	}
	rule := in.Rule(tenantID)
	if errValidate := billing.ValidateRule(&rule); errValidate != nil {
		return Result{}, errValidate
	}
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errCategory := requireCategory(ctx, tx, tenantID, rule.KinshipCategoryID); errCategory != nil {
			return errCategory
		}
		return billing.NewRuleStore(tx).Create(ctx, &rule)
	})
	if errTx != nil {
		return Result{}, errTx
	}
	return s.afterWrite(ctx, rule, fmt.Sprintf("collateral rule %d created", rule.ID), rule.KinshipCategoryID), nil
}

// Update merges patch onto a rule. A category change recomputes both the
// previous and the new category.
func (s *Service) Update(ctx context.Context, tenantID, id uint64, patch billing.RulePatch) (Result, error) {
	if tenantID == 0 || id == 0 {
		return Result{}, apperr.ErrInvalidID
	}
	var (
		rule       models.CollateralRule
		categories []uint64
	)
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store := billing.NewRuleStore(tx)
		current, errGet := store.Get(ctx, tenantID, id)
		if errGet != nil {
			return errGet
		}
		previous := current.KinshipCategoryID
		patch.ApplyTo(&current)
		if errValidate := billing.ValidateRule(&current); errValidate != nil {
			return errValidate
		}
		if current.KinshipCategoryID != previous {
			if errCategory := requireCategory(ctx, tx, tenantID, current.KinshipCategoryID); errCategory != nil {
				return errCategory
			}
			categories = append(categories, previous)
		}
		if errSave := tx.WithContext(ctx).Save(&current).Error; errSave != nil {
			return errSave
		}
		rule = current
		categories = append(categories, current.KinshipCategoryID)
		return nil
	})
	if errTx != nil {
		return Result{}, errTx
	}
	return s.afterWrite(ctx, rule, fmt.Sprintf("collateral rule %d updated", rule.ID), categories...), nil
}

// SetActive toggles the rule's active flag.
func (s *Service) SetActive(ctx context.Context, tenantID, id uint64, active bool) (Result, error) {
	if tenantID == 0 || id == 0 {
		return Result{}, apperr.ErrInvalidID
	}
	rule, errUpdate := billing.NewRuleStore(s.db).Update(ctx, tenantID, id, billing.RulePatch{IsActive: &active})
	if errUpdate != nil {
		return Result{}, errUpdate
	}
	verb := "disabled"
	if active {
		verb = "enabled"
	}
	return s.afterWrite(ctx, rule, fmt.Sprintf("collateral rule %d %s", rule.ID, verb), rule.KinshipCategoryID), nil
}

// Delete removes a rule.
func (s *Service) Delete(ctx context.Context, tenantID, id uint64) (Result, error) {
	if tenantID == 0 || id == 0 {
		return Result{}, apperr.ErrInvalidID
	}
	var rule models.CollateralRule
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store := billing.NewRuleStore(tx)
		current, errGet := store.Get(ctx, tenantID, id)
		if errGet != nil {
			return errGet
		}
		rule = current
		return store.Delete(ctx, tenantID, id)
	})
	if errTx != nil {
		return Result{}, errTx
	}
	return s.afterWrite(ctx, rule, fmt.Sprintf("collateral rule %d deleted", rule.ID), rule.KinshipCategoryID), nil
}

// afterWrite recomputes the touched categories once the rule write committed.
// Recompute and audit failures are logged; the rule write stands.
func (s *Service) afterWrite(ctx context.Context, rule models.CollateralRule, observation string, categories ...uint64) Result {
	at := s.now()
	result := Result{Rule: rule, RecomputedAt: at, TouchedCategories: dedupe(categories)}

	var hooks audit.Hooks
	hooks.Add("recompute collateral members", func(ctx context.Context) error {
		members, entries, errRecompute := recomputeCategories(ctx, s.db, rule.TenantID, result.TouchedCategories, at, observation)
		result.AffectedMembers = members
		result.AuditEntries = entries
		return errRecompute
	})
	if failed := hooks.Run(ctx); failed > 0 {
		result.RecomputeFailed = true
	}
	log.WithFields(log.Fields{
		"tenant_id":        rule.TenantID,
		"rule_id":          rule.ID,
		"affected_members": result.AffectedMembers,
		"audit_entries":    result.AuditEntries,
		"recompute_failed": result.RecomputeFailed,
	}).Info(observation)
	return result
}

// recomputeCategories writes one "modification" entry per member with co-insurance
// active and an active participating dependent in categories, including
// members whose total is now zero.
func recomputeCategories(ctx context.Context, conn *gorm.DB, tenantID uint64, categories []uint64, at time.Time, observation string) (int, int, error) {
	dir := directory.New(conn)
	memberIDs, errMembers := dir.MembersWithDependentsIn(ctx, tenantID, categories, true)
	if errMembers != nil {
		return 0, 0, fmt.Errorf("rules: affected members: %w", errMembers)
	}
	if len(memberIDs) == 0 {
		return 0, 0, nil
	}
	calc := billing.NewCalculator(billing.NewRuleStore(conn), dir)
	entries := make([]audit.Entry, 0, len(memberIDs))
	for _, memberID := range memberIDs {
		roll, errRoll := destination(ctx, dir, tenantID, memberID)
		if errRoll != nil {
			return len(memberIDs), 0, errRoll
		}
		entry, errEntry := memberEntry(ctx, calc, tenantID, memberID, roll, at, observation)
		if errEntry != nil {
			return len(memberIDs), 0, errEntry
		}
		entries = append(entries, entry)
	}
	if errAppend := audit.NewGormSink(conn).Append(ctx, entries...); errAppend != nil {
		return len(memberIDs), 0, errAppend
	}
	return len(memberIDs), len(entries), nil
}

func memberEntry(ctx context.Context, calc *billing.Calculator, tenantID, memberID uint64, roll *uint64, at time.Time, observation string) (audit.Entry, error) {
	total, errTotal := calc.ComputeTotal(ctx, tenantID, memberID, at)
	if errTotal != nil {
		return audit.Entry{}, fmt.Errorf("rules: compute member %d: %w", memberID, errTotal)
	}
	return audit.Modification(tenantID, memberID, roll, at, observation, total), nil
}

// destination returns the member's collateral roll entry id, nil when none.
func destination(ctx context.Context, dir *directory.Directory, tenantID, memberID uint64) (*uint64, error) {
	rollID, ok, errRoll := dir.ResolveDestinationRollEntry(ctx, tenantID, memberID)
	if errRoll != nil {
		return nil, fmt.Errorf("rules: resolve roll entry of member %d: %w", memberID, errRoll)
	}
	if !ok {
		return nil, nil
	}
	return &rollID, nil
}

func requireCategory(ctx context.Context, tx *gorm.DB, tenantID, categoryID uint64) error {
	exists, errExists := directory.New(tx).CategoryExists(ctx, tenantID, categoryID)
	if errExists != nil {
		return errExists
	}
	if !exists {
		return apperr.NotFound("kinship category")
	}
	return nil
}

func dedupe(ids []uint64) []uint64 {
	set := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		if id != 0 {
			set[id] = struct{}{}
		}
	}
	return directory.SortedIDs(set)
}
