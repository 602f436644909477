package billing

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mutualsoft/padron/internal/directory"
	"github.com/mutualsoft/padron/internal/models"
	"github.com/shopspring/decimal"
)

// RuleReader loads the rules in force for a tenant at an instant.
type RuleReader interface {
	ActiveAt(ctx context.Context, tenantID uint64, at time.Time) ([]models.CollateralRule, error)
}

// DependentLister lists a member's dependents.
type DependentLister interface {
	ListDependents(ctx context.Context, tenantID, memberID uint64) ([]directory.DependentInfo, error)
}

// Line is the charge of one kinship category.
type Line struct {
	CategoryID uint64          `json:"category_id"`
	Count      int             `json:"count"`
	RuleID     *uint64         `json:"rule_id"`
	Price      decimal.Decimal `json:"price"`
}

// Breakdown is a computed collateral total with its per-category lines.
type Breakdown struct {
	Total decimal.Decimal `json:"total"`
	Lines []Line          `json:"lines"`
}

// Calculator computes collateral totals. It holds no state besides its
// readers and is safe for concurrent use.
type Calculator struct {
	rules      RuleReader
	dependents DependentLister
}

// NewCalculator constructs a Calculator.
func NewCalculator(rules RuleReader, dependents DependentLister) *Calculator {
	return &Calculator{rules: rules, dependents: dependents}
}

// ComputeTotal returns the member's collateral total at asOf.
func (c *Calculator) ComputeTotal(ctx context.Context, tenantID, memberID uint64, asOf time.Time) (decimal.Decimal, error) {
	breakdown, err := c.ComputeBreakdown(ctx, tenantID, memberID, asOf)
	if err != nil {
		return decimal.Zero, err
	}
	return breakdown.Total, nil
}

// ComputeBreakdown returns the member's collateral total at asOf with one line
// per category holding participating dependents.
func (c *Calculator) ComputeBreakdown(ctx context.Context, tenantID, memberID uint64, asOf time.Time) (Breakdown, error) {
	deps, err := c.dependents.ListDependents(ctx, tenantID, memberID)
	if err != nil {
		return Breakdown{}, fmt.Errorf("billing: list dependents: %w", err)
	}
	counts := CountByCategory(deps)
	if len(counts) == 0 {
		return Breakdown{Total: decimal.Zero, Lines: []Line{}}, nil
	}
	rules, err := c.rules.ActiveAt(ctx, tenantID, asOf)
	if err != nil {
		return Breakdown{}, fmt.Errorf("billing: load rules: %w", err)
	}
	return Price(rules, counts, asOf), nil
}

// CountByCategory counts active participating dependents per category.
func CountByCategory(deps []directory.DependentInfo) map[uint64]int {
	counts := make(map[uint64]int)
	for _, d := range deps {
		if d.Counts() {
			counts[d.CategoryID]++
		}
	}
	return counts
}

// Price sums the selected rule price of every category with a positive count.
// Categories without a matching rule contribute zero.
func Price(rules []models.CollateralRule, counts map[uint64]int, asOf time.Time) Breakdown {
	categories := make([]uint64, 0, len(counts))
	for id, n := range counts {
		if n > 0 {
			categories = append(categories, id)
		}
	}
	sort.Slice(categories, func(i, j int) bool { return categories[i] < categories[j] })

	out := Breakdown{Total: decimal.Zero, Lines: make([]Line, 0, len(categories))}
	for _, categoryID := range categories {
		line := Line{CategoryID: categoryID, Count: counts[categoryID], Price: decimal.Zero}
		if rule := SelectCollateralRule(rules, categoryID, line.Count, asOf); rule != nil {
			id := rule.ID
			line.RuleID = &id
			line.Price = rule.Price
			out.Total = out.Total.Add(rule.Price)
		}
		out.Lines = append(out.Lines, line)
	}
	return out
}
