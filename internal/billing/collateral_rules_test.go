package billing

import (
	"errors"
	"testing"
	"time"

	"github.com/mutualsoft/padron/internal/apperr"
	"github.com/mutualsoft/padron/internal/models"
	"github.com/shopspring/decimal"
)

const (
	catHijo    uint64 = 1
	catConyuge uint64 = 2
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func intPtr(v int) *int { return &v }

func rule(id, category uint64, from int, to *int, price string, validFrom string) models.CollateralRule {
	return models.CollateralRule{
		ID:                id,
		TenantID:          1,
		KinshipCategoryID: category,
		QuantityFrom:      from,
		QuantityTo:        to,
		ValidFrom:         day(validFrom),
		Price:             decimal.RequireFromString(price),
		IsActive:          true,
	}
}

func TestSelectCollateralRuleScenarioBands(t *testing.T) {
	rules := []models.CollateralRule{
		rule(1, catHijo, 1, intPtr(2), "100", "2024-01-01"),
		rule(2, catHijo, 3, nil, "250", "2024-01-01"),
	}
	at := day("2024-06-01")

	if got := SelectCollateralRule(rules, catHijo, 2, at); got == nil || got.ID != 1 {
		t.Fatalf("expected rule 1 for 2 dependents, got %+v", got)
	}
	if got := SelectCollateralRule(rules, catHijo, 4, at); got == nil || got.ID != 2 {
		t.Fatalf("expected rule 2 for 4 dependents, got %+v", got)
	}
	if got := SelectCollateralRule(rules, catConyuge, 1, at); got != nil {
		t.Fatalf("expected no rule for other category, got %+v", got)
	}
	if got := SelectCollateralRule(rules, catHijo, 0, at); got != nil {
		t.Fatalf("expected no rule for zero count, got %+v", got)
	}
}

func TestSelectCollateralRuleHigherBandStartWinsRegardlessOfOrder(t *testing.T) {
	broad := rule(10, catHijo, 1, nil, "90", "2024-01-01")
	specific := rule(3, catHijo, 2, intPtr(5), "120", "2023-01-01")
	at := day("2024-06-01")

	for _, rules := range [][]models.CollateralRule{{broad, specific}, {specific, broad}} {
		got := SelectCollateralRule(rules, catHijo, 3, at)
		if got == nil || got.ID != specific.ID {
			t.Fatalf("expected specific rule, got %+v", got)
		}
	}
}

func TestSelectCollateralRuleTieBreaks(t *testing.T) {
	older := rule(5, catHijo, 1, nil, "100", "2024-01-01")
	newer := rule(4, catHijo, 1, nil, "110", "2024-03-01")
	at := day("2024-06-01")
	if got := SelectCollateralRule([]models.CollateralRule{older, newer}, catHijo, 1, at); got == nil || got.ID != newer.ID {
		t.Fatalf("expected later valid_from to win, got %+v", got)
	}

	first := rule(6, catHijo, 1, nil, "100", "2024-01-01")
	last := rule(7, catHijo, 1, nil, "105", "2024-01-01")
	if got := SelectCollateralRule([]models.CollateralRule{last, first}, catHijo, 1, at); got == nil || got.ID != last.ID {
		t.Fatalf("expected larger id to win, got %+v", got)
	}
}

func TestSelectCollateralRuleSkipsInactiveAndOutOfWindow(t *testing.T) {
	inactive := rule(1, catHijo, 1, nil, "100", "2024-01-01")
	inactive.IsActive = false
	future := rule(2, catHijo, 1, nil, "100", "2025-01-01")
	closed := rule(3, catHijo, 1, nil, "100", "2023-01-01")
	end := day("2024-06-01")
	closed.ValidTo = &end

	rules := []models.CollateralRule{inactive, future, closed}
	if got := SelectCollateralRule(rules, catHijo, 1, day("2024-06-01")); got != nil {
		t.Fatalf("expected no rule, got %+v", got)
	}
	if got := SelectCollateralRule(rules, catHijo, 1, day("2024-05-31")); got == nil || got.ID != closed.ID {
		t.Fatalf("expected closed rule before its end, got %+v", got)
	}
}

func TestPriceSumsCategoriesExactly(t *testing.T) {
	rules := []models.CollateralRule{
		rule(1, catHijo, 1, nil, "100.10", "2024-01-01"),
		rule(2, catConyuge, 1, nil, "80.20", "2024-01-01"),
	}
	counts := map[uint64]int{catHijo: 2, catConyuge: 1, 99: 3}
	out := Price(rules, counts, day("2024-06-01"))
	if !out.Total.Equal(decimal.RequireFromString("180.30")) {
		t.Fatalf("expected 180.30, got %s", out.Total)
	}
	if len(out.Lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(out.Lines))
	}
	if out.Lines[2].RuleID != nil || !out.Lines[2].Price.IsZero() {
		t.Fatalf("expected unmatched category to contribute zero, got %+v", out.Lines[2])
	}

	again := Price(rules, counts, day("2024-06-01"))
	if !again.Total.Equal(out.Total) {
		t.Fatalf("expected deterministic total, got %s and %s", out.Total, again.Total)
	}
}

func TestValidateRule(t *testing.T) {
	base := rule(1, catHijo, 1, intPtr(2), "100", "2024-01-01")
	if errValidate := ValidateRule(&base); errValidate != nil {
		t.Fatalf("expected valid rule, got %v", errValidate)
	}

	before := day("2023-12-31")
	cases := map[string]func(r *models.CollateralRule){
		"kinship_category_id": func(r *models.CollateralRule) { r.KinshipCategoryID = 0 },
		"valid_from":          func(r *models.CollateralRule) { r.ValidFrom = time.Time{} },
		"quantity_from":       func(r *models.CollateralRule) { r.QuantityFrom = 0 },
		"quantity_to":         func(r *models.CollateralRule) { r.QuantityTo = intPtr(0) },
		"price":               func(r *models.CollateralRule) { r.Price = decimal.NewFromInt(-1) },
		"valid_to":            func(r *models.CollateralRule) { r.ValidTo = &before },
	}
	for field, mutate := range cases {
		r := base
		mutate(&r)
		errValidate := ValidateRule(&r)
		var validation *apperr.ValidationError
		if !errors.As(errValidate, &validation) || validation.Field != field {
			t.Fatalf("%s: expected validation error naming the field, got %v", field, errValidate)
		}
	}
}
