package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CollateralRule is a tiered price for a kinship category: when a member's
// dependent count in the category falls within [QuantityFrom, QuantityTo] and
// the date falls within [ValidFrom, ValidTo), Price is charged once.
type CollateralRule struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	TenantID          uint64 `gorm:"not null;index:idx_collateral_rules_scope,priority:1"` // Owning tenant.
	KinshipCategoryID uint64 `gorm:"not null;index:idx_collateral_rules_scope,priority:2"` // Kinship category scope.

	QuantityFrom int  `gorm:"not null"` // Band start, inclusive.
	QuantityTo   *int // Band end, inclusive; nil is unbounded.

	ValidFrom time.Time  `gorm:"not null"` // Validity start, inclusive.
	ValidTo   *time.Time // Validity end, exclusive; nil is open-ended.

	Price decimal.Decimal `gorm:"type:decimal(14,2);not null"` // Flat price for the band.

	IsActive bool `gorm:"not null"` // Whether the rule participates in pricing.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// MatchesQuantity reports whether count falls within the quantity band.
func (r *CollateralRule) MatchesQuantity(count int) bool {
	if count < r.QuantityFrom {
		return false
	}
	return r.QuantityTo == nil || count <= *r.QuantityTo
}

// ValidAt reports whether at falls within the validity window.
func (r *CollateralRule) ValidAt(at time.Time) bool {
	if at.Before(r.ValidFrom) {
		return false
	}
	return r.ValidTo == nil || at.Before(*r.ValidTo)
}

// KinshipCategory classifies a dependent's relationship to the member.
type KinshipCategory struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement"`                                      // Primary key.
	TenantID uint64 `gorm:"not null;uniqueIndex:idx_kinship_tenant_code"`                  // Owning tenant.
	Code     string `gorm:"type:varchar(64);not null;uniqueIndex:idx_kinship_tenant_code"` // Short code, e.g. HIJO.
	Name     string `gorm:"type:varchar(255)"`                                             // Display name.
}
