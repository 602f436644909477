package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Member is a registered member of a tenant organization.
type Member struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.
	TenantID uint64 `gorm:"not null;index"`           // Owning tenant.
	Name     string `gorm:"type:varchar(255)"`        // Display name.

	CoinsuranceActive bool `gorm:"not null"` // Co-insurance status.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}

// Dependent is a person covered under a member (child, spouse, ...).
type Dependent struct {
	ID                uint64 `gorm:"primaryKey;autoIncrement"`                       // Primary key.
	TenantID          uint64 `gorm:"not null;index:idx_dependents_scope,priority:1"` // Owning tenant.
	MemberID          uint64 `gorm:"not null;index"`                                 // Covering member.
	KinshipCategoryID uint64 `gorm:"not null;index:idx_dependents_scope,priority:2"` // Kinship category.
	Name              string `gorm:"type:varchar(255)"`                              // Display name.

	IsActive                 bool `gorm:"not null"` // Whether coverage is active.
	ParticipatesInCollateral bool `gorm:"not null"` // Whether the dependent counts toward collateral pricing.
}

// BillingRollEntry ("padrón") carries the currently charged collateral total of a member.
type BillingRollEntry struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.
	TenantID uint64 `gorm:"not null;index"`           // Owning tenant.
	MemberID uint64 `gorm:"not null;index"`           // Owning member.

	IsCollateralTarget bool `gorm:"not null"` // Designated destination for collateral charges.

	CollateralTotal   decimal.Decimal `gorm:"type:decimal(14,2);not null"` // Last propagated collateral total.
	CollateralVersion int64           `gorm:"not null"`                    // Publish version of the last applied value.

	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// TableName keeps the roll table name stable.
func (BillingRollEntry) TableName() string { return "billing_roll_entries" }
