package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Audit entry kinds.
const (
	// AuditKindModification records a recomputed collateral total.
	AuditKindModification = "modification"
	// AuditKindNotification records an informational event without a monetary value.
	AuditKindNotification = "notification"
)

// AuditEntry ("novedad") is an immutable record of a charge change.
type AuditEntry struct {
	ID          uint64  `gorm:"primaryKey;autoIncrement"` // Primary key.
	TenantID    uint64  `gorm:"not null;index"`           // Owning tenant.
	MemberID    *uint64 `gorm:"index"`                    // Affected member, when any.
	RollEntryID *uint64 `gorm:"index"`                    // Affected roll entry, when any.

	Kind        string    `gorm:"type:varchar(32);not null"` // Entry kind.
	OccurredAt  time.Time `gorm:"not null"`                  // Event time.
	Observation string    `gorm:"type:text"`                 // Free-text description.

	NewTotal *decimal.Decimal `gorm:"type:decimal(14,2)"` // New collateral total; nil for non-monetary events.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}
