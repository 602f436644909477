package models

import (
	"time"

	"gorm.io/datatypes"
)

// Draft lifecycle states.
const (
	DraftStateDraft     = "draft"
	DraftStatePublished = "published"
	DraftStateCancelled = "cancelled"
)

// Draft edit operations.
const (
	EditOpCreate = "create"
	EditOpUpdate = "update"
	EditOpDelete = "delete"
)

// PublicationDraft groups pending collateral rule edits for a tenant.
type PublicationDraft struct {
	ID       uint64  `gorm:"primaryKey;autoIncrement"`                                                // Primary key.
	TenantID uint64  `gorm:"not null;index:idx_collateral_drafts_lookup,priority:1"`                  // Owning tenant.
	State    string  `gorm:"type:varchar(16);not null;index:idx_collateral_drafts_lookup,priority:2"` // draft, published or cancelled.
	Comment  *string `gorm:"type:text"`                                                               // Optional publication comment.

	AppliedAt         *time.Time     // Set when the worker applied the edits.
	PublishVersion    int64          `gorm:"not null;default:0"` // Version stamped on propagated values.
	TouchedCategories datatypes.JSON `gorm:"type:jsonb"`         // Category ids touched by the applied edits.

	PublishedAt *time.Time // Publication timestamp.
	CancelledAt *time.Time // Cancellation timestamp.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index:idx_collateral_drafts_lookup,priority:3"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`                                               // Last update timestamp.
}

// TableName keeps the draft table name stable.
func (PublicationDraft) TableName() string { return "collateral_drafts" }

// Editable reports whether edits may still be added or removed.
func (d *PublicationDraft) Editable() bool {
	return d.State == DraftStateDraft && d.AppliedAt == nil
}

// DraftEdit is one pending create, update or delete of a collateral rule.
type DraftEdit struct {
	ID           uint64         `gorm:"primaryKey;autoIncrement"`  // Primary key; also the apply order.
	DraftID      uint64         `gorm:"not null;index"`            // Owning draft.
	TenantID     uint64         `gorm:"not null;index"`            // Owning tenant.
	Op           string         `gorm:"type:varchar(16);not null"` // create, update or delete.
	TargetRuleID *uint64        // Rule targeted by update/delete.
	Fields       datatypes.JSON `gorm:"type:jsonb"`              // Field values (full for create, partial for update).
	CreatedAt    time.Time      `gorm:"not null;autoCreateTime"` // Creation timestamp.
}

// TableName keeps the edit table name stable.
func (DraftEdit) TableName() string { return "collateral_draft_edits" }
