package db

import (
	"fmt"

	"github.com/mutualsoft/padron/internal/models"
	"gorm.io/gorm"
)

// openDraftIndex allows at most one open draft per tenant.
const openDraftIndex = `CREATE UNIQUE INDEX IF NOT EXISTS idx_collateral_drafts_open_tenant
	ON collateral_drafts (tenant_id) WHERE state = 'draft'`

// Migrate creates or updates all tables owned by the service.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	if errMigrate := conn.AutoMigrate(
		&models.Setting{},
		&models.KinshipCategory{},
		&models.CollateralRule{},
		&models.Member{},
		&models.Dependent{},
		&models.BillingRollEntry{},
		&models.AuditEntry{},
		&models.PublicationDraft{},
		&models.DraftEdit{},
	); errMigrate != nil {
		return fmt.Errorf("db: auto migrate: %w", errMigrate)
	}
	if errIndex := conn.Exec(openDraftIndex).Error; errIndex != nil {
		return fmt.Errorf("db: open draft index: %w", errIndex)
	}
	return nil
}
