package models

import (
	"time"

	"gorm.io/datatypes"
)

// Setting stores a runtime-tunable value (page sizes, concurrency, retention) as JSON.
type Setting struct {
	Key         string         `gorm:"type:varchar(255);primaryKey"` // Configuration key.
	Value       datatypes.JSON `gorm:"type:jsonb"`                   // JSON-encoded value.
	Description string         `gorm:"type:text"`                    // Operator note.
	UpdatedAt   time.Time      `gorm:"not null;autoUpdateTime"`      // Last update timestamp.
}
