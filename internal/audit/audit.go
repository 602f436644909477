// Package audit writes "novedad" entries, the immutable trail of collateral
// charge changes consumed by downstream reporting.
package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mutualsoft/padron/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Entry is one audit record to append.
type Entry struct {
	TenantID    uint64
	MemberID    *uint64
	RollEntryID *uint64
	Kind        string
	OccurredAt  time.Time
	Observation string
	NewTotal    *decimal.Decimal
}

// Modification builds a "modification" entry carrying the new total.
func Modification(tenantID, memberID uint64, rollEntryID *uint64, at time.Time, observation string, total decimal.Decimal) Entry {
	member := memberID
	value := total
	return Entry{
		TenantID:    tenantID,
		MemberID:    &member,
		RollEntryID: rollEntryID,
		Kind:        models.AuditKindModification,
		OccurredAt:  at,
		Observation: observation,
		NewTotal:    &value,
	}
}

// Notification builds a non-monetary informational entry.
func Notification(tenantID uint64, at time.Time, observation string) Entry {
	return Entry{
		TenantID:    tenantID,
		Kind:        models.AuditKindNotification,
		OccurredAt:  at,
		Observation: observation,
	}
}

// Sink appends audit entries.
type Sink interface {
	Append(ctx context.Context, entries ...Entry) error
}

// GormSink stores entries in the audit_entries table.
type GormSink struct {
	db *gorm.DB
}

// NewGormSink constructs a GormSink.
func NewGormSink(db *gorm.DB) *GormSink {
	return &GormSink{db: db}
}

// WithTx returns a sink writing inside tx.
func (s *GormSink) WithTx(tx *gorm.DB) *GormSink {
	return &GormSink{db: tx}
}

// Append inserts entries in one statement.
func (s *GormSink) Append(ctx context.Context, entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([]models.AuditEntry, 0, len(entries))
	for _, e := range entries {
		if e.TenantID == 0 {
			return fmt.Errorf("audit: missing tenant id")
		}
		kind := strings.TrimSpace(e.Kind)
		if kind == "" {
			kind = models.AuditKindModification
		}
		at := e.OccurredAt
		if at.IsZero() {
			at = time.Now()
		}
		row := models.AuditEntry{
			TenantID:    e.TenantID,
			MemberID:    e.MemberID,
			RollEntryID: e.RollEntryID,
			Kind:        kind,
			OccurredAt:  at.UTC(),
			Observation: e.Observation,
		}
		if e.NewTotal != nil {
			v := e.NewTotal.Round(2)
			row.NewTotal = &v
		}
		rows = append(rows, row)
	}
	if errCreate := s.db.WithContext(ctx).CreateInBatches(&rows, 200).Error; errCreate != nil {
		return fmt.Errorf("audit: append: %w", errCreate)
	}
	return nil
}
