// Package propagation applies recomputed collateral totals to billing roll
// entries, one queue job per entry.
package propagation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mutualsoft/padron/internal/apperr"
	"github.com/mutualsoft/padron/internal/audit"
	"github.com/mutualsoft/padron/internal/db"
	"github.com/mutualsoft/padron/internal/models"
	"github.com/mutualsoft/padron/internal/queue"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	// QueueName is the queue consumed by the propagation worker.
	QueueName = "collateral-propagation"
	// JobType tags propagation jobs.
	JobType = "propagate"

	keyNamespace = "collateral-propagate"
	fieldName    = "collateral-total"
)

// Payload is the job body: the new total for one roll entry.
type Payload struct {
	TenantID    uint64          `json:"tenant_id"`
	RollEntryID uint64          `json:"roll_entry_id"`
	MemberID    uint64          `json:"member_id"`
	NewTotal    decimal.Decimal `json:"new_total"`
	Version     int64           `json:"version"`
	DraftID     uint64          `json:"draft_id,omitempty"`
	Comment     string          `json:"comment,omitempty"`
}

// JobKey derives the job id from the target, the value and the publish
// version. Resubmitting the same value at the same version collapses into
// one job; a later version that reverts to an earlier value gets its own.
func JobKey(tenantID, rollEntryID uint64, total decimal.Decimal, version int64) string {
	return fmt.Sprintf("%s:%d:%d:%s:%s:v%d", keyNamespace, tenantID, rollEntryID, fieldName, total.StringFixed(2), version)
}

// Enqueuer is the queue surface used to submit jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName, jobType string, payload any, dedupeKey string, opts *queue.Options) (queue.Handle, error)
}

// Enqueue submits one propagation job keyed by JobKey.
func Enqueue(ctx context.Context, q Enqueuer, p Payload) (queue.Handle, error) {
	p.NewTotal = p.NewTotal.Round(2)
	return q.Enqueue(ctx, QueueName, JobType, p, JobKey(p.TenantID, p.RollEntryID, p.NewTotal, p.Version), nil)
}

// Outcome describes what Apply did.
type Outcome string

// Apply outcomes.
const (
	OutcomeApplied   Outcome = "applied"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeStale     Outcome = "stale"
)

// Worker persists propagated totals.
type Worker struct {
	db  *gorm.DB
	now func() time.Time
}

// NewWorker constructs a Worker.
func NewWorker(db *gorm.DB) *Worker {
	return &Worker{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Handle is the queue handler. A missing roll entry or a malformed payload
// fails the job without retries; data-store errors are retried.
func (w *Worker) Handle(ctx context.Context, job queue.Job) error {
	var p Payload
	if errDecode := job.Decode(&p); errDecode != nil {
		return errDecode
	}
	outcome, errApply := w.Apply(ctx, p)
	if errApply != nil {
		if apperr.IsNotFound(errApply) || apperr.IsValidation(errApply) {
			return queue.Permanent(errApply)
		}
		return errApply
	}
	log.WithFields(log.Fields{
		"job_id":        job.ID,
		"tenant_id":     p.TenantID,
		"roll_entry_id": p.RollEntryID,
		"outcome":       outcome,
	}).Debug("propagation: job handled")
	return nil
}

// Apply stores p.NewTotal on the roll entry and appends a modification entry
// in the same transaction. An equal value is a no-op; a value from an older
// publication than the one already applied is dropped.
func (w *Worker) Apply(ctx context.Context, p Payload) (Outcome, error) {
	if p.TenantID == 0 || p.RollEntryID == 0 {
		return "", apperr.ErrInvalidID
	}
	total := p.NewTotal.Round(2)
	outcome := OutcomeApplied

	errTx := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry models.BillingRollEntry
		errFind := db.ForUpdate(tx).WithContext(ctx).
			Where("tenant_id = ? AND id = ?", p.TenantID, p.RollEntryID).
			First(&entry).Error
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return apperr.NotFound("billing roll entry")
		}
		if errFind != nil {
			return errFind
		}

		if p.Version < entry.CollateralVersion {
			outcome = OutcomeStale
			return nil
		}
		if entry.CollateralTotal.Equal(total) {
			outcome = OutcomeUnchanged
			if p.Version > entry.CollateralVersion {
				return tx.Model(&entry).Update("collateral_version", p.Version).Error
			}
			return nil
		}

		previous := entry.CollateralTotal
		if errUpdate := tx.Model(&entry).Updates(map[string]any{
			"collateral_total":   total,
			"collateral_version": p.Version,
		}).Error; errUpdate != nil {
			return errUpdate
		}
		roll := entry.ID
		entryAudit := audit.Modification(p.TenantID, entry.MemberID, &roll, w.now(), observation(previous, total, p.Comment), total)
		return audit.NewGormSink(tx).Append(ctx, entryAudit)
	})
	if errTx != nil {
		return "", errTx
	}
	if outcome == OutcomeStale {
		log.WithFields(log.Fields{
			"tenant_id":     p.TenantID,
			"roll_entry_id": p.RollEntryID,
			"version":       p.Version,
		}).Info("propagation: dropped value from an older publication")
	}
	return outcome, nil
}

func observation(previous, total decimal.Decimal, comment string) string {
	text := fmt.Sprintf("collateral total %s -> %s", previous.StringFixed(2), total.StringFixed(2))
	if c := strings.TrimSpace(comment); c != "" {
		text += " (" + c + ")"
	}
	return text
}
