// Package publication manages collateral rule drafts: accumulating edits,
// estimating their impact and publishing them through the job queue.
package publication

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mutualsoft/padron/internal/apperr"
	"github.com/mutualsoft/padron/internal/billing"
	"github.com/mutualsoft/padron/internal/db"
	"github.com/mutualsoft/padron/internal/directory"
	"github.com/mutualsoft/padron/internal/models"
	"github.com/mutualsoft/padron/internal/queue"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	// QueueName is the queue consumed by the publication worker.
	QueueName = "collateral-publication"
	// JobType tags publish jobs.
	JobType = "publish"

	keyNamespace = "collateral-publish"
)

// JobKey is the deterministic id of the publish job of a draft.
func JobKey(tenantID, draftID uint64) string {
	return fmt.Sprintf("%s:%d:%d", keyNamespace, tenantID, draftID)
}

// PublishPayload is the publish job body.
type PublishPayload struct {
	TenantID uint64 `json:"tenant_id"`
	DraftID  uint64 `json:"draft_id"`
}

// Enqueuer is the queue surface used to submit jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName, jobType string, payload any, dedupeKey string, opts *queue.Options) (queue.Handle, error)
}

// jobReader is implemented by queues that can report a retained job.
type jobReader interface {
	Get(ctx context.Context, queueName, id string) (queue.Job, error)
}

// StatusQueued is the ack status of a newly enqueued publish job.
const StatusQueued = "queued"

// DraftView is a draft with its ordered edits.
type DraftView struct {
	Draft models.PublicationDraft `json:"draft"`
	Edits []models.DraftEdit      `json:"edits"`
}

// CategoryRef names one affected category in a dry run.
type CategoryRef struct {
	CategoryID uint64 `json:"category_id"`
}

// DryRunResult is a read-only over-approximation of a draft's impact.
type DryRunResult struct {
	AffectedCategories       []CategoryRef `json:"affected_categories"`
	RuleEditCount            int           `json:"rule_edit_count"`
	EstimatedAffectedMembers int           `json:"estimated_affected_members"`
	EstimatedAdjustments     int64         `json:"estimated_adjustments"`
}

// PublishAck acknowledges a publish request. Completion is observed through
// the draft state and the audit trail.
type PublishAck struct {
	DraftID   uint64 `json:"draft_id"`
	JobID     string `json:"job_id"`
	Queue     string `json:"queue"`
	Duplicate bool   `json:"duplicate"`
	Status    string `json:"status"`
}

// Service runs the draft lifecycle of each tenant.
type Service struct {
	db    *gorm.DB
	queue Enqueuer
	now   func() time.Time
}

// NewService constructs a Service.
func NewService(db *gorm.DB, q Enqueuer) *Service {
	return &Service{db: db, queue: q, now: func() time.Time { return time.Now().UTC() }}
}

// Open returns the tenant's open draft, creating one when none exists.
func (s *Service) Open(ctx context.Context, tenantID uint64) (models.PublicationDraft, error) {
	if tenantID == 0 {
		return models.PublicationDraft{}, apperr.ErrInvalidID
	}
	draft, errCurrent := s.Current(ctx, tenantID)
	if errCurrent == nil {
		return draft, nil
	}
	if !apperr.IsNotFound(errCurrent) {
		return models.PublicationDraft{}, errCurrent
	}

	draft = models.PublicationDraft{TenantID: tenantID, State: models.DraftStateDraft}
	errCreate := s.db.WithContext(ctx).Create(&draft).Error
	if db.IsUniqueViolation(errCreate) {
		// A concurrent open won the race.
		return s.Current(ctx, tenantID)
	}
	if errCreate != nil {
		return models.PublicationDraft{}, errCreate
	}
	log.WithFields(log.Fields{"tenant_id": tenantID, "draft_id": draft.ID}).Info("publication: draft opened")
	return draft, nil
}

// Current returns the most recent draft still in the draft state.
func (s *Service) Current(ctx context.Context, tenantID uint64) (models.PublicationDraft, error) {
	var draft models.PublicationDraft
	errFind := s.db.WithContext(ctx).
		Where("tenant_id = ? AND state = ?", tenantID, models.DraftStateDraft).
		Order("created_at DESC, id DESC").
		First(&draft).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return models.PublicationDraft{}, apperr.NotFound("open draft")
	}
	if errFind != nil {
		return models.PublicationDraft{}, errFind
	}
	return draft, nil
}

// Get returns a draft and its edits in apply order.
func (s *Service) Get(ctx context.Context, tenantID, draftID uint64) (DraftView, error) {
	draft, errDraft := loadDraft(ctx, s.db, tenantID, draftID)
	if errDraft != nil {
		return DraftView{}, errDraft
	}
	edits, errEdits := loadEdits(ctx, s.db, tenantID, draftID)
	if errEdits != nil {
		return DraftView{}, errEdits
	}
	return DraftView{Draft: draft, Edits: edits}, nil
}

// AddEdit appends edit to an editable draft.
func (s *Service) AddEdit(ctx context.Context, tenantID, draftID uint64, edit Edit) (models.DraftEdit, error) {
	if edit == nil {
		return models.DraftEdit{}, apperr.Required("op")
	}
	if errValidate := edit.validate(); errValidate != nil {
		return models.DraftEdit{}, errValidate
	}
	var row models.DraftEdit
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		draft, errDraft := loadDraft(ctx, db.ForUpdate(tx), tenantID, draftID)
		if errDraft != nil {
			return errDraft
		}
		if !draft.Editable() {
			return apperr.Conflict("draft is no longer editable")
		}
		dir := directory.New(tx)
		for _, categoryID := range categoriesOf(edit) {
			exists, errExists := dir.CategoryExists(ctx, tenantID, categoryID)
			if errExists != nil {
				return errExists
			}
			if !exists {
				return apperr.NotFound("kinship category")
			}
		}
		if target := targetOf(edit); target != 0 {
			if _, errRule := billing.NewRuleStore(tx).Get(ctx, tenantID, target); errRule != nil {
				return errRule
			}
		}
		built, errModel := toModel(tenantID, draftID, edit)
		if errModel != nil {
			return errModel
		}
		if errCreate := tx.WithContext(ctx).Create(&built).Error; errCreate != nil {
			return errCreate
		}
		row = built
		return nil
	})
	if errTx != nil {
		return models.DraftEdit{}, errTx
	}
	return row, nil
}

// RemoveEdit deletes one edit of an editable draft. Removing an absent edit
// is a no-op.
func (s *Service) RemoveEdit(ctx context.Context, tenantID, draftID, editID uint64) error {
	if editID == 0 {
		return apperr.ErrInvalidID
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		draft, errDraft := loadDraft(ctx, db.ForUpdate(tx), tenantID, draftID)
		if errDraft != nil {
			return errDraft
		}
		if !draft.Editable() {
			return apperr.Conflict("draft is no longer editable")
		}
		return tx.WithContext(ctx).
			Where("id = ? AND draft_id = ? AND tenant_id = ?", editID, draftID, tenantID).
			Delete(&models.DraftEdit{}).Error
	})
}

// DryRun estimates the blast radius of a draft without changing anything.
func (s *Service) DryRun(ctx context.Context, tenantID, draftID uint64) (DryRunResult, error) {
	if _, errDraft := loadDraft(ctx, s.db, tenantID, draftID); errDraft != nil {
		return DryRunResult{}, errDraft
	}
	rows, errEdits := loadEdits(ctx, s.db, tenantID, draftID)
	if errEdits != nil {
		return DryRunResult{}, errEdits
	}

	store := billing.NewRuleStore(s.db)
	categories := make(map[uint64]struct{})
	for _, row := range rows {
		edit, errDecode := fromModel(row)
		if errDecode != nil {
			continue
		}
		for _, id := range categoriesOf(edit) {
			categories[id] = struct{}{}
		}
		if target := targetOf(edit); target != 0 {
			rule, errRule := store.Get(ctx, tenantID, target)
			if apperr.IsNotFound(errRule) {
				continue
			}
			if errRule != nil {
				return DryRunResult{}, errRule
			}
			categories[rule.KinshipCategoryID] = struct{}{}
		}
	}

	ids := directory.SortedIDs(categories)
	result := DryRunResult{
		AffectedCategories: make([]CategoryRef, 0, len(ids)),
		RuleEditCount:      len(rows),
	}
	for _, id := range ids {
		result.AffectedCategories = append(result.AffectedCategories, CategoryRef{CategoryID: id})
	}
	if len(ids) == 0 {
		return result, nil
	}

	dir := directory.New(s.db)
	counts, errCount := dir.CountActiveParticipatingByCategory(ctx, tenantID, nil)
	if errCount != nil {
		return DryRunResult{}, errCount
	}
	for _, id := range ids {
		result.EstimatedAdjustments += counts[id]
	}
	members, errMembers := dir.MembersWithDependentsIn(ctx, tenantID, ids, false)
	if errMembers != nil {
		return DryRunResult{}, errMembers
	}
	result.EstimatedAffectedMembers = len(members)
	return result, nil
}

// Publish enqueues the draft's publish job. Repeating the call while the job
// is retained is absorbed by the job key. The draft stays in the draft state
// until the worker has applied it.
func (s *Service) Publish(ctx context.Context, tenantID, draftID uint64, comment *string) (PublishAck, error) {
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		draft, errDraft := loadDraft(ctx, db.ForUpdate(tx), tenantID, draftID)
		if errDraft != nil {
			return errDraft
		}
		if draft.State != models.DraftStateDraft {
			return apperr.Conflict("draft is " + draft.State)
		}
		if comment == nil {
			return nil
		}
		trimmed := strings.TrimSpace(*comment)
		var value *string
		if trimmed != "" {
			value = &trimmed
		}
		return tx.WithContext(ctx).Model(&draft).Update("comment", value).Error
	})
	if errTx != nil {
		return PublishAck{}, errTx
	}

	key := JobKey(tenantID, draftID)
	handle, errEnqueue := s.queue.Enqueue(ctx, QueueName, JobType, PublishPayload{TenantID: tenantID, DraftID: draftID}, key, nil)
	if errEnqueue != nil {
		return PublishAck{}, fmt.Errorf("publication: enqueue publish: %w", errEnqueue)
	}
	status := StatusQueued
	if handle.Duplicate {
		status = s.retainedStatus(ctx, handle)
	}
	log.WithFields(log.Fields{
		"tenant_id": tenantID,
		"draft_id":  draftID,
		"job_id":    handle.ID,
		"duplicate": handle.Duplicate,
		"status":    status,
	}).Info("publication: publish requested")
	return PublishAck{
		DraftID:   draftID,
		JobID:     handle.ID,
		Queue:     handle.Queue,
		Duplicate: handle.Duplicate,
		Status:    status,
	}, nil
}

// retainedStatus reports the state of the job that absorbed a repeated
// publish. A failed job stays failed until it is retried.
func (s *Service) retainedStatus(ctx context.Context, handle queue.Handle) string {
	reader, ok := s.queue.(jobReader)
	if !ok {
		return StatusQueued
	}
	job, errGet := reader.Get(ctx, handle.Queue, handle.ID)
	if errGet != nil {
		log.WithError(errGet).WithField("job_id", handle.ID).Warn("publication: read retained publish job")
		return StatusQueued
	}
	return string(job.State)
}

// Cancel moves an unapplied draft to the cancelled state.
func (s *Service) Cancel(ctx context.Context, tenantID, draftID uint64) (models.PublicationDraft, error) {
	var out models.PublicationDraft
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		draft, errDraft := loadDraft(ctx, db.ForUpdate(tx), tenantID, draftID)
		if errDraft != nil {
			return errDraft
		}
		if !draft.Editable() {
			return apperr.Conflict("only open drafts can be cancelled")
		}
		now := s.now()
		res := tx.WithContext(ctx).Model(&models.PublicationDraft{}).
			Where("id = ? AND tenant_id = ? AND state = ? AND applied_at IS NULL", draftID, tenantID, models.DraftStateDraft).
			Updates(map[string]any{"state": models.DraftStateCancelled, "cancelled_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.Conflict("only open drafts can be cancelled")
		}
		draft.State = models.DraftStateCancelled
		draft.CancelledAt = &now
		out = draft
		return nil
	})
	if errTx != nil {
		return models.PublicationDraft{}, errTx
	}
	return out, nil
}

func loadDraft(ctx context.Context, conn *gorm.DB, tenantID, draftID uint64) (models.PublicationDraft, error) {
	if tenantID == 0 || draftID == 0 {
		return models.PublicationDraft{}, apperr.ErrInvalidID
	}
	var draft models.PublicationDraft
	errFind := conn.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, draftID).
		First(&draft).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return models.PublicationDraft{}, apperr.NotFound("draft")
	}
	if errFind != nil {
		return models.PublicationDraft{}, errFind
	}
	return draft, nil
}

func loadEdits(ctx context.Context, conn *gorm.DB, tenantID, draftID uint64) ([]models.DraftEdit, error) {
	var rows []models.DraftEdit
	if errFind := conn.WithContext(ctx).
		Where("tenant_id = ? AND draft_id = ?", tenantID, draftID).
		Order("id ASC").
		Find(&rows).Error; errFind != nil {
		return nil, errFind
	}
	return rows, nil
}
