package publication

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mutualsoft/padron/internal/apperr"
	"github.com/mutualsoft/padron/internal/audit"
	"github.com/mutualsoft/padron/internal/billing"
	"github.com/mutualsoft/padron/internal/db"
	"github.com/mutualsoft/padron/internal/directory"
	"github.com/mutualsoft/padron/internal/models"
	"github.com/mutualsoft/padron/internal/propagation"
	"github.com/mutualsoft/padron/internal/queue"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Impact is the recomputed total of one member and its destination entry.
type Impact struct {
	MemberID    uint64
	RollEntryID uint64
	NewTotal    decimal.Decimal
}

// Report summarizes one publish run.
type Report struct {
	DraftID        uint64
	Skipped        bool // Draft missing or no longer in the draft state.
	Reapplied      bool // Edits were applied by an earlier delivery.
	AppliedEdits   int
	SkippedEdits   int
	Categories     []uint64
	Impacts        []Impact
	MembersNoRoll  int
	EnqueuedJobs   int
	DuplicateJobs  int
	PublishVersion int64
}

// Worker applies published drafts and fans out propagation jobs.
type Worker struct {
	db    *gorm.DB
	queue Enqueuer
	now   func() time.Time
}

// NewWorker constructs a Worker.
func NewWorker(db *gorm.DB, q Enqueuer) *Worker {
	return &Worker{db: db, queue: q, now: func() time.Time { return time.Now().UTC() }}
}

// Handle is the queue handler for publish jobs.
func (w *Worker) Handle(ctx context.Context, job queue.Job) error {
	var p PublishPayload
	if errDecode := job.Decode(&p); errDecode != nil {
		return errDecode
	}
	if p.TenantID == 0 || p.DraftID == 0 {
		return queue.Permanent(apperr.ErrInvalidID)
	}
	report, errRun := w.Publish(ctx, p.TenantID, p.DraftID)
	if errRun != nil {
		if apperr.IsValidation(errRun) {
			return queue.Permanent(errRun)
		}
		return errRun
	}
	log.WithFields(log.Fields{
		"job_id":        job.ID,
		"tenant_id":     p.TenantID,
		"draft_id":      p.DraftID,
		"skipped":       report.Skipped,
		"applied_edits": report.AppliedEdits,
		"enqueued":      report.EnqueuedJobs,
	}).Info("publication: publish job handled")
	return nil
}

// Publish applies the draft, recomputes the impacted members, enqueues one
// propagation job per destination roll entry and marks the draft published.
// A draft that is missing or already terminal is acknowledged untouched.
func (w *Worker) Publish(ctx context.Context, tenantID, draftID uint64) (Report, error) {
	report := Report{DraftID: draftID}

	draft, errDraft := loadDraft(ctx, w.db, tenantID, draftID)
	if apperr.IsNotFound(errDraft) {
		report.Skipped = true
		return report, nil
	}
	if errDraft != nil {
		return report, errDraft
	}
	if draft.State != models.DraftStateDraft {
		report.Skipped = true
		return report, nil
	}

	applied, errApply := w.apply(ctx, tenantID, draftID, &report)
	if errApply != nil {
		return report, errApply
	}
	if applied.State != models.DraftStateDraft {
		report.Skipped = true
		return report, nil
	}
	report.PublishVersion = applied.PublishVersion
	report.Categories = decodeCategories(applied.TouchedCategories)

	categories := report.Categories
	if len(categories) == 0 {
		all, errAll := billing.NewRuleStore(w.db).CategoriesWithRules(ctx, tenantID)
		if errAll != nil {
			return report, errAll
		}
		categories = all
	}
	impacts, noRoll, errImpacts := w.impacts(ctx, tenantID, categories)
	if errImpacts != nil {
		return report, errImpacts
	}
	report.Impacts = impacts
	report.MembersNoRoll = noRoll

	comment := fmt.Sprintf("publication of draft %d", draftID)
	if applied.Comment != nil && *applied.Comment != "" {
		comment += ": " + *applied.Comment
	}
	for _, impact := range impacts {
		handle, errEnqueue := propagation.Enqueue(ctx, w.queue, propagation.Payload{
			TenantID:    tenantID,
			RollEntryID: impact.RollEntryID,
			MemberID:    impact.MemberID,
			NewTotal:    impact.NewTotal,
			Version:     applied.PublishVersion,
			DraftID:     draftID,
			Comment:     comment,
		})
		if errEnqueue != nil {
			return report, fmt.Errorf("publication: enqueue propagation: %w", errEnqueue)
		}
		if handle.Duplicate {
			report.DuplicateJobs++
			continue
		}
		report.EnqueuedJobs++
	}

	now := w.now()
	if errMark := w.db.WithContext(ctx).Model(&models.PublicationDraft{}).
		Where("id = ? AND tenant_id = ? AND state = ?", draftID, tenantID, models.DraftStateDraft).
		Updates(map[string]any{"state": models.DraftStatePublished, "published_at": now}).Error; errMark != nil {
		return report, fmt.Errorf("publication: mark published: %w", errMark)
	}

	var hooks audit.Hooks
	hooks.Add("publication notification", func(ctx context.Context) error {
		observation := fmt.Sprintf("%d roll entries enqueued (%s)", len(impacts), comment)
		return audit.NewGormSink(w.db).Append(ctx, audit.Notification(tenantID, now, observation))
	})
	hooks.Run(ctx)
	return report, nil
}

// apply runs every edit of the draft in one transaction and stamps the apply
// marker. A draft already stamped is returned as is, so redelivery never
// applies edits twice.
func (w *Worker) apply(ctx context.Context, tenantID, draftID uint64, report *Report) (models.PublicationDraft, error) {
	var out models.PublicationDraft
	errTx := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		draft, errDraft := loadDraft(ctx, db.ForUpdate(tx), tenantID, draftID)
		if errDraft != nil {
			return errDraft
		}
		if draft.State != models.DraftStateDraft || draft.AppliedAt != nil {
			report.Reapplied = draft.AppliedAt != nil
			out = draft
			return nil
		}
		rows, errEdits := loadEdits(ctx, tx, tenantID, draftID)
		if errEdits != nil {
			return errEdits
		}

		now := w.now()
		touched := make(map[uint64]struct{})
		for _, row := range rows {
			ok, errEdit := w.applyEdit(ctx, tx, tenantID, row, now, touched)
			if errEdit != nil {
				return errEdit
			}
			if ok {
				report.AppliedEdits++
			} else {
				report.SkippedEdits++
			}
		}

		var version int64
		if errMax := tx.WithContext(ctx).Model(&models.PublicationDraft{}).
			Where("tenant_id = ?", tenantID).
			Select("COALESCE(MAX(publish_version), 0)").
			Scan(&version).Error; errMax != nil {
			return errMax
		}
		raw, errMarshal := json.Marshal(directory.SortedIDs(touched))
		if errMarshal != nil {
			return errMarshal
		}
		draft.AppliedAt = &now
		draft.PublishVersion = version + 1
		draft.TouchedCategories = datatypes.JSON(raw)
		if errSave := tx.WithContext(ctx).Model(&draft).Updates(map[string]any{
			"applied_at":         now,
			"publish_version":    draft.PublishVersion,
			"touched_categories": draft.TouchedCategories,
		}).Error; errSave != nil {
			return errSave
		}
		out = draft
		return nil
	})
	return out, errTx
}

// applyEdit applies one edit. Incomplete creates, edits whose target is gone
// and edits that would leave an invalid rule are skipped with a warning.
func (w *Worker) applyEdit(ctx context.Context, tx *gorm.DB, tenantID uint64, row models.DraftEdit, now time.Time, touched map[uint64]struct{}) (bool, error) {
	entry := log.WithFields(log.Fields{"tenant_id": tenantID, "draft_id": row.DraftID, "edit_id": row.ID, "op": row.Op})
	edit, errDecode := fromModel(row)
	if errDecode != nil {
		entry.WithError(errDecode).Warn("publication: skipping unreadable edit")
		return false, nil
	}
	store := billing.NewRuleStore(tx)

	switch e := edit.(type) {
	case CreateEdit:
		rule, ok := e.Fields.NewRule(tenantID)
		if !ok {
			entry.Warn("publication: skipping incomplete create edit")
			return false, nil
		}
		if errValidate := billing.ValidateRule(&rule); errValidate != nil {
			entry.WithError(errValidate).Warn("publication: skipping invalid create edit")
			return false, nil
		}
		if errCreate := store.Create(ctx, &rule); errCreate != nil {
			return false, errCreate
		}
		touched[rule.KinshipCategoryID] = struct{}{}
		return true, nil

	case UpdateEdit:
		rule, errGet := billing.NewRuleStore(db.ForUpdate(tx)).Get(ctx, tenantID, e.RuleID)
		if apperr.IsNotFound(errGet) {
			entry.Warn("publication: skipping update of missing rule")
			return false, nil
		}
		if errGet != nil {
			return false, errGet
		}
		previous := rule.KinshipCategoryID
		e.Fields.Patch().ApplyTo(&rule)
		if errValidate := billing.ValidateRule(&rule); errValidate != nil {
			entry.WithError(errValidate).Warn("publication: skipping invalid update edit")
			return false, nil
		}
		if errSave := tx.WithContext(ctx).Save(&rule).Error; errSave != nil {
			return false, errSave
		}
		touched[previous] = struct{}{}
		touched[rule.KinshipCategoryID] = struct{}{}
		return true, nil

	case DeleteEdit:
		rule, errGet := billing.NewRuleStore(db.ForUpdate(tx)).Get(ctx, tenantID, e.RuleID)
		if apperr.IsNotFound(errGet) {
			entry.Warn("publication: skipping delete of missing rule")
			return false, nil
		}
		if errGet != nil {
			return false, errGet
		}
		if _, errDisable := store.Disable(ctx, tenantID, rule.ID, now); errDisable != nil {
			return false, errDisable
		}
		touched[rule.KinshipCategoryID] = struct{}{}
		return true, nil
	}
	return false, nil
}

// impacts recomputes every co-insured member holding a participating dependent
// in categories. Each member is read in its own transaction so its dependent
// counts and the rules are consistent with each other.
func (w *Worker) impacts(ctx context.Context, tenantID uint64, categories []uint64) ([]Impact, int, error) {
	memberIDs, errMembers := directory.New(w.db).MembersWithDependentsIn(ctx, tenantID, categories, true)
	if errMembers != nil {
		return nil, 0, fmt.Errorf("publication: impacted members: %w", errMembers)
	}
	at := w.now()
	out := make([]Impact, 0, len(memberIDs))
	noRoll := 0
	for _, memberID := range memberIDs {
		var (
			impact Impact
			found  bool
		)
		errTx := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			dir := directory.New(tx)
			total, errTotal := billing.NewCalculator(billing.NewRuleStore(tx), dir).ComputeTotal(ctx, tenantID, memberID, at)
			if errTotal != nil {
				return errTotal
			}
			rollID, ok, errRoll := dir.ResolveDestinationRollEntry(ctx, tenantID, memberID)
			if errRoll != nil {
				return errRoll
			}
			found = ok
			impact = Impact{MemberID: memberID, RollEntryID: rollID, NewTotal: total}
			return nil
		})
		if errTx != nil {
			return nil, 0, fmt.Errorf("publication: recompute member %d: %w", memberID, errTx)
		}
		if !found {
			noRoll++
			continue
		}
		out = append(out, impact)
	}
	return out, noRoll, nil
}

func decodeCategories(raw datatypes.JSON) []uint64 {
	if len(raw) == 0 {
		return nil
	}
	var ids []uint64
	if errUnmarshal := json.Unmarshal(raw, &ids); errUnmarshal != nil {
		return nil
	}
	return ids
}
