package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/mutualsoft/padron/internal/apperr"
	"github.com/mutualsoft/padron/internal/audit"
	"github.com/mutualsoft/padron/internal/billing"
	"github.com/mutualsoft/padron/internal/directory"
	"github.com/mutualsoft/padron/internal/settings"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// BatchResult summarizes a full-registry recompute.
type BatchResult struct {
	TenantID        uint64    `json:"tenant_id"`
	EffectiveDate   time.Time `json:"effective_date"`
	PageSize        int       `json:"page_size"`
	Pages           int       `json:"pages"`
	ScannedCount    int       `json:"scanned_count"`
	RecomputedCount int       `json:"recomputed_count"`
	SkippedNoDeps   int       `json:"skipped_no_dependents"`
	SkippedNoRoll   int       `json:"skipped_no_roll_entry"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	LastMemberID    uint64    `json:"last_member_id"`
}

// Recomputer recomputes every member of a tenant page by page.
type Recomputer struct {
	db  *gorm.DB
	now func() time.Time
}

// NewRecomputer constructs a Recomputer.
func NewRecomputer(db *gorm.DB) *Recomputer {
	return &Recomputer{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// RecomputeFrom walks the tenant's members in id order and writes a
// "modification" entry for each member holding an active participating
// dependent and a destination roll entry. A pageSize of zero uses the
// configured default; any value is clamped to the allowed range.
func (r *Recomputer) RecomputeFrom(ctx context.Context, tenantID uint64, effectiveDate time.Time, pageSize int) (BatchResult, error) {
	if tenantID == 0 {
		return BatchResult{}, apperr.ErrInvalidID
	}
	if effectiveDate.IsZero() {
		return BatchResult{}, apperr.Required("effective_date")
	}
	if pageSize <= 0 {
		pageSize = settings.IntValue(settings.RecomputePageSizeKey, settings.DefaultRecomputePageSize)
	}
	pageSize = settings.ClampPageSize(pageSize)

	result := BatchResult{
		TenantID:      tenantID,
		EffectiveDate: effectiveDate.UTC(),
		PageSize:      pageSize,
		StartedAt:     r.now(),
	}
	observation := fmt.Sprintf("collateral recompute effective %s", effectiveDate.UTC().Format("2006-01-02"))
	dir := directory.New(r.db)
	calc := billing.NewCalculator(billing.NewRuleStore(r.db), dir)
	sink := audit.NewGormSink(r.db)

	afterID := uint64(0)
	for {
		if errCtx := ctx.Err(); errCtx != nil {
			return result, errCtx
		}
		ids, errPage := dir.PageMemberIDs(ctx, tenantID, afterID, pageSize)
		if errPage != nil {
			return result, fmt.Errorf("rules: page members: %w", errPage)
		}
		if len(ids) == 0 {
			break
		}
		result.Pages++
		result.ScannedCount += len(ids)
		afterID = ids[len(ids)-1]
		result.LastMemberID = afterID

		withDeps, errDeps := dir.MembersWithAnyParticipating(ctx, tenantID, ids)
		if errDeps != nil {
			return result, fmt.Errorf("rules: participating members: %w", errDeps)
		}
		entries := make([]audit.Entry, 0, len(ids))
		for _, memberID := range ids {
			if !withDeps[memberID] {
				result.SkippedNoDeps++
				continue
			}
			roll, errRoll := destination(ctx, dir, tenantID, memberID)
			if errRoll != nil {
				return result, errRoll
			}
			if roll == nil {
				result.SkippedNoRoll++
				continue
			}
			entry, errEntry := memberEntry(ctx, calc, tenantID, memberID, roll, result.EffectiveDate, observation)
			if errEntry != nil {
				return result, errEntry
			}
			entries = append(entries, entry)
		}
		if errAppend := sink.Append(ctx, entries...); errAppend != nil {
			return result, errAppend
		}
		result.RecomputedCount += len(entries)
		if len(ids) < pageSize {
			break
		}
	}
	result.FinishedAt = r.now()
	log.WithFields(log.Fields{
		"tenant_id":  tenantID,
		"pages":      result.Pages,
		"scanned":    result.ScannedCount,
		"recomputed": result.RecomputedCount,
		"no_roll":    result.SkippedNoRoll,
	}).Info("rules: batch recompute finished")
	return result, nil
}
