package publication

import (
	"context"
	"errors"
	"testing"

	"github.com/mutualsoft/padron/internal/apperr"
	"github.com/mutualsoft/padron/internal/models"
	"github.com/mutualsoft/padron/internal/queue"
)

func TestOpenReturnsExistingDraft(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	first, err := f.service.Open(ctx, 1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	second, err := f.service.Open(ctx, 1)
	if err != nil {
		t.Fatalf("open again: %v", err)
	}
	if first.ID != second.ID || second.State != models.DraftStateDraft {
		t.Fatalf("expected the same open draft, got %d and %d", first.ID, second.ID)
	}
	other, err := f.service.Open(ctx, 2)
	if err != nil {
		t.Fatalf("open other tenant: %v", err)
	}
	if other.ID == first.ID {
		t.Fatalf("expected a separate draft per tenant")
	}
	if _, err := f.service.Current(ctx, 3); !apperr.IsNotFound(err) {
		t.Fatalf("expected no current draft for tenant 3, got %v", err)
	}
}

func TestAddEditValidatesRequiredFields(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	hijo := f.category(t, 1, "HIJO")
	draft, err := f.service.Open(ctx, 1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	cases := []struct {
		edit  Edit
		field string
	}{
		{CreateEdit{Fields: EditFields{ValidFrom: datePtr("2024-03-01")}}, "kinship_category_id"},
		{CreateEdit{Fields: EditFields{KinshipCategoryID: uintPtr(hijo)}}, "valid_from"},
		{UpdateEdit{Fields: EditFields{KinshipCategoryID: uintPtr(hijo), ValidFrom: datePtr("2024-03-01")}}, "target_rule_id"},
		{DeleteEdit{}, "target_rule_id"},
		{CreateEdit{Fields: EditFields{KinshipCategoryID: uintPtr(hijo), ValidFrom: datePtr("2024-03-01"), QuantityFrom: intPtr(0)}}, "quantity_from"},
		{CreateEdit{Fields: EditFields{KinshipCategoryID: uintPtr(hijo), ValidFrom: datePtr("2024-03-01"), ValidTo: datePtr("2024-02-01")}}, "valid_to"},
	}
	for _, tc := range cases {
		_, errAdd := f.service.AddEdit(ctx, 1, draft.ID, tc.edit)
		var validation *apperr.ValidationError
		if !errors.As(errAdd, &validation) || validation.Field != tc.field {
			t.Fatalf("%T: expected validation error for %s, got %v", tc.edit, tc.field, errAdd)
		}
	}

	if _, errParse := ParseEdit("rename", nil, EditFields{}); !apperr.IsValidation(errParse) {
		t.Fatalf("expected unknown op to be rejected, got %v", errParse)
	}
}

func TestAddEditIsTenantScoped(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	hijo := f.category(t, 1, "HIJO")
	foreign := f.category(t, 2, "HIJO")
	foreignRule := f.rule(t, 2, foreign, 1, nil, 100)
	draft, err := f.service.Open(ctx, 1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	create := CreateEdit{Fields: EditFields{KinshipCategoryID: uintPtr(hijo), ValidFrom: datePtr("2024-03-01")}}
	if _, errAdd := f.service.AddEdit(ctx, 2, draft.ID, create); !apperr.IsNotFound(errAdd) {
		t.Fatalf("expected not found for another tenant's draft, got %v", errAdd)
	}
	foreignCategory := CreateEdit{Fields: EditFields{KinshipCategoryID: uintPtr(foreign), ValidFrom: datePtr("2024-03-01")}}
	if _, errAdd := f.service.AddEdit(ctx, 1, draft.ID, foreignCategory); !apperr.IsNotFound(errAdd) {
		t.Fatalf("expected not found for another tenant's category, got %v", errAdd)
	}
	if _, errAdd := f.service.AddEdit(ctx, 1, draft.ID, DeleteEdit{RuleID: foreignRule.ID}); !apperr.IsNotFound(errAdd) {
		t.Fatalf("expected not found for another tenant's rule, got %v", errAdd)
	}
	if _, errGet := f.service.Get(ctx, 2, draft.ID); !apperr.IsNotFound(errGet) {
		t.Fatalf("expected not found get, got %v", errGet)
	}
	if _, errDry := f.service.DryRun(ctx, 2, draft.ID); !apperr.IsNotFound(errDry) {
		t.Fatalf("expected not found dry run, got %v", errDry)
	}
	if _, errPublish := f.service.Publish(ctx, 2, draft.ID, nil); !apperr.IsNotFound(errPublish) {
		t.Fatalf("expected not found publish, got %v", errPublish)
	}
	if _, errCancel := f.service.Cancel(ctx, 2, draft.ID); !apperr.IsNotFound(errCancel) {
		t.Fatalf("expected not found cancel, got %v", errCancel)
	}
}

func TestRemoveEdit(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	hijo := f.category(t, 1, "HIJO")
	draft, err := f.service.Open(ctx, 1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	row, err := f.service.AddEdit(ctx, 1, draft.ID, CreateEdit{Fields: EditFields{KinshipCategoryID: uintPtr(hijo), ValidFrom: datePtr("2024-03-01")}})
	if err != nil {
		t.Fatalf("add edit: %v", err)
	}

	if errRemove := f.service.RemoveEdit(ctx, 1, draft.ID, row.ID); errRemove != nil {
		t.Fatalf("remove: %v", errRemove)
	}
	if errRemove := f.service.RemoveEdit(ctx, 1, draft.ID, row.ID); errRemove != nil {
		t.Fatalf("removing an absent edit should be a no-op, got %v", errRemove)
	}
	view, err := f.service.Get(ctx, 1, draft.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(view.Edits) != 0 {
		t.Fatalf("expected no edits, got %d", len(view.Edits))
	}
}

func TestDryRunReportsCategoriesWithoutMutating(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	hijo := f.category(t, 1, "HIJO")
	conyuge := f.category(t, 1, "CONYUGE")
	existing := f.rule(t, 1, hijo, 1, nil, 100)
	f.member(t, 1, true, map[uint64]int{conyuge: 1})
	f.member(t, 1, true, map[uint64]int{conyuge: 1, hijo: 2})
	f.member(t, 1, false, map[uint64]int{hijo: 1})

	draft, err := f.service.Open(ctx, 1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.service.AddEdit(ctx, 1, draft.ID, CreateEdit{Fields: EditFields{
		KinshipCategoryID: uintPtr(conyuge), QuantityFrom: intPtr(1), ValidFrom: datePtr("2024-03-01"), Price: pricePtr(80),
	}}); err != nil {
		t.Fatalf("add create: %v", err)
	}

	result, err := f.service.DryRun(ctx, 1, draft.ID)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if len(result.AffectedCategories) != 1 || result.AffectedCategories[0].CategoryID != conyuge {
		t.Fatalf("expected only CONYUGE, got %+v", result.AffectedCategories)
	}
	if result.RuleEditCount != 1 || result.EstimatedAffectedMembers != 2 || result.EstimatedAdjustments != 2 {
		t.Fatalf("unexpected dry run: %+v", result)
	}

	if _, err := f.service.AddEdit(ctx, 1, draft.ID, DeleteEdit{RuleID: existing.ID}); err != nil {
		t.Fatalf("add delete: %v", err)
	}
	result, err = f.service.DryRun(ctx, 1, draft.ID)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if len(result.AffectedCategories) != 2 || result.RuleEditCount != 2 || result.EstimatedAffectedMembers != 3 || result.EstimatedAdjustments != 5 {
		t.Fatalf("unexpected dry run after delete edit: %+v", result)
	}

	var rules int64
	f.db.Model(&models.CollateralRule{}).Count(&rules)
	if rules != 1 {
		t.Fatalf("dry run must not change rules, got %d", rules)
	}
	counts, err := f.broker.Counts(ctx, QueueName)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Waiting != 0 {
		t.Fatalf("dry run must not enqueue, got %+v", counts)
	}
}

func TestPublishIsIdempotent(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	hijo := f.category(t, 1, "HIJO")
	draft, err := f.service.Open(ctx, 1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.service.AddEdit(ctx, 1, draft.ID, CreateEdit{Fields: EditFields{
		KinshipCategoryID: uintPtr(hijo), QuantityFrom: intPtr(1), ValidFrom: datePtr("2024-03-01"), Price: pricePtr(50),
	}}); err != nil {
		t.Fatalf("add edit: %v", err)
	}

	comment := "  march prices  "
	first, err := f.service.Publish(ctx, 1, draft.ID, &comment)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	second, err := f.service.Publish(ctx, 1, draft.ID, nil)
	if err != nil {
		t.Fatalf("publish again: %v", err)
	}
	if first.JobID != JobKey(1, draft.ID) || first.Duplicate || !second.Duplicate || second.JobID != first.JobID {
		t.Fatalf("expected one deduplicated job, got %+v and %+v", first, second)
	}
	counts, err := f.broker.Counts(ctx, QueueName)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Waiting != 1 {
		t.Fatalf("expected 1 waiting publish job, got %+v", counts)
	}

	current, err := f.service.Get(ctx, 1, draft.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if current.Draft.State != models.DraftStateDraft {
		t.Fatalf("publish must not change state itself, got %s", current.Draft.State)
	}
	if current.Draft.Comment == nil || *current.Draft.Comment != "march prices" {
		t.Fatalf("expected trimmed comment, got %v", current.Draft.Comment)
	}

	if n := f.runPublication(t); n != 1 {
		t.Fatalf("expected 1 publish job processed, got %d", n)
	}
	current, err = f.service.Get(ctx, 1, draft.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if current.Draft.State != models.DraftStatePublished || current.Draft.PublishedAt == nil {
		t.Fatalf("expected published draft, got %+v", current.Draft)
	}
	if _, err := f.service.Publish(ctx, 1, draft.ID, nil); !apperr.IsConflict(err) {
		t.Fatalf("expected conflict publishing a published draft, got %v", err)
	}

	var rules int64
	f.db.Model(&models.CollateralRule{}).Count(&rules)
	if rules != 1 {
		t.Fatalf("expected the create edit applied once, got %d rules", rules)
	}
}

func TestPublishedDraftIsImmutable(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	hijo := f.category(t, 1, "HIJO")
	rule := f.rule(t, 1, hijo, 1, nil, 100)
	draft, err := f.service.Open(ctx, 1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.service.Publish(ctx, 1, draft.ID, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	f.runPublication(t)

	_, errAdd := f.service.AddEdit(ctx, 1, draft.ID, DeleteEdit{RuleID: rule.ID})
	if !apperr.IsConflict(errAdd) {
		t.Fatalf("expected conflict adding to a published draft, got %v", errAdd)
	}
	if _, errCancel := f.service.Cancel(ctx, 1, draft.ID); !apperr.IsConflict(errCancel) {
		t.Fatalf("expected conflict cancelling a published draft, got %v", errCancel)
	}
	if errRemove := f.service.RemoveEdit(ctx, 1, draft.ID, 1); !apperr.IsConflict(errRemove) {
		t.Fatalf("expected conflict removing from a published draft, got %v", errRemove)
	}

	var stored models.CollateralRule
	f.db.First(&stored, rule.ID)
	if !stored.IsActive || stored.ValidTo != nil {
		t.Fatalf("rule must not change, got %+v", stored)
	}
}

func TestCancel(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	draft, err := f.service.Open(ctx, 1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	cancelled, err := f.service.Cancel(ctx, 1, draft.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.State != models.DraftStateCancelled || cancelled.CancelledAt == nil {
		t.Fatalf("expected cancelled draft, got %+v", cancelled)
	}
	if _, err := f.service.Cancel(ctx, 1, draft.ID); !apperr.IsConflict(err) {
		t.Fatalf("expected conflict on second cancel, got %v", err)
	}
	next, err := f.service.Open(ctx, 1)
	if err != nil {
		t.Fatalf("open after cancel: %v", err)
	}
	if next.ID == draft.ID {
		t.Fatalf("expected a fresh draft after cancel")
	}

	// A publish job for a cancelled draft is acknowledged without effects.
	report, err := f.worker.Publish(ctx, 1, draft.ID)
	if err != nil || !report.Skipped {
		t.Fatalf("expected skipped report, got %+v (%v)", report, err)
	}
}

func TestRepublishReportsFailedJob(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	draft, err := f.service.Open(ctx, 1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	first, err := f.service.Publish(ctx, 1, draft.ID, nil)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if first.Status != StatusQueued || first.Duplicate {
		t.Fatalf("expected a fresh queued job, got %+v", first)
	}

	failing := func(ctx context.Context, job queue.Job) error {
		return queue.Permanent(errors.New("database unavailable"))
	}
	if _, err := f.broker.NewWorker(QueueName, failing, 1).Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	again, err := f.service.Publish(ctx, 1, draft.ID, nil)
	if err != nil {
		t.Fatalf("publish again: %v", err)
	}
	if !again.Duplicate || again.JobID != first.JobID || again.Status != string(queue.StateFailed) {
		t.Fatalf("expected the failed job to be reported, got %+v", again)
	}

	if err := f.broker.Retry(ctx, QueueName, first.JobID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	retried, err := f.service.Publish(ctx, 1, draft.ID, nil)
	if err != nil {
		t.Fatalf("publish after retry: %v", err)
	}
	if retried.Status != string(queue.StateWaiting) {
		t.Fatalf("expected waiting after retry, got %+v", retried)
	}
}
