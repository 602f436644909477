// Package directory provides gorm-backed access to the member registry the
// pricing core reads from: dependents, co-insurance status and billing rolls.
package directory

import (
	"context"
	"errors"
	"sort"

	"github.com/mutualsoft/padron/internal/models"
	"gorm.io/gorm"
)

// DependentInfo is the pricing-relevant view of a dependent.
type DependentInfo struct {
	MemberID                 uint64
	CategoryID               uint64
	Active                   bool
	ParticipatesInCollateral bool
}

// Counts reports whether the dependent contributes to collateral pricing.
func (d DependentInfo) Counts() bool {
	return d.Active && d.ParticipatesInCollateral
}

// Directory reads members, dependents and roll entries of a tenant.
type Directory struct {
	db *gorm.DB
}

// New constructs a Directory.
func New(db *gorm.DB) *Directory {
	return &Directory{db: db}
}

// WithTx returns a Directory bound to tx.
func (d *Directory) WithTx(tx *gorm.DB) *Directory {
	return &Directory{db: tx}
}

// ListDependents returns every dependent of a member.
func (d *Directory) ListDependents(ctx context.Context, tenantID, memberID uint64) ([]DependentInfo, error) {
	var rows []models.Dependent
	if errFind := d.db.WithContext(ctx).
		Where("tenant_id = ? AND member_id = ?", tenantID, memberID).
		Order("id ASC").
		Find(&rows).Error; errFind != nil {
		return nil, errFind
	}
	out := make([]DependentInfo, 0, len(rows))
	for _, row := range rows {
		out = append(out, DependentInfo{
			MemberID:                 row.MemberID,
			CategoryID:               row.KinshipCategoryID,
			Active:                   row.IsActive,
			ParticipatesInCollateral: row.ParticipatesInCollateral,
		})
	}
	return out, nil
}

// CountActiveParticipatingByCategory counts active participating dependents
// per category. A nil memberIDs counts the whole tenant.
func (d *Directory) CountActiveParticipatingByCategory(ctx context.Context, tenantID uint64, memberIDs []uint64) (map[uint64]int64, error) {
	type row struct {
		KinshipCategoryID uint64
		Total             int64
	}
	q := d.participating(ctx, tenantID)
	if memberIDs != nil {
		if len(memberIDs) == 0 {
			return map[uint64]int64{}, nil
		}
		q = q.Where("member_id IN ?", memberIDs)
	}
	var rows []row
	if errFind := q.Select("kinship_category_id, COUNT(*) AS total").
		Group("kinship_category_id").
		Scan(&rows).Error; errFind != nil {
		return nil, errFind
	}
	out := make(map[uint64]int64, len(rows))
	for _, r := range rows {
		out[r.KinshipCategoryID] = r.Total
	}
	return out, nil
}

// MembersWithDependentsIn returns ids of members holding at least one active
// participating dependent in any of categoryIDs, ordered by id. When
// coinsuranceOnly is set, members with inactive co-insurance are excluded.
func (d *Directory) MembersWithDependentsIn(ctx context.Context, tenantID uint64, categoryIDs []uint64, coinsuranceOnly bool) ([]uint64, error) {
	if len(categoryIDs) == 0 {
		return nil, nil
	}
	sub := d.participating(ctx, tenantID).
		Select("member_id").
		Where("kinship_category_id IN ?", categoryIDs)
	q := d.db.WithContext(ctx).Model(&models.Member{}).
		Where("tenant_id = ? AND id IN (?)", tenantID, sub)
	if coinsuranceOnly {
		q = q.Where("coinsurance_active = ?", true)
	}
	var ids []uint64
	if errFind := q.Order("id ASC").Pluck("id", &ids).Error; errFind != nil {
		return nil, errFind
	}
	return ids, nil
}

// PageMemberIDs returns up to limit member ids greater than afterID.
func (d *Directory) PageMemberIDs(ctx context.Context, tenantID, afterID uint64, limit int) ([]uint64, error) {
	var ids []uint64
	if errFind := d.db.WithContext(ctx).Model(&models.Member{}).
		Where("tenant_id = ? AND id > ?", tenantID, afterID).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error; errFind != nil {
		return nil, errFind
	}
	return ids, nil
}

// MembersWithAnyParticipating filters memberIDs down to those holding at
// least one active participating dependent.
func (d *Directory) MembersWithAnyParticipating(ctx context.Context, tenantID uint64, memberIDs []uint64) (map[uint64]bool, error) {
	out := make(map[uint64]bool, len(memberIDs))
	if len(memberIDs) == 0 {
		return out, nil
	}
	var ids []uint64
	if errFind := d.participating(ctx, tenantID).
		Where("member_id IN ?", memberIDs).
		Distinct("member_id").
		Pluck("member_id", &ids).Error; errFind != nil {
		return nil, errFind
	}
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

// ResolveDestinationRollEntry returns the roll entry designated for collateral
// charges; ok is false when the member has none.
func (d *Directory) ResolveDestinationRollEntry(ctx context.Context, tenantID, memberID uint64) (uint64, bool, error) {
	var entry models.BillingRollEntry
	errFind := d.db.WithContext(ctx).
		Select("id").
		Where("tenant_id = ? AND member_id = ? AND is_collateral_target = ?", tenantID, memberID, true).
		Order("id ASC").
		First(&entry).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if errFind != nil {
		return 0, false, errFind
	}
	return entry.ID, true, nil
}

// IsCoinsuranceActive reports the member's co-insurance status. Unknown
// members are reported inactive.
func (d *Directory) IsCoinsuranceActive(ctx context.Context, tenantID, memberID uint64) (bool, error) {
	var member models.Member
	errFind := d.db.WithContext(ctx).
		Select("id", "coinsurance_active").
		Where("tenant_id = ? AND id = ?", tenantID, memberID).
		First(&member).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if errFind != nil {
		return false, errFind
	}
	return member.CoinsuranceActive, nil
}

// MemberExists reports whether the member belongs to the tenant.
func (d *Directory) MemberExists(ctx context.Context, tenantID, memberID uint64) (bool, error) {
	var count int64
	if errCount := d.db.WithContext(ctx).Model(&models.Member{}).
		Where("tenant_id = ? AND id = ?", tenantID, memberID).
		Count(&count).Error; errCount != nil {
		return false, errCount
	}
	return count > 0, nil
}

// CategoryExists reports whether the kinship category belongs to the tenant.
func (d *Directory) CategoryExists(ctx context.Context, tenantID, categoryID uint64) (bool, error) {
	var count int64
	if errCount := d.db.WithContext(ctx).Model(&models.KinshipCategory{}).
		Where("tenant_id = ? AND id = ?", tenantID, categoryID).
		Count(&count).Error; errCount != nil {
		return false, errCount
	}
	return count > 0, nil
}

func (d *Directory) participating(ctx context.Context, tenantID uint64) *gorm.DB {
	return d.db.WithContext(ctx).Model(&models.Dependent{}).
		Where("tenant_id = ? AND is_active = ? AND participates_in_collateral = ?", tenantID, true, true)
}

// SortedIDs returns the keys of set in ascending order.
func SortedIDs(set map[uint64]struct{}) []uint64 {
	out := make([]uint64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
