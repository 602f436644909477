package publication

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/mutualsoft/padron/internal/db"
	"github.com/mutualsoft/padron/internal/models"
	"github.com/mutualsoft/padron/internal/propagation"
	"github.com/mutualsoft/padron/internal/queue"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var publishInstant = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	db      *gorm.DB
	broker  *queue.Broker
	service *Service
	worker  *Worker
}

func setupFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:publication_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	broker := queue.NewBroker(client, queue.Config{Prefix: "test"})

	worker := NewWorker(conn, broker)
	worker.now = func() time.Time { return publishInstant }
	return &fixture{db: conn, broker: broker, service: NewService(conn, broker), worker: worker}
}

func (f *fixture) category(t *testing.T, tenantID uint64, code string) uint64 {
	t.Helper()
	category := models.KinshipCategory{TenantID: tenantID, Code: code, Name: code}
	if errCreate := f.db.Create(&category).Error; errCreate != nil {
		t.Fatalf("create category: %v", errCreate)
	}
	return category.ID
}

// member creates a co-insured member with n active participating dependents
// per category and a collateral roll entry when withRoll is set.
func (f *fixture) member(t *testing.T, tenantID uint64, withRoll bool, deps map[uint64]int) (uint64, uint64) {
	t.Helper()
	member := models.Member{TenantID: tenantID, CoinsuranceActive: true}
	if errCreate := f.db.Create(&member).Error; errCreate != nil {
		t.Fatalf("create member: %v", errCreate)
	}
	for categoryID, n := range deps {
		for i := 0; i < n; i++ {
			dep := models.Dependent{TenantID: tenantID, MemberID: member.ID, KinshipCategoryID: categoryID, IsActive: true, ParticipatesInCollateral: true}
			if errCreate := f.db.Create(&dep).Error; errCreate != nil {
				t.Fatalf("create dependent: %v", errCreate)
			}
		}
	}
	if !withRoll {
		return member.ID, 0
	}
	roll := models.BillingRollEntry{TenantID: tenantID, MemberID: member.ID, IsCollateralTarget: true, CollateralTotal: decimal.Zero}
	if errCreate := f.db.Create(&roll).Error; errCreate != nil {
		t.Fatalf("create roll entry: %v", errCreate)
	}
	return member.ID, roll.ID
}

func (f *fixture) rule(t *testing.T, tenantID, categoryID uint64, from int, to *int, price int64) models.CollateralRule {
	t.Helper()
	rule := models.CollateralRule{
		TenantID:          tenantID,
		KinshipCategoryID: categoryID,
		QuantityFrom:      from,
		QuantityTo:        to,
		ValidFrom:         time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Price:             decimal.NewFromInt(price),
		IsActive:          true,
	}
	if errCreate := f.db.Create(&rule).Error; errCreate != nil {
		t.Fatalf("create rule: %v", errCreate)
	}
	return rule
}

// runPublication processes every waiting publish job.
func (f *fixture) runPublication(t *testing.T) int {
	t.Helper()
	n, err := f.broker.NewWorker(QueueName, f.worker.Handle, 1).Drain(context.Background())
	if err != nil {
		t.Fatalf("drain publication queue: %v", err)
	}
	return n
}

// propagationTotals returns the total of every waiting propagation job keyed by roll entry.
func (f *fixture) propagationTotals(t *testing.T) map[uint64]decimal.Decimal {
	t.Helper()
	ctx := context.Background()
	out := make(map[uint64]decimal.Decimal)
	var seen []queue.Job
	worker := f.broker.NewWorker(propagation.QueueName, func(ctx context.Context, job queue.Job) error {
		seen = append(seen, job)
		return nil
	}, 1)
	if _, err := worker.Drain(ctx); err != nil {
		t.Fatalf("drain propagation queue: %v", err)
	}
	for _, job := range seen {
		var p propagation.Payload
		if errUnmarshal := json.Unmarshal(job.Payload, &p); errUnmarshal != nil {
			t.Fatalf("decode propagation payload: %v", errUnmarshal)
		}
		out[p.RollEntryID] = p.NewTotal
	}
	return out
}

func uintPtr(v uint64) *uint64 { return &v }

func intPtr(v int) *int { return &v }

func datePtr(s string) *time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return &t
}

func pricePtr(v int64) *decimal.Decimal {
	d := decimal.NewFromInt(v)
	return &d
}
