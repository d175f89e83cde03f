package catalog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/estatedesk/billing/internal/apperr"
	"github.com/estatedesk/billing/internal/db"
	"github.com/estatedesk/billing/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	conn, err := db.Open(db.SQLiteDSN(filepath.Join(t.TempDir(), "catalog.db")))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(conn) })
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	now := func() time.Time { return time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC) }
	return NewService(conn, now), conn
}

func ptr[T any](v T) *T { return &v }

func TestCreateAndGet(t *testing.T) {
	svc, _ := newTestService(t)
	price := decimal.RequireFromString("79.99")
	plan, err := svc.Create(context.Background(), PlanInput{
		Name:  ptr("Premium"),
		Slug:  ptr("Premium"),
		Price: &price,
		BillingCycles: &[]models.PlanCycle{
			{Cycle: models.BillingCycleMonthly, Price: price},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if plan.Slug != "premium" {
		t.Fatalf("expected slug=%q, got %q", "premium", plan.Slug)
	}
	if plan.Status != models.PlanStatusActive || plan.Currency != "USD" {
		t.Fatalf("expected active USD defaults, got status=%s currency=%s", plan.Status, plan.Currency)
	}
	if plan.Limits.Data().Users != models.Unlimited {
		t.Fatalf("expected unlimited users by default, got %d", plan.Limits.Data().Users)
	}

	loaded, err := svc.Get(context.Background(), plan.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	cycle, ok := loaded.CycleFor(models.BillingCycleMonthly)
	if !ok || !cycle.Price.Equal(price) {
		t.Fatalf("expected monthly cycle at %s, got %+v", price, cycle)
	}

	if _, errGet := svc.Get(context.Background(), 999); !apperr.Is(errGet, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", errGet)
	}
}

func TestCreateValidation(t *testing.T) {
	svc, _ := newTestService(t)
	negative := decimal.NewFromInt(-1)
	ten := decimal.NewFromInt(10)

	cases := []struct {
		name string
		in   PlanInput
	}{
		{"missing slug", PlanInput{Name: ptr("Basic")}},
		{"bad slug", PlanInput{Name: ptr("Basic"), Slug: ptr("basic plan!")}},
		{"negative price", PlanInput{Name: ptr("Basic"), Slug: ptr("basic"), Price: &negative}},
		{"discount above price", PlanInput{Name: ptr("Basic"), Slug: ptr("basic"), BillingCycles: &[]models.PlanCycle{
			{Cycle: models.BillingCycleMonthly, Price: ten, Discount: decimal.NewFromInt(11)},
		}}},
		{"unknown cycle", PlanInput{Name: ptr("Basic"), Slug: ptr("basic"), BillingCycles: &[]models.PlanCycle{
			{Cycle: "weekly", Price: ten},
		}}},
		{"limit below unlimited", PlanInput{Name: ptr("Basic"), Slug: ptr("basic"), Limits: &models.PlanLimits{Properties: -2}}},
		{"bad status", PlanInput{Name: ptr("Basic"), Slug: ptr("basic"), Status: ptr("retired")}},
	}
	for _, tc := range cases {
		if _, err := svc.Create(context.Background(), tc.in); !apperr.Is(err, apperr.KindValidation) {
			t.Fatalf("%s: expected validation error, got %v", tc.name, err)
		}
	}
}

func TestCreateDuplicateSlug(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.Create(context.Background(), PlanInput{Name: ptr("Basic"), Slug: ptr("basic")}); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := svc.Create(context.Background(), PlanInput{Name: ptr("Basic 2"), Slug: ptr("basic")})
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestUpdateAndSetStatus(t *testing.T) {
	svc, _ := newTestService(t)
	plan, err := svc.Create(context.Background(), PlanInput{Name: ptr("Basic"), Slug: ptr("basic"), Description: ptr("keep")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	price := decimal.RequireFromString("19.5")
	updated, err := svc.Update(context.Background(), plan.ID, PlanInput{Price: &price, SortOrder: ptr(5)})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !updated.Price.Equal(price) || updated.SortOrder != 5 {
		t.Fatalf("expected price=19.5 sort=5, got %s %d", updated.Price, updated.SortOrder)
	}
	if updated.Description != "keep" || updated.Name != "Basic" {
		t.Fatalf("expected untouched fields, got %+v", updated)
	}

	deprecated, err := svc.SetStatus(context.Background(), plan.ID, "deprecated")
	if err != nil {
		t.Fatalf("set status: %v", err)
	}
	if deprecated.Status != models.PlanStatusDeprecated {
		t.Fatalf("expected deprecated, got %s", deprecated.Status)
	}
	if _, errStatus := svc.SetStatus(context.Background(), 999, "active"); !apperr.Is(errStatus, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", errStatus)
	}
	if _, errStatus := svc.SetStatus(context.Background(), plan.ID, "gone"); !apperr.Is(errStatus, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", errStatus)
	}
}

func TestSeedDefaultsOnlyOnce(t *testing.T) {
	svc, _ := newTestService(t)
	created, err := svc.SeedDefaults(context.Background())
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if created != 3 {
		t.Fatalf("expected 3 plans, got %d", created)
	}
	again, err := svc.SeedDefaults(context.Background())
	if err != nil {
		t.Fatalf("seed again: %v", err)
	}
	if again != 0 {
		t.Fatalf("expected no plans on second seed, got %d", again)
	}

	filter := ListFilter{Status: "active"}
	rows, total, err := svc.List(context.Background(), filter)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 || len(rows) != 3 || rows[0].Slug != "basic" {
		t.Fatalf("expected basic first of 3, got total=%d rows=%d", total, len(rows))
	}
	premium := rows[1]
	cycle, ok := premium.CycleFor(models.BillingCycleMonthly)
	if !ok || !cycle.Price.Equal(decimal.RequireFromString("79.99")) {
		t.Fatalf("expected premium monthly 79.99, got %+v", cycle)
	}
}
