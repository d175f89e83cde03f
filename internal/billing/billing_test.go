package billing

import (
	"testing"
	"time"

	"github.com/estatedesk/billing/internal/apperr"
	"github.com/estatedesk/billing/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

func TestAddCycle(t *testing.T) {
	start := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	cases := []struct {
		cycle models.BillingCycle
		days  int
		want  time.Time
	}{
		{models.BillingCycleMonthly, 0, time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)},
		{models.BillingCycleQuarterly, 0, time.Date(2026, 4, 15, 10, 30, 0, 0, time.UTC)},
		{models.BillingCycleYearly, 0, time.Date(2027, 1, 15, 10, 30, 0, 0, time.UTC)},
		{models.BillingCycleCustom, 10, time.Date(2026, 1, 25, 10, 30, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		got, err := AddCycle(start, tc.cycle, tc.days)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.cycle, err)
		}
		if !got.Equal(tc.want) {
			t.Fatalf("%s: expected %s, got %s", tc.cycle, tc.want, got)
		}
	}
}

func TestAddCycle_CustomRequiresInterval(t *testing.T) {
	_, err := AddCycle(time.Now(), models.BillingCycleCustom, 0)
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestParseCycle(t *testing.T) {
	cycle, err := ParseCycle(" Monthly ")
	if err != nil || cycle != models.BillingCycleMonthly {
		t.Fatalf("expected monthly, got %q (%v)", cycle, err)
	}
	if _, errParse := ParseCycle("weekly"); !apperr.Is(errParse, apperr.KindValidation) {
		t.Fatalf("expected validation error for weekly, got %v", errParse)
	}
}

func TestPriceForCycle_FallsBackToFlatPrice(t *testing.T) {
	plan := &models.Plan{
		Price: decimal.RequireFromString("50"),
		BillingCycles: datatypes.JSONSlice[models.PlanCycle]{
			{Cycle: models.BillingCycleYearly, Price: decimal.RequireFromString("500"), Discount: decimal.RequireFromString("50")},
		},
	}

	yearly := PriceForCycle(plan, models.BillingCycleYearly)
	if yearly.Fallback || !yearly.Discounted().Equal(decimal.RequireFromString("450")) {
		t.Fatalf("unexpected yearly quote: %+v", yearly)
	}

	monthly := PriceForCycle(plan, models.BillingCycleMonthly)
	if !monthly.Fallback {
		t.Fatalf("expected fallback for unlisted cycle")
	}
	if !monthly.Price.Equal(decimal.RequireFromString("50")) || !monthly.Discount.IsZero() {
		t.Fatalf("unexpected monthly quote: %+v", monthly)
	}
}

func TestComputeAmounts(t *testing.T) {
	amounts := ComputeAmounts(decimal.RequireFromString("79.99"), decimal.Zero, decimal.Zero)
	if !amounts.Final.Equal(decimal.RequireFromString("79.99")) {
		t.Fatalf("expected final=79.99, got %s", amounts.Final)
	}

	amounts = ComputeAmounts(decimal.RequireFromString("100"), decimal.RequireFromString("15.5"), decimal.RequireFromString("8.46"))
	if !amounts.Final.Equal(decimal.RequireFromString("92.96")) {
		t.Fatalf("expected final=92.96, got %s", amounts.Final)
	}
}

func TestTaxFor(t *testing.T) {
	tax := TaxFor(decimal.RequireFromString("79.99"), decimal.RequireFromString("8.25"))
	if !tax.Equal(decimal.RequireFromString("6.6")) {
		t.Fatalf("expected tax=6.60, got %s", tax)
	}
}

func TestChurnRate(t *testing.T) {
	if got := ChurnRate(3, 0); got != 0 {
		t.Fatalf("expected 0 churn with no active subscriptions, got %v", got)
	}
	if got := ChurnRate(1, 3); got != 33.33 {
		t.Fatalf("expected 33.33, got %v", got)
	}
	if got := ChurnRate(2, 8); got != 25 {
		t.Fatalf("expected 25, got %v", got)
	}
}

func TestSnapshotIsDetached(t *testing.T) {
	plan := &models.Plan{
		ID:       7,
		Name:     "Premium",
		Slug:     "premium",
		Currency: "USD",
		Price:    decimal.RequireFromString("79.99"),
		Features: datatypes.JSONSlice[models.PlanFeature]{{Name: "Listings", Included: true}},
	}
	snap := Snapshot(plan, models.BillingCycleMonthly, time.Now())
	plan.Features[0].Name = "changed"
	plan.Price = decimal.RequireFromString("99.99")

	if snap.Features[0].Name != "Listings" {
		t.Fatalf("snapshot features follow plan edits")
	}
	if !snap.DiscountedPrice.Equal(decimal.RequireFromString("79.99")) {
		t.Fatalf("expected snapshot price 79.99, got %s", snap.DiscountedPrice)
	}
}

func TestNewOrderNumber(t *testing.T) {
	now := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	a := NewOrderNumber(now)
	b := NewOrderNumber(now)
	if a == b {
		t.Fatalf("expected unique order numbers, got %q twice", a)
	}
	if len(a) != len("ORD-20260309-")+12 || a[:13] != "ORD-20260309-" {
		t.Fatalf("unexpected order number %q", a)
	}
}

func TestRenewalKey(t *testing.T) {
	got := RenewalKey(42, time.Date(2026, 3, 9, 23, 30, 0, 0, time.UTC))
	if got != "42:2026-03-09" {
		t.Fatalf("expected 42:2026-03-09, got %q", got)
	}
}

func TestMonthBounds(t *testing.T) {
	start, end := MonthBounds(time.Date(2026, 12, 18, 8, 0, 0, 0, time.UTC))
	if !start.Equal(time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)) || !end.Equal(time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected bounds %s - %s", start, end)
	}
}
