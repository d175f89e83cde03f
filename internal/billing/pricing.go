package billing

import (
	"time"

	"github.com/estatedesk/billing/internal/models"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Quote is the price of a plan for one cycle.
type Quote struct {
	Cycle    models.BillingCycle
	Price    decimal.Decimal
	Discount decimal.Decimal
	Fallback bool // true when the plan does not list the cycle
}

// Discounted returns price minus discount, floored at zero.
func (q Quote) Discounted() decimal.Decimal {
	d := q.Price.Sub(q.Discount)
	if d.IsNegative() {
		return decimal.Zero
	}
	return d.Round(2)
}

// PriceForCycle prices the plan for a cycle, falling back to the flat plan
// price without discount when the cycle is not listed.
func PriceForCycle(plan *models.Plan, cycle models.BillingCycle) Quote {
	if entry, ok := plan.CycleFor(cycle); ok {
		return Quote{Cycle: cycle, Price: entry.Price.Round(2), Discount: entry.Discount.Round(2)}
	}
	return Quote{Cycle: cycle, Price: plan.Price.Round(2), Discount: decimal.Zero, Fallback: true}
}

// Amounts holds the committed money fields of a subscription.
type Amounts struct {
	Total    decimal.Decimal
	Discount decimal.Decimal
	Tax      decimal.Decimal
	Final    decimal.Decimal
}

// ComputeAmounts derives Final = Total - Discount + Tax, rounded to cents.
func ComputeAmounts(total, discount, tax decimal.Decimal) Amounts {
	total = total.Round(2)
	discount = discount.Round(2)
	tax = tax.Round(2)
	return Amounts{
		Total:    total,
		Discount: discount,
		Tax:      tax,
		Final:    total.Sub(discount).Add(tax).Round(2),
	}
}

// TaxFor applies a percentage rate to amount.
func TaxFor(amount decimal.Decimal, ratePercent decimal.Decimal) decimal.Decimal {
	if ratePercent.IsZero() || amount.IsZero() {
		return decimal.Zero
	}
	return amount.Mul(ratePercent).Div(hundred).Round(2)
}

// Snapshot freezes the plan terms for a subscription.
func Snapshot(plan *models.Plan, cycle models.BillingCycle, now time.Time) models.PlanSnapshot {
	quote := PriceForCycle(plan, cycle)
	features := make([]models.PlanFeature, len(plan.Features))
	copy(features, plan.Features)
	return models.PlanSnapshot{
		PlanID:          plan.ID,
		Name:            plan.Name,
		Slug:            plan.Slug,
		Currency:        plan.Currency,
		BasePrice:       plan.Price.Round(2),
		Cycle:           cycle,
		CyclePrice:      quote.Price,
		CycleDiscount:   quote.Discount,
		DiscountedPrice: quote.Discounted(),
		Features:        features,
		Limits:          plan.Limits.Data(),
		TrialDays:       plan.TrialDays,
		CapturedAt:      now,
	}
}

// ChurnRate returns cancelled / activeAtStart * 100 rounded to two decimals,
// or 0 when nothing was active at the start.
func ChurnRate(cancelled, activeAtStart int64) float64 {
	if activeAtStart <= 0 {
		return 0
	}
	rate := decimal.NewFromInt(cancelled).Mul(hundred).Div(decimal.NewFromInt(activeAtStart)).Round(2)
	return rate.InexactFloat64()
}

// Average divides total by count, rounded to cents; 0 when count is 0.
func Average(total decimal.Decimal, count int64) decimal.Decimal {
	if count <= 0 {
		return decimal.Zero
	}
	return total.Div(decimal.NewFromInt(count)).Round(2)
}
