package billing

import (
	"strings"
	"time"

	"github.com/estatedesk/billing/internal/apperr"
	"github.com/estatedesk/billing/internal/models"
)

// ParseCycle normalizes and validates a billing cycle name.
func ParseCycle(raw string) (models.BillingCycle, error) {
	cycle := models.BillingCycle(strings.ToLower(strings.TrimSpace(raw)))
	switch cycle {
	case models.BillingCycleMonthly, models.BillingCycleQuarterly, models.BillingCycleYearly, models.BillingCycleCustom:
		return cycle, nil
	case "":
		return "", apperr.Validation("billing_cycle", "billing_cycle is required")
	default:
		return "", apperr.Validation("billing_cycle", "unsupported billing cycle: "+raw)
	}
}

// AddCycle advances t by one billing cycle. Custom cycles need a positive
// interval in days.
func AddCycle(t time.Time, cycle models.BillingCycle, customDays int) (time.Time, error) {
	switch cycle {
	case models.BillingCycleMonthly:
		return t.AddDate(0, 1, 0), nil
	case models.BillingCycleQuarterly:
		return t.AddDate(0, 3, 0), nil
	case models.BillingCycleYearly:
		return t.AddDate(1, 0, 0), nil
	case models.BillingCycleCustom:
		if customDays <= 0 {
			return time.Time{}, apperr.Validation("custom_interval_days", "custom billing cycle requires custom_interval_days > 0")
		}
		return t.AddDate(0, 0, customDays), nil
	default:
		return time.Time{}, apperr.Validation("billing_cycle", "unsupported billing cycle: "+string(cycle))
	}
}

// Period is a billing window.
type Period struct {
	Start       time.Time
	End         time.Time
	NextBilling time.Time
}

// PeriodFrom computes the period starting at start.
func PeriodFrom(start time.Time, cycle models.BillingCycle, customDays int) (Period, error) {
	end, err := AddCycle(start, cycle, customDays)
	if err != nil {
		return Period{}, err
	}
	return Period{Start: start, End: end, NextBilling: end}, nil
}

// MonthBounds returns the first instant of t's month and of the next month, in UTC.
func MonthBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}
