package catalog

import (
	"context"
	"fmt"

	"github.com/estatedesk/billing/internal/models"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// DefaultPlans returns the starter catalog written into an empty database.
func DefaultPlans() []models.Plan {
	cycles := func(monthly string) datatypes.JSONSlice[models.PlanCycle] {
		m := decimal.RequireFromString(monthly)
		return datatypes.JSONSlice[models.PlanCycle]{
			{Cycle: models.BillingCycleMonthly, Price: m, Discount: decimal.Zero},
			{Cycle: models.BillingCycleQuarterly, Price: m.Mul(decimal.NewFromInt(3)), Discount: m.Mul(decimal.NewFromFloat(0.15)).Round(2)},
			{Cycle: models.BillingCycleYearly, Price: m.Mul(decimal.NewFromInt(12)), Discount: m.Mul(decimal.NewFromInt(2)), IsPopular: true},
		}
	}
	policy := datatypes.NewJSONType(models.CancellationPolicy{
		AllowCancellation: true,
		RefundPolicy:      models.RefundPolicyProrated,
		NoticeDays:        0,
	})
	return []models.Plan{
		{
			Name:          "Basic",
			Slug:          "basic",
			Description:   "For independent agents managing a handful of listings.",
			Price:         decimal.RequireFromString("29.99"),
			Currency:      "USD",
			BillingCycles: cycles("29.99"),
			Features: datatypes.JSONSlice[models.PlanFeature]{
				{Name: "Property listings", Included: true},
				{Name: "Lead inbox", Included: true},
				{Name: "Team workspace", Included: false},
			},
			Limits:             datatypes.NewJSONType(models.PlanLimits{Properties: 25, Users: 1, StorageGB: 5, APICalls: 10000}),
			CancellationPolicy: policy,
			Status:             models.PlanStatusActive,
			TrialDays:          14,
			SortOrder:          10,
		},
		{
			Name:          "Premium",
			Slug:          "premium",
			Description:   "For growing agencies.",
			Price:         decimal.RequireFromString("79.99"),
			Currency:      "USD",
			BillingCycles: cycles("79.99"),
			Features: datatypes.JSONSlice[models.PlanFeature]{
				{Name: "Property listings", Included: true},
				{Name: "Lead inbox", Included: true},
				{Name: "Team workspace", Included: true},
				{Name: "API access", Included: true},
			},
			Limits:             datatypes.NewJSONType(models.PlanLimits{Properties: 250, Users: 10, StorageGB: 50, APICalls: 100000}),
			CancellationPolicy: policy,
			Status:             models.PlanStatusActive,
			SortOrder:          20,
		},
		{
			Name:          "Enterprise",
			Slug:          "enterprise",
			Description:   "Unlimited listings and seats for brokerages.",
			Price:         decimal.RequireFromString("199.99"),
			Currency:      "USD",
			BillingCycles: cycles("199.99"),
			Features: datatypes.JSONSlice[models.PlanFeature]{
				{Name: "Property listings", Included: true},
				{Name: "Lead inbox", Included: true},
				{Name: "Team workspace", Included: true},
				{Name: "API access", Included: true},
				{Name: "Dedicated support", Included: true},
			},
			Limits: datatypes.NewJSONType(models.PlanLimits{
				Properties: models.Unlimited,
				Users:      models.Unlimited,
				StorageGB:  500,
				APICalls:   models.Unlimited,
			}),
			CancellationPolicy: datatypes.NewJSONType(models.CancellationPolicy{
				AllowCancellation: true,
				RefundPolicy:      models.RefundPolicyNone,
				NoticeDays:        30,
			}),
			Status:    models.PlanStatusActive,
			SortOrder: 30,
		},
	}
}

// SeedDefaults writes DefaultPlans when the catalog is empty and returns the
// number of plans created.
func (s *Service) SeedDefaults(ctx context.Context) (int, error) {
	conn := s.db.WithContext(ctx)
	var count int64
	if errCount := conn.Model(&models.Plan{}).Count(&count).Error; errCount != nil {
		return 0, fmt.Errorf("count plans: %w", errCount)
	}
	if count > 0 {
		return 0, nil
	}
	plans := DefaultPlans()
	now := s.now()
	for i := range plans {
		if errValidate := Validate(&plans[i]); errValidate != nil {
			return 0, fmt.Errorf("default plan %s: %w", plans[i].Slug, errValidate)
		}
		plans[i].CreatedAt = now
		plans[i].UpdatedAt = now
	}
	if errCreate := conn.Create(&plans).Error; errCreate != nil {
		return 0, fmt.Errorf("seed plans: %w", errCreate)
	}
	log.Infof("seeded %d default plans", len(plans))
	return len(plans), nil
}
