package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// BillingCycle is the recurring period that governs renewals.
type BillingCycle string

// BillingCycle constants define the supported renewal cadences.
const (
	// BillingCycleMonthly renews on the same day next month.
	BillingCycleMonthly BillingCycle = "monthly"
	// BillingCycleQuarterly renews every three months.
	BillingCycleQuarterly BillingCycle = "quarterly"
	// BillingCycleYearly renews every year.
	BillingCycleYearly BillingCycle = "yearly"
	// BillingCycleCustom renews after an explicit number of days.
	BillingCycleCustom BillingCycle = "custom"
)

// PlanStatus represents whether a plan can be sold.
type PlanStatus string

// PlanStatus constants define plan catalog states.
const (
	// PlanStatusActive marks a plan available for new subscriptions.
	PlanStatusActive PlanStatus = "active"
	// PlanStatusInactive hides a plan temporarily.
	PlanStatusInactive PlanStatus = "inactive"
	// PlanStatusDeprecated keeps existing subscribers but blocks new ones.
	PlanStatusDeprecated PlanStatus = "deprecated"
)

// Valid reports whether s is a known plan status.
func (s PlanStatus) Valid() bool {
	switch s {
	case PlanStatusActive, PlanStatusInactive, PlanStatusDeprecated:
		return true
	}
	return false
}

// Unlimited marks a plan limit without a cap.
const Unlimited = -1

// PlanCycle prices a plan for one billing cycle.
type PlanCycle struct {
	Cycle     BillingCycle    `json:"cycle"`
	Price     decimal.Decimal `json:"price"`
	Discount  decimal.Decimal `json:"discount"`
	IsPopular bool            `json:"is_popular"`
}

// PlanFeature describes one line of the plan's feature list.
type PlanFeature struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Included    bool   `json:"included"`
}

// PlanLimits caps plan usage; Unlimited (-1) lifts a cap.
type PlanLimits struct {
	Properties int `json:"properties"`
	Users      int `json:"users"`
	StorageGB  int `json:"storage_gb"`
	APICalls   int `json:"api_calls"`
}

// RefundPolicy controls what a cancelling subscriber may get back.
type RefundPolicy string

// RefundPolicy constants.
const (
	RefundPolicyNone     RefundPolicy = "none"
	RefundPolicyProrated RefundPolicy = "prorated"
	RefundPolicyFull     RefundPolicy = "full"
)

// CancellationPolicy holds the plan's cancellation terms.
type CancellationPolicy struct {
	AllowCancellation bool         `json:"allow_cancellation"`
	RefundPolicy      RefundPolicy `json:"refund_policy"`
	NoticeDays        int          `json:"notice_days"`
}

// Plan represents a sellable subscription plan in the catalog.
type Plan struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Name        string          `gorm:"type:varchar(255);not null"`             // Plan name.
	Slug        string          `gorm:"type:varchar(255);not null;uniqueIndex"` // Unique URL-safe identifier.
	Description string          `gorm:"type:text"`                              // Plan description.
	Price       decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0"`  // Flat price used when a cycle is not listed.
	Currency    string          `gorm:"type:varchar(8);not null;default:'USD'"` // ISO currency code.

	BillingCycles      datatypes.JSONSlice[PlanCycle]          `gorm:"type:jsonb"` // Per-cycle prices.
	Features           datatypes.JSONSlice[PlanFeature]        `gorm:"type:jsonb"` // Feature list.
	Limits             datatypes.JSONType[PlanLimits]          `gorm:"type:jsonb"` // Usage limits.
	CancellationPolicy datatypes.JSONType[CancellationPolicy] `gorm:"type:jsonb"` // Cancellation terms.

	Status    PlanStatus `gorm:"type:varchar(16);not null;default:'active';index"` // Catalog state.
	TrialDays int        `gorm:"not null;default:0"`                               // Free trial length in days.
	SortOrder int        `gorm:"not null;default:0"`                               // Display ordering weight.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// CycleFor returns the plan's entry for the cycle, if listed.
func (p *Plan) CycleFor(cycle BillingCycle) (PlanCycle, bool) {
	if p == nil {
		return PlanCycle{}, false
	}
	for _, entry := range p.BillingCycles {
		if entry.Cycle == cycle {
			return entry, true
		}
	}
	return PlanCycle{}, false
}
