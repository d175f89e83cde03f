package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// SubscriptionStatus represents the lifecycle state of a subscription.
type SubscriptionStatus string

// SubscriptionStatus constants define subscription lifecycle states.
const (
	// SubscriptionStatusPending awaits payment confirmation.
	SubscriptionStatusPending SubscriptionStatus = "pending"
	// SubscriptionStatusActive is a paid, running subscription.
	SubscriptionStatusActive SubscriptionStatus = "active"
	// SubscriptionStatusInactive is paused by an operator.
	SubscriptionStatusInactive SubscriptionStatus = "inactive"
	// SubscriptionStatusCancelled is terminal.
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
	// SubscriptionStatusExpired is terminal.
	SubscriptionStatusExpired SubscriptionStatus = "expired"
)

// Terminal reports whether no further transitions are allowed.
func (s SubscriptionStatus) Terminal() bool {
	return s == SubscriptionStatusCancelled || s == SubscriptionStatusExpired
}

// Valid reports whether s is a known status.
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubscriptionStatusPending, SubscriptionStatusActive, SubscriptionStatusInactive,
		SubscriptionStatusCancelled, SubscriptionStatusExpired:
		return true
	default:
		return false
	}
}

// PlanSnapshot is the frozen copy of a plan taken when a subscription is
// created or changed. Later plan edits never reach it.
type PlanSnapshot struct {
	PlanID          uint64          `json:"plan_id"`
	Name            string          `json:"name"`
	Slug            string          `json:"slug"`
	Currency        string          `json:"currency"`
	BasePrice       decimal.Decimal `json:"base_price"`
	Cycle           BillingCycle    `json:"cycle"`
	CyclePrice      decimal.Decimal `json:"cycle_price"`
	CycleDiscount   decimal.Decimal `json:"cycle_discount"`
	DiscountedPrice decimal.Decimal `json:"discounted_price"`
	Features        []PlanFeature   `json:"features"`
	Limits          PlanLimits      `json:"limits"`
	TrialDays       int             `json:"trial_days"`
	CapturedAt      time.Time       `json:"captured_at"`
}

// Subscription tracks a user's relationship to a plan over time.
type Subscription struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID uint64 `gorm:"not null;index"`    // Owning user ID.
	User   User   `gorm:"foreignKey:UserID"` // Owning user.

	PlanID uint64 `gorm:"not null;index"`    // Current plan ID.
	Plan   Plan   `gorm:"foreignKey:PlanID"` // Current plan.

	BillingCycle       BillingCycle       `gorm:"type:varchar(16);not null"`       // Renewal cadence.
	CustomIntervalDays int                `gorm:"not null;default:0"`              // Cycle length for custom cycles.
	Status             SubscriptionStatus `gorm:"type:varchar(16);not null;index"` // Lifecycle state.

	StartDate       time.Time  `gorm:"not null"`       // Current period start.
	EndDate         time.Time  `gorm:"not null;index"` // Current period end.
	NextBillingDate time.Time  `gorm:"not null;index"` // Next renewal charge date.
	TrialEndsAt     *time.Time // End of the free trial, if any.

	AutoRenew     bool   `gorm:"not null"`          // Whether renewal orders are generated.
	PaymentMethod string `gorm:"type:varchar(64)"` // Preferred payment method.

	TotalAmount decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0"` // Cycle price.
	Discount    decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0"` // Total discount.
	Tax         decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0"` // Tax amount.
	FinalAmount decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0"` // Committed amount per cycle.
	Currency    string          `gorm:"type:varchar(8);not null;default:'USD'"`

	PlanSnapshot datatypes.JSONType[PlanSnapshot] `gorm:"type:jsonb"` // Frozen plan terms.

	PendingOrderID *uint64 `gorm:"index"` // Open upgrade order awaiting payment.

	ActivatedAt        *time.Time // First activation time.
	CancelledAt        *time.Time // Cancellation time.
	CancelledBy        *uint64    // User who cancelled.
	CancellationReason string     `gorm:"type:text"`
	LastRenewedAt      *time.Time // Last renewal time.
	RenewalCount       int        `gorm:"not null;default:0"`
	Notes              string     `gorm:"type:text"`

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// Snapshot returns the frozen plan terms.
func (s *Subscription) Snapshot() PlanSnapshot {
	return s.PlanSnapshot.Data()
}
