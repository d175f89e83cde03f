package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// PlanShare counts active subscriptions on one plan.
type PlanShare struct {
	PlanID uint64 `json:"plan_id"`
	Name   string `json:"name"`
	Count  int64  `json:"count"`
}

// MonthlyReport stores the aggregated billing figures of one calendar month.
type MonthlyReport struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Month string `gorm:"type:varchar(7);not null;uniqueIndex"` // YYYY-MM.

	NewSubscriptions int64           `gorm:"not null;default:0"`
	Revenue          decimal.Decimal `gorm:"type:decimal(14,2);not null;default:0"`
	AverageRevenue   decimal.Decimal `gorm:"type:decimal(14,2);not null;default:0"`
	ActiveAtStart    int64           `gorm:"not null;default:0"`
	CancelledInMonth int64           `gorm:"not null;default:0"`
	ChurnRate        float64         `gorm:"not null;default:0"`

	PlanDistribution datatypes.JSONSlice[PlanShare] `gorm:"type:jsonb"`

	GeneratedAt time.Time `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"not null;autoUpdateTime"`
}
