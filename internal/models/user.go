package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Role controls which billing routes a user may call.
type Role string

// Role constants.
const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleUser    Role = "user"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleUser:
		return true
	}
	return false
}

// SubscriptionStatusNone marks a user that never subscribed.
const SubscriptionStatusNone SubscriptionStatus = "none"

// User represents an account stored in the database.
type User struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Username string `gorm:"type:text;not null;uniqueIndex"` // Unique login name.
	Name     string `gorm:"type:text"`                      // Display name.
	Email    string `gorm:"type:text;index"`                // Email address, optional.
	Password string `gorm:"type:text;not null"`             // Hashed password.
	Role     Role   `gorm:"type:varchar(16);not null;default:'user'"`

	Active bool `gorm:"not null"` // Whether the account can be used.

	SubscriptionID        *uint64            `gorm:"index"`                                   // Cached current subscription.
	PlanID                *uint64            `gorm:"index"`                                   // Cached current plan.
	SubscriptionStatus    SubscriptionStatus `gorm:"type:varchar(16);not null;default:'none'"` // Cached subscription status.
	SubscriptionExpiresAt *time.Time         // Cached period end.

	TotalPaid decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0"` // Captured payments minus refunds.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
