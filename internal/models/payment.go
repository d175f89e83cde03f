package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentType determines whether a payment adds to or subtracts from user totals.
type PaymentType string

// PaymentType constants.
const (
	PaymentTypeOneTime      PaymentType = "one_time"
	PaymentTypeSubscription PaymentType = "subscription"
	PaymentTypeRefund       PaymentType = "refund"
)

// Valid reports whether t is a known payment type.
func (t PaymentType) Valid() bool {
	switch t {
	case PaymentTypeOneTime, PaymentTypeSubscription, PaymentTypeRefund:
		return true
	}
	return false
}

// PaymentStatus represents the state of a money movement.
type PaymentStatus string

// PaymentStatus constants.
const (
	PaymentStatusPending           PaymentStatus = "pending"
	PaymentStatusCompleted         PaymentStatus = "completed"
	PaymentStatusFailed            PaymentStatus = "failed"
	PaymentStatusRefunded          PaymentStatus = "refunded"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
	PaymentStatusCancelled         PaymentStatus = "cancelled"
)

// Valid reports whether s is a known payment status.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusCompleted, PaymentStatusFailed,
		PaymentStatusRefunded, PaymentStatusPartiallyRefunded, PaymentStatusCancelled:
		return true
	}
	return false
}

// Payment records a captured or refunded money movement.
type Payment struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID         uint64  `gorm:"not null;index"` // Paying user ID.
	OrderID        *uint64 `gorm:"index"`          // Related order ID.
	SubscriptionID *uint64 `gorm:"index"`          // Related subscription ID.

	Amount      decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0"` // Always positive.
	Currency    string          `gorm:"type:varchar(8);not null;default:'USD'"`
	PaymentType PaymentType     `gorm:"type:varchar(16);not null"`
	Status      PaymentStatus   `gorm:"type:varchar(24);not null;index"`

	PaymentMethod string `gorm:"type:varchar(64)"`
	Gateway       string `gorm:"type:varchar(32)"`
	TransactionID string `gorm:"type:varchar(128);index"` // Gateway reference.

	RefundOfID     *uint64         `gorm:"index"`                                 // Original payment for refund rows.
	RefundedAmount decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0"` // Sum refunded against this payment.

	FailureReason string     `gorm:"type:text"`
	Description   string     `gorm:"type:text"`
	PaidAt        *time.Time // Capture time.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// SignedAmount returns the contribution of the payment to the user's total paid.
func (p *Payment) SignedAmount() decimal.Decimal {
	if p.PaymentType == PaymentTypeRefund {
		return p.Amount.Neg()
	}
	return p.Amount
}
