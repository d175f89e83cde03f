package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// OrderType classifies the billable transaction.
type OrderType string

// OrderType constants.
const (
	OrderTypeNew       OrderType = "new"
	OrderTypeRenewal   OrderType = "renewal"
	OrderTypeUpgrade   OrderType = "upgrade"
	OrderTypeDowngrade OrderType = "downgrade"
	OrderTypeOneTime   OrderType = "one_time"
)

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeNew, OrderTypeRenewal, OrderTypeUpgrade, OrderTypeDowngrade, OrderTypeOneTime:
		return true
	}
	return false
}

// OrderStatus represents the lifecycle state of an order.
type OrderStatus string

// OrderStatus constants define order lifecycle states.
const (
	// OrderStatusPending awaits payment.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusCompleted has been paid.
	OrderStatusCompleted OrderStatus = "completed"
	// OrderStatusCancelled was withdrawn before payment.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusFailed had its last payment attempt declined.
	OrderStatusFailed OrderStatus = "failed"
	// OrderStatusRefunded was paid and fully refunded.
	OrderStatusRefunded OrderStatus = "refunded"
)

// Valid reports whether s is a known order status.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusCompleted, OrderStatusCancelled, OrderStatusFailed, OrderStatusRefunded:
		return true
	}
	return false
}

// Payable reports whether a payment may be attempted.
func (s OrderStatus) Payable() bool {
	return s == OrderStatusPending || s == OrderStatusFailed
}

// OrderPaymentStatus tracks money movement on an order.
type OrderPaymentStatus string

// OrderPaymentStatus constants.
const (
	OrderPaymentPending           OrderPaymentStatus = "pending"
	OrderPaymentPaid              OrderPaymentStatus = "paid"
	OrderPaymentFailed            OrderPaymentStatus = "failed"
	OrderPaymentRefunded          OrderPaymentStatus = "refunded"
	OrderPaymentPartiallyRefunded OrderPaymentStatus = "partially_refunded"
)

// OrderItem is one billable line.
type OrderItem struct {
	PlanID      uint64          `json:"plan_id,omitempty"`
	Description string          `json:"description"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Amount      decimal.Decimal `json:"amount"`
}

// Order represents a billable transaction, usually tied to a subscription.
type Order struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	OrderNumber string `gorm:"type:varchar(64);not null;uniqueIndex"` // Human-facing reference.

	UserID uint64 `gorm:"not null;index"` // Billed user ID.

	SubscriptionID *uint64 `gorm:"index"` // Related subscription ID.

	Type  OrderType                      `gorm:"type:varchar(16);not null"` // Transaction kind.
	Items datatypes.JSONSlice[OrderItem] `gorm:"type:jsonb"`                // Billable lines.

	Subtotal    decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0"` // Sum of item amounts.
	Discount    decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0"` // Order-level discount.
	Tax         decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0"` // Order-level tax.
	TotalAmount decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0"` // Subtotal - discount + tax.
	Currency    string          `gorm:"type:varchar(8);not null;default:'USD'"`

	Status        OrderStatus        `gorm:"type:varchar(16);not null;index"` // Lifecycle state.
	PaymentStatus OrderPaymentStatus `gorm:"type:varchar(24);not null"`       // Money movement state.
	PaymentMethod string             `gorm:"type:varchar(64)"`                // Method used to pay.

	PeriodStart *time.Time // Billed period start (renewals).
	PeriodEnd   *time.Time // Billed period end (renewals).
	RenewalKey  *string    `gorm:"type:varchar(64);uniqueIndex"` // Dedupes renewal orders per billing date.

	TargetPlanID   *uint64                          // Plan applied when the order is paid.
	TargetSnapshot datatypes.JSONType[PlanSnapshot] `gorm:"type:jsonb"` // Snapshot applied when the order is paid.
	TargetCycle    BillingCycle                     `gorm:"type:varchar(16)"`

	PaidAt         *time.Time      // Payment completion time.
	CancelledAt    *time.Time      // Cancellation time.
	RefundedAmount decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0"` // Sum of refunds.
	RefundedAt     *time.Time      // Last refund time.
	Notes          string          `gorm:"type:text"`

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// BeforeSave keeps item amounts, subtotal and total consistent on every write.
func (o *Order) BeforeSave(_ *gorm.DB) error {
	o.Recalculate()
	return nil
}

// Recalculate derives item amounts, subtotal and total from the order lines.
func (o *Order) Recalculate() {
	if len(o.Items) > 0 {
		subtotal := decimal.Zero
		for i := range o.Items {
			qty := o.Items[i].Quantity
			if qty <= 0 {
				qty = 1
				o.Items[i].Quantity = qty
			}
			o.Items[i].Amount = o.Items[i].UnitPrice.Mul(decimal.NewFromInt(int64(qty))).Round(2)
			subtotal = subtotal.Add(o.Items[i].Amount)
		}
		o.Subtotal = subtotal
	}
	o.TotalAmount = o.Subtotal.Sub(o.Discount).Add(o.Tax).Round(2)
}

// Refundable returns the amount that can still be refunded.
func (o *Order) Refundable() decimal.Decimal {
	left := o.TotalAmount.Sub(o.RefundedAmount)
	if left.IsNegative() {
		return decimal.Zero
	}
	return left
}
