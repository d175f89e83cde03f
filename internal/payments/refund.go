package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/estatedesk/billing/internal/apperr"
	"github.com/estatedesk/billing/internal/db"
	"github.com/estatedesk/billing/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// RefundInput asks for a refund. A nil Amount refunds whatever is left.
type RefundInput struct {
	Amount *decimal.Decimal
	Reason string
}

// RefundOutcome holds the rows touched by a refund.
type RefundOutcome struct {
	Refund   *models.Payment
	Original *models.Payment
	Order    *models.Order
}

// Refund returns money from a completed payment. The refund row, the original
// payment, the linked order and the user's total paid change in one
// transaction. Payments captured by the configured gateway are refunded
// through it; manual payments are refunded on the ledger only.
func (s *Service) Refund(ctx context.Context, paymentID uint64, in RefundInput) (*RefundOutcome, error) {
	var out *RefundOutcome
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result, errRefund := s.RefundInTx(ctx, tx, paymentID, in)
		out = result
		return errRefund
	})
	if errTx != nil {
		return nil, errTx
	}
	s.metrics.PaymentRecorded(string(models.PaymentTypeRefund), string(models.PaymentStatusCompleted))
	return out, nil
}

// RefundInTx is Refund inside the caller's transaction.
func (s *Service) RefundInTx(ctx context.Context, tx *gorm.DB, paymentID uint64, in RefundInput) (*RefundOutcome, error) {
	original, errLoad := lockPayment(tx, paymentID)
	if errLoad != nil {
		return nil, errLoad
	}
	if original.PaymentType == models.PaymentTypeRefund {
		return nil, apperr.Conflict("refund payments cannot be refunded")
	}
	if original.Status != models.PaymentStatusCompleted && original.Status != models.PaymentStatusPartiallyRefunded {
		return nil, apperr.Conflict("payment is %s and cannot be refunded", original.Status)
	}
	remaining := original.Amount.Sub(original.RefundedAmount)
	amount := remaining
	if in.Amount != nil {
		amount = in.Amount.Round(2)
	}
	if !amount.IsPositive() {
		return nil, apperr.Validation("amount", "refund amount must be positive")
	}
	if amount.GreaterThan(remaining) {
		return nil, apperr.Validation("amount", fmt.Sprintf("refund amount exceeds the refundable %s", remaining.StringFixed(2)))
	}

	now := s.now()
	reason := strings.TrimSpace(in.Reason)
	refund := &models.Payment{
		UserID:         original.UserID,
		OrderID:        original.OrderID,
		SubscriptionID: original.SubscriptionID,
		Amount:         amount,
		Currency:       original.Currency,
		PaymentType:    models.PaymentTypeRefund,
		Status:         models.PaymentStatusCompleted,
		PaymentMethod:  original.PaymentMethod,
		Gateway:        original.Gateway,
		RefundOfID:     &original.ID,
		Description:    reason,
		PaidAt:         &now,
		CreatedAt:      now,
	}
	if s.gateway != nil && original.Gateway == s.gateway.Name() && original.TransactionID != "" {
		res, errGateway := s.gateway.Refund(ctx, RefundRequest{
			TransactionID: original.TransactionID,
			Amount:        amount,
			Currency:      original.Currency,
			Reason:        reason,
		})
		if errGateway != nil {
			return nil, fmt.Errorf("gateway refund: %w", errGateway)
		}
		refund.TransactionID = res.TransactionID
	}
	if errRecord := RecordPayment(tx, refund); errRecord != nil {
		return nil, errRecord
	}

	original.RefundedAmount = original.RefundedAmount.Add(amount)
	original.Status = models.PaymentStatusPartiallyRefunded
	if original.RefundedAmount.GreaterThanOrEqual(original.Amount) {
		original.Status = models.PaymentStatusRefunded
	}
	original.UpdatedAt = now
	if errSave := tx.Save(original).Error; errSave != nil {
		return nil, fmt.Errorf("save payment: %w", errSave)
	}

	out := &RefundOutcome{Refund: refund, Original: original}
	if original.OrderID == nil {
		return out, nil
	}
	var order models.Order
	if errFind := db.ForUpdate(tx).First(&order, *original.OrderID).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return out, nil
		}
		return nil, fmt.Errorf("load order: %w", errFind)
	}
	order.RefundedAmount = order.RefundedAmount.Add(amount)
	order.RefundedAt = &now
	if order.RefundedAmount.GreaterThanOrEqual(order.TotalAmount) {
		order.Status = models.OrderStatusRefunded
		order.PaymentStatus = models.OrderPaymentRefunded
	} else {
		order.PaymentStatus = models.OrderPaymentPartiallyRefunded
	}
	if errSave := tx.Save(&order).Error; errSave != nil {
		return nil, fmt.Errorf("save order: %w", errSave)
	}
	out.Order = &order
	return out, nil
}
