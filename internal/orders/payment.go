package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/estatedesk/billing/internal/apperr"
	"github.com/estatedesk/billing/internal/models"
	"github.com/estatedesk/billing/internal/payments"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// PaymentInput selects how an order is paid.
type PaymentInput struct {
	PaymentMethod string
}

// PaymentResult is the order and payment after a charge attempt.
type PaymentResult struct {
	Order   *models.Order
	Payment *models.Payment
}

// Succeeded reports whether the charge captured money.
func (r *PaymentResult) Succeeded() bool {
	return r != nil && r.Payment != nil && r.Payment.Status == models.PaymentStatusCompleted
}

// ProcessPayment charges a pending or failed order through the gateway. The
// payment row, the order status, the subscription effect of the order and
// the user's total paid are written in one transaction. A declined charge is
// not an error: the order and payment come back failed.
func (s *Service) ProcessPayment(ctx context.Context, id uint64, in PaymentInput) (*PaymentResult, error) {
	gateway := s.payments.Gateway()
	if gateway == nil {
		return nil, apperr.Validation("gateway", "no payment gateway configured")
	}
	order, errGet := s.Get(ctx, id)
	if errGet != nil {
		return nil, errGet
	}
	if errPayable := checkPayable(order); errPayable != nil {
		return nil, errPayable
	}
	attempts, errAttempts := chargeAttempts(s.db.WithContext(ctx), order.ID)
	if errAttempts != nil {
		return nil, errAttempts
	}
	if attempts.pending > 0 {
		return nil, apperr.Conflict("order already has a pending payment")
	}
	method := strings.TrimSpace(in.PaymentMethod)
	if method == "" {
		method = order.PaymentMethod
	}

	charge, errCharge := gateway.Charge(ctx, payments.ChargeRequest{
		Reference:     order.OrderNumber,
		Attempt:       attempts.total + 1,
		Amount:        order.TotalAmount,
		Currency:      order.Currency,
		PaymentMethod: method,
		Description:   fmt.Sprintf("Order %s", order.OrderNumber),
	})
	if errCharge != nil {
		log.WithError(errCharge).WithField("order", order.OrderNumber).Error("gateway charge failed")
		charge = payments.ChargeResult{Status: payments.ChargeDeclined, FailureReason: "payment gateway unavailable"}
	}

	result := &PaymentResult{}
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, errLoad := lockOrder(tx, id)
		if errLoad != nil {
			return errLoad
		}
		errPayable := checkPayable(locked)
		if errPayable == nil {
			current, errCount := chargeAttempts(tx, locked.ID)
			if errCount != nil {
				return errCount
			}
			if current.pending > 0 {
				errPayable = apperr.Conflict("order already has a pending payment")
			}
		}
		if errPayable != nil {
			if charge.Status != payments.ChargeDeclined {
				log.WithFields(log.Fields{
					"order":       locked.OrderNumber,
					"transaction": charge.TransactionID,
				}).Error("order changed while charging; captured payment needs manual review")
			}
			return errPayable
		}

		now := s.now()
		payment := &models.Payment{
			UserID:         locked.UserID,
			OrderID:        &locked.ID,
			SubscriptionID: locked.SubscriptionID,
			Amount:         locked.TotalAmount,
			Currency:       locked.Currency,
			PaymentType:    models.PaymentTypeOneTime,
			PaymentMethod:  method,
			Gateway:        gateway.Name(),
			TransactionID:  charge.TransactionID,
			Description:    fmt.Sprintf("Order %s", locked.OrderNumber),
			CreatedAt:      now,
		}
		if locked.SubscriptionID != nil {
			payment.PaymentType = models.PaymentTypeSubscription
		}
		switch charge.Status {
		case payments.ChargeSucceeded:
			payment.Status = models.PaymentStatusCompleted
			payment.PaidAt = &now
		case payments.ChargePending:
			payment.Status = models.PaymentStatusPending
		default:
			payment.Status = models.PaymentStatusFailed
			payment.FailureReason = charge.FailureReason
		}
		if errRecord := payments.RecordPayment(tx, payment); errRecord != nil {
			return errRecord
		}

		locked.PaymentMethod = method
		switch payment.Status {
		case models.PaymentStatusCompleted:
			if errPaid := s.markPaid(tx, locked, now); errPaid != nil {
				return errPaid
			}
		case models.PaymentStatusFailed:
			if errFailed := s.markFailed(tx, locked, now); errFailed != nil {
				return errFailed
			}
		default:
			locked.UpdatedAt = now
			if errSave := tx.Save(locked).Error; errSave != nil {
				return fmt.Errorf("save order: %w", errSave)
			}
		}
		result.Order = locked
		result.Payment = payment
		return nil
	})
	if errTx != nil {
		return nil, errTx
	}
	s.metrics.PaymentRecorded(string(result.Payment.PaymentType), string(result.Payment.Status))
	return result, nil
}

// SettleOrder applies a settled payment to its order. It implements
// payments.OrderSettler for webhook and manual settlement.
func (s *Service) SettleOrder(tx *gorm.DB, payment *models.Payment, succeeded bool, now time.Time) error {
	if payment == nil || payment.OrderID == nil {
		return nil
	}
	order, errLoad := lockOrder(tx, *payment.OrderID)
	if errLoad != nil {
		return errLoad
	}
	if !order.Status.Payable() {
		return nil
	}
	if payment.PaymentMethod != "" {
		order.PaymentMethod = payment.PaymentMethod
	}
	if succeeded {
		return s.markPaid(tx, order, now)
	}
	return s.markFailed(tx, order, now)
}

func (s *Service) markPaid(tx *gorm.DB, order *models.Order, now time.Time) error {
	order.Status = models.OrderStatusCompleted
	order.PaymentStatus = models.OrderPaymentPaid
	order.PaidAt = &now
	order.UpdatedAt = now
	if errSave := tx.Save(order).Error; errSave != nil {
		return fmt.Errorf("save order: %w", errSave)
	}
	return s.subscriptions.ApplyPaidOrder(tx, order, now)
}

func (s *Service) markFailed(tx *gorm.DB, order *models.Order, now time.Time) error {
	order.Status = models.OrderStatusFailed
	order.PaymentStatus = models.OrderPaymentFailed
	order.UpdatedAt = now
	if errSave := tx.Save(order).Error; errSave != nil {
		return fmt.Errorf("save order: %w", errSave)
	}
	return nil
}

type attemptCount struct {
	total   int64
	pending int64
}

// chargeAttempts counts the non-refund payments recorded against an order.
func chargeAttempts(conn *gorm.DB, orderID uint64) (attemptCount, error) {
	var out attemptCount
	if errCount := conn.Model(&models.Payment{}).
		Where("order_id = ? AND payment_type <> ?", orderID, models.PaymentTypeRefund).
		Count(&out.total).Error; errCount != nil {
		return out, fmt.Errorf("count order payments: %w", errCount)
	}
	if out.total == 0 {
		return out, nil
	}
	if errCount := conn.Model(&models.Payment{}).
		Where("order_id = ? AND payment_type <> ? AND status = ?", orderID, models.PaymentTypeRefund, models.PaymentStatusPending).
		Count(&out.pending).Error; errCount != nil {
		return out, fmt.Errorf("count pending payments: %w", errCount)
	}
	return out, nil
}

func checkPayable(order *models.Order) error {
	if !order.Status.Payable() {
		return apperr.Conflict("order is %s and cannot be paid", order.Status)
	}
	if !order.TotalAmount.IsPositive() {
		return apperr.Conflict("order total is zero; nothing to charge")
	}
	return nil
}

// RefundInput asks for an order refund. A nil Amount refunds what is left.
type RefundInput struct {
	Amount *decimal.Decimal
	Reason string
}

// Refund returns money on a completed order against its captured payment.
// The subscription is not touched.
func (s *Service) Refund(ctx context.Context, id uint64, in RefundInput) (*payments.RefundOutcome, error) {
	var out *payments.RefundOutcome
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, errLoad := lockOrder(tx, id)
		if errLoad != nil {
			return errLoad
		}
		if order.Status != models.OrderStatusCompleted {
			return apperr.Conflict("order is %s; only completed orders can be refunded", order.Status)
		}
		remaining := order.Refundable()
		amount := remaining
		if in.Amount != nil {
			amount = in.Amount.Round(2)
		}
		if !amount.IsPositive() {
			return apperr.Validation("amount", "refund amount must be positive")
		}
		if amount.GreaterThan(remaining) {
			return apperr.Validation("amount", fmt.Sprintf("refund amount exceeds the refundable %s", remaining.StringFixed(2)))
		}

		var original models.Payment
		errFind := tx.
			Where("order_id = ? AND payment_type <> ? AND status IN ?", order.ID, models.PaymentTypeRefund,
				[]models.PaymentStatus{models.PaymentStatusCompleted, models.PaymentStatusPartiallyRefunded}).
			Order("id DESC").
			First(&original).Error
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return apperr.Conflict("order has no captured payment to refund")
		}
		if errFind != nil {
			return fmt.Errorf("load order payment: %w", errFind)
		}

		result, errRefund := s.payments.RefundInTx(ctx, tx, original.ID, payments.RefundInput{Amount: &amount, Reason: in.Reason})
		if errRefund != nil {
			return errRefund
		}
		out = result
		return nil
	})
	if errTx != nil {
		return nil, errTx
	}
	s.metrics.PaymentRecorded(string(models.PaymentTypeRefund), string(models.PaymentStatusCompleted))
	return out, nil
}
