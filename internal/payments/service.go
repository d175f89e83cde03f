package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/estatedesk/billing/internal/apperr"
	"github.com/estatedesk/billing/internal/db"
	"github.com/estatedesk/billing/internal/metrics"
	"github.com/estatedesk/billing/internal/models"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// OrderSettler applies the outcome of an asynchronously settled payment to
// its order inside the caller's transaction.
type OrderSettler interface {
	SettleOrder(tx *gorm.DB, payment *models.Payment, succeeded bool, now time.Time) error
}

// Options configures a Service.
type Options struct {
	Now      func() time.Time
	Metrics  *metrics.Metrics
	Gateway  Gateway
	Currency string
}

// Service keeps the payment ledger.
type Service struct {
	db       *gorm.DB
	now      func() time.Time
	metrics  *metrics.Metrics
	gateway  Gateway
	currency string
	settler  OrderSettler
}

// NewService constructs a Service.
func NewService(conn *gorm.DB, opts Options) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	currency := strings.ToUpper(strings.TrimSpace(opts.Currency))
	if currency == "" {
		currency = "USD"
	}
	return &Service{
		db:       conn,
		now:      func() time.Time { return now().UTC() },
		metrics:  opts.Metrics,
		gateway:  opts.Gateway,
		currency: currency,
	}
}

// SetSettler registers the order side of asynchronous settlement.
func (s *Service) SetSettler(settler OrderSettler) { s.settler = settler }

// Gateway returns the configured gateway.
func (s *Service) Gateway() Gateway { return s.gateway }

// ListFilter narrows List.
type ListFilter struct {
	UserID         uint64
	OrderID        uint64
	SubscriptionID uint64
	Status         string
	PaymentType    string
	Page           db.Page
}

// List returns payments newest first.
func (s *Service) List(ctx context.Context, f ListFilter) ([]models.Payment, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.Payment{})
	if f.UserID != 0 {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.OrderID != 0 {
		q = q.Where("order_id = ?", f.OrderID)
	}
	if f.SubscriptionID != 0 {
		q = q.Where("subscription_id = ?", f.SubscriptionID)
	}
	if status := strings.TrimSpace(f.Status); status != "" {
		if !models.PaymentStatus(status).Valid() {
			return nil, 0, apperr.Validation("status", "unknown payment status")
		}
		q = q.Where("status = ?", status)
	}
	if paymentType := strings.TrimSpace(f.PaymentType); paymentType != "" {
		if !models.PaymentType(paymentType).Valid() {
			return nil, 0, apperr.Validation("payment_type", "unknown payment type")
		}
		q = q.Where("payment_type = ?", paymentType)
	}
	var total int64
	if errCount := q.Count(&total).Error; errCount != nil {
		return nil, 0, fmt.Errorf("count payments: %w", errCount)
	}
	var rows []models.Payment
	if errFind := f.Page.Apply(q.Order("created_at DESC, id DESC")).Find(&rows).Error; errFind != nil {
		return nil, 0, fmt.Errorf("list payments: %w", errFind)
	}
	return rows, total, nil
}

// Get loads a payment by id.
func (s *Service) Get(ctx context.Context, id uint64) (*models.Payment, error) {
	var payment models.Payment
	if errFind := s.db.WithContext(ctx).First(&payment, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("payment")
		}
		return nil, fmt.Errorf("load payment: %w", errFind)
	}
	return &payment, nil
}

// CreateInput records a payment taken outside the gateway.
type CreateInput struct {
	UserID         uint64
	OrderID        *uint64
	SubscriptionID *uint64
	Amount         decimal.Decimal
	Currency       string
	PaymentType    string
	Status         string // pending or completed
	PaymentMethod  string
	TransactionID  string
	Description    string
}

// Create records a manual payment. A completed payment counts towards the
// user's total paid immediately.
func (s *Service) Create(ctx context.Context, in CreateInput) (*models.Payment, error) {
	if !in.Amount.IsPositive() {
		return nil, apperr.Validation("amount", "amount must be positive")
	}
	paymentType := models.PaymentType(strings.TrimSpace(in.PaymentType))
	if paymentType == "" {
		paymentType = models.PaymentTypeOneTime
		if in.SubscriptionID != nil {
			paymentType = models.PaymentTypeSubscription
		}
	}
	if paymentType != models.PaymentTypeOneTime && paymentType != models.PaymentTypeSubscription {
		return nil, apperr.Validation("payment_type", "payment_type must be one_time or subscription")
	}
	status := models.PaymentStatus(strings.TrimSpace(in.Status))
	if status == "" {
		status = models.PaymentStatusCompleted
	}
	if status != models.PaymentStatusPending && status != models.PaymentStatusCompleted {
		return nil, apperr.Validation("status", "status must be pending or completed")
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = s.currency
	}

	now := s.now()
	payment := &models.Payment{
		UserID:         in.UserID,
		OrderID:        in.OrderID,
		SubscriptionID: in.SubscriptionID,
		Amount:         in.Amount.Round(2),
		Currency:       currency,
		PaymentType:    paymentType,
		Status:         status,
		PaymentMethod:  strings.TrimSpace(in.PaymentMethod),
		Gateway:        "manual",
		TransactionID:  strings.TrimSpace(in.TransactionID),
		Description:    strings.TrimSpace(in.Description),
		CreatedAt:      now,
	}
	if status == models.PaymentStatusCompleted {
		payment.PaidAt = &now
	}

	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errUser := ensureUser(tx, in.UserID); errUser != nil {
			return errUser
		}
		if in.OrderID != nil {
			var order models.Order
			if errFind := tx.Select("id", "user_id", "subscription_id", "status", "total_amount").First(&order, *in.OrderID).Error; errFind != nil {
				if errors.Is(errFind, gorm.ErrRecordNotFound) {
					return apperr.NotFound("order")
				}
				return fmt.Errorf("load order: %w", errFind)
			}
			if order.UserID != in.UserID {
				return apperr.Validation("order_id", "order belongs to another user")
			}
			if order.Status.Payable() && payment.Amount.LessThan(order.TotalAmount) {
				return apperr.Validation("amount", fmt.Sprintf("payment amount is below the order total %s", order.TotalAmount.StringFixed(2)))
			}
			if payment.SubscriptionID == nil {
				payment.SubscriptionID = order.SubscriptionID
			}
		}
		if errRecord := RecordPayment(tx, payment); errRecord != nil {
			return errRecord
		}
		if status == models.PaymentStatusCompleted && s.settler != nil && payment.OrderID != nil {
			return s.settler.SettleOrder(tx, payment, true, now)
		}
		return nil
	})
	if errTx != nil {
		return nil, errTx
	}
	s.metrics.PaymentRecorded(string(payment.PaymentType), string(payment.Status))
	return payment, nil
}

// UpdateInput is a partial payment update.
type UpdateInput struct {
	Status        *string
	Description   *string
	FailureReason *string
}

// Update changes a payment's description or settles a pending payment as
// completed, failed or cancelled.
func (s *Service) Update(ctx context.Context, id uint64, in UpdateInput) (*models.Payment, error) {
	var payment *models.Payment
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded, errLoad := lockPayment(tx, id)
		if errLoad != nil {
			return errLoad
		}
		payment = loaded
		if in.Description != nil {
			payment.Description = strings.TrimSpace(*in.Description)
		}
		if in.FailureReason != nil {
			payment.FailureReason = strings.TrimSpace(*in.FailureReason)
		}
		if next := paymentStatusPtr(in.Status); next != "" && next != payment.Status {
			if payment.Status != models.PaymentStatusPending {
				return apperr.Conflict("payment is %s; only pending payments change status", payment.Status)
			}
			switch next {
			case models.PaymentStatusCompleted, models.PaymentStatusFailed, models.PaymentStatusCancelled:
			default:
				return apperr.Validation("status", "status must be completed, failed or cancelled")
			}
			if next == models.PaymentStatusCompleted {
				order, errShort := underpaidOrder(tx, payment)
				if errShort != nil {
					return errShort
				}
				if order != nil {
					return apperr.Validation("amount", fmt.Sprintf("payment amount is below the order total %s", order.TotalAmount.StringFixed(2)))
				}
			}
			return s.settle(tx, payment, next, payment.FailureReason)
		}
		payment.UpdatedAt = s.now()
		if errSave := tx.Save(payment).Error; errSave != nil {
			return fmt.Errorf("save payment: %w", errSave)
		}
		return nil
	})
	if errTx != nil {
		return nil, errTx
	}
	return payment, nil
}

// HandleWebhook verifies a gateway notification and settles the pending
// payment it refers to. Unknown transactions and events are ignored.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) (*models.Payment, error) {
	if s.gateway == nil {
		return nil, apperr.Validation("gateway", "no payment gateway configured")
	}
	event, errVerify := s.gateway.VerifyWebhook(payload, signature)
	if errVerify != nil {
		if errors.Is(errVerify, ErrIgnoredEvent) {
			log.WithField("type", event.Type).Debug("webhook event ignored")
			return nil, nil
		}
		if errors.Is(errVerify, ErrInvalidSignature) {
			return nil, apperr.Validation("signature", "invalid webhook signature")
		}
		return nil, apperr.Validation("payload", "invalid webhook payload")
	}
	if strings.TrimSpace(event.TransactionID) == "" {
		return nil, nil
	}

	var payment *models.Payment
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var loaded models.Payment
		errFind := db.ForUpdate(tx).
			Where("transaction_id = ? AND gateway = ?", event.TransactionID, s.gateway.Name()).
			Order("id DESC").
			First(&loaded).Error
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			log.WithField("transaction", event.TransactionID).Warn("webhook for unknown transaction")
			return nil
		}
		if errFind != nil {
			return fmt.Errorf("load payment: %w", errFind)
		}
		payment = &loaded
		if loaded.Status != models.PaymentStatusPending {
			return nil
		}
		if !event.Amount.IsZero() && !event.Amount.Equal(loaded.Amount) {
			log.WithFields(log.Fields{
				"transaction": event.TransactionID,
				"expected":    loaded.Amount.StringFixed(2),
				"reported":    event.Amount.StringFixed(2),
			}).Warn("webhook amount differs from the recorded payment")
		}
		next := models.PaymentStatusFailed
		if event.Succeeded {
			next = models.PaymentStatusCompleted
		}
		return s.settle(tx, &loaded, next, event.FailureReason)
	})
	if errTx != nil {
		return nil, errTx
	}
	return payment, nil
}

// settle moves a pending payment to its final status and lets the order
// follow.
func (s *Service) settle(tx *gorm.DB, payment *models.Payment, next models.PaymentStatus, reason string) error {
	now := s.now()
	payment.Status = next
	payment.UpdatedAt = now
	if next == models.PaymentStatusCompleted {
		payment.PaidAt = &now
		payment.FailureReason = ""
	} else if reason != "" {
		payment.FailureReason = reason
	}
	if errSave := tx.Save(payment).Error; errSave != nil {
		return fmt.Errorf("save payment: %w", errSave)
	}
	if next == models.PaymentStatusCompleted {
		if errTotal := AdjustUserTotal(tx, payment.UserID, payment.SignedAmount(), now); errTotal != nil {
			return errTotal
		}
	}
	s.metrics.PaymentRecorded(string(payment.PaymentType), string(next))
	if s.settler == nil || payment.OrderID == nil || next == models.PaymentStatusCancelled {
		return nil
	}
	if next == models.PaymentStatusCompleted {
		order, errShort := underpaidOrder(tx, payment)
		if errShort != nil {
			return errShort
		}
		if order != nil {
			log.WithFields(log.Fields{
				"payment": payment.ID,
				"order":   order.OrderNumber,
				"amount":  payment.Amount.StringFixed(2),
				"total":   order.TotalAmount.StringFixed(2),
			}).Warn("payment is below the order total; order left unpaid")
			return nil
		}
	}
	return s.settler.SettleOrder(tx, payment, next == models.PaymentStatusCompleted, now)
}

// underpaidOrder returns the payment's order when it is still payable and the
// payment does not cover its total, or nil otherwise.
func underpaidOrder(tx *gorm.DB, payment *models.Payment) (*models.Order, error) {
	if payment.OrderID == nil || payment.PaymentType == models.PaymentTypeRefund {
		return nil, nil
	}
	var order models.Order
	errFind := tx.Select("id", "order_number", "status", "total_amount").First(&order, *payment.OrderID).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if errFind != nil {
		return nil, fmt.Errorf("load order: %w", errFind)
	}
	if !order.Status.Payable() || !payment.Amount.LessThan(order.TotalAmount) {
		return nil, nil
	}
	return &order, nil
}

// RecordPayment inserts payment and, when it is completed, applies it to the
// user's total paid in the same transaction.
func RecordPayment(tx *gorm.DB, payment *models.Payment) error {
	if errCreate := tx.Create(payment).Error; errCreate != nil {
		return fmt.Errorf("create payment: %w", errCreate)
	}
	if payment.Status != models.PaymentStatusCompleted {
		return nil
	}
	return AdjustUserTotal(tx, payment.UserID, payment.SignedAmount(), payment.CreatedAt)
}

// AdjustUserTotal adds delta to the user's total paid.
func AdjustUserTotal(tx *gorm.DB, userID uint64, delta decimal.Decimal, now time.Time) error {
	res := tx.Model(&models.User{}).
		Where("id = ?", userID).
		Updates(map[string]any{
			"total_paid": gorm.Expr("total_paid + ?", delta),
			"updated_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("update user total paid: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("user")
	}
	return nil
}

func paymentStatusPtr(raw *string) models.PaymentStatus {
	if raw == nil {
		return ""
	}
	return models.PaymentStatus(strings.TrimSpace(*raw))
}

func ensureUser(tx *gorm.DB, userID uint64) error {
	var count int64
	if errCount := tx.Model(&models.User{}).Where("id = ?", userID).Count(&count).Error; errCount != nil {
		return fmt.Errorf("load user: %w", errCount)
	}
	if count == 0 {
		return apperr.NotFound("user")
	}
	return nil
}

func lockPayment(tx *gorm.DB, id uint64) (*models.Payment, error) {
	var payment models.Payment
	if errFind := db.ForUpdate(tx).First(&payment, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("payment")
		}
		return nil, fmt.Errorf("load payment: %w", errFind)
	}
	return &payment, nil
}
