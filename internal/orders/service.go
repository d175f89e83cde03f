// Package orders manages billable orders and takes payment for them.
package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/estatedesk/billing/internal/apperr"
	"github.com/estatedesk/billing/internal/billing"
	"github.com/estatedesk/billing/internal/db"
	"github.com/estatedesk/billing/internal/metrics"
	"github.com/estatedesk/billing/internal/models"
	"github.com/estatedesk/billing/internal/payments"
	"github.com/estatedesk/billing/internal/subscription"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Options configures a Service.
type Options struct {
	Now      func() time.Time
	Metrics  *metrics.Metrics
	Currency string
}

// Service owns order state.
type Service struct {
	db            *gorm.DB
	now           func() time.Time
	metrics       *metrics.Metrics
	currency      string
	subscriptions *subscription.Service
	payments      *payments.Service
}

// NewService constructs a Service.
func NewService(conn *gorm.DB, subs *subscription.Service, pays *payments.Service, opts Options) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	currency := strings.ToUpper(strings.TrimSpace(opts.Currency))
	if currency == "" {
		currency = "USD"
	}
	return &Service{
		db:            conn,
		now:           func() time.Time { return now().UTC() },
		metrics:       opts.Metrics,
		currency:      currency,
		subscriptions: subs,
		payments:      pays,
	}
}

// ItemInput is one order line as submitted.
type ItemInput struct {
	PlanID      uint64
	Description string
	Quantity    int
	UnitPrice   decimal.Decimal
}

// CreateInput holds a manual order.
type CreateInput struct {
	UserID         uint64
	SubscriptionID *uint64
	Items          []ItemInput
	Discount       decimal.Decimal
	Tax            decimal.Decimal
	Currency       string
	PaymentMethod  string
	Notes          string
}

// Create inserts a pending one_time order, optionally linked to one of the
// user's subscriptions.
func (s *Service) Create(ctx context.Context, in CreateInput) (*models.Order, error) {
	items, errItems := buildItems(in.Items)
	if errItems != nil {
		return nil, errItems
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = s.currency
	}
	now := s.now()
	order := &models.Order{
		OrderNumber:    billing.NewOrderNumber(now),
		UserID:         in.UserID,
		SubscriptionID: in.SubscriptionID,
		Type:           models.OrderTypeOneTime,
		Items:          items,
		Discount:       in.Discount.Round(2),
		Tax:            in.Tax.Round(2),
		Currency:       currency,
		Status:         models.OrderStatusPending,
		PaymentStatus:  models.OrderPaymentPending,
		PaymentMethod:  strings.TrimSpace(in.PaymentMethod),
		Notes:          strings.TrimSpace(in.Notes),
		CreatedAt:      now,
	}
	order.Recalculate()
	if errAmounts := validateAmounts(order); errAmounts != nil {
		return nil, errAmounts
	}

	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user models.User
		if errFind := tx.Select("id").First(&user, in.UserID).Error; errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				return apperr.NotFound("user")
			}
			return fmt.Errorf("load user: %w", errFind)
		}
		if in.SubscriptionID != nil {
			var sub models.Subscription
			if errFind := tx.Select("id", "user_id").First(&sub, *in.SubscriptionID).Error; errFind != nil {
				if errors.Is(errFind, gorm.ErrRecordNotFound) {
					return apperr.NotFound("subscription")
				}
				return fmt.Errorf("load subscription: %w", errFind)
			}
			if sub.UserID != in.UserID {
				return apperr.Validation("subscription_id", "subscription belongs to another user")
			}
		}
		if errCreate := tx.Create(order).Error; errCreate != nil {
			return fmt.Errorf("create order: %w", errCreate)
		}
		return nil
	})
	if errTx != nil {
		return nil, errTx
	}
	s.metrics.OrderCreated(string(order.Type))
	return order, nil
}

// Get loads an order by id.
func (s *Service) Get(ctx context.Context, id uint64) (*models.Order, error) {
	var order models.Order
	if errFind := s.db.WithContext(ctx).First(&order, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("order")
		}
		return nil, fmt.Errorf("load order: %w", errFind)
	}
	return &order, nil
}

// ListFilter narrows List.
type ListFilter struct {
	UserID         uint64
	SubscriptionID uint64
	Status         string
	Type           string
	Page           db.Page
}

// List returns orders newest first.
func (s *Service) List(ctx context.Context, f ListFilter) ([]models.Order, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.Order{})
	if f.UserID != 0 {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.SubscriptionID != 0 {
		q = q.Where("subscription_id = ?", f.SubscriptionID)
	}
	if status := strings.TrimSpace(f.Status); status != "" {
		if !models.OrderStatus(status).Valid() {
			return nil, 0, apperr.Validation("status", "unknown order status")
		}
		q = q.Where("status = ?", status)
	}
	if orderType := strings.TrimSpace(f.Type); orderType != "" {
		if !models.OrderType(orderType).Valid() {
			return nil, 0, apperr.Validation("type", "unknown order type")
		}
		q = q.Where("type = ?", orderType)
	}
	var total int64
	if errCount := q.Count(&total).Error; errCount != nil {
		return nil, 0, fmt.Errorf("count orders: %w", errCount)
	}
	var rows []models.Order
	if errFind := f.Page.Apply(q.Order("created_at DESC, id DESC")).Find(&rows).Error; errFind != nil {
		return nil, 0, fmt.Errorf("list orders: %w", errFind)
	}
	return rows, total, nil
}

// UpdateInput is a partial order update.
type UpdateInput struct {
	Items         *[]ItemInput
	Discount      *decimal.Decimal
	Tax           *decimal.Decimal
	PaymentMethod *string
	Notes         *string
}

// Update edits a pending order. Lines and amounts are only editable on
// one_time orders; subscription orders are priced by the subscription.
func (s *Service) Update(ctx context.Context, id uint64, in UpdateInput) (*models.Order, error) {
	var order *models.Order
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded, errLoad := lockOrder(tx, id)
		if errLoad != nil {
			return errLoad
		}
		order = loaded
		if order.Status != models.OrderStatusPending {
			return apperr.Conflict("order is %s; only pending orders can be edited", order.Status)
		}
		repriced := in.Items != nil || in.Discount != nil || in.Tax != nil
		if repriced && order.Type != models.OrderTypeOneTime {
			return apperr.Conflict("%s orders are priced by their subscription", order.Type)
		}
		if repriced {
			attempts, errAttempts := chargeAttempts(tx, order.ID)
			if errAttempts != nil {
				return errAttempts
			}
			if attempts.pending > 0 {
				return apperr.Conflict("order has a pending payment and cannot be repriced")
			}
		}
		if in.Items != nil {
			items, errItems := buildItems(*in.Items)
			if errItems != nil {
				return errItems
			}
			order.Items = items
		}
		if in.Discount != nil {
			order.Discount = in.Discount.Round(2)
		}
		if in.Tax != nil {
			order.Tax = in.Tax.Round(2)
		}
		if in.PaymentMethod != nil {
			order.PaymentMethod = strings.TrimSpace(*in.PaymentMethod)
		}
		if in.Notes != nil {
			order.Notes = strings.TrimSpace(*in.Notes)
		}
		order.Recalculate()
		if errAmounts := validateAmounts(order); errAmounts != nil {
			return errAmounts
		}
		order.UpdatedAt = s.now()
		if errSave := tx.Save(order).Error; errSave != nil {
			return fmt.Errorf("save order: %w", errSave)
		}
		return nil
	})
	if errTx != nil {
		return nil, errTx
	}
	return order, nil
}

// Cancel withdraws a pending or failed order. A cancelled change order no
// longer blocks its subscription.
func (s *Service) Cancel(ctx context.Context, id uint64) (*models.Order, error) {
	var order *models.Order
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded, errLoad := lockOrder(tx, id)
		if errLoad != nil {
			return errLoad
		}
		order = loaded
		if order.Status == models.OrderStatusCancelled {
			return nil
		}
		if !order.Status.Payable() {
			return apperr.Conflict("order is %s and cannot be cancelled", order.Status)
		}
		now := s.now()
		order.Status = models.OrderStatusCancelled
		order.CancelledAt = &now
		order.UpdatedAt = now
		if errSave := tx.Save(order).Error; errSave != nil {
			return fmt.Errorf("save order: %w", errSave)
		}
		return s.subscriptions.ReleaseOrder(tx, order)
	})
	if errTx != nil {
		return nil, errTx
	}
	return order, nil
}

func buildItems(in []ItemInput) ([]models.OrderItem, error) {
	if len(in) == 0 {
		return nil, apperr.Validation("items", "at least one item is required")
	}
	items := make([]models.OrderItem, 0, len(in))
	for _, item := range in {
		if strings.TrimSpace(item.Description) == "" {
			return nil, apperr.Validation("items", "item description is required")
		}
		if item.Quantity < 1 {
			return nil, apperr.Validation("items", "item quantity must be at least 1")
		}
		if item.UnitPrice.IsNegative() {
			return nil, apperr.Validation("items", "item unit price must not be negative")
		}
		items = append(items, models.OrderItem{
			PlanID:      item.PlanID,
			Description: strings.TrimSpace(item.Description),
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice.Round(2),
		})
	}
	return items, nil
}

func validateAmounts(order *models.Order) error {
	if order.Discount.IsNegative() {
		return apperr.Validation("discount", "discount must not be negative")
	}
	if order.Discount.GreaterThan(order.Subtotal) {
		return apperr.Validation("discount", "discount exceeds the subtotal")
	}
	if order.Tax.IsNegative() {
		return apperr.Validation("tax", "tax must not be negative")
	}
	return nil
}

func lockOrder(tx *gorm.DB, id uint64) (*models.Order, error) {
	var order models.Order
	if errFind := db.ForUpdate(tx).First(&order, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("order")
		}
		return nil, fmt.Errorf("load order: %w", errFind)
	}
	return &order, nil
}
