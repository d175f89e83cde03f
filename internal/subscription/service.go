// Package subscription implements the subscription lifecycle: creation, plan
// changes, cancellation, renewal and the user cascade that follows each
// transition.
package subscription

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
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Options configures a Service.
type Options struct {
	Now      func() time.Time
	Metrics  *metrics.Metrics
	TaxRate  decimal.Decimal // percent applied when the caller gives no tax
	Currency string
}

// Service owns subscription state transitions.
type Service struct {
	db       *gorm.DB
	now      func() time.Time
	metrics  *metrics.Metrics
	taxRate  decimal.Decimal
	currency string
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
		taxRate:  opts.TaxRate,
		currency: currency,
	}
}

// CreateInput holds the parameters of a new subscription.
type CreateInput struct {
	UserID             uint64
	PlanID             uint64
	BillingCycle       string
	CustomIntervalDays int
	PaymentMethod      string
	Discount           *decimal.Decimal // extra discount on top of the cycle discount
	Tax                *decimal.Decimal // overrides the configured tax rate
	AutoRenew          *bool
	Notes              string
	Activate           bool // activate without waiting for payment
}

// CreateResult is the subscription and its first order, if any.
type CreateResult struct {
	Subscription *models.Subscription
	Order        *models.Order
}

// Create opens a subscription for a user. It fails with Conflict when the user
// already has an active or pending subscription.
func (s *Service) Create(ctx context.Context, in CreateInput) (*CreateResult, error) {
	cycle, errCycle := billing.ParseCycle(in.BillingCycle)
	if errCycle != nil {
		return nil, errCycle
	}
	if in.UserID == 0 {
		return nil, apperr.Validation("user_id", "user_id is required")
	}
	if in.PlanID == 0 {
		return nil, apperr.Validation("plan_id", "plan_id is required")
	}
	if in.Discount != nil && in.Discount.IsNegative() {
		return nil, apperr.Validation("discount", "discount must not be negative")
	}
	if in.Tax != nil && in.Tax.IsNegative() {
		return nil, apperr.Validation("tax", "tax must not be negative")
	}

	now := s.now()
	period, errPeriod := billing.PeriodFrom(now, cycle, in.CustomIntervalDays)
	if errPeriod != nil {
		return nil, errPeriod
	}

	result := &CreateResult{}
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user models.User
		if errFind := db.ForUpdate(tx).First(&user, in.UserID).Error; errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				return apperr.NotFound("user")
			}
			return fmt.Errorf("load user: %w", errFind)
		}
		if !user.Active {
			return apperr.Validation("user_id", "user is disabled")
		}

		var plan models.Plan
		if errFind := tx.First(&plan, in.PlanID).Error; errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				return apperr.NotFound("plan")
			}
			return fmt.Errorf("load plan: %w", errFind)
		}
		if plan.Status != models.PlanStatusActive {
			return apperr.Validation("plan_id", "plan is not available for new subscriptions")
		}

		var open int64
		if errCount := tx.Model(&models.Subscription{}).
			Where("user_id = ? AND status IN ?", user.ID, openStatuses).
			Count(&open).Error; errCount != nil {
			return fmt.Errorf("count open subscriptions: %w", errCount)
		}
		if open > 0 {
			return apperr.Conflict("user already has an active or pending subscription")
		}

		quote := billing.PriceForCycle(&plan, cycle)
		discount := quote.Discount
		if in.Discount != nil {
			discount = discount.Add(*in.Discount)
		}
		if discount.GreaterThan(quote.Price) {
			return apperr.Validation("discount", "discount exceeds the cycle price")
		}
		tax := billing.TaxFor(quote.Price.Sub(discount), s.taxRate)
		if in.Tax != nil {
			tax = *in.Tax
		}
		amounts := billing.ComputeAmounts(quote.Price, discount, tax)

		currency := strings.ToUpper(strings.TrimSpace(plan.Currency))
		if currency == "" {
			currency = s.currency
		}
		autoRenew := true
		if in.AutoRenew != nil {
			autoRenew = *in.AutoRenew
		}

		sub := models.Subscription{
			UserID:             user.ID,
			PlanID:             plan.ID,
			BillingCycle:       cycle,
			CustomIntervalDays: in.CustomIntervalDays,
			Status:             models.SubscriptionStatusPending,
			StartDate:          period.Start,
			EndDate:            period.End,
			NextBillingDate:    period.NextBilling,
			AutoRenew:          autoRenew,
			PaymentMethod:      strings.TrimSpace(in.PaymentMethod),
			TotalAmount:        amounts.Total,
			Discount:           amounts.Discount,
			Tax:                amounts.Tax,
			FinalAmount:        amounts.Final,
			Currency:           currency,
			Notes:              strings.TrimSpace(in.Notes),
			CreatedAt:          now,
		}
		sub.PlanSnapshot = datatypes.NewJSONType(billing.Snapshot(&plan, cycle, now))
		if plan.TrialDays > 0 {
			trialEnd := now.AddDate(0, 0, plan.TrialDays)
			sub.TrialEndsAt = &trialEnd
		}
		// Free plans, trials and operator activations skip the payment gate.
		if in.Activate || amounts.Final.IsZero() || plan.TrialDays > 0 {
			sub.Status = models.SubscriptionStatusActive
			sub.ActivatedAt = &now
		}

		if errCreate := tx.Omit(clause.Associations).Create(&sub).Error; errCreate != nil {
			if db.IsUniqueViolation(errCreate) {
				return apperr.Conflict("user already has an active or pending subscription")
			}
			return fmt.Errorf("create subscription: %w", errCreate)
		}

		if amounts.Final.IsPositive() {
			order := models.Order{
				OrderNumber:    billing.NewOrderNumber(now),
				UserID:         user.ID,
				SubscriptionID: &sub.ID,
				Type:           models.OrderTypeNew,
				Items: []models.OrderItem{{
					PlanID:      plan.ID,
					Description: fmt.Sprintf("%s (%s)", plan.Name, cycle),
					Quantity:    1,
					UnitPrice:   amounts.Total,
				}},
				Discount:      amounts.Discount,
				Tax:           amounts.Tax,
				Currency:      currency,
				Status:        models.OrderStatusPending,
				PaymentStatus: models.OrderPaymentPending,
				PaymentMethod: sub.PaymentMethod,
				PeriodStart:   &period.Start,
				PeriodEnd:     &period.End,
			}
			if errCreate := tx.Save(&order).Error; errCreate != nil {
				return fmt.Errorf("create order: %w", errCreate)
			}
			result.Order = &order
		}

		if errSync := SyncUser(tx, &sub, now); errSync != nil {
			return errSync
		}
		result.Subscription = &sub
		return nil
	})
	if errTx != nil {
		return nil, errTx
	}

	s.metrics.SubscriptionTransition(string(result.Subscription.Status))
	if result.Order != nil {
		s.metrics.OrderCreated(string(result.Order.Type))
	}
	return result, nil
}

// openStatuses are the statuses that count toward the one-subscription rule.
var openStatuses = []models.SubscriptionStatus{models.SubscriptionStatusActive, models.SubscriptionStatusPending}

// Get loads a subscription by id.
func (s *Service) Get(ctx context.Context, id uint64) (*models.Subscription, error) {
	var sub models.Subscription
	if errFind := s.db.WithContext(ctx).First(&sub, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("subscription")
		}
		return nil, fmt.Errorf("load subscription: %w", errFind)
	}
	return &sub, nil
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	UserID       uint64
	PlanID       uint64
	Status       string
	BillingCycle string
	Page         db.Page
}

// List returns a page of subscriptions and the total match count.
func (s *Service) List(ctx context.Context, f ListFilter) ([]models.Subscription, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.Subscription{})
	if f.UserID > 0 {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.PlanID > 0 {
		q = q.Where("plan_id = ?", f.PlanID)
	}
	if status := strings.TrimSpace(f.Status); status != "" {
		if !models.SubscriptionStatus(status).Valid() {
			return nil, 0, apperr.Validation("status", "invalid status: "+status)
		}
		q = q.Where("status = ?", status)
	}
	if raw := strings.TrimSpace(f.BillingCycle); raw != "" {
		cycle, errCycle := billing.ParseCycle(raw)
		if errCycle != nil {
			return nil, 0, errCycle
		}
		q = q.Where("billing_cycle = ?", cycle)
	}

	var total int64
	if errCount := q.Count(&total).Error; errCount != nil {
		return nil, 0, fmt.Errorf("count subscriptions: %w", errCount)
	}
	var rows []models.Subscription
	if errFind := f.Page.Apply(q).Order("created_at DESC, id DESC").Find(&rows).Error; errFind != nil {
		return nil, 0, fmt.Errorf("list subscriptions: %w", errFind)
	}
	return rows, total, nil
}

// UpdateInput is a partial update; nil fields are left unchanged.
type UpdateInput struct {
	AutoRenew     *bool
	PaymentMethod *string
	Notes         *string
	Status        *string // only active or inactive
	PlanID        *uint64 // delegates to Change
}

// Validate checks the fields that can be rejected without loading the
// subscription.
func (in UpdateInput) Validate() error {
	if in.Status == nil {
		return nil
	}
	switch models.SubscriptionStatus(strings.ToLower(strings.TrimSpace(*in.Status))) {
	case models.SubscriptionStatusActive, models.SubscriptionStatusInactive:
		return nil
	default:
		return apperr.Validation("status", "status can only be set to active or inactive")
	}
}

// Update applies a partial update. Terminal subscriptions are read-only.
func (s *Service) Update(ctx context.Context, id uint64, in UpdateInput) (*models.Subscription, error) {
	if errValid := in.Validate(); errValid != nil {
		return nil, errValid
	}
	if in.PlanID != nil {
		current, errGet := s.Get(ctx, id)
		if errGet != nil {
			return nil, errGet
		}
		if current.PlanID != *in.PlanID {
			if _, errChange := s.Change(ctx, id, ChangeInput{PlanID: *in.PlanID}); errChange != nil {
				return nil, errChange
			}
		}
	}

	var (
		sub        models.Subscription
		transition string
	)
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded, errLoad := lockSubscription(tx, id)
		if errLoad != nil {
			return errLoad
		}
		sub = *loaded
		if sub.Status.Terminal() {
			return apperr.Conflict("subscription is %s and can no longer be modified", sub.Status)
		}

		now := s.now()
		updates := map[string]any{"updated_at": now}
		if in.AutoRenew != nil {
			updates["auto_renew"] = *in.AutoRenew
		}
		if in.PaymentMethod != nil {
			updates["payment_method"] = strings.TrimSpace(*in.PaymentMethod)
		}
		if in.Notes != nil {
			updates["notes"] = strings.TrimSpace(*in.Notes)
		}
		if in.Status != nil {
			next := models.SubscriptionStatus(strings.ToLower(strings.TrimSpace(*in.Status)))
			if next != sub.Status {
				if next == models.SubscriptionStatusActive {
					var open int64
					if errCount := tx.Model(&models.Subscription{}).
						Where("user_id = ? AND id <> ? AND status IN ?", sub.UserID, sub.ID, openStatuses).
						Count(&open).Error; errCount != nil {
						return fmt.Errorf("count open subscriptions: %w", errCount)
					}
					if open > 0 {
						return apperr.Conflict("user already has an active or pending subscription")
					}
					if sub.ActivatedAt == nil {
						updates["activated_at"] = now
					}
				}
				updates["status"] = next
				transition = string(next)
			}
		}

		if errUpdate := tx.Model(&sub).Updates(updates).Error; errUpdate != nil {
			return fmt.Errorf("update subscription: %w", errUpdate)
		}
		if errReload := tx.First(&sub, sub.ID).Error; errReload != nil {
			return fmt.Errorf("reload subscription: %w", errReload)
		}
		if transition != "" {
			return SyncUser(tx, &sub, now)
		}
		return nil
	})
	if errTx != nil {
		return nil, errTx
	}
	if transition != "" {
		s.metrics.SubscriptionTransition(transition)
	}
	return &sub, nil
}

// UpcomingRenewals lists active auto-renewing subscriptions billed within the window.
func (s *Service) UpcomingRenewals(ctx context.Context, within time.Duration) ([]models.Subscription, error) {
	return DueForRenewal(s.db.WithContext(ctx), s.now(), within)
}

// DueForRenewal lists active auto-renewing subscriptions whose next billing
// date falls before now+within, oldest first.
func DueForRenewal(conn *gorm.DB, now time.Time, within time.Duration) ([]models.Subscription, error) {
	var rows []models.Subscription
	if errFind := conn.
		Where("status = ? AND auto_renew = ?", models.SubscriptionStatusActive, true).
		Where("next_billing_date <= ?", now.Add(within)).
		Order("next_billing_date ASC, id ASC").
		Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("list upcoming renewals: %w", errFind)
	}
	return rows, nil
}

func lockSubscription(tx *gorm.DB, id uint64) (*models.Subscription, error) {
	var sub models.Subscription
	if errFind := db.ForUpdate(tx).First(&sub, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("subscription")
		}
		return nil, fmt.Errorf("load subscription: %w", errFind)
	}
	return &sub, nil
}

// SyncUser copies the subscription state onto the owning user's cached
// fields. A terminal subscription only overwrites the cache when it is the
// one the user points at, so an old record cannot clobber a newer one.
func SyncUser(tx *gorm.DB, sub *models.Subscription, now time.Time) error {
	updates := map[string]any{
		"subscription_id":         sub.ID,
		"plan_id":                 sub.PlanID,
		"subscription_status":     sub.Status,
		"subscription_expires_at": sub.EndDate,
		"updated_at":              now,
	}
	q := tx.Model(&models.User{}).Where("id = ?", sub.UserID)
	if sub.Status.Terminal() || sub.Status == models.SubscriptionStatusInactive {
		q = q.Where("subscription_id IS NULL OR subscription_id = ?", sub.ID)
	}
	if errUpdate := q.Updates(updates).Error; errUpdate != nil {
		return fmt.Errorf("sync user subscription: %w", errUpdate)
	}
	return nil
}

// saveSubscription writes every column of sub without touching associations.
func saveSubscription(tx *gorm.DB, sub *models.Subscription) error {
	if errSave := tx.Omit(clause.Associations).Save(sub).Error; errSave != nil {
		return fmt.Errorf("save subscription: %w", errSave)
	}
	return nil
}
