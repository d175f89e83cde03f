package subscription

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/estatedesk/billing/internal/apperr"
	"github.com/estatedesk/billing/internal/billing"
	"github.com/estatedesk/billing/internal/db"
	"github.com/estatedesk/billing/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// CancelInput records who cancelled and why.
type CancelInput struct {
	CancelledBy *uint64
	Reason      string
}

// Cancel moves a subscription to cancelled and turns off auto-renew. Open
// change orders are cancelled with it. Cancelling an already cancelled
// subscription returns it unchanged; an expired one is a Conflict.
func (s *Service) Cancel(ctx context.Context, id uint64, in CancelInput) (*models.Subscription, error) {
	var (
		sub     *models.Subscription
		changed bool
	)
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded, errLoad := lockSubscription(tx, id)
		if errLoad != nil {
			return errLoad
		}
		sub = loaded
		switch sub.Status {
		case models.SubscriptionStatusCancelled:
			return nil
		case models.SubscriptionStatusExpired:
			return apperr.Conflict("subscription already expired")
		}

		now := s.now()
		sub.Status = models.SubscriptionStatusCancelled
		sub.CancelledAt = &now
		sub.CancelledBy = in.CancelledBy
		sub.CancellationReason = strings.TrimSpace(in.Reason)
		sub.AutoRenew = false
		sub.PendingOrderID = nil

		var open []models.Order
		if errFind := tx.Where("subscription_id = ? AND status = ? AND type IN ?", sub.ID, models.OrderStatusPending,
			[]models.OrderType{models.OrderTypeUpgrade, models.OrderTypeDowngrade}).
			Find(&open).Error; errFind != nil {
			return fmt.Errorf("load open change orders: %w", errFind)
		}
		for i := range open {
			open[i].Status = models.OrderStatusCancelled
			open[i].CancelledAt = &now
			if errSave := tx.Save(&open[i]).Error; errSave != nil {
				return fmt.Errorf("cancel change order: %w", errSave)
			}
		}

		if errSave := saveSubscription(tx, sub); errSave != nil {
			return errSave
		}
		changed = true
		return SyncUser(tx, sub, now)
	})
	if errTx != nil {
		return nil, errTx
	}
	if changed {
		s.metrics.SubscriptionTransition(string(models.SubscriptionStatusCancelled))
	}
	return sub, nil
}

// Renew starts a new billing period and activates the subscription. A
// subscription still inside a paid period is extended from its end date;
// otherwise the new period starts now. Terminal subscriptions cannot renew.
func (s *Service) Renew(ctx context.Context, id uint64) (*models.Subscription, error) {
	var sub *models.Subscription
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded, errLoad := lockSubscription(tx, id)
		if errLoad != nil {
			return errLoad
		}
		sub = loaded
		if sub.Status.Terminal() {
			return apperr.Conflict("subscription is %s and cannot be renewed", sub.Status)
		}

		now := s.now()
		base := now
		if sub.Status == models.SubscriptionStatusActive && sub.EndDate.After(now) {
			base = sub.EndDate
		}
		period, errPeriod := billing.PeriodFrom(base, sub.BillingCycle, sub.CustomIntervalDays)
		if errPeriod != nil {
			return errPeriod
		}
		s.startPeriod(sub, period, now)
		if errSave := saveSubscription(tx, sub); errSave != nil {
			return errSave
		}
		return SyncUser(tx, sub, now)
	})
	if errTx != nil {
		return nil, errTx
	}
	s.metrics.SubscriptionTransition(string(models.SubscriptionStatusActive))
	return sub, nil
}

func (s *Service) startPeriod(sub *models.Subscription, period billing.Period, now time.Time) {
	sub.StartDate = period.Start
	sub.EndDate = period.End
	sub.NextBillingDate = period.NextBilling
	sub.Status = models.SubscriptionStatusActive
	if sub.ActivatedAt == nil {
		sub.ActivatedAt = &now
	}
	sub.LastRenewedAt = &now
	sub.RenewalCount++
}

// ApplyPaidOrder applies the effect of a paid order to its subscription inside
// the caller's transaction: new orders activate, upgrade orders swap the plan,
// renewal orders extend the period. Terminal subscriptions are left alone.
func (s *Service) ApplyPaidOrder(tx *gorm.DB, order *models.Order, now time.Time) error {
	if order == nil || order.SubscriptionID == nil {
		return nil
	}
	sub, errLoad := lockSubscription(tx, *order.SubscriptionID)
	if errLoad != nil {
		return errLoad
	}
	if sub.Status.Terminal() {
		log.WithFields(log.Fields{
			"order":        order.OrderNumber,
			"subscription": sub.ID,
			"status":       sub.Status,
		}).Warn("paid order targets a closed subscription; subscription left unchanged")
		return nil
	}

	switch order.Type {
	case models.OrderTypeNew:
		if sub.Status != models.SubscriptionStatusPending {
			return nil
		}
		period, errPeriod := billing.PeriodFrom(now, sub.BillingCycle, sub.CustomIntervalDays)
		if errPeriod != nil {
			return errPeriod
		}
		sub.StartDate = period.Start
		sub.EndDate = period.End
		sub.NextBillingDate = period.NextBilling
		sub.Status = models.SubscriptionStatusActive
		sub.ActivatedAt = &now
	case models.OrderTypeUpgrade:
		if order.TargetPlanID == nil || sub.PendingOrderID == nil || *sub.PendingOrderID != order.ID {
			return nil
		}
		s.applyPlan(sub, order.TargetSnapshot.Data())
		sub.PendingOrderID = nil
	case models.OrderTypeRenewal:
		if order.PeriodEnd == nil || !order.PeriodEnd.After(sub.EndDate) {
			return nil
		}
		if order.PeriodStart != nil {
			sub.StartDate = *order.PeriodStart
		}
		sub.EndDate = *order.PeriodEnd
		if sub.NextBillingDate.Before(sub.EndDate) {
			sub.NextBillingDate = sub.EndDate
		}
		sub.Status = models.SubscriptionStatusActive
		sub.LastRenewedAt = &now
		sub.RenewalCount++
	default:
		return nil
	}

	if errSave := saveSubscription(tx, sub); errSave != nil {
		return errSave
	}
	if errSync := SyncUser(tx, sub, now); errSync != nil {
		return errSync
	}
	s.metrics.SubscriptionTransition(string(sub.Status))
	return nil
}

// ReleaseOrder clears a subscription's pending change order reference when
// that order is cancelled.
func (s *Service) ReleaseOrder(tx *gorm.DB, order *models.Order) error {
	if order == nil || order.SubscriptionID == nil {
		return nil
	}
	if errUpdate := tx.Model(&models.Subscription{}).
		Where("id = ? AND pending_order_id = ?", *order.SubscriptionID, order.ID).
		Updates(map[string]any{"pending_order_id": nil, "updated_at": s.now()}).Error; errUpdate != nil {
		return fmt.Errorf("release pending order: %w", errUpdate)
	}
	return nil
}

// Expire flips an active subscription whose end date has passed to expired
// and cascades the status to its user. It reports false when the
// subscription no longer qualifies.
func (s *Service) Expire(ctx context.Context, id uint64) (bool, error) {
	expired := false
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, errLoad := lockSubscription(tx, id)
		if errLoad != nil {
			return errLoad
		}
		now := s.now()
		if sub.Status != models.SubscriptionStatusActive || !sub.EndDate.Before(now) {
			return nil
		}
		sub.Status = models.SubscriptionStatusExpired
		sub.AutoRenew = false
		if errSave := saveSubscription(tx, sub); errSave != nil {
			return errSave
		}
		expired = true
		return SyncUser(tx, sub, now)
	})
	if errTx != nil {
		return false, errTx
	}
	if expired {
		s.metrics.SubscriptionTransition(string(models.SubscriptionStatusExpired))
	}
	return expired, nil
}

// CreateRenewalOrder creates the renewal order for a subscription's next
// billing date and advances that date by one cycle. The order carries a
// renewal key, so a second call for the same billing date creates nothing
// and returns a nil order.
func (s *Service) CreateRenewalOrder(ctx context.Context, id uint64) (*models.Order, error) {
	var created *models.Order
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, errLoad := lockSubscription(tx, id)
		if errLoad != nil {
			return errLoad
		}
		if sub.Status != models.SubscriptionStatusActive || !sub.AutoRenew {
			return nil
		}

		now := s.now()
		billingDate := sub.NextBillingDate
		periodStart := billingDate
		if sub.EndDate.After(periodStart) {
			periodStart = sub.EndDate
		}
		period, errPeriod := billing.PeriodFrom(periodStart, sub.BillingCycle, sub.CustomIntervalDays)
		if errPeriod != nil {
			return errPeriod
		}
		next, errNext := billing.AddCycle(billingDate, sub.BillingCycle, sub.CustomIntervalDays)
		if errNext != nil {
			return errNext
		}

		snap := sub.Snapshot()
		amounts := billing.Amounts{Total: sub.TotalAmount, Discount: sub.Discount, Tax: sub.Tax}
		if snap.CyclePrice.IsPositive() {
			// Renewals bill the plan's cycle price; creation-time discounts do not recur.
			amounts = billing.ComputeAmounts(snap.CyclePrice, snap.CycleDiscount, billing.TaxFor(snap.DiscountedPrice, s.taxRate))
		}
		key := billing.RenewalKey(sub.ID, billingDate)
		order := models.Order{
			OrderNumber:    billing.NewOrderNumber(now),
			UserID:         sub.UserID,
			SubscriptionID: &sub.ID,
			Type:           models.OrderTypeRenewal,
			Items: []models.OrderItem{{
				PlanID:      snap.PlanID,
				Description: fmt.Sprintf("%s renewal (%s)", snap.Name, sub.BillingCycle),
				Quantity:    1,
				UnitPrice:   amounts.Total,
			}},
			Discount:      amounts.Discount,
			Tax:           amounts.Tax,
			Currency:      sub.Currency,
			Status:        models.OrderStatusPending,
			PaymentStatus: models.OrderPaymentPending,
			PaymentMethod: sub.PaymentMethod,
			PeriodStart:   &period.Start,
			PeriodEnd:     &period.End,
			RenewalKey:    &key,
		}
		res := db.InsertIgnoringConflict(tx, &order, "renewal_key")
		if res.Error != nil {
			return fmt.Errorf("create renewal order: %w", res.Error)
		}

		sub.NextBillingDate = next
		if errSave := saveSubscription(tx, sub); errSave != nil {
			return errSave
		}
		if res.RowsAffected > 0 {
			created = &order
		}
		return nil
	})
	if errTx != nil {
		return nil, errTx
	}
	if created != nil {
		s.metrics.OrderCreated(string(models.OrderTypeRenewal))
	}
	return created, nil
}
