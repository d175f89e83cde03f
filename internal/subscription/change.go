package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/estatedesk/billing/internal/apperr"
	"github.com/estatedesk/billing/internal/billing"
	"github.com/estatedesk/billing/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ChangeInput selects the new plan of a subscription.
type ChangeInput struct {
	PlanID   uint64
	Discount *decimal.Decimal // discount on the change order
	Tax      *decimal.Decimal // overrides the configured tax rate
	Notes    string
}

// ChangeResult describes a plan change.
type ChangeResult struct {
	Subscription *models.Subscription
	Order        *models.Order
	Direction    models.OrderType // upgrade or downgrade
	Applied      bool             // false while an upgrade waits for payment
}

// Change moves a subscription to another plan on its current billing cycle.
// The change is an upgrade when the new discounted price is higher than the
// snapshot price, otherwise a downgrade. Either way a pending order for the
// price difference is created. Downgrades and zero-priced changes take effect
// immediately; upgrades take effect once their order is paid. The plan rows
// are only read.
func (s *Service) Change(ctx context.Context, id uint64, in ChangeInput) (*ChangeResult, error) {
	if in.PlanID == 0 {
		return nil, apperr.Validation("plan_id", "plan_id is required")
	}
	if in.Discount != nil && in.Discount.IsNegative() {
		return nil, apperr.Validation("discount", "discount must not be negative")
	}
	if in.Tax != nil && in.Tax.IsNegative() {
		return nil, apperr.Validation("tax", "tax must not be negative")
	}

	result := &ChangeResult{}
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, errLoad := lockSubscription(tx, id)
		if errLoad != nil {
			return errLoad
		}
		switch sub.Status {
		case models.SubscriptionStatusActive, models.SubscriptionStatusPending:
		default:
			return apperr.Conflict("subscription is %s; only active or pending subscriptions can change plan", sub.Status)
		}
		if sub.PlanID == in.PlanID {
			return apperr.Validation("plan_id", "subscription is already on this plan")
		}
		if sub.PendingOrderID != nil {
			var open models.Order
			errFind := tx.First(&open, *sub.PendingOrderID).Error
			switch {
			case errFind == nil && open.Status == models.OrderStatusPending:
				return apperr.Conflict("plan change order %s is awaiting payment", open.OrderNumber)
			case errFind != nil && !errors.Is(errFind, gorm.ErrRecordNotFound):
				return fmt.Errorf("load pending order: %w", errFind)
			}
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

		now := s.now()
		oldSnap := sub.Snapshot()
		newSnap := billing.Snapshot(&plan, sub.BillingCycle, now)
		diff := newSnap.DiscountedPrice.Sub(oldSnap.DiscountedPrice)

		direction := models.OrderTypeDowngrade
		if diff.IsPositive() {
			direction = models.OrderTypeUpgrade
		}
		price := diff.Abs().Round(2)

		discount := decimal.Zero
		if in.Discount != nil {
			discount = *in.Discount
		}
		if discount.GreaterThan(price) {
			return apperr.Validation("discount", "discount exceeds the change price")
		}
		tax := billing.TaxFor(price.Sub(discount), s.taxRate)
		if in.Tax != nil {
			tax = *in.Tax
		}

		verb := "Downgrade"
		if direction == models.OrderTypeUpgrade {
			verb = "Upgrade"
		}
		order := models.Order{
			OrderNumber:    billing.NewOrderNumber(now),
			UserID:         sub.UserID,
			SubscriptionID: &sub.ID,
			Type:           direction,
			Items: []models.OrderItem{{
				PlanID:      plan.ID,
				Description: fmt.Sprintf("%s from %s to %s (%s)", verb, oldSnap.Name, plan.Name, sub.BillingCycle),
				Quantity:    1,
				UnitPrice:   price,
			}},
			Discount:       discount,
			Tax:            tax,
			Currency:       sub.Currency,
			Status:         models.OrderStatusPending,
			PaymentStatus:  models.OrderPaymentPending,
			PaymentMethod:  sub.PaymentMethod,
			TargetPlanID:   &plan.ID,
			TargetSnapshot: datatypes.NewJSONType(newSnap),
			TargetCycle:    sub.BillingCycle,
			Notes:          strings.TrimSpace(in.Notes),
		}
		order.Recalculate()

		applyNow := direction == models.OrderTypeDowngrade || !order.TotalAmount.IsPositive()
		if !order.TotalAmount.IsPositive() {
			order.Status = models.OrderStatusCompleted
			order.PaymentStatus = models.OrderPaymentPaid
			order.PaidAt = &now
		}
		if errCreate := tx.Save(&order).Error; errCreate != nil {
			return fmt.Errorf("create change order: %w", errCreate)
		}

		if applyNow {
			s.applyPlan(sub, newSnap)
			sub.PendingOrderID = nil
		} else {
			sub.PendingOrderID = &order.ID
		}
		if errSave := saveSubscription(tx, sub); errSave != nil {
			return errSave
		}
		if errSync := SyncUser(tx, sub, now); errSync != nil {
			return errSync
		}

		result.Subscription = sub
		result.Order = &order
		result.Direction = direction
		result.Applied = applyNow
		return nil
	})
	if errTx != nil {
		return nil, errTx
	}
	s.metrics.OrderCreated(string(result.Direction))
	return result, nil
}

// applyPlan swaps the subscription onto the snapshot's plan and recomputes
// the committed per-cycle amounts from it.
func (s *Service) applyPlan(sub *models.Subscription, snap models.PlanSnapshot) {
	tax := billing.TaxFor(snap.DiscountedPrice, s.taxRate)
	amounts := billing.ComputeAmounts(snap.CyclePrice, snap.CycleDiscount, tax)

	sub.PlanID = snap.PlanID
	sub.PlanSnapshot = datatypes.NewJSONType(snap)
	sub.TotalAmount = amounts.Total
	sub.Discount = amounts.Discount
	sub.Tax = amounts.Tax
	sub.FinalAmount = amounts.Final
	if snap.Currency != "" {
		sub.Currency = snap.Currency
	}
}
