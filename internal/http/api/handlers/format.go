package handlers

import (
	"time"

	"github.com/estatedesk/billing/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

func money(d decimal.Decimal) string { return d.StringFixed(2) }

func formatTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func formatPlan(p *models.Plan) gin.H {
	return gin.H{
		"id":                  p.ID,
		"name":                p.Name,
		"slug":                p.Slug,
		"description":         p.Description,
		"price":               money(p.Price),
		"currency":            p.Currency,
		"billing_cycles":      p.BillingCycles,
		"features":            p.Features,
		"limits":              p.Limits.Data(),
		"cancellation_policy": p.CancellationPolicy.Data(),
		"status":              p.Status,
		"trial_days":          p.TrialDays,
		"sort_order":          p.SortOrder,
		"created_at":          formatTime(&p.CreatedAt),
		"updated_at":          formatTime(&p.UpdatedAt),
	}
}

func formatSubscription(s *models.Subscription) gin.H {
	return gin.H{
		"id":                   s.ID,
		"user_id":              s.UserID,
		"plan_id":              s.PlanID,
		"billing_cycle":        s.BillingCycle,
		"custom_interval_days": s.CustomIntervalDays,
		"status":               s.Status,
		"start_date":           formatTime(&s.StartDate),
		"end_date":             formatTime(&s.EndDate),
		"next_billing_date":    formatTime(&s.NextBillingDate),
		"trial_ends_at":        formatTime(s.TrialEndsAt),
		"auto_renew":           s.AutoRenew,
		"payment_method":       s.PaymentMethod,
		"total_amount":         money(s.TotalAmount),
		"discount":             money(s.Discount),
		"tax":                  money(s.Tax),
		"final_amount":         money(s.FinalAmount),
		"currency":             s.Currency,
		"plan":                 s.Snapshot(),
		"pending_order_id":     s.PendingOrderID,
		"activated_at":         formatTime(s.ActivatedAt),
		"cancelled_at":         formatTime(s.CancelledAt),
		"cancelled_by":         s.CancelledBy,
		"cancellation_reason":  s.CancellationReason,
		"last_renewed_at":      formatTime(s.LastRenewedAt),
		"renewal_count":        s.RenewalCount,
		"notes":                s.Notes,
		"created_at":           formatTime(&s.CreatedAt),
		"updated_at":           formatTime(&s.UpdatedAt),
	}
}

func formatOrder(o *models.Order) gin.H {
	if o == nil {
		return nil
	}
	items := make([]gin.H, 0, len(o.Items))
	for _, item := range o.Items {
		items = append(items, gin.H{
			"plan_id":     item.PlanID,
			"description": item.Description,
			"quantity":    item.Quantity,
			"unit_price":  money(item.UnitPrice),
			"amount":      money(item.Amount),
		})
	}
	out := gin.H{
		"id":              o.ID,
		"order_number":    o.OrderNumber,
		"user_id":         o.UserID,
		"subscription_id": o.SubscriptionID,
		"type":            o.Type,
		"items":           items,
		"subtotal":        money(o.Subtotal),
		"discount":        money(o.Discount),
		"tax":             money(o.Tax),
		"total_amount":    money(o.TotalAmount),
		"currency":        o.Currency,
		"status":          o.Status,
		"payment_status":  o.PaymentStatus,
		"payment_method":  o.PaymentMethod,
		"period_start":    formatTime(o.PeriodStart),
		"period_end":      formatTime(o.PeriodEnd),
		"target_plan_id":  o.TargetPlanID,
		"paid_at":         formatTime(o.PaidAt),
		"cancelled_at":    formatTime(o.CancelledAt),
		"refunded_amount": money(o.RefundedAmount),
		"refunded_at":     formatTime(o.RefundedAt),
		"notes":           o.Notes,
		"created_at":      formatTime(&o.CreatedAt),
		"updated_at":      formatTime(&o.UpdatedAt),
	}
	if o.TargetCycle != "" {
		out["target_cycle"] = o.TargetCycle
	}
	return out
}

func formatPayment(p *models.Payment) gin.H {
	if p == nil {
		return nil
	}
	return gin.H{
		"id":              p.ID,
		"user_id":         p.UserID,
		"order_id":        p.OrderID,
		"subscription_id": p.SubscriptionID,
		"amount":          money(p.Amount),
		"currency":        p.Currency,
		"payment_type":    p.PaymentType,
		"status":          p.Status,
		"payment_method":  p.PaymentMethod,
		"gateway":         p.Gateway,
		"transaction_id":  p.TransactionID,
		"refund_of_id":    p.RefundOfID,
		"refunded_amount": money(p.RefundedAmount),
		"failure_reason":  p.FailureReason,
		"description":     p.Description,
		"paid_at":         formatTime(p.PaidAt),
		"created_at":      formatTime(&p.CreatedAt),
		"updated_at":      formatTime(&p.UpdatedAt),
	}
}

func formatUser(u *models.User) gin.H {
	return gin.H{
		"id":                      u.ID,
		"username":                u.Username,
		"name":                    u.Name,
		"email":                   u.Email,
		"role":                    u.Role,
		"active":                  u.Active,
		"subscription_id":         u.SubscriptionID,
		"plan_id":                 u.PlanID,
		"subscription_status":     u.SubscriptionStatus,
		"subscription_expires_at": formatTime(u.SubscriptionExpiresAt),
		"total_paid":              money(u.TotalPaid),
		"created_at":              formatTime(&u.CreatedAt),
		"updated_at":              formatTime(&u.UpdatedAt),
	}
}

func formatReport(r *models.MonthlyReport) gin.H {
	out := gin.H{
		"month":              r.Month,
		"new_subscriptions":  r.NewSubscriptions,
		"revenue":            money(r.Revenue),
		"average_revenue":    money(r.AverageRevenue),
		"active_at_start":    r.ActiveAtStart,
		"cancelled_in_month": r.CancelledInMonth,
		"churn_rate":         r.ChurnRate,
		"plan_distribution":  r.PlanDistribution,
	}
	if !r.GeneratedAt.IsZero() {
		out["generated_at"] = formatTime(&r.GeneratedAt)
	}
	return out
}

func formatList[T any](rows []T, format func(*T) gin.H) []gin.H {
	out := make([]gin.H, 0, len(rows))
	for i := range rows {
		out = append(out, format(&rows[i]))
	}
	return out
}
