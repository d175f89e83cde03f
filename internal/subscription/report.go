package subscription

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/estatedesk/billing/internal/billing"
	"github.com/estatedesk/billing/internal/models"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Overview summarizes the subscription book.
type Overview struct {
	Total            int64
	ByStatus         map[models.SubscriptionStatus]int64
	ActiveByCycle    map[models.BillingCycle]int
	RecurringRevenue decimal.Decimal // sum of active final amounts
	UpcomingRenewals int64           // active auto-renewing, billed within 7 days
	CurrentMonth     models.MonthlyReport
}

// Overview returns counts by status and cycle, recurring revenue and the
// current month's report.
func (s *Service) Overview(ctx context.Context) (*Overview, error) {
	conn := s.db.WithContext(ctx)
	now := s.now()

	type statusRow struct {
		Status models.SubscriptionStatus
		Count  int64
	}
	var statusRows []statusRow
	if errScan := conn.Model(&models.Subscription{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&statusRows).Error; errScan != nil {
		return nil, fmt.Errorf("count subscriptions by status: %w", errScan)
	}

	var active []models.Subscription
	if errFind := conn.
		Select("id", "plan_id", "billing_cycle", "final_amount", "auto_renew", "next_billing_date", "plan_snapshot").
		Where("status = ?", models.SubscriptionStatusActive).
		Find(&active).Error; errFind != nil {
		return nil, fmt.Errorf("load active subscriptions: %w", errFind)
	}

	out := &Overview{
		ByStatus: lo.SliceToMap(statusRows, func(r statusRow) (models.SubscriptionStatus, int64) {
			return r.Status, r.Count
		}),
		ActiveByCycle: lo.CountValuesBy(active, func(sub models.Subscription) models.BillingCycle {
			return sub.BillingCycle
		}),
		RecurringRevenue: lo.Reduce(active, func(acc decimal.Decimal, sub models.Subscription, _ int) decimal.Decimal {
			return acc.Add(sub.FinalAmount)
		}, decimal.Zero).Round(2),
		UpcomingRenewals: int64(lo.CountBy(active, func(sub models.Subscription) bool {
			return sub.AutoRenew && !sub.NextBillingDate.After(now.Add(7*24*time.Hour))
		})),
	}
	out.Total = lo.Sum(lo.Values(out.ByStatus))

	report, errReport := s.MonthlyReport(ctx, now)
	if errReport != nil {
		return nil, errReport
	}
	out.CurrentMonth = *report
	return out, nil
}

// MonthlyReport aggregates the calendar month containing at: new
// subscriptions and their revenue, the active plan distribution and the churn
// rate (cancelled this month over active at the month start).
func (s *Service) MonthlyReport(ctx context.Context, at time.Time) (*models.MonthlyReport, error) {
	return BuildMonthlyReport(s.db.WithContext(ctx), at, s.now())
}

// BuildMonthlyReport computes the report without saving it.
func BuildMonthlyReport(conn *gorm.DB, at, generatedAt time.Time) (*models.MonthlyReport, error) {
	monthStart, nextMonth := billing.MonthBounds(at)

	var created []models.Subscription
	if errFind := conn.
		Select("id", "final_amount").
		Where("created_at >= ? AND created_at < ?", monthStart, nextMonth).
		Find(&created).Error; errFind != nil {
		return nil, fmt.Errorf("load new subscriptions: %w", errFind)
	}
	revenue := lo.Reduce(created, func(acc decimal.Decimal, sub models.Subscription, _ int) decimal.Decimal {
		return acc.Add(sub.FinalAmount)
	}, decimal.Zero).Round(2)

	var active []models.Subscription
	if errFind := conn.
		Select("id", "plan_id", "plan_snapshot").
		Where("status = ?", models.SubscriptionStatusActive).
		Find(&active).Error; errFind != nil {
		return nil, fmt.Errorf("load active subscriptions: %w", errFind)
	}
	byPlan := lo.GroupBy(active, func(sub models.Subscription) uint64 { return sub.PlanID })
	distribution := make([]models.PlanShare, 0, len(byPlan))
	for planID, subs := range byPlan {
		distribution = append(distribution, models.PlanShare{
			PlanID: planID,
			Name:   subs[0].Snapshot().Name,
			Count:  int64(len(subs)),
		})
	}
	sort.Slice(distribution, func(i, j int) bool {
		if distribution[i].Count != distribution[j].Count {
			return distribution[i].Count > distribution[j].Count
		}
		return distribution[i].PlanID < distribution[j].PlanID
	})

	var activeAtStart int64
	if errCount := conn.Model(&models.Subscription{}).
		Where("created_at < ?", monthStart).
		Where(
			"status IN ? OR (status = ? AND cancelled_at >= ?) OR (status = ? AND end_date >= ?)",
			[]models.SubscriptionStatus{models.SubscriptionStatusActive, models.SubscriptionStatusInactive},
			models.SubscriptionStatusCancelled, monthStart,
			models.SubscriptionStatusExpired, monthStart,
		).
		Count(&activeAtStart).Error; errCount != nil {
		return nil, fmt.Errorf("count active at month start: %w", errCount)
	}

	var cancelled int64
	if errCount := conn.Model(&models.Subscription{}).
		Where("status = ? AND cancelled_at >= ? AND cancelled_at < ?", models.SubscriptionStatusCancelled, monthStart, nextMonth).
		Count(&cancelled).Error; errCount != nil {
		return nil, fmt.Errorf("count cancelled this month: %w", errCount)
	}

	count := int64(len(created))
	return &models.MonthlyReport{
		Month:            monthStart.Format("2006-01"),
		NewSubscriptions: count,
		Revenue:          revenue,
		AverageRevenue:   billing.Average(revenue, count),
		ActiveAtStart:    activeAtStart,
		CancelledInMonth: cancelled,
		ChurnRate:        billing.ChurnRate(cancelled, activeAtStart),
		PlanDistribution: distribution,
		GeneratedAt:      generatedAt,
	}, nil
}
