// Package scheduler runs the periodic billing sweeps: expiring lapsed
// subscriptions, creating renewal orders, sending reminders and refreshing the
// monthly report.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/estatedesk/billing/internal/billing"
	"github.com/estatedesk/billing/internal/metrics"
	"github.com/estatedesk/billing/internal/models"
	"github.com/estatedesk/billing/internal/subscription"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Sweep names, also used as lock and metric labels.
const (
	SweepExpire    = "expire"
	SweepRenewals  = "renewals"
	SweepReminders = "reminders"
	SweepReport    = "report"
)

// SweepNames lists every sweep in run order.
var SweepNames = []string{SweepExpire, SweepRenewals, SweepReminders, SweepReport}

// ErrLocked is returned when another run holds the sweep lock.
var ErrLocked = errors.New("scheduler: sweep already running")

// SweeperOptions configures a Sweeper.
type SweeperOptions struct {
	Now            func() time.Time
	Locker         Locker
	Notifier       Notifier
	Metrics        *metrics.Metrics
	RenewalWindow  time.Duration
	ReminderWindow time.Duration
	LockTTL        time.Duration
}

// Sweeper implements the sweeps. Each item is handled in its own transaction;
// a failing item is logged and skipped.
type Sweeper struct {
	db             *gorm.DB
	subs           *subscription.Service
	now            func() time.Time
	locker         Locker
	notifier       Notifier
	metrics        *metrics.Metrics
	renewalWindow  time.Duration
	reminderWindow time.Duration
	lockTTL        time.Duration
}

// NewSweeper constructs a Sweeper with defaults for unset options.
func NewSweeper(conn *gorm.DB, subs *subscription.Service, opts SweeperOptions) *Sweeper {
	s := &Sweeper{
		db:             conn,
		subs:           subs,
		now:            opts.Now,
		locker:         opts.Locker,
		notifier:       opts.Notifier,
		metrics:        opts.Metrics,
		renewalWindow:  opts.RenewalWindow,
		reminderWindow: opts.ReminderWindow,
		lockTTL:        opts.LockTTL,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.locker == nil {
		s.locker = NewMemoryLocker()
	}
	if s.notifier == nil {
		s.notifier = LogNotifier{}
	}
	if s.renewalWindow <= 0 {
		s.renewalWindow = 24 * time.Hour
	}
	if s.reminderWindow <= 0 {
		s.reminderWindow = 7 * 24 * time.Hour
	}
	if s.lockTTL <= 0 {
		s.lockTTL = 10 * time.Minute
	}
	return s
}

// Run executes the named sweep under its lock and records metrics.
func (s *Sweeper) Run(ctx context.Context, name string) (int, error) {
	var fn func(context.Context) (int, error)
	switch name {
	case SweepExpire:
		fn = s.ExpireSubscriptions
	case SweepRenewals:
		fn = s.CreateRenewalOrders
	case SweepReminders:
		fn = s.SendReminders
	case SweepReport:
		fn = s.GenerateMonthlyReport
	default:
		return 0, fmt.Errorf("scheduler: unknown sweep %q", name)
	}

	release, ok, errLock := s.locker.TryLock(ctx, "sweep:"+name, s.lockTTL)
	if errLock != nil {
		return 0, fmt.Errorf("acquire %s lock: %w", name, errLock)
	}
	if !ok {
		s.metrics.SweepSkipped(name)
		return 0, ErrLocked
	}
	defer release()

	start := time.Now()
	affected, errRun := fn(ctx)
	s.metrics.SweepFinished(name, affected, time.Since(start), errRun)
	entry := log.WithFields(log.Fields{"sweep": name, "affected": affected, "duration": time.Since(start).String()})
	if errRun != nil {
		entry.WithError(errRun).Error("sweep failed")
	} else {
		entry.Info("sweep finished")
	}
	return affected, errRun
}

// ExpireSubscriptions flips active subscriptions whose end date has passed
// to expired and cascades the status to their users.
func (s *Sweeper) ExpireSubscriptions(ctx context.Context) (int, error) {
	var ids []uint64
	if errFind := s.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("status = ? AND end_date < ?", models.SubscriptionStatusActive, s.now().UTC()).
		Order("end_date ASC, id ASC").
		Pluck("id", &ids).Error; errFind != nil {
		return 0, fmt.Errorf("find lapsed subscriptions: %w", errFind)
	}
	expired := 0
	for _, id := range ids {
		if errCtx := ctx.Err(); errCtx != nil {
			return expired, errCtx
		}
		ok, errExpire := s.subs.Expire(ctx, id)
		if errExpire != nil {
			log.WithError(errExpire).WithField("subscription", id).Warn("expire subscription failed")
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

// CreateRenewalOrders creates one renewal order per auto-renewing
// subscription billed within the renewal window. Orders are keyed by
// subscription and billing date, so overlapping runs create nothing twice.
func (s *Sweeper) CreateRenewalOrders(ctx context.Context) (int, error) {
	due, errDue := subscription.DueForRenewal(s.db.WithContext(ctx), s.now().UTC(), s.renewalWindow)
	if errDue != nil {
		return 0, errDue
	}
	created := 0
	for _, sub := range due {
		if errCtx := ctx.Err(); errCtx != nil {
			return created, errCtx
		}
		order, errCreate := s.subs.CreateRenewalOrder(ctx, sub.ID)
		if errCreate != nil {
			log.WithError(errCreate).WithField("subscription", sub.ID).Warn("create renewal order failed")
			continue
		}
		if order != nil {
			created++
			log.WithFields(log.Fields{
				"subscription": sub.ID,
				"order":        order.OrderNumber,
				"amount":       order.TotalAmount.StringFixed(2),
			}).Info("renewal order created")
		}
	}
	return created, nil
}

// SendReminders notifies subscribers whose subscription renews or ends within
// the reminder window.
func (s *Sweeper) SendReminders(ctx context.Context) (int, error) {
	now := s.now().UTC()
	horizon := now.Add(s.reminderWindow)
	var subs []models.Subscription
	if errFind := s.db.WithContext(ctx).
		Preload("User").
		Where("status = ?", models.SubscriptionStatusActive).
		Where("(auto_renew = ? AND next_billing_date > ? AND next_billing_date <= ?) OR (auto_renew = ? AND end_date > ? AND end_date <= ?)",
			true, now, horizon, false, now, horizon).
		Order("id ASC").
		Find(&subs).Error; errFind != nil {
		return 0, fmt.Errorf("find subscriptions to remind: %w", errFind)
	}

	sent := 0
	for _, sub := range subs {
		reminder := Reminder{
			Kind:           ReminderExpiry,
			SubscriptionID: sub.ID,
			UserID:         sub.UserID,
			PlanName:       sub.Snapshot().Name,
			Due:            sub.EndDate,
			Amount:         sub.FinalAmount,
			Currency:       sub.Currency,
		}
		if sub.AutoRenew {
			reminder.Kind = ReminderRenewal
			reminder.Due = sub.NextBillingDate
		}
		if sub.User.ID != 0 {
			reminder.Username = sub.User.Username
			reminder.Email = sub.User.Email
		}
		if errNotify := s.notifier.Notify(ctx, reminder); errNotify != nil {
			log.WithError(errNotify).WithField("subscription", sub.ID).Warn("send reminder failed")
			continue
		}
		sent++
	}
	return sent, nil
}

// GenerateMonthlyReport refreshes the stored report of the current month and
// finalizes the previous one.
func (s *Sweeper) GenerateMonthlyReport(ctx context.Context) (int, error) {
	now := s.now().UTC()
	monthStart, _ := billing.MonthBounds(now)
	months := []time.Time{monthStart.AddDate(0, -1, 0), monthStart}

	written := 0
	for _, month := range months {
		report, errBuild := subscription.BuildMonthlyReport(s.db.WithContext(ctx), month, now)
		if errBuild != nil {
			return written, errBuild
		}
		if errSave := SaveMonthlyReport(s.db.WithContext(ctx), report); errSave != nil {
			return written, errSave
		}
		written++
	}
	return written, nil
}

// SaveMonthlyReport upserts a report by month.
func SaveMonthlyReport(conn *gorm.DB, report *models.MonthlyReport) error {
	columns := []string{
		"new_subscriptions", "revenue", "average_revenue", "active_at_start",
		"cancelled_in_month", "churn_rate", "plan_distribution", "generated_at", "updated_at",
	}
	if errUpsert := conn.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "month"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(report).Error; errUpsert != nil {
		return fmt.Errorf("save monthly report %s: %w", report.Month, errUpsert)
	}
	return nil
}

// StoredReports returns saved reports, newest month first.
func StoredReports(ctx context.Context, conn *gorm.DB, limit int) ([]models.MonthlyReport, error) {
	var rows []models.MonthlyReport
	if errFind := conn.WithContext(ctx).Order("month DESC").Limit(lo.Clamp(limit, 1, 120)).Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("list monthly reports: %w", errFind)
	}
	return rows, nil
}
