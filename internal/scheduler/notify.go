package scheduler

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// ReminderKind says what the subscriber is reminded of.
type ReminderKind string

// ReminderKind constants.
const (
	ReminderRenewal ReminderKind = "renewal" // auto-renew will bill soon
	ReminderExpiry  ReminderKind = "expiry"  // period ends without renewal
)

// Reminder is one upcoming billing event for a subscriber.
type Reminder struct {
	Kind           ReminderKind
	SubscriptionID uint64
	UserID         uint64
	Username       string
	Email          string
	PlanName       string
	Due            time.Time
	Amount         decimal.Decimal
	Currency       string
}

// Notifier delivers reminders.
type Notifier interface {
	Notify(ctx context.Context, r Reminder) error
}

// LogNotifier writes reminders to the log.
type LogNotifier struct{}

// Notify implements Notifier.
func (LogNotifier) Notify(_ context.Context, r Reminder) error {
	log.WithFields(log.Fields{
		"kind":         r.Kind,
		"subscription": r.SubscriptionID,
		"user":         r.Username,
		"email":        r.Email,
		"plan":         r.PlanName,
		"due":          r.Due.Format(time.RFC3339),
		"amount":       r.Amount.StringFixed(2) + " " + r.Currency,
	}).Info("subscription reminder")
	return nil
}
