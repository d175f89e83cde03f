package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/estatedesk/billing/internal/config"
	"github.com/estatedesk/billing/internal/db"
	"github.com/estatedesk/billing/internal/models"
	"github.com/estatedesk/billing/internal/subscription"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type recordingNotifier struct {
	reminders []Reminder
}

func (n *recordingNotifier) Notify(_ context.Context, r Reminder) error {
	n.reminders = append(n.reminders, r)
	return nil
}

type fixture struct {
	conn     *gorm.DB
	clock    *clock
	subs     *subscription.Service
	sweeper  *Sweeper
	notifier *recordingNotifier
	plan     *models.Plan
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn, err := db.Open(db.SQLiteDSN(filepath.Join(t.TempDir(), "scheduler.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(conn) })
	require.NoError(t, db.Migrate(conn))

	f := &fixture{conn: conn, clock: &clock{t: time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)}, notifier: &recordingNotifier{}}
	f.subs = subscription.NewService(conn, subscription.Options{Now: f.clock.Now})
	f.sweeper = NewSweeper(conn, f.subs, SweeperOptions{Now: f.clock.Now, Notifier: f.notifier})

	price := decimal.RequireFromString("79.99")
	f.plan = &models.Plan{
		Name:          "Premium",
		Slug:          "premium",
		Price:         price,
		Currency:      "USD",
		Status:        models.PlanStatusActive,
		BillingCycles: datatypes.JSONSlice[models.PlanCycle]{{Cycle: models.BillingCycleMonthly, Price: price}},
	}
	require.NoError(t, conn.Create(f.plan).Error)
	return f
}

func (f *fixture) subscribe(t *testing.T, name string, autoRenew bool) *models.Subscription {
	t.Helper()
	user := &models.User{Username: name, Email: name + "@example.com", Password: "x", Role: models.RoleUser, Active: true}
	require.NoError(t, f.conn.Create(user).Error)
	res, err := f.subs.Create(context.Background(), subscription.CreateInput{
		UserID:       user.ID,
		PlanID:       f.plan.ID,
		BillingCycle: "monthly",
		AutoRenew:    &autoRenew,
		Activate:     true,
	})
	require.NoError(t, err)
	return res.Subscription
}

func TestExpireSweepFlipsLapsedSubscriptions(t *testing.T) {
	f := newFixture(t)
	sub := f.subscribe(t, "alice", false)

	affected, err := f.sweeper.Run(context.Background(), SweepExpire)
	require.NoError(t, err)
	assert.Equal(t, 0, affected)

	f.clock.Set(sub.EndDate.Add(time.Minute))
	affected, err = f.sweeper.Run(context.Background(), SweepExpire)
	require.NoError(t, err)
	assert.Equal(t, 1, affected)

	reloaded, err := f.subs.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusExpired, reloaded.Status)

	var user models.User
	require.NoError(t, f.conn.First(&user, sub.UserID).Error)
	assert.Equal(t, models.SubscriptionStatusExpired, user.SubscriptionStatus)

	affected, err = f.sweeper.Run(context.Background(), SweepExpire)
	require.NoError(t, err)
	assert.Equal(t, 0, affected, "second run must find nothing")
}

func TestRenewalSweepIsIdempotent(t *testing.T) {
	f := newFixture(t)
	sub := f.subscribe(t, "bob", true)
	f.subscribe(t, "carol", false)

	f.clock.Set(sub.NextBillingDate.Add(-2 * time.Hour))
	created, err := f.sweeper.CreateRenewalOrders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	created, err = f.sweeper.CreateRenewalOrders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, created)

	var orders []models.Order
	require.NoError(t, f.conn.Where("subscription_id = ? AND type = ?", sub.ID, models.OrderTypeRenewal).Find(&orders).Error)
	require.Len(t, orders, 1)
	assert.True(t, orders[0].TotalAmount.Equal(decimal.RequireFromString("79.99")))
	require.NotNil(t, orders[0].PeriodStart)
	assert.True(t, orders[0].PeriodStart.Equal(sub.EndDate))

	reloaded, err := f.subs.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.NextBillingDate.Equal(sub.NextBillingDate.AddDate(0, 1, 0)))
}

func TestReminderSweep(t *testing.T) {
	f := newFixture(t)
	renewing := f.subscribe(t, "dave", true)
	ending := f.subscribe(t, "erin", false)

	sent, err := f.sweeper.SendReminders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sent)

	f.clock.Set(renewing.NextBillingDate.Add(-3 * 24 * time.Hour))
	sent, err = f.sweeper.SendReminders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	require.Len(t, f.notifier.reminders, 2)

	byID := map[uint64]Reminder{}
	for _, r := range f.notifier.reminders {
		byID[r.SubscriptionID] = r
	}
	assert.Equal(t, ReminderRenewal, byID[renewing.ID].Kind)
	assert.Equal(t, "dave@example.com", byID[renewing.ID].Email)
	assert.Equal(t, ReminderExpiry, byID[ending.ID].Kind)
	assert.Equal(t, "Premium", byID[ending.ID].PlanName)
}

func TestReportSweepUpserts(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, "frank", true)
	cancelled := f.subscribe(t, "gina", true)

	written, err := f.sweeper.GenerateMonthlyReport(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, written)

	_, err = f.subs.Cancel(context.Background(), cancelled.ID, subscription.CancelInput{Reason: "moving"})
	require.NoError(t, err)
	_, err = f.sweeper.GenerateMonthlyReport(context.Background())
	require.NoError(t, err)

	reports, err := StoredReports(context.Background(), f.conn, 12)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, "2026-01", reports[0].Month)
	assert.Equal(t, "2025-12", reports[1].Month)
	assert.EqualValues(t, 2, reports[0].NewSubscriptions)
	assert.True(t, reports[0].Revenue.Equal(decimal.RequireFromString("159.98")))
	require.Len(t, reports[0].PlanDistribution, 1)
	assert.EqualValues(t, 1, reports[0].PlanDistribution[0].Count)
}

func TestReportSweepChurn(t *testing.T) {
	f := newFixture(t)
	f.clock.Set(time.Date(2025, 12, 10, 9, 0, 0, 0, time.UTC))
	subs := make([]*models.Subscription, 0, 4)
	for _, name := range []string{"hana", "ivan", "jade", "kurt"} {
		subs = append(subs, f.subscribe(t, name, true))
	}

	f.clock.Set(time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC))
	f.subscribe(t, "lena", true)
	_, err := f.subs.Cancel(context.Background(), subs[0].ID, subscription.CancelInput{Reason: "sold the agency"})
	require.NoError(t, err)

	_, err = f.sweeper.GenerateMonthlyReport(context.Background())
	require.NoError(t, err)

	reports, err := StoredReports(context.Background(), f.conn, 12)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	current, previous := reports[0], reports[1]
	assert.Equal(t, "2026-01", current.Month)
	assert.EqualValues(t, 1, current.NewSubscriptions)
	assert.EqualValues(t, 4, current.ActiveAtStart)
	assert.EqualValues(t, 1, current.CancelledInMonth)
	assert.InDelta(t, 25.0, current.ChurnRate, 0.001)

	assert.Equal(t, "2025-12", previous.Month)
	assert.EqualValues(t, 4, previous.NewSubscriptions)
	assert.EqualValues(t, 0, previous.ActiveAtStart)
	assert.Zero(t, previous.ChurnRate)
}

func TestRunSkipsWhenLocked(t *testing.T) {
	f := newFixture(t)
	locker := NewMemoryLocker()
	f.sweeper.locker = locker

	release, ok, err := locker.TryLock(context.Background(), "sweep:"+SweepExpire, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.sweeper.Run(context.Background(), SweepExpire)
	assert.ErrorIs(t, err, ErrLocked)

	release()
	_, err = f.sweeper.Run(context.Background(), SweepExpire)
	assert.NoError(t, err)

	_, err = f.sweeper.Run(context.Background(), "vacuum")
	assert.Error(t, err)
}

func TestRedisLocker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := NewRedisLocker(client, "")

	release, ok, err := locker.TryLock(context.Background(), "sweep:expire", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists("billing:lock:sweep:expire"))

	_, ok, err = locker.TryLock(context.Background(), "sweep:expire", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	assert.False(t, mr.Exists("billing:lock:sweep:expire"))

	_, ok, err = locker.TryLock(context.Background(), "sweep:expire", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	mr.FastForward(2 * time.Second)
	_, ok, err = locker.TryLock(context.Background(), "sweep:expire", time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock must be reacquirable")
}

func TestRedisLockerReleaseKeepsForeignLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := NewRedisLocker(client, "test")

	release, ok, err := locker.TryLock(context.Background(), "job", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	mr.FastForward(2 * time.Second)

	_, ok, err = locker.TryLock(context.Background(), "job", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	release()
	assert.True(t, mr.Exists("test:job"), "stale release must not delete the new holder's lock")
}

func TestSchedulerStartStop(t *testing.T) {
	f := newFixture(t)
	s := New(f.sweeper, config.SchedulerConfig{Expire: "@every 1h", Report: ""})
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
	s.Stop()

	bad := New(f.sweeper, config.SchedulerConfig{Expire: "not a spec"})
	assert.Error(t, bad.Start(context.Background()))

	affected, err := s.RunOnce(context.Background(), SweepReport)
	require.NoError(t, err)
	assert.Equal(t, 2, affected)
}
