package subscription

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/estatedesk/billing/internal/db"
	"github.com/estatedesk/billing/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type testClock struct{ t time.Time }

func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := db.Open(db.SQLiteDSN(filepath.Join(t.TempDir(), "billing.db")))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(conn) })
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

func newTestService(t *testing.T) (*Service, *gorm.DB, *testClock) {
	t.Helper()
	conn := newTestDB(t)
	clock := &testClock{t: time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)}
	return NewService(conn, Options{Now: clock.Now}), conn, clock
}

func createUser(t *testing.T, conn *gorm.DB, username string) *models.User {
	t.Helper()
	user := &models.User{
		Username: username,
		Email:    username + "@example.com",
		Password: "x",
		Role:     models.RoleUser,
		Active:   true,
	}
	if err := conn.Create(user).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user
}

func createPlan(t *testing.T, conn *gorm.DB, slug string, monthly string) *models.Plan {
	t.Helper()
	price := decimal.RequireFromString(monthly)
	plan := &models.Plan{
		Name:     slug,
		Slug:     slug,
		Price:    price,
		Currency: "USD",
		Status:   models.PlanStatusActive,
		BillingCycles: datatypes.JSONSlice[models.PlanCycle]{
			{Cycle: models.BillingCycleMonthly, Price: price, Discount: decimal.Zero},
			{Cycle: models.BillingCycleYearly, Price: price.Mul(decimal.NewFromInt(12)), Discount: price.Mul(decimal.NewFromInt(2))},
		},
		Features: datatypes.JSONSlice[models.PlanFeature]{{Name: "Listings", Included: true}},
		Limits:   datatypes.NewJSONType(models.PlanLimits{Properties: 10, Users: 2, StorageGB: 5, APICalls: models.Unlimited}),
	}
	if err := conn.Create(plan).Error; err != nil {
		t.Fatalf("create plan: %v", err)
	}
	return plan
}

func reloadUser(t *testing.T, conn *gorm.DB, id uint64) models.User {
	t.Helper()
	var user models.User
	if err := conn.First(&user, id).Error; err != nil {
		t.Fatalf("reload user: %v", err)
	}
	return user
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }
