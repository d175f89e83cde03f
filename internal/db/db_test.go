package db

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/estatedesk/billing/internal/models"
	"github.com/shopspring/decimal"
)

func TestSQLiteDSN(t *testing.T) {
	dsn := SQLiteDSN("data/billing.db")
	if !strings.HasPrefix(dsn, "file:data/billing.db?") {
		t.Fatalf("expected file: prefix, got %q", dsn)
	}
	if !strings.Contains(dsn, "_pragma=foreign_keys(1)") {
		t.Fatalf("expected foreign keys pragma, got %q", dsn)
	}
	if got := SQLiteDSN("file:x.db?mode=rwc"); !strings.Contains(got, "mode=rwc&_pragma=") {
		t.Fatalf("expected pragmas appended with &, got %q", got)
	}
}

func TestIsSQLiteDSN(t *testing.T) {
	cases := map[string]bool{
		"file:billing.db":                      true,
		"billing.db?_pragma=busy_timeout(1)":   true,
		":memory:":                             true,
		"postgres://u:p@localhost:5432/db":     false,
		"host=localhost user=u dbname=billing": false,
	}
	for dsn, want := range cases {
		if got := isSQLiteDSN(dsn); got != want {
			t.Fatalf("isSQLiteDSN(%q): expected %v, got %v", dsn, want, got)
		}
	}
}

func TestOpenAndMigrateSQLite(t *testing.T) {
	conn, err := Open(SQLiteDSN(filepath.Join(t.TempDir(), "billing.db")))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = Close(conn) })

	if DialectName(conn) != DialectSQLite {
		t.Fatalf("expected sqlite dialect, got %q", DialectName(conn))
	}
	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	// Migrations are re-runnable.
	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("second migrate: %v", errMigrate)
	}

	for _, table := range []string{"users", "plans", "subscriptions", "orders", "payments", "monthly_reports"} {
		if !conn.Migrator().HasTable(table) {
			t.Fatalf("expected table %s", table)
		}
	}

	order := models.Order{
		OrderNumber: "ORD-TEST",
		UserID:      1,
		Type:        models.OrderTypeOneTime,
		Items: []models.OrderItem{
			{Description: "Setup", Quantity: 2, UnitPrice: decimal.RequireFromString("10.50")},
		},
		Tax:           decimal.RequireFromString("1"),
		Status:        models.OrderStatusPending,
		PaymentStatus: models.OrderPaymentPending,
	}
	if errCreate := conn.Create(&order).Error; errCreate != nil {
		t.Fatalf("create order: %v", errCreate)
	}
	var stored models.Order
	if errFind := conn.First(&stored, order.ID).Error; errFind != nil {
		t.Fatalf("load order: %v", errFind)
	}
	if !stored.TotalAmount.Equal(decimal.RequireFromString("22")) {
		t.Fatalf("expected total=22, got %s", stored.TotalAmount)
	}
}

func TestOpenRejectsEmptyDSN(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}
