package db

import (
	"fmt"

	"github.com/estatedesk/billing/internal/models"
	"gorm.io/gorm"
)

// Migrate runs database migrations for the current dialect.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	switch DialectName(conn) {
	case DialectSQLite:
		return migrateSQLite(conn)
	case DialectPostgres, "":
		return migratePostgres(conn)
	default:
		return fmt.Errorf("db: unsupported dialect: %s", DialectName(conn))
	}
}

// ddl defines an index or DDL statement to apply.
type ddl struct {
	name string // Human-readable name for error reporting.
	sql  string // SQL to execute.
}

// sharedIndexes are valid on both PostgreSQL and SQLite.
var sharedIndexes = []ddl{
	{
		name: "idx_subscriptions_user_status",
		sql: `
			CREATE INDEX IF NOT EXISTS idx_subscriptions_user_status
			ON subscriptions (user_id, status)
		`,
	},
	{
		name: "idx_subscriptions_status_end_date",
		sql: `
			CREATE INDEX IF NOT EXISTS idx_subscriptions_status_end_date
			ON subscriptions (status, end_date)
		`,
	},
	{
		name: "idx_subscriptions_renewal_due",
		sql: `
			CREATE INDEX IF NOT EXISTS idx_subscriptions_renewal_due
			ON subscriptions (status, auto_renew, next_billing_date)
		`,
	},
	{
		name: "idx_orders_user_id_created_at",
		sql: `
			CREATE INDEX IF NOT EXISTS idx_orders_user_id_created_at
			ON orders (user_id, created_at DESC)
		`,
	},
	{
		name: "idx_orders_subscription_status",
		sql: `
			CREATE INDEX IF NOT EXISTS idx_orders_subscription_status
			ON orders (subscription_id, status)
		`,
	},
	{
		name: "idx_payments_user_id_created_at",
		sql: `
			CREATE INDEX IF NOT EXISTS idx_payments_user_id_created_at
			ON payments (user_id, created_at DESC)
		`,
	},
	{
		name: "idx_payments_order_id",
		sql: `
			CREATE INDEX IF NOT EXISTS idx_payments_order_id
			ON payments (order_id)
		`,
	},
	{
		name: "idx_plans_status_sort_order",
		sql: `
			CREATE INDEX IF NOT EXISTS idx_plans_status_sort_order
			ON plans (status, sort_order, created_at)
		`,
	},
}

// migratePostgres applies PostgreSQL schema updates and indexes.
func migratePostgres(conn *gorm.DB) error {
	if errAutoMigrate := conn.AutoMigrate(billingModels()...); errAutoMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errAutoMigrate)
	}

	_ = conn.Exec(`CREATE EXTENSION IF NOT EXISTS pg_trgm`).Error

	ddls := append([]ddl{}, sharedIndexes...)
	ddls = append(ddls,
		ddl{
			name: "idx_subscriptions_one_open_per_user",
			sql: `
				CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_one_open_per_user
				ON subscriptions (user_id)
				WHERE status IN ('active', 'pending')
			`,
		},
		ddl{
			name: "idx_users_username_lower",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_users_username_lower
				ON users (LOWER(username))
			`,
		},
		ddl{
			name: "idx_users_email_lower",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_users_email_lower
				ON users (LOWER(email))
			`,
		},
	)
	return applyDDL(conn, ddls)
}

// migrateSQLite applies SQLite schema updates and indexes.
func migrateSQLite(conn *gorm.DB) error {
	if errAutoMigrate := conn.AutoMigrate(billingModels()...); errAutoMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errAutoMigrate)
	}

	ddls := append([]ddl{}, sharedIndexes...)
	ddls = append(ddls, ddl{
		name: "idx_subscriptions_one_open_per_user",
		sql: `
			CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_one_open_per_user
			ON subscriptions (user_id)
			WHERE status IN ('active', 'pending')
		`,
	})
	return applyDDL(conn, ddls)
}

func billingModels() []any {
	return []any{
		&models.User{},
		&models.Plan{},
		&models.Subscription{},
		&models.Order{},
		&models.Payment{},
		&models.MonthlyReport{},
	}
}

func applyDDL(conn *gorm.DB, ddls []ddl) error {
	for _, stmt := range ddls {
		if errExec := conn.Exec(stmt.sql).Error; errExec != nil {
			return fmt.Errorf("db: create %s: %w", stmt.name, errExec)
		}
	}
	return nil
}
