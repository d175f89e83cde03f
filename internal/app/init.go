package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/estatedesk/billing/internal/apperr"
	"github.com/estatedesk/billing/internal/config"
	"github.com/estatedesk/billing/internal/db"
	"github.com/estatedesk/billing/internal/models"
	"github.com/estatedesk/billing/internal/security"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

// InitRequest contains parameters for initial setup.
type InitRequest struct {
	DatabaseType     string
	DatabaseHost     string
	DatabasePort     int
	DatabaseUser     string
	DatabasePassword string
	DatabaseName     string
	DatabasePath     string
	DatabaseSSLMode  string
	DSN              string // used as-is when set
	Port             int
	AdminUsername    string
	AdminPassword    string
	Force            bool // overwrite an existing config file
}

// ConfigExists reports whether the config file exists at the path.
func ConfigExists(configPath string) bool {
	_, err := os.Stat(configPath)
	return err == nil
}

// defaultSQLitePath is the default SQLite database file name.
const defaultSQLitePath = "billing.db"

// minPasswordLength matches the user API.
const minPasswordLength = 8

// BuildDSN builds a database DSN from the init request.
func BuildDSN(req InitRequest) (string, error) {
	if dsn := strings.TrimSpace(req.DSN); dsn != "" {
		return dsn, nil
	}
	switch strings.ToLower(strings.TrimSpace(req.DatabaseType)) {
	case "", "sqlite":
		return db.SQLiteDSN(defaultString(req.DatabasePath, defaultSQLitePath)), nil
	case "postgres":
		if strings.TrimSpace(req.DatabaseHost) == "" || strings.TrimSpace(req.DatabaseName) == "" {
			return "", fmt.Errorf("postgres requires a host and a database name")
		}
		port := req.DatabasePort
		if port <= 0 {
			port = 5432
		}
		return fmt.Sprintf(
			"postgres://%s:%s@%s:%d/%s?sslmode=%s",
			req.DatabaseUser,
			req.DatabasePassword,
			req.DatabaseHost,
			port,
			req.DatabaseName,
			defaultString(req.DatabaseSSLMode, "disable"),
		), nil
	default:
		return "", fmt.Errorf("unsupported database type %q", req.DatabaseType)
	}
}

func defaultString(v, fallback string) string {
	if s := strings.TrimSpace(v); s != "" {
		return s
	}
	return fallback
}

// TestDatabaseConnection validates that the DSN can connect and ping.
func TestDatabaseConnection(ctx context.Context, dsn string) error {
	conn, err := db.Open(dsn)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() {
		if errClose := db.Close(conn); errClose != nil {
			log.Errorf("sql db close error: %v", errClose)
		}
	}()
	sqlDB, err := conn.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql db: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// configFile maps YAML fields for the generated config file.
type configFile struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	DatabaseDSN string        `yaml:"database-dsn"`
	JWT         jwtCfg        `yaml:"jwt"`
	Logging     loggingCfg    `yaml:"logging"`
	RateLimit   rateLimitCfg  `yaml:"rate-limit"`
	Payment     paymentCfg    `yaml:"payment"`
	Billing     billingCfg    `yaml:"billing"`
	Scheduler   schedulerSpec `yaml:"scheduler"`
}

type jwtCfg struct {
	Secret string `yaml:"secret"`
	Expiry string `yaml:"expiry"`
}

type loggingCfg struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type rateLimitCfg struct {
	PerSecond int `yaml:"per-second"`
	Webhook   int `yaml:"webhook"`
}

type paymentCfg struct {
	Gateway       string `yaml:"gateway"`
	WebhookSecret string `yaml:"webhook-secret"`
}

type billingCfg struct {
	Currency string  `yaml:"currency"`
	TaxRate  float64 `yaml:"tax-rate"`
}

type schedulerSpec struct {
	Expire    string `yaml:"expire"`
	Renewals  string `yaml:"renewals"`
	Reminders string `yaml:"reminders"`
	Report    string `yaml:"report"`
}

// generateSecret creates a random secret string.
func generateSecret(prefix string) string {
	secret, err := security.GenerateRandomString(32)
	if err != nil {
		return prefix + "change-me-to-a-secure-random-string"
	}
	return prefix + secret
}

// WriteConfigFile writes the initial config file to disk.
func WriteConfigFile(configPath string, dsn string, port int) error {
	if port <= 0 {
		port = config.DefaultPort
	}
	cfg := configFile{
		Port:        port,
		DatabaseDSN: dsn,
		JWT: jwtCfg{
			Secret: generateSecret(""),
			Expiry: "720h",
		},
		Logging:   loggingCfg{Level: "info", Format: "text"},
		RateLimit: rateLimitCfg{PerSecond: 20, Webhook: 50},
		Payment: paymentCfg{
			Gateway:       config.GatewayMock,
			WebhookSecret: generateSecret("whsec_"),
		},
		Billing: billingCfg{Currency: config.DefaultCurrency},
		Scheduler: schedulerSpec{
			Expire:    config.DefaultExpireSpec,
			Renewals:  config.DefaultRenewalsSpec,
			Reminders: config.DefaultRemindersSpec,
			Report:    config.DefaultReportSpec,
		},
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(configPath)
	if errMkdir := os.MkdirAll(dir, 0o755); errMkdir != nil {
		return fmt.Errorf("create config dir: %w", errMkdir)
	}
	if errWrite := os.WriteFile(configPath, data, 0o600); errWrite != nil {
		return fmt.Errorf("write config file: %w", errWrite)
	}
	return nil
}

// Initialize writes the config file, migrates the database and creates the
// first admin when credentials are given.
func Initialize(ctx context.Context, cfg config.AppConfig, req InitRequest) error {
	if ConfigExists(cfg.ConfigPath) && !req.Force {
		return fmt.Errorf("config file %s already exists (use --force to overwrite)", cfg.ConfigPath)
	}
	req.AdminUsername = strings.TrimSpace(req.AdminUsername)
	if req.AdminUsername != "" && len(req.AdminPassword) < minPasswordLength {
		return fmt.Errorf("admin password must be at least %d characters", minPasswordLength)
	}

	dsn, errBuild := BuildDSN(req)
	if errBuild != nil {
		return errBuild
	}
	if errTest := TestDatabaseConnection(ctx, dsn); errTest != nil {
		return fmt.Errorf("database connection failed: %w", errTest)
	}

	conn, errOpen := db.Open(dsn)
	if errOpen != nil {
		return errOpen
	}
	defer func() { _ = db.Close(conn) }()
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return fmt.Errorf("migrate database: %w", errMigrate)
	}
	if req.AdminUsername != "" {
		if errAdmin := CreateAdminUser(ctx, conn, req.AdminUsername, req.AdminPassword); errAdmin != nil {
			return errAdmin
		}
	}

	if errWrite := WriteConfigFile(cfg.ConfigPath, dsn, req.Port); errWrite != nil {
		return errWrite
	}
	log.WithFields(DescribeDSN(dsn).Fields()).Infof("wrote %s", cfg.ConfigPath)
	return nil
}

// CreateAdminUser creates an active admin account.
func CreateAdminUser(ctx context.Context, conn *gorm.DB, username, password string) error {
	if conn == nil {
		return fmt.Errorf("open database: nil connection")
	}
	hashedPassword, errHash := security.HashPassword(password)
	if errHash != nil {
		return fmt.Errorf("hash password: %w", errHash)
	}

	var existing int64
	if errCount := conn.WithContext(ctx).Model(&models.User{}).Where("username = ?", username).Count(&existing).Error; errCount != nil {
		return fmt.Errorf("check username: %w", errCount)
	}
	if existing > 0 {
		return apperr.Conflict("username %q is taken", username)
	}

	now := time.Now().UTC()
	admin := models.User{
		Username:  username,
		Name:      username,
		Password:  hashedPassword,
		Role:      models.RoleAdmin,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if errCreate := conn.WithContext(ctx).Create(&admin).Error; errCreate != nil {
		return fmt.Errorf("create admin: %w", errCreate)
	}
	return nil
}

// HasAdminUser reports whether at least one active admin exists.
func HasAdminUser(ctx context.Context, conn *gorm.DB) (bool, error) {
	if conn == nil {
		return false, fmt.Errorf("nil db")
	}
	if !conn.Migrator().HasTable(&models.User{}) {
		return false, nil
	}
	var count int64
	if errCount := conn.WithContext(ctx).Model(&models.User{}).
		Where("role = ? AND active = ?", models.RoleAdmin, true).
		Count(&count).Error; errCount != nil {
		return false, errCount
	}
	return count > 0, nil
}

// IssueUserToken mints a bearer token for an existing user. A non-empty role
// must match the user's stored role.
func IssueUserToken(ctx context.Context, cfg config.AppConfig, username string, role models.Role) (string, error) {
	dsn, errDSN := config.LoadDatabaseDSN(cfg.ConfigPath)
	if errDSN != nil {
		return "", errDSN
	}
	jwtCfg, errJWT := config.LoadJWTConfig(cfg.ConfigPath)
	if errJWT != nil {
		return "", errJWT
	}
	if jwtCfg.Secret == "" {
		return "", fmt.Errorf("jwt.secret is empty")
	}
	conn, errOpen := db.Open(dsn)
	if errOpen != nil {
		return "", errOpen
	}
	defer func() { _ = db.Close(conn) }()

	var user models.User
	if errFind := conn.WithContext(ctx).Where("username = ?", strings.TrimSpace(username)).First(&user).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return "", apperr.NotFound("user")
		}
		return "", fmt.Errorf("load user: %w", errFind)
	}
	if !user.Active {
		return "", fmt.Errorf("user %s is disabled", user.Username)
	}
	if role != "" && role != user.Role {
		return "", fmt.Errorf("user %s has role %s, not %s", user.Username, user.Role, role)
	}
	return security.IssueToken(jwtCfg.Secret, user.ID, user.Role, jwtCfg.Expiry)
}
