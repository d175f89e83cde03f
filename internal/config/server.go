package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Gateway names accepted by payment.gateway.
const (
	GatewayMock   = "mock"
	GatewayStripe = "stripe"
)

// ServerConfig holds everything the HTTP server and the sweeps need besides
// the database DSN and JWT settings.
type ServerConfig struct {
	Host      string          `yaml:"host"`
	Port      int             `yaml:"port"`
	Logging   LoggingConfig   `yaml:"logging"`
	Redis     RedisConfig     `yaml:"redis"`
	RateLimit RateLimitConfig `yaml:"rate-limit"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Payment   PaymentConfig   `yaml:"payment"`
	Billing   BillingConfig   `yaml:"billing"`
}

// LoggingConfig selects the logrus level and formatter.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// RedisConfig enables the shared sweep lock and rate limiter when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Enabled reports whether a Redis address is configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Addr) != ""
}

// RateLimitConfig caps requests per second per caller. Zero disables it.
// Webhook overrides the budget of the payment webhook, counted per client IP.
type RateLimitConfig struct {
	PerSecond int `yaml:"per-second"`
	Webhook   int `yaml:"webhook"`
}

// Enabled reports whether any route group is limited.
func (r RateLimitConfig) Enabled() bool {
	return r.PerSecond > 0 || r.Webhook > 0
}

// SchedulerConfig holds cron specs and windows for the sweeps.
type SchedulerConfig struct {
	Disabled       bool          `yaml:"disabled"`
	Expire         string        `yaml:"expire"`
	Renewals       string        `yaml:"renewals"`
	Reminders      string        `yaml:"reminders"`
	Report         string        `yaml:"report"`
	RenewalWindow  time.Duration `yaml:"renewal-window"`
	ReminderWindow time.Duration `yaml:"reminder-window"`
	LockTTL        time.Duration `yaml:"lock-ttl"`
}

// PaymentConfig selects and configures the payment gateway.
type PaymentConfig struct {
	Gateway       string `yaml:"gateway"`
	StripeKey     string `yaml:"stripe-secret-key"`
	WebhookSecret string `yaml:"webhook-secret"`
}

// BillingConfig holds pricing defaults.
type BillingConfig struct {
	Currency string  `yaml:"currency"`
	TaxRate  float64 `yaml:"tax-rate"` // percent, e.g. 8.25
}

// Defaults applied by LoadServerConfig.
const (
	DefaultPort           = 8318
	DefaultExpireSpec     = "0 * * * *"
	DefaultRenewalsSpec   = "15 * * * *"
	DefaultRemindersSpec  = "0 9 * * *"
	DefaultReportSpec     = "30 0 1 * *"
	DefaultRenewalWindow  = 24 * time.Hour
	DefaultReminderWindow = 7 * 24 * time.Hour
	DefaultLockTTL        = 10 * time.Minute
	DefaultCurrency       = "USD"
)

// DefaultServerConfig returns the configuration used when the file omits a value.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:    DefaultPort,
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Scheduler: SchedulerConfig{
			Expire:         DefaultExpireSpec,
			Renewals:       DefaultRenewalsSpec,
			Reminders:      DefaultRemindersSpec,
			Report:         DefaultReportSpec,
			RenewalWindow:  DefaultRenewalWindow,
			ReminderWindow: DefaultReminderWindow,
			LockTTL:        DefaultLockTTL,
		},
		Payment: PaymentConfig{Gateway: GatewayMock},
		Billing: BillingConfig{Currency: DefaultCurrency},
	}
}

// LoadServerConfig reads server settings from the YAML config file and applies
// defaults and environment overrides. A missing file yields the defaults.
func LoadServerConfig(configPath string) (ServerConfig, error) {
	cfg := DefaultServerConfig()

	data, errRead := os.ReadFile(configPath)
	switch {
	case errRead == nil:
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
			return ServerConfig{}, fmt.Errorf("parse config file: %w", errUnmarshal)
		}
	case errors.Is(errRead, os.ErrNotExist):
	default:
		return ServerConfig{}, fmt.Errorf("read config file: %w", errRead)
	}

	if addr := strings.TrimSpace(os.Getenv(EnvRedisAddr)); addr != "" {
		cfg.Redis.Addr = addr
	}
	if key := strings.TrimSpace(os.Getenv(EnvStripeSecretKey)); key != "" {
		cfg.Payment.StripeKey = key
	}
	if secret := strings.TrimSpace(os.Getenv(EnvStripeWebhookSecret)); secret != "" {
		cfg.Payment.WebhookSecret = secret
	}

	cfg.applyDefaults()
	if errValidate := cfg.Validate(); errValidate != nil {
		return ServerConfig{}, errValidate
	}
	return cfg, nil
}

// applyDefaults fills zero values left by a partial config file.
func (c *ServerConfig) applyDefaults() {
	def := DefaultServerConfig()
	if c.Port <= 0 {
		c.Port = def.Port
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = def.Logging.Level
	}
	if strings.TrimSpace(c.Logging.Format) == "" {
		c.Logging.Format = def.Logging.Format
	}
	s := &c.Scheduler
	if strings.TrimSpace(s.Expire) == "" {
		s.Expire = def.Scheduler.Expire
	}
	if strings.TrimSpace(s.Renewals) == "" {
		s.Renewals = def.Scheduler.Renewals
	}
	if strings.TrimSpace(s.Reminders) == "" {
		s.Reminders = def.Scheduler.Reminders
	}
	if strings.TrimSpace(s.Report) == "" {
		s.Report = def.Scheduler.Report
	}
	if s.RenewalWindow <= 0 {
		s.RenewalWindow = def.Scheduler.RenewalWindow
	}
	if s.ReminderWindow <= 0 {
		s.ReminderWindow = def.Scheduler.ReminderWindow
	}
	if s.LockTTL <= 0 {
		s.LockTTL = def.Scheduler.LockTTL
	}
	c.Payment.Gateway = strings.ToLower(strings.TrimSpace(c.Payment.Gateway))
	if c.Payment.Gateway == "" {
		c.Payment.Gateway = def.Payment.Gateway
	}
	c.Billing.Currency = strings.ToUpper(strings.TrimSpace(c.Billing.Currency))
	if c.Billing.Currency == "" {
		c.Billing.Currency = def.Billing.Currency
	}
}

// Validate rejects settings the server cannot start with.
func (c ServerConfig) Validate() error {
	switch c.Payment.Gateway {
	case GatewayMock:
	case GatewayStripe:
		if strings.TrimSpace(c.Payment.StripeKey) == "" {
			return fmt.Errorf("payment.stripe-secret-key is required for the stripe gateway")
		}
	default:
		return fmt.Errorf("unsupported payment gateway: %s", c.Payment.Gateway)
	}
	if c.Billing.TaxRate < 0 || c.Billing.TaxRate > 100 {
		return fmt.Errorf("billing.tax-rate must be between 0 and 100")
	}
	if c.RateLimit.PerSecond < 0 {
		return fmt.Errorf("rate-limit.per-second must not be negative")
	}
	if c.RateLimit.Webhook < 0 {
		return fmt.Errorf("rate-limit.webhook must not be negative")
	}
	return nil
}

// Addr returns host:port for the HTTP listener.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
