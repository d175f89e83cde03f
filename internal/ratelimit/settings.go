package ratelimit

import (
	"strings"

	"github.com/estatedesk/billing/internal/config"
)

// DefaultRedisPrefix namespaces limiter keys in a shared Redis.
const DefaultRedisPrefix = "billing:rl"

// SettingsConfig captures the limiter settings. Limit is the budget of every
// group without an entry in Groups.
type SettingsConfig struct {
	Limit  int
	Groups map[Group]int
	Redis  RedisSettings
}

// RedisSettings locates the Redis that holds shared counters.
type RedisSettings struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// LimitFor returns the per-second budget of group; 0 means unlimited.
func (s SettingsConfig) LimitFor(group Group) int {
	if limit, ok := s.Groups[group]; ok && limit > 0 {
		return limit
	}
	return max(s.Limit, 0)
}

// SettingsFromConfig derives limiter settings from the server config. Redis
// is used whenever an address is configured.
func SettingsFromConfig(cfg config.ServerConfig) SettingsConfig {
	out := SettingsConfig{
		Limit: max(cfg.RateLimit.PerSecond, 0),
		Redis: RedisSettings{
			Enabled:  cfg.Redis.Enabled(),
			Addr:     strings.TrimSpace(cfg.Redis.Addr),
			Password: strings.TrimSpace(cfg.Redis.Password),
			DB:       max(cfg.Redis.DB, 0),
			Prefix:   DefaultRedisPrefix,
		},
	}
	if cfg.RateLimit.Webhook > 0 {
		out.Groups = map[Group]int{GroupWebhook: cfg.RateLimit.Webhook}
	}
	return out
}

// StaticSettings returns a provider that always yields cfg.
func StaticSettings(cfg SettingsConfig) SettingsProvider {
	return func() SettingsConfig { return cfg }
}
