// Package ratelimit caps requests per second per caller and route group.
// Counters live in Redis when one is configured so every replica shares the
// budget; while Redis is unreachable each process counts on its own.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// SettingsProvider supplies the latest settings snapshot.
type SettingsProvider func() SettingsConfig

// RedisClientFactory constructs a Redis client for the given options.
type RedisClientFactory func(options *redis.Options) *redis.Client

// Manager enforces the per-group budgets.
type Manager struct {
	settings SettingsProvider
	now      func() time.Time
	local    Limiter
	shared   *sharedCounter
}

// NewManager constructs a Manager. A nil provider disables limiting.
func NewManager(settings SettingsProvider, now func() time.Time, dial RedisClientFactory) *Manager {
	if settings == nil {
		settings = StaticSettings(SettingsConfig{})
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{
		settings: settings,
		now:      now,
		local:    NewMemoryLimiter(),
		shared:   newSharedCounter(dial),
	}
}

// Settings returns the current settings snapshot.
func (m *Manager) Settings() SettingsConfig {
	if m == nil {
		return SettingsConfig{}
	}
	return m.settings()
}

// Allow counts one request of the caller described by decision against the
// budget of group. Callers the decision leaves unlimited always pass.
func (m *Manager) Allow(ctx context.Context, group Group, decision Decision) (Result, error) {
	key := KeyForDecision(decision)
	if m == nil || key == "" {
		return Result{Allowed: true}, nil
	}
	key = string(group) + ":" + key
	now := m.now()

	if redisCfg := m.settings().Redis; redisCfg.Enabled {
		if result, errShared := m.shared.allow(ctx, redisCfg, key, decision.Limit, now); errShared == nil {
			return result, nil
		}
	}
	return m.local.Allow(ctx, key, decision.Limit, now)
}

// Close releases the Redis client, if any.
func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	return m.shared.close()
}
