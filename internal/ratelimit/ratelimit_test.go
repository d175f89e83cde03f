package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/estatedesk/billing/internal/config"
	"github.com/estatedesk/billing/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

func TestMemoryLimiterWindow(t *testing.T) {
	l := NewMemoryLimiter()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := l.Allow(ctx, "u:1", 2, fixedNow)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 1-i, res.Remaining)
	}
	res, err := l.Allow(ctx, "u:1", 2, fixedNow.Add(500*time.Millisecond))
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, fixedNow.Add(time.Second), res.Reset)

	other, err := l.Allow(ctx, "u:2", 2, fixedNow)
	require.NoError(t, err)
	assert.True(t, other.Allowed, "keys are counted separately")

	next, err := l.Allow(ctx, "u:1", 2, fixedNow.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, next.Allowed, "a new second resets the window")
}

func TestRedisLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := NewRedisLimiter(client, "test")
	t.Cleanup(func() { _ = l.Close() })
	ctx := context.Background()

	res, err := l.Allow(ctx, "u:1", 1, fixedNow)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.True(t, mr.Exists("test:u:1:"+strconv.FormatInt(fixedNow.Unix(), 10)))

	res, err = l.Allow(ctx, "u:1", 1, fixedNow)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestManagerFallsBackToMemory(t *testing.T) {
	mr := miniredis.RunT(t)
	now := fixedNow
	cfg := SettingsConfig{Limit: 1, Redis: RedisSettings{Enabled: true, Addr: mr.Addr(), Prefix: DefaultRedisPrefix}}
	m := NewManager(StaticSettings(cfg), func() time.Time { return now }, nil)
	t.Cleanup(func() { _ = m.Close() })
	ctx := context.Background()
	caller := Resolve(1, 1, models.RoleUser, "")

	res, err := m.Allow(ctx, GroupAPI, caller)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.True(t, mr.Exists("billing:rl:api:u:1:"+strconv.FormatInt(now.Unix(), 10)))
	res, err = m.Allow(ctx, GroupAPI, caller)
	require.NoError(t, err)
	assert.False(t, res.Allowed, "redis counter is shared")

	mr.Close()
	now = now.Add(time.Second)
	res, err = m.Allow(ctx, GroupAPI, caller)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "memory backend answers while redis is down")
	assert.True(t, m.shared.paused(now))

	now = now.Add(sharedPause + time.Second)
	assert.False(t, m.shared.paused(now))
}

func TestManagerSeparatesGroups(t *testing.T) {
	cfg := SettingsConfig{Limit: 1, Groups: map[Group]int{GroupWebhook: 2}}
	m := NewManager(StaticSettings(cfg), func() time.Time { return fixedNow }, nil)
	ctx := context.Background()

	api := Resolve(cfg.LimitFor(GroupAPI), 0, "", "10.0.0.1")
	hook := Resolve(cfg.LimitFor(GroupWebhook), 0, "", "10.0.0.1")
	require.Equal(t, 1, api.Limit)
	require.Equal(t, 2, hook.Limit)

	res, err := m.Allow(ctx, GroupAPI, api)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	res, err = m.Allow(ctx, GroupAPI, api)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	for i := 0; i < 2; i++ {
		res, err = m.Allow(ctx, GroupWebhook, hook)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "webhook budget is counted apart from the api")
	}
	res, err = m.Allow(ctx, GroupWebhook, hook)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	res, err = m.Allow(ctx, GroupAPI, Decision{})
	require.NoError(t, err)
	assert.True(t, res.Allowed, "unlimited callers always pass")
}

func TestResolve(t *testing.T) {
	assert.Equal(t, Decision{Limit: 5, Scope: ScopeUser, UserID: 7}, Resolve(5, 7, models.RoleUser, "10.0.0.1"))
	assert.Equal(t, Decision{}, Resolve(5, 1, models.RoleAdmin, "10.0.0.1"))
	assert.Equal(t, Decision{Limit: 5, Scope: ScopeClient, ClientIP: "10.0.0.1"}, Resolve(5, 0, "", "10.0.0.1"))
	assert.Equal(t, Decision{}, Resolve(0, 7, models.RoleUser, "10.0.0.1"))

	assert.Equal(t, "u:7", KeyForDecision(Resolve(5, 7, models.RoleUser, "")))
	assert.Equal(t, "ip:10.0.0.1", KeyForDecision(Resolve(5, 0, "", "10.0.0.1")))
	assert.Equal(t, "", KeyForDecision(Decision{Limit: 5, Scope: ScopeUser}))
}

func TestSettingsFromConfig(t *testing.T) {
	cfg := config.DefaultServerConfig()
	cfg.RateLimit.PerSecond = 20
	cfg.RateLimit.Webhook = 50
	cfg.Redis.Addr = " localhost:6379 "
	s := SettingsFromConfig(cfg)
	assert.Equal(t, 20, s.LimitFor(GroupAPI))
	assert.Equal(t, 50, s.LimitFor(GroupWebhook))
	assert.True(t, s.Redis.Enabled)
	assert.Equal(t, "localhost:6379", s.Redis.Addr)
	assert.Equal(t, DefaultRedisPrefix, s.Redis.Prefix)

	cfg.RateLimit.Webhook = 0
	assert.Equal(t, 20, SettingsFromConfig(cfg).LimitFor(GroupWebhook), "webhook falls back to the default budget")
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewManager(StaticSettings(SettingsConfig{Limit: 1}), func() time.Time { return fixedNow }, nil)
	engine := gin.New()
	engine.Use(Middleware(m, GroupAPI, func(c *gin.Context) (uint64, models.Role) {
		if c.GetHeader("X-User") == "admin" {
			return 1, models.RoleAdmin
		}
		return 0, ""
	}))
	engine.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	do := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = "192.0.2.10:1234"
		if user != "" {
			req.Header.Set("X-User", user)
		}
		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, req)
		return rec
	}

	first := do("")
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", first.Header().Get("X-RateLimit-Remaining"))

	second := do("")
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "1", second.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate limit exceeded","code":"rate_limited"}`, second.Body.String())

	admin := do("admin")
	assert.Equal(t, http.StatusOK, admin.Code)
	assert.Empty(t, admin.Header().Get("X-RateLimit-Limit"))
}
