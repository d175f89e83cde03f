package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/estatedesk/billing/internal/catalog"
	"github.com/estatedesk/billing/internal/config"
	"github.com/estatedesk/billing/internal/db"
	"github.com/estatedesk/billing/internal/metrics"
	"github.com/estatedesk/billing/internal/models"
	"github.com/estatedesk/billing/internal/orders"
	"github.com/estatedesk/billing/internal/payments"
	"github.com/estatedesk/billing/internal/ratelimit"
	"github.com/estatedesk/billing/internal/security"
	"github.com/estatedesk/billing/internal/subscription"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testSecret = "test-jwt-secret"

type testServer struct {
	engine  *gin.Engine
	conn    *gorm.DB
	gateway *payments.MockGateway
	plans   map[string]models.Plan
}

func newTestServer(t *testing.T, limiter *ratelimit.Manager) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	conn, err := db.Open(db.SQLiteDSN(filepath.Join(t.TempDir(), "api.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(conn) })
	require.NoError(t, db.Migrate(conn))

	now := func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)
	gateway := payments.NewMockGateway("whsec_test")

	plans := catalog.NewService(conn, now)
	_, err = plans.SeedDefaults(context.Background())
	require.NoError(t, err)
	subs := subscription.NewService(conn, subscription.Options{Now: now, Metrics: m})
	pays := payments.NewService(conn, payments.Options{Now: now, Metrics: m, Gateway: gateway})
	ords := orders.NewService(conn, subs, pays, orders.Options{Now: now, Metrics: m})
	pays.SetSettler(ords)

	engine := gin.New()
	require.NoError(t, RegisterRoutes(engine, Deps{
		DB:            conn,
		JWT:           config.JWTConfig{Secret: testSecret},
		Catalog:       plans,
		Subscriptions: subs,
		Orders:        ords,
		Payments:      pays,
		Metrics:       m,
		Registry:      registry,
		Limiter:       limiter,
	}))

	var rows []models.Plan
	require.NoError(t, conn.Find(&rows).Error)
	bySlug := make(map[string]models.Plan, len(rows))
	for _, p := range rows {
		bySlug[p.Slug] = p
	}
	return &testServer{engine: engine, conn: conn, gateway: gateway, plans: bySlug}
}

func (s *testServer) user(t *testing.T, name string, role models.Role) (*models.User, string) {
	t.Helper()
	user := &models.User{Username: name, Email: name + "@example.com", Password: "x", Role: role, Active: true}
	require.NoError(t, s.conn.Create(user).Error)
	token, err := security.IssueToken(testSecret, user.ID, role, time.Hour)
	require.NoError(t, err)
	return user, token
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	out := map[string]any{}
	if rec.Body.Len() > 0 && rec.Header().Get("Content-Type") != "" {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

func field(t *testing.T, body map[string]any, keys ...string) any {
	t.Helper()
	var cur any = body
	for _, k := range keys {
		m, ok := cur.(map[string]any)
		require.Truef(t, ok, "expected object at %q in %v", k, body)
		cur = m[k]
	}
	return cur
}

func idOf(t *testing.T, body map[string]any, keys ...string) uint64 {
	t.Helper()
	v, ok := field(t, body, keys...).(float64)
	require.True(t, ok)
	return uint64(v)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, nil)
	rec, body := s.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	rec, _ = s.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "billing_http_requests_total")
}

func TestAuthAndPermissions(t *testing.T) {
	s := newTestServer(t, nil)
	_, userToken := s.user(t, "tenant", models.RoleUser)
	_, managerToken := s.user(t, "manager", models.RoleManager)

	rec, body := s.do(t, http.MethodGet, "/api/plans", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "missing authorization header", body["error"])

	rec, _ = s.do(t, http.MethodGet, "/api/plans", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, body = s.do(t, http.MethodGet, "/api/plans", userToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 3, field(t, body, "plans", "total"))

	rec, _ = s.do(t, http.MethodPost, "/api/plans", managerToken, map[string]any{"name": "Gold", "slug": "gold", "price": "10"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = s.do(t, http.MethodGet, "/api/subscriptions/stats/overview", userToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, body = s.do(t, http.MethodGet, "/api/subscriptions/stats/overview", managerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, field(t, body, "overview", "total"))

	rec, body = s.do(t, http.MethodGet, "/api/permissions", userToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user", body["role"])
}

func TestSubscribeAndPay(t *testing.T) {
	s := newTestServer(t, nil)
	tenant, token := s.user(t, "tenant", models.RoleUser)
	_, otherToken := s.user(t, "other", models.RoleUser)
	premium := s.plans["premium"]

	rec, body := s.do(t, http.MethodPost, "/api/subscriptions", token, map[string]any{
		"plan_id":       premium.ID,
		"billing_cycle": "monthly",
		"user_id":       9999,
		"activate":      true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.EqualValues(t, tenant.ID, field(t, body, "subscription", "user_id"), "users subscribe themselves")
	assert.Equal(t, "pending", field(t, body, "subscription", "status"), "users cannot skip payment")
	assert.Equal(t, "79.99", field(t, body, "subscription", "final_amount"))
	subID := idOf(t, body, "subscription", "id")
	orderID := idOf(t, body, "order", "id")

	rec, body = s.do(t, http.MethodPost, "/api/subscriptions", token, map[string]any{"plan_id": premium.ID, "billing_cycle": "monthly"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", body["code"])

	rec, _ = s.do(t, http.MethodGet, fmt.Sprintf("/api/subscriptions/%d", subID), otherToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, body = s.do(t, http.MethodGet, "/api/subscriptions", otherToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, field(t, body, "subscriptions", "total"))

	rec, _ = s.do(t, http.MethodPost, fmt.Sprintf("/api/orders/%d/process-payment", orderID), otherToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = s.do(t, http.MethodPost, fmt.Sprintf("/api/orders/%d/process-payment", orderID), token, map[string]any{"payment_method": "card"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "completed", field(t, body, "order", "status"))
	assert.Equal(t, "completed", field(t, body, "payment", "status"))

	rec, body = s.do(t, http.MethodGet, fmt.Sprintf("/api/subscriptions/%d", subID), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "active", field(t, body, "subscription", "status"))

	rec, _ = s.do(t, http.MethodPost, fmt.Sprintf("/api/orders/%d/process-payment", orderID), token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, body = s.do(t, http.MethodPatch, fmt.Sprintf("/api/subscriptions/%d/cancel", subID), token, map[string]any{"reason": "moving out"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", field(t, body, "subscription", "status"))
	assert.Equal(t, "moving out", field(t, body, "subscription", "cancellation_reason"))
}

func TestDeclinedPaymentAnswers402(t *testing.T) {
	s := newTestServer(t, nil)
	_, token := s.user(t, "tenant", models.RoleUser)
	rec, body := s.do(t, http.MethodPost, "/api/subscriptions", token, map[string]any{"plan_id": s.plans["premium"].ID, "billing_cycle": "monthly"})
	require.Equal(t, http.StatusCreated, rec.Code)
	orderID := idOf(t, body, "order", "id")

	s.gateway.FailNext("insufficient funds")
	rec, body = s.do(t, http.MethodPost, fmt.Sprintf("/api/orders/%d/process-payment", orderID), token, nil)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "payment_declined", body["code"])
	assert.Equal(t, "insufficient funds", body["reason"])
	assert.Equal(t, "failed", field(t, body, "order", "status"))

	rec, _ = s.do(t, http.MethodPost, fmt.Sprintf("/api/orders/%d/process-payment", orderID), token, nil)
	assert.Equal(t, http.StatusOK, rec.Code, "a failed order can be retried")
}

func TestWebhookSettlesPendingCharge(t *testing.T) {
	s := newTestServer(t, nil)
	_, token := s.user(t, "tenant", models.RoleUser)
	rec, body := s.do(t, http.MethodPost, "/api/subscriptions", token, map[string]any{"plan_id": s.plans["premium"].ID, "billing_cycle": "monthly"})
	require.Equal(t, http.StatusCreated, rec.Code)
	orderID := idOf(t, body, "order", "id")
	subID := idOf(t, body, "subscription", "id")

	s.gateway.PendNext()
	rec, body = s.do(t, http.MethodPost, fmt.Sprintf("/api/orders/%d/process-payment", orderID), token, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	txID, _ := field(t, body, "payment", "transaction_id").(string)
	require.NotEmpty(t, txID)

	payload := []byte(fmt.Sprintf(`{"type":"charge.succeeded","transaction_id":%q}`, txID))
	bad := httptest.NewRequest(http.MethodPost, "/api/payments/webhook", bytes.NewReader(payload))
	bad.Header.Set("X-Webhook-Signature", "wrong")
	badRec := httptest.NewRecorder()
	s.engine.ServeHTTP(badRec, bad)
	assert.Equal(t, http.StatusBadRequest, badRec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/payments/webhook", bytes.NewReader(payload))
	req.Header.Set("X-Webhook-Signature", "whsec_test")
	okRec := httptest.NewRecorder()
	s.engine.ServeHTTP(okRec, req)
	require.Equal(t, http.StatusOK, okRec.Code, okRec.Body.String())

	rec, body = s.do(t, http.MethodGet, fmt.Sprintf("/api/subscriptions/%d", subID), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "active", field(t, body, "subscription", "status"))
}

func TestStaffOrderAndRefund(t *testing.T) {
	s := newTestServer(t, nil)
	tenant, _ := s.user(t, "tenant", models.RoleUser)
	_, staff := s.user(t, "manager", models.RoleManager)

	rec, body := s.do(t, http.MethodPost, "/api/orders", staff, map[string]any{
		"user_id":  tenant.ID,
		"items":    []map[string]any{{"description": "Setup fee", "quantity": 2, "unit_price": "25.00"}},
		"discount": "5",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "45.00", field(t, body, "order", "total_amount"))
	orderID := idOf(t, body, "order", "id")

	rec, _ = s.do(t, http.MethodPost, fmt.Sprintf("/api/orders/%d/process-payment", orderID), staff, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body = s.do(t, http.MethodPost, fmt.Sprintf("/api/orders/%d/refund", orderID), staff, map[string]any{"amount": "15", "reason": "goodwill"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "15.00", field(t, body, "refund", "amount"))
	assert.Equal(t, "partially_refunded", field(t, body, "order", "payment_status"))

	rec, body = s.do(t, http.MethodGet, fmt.Sprintf("/api/users/%d", tenant.ID), staff, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "30.00", field(t, body, "user", "total_paid"))

	rec, body = s.do(t, http.MethodGet, "/api/payments?payment_type=refund", staff, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, field(t, body, "payments", "total"))
}

func TestPlanChangeRejectedWithBadStatus(t *testing.T) {
	s := newTestServer(t, nil)
	tenant, _ := s.user(t, "tenant", models.RoleUser)
	_, staff := s.user(t, "manager", models.RoleManager)

	rec, body := s.do(t, http.MethodPost, "/api/subscriptions", staff, map[string]any{
		"user_id":       tenant.ID,
		"plan_id":       s.plans["basic"].ID,
		"billing_cycle": "monthly",
		"activate":      true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Equal(t, "active", field(t, body, "subscription", "status"))
	subID := idOf(t, body, "subscription", "id")

	rec, body = s.do(t, http.MethodPut, fmt.Sprintf("/api/subscriptions/%d", subID), staff, map[string]any{
		"plan_id": s.plans["premium"].ID,
		"status":  "paused",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.Equal(t, "status", body["field"])

	var changes int64
	require.NoError(t, s.conn.Model(&models.Order{}).
		Where("subscription_id = ? AND type IN ?", subID, []models.OrderType{models.OrderTypeUpgrade, models.OrderTypeDowngrade}).
		Count(&changes).Error)
	assert.Zero(t, changes)

	rec, body = s.do(t, http.MethodGet, fmt.Sprintf("/api/subscriptions/%d", subID), staff, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, s.plans["basic"].ID, field(t, body, "subscription", "plan_id"))
	assert.Nil(t, field(t, body, "subscription", "pending_order_id"))
}

func TestValidationErrorShape(t *testing.T) {
	s := newTestServer(t, nil)
	_, admin := s.user(t, "admin", models.RoleAdmin)

	rec, body := s.do(t, http.MethodPost, "/api/plans", admin, map[string]any{"name": "Bad", "slug": "Not A Slug", "price": "1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", body["code"])
	assert.Equal(t, "slug", body["field"])

	rec, body = s.do(t, http.MethodGet, "/api/orders/abc", admin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid id", body["error"])

	rec, body = s.do(t, http.MethodPost, "/api/users", admin, map[string]any{"username": "new", "password": "longenough", "role": "manager"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "manager", field(t, body, "user", "role"))
	assert.Nil(t, field(t, body, "user", "password"))

	rec, _ = s.do(t, http.MethodPost, "/api/users", admin, map[string]any{"username": "new", "password": "longenough"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRateLimit(t *testing.T) {
	limiter := ratelimit.NewManager(ratelimit.StaticSettings(ratelimit.SettingsConfig{Limit: 1}), func() time.Time {
		return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	}, nil)
	s := newTestServer(t, limiter)
	_, token := s.user(t, "tenant", models.RoleUser)

	rec, _ := s.do(t, http.MethodGet, "/api/plans", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec, body := s.do(t, http.MethodGet, "/api/plans", token, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", body["code"])
}
