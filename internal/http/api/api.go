// Package api mounts the billing HTTP routes.
package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/estatedesk/billing/internal/catalog"
	"github.com/estatedesk/billing/internal/config"
	"github.com/estatedesk/billing/internal/http/api/handlers"
	"github.com/estatedesk/billing/internal/http/api/permissions"
	"github.com/estatedesk/billing/internal/metrics"
	"github.com/estatedesk/billing/internal/models"
	"github.com/estatedesk/billing/internal/orders"
	"github.com/estatedesk/billing/internal/payments"
	"github.com/estatedesk/billing/internal/ratelimit"
	"github.com/estatedesk/billing/internal/security"
	"github.com/estatedesk/billing/internal/subscription"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

// Deps carries everything the routes need.
type Deps struct {
	DB            *gorm.DB
	JWT           config.JWTConfig
	Catalog       *catalog.Service
	Subscriptions *subscription.Service
	Orders        *orders.Service
	Payments      *payments.Service
	Metrics       *metrics.Metrics
	Registry      *prometheus.Registry // serves /metrics when set
	Limiter       *ratelimit.Manager   // nil disables rate limiting
}

// RegisterRoutes mounts /healthz, /metrics and the /api groups.
func RegisterRoutes(r *gin.Engine, deps Deps) error {
	if r == nil || deps.DB == nil {
		return errors.New("api: engine and database are required")
	}
	if deps.Catalog == nil || deps.Subscriptions == nil || deps.Orders == nil || deps.Payments == nil {
		return errors.New("api: services are required")
	}

	if deps.Metrics != nil {
		r.Use(deps.Metrics.Middleware())
	}

	healthHandler := handlers.NewHealthHandler(deps.DB)
	r.GET("/healthz", healthHandler.Healthz)
	if deps.Registry != nil {
		r.GET("/metrics", gin.WrapH(metrics.Handler(deps.Registry)))
	}

	apiGroup := r.Group("/api")

	paymentHandler := handlers.NewPaymentHandler(deps.Payments)
	apiGroup.POST("/payments/webhook", ratelimit.Middleware(deps.Limiter, ratelimit.GroupWebhook, nil), paymentHandler.Webhook)

	authed := apiGroup.Group("")
	authed.Use(authMiddleware(deps.DB, deps.JWT))
	authed.Use(ratelimit.Middleware(deps.Limiter, ratelimit.GroupAPI, handlers.CallerFrom))
	authed.Use(permissionMiddleware())

	planHandler := handlers.NewPlanHandler(deps.Catalog)
	authed.GET("/plans", planHandler.List)
	authed.POST("/plans", planHandler.Create)
	authed.GET("/plans/:id", planHandler.Get)
	authed.PUT("/plans/:id", planHandler.Update)
	authed.PATCH("/plans/:id/status", planHandler.SetStatus)

	subscriptionHandler := handlers.NewSubscriptionHandler(deps.Subscriptions)
	authed.GET("/subscriptions", subscriptionHandler.List)
	authed.POST("/subscriptions", subscriptionHandler.Create)
	authed.GET("/subscriptions/stats/overview", subscriptionHandler.Overview)
	authed.GET("/subscriptions/upcoming/renewals", subscriptionHandler.UpcomingRenewals)
	authed.GET("/subscriptions/:id", subscriptionHandler.Get)
	authed.PUT("/subscriptions/:id", subscriptionHandler.Update)
	authed.PATCH("/subscriptions/:id/cancel", subscriptionHandler.Cancel)
	authed.PATCH("/subscriptions/:id/renew", subscriptionHandler.Renew)

	orderHandler := handlers.NewOrderHandler(deps.Orders)
	authed.GET("/orders", orderHandler.List)
	authed.POST("/orders", orderHandler.Create)
	authed.GET("/orders/:id", orderHandler.Get)
	authed.PUT("/orders/:id", orderHandler.Update)
	authed.PATCH("/orders/:id/cancel", orderHandler.Cancel)
	authed.POST("/orders/:id/process-payment", orderHandler.ProcessPayment)
	authed.POST("/orders/:id/refund", orderHandler.Refund)

	authed.GET("/payments", paymentHandler.List)
	authed.POST("/payments", paymentHandler.Create)
	authed.GET("/payments/:id", paymentHandler.Get)
	authed.PUT("/payments/:id", paymentHandler.Update)
	authed.POST("/payments/:id/refund", paymentHandler.Refund)

	reportHandler := handlers.NewReportHandler(deps.DB)
	authed.GET("/reports/monthly", reportHandler.Monthly)

	userHandler := handlers.NewUserHandler(deps.DB)
	authed.POST("/users", userHandler.Create)
	authed.GET("/users", userHandler.List)
	authed.GET("/users/:id", userHandler.Get)

	permissionHandler := handlers.NewPermissionHandler()
	authed.GET("/permissions", permissionHandler.List)
	return nil
}

// authMiddleware validates bearer JWTs and loads the calling user.
func authMiddleware(db *gorm.DB, jwtCfg config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header", "code": "unauthorized"})
			return
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format", "code": "unauthorized"})
			return
		}
		token = strings.TrimSpace(token)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "empty token", "code": "unauthorized"})
			return
		}

		claims, errJWT := security.ParseToken(jwtCfg.Secret, token)
		if errJWT != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token", "code": "unauthorized"})
			return
		}

		var user models.User
		if errFind := db.WithContext(c.Request.Context()).First(&user, claims.UserID).Error; errFind != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user not found", "code": "unauthorized"})
			return
		}
		if !user.Active {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "user disabled", "code": "forbidden"})
			return
		}
		handlers.SetCaller(c, &user)
		c.Next()
	}
}

// permissionMiddleware checks the matched route against the role table.
func permissionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		_, role := handlers.CallerFrom(c)
		if !permissions.Allowed(role, c.Request.Method, c.FullPath()) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden", "code": "forbidden"})
			return
		}
		c.Next()
	}
}
