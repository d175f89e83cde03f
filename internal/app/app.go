// Package app wires configuration, storage, services and the HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/estatedesk/billing/internal/catalog"
	"github.com/estatedesk/billing/internal/config"
	"github.com/estatedesk/billing/internal/db"
	"github.com/estatedesk/billing/internal/http/api"
	"github.com/estatedesk/billing/internal/metrics"
	"github.com/estatedesk/billing/internal/orders"
	"github.com/estatedesk/billing/internal/payments"
	"github.com/estatedesk/billing/internal/ratelimit"
	"github.com/estatedesk/billing/internal/scheduler"
	"github.com/estatedesk/billing/internal/subscription"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

// Runtime holds the services built for one process.
type Runtime struct {
	DB            *gorm.DB
	Server        config.ServerConfig
	JWT           config.JWTConfig
	Registry      *prometheus.Registry
	Metrics       *metrics.Metrics
	Catalog       *catalog.Service
	Subscriptions *subscription.Service
	Orders        *orders.Service
	Payments      *payments.Service
	Sweeper       *scheduler.Sweeper
	Limiter       *ratelimit.Manager

	redis *redis.Client
}

// Close releases the Redis client, the limiter and the database pool.
func (rt *Runtime) Close() error {
	var errs []error
	if rt.Limiter != nil {
		errs = append(errs, rt.Limiter.Close())
	}
	if rt.redis != nil {
		errs = append(errs, rt.redis.Close())
	}
	errs = append(errs, db.Close(rt.DB))
	return errors.Join(errs...)
}

// Build opens the database named by cfg, migrates it, seeds the plan catalog
// when empty and constructs every service.
func Build(ctx context.Context, cfg config.AppConfig) (*Runtime, error) {
	serverCfg, errServer := config.LoadServerConfig(cfg.ConfigPath)
	if errServer != nil {
		return nil, errServer
	}
	ConfigureLogging(serverCfg.Logging)

	dsn, errDSN := config.LoadDatabaseDSN(cfg.ConfigPath)
	if errDSN != nil {
		return nil, errDSN
	}
	jwtCfg, errJWT := config.LoadJWTConfig(cfg.ConfigPath)
	if errJWT != nil {
		return nil, errJWT
	}

	conn, errOpen := db.Open(dsn)
	if errOpen != nil {
		return nil, errOpen
	}
	log.WithFields(DescribeDSN(dsn).Fields()).Info("database opened")
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		_ = db.Close(conn)
		return nil, errMigrate
	}

	rt, errWire := wire(conn, serverCfg, jwtCfg)
	if errWire != nil {
		_ = db.Close(conn)
		return nil, errWire
	}
	seeded, errSeed := rt.Catalog.SeedDefaults(ctx)
	if errSeed != nil {
		_ = rt.Close()
		return nil, errSeed
	}
	if seeded > 0 {
		log.WithField("plans", seeded).Info("seeded default plan catalog")
	}
	return rt, nil
}

// wire constructs the services around an open, migrated connection.
func wire(conn *gorm.DB, serverCfg config.ServerConfig, jwtCfg config.JWTConfig) (*Runtime, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(registry)

	gateway, errGateway := payments.NewGateway(serverCfg.Payment)
	if errGateway != nil {
		return nil, errGateway
	}
	taxRate := decimal.NewFromFloat(serverCfg.Billing.TaxRate)

	rt := &Runtime{
		DB:       conn,
		Server:   serverCfg,
		JWT:      jwtCfg,
		Registry: registry,
		Metrics:  m,
	}
	rt.Catalog = catalog.NewService(conn, nil)
	rt.Subscriptions = subscription.NewService(conn, subscription.Options{
		Metrics:  m,
		TaxRate:  taxRate,
		Currency: serverCfg.Billing.Currency,
	})
	rt.Payments = payments.NewService(conn, payments.Options{
		Metrics:  m,
		Gateway:  gateway,
		Currency: serverCfg.Billing.Currency,
	})
	rt.Orders = orders.NewService(conn, rt.Subscriptions, rt.Payments, orders.Options{
		Metrics:  m,
		Currency: serverCfg.Billing.Currency,
	})
	rt.Payments.SetSettler(rt.Orders)

	var locker scheduler.Locker = scheduler.NewMemoryLocker()
	if serverCfg.Redis.Enabled() {
		rt.redis = redis.NewClient(&redis.Options{
			Addr:     serverCfg.Redis.Addr,
			Password: serverCfg.Redis.Password,
			DB:       serverCfg.Redis.DB,
		})
		locker = scheduler.NewRedisLocker(rt.redis, "")
	}
	rt.Sweeper = scheduler.NewSweeper(conn, rt.Subscriptions, scheduler.SweeperOptions{
		Locker:         locker,
		Metrics:        m,
		RenewalWindow:  serverCfg.Scheduler.RenewalWindow,
		ReminderWindow: serverCfg.Scheduler.ReminderWindow,
		LockTTL:        serverCfg.Scheduler.LockTTL,
	})

	if serverCfg.RateLimit.Enabled() {
		rt.Limiter = ratelimit.NewManager(ratelimit.StaticSettings(ratelimit.SettingsFromConfig(serverCfg)), nil, nil)
	}
	log.WithFields(log.Fields{
		"gateway":            gateway.Name(),
		"redis":              serverCfg.Redis.Enabled(),
		"rate_limit":         serverCfg.RateLimit.PerSecond,
		"webhook_rate_limit": serverCfg.RateLimit.Webhook,
	}).Info("services ready")
	return rt, nil
}

// Handler builds the gin engine serving the billing API.
func (rt *Runtime) Handler() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())
	if errRoutes := api.RegisterRoutes(engine, api.Deps{
		DB:            rt.DB,
		JWT:           rt.JWT,
		Catalog:       rt.Catalog,
		Subscriptions: rt.Subscriptions,
		Orders:        rt.Orders,
		Payments:      rt.Payments,
		Metrics:       rt.Metrics,
		Registry:      rt.Registry,
		Limiter:       rt.Limiter,
	}); errRoutes != nil {
		return nil, errRoutes
	}
	return engine, nil
}

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	dsn, err := config.LoadDatabaseDSN(cfg.ConfigPath)
	if err != nil {
		return err
	}
	conn, err := db.Open(dsn)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close(conn) }()
	if errMigrate := db.Migrate(conn.WithContext(ctx)); errMigrate != nil {
		return errMigrate
	}
	log.WithFields(DescribeDSN(dsn).Fields()).Info("migrations applied")
	return nil
}

// RunSweep runs one named sweep and reports how many records it touched.
func RunSweep(ctx context.Context, cfg config.AppConfig, name string) (int, error) {
	rt, errBuild := Build(ctx, cfg)
	if errBuild != nil {
		return 0, errBuild
	}
	defer func() { _ = rt.Close() }()
	return rt.Sweeper.Run(ctx, name)
}

// RunServer serves the API and runs the scheduler until ctx is cancelled.
func RunServer(ctx context.Context, cfg config.AppConfig) error {
	rt, errBuild := Build(ctx, cfg)
	if errBuild != nil {
		return errBuild
	}
	defer func() {
		if errClose := rt.Close(); errClose != nil {
			log.WithError(errClose).Warn("close runtime")
		}
	}()

	if !rt.JWTReady() {
		return fmt.Errorf("jwt.secret is empty; run init or set %s", config.EnvJWTSecret)
	}
	if hasAdmin, errAdmin := HasAdminUser(ctx, rt.DB); errAdmin != nil {
		return errAdmin
	} else if !hasAdmin {
		log.Warn("no admin user exists; create one with the init command")
	}

	engine, errHandler := rt.Handler()
	if errHandler != nil {
		return errHandler
	}

	var sched *scheduler.Scheduler
	if rt.Server.Scheduler.Disabled {
		log.Info("scheduler disabled")
	} else {
		sched = scheduler.New(rt.Sweeper, rt.Server.Scheduler)
		if errStart := sched.Start(ctx); errStart != nil {
			return errStart
		}
		defer sched.Stop()
	}

	srv := &http.Server{
		Addr:              rt.Server.Addr(),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("billing API listening on %s", srv.Addr)
		if errListen := srv.ListenAndServe(); errListen != nil && !errors.Is(errListen, http.ErrServerClosed) {
			errCh <- errListen
		}
		close(errCh)
	}()

	select {
	case errListen, ok := <-errCh:
		if ok {
			return errListen
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if errShutdown := srv.Shutdown(shutdownCtx); errShutdown != nil {
		return fmt.Errorf("shutdown http server: %w", errShutdown)
	}
	return nil
}

// JWTReady reports whether bearer tokens can be verified.
func (rt *Runtime) JWTReady() bool {
	return rt.JWT.Secret != ""
}
