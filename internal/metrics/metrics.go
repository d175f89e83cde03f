// Package metrics exposes Prometheus collectors for the billing service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Business metrics
	SubscriptionTransitions *prometheus.CounterVec
	OrdersCreated           *prometheus.CounterVec
	Payments                *prometheus.CounterVec

	// Sweep metrics
	SweepRuns     *prometheus.CounterVec
	SweepAffected *prometheus.CounterVec
	SweepDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all collectors on registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billing_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		SubscriptionTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_subscription_transitions_total",
				Help: "Subscription status transitions by target status",
			},
			[]string{"to"},
		),
		OrdersCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_orders_created_total",
				Help: "Orders created by type",
			},
			[]string{"type"},
		),
		Payments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_payments_total",
				Help: "Payments recorded by type and status",
			},
			[]string{"type", "status"},
		),
		SweepRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_sweep_runs_total",
				Help: "Scheduled sweep runs by result",
			},
			[]string{"sweep", "result"},
		),
		SweepAffected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_sweep_affected_total",
				Help: "Rows changed by scheduled sweeps",
			},
			[]string{"sweep"},
		),
		SweepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billing_sweep_duration_seconds",
				Help:    "Scheduled sweep duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
			},
			[]string{"sweep"},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.HTTPRequestsTotal,
			m.HTTPRequestDuration,
			m.SubscriptionTransitions,
			m.OrdersCreated,
			m.Payments,
			m.SweepRuns,
			m.SweepAffected,
			m.SweepDuration,
		)
	}
	return m
}

// SubscriptionTransition counts a move into status to.
func (m *Metrics) SubscriptionTransition(to string) {
	if m == nil {
		return
	}
	m.SubscriptionTransitions.WithLabelValues(to).Inc()
}

// OrderCreated counts a new order of the given type.
func (m *Metrics) OrderCreated(orderType string) {
	if m == nil {
		return
	}
	m.OrdersCreated.WithLabelValues(orderType).Inc()
}

// PaymentRecorded counts a payment row.
func (m *Metrics) PaymentRecorded(paymentType, status string) {
	if m == nil {
		return
	}
	m.Payments.WithLabelValues(paymentType, status).Inc()
}

// SweepFinished records one sweep run.
func (m *Metrics) SweepFinished(sweep string, affected int, duration time.Duration, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.SweepRuns.WithLabelValues(sweep, result).Inc()
	if affected > 0 {
		m.SweepAffected.WithLabelValues(sweep).Add(float64(affected))
	}
	m.SweepDuration.WithLabelValues(sweep).Observe(duration.Seconds())
}

// SweepSkipped records a run that did not obtain its lock.
func (m *Metrics) SweepSkipped(sweep string) {
	if m == nil {
		return
	}
	m.SweepRuns.WithLabelValues(sweep, "skipped").Inc()
}

// Middleware instruments gin requests. Paths are the route templates so
// label cardinality stays bounded.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
