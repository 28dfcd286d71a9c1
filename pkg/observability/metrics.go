package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Quota gate
	QuotaDecisionsTotal *prometheus.CounterVec
	TokensConsumedTotal *prometheus.CounterVec
	EstimatedCostTotal  *prometheus.CounterVec
	PeriodResetsTotal   *prometheus.CounterVec

	// Webhooks and reconciliation
	WebhookEventsTotal        *prometheus.CounterVec
	WebhookProcessingDuration *prometheus.HistogramVec
	UnknownPlansTotal         *prometheus.CounterVec
	PaymentsRecordedTotal     *prometheus.CounterVec
	UpstreamCallsTotal        *prometheus.CounterVec

	// Database metrics
	DBConnectionsOpen  prometheus.Gauge
	DBConnectionsInUse prometheus.Gauge
	DBConnectionsIdle  prometheus.Gauge
	DBWaitCount        prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenmeter_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tokenmeter_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		HTTPRequestSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tokenmeter_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 6),
			},
			[]string{"method", "route"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tokenmeter_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 6),
			},
			[]string{"method", "route"},
		),

		QuotaDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenmeter_quota_decisions_total",
				Help: "Quota gate decisions by outcome",
			},
			[]string{"plan", "decision"},
		),
		TokensConsumedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenmeter_tokens_consumed_total",
				Help: "Tokens admitted by the quota gate",
			},
			[]string{"plan"},
		),
		EstimatedCostTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenmeter_estimated_cost_usd_total",
				Help: "Estimated provider cost of admitted usage, for reporting only",
			},
			[]string{"model"},
		),
		PeriodResetsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenmeter_period_resets_total",
				Help: "Usage counter resets by source",
			},
			[]string{"source"},
		),

		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenmeter_webhook_events_total",
				Help: "Webhook deliveries by provider, event type and outcome",
			},
			[]string{"provider", "event_type", "outcome"},
		),
		WebhookProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tokenmeter_webhook_processing_duration_seconds",
				Help:    "Time spent verifying and applying a webhook delivery",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"provider"},
		),
		UnknownPlansTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenmeter_unknown_plans_total",
				Help: "Provider plan ids that did not resolve and fell back to the free plan",
			},
			[]string{"provider"},
		),
		PaymentsRecordedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenmeter_payments_recorded_total",
				Help: "Payment history writes by provider, status and outcome",
			},
			[]string{"provider", "status", "outcome"},
		),
		UpstreamCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenmeter_upstream_calls_total",
				Help: "Calls to billing provider APIs",
			},
			[]string{"provider", "operation", "status"},
		),

		DBConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tokenmeter_db_connections_open",
				Help: "Number of open database connections",
			},
		),
		DBConnectionsInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tokenmeter_db_connections_in_use",
				Help: "Number of database connections in use",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tokenmeter_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tokenmeter_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSize,
		m.HTTPResponseSize,
		m.QuotaDecisionsTotal,
		m.TokensConsumedTotal,
		m.EstimatedCostTotal,
		m.PeriodResetsTotal,
		m.WebhookEventsTotal,
		m.WebhookProcessingDuration,
		m.UnknownPlansTotal,
		m.PaymentsRecordedTotal,
		m.UpstreamCallsTotal,
		m.DBConnectionsOpen,
		m.DBConnectionsInUse,
		m.DBConnectionsIdle,
		m.DBWaitCount,
	)

	return m
}

// The helpers below are nil-safe so components can run without metrics.

// ObserveQuotaDecision counts one gate decision
func (m *Metrics) ObserveQuotaDecision(plan, decision string, tokens int64) {
	if m == nil {
		return
	}
	m.QuotaDecisionsTotal.WithLabelValues(plan, decision).Inc()
	if decision == "allowed" && tokens > 0 {
		m.TokensConsumedTotal.WithLabelValues(plan).Add(float64(tokens))
	}
}

// ObserveCost adds to the reporting-only cost counter
func (m *Metrics) ObserveCost(model string, usd float64) {
	if m == nil || usd <= 0 {
		return
	}
	if model == "" {
		model = "unknown"
	}
	m.EstimatedCostTotal.WithLabelValues(model).Add(usd)
}

// ObservePeriodReset counts a usage reset
func (m *Metrics) ObservePeriodReset(source string) {
	if m == nil {
		return
	}
	m.PeriodResetsTotal.WithLabelValues(source).Inc()
}

// ObserveWebhook records the outcome and latency of a delivery
func (m *Metrics) ObserveWebhook(provider, eventType, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if eventType == "" {
		eventType = "unknown"
	}
	m.WebhookEventsTotal.WithLabelValues(provider, eventType, outcome).Inc()
	m.WebhookProcessingDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// ObserveUnknownPlan counts a fail-closed plan resolution
func (m *Metrics) ObserveUnknownPlan(provider string) {
	if m == nil {
		return
	}
	m.UnknownPlansTotal.WithLabelValues(provider).Inc()
}

// ObservePayment counts a payment history write
func (m *Metrics) ObservePayment(provider, status string, inserted bool) {
	if m == nil {
		return
	}
	outcome := "inserted"
	if !inserted {
		outcome = "duplicate"
	}
	m.PaymentsRecordedTotal.WithLabelValues(provider, status, outcome).Inc()
}

// ObserveUpstreamCall counts a provider API call
func (m *Metrics) ObserveUpstreamCall(provider, operation string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.UpstreamCallsTotal.WithLabelValues(provider, operation, status).Inc()
}

// UpdateDBStats copies connection pool statistics into the gauges
func (m *Metrics) UpdateDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsOpen.Set(float64(stats.OpenConnections))
	m.DBConnectionsInUse.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBWaitCount.Set(float64(stats.WaitCount))
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// routeLabel uses the mux route template so user ids in paths do not
// become label values
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			route := routeLabel(r)
			if r.ContentLength > 0 {
				metrics.HTTPRequestSize.WithLabelValues(r.Method, route).Observe(float64(r.ContentLength))
			}

			next.ServeHTTP(rw, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(duration)
			metrics.HTTPResponseSize.WithLabelValues(r.Method, route).Observe(float64(rw.bytesWritten))
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
