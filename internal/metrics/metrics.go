package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/alecgard/warden/internal/alert"
)

// Metrics holds all Prometheus metric collectors for the Warden service.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	RateLimitedTotal    prometheus.Counter

	// Execution metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	AttemptsTotal     *prometheus.CounterVec
	AttemptDuration   *prometheus.HistogramVec
	RetryDelay        *prometheus.HistogramVec

	// Breaker metrics.
	BreakerOpensTotal *prometheus.CounterVec

	// Budget metrics.
	BudgetRejectionsTotal *prometheus.CounterVec
	SpendTotal            *prometheus.CounterVec
	TokensTotal           *prometheus.CounterVec

	// Alert metrics.
	AlertsTotal *prometheus.CounterVec

	// Collector (metering) metrics.
	CollectorFlushesTotal *prometheus.CounterVec
	CollectorRecordsTotal prometheus.Counter

	// Auth metrics.
	AuthFailuresTotal  *prometheus.CounterVec
	AuthSuccessesTotal *prometheus.CounterVec

	// Server lifecycle.
	ServerStartTime prometheus.Gauge
}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"kind", "method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind", "method", "path_pattern"}),

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_executions_total",
			Help: "Total number of agent executions by final status.",
		}, []string{"agent_type", "status"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_execution_duration_seconds",
			Help:    "Agent execution duration in seconds, including retries and fallbacks.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"agent_type"}),

		AttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_attempts_total",
			Help: "Total number of model attempts by outcome.",
		}, []string{"agent_type", "model", "outcome"}),

		AttemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_attempt_duration_seconds",
			Help:    "Provider call duration in seconds.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"agent_type", "model"}),

		RetryDelay: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_retry_delay_seconds",
			Help:    "Backoff delay before a retry in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8},
		}, []string{"agent_type"}),

		BreakerOpensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_breaker_opens_total",
			Help: "Total number of circuit breaker trips.",
		}, []string{"agent_type", "model"}),

		BudgetRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_budget_rejections_total",
			Help: "Total number of executions blocked by a hard budget.",
		}, []string{"agent_type", "limit"}),

		SpendTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_spend_total",
			Help: "Total recorded spend in currency units.",
		}, []string{"agent_type"}),

		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_tokens_total",
			Help: "Total recorded tokens.",
		}, []string{"agent_type"}),

		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_alerts_total",
			Help: "Total number of alerts emitted by kind.",
		}, []string{"kind"}),

		CollectorFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_collector_flushes_total",
			Help: "Total number of collector flushes.",
		}, []string{"status"}),

		CollectorRecordsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_collector_records_total",
			Help: "Total number of execution records flushed.",
		}),

		AuthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_auth_failures_total",
			Help: "Total number of authentication failures.",
		}, []string{"auth_type"}),

		AuthSuccessesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_auth_successes_total",
			Help: "Total number of successful authentications.",
		}, []string{"auth_type"}),

		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_rate_limited_total",
			Help: "Total number of execute requests rejected by the rate limiter.",
		}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RateLimitedTotal,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.AttemptsTotal,
		m.AttemptDuration,
		m.RetryDelay,
		m.BreakerOpensTotal,
		m.BudgetRejectionsTotal,
		m.SpendTotal,
		m.TokensTotal,
		m.AlertsTotal,
		m.CollectorFlushesTotal,
		m.CollectorRecordsTotal,
		m.AuthFailuresTotal,
		m.AuthSuccessesTotal,
		m.ServerStartTime,
	)

	m.ServerStartTime.Set(float64(time.Now().Unix()))

	// Register Go runtime and process collectors.
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterDBStats exposes the store's connection pool under the given
// driver label. stats is called on every scrape.
func (m *Metrics) RegisterDBStats(driver string, stats DBStatsFunc) {
	m.registry.MustRegister(newDBCollector(driver, stats))
}

// RegisterCollectorBuffer exposes the metering buffer length as a gauge.
func (m *Metrics) RegisterCollectorBuffer(pending func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "warden_collector_buffer_size",
		Help: "Current number of buffered execution records.",
	}, func() float64 { return float64(pending()) }))
}

// ObserveHTTP records one served HTTP request.
func (m *Metrics) ObserveHTTP(kind, method, pattern string, status int, seconds float64) {
	m.HTTPRequestsTotal.WithLabelValues(kind, method, pattern, fmt.Sprintf("%d", status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(kind, method, pattern).Observe(seconds)
}

// ObserveExecution records a finished execution.
func (m *Metrics) ObserveExecution(agentType, status string, seconds float64) {
	m.ExecutionsTotal.WithLabelValues(agentType, status).Inc()
	m.ExecutionDuration.WithLabelValues(agentType).Observe(seconds)
}

// ObserveAttempt records one model attempt. Short-circuited attempts never
// reached the provider and are counted without a duration.
func (m *Metrics) ObserveAttempt(agentType, model, outcome string, seconds float64) {
	m.AttemptsTotal.WithLabelValues(agentType, model, outcome).Inc()
	if outcome != "short_circuited" {
		m.AttemptDuration.WithLabelValues(agentType, model).Observe(seconds)
	}
}

// ObserveRetryDelay records a backoff delay.
func (m *Metrics) ObserveRetryDelay(agentType string, seconds float64) {
	m.RetryDelay.WithLabelValues(agentType).Observe(seconds)
}

// IncBreakerOpen increments the breaker trip counter.
func (m *Metrics) IncBreakerOpen(agentType, model string) {
	m.BreakerOpensTotal.WithLabelValues(agentType, model).Inc()
}

// IncBudgetRejection increments the budget rejection counter.
func (m *Metrics) IncBudgetRejection(agentType, limit string) {
	m.BudgetRejectionsTotal.WithLabelValues(agentType, limit).Inc()
}

// AddSpend adds recorded cost and tokens.
func (m *Metrics) AddSpend(agentType string, cost float64, tokens int64) {
	if cost > 0 {
		m.SpendTotal.WithLabelValues(agentType).Add(cost)
	}
	if tokens > 0 {
		m.TokensTotal.WithLabelValues(agentType).Add(float64(tokens))
	}
}

// ObserveFlush records a metering flush.
func (m *Metrics) ObserveFlush(records int, err error) {
	if err != nil {
		m.CollectorFlushesTotal.WithLabelValues("error").Inc()
		return
	}
	m.CollectorFlushesTotal.WithLabelValues("ok").Inc()
	m.CollectorRecordsTotal.Add(float64(records))
}

// IncAuthFailure increments the auth failure counter for the given auth type.
func (m *Metrics) IncAuthFailure(authType string) {
	m.AuthFailuresTotal.WithLabelValues(authType).Inc()
}

// IncAuthSuccess increments the auth success counter for the given auth type.
func (m *Metrics) IncAuthSuccess(authType string) {
	m.AuthSuccessesTotal.WithLabelValues(authType).Inc()
}

// IncRateLimited records one request rejected by the rate limiter.
func (m *Metrics) IncRateLimited(string) {
	m.RateLimitedTotal.Inc()
}

// AlertSink wraps next so every alert is also counted.
func (m *Metrics) AlertSink(next alert.Sink) alert.Sink {
	return alert.Func(func(ctx context.Context, ev alert.Event) {
		m.AlertsTotal.WithLabelValues(string(ev.Kind)).Inc()
		if next != nil {
			next.Notify(ctx, ev)
		}
	})
}
