package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the signaling server.
// Each instance owns its registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	callsCreatedTotal     *prometheus.CounterVec
	statusTransitionTotal *prometheus.CounterVec
	callsExpiredTotal     *prometheus.CounterVec
	callsActive           prometheus.Gauge

	subscriptionsActive *prometheus.GaugeVec
	deliveriesTotal     *prometheus.CounterVec

	websocketConnections prometheus.Gauge

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all collectors
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	labels := prometheus.Labels{"service": serviceName}

	return &Metrics{
		registry: reg,
		callsCreatedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "calls_created_total",
			Help:        "Total number of call sessions created",
			ConstLabels: labels,
		}, []string{"call_type"}),
		statusTransitionTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "call_status_transitions_total",
			Help:        "Total number of applied call status changes",
			ConstLabels: labels,
		}, []string{"status"}),
		callsExpiredTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "calls_expired_total",
			Help:        "Total number of call sessions reclaimed by the janitor",
			ConstLabels: labels,
		}, []string{"reason"}),
		callsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "calls_active",
			Help:        "Number of call sessions currently in the store",
			ConstLabels: labels,
		}),
		subscriptionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "bus_subscriptions_active",
			Help:        "Number of live notification bus subscriptions",
			ConstLabels: labels,
		}, []string{"kind"}),
		deliveriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "bus_deliveries_total",
			Help:        "Total number of notifications handed to listeners",
			ConstLabels: labels,
		}, []string{"kind"}),
		websocketConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "websocket_connections",
			Help:        "Number of open call event streams",
			ConstLabels: labels,
		}),
		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "http_requests_total",
			Help:        "Total number of HTTP requests",
			ConstLabels: labels,
		}, []string{"method", "endpoint", "status"}),
		httpRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "http_request_duration_seconds",
			Help:        "HTTP request latency in seconds",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// Registry returns the registry backing these metrics
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordCallCreated(callType string) {
	m.callsCreatedTotal.WithLabelValues(callType).Inc()
}

func (m *Metrics) RecordStatus(status string) {
	m.statusTransitionTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordExpired(reason string) {
	m.callsExpiredTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetActiveCalls(n int) {
	m.callsActive.Set(float64(n))
}

func (m *Metrics) SubscriptionOpened(kind string) {
	m.subscriptionsActive.WithLabelValues(kind).Inc()
}

func (m *Metrics) SubscriptionClosed(kind string) {
	m.subscriptionsActive.WithLabelValues(kind).Dec()
}

func (m *Metrics) RecordDelivery(kind string) {
	m.deliveriesTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) WebSocketOpened() {
	m.websocketConnections.Inc()
}

func (m *Metrics) WebSocketClosed() {
	m.websocketConnections.Dec()
}

// Middleware records request count and latency per route
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		m.httpRequestsTotal.WithLabelValues(c.Request.Method, endpoint, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpRequestDuration.WithLabelValues(c.Request.Method, endpoint).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the registry in Prometheus text format
func (m *Metrics) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// Observer is the subset of Metrics the lower layers report into
type Observer interface {
	RecordCallCreated(callType string)
	RecordStatus(status string)
	RecordExpired(reason string)
	SetActiveCalls(n int)
	SubscriptionOpened(kind string)
	SubscriptionClosed(kind string)
	RecordDelivery(kind string)
}

// Nop discards every observation
type Nop struct{}

func (Nop) RecordCallCreated(string)  {}
func (Nop) RecordStatus(string)       {}
func (Nop) RecordExpired(string)      {}
func (Nop) SetActiveCalls(int)        {}
func (Nop) SubscriptionOpened(string) {}
func (Nop) SubscriptionClosed(string) {}
func (Nop) RecordDelivery(string)     {}
