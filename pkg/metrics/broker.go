package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meridianfs/meridian/internal/logger"
)

// BrokerMetrics implements the broker's Metrics interface on Prometheus
// collectors: per-operation counters and latency histograms, broadcast
// counters, and gauges for live sessions and caps.
type BrokerMetrics struct {
	operations *prometheus.CounterVec
	errors     *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	broadcasts *prometheus.CounterVec
	sessions   prometheus.Gauge
	caps       prometheus.Gauge
}

// NewBrokerMetrics creates and registers the broker collectors. Returns nil
// (a valid no-op for the broker) when the registry is not initialized.
func NewBrokerMetrics() *BrokerMetrics {
	reg := GetRegistry()
	if reg == nil {
		return nil
	}

	m := &BrokerMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meridian_broker_operations_total",
			Help: "Metadata operations by type",
		}, []string{"operation"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meridian_broker_operation_errors_total",
			Help: "Failed metadata operations by type",
		}, []string{"operation"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meridian_broker_operation_seconds",
			Help:    "Metadata operation latency",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		}, []string{"operation"}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meridian_broker_broadcasts_total",
			Help: "Broadcast messages by kind",
		}, []string{"kind"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meridian_broker_sessions",
			Help: "Live client sessions",
		}),
		caps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meridian_broker_caps",
			Help: "Live capabilities",
		}),
	}

	reg.MustRegister(m.operations, m.errors, m.latency, m.broadcasts, m.sessions, m.caps)
	return m
}

func (m *BrokerMetrics) RecordOperation(operation string, duration time.Duration, err error) {
	m.operations.WithLabelValues(operation).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.errors.WithLabelValues(operation).Inc()
	}
}

func (m *BrokerMetrics) RecordBroadcast(kind string) {
	m.broadcasts.WithLabelValues(kind).Inc()
}

func (m *BrokerMetrics) SetActiveSessions(n int) {
	m.sessions.Set(float64(n))
}

func (m *BrokerMetrics) SetActiveCaps(n int) {
	m.caps.Set(float64(n))
}

// ServeHTTP exposes the registry on addr; runs until the listener fails.
// Start in its own goroutine.
func ServeHTTP(addr string) {
	reg := GetRegistry()
	if reg == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	logger.Info("metrics endpoint listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics endpoint failed: %v", err)
	}
}
