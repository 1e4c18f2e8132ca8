// Package metrics provides Prometheus metrics collection for the broker.
//
// All metrics are optional - components take the broker.Metrics interface
// and accept nil for zero-overhead no-op behavior.
//
// Usage:
//
//	// Initialize global registry (typically in main.go)
//	metrics.InitRegistry()
//
//	// Create the broker metrics instance
//	brokerMetrics := metrics.NewBrokerMetrics()
//
//	// Or use nil for no-op behavior
//	b := broker.New(broker.Options{Metrics: nil})
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// registry is the global Prometheus registry, write-once via
	// registryOnce
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry initializes the global Prometheus registry. Safe to call
// multiple times; subsequent calls are ignored. If never called,
// GetRegistry() returns nil and constructors return no-op implementations.
func InitRegistry() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
	})
}

// GetRegistry returns the global Prometheus registry, or nil when metrics
// are disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether metrics collection is enabled.
func IsEnabled() bool {
	return GetRegistry() != nil
}
