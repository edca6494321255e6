// Package metrics provides Prometheus metrics collection for canvasd.
//
// All metrics are optional - if the registry is not initialized, components
// use no-op implementations with zero overhead.
//
// Usage:
//
//	metrics.InitRegistry()
//	lifecycle := prometheus.NewLifecycleMetrics()
//	srv := server.New(cfg, registry, server.WithMetrics(lifecycle))
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Namespace prefixes every canvasd metric name.
const Namespace = "canvasd"

// Connection rejection reasons, used as the "reason" label.
const (
	RejectBanned      = "banned"
	RejectRateLimited = "rate_limited"
	RejectStopping    = "stopping"
)

var (
	// registry is the global Prometheus registry for all canvasd metrics
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry initializes the global Prometheus registry.
//
// Safe to call multiple times - subsequent calls are ignored.
func InitRegistry() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// GetRegistry returns the global Prometheus registry, or nil if
// InitRegistry() has not been called.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled returns true if InitRegistry() has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}
