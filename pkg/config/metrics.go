package config

import (
	"github.com/marmos91/canvasd/pkg/metrics"
	promMetrics "github.com/marmos91/canvasd/pkg/metrics/prometheus"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// Lifecycle is the metrics collector for the server (never nil, uses noop if disabled)
	Lifecycle metrics.LifecycleMetrics
}

// InitializeMetrics creates and initializes all metrics components based on configuration.
//
// If metrics are enabled in the configuration:
//   - Initializes the global Prometheus registry
//   - Creates the metrics HTTP server
//   - Creates Prometheus-backed lifecycle metrics
//
// If metrics are disabled:
//   - Returns nil server
//   - Returns no-op metrics implementations (zero overhead)
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Metrics.Enabled {
		return &MetricsResult{
			Server:    nil,
			Lifecycle: metrics.NewNoopLifecycleMetrics(),
		}
	}

	metrics.InitRegistry()

	server := metrics.NewServer(metrics.ServerConfig{
		Address: cfg.Metrics.Address,
	})

	return &MetricsResult{
		Server:    server,
		Lifecycle: promMetrics.NewLifecycleMetrics(),
	}
}
