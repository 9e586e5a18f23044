package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Option configures a Manager.
type Option func(*Manager)

// WithNamespace sets the namespace for all metrics.
func WithNamespace(namespace string) Option {
	return func(m *Manager) {
		if namespace != "" {
			m.namespace = namespace
		}
	}
}

// WithSubsystem sets the subsystem for all metrics.
func WithSubsystem(subsystem string) Option {
	return func(m *Manager) {
		if subsystem != "" {
			m.subsystem = subsystem
		}
	}
}

// WithHistogramBuckets sets custom buckets for latency histograms.
func WithHistogramBuckets(buckets []float64) Option {
	return func(m *Manager) {
		if len(buckets) > 0 {
			m.histogramBuckets = buckets
		}
	}
}

// WithMetricsEnabled set to false registers collectors on a private registry
// that is never exposed.
func WithMetricsEnabled(enabled bool) Option {
	return func(m *Manager) {
		m.enabled = enabled
		if !enabled {
			m.registry = prometheus.NewRegistry()
		}
	}
}

// WithRefreshInterval sets how often sampled gauges are refreshed.
func WithRefreshInterval(interval time.Duration) Option {
	return func(m *Manager) {
		if interval > 0 {
			m.refreshInterval = interval
		}
	}
}

// WithCustomLabels adds constant labels to every collector.
func WithCustomLabels(labels map[string]string) Option {
	return func(m *Manager) {
		if labels != nil {
			m.customLabels = labels
		}
	}
}

// WithMetricPrefix prefixes every metric name.
func WithMetricPrefix(prefix string) Option {
	return func(m *Manager) {
		if prefix != "" {
			m.metricPrefix = prefix
		}
	}
}

// WithPrometheusRegistry sets the registerer collectors are added to.
// It has no effect after WithMetricsEnabled(false).
func WithPrometheusRegistry(registry prometheus.Registerer) Option {
	return func(m *Manager) {
		if registry != nil && m.enabled {
			m.registry = registry
		}
	}
}

// Enabled reports whether the manager exports its collectors.
func (m *Manager) Enabled() bool { return m.enabled }

// RefreshInterval is the cadence for sampled gauges such as memory usage.
func (m *Manager) RefreshInterval() time.Duration { return m.refreshInterval }

// Default returns the process-wide manager.
func Default() *Manager { return globalManager }
