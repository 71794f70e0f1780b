// Package metrics exposes the control plane's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the collectors wired through the control plane.
type Metrics struct {
	Invocations      *prometheus.CounterVec
	InvocationErrors *prometheus.CounterVec
	InvocationTime   *prometheus.HistogramVec
	LifecycleOps     *prometheus.CounterVec
	PluginsLive      *prometheus.GaugeVec
	RegistryFetches  *prometheus.CounterVec
}

// New registers the collectors on the given registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Invocations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forgehook",
			Name:      "invocations_total",
			Help:      "Plugin function invocations.",
		}, []string{"plugin", "runtime"}),
		InvocationErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forgehook",
			Name:      "invocation_errors_total",
			Help:      "Failed plugin function invocations.",
		}, []string{"plugin", "runtime", "code"}),
		InvocationTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "forgehook",
			Name:      "invocation_duration_seconds",
			Help:      "Plugin invocation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"plugin", "runtime"}),
		LifecycleOps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forgehook",
			Name:      "lifecycle_operations_total",
			Help:      "Lifecycle operations by kind and outcome.",
		}, []string{"operation", "outcome"}),
		PluginsLive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "forgehook",
			Name:      "plugins_live",
			Help:      "Installed plugins by status.",
		}, []string{"status"}),
		RegistryFetches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forgehook",
			Name:      "registry_fetches_total",
			Help:      "Registry source fetches by outcome.",
		}, []string{"source", "outcome"}),
	}
}
