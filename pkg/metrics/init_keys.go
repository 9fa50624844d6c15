package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initKeyMetrics() {
	r.KeyResolverInstallsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_crypt_key_resolver_installs_total",
			Help: "Total number of key resolver installs (custom) and resets (default)",
		},
		[]string{"kind"},
	)

	r.KeyResolverLookupsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_crypt_key_resolver_lookups_total",
			Help: "Total number of key lookups by source and result",
		},
		[]string{"source", "result"},
	)

	r.KeyDebugOverrideEnabled = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "cluso_crypt_key_debug_override_enabled",
			Help: "Whether deterministic debug keys are active (1=yes, 0=no)",
		},
	)

	r.KeysTotal = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cluso_crypt_keys",
			Help: "Number of stored keys by status",
		},
		[]string{"status"},
	)

	r.KeyActiveVersion = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "cluso_crypt_key_active_version",
			Help: "Version of the active key",
		},
	)

	r.KeyLastRotationTimestamp = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "cluso_crypt_key_last_rotation_timestamp_seconds",
			Help: "Timestamp of the last key rotation as Unix timestamp",
		},
	)

	r.KeyOperationsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_crypt_key_operations_total",
			Help: "Total number of key lifecycle operations",
		},
		[]string{"operation", "status"},
	)

	r.KeyBackendDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cluso_crypt_key_backend_duration_seconds",
			Help:    "Key store backend call latency",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		},
		[]string{"backend", "operation"},
	)
}
