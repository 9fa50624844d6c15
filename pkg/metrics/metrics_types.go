package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all metrics for the application
type Registry struct {
	// Cipher Metrics
	CipherOperationsTotal *prometheus.CounterVec
	CipherBytesTotal      *prometheus.CounterVec
	CipherAuthFailures    *prometheus.CounterVec

	// Key Resolver Metrics
	KeyResolverInstallsTotal *prometheus.CounterVec
	KeyResolverLookupsTotal  *prometheus.CounterVec
	KeyDebugOverrideEnabled  prometheus.Gauge

	// Key Store Metrics
	KeysTotal                *prometheus.GaugeVec
	KeyActiveVersion         prometheus.Gauge
	KeyLastRotationTimestamp prometheus.Gauge
	KeyOperationsTotal       *prometheus.CounterVec
	KeyBackendDuration       *prometheus.HistogramVec

	// Envelope Metrics
	EnvelopeOperationsTotal *prometheus.CounterVec
	EnvelopeBytesTotal      *prometheus.CounterVec

	// Key Sync Metrics
	KeySyncMessagesTotal *prometheus.CounterVec
	KeySyncLatestVersion prometheus.Gauge
	KeySyncErrorsTotal   *prometheus.CounterVec

	// System Metrics
	UptimeSeconds    prometheus.Gauge
	GoRoutines       prometheus.Gauge
	MemoryAllocBytes prometheus.Gauge
	MemorySysBytes   prometheus.Gauge

	registry *prometheus.Registry
	started  time.Time
}

var (
	// Global registry instance
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the global metrics registry
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
		started:  time.Now(),
	}

	r.initCipherMetrics()
	r.initKeyMetrics()
	r.initEnvelopeMetrics()
	r.initKeySyncMetrics()
	r.initSystemMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}
