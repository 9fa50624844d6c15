package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initEnvelopeMetrics() {
	r.EnvelopeOperationsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_crypt_envelope_operations_total",
			Help: "Total number of envelope seal/open operations",
		},
		[]string{"operation", "status"},
	)

	r.EnvelopeBytesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_crypt_envelope_bytes_total",
			Help: "Plaintext and sealed bytes handled by envelopes",
		},
		[]string{"kind"},
	)
}

func (r *Registry) initKeySyncMetrics() {
	r.KeySyncMessagesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_crypt_keysync_messages_total",
			Help: "Key version announcements sent and received",
		},
		[]string{"direction"},
	)

	r.KeySyncLatestVersion = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "cluso_crypt_keysync_latest_version",
			Help: "Latest key version seen by this process",
		},
	)

	r.KeySyncErrorsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_crypt_keysync_errors_total",
			Help: "Key sync socket errors by role",
		},
		[]string{"role"},
	)
}
