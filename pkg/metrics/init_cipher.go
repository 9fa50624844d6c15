package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initCipherMetrics() {
	r.CipherOperationsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_crypt_cipher_operations_total",
			Help: "Total number of cipher operations by mode, direction and result",
		},
		[]string{"mode", "direction", "result"},
	)

	r.CipherBytesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_crypt_cipher_bytes_total",
			Help: "Total payload bytes pushed through cipher transforms",
		},
		[]string{"mode", "direction"},
	)

	r.CipherAuthFailures = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_crypt_cipher_auth_failures_total",
			Help: "Total number of rejected authentication tags",
		},
		[]string{"mode"},
	)
}
