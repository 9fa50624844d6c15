package metrics

import (
	"runtime"
	"time"
)

// RecordCipherOperation records one adapter call and the payload bytes it moved.
func (r *Registry) RecordCipherOperation(mode, direction, result string, bytes int) {
	r.CipherOperationsTotal.WithLabelValues(mode, direction, result).Inc()
	if bytes > 0 {
		r.CipherBytesTotal.WithLabelValues(mode, direction).Add(float64(bytes))
	}
}

// RecordAuthFailure records a rejected authentication tag.
func (r *Registry) RecordAuthFailure(mode string) {
	r.CipherAuthFailures.WithLabelValues(mode).Inc()
}

// RecordResolverInstall records a resolver swap; kind is "custom" or "default".
func (r *Registry) RecordResolverInstall(kind string) {
	r.KeyResolverInstallsTotal.WithLabelValues(kind).Inc()
}

// RecordKeyLookup records a key resolution; source is "resolver" or "debug".
func (r *Registry) RecordKeyLookup(source, result string) {
	r.KeyResolverLookupsTotal.WithLabelValues(source, result).Inc()
}

// SetDebugOverride reports whether deterministic debug keys are active.
func (r *Registry) SetDebugOverride(enabled bool) {
	if enabled {
		r.KeyDebugOverrideEnabled.Set(1)
	} else {
		r.KeyDebugOverrideEnabled.Set(0)
	}
}

// RecordKeyOperation records a key lifecycle operation
func (r *Registry) RecordKeyOperation(operation, status string) {
	r.KeyOperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordKeyRotation records a completed rotation to the given version.
func (r *Registry) RecordKeyRotation(version uint32, at time.Time) {
	r.KeyActiveVersion.Set(float64(version))
	r.KeyLastRotationTimestamp.Set(float64(at.Unix()))
}

// UpdateKeyCounts replaces the per-status key gauges.
func (r *Registry) UpdateKeyCounts(counts map[string]int) {
	r.KeysTotal.Reset()
	for status, n := range counts {
		r.KeysTotal.WithLabelValues(status).Set(float64(n))
	}
}

// ObserveBackend records the latency of a key store backend call.
func (r *Registry) ObserveBackend(backend, operation string, duration time.Duration) {
	r.KeyBackendDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// RecordEnvelope records an envelope operation with its plaintext and sealed sizes.
func (r *Registry) RecordEnvelope(operation, status string, plaintextBytes, sealedBytes int) {
	r.EnvelopeOperationsTotal.WithLabelValues(operation, status).Inc()
	if status != "success" {
		return
	}
	r.EnvelopeBytesTotal.WithLabelValues("plaintext").Add(float64(plaintextBytes))
	r.EnvelopeBytesTotal.WithLabelValues("sealed").Add(float64(sealedBytes))
}

// RecordKeySyncMessage records an announcement; direction is "sent" or "received".
func (r *Registry) RecordKeySyncMessage(direction string, version uint32) {
	r.KeySyncMessagesTotal.WithLabelValues(direction).Inc()
	r.KeySyncLatestVersion.Set(float64(version))
}

// RecordKeySyncError records a socket failure for the given role.
func (r *Registry) RecordKeySyncError(role string) {
	r.KeySyncErrorsTotal.WithLabelValues(role).Inc()
}

// UpdateSystemMetrics samples uptime, goroutines and memory.
func (r *Registry) UpdateSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	r.UptimeSeconds.Set(time.Since(r.started).Seconds())
	r.GoRoutines.Set(float64(runtime.NumGoroutine()))
	r.MemoryAllocBytes.Set(float64(m.Alloc))
	r.MemorySysBytes.Set(float64(m.Sys))
}
