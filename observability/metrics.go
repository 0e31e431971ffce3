// Package observability exposes the protocol's Prometheus metrics.
package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ProtocolMetrics tracks protocol operations segmented by pool asset.
type ProtocolMetrics struct {
	operations   *prometheus.CounterVec
	failures     *prometheus.CounterVec
	liquidations *prometheus.CounterVec
	flashLoans   *prometheus.CounterVec
}

var (
	protocolOnce     sync.Once
	protocolRegistry *ProtocolMetrics
)

// Protocol returns the singleton metrics registry for pool operations.
func Protocol() *ProtocolMetrics {
	protocolOnce.Do(func() {
		protocolRegistry = &ProtocolMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "degenlend",
				Subsystem: "router",
				Name:      "operations_total",
				Help:      "Count of dispatched pool operations segmented by method and asset.",
			}, []string{"method", "asset"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "degenlend",
				Subsystem: "router",
				Name:      "operation_failures_total",
				Help:      "Count of rejected pool operations segmented by method and asset.",
			}, []string{"method", "asset"}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "degenlend",
				Subsystem: "liquidation",
				Name:      "liquidations_total",
				Help:      "Count of completed liquidations segmented by borrow asset.",
			}, []string{"asset"}),
			flashLoans: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "degenlend",
				Subsystem: "lending",
				Name:      "flash_loans_total",
				Help:      "Count of completed flash loans segmented by asset.",
			}, []string{"asset"}),
		}
		prometheus.MustRegister(
			protocolRegistry.operations,
			protocolRegistry.failures,
			protocolRegistry.liquidations,
			protocolRegistry.flashLoans,
		)
	})
	return protocolRegistry
}

func normalizeAsset(asset string) string {
	normalized := strings.TrimSpace(strings.ToUpper(asset))
	if normalized == "" {
		return "UNKNOWN"
	}
	return normalized
}

// RecordOperation increments the dispatch counter for the method and asset.
func (m *ProtocolMetrics) RecordOperation(method, asset string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(method, normalizeAsset(asset)).Inc()
}

// RecordFailure increments the failure counter for the method and asset.
func (m *ProtocolMetrics) RecordFailure(method, asset string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(method, normalizeAsset(asset)).Inc()
}

// RecordLiquidation increments the liquidation counter for the borrow asset.
func (m *ProtocolMetrics) RecordLiquidation(asset string) {
	if m == nil {
		return
	}
	m.liquidations.WithLabelValues(normalizeAsset(asset)).Inc()
}

// RecordFlashLoan increments the flash-loan counter for the asset.
func (m *ProtocolMetrics) RecordFlashLoan(asset string) {
	if m == nil {
		return
	}
	m.flashLoans.WithLabelValues(normalizeAsset(asset)).Inc()
}
