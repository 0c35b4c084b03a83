package settlerd

import "boothnet/observability"

// Metrics exposes Prometheus collectors for settlerd instrumentation.
type Metrics = observability.SettlerdMetrics

// NewMetrics returns the lazily initialised metrics registry.
func NewMetrics() *Metrics { return observability.Settlerd() }
