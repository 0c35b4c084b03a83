package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	settlerdMetricsOnce sync.Once
	settlerdRegistry    *SettlerdMetrics
)

// SettlerdMetrics wraps collectors tracking the event feed, payment settlement and
// reconciliation passes.
type SettlerdMetrics struct {
	eventsReceived   *prometheus.CounterVec
	eventsDropped    *prometheus.CounterVec
	feedReconnects   prometheus.Counter
	feedConnected    prometheus.Gauge
	payments         *prometheus.CounterVec
	paymentAmount    *prometheus.HistogramVec
	campaigns        *prometheus.CounterVec
	ledgerDivergence prometheus.Counter
	passDuration     *prometheus.HistogramVec
	lastPassBucket   prometheus.Gauge
}

// Settlerd exposes the metrics registry for settlerd.
func Settlerd() *SettlerdMetrics {
	settlerdMetricsOnce.Do(func() {
		settlerdRegistry = &SettlerdMetrics{
			eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "boothnet",
				Subsystem: "feed",
				Name:      "events_received_total",
				Help:      "Oracle log events received from the websocket feed segmented by kind.",
			}, []string{"kind"}),
			eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "boothnet",
				Subsystem: "feed",
				Name:      "events_dropped_total",
				Help:      "Oracle log events discarded before attribution segmented by reason.",
			}, []string{"reason"}),
			feedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "boothnet",
				Subsystem: "feed",
				Name:      "reconnect_attempts_total",
				Help:      "Feed redial attempts after a failed connect or a disconnect.",
			}),
			feedConnected: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "boothnet",
				Subsystem: "feed",
				Name:      "connected",
				Help:      "Set to 1 while the feed connection is live.",
			}),
			payments: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "boothnet",
				Subsystem: "settlerd",
				Name:      "payments_total",
				Help:      "Settlement attempts segmented by origin and outcome.",
			}, []string{"origin", "outcome"}),
			paymentAmount: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "boothnet",
				Subsystem: "settlerd",
				Name:      "payment_amount_tokens",
				Help:      "Distribution of completed payment amounts in token units.",
				Buckets:   []float64{1, 10, 50, 100, 250, 500, 1000, 2500},
			}, []string{"origin"}),
			campaigns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "boothnet",
				Subsystem: "settlerd",
				Name:      "campaigns_processed_total",
				Help:      "Campaign distributions segmented by outcome.",
			}, []string{"outcome"}),
			ledgerDivergence: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "boothnet",
				Subsystem: "settlerd",
				Name:      "ledger_divergence_total",
				Help:      "Transfers that succeeded but could not be recorded in the ledger.",
			}),
			passDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "boothnet",
				Subsystem: "recon",
				Name:      "pass_duration_seconds",
				Help:      "Latency distribution of reconciliation passes.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"outcome"}),
			lastPassBucket: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "boothnet",
				Subsystem: "recon",
				Name:      "last_pass_bucket",
				Help:      "Unix timestamp of the bucket settled by the most recent pass.",
			}),
		}
		prometheus.MustRegister(
			settlerdRegistry.eventsReceived,
			settlerdRegistry.eventsDropped,
			settlerdRegistry.feedReconnects,
			settlerdRegistry.feedConnected,
			settlerdRegistry.payments,
			settlerdRegistry.paymentAmount,
			settlerdRegistry.campaigns,
			settlerdRegistry.ledgerDivergence,
			settlerdRegistry.passDuration,
			settlerdRegistry.lastPassBucket,
		)
	})
	return settlerdRegistry
}

// RecordEvent counts a received feed event.
func (m *SettlerdMetrics) RecordEvent(kind string) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(label(kind)).Inc()
}

// RecordEventDropped counts an event discarded for reason.
func (m *SettlerdMetrics) RecordEventDropped(reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(label(reason)).Inc()
}

// RecordReconnect counts a redial of the feed.
func (m *SettlerdMetrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.feedReconnects.Inc()
}

// SetConnected toggles the feed connection gauge.
func (m *SettlerdMetrics) SetConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.feedConnected.Set(1)
		return
	}
	m.feedConnected.Set(0)
}

// RecordPayment counts a settlement outcome and, for completed payments, its amount.
func (m *SettlerdMetrics) RecordPayment(origin, outcome string, amount float64) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(label(origin), label(outcome)).Inc()
	if outcome == "completed" {
		m.paymentAmount.WithLabelValues(label(origin)).Observe(amount)
	}
}

// RecordCampaign counts a campaign distribution outcome.
func (m *SettlerdMetrics) RecordCampaign(outcome string) {
	if m == nil {
		return
	}
	m.campaigns.WithLabelValues(label(outcome)).Inc()
}

// RecordLedgerDivergence counts a transfer the ledger failed to record.
func (m *SettlerdMetrics) RecordLedgerDivergence() {
	if m == nil {
		return
	}
	m.ledgerDivergence.Inc()
}

// ObservePass records a reconciliation pass.
func (m *SettlerdMetrics) ObservePass(bucket int64, d time.Duration, ok bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.passDuration.WithLabelValues(outcome).Observe(d.Seconds())
	m.lastPassBucket.Set(float64(bucket))
}

func label(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return "unspecified"
	}
	return v
}
