package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics exposes the Prometheus series the ledger core publishes
// alongside its OpenTelemetry spans.
type LedgerMetrics struct {
	transactions    *prometheus.CounterVec
	stateTransition *prometheus.CounterVec
	pspCalls        *prometheus.CounterVec
	pspLatency      *prometheus.HistogramVec
	xpAwards        *prometheus.CounterVec
	reconcileDrift  prometheus.Gauge
	killSwitch      prometheus.Gauge
	sweeps          *prometheus.CounterVec
	outboxJobs      *prometheus.CounterVec
}

var (
	ledgerMetricsOnce sync.Once
	ledgerRegistry    *LedgerMetrics
)

// Metrics returns the lazily-initialised, process-wide metrics registry.
func Metrics() *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hustlexp",
				Subsystem: "ledger",
				Name:      "transactions_total",
				Help:      "Ledger transactions segmented by type and terminal status.",
			}, []string{"type", "status"}),
			stateTransition: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hustlexp",
				Subsystem: "money",
				Name:      "state_transitions_total",
				Help:      "MoneyStateMachine.Handle outcomes segmented by event and result.",
			}, []string{"event", "result"}),
			pspCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hustlexp",
				Subsystem: "psp",
				Name:      "bridge_calls_total",
				Help:      "Outbound PSP bridge calls segmented by operation and outcome.",
			}, []string{"op", "outcome"}),
			pspLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "hustlexp",
				Subsystem: "psp",
				Name:      "bridge_call_latency_seconds",
				Help:      "Latency distribution for outbound PSP bridge calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"op"}),
			xpAwards: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hustlexp",
				Subsystem: "xp",
				Name:      "awards_total",
				Help:      "AtomicXPService awards segmented by whether they were already awarded.",
			}, []string{"already_awarded"}),
			reconcileDrift: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "hustlexp",
				Subsystem: "reconciler",
				Name:      "drift_cents",
				Help:      "Absolute drift in cents observed on the last reconciliation run.",
			}),
			killSwitch: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "hustlexp",
				Subsystem: "killswitch",
				Name:      "active",
				Help:      "1 when the kill-switch is active, 0 otherwise.",
			}),
			sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hustlexp",
				Subsystem: "reaper",
				Name:      "sweep_total",
				Help:      "Reaper/sweeper runs segmented by sweeper name and outcome.",
			}, []string{"sweeper", "outcome"}),
			outboxJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hustlexp",
				Subsystem: "outbox",
				Name:      "jobs_total",
				Help:      "Outbox jobs segmented by terminal status.",
			}, []string{"status"}),
		}
		prometheus.MustRegister(
			ledgerRegistry.transactions,
			ledgerRegistry.stateTransition,
			ledgerRegistry.pspCalls,
			ledgerRegistry.pspLatency,
			ledgerRegistry.xpAwards,
			ledgerRegistry.reconcileDrift,
			ledgerRegistry.killSwitch,
			ledgerRegistry.sweeps,
			ledgerRegistry.outboxJobs,
		)
	})
	return ledgerRegistry
}

// RecordTransaction increments the ledger transaction counter.
func (m *LedgerMetrics) RecordTransaction(txType, status string) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(txType, status).Inc()
}

// RecordStateTransition increments the MoneyStateMachine transition counter.
func (m *LedgerMetrics) RecordStateTransition(event, result string) {
	if m == nil {
		return
	}
	m.stateTransition.WithLabelValues(event, result).Inc()
}

// RecordPSPCall increments the PSP bridge call counter and its latency histogram.
func (m *LedgerMetrics) RecordPSPCall(op, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.pspCalls.WithLabelValues(op, outcome).Inc()
	m.pspLatency.WithLabelValues(op).Observe(seconds)
}

// RecordXPAward increments the XP award counter.
func (m *LedgerMetrics) RecordXPAward(alreadyAwarded bool) {
	if m == nil {
		return
	}
	m.xpAwards.WithLabelValues(boolLabel(alreadyAwarded)).Inc()
}

// SetReconcileDrift records the absolute drift observed on the last reconciliation run.
func (m *LedgerMetrics) SetReconcileDrift(cents float64) {
	if m == nil {
		return
	}
	m.reconcileDrift.Set(cents)
}

// SetKillSwitch records the current kill-switch state.
func (m *LedgerMetrics) SetKillSwitch(active bool) {
	if m == nil {
		return
	}
	if active {
		m.killSwitch.Set(1)
		return
	}
	m.killSwitch.Set(0)
}

// RecordSweep increments the reaper/sweeper run counter.
func (m *LedgerMetrics) RecordSweep(sweeper, outcome string) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(sweeper, outcome).Inc()
}

// RecordOutboxJob increments the outbox job counter.
func (m *LedgerMetrics) RecordOutboxJob(status string) {
	if m == nil {
		return
	}
	m.outboxJobs.WithLabelValues(status).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
