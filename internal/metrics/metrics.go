// Package metrics exposes the sequencer's runtime counters and gauges
// over Prometheus, per SPEC_FULL's observability section. The teacher
// pulls github.com/prometheus/client_golang transitively but never
// imports it in its own pkg/ code; this is the first package in the
// module to actually wire it, grounded on the standard
// promauto/promhttp registration pattern rather than any teacher file.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the sequencer updates. Nil-safe: a nil
// *Metrics accepts every method call as a no-op, so components can take
// one unconditionally instead of branching on whether metrics are
// configured.
type Metrics struct {
	registry *prometheus.Registry

	PipelineSealedDepth     prometheus.Gauge
	PipelineProvedDepth     prometheus.Gauge
	BatchesSealedTotal      prometheus.Counter
	BatchesSettledTotal     prometheus.Counter
	SettlementAttemptsTotal prometheus.Counter
	SettlementRetriesTotal  prometheus.Counter
	SettlementFailuresTotal prometheus.Counter
	MempoolPendingBlobs     prometheus.Gauge
	ShieldedNotesScanned    prometheus.Counter
}

// New registers every collector against a fresh registry so repeated
// calls in tests don't collide with prometheus's global default
// registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		PipelineSealedDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sequencer",
			Subsystem: "pipeline",
			Name:      "sealed_queue_depth",
			Help:      "Number of sealed batches waiting to be proved.",
		}),
		PipelineProvedDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sequencer",
			Subsystem: "pipeline",
			Name:      "proved_queue_depth",
			Help:      "Number of proved batches waiting to settle in order.",
		}),
		BatchesSealedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sequencer",
			Subsystem: "pipeline",
			Name:      "batches_sealed_total",
			Help:      "Total batches sealed by BatchManager.",
		}),
		BatchesSettledTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sequencer",
			Subsystem: "pipeline",
			Name:      "batches_settled_total",
			Help:      "Total batches confirmed settled on L1.",
		}),
		SettlementAttemptsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sequencer",
			Subsystem: "settler",
			Name:      "attempts_total",
			Help:      "Total Settle() submission attempts, including retries.",
		}),
		SettlementRetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sequencer",
			Subsystem: "settler",
			Name:      "retries_total",
			Help:      "Total recoverable-error retries during settlement.",
		}),
		SettlementFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sequencer",
			Subsystem: "settler",
			Name:      "failures_total",
			Help:      "Total batches that exhausted retries or hit a non-recoverable error.",
		}),
		MempoolPendingBlobs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sequencer",
			Subsystem: "mempool",
			Name:      "pending_blobs",
			Help:      "Encrypted blobs held awaiting threshold reveal.",
		}),
		ShieldedNotesScanned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sequencer",
			Subsystem: "shielded",
			Name:      "notes_scanned_total",
			Help:      "Total encrypted notes returned to viewing-key scan requests.",
		}),
	}
}

// Handler serves the registered collectors in the Prometheus exposition
// format, for mounting at the configured metrics address.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not configured", http.StatusNotFound)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) incPipelineSealed() {
	if m == nil {
		return
	}
	m.BatchesSealedTotal.Inc()
}

func (m *Metrics) incPipelineSettled() {
	if m == nil {
		return
	}
	m.BatchesSettledTotal.Inc()
}

func (m *Metrics) setSealedDepth(n int) {
	if m == nil {
		return
	}
	m.PipelineSealedDepth.Set(float64(n))
}

func (m *Metrics) setProvedDepth(n int) {
	if m == nil {
		return
	}
	m.PipelineProvedDepth.Set(float64(n))
}

func (m *Metrics) incSettlementAttempt() {
	if m == nil {
		return
	}
	m.SettlementAttemptsTotal.Inc()
}

func (m *Metrics) incSettlementRetry() {
	if m == nil {
		return
	}
	m.SettlementRetriesTotal.Inc()
}

func (m *Metrics) incSettlementFailure() {
	if m == nil {
		return
	}
	m.SettlementFailuresTotal.Inc()
}

// RecordBatchSealed updates sealed-batch counters and the depth gauge
// for the given queue length. Exported so Pipeline can call it directly.
func (m *Metrics) RecordBatchSealed(queueDepth int) {
	m.incPipelineSealed()
	m.setSealedDepth(queueDepth)
}

// RecordBatchProved updates the proved-queue depth gauge.
func (m *Metrics) RecordBatchProved(queueDepth int) {
	m.setProvedDepth(queueDepth)
}

// RecordBatchSettled marks a batch as confirmed settled.
func (m *Metrics) RecordBatchSettled() {
	m.incPipelineSettled()
}

// RecordSettlementAttempt marks one Settle() submission attempt, whether
// or not it ultimately succeeds.
func (m *Metrics) RecordSettlementAttempt() {
	m.incSettlementAttempt()
}

// RecordSettlementRetry marks a recoverable error that triggered another
// attempt.
func (m *Metrics) RecordSettlementRetry() {
	m.incSettlementRetry()
}

// RecordSettlementFailure marks a batch that failed settlement
// permanently (retries exhausted or a non-recoverable error).
func (m *Metrics) RecordSettlementFailure() {
	m.incSettlementFailure()
}

// SetMempoolPendingBlobs reports the current count of blobs held
// awaiting threshold reveal.
func (m *Metrics) SetMempoolPendingBlobs(n int) {
	if m == nil {
		return
	}
	m.MempoolPendingBlobs.Set(float64(n))
}

// RecordShieldedScan marks a viewing-key scan returning n notes.
func (m *Metrics) RecordShieldedScan(n int) {
	if m == nil {
		return
	}
	m.ShieldedNotesScanned.Add(float64(n))
}
