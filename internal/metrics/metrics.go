// Package metrics registers the Prometheus instruments shared across the
// server and worker binaries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every registered instrument. One instance per process,
// shared by injection.
type Metrics struct {
	// Task lifecycle
	TaskTransitions *prometheus.CounterVec
	TasksOpen       prometheus.Gauge

	// Money movement
	MoneyTransitions *prometheus.CounterVec
	ProviderCalls    *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec

	// Outbox and workers
	OutboxEmitted *prometheus.CounterVec
	OutboxDepth   *prometheus.GaugeVec
	JobsProcessed *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec
	DeadLetters   *prometheus.CounterVec

	// Invariant violations caught at commit
	InvariantRejections *prometheus.CounterVec

	// Advisory corrections
	CorrectionsApplied *prometheus.CounterVec
	CorrectionVerdicts *prometheus.CounterVec
	SafeModeEngaged    prometheus.Gauge

	// Transaction runtime
	TxRetries *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		TaskTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hx_task_transitions_total",
			Help: "Task state transitions committed",
		}, []string{"from", "to"}),

		TasksOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "hx_tasks_open",
			Help: "Tasks currently in OPEN",
		}),

		MoneyTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hx_money_transitions_total",
			Help: "Escrow state transitions committed",
		}, []string{"from", "to"}),

		ProviderCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hx_provider_calls_total",
			Help: "Payment provider calls by operation and outcome",
		}, []string{"operation", "outcome"}), // outcome: succeeded, failed, timeout

		ProviderLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hx_provider_call_duration_seconds",
			Help:    "Payment provider call latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),

		OutboxEmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hx_outbox_emitted_total",
			Help: "Outbox rows written by event type",
		}, []string{"event_type"}),

		OutboxDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hx_outbox_depth",
			Help: "Outbox rows by status",
		}, []string{"status"}), // pending, in_flight, dead

		JobsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hx_worker_jobs_total",
			Help: "Worker jobs by queue and result",
		}, []string{"queue", "result"}), // result: ok, retry, dead

		JobDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hx_worker_job_duration_seconds",
			Help:    "Worker job processing time",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue"}),

		DeadLetters: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hx_dead_letters_total",
			Help: "Jobs moved to the dead letter queue",
		}, []string{"queue"}),

		InvariantRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hx_invariant_rejections_total",
			Help: "Writes rejected by database invariant triggers",
		}, []string{"code"}),

		CorrectionsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hx_corrections_applied_total",
			Help: "Advisory corrections by parameter and scope",
		}, []string{"parameter", "scope"}),

		CorrectionVerdicts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hx_correction_verdicts_total",
			Help: "Causal verdicts for expired corrections",
		}, []string{"verdict"}), // causal, inconclusive, non_causal

		SafeModeEngaged: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "hx_correction_safe_mode",
			Help: "1 while the correction engine is latched into safe mode",
		}),

		TxRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hx_tx_retries_total",
			Help: "Serializable transaction retries by reason",
		}, []string{"reason"}), // serialization, deadlock
	}
}
