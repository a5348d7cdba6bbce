package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for a mesh node. Construct once per
// process and share; promauto registers against the default registry.
type Metrics struct {
	// Task lifecycle
	TasksSubmitted *prometheus.CounterVec
	TasksSettled   *prometheus.CounterVec
	TaskDuration   *prometheus.HistogramVec
	QueueDepth     prometheus.Gauge
	ActiveLeases   prometheus.Gauge

	// Gossip
	GossipIngested  *prometheus.CounterVec
	GossipBroadcast *prometheus.CounterVec

	// Signed request auth
	SignatureRejections *prometheus.CounterVec

	// Credits
	CreditTransactions *prometheus.CounterVec
	AccountBalance     *prometheus.GaugeVec

	// Sandbox
	SandboxRuns     *prometheus.CounterVec
	SandboxDuration *prometheus.HistogramVec

	// Escalation waterfall
	EscalationSteps *prometheus.CounterVec

	// Handshake sessions
	HandshakePhase *prometheus.GaugeVec

	// Inference
	InferenceRequests *prometheus.CounterVec
	InferenceDuration *prometheus.HistogramVec
	ModelSwaps        *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		TasksSubmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgecoder_tasks_submitted_total",
				Help: "Tasks accepted by the coordinator",
			},
			[]string{"language"},
		),

		TasksSettled: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgecoder_tasks_settled_total",
				Help: "Tasks reaching a terminal state",
			},
			[]string{"status"}, // completed, failed, escalated
		),

		TaskDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "edgecoder_task_duration_seconds",
				Help:    "Wall-clock time from submit to settle",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"language"},
		),

		QueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "edgecoder_queue_depth",
				Help: "Subtasks currently queued",
			},
		),

		ActiveLeases: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "edgecoder_active_leases",
				Help: "Subtasks claimed and not yet reported",
			},
		),

		GossipIngested: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgecoder_gossip_ingested_total",
				Help: "Gossip messages received, by type and verdict",
			},
			[]string{"type", "verdict"}, // verdict: accepted, duplicate, expired, invalid
		),

		GossipBroadcast: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgecoder_gossip_broadcast_total",
				Help: "Gossip fan-out deliveries, by outcome",
			},
			[]string{"outcome"}, // sent, failed, dropped
		),

		SignatureRejections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgecoder_signature_rejections_total",
				Help: "Signed requests rejected at the auth boundary",
			},
			[]string{"kind"},
		),

		CreditTransactions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgecoder_credit_transactions_total",
				Help: "Ledger appends, by transaction type",
			},
			[]string{"type"}, // earn, spend, held
		),

		AccountBalance: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "edgecoder_account_balance_credits",
				Help: "Current credit balance per account",
			},
			[]string{"account_id"},
		),

		SandboxRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgecoder_sandbox_runs_total",
				Help: "Sandbox executions, by mode and outcome",
			},
			[]string{"mode", "outcome"}, // outcome: ok, error, timeout, rejected
		),

		SandboxDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "edgecoder_sandbox_duration_seconds",
				Help:    "Sandbox execution wall-clock time",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"mode"},
		),

		EscalationSteps: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgecoder_escalation_steps_total",
				Help: "Escalation waterfall step attempts, by outcome",
			},
			[]string{"step", "outcome"}, // step: parent, cloud, human; outcome: ok, error, skipped
		),

		HandshakePhase: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "edgecoder_handshake_sessions",
				Help: "Handshake sessions currently in each phase",
			},
			[]string{"phase"},
		),

		InferenceRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgecoder_inference_requests_total",
				Help: "Model generate calls, by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),

		InferenceDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "edgecoder_inference_duration_seconds",
				Help:    "Model generate latency",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),

		ModelSwaps: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgecoder_model_swaps_total",
				Help: "Model swap operations, by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// RecordTaskSubmitted counts an accepted task.
func (m *Metrics) RecordTaskSubmitted(language string) {
	m.TasksSubmitted.WithLabelValues(language).Inc()
}

// RecordTaskSettled counts a terminal task and its duration.
func (m *Metrics) RecordTaskSettled(status, language string, seconds float64) {
	m.TasksSettled.WithLabelValues(status).Inc()
	m.TaskDuration.WithLabelValues(language).Observe(seconds)
}

// RecordGossip counts one ingested gossip message.
func (m *Metrics) RecordGossip(msgType, verdict string) {
	m.GossipIngested.WithLabelValues(msgType, verdict).Inc()
}

// RecordBroadcast counts one fan-out delivery attempt.
func (m *Metrics) RecordBroadcast(outcome string) {
	m.GossipBroadcast.WithLabelValues(outcome).Inc()
}

// RecordSignatureRejection counts an auth boundary rejection.
func (m *Metrics) RecordSignatureRejection(kind string) {
	m.SignatureRejections.WithLabelValues(kind).Inc()
}

// RecordCreditTransaction counts a ledger append and refreshes the balance gauge.
func (m *Metrics) RecordCreditTransaction(txType, accountID string, balance float64) {
	m.CreditTransactions.WithLabelValues(txType).Inc()
	m.AccountBalance.WithLabelValues(accountID).Set(balance)
}

// RecordSandboxRun counts one sandbox execution.
func (m *Metrics) RecordSandboxRun(mode, outcome string, seconds float64) {
	m.SandboxRuns.WithLabelValues(mode, outcome).Inc()
	m.SandboxDuration.WithLabelValues(mode).Observe(seconds)
}

// RecordEscalationStep counts one waterfall step attempt.
func (m *Metrics) RecordEscalationStep(step, outcome string) {
	m.EscalationSteps.WithLabelValues(step, outcome).Inc()
}

// SetHandshakePhase sets the session count for one phase.
func (m *Metrics) SetHandshakePhase(phase string, n int) {
	m.HandshakePhase.WithLabelValues(phase).Set(float64(n))
}

// RecordInference counts one generate call.
func (m *Metrics) RecordInference(provider, outcome string, seconds float64) {
	m.InferenceRequests.WithLabelValues(provider, outcome).Inc()
	m.InferenceDuration.WithLabelValues(provider).Observe(seconds)
}
