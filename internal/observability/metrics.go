// Package observability exposes process-wide Prometheus metrics for the
// agent orchestration core.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	agentTurnsTotal   *prometheus.CounterVec
	agentTurnDuration *prometheus.HistogramVec
	activeAgents      prometheus.Gauge

	stepsTotal        *prometheus.CounterVec
	textDeltasTotal   prometheus.Counter
	timeToFirstDelta  prometheus.Histogram

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	pendingApprovals      prometheus.Gauge

	journalFlushDuration prometheus.Histogram
	journalWritesTotal   *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			agentTurnsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_turns_total",
					Help: "Total agent turns by provider and outcome.",
				},
				[]string{"provider", "outcome"},
			),
			agentTurnDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agent_turn_duration_seconds",
					Help:    "Agent turn duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			activeAgents: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_agents",
					Help: "Agents currently in Running state.",
				},
			),
			stepsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_steps_total",
					Help: "Total timeline steps emitted by kind.",
				},
				[]string{"kind"},
			),
			textDeltasTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "text_deltas_total",
					Help: "Total streamed text deltas consumed.",
				},
			),
			timeToFirstDelta: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "time_to_first_delta_seconds",
					Help:    "Latency from turn start to first streamed text delta.",
					Buckets: prometheus.DefBuckets,
				},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			pendingApprovals: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "pending_approvals",
					Help: "Approval gates currently awaiting a human decision.",
				},
			),
			journalFlushDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "journal_flush_duration_seconds",
					Help:    "Step journal flush duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			journalWritesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "journal_writes_total",
					Help: "Journal writes by trigger (debounce, terminal).",
				},
				[]string{"trigger"},
			),
		}

		prometheus.MustRegister(
			m.agentTurnsTotal,
			m.agentTurnDuration,
			m.activeAgents,
			m.stepsTotal,
			m.textDeltasTotal,
			m.timeToFirstDelta,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.pendingApprovals,
			m.journalFlushDuration,
			m.journalWritesTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler exposes the Prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

// RecordAgentTurn records one settled turn.
func RecordAgentTurn(provider, outcome string, duration time.Duration) {
	m := getMetrics()
	m.agentTurnsTotal.WithLabelValues(provider, outcome).Inc()
	m.agentTurnDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// SetActiveAgents updates the running-agent gauge.
func SetActiveAgents(count int) {
	getMetrics().activeAgents.Set(float64(count))
}

// RecordStep counts one emitted step by kind.
func RecordStep(kind string) {
	getMetrics().stepsTotal.WithLabelValues(kind).Inc()
}

// RecordTextDelta counts one streamed text delta.
func RecordTextDelta() {
	getMetrics().textDeltasTotal.Inc()
}

// RecordTimeToFirstDelta records turn-start-to-first-delta latency.
func RecordTimeToFirstDelta(d time.Duration) {
	getMetrics().timeToFirstDelta.Observe(d.Seconds())
}

// RecordToolExecution records one tool invocation.
func RecordToolExecution(tool string, success bool, duration time.Duration) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// SetPendingApprovals updates the open approval-gate gauge.
func SetPendingApprovals(count int) {
	getMetrics().pendingApprovals.Set(float64(count))
}

// RecordJournalFlush records one persistence write and its trigger.
func RecordJournalFlush(trigger string, duration time.Duration) {
	m := getMetrics()
	m.journalFlushDuration.Observe(duration.Seconds())
	m.journalWritesTotal.WithLabelValues(trigger).Inc()
}
