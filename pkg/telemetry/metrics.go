package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openfroyo/goalflow/pkg/engine"
)

// Metrics provides Prometheus metrics for the goal engine. It implements
// engine.MetricsRecorder.
type Metrics struct {
	config MetricsConfig

	// Graph metrics
	graphsSubmitted *prometheus.CounterVec
	graphsCompleted *prometheus.CounterVec
	graphDuration   *prometheus.HistogramVec

	// Goal metrics
	goalTransitions   *prometheus.CounterVec
	goalExecutions    *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	goalRetries       *prometheus.CounterVec

	// Precondition metrics
	conditionAttempts *prometheus.CounterVec

	// Gate metrics
	approvals     *prometheus.CounterVec
	cancellations prometheus.Counter

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// System metrics
	activeGraphs prometheus.Gauge
	queuedGoals  prometheus.Gauge

	// API metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

var _ engine.MetricsRecorder = (*Metrics)(nil)

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		graphsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "graphs_submitted_total",
				Help:      "Total number of goal graphs submitted",
			},
			[]string{"graph"},
		),
		graphsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "graphs_completed_total",
				Help:      "Total number of goal graphs that reached a terminal state",
			},
			[]string{"graph", "outcome"},
		),
		graphDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "graph_duration_seconds",
				Help:      "Time from submission to completion of a goal graph",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),

		goalTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "goal_transitions_total",
				Help:      "Total number of goal state transitions",
			},
			[]string{"goal", "from", "to"},
		),
		goalExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "goal_executions_total",
				Help:      "Total number of fulfillment results reported",
			},
			[]string{"goal", "result"},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "goal_execution_duration_seconds",
				Help:      "Time a goal spent in process",
				Buckets:   buckets,
			},
			[]string{"goal"},
		),
		goalRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "goal_retries_total",
				Help:      "Total number of explicit goal retries",
			},
			[]string{"goal"},
		),

		conditionAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "condition_attempts_total",
				Help:      "Total number of custom precondition checks",
			},
			[]string{"condition", "satisfied"},
		),

		approvals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "approval_decisions_total",
				Help:      "Total number of gate decisions",
			},
			[]string{"gate", "decision"},
		),
		cancellations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "goals_canceled_total",
				Help:      "Total number of goals affected by cancellation requests",
			},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		activeGraphs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_graphs",
				Help:      "Current number of graphs with non-terminal goals",
			},
		),
		queuedGoals: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queued_isolated_goals",
				Help:      "Current number of isolated goals waiting for the isolation slot",
			},
		),

		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of API requests",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "API request latency",
				Buckets:   buckets,
			},
			[]string{"method", "route"},
		),
	}

	registry.MustRegister(
		m.graphsSubmitted,
		m.graphsCompleted,
		m.graphDuration,
		m.goalTransitions,
		m.goalExecutions,
		m.executionDuration,
		m.goalRetries,
		m.conditionAttempts,
		m.approvals,
		m.cancellations,
		m.errorsByClass,
		m.errorsByCode,
		m.activeGraphs,
		m.queuedGoals,
		m.httpRequests,
		m.httpDuration,
	)

	return m, nil
}

// Graph Metrics

// RecordGraphSubmitted increments the counter for newly submitted graphs.
func (m *Metrics) RecordGraphSubmitted(graph string) {
	if m.graphsSubmitted == nil {
		return
	}
	m.graphsSubmitted.WithLabelValues(graph).Inc()
}

// RecordGraphCompleted records a completed graph with its outcome and duration.
func (m *Metrics) RecordGraphCompleted(graph, outcome string, duration time.Duration) {
	if m.graphsCompleted == nil {
		return
	}
	m.graphsCompleted.WithLabelValues(graph, outcome).Inc()
	m.graphDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// Goal Metrics

// RecordTransition records a goal state transition.
func (m *Metrics) RecordTransition(goal string, from, to engine.GoalState) {
	if m.goalTransitions == nil {
		return
	}
	m.goalTransitions.WithLabelValues(goal, string(from), string(to)).Inc()
}

// RecordExecution records a fulfillment result and the time the goal spent in process.
func (m *Metrics) RecordExecution(goal string, result engine.ExecutionResult, duration time.Duration) {
	if m.goalExecutions == nil {
		return
	}
	m.goalExecutions.WithLabelValues(goal, string(result)).Inc()
	m.executionDuration.WithLabelValues(goal).Observe(duration.Seconds())
}

// RecordRetry records an explicit retry.
func (m *Metrics) RecordRetry(goal string) {
	if m.goalRetries == nil {
		return
	}
	m.goalRetries.WithLabelValues(goal).Inc()
}

// RecordConditionAttempt records one custom precondition check.
func (m *Metrics) RecordConditionAttempt(condition string, satisfied bool) {
	if m.conditionAttempts == nil {
		return
	}
	label := "false"
	if satisfied {
		label = "true"
	}
	m.conditionAttempts.WithLabelValues(condition, label).Inc()
}

// Gate Metrics

// RecordApproval records a pre-approval or approval decision.
func (m *Metrics) RecordApproval(gate engine.ApprovalGate, approved bool) {
	if m.approvals == nil {
		return
	}
	decision := "denied"
	if approved {
		decision = "approved"
	}
	m.approvals.WithLabelValues(string(gate), decision).Inc()
}

// RecordCancellation records the number of goals affected by one cancellation request.
func (m *Metrics) RecordCancellation(affected int) {
	if m.cancellations == nil {
		return
	}
	m.cancellations.Add(float64(affected))
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// System Metrics

// SetActiveGraphs sets the current number of active graphs.
func (m *Metrics) SetActiveGraphs(count float64) {
	if m.activeGraphs == nil {
		return
	}
	m.activeGraphs.Set(count)
}

// AddQueuedGoals adjusts the number of isolated goals waiting for admission.
func (m *Metrics) AddQueuedGoals(delta float64) {
	if m.queuedGoals == nil {
		return
	}
	m.queuedGoals.Add(delta)
}

// RecordHTTPRequest records one served API request.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if m.httpRequests == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Registry returns the Prometheus registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
