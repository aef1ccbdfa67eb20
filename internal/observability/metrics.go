package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the central Prometheus instrumentation surface. It tracks
// event flow through the broker, provider and tool latency, background
// task outcomes, and memory-engine activity.
type Metrics struct {
	// MessageCounter tracks events by channel and direction.
	// Labels: channel (cli|telegram|discord|slack|internal), direction
	MessageCounter *prometheus.CounterVec

	// BrokerQueueDepth is the current per-room queue depth.
	// Labels: room
	BrokerQueueDepth *prometheus.GaugeVec

	// BrokerRejections counts enqueues rejected at the high-water mark.
	// Labels: room
	BrokerRejections *prometheus.CounterVec

	// GroupCommitBatchSize observes events persisted per commit batch.
	GroupCommitBatchSize prometheus.Histogram

	// LLMRequestDuration measures provider call latency in seconds.
	// Labels: provider (anthropic|openai), model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts provider calls.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error|timeout|partial|denied)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// BackgroundTaskRuns counts background task executions.
	// Labels: task, status (success|error|requeued)
	BackgroundTaskRuns *prometheus.CounterVec

	// BackgroundTaskFailures counts permanent failures after retries.
	// Labels: task
	BackgroundTaskFailures *prometheus.CounterVec

	// ExtractionCounter counts knowledge extraction outcomes.
	// Labels: status (complete|skipped|failed)
	ExtractionCounter *prometheus.CounterVec

	// SummaryRefreshes counts summary node rebuilds.
	// Labels: node_type
	SummaryRefreshes *prometheus.CounterVec

	// LearningPromotions counts cross-pollination promotions.
	LearningPromotions prometheus.Counter

	// ErrorCounter tracks errors by component and type.
	// Labels: component, error_type
	ErrorCounter *prometheus.CounterVec

	// ActiveSidekicks is the current number of running sidekick sessions.
	ActiveSidekicks prometheus.Gauge
}

// NewMetrics creates and registers all collectors on the default registry.
// Call once at startup.
func NewMetrics() *Metrics {
	return &Metrics{
		MessageCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ensemble_messages_total",
				Help: "Events processed by channel and direction",
			},
			[]string{"channel", "direction"},
		),
		BrokerQueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ensemble_broker_queue_depth",
				Help: "Current per-room broker queue depth",
			},
			[]string{"room"},
		),
		BrokerRejections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ensemble_broker_rejections_total",
				Help: "Enqueues rejected because a room queue hit its high-water mark",
			},
			[]string{"room"},
		),
		GroupCommitBatchSize: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ensemble_group_commit_batch_size",
				Help:    "Events persisted per group-commit batch",
				Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
			},
		),
		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ensemble_llm_request_duration_seconds",
				Help:    "Duration of provider API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ensemble_llm_requests_total",
				Help: "Provider API requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),
		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ensemble_llm_tokens_total",
				Help: "Tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),
		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ensemble_tool_executions_total",
				Help: "Tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ensemble_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
		BackgroundTaskRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ensemble_background_task_runs_total",
				Help: "Background task executions by task and status",
			},
			[]string{"task", "status"},
		),
		BackgroundTaskFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ensemble_background_task_failures_total",
				Help: "Background tasks that exhausted their retries",
			},
			[]string{"task"},
		),
		ExtractionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ensemble_extractions_total",
				Help: "Knowledge extraction outcomes",
			},
			[]string{"status"},
		),
		SummaryRefreshes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ensemble_summary_refreshes_total",
				Help: "Summary node rebuilds by node type",
			},
			[]string{"node_type"},
		),
		LearningPromotions: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ensemble_learning_promotions_total",
				Help: "Learnings promoted to the shared pool",
			},
		),
		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ensemble_errors_total",
				Help: "Errors by component and error type",
			},
			[]string{"component", "error_type"},
		),
		ActiveSidekicks: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ensemble_active_sidekicks",
				Help: "Currently running sidekick sessions",
			},
		),
	}
}

// RecordLLMRequest records one provider call.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records one tool invocation.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}
