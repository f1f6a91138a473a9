package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting runtime metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - State machine transitions by originating state and event
//   - Effect execution latency and outcome by effect kind
//   - LLM request performance, token usage, and cost
//   - Retry attempts and active runtime/subscriber counts
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.TransitionApplied("AwaitingLlm", "LlmResponseText")
//	defer metrics.EffectDuration("RequestLlm").Observe(time.Since(start).Seconds())
type Metrics struct {
	// TransitionCounter tracks state machine transitions.
	// Labels: from (originating ConvState.Kind), event (event Kind)
	TransitionCounter *prometheus.CounterVec

	// EffectDurationSeconds measures effect execution latency.
	// Labels: effect (PersistMessage|PersistState|RequestLlm|ExecuteTool|SpawnSubAgent|NotifyClient|ScheduleRetry|PersistToolResults)
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s, 300s
	EffectDurationSeconds *prometheus.HistogramVec

	// EffectCounter counts effect executions by kind and outcome.
	// Labels: effect, status (success|error)
	EffectCounter *prometheus.CounterVec

	// RetryCounter counts ScheduleRetry effects by attempt number.
	// Labels: attempt
	RetryCounter *prometheus.CounterVec

	// ActiveRuntimes is a gauge tracking conversations with a live supervisor goroutine.
	ActiveRuntimes prometheus.Gauge

	// NotifierSubscribers is a gauge tracking live client notifier subscriptions.
	NotifierSubscribers prometheus.Gauge

	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider (anthropic|bedrock), model
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s, 300s
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests by provider and model.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// LLMCostUSD tracks estimated cost in USD.
	// Labels: provider, model
	LLMCostUSD *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s, 900s
	ToolExecutionDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by component and error type.
	// Labels: component (convstate|convexec|convrun|convstore|convnotify), error_type
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
// This should be called once at process startup.
func NewMetrics() *Metrics {
	return &Metrics{
		TransitionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convcore_transitions_total",
				Help: "Total number of state machine transitions by originating state and event",
			},
			[]string{"from", "event"},
		),

		EffectDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "convcore_effect_duration_seconds",
				Help:    "Duration of effect execution in seconds by effect kind",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"effect"},
		),

		EffectCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convcore_effects_total",
				Help: "Total number of effects executed by kind and outcome",
			},
			[]string{"effect", "status"},
		),

		RetryCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convcore_retries_total",
				Help: "Total number of ScheduleRetry effects by attempt number",
			},
			[]string{"attempt"},
		),

		ActiveRuntimes: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "convcore_active_runtimes",
				Help: "Current number of conversations with a live supervisor goroutine",
			},
		),

		NotifierSubscribers: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "convcore_notifier_subscribers",
				Help: "Current number of live client notifier subscriptions",
			},
		),

		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "convcore_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convcore_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convcore_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		LLMCostUSD: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convcore_llm_cost_usd_total",
				Help: "Estimated LLM API cost in USD",
			},
			[]string{"provider", "model"},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convcore_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "convcore_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 900},
			},
			[]string{"tool_name"},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convcore_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),
	}
}

// TransitionApplied records a state machine transition from the given
// originating state on the given event kind.
func (m *Metrics) TransitionApplied(fromState, event string) {
	m.TransitionCounter.WithLabelValues(fromState, event).Inc()
}

// EffectDuration returns the observer for an effect's execution latency.
func (m *Metrics) EffectDuration(effect string) prometheus.Observer {
	return m.EffectDurationSeconds.WithLabelValues(effect)
}

// EffectExecuted records an effect's terminal outcome.
func (m *Metrics) EffectExecuted(effect, status string) {
	m.EffectCounter.WithLabelValues(effect, status).Inc()
}

// RetryScheduled records a ScheduleRetry effect for the given attempt number.
func (m *Metrics) RetryScheduled(attempt string) {
	m.RetryCounter.WithLabelValues(attempt).Inc()
}

// RuntimeSpawned increments the active runtime gauge.
func (m *Metrics) RuntimeSpawned() {
	m.ActiveRuntimes.Inc()
}

// RuntimeStopped decrements the active runtime gauge.
func (m *Metrics) RuntimeStopped() {
	m.ActiveRuntimes.Dec()
}

// SubscriberJoined increments the notifier subscriber gauge.
func (m *Metrics) SubscriberJoined() {
	m.NotifierSubscribers.Inc()
}

// SubscriberLeft decrements the notifier subscriber gauge.
func (m *Metrics) SubscriberLeft() {
	m.NotifierSubscribers.Dec()
}

// RecordLLMRequest records an LLM request's outcome, latency, and token usage.
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

// RecordLLMCost adds an estimated cost observation in USD.
func (m *Metrics) RecordLLMCost(provider, model string, costUSD float64) {
	m.LLMCostUSD.WithLabelValues(provider, model).Add(costUSD)
}

// RecordToolExecution records a tool invocation's outcome and latency.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordError increments the error counter for a component and error type.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}
