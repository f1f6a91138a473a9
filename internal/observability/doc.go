// Package observability provides monitoring and debugging capabilities for
// the conversation runtime core through metrics, structured logging, and
// distributed tracing.
//
// # Overview
//
// The observability package implements the three pillars of observability:
//
//  1. Metrics - Quantitative measurements using Prometheus
//  2. Logging - Structured logs with sensitive data redaction
//  3. Tracing - Distributed request tracing with OpenTelemetry
//
// # Metrics
//
// Metrics are implemented using Prometheus client libraries and track:
//   - State machine transitions by originating state and event
//   - Effect execution latency and outcome by effect kind
//   - LLM API request latency, token usage, and cost
//   - Tool execution performance
//   - Retry attempts
//   - Active runtime and notifier subscriber counts
//   - Error rates by component and type
//
// Example usage:
//
//	metrics := observability.NewMetrics()
//
//	// Track a transition
//	metrics.TransitionApplied("AwaitingLlm", "LlmResponseText")
//
//	// Track effect execution
//	start := time.Now()
//	// ... execute effect ...
//	metrics.EffectDuration("RequestLlm").Observe(time.Since(start).Seconds())
//	metrics.EffectExecuted("RequestLlm", "success")
//
//	// Track LLM requests
//	metrics.RecordLLMRequest("anthropic", "claude-sonnet-4-20250514", "success",
//	    time.Since(start).Seconds(), promptTokens, completionTokens)
//
// # Logging
//
// Logging is built on Go's slog package with enhancements for:
//   - Automatic request ID correlation from context
//   - Sensitive data redaction (API keys, passwords, tokens)
//   - JSON output for production, text for development
//   - Configurable log levels
//
// Example usage:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:     "info",
//	    Format:    "json",
//	    AddSource: true,
//	})
//
//	ctx := observability.AddRequestID(ctx, requestID)
//	ctx = observability.AddSessionID(ctx, conversationID)
//
//	logger.Info(ctx, "applying transition",
//	    "event", "UserMessage",
//	    "conversation_id", conversationID,
//	)
//
//	logger.Error(ctx, "llm request failed",
//	    "error", err,
//	    "provider", "anthropic",
//	    "api_key", apiKey, // automatically redacted
//	)
//
// # Tracing
//
// Distributed tracing uses OpenTelemetry to wrap the executor's effects
// (RequestLlm, ExecuteTool, SpawnSubAgent) and the storage adapter's
// queries in spans tagged with conversation id and attempt number.
//
// Example usage:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName:    "convcore-server",
//	    ServiceVersion: "1.0.0",
//	    Environment:    "production",
//	    Endpoint:       "localhost:4317", // OTLP collector
//	    SamplingRate:   0.1,
//	})
//	defer shutdown(context.Background())
//
//	ctx, span := tracer.TraceLLMRequest(ctx, "anthropic", "claude-sonnet-4-20250514", conversationID, attempt)
//	defer span.End()
//	if err != nil {
//	    tracer.RecordError(span, err)
//	}
//
// # Context Propagation
//
// All three components integrate with Go's context for automatic correlation:
//
//	ctx = observability.AddRequestID(ctx, "req-123")
//	ctx = observability.AddSessionID(ctx, conversationID)
//
//	logger.Info(ctx, "applying transition") // includes request_id, session_id
//
//	ctx, span := tracer.Start(ctx, "operation")
//	// trace context propagates to child spans
//
// # Security Considerations
//
// The logging component automatically redacts:
//   - API keys (Anthropic, AWS, generic)
//   - Passwords and secrets
//   - JWT tokens
//   - Bearer tokens
//   - Custom patterns via configuration
//
// # Testing
//
// All components provide testable interfaces:
//   - Metrics can be verified using prometheus/testutil
//   - Logging can write to bytes.Buffer for assertions
//   - Tracing works with no-op exporters in tests
//
// # Monitoring Dashboard
//
// The metrics exposed can be used to build dashboards:
//
//	# Transition throughput
//	rate(convcore_transitions_total[5m])
//
//	# LLM request latency (95th percentile)
//	histogram_quantile(0.95, rate(convcore_llm_request_duration_seconds_bucket[5m]))
//
//	# Error rate
//	rate(convcore_errors_total[5m])
//
//	# Active runtimes
//	convcore_active_runtimes
//
//	# Effect latency
//	rate(convcore_effect_duration_seconds_sum[5m]) /
//	rate(convcore_effect_duration_seconds_count[5m])
package observability
