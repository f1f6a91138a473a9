package convmodel

import (
	"context"
	"time"

	"github.com/haasonsaas/convcore/internal/infra"
)

// CircuitBreakerClient wraps a ModelClient with a per-process circuit
// breaker, tripping after a run of failed Complete calls so a provider
// outage fails fast instead of letting every in-flight conversation pile
// up on the same dead endpoint. Only network-calling providers
// (Anthropic, Bedrock, OpenAI) are worth wrapping this way; buildModelClient
// leaves the deterministic/fake client unwrapped since it never fails for
// reasons a breaker would want to act on.
type CircuitBreakerClient struct {
	client  ModelClient
	breaker *infra.CircuitBreaker
}

// NewCircuitBreakerClient wraps client behind a breaker that opens after
// failureThreshold consecutive failures and probes again after timeout.
func NewCircuitBreakerClient(client ModelClient, failureThreshold int, timeout time.Duration) *CircuitBreakerClient {
	return &CircuitBreakerClient{
		client: client,
		breaker: infra.NewCircuitBreaker(infra.CircuitBreakerConfig{
			Name:             "convmodel",
			FailureThreshold: failureThreshold,
			Timeout:          timeout,
		}),
	}
}

// Complete implements ModelClient. A call rejected by an open circuit is
// reported the same way any other retryable provider failure is, so the
// executor's existing LlmErrorRetryable path handles it without change.
func (c *CircuitBreakerClient) Complete(ctx context.Context, req Request) (Response, error) {
	resp, err := infra.ExecuteWithResult(c.breaker, ctx, func(ctx context.Context) (Response, error) {
		return c.client.Complete(ctx, req)
	})
	if err == infra.ErrCircuitOpen {
		return Response{}, &Error{Retryable: true, Err: err}
	}
	return resp, err
}

// State reports the breaker's current state ("closed", "open",
// "half-open"), for health/diagnostic surfaces.
func (c *CircuitBreakerClient) State() string {
	return c.breaker.State()
}
