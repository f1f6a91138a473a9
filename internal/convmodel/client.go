// Package convmodel provides the ModelClient boundary the RequestLlm
// effect calls through. A client turns a provider-agnostic Request into a
// Response; classifying that Response into one of
// LlmResponseText|LlmResponseToolUse|LlmResponseSpawnAgents is the
// executor's job, not the client's (see internal/convexec), since
// classification depends on a tool-name convention the client has no
// reason to know about.
package convmodel

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/haasonsaas/convcore/pkg/models"
)

// ModelClient is the provider boundary. Implementations must not mutate
// req and must treat ctx cancellation as a reason to abort the call and
// return ctx.Err() (possibly wrapped in Error).
type ModelClient interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Request materializes one LLM call from the persisted message log. The
// executor builds Messages fresh from storage on every attempt; Request
// itself carries no retry state.
type Request struct {
	Model     string
	System    string
	Messages  []models.Message
	Tools     []ToolSpec
	MaxTokens int
}

// ToolSpec describes one tool available to the model, independent of any
// provider's wire schema.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Response is a single, non-streaming model turn: a block of text
// followed by zero or more tool-use intents, in the order the provider
// emitted them.
type Response struct {
	Text  string
	Calls []models.ToolCall
	Usage models.Usage
}

// Error wraps a failed Complete call with the retryability verdict the
// executor folds directly into an LlmErrorEvent's Kind. Implementations
// that return a plain error are treated as fatal.
type Error struct {
	Retryable bool
	Err       error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err (as returned by a ModelClient) should
// be treated as retryable. A nil error or one not wrapped in *Error is
// never retryable.
func IsRetryable(err error) bool {
	var modelErr *Error
	if !errors.As(err, &modelErr) {
		return false
	}
	return modelErr.Retryable
}
