package convstate

import (
	"errors"

	"github.com/haasonsaas/convcore/pkg/models"
)

// Sentinel rejection reasons. A TransitionError always wraps one of
// these; callers match with errors.Is.
var (
	// ErrAgentBusy is returned when a UserMessage arrives while the
	// conversation is not Idle or Error (invariant 7).
	ErrAgentBusy = errors.New("convstate: agent busy")

	// ErrStaleResponse is returned when an LlmResponse* or LlmError
	// event arrives while the conversation is not awaiting one.
	ErrStaleResponse = errors.New("convstate: stale llm response")

	// ErrUnexpectedToolResult is returned when ToolCompleted names a
	// tool-use id other than ToolExecuting.Current.
	ErrUnexpectedToolResult = errors.New("convstate: unexpected tool result")
)

// TransitionError reports a rejected event. The state machine never
// mutates state on rejection; the supervisor decides how to answer the
// external caller.
type TransitionError struct {
	Err     error
	Message string
}

func (e *TransitionError) Error() string {
	if e.Message == "" {
		return e.Err.Error()
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *TransitionError) Unwrap() error { return e.Err }

func rejectBusy() *TransitionError {
	return &TransitionError{Err: ErrAgentBusy, Message: "conversation is not idle"}
}

func rejectStale(state models.ConvStateKind, event EventKind) *TransitionError {
	return &TransitionError{
		Err:     ErrStaleResponse,
		Message: "event " + string(event) + " not expected from state " + string(state),
	}
}

func rejectUnexpectedToolResult(got, want string) *TransitionError {
	return &TransitionError{
		Err:     ErrUnexpectedToolResult,
		Message: "tool result for " + got + " but current is " + want,
	}
}
