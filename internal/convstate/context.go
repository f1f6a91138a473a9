package convstate

import (
	"time"

	"github.com/haasonsaas/convcore/internal/backoff"
	"github.com/haasonsaas/convcore/internal/idgen"
)

// Context is the read-only record transition receives alongside state and
// event. Every id, timestamp, and retry delay a transition ever produces
// is resolved through this record rather than called directly, so the
// function stays pure and its output is reproducible under test.
type Context struct {
	ConversationID string
	WorkingDir     string
	ModelID        string

	// AttemptCap is the maximum number of LlmRequesting attempts before a
	// retryable error is treated as exhausted and forced fatal. Spec
	// default is 5.
	AttemptCap int

	// RetryPolicy computes ScheduleRetry's delay for a given attempt.
	RetryPolicy backoff.BackoffPolicy

	// Jitter supplies the random value ComputeBackoffWithRand consumes,
	// in [0,1). Production code reads math/rand; tests supply a fixed
	// sequence so ScheduleRetry effects are byte-comparable.
	Jitter func() float64

	Clock idgen.Clock
	Ids   idgen.Ids
}

// Delay computes the backoff duration for the given attempt using
// c.RetryPolicy and c.Jitter.
func (c Context) Delay(attempt int) time.Duration {
	var jitter float64
	if c.Jitter != nil {
		jitter = c.Jitter()
	}
	return backoff.ComputeBackoffWithRand(c.RetryPolicy, attempt, jitter)
}
