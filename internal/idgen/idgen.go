// Package idgen provides the Clock and Ids sources the transition
// function receives through ctx. Both are kept outside the pure state
// machine (internal/convstate) so that transition stays a total,
// deterministic function: every id and timestamp it ever sees was
// already resolved before the call.
package idgen

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Clock returns the current logical time. Production code wires
// SystemClock; tests wire a FixedClock or StepClock to make
// transition output deterministic.
type Clock interface {
	Now() time.Time
}

// Ids mints opaque, globally unique identifiers for messages,
// conversations, tool-use blocks, and spawned sub-agents.
type Ids interface {
	NewID() string
}

// SystemClock reports wall-clock time via time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock always reports the same instant, for golden-output tests
// that assert on an exact timestamp.
type FixedClock struct {
	At time.Time
}

func (c FixedClock) Now() time.Time { return c.At }

// StepClock advances by Step on every call, starting at Start. Useful
// for tests that need distinct, monotonically increasing timestamps
// without depending on wall-clock jitter.
type StepClock struct {
	Start time.Time
	Step  time.Duration

	calls int
}

func (c *StepClock) Now() time.Time {
	t := c.Start.Add(time.Duration(c.calls) * c.Step)
	c.calls++
	return t
}

// UUIDs mints ids using google/uuid, the convention used across the
// rest of this codebase for opaque identifiers.
type UUIDs struct{}

func (UUIDs) NewID() string { return uuid.NewString() }

// SequentialIds mints predictable ids of the form "<prefix><n>",
// starting at 1. Not safe for concurrent use; intended for
// single-goroutine transition-function tests where a human-readable,
// reproducible id beats a random one.
type SequentialIds struct {
	Prefix string

	n int
}

func (s *SequentialIds) NewID() string {
	s.n++
	return s.Prefix + strconv.Itoa(s.n)
}
