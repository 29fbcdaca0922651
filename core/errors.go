package core

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidDefinition is returned when a chain definition is malformed
	// (empty steps, unknown agent role). Invalid definitions are rejected at
	// creation time and never persisted.
	ErrInvalidDefinition = errors.New("invalid chain definition")

	// ErrNotFound is returned when a referenced chain or execution id does
	// not exist in the underlying store.
	ErrNotFound = errors.New("not found")

	// ErrTimeout is returned when a step exceeds the chain-level timeout.
	// The owning execution transitions to StatusTimeout and completed step
	// results are preserved.
	ErrTimeout = errors.New("step timed out")

	// ErrPersistence is returned when a durable write failed. It must never
	// be swallowed: a result is not considered queryable until persisted.
	ErrPersistence = errors.New("persistence failure")
)

// StepExecutionError reports that an agent capability invocation failed or
// returned malformed output. The engine handles it according to the
// execution's fallback strategy; it only escalates to a failed execution
// when the strategy is FallbackFail or retries are exhausted.
type StepExecutionError struct {
	StepID    string
	AgentType AgentRole
	Attempts  int
	Err       error
}

// Error implements the error interface.
func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %s (%s) failed after %d attempt(s): %v", e.StepID, e.AgentType, e.Attempts, e.Err)
}

// Unwrap exposes the underlying capability error.
func (e *StepExecutionError) Unwrap() error { return e.Err }
