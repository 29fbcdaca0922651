package core

import (
	"fmt"
	"time"
)

// ExecutionStatus models the lifecycle of a chain execution. Transitions
// form a strict state machine: pending -> running -> {completed | failed |
// timeout}. Terminal states are final.
type ExecutionStatus string

const (
	// StatusPending marks an execution that has been created but not started.
	StatusPending ExecutionStatus = "pending"
	// StatusRunning marks an execution currently iterating its steps.
	StatusRunning ExecutionStatus = "running"
	// StatusCompleted marks an execution whose every step succeeded.
	StatusCompleted ExecutionStatus = "completed"
	// StatusFailed marks an execution aborted by a step failure.
	StatusFailed ExecutionStatus = "failed"
	// StatusTimeout marks an execution aborted by a step deadline.
	StatusTimeout ExecutionStatus = "timeout"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimeout
}

// CanTransition reports whether moving from s to next is a legal state
// machine edge.
func (s ExecutionStatus) CanTransition(next ExecutionStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning
	case StatusRunning:
		return next.Terminal()
	default:
		return false
	}
}

// ExecutionInput carries the concrete problem an execution runs against.
type ExecutionInput struct {
	Problem     string         `json:"problem"`
	Context     map[string]any `json:"context,omitempty"`
	Preferences map[string]any `json:"preferences,omitempty"`
}

// FallbackStrategy selects how the engine reacts to a failed capability
// invocation within a step.
type FallbackStrategy string

const (
	// FallbackRetry re-attempts the same step up to MaxRetries times.
	FallbackRetry FallbackStrategy = "retry"
	// FallbackDowngrade substitutes a lower-cost capability once retries
	// exhaust.
	FallbackDowngrade FallbackStrategy = "downgrade"
	// FallbackFail aborts the whole execution immediately.
	FallbackFail FallbackStrategy = "fail"
)

// Valid reports whether the strategy is one of the recognized values.
func (f FallbackStrategy) Valid() bool {
	return f == FallbackRetry || f == FallbackDowngrade || f == FallbackFail
}

// ExecutionOptions is the chain-level run policy applied to one execution.
type ExecutionOptions struct {
	TimeoutMs        int              `json:"timeout_ms"`
	FallbackStrategy FallbackStrategy `json:"fallback_strategy"`
	MaxRetries       int              `json:"max_retries"`
}

// DefaultExecutionOptions returns the baseline run policy.
func DefaultExecutionOptions() ExecutionOptions {
	return ExecutionOptions{
		TimeoutMs:        30000,
		FallbackStrategy: FallbackRetry,
		MaxRetries:       2,
	}
}

// StepTimeout returns the per-step deadline as a duration.
func (o ExecutionOptions) StepTimeout() time.Duration {
	return time.Duration(o.TimeoutMs) * time.Millisecond
}

// StepResult is the outcome of one step. Attempts counts every capability
// invocation made for the step including retries; only the final accepted
// attempt's output is kept. Notes carry retry and context degradation
// annotations consumed by analytics.
type StepResult struct {
	StepID        string        `json:"step_id"`
	AgentID       string        `json:"agent_id"`
	Output        string        `json:"output"`
	Confidence    float64       `json:"confidence"`
	ExecutionTime time.Duration `json:"execution_time"`
	ContextUsed   int           `json:"context_used"`
	Attempts      int           `json:"attempts"`
	Notes         []string      `json:"notes,omitempty"`
}

// ChainExecution is one run of a chain definition. It is owned exclusively
// by the engine while running; once terminal it becomes an immutable
// historical record owned by the persistence layer.
type ChainExecution struct {
	ID               string           `json:"id"`
	ChainID          string           `json:"chain_id"`
	Input            ExecutionInput   `json:"input"`
	Options          ExecutionOptions `json:"options"`
	Status           ExecutionStatus  `json:"status"`
	StartTime        time.Time        `json:"start_time"`
	EndTime          time.Time        `json:"end_time,omitzero"`
	Results          []StepResult     `json:"results"`
	CurrentStepIndex int              `json:"current_step_index"`
}

// NewChainExecution creates a pending execution for the given chain.
func NewChainExecution(chainID string, input ExecutionInput, opts ExecutionOptions) *ChainExecution {
	return &ChainExecution{
		ID:      NewID(),
		ChainID: chainID,
		Input:   input,
		Options: opts,
		Status:  StatusPending,
	}
}

// Transition moves the execution to the next status, enforcing the state
// machine invariants. Transitions out of a terminal state are rejected.
func (e *ChainExecution) Transition(next ExecutionStatus) error {
	if !e.Status.CanTransition(next) {
		return fmt.Errorf("illegal execution transition %s -> %s", e.Status, next)
	}
	e.Status = next
	return nil
}

// AppendResult records the outcome of the current step. Results are append
// only and kept in step order even under retries.
func (e *ChainExecution) AppendResult(r StepResult) {
	e.Results = append(e.Results, r)
	e.CurrentStepIndex = len(e.Results)
}

// Running reports whether the execution is currently in flight.
func (e *ChainExecution) Running() bool { return e.Status == StatusRunning }
