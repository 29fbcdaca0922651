package core

import "time"

// PerformanceMetrics aggregates measurements over one execution or a
// historical time window.
//
//   - TotalExecutionTime: wall-clock span of the run
//   - AvgConfidence: mean of per-step confidences
//   - ContextEfficiency: 1 - usedContext/budget, clamped to [0,1]
//   - OptimizationImpact: estimated % gain attributable to applied
//     optimizations, weighted by step count
type PerformanceMetrics struct {
	TotalExecutionTime time.Duration `json:"total_execution_time"`
	AvgConfidence      float64       `json:"avg_confidence"`
	ContextEfficiency  float64       `json:"context_efficiency"`
	OptimizationImpact float64       `json:"optimization_impact"`
}

// OptimizationResult is a named improvement applied during a run.
// Improvement is expressed as a percentage.
type OptimizationResult struct {
	Type        OptimizationType `json:"type"`
	Improvement float64          `json:"improvement"`
	Description string           `json:"description"`
}

// ChainResult is the record assembled by the engine when an execution
// reaches a terminal state. It is persisted unconditionally, success or
// failure, so failed runs remain auditable.
type ChainResult struct {
	ExecutionID   string               `json:"execution_id"`
	ChainID       string               `json:"chain_id"`
	Status        ExecutionStatus      `json:"status"`
	StartTime     time.Time            `json:"start_time"`
	EndTime       time.Time            `json:"end_time"`
	Results       []StepResult         `json:"results"`
	Metrics       PerformanceMetrics   `json:"metrics"`
	Optimizations []OptimizationResult `json:"optimizations,omitempty"`
	Error         string               `json:"error,omitempty"`
}

// TransferMetrics is the telemetry emitted by the handoff coordinator for a
// single point-to-point context transfer between steps.
type TransferMetrics struct {
	FromStep          int           `json:"from_step"`
	ToStep            int           `json:"to_step"`
	ContextSizeBefore int           `json:"context_size_before"`
	ContextSizeAfter  int           `json:"context_size_after"`
	TransferTime      time.Duration `json:"transfer_time"`
	RelevanceScore    float64       `json:"relevance_score"`
}
