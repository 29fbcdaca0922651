package core

import (
	"fmt"
	"time"
)

// ChainStep is one stage of a chain definition bound to a single agent role
// and prompt template. Steps are immutable once the owning definition has
// been created.
type ChainStep struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	AgentType           AgentRole `json:"agent_type"`
	PromptTemplate      string    `json:"prompt_template"`
	ExpectedOutput      string    `json:"expected_output,omitempty"`
	ContextRequirements []string  `json:"context_requirements,omitempty"`
	OptimizationTargets []string  `json:"optimization_targets,omitempty"`
}

// ContextFlowConfig controls how context is filtered and compressed between
// steps. Attached to a ChainDefinition and immutable after creation.
type ContextFlowConfig struct {
	CompressionEnabled       bool    `json:"compression_enabled"`
	SemanticFilteringEnabled bool    `json:"semantic_filtering_enabled"`
	RelevanceThreshold       float64 `json:"relevance_threshold"`
	MaxContextSize           int     `json:"max_context_size"`
}

// DefaultContextFlowConfig returns the baseline context flow policy applied
// when a definition is created without overrides.
func DefaultContextFlowConfig() ContextFlowConfig {
	return ContextFlowConfig{
		CompressionEnabled:       true,
		SemanticFilteringEnabled: true,
		RelevanceThreshold:       0.7,
		MaxContextSize:           8192,
	}
}

// OptimizationType classifies a named improvement applied during a run.
type OptimizationType string

const (
	// OptimizationPrompt marks prompt-shaping improvements.
	OptimizationPrompt OptimizationType = "prompt"
	// OptimizationContext marks context compression/filtering improvements.
	OptimizationContext OptimizationType = "context"
	// OptimizationAgentSelection marks capability substitution improvements.
	OptimizationAgentSelection OptimizationType = "agent-selection"
)

// OptimizationConfig declares which optimization strategies are enabled for
// a chain along with numeric performance targets.
type OptimizationConfig struct {
	Enabled         []OptimizationType `json:"enabled"`
	LearningEnabled bool               `json:"learning_enabled"`
	Targets         map[string]float64 `json:"targets,omitempty"`
}

// DefaultOptimizationConfig enables all optimization strategies with
// baseline confidence and efficiency targets.
func DefaultOptimizationConfig() OptimizationConfig {
	return OptimizationConfig{
		Enabled: []OptimizationType{
			OptimizationPrompt,
			OptimizationContext,
			OptimizationAgentSelection,
		},
		LearningEnabled: true,
		Targets: map[string]float64{
			"confidence":         0.8,
			"context_efficiency": 0.5,
		},
	}
}

// Allows reports whether the given optimization type is enabled.
func (c OptimizationConfig) Allows(t OptimizationType) bool {
	for _, enabled := range c.Enabled {
		if enabled == t {
			return true
		}
	}
	return false
}

// ChainDefinition is a named, versioned workflow template. Definitions are
// created once via the registry and immutable thereafter; a change produces
// a new definition with a new id so that past execution history stays
// reproducible.
type ChainDefinition struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Description  string             `json:"description,omitempty"`
	Steps        []ChainStep        `json:"steps"`
	Agents       []AgentRole        `json:"agents"`
	ContextFlow  ContextFlowConfig  `json:"context_flow"`
	Optimization OptimizationConfig `json:"optimization"`
	CreatedAt    time.Time          `json:"created_at"`
}

// Validate checks the definition invariants: non-empty steps and every step
// bound to a recognized agent role.
func (d *ChainDefinition) Validate() error {
	if len(d.Steps) == 0 {
		return fmt.Errorf("%w: chain %q has no steps", ErrInvalidDefinition, d.Name)
	}
	for i, step := range d.Steps {
		if !step.AgentType.Valid() {
			return fmt.Errorf("%w: step %d (%s) references unknown agent role %q",
				ErrInvalidDefinition, i, step.Name, step.AgentType)
		}
	}
	return nil
}

// DistinctAgents derives the set of distinct agent roles referenced by the
// steps, preserving order of first appearance.
func (d *ChainDefinition) DistinctAgents() []AgentRole {
	seen := make(map[AgentRole]bool, len(d.Steps))
	agents := make([]AgentRole, 0, len(d.Steps))
	for _, step := range d.Steps {
		if !seen[step.AgentType] {
			seen[step.AgentType] = true
			agents = append(agents, step.AgentType)
		}
	}
	return agents
}

// Step returns the step at the given index, or nil if out of range.
func (d *ChainDefinition) Step(i int) *ChainStep {
	if i < 0 || i >= len(d.Steps) {
		return nil
	}
	return &d.Steps[i]
}

// Clone performs a deep copy so callers can hold a definition without
// risking mutation of registry/store internals.
func (d *ChainDefinition) Clone() *ChainDefinition {
	if d == nil {
		return nil
	}
	clone := *d
	clone.Steps = make([]ChainStep, len(d.Steps))
	for i, step := range d.Steps {
		clone.Steps[i] = step
		clone.Steps[i].ContextRequirements = append([]string(nil), step.ContextRequirements...)
		clone.Steps[i].OptimizationTargets = append([]string(nil), step.OptimizationTargets...)
	}
	clone.Agents = append([]AgentRole(nil), d.Agents...)
	clone.Optimization.Enabled = append([]OptimizationType(nil), d.Optimization.Enabled...)
	if d.Optimization.Targets != nil {
		clone.Optimization.Targets = make(map[string]float64, len(d.Optimization.Targets))
		for k, v := range d.Optimization.Targets {
			clone.Optimization.Targets[k] = v
		}
	}
	return &clone
}
