package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDefinition() *ChainDefinition {
	return &ChainDefinition{
		ID:   NewID(),
		Name: "pipeline",
		Steps: []ChainStep{
			{ID: "s1", Name: "analyze", AgentType: RoleAnalyst},
			{ID: "s2", Name: "design", AgentType: RoleArchitect},
			{ID: "s3", Name: "implement", AgentType: RoleDeveloper},
		},
	}
}

func TestChainDefinition_Validate(t *testing.T) {
	def := validDefinition()
	require.NoError(t, def.Validate())
}

func TestChainDefinition_Validate_EmptySteps(t *testing.T) {
	def := &ChainDefinition{ID: NewID(), Name: "empty"}
	err := def.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidDefinition)
}

func TestChainDefinition_Validate_UnknownRole(t *testing.T) {
	def := validDefinition()
	def.Steps[1].AgentType = AgentRole("wizard")
	err := def.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidDefinition)
	assert.Contains(t, err.Error(), "wizard")
}

func TestChainDefinition_DistinctAgents(t *testing.T) {
	def := validDefinition()
	def.Steps = append(def.Steps, ChainStep{ID: "s4", Name: "re-analyze", AgentType: RoleAnalyst})

	agents := def.DistinctAgents()
	assert.Equal(t, []AgentRole{RoleAnalyst, RoleArchitect, RoleDeveloper}, agents)
}

func TestChainDefinition_Clone_Independent(t *testing.T) {
	def := validDefinition()
	def.Steps[0].ContextRequirements = []string{"domain"}
	def.Optimization = DefaultOptimizationConfig()

	clone := def.Clone()
	clone.Steps[0].ContextRequirements[0] = "mutated"
	clone.Optimization.Targets["confidence"] = 0.1

	assert.Equal(t, "domain", def.Steps[0].ContextRequirements[0])
	assert.Equal(t, 0.8, def.Optimization.Targets["confidence"])
}

func TestParseAgentRole(t *testing.T) {
	role, err := ParseAgentRole("tester")
	require.NoError(t, err)
	assert.Equal(t, RoleTester, role)

	_, err = ParseAgentRole("sorcerer")
	assert.ErrorIs(t, err, ErrInvalidDefinition)
}

func TestExecutionStatus_Transitions(t *testing.T) {
	exec := NewChainExecution("chain-1", ExecutionInput{Problem: "p"}, DefaultExecutionOptions())
	assert.Equal(t, StatusPending, exec.Status)

	require.NoError(t, exec.Transition(StatusRunning))
	require.NoError(t, exec.Transition(StatusCompleted))

	// Terminal states are final.
	assert.Error(t, exec.Transition(StatusRunning))
	assert.Error(t, exec.Transition(StatusFailed))
}

func TestExecutionStatus_IllegalEdges(t *testing.T) {
	exec := NewChainExecution("chain-1", ExecutionInput{}, DefaultExecutionOptions())

	// pending cannot jump straight to a terminal state.
	assert.Error(t, exec.Transition(StatusCompleted))
	assert.Error(t, exec.Transition(StatusTimeout))

	require.NoError(t, exec.Transition(StatusRunning))
	require.NoError(t, exec.Transition(StatusTimeout))
	assert.True(t, exec.Status.Terminal())
}

func TestChainExecution_AppendResult(t *testing.T) {
	exec := NewChainExecution("chain-1", ExecutionInput{}, DefaultExecutionOptions())
	exec.AppendResult(StepResult{StepID: "s1"})
	exec.AppendResult(StepResult{StepID: "s2"})

	assert.Len(t, exec.Results, 2)
	assert.Equal(t, 2, exec.CurrentStepIndex)
	assert.Equal(t, "s1", exec.Results[0].StepID)
}

func TestFallbackStrategy_Valid(t *testing.T) {
	assert.True(t, FallbackRetry.Valid())
	assert.True(t, FallbackDowngrade.Valid())
	assert.True(t, FallbackFail.Valid())
	assert.False(t, FallbackStrategy("panic").Valid())
}

func TestOptimizationConfig_Allows(t *testing.T) {
	cfg := DefaultOptimizationConfig()
	assert.True(t, cfg.Allows(OptimizationPrompt))
	assert.True(t, cfg.Allows(OptimizationContext))

	cfg.Enabled = []OptimizationType{OptimizationContext}
	assert.False(t, cfg.Allows(OptimizationPrompt))
}
