package promptchain

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/promptchain/capability"
	"github.com/hupe1980/promptchain/core"
)

func TestPromptChain_EndToEnd(t *testing.T) {
	provider := capability.NewMockProvider()
	provider.AddResponse(core.RoleAnalyst, "root cause: unbounded cache growth")
	provider.AddResponse(core.RoleArchitect, "introduce an LRU eviction policy")
	provider.AddResponse(core.RoleDeveloper, "func NewLRUCache(size int) *Cache { ... }")

	pc := New(func(o *Options) { o.Provider = provider })
	ctx := context.Background()

	chainID, err := pc.CreateChain(ctx, "incident-pipeline", "analysis to fix", []core.ChainStep{
		{Name: "analyze", AgentType: core.RoleAnalyst, PromptTemplate: "Analyze: {{.problem}}"},
		{Name: "design", AgentType: core.RoleArchitect, PromptTemplate: "Design a fix for: {{.context.previous_output}}"},
		{Name: "implement", AgentType: core.RoleDeveloper, PromptTemplate: "Implement: {{.context.previous_output}}"},
	})
	require.NoError(t, err)

	def, err := pc.GetChain(ctx, chainID)
	require.NoError(t, err)
	assert.Equal(t, "incident-pipeline", def.Name)
	assert.Equal(t, []core.AgentRole{core.RoleAnalyst, core.RoleArchitect, core.RoleDeveloper}, def.Agents)

	result, err := pc.ExecuteChain(ctx, chainID, core.ExecutionInput{
		Problem: "API memory usage keeps climbing",
	})
	require.NoError(t, err)

	assert.Equal(t, core.StatusCompleted, result.Status)
	require.Len(t, result.Results, 3)
	assert.Equal(t, "root cause: unbounded cache growth", result.Results[0].Output)
	assert.Equal(t, "func NewLRUCache(size int) *Cache { ... }", result.Results[2].Output)
	assert.Greater(t, result.Metrics.AvgConfidence, 0.0)
	assert.Less(t, result.Metrics.AvgConfidence, 1.0)

	agg, err := pc.GetAnalytics(ctx, chainID, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, agg.TotalExecutions)
	assert.Equal(t, 1.0, agg.SuccessRate)
}

func TestPromptChain_DefaultsAreUsable(t *testing.T) {
	pc := New()
	ctx := context.Background()

	chainID, err := pc.CreateChain(ctx, "single", "", []core.ChainStep{
		{Name: "review", AgentType: core.RoleReviewer, PromptTemplate: "Review: {{.problem}}"},
	})
	require.NoError(t, err)

	result, err := pc.ExecuteChain(ctx, chainID, core.ExecutionInput{Problem: "draft"})
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, result.Status)
}

func TestPromptChain_RecordExecution_VisibleToAnalytics(t *testing.T) {
	pc := New()
	ctx := context.Background()

	result := &core.ChainResult{
		ExecutionID: core.NewID(),
		ChainID:     "external-chain",
		Status:      core.StatusCompleted,
		StartTime:   time.Now().UTC(),
		Metrics:     core.PerformanceMetrics{AvgConfidence: 0.9},
	}
	require.NoError(t, pc.RecordExecution(ctx, result))

	agg, err := pc.GetAnalytics(ctx, "external-chain", 7)
	require.NoError(t, err)
	assert.Equal(t, 1, agg.TotalExecutions)
}
