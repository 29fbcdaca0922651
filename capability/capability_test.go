package capability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/promptchain/core"
)

func TestMockProvider_Resolve(t *testing.T) {
	p := NewMockProvider()

	c, err := p.Resolve(core.RoleAnalyst, TierStandard)
	require.NoError(t, err)

	info := c.Info()
	assert.Equal(t, "mock", info.Provider)
	assert.Equal(t, core.RoleAnalyst, info.Role)
	assert.Equal(t, TierStandard, info.Tier)
}

func TestMockProvider_Resolve_UnknownRole(t *testing.T) {
	p := NewMockProvider()

	_, err := p.Resolve(core.AgentRole("wizard"), TierStandard)
	assert.Error(t, err)
}

func TestMockCapability_Invoke_CannedResponse(t *testing.T) {
	p := NewMockProvider()
	p.AddResponse(core.RoleAnalyst, "three suspects identified")
	p.SetConfidence(core.RoleAnalyst, 0.75)

	c, err := p.Resolve(core.RoleAnalyst, TierStandard)
	require.NoError(t, err)

	resp, err := c.Invoke(context.Background(), Request{Prompt: "analyze the incident"})
	require.NoError(t, err)
	assert.Equal(t, "three suspects identified", resp.Output)
	assert.Equal(t, 0.75, resp.Confidence)
}

func TestMockCapability_Invoke_DefaultResponse(t *testing.T) {
	p := NewMockProvider()

	c, err := p.Resolve(core.RoleTester, TierStandard)
	require.NoError(t, err)

	resp, err := c.Invoke(context.Background(), Request{Prompt: "write tests"})
	require.NoError(t, err)
	assert.Contains(t, resp.Output, "tester")
	assert.Contains(t, resp.Output, "write tests")
	assert.Equal(t, 0.9, resp.Confidence)
}

func TestMockCapability_Invoke_LiteTierConfidence(t *testing.T) {
	p := NewMockProvider()
	p.SetConfidence(core.RoleDeveloper, 0.8)

	lite, err := p.Resolve(core.RoleDeveloper, TierLite)
	require.NoError(t, err)

	resp, err := lite.Invoke(context.Background(), Request{Prompt: "implement"})
	require.NoError(t, err)
	assert.InDelta(t, 0.68, resp.Confidence, 1e-9)
}

func TestMockCapability_Invoke_ScriptedFailures(t *testing.T) {
	p := NewMockProvider()
	p.FailNext(core.RoleAnalyst, 2)

	c, err := p.Resolve(core.RoleAnalyst, TierStandard)
	require.NoError(t, err)

	_, err = c.Invoke(context.Background(), Request{Prompt: "p"})
	assert.Error(t, err)
	_, err = c.Invoke(context.Background(), Request{Prompt: "p"})
	assert.Error(t, err)

	resp, err := c.Invoke(context.Background(), Request{Prompt: "p"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Output)
}

func TestMockCapability_Invoke_AlwaysFail(t *testing.T) {
	p := NewMockProvider()
	p.FailNext(core.RoleAnalyst, -1)

	c, err := p.Resolve(core.RoleAnalyst, TierStandard)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := c.Invoke(context.Background(), Request{Prompt: "p"})
		assert.Error(t, err)
	}
}

func TestMockCapability_Invoke_DelayHonorsContext(t *testing.T) {
	p := NewMockProvider()
	p.SetDelay(time.Second)

	c, err := p.Resolve(core.RoleAnalyst, TierStandard)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = c.Invoke(ctx, Request{Prompt: "p"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
