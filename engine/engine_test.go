package engine

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/promptchain/capability"
	"github.com/hupe1980/promptchain/core"
	"github.com/hupe1980/promptchain/registry"
	"github.com/hupe1980/promptchain/store"
)

type testFixture struct {
	engine   *Engine
	registry *registry.Registry
	store    *store.InMemoryStore
	provider *capability.MockProvider
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	s := store.NewInMemoryStore()
	reg := registry.New(s)
	provider := capability.NewMockProvider()
	return &testFixture{
		engine:   New(s, reg, provider),
		registry: reg,
		store:    s,
		provider: provider,
	}
}

func (f *testFixture) createChain(t *testing.T, steps ...core.ChainStep) string {
	t.Helper()
	id, err := f.registry.Create(context.Background(), "test-chain", "", steps)
	require.NoError(t, err)
	return id
}

func devPipelineSteps() []core.ChainStep {
	return []core.ChainStep{
		{ID: "s1", Name: "analyze", AgentType: core.RoleAnalyst, PromptTemplate: "Analyze: {{.problem}}"},
		{ID: "s2", Name: "design", AgentType: core.RoleArchitect, PromptTemplate: "Design from: {{.context.previous_output}}"},
		{ID: "s3", Name: "implement", AgentType: core.RoleDeveloper, PromptTemplate: "Implement: {{.context.previous_output}}"},
	}
}

func TestEngine_Execute_ThreeStepChainCompletes(t *testing.T) {
	f := newFixture(t)
	chainID := f.createChain(t, devPipelineSteps()...)

	result, err := f.engine.Execute(context.Background(), chainID, core.ExecutionInput{
		Problem: "checkout latency is too high",
	})
	require.NoError(t, err)

	assert.Equal(t, core.StatusCompleted, result.Status)
	require.Len(t, result.Results, 3)
	assert.Equal(t, "s1", result.Results[0].StepID)
	assert.Equal(t, "s2", result.Results[1].StepID)
	assert.Equal(t, "s3", result.Results[2].StepID)

	assert.Greater(t, result.Metrics.AvgConfidence, 0.0)
	assert.Less(t, result.Metrics.AvgConfidence, 1.0)
	assert.GreaterOrEqual(t, result.Metrics.ContextEfficiency, 0.0)
	assert.LessOrEqual(t, result.Metrics.ContextEfficiency, 1.0)
	assert.False(t, result.EndTime.Before(result.StartTime))
}

func TestEngine_Execute_ResultsNeverExceedSteps(t *testing.T) {
	f := newFixture(t)
	chainID := f.createChain(t, devPipelineSteps()...)
	f.provider.FailNext(core.RoleArchitect, -1)

	result, err := f.engine.Execute(context.Background(), chainID, core.ExecutionInput{
		Problem: "p",
		Preferences: map[string]any{
			"fallback_strategy": "fail",
		},
	})
	require.NoError(t, err)

	assert.LessOrEqual(t, len(result.Results), 3)
	for i, r := range result.Results {
		assert.Equal(t, devPipelineSteps()[i].ID, r.StepID)
	}
}

func TestEngine_Execute_UnknownChain(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Execute(context.Background(), "no-such-chain", core.ExecutionInput{Problem: "p"})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestEngine_Execute_FallbackFail_AbortsAtFailingStep(t *testing.T) {
	f := newFixture(t)
	chainID := f.createChain(t, devPipelineSteps()...)
	f.provider.FailNext(core.RoleArchitect, -1)

	result, err := f.engine.Execute(context.Background(), chainID, core.ExecutionInput{Problem: "p"},
		func(o *core.ExecutionOptions) { o.FallbackStrategy = core.FallbackFail },
	)
	require.NoError(t, err)

	assert.Equal(t, core.StatusFailed, result.Status)
	// Only the step before the failure produced a result; the failing step
	// contributed none.
	require.Len(t, result.Results, 1)
	assert.Equal(t, "s1", result.Results[0].StepID)
	assert.Contains(t, result.Error, "s2")
}

func TestEngine_Execute_FallbackRetry_ExhaustsRetriesThenFails(t *testing.T) {
	f := newFixture(t)
	chainID := f.createChain(t, devPipelineSteps()...)
	f.provider.FailNext(core.RoleAnalyst, -1)

	result, err := f.engine.Execute(context.Background(), chainID, core.ExecutionInput{Problem: "p"},
		func(o *core.ExecutionOptions) {
			o.FallbackStrategy = core.FallbackRetry
			o.MaxRetries = 2
		},
	)
	require.NoError(t, err)

	assert.Equal(t, core.StatusFailed, result.Status)
	assert.Empty(t, result.Results)
	// One initial attempt plus exactly two retries.
	assert.Contains(t, result.Error, "after 3 attempt(s)")
}

func TestEngine_Execute_FallbackRetry_RecoversAfterTransientFailure(t *testing.T) {
	f := newFixture(t)
	chainID := f.createChain(t, devPipelineSteps()...)
	f.provider.FailNext(core.RoleAnalyst, 1)

	result, err := f.engine.Execute(context.Background(), chainID, core.ExecutionInput{Problem: "p"},
		func(o *core.ExecutionOptions) {
			o.FallbackStrategy = core.FallbackRetry
			o.MaxRetries = 2
		},
	)
	require.NoError(t, err)

	assert.Equal(t, core.StatusCompleted, result.Status)
	require.Len(t, result.Results, 3)
	assert.Equal(t, 2, result.Results[0].Attempts)
	require.NotEmpty(t, result.Results[0].Notes)
	assert.Contains(t, result.Results[0].Notes[0], "1 retry attempt(s)")
}

func TestEngine_Execute_FallbackDowngrade_RecoversViaLiteCapability(t *testing.T) {
	f := newFixture(t)
	chainID := f.createChain(t, devPipelineSteps()...)
	// Fail every standard attempt (1 + MaxRetries), then the lite
	// capability succeeds.
	f.provider.FailNext(core.RoleArchitect, 2)

	result, err := f.engine.Execute(context.Background(), chainID, core.ExecutionInput{Problem: "p"},
		func(o *core.ExecutionOptions) {
			o.FallbackStrategy = core.FallbackDowngrade
			o.MaxRetries = 1
		},
	)
	require.NoError(t, err)

	assert.Equal(t, core.StatusCompleted, result.Status)
	require.Len(t, result.Results, 3)

	downgraded := result.Results[1]
	assert.Equal(t, "s2", downgraded.StepID)
	assert.Equal(t, 3, downgraded.Attempts)
	assert.Contains(t, downgraded.AgentID, "lite")
	assert.InDelta(t, 0.765, downgraded.Confidence, 1e-9)

	var agentSelection *core.OptimizationResult
	for i := range result.Optimizations {
		if result.Optimizations[i].Type == core.OptimizationAgentSelection {
			agentSelection = &result.Optimizations[i]
		}
	}
	require.NotNil(t, agentSelection)
	assert.Greater(t, agentSelection.Improvement, 0.0)
}

func TestEngine_Execute_Timeout(t *testing.T) {
	f := newFixture(t)
	chainID := f.createChain(t, devPipelineSteps()...)
	f.provider.SetDelay(200 * time.Millisecond)

	result, err := f.engine.Execute(context.Background(), chainID, core.ExecutionInput{Problem: "p"},
		func(o *core.ExecutionOptions) { o.TimeoutMs = 20 },
	)
	require.NoError(t, err)

	assert.Equal(t, core.StatusTimeout, result.Status)
	assert.Empty(t, result.Results)
	assert.Contains(t, result.Error, "timed out")
}

func TestEngine_Execute_TimeoutPreservesCompletedSteps(t *testing.T) {
	f := newFixture(t)
	chainID := f.createChain(t, devPipelineSteps()...)

	// Let the first step through, then slow everything down so the second
	// step hits its deadline.
	slow := &slowAfterProvider{inner: f.provider, after: 1, delay: 200 * time.Millisecond}
	f.engine.provider = slow

	result, err := f.engine.Execute(context.Background(), chainID, core.ExecutionInput{Problem: "p"},
		func(o *core.ExecutionOptions) { o.TimeoutMs = 50 },
	)
	require.NoError(t, err)

	assert.Equal(t, core.StatusTimeout, result.Status)
	require.Len(t, result.Results, 1)
	assert.Equal(t, "s1", result.Results[0].StepID)
}

func TestEngine_Execute_PreferencesOverrideOptions(t *testing.T) {
	f := newFixture(t)
	chainID := f.createChain(t, devPipelineSteps()...)
	f.provider.FailNext(core.RoleAnalyst, -1)

	result, err := f.engine.Execute(context.Background(), chainID, core.ExecutionInput{
		Problem: "p",
		Preferences: map[string]any{
			"fallback_strategy": "retry",
			"max_retries":       float64(1),
		},
	})
	require.NoError(t, err)

	assert.Equal(t, core.StatusFailed, result.Status)
	assert.Contains(t, result.Error, "after 2 attempt(s)")
}

func TestEngine_Execute_PersistsTerminalRuns(t *testing.T) {
	f := newFixture(t)
	chainID := f.createChain(t, devPipelineSteps()...)
	ctx := context.Background()

	result, err := f.engine.Execute(ctx, chainID, core.ExecutionInput{Problem: "p"})
	require.NoError(t, err)

	execRec, err := f.store.Get(ctx, core.KindExecution, result.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, execRec.Status)
	assert.Equal(t, chainID, execRec.ChainID)

	resultRec, err := f.store.Get(ctx, core.KindResult, result.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, resultRec.Status)
}

func TestEngine_Execute_PersistsFailedRuns(t *testing.T) {
	f := newFixture(t)
	chainID := f.createChain(t, devPipelineSteps()...)
	f.provider.FailNext(core.RoleAnalyst, -1)
	ctx := context.Background()

	result, err := f.engine.Execute(ctx, chainID, core.ExecutionInput{Problem: "p"},
		func(o *core.ExecutionOptions) { o.FallbackStrategy = core.FallbackFail },
	)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, result.Status)

	rec, err := f.store.Get(ctx, core.KindResult, result.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, rec.Status)
}

func TestEngine_Execute_SurfacesPersistenceFailure(t *testing.T) {
	backing := store.NewInMemoryStore()
	reg := registry.New(backing)
	eng := New(failingPutStore{Store: backing}, reg, capability.NewMockProvider())

	chainID, err := reg.Create(context.Background(), "test-chain", "", devPipelineSteps())
	require.NoError(t, err)

	result, err := eng.Execute(context.Background(), chainID, core.ExecutionInput{Problem: "p"})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrPersistence)

	// The run itself finished; only the terminal write failed.
	require.NotNil(t, result)
	assert.Equal(t, core.StatusCompleted, result.Status)
	require.Len(t, result.Results, 3)
}

func TestEngine_Execute_PersistWaitBoundedByTimeout(t *testing.T) {
	backing := store.NewInMemoryStore()
	reg := registry.New(backing)
	eng := New(stalledPutStore{Store: backing}, reg, capability.NewMockProvider())

	chainID, err := reg.Create(context.Background(), "test-chain", "", devPipelineSteps()[:1])
	require.NoError(t, err)

	start := time.Now()
	result, err := eng.Execute(context.Background(), chainID, core.ExecutionInput{Problem: "p"},
		func(o *core.ExecutionOptions) { o.TimeoutMs = 50 },
	)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrPersistence)
	require.NotNil(t, result)
	assert.Equal(t, core.StatusCompleted, result.Status)
	assert.Less(t, elapsed, 2*time.Second, "stalled store must not hang the execution")
}

func TestEngine_Execute_ChainLookupBoundedByTimeout(t *testing.T) {
	backing := store.NewInMemoryStore()
	reg := registry.New(stalledGetStore{Store: backing})
	eng := New(backing, reg, capability.NewMockProvider())

	start := time.Now()
	result, err := eng.Execute(context.Background(), "some-chain", core.ExecutionInput{Problem: "p"},
		func(o *core.ExecutionOptions) { o.TimeoutMs = 50 },
	)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrPersistence)
	assert.Nil(t, result)
	assert.Less(t, elapsed, 2*time.Second, "stalled store must not hang the lookup")
}

func TestEngine_Execute_FoldsOutputsIntoContext(t *testing.T) {
	f := newFixture(t)
	f.provider.AddResponse(core.RoleAnalyst, "the cache is the bottleneck")

	steps := []core.ChainStep{
		{ID: "s1", Name: "analyze", AgentType: core.RoleAnalyst, PromptTemplate: "Analyze: {{.problem}}"},
		{
			ID:                  "s2",
			Name:                "design",
			AgentType:           core.RoleArchitect,
			PromptTemplate:      "Design from: {{.context.previous_output}}",
			ContextRequirements: []string{"previous_output"},
		},
	}
	chainID := f.createChain(t, steps...)

	result, err := f.engine.Execute(context.Background(), chainID, core.ExecutionInput{Problem: "p"})
	require.NoError(t, err)
	require.Equal(t, core.StatusCompleted, result.Status)

	// The architect's default mock output echoes its prompt, which was
	// rendered from the analyst's folded output.
	assert.Contains(t, result.Results[1].Output, "the cache is the bottleneck")
}

func TestEngine_CoordinateHandoff_UnknownExecution(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.CoordinateHandoff("no-such-execution", 0, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestEngine_CoordinateHandoff_LiveExecution(t *testing.T) {
	f := newFixture(t)
	chainID := f.createChain(t, devPipelineSteps()...)
	f.provider.SetDelay(150 * time.Millisecond)

	execIDs := make(chan string, 1)
	capture := &captureProvider{inner: f.provider, execIDs: execIDs, engine: f.engine}
	f.engine.provider = capture

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := f.engine.Execute(context.Background(), chainID, core.ExecutionInput{Problem: "p"})
		assert.NoError(t, err)
	}()

	select {
	case execID := <-execIDs:
		metrics, err := f.engine.CoordinateHandoff(execID, 0, 1)
		require.NoError(t, err)
		assert.Equal(t, 0, metrics.FromStep)
		assert.Equal(t, 1, metrics.ToStep)

		// Out-of-range target step index is rejected.
		_, err = f.engine.CoordinateHandoff(execID, 0, 99)
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("execution never started")
	}
	<-done

	// Once terminal, the execution is no longer addressable.
	_, err := f.engine.CoordinateHandoff("gone", 0, 1)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestEngine_CoordinateHandoff_ContextFlowOverride(t *testing.T) {
	f := newFixture(t)
	chainID := f.createChain(t, devPipelineSteps()...)
	f.provider.SetDelay(150 * time.Millisecond)

	execIDs := make(chan string, 1)
	capture := &captureProvider{inner: f.provider, execIDs: execIDs, engine: f.engine}
	f.engine.provider = capture

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := f.engine.Execute(context.Background(), chainID, core.ExecutionInput{
			Problem: "p",
			Context: map[string]any{"notes": strings.Repeat("n", 200)},
		})
		assert.NoError(t, err)
	}()

	select {
	case execID := <-execIDs:
		override := core.ContextFlowConfig{
			CompressionEnabled: true,
			MaxContextSize:     64,
		}
		metrics, err := f.engine.CoordinateHandoff(execID, 0, 1, WithContextFlow(override))
		require.NoError(t, err)
		assert.LessOrEqual(t, metrics.ContextSizeAfter, override.MaxContextSize)
	case <-time.After(5 * time.Second):
		t.Fatal("execution never started")
	}
	<-done
}

// failingPutStore rejects every write while serving reads from the wrapped
// store.
type failingPutStore struct {
	core.Store
}

func (s failingPutStore) Put(ctx context.Context, rec core.Record) error {
	return fmt.Errorf("%w: write rejected", core.ErrPersistence)
}

// stalledPutStore blocks writes until the caller's context expires.
type stalledPutStore struct {
	core.Store
}

func (s stalledPutStore) Put(ctx context.Context, rec core.Record) error {
	<-ctx.Done()
	return ctx.Err()
}

// stalledGetStore blocks reads until the caller's context expires.
type stalledGetStore struct {
	core.Store
}

func (s stalledGetStore) Get(ctx context.Context, kind core.Kind, id string) (core.Record, error) {
	<-ctx.Done()
	return core.Record{}, ctx.Err()
}

// slowAfterProvider delays invocations after the first n calls succeed.
type slowAfterProvider struct {
	inner *capability.MockProvider
	after int
	delay time.Duration
	calls int
}

func (p *slowAfterProvider) Resolve(role core.AgentRole, tier capability.Tier) (capability.Capability, error) {
	inner, err := p.inner.Resolve(role, tier)
	if err != nil {
		return nil, err
	}
	return &slowAfterCapability{provider: p, inner: inner}, nil
}

type slowAfterCapability struct {
	provider *slowAfterProvider
	inner    capability.Capability
}

func (c *slowAfterCapability) Invoke(ctx context.Context, req capability.Request) (capability.Response, error) {
	c.provider.calls++
	if c.provider.calls > c.provider.after {
		select {
		case <-ctx.Done():
			return capability.Response{}, ctx.Err()
		case <-time.After(c.provider.delay):
		}
	}
	return c.inner.Invoke(ctx, req)
}

func (c *slowAfterCapability) Info() capability.Info { return c.inner.Info() }

// captureProvider reports the id of the live execution once the first
// capability invocation starts.
type captureProvider struct {
	inner    *capability.MockProvider
	execIDs  chan string
	engine   *Engine
	captured bool
}

func (p *captureProvider) Resolve(role core.AgentRole, tier capability.Tier) (capability.Capability, error) {
	inner, err := p.inner.Resolve(role, tier)
	if err != nil {
		return nil, err
	}
	return &captureCapability{provider: p, inner: inner}, nil
}

type captureCapability struct {
	provider *captureProvider
	inner    capability.Capability
}

func (c *captureCapability) Invoke(ctx context.Context, req capability.Request) (capability.Response, error) {
	p := c.provider
	if !p.captured {
		p.captured = true
		p.engine.mu.RLock()
		for id := range p.engine.live {
			select {
			case p.execIDs <- id:
			default:
			}
		}
		p.engine.mu.RUnlock()
	}
	return c.inner.Invoke(ctx, req)
}

func (c *captureCapability) Info() capability.Info { return c.inner.Info() }
