package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/promptchain/capability"
	"github.com/hupe1980/promptchain/contextflow"
	"github.com/hupe1980/promptchain/core"
	"github.com/hupe1980/promptchain/handoff"
	"github.com/hupe1980/promptchain/internal/util"
	"github.com/hupe1980/promptchain/logging"
)

// ChainResolver looks up chain definitions by id. The registry satisfies
// this interface; tests may supply a stub.
type ChainResolver interface {
	Get(ctx context.Context, id string) (*core.ChainDefinition, error)
}

// Options configures an Engine instance using the functional options
// pattern. Store, Resolver and Provider are required; Logger defaults to
// NoOpLogger.
type Options struct {
	// Logger provides structured logging for debugging and monitoring.
	Logger logging.Logger
}

// Engine runs chain executions. Public methods are safe for concurrent
// use; every execution owns its own state and blocks only on capability
// invocations and durable writes, both bounded by the chain-level step
// timeout.
type Engine struct {
	store    core.Store
	resolver ChainResolver
	provider capability.Provider
	adapter  *contextflow.Adapter
	handoff  *handoff.Coordinator
	logger   logging.Logger

	// Live executions, tracked so the handoff surface can address runs in
	// flight. Protected by mu.
	mu   sync.RWMutex
	live map[string]*liveExecution
}

// liveExecution pairs an in-flight execution with its definition and the
// running context snapshot used by CoordinateHandoff.
type liveExecution struct {
	mu      sync.RWMutex
	exec    *core.ChainExecution
	def     *core.ChainDefinition
	context map[string]any
}

func (l *liveExecution) snapshot() (map[string]any, *core.ChainDefinition, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	snap := make(map[string]any, len(l.context))
	for k, v := range l.context {
		snap[k] = v
	}
	return snap, l.def, l.exec.Running()
}

func (l *liveExecution) setContext(ctx map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.context = ctx
}

// New creates an Engine bound to a store, a chain resolver and a
// capability provider.
func New(store core.Store, resolver ChainResolver, provider capability.Provider, optFns ...func(o *Options)) *Engine {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Engine{
		store:    store,
		resolver: resolver,
		provider: provider,
		adapter:  contextflow.NewAdapter(),
		handoff:  handoff.NewCoordinator(),
		logger:   opts.Logger,
		live:     map[string]*liveExecution{},
	}
}

// Execute runs one instantiation of the chain against the given input. The
// returned result reflects the terminal status of the run; step failures
// and timeouts are reported through the result, while unknown chain ids and
// persistence failures surface as errors.
func (e *Engine) Execute(ctx context.Context, chainID string, input core.ExecutionInput, optFns ...func(o *core.ExecutionOptions)) (*core.ChainResult, error) {
	opts := core.DefaultExecutionOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	applyPreferences(&opts, input.Preferences)

	lookupCtx, cancel := boundedWait(ctx, opts.StepTimeout())
	def, err := e.resolver.Get(lookupCtx, chainID)
	lookupTimedOut := lookupCtx.Err() != nil && ctx.Err() == nil
	cancel()
	if err != nil {
		if lookupTimedOut {
			return nil, fmt.Errorf("%w: chain lookup for %s timed out after %s", core.ErrPersistence, chainID, opts.StepTimeout())
		}
		return nil, err
	}

	exec := core.NewChainExecution(chainID, input, opts)
	runCtx := copyContext(input.Context)

	exec.StartTime = time.Now().UTC()
	if err := exec.Transition(core.StatusRunning); err != nil {
		return nil, err
	}

	// Register after the running transition so the handoff surface only
	// ever observes the execution in a consistent state.
	lv := &liveExecution{exec: exec, def: def, context: runCtx}
	e.mu.Lock()
	e.live[exec.ID] = lv
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.live, exec.ID)
		e.mu.Unlock()
	}()

	run := &runState{exec: exec, def: def, context: runCtx}
	e.runSteps(ctx, run, lv)

	exec.EndTime = time.Now().UTC()
	result := e.assembleResult(run)

	e.logger.Info("chain execution finished",
		"chain_id", chainID,
		"execution_id", exec.ID,
		"status", string(exec.Status),
		"steps", len(exec.Results),
		"duration", result.Metrics.TotalExecutionTime)

	if err := e.persist(ctx, run, result); err != nil {
		return result, err
	}
	return result, nil
}

// HandoffOptions tunes a single coordinated transfer.
type HandoffOptions struct {
	// ContextFlow overrides the chain's context flow policy for this
	// transfer only.
	ContextFlow *core.ContextFlowConfig
}

// WithContextFlow overrides the context flow policy applied during one
// handoff, leaving the chain definition untouched.
func WithContextFlow(cfg core.ContextFlowConfig) func(o *HandoffOptions) {
	return func(o *HandoffOptions) {
		o.ContextFlow = &cfg
	}
}

// CoordinateHandoff runs a context handoff for an execution currently in
// flight and returns the transfer telemetry. Fails with core.ErrNotFound if
// the execution id is unknown or the execution is no longer running. The
// live execution state is not modified; the coordinator is a pure
// transformation, so this surface is safe for replay and debugging.
func (e *Engine) CoordinateHandoff(executionID string, fromStep, toStep int, optFns ...func(o *HandoffOptions)) (core.TransferMetrics, error) {
	var opts HandoffOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	e.mu.RLock()
	lv, ok := e.live[executionID]
	e.mu.RUnlock()
	if !ok {
		return core.TransferMetrics{}, fmt.Errorf("%w: execution %q", core.ErrNotFound, executionID)
	}

	snap, def, running := lv.snapshot()
	if !running {
		return core.TransferMetrics{}, fmt.Errorf("%w: execution %q is not running", core.ErrNotFound, executionID)
	}
	target := def.Step(toStep)
	if target == nil {
		return core.TransferMetrics{}, fmt.Errorf("handoff: step index %d out of range for chain %s", toStep, def.ID)
	}

	policy := def.ContextFlow
	if opts.ContextFlow != nil {
		policy = *opts.ContextFlow
	}

	_, metrics, err := e.handoff.Coordinate(fromStep, toStep, snap, target, policy)
	return metrics, err
}

// runState accumulates everything the step loop produces for one execution.
type runState struct {
	exec    *core.ChainExecution
	def     *core.ChainDefinition
	context map[string]any

	transfers         []core.TransferMetrics
	optimizations     []core.OptimizationResult
	contextSizeBefore int
	contextSizeAfter  int
	promptOptimized   int
	failure           error
}

// runSteps iterates the definition's steps in order, applying the context
// adapter before each step and the handoff coordinator between steps.
func (e *Engine) runSteps(ctx context.Context, run *runState, lv *liveExecution) {
	exec, def := run.exec, run.def

	for i := range def.Steps {
		step := &def.Steps[i]

		adapted, err := e.adapter.Adapt(run.context, step, def.ContextFlow)
		if err != nil {
			run.failure = err
			e.terminate(lv, core.StatusFailed)
			return
		}
		run.contextSizeBefore += adapted.SizeBefore
		run.contextSizeAfter += adapted.Size

		prompt, err := renderPrompt(step, exec.Input.Problem, adapted.Context)
		if err != nil {
			run.failure = fmt.Errorf("render prompt for step %s: %w", step.ID, err)
			e.terminate(lv, core.StatusFailed)
			return
		}

		stepResult, stepErr := e.executeStep(ctx, run, step, prompt, adapted)
		if stepErr != nil {
			if errors.Is(stepErr, core.ErrTimeout) {
				run.failure = stepErr
				e.terminate(lv, core.StatusTimeout)
				return
			}
			run.failure = stepErr
			e.terminate(lv, core.StatusFailed)
			return
		}

		stepResult.Notes = append(stepResult.Notes, adapted.Notes...)
		exec.AppendResult(*stepResult)

		if def.Optimization.Allows(core.OptimizationPrompt) && satisfiedRequirements(step, adapted.Context) > 0 {
			run.promptOptimized++
		}

		// Fold the step output into the running context and hand it off to
		// the next step.
		run.context[fmt.Sprintf("step_%s_output", step.ID)] = stepResult.Output
		run.context["previous_output"] = stepResult.Output

		if next := def.Step(i + 1); next != nil {
			optimized, tm, err := e.handoff.Coordinate(i, i+1, run.context, next, def.ContextFlow)
			if err != nil {
				run.failure = err
				e.terminate(lv, core.StatusFailed)
				return
			}
			run.context = optimized
			lv.setContext(optimized)
			run.transfers = append(run.transfers, tm)
			e.logger.Debug("context handoff completed",
				"execution_id", exec.ID,
				"from_step", i,
				"to_step", i+1,
				"size_before", tm.ContextSizeBefore,
				"size_after", tm.ContextSizeAfter)
		}
	}

	e.terminate(lv, core.StatusCompleted)
}

// executeStep dispatches one step to its capability, applying the fallback
// strategy on invocation errors. A nil error means the returned StepResult
// holds the final accepted attempt; retry attempts are counted in its
// metadata.
func (e *Engine) executeStep(ctx context.Context, run *runState, step *core.ChainStep, prompt string, adapted *contextflow.Result) (*core.StepResult, error) {
	exec := run.exec
	opts := exec.Options

	resolved, err := e.provider.Resolve(step.AgentType, capability.TierStandard)
	if err != nil {
		return nil, &core.StepExecutionError{StepID: step.ID, AgentType: step.AgentType, Attempts: 0, Err: err}
	}

	req := capability.Request{
		Prompt:         prompt,
		Context:        adapted.Context,
		ExpectedOutput: step.ExpectedOutput,
	}

	maxAttempts := 1
	if opts.FallbackStrategy == core.FallbackRetry || opts.FallbackStrategy == core.FallbackDowngrade {
		maxAttempts = 1 + opts.MaxRetries
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts++
		resp, dur, err := e.invoke(ctx, resolved, req, opts.StepTimeout())
		if err == nil {
			return e.acceptedResult(step, resolved, resp, dur, adapted, attempts), nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: step %s after %s", core.ErrTimeout, step.ID, opts.StepTimeout())
		}
		lastErr = err
		if opts.FallbackStrategy == core.FallbackFail {
			break
		}
		e.logger.Warn("step attempt failed",
			"execution_id", exec.ID,
			"step_id", step.ID,
			"attempt", attempt,
			"error", err.Error())
	}

	if opts.FallbackStrategy == core.FallbackDowngrade {
		lite, err := e.provider.Resolve(step.AgentType, capability.TierLite)
		if err == nil {
			attempts++
			resp, dur, err := e.invoke(ctx, lite, req, opts.StepTimeout())
			if err == nil {
				result := e.acceptedResult(step, lite, resp, dur, adapted, attempts)
				result.Notes = append(result.Notes, fmt.Sprintf("downgraded to %s after %d failed attempt(s)", lite.Info().Name, attempts-1))
				if run.def.Optimization.Allows(core.OptimizationAgentSelection) {
					run.optimizations = append(run.optimizations, core.OptimizationResult{
						Type:        core.OptimizationAgentSelection,
						Improvement: resp.Confidence * 10,
						Description: fmt.Sprintf("recovered step %s via lite capability %s", step.ID, lite.Info().Name),
					})
				}
				return result, nil
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: step %s after %s", core.ErrTimeout, step.ID, opts.StepTimeout())
			}
			lastErr = err
		}
	}

	return nil, &core.StepExecutionError{StepID: step.ID, AgentType: step.AgentType, Attempts: attempts, Err: lastErr}
}

// invoke dispatches one capability call bounded by the step timeout.
func (e *Engine) invoke(ctx context.Context, c capability.Capability, req capability.Request, timeout time.Duration) (capability.Response, time.Duration, error) {
	stepCtx, cancel := boundedWait(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.Invoke(stepCtx, req)
	dur := time.Since(start)
	if err != nil {
		if stepCtx.Err() != nil && ctx.Err() == nil {
			return capability.Response{}, dur, context.DeadlineExceeded
		}
		return capability.Response{}, dur, err
	}
	return resp, dur, nil
}

func (e *Engine) acceptedResult(step *core.ChainStep, c capability.Capability, resp capability.Response, dur time.Duration, adapted *contextflow.Result, attempts int) *core.StepResult {
	result := &core.StepResult{
		StepID:        step.ID,
		AgentID:       c.Info().Name,
		Output:        resp.Output,
		Confidence:    resp.Confidence,
		ExecutionTime: dur,
		ContextUsed:   adapted.Size,
		Attempts:      attempts,
	}
	if attempts > 1 {
		result.Notes = append(result.Notes, fmt.Sprintf("%d retry attempt(s) before acceptance", attempts-1))
	}
	return result
}

// terminate moves the execution into a terminal status. The write happens
// under the live execution lock so a concurrent CoordinateHandoff observes
// a consistent status. Transition violations indicate an engine bug and are
// logged rather than propagated.
func (e *Engine) terminate(lv *liveExecution, status core.ExecutionStatus) {
	lv.mu.Lock()
	err := lv.exec.Transition(status)
	lv.mu.Unlock()
	if err != nil {
		e.logger.Error("illegal execution transition", "execution_id", lv.exec.ID, "error", err.Error())
	}
}

// assembleResult computes the aggregate performance metrics from the full
// results list and folds in the optimization accounting.
func (e *Engine) assembleResult(run *runState) *core.ChainResult {
	exec, def := run.exec, run.def

	result := &core.ChainResult{
		ExecutionID: exec.ID,
		ChainID:     exec.ChainID,
		Status:      exec.Status,
		StartTime:   exec.StartTime,
		EndTime:     exec.EndTime,
		Results:     exec.Results,
	}
	if run.failure != nil {
		result.Error = run.failure.Error()
	}

	stepCount := len(def.Steps)
	metrics := core.PerformanceMetrics{
		TotalExecutionTime: exec.EndTime.Sub(exec.StartTime),
	}

	if len(exec.Results) > 0 {
		var confidenceSum float64
		var contextUsed int
		for _, r := range exec.Results {
			confidenceSum += r.Confidence
			contextUsed += r.ContextUsed
		}
		metrics.AvgConfidence = confidenceSum / float64(len(exec.Results))
		if budget := def.ContextFlow.MaxContextSize * stepCount; budget > 0 {
			metrics.ContextEfficiency = clamp01(1 - float64(contextUsed)/float64(budget))
		}
	}

	optimizations := run.optimizations
	if def.Optimization.Allows(core.OptimizationContext) && run.contextSizeBefore > 0 && run.contextSizeAfter < run.contextSizeBefore {
		saved := 1 - float64(run.contextSizeAfter)/float64(run.contextSizeBefore)
		optimizations = append(optimizations, core.OptimizationResult{
			Type:        core.OptimizationContext,
			Improvement: saved * 100,
			Description: fmt.Sprintf("context reduced from %d to %d bytes across %d step(s)", run.contextSizeBefore, run.contextSizeAfter, len(exec.Results)),
		})
	}
	if run.promptOptimized > 0 {
		optimizations = append(optimizations, core.OptimizationResult{
			Type:        core.OptimizationPrompt,
			Improvement: 5 * float64(run.promptOptimized),
			Description: fmt.Sprintf("prompt shaped with satisfied context requirements in %d step(s)", run.promptOptimized),
		})
	}
	result.Optimizations = optimizations

	if stepCount > 0 {
		var impact float64
		for _, opt := range optimizations {
			impact += opt.Improvement
		}
		metrics.OptimizationImpact = impact / float64(stepCount)
	}

	result.Metrics = metrics
	return result
}

// persist durably records the terminal execution and its result. A failed
// write surfaces as an error: the result is not considered queryable until
// persisted. Each write is bounded by the step timeout so a stalled store
// cannot hang an otherwise finished execution.
func (e *Engine) persist(ctx context.Context, run *runState, result *core.ChainResult) error {
	exec := run.exec
	timeout := exec.Options.StepTimeout()

	execData, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("%w: encode execution %s: %v", core.ErrPersistence, exec.ID, err)
	}
	if err := e.put(ctx, core.Record{
		Kind:      core.KindExecution,
		ID:        exec.ID,
		ChainID:   exec.ChainID,
		Status:    exec.Status,
		CreatedAt: exec.StartTime,
		Data:      execData,
	}, timeout); err != nil {
		return fmt.Errorf("persist execution %s: %w", exec.ID, err)
	}

	resultData, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("%w: encode result %s: %v", core.ErrPersistence, exec.ID, err)
	}
	if err := e.put(ctx, core.Record{
		Kind:      core.KindResult,
		ID:        exec.ID,
		ChainID:   exec.ChainID,
		Status:    exec.Status,
		CreatedAt: exec.StartTime,
		Data:      resultData,
	}, timeout); err != nil {
		return fmt.Errorf("persist result %s: %w", exec.ID, err)
	}
	return nil
}

// put writes one record with the wait bounded by timeout. A write that
// exhausts the bound reports core.ErrPersistence rather than a bare
// context error, so callers can tell a stalled store from a canceled run.
func (e *Engine) put(ctx context.Context, rec core.Record, timeout time.Duration) error {
	putCtx, cancel := boundedWait(ctx, timeout)
	defer cancel()

	if err := e.store.Put(putCtx, rec); err != nil {
		if putCtx.Err() != nil && ctx.Err() == nil {
			return fmt.Errorf("%w: store write timed out after %s", core.ErrPersistence, timeout)
		}
		return err
	}
	return nil
}

// boundedWait derives a deadline-bounded context when timeout is positive
// and passes the parent through untouched otherwise.
func boundedWait(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// renderPrompt computes the effective prompt for a step from its template,
// the problem statement and the adapted context.
func renderPrompt(step *core.ChainStep, problem string, contextMap map[string]any) (string, error) {
	state := map[string]any{
		"problem":         problem,
		"context":         contextMap,
		"expected_output": step.ExpectedOutput,
		"step":            step.Name,
	}
	rendered, err := util.RenderTemplate(step.PromptTemplate, state)
	if err != nil {
		return "", err
	}
	if rendered == "" {
		rendered = problem
	}
	return rendered, nil
}

func satisfiedRequirements(step *core.ChainStep, contextMap map[string]any) int {
	n := 0
	for _, name := range step.ContextRequirements {
		if _, ok := contextMap[name]; ok {
			n++
		}
	}
	return n
}

func applyPreferences(opts *core.ExecutionOptions, prefs map[string]any) {
	if prefs == nil {
		return
	}
	if v, ok := prefs["timeout_ms"]; ok {
		switch t := v.(type) {
		case float64:
			opts.TimeoutMs = int(t)
		case int:
			opts.TimeoutMs = t
		}
	}
	if v, ok := prefs["fallback_strategy"].(string); ok {
		if fs := core.FallbackStrategy(v); fs.Valid() {
			opts.FallbackStrategy = fs
		}
	}
	if v, ok := prefs["max_retries"]; ok {
		switch t := v.(type) {
		case float64:
			opts.MaxRetries = int(t)
		case int:
			opts.MaxRetries = t
		}
	}
}

func copyContext(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
