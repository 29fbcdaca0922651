// Package promptchain provides a high-level façade over the chain registry,
// execution engine, handoff coordinator and analytics store, enabling rapid
// construction of multi-step agent workflow systems. Most applications
// interact with this package by:
//  1. Creating a PromptChain via New() (optionally overriding the default
//     in-memory store, capability provider and logger)
//  2. Registering chain definitions (CreateChain)
//  3. Executing chains (ExecuteChain) and querying history (GetAnalytics)
//
// The façade delegates orchestration to engine.Engine while keeping setup
// and usage ergonomics concise. All defaults are safe for local development
// and testing; production deployments typically supply a durable store, a
// real capability provider and a structured logger.
package promptchain

import (
	"context"

	"github.com/hupe1980/promptchain/analytics"
	"github.com/hupe1980/promptchain/capability"
	"github.com/hupe1980/promptchain/core"
	"github.com/hupe1980/promptchain/engine"
	"github.com/hupe1980/promptchain/logging"
	"github.com/hupe1980/promptchain/registry"
	"github.com/hupe1980/promptchain/store"
)

// Options configures the PromptChain instance.
type Options struct {
	// Store backs definitions, executions and results (defaults to an
	// in-memory implementation if not provided).
	Store core.Store

	// Provider resolves agent roles to concrete capabilities (defaults to a
	// deterministic mock provider).
	Provider capability.Provider

	// Logger (defaults to NoOp logger if nil).
	Logger logging.Logger
}

// PromptChain is the high-level façade aggregating the underlying engine
// and services.
type PromptChain struct {
	opts      Options
	registry  *registry.Registry
	engine    *engine.Engine
	analytics *analytics.Store
}

// New creates a new PromptChain instance with optional overrides. Any unset
// service is initialized with an in-memory or mock implementation.
func New(optFns ...func(o *Options)) *PromptChain {
	opts := Options{
		Store:    store.NewInMemoryStore(),
		Provider: capability.NewMockProvider(),
		Logger:   logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	reg := registry.New(opts.Store, func(o *registry.Options) { o.Logger = opts.Logger })
	eng := engine.New(opts.Store, reg, opts.Provider, func(o *engine.Options) { o.Logger = opts.Logger })
	ana := analytics.New(opts.Store, func(o *analytics.Options) { o.Logger = opts.Logger })

	return &PromptChain{opts: opts, registry: reg, engine: eng, analytics: ana}
}

// CreateChain validates and durably registers a new chain definition,
// returning its id. Fails with core.ErrInvalidDefinition on empty steps or
// an unrecognized agent role.
func (p *PromptChain) CreateChain(ctx context.Context, name, description string, steps []core.ChainStep, optFns ...func(o *registry.CreateOptions)) (string, error) {
	return p.registry.Create(ctx, name, description, steps, optFns...)
}

// GetChain returns the definition stored under id, or core.ErrNotFound.
func (p *PromptChain) GetChain(ctx context.Context, chainID string) (*core.ChainDefinition, error) {
	return p.registry.Get(ctx, chainID)
}

// ListChains returns every registered definition ordered by creation time.
func (p *PromptChain) ListChains(ctx context.Context) ([]*core.ChainDefinition, error) {
	return p.registry.List(ctx)
}

// ExecuteChain runs one instantiation of a chain. Fails with
// core.ErrNotFound if the chain id is unknown; step failures and timeouts
// are reported through the returned result's status.
func (p *PromptChain) ExecuteChain(ctx context.Context, chainID string, input core.ExecutionInput, optFns ...func(o *core.ExecutionOptions)) (*core.ChainResult, error) {
	return p.engine.Execute(ctx, chainID, input, optFns...)
}

// CoordinateHandoff runs a context handoff for an execution in flight and
// returns its transfer telemetry. Fails with core.ErrNotFound if the
// execution id is unknown or not running.
func (p *PromptChain) CoordinateHandoff(executionID string, fromStep, toStep int, optFns ...func(o *engine.HandoffOptions)) (core.TransferMetrics, error) {
	return p.engine.CoordinateHandoff(executionID, fromStep, toStep, optFns...)
}

// GetAnalytics aggregates the recorded executions of one chain over the
// given window. A chain with zero executions yields an empty aggregate.
func (p *PromptChain) GetAnalytics(ctx context.Context, chainID string, windowDays int, optFns ...func(o *analytics.QueryOptions)) (*analytics.Aggregate, error) {
	return p.analytics.ChainAnalytics(ctx, chainID, windowDays, optFns...)
}

// GetSystemAnalytics aggregates every recorded execution in the window
// across all chains.
func (p *PromptChain) GetSystemAnalytics(ctx context.Context, windowDays int, optFns ...func(o *analytics.QueryOptions)) (*analytics.Aggregate, error) {
	return p.analytics.SystemAnalytics(ctx, windowDays, optFns...)
}

// RecordExecution records an externally produced chain result so it becomes
// visible to analytics queries.
func (p *PromptChain) RecordExecution(ctx context.Context, result *core.ChainResult) error {
	return p.analytics.RecordExecution(ctx, result)
}
