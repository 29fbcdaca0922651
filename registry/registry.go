// Package registry creates, stores and retrieves immutable chain
// definitions. A definition is validated and durably persisted before its
// id is returned; an id is never handed out for a definition that failed to
// persist. Definitions are never mutated in place so that execution history
// referencing them stays reproducible.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hupe1980/promptchain/core"
	"github.com/hupe1980/promptchain/logging"
)

// Options configures a Registry instance.
type Options struct {
	// Logger defaults to NoOpLogger if nil.
	Logger logging.Logger
}

// Registry is the chain definition registry. Safe for concurrent use; all
// state lives in the backing store.
type Registry struct {
	store  core.Store
	logger logging.Logger
}

// New creates a Registry backed by the given store.
func New(store core.Store, optFns ...func(o *Options)) *Registry {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Registry{store: store, logger: opts.Logger}
}

// CreateOptions carries the optional per-definition policy overrides.
type CreateOptions struct {
	ContextFlow  *core.ContextFlowConfig
	Optimization *core.OptimizationConfig
}

// WithContextFlow overrides the default context flow policy.
func WithContextFlow(cfg core.ContextFlowConfig) func(o *CreateOptions) {
	return func(o *CreateOptions) { o.ContextFlow = &cfg }
}

// WithOptimization overrides the default optimization policy.
func WithOptimization(cfg core.OptimizationConfig) func(o *CreateOptions) {
	return func(o *CreateOptions) { o.Optimization = &cfg }
}

// Create validates and persists a new chain definition, returning its id.
// Fails with core.ErrInvalidDefinition if steps is empty or a step
// references an unknown agent role.
func (r *Registry) Create(ctx context.Context, name, description string, steps []core.ChainStep, optFns ...func(o *CreateOptions)) (string, error) {
	var opts CreateOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	def := &core.ChainDefinition{
		ID:          core.NewID(),
		Name:        name,
		Description: description,
		Steps:       make([]core.ChainStep, len(steps)),
		CreatedAt:   time.Now().UTC(),
	}
	copy(def.Steps, steps)

	for i := range def.Steps {
		if def.Steps[i].ID == "" {
			def.Steps[i].ID = core.NewID()
		}
		if def.Steps[i].Name == "" {
			def.Steps[i].Name = fmt.Sprintf("step-%d", i+1)
		}
	}

	if opts.ContextFlow != nil {
		def.ContextFlow = *opts.ContextFlow
	} else {
		def.ContextFlow = core.DefaultContextFlowConfig()
	}
	if opts.Optimization != nil {
		def.Optimization = *opts.Optimization
	} else {
		def.Optimization = core.DefaultOptimizationConfig()
	}

	if err := def.Validate(); err != nil {
		return "", err
	}
	def.Agents = def.DistinctAgents()

	data, err := json.Marshal(def)
	if err != nil {
		return "", fmt.Errorf("%w: encode chain %s: %v", core.ErrPersistence, def.ID, err)
	}
	rec := core.Record{
		Kind:      core.KindChain,
		ID:        def.ID,
		CreatedAt: def.CreatedAt,
		Data:      data,
	}
	if err := r.store.Put(ctx, rec); err != nil {
		return "", fmt.Errorf("persist chain %s: %w", def.ID, err)
	}

	r.logger.Info("chain definition created", "chain_id", def.ID, "name", def.Name, "steps", len(def.Steps))
	return def.ID, nil
}

// Get returns the definition stored under id, or core.ErrNotFound.
func (r *Registry) Get(ctx context.Context, id string) (*core.ChainDefinition, error) {
	rec, err := r.store.Get(ctx, core.KindChain, id)
	if err != nil {
		return nil, err
	}
	var def core.ChainDefinition
	if err := json.Unmarshal(rec.Data, &def); err != nil {
		return nil, fmt.Errorf("%w: decode chain %s: %v", core.ErrPersistence, id, err)
	}
	return &def, nil
}

// List returns every stored definition ordered by creation time.
func (r *Registry) List(ctx context.Context) ([]*core.ChainDefinition, error) {
	recs, err := r.store.Query(ctx, core.KindChain, core.Filter{})
	if err != nil {
		return nil, err
	}
	defs := make([]*core.ChainDefinition, 0, len(recs))
	for _, rec := range recs {
		var def core.ChainDefinition
		if err := json.Unmarshal(rec.Data, &def); err != nil {
			return nil, fmt.Errorf("%w: decode chain %s: %v", core.ErrPersistence, rec.ID, err)
		}
		defs = append(defs, &def)
	}
	return defs, nil
}
