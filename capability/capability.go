// Package capability defines the agent capability contract consumed by the
// execution engine. A capability is an opaque addressable unit identified by
// an agent role that accepts a prompt plus context and returns an output
// with a confidence score and latency.
//
// The package ships a deterministic MockProvider for tests and examples;
// production deployments plug in the anthropic or openai sub-packages, or
// any custom Provider implementation.
package capability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/promptchain/core"
)

// Tier selects the cost/quality class of a resolved capability. The engine
// requests TierLite when applying the downgrade fallback strategy.
type Tier string

const (
	// TierStandard is the default capability class for a role.
	TierStandard Tier = "standard"
	// TierLite is a lower-cost, simpler substitute used on downgrade.
	TierLite Tier = "lite"
)

// Request captures the normalized capability input produced by the engine.
type Request struct {
	Prompt         string         `json:"prompt"`
	Context        map[string]any `json:"context,omitempty"`
	ExpectedOutput string         `json:"expected_output,omitempty"`
}

// Response is the result of a capability invocation.
type Response struct {
	Output     string        `json:"output"`
	Confidence float64       `json:"confidence"`
	Latency    time.Duration `json:"latency"`
}

// Info contains metadata about a capability implementation.
type Info struct {
	Name     string         `json:"name"`
	Provider string         `json:"provider"` // "openai", "anthropic", "mock", etc.
	Role     core.AgentRole `json:"role"`
	Tier     Tier           `json:"tier"`
}

// Capability is the minimal interface required by the engine to drive one
// step of a chain.
type Capability interface {
	// Invoke dispatches the request and blocks until an output is available
	// or ctx is done.
	Invoke(ctx context.Context, req Request) (Response, error)

	// Info returns information about the capability implementation.
	Info() Info
}

// Provider resolves agent roles to concrete capability instances.
type Provider interface {
	// Resolve returns a capability for the given role and tier. Roles
	// outside the closed enumeration or tiers the provider cannot serve
	// yield an error.
	Resolve(role core.AgentRole, tier Tier) (Capability, error)
}

// MockProvider is a deterministic in-memory Provider useful for tests and
// examples. Outputs, confidences and scripted failures are configured per
// role; identical inputs always produce identical results.
type MockProvider struct {
	mu         sync.Mutex
	responses  map[core.AgentRole]string
	confidence map[core.AgentRole]float64
	failures   map[core.AgentRole]int
	delay      time.Duration
}

// NewMockProvider constructs an empty MockProvider with a default
// confidence of 0.9 for every role.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		responses:  map[core.AgentRole]string{},
		confidence: map[core.AgentRole]float64{},
		failures:   map[core.AgentRole]int{},
	}
}

// AddResponse registers a canned output for a role.
func (p *MockProvider) AddResponse(role core.AgentRole, output string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses[role] = output
}

// SetConfidence overrides the confidence reported for a role.
func (p *MockProvider) SetConfidence(role core.AgentRole, confidence float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.confidence[role] = confidence
}

// FailNext schedules the next n invocations for the role to fail. Use a
// negative n to fail every invocation.
func (p *MockProvider) FailNext(role core.AgentRole, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[role] = n
}

// SetDelay makes every invocation sleep for d before responding, for
// exercising timeout paths.
func (p *MockProvider) SetDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = d
}

// Resolve implements Provider.
func (p *MockProvider) Resolve(role core.AgentRole, tier Tier) (Capability, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("mock provider: unknown agent role %q", role)
	}
	return &mockCapability{provider: p, role: role, tier: tier}, nil
}

type mockCapability struct {
	provider *MockProvider
	role     core.AgentRole
	tier     Tier
}

// Invoke implements Capability; returns the canned response or a scripted
// failure for the role.
func (c *mockCapability) Invoke(ctx context.Context, req Request) (Response, error) {
	c.provider.mu.Lock()
	delay := c.provider.delay
	remaining := c.provider.failures[c.role]
	if remaining != 0 {
		if remaining > 0 {
			c.provider.failures[c.role] = remaining - 1
		}
		c.provider.mu.Unlock()
		return Response{}, fmt.Errorf("mock capability %s: scripted failure", c.role)
	}
	output, ok := c.provider.responses[c.role]
	confidence, hasConfidence := c.provider.confidence[c.role]
	c.provider.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	if !ok {
		output = fmt.Sprintf("Mock %s response to: %s", c.role, req.Prompt)
	}
	if !hasConfidence {
		confidence = 0.9
	}
	// Lite capabilities report a slightly lower confidence so downgrade
	// effects remain observable in metrics.
	if c.tier == TierLite {
		confidence *= 0.85
	}

	return Response{Output: output, Confidence: confidence, Latency: delay}, nil
}

// Info implements Capability.
func (c *mockCapability) Info() Info {
	return Info{
		Name:     fmt.Sprintf("mock-%s-%s", c.role, c.tier),
		Provider: "mock",
		Role:     c.role,
		Tier:     c.tier,
	}
}
