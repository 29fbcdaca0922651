// Package anthropic provides a capability provider backed by the Anthropic
// Claude API. Each agent role is served by a Claude model selected per tier;
// the lite tier maps to a smaller, cheaper model so the engine's downgrade
// fallback has a real substitution target.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/hupe1980/promptchain/capability"
	"github.com/hupe1980/promptchain/core"
)

// Options configures the Anthropic capability provider.
type Options struct {
	// StandardModel serves TierStandard resolutions.
	StandardModel anthropic.Model
	// LiteModel serves TierLite resolutions (downgrade fallback).
	LiteModel   anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

// Provider resolves agent roles to Claude-backed capabilities.
type Provider struct {
	client *anthropic.Client
	opts   Options
}

var _ capability.Provider = (*Provider)(nil)

// NewProvider creates a new Anthropic provider using the official client.
func NewProvider(optFns ...func(o *Options)) *Provider {
	opts := Options{
		StandardModel: anthropic.ModelClaude3_5Sonnet20241022,
		LiteModel:     anthropic.ModelClaude3_5HaikuLatest,
		Temperature:   0.7,
		MaxTokens:     4096,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}

	client := anthropic.NewClient(clientOpts...)

	return &Provider{client: &client, opts: opts}
}

// NewProviderFromClient creates a new Anthropic provider from an existing client.
func NewProviderFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Provider {
	opts := Options{
		StandardModel: anthropic.ModelClaude3_5Sonnet20241022,
		LiteModel:     anthropic.ModelClaude3_5HaikuLatest,
		Temperature:   0.7,
		MaxTokens:     4096,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Provider{client: client, opts: opts}
}

// Resolve implements capability.Provider.
func (p *Provider) Resolve(role core.AgentRole, tier capability.Tier) (capability.Capability, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("anthropic provider: unknown agent role %q", role)
	}
	model := p.opts.StandardModel
	if tier == capability.TierLite {
		model = p.opts.LiteModel
	}
	return &claudeCapability{provider: p, role: role, tier: tier, model: model}, nil
}

type claudeCapability struct {
	provider *Provider
	role     core.AgentRole
	tier     capability.Tier
	model    anthropic.Model
}

// Invoke implements capability.Capability by adapting the request into a
// single-turn Messages API call.
func (c *claudeCapability) Invoke(ctx context.Context, req capability.Request) (capability.Response, error) {
	params := anthropic.MessageNewParams{
		Model:       c.model,
		MaxTokens:   c.provider.opts.MaxTokens,
		Temperature: anthropic.Float(c.provider.opts.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildPrompt(req))),
		},
		System: []anthropic.TextBlockParam{{Text: systemPrompt(c.role)}},
	}

	start := time.Now()
	resp, err := c.provider.client.Messages.New(ctx, params)
	latency := time.Since(start)
	if err != nil {
		return capability.Response{}, fmt.Errorf("anthropic api error: %w", err)
	}

	var output string
	for _, block := range resp.Content {
		if block.Type == "text" {
			output += block.AsText().Text
		}
	}

	// Truncated generations signal a degraded answer; reflect that in the
	// reported confidence.
	confidence := 0.9
	if resp.StopReason == anthropic.StopReasonMaxTokens {
		confidence = 0.6
	}

	return capability.Response{Output: output, Confidence: confidence, Latency: latency}, nil
}

// Info implements capability.Capability.
func (c *claudeCapability) Info() capability.Info {
	return capability.Info{
		Name:     string(c.model),
		Provider: "anthropic",
		Role:     c.role,
		Tier:     c.tier,
	}
}

// buildPrompt folds the request context into the prompt body so single-turn
// capabilities see every retained field.
func buildPrompt(req capability.Request) string {
	prompt := req.Prompt
	if len(req.Context) > 0 {
		if data, err := json.MarshalIndent(req.Context, "", "  "); err == nil {
			prompt = fmt.Sprintf("%s\n\nContext:\n%s", prompt, string(data))
		}
	}
	if req.ExpectedOutput != "" {
		prompt = fmt.Sprintf("%s\n\nExpected output: %s", prompt, req.ExpectedOutput)
	}
	return prompt
}

func systemPrompt(role core.AgentRole) string {
	return fmt.Sprintf("You are acting as the %s agent in a multi-step workflow. "+
		"Produce only the artifact requested by the prompt.", role)
}
