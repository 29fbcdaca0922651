// Package openai provides a capability provider backed by the OpenAI Chat
// Completions API. Each agent role is served by a chat model selected per
// tier; the lite tier maps to a mini model so the engine's downgrade
// fallback has a real substitution target.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hupe1980/promptchain/capability"
	"github.com/hupe1980/promptchain/core"
	"github.com/openai/openai-go"
)

// Options configures the OpenAI capability provider. Fields mirror a subset
// of Chat Completion parameters intentionally kept minimal; extend via
// functional options without breaking callers.
type Options struct {
	// StandardModel serves TierStandard resolutions.
	StandardModel string
	// LiteModel serves TierLite resolutions (downgrade fallback).
	LiteModel           string
	Temperature         float64
	MaxCompletionTokens int64
}

// Provider resolves agent roles to OpenAI-backed capabilities.
type Provider struct {
	client *openai.Client
	opts   Options
}

var _ capability.Provider = (*Provider)(nil)

// NewProvider creates a new OpenAI provider using the official client.
func NewProvider(optFns ...func(o *Options)) *Provider {
	client := openai.NewClient()
	return NewProviderFromClient(&client, optFns...)
}

// NewProviderFromClient creates a new OpenAI provider from an existing client.
func NewProviderFromClient(client *openai.Client, optFns ...func(o *Options)) *Provider {
	opts := Options{
		StandardModel:       openai.ChatModelGPT4o,
		LiteModel:           openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Provider{client: client, opts: opts}
}

// Resolve implements capability.Provider.
func (p *Provider) Resolve(role core.AgentRole, tier capability.Tier) (capability.Capability, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("openai provider: unknown agent role %q", role)
	}
	model := p.opts.StandardModel
	if tier == capability.TierLite {
		model = p.opts.LiteModel
	}
	return &chatCapability{provider: p, role: role, tier: tier, model: model}, nil
}

type chatCapability struct {
	provider *Provider
	role     core.AgentRole
	tier     capability.Tier
	model    string
}

// Invoke implements capability.Capability by adapting the request into a
// single-turn chat completion.
func (c *chatCapability) Invoke(ctx context.Context, req capability.Request) (capability.Response, error) {
	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt(c.role)),
			openai.UserMessage(buildPrompt(req)),
		},
		Temperature:         openai.Float(c.provider.opts.Temperature),
		MaxCompletionTokens: openai.Int(c.provider.opts.MaxCompletionTokens),
	}

	start := time.Now()
	resp, err := c.provider.client.Chat.Completions.New(ctx, params)
	latency := time.Since(start)
	if err != nil {
		return capability.Response{}, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return capability.Response{}, fmt.Errorf("openai api error: no choices returned")
	}

	ch0 := resp.Choices[0]

	// Truncated generations signal a degraded answer; reflect that in the
	// reported confidence.
	confidence := 0.9
	if ch0.FinishReason == "length" {
		confidence = 0.6
	}

	return capability.Response{
		Output:     ch0.Message.Content,
		Confidence: confidence,
		Latency:    latency,
	}, nil
}

// Info implements capability.Capability.
func (c *chatCapability) Info() capability.Info {
	return capability.Info{
		Name:     c.model,
		Provider: "openai",
		Role:     c.role,
		Tier:     c.tier,
	}
}

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
