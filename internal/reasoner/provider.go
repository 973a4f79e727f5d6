// Package reasoner implements the engine's Reasoner contract on top of
// LLM chat-completion providers. All reasoner calls are single-shot
// prompts returning strict JSON that this package decodes into the
// engine's typed results.
package reasoner

import (
	"context"
	"fmt"
)

const defaultMaxTokens = 4096

// Provider is one chat-completion backend.
type Provider interface {
	ID() string
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// NewProvider builds a provider by name. Model ids come from config, not
// code.
func NewProvider(name, apiKey, model string) (Provider, error) {
	switch name {
	case "anthropic":
		return NewAnthropicProvider(apiKey, model), nil
	case "openai":
		return NewOpenAIProvider(apiKey, model), nil
	default:
		return nil, fmt.Errorf("unknown reasoner provider %q", name)
	}
}
