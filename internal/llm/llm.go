// Package llm holds the language collaborators of a conversation: the
// classifier that names the legal field and the composer that words each
// directive.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/cexll/agentsdk-go/pkg/model"

	"github.com/stellarlinkco/jurisbot/internal/config"
	"github.com/stellarlinkco/jurisbot/internal/selector"
)

// Composer turns a directive into the text sent to the client.
type Composer interface {
	Compose(ctx context.Context, d selector.Directive) (string, error)
}

// NewProvider returns the model provider for cfg, or nil when no provider
// is configured.
func NewProvider(cfg *config.Config) model.Provider {
	switch cfg.ProviderType() {
	case "none":
		return nil
	case "openai":
		return &model.OpenAIProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Provider.Model,
			MaxTokens: cfg.Provider.MaxTokens,
		}
	default: // "anthropic"
		return &model.AnthropicProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Provider.Model,
			MaxTokens: cfg.Provider.MaxTokens,
		}
	}
}

// client is the single-turn completion shared by the model-backed
// collaborators.
type client struct {
	provider  model.Provider
	maxTokens int
}

func (c *client) complete(ctx context.Context, system, prompt string) (string, error) {
	if c.provider == nil {
		return "", fmt.Errorf("no model provider configured")
	}
	m, err := c.provider.Model(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve model: %w", err)
	}
	resp, err := m.Complete(ctx, model.Request{
		System:    system,
		Messages:  []model.Message{{Role: "user", Content: prompt}},
		MaxTokens: c.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("complete: %w", err)
	}
	if resp == nil {
		return "", fmt.Errorf("complete: empty response")
	}
	text := strings.TrimSpace(resp.Message.TextContent())
	if text == "" {
		return "", fmt.Errorf("complete: empty response")
	}
	return text, nil
}
