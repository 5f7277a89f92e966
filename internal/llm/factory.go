package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/samsaffron/term-agent/internal/config"
)

// ProviderNames lists the provider types NewProvider understands.
var ProviderNames = []string{"anthropic", "openai", "gemini", "ollama", "openai_compat"}

// ParseProviderModel parses "provider:model" or just "provider" from a flag value.
// Model will be empty if not specified.
func ParseProviderModel(s string) (string, string, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) == 0 || strings.TrimSpace(parts[0]) == "" {
		return "", "", fmt.Errorf("invalid provider format: %q", s)
	}
	provider := strings.TrimSpace(parts[0])
	model := ""
	if len(parts) == 2 {
		model = strings.TrimSpace(parts[1])
	}
	for _, name := range ProviderNames {
		if provider == name {
			return provider, model, nil
		}
	}
	return "", "", fmt.Errorf("unknown provider: %s", provider)
}

// NewProvider creates the configured provider wrapped with retry and the
// optional request throttle.
func NewProvider(ctx context.Context, cfg *config.Config, opts ...RetryOption) (Provider, error) {
	provider, err := newProviderInternal(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Retry.RequestsPerSecond > 0 {
		opts = append([]RetryOption{WithRateLimit(cfg.Retry.RequestsPerSecond)}, opts...)
	}
	return WrapWithRetry(provider, RetryPolicyFromConfig(cfg.Retry), opts...), nil
}

// newProviderInternal creates the underlying provider without retry wrapper.
func newProviderInternal(ctx context.Context, cfg *config.Config) (Provider, error) {
	switch cfg.Provider {
	case "anthropic":
		if cfg.Anthropic.Credentials == "bedrock" {
			p, err := NewBedrockAnthropicProvider(ctx, BedrockOptions{
				Region:          cfg.Anthropic.Region,
				Profile:         cfg.Anthropic.Profile,
				AccessKeyID:     cfg.Anthropic.AccessKeyID,
				SecretAccessKey: cfg.Anthropic.SecretAccessKey,
				SessionToken:    cfg.Anthropic.SessionToken,
			}, cfg.Anthropic.Model)
			if err != nil {
				return nil, err
			}
			p.SetMaxTokens(cfg.Anthropic.MaxTokens)
			return p, nil
		}
		p, err := NewAnthropicProvider(cfg.Anthropic.APIKey, cfg.Anthropic.Model)
		if err != nil {
			return nil, err
		}
		p.SetMaxTokens(cfg.Anthropic.MaxTokens)
		return p, nil

	case "openai":
		return NewOpenAIProvider(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model)

	case "gemini":
		return NewGeminiProvider(cfg.Gemini.APIKey, cfg.Gemini.Model)

	case "ollama":
		if cfg.Ollama.Model == "" {
			return nil, fmt.Errorf("ollama requires a model")
		}
		return NewOpenAICompatProvider(cfg.Ollama.BaseURL, "", cfg.Ollama.Model, "Ollama", nil), nil

	case "openai_compat":
		c := cfg.OpenAICompat
		if c.BaseURL == "" {
			return nil, fmt.Errorf("openai_compat requires base_url")
		}
		return NewOpenAICompatProvider(c.BaseURL, c.APIKey, c.Model, c.Name, c.Headers), nil

	default:
		return nil, fmt.Errorf("unknown provider type: %s", cfg.Provider)
	}
}

// RetryPolicyFromConfig converts the retry config section, filling zero
// values from DefaultRetryPolicy.
func RetryPolicyFromConfig(c config.RetryConfig) RetryPolicy {
	def := DefaultRetryPolicy()
	p := RetryPolicy{
		Enabled:           c.Enabled,
		MaxRetries:        c.MaxRetries,
		InitialDelay:      c.InitialDelay,
		MaxDelay:          c.MaxDelay,
		ExponentialBase:   c.ExponentialBase,
		RespectRetryAfter: c.RespectRetryAfter,
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = def.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.ExponentialBase < 1 {
		p.ExponentialBase = def.ExponentialBase
	}
	return p
}

// CompactionConfigFromConfig converts the compaction config section.
func CompactionConfigFromConfig(c config.CompactionConfig) CompactionConfig {
	out := CompactionConfig{
		Enabled:          c.Enabled,
		TokenThreshold:   c.TokenThreshold,
		MessageThreshold: c.MessageThreshold,
		KeepRecent:       c.KeepRecent,
	}
	if out.KeepRecent <= 0 {
		out.KeepRecent = DefaultCompactionKeepRecent
	}
	return out
}
