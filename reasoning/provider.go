// Package reasoning provides the reasoning backend interface and
// implementations used by stage handlers to turn prompts into course
// material.
package reasoning

import (
	"context"
	"strings"
	"time"

	"github.com/coursepipe/coursepipe/errors"
)

// Request is a single completion request.
type Request struct {
	// System sets the backend's role for this call.
	System string `json:"system,omitempty"`

	// Prompt is the user-side content.
	Prompt string `json:"prompt"`

	// MaxTokens caps the response; zero uses the provider's configured cap.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// Response is a completion result.
type Response struct {
	Content      string `json:"content"`
	StopReason   string `json:"stop_reason,omitempty"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	Model        string `json:"model"`
}

// Provider is the interface for reasoning backends.
type Provider interface {
	// Complete sends a request and returns the response. Failures are
	// classified so the caller's retry policy can tell transient backend
	// trouble from permanent request problems.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Name identifies the backend for logs.
	Name() string
}

// Config holds configuration for the provider factory.
type Config struct {
	// Provider selects the backend: anthropic, openai, mock.
	// Empty infers from the model name.
	Provider string `json:"provider"`

	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	MaxTokens int    `json:"max_tokens"`

	// BaseURL overrides the API endpoint, for proxies and compatible servers.
	BaseURL string `json:"base_url,omitempty"`

	Retry RetryConfig `json:"retry"`
}

// RetryConfig bounds in-call retries for transient backend failures. The
// pipeline's own attempt counting sits above this: these retries happen
// within a single handler invocation and its timeout.
type RetryConfig struct {
	MaxRetries  int           `json:"max_retries"`
	InitBackoff time.Duration `json:"init_backoff"`
	MaxBackoff  time.Duration `json:"max_backoff"`
}

// Retry defaults.
const (
	defaultMaxRetries  = 2
	defaultInitBackoff = time.Second
	defaultMaxBackoff  = 30 * time.Second
	backoffFactor      = 2.0
)

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.InitBackoff <= 0 {
		c.InitBackoff = defaultInitBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	return c
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Provider == "" {
		return errors.Configuration("reasoning provider is required")
	}
	if c.Provider == "mock" {
		return nil
	}
	if c.Model == "" {
		return errors.Configuration("reasoning model is required")
	}
	if c.APIKey == "" {
		return errors.Configuration("reasoning api key is required")
	}
	if c.MaxTokens == 0 {
		return errors.Configuration("reasoning max_tokens is required")
	}
	return nil
}

// NewProvider creates a provider based on the configuration. If Provider is
// empty, it is inferred from the model name.
func NewProvider(cfg Config) (Provider, error) {
	if cfg.Provider == "" && cfg.Model != "" {
		cfg.Provider = InferProviderFromModel(cfg.Model)
		if cfg.Provider == "" {
			return nil, errors.Newf(errors.ErrCodeConfiguration,
				"cannot determine provider for model %q; set provider explicitly", cfg.Model)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Provider {
	case "anthropic":
		return NewAnthropicProvider(cfg)
	case "openai":
		return NewOpenAIProvider(cfg)
	case "mock":
		return NewMockProvider(), nil
	default:
		return nil, errors.Newf(errors.ErrCodeConfiguration, "unsupported provider: %s", cfg.Provider)
	}
}

// InferProviderFromModel returns the provider name based on model name
// patterns, so configuration can name just a model.
func InferProviderFromModel(model string) string {
	model = strings.ToLower(model)
	if strings.HasPrefix(model, "claude") {
		return "anthropic"
	}
	if strings.HasPrefix(model, "gpt-") ||
		strings.HasPrefix(model, "o1") ||
		strings.HasPrefix(model, "o3") ||
		strings.HasPrefix(model, "chatgpt") {
		return "openai"
	}
	return ""
}

// isRateLimitError checks if the error is a rate limit error.
func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "overloaded") ||
		strings.Contains(errStr, "capacity")
}

// isServerError checks if the error is a transient server error (5xx).
func isServerError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "gateway timeout") ||
		strings.Contains(errStr, "temporarily unavailable")
}

// isBillingError checks if the error is a billing/quota error (fatal, no retry).
func isBillingError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "billing") ||
		strings.Contains(errStr, "payment") ||
		strings.Contains(errStr, "credits") ||
		strings.Contains(errStr, "quota exceeded") ||
		strings.Contains(errStr, "insufficient") ||
		strings.Contains(errStr, "402") ||
		strings.Contains(errStr, "subscription") ||
		strings.Contains(errStr, "expired")
}

func isRetryableBackendError(err error) bool {
	return isRateLimitError(err) || isServerError(err)
}

// classify maps a raw backend error onto the pipeline's failure taxonomy.
func classify(err error, provider string) error {
	switch {
	case err == nil:
		return nil
	case err == context.DeadlineExceeded || strings.Contains(strings.ToLower(err.Error()), "deadline exceeded"):
		return errors.BackendTimeout(provider+" request timed out", errors.WithCause(err))
	case err == context.Canceled:
		return errors.Wrap(err, provider+" request canceled")
	case isRateLimitError(err):
		return errors.RateLimited(provider+" rate limited", errors.WithCause(err))
	case isServerError(err):
		return errors.BackendUnavailable(provider+" unavailable", errors.WithCause(err))
	case isBillingError(err):
		return errors.Precondition(provider+" billing or quota failure", errors.WithCause(err))
	default:
		return errors.InvalidRequest(provider+" rejected the request", errors.WithCause(err))
	}
}

// completeWithRetry runs one call with bounded in-call retries for transient
// backend failures. Permanent failures return immediately.
func completeWithRetry(ctx context.Context, provider string, retry RetryConfig, call func(context.Context) error) error {
	retry = retry.withDefaults()
	backoff := retry.InitBackoff

	var err error
	for attempt := 0; attempt <= retry.MaxRetries; attempt++ {
		err = call(ctx)
		if err == nil {
			return nil
		}
		if !isRetryableBackendError(err) || attempt == retry.MaxRetries {
			return classify(err, provider)
		}
		select {
		case <-ctx.Done():
			return classify(ctx.Err(), provider)
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * backoffFactor)
		if backoff > retry.MaxBackoff {
			backoff = retry.MaxBackoff
		}
	}
	return classify(err, provider)
}
