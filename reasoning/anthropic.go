package reasoning

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/coursepipe/coursepipe/errors"
)

// AnthropicProvider implements Provider using the official Anthropic SDK.
type AnthropicProvider struct {
	client    *anthropic.Client
	model     string
	maxTokens int
	retry     RetryConfig
}

// NewAnthropicProvider creates a new Anthropic provider.
func NewAnthropicProvider(cfg Config) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.Configuration("api_key is required for anthropic")
	}
	if cfg.Model == "" {
		return nil, errors.Configuration("model is required for anthropic")
	}
	if cfg.MaxTokens == 0 {
		return nil, errors.Configuration("max_tokens is required for anthropic")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	client := anthropic.NewClient(opts...)

	return &AnthropicProvider{
		client:    &client,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		retry:     cfg.Retry,
	}, nil
}

// Name implements Provider.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Complete implements Provider.
func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	maxTokens := int64(p.maxTokens)
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: req.System},
		}
	}

	var resp *anthropic.Message
	err := completeWithRetry(ctx, p.Name(), p.retry, func(ctx context.Context) error {
		var callErr error
		resp, callErr = p.client.Messages.New(ctx, params)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	result := &Response{
		StopReason:   string(resp.StopReason),
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
		Model:        string(resp.Model),
	}
	for _, block := range resp.Content {
		if block.Type == "text" {
			result.Content += block.Text
		}
	}
	return result, nil
}

// Ensure interface compliance.
var _ Provider = (*AnthropicProvider)(nil)
