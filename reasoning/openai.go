package reasoning

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/coursepipe/coursepipe/errors"
)

// OpenAIProvider implements Provider using the official OpenAI SDK.
type OpenAIProvider struct {
	client    *openai.Client
	model     string
	maxTokens int
	retry     RetryConfig
}

// NewOpenAIProvider creates a new OpenAI provider.
func NewOpenAIProvider(cfg Config) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.Configuration("api_key is required for openai")
	}
	if cfg.Model == "" {
		return nil, errors.Configuration("model is required for openai")
	}
	if cfg.MaxTokens == 0 {
		return nil, errors.Configuration("max_tokens is required for openai")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	client := openai.NewClient(opts...)

	return &OpenAIProvider{
		client:    &client,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		retry:     cfg.Retry,
	}, nil
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Complete implements Provider.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	maxTokens := int64(p.maxTokens)
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}

	params := openai.ChatCompletionNewParams{
		Model:     shared.ChatModel(p.model),
		Messages:  messages,
		MaxTokens: openai.Int(maxTokens),
	}

	var resp *openai.ChatCompletion
	err := completeWithRetry(ctx, p.Name(), p.retry, func(ctx context.Context) error {
		var callErr error
		resp, callErr = p.client.Chat.Completions.New(ctx, params)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	result := &Response{
		Model:        resp.Model,
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}
	if len(resp.Choices) > 0 {
		result.Content = resp.Choices[0].Message.Content
		result.StopReason = string(resp.Choices[0].FinishReason)
	}
	return result, nil
}

// Ensure interface compliance.
var _ Provider = (*OpenAIProvider)(nil)
