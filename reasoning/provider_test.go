package reasoning

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/coursepipe/coursepipe/errors"
)

func TestInferProviderFromModel(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{"claude-sonnet-4", "anthropic"},
		{"gpt-4o", "openai"},
		{"o3-mini", "openai"},
		{"chatgpt-4o-latest", "openai"},
		{"mystery-model", ""},
	}
	for _, tt := range tests {
		if got := InferProviderFromModel(tt.model); got != tt.want {
			t.Errorf("InferProviderFromModel(%q) = %q, want %q", tt.model, got, tt.want)
		}
	}
}

func TestNewProviderValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"empty", Config{}},
		{"unknown model", Config{Model: "mystery-model"}},
		{"missing key", Config{Provider: "openai", Model: "gpt-4o", MaxTokens: 1024}},
		{"missing max tokens", Config{Provider: "anthropic", Model: "claude-sonnet-4", APIKey: "k"}},
		{"unsupported", Config{Provider: "carrier-pigeon", Model: "m", APIKey: "k", MaxTokens: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewProvider(tt.cfg); !errors.Is(err, errors.ErrCodeConfiguration) {
				t.Errorf("error code = %s, want CONFIGURATION", errors.Code(err))
			}
		})
	}
}

func TestNewProviderMock(t *testing.T) {
	p, err := NewProvider(Config{Provider: "mock"})
	if err != nil {
		t.Fatalf("NewProvider(mock): %v", err)
	}
	if p.Name() != "mock" {
		t.Errorf("Name() = %q, want mock", p.Name())
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCode  errors.ErrorCode
		retryable bool
	}{
		{"timeout", context.DeadlineExceeded, errors.ErrCodeBackendTimeout, true},
		{"rate limit", stderrors.New("429 too many requests"), errors.ErrCodeBackendRateLimit, true},
		{"overloaded", stderrors.New("the model is overloaded"), errors.ErrCodeBackendRateLimit, true},
		{"server error", stderrors.New("503 service unavailable"), errors.ErrCodeBackendUnavailable, true},
		{"gateway timeout", stderrors.New("504 gateway timeout"), errors.ErrCodeBackendUnavailable, true},
		{"billing", stderrors.New("quota exceeded for this billing period"), errors.ErrCodePrecondition, false},
		{"bad request", stderrors.New("400 invalid model"), errors.ErrCodeInvalidRequest, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify(tt.err, "test")
			if !errors.Is(err, tt.wantCode) {
				t.Errorf("code = %s, want %s", errors.Code(err), tt.wantCode)
			}
			if errors.IsRetryable(err) != tt.retryable {
				t.Errorf("retryable = %v, want %v", errors.IsRetryable(err), tt.retryable)
			}
		})
	}

	if classify(nil, "test") != nil {
		t.Error("classify(nil) should be nil")
	}
}

func TestCompleteWithRetryTransient(t *testing.T) {
	calls := 0
	retry := RetryConfig{MaxRetries: 2, InitBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

	err := completeWithRetry(context.Background(), "test", retry, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return stderrors.New("503 service unavailable")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestCompleteWithRetryExhausted(t *testing.T) {
	calls := 0
	retry := RetryConfig{MaxRetries: 1, InitBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

	err := completeWithRetry(context.Background(), "test", retry, func(ctx context.Context) error {
		calls++
		return stderrors.New("429 too many requests")
	})
	if !errors.Is(err, errors.ErrCodeBackendRateLimit) {
		t.Errorf("code = %s, want BACKEND_RATE_LIMIT", errors.Code(err))
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestCompleteWithRetryPermanentStopsImmediately(t *testing.T) {
	calls := 0
	retry := RetryConfig{MaxRetries: 5, InitBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

	err := completeWithRetry(context.Background(), "test", retry, func(ctx context.Context) error {
		calls++
		return stderrors.New("400 invalid request body")
	})
	if errors.IsRetryable(err) {
		t.Error("permanent failure must not be retryable")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retries for permanent failures)", calls)
	}
}

func TestMockProvider(t *testing.T) {
	p := NewMockProvider()
	p.SetResponse("a course outline")

	resp, err := p.Complete(context.Background(), Request{Prompt: "make an outline"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "a course outline" {
		t.Errorf("content = %q", resp.Content)
	}
	if p.CallCount() != 1 {
		t.Errorf("call count = %d, want 1", p.CallCount())
	}
	if p.LastRequest().Prompt != "make an outline" {
		t.Errorf("last request = %+v", p.LastRequest())
	}

	p.SetError(stderrors.New("boom"))
	if _, err := p.Complete(context.Background(), Request{}); err == nil {
		t.Error("expected error after SetError")
	}

	p.CompleteFunc = func(ctx context.Context, req Request) (*Response, error) {
		return &Response{Content: "custom"}, nil
	}
	resp, err = p.Complete(context.Background(), Request{})
	if err != nil || resp.Content != "custom" {
		t.Errorf("CompleteFunc override: resp=%+v err=%v", resp, err)
	}
}
