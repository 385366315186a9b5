package reasoning

import (
	"context"
	"sync"
)

// MockProvider is a reasoning backend for tests and dry runs.
type MockProvider struct {
	mu          sync.Mutex
	response    string
	err         error
	callCount   int
	lastRequest *Request

	// CompleteFunc can be overridden for custom behavior.
	CompleteFunc func(ctx context.Context, req Request) (*Response, error)
}

// NewMockProvider creates a new mock provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

// Name implements Provider.
func (p *MockProvider) Name() string {
	return "mock"
}

// SetResponse sets the response content.
func (p *MockProvider) SetResponse(content string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.response = content
}

// SetError sets an error to return.
func (p *MockProvider) SetError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// LastRequest returns the last request.
func (p *MockProvider) LastRequest() *Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRequest
}

// CallCount returns the number of Complete calls made.
func (p *MockProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.callCount
}

// Complete implements Provider.
func (p *MockProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	p.mu.Lock()
	p.callCount++
	p.lastRequest = &req
	fn := p.CompleteFunc
	response, err := p.response, p.err
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	return &Response{
		Content:    response,
		StopReason: "end_turn",
		Model:      "mock",
	}, nil
}

// Ensure interface compliance.
var _ Provider = (*MockProvider)(nil)
