package app

import (
	"context"
	"sync"
	"time"
)

// MockProvider is a scriptable in-memory backend used by tests and by the
// `--mock` CLI flag. Respond is invoked per call; when nil a canned echo
// response with estimated token counts is returned.
type MockProvider struct {
	ProviderName string
	Respond      func(req SendRequest) (Completion, error)
	// Delay is applied before responding and observes ctx cancellation.
	Delay time.Duration

	mu    sync.Mutex
	calls []SendRequest
}

func NewMockProvider(name string) *MockProvider {
	if name == "" {
		name = "mock"
	}
	return &MockProvider{ProviderName: name}
}

func (p *MockProvider) Name() string { return p.ProviderName }

func (p *MockProvider) Send(ctx context.Context, req SendRequest) (Completion, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	p.mu.Unlock()

	if p.Delay > 0 {
		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
			return Completion{}, providerErr(ProviderUnavailable, p.ProviderName, ctx.Err())
		}
	}
	if err := ctx.Err(); err != nil {
		return Completion{}, providerErr(ProviderUnavailable, p.ProviderName, err)
	}
	if p.Respond != nil {
		return p.Respond(req)
	}
	text := "mock response to: " + req.Input
	return Completion{
		Text:            text,
		TokensIn:        EstimateTokens(req.System + req.Input + flattenHistory(req.History)),
		TokensOut:       EstimateTokens(text),
		TokensEstimated: true,
	}, nil
}

// CallCount reports how many Send calls have been made.
func (p *MockProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// Calls returns a copy of the recorded requests in order.
func (p *MockProvider) Calls() []SendRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SendRequest, len(p.calls))
	copy(out, p.calls)
	return out
}
