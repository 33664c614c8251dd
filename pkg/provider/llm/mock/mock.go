// Package mock provides a test double for the llm.Provider interface.
//
// Tests queue canned responses via Responses (consumed in order) or set a
// fixed Response; every call is recorded for inspection.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/threadloom/pkg/provider/llm"
)

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Response is returned by Complete when Responses is empty.
	Response *llm.CompletionResponse

	// Responses is a FIFO queue of responses consumed by successive Complete
	// calls. When exhausted, Response is used.
	Responses []*llm.CompletionResponse

	// Err, if non-nil, is returned by every Complete call.
	Err error

	// ErrOnce, if non-nil, is returned by the next Complete call only, then
	// cleared. Useful for testing retry paths.
	ErrOnce error

	// CompleteFunc, if non-nil, overrides all canned behaviour.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// CompleteCalls records every request passed to Complete.
	CompleteCalls []llm.CompletionRequest
}

var _ llm.Provider = (*Provider)(nil)

// Complete records the call and returns the configured response or error.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.CompleteCalls = append(p.CompleteCalls, req)
	fn := p.CompleteFunc
	if fn == nil {
		if p.ErrOnce != nil {
			err := p.ErrOnce
			p.ErrOnce = nil
			p.mu.Unlock()
			return nil, err
		}
		if p.Err != nil {
			err := p.Err
			p.mu.Unlock()
			return nil, err
		}
		if len(p.Responses) > 0 {
			resp := p.Responses[0]
			p.Responses = p.Responses[1:]
			p.mu.Unlock()
			return resp, nil
		}
		resp := p.Response
		p.mu.Unlock()
		if resp == nil {
			return &llm.CompletionResponse{}, nil
		}
		return resp, nil
	}
	p.mu.Unlock()
	return fn(ctx, req)
}

// StreamCompletion emits the Complete response as a single chunk followed by
// a "stop" finish marker.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	resp, err := p.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan llm.Chunk, 2)
	ch <- llm.Chunk{Text: resp.Content}
	ch <- llm.Chunk{FinishReason: "stop"}
	close(ch)
	return ch, nil
}

// CallCount returns the number of Complete calls recorded so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.CompleteCalls)
}

// Reset clears recorded calls and queued responses.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
	p.Responses = nil
	p.Err = nil
	p.ErrOnce = nil
}
