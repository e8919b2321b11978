package providers

import (
	"context"
	"fmt"
	"sync"
)

// ScriptProvider replays a fixed sequence of responses. It exists for tests
// and for driving the runtime without network access.
type ScriptProvider struct {
	mu        sync.Mutex
	responses []*ChatResponse
	next      int

	// Requests records every request received, in order.
	Requests []ChatRequest
}

// NewScriptProvider builds a provider that returns the given responses in
// order. Calls past the end return an error.
func NewScriptProvider(responses ...*ChatResponse) *ScriptProvider {
	return &ScriptProvider{responses: responses}
}

func (p *ScriptProvider) Name() string         { return "script" }
func (p *ScriptProvider) DefaultModel() string { return "script-1" }

func (p *ScriptProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return p.take(req)
}

func (p *ScriptProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	resp, err := p.take(req)
	if err != nil {
		return nil, err
	}
	if onChunk != nil {
		if resp.Thinking != "" {
			onChunk(StreamChunk{Thinking: resp.Thinking})
		}
		if resp.Content != "" {
			onChunk(StreamChunk{Content: resp.Content})
		}
		onChunk(StreamChunk{Done: true})
	}
	return resp, nil
}

func (p *ScriptProvider) take(req ChatRequest) (*ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Requests = append(p.Requests, req)
	if p.next >= len(p.responses) {
		return nil, fmt.Errorf("script provider: exhausted after %d responses", len(p.responses))
	}
	resp := p.responses[p.next]
	p.next++
	return resp, nil
}
