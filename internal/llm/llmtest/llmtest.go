// Package llmtest provides scripted providers for tests.
package llmtest

import (
	"context"
	"iter"
	"sync"

	"github.com/fyrsmithlabs/loopforge/internal/llm"
)

// Provider replays canned responses, one per Stream call. Once the
// responses run out the last one repeats.
type Provider struct {
	Kind      string
	Responses []string
	// ChunkSize splits each response into chunks of this many bytes; zero
	// yields each response whole.
	ChunkSize int
	Err       error

	mu       sync.Mutex
	requests []llm.Request
}

func (p *Provider) Name() string {
	if p.Kind == "" {
		return "fake"
	}
	return p.Kind
}

func (p *Provider) Model() string { return "fake-model" }

func (p *Provider) Stream(_ context.Context, req llm.Request) iter.Seq2[string, error] {
	p.mu.Lock()
	n := len(p.requests)
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	return func(yield func(string, error) bool) {
		if p.Err != nil {
			yield("", p.Err)
			return
		}
		if len(p.Responses) == 0 {
			return
		}
		resp := p.Responses[min(n, len(p.Responses)-1)]
		size := p.ChunkSize
		if size <= 0 {
			size = len(resp)
		}
		for i := 0; i < len(resp); i += size {
			if !yield(resp[i:min(i+size, len(resp))], nil) {
				return
			}
		}
	}
}

// Requests returns every request seen so far.
func (p *Provider) Requests() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.Request(nil), p.requests...)
}

// Resolver hands out a fixed provider, or Err.
type Resolver struct {
	Provider llm.Provider
	Err      error
}

func (r Resolver) Resolve(context.Context, string) (llm.Provider, error) {
	if r.Err != nil {
		return nil, r.Err
	}
	if r.Provider == nil {
		return nil, llm.ErrNoProvider
	}
	return r.Provider, nil
}
