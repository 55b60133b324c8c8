// Package mock provides a scripted llm.Provider for local runs and tests.
package mock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/podushkina/hrchat/internal/llm"
)

// Provider answers every call from a script. Generate responses are matched
// by substring of the last user message; unmatched calls get Default.
type Provider struct {
	// Default is returned by Generate and split into Fragments for Stream
	// when no rule matches.
	Default string
	// Rules map a substring of the last message to a Generate response.
	Rules map[string]string
	// Fragments, when set, is what Stream yields instead of splitting Default.
	Fragments []string
	// Delay is slept before each streamed fragment and each Generate call.
	Delay time.Duration
	// Err fails every call.
	Err error
	// StreamErr is delivered after all fragments.
	StreamErr error

	mu    sync.Mutex
	calls [][]llm.Message
	sent  int
}

func (p *Provider) Name() string { return "mock" }

func (p *Provider) record(messages []llm.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, append([]llm.Message(nil), messages...))
}

// Calls returns every message list the provider received.
func (p *Provider) Calls() [][]llm.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]llm.Message(nil), p.calls...)
}

// Sent returns the number of fragments delivered by Stream so far.
func (p *Provider) Sent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent
}

func (p *Provider) answer(messages []llm.Message) string {
	if len(messages) > 0 {
		last := messages[len(messages)-1].Content
		for needle, resp := range p.Rules {
			if strings.Contains(last, needle) {
				return resp
			}
		}
	}
	return p.Default
}

func (p *Provider) Generate(ctx context.Context, messages []llm.Message, opts llm.Options) (string, error) {
	p.record(messages)
	if p.Delay > 0 {
		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if p.Err != nil {
		return "", p.Err
	}
	out := p.answer(messages)
	if out == "" {
		return "", llm.ErrEmptyResponse
	}
	return out, nil
}

func (p *Provider) Stream(ctx context.Context, messages []llm.Message, opts llm.Options) (<-chan llm.Chunk, error) {
	p.record(messages)
	if p.Err != nil {
		return nil, p.Err
	}
	fragments := p.Fragments
	if len(fragments) == 0 {
		fragments = strings.SplitAfter(p.answer(messages), " ")
	}

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		for _, f := range fragments {
			if p.Delay > 0 {
				select {
				case <-time.After(p.Delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- llm.Chunk{Text: f}:
				p.mu.Lock()
				p.sent++
				p.mu.Unlock()
			case <-ctx.Done():
				return
			}
		}
		if p.StreamErr != nil {
			select {
			case ch <- llm.Chunk{Err: p.StreamErr}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}
