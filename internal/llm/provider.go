// Package llm defines the model provider contract used by the generation
// pipeline and its Ollama and OpenAI-compatible backends.
package llm

import (
	"context"
	"errors"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type Options struct {
	// Model overrides the provider's default model.
	Model       string
	Temperature *float64
	MaxTokens   int
	// Timeout overrides the provider's wall-clock limit for this call.
	Timeout time.Duration
}

// Chunk is one streamed fragment. A chunk with Err set is always the last one.
type Chunk struct {
	Text string
	Err  error
}

var ErrEmptyResponse = errors.New("model returned an empty response")

// Provider is a language model backend.
type Provider interface {
	Name() string
	// Generate returns the complete response in one call.
	Generate(ctx context.Context, messages []Message, opts Options) (string, error)
	// Stream delivers the response incrementally. The channel is closed when
	// the response is complete, the call fails or ctx is done.
	Stream(ctx context.Context, messages []Message, opts Options) (<-chan Chunk, error)
}

const DefaultTimeout = 120 * time.Second

func timeoutFor(opts Options, fallback time.Duration) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultTimeout
}

// Collect drains a stream into a single string.
func Collect(ch <-chan Chunk) (string, error) {
	var out []byte
	for c := range ch {
		if c.Err != nil {
			return string(out), c.Err
		}
		out = append(out, c.Text...)
	}
	return string(out), nil
}
