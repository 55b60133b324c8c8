package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
)

type OllamaConfig struct {
	BaseURL    string
	Model      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// OllamaProvider talks to an Ollama server through the official client.
type OllamaProvider struct {
	client  *api.Client
	model   string
	timeout time.Duration
}

func NewOllamaProvider(cfg OllamaConfig) (*OllamaProvider, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Ollama URL %q: %w", cfg.BaseURL, err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &OllamaProvider{
		client:  api.NewClient(base, httpClient),
		model:   cfg.Model,
		timeout: cfg.Timeout,
	}, nil
}

func (p *OllamaProvider) Name() string { return "ollama" }

func (p *OllamaProvider) buildRequest(messages []Message, opts Options, stream bool) *api.ChatRequest {
	model := p.model
	if opts.Model != "" {
		model = opts.Model
	}
	req := &api.ChatRequest{
		Model:    model,
		Stream:   &stream,
		Messages: make([]api.Message, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, api.Message{Role: string(m.Role), Content: m.Content})
	}
	options := map[string]any{}
	if opts.Temperature != nil {
		options["temperature"] = *opts.Temperature
	}
	if opts.MaxTokens > 0 {
		options["num_predict"] = opts.MaxTokens
	}
	if len(options) > 0 {
		req.Options = options
	}
	return req
}

func (p *OllamaProvider) Generate(ctx context.Context, messages []Message, opts Options) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeoutFor(opts, p.timeout))
	defer cancel()

	var buf strings.Builder
	err := p.client.Chat(ctx, p.buildRequest(messages, opts, false), func(resp api.ChatResponse) error {
		buf.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama: chat: %w", err)
	}
	if buf.Len() == 0 {
		return "", ErrEmptyResponse
	}
	return buf.String(), nil
}

func (p *OllamaProvider) Stream(ctx context.Context, messages []Message, opts Options) (<-chan Chunk, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeoutFor(opts, p.timeout))
	req := p.buildRequest(messages, opts, true)

	ch := make(chan Chunk, 16)
	go func() {
		defer close(ch)
		defer cancel()
		err := p.client.Chat(callCtx, req, func(resp api.ChatResponse) error {
			if resp.Message.Content == "" {
				return nil
			}
			select {
			case ch <- Chunk{Text: resp.Message.Content}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			sendErr(ctx, ch, fmt.Errorf("ollama: stream: %w", err))
		}
	}()
	return ch, nil
}

// sendErr delivers the terminal error unless the consumer has gone away.
func sendErr(ctx context.Context, ch chan<- Chunk, err error) {
	select {
	case ch <- Chunk{Err: err}:
	case <-ctx.Done():
	}
}
