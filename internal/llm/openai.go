package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

type OpenAIConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint.
type OpenAIProvider struct {
	client  *resty.Client
	model   string
	timeout time.Duration
}

func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	var client *resty.Client
	if cfg.HTTPClient != nil {
		client = resty.NewWithClient(cfg.HTTPClient)
	} else {
		client = resty.New()
	}
	client.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}
	return &OpenAIProvider{client: client, model: cfg.Model, timeout: cfg.Timeout}
}

func (p *OpenAIProvider) Name() string { return "openai" }

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	Stream      bool            `json:"stream,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiResponse struct {
	Choices []struct {
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Error *openaiError `json:"error,omitempty"`
}

type openaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *openaiError `json:"error,omitempty"`
}

type openaiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func (p *OpenAIProvider) buildRequest(messages []Message, opts Options, stream bool) *openaiRequest {
	model := p.model
	if opts.Model != "" {
		model = opts.Model
	}
	req := &openaiRequest{
		Model:       model,
		Stream:      stream,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openaiMessage{Role: string(m.Role), Content: m.Content})
	}
	return req
}

func (p *OpenAIProvider) Generate(ctx context.Context, messages []Message, opts Options) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeoutFor(opts, p.timeout))
	defer cancel()

	var out openaiResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(p.buildRequest(messages, opts, false)).
		SetResult(&out).
		Post("/v1/chat/completions")
	if err != nil {
		return "", fmt.Errorf("openai: send request: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("openai: API error (status %d): %s", resp.StatusCode(), resp.String())
	}
	if out.Error != nil {
		return "", fmt.Errorf("openai: %s: %s", out.Error.Type, out.Error.Message)
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		return "", ErrEmptyResponse
	}
	return out.Choices[0].Message.Content, nil
}

func (p *OpenAIProvider) Stream(ctx context.Context, messages []Message, opts Options) (<-chan Chunk, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeoutFor(opts, p.timeout))

	resp, err := p.client.R().
		SetContext(callCtx).
		SetDoNotParseResponse(true).
		SetHeader("Accept", "text/event-stream").
		SetBody(p.buildRequest(messages, opts, true)).
		Post("/v1/chat/completions")
	if err != nil {
		cancel()
		return nil, fmt.Errorf("openai: send request: %w", err)
	}
	body := resp.RawBody()
	if resp.StatusCode() != http.StatusOK {
		defer body.Close()
		defer cancel()
		var buf strings.Builder
		scanner := bufio.NewScanner(body)
		for scanner.Scan() {
			buf.WriteString(scanner.Text())
		}
		return nil, fmt.Errorf("openai: API error (status %d): %s", resp.StatusCode(), buf.String())
	}

	ch := make(chan Chunk, 16)
	go func() {
		defer close(ch)
		defer cancel()
		defer body.Close()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}
			var chunk openaiStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			if chunk.Error != nil {
				sendErr(ctx, ch, fmt.Errorf("openai: %s: %s", chunk.Error.Type, chunk.Error.Message))
				return
			}
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			select {
			case ch <- Chunk{Text: chunk.Choices[0].Delta.Content}:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			sendErr(ctx, ch, fmt.Errorf("openai: read stream: %w", err))
			return
		}
		if callCtx.Err() != nil {
			sendErr(ctx, ch, fmt.Errorf("openai: stream: %w", callCtx.Err()))
		}
	}()
	return ch, nil
}
