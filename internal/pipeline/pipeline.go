// Package pipeline implements the generation callbacks run by the dispatch
// executor: chat with retrieval-augmented context, summary, translation,
// question generation and file indexing.
//
// Every callback checks the output's persisted status before and after each
// slow step. A CancelWatcher additionally polls the store and cancels the
// call context, so a stalled provider call is aborted as soon as the
// cancellation is seen.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/podushkina/hrchat/internal/dispatch"
	"github.com/podushkina/hrchat/internal/llm"
	"github.com/podushkina/hrchat/internal/logger"
	"github.com/podushkina/hrchat/internal/monitoring"
	"github.com/podushkina/hrchat/internal/retrieval"
	"github.com/podushkina/hrchat/internal/retry"
	"github.com/podushkina/hrchat/internal/store"
	"github.com/podushkina/hrchat/internal/stream"
	"github.com/podushkina/hrchat/internal/task"
)

// Publisher receives progress events for attached stream clients.
type Publisher interface {
	Publish(ctx context.Context, taskID string, typ stream.EventType, data any) (stream.Event, error)
}

type nopPublisher struct{}

func (nopPublisher) Publish(ctx context.Context, taskID string, typ stream.EventType, data any) (stream.Event, error) {
	return stream.Event{}, nil
}

type Config struct {
	ChatModel  string
	TitleModel string
	// DocumentsLanguage is the working language of the retrieval corpus.
	DocumentsLanguage Language
	// HistoryTurns is how many earlier turns are replayed to the model.
	HistoryTurns       int
	ModelTimeout       time.Duration
	RetrievalTimeout   time.Duration
	CancelPollInterval time.Duration
}

type Deps struct {
	Store      store.Store
	Provider   llm.Provider
	Translator *Translator
	// Searcher and Indexer are optional.
	Searcher  retrieval.Searcher
	Indexer   retrieval.Indexer
	Publisher Publisher
	Metrics   *monitoring.Metrics
}

type Pipeline struct {
	store      store.Store
	provider   llm.Provider
	translator *Translator
	searcher   retrieval.Searcher
	indexer    retrieval.Indexer
	publisher  Publisher
	metrics    *monitoring.Metrics
	cfg        Config
	now        func() time.Time
}

func New(d Deps, cfg Config) *Pipeline {
	if cfg.DocumentsLanguage == "" {
		cfg.DocumentsLanguage = Japanese
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = 6
	}
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = llm.DefaultTimeout
	}
	if cfg.RetrievalTimeout <= 0 {
		cfg.RetrievalTimeout = 30 * time.Second
	}
	if cfg.TitleModel == "" {
		cfg.TitleModel = cfg.ChatModel
	}
	p := &Pipeline{
		store:      d.Store,
		provider:   d.Provider,
		translator: d.Translator,
		searcher:   d.Searcher,
		indexer:    d.Indexer,
		publisher:  d.Publisher,
		metrics:    d.Metrics,
		cfg:        cfg,
		now:        time.Now,
	}
	if p.publisher == nil {
		p.publisher = nopPublisher{}
	}
	if p.translator == nil {
		p.translator = NewTranslator(nil, "", 0, 0)
	}
	return p
}

func cancelled(outputID string) dispatch.Result {
	return dispatch.Result{OutputID: outputID, Cancelled: true}
}

func failed(outputID string) dispatch.Result {
	return dispatch.Result{OutputID: outputID, Content: dispatch.FailedContent}
}

func (p *Pipeline) publish(ctx context.Context, taskID string, typ stream.EventType, data any) {
	if _, err := p.publisher.Publish(ctx, taskID, typ, data); err != nil {
		logger.FromContext(ctx).Warn("Failed to publish stream event", "type", typ, "error", err)
	}
}

// errCancelled signals that the output was cancelled while streaming.
var errCancelled = errors.New("output cancelled")

// streamAnswer runs a streamed model call, persisting and publishing every
// fragment. It stops at the first fragment the store rejects because the
// output was cancelled.
func (p *Pipeline) streamAnswer(ctx context.Context, w *CancelWatcher, req dispatch.Request, messages []llm.Message, opts llm.Options) (string, error) {
	log := logger.FromContext(ctx)
	if opts.Timeout == 0 {
		opts.Timeout = p.cfg.ModelTimeout
	}

	ch, err := p.provider.Stream(ctx, messages, opts)
	if err != nil {
		if w.Cancelled() {
			return "", errCancelled
		}
		return "", err
	}

	var answer strings.Builder
	for chunk := range ch {
		if chunk.Err != nil {
			if w.Cancelled() {
				return "", errCancelled
			}
			return "", chunk.Err
		}
		err := p.store.AppendOutputContent(ctx, req.Output.ID, chunk.Text)
		if errors.Is(err, store.ErrCancelled) || errors.Is(err, store.ErrNotFound) || (err != nil && w.Cancelled()) {
			w.MarkCancelled()
			drain(ch)
			return "", errCancelled
		}
		if err != nil {
			log.Error("Failed to persist fragment", "error", err)
		}
		answer.WriteString(chunk.Text)
		p.publish(ctx, req.Task.ID, stream.EventChunk, stream.Chunk{OutputID: req.Output.ID, Text: chunk.Text})
	}
	if w.Cancelled() {
		return "", errCancelled
	}
	return answer.String(), nil
}

// drain releases a provider goroutine blocked on send after the watched
// context has been cancelled.
func drain(ch <-chan llm.Chunk) {
	go func() {
		for range ch {
		}
	}()
}

// generate is the batch counterpart of streamAnswer.
func (p *Pipeline) generate(ctx context.Context, messages []llm.Message, opts llm.Options) (string, error) {
	if opts.Timeout == 0 {
		opts.Timeout = p.cfg.ModelTimeout
	}
	return retry.DoValue(ctx, retry.Once(opts.Timeout), func(ctx context.Context) (string, error) {
		return p.provider.Generate(ctx, messages, opts)
	})
}

// finish wraps text in an envelope, publishes the update and returns the
// result for the executor to persist.
func (p *Pipeline) finish(ctx context.Context, req dispatch.Request, text string, lang Language) dispatch.Result {
	text = strings.TrimSpace(text)
	if text == "" {
		logger.FromContext(ctx).Warn("Model returned no content")
		return failed(req.Output.ID)
	}
	content, err := Format(text, lang, p.now())
	if err != nil {
		logger.FromContext(ctx).Error("Failed to format output", "error", err)
		return failed(req.Output.ID)
	}
	p.publish(ctx, req.Task.ID, stream.EventUpdate, stream.Update{
		OutputID:  req.Output.ID,
		Content:   content,
		Status:    string(task.OutputFinished),
		Timestamp: p.now().UTC(),
	})
	return dispatch.Result{OutputID: req.Output.ID, OK: true, Content: content}
}

// fail publishes an error event for the output and returns a failed result.
func (p *Pipeline) fail(ctx context.Context, req dispatch.Request, err error) dispatch.Result {
	logger.FromContext(ctx).Error("Generation failed", "error", err)
	p.publish(ctx, req.Task.ID, stream.EventUpdate, stream.Update{
		OutputID:  req.Output.ID,
		Content:   dispatch.FailedContent,
		Status:    string(task.OutputFailed),
		Timestamp: p.now().UTC(),
	})
	return failed(req.Output.ID)
}
