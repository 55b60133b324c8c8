package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/podushkina/hrchat/internal/dispatch"
	"github.com/podushkina/hrchat/internal/llm"
	"github.com/podushkina/hrchat/internal/logger"
	"github.com/podushkina/hrchat/internal/retry"
	"github.com/podushkina/hrchat/internal/task"
)

// Summary summarizes the submitted text, streaming the result.
func (p *Pipeline) Summary(ctx context.Context, req dispatch.Request) dispatch.Result {
	md, ok := req.Metadata.(task.SummaryMetadata)
	if !ok || md.Text == "" {
		return failed(req.Output.ID)
	}
	wctx, w := WatchOutput(ctx, p.store, req.Output.ID, p.cfg.CancelPollInterval)
	defer w.Stop()
	if w.Check(wctx) {
		return cancelled(req.Output.ID)
	}

	lang := DetectLanguage(md.Text)
	if md.Language != "" {
		lang = ParseLanguage(md.Language)
	}
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: "Summarize the user's document for an HR audience. Keep key facts, numbers and dates. Answer in " + lang.Name() + "."},
		{Role: llm.RoleUser, Content: md.Text},
	}
	answer, err := p.streamAnswer(wctx, w, req, messages, llm.Options{Model: p.cfg.ChatModel})
	if errors.Is(err, errCancelled) {
		return cancelled(req.Output.ID)
	}
	if err != nil {
		return p.fail(ctx, req, fmt.Errorf("summary: %w", err))
	}
	if w.Check(wctx) {
		return cancelled(req.Output.ID)
	}
	return p.finish(ctx, req, Clean(answer), lang)
}

// Translate translates the submitted text. Without a translation provider
// the text is passed through with an explicit marker.
func (p *Pipeline) Translate(ctx context.Context, req dispatch.Request) dispatch.Result {
	md, ok := req.Metadata.(task.TranslateMetadata)
	if !ok || md.Text == "" {
		return failed(req.Output.ID)
	}
	wctx, w := WatchOutput(ctx, p.store, req.Output.ID, p.cfg.CancelPollInterval)
	defer w.Stop()
	if w.Check(wctx) {
		return cancelled(req.Output.ID)
	}

	target := ParseLanguage(md.TargetLanguage)
	out, err := p.translator.Translate(wctx, md.Text, target)
	switch {
	case errors.Is(err, ErrNoTranslator):
		logger.FromContext(ctx).Warn("No translation provider, passing text through (degraded)")
		p.metrics.Degraded("translation")
		out = PassThrough(md.Text)
	case err != nil:
		if w.Cancelled() {
			return cancelled(req.Output.ID)
		}
		return p.fail(ctx, req, err)
	}
	if w.Check(wctx) {
		return cancelled(req.Output.ID)
	}
	return p.finish(ctx, req, out, target)
}

// QuestionGen drafts sample questions about a topic. It runs in sequential
// mode so each output is produced in sort order.
func (p *Pipeline) QuestionGen(ctx context.Context, req dispatch.Request) dispatch.Result {
	md, ok := req.Metadata.(task.QuestionGenMetadata)
	if !ok || md.Topic == "" {
		return failed(req.Output.ID)
	}
	wctx, w := WatchOutput(ctx, p.store, req.Output.ID, p.cfg.CancelPollInterval)
	defer w.Stop()
	if w.Check(wctx) {
		return cancelled(req.Output.ID)
	}

	count := md.Count
	if count <= 0 {
		count = 5
	}
	lang := DetectLanguage(md.Topic)
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: fmt.Sprintf(
			"Write %d questions an employee might ask HR about the given topic, one per line, in %s. Do not number them.",
			count, lang.Name())},
		{Role: llm.RoleUser, Content: md.Topic},
	}
	out, err := p.generate(wctx, messages, llm.Options{Model: p.cfg.ChatModel})
	if err != nil {
		if w.Cancelled() {
			return cancelled(req.Output.ID)
		}
		return p.fail(ctx, req, fmt.Errorf("question generation: %w", err))
	}
	if w.Check(wctx) {
		return cancelled(req.Output.ID)
	}
	return p.finish(ctx, req, Clean(out), lang)
}

// FileUpload registers an uploaded file with the search backend, retrying
// transient failures.
func (p *Pipeline) FileUpload(ctx context.Context, req dispatch.Request) dispatch.Result {
	md, ok := req.Metadata.(task.FileUploadMetadata)
	if !ok || md.FileID == 0 {
		return failed(req.Output.ID)
	}
	if p.indexer == nil {
		return p.fail(ctx, req, errors.New("no indexing backend configured"))
	}
	wctx, w := WatchOutput(ctx, p.store, req.Output.ID, p.cfg.CancelPollInterval)
	defer w.Stop()
	if w.Check(wctx) {
		return cancelled(req.Output.ID)
	}

	policy := retry.Policy{
		Attempts:    3,
		Delay:       time.Second,
		Exponential: true,
		Timeouts:    []time.Duration{p.cfg.RetrievalTimeout},
	}
	err := retry.Do(wctx, policy, func(ctx context.Context) error {
		return p.indexer.Index(ctx, md.FileID, md.FileName)
	})
	if err != nil {
		if w.Cancelled() {
			return cancelled(req.Output.ID)
		}
		return p.fail(ctx, req, fmt.Errorf("index file %d: %w", md.FileID, err))
	}
	return p.finish(ctx, req, fmt.Sprintf("Indexed %s", md.FileName), English)
}

var ErrNotFinished = errors.New("output is not finished")

// OnDemandTranslate translates the answer stored in one output into target
// without re-running generation.
func (p *Pipeline) OnDemandTranslate(ctx context.Context, outputID string, target Language) (string, error) {
	o, err := p.store.GetOutput(ctx, outputID)
	if err != nil {
		return "", err
	}
	if o.Status != task.OutputFinished {
		return "", fmt.Errorf("output %s is %s: %w", outputID, o.Status, ErrNotFinished)
	}
	env, err := Parse(o.Content)
	if err != nil {
		return "", err
	}
	if env.DualLanguage && env.TargetLanguage != "" && ParseLanguage(env.TargetLanguage) == target && env.Translated != "" {
		return env.Translated, nil
	}
	return p.translator.Translate(ctx, env.Text(), target)
}
