package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/podushkina/hrchat/internal/dispatch"
	"github.com/podushkina/hrchat/internal/llm"
	"github.com/podushkina/hrchat/internal/logger"
	"github.com/podushkina/hrchat/internal/retrieval"
	"github.com/podushkina/hrchat/internal/task"
)

const chatSystemPrompt = `You are an HR assistant answering employees' questions about company rules and policies.
Answer accurately and concisely. When reference documents are provided, base the answer on them and say so when they do not cover the question.
Reply in plain text without markdown headings.`

const titleMaxRunes = 30

// Chat answers one chat turn.
func (p *Pipeline) Chat(ctx context.Context, req dispatch.Request) dispatch.Result {
	md, ok := req.Metadata.(task.ChatMetadata)
	if !ok {
		return failed(req.Output.ID)
	}
	log := logger.FromContext(ctx)

	wctx, w := WatchOutput(ctx, p.store, req.Output.ID, p.cfg.CancelPollInterval)
	defer w.Stop()

	if w.Check(wctx) {
		return cancelled(req.Output.ID)
	}

	lang := DetectLanguage(md.Prompt)
	log = log.With("language", lang)
	wctx = logger.ContextWithLogger(wctx, log)

	query, docs, translated := p.gatherContext(wctx, md, lang)

	if w.Check(wctx) {
		return cancelled(req.Output.ID)
	}

	history, err := p.history(wctx, req)
	if err != nil {
		log.Warn("History unavailable, answering without it", "error", err)
	}

	answerLang := lang
	if translated {
		answerLang = p.cfg.DocumentsLanguage
	}
	messages := buildChatMessages(history, query, docs, answerLang)

	answer, err := p.streamAnswer(wctx, w, req, messages, llm.Options{Model: p.cfg.ChatModel})
	if errors.Is(err, errCancelled) {
		return cancelled(req.Output.ID)
	}
	if err != nil {
		return p.fail(ctx, req, fmt.Errorf("model call: %w", err))
	}

	answer = Clean(answer)
	if translated {
		answer = p.translateBack(wctx, answer, lang)
	}

	if w.Check(wctx) {
		return cancelled(req.Output.ID)
	}

	res := p.finish(ctx, req, answer, lang)
	if res.OK && req.Output.Sort == 0 && req.Task.Title == "" {
		p.deriveTitle(wctx, req.Task, md.Prompt)
	}
	return res
}

// gatherContext runs retrieval when documents are attached. It returns the
// query to send to the model, the context block, and whether the query was
// translated into the documents' language. Every failure degrades to the
// bare prompt.
func (p *Pipeline) gatherContext(ctx context.Context, md task.ChatMetadata, lang Language) (string, string, bool) {
	if !md.UsesRetrieval() || p.searcher == nil {
		return md.Prompt, "", false
	}
	log := logger.FromContext(ctx)

	query := md.Prompt
	translated := false
	if lang != p.cfg.DocumentsLanguage {
		out, err := p.translator.TranslateQuick(ctx, md.Prompt, p.cfg.DocumentsLanguage)
		if err != nil {
			log.Warn("Query translation failed, searching with the original prompt", "error", err)
			p.metrics.Degraded("query_translation")
		} else {
			query = out
			translated = true
		}
	}

	sctx, cancel := context.WithTimeout(ctx, p.cfg.RetrievalTimeout)
	defer cancel()
	docs, err := p.searcher.Search(sctx, retrieval.Query{Text: query, FileIDs: md.FileID, AllFiles: md.AllFileSearch})
	if err != nil {
		log.Warn("Retrieval failed, answering without context", "error", err)
		p.metrics.Degraded("retrieval")
		return md.Prompt, "", false
	}
	if docs == "" {
		log.Debug("Retrieval returned nothing")
		return md.Prompt, "", false
	}
	return query, docs, translated
}

func (p *Pipeline) translateBack(ctx context.Context, answer string, lang Language) string {
	out, err := p.translator.Translate(ctx, answer, lang)
	if err != nil {
		logger.FromContext(ctx).Warn("Answer translation failed, returning untranslated text (degraded)",
			"target", lang, "error", err)
		p.metrics.Degraded("answer_translation")
		return answer
	}
	return out
}

// turn is one earlier exchange of the conversation.
type turn struct {
	prompt string
	answer string
}

// history returns the finished turns before req's output, oldest first,
// trimmed to the configured number of turns.
func (p *Pipeline) history(ctx context.Context, req dispatch.Request) ([]turn, error) {
	outputs, err := p.store.ListOutputs(ctx, req.Task.ID, task.OutputFinished)
	if err != nil {
		return nil, err
	}
	var turns []turn
	for _, o := range outputs {
		if o.Sort >= req.Output.Sort {
			continue
		}
		md, err := task.DecodeMetadata(task.TypeChat, o.Metadata)
		if err != nil {
			continue
		}
		turns = append(turns, turn{prompt: md.(task.ChatMetadata).Prompt, answer: PlainText(o.Content)})
	}
	if n := p.cfg.HistoryTurns; len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	return turns, nil
}

func buildChatMessages(history []turn, query, docs string, answerLang Language) []llm.Message {
	system := chatSystemPrompt + "\nAnswer in " + answerLang.Name() + "."
	messages := []llm.Message{{Role: llm.RoleSystem, Content: system}}
	for _, t := range history {
		messages = append(messages,
			llm.Message{Role: llm.RoleUser, Content: t.prompt},
			llm.Message{Role: llm.RoleAssistant, Content: t.answer},
		)
	}
	user := query
	if docs != "" {
		user = "Reference documents:\n" + docs + "\n\nQuestion:\n" + query
	}
	return append(messages, llm.Message{Role: llm.RoleUser, Content: user})
}

// deriveTitle names a fresh task after its first prompt. A failed model call
// falls back to the prompt itself.
func (p *Pipeline) deriveTitle(ctx context.Context, t *task.Task, prompt string) {
	log := logger.FromContext(ctx)
	lang := DetectLanguage(prompt)
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: fmt.Sprintf(
			"Write a short title of at most %d characters in %s for a conversation that starts with the user's message. Reply with the title only.",
			titleMaxRunes, lang.Name())},
		{Role: llm.RoleUser, Content: prompt},
	}
	title, err := p.generate(ctx, messages, llm.Options{Model: p.cfg.TitleModel, MaxTokens: 64})
	if err != nil {
		log.Warn("Title generation failed, using prompt", "error", err)
		title = prompt
	}
	title = truncateRunes(strings.Trim(Clean(title), `"'「」`), titleMaxRunes)
	if title == "" {
		return
	}
	if err := p.store.RenameTask(ctx, t.ID, title); err != nil {
		log.Warn("Failed to save task title", "error", err)
		return
	}
	t.Title = title
}

func truncateRunes(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
