package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/podushkina/hrchat/internal/dispatch"
	"github.com/podushkina/hrchat/internal/llm/mock"
	"github.com/podushkina/hrchat/internal/retrieval"
	"github.com/podushkina/hrchat/internal/store"
	"github.com/podushkina/hrchat/internal/stream"
	"github.com/podushkina/hrchat/internal/task"
)

type fakeSearcher struct {
	mu      sync.Mutex
	docs    string
	err     error
	queries []retrieval.Query
}

func (f *fakeSearcher) Search(ctx context.Context, q retrieval.Query) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return f.docs, f.err
}

type fakeIndexer struct {
	fails int
	calls int
}

func (f *fakeIndexer) Index(ctx context.Context, fileID int64, name string) error {
	f.calls++
	if f.calls <= f.fails {
		return retrieval.ErrUnavailable
	}
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []stream.EventType
	chunks []string
}

func (r *recorder) Publish(ctx context.Context, taskID string, typ stream.EventType, data any) (stream.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, typ)
	if c, ok := data.(stream.Chunk); ok {
		r.chunks = append(r.chunks, c.Text)
	}
	return stream.Event{Type: typ}, nil
}

func (r *recorder) Chunks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.chunks...)
}

type harness struct {
	store    *store.SQLStore
	provider *mock.Provider
	searcher *fakeSearcher
	events   *recorder
	pipeline *Pipeline
	executor *dispatch.Executor
}

func setupTestPipeline(t *testing.T, provider *mock.Provider, translator *mock.Provider) *harness {
	t.Helper()
	s, err := store.Open("sqlite", filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	h := &harness{
		store:    s,
		provider: provider,
		searcher: &fakeSearcher{},
		events:   &recorder{},
	}
	var tr *Translator
	if translator != nil {
		tr = NewTranslator(translator, "translate", time.Second, time.Second)
	}
	h.pipeline = New(Deps{
		Store:      s,
		Provider:   provider,
		Translator: tr,
		Searcher:   h.searcher,
		Indexer:    &fakeIndexer{},
		Publisher:  h.events,
	}, Config{
		ChatModel:          "chat",
		DocumentsLanguage:  Japanese,
		HistoryTurns:       2,
		ModelTimeout:       2 * time.Second,
		RetrievalTimeout:   time.Second,
		CancelPollInterval: 10 * time.Millisecond,
	})
	h.executor = dispatch.NewExecutor(s, nil)
	return h
}

func (h *harness) createTask(t *testing.T, typ task.Type, payloads ...any) (*task.Task, []*task.Output) {
	t.Helper()
	tsk := &task.Task{Type: typ, UserName: "alice"}
	outputs := make([]*task.Output, len(payloads))
	for i, p := range payloads {
		raw, err := json.Marshal(p)
		require.NoError(t, err)
		outputs[i] = &task.Output{Metadata: raw}
	}
	require.NoError(t, h.store.CreateTask(context.Background(), tsk, outputs))
	return tsk, outputs
}

func (h *harness) output(t *testing.T, id string) *task.Output {
	t.Helper()
	o, err := h.store.GetOutput(context.Background(), id)
	require.NoError(t, err)
	return o
}

func (h *harness) task(t *testing.T, id string) *task.Task {
	t.Helper()
	got, err := h.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	return got
}

func TestChat_FreshHappyPath(t *testing.T) {
	provider := &mock.Provider{
		Default:   "Leave policy",
		Fragments: []string{"Employees get ", "20 days ", "of paid leave."},
	}
	h := setupTestPipeline(t, provider, nil)
	h.searcher.docs = "[Rules]\nAnnual leave is 20 days."

	tsk, outputs := h.createTask(t, task.TypeChat, task.ChatMetadata{
		Prompt: "What is the leave policy?",
		FileID: []int64{1},
	})

	out, err := h.executor.Execute(context.Background(), task.TypeChat, tsk.ID, h.pipeline.Chat)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFinished, out.Status)

	o := h.output(t, outputs[0].ID)
	assert.Equal(t, task.OutputFinished, o.Status)
	require.True(t, strings.HasPrefix(o.Content, singleStart))
	env, err := Parse(o.Content)
	require.NoError(t, err)
	assert.Equal(t, "Employees get 20 days of paid leave.", env.Content)
	assert.Equal(t, English, env.Language)

	got := h.task(t, tsk.ID)
	assert.Equal(t, task.StatusFinished, got.Status)
	assert.Equal(t, "Leave policy", got.Title)

	assert.Equal(t, []string{"Employees get ", "20 days ", "of paid leave."}, h.events.Chunks())
	require.Len(t, h.searcher.queries, 1)
	assert.Equal(t, "What is the leave policy?", h.searcher.queries[0].Text)

	calls := provider.Calls()
	require.NotEmpty(t, calls)
	user := calls[0][len(calls[0])-1].Content
	assert.Contains(t, user, "Annual leave is 20 days.")
}

func TestChat_TranslatesQueryAndAnswer(t *testing.T) {
	provider := &mock.Provider{Default: "title", Fragments: []string{"年次有給休暇は", "20日です。"}}
	translator := &mock.Provider{Rules: map[string]string{
		"leave":  "有給休暇の日数",
		"年次有給休暇": "Annual paid leave is 20 days.",
	}}
	h := setupTestPipeline(t, provider, translator)
	h.searcher.docs = "年次有給休暇は20日とする。"

	tsk, outputs := h.createTask(t, task.TypeChat, task.ChatMetadata{Prompt: "How many leave days?", AllFileSearch: true})

	_, err := h.executor.Execute(context.Background(), task.TypeChat, tsk.ID, h.pipeline.Chat)
	require.NoError(t, err)

	require.Len(t, h.searcher.queries, 1)
	assert.Equal(t, "有給休暇の日数", h.searcher.queries[0].Text)

	env, err := Parse(h.output(t, outputs[0].ID).Content)
	require.NoError(t, err)
	assert.Equal(t, "Annual paid leave is 20 days.", env.Content)
	assert.Equal(t, English, env.Language)
}

func TestChat_RetrievalDownFallsBackToBarePrompt(t *testing.T) {
	provider := &mock.Provider{Default: "title", Fragments: []string{"No context answer."}}
	h := setupTestPipeline(t, provider, nil)
	h.searcher.err = errors.New("connection refused")

	tsk, outputs := h.createTask(t, task.TypeChat, task.ChatMetadata{Prompt: "有給休暇は何日ですか", FileID: []int64{9}})

	out, err := h.executor.Execute(context.Background(), task.TypeChat, tsk.ID, h.pipeline.Chat)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFinished, out.Status)
	assert.Equal(t, task.OutputFinished, h.output(t, outputs[0].ID).Status)

	calls := provider.Calls()
	require.NotEmpty(t, calls)
	assert.Equal(t, "有給休暇は何日ですか", calls[0][len(calls[0])-1].Content)
}

func TestChat_MidStreamCancellation(t *testing.T) {
	fragments := make([]string, 50)
	for i := range fragments {
		fragments[i] = "tok "
	}
	provider := &mock.Provider{Default: "title", Fragments: fragments, Delay: 30 * time.Millisecond}
	h := setupTestPipeline(t, provider, nil)
	tsk, outputs := h.createTask(t, task.TypeChat, task.ChatMetadata{Prompt: "Tell me everything"})
	ctx := context.Background()

	done := make(chan dispatch.Outcome, 1)
	go func() {
		out, err := h.executor.Execute(ctx, task.TypeChat, tsk.ID, h.pipeline.Chat)
		assert.NoError(t, err)
		done <- out
	}()

	require.Eventually(t, func() bool {
		return h.output(t, outputs[0].ID).Content != ""
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.store.CancelTask(ctx, tsk.ID))
	_, err := h.store.CancelOutputs(ctx, store.OutputFilter{TaskID: tsk.ID, OnlyInProgress: true})
	require.NoError(t, err)
	sentAtCancel := provider.Sent()

	var out dispatch.Outcome
	select {
	case out = <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("pipeline did not stop after cancellation")
	}

	assert.LessOrEqual(t, provider.Sent(), sentAtCancel+1)
	assert.Equal(t, task.StatusCancel, out.Status)

	o := h.output(t, outputs[0].ID)
	assert.Equal(t, task.OutputCancel, o.Status)
	assert.Empty(t, o.Content)
	assert.Equal(t, task.StatusCancel, h.task(t, tsk.ID).Status)
	assert.Empty(t, h.task(t, tsk.ID).Title)
}

func TestChat_CancelledBeforeModelCall(t *testing.T) {
	provider := &mock.Provider{Default: "unused"}
	h := setupTestPipeline(t, provider, nil)
	tsk, outputs := h.createTask(t, task.TypeChat, task.ChatMetadata{Prompt: "hi"})
	ctx := context.Background()

	md, err := task.DecodeMetadata(task.TypeChat, outputs[0].Metadata)
	require.NoError(t, err)
	_, err = h.store.CancelOutputs(ctx, store.OutputFilter{TaskID: tsk.ID})
	require.NoError(t, err)

	res := h.pipeline.Chat(ctx, dispatch.Request{Task: tsk, Output: outputs[0], Metadata: md})
	assert.True(t, res.Cancelled)
	assert.Empty(t, provider.Calls())
}

func TestChat_ProviderErrorFailsOutput(t *testing.T) {
	provider := &mock.Provider{Err: errors.New("model unavailable")}
	h := setupTestPipeline(t, provider, nil)
	tsk, outputs := h.createTask(t, task.TypeChat, task.ChatMetadata{Prompt: "hi"})

	out, err := h.executor.Execute(context.Background(), task.TypeChat, tsk.ID, h.pipeline.Chat)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, out.Status)

	o := h.output(t, outputs[0].ID)
	assert.Equal(t, task.OutputFailed, o.Status)
	assert.Equal(t, dispatch.FailedContent, o.Content)
}

func TestChat_HistoryAndTitleOnlyOnFirstTurn(t *testing.T) {
	provider := &mock.Provider{Default: "new title", Fragments: []string{"answer"}}
	h := setupTestPipeline(t, provider, nil)
	ctx := context.Background()

	tsk, _ := h.createTask(t, task.TypeChat,
		task.ChatMetadata{Prompt: "q0"}, task.ChatMetadata{Prompt: "q1"}, task.ChatMetadata{Prompt: "q2"})
	outputs, err := h.store.ListOutputs(ctx, tsk.ID)
	require.NoError(t, err)
	for i, o := range outputs[:2] {
		content, err := Format("a"+string(rune('0'+i)), English, time.Now())
		require.NoError(t, err)
		require.NoError(t, h.store.FinishOutput(ctx, o.ID, task.OutputFinished, content))
	}
	require.NoError(t, h.store.RenameTask(ctx, tsk.ID, "kept"))
	tsk.Title = "kept"

	req := dispatch.Request{Task: tsk, Output: outputs[2], Metadata: task.ChatMetadata{Prompt: "q2"}}
	res := h.pipeline.Chat(ctx, req)
	require.True(t, res.OK)

	calls := provider.Calls()
	require.Len(t, calls, 1, "no title call for a later turn")
	msgs := calls[0]
	require.Len(t, msgs, 6)
	assert.Equal(t, "q0", msgs[1].Content)
	assert.Equal(t, "a0", msgs[2].Content)
	assert.Equal(t, "q1", msgs[3].Content)
	assert.Equal(t, "a1", msgs[4].Content)
	assert.Equal(t, "q2", msgs[5].Content)
	assert.Equal(t, "kept", h.task(t, tsk.ID).Title)
}

func TestSummaryAndQuestionGen(t *testing.T) {
	provider := &mock.Provider{Default: "Q1\nQ2", Fragments: []string{"Short ", "summary."}}
	h := setupTestPipeline(t, provider, nil)

	tsk, outputs := h.createTask(t, task.TypeSummary, task.SummaryMetadata{Text: "A long policy document."})
	out, err := h.executor.Execute(context.Background(), task.TypeSummary, tsk.ID, h.pipeline.Summary)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFinished, out.Status)
	assert.Equal(t, "Short summary.", PlainText(h.output(t, outputs[0].ID).Content))

	tsk, outputs = h.createTask(t, task.TypeQuestionGen,
		task.QuestionGenMetadata{Topic: "leave", Count: 2},
		task.QuestionGenMetadata{Topic: "payroll", Count: 2})
	out, err = h.executor.Execute(context.Background(), task.TypeQuestionGen, tsk.ID, h.pipeline.QuestionGen)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFinished, out.Status)
	for _, o := range outputs {
		assert.Equal(t, "Q1\nQ2", PlainText(h.output(t, o.ID).Content))
	}
}

func TestTranslateTask(t *testing.T) {
	h := setupTestPipeline(t, &mock.Provider{}, &mock.Provider{Default: "こんにちは"})
	tsk, outputs := h.createTask(t, task.TypeTranslate, task.TranslateMetadata{Text: "hello", TargetLanguage: "ja"})

	out, err := h.executor.Execute(context.Background(), task.TypeTranslate, tsk.ID, h.pipeline.Translate)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFinished, out.Status)
	env, err := Parse(h.output(t, outputs[0].ID).Content)
	require.NoError(t, err)
	assert.Equal(t, "こんにちは", env.Content)
	assert.Equal(t, Japanese, env.Language)
}

func TestTranslateTask_NoProviderPassesThroughWithMarker(t *testing.T) {
	h := setupTestPipeline(t, &mock.Provider{}, nil)
	tsk, outputs := h.createTask(t, task.TypeTranslate, task.TranslateMetadata{Text: "hello", TargetLanguage: "ja"})

	out, err := h.executor.Execute(context.Background(), task.TypeTranslate, tsk.ID, h.pipeline.Translate)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFinished, out.Status)
	assert.Equal(t, PassThrough("hello"), PlainText(h.output(t, outputs[0].ID).Content))
}

func TestFileUpload_RetriesIndexing(t *testing.T) {
	h := setupTestPipeline(t, &mock.Provider{}, nil)
	idx := &fakeIndexer{fails: 1}
	h.pipeline.indexer = idx

	tsk, outputs := h.createTask(t, task.TypeFileUpload, task.FileUploadMetadata{FileID: 5, FileName: "rules.pdf"})
	out, err := h.executor.Execute(context.Background(), task.TypeFileUpload, tsk.ID, h.pipeline.FileUpload)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFinished, out.Status)
	assert.Equal(t, 2, idx.calls)
	assert.Equal(t, "Indexed rules.pdf", PlainText(h.output(t, outputs[0].ID).Content))
}

func TestOnDemandTranslate(t *testing.T) {
	h := setupTestPipeline(t, &mock.Provider{}, &mock.Provider{Default: "Twenty days."})
	ctx := context.Background()
	_, outputs := h.createTask(t, task.TypeChat, task.ChatMetadata{Prompt: "有給は？"})

	_, err := h.pipeline.OnDemandTranslate(ctx, outputs[0].ID, English)
	assert.ErrorIs(t, err, ErrNotFinished)

	content, err := Format("二十日です。", Japanese, time.Now())
	require.NoError(t, err)
	require.NoError(t, h.store.FinishOutput(ctx, outputs[0].ID, task.OutputFinished, content))

	out, err := h.pipeline.OnDemandTranslate(ctx, outputs[0].ID, English)
	require.NoError(t, err)
	assert.Equal(t, "Twenty days.", out)
}

func TestCancelWatcher(t *testing.T) {
	h := setupTestPipeline(t, &mock.Provider{}, nil)
	ctx := context.Background()
	tsk, outputs := h.createTask(t, task.TypeChat, task.ChatMetadata{Prompt: "hi"})

	wctx, w := WatchOutput(ctx, h.store, outputs[0].ID, 5*time.Millisecond)
	defer w.Stop()
	assert.False(t, w.Check(wctx))

	_, err := h.store.CancelOutputs(ctx, store.OutputFilter{TaskID: tsk.ID})
	require.NoError(t, err)

	select {
	case <-wctx.Done():
	case <-time.After(time.Second):
		t.Fatal("watcher did not cancel the context")
	}
	assert.True(t, w.Cancelled())
}
