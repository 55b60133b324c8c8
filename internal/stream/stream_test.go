package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/podushkina/hrchat/internal/store"
	"github.com/podushkina/hrchat/internal/task"
)

type fakeQueue struct {
	depth    int64
	position int64
}

func (f fakeQueue) Depth(ctx context.Context, t task.Type) (int64, error) { return f.depth, nil }
func (f fakeQueue) Position(ctx context.Context, t task.Type, id string) (int64, error) {
	return f.position, nil
}

func setupTestPublisher(t *testing.T) (*Publisher, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	p, err := NewPublisher(client)
	require.NoError(t, err)
	return p, mr
}

func TestPublishAndReplay(t *testing.T) {
	p, mr := setupTestPublisher(t)
	ctx := context.Background()

	for _, text := range []string{"a", "b", "c"} {
		_, err := p.Publish(ctx, "t1", EventChunk, Chunk{OutputID: "o1", Text: text})
		require.NoError(t, err)
	}

	events, err := p.Replay(ctx, "t1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.ID)
		assert.Equal(t, EventChunk, ev.Type)
	}

	var c Chunk
	require.NoError(t, json.Unmarshal(events[2].Data, &c))
	assert.Equal(t, "c", c.Text)

	events, err = p.Replay(ctx, "t1", 2)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	assert.Greater(t, mr.TTL(logKey("t1")), time.Duration(0))
}

func TestSubscribe(t *testing.T) {
	p, _ := setupTestPublisher(t)
	ctx := context.Background()

	sub, err := p.Subscribe(ctx, "t1")
	require.NoError(t, err)
	defer sub.Close()

	_, err = p.Publish(ctx, "t1", EventComplete, Complete{Content: "done", Status: "FINISHED"})
	require.NoError(t, err)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, EventComplete, ev.Type)
		assert.Equal(t, "t1", ev.TaskID)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}

func TestAdmit(t *testing.T) {
	p, _ := setupTestPublisher(t)
	cfg := HandlerConfig{AvgServiceTime: 15 * time.Second, MaxWait: time.Minute}
	ctx := context.Background()
	waiting := &task.Task{ID: "t1", Type: task.TypeChat, Status: task.StatusWait}

	h := NewHandler(p, nil, fakeQueue{depth: 10, position: 9}, nil, cfg)
	_, err := h.Admit(ctx, waiting)
	assert.ErrorIs(t, err, ErrQueueTooDeep)

	h = NewHandler(p, nil, fakeQueue{depth: 3, position: 2}, nil, cfg)
	qs, err := h.Admit(ctx, waiting)
	require.NoError(t, err)
	require.NotNil(t, qs)
	assert.Equal(t, int64(3), qs.Position)
	assert.Equal(t, int64(30000), qs.EstimatedWaitMs)
	assert.Equal(t, "less than a minute", qs.EstimatedWaitDisplay)

	running := &task.Task{ID: "t1", Type: task.TypeChat, Status: task.StatusInProcess}
	qs, err = h.Admit(ctx, running)
	require.NoError(t, err)
	assert.Nil(t, qs)
}

func TestEstimateWait(t *testing.T) {
	h := NewHandler(nil, nil, nil, nil, HandlerConfig{AvgServiceTime: 10 * time.Second})
	assert.Equal(t, 50*time.Second, h.EstimateWait(5))
	assert.Equal(t, time.Duration(0), h.EstimateWait(-1))
	assert.Equal(t, "about 2 minutes", displayWait(100*time.Second))
}

// sseClient opens the stream and returns a line reader.
func sseClient(t *testing.T, h *Handler, tsk *task.Task, turn *Turn, qs *QueueStatus) *bufio.Reader {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, h.Serve(r.Context(), w, tsk, turn, qs))
	}))
	t.Cleanup(server.Close)

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return bufio.NewReader(resp.Body)
}

func readUntil(t *testing.T, r *bufio.Reader, want string) string {
	t.Helper()
	var seen strings.Builder
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		line, err := r.ReadString('\n')
		seen.WriteString(line)
		if strings.Contains(line, want) {
			return seen.String()
		}
		if err != nil {
			break
		}
	}
	t.Fatalf("%q not found in stream:\n%s", want, seen.String())
	return ""
}

func TestServe_RelaysEventsUntilComplete(t *testing.T) {
	p, _ := setupTestPublisher(t)
	h := NewHandler(p, nil, fakeQueue{}, nil, HandlerConfig{Heartbeat: time.Minute})
	tsk := &task.Task{ID: "t1", Type: task.TypeChat, Status: task.StatusWait}
	ctx := context.Background()

	r := sseClient(t, h, tsk, nil, &QueueStatus{Position: 1})
	readUntil(t, r, "event: connected")
	readUntil(t, r, "event: queue_status")

	_, err := p.Publish(ctx, "t1", EventChunk, Chunk{OutputID: "o1", Text: "Hel"})
	require.NoError(t, err)
	out := readUntil(t, r, `"text":"Hel"`)
	assert.Contains(t, out, "event: chunk")

	_, err = p.Publish(ctx, "t1", EventComplete, Complete{Content: "Hello", Status: "FINISHED"})
	require.NoError(t, err)
	readUntil(t, r, "event: complete")
	readUntil(t, r, "data: [DONE]")
}

func TestServe_ReplaysBacklog(t *testing.T) {
	p, _ := setupTestPublisher(t)
	h := NewHandler(p, nil, fakeQueue{}, nil, HandlerConfig{Heartbeat: time.Minute})
	tsk := &task.Task{ID: "t1", Type: task.TypeChat, Status: task.StatusInProcess}
	ctx := context.Background()

	_, err := p.Publish(ctx, "t1", EventChunk, Chunk{OutputID: "o1", Text: "early"})
	require.NoError(t, err)
	_, err = p.Publish(ctx, "t1", EventComplete, Complete{Content: "early", Status: "FINISHED"})
	require.NoError(t, err)

	r := sseClient(t, h, tsk, nil, nil)
	out := readUntil(t, r, "data: [DONE]")
	assert.Contains(t, out, `"text":"early"`)
	assert.Contains(t, out, "event: complete")
}

func TestServe_Heartbeat(t *testing.T) {
	p, _ := setupTestPublisher(t)
	h := NewHandler(p, nil, fakeQueue{}, nil, HandlerConfig{Heartbeat: 20 * time.Millisecond})
	tsk := &task.Task{ID: "t1", Type: task.TypeChat, Status: task.StatusInProcess}

	r := sseClient(t, h, tsk, nil, nil)
	readUntil(t, r, "event: connected")
	readUntil(t, r, ": heartbeat")

	_, err := p.Publish(context.Background(), "t1", EventError, Error{Message: "boom"})
	require.NoError(t, err)
	readUntil(t, r, "data: [DONE]")
}

func TestServe_TerminalTaskCompletesFromStore(t *testing.T) {
	p, _ := setupTestPublisher(t)
	s, err := store.Open("sqlite", filepath.Join(t.TempDir(), "stream.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	tsk := &task.Task{Type: task.TypeChat, UserName: "alice"}
	out := &task.Output{Metadata: json.RawMessage(`{"prompt":"hi"}`)}
	require.NoError(t, s.CreateTask(ctx, tsk, []*task.Output{out}))
	require.NoError(t, s.FinishOutput(ctx, out.ID, task.OutputFinished, "hello"))
	require.NoError(t, s.UpdateTaskStatus(ctx, tsk.ID, task.StatusFinished))
	tsk.Status = task.StatusFinished

	h := NewHandler(p, s, fakeQueue{}, nil, HandlerConfig{Heartbeat: time.Minute})
	r := sseClient(t, h, tsk, nil, nil)
	body := readUntil(t, r, "data: [DONE]")
	assert.Contains(t, body, "event: complete")
	assert.Contains(t, body, `"content":"hello"`)
}

func TestServe_FollowUpTurnSkipsEarlierTurn(t *testing.T) {
	p, _ := setupTestPublisher(t)
	h := NewHandler(p, nil, fakeQueue{}, nil, HandlerConfig{Heartbeat: time.Minute})
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

	p.now = func() time.Time { return base }
	_, err := p.Publish(ctx, "t1", EventChunk, Chunk{OutputID: "o1", Text: "turn one"})
	require.NoError(t, err)
	_, err = p.Publish(ctx, "t1", EventComplete, Complete{OutputID: "o1", Content: "turn one", Status: "FINISHED"})
	require.NoError(t, err)
	_, err = p.Publish(ctx, "t1", EventError, Error{Message: "old failure"})
	require.NoError(t, err)

	second := &task.Output{ID: "o2", TaskID: "t1", Sort: 1, Status: task.OutputWait, CreatedAt: base.Add(time.Second)}
	tsk := &task.Task{ID: "t1", Type: task.TypeChat, Status: task.StatusWait}
	r := sseClient(t, h, tsk, NewTurn(second), nil)
	readUntil(t, r, "event: connected")

	p.now = func() time.Time { return base.Add(2 * time.Second) }
	_, err = p.Publish(ctx, "t1", EventChunk, Chunk{OutputID: "o2", Text: "turn two"})
	require.NoError(t, err)
	out := readUntil(t, r, `"text":"turn two"`)

	_, err = p.Publish(ctx, "t1", EventComplete, Complete{OutputID: "o2", Content: "turn two", Status: "FINISHED"})
	require.NoError(t, err)
	out += readUntil(t, r, "data: [DONE]")

	assert.NotContains(t, out, "turn one")
	assert.NotContains(t, out, "old failure")
	assert.Contains(t, out, `"outputId":"o2"`)
	assert.Contains(t, out, "event: complete")
}

func TestServe_FinishedTurnCompletesWithItsOwnContent(t *testing.T) {
	p, _ := setupTestPublisher(t)
	h := NewHandler(p, nil, fakeQueue{}, nil, HandlerConfig{Heartbeat: time.Minute})
	now := time.Now().UTC()

	first := &task.Output{ID: "o1", Sort: 0, Status: task.OutputFinished, Content: "first answer", CreatedAt: now.Add(-time.Minute)}
	second := &task.Output{ID: "o2", Sort: 1, Status: task.OutputFinished, Content: "second answer", CreatedAt: now}
	turn := LatestTurn([]*task.Output{first, second})
	require.NotNil(t, turn)
	assert.False(t, turn.Match(Event{OutputID: "o1"}))
	assert.True(t, turn.Match(Event{OutputID: "o2"}))

	tsk := &task.Task{ID: "t1", Type: task.TypeChat, Status: task.StatusFinished}
	body := readUntil(t, sseClient(t, h, tsk, turn, nil), "data: [DONE]")
	assert.Contains(t, body, `"content":"second answer"`)
	assert.NotContains(t, body, "first answer")
}
