package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/podushkina/hrchat/internal/logger"
	"github.com/podushkina/hrchat/internal/monitoring"
	"github.com/podushkina/hrchat/internal/store"
	"github.com/podushkina/hrchat/internal/task"
)

var ErrQueueTooDeep = errors.New("queue too deep for streaming, poll the task instead")

// QueueInspector reports queue depth and the position of a queued task.
type QueueInspector interface {
	Depth(ctx context.Context, t task.Type) (int64, error)
	Position(ctx context.Context, t task.Type, taskID string) (int64, error)
}

type HandlerConfig struct {
	Heartbeat      time.Duration
	AvgServiceTime time.Duration
	// MaxWait is the estimated queue wait above which streaming is refused.
	MaxWait time.Duration
}

type Handler struct {
	publisher *Publisher
	store     store.Store
	queue     QueueInspector
	metrics   *monitoring.Metrics
	cfg       HandlerConfig
}

func NewHandler(p *Publisher, s store.Store, q QueueInspector, m *monitoring.Metrics, cfg HandlerConfig) *Handler {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	if cfg.AvgServiceTime <= 0 {
		cfg.AvgServiceTime = 15 * time.Second
	}
	return &Handler{publisher: p, store: s, queue: q, metrics: m, cfg: cfg}
}

// EstimateWait is the expected time until a job behind depth others starts.
func (h *Handler) EstimateWait(depth int64) time.Duration {
	if depth < 0 {
		depth = 0
	}
	return time.Duration(depth) * h.cfg.AvgServiceTime
}

// Admit decides whether a stream may be opened for t. It returns the queue
// status to announce when the task is still waiting in its queue, or
// ErrQueueTooDeep when the expected wait exceeds the configured limit.
func (h *Handler) Admit(ctx context.Context, t *task.Task) (*QueueStatus, error) {
	depth, err := h.queue.Depth(ctx, t.Type)
	if err != nil {
		return nil, fmt.Errorf("queue depth: %w", err)
	}
	h.metrics.QueueDepth(t.Type.QueueName(), depth)
	if h.cfg.MaxWait > 0 && h.EstimateWait(depth) > h.cfg.MaxWait {
		return nil, ErrQueueTooDeep
	}
	if t.Status != task.StatusWait {
		return nil, nil
	}

	pos, err := h.queue.Position(ctx, t.Type, t.ID)
	if err != nil || pos < 0 {
		return nil, err
	}
	wait := h.EstimateWait(pos)
	return &QueueStatus{
		Position:             pos + 1,
		EstimatedWaitMs:      wait.Milliseconds(),
		EstimatedWaitDisplay: displayWait(wait),
	}, nil
}

func displayWait(d time.Duration) string {
	if d < time.Minute {
		return "less than a minute"
	}
	minutes := int(d.Round(time.Minute) / time.Minute)
	if minutes == 1 {
		return "about 1 minute"
	}
	return fmt.Sprintf("about %d minutes", minutes)
}

// Turn is the set of outputs a stream follows. Events for other outputs are
// dropped and task-wide events older than the turn are skipped, so a stream
// opened for a follow-up turn never replays the previous turn's completion.
// A nil Turn follows every event of the task.
type Turn struct {
	ids     map[string]bool
	since   time.Time
	outputs []*task.Output
}

// NewTurn follows the given outputs, which must be in sort order.
func NewTurn(outputs ...*task.Output) *Turn {
	if len(outputs) == 0 {
		return nil
	}
	tr := &Turn{ids: make(map[string]bool, len(outputs)), outputs: outputs, since: outputs[0].CreatedAt}
	for _, o := range outputs {
		tr.ids[o.ID] = true
		if o.CreatedAt.Before(tr.since) {
			tr.since = o.CreatedAt
		}
	}
	return tr
}

// LatestTurn follows the outputs created together most recently.
func LatestTurn(outputs []*task.Output) *Turn {
	var newest time.Time
	for _, o := range outputs {
		if o.CreatedAt.After(newest) {
			newest = o.CreatedAt
		}
	}
	var turn []*task.Output
	for _, o := range outputs {
		if !o.CreatedAt.Before(newest) {
			turn = append(turn, o)
		}
	}
	return NewTurn(turn...)
}

// Match reports whether ev belongs to the turn.
func (tr *Turn) Match(ev Event) bool {
	if tr == nil {
		return true
	}
	if ev.OutputID != "" {
		return tr.ids[ev.OutputID]
	}
	return !ev.Timestamp.Before(tr.since)
}

// Done reports whether every output of the turn already reached a final status.
func (tr *Turn) Done() bool {
	if tr == nil {
		return false
	}
	for _, o := range tr.outputs {
		if !o.Status.Terminal() {
			return false
		}
	}
	return true
}

// Serve streams the events of t until a terminal event of the turn, the
// client going away or ctx ending.
func (h *Handler) Serve(ctx context.Context, w http.ResponseWriter, t *task.Task, turn *Turn, qs *QueueStatus) error {
	log := logger.FromContext(ctx).With("task_id", t.ID)

	sub, err := h.publisher.Subscribe(ctx, t.ID)
	if err != nil {
		return err
	}
	defer sub.Close()

	sw, err := NewWriter(w)
	if err != nil {
		return err
	}
	h.metrics.StreamOpened()
	defer h.metrics.StreamClosed()

	if err := sw.WriteLocal(EventConnected, Connected{TaskID: t.ID, Status: string(t.Status)}); err != nil {
		return nil
	}
	if qs != nil {
		if err := sw.WriteLocal(EventQueueStatus, qs); err != nil {
			return nil
		}
	}

	backlog, err := h.publisher.Replay(ctx, t.ID, 0)
	if err != nil {
		log.Warn("Backlog unavailable", "error", err)
	}
	var lastID int64
	for _, ev := range backlog {
		lastID = ev.ID
		if !turn.Match(ev) {
			continue
		}
		if err := sw.WriteEvent(ev); err != nil {
			return nil
		}
		if ev.Type.Terminal() {
			return sw.WriteDone()
		}
	}

	if turn.Done() || t.Status.Terminal() {
		return h.completeFromStore(ctx, sw, t, turn)
	}

	heartbeat := time.NewTicker(h.cfg.Heartbeat)
	defer heartbeat.Stop()
	lastWrite := time.Now()

	for {
		select {
		case <-ctx.Done():
			log.Debug("Stream client went away")
			return nil
		case <-heartbeat.C:
			if time.Since(lastWrite) < h.cfg.Heartbeat {
				continue
			}
			if err := sw.WriteHeartbeat(); err != nil {
				return nil
			}
			lastWrite = time.Now()
		case ev, ok := <-sub.Events():
			if !ok {
				_ = sw.WriteLocal(EventError, Error{Message: "stream interrupted"})
				return sw.WriteDone()
			}
			if ev.ID <= lastID {
				continue
			}
			lastID = ev.ID
			if !turn.Match(ev) {
				continue
			}
			if err := sw.WriteEvent(ev); err != nil {
				return nil
			}
			lastWrite = time.Now()
			if ev.Type.Terminal() {
				return sw.WriteDone()
			}
		}
	}
}

// completeFromStore answers for a turn or task that finished before any
// backlog was recorded, or whose backlog expired.
func (h *Handler) completeFromStore(ctx context.Context, sw *Writer, t *task.Task, turn *Turn) error {
	var last *task.Output
	if turn != nil {
		last = turn.outputs[len(turn.outputs)-1]
	} else {
		outputs, err := h.store.ListOutputs(ctx, t.ID)
		if err != nil {
			_ = sw.WriteLocal(EventError, Error{Message: "failed to load outputs"})
			return sw.WriteDone()
		}
		if n := len(outputs); n > 0 {
			last = outputs[n-1]
		}
	}

	c := Complete{Status: string(t.Status)}
	if last != nil {
		c.OutputID = last.ID
		c.Content = last.Content
		if !t.Status.Terminal() {
			c.Status = string(last.Status)
		}
	}
	if err := sw.WriteLocal(EventComplete, c); err != nil {
		return nil
	}
	return sw.WriteDone()
}
