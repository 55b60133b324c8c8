// Package dispatch drives one dequeued task through its pending outputs and
// finalizes the task status.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/podushkina/hrchat/internal/logger"
	"github.com/podushkina/hrchat/internal/monitoring"
	"github.com/podushkina/hrchat/internal/store"
	"github.com/podushkina/hrchat/internal/task"
)

// Result is what a generation callback reports for one output.
type Result struct {
	OutputID string
	OK       bool
	Content  string
	// Cancelled is set when the callback stopped because the output was
	// cancelled. It is not a failure.
	Cancelled bool
}

// Request carries one pending output to a generation callback. Metadata is
// nil when the output's payload could not be decoded.
type Request struct {
	Task     *task.Task
	Output   *task.Output
	Metadata task.Metadata
}

// GenerateFunc produces the content of one output.
type GenerateFunc func(ctx context.Context, req Request) Result

// FailedContent is persisted when a callback fails without content of its own.
const FailedContent = "ERROR: generation failed"

type Outcome struct {
	Status    task.Status
	Succeeded int
	Failed    int
	Cancelled int
	// LastOutputID is the highest-sorted output this run handled.
	LastOutputID string
}

type Executor struct {
	store   store.Store
	metrics *monitoring.Metrics
}

func NewExecutor(s store.Store, m *monitoring.Metrics) *Executor {
	return &Executor{store: s, metrics: m}
}

// Execute processes every WAIT output of the task. Types for which
// Type.Sequential is true run their outputs one at a time in sort order;
// all others fan out. A task cancelled at any point stays CANCEL.
func (e *Executor) Execute(ctx context.Context, taskType task.Type, taskID string, generate GenerateFunc) (Outcome, error) {
	log := logger.FromContext(ctx).With("task_id", taskID, "type", taskType)

	t, err := e.store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("Task not found, skipping")
		return Outcome{}, err
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("load task: %w", err)
	}
	if t.Status == task.StatusCancel {
		log.Info("Task cancelled before start")
		return Outcome{Status: task.StatusCancel}, nil
	}

	if err := e.store.UpdateTaskStatus(ctx, taskID, task.StatusInProcess); err != nil {
		if errors.Is(err, store.ErrCancelled) {
			return Outcome{Status: task.StatusCancel}, nil
		}
		return Outcome{}, fmt.Errorf("claim task: %w", err)
	}
	t.Status = task.StatusInProcess

	outputs, err := e.store.ListOutputs(ctx, taskID, task.OutputWait)
	if err != nil {
		return Outcome{}, fmt.Errorf("list outputs: %w", err)
	}
	log.Debug("Dispatching outputs", "count", len(outputs), "sequential", taskType.Sequential())

	var (
		results []Result
		aborted bool
	)
	if taskType.Sequential() {
		results, aborted, err = e.runSequential(ctx, t, outputs, generate)
		if err != nil {
			return tally(results), err
		}
	} else {
		results = e.runParallel(ctx, t, outputs, generate)
	}

	out := tally(results)
	if aborted {
		log.Info("Task cancelled during processing")
		out.Status = task.StatusCancel
		return out, nil
	}
	return e.finalize(ctx, log, t, out)
}

func (e *Executor) runSequential(ctx context.Context, t *task.Task, outputs []*task.Output, generate GenerateFunc) ([]Result, bool, error) {
	results := make([]Result, 0, len(outputs))
	for _, o := range outputs {
		current, err := e.store.GetTask(ctx, t.ID)
		if err != nil {
			logger.FromContext(ctx).Error("Failed to reload task", "task_id", t.ID, "error", err)
			return results, false, fmt.Errorf("reload task: %w", err)
		}
		if current.Status == task.StatusCancel {
			return results, true, nil
		}
		claimed, cancelled := e.claim(ctx, o)
		if cancelled {
			results = append(results, Result{OutputID: o.ID, Cancelled: true})
		}
		if !claimed {
			continue
		}
		results = append(results, e.run(ctx, t, o, generate))
	}
	return results, false, nil
}

func (e *Executor) runParallel(ctx context.Context, t *task.Task, outputs []*task.Output, generate GenerateFunc) []Result {
	results := make([]Result, len(outputs))
	claimed := make([]bool, len(outputs))
	for i, o := range outputs {
		var cancelled bool
		claimed[i], cancelled = e.claim(ctx, o)
		if cancelled {
			results[i] = Result{OutputID: o.ID, Cancelled: true}
		}
	}

	// The group has no shared context: one failing output must not
	// cancel its siblings.
	var g errgroup.Group
	for i, o := range outputs {
		if !claimed[i] {
			continue
		}
		g.Go(func() error {
			results[i] = e.run(ctx, t, o, generate)
			return nil
		})
	}
	_ = g.Wait()

	// Outputs left to another job have no result.
	handled := results[:0]
	for _, r := range results {
		if r.OutputID != "" {
			handled = append(handled, r)
		}
	}
	return handled
}

// claim moves an output from WAIT to IN_PROCESS. An output another job
// already claimed is neither claimed nor cancelled and is left to that job.
func (e *Executor) claim(ctx context.Context, o *task.Output) (claimed, cancelled bool) {
	log := logger.FromContext(ctx).With("output_id", o.ID)
	ok, err := e.store.ClaimOutput(ctx, o.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Error("Failed to claim output", "error", err)
		}
		return false, false
	}
	if ok {
		o.Status = task.OutputInProcess
		return true, false
	}
	status, err := e.store.GetOutputStatus(ctx, o.ID)
	if err != nil {
		return false, false
	}
	if status != task.OutputCancel {
		log.Debug("Output claimed by another job", "status", status)
	}
	return false, status == task.OutputCancel
}

// run invokes the callback and persists its result. A panic is a failure of
// this output only.
func (e *Executor) run(ctx context.Context, t *task.Task, o *task.Output, generate GenerateFunc) (res Result) {
	log := logger.FromContext(ctx).With("output_id", o.ID, "sort", o.Sort)
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error("Generation panicked", "panic", fmt.Sprint(r))
			res = Result{OutputID: o.ID, Content: FailedContent}
		}
		res = e.persist(ctx, log, t.Type, o.ID, res)
		e.metrics.OutputDone(string(t.Type), string(resultStatus(res)), time.Since(started))
	}()

	req := Request{Task: t, Output: o}
	md, err := task.DecodeMetadata(t.Type, o.Metadata)
	if err != nil {
		log.Error("Invalid output metadata", "error", err)
		return Result{OutputID: o.ID, Content: FailedContent}
	}
	req.Metadata = md

	res = generate(logger.ContextWithLogger(ctx, log), req)
	res.OutputID = o.ID
	return res
}

// persist writes the final output status. The write is conditional on the
// output not being CANCEL, so a cancellation observed by the store always
// wins over the callback's own view.
func (e *Executor) persist(ctx context.Context, log logger.Logger, taskType task.Type, id string, res Result) Result {
	if res.Cancelled {
		return res
	}
	status := task.OutputFinished
	if !res.OK {
		status = task.OutputFailed
		if res.Content == "" {
			res.Content = FailedContent
		}
	}
	err := e.store.FinishOutput(ctx, id, status, res.Content)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrCancelled):
		log.Info("Output cancelled before finalize")
		return Result{OutputID: id, Cancelled: true}
	default:
		log.Error("Failed to persist output", "status", status, "error", err)
		res.OK = false
	}
	return res
}

func (e *Executor) finalize(ctx context.Context, log logger.Logger, t *task.Task, out Outcome) (Outcome, error) {
	status := task.StatusFinished
	if out.Failed > 0 {
		status = task.StatusFailed
	}

	// Re-read right before the write; the write itself is also conditional.
	current, err := e.store.GetTask(ctx, t.ID)
	if err != nil {
		return out, fmt.Errorf("reload task: %w", err)
	}
	if current.Status == task.StatusCancel {
		log.Info("Task cancelled, leaving status untouched")
		out.Status = task.StatusCancel
		return out, nil
	}

	// A later turn may still be running under another job; that job finalizes.
	pending, err := e.store.ListOutputs(ctx, t.ID, task.OutputWait, task.OutputInProcess, task.OutputProcessing)
	if err != nil {
		return out, fmt.Errorf("list pending outputs: %w", err)
	}
	if len(pending) > 0 {
		log.Info("Outputs still pending, leaving task open", "pending", len(pending))
		out.Status = task.StatusInProcess
		return out, nil
	}

	if err := e.store.UpdateTaskStatus(ctx, t.ID, status); err != nil {
		if errors.Is(err, store.ErrCancelled) {
			out.Status = task.StatusCancel
			return out, nil
		}
		return out, fmt.Errorf("finalize task: %w", err)
	}
	out.Status = status
	e.metrics.TaskFinalized(string(t.Type), string(status))
	log.Info("Task finalized", "status", status, "succeeded", out.Succeeded, "failed", out.Failed, "cancelled", out.Cancelled)
	return out, nil
}

func tally(results []Result) Outcome {
	var out Outcome
	for _, r := range results {
		switch {
		case r.Cancelled:
			out.Cancelled++
		case r.OK:
			out.Succeeded++
		default:
			out.Failed++
		}
	}
	if n := len(results); n > 0 {
		out.LastOutputID = results[n-1].OutputID
	}
	return out
}

func resultStatus(r Result) task.OutputStatus {
	switch {
	case r.Cancelled:
		return task.OutputCancel
	case r.OK:
		return task.OutputFinished
	default:
		return task.OutputFailed
	}
}
