// Package handlers binds each task type to its generation routine and runs
// dequeued jobs through the dispatch executor.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/podushkina/hrchat/internal/dispatch"
	"github.com/podushkina/hrchat/internal/logger"
	"github.com/podushkina/hrchat/internal/pipeline"
	"github.com/podushkina/hrchat/internal/store"
	"github.com/podushkina/hrchat/internal/stream"
	"github.com/podushkina/hrchat/internal/task"
)

var ErrNoRoutine = errors.New("no generation routine registered")

type Registry struct {
	executor  *dispatch.Executor
	store     store.Store
	publisher pipeline.Publisher

	mu       sync.RWMutex
	routines map[task.Type]dispatch.GenerateFunc
}

func NewRegistry(e *dispatch.Executor, s store.Store, pub pipeline.Publisher) *Registry {
	return &Registry{
		executor:  e,
		store:     s,
		publisher: pub,
		routines:  make(map[task.Type]dispatch.GenerateFunc),
	}
}

func (r *Registry) Register(t task.Type, fn dispatch.GenerateFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routines[t] = fn
}

func (r *Registry) Lookup(t task.Type) (dispatch.GenerateFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.routines[t]
	return fn, ok
}

// Types lists the registered task types.
func (r *Registry) Types() []task.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]task.Type, 0, len(r.routines))
	for _, t := range task.Types {
		if _, ok := r.routines[t]; ok {
			types = append(types, t)
		}
	}
	return types
}

// RegisterPipeline binds every built-in task type to its pipeline routine.
func RegisterPipeline(r *Registry, p *pipeline.Pipeline) {
	r.Register(task.TypeChat, p.Chat)
	r.Register(task.TypeSummary, p.Summary)
	r.Register(task.TypeTranslate, p.Translate)
	r.Register(task.TypeFileUpload, p.FileUpload)
	r.Register(task.TypeQuestionGen, p.QuestionGen)
}

// Process handles one dequeued job. It satisfies worker.Processor.
func (r *Registry) Process(ctx context.Context, job task.Job) error {
	fn, ok := r.Lookup(job.TaskType)
	if !ok {
		return fmt.Errorf("%w for %s", ErrNoRoutine, job.TaskType)
	}
	log := logger.FromContext(ctx)

	outcome, err := r.executor.Execute(ctx, job.TaskType, job.TaskID, fn)
	if errors.Is(err, store.ErrNotFound) {
		// Deleted before a worker got to it.
		return nil
	}
	if err != nil {
		r.publish(ctx, job.TaskID, stream.EventError, stream.Error{Message: "task processing failed"})
		return err
	}

	if outcome.LastOutputID == "" && !outcome.Status.Terminal() {
		// Nothing was left for this job; the job running the turn reports it.
		log.Debug("No outputs handled", "status", outcome.Status)
		return nil
	}
	r.publish(ctx, job.TaskID, stream.EventComplete, r.complete(ctx, job.TaskID, outcome))
	log.Debug("Job outcome", "status", outcome.Status, "succeeded", outcome.Succeeded,
		"failed", outcome.Failed, "cancelled", outcome.Cancelled)
	return nil
}

// complete reports the turn this job handled. Status is the task status,
// which stays IN_PROCESS while a later turn is still running.
func (r *Registry) complete(ctx context.Context, taskID string, outcome dispatch.Outcome) stream.Complete {
	c := stream.Complete{OutputID: outcome.LastOutputID, Status: string(outcome.Status)}
	if c.OutputID != "" {
		if o, err := r.store.GetOutput(ctx, c.OutputID); err == nil {
			c.Content = o.Content
		}
		return c
	}
	outputs, err := r.store.ListOutputs(ctx, taskID)
	if err == nil && len(outputs) > 0 {
		c.Content = outputs[len(outputs)-1].Content
	}
	return c
}

func (r *Registry) publish(ctx context.Context, taskID string, typ stream.EventType, data any) {
	if r.publisher == nil {
		return
	}
	if _, err := r.publisher.Publish(ctx, taskID, typ, data); err != nil {
		logger.FromContext(ctx).Warn("Failed to publish stream event", "type", typ, "error", err)
	}
}
