// Package store persists tasks and their outputs.
//
// Every status write that could race with an external cancel is conditional
// on the row not already being CANCEL, so a late FINISHED or FAILED write
// can never overwrite a cancellation.
package store

import (
	"context"
	"errors"

	"github.com/podushkina/hrchat/internal/task"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrCancelled = errors.New("row is cancelled")
)

// OutputFilter selects outputs for cancellation.
type OutputFilter struct {
	TaskID string
	// Sort restricts the filter to one turn when set.
	Sort *int
	// OnlyInProgress limits cancellation to IN_PROCESS and PROCESSING outputs.
	OnlyInProgress bool
}

type Store interface {
	CreateTask(ctx context.Context, t *task.Task, outputs []*task.Output) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status task.Status) error
	ReopenTask(ctx context.Context, id string) error
	CancelTask(ctx context.Context, id string) error
	RenameTask(ctx context.Context, id, title string) error
	DeleteTask(ctx context.Context, id string) error
	CountActiveTasks(ctx context.Context, taskType task.Type, userName string) (int, error)

	AddOutput(ctx context.Context, o *task.Output) error
	GetOutput(ctx context.Context, id string) (*task.Output, error)
	GetOutputStatus(ctx context.Context, id string) (task.OutputStatus, error)
	ListOutputs(ctx context.Context, taskID string, statuses ...task.OutputStatus) ([]*task.Output, error)
	ClaimOutput(ctx context.Context, id string) (bool, error)
	UpdateOutputStatus(ctx context.Context, id string, status task.OutputStatus) error
	AppendOutputContent(ctx context.Context, id, fragment string) error
	FinishOutput(ctx context.Context, id string, status task.OutputStatus, content string) error
	CancelOutputs(ctx context.Context, f OutputFilter) (int64, error)
	SetFeedback(ctx context.Context, id, feedback string) error
}
