package scheduler

import (
	"errors"
	"fmt"

	"github.com/vk/gridrun/internal/task"
)

var (
	// ErrDeadlock means tasks remain but none is ready and none is running.
	ErrDeadlock = errors.New("potential deadlock: no tasks are running and no tasks can be submitted")
	// ErrInsufficientResources means a task alone needs more than the budget.
	ErrInsufficientResources = errors.New("insufficient resources available for task")
)

// TaskFailedError is returned in debug mode for the first failing task.
type TaskFailedError struct {
	TaskID string
	Result *task.Result
}

// Error implements the error interface.
func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("task %s failed: %s", e.TaskID, e.Result.Error)
}

// Unwrap returns the task's own error.
func (e *TaskFailedError) Unwrap() error {
	return e.Result.Err
}
