package scheduler

import (
	"sort"

	"github.com/vk/gridrun/internal/task"
)

// PriorityFunc reports whether a should be admitted before b.
type PriorityFunc func(a, b *task.Task) bool

// DefaultPriority admits higher Priority first, then larger memory
// requirements, then lower IDs.
func DefaultPriority(a, b *task.Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.Resources.MemGB != b.Resources.MemGB {
		return a.Resources.MemGB > b.Resources.MemGB
	}
	return a.ID < b.ID
}

// ByID admits tasks in ID order.
func ByID(a, b *task.Task) bool {
	return a.ID < b.ID
}

func sortReady(ready []*task.Task, less PriorityFunc) {
	sort.SliceStable(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
}
