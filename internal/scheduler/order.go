package scheduler

import (
	"sort"

	"github.com/msageha/taskgate/internal/model"
)

// Less orders the ready set: priority descending, then created_at ascending,
// then id so the order is total.
func Less(a, b *model.Task) bool {
	if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
		return ra > rb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func SortTasks(tasks []*model.Task) {
	sort.SliceStable(tasks, func(i, j int) bool { return Less(tasks[i], tasks[j]) })
}
