package taskstore

import (
	"sort"

	"task-client/domain"
)

// Sort returns a copy of tasks ordered ascending by OrderIndex. Ties keep
// their input order.
func Sort(tasks []domain.Task) []domain.Task {
	out := make([]domain.Task, len(tasks))
	copy(out, tasks)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].OrderIndex < out[j].OrderIndex
	})
	return out
}

// Filter keeps the tasks that belong to view.
func Filter(tasks []domain.Task, view domain.View) []domain.Task {
	out := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		if view.Matches(t) {
			out = append(out, t)
		}
	}
	return out
}

// UpsertOne replaces the task with the same id or appends it, drops tasks
// that no longer match view and sorts the result.
func UpsertOne(tasks []domain.Task, task domain.Task, view domain.View) []domain.Task {
	out := make([]domain.Task, 0, len(tasks)+1)
	found := false
	for _, t := range tasks {
		if task.ID != "" && t.ID == task.ID {
			if !found {
				out = append(out, task)
				found = true
			}
			continue
		}
		out = append(out, t)
	}
	if !found {
		out = append(out, task)
	}
	return Sort(Filter(out, view))
}

// MergeRange removes every task whose id appears in subset, appends subset
// and sorts. Tasks outside subset keep their values.
func MergeRange(tasks, subset []domain.Task) []domain.Task {
	ids := make(map[string]struct{}, len(subset))
	incoming := make([]domain.Task, 0, len(subset))
	for i := len(subset) - 1; i >= 0; i-- {
		t := subset[i]
		if t.ID != "" {
			if _, dup := ids[t.ID]; dup {
				continue
			}
			ids[t.ID] = struct{}{}
		}
		incoming = append(incoming, t)
	}
	// restore subset order after walking it backwards for last-wins dedupe
	for i, j := 0, len(incoming)-1; i < j; i, j = i+1, j-1 {
		incoming[i], incoming[j] = incoming[j], incoming[i]
	}

	out := make([]domain.Task, 0, len(tasks)+len(incoming))
	for _, t := range tasks {
		if _, ok := ids[t.ID]; ok && t.ID != "" {
			continue
		}
		out = append(out, t)
	}
	out = append(out, incoming...)
	return Sort(out)
}

// IndexOf returns the position of the task with the given key, or -1.
func IndexOf(tasks []domain.Task, key string) int {
	for i, t := range tasks {
		if t.Key() == key {
			return i
		}
	}
	return -1
}
