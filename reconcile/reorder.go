package reconcile

import "task-client/domain"

// MoveTask removes the task at from and inserts it at to.
func MoveTask(tasks []domain.Task, from, to int) []domain.Task {
	out := make([]domain.Task, 0, len(tasks))
	moved := tasks[from]
	for i, t := range tasks {
		if i == from {
			continue
		}
		out = append(out, t)
	}
	out = append(out, domain.Task{})
	copy(out[to+1:], out[to:])
	out[to] = moved
	return out
}

// PlanReorder moves the task at from to to and renumbers only the affected
// range [min(from,to), max(from,to)] sequentially from its lower bound.
// It returns the new list and the tasks with ids whose OrderIndex changed.
func PlanReorder(tasks []domain.Task, from, to int) ([]domain.Task, []domain.Task) {
	before := make(map[string]int, len(tasks))
	for _, t := range tasks {
		if t.ID != "" {
			before[t.ID] = t.OrderIndex
		}
	}

	updated := MoveTask(tasks, from, to)
	lo, hi := from, to
	if lo > hi {
		lo, hi = hi, lo
	}

	var changed []domain.Task
	for k := lo; k <= hi; k++ {
		updated[k].OrderIndex = k
		t := updated[k]
		if t.ID == "" {
			continue
		}
		if prev, ok := before[t.ID]; ok && prev != t.OrderIndex {
			changed = append(changed, t)
		}
	}
	return updated, changed
}
