package domain

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// Priority ranks a task.
type Priority string

const (
	PriorityLow  Priority = "low"
	PriorityMed  Priority = "med"
	PriorityHigh Priority = "high"
)

// View is the partition of tasks currently displayed, selected by the done flag.
type View string

const (
	ViewOpen View = "open"
	ViewDone View = "done"
)

// ErrInvalidView is returned when a status value is neither open nor done.
var ErrInvalidView = errors.New("invalid view")

// ViewFor maps a done flag to the view that contains it.
func ViewFor(done bool) View {
	if done {
		return ViewDone
	}
	return ViewOpen
}

// ParseView accepts "open" or "done".
func ParseView(s string) (View, error) {
	switch View(strings.ToLower(strings.TrimSpace(s))) {
	case ViewOpen:
		return ViewOpen, nil
	case ViewDone:
		return ViewDone, nil
	}
	return "", ErrInvalidView
}

// Done reports whether the view holds completed tasks.
func (v View) Done() bool { return v == ViewDone }

// Matches reports whether t belongs to the view.
func (v View) Matches(t Task) bool { return t.Done == v.Done() }

// Task is a single item of the list as served by the backend.
type Task struct {
	ID          string     `json:"id,omitempty"`
	UserID      string     `json:"userId,omitempty"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Priority    Priority   `json:"priority"`
	DueDate     *Date      `json:"dueDate,omitempty"`
	Done        bool       `json:"done"`
	OrderIndex  int        `json:"orderIndex"`
	Version     int        `json:"version"`
	CreatedAt   *time.Time `json:"createdAt,omitempty"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
}

// Persisted reports whether the server has assigned an id.
func (t Task) Persisted() bool { return t.ID != "" }

// Key identifies the task in the UI. Tasks without an id fall back to their
// position; that key is never sent to the server.
func (t Task) Key() string {
	if t.ID != "" {
		return t.ID
	}
	return PositionalKey(t.OrderIndex)
}

// PositionalKey is the UI key of a task that has no id yet.
func PositionalKey(orderIndex int) string {
	return "task-" + strconv.Itoa(orderIndex)
}

// ReorderItem is one entry of a PATCH /tasks/reorder request.
type ReorderItem struct {
	ID         string `json:"id"`
	OrderIndex int    `json:"orderIndex"`
	Version    int    `json:"version"`
}

// ReorderRequest is the body of PATCH /tasks/reorder.
type ReorderRequest struct {
	Items []ReorderItem `json:"items"`
}

// ReorderItems converts tasks to the reorder wire shape.
func ReorderItems(tasks []Task) []ReorderItem {
	items := make([]ReorderItem, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, ReorderItem{ID: t.ID, OrderIndex: t.OrderIndex, Version: t.Version})
	}
	return items
}

// TaskPatch is a partial update for PATCH /tasks/{id}. Nil fields are left untouched.
type TaskPatch struct {
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	Priority    *Priority `json:"priority,omitempty"`
	DueDate     *Date     `json:"dueDate,omitempty"`
	Done        *bool     `json:"done,omitempty"`
}

// DonePatch builds the patch that persists a toggle.
func DonePatch(done bool) TaskPatch {
	return TaskPatch{Done: &done}
}
