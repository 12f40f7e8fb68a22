package domain

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Fields are the user-editable attributes of a task.
type Fields struct {
	Title       string   `json:"title" validate:"required,max=255"`
	Description string   `json:"description" validate:"max=10000"`
	Priority    Priority `json:"priority" validate:"required,oneof=low med high"`
	DueDate     *Date    `json:"dueDate,omitempty"`
}

var validate = validator.New()

// Validate checks the fields against their tags.
func (f Fields) Validate() error {
	if err := validate.Struct(f); err != nil {
		verrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return err
		}
		msgs := make([]string, 0, len(verrs))
		for _, e := range verrs {
			msgs = append(msgs, fmt.Sprintf("field '%s' failed rule '%s'", e.Field(), e.Tag()))
		}
		return fmt.Errorf("invalid task fields: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// Apply returns a copy of t carrying f.
func (f Fields) Apply(t Task) Task {
	t.Title = f.Title
	t.Description = f.Description
	t.Priority = f.Priority
	t.DueDate = f.DueDate
	return t
}

// Patch builds the PATCH body persisting f.
func (f Fields) Patch() TaskPatch {
	title, desc, prio := f.Title, f.Description, f.Priority
	return TaskPatch{Title: &title, Description: &desc, Priority: &prio, DueDate: f.DueDate}
}
