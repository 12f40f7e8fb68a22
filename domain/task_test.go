package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
)

func TestTaskMarshalIncludesZeroOrderAndDone(t *testing.T) {
	task := Task{ID: "t1", Title: "Title", Priority: PriorityLow}

	payload, err := sonic.Marshal(task)
	if err != nil {
		t.Fatalf("marshal task: %v", err)
	}
	if !strings.Contains(string(payload), `"orderIndex":0`) {
		t.Fatalf("expected orderIndex field to be present, got %s", payload)
	}
	if !strings.Contains(string(payload), `"done":false`) {
		t.Fatalf("expected done field to be present, got %s", payload)
	}
}

func TestTaskKeyFallsBackToPosition(t *testing.T) {
	if got := (Task{ID: "abc", OrderIndex: 3}).Key(); got != "abc" {
		t.Fatalf("expected id key, got %q", got)
	}
	if got := (Task{OrderIndex: 3}).Key(); got != "task-3" {
		t.Fatalf("expected positional key, got %q", got)
	}
}

func TestParseView(t *testing.T) {
	tests := []struct {
		in      string
		want    View
		wantErr bool
	}{
		{in: "open", want: ViewOpen},
		{in: " DONE ", want: ViewDone},
		{in: "archived", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseView(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("ParseView(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("ParseView(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestViewMatches(t *testing.T) {
	if !ViewOpen.Matches(Task{Done: false}) || ViewOpen.Matches(Task{Done: true}) {
		t.Fatalf("open view must match exactly the not-done tasks")
	}
	if ViewFor(true) != ViewDone {
		t.Fatalf("expected done view for done flag")
	}
}

func TestDateAcceptsCalendarAndTimestamp(t *testing.T) {
	var task Task
	if err := sonic.Unmarshal([]byte(`{"id":"a","dueDate":"2025-03-04"}`), &task); err != nil {
		t.Fatalf("unmarshal calendar date: %v", err)
	}
	if task.DueDate == nil || task.DueDate.String() != "2025-03-04" {
		t.Fatalf("unexpected due date: %#v", task.DueDate)
	}

	if err := sonic.Unmarshal([]byte(`{"id":"a","dueDate":"2025-03-04T10:00:00Z"}`), &task); err != nil {
		t.Fatalf("unmarshal timestamp: %v", err)
	}
	if task.DueDate.Hour() != 10 {
		t.Fatalf("expected hour to survive, got %v", task.DueDate.Time)
	}
}

func TestFieldsValidate(t *testing.T) {
	ok := Fields{Title: "Write", Priority: PriorityHigh, DueDate: NewDate(time.Now())}
	if err := ok.Validate(); err != nil {
		t.Fatalf("expected valid fields, got %v", err)
	}

	missing := Fields{Priority: PriorityLow}
	if err := missing.Validate(); err == nil || !strings.Contains(err.Error(), "Title") {
		t.Fatalf("expected title error, got %v", err)
	}

	badPriority := Fields{Title: "x", Priority: "urgent"}
	if err := badPriority.Validate(); err == nil || !strings.Contains(err.Error(), "oneof") {
		t.Fatalf("expected priority error, got %v", err)
	}
}

func TestFieldsApplyKeepsIdentity(t *testing.T) {
	orig := Task{ID: "t1", OrderIndex: 4, Version: 2, Done: true, Title: "old"}
	got := Fields{Title: "new", Priority: PriorityMed}.Apply(orig)
	if got.ID != "t1" || got.OrderIndex != 4 || got.Version != 2 || !got.Done {
		t.Fatalf("apply must not touch identity fields: %#v", got)
	}
	if got.Title != "new" || got.Priority != PriorityMed {
		t.Fatalf("apply did not set fields: %#v", got)
	}
}

func TestExportStatusTerminal(t *testing.T) {
	if ExportPending.Terminal() || ExportProcessing.Terminal() {
		t.Fatalf("pending and processing are not terminal")
	}
	if !ExportCompleted.Terminal() || !ExportFailed.Terminal() {
		t.Fatalf("completed and failed are terminal")
	}
}
