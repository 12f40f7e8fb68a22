package domain

// Push event names emitted on the live update stream.
const (
	TaskCreated   = "task_created"
	TaskUpdated   = "task_updated"
	TaskReordered = "task_reordered"
	ExportUpdate  = "export_update"
)

// ExportStatus is the state of a CSV export job.
type ExportStatus string

const (
	ExportPending    ExportStatus = "pending"
	ExportProcessing ExportStatus = "processing"
	ExportCompleted  ExportStatus = "completed"
	ExportFailed     ExportStatus = "failed"
)

// Terminal reports whether polling can stop.
func (s ExportStatus) Terminal() bool {
	return s == ExportCompleted || s == ExportFailed
}

// ExportJob is the export status payload, both from polling and export_update events.
type ExportJob struct {
	JobID       string       `json:"jobId"`
	Status      ExportStatus `json:"status"`
	DownloadURL string       `json:"downloadUrl,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// ExportScope selects which tasks an export covers.
type ExportScope struct {
	Status View `json:"status"`
}

// ExportRequest is the body of POST /exports/csv/{userId}.
type ExportRequest struct {
	Scope ExportScope `json:"scope"`
}
