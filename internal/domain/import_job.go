package domain

import "time"

// JobStatus represents the status of an import job.
// Values include JobStatusRunning, JobStatusCompleted, and JobStatusFailed.
type JobStatus string

const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// ImportJob records one bulk import run and how many items it handed to the pipeline.
// Completion means every item was submitted, not that every upload finished processing.
type ImportJob struct {
	ID             string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	SourceID       string     `gorm:"type:text;not null;index" json:"source_id"`
	Status         JobStatus  `gorm:"type:varchar(16);not null;default:running" json:"status"`
	ItemLimit      int        `gorm:"default:0" json:"limit"`
	TotalItems     int        `gorm:"default:0" json:"total_items"`
	SubmittedItems int        `gorm:"default:0" json:"submitted_items"`
	UploadedFiles  int        `gorm:"default:0" json:"uploaded_files"`
	FailedItems    int        `gorm:"default:0" json:"failed_items"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Error          string     `gorm:"type:text" json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TableName returns the database table name for ImportJob.
func (ImportJob) TableName() string {
	return "import_jobs"
}
