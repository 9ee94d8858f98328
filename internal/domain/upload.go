package domain

import (
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"
)

// FileType identifies the kind of media an upload carries.
type FileType string

const (
	FileTypeImage FileType = "image"
	FileTypeVideo FileType = "video"
	// Reserved for future analyzers; Submit rejects them today.
	FileTypeAudio    FileType = "audio"
	FileTypeDocument FileType = "document"
)

// Valid reports whether the file type can be processed by the pipeline.
func (t FileType) Valid() bool {
	return t == FileTypeImage || t == FileTypeVideo
}

// UploadStatus represents where an upload is in the processing lifecycle.
// Values include UploadStatusPending, UploadStatusAnalyzing, UploadStatusEmbedding,
// UploadStatusCompleted and UploadStatusFailed.
type UploadStatus string

const (
	UploadStatusPending   UploadStatus = "pending"
	UploadStatusAnalyzing UploadStatus = "analyzing"
	UploadStatusEmbedding UploadStatus = "embedding"
	UploadStatusCompleted UploadStatus = "completed"
	UploadStatusFailed    UploadStatus = "failed"
)

// Terminal reports whether no further automatic processing happens in this status.
func (s UploadStatus) Terminal() bool {
	return s == UploadStatusCompleted || s == UploadStatusFailed
}

// AllUploadStatuses lists the statuses in lifecycle order.
var AllUploadStatuses = []UploadStatus{
	UploadStatusPending,
	UploadStatusAnalyzing,
	UploadStatusEmbedding,
	UploadStatusCompleted,
	UploadStatusFailed,
}

// Allowed MIME types per file type.
var (
	ImageMimeTypes = []string{"image/jpeg", "image/png", "image/webp", "image/heic", "image/heif"}
	VideoMimeTypes = []string{"video/mp4", "video/mpeg", "video/quicktime", "video/x-msvideo", "video/x-flv", "video/webm"}
)

// MimeAllowed reports whether mime is accepted for the given file type.
// An empty mime type is accepted and resolved later from the file reference.
func MimeAllowed(t FileType, mime string) bool {
	if mime == "" {
		return true
	}
	mime = strings.ToLower(mime)
	var allowed []string
	switch t {
	case FileTypeImage:
		allowed = ImageMimeTypes
	case FileTypeVideo:
		allowed = VideoMimeTypes
	}
	for _, m := range allowed {
		if m == mime {
			return true
		}
	}
	return false
}

// UploadRecord is one ingested media file and its processing lifecycle.
// Status, Summary, Embedding, Error, ErrorKind, AttemptCount and NextAttemptAt are
// written only by the ingestion pipeline; everything else is fixed at creation.
type UploadRecord struct {
	ID            string           `gorm:"type:varchar(36);primaryKey" json:"id"`
	OwnerID       string           `gorm:"type:varchar(64);not null;index:idx_uploads_owner_created,priority:1" json:"owner_id"`
	FileType      FileType         `gorm:"type:varchar(16);not null;index:idx_uploads_file_type" json:"file_type"`
	FileRef       string           `gorm:"type:text;not null" json:"file_ref"`
	OriginalName  string           `gorm:"type:text" json:"original_name,omitempty"`
	MimeType      string           `gorm:"type:varchar(64)" json:"mime_type,omitempty"`
	FileSize      int64            `json:"file_size"`
	Status        UploadStatus     `gorm:"type:varchar(16);not null;default:pending;index:idx_uploads_status" json:"status"`
	Summary       *string          `gorm:"type:text" json:"summary"`
	Embedding     *pgvector.Vector `gorm:"type:vector" json:"-"`
	Error         string           `gorm:"type:text" json:"error,omitempty"`
	ErrorKind     ErrorKind        `gorm:"type:varchar(32)" json:"error_kind,omitempty"`
	AttemptCount  int              `gorm:"not null;default:0" json:"attempt_count"`
	NextAttemptAt *time.Time       `json:"next_attempt_at,omitempty"`
	ProcessedAt   *time.Time       `json:"processed_at,omitempty"`
	CreatedAt     time.Time        `gorm:"index:idx_uploads_owner_created,priority:2" json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// TableName specifies the database table name for UploadRecord.
func (UploadRecord) TableName() string {
	return "uploads"
}

// HasSummary reports whether the analysis stage produced a description.
func (u *UploadRecord) HasSummary() bool {
	return u.Summary != nil && *u.Summary != ""
}

// Vector returns the stored embedding as a float slice, or nil.
func (u *UploadRecord) Vector() []float32 {
	if u.Embedding == nil {
		return nil
	}
	return u.Embedding.Slice()
}

// SetVector stores v as the record's embedding; a nil slice clears it.
func (u *UploadRecord) SetVector(v []float32) {
	if v == nil {
		u.Embedding = nil
		return
	}
	vec := pgvector.NewVector(v)
	u.Embedding = &vec
}

// StatusCount is a per-status aggregate for one owner.
type StatusCount struct {
	Status UploadStatus `json:"status"`
	Count  int64        `json:"count"`
}
