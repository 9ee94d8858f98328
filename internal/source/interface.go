package source

import (
	"context"

	"github.com/timmy/mediasearch/internal/domain"
)

// MediaItem is one file offered for ingestion by a source.
type MediaItem struct {
	SourceID     string // Unique ID within the source
	FileRef      string // Object storage key the upload will reference
	LocalPath    string // Local file to copy into storage, if any
	FileType     domain.FileType
	MimeType     string
	OwnerID      string
	OriginalName string
	FileSize     int64
}

// Upload converts the item into a record ready for submission.
func (m MediaItem) Upload() *domain.UploadRecord {
	return &domain.UploadRecord{
		OwnerID:      m.OwnerID,
		FileType:     m.FileType,
		FileRef:      m.FileRef,
		OriginalName: m.OriginalName,
		MimeType:     m.MimeType,
		FileSize:     m.FileSize,
	}
}

// Source defines the interface for bulk media sources.
type Source interface {
	// GetSourceID returns the unique identifier for this source.
	GetSourceID() string

	// GetDisplayName returns a human-readable name for this source.
	GetDisplayName() string

	// FetchBatch fetches a batch of items starting from the given cursor.
	// Parameters:
	//   - ctx: context for cancellation and deadlines.
	//   - cursor: pagination cursor or empty for first page.
	//   - limit: maximum number of items to fetch.
	// Returns:
	//   - items: batch of media items.
	//   - nextCursor: cursor for the next batch or empty if done.
	//   - err: non-nil if fetching fails.
	FetchBatch(ctx context.Context, cursor string, limit int) (items []MediaItem, nextCursor string, err error)
}
