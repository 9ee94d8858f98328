package service

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/mediasearch/internal/domain"
	"github.com/timmy/mediasearch/internal/logger"
	"github.com/timmy/mediasearch/internal/source"
	"github.com/timmy/mediasearch/internal/storage"
)

// ImportStats summarizes one bulk import.
type ImportStats struct {
	TotalItems     int `json:"total_items"`
	SubmittedItems int `json:"submitted_items"`
	UploadedFiles  int `json:"uploaded_files"`
	FailedItems    int `json:"failed_items"`
}

// JobStore records import runs.
type JobStore interface {
	Create(ctx context.Context, job *domain.ImportJob) error
	Update(ctx context.Context, job *domain.ImportJob) error
}

// ImporterOption configures an Importer.
type ImporterOption func(*Importer)

// WithJobStore records every Import call as a job.
func WithJobStore(jobs JobStore) ImporterOption {
	return func(im *Importer) {
		im.jobs = jobs
	}
}

// WithBatchSize sets how many items are fetched from a source at a time.
func WithBatchSize(n int) ImporterOption {
	return func(im *Importer) {
		if n > 0 {
			im.batchSize = n
		}
	}
}

// Importer feeds items from a Source into the ingestion pipeline, copying local files
// into object storage first.
type Importer struct {
	ingest    *IngestService
	storage   storage.ObjectStorage
	jobs      JobStore
	batchSize int
	// wait between Submit attempts while the queue is full
	backpressure time.Duration
}

// NewImporter creates an Importer. objectStorage may be nil when every item already
// references a stored file.
func NewImporter(ingest *IngestService, objectStorage storage.ObjectStorage, opts ...ImporterOption) *Importer {
	im := &Importer{
		ingest:       ingest,
		storage:      objectStorage,
		batchSize:    50,
		backpressure: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(im)
	}
	return im
}

// Import submits up to limit items from src (0 means all).
// Parameters:
//   - ctx: context for cancellation; an interrupted import keeps what it submitted.
//   - src: item source.
//   - limit: maximum items to submit.
//
// Returns:
//   - *ImportStats: counts so far, also on error.
//   - error: non-nil if the source cannot be read or ctx is done.
func (im *Importer) Import(ctx context.Context, src source.Source, limit int) (*ImportStats, error) {
	ctx = logger.WithFields(ctx, logger.Fields{
		logger.FieldComponent: "importer",
		"source":              src.GetSourceID(),
	})
	job := im.startJob(ctx, src, limit)
	stats, err := im.run(ctx, src, limit)
	im.finishJob(ctx, job, stats, err)
	return stats, err
}

func (im *Importer) run(ctx context.Context, src source.Source, limit int) (*ImportStats, error) {
	stats := &ImportStats{}
	start := time.Now()

	cursor := ""
	for {
		batchSize := im.batchSize
		if limit > 0 && limit-stats.TotalItems < batchSize {
			batchSize = limit - stats.TotalItems
		}
		if batchSize <= 0 {
			break
		}

		items, next, err := src.FetchBatch(ctx, cursor, batchSize)
		if err != nil {
			return stats, fmt.Errorf("failed to fetch batch from %s: %w", src.GetDisplayName(), err)
		}

		for _, item := range items {
			stats.TotalItems++
			if err := im.importItem(ctx, item, stats); err != nil {
				if ctx.Err() != nil {
					return stats, ctx.Err()
				}
				stats.FailedItems++
				logger.FromContext(ctx).WithError(err).WithField("item", item.SourceID).Warn("Failed to import item")
				continue
			}
			stats.SubmittedItems++
		}

		if next == "" || len(items) == 0 {
			break
		}
		cursor = next
	}

	logger.With(logger.Fields{
		logger.FieldCount: stats.SubmittedItems,
		"failed":          stats.FailedItems,
		"uploaded":        stats.UploadedFiles,
	}).WithDuration(start).Info(ctx, "Import finished: total=%d", stats.TotalItems)
	return stats, nil
}

func (im *Importer) importItem(ctx context.Context, item source.MediaItem, stats *ImportStats) error {
	if item.LocalPath != "" {
		uploaded, err := im.storeFile(ctx, item)
		if err != nil {
			return err
		}
		if uploaded {
			stats.UploadedFiles++
		}
	}

	for {
		err := im.ingest.Submit(ctx, item.Upload())
		if err == nil || !domain.IsResourceExhausted(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(im.backpressure):
		}
	}
}

// storeFile copies the item's local file to its FileRef unless it is already stored.
func (im *Importer) storeFile(ctx context.Context, item source.MediaItem) (bool, error) {
	if im.storage == nil {
		return false, fmt.Errorf("item %s has a local file but no object storage is configured", item.SourceID)
	}
	exists, err := im.storage.Exists(ctx, item.FileRef)
	if err != nil {
		return false, fmt.Errorf("failed to check %s: %w", item.FileRef, err)
	}
	if exists {
		return false, nil
	}

	f, err := os.Open(item.LocalPath)
	if err != nil {
		return false, fmt.Errorf("failed to open %s: %w", item.LocalPath, err)
	}
	defer f.Close()

	if err := im.storage.Upload(ctx, item.FileRef, f, item.FileSize, item.MimeType); err != nil {
		return false, fmt.Errorf("failed to upload %s: %w", item.FileRef, err)
	}
	return true, nil
}

// startJob records a running job; bookkeeping failures never stop the import.
func (im *Importer) startJob(ctx context.Context, src source.Source, limit int) *domain.ImportJob {
	if im.jobs == nil {
		return nil
	}
	job := &domain.ImportJob{
		ID:        uuid.NewString(),
		SourceID:  src.GetSourceID(),
		Status:    domain.JobStatusRunning,
		ItemLimit: limit,
		StartedAt: time.Now(),
	}
	if err := im.jobs.Create(ctx, job); err != nil {
		logger.FromContext(ctx).WithError(err).Warn("Failed to record import job")
		return nil
	}
	return job
}

func (im *Importer) finishJob(ctx context.Context, job *domain.ImportJob, stats *ImportStats, runErr error) {
	if job == nil {
		return
	}
	now := time.Now()
	job.CompletedAt = &now
	job.TotalItems = stats.TotalItems
	job.SubmittedItems = stats.SubmittedItems
	job.UploadedFiles = stats.UploadedFiles
	job.FailedItems = stats.FailedItems
	job.Status = domain.JobStatusCompleted
	if runErr != nil {
		job.Status = domain.JobStatusFailed
		job.Error = runErr.Error()
	}
	if err := im.jobs.Update(context.WithoutCancel(ctx), job); err != nil {
		logger.FromContext(ctx).WithError(err).Warn("Failed to update import job")
	}
}
