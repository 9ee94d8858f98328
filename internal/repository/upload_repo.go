package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/mediasearch/internal/domain"
	"gorm.io/gorm"
)

// UploadRepository handles database operations for upload records.
type UploadRepository struct {
	db         *gorm.DB
	dimensions int
}

// NewUploadRepository creates a new UploadRepository.
// Parameters:
//   - db: GORM database handle.
//   - dimensions: the fixed embedding dimension enforced on every write.
//
// Returns:
//   - *UploadRepository: repository instance bound to db.
func NewUploadRepository(db *gorm.DB, dimensions int) *UploadRepository {
	return &UploadRepository{db: db, dimensions: dimensions}
}

// Dimensions returns the embedding dimension this repository enforces.
func (r *UploadRepository) Dimensions() int {
	return r.dimensions
}

// Create inserts a new upload record.
func (r *UploadRepository) Create(ctx context.Context, rec *domain.UploadRecord) error {
	if err := r.validate(rec); err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return domain.Retryable("create upload", err)
	}
	return nil
}

// GetByID retrieves an upload by its ID.
// Returns domain.ErrNotFound when the row does not exist.
func (r *UploadRepository) GetByID(ctx context.Context, id string) (*domain.UploadRecord, error) {
	var rec domain.UploadRecord
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("upload %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, domain.Retryable("get upload", err)
	}
	return &rec, nil
}

// GetByIDs retrieves uploads by IDs; missing IDs are skipped and order is not preserved.
func (r *UploadRepository) GetByIDs(ctx context.Context, ids []string) ([]domain.UploadRecord, error) {
	if len(ids) == 0 {
		return []domain.UploadRecord{}, nil
	}
	var recs []domain.UploadRecord
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&recs).Error; err != nil {
		return nil, domain.Retryable("get uploads", err)
	}
	return recs, nil
}

// UpdateProcessing writes the pipeline-owned fields of rec in one statement.
// The row is only updated while it is still in status expected, so two writers racing on
// the same record cannot both win.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - rec: record carrying the new state.
//   - expected: status the caller read before mutating rec.
//
// Returns:
//   - error: domain.ErrInvalidTransition when the row moved on, domain.ErrNotFound when
//     it vanished, or a retryable store error.
func (r *UploadRepository) UpdateProcessing(ctx context.Context, rec *domain.UploadRecord, expected domain.UploadStatus) error {
	if err := r.validate(rec); err != nil {
		return err
	}

	rec.UpdatedAt = time.Now()
	result := r.db.WithContext(ctx).
		Model(&domain.UploadRecord{}).
		Where("id = ? AND status = ?", rec.ID, expected).
		Updates(map[string]interface{}{
			"status":          rec.Status,
			"summary":         rec.Summary,
			"embedding":       rec.Embedding,
			"error":           rec.Error,
			"error_kind":      rec.ErrorKind,
			"attempt_count":   rec.AttemptCount,
			"next_attempt_at": rec.NextAttemptAt,
			"processed_at":    rec.ProcessedAt,
			"updated_at":      rec.UpdatedAt,
		})
	if result.Error != nil {
		return domain.Retryable("update upload", result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, rec.ID); err != nil {
			return err
		}
		return fmt.Errorf("upload %s no longer %s: %w", rec.ID, expected, domain.ErrInvalidTransition)
	}
	return nil
}

// ListByStatus retrieves uploads in a status, oldest first.
func (r *UploadRepository) ListByStatus(ctx context.Context, status domain.UploadStatus, limit, offset int) ([]domain.UploadRecord, error) {
	var recs []domain.UploadRecord
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Limit(limit).
		Offset(offset).
		Find(&recs).Error
	if err != nil {
		return nil, domain.Retryable("list uploads", err)
	}
	return recs, nil
}

// ListResumable retrieves every non-terminal upload, oldest first.
func (r *UploadRepository) ListResumable(ctx context.Context, limit int) ([]domain.UploadRecord, error) {
	var recs []domain.UploadRecord
	query := r.db.WithContext(ctx).
		Where("status NOT IN ?", []domain.UploadStatus{domain.UploadStatusCompleted, domain.UploadStatusFailed}).
		Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&recs).Error; err != nil {
		return nil, domain.Retryable("list resumable uploads", err)
	}
	return recs, nil
}

// ListByOwner retrieves an owner's uploads, newest first, with the total count.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - ownerID: owner to scope to.
//   - status: optional status filter; nil means all.
//   - limit: page size.
//   - offset: rows to skip.
//
// Returns:
//   - []domain.UploadRecord: page of uploads.
//   - int64: total matching rows.
//   - error: non-nil if the query fails.
func (r *UploadRepository) ListByOwner(ctx context.Context, ownerID string, status *domain.UploadStatus, limit, offset int) ([]domain.UploadRecord, int64, error) {
	scoped := func() *gorm.DB {
		query := r.db.WithContext(ctx).Model(&domain.UploadRecord{}).Where("owner_id = ?", ownerID)
		if status != nil {
			query = query.Where("status = ?", *status)
		}
		return query
	}

	var total int64
	if err := scoped().Count(&total).Error; err != nil {
		return nil, 0, domain.Retryable("count uploads", err)
	}

	var recs []domain.UploadRecord
	if err := scoped().Order("created_at DESC").Limit(limit).Offset(offset).Find(&recs).Error; err != nil {
		return nil, 0, domain.Retryable("list uploads", err)
	}
	return recs, total, nil
}

// CountByStatus groups an owner's uploads by status. An empty ownerID counts everything.
func (r *UploadRepository) CountByStatus(ctx context.Context, ownerID string) ([]domain.StatusCount, error) {
	var counts []domain.StatusCount
	query := r.db.WithContext(ctx).Model(&domain.UploadRecord{}).Select("status, COUNT(*) AS count")
	if ownerID != "" {
		query = query.Where("owner_id = ?", ownerID)
	}
	if err := query.Group("status").Scan(&counts).Error; err != nil {
		return nil, domain.Retryable("count uploads by status", err)
	}
	return counts, nil
}

// Delete removes an upload record.
func (r *UploadRepository) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&domain.UploadRecord{})
	if result.Error != nil {
		return domain.Retryable("delete upload", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("upload %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// validate enforces the record invariants at write time.
func (r *UploadRepository) validate(rec *domain.UploadRecord) error {
	completed := rec.Status == domain.UploadStatusCompleted
	switch {
	case completed && rec.Embedding == nil:
		return domain.Fatal("validate upload", fmt.Errorf("completed upload %s has no embedding", rec.ID))
	case !completed && rec.Embedding != nil:
		return domain.Fatal("validate upload", fmt.Errorf("upload %s in status %s carries an embedding", rec.ID, rec.Status))
	case rec.Status == domain.UploadStatusPending && rec.Summary != nil:
		return domain.Fatal("validate upload", fmt.Errorf("pending upload %s carries a summary", rec.ID))
	}
	if completed && r.dimensions > 0 && len(rec.Embedding.Slice()) != r.dimensions {
		return domain.Fatal("validate upload", fmt.Errorf("%w: got %d, want %d",
			domain.ErrDimensionMismatch, len(rec.Embedding.Slice()), r.dimensions))
	}
	return nil
}
