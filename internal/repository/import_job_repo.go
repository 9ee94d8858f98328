package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/timmy/mediasearch/internal/domain"
	"gorm.io/gorm"
)

// ImportJobRepository persists the history of bulk import runs.
type ImportJobRepository struct {
	db *gorm.DB
}

// NewImportJobRepository creates a new ImportJobRepository.
func NewImportJobRepository(db *gorm.DB) *ImportJobRepository {
	return &ImportJobRepository{db: db}
}

// Create inserts a new job record.
func (r *ImportJobRepository) Create(ctx context.Context, job *domain.ImportJob) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return domain.Retryable("create import job", err)
	}
	return nil
}

// Update saves the job's progress and outcome.
func (r *ImportJobRepository) Update(ctx context.Context, job *domain.ImportJob) error {
	if err := r.db.WithContext(ctx).Save(job).Error; err != nil {
		return domain.Retryable("update import job", err)
	}
	return nil
}

// GetByID retrieves a job by its ID.
func (r *ImportJobRepository) GetByID(ctx context.Context, id string) (*domain.ImportJob, error) {
	var job domain.ImportJob
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("import job %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, domain.Retryable("get import job", err)
	}
	return &job, nil
}

// ListRecent returns up to limit jobs, newest first.
func (r *ImportJobRepository) ListRecent(ctx context.Context, limit int) ([]domain.ImportJob, error) {
	var jobs []domain.ImportJob
	err := r.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, domain.Retryable("list import jobs", err)
	}
	return jobs, nil
}
