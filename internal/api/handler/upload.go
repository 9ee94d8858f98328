package handler

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/timmy/mediasearch/internal/api/middleware"
	"github.com/timmy/mediasearch/internal/domain"
	"github.com/timmy/mediasearch/internal/service"
)

// IngestPipeline is the part of the ingestion service the API drives.
type IngestPipeline interface {
	Submit(ctx context.Context, rec *domain.UploadRecord) error
	Reset(ctx context.Context, id string) error
	Stats() service.IngestStats
}

// UploadStore reads upload records.
type UploadStore interface {
	GetByID(ctx context.Context, id string) (*domain.UploadRecord, error)
	ListByOwner(ctx context.Context, ownerID string, status *domain.UploadStatus, limit, offset int) ([]domain.UploadRecord, int64, error)
	CountByStatus(ctx context.Context, ownerID string) ([]domain.StatusCount, error)
}

// UploadHandler handles upload endpoints.
type UploadHandler struct {
	ingest IngestPipeline
	store  UploadStore
}

// NewUploadHandler creates a new upload handler.
func NewUploadHandler(ingest IngestPipeline, store UploadStore) *UploadHandler {
	return &UploadHandler{ingest: ingest, store: store}
}

// SubmitRequest registers a file that is already in object storage.
type SubmitRequest struct {
	FileType     domain.FileType `json:"file_type" binding:"required"`
	FileRef      string          `json:"file_ref" binding:"required"`
	MimeType     string          `json:"mime_type"`
	OriginalName string          `json:"original_name"`
	FileSize     int64           `json:"file_size"`
}

// ListResponse is a page of uploads.
type ListResponse struct {
	Uploads []domain.UploadRecord `json:"uploads"`
	Total   int64                 `json:"total"`
	Limit   int                   `json:"limit"`
	Offset  int                   `json:"offset"`
}

// StatsResponse combines per-status counts with pipeline counters.
type StatsResponse struct {
	Counts   map[domain.UploadStatus]int64 `json:"counts"`
	Pipeline service.IngestStats           `json:"pipeline"`
}

// Submit handles POST /api/v1/uploads.
func (h *UploadHandler) Submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request: "+err.Error())
		return
	}

	rec := &domain.UploadRecord{
		OwnerID:      middleware.OwnerID(c),
		FileType:     req.FileType,
		FileRef:      req.FileRef,
		MimeType:     req.MimeType,
		OriginalName: req.OriginalName,
		FileSize:     req.FileSize,
	}
	if err := h.ingest.Submit(c.Request.Context(), rec); err != nil {
		respondError(c, err)
		return
	}

	c.Header("Location", "/api/v1/uploads/"+rec.ID)
	c.JSON(http.StatusAccepted, rec)
}

// List handles GET /api/v1/uploads.
func (h *UploadHandler) List(c *gin.Context) {
	limit, offset, ok := pagination(c)
	if !ok {
		return
	}

	var status *domain.UploadStatus
	if s := c.Query("status"); s != "" {
		st := domain.UploadStatus(s)
		if !validStatus(st) {
			badRequest(c, fmt.Sprintf("Unknown status %q", s))
			return
		}
		status = &st
	}

	uploads, total, err := h.store.ListByOwner(c.Request.Context(), middleware.OwnerID(c), status, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ListResponse{Uploads: uploads, Total: total, Limit: limit, Offset: offset})
}

// Get handles GET /api/v1/uploads/:id.
func (h *UploadHandler) Get(c *gin.Context) {
	rec, ok := h.owned(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Retry handles POST /api/v1/uploads/:id/retry for failed uploads.
func (h *UploadHandler) Retry(c *gin.Context) {
	rec, ok := h.owned(c)
	if !ok {
		return
	}
	if err := h.ingest.Reset(c.Request.Context(), rec.ID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": rec.ID, "status": domain.UploadStatusPending})
}

// Stats handles GET /api/v1/uploads/stats.
func (h *UploadHandler) Stats(c *gin.Context) {
	counts, err := h.store.CountByStatus(c.Request.Context(), middleware.OwnerID(c))
	if err != nil {
		respondError(c, err)
		return
	}

	resp := StatsResponse{
		Counts:   make(map[domain.UploadStatus]int64, len(domain.AllUploadStatuses)),
		Pipeline: h.ingest.Stats(),
	}
	for _, st := range domain.AllUploadStatuses {
		resp.Counts[st] = 0
	}
	for _, sc := range counts {
		resp.Counts[sc.Status] = sc.Count
	}
	c.JSON(http.StatusOK, resp)
}

// owned loads the :id upload and hides other owners' uploads as not found.
func (h *UploadHandler) owned(c *gin.Context) (*domain.UploadRecord, bool) {
	id := c.Param("id")
	rec, err := h.store.GetByID(c.Request.Context(), id)
	if err == nil && rec.OwnerID != middleware.OwnerID(c) {
		err = fmt.Errorf("upload %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return rec, true
}

func validStatus(s domain.UploadStatus) bool {
	for _, st := range domain.AllUploadStatuses {
		if s == st {
			return true
		}
	}
	return false
}

func pagination(c *gin.Context) (limit, offset int, ok bool) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit < 1 || limit > 100 {
		badRequest(c, "limit must be between 1 and 100")
		return 0, 0, false
	}
	offset, err = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		badRequest(c, "offset must not be negative")
		return 0, 0, false
	}
	return limit, offset, true
}
