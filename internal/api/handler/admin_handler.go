package handler

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/timmy/mediasearch/internal/domain"
	"github.com/timmy/mediasearch/internal/logger"
	"github.com/timmy/mediasearch/internal/service"
	"github.com/timmy/mediasearch/internal/source"
)

// SourceImporter bulk-submits items from a source.
type SourceImporter interface {
	Import(ctx context.Context, src source.Source, limit int) (*service.ImportStats, error)
}

// Resumer re-queues every non-terminal upload.
type Resumer interface {
	Resume(ctx context.Context) (int, error)
}

// JobLister reads the import history.
type JobLister interface {
	ListRecent(ctx context.Context, limit int) ([]domain.ImportJob, error)
}

// AdminHandler handles admin operations.
type AdminHandler struct {
	importer SourceImporter
	resumer  Resumer
	jobs     JobLister
	sources  map[string]source.Source

	// Import job state
	mu            sync.RWMutex
	isRunning     bool
	currentStats  *service.ImportStats
	lastRunTime   time.Time
	lastRunStatus string
}

// NewAdminHandler creates a new admin handler.
// Parameters:
//   - importer: submits source items into the pipeline.
//   - resumer: re-queues interrupted uploads.
//   - jobs: import history; may be nil.
//   - sources: source adapters keyed by name.
//
// Returns:
//   - *AdminHandler: initialized handler.
func NewAdminHandler(importer SourceImporter, resumer Resumer, jobs JobLister, sources map[string]source.Source) *AdminHandler {
	return &AdminHandler{
		importer: importer,
		resumer:  resumer,
		jobs:     jobs,
		sources:  sources,
	}
}

// ImportRequest represents the import API request.
type ImportRequest struct {
	Source string `json:"source" binding:"required"`
	Limit  int    `json:"limit" binding:"min=0,max=100000"`
}

// ImportResponse represents the import API response.
type ImportResponse struct {
	Message string               `json:"message"`
	Stats   *service.ImportStats `json:"stats,omitempty"`
}

// ImportStatusResponse represents the import status.
type ImportStatusResponse struct {
	IsRunning     bool                 `json:"is_running"`
	LastRunTime   string               `json:"last_run_time,omitempty"`
	LastRunStatus string               `json:"last_run_status,omitempty"`
	CurrentStats  *service.ImportStats `json:"current_stats,omitempty"`
	Sources       []string             `json:"sources"`
}

// TriggerImport handles POST /api/v1/admin/import. The import runs to completion before
// responding; uploads it submits are processed asynchronously.
func (h *AdminHandler) TriggerImport(c *gin.Context) {
	ctx := c.Request.Context()

	var req ImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.CtxWarn(ctx, "Invalid import request: client_ip=%s, error=%v", c.ClientIP(), err)
		badRequest(c, err.Error())
		return
	}

	src, ok := h.sources[req.Source]
	if !ok {
		logger.CtxWarn(ctx, "Unknown source requested: source=%s, client_ip=%s", req.Source, c.ClientIP())
		badRequest(c, "Unknown source: "+req.Source)
		return
	}

	h.mu.Lock()
	if h.isRunning {
		h.mu.Unlock()
		logger.CtxWarn(ctx, "Import request rejected: already running, source=%s", req.Source)
		c.JSON(http.StatusConflict, ErrorResponse{Error: "Import is already running"})
		return
	}
	h.isRunning = true
	h.currentStats = nil
	h.mu.Unlock()

	logger.CtxInfo(ctx, "Starting import: source=%s, limit=%d", req.Source, req.Limit)

	// Detached so a client disconnect does not abort a half-finished import.
	startTime := time.Now()
	stats, err := h.importer.Import(context.WithoutCancel(ctx), src, req.Limit)

	h.mu.Lock()
	h.isRunning = false
	h.currentStats = stats
	h.lastRunTime = time.Now()
	if err != nil {
		h.lastRunStatus = "failed: " + err.Error()
	} else {
		h.lastRunStatus = "success"
	}
	h.mu.Unlock()

	if err != nil {
		logger.With(logger.Fields{
			logger.FieldDurationMs: time.Since(startTime).Milliseconds(),
		}).Error(ctx, "Import failed: source=%s, error=%v", req.Source, err)
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, ImportResponse{
		Message: "Import completed",
		Stats:   stats,
	})
}

// GetImportStatus handles GET /api/v1/admin/import/status.
func (h *AdminHandler) GetImportStatus(c *gin.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	resp := ImportStatusResponse{
		IsRunning:     h.isRunning,
		LastRunStatus: h.lastRunStatus,
		CurrentStats:  h.currentStats,
		Sources:       make([]string, 0, len(h.sources)),
	}
	for name := range h.sources {
		resp.Sources = append(resp.Sources, name)
	}
	sort.Strings(resp.Sources)
	if !h.lastRunTime.IsZero() {
		resp.LastRunTime = h.lastRunTime.Format(time.RFC3339)
	}

	c.JSON(http.StatusOK, resp)
}

// Resume handles POST /api/v1/admin/resume.
func (h *AdminHandler) Resume(c *gin.Context) {
	n, err := h.resumer.Resume(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resumed": n})
}

// ListJobs handles GET /api/v1/admin/import/jobs.
func (h *AdminHandler) ListJobs(c *gin.Context) {
	if h.jobs == nil {
		c.JSON(http.StatusOK, gin.H{"jobs": []domain.ImportJob{}})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit < 1 || limit > 100 {
		badRequest(c, "limit must be between 1 and 100")
		return
	}
	jobs, err := h.jobs.ListRecent(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}
