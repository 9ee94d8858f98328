package handler

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/timmy/mediasearch/internal/api/middleware"
	"github.com/timmy/mediasearch/internal/domain"
	"github.com/timmy/mediasearch/internal/service"
)

// Searcher runs similarity queries.
type Searcher interface {
	Search(ctx context.Context, q domain.SearchQuery) (*domain.SearchResponse, error)
	BatchSearch(ctx context.Context, queries []domain.SearchQuery) ([]service.BatchResult, error)
	FindSimilar(ctx context.Context, uploadID, ownerID string, limit int, threshold float64) (*domain.SearchResponse, error)
}

// SearchHandler handles search-related endpoints.
type SearchHandler struct {
	searchService Searcher
}

// NewSearchHandler creates a new search handler.
// Parameters:
//   - searchService: search service instance.
//
// Returns:
//   - *SearchHandler: initialized handler.
func NewSearchHandler(searchService Searcher) *SearchHandler {
	return &SearchHandler{
		searchService: searchService,
	}
}

// SearchRequest is the JSON body of a search. Dates accept RFC 3339 or YYYY-MM-DD.
type SearchRequest struct {
	Query     string   `json:"query"`
	FileType  string   `json:"file_type"`
	DateFrom  string   `json:"date_from"`
	DateTo    string   `json:"date_to"`
	Limit     int      `json:"limit"`
	Threshold *float64 `json:"threshold"`
}

// BatchSearchRequest is the JSON body of a batch search.
type BatchSearchRequest struct {
	Queries []SearchRequest `json:"queries" binding:"required"`
}

// BatchSearchResponse wraps per-query outcomes in request order.
type BatchSearchResponse struct {
	Results []service.BatchResult `json:"results"`
}

func (r SearchRequest) toQuery(ownerID string) (domain.SearchQuery, error) {
	q := domain.SearchQuery{
		Text:    r.Query,
		OwnerID: ownerID,
		Limit:   r.Limit,
	}
	if r.Threshold != nil {
		q.Threshold = *r.Threshold
		q.ThresholdSet = true
	}
	if r.FileType != "" {
		ft := domain.FileType(r.FileType)
		q.FileType = &ft
	}
	var err error
	if q.DateFrom, err = parseDate(r.DateFrom, false); err != nil {
		return q, fmt.Errorf("invalid date_from: %w", err)
	}
	if q.DateTo, err = parseDate(r.DateTo, true); err != nil {
		return q, fmt.Errorf("invalid date_to: %w", err)
	}
	return q, nil
}

// parseDate reads RFC 3339 or a bare date. A bare end date covers the whole day.
func parseDate(s string, endOfDay bool) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

// TextSearch handles POST /api/v1/search.
// Parameters:
//   - c: Gin request context.
//
// Returns: none (writes JSON response).
func (h *SearchHandler) TextSearch(c *gin.Context) {
	var req SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request: "+err.Error())
		return
	}
	h.run(c, req)
}

// TextSearchGet handles GET /api/v1/search for simple search queries.
// Parameters:
//   - c: Gin request context.
//
// Returns: none (writes JSON response).
func (h *SearchHandler) TextSearchGet(c *gin.Context) {
	req := SearchRequest{
		Query:    c.Query("q"),
		FileType: c.Query("file_type"),
		DateFrom: c.Query("date_from"),
		DateTo:   c.Query("date_to"),
	}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			badRequest(c, "limit must be an integer")
			return
		}
		req.Limit = n
	}
	if threshold := c.Query("threshold"); threshold != "" {
		f, err := strconv.ParseFloat(threshold, 64)
		if err != nil {
			badRequest(c, "threshold must be a number")
			return
		}
		req.Threshold = &f
	}
	h.run(c, req)
}

func (h *SearchHandler) run(c *gin.Context, req SearchRequest) {
	q, err := req.toQuery(middleware.OwnerID(c))
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	result, err := h.searchService.Search(c.Request.Context(), q)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// BatchSearch handles POST /api/v1/search/batch.
func (h *SearchHandler) BatchSearch(c *gin.Context) {
	var req BatchSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request: "+err.Error())
		return
	}

	owner := middleware.OwnerID(c)
	queries := make([]domain.SearchQuery, len(req.Queries))
	for n, r := range req.Queries {
		q, err := r.toQuery(owner)
		if err != nil {
			badRequest(c, fmt.Sprintf("queries[%d]: %v", n, err))
			return
		}
		queries[n] = q
	}

	results, err := h.searchService.BatchSearch(c.Request.Context(), queries)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, BatchSearchResponse{Results: results})
}

// Similar handles GET /api/v1/uploads/:id/similar.
func (h *SearchHandler) Similar(c *gin.Context) {
	limit := 0
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			badRequest(c, "limit must be an integer")
			return
		}
		limit = n
	}
	threshold := 0.0
	if s := c.Query("threshold"); s != "" {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			badRequest(c, "threshold must be a number")
			return
		}
		threshold = f
	}

	result, err := h.searchService.FindSimilar(c.Request.Context(), c.Param("id"), middleware.OwnerID(c), limit, threshold)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
