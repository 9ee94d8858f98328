package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/timmy/mediasearch/internal/cache"
	"github.com/timmy/mediasearch/internal/domain"
	"github.com/timmy/mediasearch/internal/logger"
	"github.com/timmy/mediasearch/internal/metrics"
	"github.com/timmy/mediasearch/internal/repository"
	"golang.org/x/sync/errgroup"
)

const cacheKeyPrefix = "search:"

// SearchConfig holds configuration for search service.
type SearchConfig struct {
	DefaultLimit     int
	MaxLimit         int
	DefaultThreshold float64
	MaxQueryLength   int
	SimilarThreshold float64
	BatchConcurrency int
	MaxBatchQueries  int
	CacheTTL         time.Duration
}

// DefaultSearchConfig returns the limits used when none are configured.
func DefaultSearchConfig() *SearchConfig {
	return &SearchConfig{
		DefaultLimit:     20,
		MaxLimit:         100,
		MaxQueryLength:   500,
		SimilarThreshold: 0.5,
		BatchConcurrency: 3,
		MaxBatchQueries:  10,
		CacheTTL:         5 * time.Minute,
	}
}

// SearchService ranks completed uploads against natural-language queries.
type SearchService struct {
	repo     *repository.UploadRepository
	index    repository.VectorIndex
	embedder Embedder
	cache    cache.ResultCache
	cfg      SearchConfig
}

// NewSearchService creates a new search service.
// Parameters:
//   - repo: upload store used to hydrate matches.
//   - index: vector index queried for matches.
//   - embedder: embeds query text; must produce the same dimension as stored uploads.
//   - resultCache: optional response cache; nil disables caching.
//   - cfg: limits and defaults; nil uses DefaultSearchConfig.
//
// Returns:
//   - *SearchService: initialized search service.
func NewSearchService(
	repo *repository.UploadRepository,
	index repository.VectorIndex,
	embedder Embedder,
	resultCache cache.ResultCache,
	cfg *SearchConfig,
) *SearchService {
	if cfg == nil {
		cfg = DefaultSearchConfig()
	}
	c := *cfg
	defaults := DefaultSearchConfig()
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = defaults.DefaultLimit
	}
	if c.MaxLimit <= 0 {
		c.MaxLimit = defaults.MaxLimit
	}
	if c.MaxQueryLength <= 0 {
		c.MaxQueryLength = defaults.MaxQueryLength
	}
	if c.BatchConcurrency <= 0 {
		c.BatchConcurrency = defaults.BatchConcurrency
	}
	if c.MaxBatchQueries <= 0 {
		c.MaxBatchQueries = defaults.MaxBatchQueries
	}
	return &SearchService{
		repo:     repo,
		index:    index,
		embedder: embedder,
		cache:    resultCache,
		cfg:      c,
	}
}

// Search runs a natural-language query and returns matches ranked by similarity, newest
// first on ties. Responses are cached per owner and normalized query.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - q: query text, owner scope and optional filters.
//
// Returns:
//   - *domain.SearchResponse: ranked results (possibly empty).
//   - error: fatal for invalid queries, retryable for embedding or store failures, or the
//     context error when ctx is done.
func (s *SearchService) Search(ctx context.Context, q domain.SearchQuery) (*domain.SearchResponse, error) {
	start := time.Now()
	ctx = logger.SetSearchID(ctx, uuid.NewString())

	resp, err := s.search(ctx, q, start)
	if err != nil {
		kind := string(domain.KindOf(err))
		if kind == "" {
			kind = "cancelled"
		}
		metrics.SearchErrors.WithLabelValues(kind).Inc()
		return nil, err
	}

	metrics.SearchDuration.WithLabelValues(strconv.FormatBool(resp.Cached)).Observe(time.Since(start).Seconds())
	logger.With(logger.Fields{
		logger.FieldOwnerID: q.OwnerID,
		logger.FieldCount:   resp.TotalFound,
		"cached":            resp.Cached,
	}).WithDuration(start).Info(ctx, "Search completed")
	return resp, nil
}

func (s *SearchService) search(ctx context.Context, q domain.SearchQuery, start time.Time) (*domain.SearchResponse, error) {
	q, err := s.normalize(q)
	if err != nil {
		return nil, err
	}

	key := cacheKey(q)
	if cached, ok := s.cacheGet(ctx, key); ok {
		cached.Cached = true
		cached.SearchTimeMs = time.Since(start).Milliseconds()
		return cached, nil
	}

	// Embed what the cache key is built from, so one entry never serves two vectors.
	vector, err := s.embedder.Embed(ctx, NormalizeQueryText(q.Text))
	if err != nil {
		return nil, searchError(ctx, "embed query", err)
	}

	matches, err := s.index.Search(ctx, vector, repository.VectorFilter{
		OwnerID:       q.OwnerID,
		FileType:      q.FileType,
		DateFrom:      q.DateFrom,
		DateTo:        q.DateTo,
		MinSimilarity: q.Threshold,
	}, q.Limit)
	if err != nil {
		return nil, searchError(ctx, "vector search", err)
	}

	results, err := s.rank(ctx, matches, q.Threshold, q.Limit)
	if err != nil {
		return nil, err
	}

	resp := &domain.SearchResponse{
		Query:        q.Text,
		Results:      results,
		TotalFound:   len(results),
		SearchTimeMs: time.Since(start).Milliseconds(),
		AppliedFilters: domain.AppliedFilters{
			FileType:  q.FileType,
			DateFrom:  q.DateFrom,
			DateTo:    q.DateTo,
			Limit:     q.Limit,
			Threshold: q.Threshold,
		},
	}

	// A cancelled search must not populate the cache.
	if ctx.Err() == nil {
		s.cacheSet(ctx, key, resp)
	}
	return resp, nil
}

// normalize validates q and fills in defaults.
func (s *SearchService) normalize(q domain.SearchQuery) (domain.SearchQuery, error) {
	q.Text = strings.TrimSpace(q.Text)
	switch {
	case q.Text == "":
		return q, domain.Fatal("search", fmt.Errorf("%w: query must not be empty", domain.ErrInvalidQuery))
	case utf8.RuneCountInString(q.Text) > s.cfg.MaxQueryLength:
		return q, domain.Fatal("search", fmt.Errorf("%w: query longer than %d characters", domain.ErrInvalidQuery, s.cfg.MaxQueryLength))
	case q.Threshold < 0 || q.Threshold > 1:
		return q, domain.Fatal("search", fmt.Errorf("%w: threshold must be within [0, 1]", domain.ErrInvalidQuery))
	case q.Limit < 0:
		return q, domain.Fatal("search", fmt.Errorf("%w: limit must not be negative", domain.ErrInvalidQuery))
	case q.FileType != nil && !q.FileType.Valid():
		return q, domain.Fatal("search", fmt.Errorf("%w: file type %q", domain.ErrInvalidQuery, *q.FileType))
	case q.DateFrom != nil && q.DateTo != nil && q.DateFrom.After(*q.DateTo):
		return q, domain.Fatal("search", fmt.Errorf("%w: date_from is after date_to", domain.ErrInvalidQuery))
	}

	if q.Limit == 0 {
		q.Limit = s.cfg.DefaultLimit
	}
	if q.Limit > s.cfg.MaxLimit {
		q.Limit = s.cfg.MaxLimit
	}
	if q.Threshold == 0 && !q.ThresholdSet {
		q.Threshold = s.cfg.DefaultThreshold
	}
	q.ThresholdSet = true
	return q, nil
}

// rank hydrates matches into results: sorted by similarity then recency, filtered by
// threshold, truncated to limit. Matches whose upload vanished or is no longer completed
// are dropped.
func (s *SearchService) rank(ctx context.Context, matches []repository.VectorMatch, threshold float64, limit int) ([]domain.RankedResult, error) {
	if len(matches) == 0 {
		return []domain.RankedResult{}, nil
	}

	ids := make([]string, len(matches))
	for n, m := range matches {
		ids[n] = m.UploadID
	}
	recs, err := s.repo.GetByIDs(ctx, ids)
	if err != nil {
		return nil, searchError(ctx, "hydrate results", err)
	}
	byID := make(map[string]domain.UploadRecord, len(recs))
	for _, rec := range recs {
		byID[rec.ID] = rec
	}

	results := make([]domain.RankedResult, 0, len(matches))
	for _, m := range matches {
		rec, ok := byID[m.UploadID]
		if !ok || rec.Status != domain.UploadStatusCompleted || m.Similarity < threshold {
			continue
		}
		results = append(results, domain.RankedResult{
			Upload:     rec,
			Similarity: m.Similarity,
			Distance:   1 - m.Similarity,
		})
	}

	sort.SliceStable(results, func(a, b int) bool {
		if results[a].Similarity != results[b].Similarity {
			return results[a].Similarity > results[b].Similarity
		}
		return results[a].Upload.CreatedAt.After(results[b].Upload.CreatedAt)
	})
	if len(results) > limit {
		results = results[:limit]
	}
	for n := range results {
		results[n].Rank = n + 1
	}
	return results, nil
}

// FindSimilar ranks other completed uploads of the same owner against an upload's embedding.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - uploadID: source upload; it is never part of its own results.
//   - ownerID: caller's owner scope; another owner's upload is reported as not found.
//   - limit: maximum results; 0 uses the default.
//   - threshold: minimum similarity; 0 uses the similar-uploads default.
//
// Returns:
//   - *domain.SearchResponse: ranked results.
//   - error: not found, fatal when the source upload is not completed, or retryable.
func (s *SearchService) FindSimilar(ctx context.Context, uploadID, ownerID string, limit int, threshold float64) (*domain.SearchResponse, error) {
	start := time.Now()

	rec, err := s.repo.GetByID(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && rec.OwnerID != ownerID {
		return nil, fmt.Errorf("upload %s: %w", uploadID, domain.ErrNotFound)
	}
	if rec.Status != domain.UploadStatusCompleted || rec.Embedding == nil {
		return nil, domain.Fatal("find similar", fmt.Errorf("%w: upload %s is %s, not completed", domain.ErrInvalidQuery, uploadID, rec.Status))
	}

	if threshold < 0 || threshold > 1 {
		return nil, domain.Fatal("find similar", fmt.Errorf("%w: threshold must be within [0, 1]", domain.ErrInvalidQuery))
	}
	if threshold == 0 {
		threshold = s.cfg.SimilarThreshold
	}
	if limit <= 0 {
		limit = s.cfg.DefaultLimit
	}
	if limit > s.cfg.MaxLimit {
		limit = s.cfg.MaxLimit
	}

	matches, err := s.index.Search(ctx, rec.Vector(), repository.VectorFilter{
		OwnerID:       rec.OwnerID,
		ExcludeID:     rec.ID,
		MinSimilarity: threshold,
	}, limit)
	if err != nil {
		return nil, searchError(ctx, "vector search", err)
	}
	results, err := s.rank(ctx, matches, threshold, limit)
	if err != nil {
		return nil, err
	}

	query := rec.ID
	if rec.HasSummary() {
		query = *rec.Summary
	}
	return &domain.SearchResponse{
		Query:          query,
		Results:        results,
		TotalFound:     len(results),
		SearchTimeMs:   time.Since(start).Milliseconds(),
		AppliedFilters: domain.AppliedFilters{Limit: limit, Threshold: threshold},
	}, nil
}

// BatchResult is the outcome of one query in a batch.
type BatchResult struct {
	Response  *domain.SearchResponse `json:"response,omitempty"`
	Error     string                 `json:"error,omitempty"`
	ErrorKind domain.ErrorKind       `json:"error_kind,omitempty"`
}

// BatchSearch runs several queries with bounded concurrency. One query failing does not
// fail the others; results are returned in input order.
func (s *SearchService) BatchSearch(ctx context.Context, queries []domain.SearchQuery) ([]BatchResult, error) {
	if len(queries) == 0 {
		return nil, domain.Fatal("batch search", fmt.Errorf("%w: no queries", domain.ErrInvalidQuery))
	}
	if len(queries) > s.cfg.MaxBatchQueries {
		return nil, domain.Fatal("batch search", fmt.Errorf("%w: at most %d queries per batch", domain.ErrInvalidQuery, s.cfg.MaxBatchQueries))
	}

	results := make([]BatchResult, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.BatchConcurrency)
	for n, q := range queries {
		g.Go(func() error {
			resp, err := s.Search(gctx, q)
			if err != nil {
				results[n] = BatchResult{Error: err.Error(), ErrorKind: domain.KindOf(err)}
				return nil
			}
			results[n] = BatchResult{Response: resp}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// InvalidateOwner drops every cached response for an owner, e.g. after one of their
// uploads completes. Returns the number of entries removed.
func (s *SearchService) InvalidateOwner(ctx context.Context, ownerID string) int {
	if s.cache == nil {
		return 0
	}
	return s.cache.Invalidate(ctx, cacheKeyPrefix+ownerID+"|")
}

func (s *SearchService) cacheGet(ctx context.Context, key string) (*domain.SearchResponse, bool) {
	if s.cache == nil {
		return nil, false
	}
	data, ok := s.cache.Get(ctx, key)
	if !ok {
		return nil, false
	}
	var resp domain.SearchResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		logger.FromContext(ctx).WithError(err).Warn("Discarding unreadable cached search response")
		return nil, false
	}
	return &resp, true
}

func (s *SearchService) cacheSet(ctx context.Context, key string, resp *domain.SearchResponse) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Warn("Failed to encode search response for cache")
		return
	}
	s.cache.Set(ctx, key, data, s.cfg.CacheTTL)
}

// NormalizeQueryText lowercases text and collapses runs of whitespace.
func NormalizeQueryText(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// cacheKey identifies a normalized query: owner first, so InvalidateOwner can match by
// prefix, then a digest of the text and every filter.
func cacheKey(q domain.SearchQuery) string {
	var b strings.Builder
	b.WriteString(NormalizeQueryText(q.Text))
	b.WriteString("\x00")
	if q.FileType != nil {
		b.WriteString(string(*q.FileType))
	}
	b.WriteString("\x00")
	if q.DateFrom != nil {
		b.WriteString(q.DateFrom.UTC().Format(time.RFC3339Nano))
	}
	b.WriteString("\x00")
	if q.DateTo != nil {
		b.WriteString(q.DateTo.UTC().Format(time.RFC3339Nano))
	}
	fmt.Fprintf(&b, "\x00%d\x00%s", q.Limit, strconv.FormatFloat(q.Threshold, 'f', -1, 64))

	sum := sha256.Sum256([]byte(b.String()))
	return cacheKeyPrefix + q.OwnerID + "|" + hex.EncodeToString(sum[:])
}

// searchError keeps cancellation and classified errors as they are; anything else from
// the embedder or the store is transient.
func searchError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.DeadlineExceeded) || domain.KindOf(err) == "" {
		return domain.Retryable(op, err)
	}
	if domain.IsFatal(err) {
		return err
	}
	return domain.Retryable(op, err)
}
