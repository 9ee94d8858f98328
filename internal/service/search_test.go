package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/mediasearch/internal/cache"
	"github.com/timmy/mediasearch/internal/domain"
	"github.com/timmy/mediasearch/internal/repository"
)

type searchFixture struct {
	repo     *repository.UploadRepository
	embedder *hashEmbedder
	cache    *cache.MemoryCache
	svc      *SearchService
	base     time.Time
}

func newSearchFixture(t *testing.T) *searchFixture {
	t.Helper()
	db := newTestDB(t)
	f := &searchFixture{
		repo:     repository.NewUploadRepository(db, testDims),
		embedder: newHashEmbedder(),
		cache:    cache.NewMemoryCache(64, time.Minute),
		base:     time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc = NewSearchService(f.repo, repository.NewSQLVectorIndex(db), f.embedder, f.cache, nil)
	return f
}

// seed stores a completed upload whose embedding is the hash vector of summary.
func (f *searchFixture) seed(t *testing.T, owner, summary string, age time.Duration) *domain.UploadRecord {
	t.Helper()
	created := f.base.Add(-age)
	rec := newUpload(owner, "uploads/"+uuid.NewString()+".png")
	rec.ID = uuid.NewString()
	rec.Status = domain.UploadStatusCompleted
	rec.Summary = &summary
	rec.SetVector(f.embedder.vector(summary))
	rec.AttemptCount = 1
	rec.ProcessedAt = &created
	rec.CreatedAt = created
	require.NoError(t, f.repo.Create(context.Background(), rec))
	return rec
}

func resultIDs(resp *domain.SearchResponse) []string {
	ids := make([]string, len(resp.Results))
	for n, r := range resp.Results {
		ids[n] = r.Upload.ID
	}
	return ids
}

func TestSearch_EmptyCorpus(t *testing.T) {
	f := newSearchFixture(t)

	resp, err := f.svc.Search(context.Background(), domain.SearchQuery{Text: "anything", OwnerID: "alice"})
	require.NoError(t, err)
	assert.NotNil(t, resp.Results)
	assert.Empty(t, resp.Results)
	assert.Equal(t, 0, resp.TotalFound)
	assert.False(t, resp.Cached)
}

func TestSearch_SummaryRoundTrip(t *testing.T) {
	f := newSearchFixture(t)
	summary := "a red bicycle leaning against a brick wall"
	rec := f.seed(t, "alice", summary, time.Hour)
	f.seed(t, "alice", "a cat sleeping on a sofa", time.Hour)

	resp, err := f.svc.Search(context.Background(), domain.SearchQuery{Text: summary, OwnerID: "alice"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	top := resp.Results[0]
	assert.Equal(t, rec.ID, top.Upload.ID)
	assert.Greater(t, top.Similarity, 0.95)
	assert.InDelta(t, 1-top.Similarity, top.Distance, 1e-9)
	assert.Equal(t, 1, top.Rank)
}

func TestSearch_RanksRelevantUploadFirst(t *testing.T) {
	f := newSearchFixture(t)
	bike := f.seed(t, "alice", "a red bicycle parked on the street", time.Hour)
	f.seed(t, "alice", "a cat sleeping on a sofa", time.Hour)
	f.seed(t, "alice", "mountain landscape at sunset", time.Hour)
	f.seed(t, "bob", "a red bicycle parked on the street", time.Minute)

	resp, err := f.svc.Search(context.Background(), domain.SearchQuery{Text: "red bicycle", OwnerID: "alice"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, bike.ID, resp.Results[0].Upload.ID)
	for n, r := range resp.Results {
		assert.Equal(t, "alice", r.Upload.OwnerID, "results are scoped to the caller")
		assert.Equal(t, n+1, r.Rank)
		if n > 0 {
			assert.LessOrEqual(t, r.Similarity, resp.Results[n-1].Similarity)
		}
	}

	strict, err := f.svc.Search(context.Background(), domain.SearchQuery{Text: "red bicycle", OwnerID: "alice", Threshold: 0.9})
	require.NoError(t, err)
	assert.Empty(t, strict.Results)
	assert.Equal(t, 0.9, strict.AppliedFilters.Threshold)
}

func TestSearch_LimitReturnsTrueTopK(t *testing.T) {
	f := newSearchFixture(t)
	for n := 0; n < 20; n++ {
		words := []string{"sunset", "beach"}
		for j := 0; j < n; j++ {
			words = append(words, fmt.Sprintf("filler%dx%d", n, j))
		}
		f.seed(t, "alice", strings.Join(words, " "), time.Duration(n)*time.Minute)
	}
	ctx := context.Background()

	all, err := f.svc.Search(ctx, domain.SearchQuery{Text: "sunset beach", OwnerID: "alice", Limit: 100})
	require.NoError(t, err)
	require.Len(t, all.Results, 20)

	top, err := f.svc.Search(ctx, domain.SearchQuery{Text: "sunset beach", OwnerID: "alice", Limit: 5})
	require.NoError(t, err)
	require.Len(t, top.Results, 5)
	assert.Equal(t, resultIDs(all)[:5], resultIDs(top))
	assert.Equal(t, 5, top.AppliedFilters.Limit)
}

func TestSearch_TiesBreakNewestFirst(t *testing.T) {
	f := newSearchFixture(t)
	older := f.seed(t, "alice", "golden retriever puppy", 2*time.Hour)
	newer := f.seed(t, "alice", "golden retriever puppy", time.Hour)

	resp, err := f.svc.Search(context.Background(), domain.SearchQuery{Text: "golden retriever puppy", OwnerID: "alice"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, []string{newer.ID, older.ID}, resultIDs(resp))
	assert.Equal(t, 1, resp.Results[0].Rank)
	assert.Equal(t, 2, resp.Results[1].Rank)
}

func TestSearch_InvalidQueries(t *testing.T) {
	f := newSearchFixture(t)
	audio := domain.FileTypeAudio
	from := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		query domain.SearchQuery
	}{
		{name: "empty", query: domain.SearchQuery{Text: ""}},
		{name: "whitespace", query: domain.SearchQuery{Text: "   \t"}},
		{name: "too long", query: domain.SearchQuery{Text: strings.Repeat("é", 501)}},
		{name: "threshold above one", query: domain.SearchQuery{Text: "cat", Threshold: 1.5}},
		{name: "negative threshold", query: domain.SearchQuery{Text: "cat", Threshold: -0.1}},
		{name: "negative limit", query: domain.SearchQuery{Text: "cat", Limit: -1}},
		{name: "unsupported file type", query: domain.SearchQuery{Text: "cat", FileType: &audio}},
		{name: "inverted date range", query: domain.SearchQuery{Text: "cat", DateFrom: &from, DateTo: &to}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.query.OwnerID = "alice"
			_, err := f.svc.Search(context.Background(), tc.query)
			require.Error(t, err)
			assert.True(t, domain.IsFatal(err))
			assert.ErrorIs(t, err, domain.ErrInvalidQuery)
		})
	}
	assert.EqualValues(t, 0, f.embedder.calls.Load())

	// 500 characters is still accepted.
	_, err := f.svc.Search(context.Background(), domain.SearchQuery{Text: strings.Repeat("é", 500), OwnerID: "alice"})
	assert.NoError(t, err)
}

func TestSearch_LimitIsCapped(t *testing.T) {
	f := newSearchFixture(t)
	resp, err := f.svc.Search(context.Background(), domain.SearchQuery{Text: "cat", OwnerID: "alice", Limit: 1000})
	require.NoError(t, err)
	assert.Equal(t, 100, resp.AppliedFilters.Limit)

	resp, err = f.svc.Search(context.Background(), domain.SearchQuery{Text: "dog", OwnerID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, 20, resp.AppliedFilters.Limit)
}

func TestSearch_CachesPerOwnerAndNormalizedText(t *testing.T) {
	f := newSearchFixture(t)
	f.seed(t, "alice", "a red bicycle parked on the street", time.Hour)
	ctx := context.Background()

	first, err := f.svc.Search(ctx, domain.SearchQuery{Text: "red bicycle", OwnerID: "alice"})
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := f.svc.Search(ctx, domain.SearchQuery{Text: "  Red   BICYCLE ", OwnerID: "alice"})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, resultIDs(first), resultIDs(second))
	assert.EqualValues(t, 1, f.embedder.calls.Load(), "a cache hit does not embed")

	_, err = f.svc.Search(ctx, domain.SearchQuery{Text: "red bicycle", OwnerID: "bob"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, f.embedder.calls.Load(), "cache entries are per owner")

	_, err = f.svc.Search(ctx, domain.SearchQuery{Text: "red bicycle", OwnerID: "alice", Limit: 3})
	require.NoError(t, err)
	assert.EqualValues(t, 3, f.embedder.calls.Load(), "filters are part of the cache key")
}

func TestSearch_EmbedsNormalizedText(t *testing.T) {
	f := newSearchFixture(t)
	f.seed(t, "alice", "a red bicycle parked on the street", time.Hour)
	ctx := context.Background()

	first, err := f.svc.Search(ctx, domain.SearchQuery{Text: "  Red   BICYCLE ", OwnerID: "alice"})
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := f.svc.Search(ctx, domain.SearchQuery{Text: "red bicycle", OwnerID: "alice"})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, []string{"red bicycle"}, f.embedder.seen())
}

func TestSearch_ExplicitZeroThresholdOverridesDefault(t *testing.T) {
	db := newTestDB(t)
	repo := repository.NewUploadRepository(db, testDims)
	embedder := newHashEmbedder()
	cfg := DefaultSearchConfig()
	cfg.DefaultThreshold = 0.5
	svc := NewSearchService(repo, repository.NewSQLVectorIndex(db), embedder, nil, cfg)

	f := &searchFixture{repo: repo, embedder: embedder, svc: svc, base: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	cat := f.seed(t, "alice", "a cat sleeping on a sofa", time.Hour)
	ctx := context.Background()

	defaulted, err := svc.Search(ctx, domain.SearchQuery{Text: "red bicycle", OwnerID: "alice"})
	require.NoError(t, err)
	assert.Empty(t, defaulted.Results)
	assert.Equal(t, 0.5, defaulted.AppliedFilters.Threshold)

	unfiltered, err := svc.Search(ctx, domain.SearchQuery{Text: "red bicycle", OwnerID: "alice", ThresholdSet: true})
	require.NoError(t, err)
	assert.Equal(t, []string{cat.ID}, resultIDs(unfiltered))
	assert.Equal(t, 0.0, unfiltered.AppliedFilters.Threshold)
}

func TestSearch_InvalidateOwner(t *testing.T) {
	f := newSearchFixture(t)
	f.seed(t, "alice", "a red bicycle parked on the street", time.Hour)
	ctx := context.Background()

	_, err := f.svc.Search(ctx, domain.SearchQuery{Text: "red bicycle", OwnerID: "alice"})
	require.NoError(t, err)
	_, err = f.svc.Search(ctx, domain.SearchQuery{Text: "red bicycle", OwnerID: "bob"})
	require.NoError(t, err)

	assert.Equal(t, 1, f.svc.InvalidateOwner(ctx, "alice"))

	resp, err := f.svc.Search(ctx, domain.SearchQuery{Text: "red bicycle", OwnerID: "alice"})
	require.NoError(t, err)
	assert.False(t, resp.Cached)
	resp, err = f.svc.Search(ctx, domain.SearchQuery{Text: "red bicycle", OwnerID: "bob"})
	require.NoError(t, err)
	assert.True(t, resp.Cached)
}

// cancelingEmbedder cancels the search context as soon as the query is embedded.
type cancelingEmbedder struct {
	*hashEmbedder
	cancel context.CancelFunc
}

func (e *cancelingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v, err := e.hashEmbedder.Embed(ctx, text)
	e.cancel()
	return v, err
}

func TestSearch_CancelledSearchIsNotCached(t *testing.T) {
	f := newSearchFixture(t)
	f.seed(t, "alice", "a red bicycle parked on the street", time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	f.svc.embedder = &cancelingEmbedder{hashEmbedder: f.embedder, cancel: cancel}

	_, err := f.svc.Search(ctx, domain.SearchQuery{Text: "red bicycle", OwnerID: "alice"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, f.cache.Len())

	done, stop := context.WithCancel(context.Background())
	stop()
	f.svc.embedder = f.embedder
	_, err = f.svc.Search(done, domain.SearchQuery{Text: "red bicycle", OwnerID: "alice"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, f.cache.Len())
}

// stubIndex returns fixed matches regardless of the query.
type stubIndex struct {
	repository.VectorIndex
	matches []repository.VectorMatch
}

func (i *stubIndex) Search(context.Context, []float32, repository.VectorFilter, int) ([]repository.VectorMatch, error) {
	return i.matches, nil
}

func TestSearch_DropsMatchesThatAreNotCompleted(t *testing.T) {
	f := newSearchFixture(t)
	ctx := context.Background()
	done := f.seed(t, "alice", "a cat sleeping on a sofa", time.Hour)

	pending := newUpload("alice", "uploads/pending.png")
	pending.ID = uuid.NewString()
	pending.Status = domain.UploadStatusPending
	pending.CreatedAt = f.base
	require.NoError(t, f.repo.Create(ctx, pending))

	f.svc.index = &stubIndex{matches: []repository.VectorMatch{
		{UploadID: pending.ID, Similarity: 0.99},
		{UploadID: uuid.NewString(), Similarity: 0.98},
		{UploadID: done.ID, Similarity: 0.5},
	}}

	resp, err := f.svc.Search(ctx, domain.SearchQuery{Text: "cat", OwnerID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, []string{done.ID}, resultIDs(resp))
	assert.Equal(t, 1, resp.Results[0].Rank)
}

func TestFindSimilar(t *testing.T) {
	f := newSearchFixture(t)
	ctx := context.Background()
	src := f.seed(t, "alice", "a red bicycle parked on the street", 3*time.Hour)
	near := f.seed(t, "alice", "a red bicycle parked by a fence", 2*time.Hour)
	f.seed(t, "alice", "a cat sleeping on a sofa", time.Hour)
	f.seed(t, "bob", "a red bicycle parked on the street", time.Hour)

	resp, err := f.svc.FindSimilar(ctx, src.ID, "alice", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{near.ID}, resultIDs(resp))
	assert.Equal(t, 0.5, resp.AppliedFilters.Threshold)
	assert.Equal(t, *src.Summary, resp.Query)

	loose, err := f.svc.FindSimilar(ctx, src.ID, "alice", 10, 0.0001)
	require.NoError(t, err)
	for _, r := range loose.Results {
		assert.NotEqual(t, src.ID, r.Upload.ID, "an upload is never similar to itself")
		assert.Equal(t, "alice", r.Upload.OwnerID)
	}

	_, err = f.svc.FindSimilar(ctx, src.ID, "bob", 0, 0)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.svc.FindSimilar(ctx, uuid.NewString(), "alice", 0, 0)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	pending := newUpload("alice", "uploads/pending.png")
	pending.ID = uuid.NewString()
	pending.CreatedAt = f.base
	pending.Status = domain.UploadStatusPending
	require.NoError(t, f.repo.Create(ctx, pending))
	_, err = f.svc.FindSimilar(ctx, pending.ID, "alice", 0, 0)
	assert.True(t, domain.IsFatal(err))
}

func TestBatchSearch_IsolatesFailures(t *testing.T) {
	f := newSearchFixture(t)
	f.seed(t, "alice", "a red bicycle parked on the street", time.Hour)
	ctx := context.Background()

	results, err := f.svc.BatchSearch(ctx, []domain.SearchQuery{
		{Text: "red bicycle", OwnerID: "alice"},
		{Text: "", OwnerID: "alice"},
		{Text: "sleeping cat", OwnerID: "alice"},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	require.NotNil(t, results[0].Response)
	assert.Equal(t, "red bicycle", results[0].Response.Query)
	assert.Nil(t, results[1].Response)
	assert.Equal(t, domain.KindFatal, results[1].ErrorKind)
	assert.NotEmpty(t, results[1].Error)
	require.NotNil(t, results[2].Response)
	assert.Equal(t, "sleeping cat", results[2].Response.Query)

	_, err = f.svc.BatchSearch(ctx, nil)
	assert.True(t, domain.IsFatal(err))

	tooMany := make([]domain.SearchQuery, 11)
	for n := range tooMany {
		tooMany[n] = domain.SearchQuery{Text: "cat", OwnerID: "alice"}
	}
	_, err = f.svc.BatchSearch(ctx, tooMany)
	assert.ErrorIs(t, err, domain.ErrInvalidQuery)
}

func TestCacheKey(t *testing.T) {
	image := domain.FileTypeImage
	base := domain.SearchQuery{Text: "red bicycle", OwnerID: "alice", Limit: 20}

	assert.True(t, strings.HasPrefix(cacheKey(base), "search:alice|"))
	assert.Equal(t, cacheKey(base), cacheKey(domain.SearchQuery{Text: "RED  bicycle", OwnerID: "alice", Limit: 20}))

	withType := base
	withType.FileType = &image
	assert.NotEqual(t, cacheKey(base), cacheKey(withType))

	withThreshold := base
	withThreshold.Threshold = 0.3
	assert.NotEqual(t, cacheKey(base), cacheKey(withThreshold))
}
