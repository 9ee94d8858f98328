package service

import (
	"context"
	"hash/fnv"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/timmy/mediasearch/internal/config"
	"github.com/timmy/mediasearch/internal/domain"
	"github.com/timmy/mediasearch/internal/repository"
	"gorm.io/gorm"
)

// testDims is large enough that the hashing embedder rarely collides on short texts.
const testDims = 256

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := repository.InitDB(&config.DatabaseConfig{
		Driver:       "sqlite",
		Path:         filepath.Join(t.TempDir(), "test.db"),
		MaxOpenConns: 1,
		AutoMigrate:  true,
	}, repository.VectorSchema{Dimensions: testDims})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

// hashEmbedder is a deterministic bag-of-words embedder: each lowercased word adds 1 to
// a hashed dimension, and the vector is L2-normalized.
type hashEmbedder struct {
	dims    int
	calls   atomic.Int64
	batches atomic.Int64 // EmbedBatch calls only

	mu    sync.Mutex
	errs  []error // returned in order, one per call, before succeeding
	texts []string
}

func (e *hashEmbedder) record(texts ...string) {
	e.mu.Lock()
	e.texts = append(e.texts, texts...)
	e.mu.Unlock()
}

func (e *hashEmbedder) seen() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.texts...)
}

func newHashEmbedder() *hashEmbedder {
	return &hashEmbedder{dims: testDims}
}

func (e *hashEmbedder) failNext(errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errs = append(e.errs, errs...)
}

func (e *hashEmbedder) nextErr() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.errs) == 0 {
		return nil
	}
	err := e.errs[0]
	e.errs = e.errs[1:]
	return err
}

func (e *hashEmbedder) vector(text string) []float32 {
	v := make([]float32, e.dims)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"'")
		if word == "" || stopWords[word] {
			continue
		}
		h := fnv.New32a()
		h.Write([]byte(word))
		v[h.Sum32()%uint32(e.dims)]++
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		v[0] = 1
		return v
	}
	norm = math.Sqrt(norm)
	for n := range v {
		v[n] = float32(float64(v[n]) / norm)
	}
	return v
}

var stopWords = map[string]bool{"a": true, "an": true, "the": true, "of": true, "on": true, "in": true, "with": true, "against": true}

func (e *hashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := e.nextErr(); err != nil {
		return nil, err
	}
	e.record(text)
	return e.vector(text), nil
}

func (e *hashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.calls.Add(1)
	e.batches.Add(1)
	if err := e.nextErr(); err != nil {
		return nil, err
	}
	e.record(texts...)
	out := make([][]float32, len(texts))
	for n, text := range texts {
		out[n] = e.vector(text)
	}
	return out, nil
}

// fakeAnalyzer returns a fixed summary per upload, after any scripted errors.
type fakeAnalyzer struct {
	calls atomic.Int64

	mu        sync.Mutex
	summaries map[string]string
	errs      []error
	block     bool
}

func newFakeAnalyzer() *fakeAnalyzer {
	return &fakeAnalyzer{summaries: make(map[string]string)}
}

func (a *fakeAnalyzer) failNext(errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errs = append(a.errs, errs...)
}

func (a *fakeAnalyzer) Analyze(ctx context.Context, rec *domain.UploadRecord) (string, error) {
	a.calls.Add(1)
	a.mu.Lock()
	block := a.block
	var err error
	if len(a.errs) > 0 {
		err = a.errs[0]
		a.errs = a.errs[1:]
	}
	summary, ok := a.summaries[rec.FileRef]
	a.mu.Unlock()

	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err != nil {
		return "", err
	}
	if !ok {
		summary = "a photo stored at " + rec.FileRef
	}
	return summary, nil
}

// failingIndex wraps a VectorIndex and fails Upsert while failUpserts > 0.
type failingIndex struct {
	repository.VectorIndex
	failUpserts atomic.Int64
	deletes     atomic.Int64
}

func (i *failingIndex) Upsert(ctx context.Context, rec *domain.UploadRecord) error {
	if i.failUpserts.Add(-1) >= 0 {
		return domain.Retryable("index upsert", context.DeadlineExceeded)
	}
	return i.VectorIndex.Upsert(ctx, rec)
}

func (i *failingIndex) Delete(ctx context.Context, id string) error {
	i.deletes.Add(1)
	return i.VectorIndex.Delete(ctx, id)
}

// testClock is a settable clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now().UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newUpload(owner, ref string) *domain.UploadRecord {
	return &domain.UploadRecord{
		OwnerID:  owner,
		FileType: domain.FileTypeImage,
		FileRef:  ref,
		MimeType: "image/png",
		FileSize: 1024,
	}
}
