package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/mediasearch/internal/config"
	"github.com/timmy/mediasearch/internal/domain"
)

// embeddingServer answers /embeddings with vector [index, len(input), 0...] per input,
// listed in reverse order so callers must sort by index.
func embeddingServer(t *testing.T, dims int, requests *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		type item struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		data := make([]item, 0, len(req.Input))
		for n := len(req.Input) - 1; n >= 0; n-- {
			vec := make([]float32, dims)
			vec[0] = float32(n)
			vec[1] = float32(len(req.Input[n]))
			data = append(data, item{Embedding: vec, Index: n})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestEmbedder(baseURL string, dims int) *OpenAIEmbedder {
	return NewOpenAIEmbedder(&config.EmbeddingConfig{
		Provider:   "openai-compatible",
		Model:      "text-embedding-3-small",
		APIKey:     "test-key",
		BaseURL:    baseURL,
		Dimensions: dims,
	})
}

func TestOpenAIEmbedder_OrdersByIndex(t *testing.T) {
	var requests atomic.Int64
	srv := embeddingServer(t, 4, &requests)
	e := newTestEmbedder(srv.URL, 4)

	vectors, err := e.EmbedBatch(context.Background(), []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	for n, vec := range vectors {
		assert.Equal(t, float32(n), vec[0])
		assert.Equal(t, float32(n+1), vec[1])
	}
	assert.EqualValues(t, 1, requests.Load())

	single, err := e.Embed(context.Background(), "  hello  ")
	require.NoError(t, err)
	assert.Equal(t, float32(5), single[1], "input is trimmed before sending")
}

func TestOpenAIEmbedder_ChunksLargeBatches(t *testing.T) {
	var requests atomic.Int64
	srv := embeddingServer(t, 4, &requests)
	e := newTestEmbedder(srv.URL, 4)

	texts := make([]string, 150)
	for n := range texts {
		texts[n] = "text"
	}
	vectors, err := e.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	assert.Len(t, vectors, 150)
	assert.EqualValues(t, 2, requests.Load())
	assert.Equal(t, float32(99), vectors[99][0])
	assert.Equal(t, float32(0), vectors[100][0], "second chunk restarts its indices")
}

func TestOpenAIEmbedder_ClassifiesFailures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		dims    int
		wantErr func(error) bool
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, body: `{"error":{"message":"slow down"}}`, dims: 4, wantErr: domain.IsRetryable},
		{name: "server error", status: http.StatusBadGateway, body: `bad gateway`, dims: 4, wantErr: domain.IsRetryable},
		{name: "bad request", status: http.StatusBadRequest, body: `{"error":{"message":"invalid model"}}`, dims: 4, wantErr: domain.IsFatal},
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{"error":{"message":"bad key"}}`, dims: 4, wantErr: domain.IsFatal},
		{name: "dimension mismatch", status: http.StatusOK, body: `{"data":[{"embedding":[1,2],"index":0}]}`, dims: 4, wantErr: domain.IsFatal},
		{name: "missing data", status: http.StatusOK, body: `{"data":[]}`, dims: 4, wantErr: domain.IsRetryable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := newTestEmbedder(srv.URL, tc.dims).Embed(context.Background(), "a cat")
			require.Error(t, err)
			assert.True(t, tc.wantErr(err), "unexpected classification: %v", err)
		})
	}
}

func TestOpenAIEmbedder_DimensionMismatchWrapsSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"embedding":[1,2,3],"index":0}]}`))
	}))
	defer srv.Close()

	_, err := newTestEmbedder(srv.URL, 4).Embed(context.Background(), "a cat")
	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
}

func TestOpenAIEmbedder_EmptyInputIsFatal(t *testing.T) {
	var requests atomic.Int64
	srv := embeddingServer(t, 4, &requests)

	_, err := newTestEmbedder(srv.URL, 4).Embed(context.Background(), "   ")
	assert.True(t, domain.IsFatal(err))
	assert.EqualValues(t, 0, requests.Load())
}

func TestOpenAIEmbedder_CancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := newTestEmbedder(srv.URL, 4).Embed(ctx, "a cat")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, domain.KindOf(err), "cancellation is not a provider failure")
}

func TestEmbedBatcher_CoalescesConcurrentCalls(t *testing.T) {
	inner := newHashEmbedder()
	b := NewEmbedBatcher(inner, 50*time.Millisecond, 16, time.Second)

	texts := []string{"red bicycle", "sleeping cat", "mountain sunset", "golden retriever"}
	results := make([][]float32, len(texts))
	var wg sync.WaitGroup
	for n, text := range texts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := b.Embed(context.Background(), text)
			assert.NoError(t, err)
			results[n] = v
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, inner.calls.Load())
	for n, text := range texts {
		assert.Equal(t, inner.vector(text), results[n])
	}
}

func TestEmbedBatcher_SendsFullBatchImmediately(t *testing.T) {
	inner := newHashEmbedder()
	b := NewEmbedBatcher(inner, time.Hour, 2, time.Second)

	var wg sync.WaitGroup
	for _, text := range []string{"one", "two", "three", "four"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Embed(context.Background(), text)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 2, inner.calls.Load())
}

func TestEmbedBatcher_PropagatesErrorsToEveryCaller(t *testing.T) {
	inner := newHashEmbedder()
	inner.failNext(domain.Retryable("embed", context.DeadlineExceeded))
	b := NewEmbedBatcher(inner, 20*time.Millisecond, 8, time.Second)

	var wg sync.WaitGroup
	var failures atomic.Int64
	for _, text := range []string{"a cat", "a dog"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.Embed(context.Background(), text); domain.IsRetryable(err) {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 2, failures.Load())
}

func TestEmbedBatcher_CallerCancellation(t *testing.T) {
	b := NewEmbedBatcher(newHashEmbedder(), time.Hour, 8, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Embed(ctx, "a cat")
	assert.ErrorIs(t, err, context.Canceled)

	// The abandoned text is still sent with the next flush without blocking.
	b.Flush()
}

// shortEmbedder drops the last vector of every batch.
type shortEmbedder struct {
	*hashEmbedder
}

func (e shortEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out, err := e.hashEmbedder.EmbedBatch(ctx, texts)
	if err != nil || len(out) == 0 {
		return out, err
	}
	return out[:len(out)-1], nil
}

func TestEmbedBatcher_ShortResponseFailsWholeBatch(t *testing.T) {
	b := NewEmbedBatcher(shortEmbedder{newHashEmbedder()}, time.Second, 2, time.Second)

	var wg sync.WaitGroup
	var failures atomic.Int64
	for _, text := range []string{"a cat", "a dog"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := b.Embed(context.Background(), text)
			if domain.IsRetryable(err) && v == nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 2, failures.Load())
}

func TestTruncateUTF8(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  string
	}{
		{name: "short", text: "cat", limit: 8, want: "cat"},
		{name: "ascii cut", text: "bicycle", limit: 3, want: "bic"},
		{name: "inside two byte rune", text: "café", limit: 4, want: "caf"},
		{name: "inside three byte rune", text: "a€b", limit: 3, want: "a"},
		{name: "on boundary", text: "a€b", limit: 4, want: "a€"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncateUTF8(tt.text, tt.limit)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}

func TestOpenAIEmbedder_TruncatesLongInputOnRuneBoundary(t *testing.T) {
	var requests atomic.Int64
	srv := embeddingServer(t, 4, &requests)
	e := newTestEmbedder(srv.URL, 4)

	vec, err := e.Embed(context.Background(), strings.Repeat("€", maxEmbeddingInputChars))
	require.NoError(t, err)
	// The server reports the byte length it received: whole three-byte runes only.
	assert.EqualValues(t, maxEmbeddingInputChars/3*3, vec[1])
}
