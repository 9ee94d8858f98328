package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/mediasearch/internal/config"
	"github.com/timmy/mediasearch/internal/domain"
)

// maxEmbeddingInputChars bounds each input so it stays under the provider's token limit.
const maxEmbeddingInputChars = 32000

// Embedder turns text into fixed-dimension vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// OpenAIEmbedder calls an OpenAI-compatible /embeddings endpoint.
type OpenAIEmbedder struct {
	client     *resty.Client
	model      string
	endpoint   string
	dimensions int
	maxBatch   int
}

// NewOpenAIEmbedder creates a new embedding client.
func NewOpenAIEmbedder(cfg *config.EmbeddingConfig) *OpenAIEmbedder {
	client := resty.New()
	client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	client.SetHeader("Content-Type", "application/json")
	client.SetTimeout(60 * time.Second)

	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}

	return &OpenAIEmbedder{
		client:     client,
		model:      cfg.Model,
		endpoint:   baseURL + "/embeddings",
		dimensions: cfg.Dimensions,
		maxBatch:   config.MaxEmbeddingBatch,
	}
}

// GetModel returns the model name being used
func (e *OpenAIEmbedder) GetModel() string {
	return e.model
}

// Dimensions returns the vector size every result is checked against.
func (e *OpenAIEmbedder) Dimensions() int {
	return e.dimensions
}

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *apiError `json:"error,omitempty"`
}

// Embed generates an embedding for a single text
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

// EmbedBatch generates embeddings for multiple texts, in input order. Inputs beyond the
// provider's per-call limit are sent in consecutive chunks.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	embeddings := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.maxBatch {
		end := start + e.maxBatch
		if end > len(texts) {
			end = len(texts)
		}
		chunk, err := e.embedChunk(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		embeddings = append(embeddings, chunk...)
	}
	return embeddings, nil
}

func (e *OpenAIEmbedder) embedChunk(ctx context.Context, texts []string) ([][]float32, error) {
	input := make([]string, len(texts))
	for n, text := range texts {
		text = strings.TrimSpace(text)
		if text == "" {
			return nil, domain.Fatal("embed", errors.New("empty input text"))
		}
		input[n] = truncateUTF8(text, maxEmbeddingInputChars)
	}

	req := embeddingRequest{
		Model: e.model,
		Input: input,
	}
	// Only the text-embedding-3 family accepts a dimensions override.
	if strings.HasPrefix(e.model, "text-embedding-3") {
		req.Dimensions = e.dimensions
	}

	var resp embeddingResponse
	httpResp, err := e.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		SetError(&resp).
		Post(e.endpoint)
	if err != nil {
		return nil, transportError(ctx, "embed", err)
	}
	if httpResp.IsError() {
		return nil, statusError("embed", httpResp, resp.Error)
	}

	if len(resp.Data) != len(texts) {
		return nil, domain.Retryable("embed", fmt.Errorf("unexpected number of embeddings: got %d, expected %d", len(resp.Data), len(texts)))
	}

	// Sort by index to ensure correct order
	embeddings := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(embeddings) {
			return nil, domain.Retryable("embed", fmt.Errorf("embedding index %d out of range", item.Index))
		}
		if len(item.Embedding) != e.dimensions {
			return nil, domain.Fatal("embed", fmt.Errorf("%w: got %d, want %d",
				domain.ErrDimensionMismatch, len(item.Embedding), e.dimensions))
		}
		embeddings[item.Index] = item.Embedding
	}
	for n, vec := range embeddings {
		if vec == nil {
			return nil, domain.Retryable("embed", fmt.Errorf("missing embedding for input %d", n))
		}
	}
	return embeddings, nil
}

var _ Embedder = (*OpenAIEmbedder)(nil)

// truncateUTF8 cuts text to at most limit bytes without splitting a rune.
func truncateUTF8(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}
