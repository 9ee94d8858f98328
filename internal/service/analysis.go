package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/mediasearch/internal/config"
	"github.com/timmy/mediasearch/internal/domain"
	"github.com/timmy/mediasearch/internal/prompts"
	"github.com/timmy/mediasearch/internal/storage"
	_ "golang.org/x/image/webp"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// Analyzer produces a searchable text description of an upload's content.
type Analyzer interface {
	Analyze(ctx context.Context, rec *domain.UploadRecord) (string, error)
}

// VLMAnalyzer describes images and videos with an OpenAI-compatible multimodal model.
type VLMAnalyzer struct {
	client      *resty.Client
	storage     storage.ObjectStorage
	model       string
	endpoint    string
	maxTokens   int
	maxFileSize int64
}

// NewVLMAnalyzer creates a new VLMAnalyzer.
// Parameters:
//   - cfg: provider configuration including model, base URL and API key.
//   - objectStorage: where upload file references are read from.
//   - maxFileSize: largest file accepted, in bytes; 0 disables the check.
//
// Returns:
//   - *VLMAnalyzer: initialized analyzer.
func NewVLMAnalyzer(cfg *config.VLMConfig, objectStorage storage.ObjectStorage, maxFileSize int64) *VLMAnalyzer {
	client := resty.New()
	client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	client.SetHeader("Content-Type", "application/json")
	// Per-attempt deadlines come from the caller's context; this is an upper bound.
	client.SetTimeout(120 * time.Second)

	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 400
	}

	return &VLMAnalyzer{
		client:      client,
		storage:     objectStorage,
		model:       cfg.Model,
		endpoint:    baseURL + "/chat/completions",
		maxTokens:   maxTokens,
		maxFileSize: maxFileSize,
	}
}

// GetModel returns the model name being used.
func (a *VLMAnalyzer) GetModel() string {
	return a.model
}

// OpenAI-compatible Chat Completion API request/response structures
type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"` // string for system, []contentPart for user
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *mediaURL `json:"image_url,omitempty"`
	VideoURL *mediaURL `json:"video_url,omitempty"`
}

type mediaURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Analyze implements Analyzer.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - rec: upload whose FileRef points into object storage.
//
// Returns:
//   - string: generated description text.
//   - error: fatal for unsupported, oversized or corrupted files and rejected requests,
//     retryable for storage, network, rate limit and server failures.
func (a *VLMAnalyzer) Analyze(ctx context.Context, rec *domain.UploadRecord) (string, error) {
	if !rec.FileType.Valid() {
		return "", domain.Fatal("analyze", fmt.Errorf("%w: %s", domain.ErrUnsupportedFileType, rec.FileType))
	}

	data, err := a.readFile(ctx, rec.FileRef)
	if err != nil {
		return "", err
	}

	mimeType := resolveMIMEType(rec)
	userPrompt := prompts.ImageUserPrompt
	part := contentPart{Type: "image_url"}
	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data))

	switch rec.FileType {
	case domain.FileTypeImage:
		if err := validateImage(data, mimeType); err != nil {
			return "", err
		}
		part.ImageURL = &mediaURL{URL: dataURL, Detail: "auto"}
	case domain.FileTypeVideo:
		userPrompt = prompts.VideoUserPrompt
		part.Type = "video_url"
		part.VideoURL = &mediaURL{URL: dataURL}
	}

	req := chatRequest{
		Model: a.model,
		Messages: []chatMessage{
			{Role: "system", Content: prompts.AnalysisSystemPrompt},
			{
				Role: "user",
				Content: []contentPart{
					{Type: "text", Text: userPrompt},
					part,
				},
			},
		},
		MaxTokens: a.maxTokens,
	}

	var resp chatResponse
	httpResp, err := a.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		SetError(&resp).
		Post(a.endpoint)
	if err != nil {
		return "", transportError(ctx, "analyze", err)
	}
	if httpResp.IsError() {
		return "", statusError("analyze", httpResp, resp.Error)
	}
	if resp.Error != nil {
		return "", domain.Retryable("analyze", fmt.Errorf("VLM API error: %s", resp.Error.Message))
	}
	if len(resp.Choices) == 0 {
		return "", domain.Retryable("analyze", fmt.Errorf("no choices in response (status: %d)", httpResp.StatusCode()))
	}

	summary := strings.TrimSpace(resp.Choices[0].Message.Content)
	if summary == "" {
		return "", domain.Retryable("analyze", errors.New("empty description from VLM API"))
	}
	return summary, nil
}

func (a *VLMAnalyzer) readFile(ctx context.Context, key string) ([]byte, error) {
	reader, err := a.storage.Download(ctx, key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.Fatal("read upload file", err)
		}
		if domain.IsFatal(err) {
			return nil, err
		}
		return nil, transportError(ctx, "read upload file", err)
	}
	defer reader.Close()

	src := io.Reader(reader)
	if a.maxFileSize > 0 {
		src = io.LimitReader(reader, a.maxFileSize+1)
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, transportError(ctx, "read upload file", err)
	}
	if a.maxFileSize > 0 && int64(len(data)) > a.maxFileSize {
		return nil, domain.Fatal("read upload file", fmt.Errorf("%w: over %d bytes", domain.ErrFileTooLarge, a.maxFileSize))
	}
	if len(data) == 0 {
		return nil, domain.Fatal("read upload file", fmt.Errorf("%w: empty file", domain.ErrCorruptedFile))
	}
	return data, nil
}

// validateImage decodes the header of formats the standard decoders know. HEIC/HEIF is
// passed through to the provider unchecked.
func validateImage(data []byte, mimeType string) error {
	switch mimeType {
	case "image/jpeg", "image/png", "image/webp", "image/gif":
	default:
		return nil
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return domain.Fatal("validate image", fmt.Errorf("%w: %v", domain.ErrCorruptedFile, err))
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		return domain.Fatal("validate image", fmt.Errorf("%w: zero dimensions", domain.ErrCorruptedFile))
	}
	return nil
}

func resolveMIMEType(rec *domain.UploadRecord) string {
	if rec.MimeType != "" {
		return strings.ToLower(rec.MimeType)
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(rec.FileRef)), ".")
	if ext == "" {
		ext = strings.TrimPrefix(strings.ToLower(filepath.Ext(rec.OriginalName)), ".")
	}
	return getMIMEType(rec.FileType, ext)
}

func getMIMEType(fileType domain.FileType, format string) string {
	switch format {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	case "heic":
		return "image/heic"
	case "heif":
		return "image/heif"
	case "mp4":
		return "video/mp4"
	case "mpeg", "mpg":
		return "video/mpeg"
	case "mov":
		return "video/quicktime"
	case "avi":
		return "video/x-msvideo"
	case "flv":
		return "video/x-flv"
	case "webm":
		return "video/webm"
	}
	if fileType == domain.FileTypeVideo {
		return "video/mp4"
	}
	return "image/jpeg"
}

// transportError classifies a failed round trip. Cancellation is returned unwrapped so
// the orchestrator can tell it apart from provider failures.
func transportError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return domain.Retryable(op, err)
}

// statusError maps a non-2xx provider response: rate limits and server errors are
// retryable, every other client error is fatal.
func statusError(op string, resp *resty.Response, apiErr *apiError) error {
	msg := fmt.Sprintf("HTTP %d", resp.StatusCode())
	if apiErr != nil && apiErr.Message != "" {
		msg = fmt.Sprintf("HTTP %d: %s", resp.StatusCode(), apiErr.Message)
	} else if body := resp.Body(); len(body) > 0 {
		msg = fmt.Sprintf("HTTP %d: %s", resp.StatusCode(), truncate(string(body), 512))
	}

	status := resp.StatusCode()
	if status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500 {
		return domain.Retryable(op, errors.New(msg))
	}
	return domain.Fatal(op, errors.New(msg))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

var _ Analyzer = (*VLMAnalyzer)(nil)
