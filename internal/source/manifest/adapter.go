package manifest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/timmy/mediasearch/internal/domain"
	"github.com/timmy/mediasearch/internal/logger"
	"github.com/timmy/mediasearch/internal/source"
)

const (
	// ManifestFileName is the JSONL manifest file name in a source directory.
	ManifestFileName = "manifest.jsonl"
	// FilesDir is the directory holding the files a manifest lists.
	FilesDir = "files"
)

// ManifestItem represents a line in the manifest.jsonl file.
type ManifestItem struct {
	ID           string `json:"id"`
	Filename     string `json:"filename"`
	FileRef      string `json:"file_ref"`
	FileType     string `json:"file_type"`
	MimeType     string `json:"mime_type"`
	OwnerID      string `json:"owner_id"`
	OriginalName string `json:"original_name"`
	FileSize     int64  `json:"file_size"`
}

// Adapter implements the Source interface for a manifest directory:
//
//	<basePath>/<sourceID>/manifest.jsonl
//	<basePath>/<sourceID>/files/<filename>
type Adapter struct {
	basePath     string
	sourceID     string
	defaultOwner string
	items        []source.MediaItem
	loaded       bool
}

// NewAdapter creates a new manifest adapter.
// Parameters:
//   - basePath: directory containing source directories.
//   - sourceID: name of the source directory.
//   - defaultOwner: owner assigned to lines that do not name one.
//
// Returns:
//   - *Adapter: initialized manifest adapter.
func NewAdapter(basePath, sourceID, defaultOwner string) *Adapter {
	return &Adapter{
		basePath:     basePath,
		sourceID:     sourceID,
		defaultOwner: defaultOwner,
	}
}

// GetSourceID returns the unique identifier for this source.
func (a *Adapter) GetSourceID() string {
	return "manifest:" + a.sourceID
}

// GetDisplayName returns a human-readable name for this source.
func (a *Adapter) GetDisplayName() string {
	return fmt.Sprintf("Manifest (%s)", a.sourceID)
}

// FetchBatch fetches a batch of items from the manifest.
// Parameters:
//   - ctx: context for cancellation and deadlines (unused for local reads).
//   - cursor: pagination cursor as an index string.
//   - limit: maximum number of items to fetch.
//
// Returns:
//   - []source.MediaItem: batch of items.
//   - string: next cursor or empty if no more items.
//   - error: non-nil if loading or parsing fails.
func (a *Adapter) FetchBatch(ctx context.Context, cursor string, limit int) ([]source.MediaItem, string, error) {
	if err := a.ensureLoaded(ctx); err != nil {
		return nil, "", err
	}

	startIndex := 0
	if cursor != "" {
		var err error
		startIndex, err = strconv.Atoi(cursor)
		if err != nil || startIndex < 0 {
			return nil, "", fmt.Errorf("invalid cursor %q", cursor)
		}
	}
	if startIndex >= len(a.items) {
		return []source.MediaItem{}, "", nil
	}

	endIndex := startIndex + limit
	if limit <= 0 || endIndex > len(a.items) {
		endIndex = len(a.items)
	}

	nextCursor := ""
	if endIndex < len(a.items) {
		nextCursor = strconv.Itoa(endIndex)
	}
	return a.items[startIndex:endIndex], nextCursor, nil
}

// GetTotalCount returns the number of usable items in the manifest.
func (a *Adapter) GetTotalCount(ctx context.Context) (int, error) {
	if err := a.ensureLoaded(ctx); err != nil {
		return 0, err
	}
	return len(a.items), nil
}

func (a *Adapter) ensureLoaded(ctx context.Context) error {
	if a.loaded {
		return nil
	}
	if err := a.loadItems(ctx); err != nil {
		return fmt.Errorf("failed to load manifest items: %w", err)
	}
	a.loaded = true
	return nil
}

// loadItems reads every line of the manifest. Malformed lines, lines naming a missing
// local file, and unsupported media are skipped with a warning.
func (a *Adapter) loadItems(ctx context.Context) error {
	sourcePath := filepath.Join(a.basePath, a.sourceID)
	manifestPath := filepath.Join(sourcePath, ManifestFileName)
	filesPath := filepath.Join(sourcePath, FilesDir)

	file, err := os.Open(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("manifest file not found: %s", manifestPath)
		}
		return fmt.Errorf("failed to open manifest: %w", err)
	}
	defer file.Close()

	log := logger.FromContext(ctx).WithField("source", a.GetSourceID())
	a.items = []source.MediaItem{}

	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var entry ManifestItem
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			log.WithError(err).WithField("line", lineNo).Warn("Skipping malformed manifest line")
			continue
		}

		item, err := a.toMediaItem(entry, filesPath)
		if err != nil {
			log.WithError(err).WithField("line", lineNo).Warn("Skipping manifest item")
			continue
		}
		a.items = append(a.items, item)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading manifest: %w", err)
	}

	// Sort items by ID for consistent ordering
	sort.Slice(a.items, func(i, j int) bool {
		return a.items[i].SourceID < a.items[j].SourceID
	})
	return nil
}

func (a *Adapter) toMediaItem(entry ManifestItem, filesPath string) (source.MediaItem, error) {
	if entry.ID == "" {
		return source.MediaItem{}, fmt.Errorf("item has no id")
	}

	item := source.MediaItem{
		SourceID:     fmt.Sprintf("%s_%s", a.sourceID, entry.ID),
		FileRef:      entry.FileRef,
		MimeType:     strings.ToLower(entry.MimeType),
		OwnerID:      entry.OwnerID,
		OriginalName: entry.OriginalName,
		FileSize:     entry.FileSize,
	}
	if item.OwnerID == "" {
		item.OwnerID = a.defaultOwner
	}
	if item.OwnerID == "" {
		return source.MediaItem{}, fmt.Errorf("item %s has no owner", entry.ID)
	}

	if entry.Filename != "" {
		localPath := filepath.Join(filesPath, filepath.FromSlash(entry.Filename))
		info, err := os.Stat(localPath)
		if err != nil {
			return source.MediaItem{}, fmt.Errorf("file for item %s: %w", entry.ID, err)
		}
		item.LocalPath = localPath
		if item.FileSize == 0 {
			item.FileSize = info.Size()
		}
		if item.FileRef == "" {
			item.FileRef = path.Join("uploads", a.sourceID, entry.Filename)
		}
		if item.OriginalName == "" {
			item.OriginalName = filepath.Base(entry.Filename)
		}
	}
	if item.FileRef == "" {
		return source.MediaItem{}, fmt.Errorf("item %s has neither filename nor file_ref", entry.ID)
	}

	item.FileType = domain.FileType(strings.ToLower(entry.FileType))
	if item.FileType == "" {
		item.FileType = inferFileType(item.MimeType, item.FileRef)
	}
	if !item.FileType.Valid() {
		return source.MediaItem{}, fmt.Errorf("item %s: %w: %q", entry.ID, domain.ErrUnsupportedFileType, item.FileType)
	}
	return item, nil
}

func inferFileType(mimeType, ref string) domain.FileType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return domain.FileTypeImage
	case strings.HasPrefix(mimeType, "video/"):
		return domain.FileTypeVideo
	}
	switch strings.ToLower(strings.TrimPrefix(path.Ext(ref), ".")) {
	case "jpg", "jpeg", "png", "gif", "webp", "heic", "heif":
		return domain.FileTypeImage
	case "mp4", "mpeg", "mpg", "mov", "avi", "flv", "webm":
		return domain.FileTypeVideo
	}
	return ""
}

// ListSources lists the source directories under basePath that contain a manifest.
func ListSources(basePath string) ([]string, error) {
	entries, err := os.ReadDir(basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}

	var sources []string
	for _, entry := range entries {
		if entry.IsDir() {
			manifestPath := filepath.Join(basePath, entry.Name(), ManifestFileName)
			if _, err := os.Stat(manifestPath); err == nil {
				sources = append(sources, entry.Name())
			}
		}
	}
	return sources, nil
}

var _ source.Source = (*Adapter)(nil)
