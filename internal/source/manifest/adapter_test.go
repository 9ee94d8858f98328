package manifest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/mediasearch/internal/domain"
)

func writeSource(t *testing.T, lines []string, files map[string]string) string {
	t.Helper()
	base := t.TempDir()
	dir := filepath.Join(base, "photos")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, FilesDir), 0o755))
	for name, content := range files {
		p := filepath.Join(dir, FilesDir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	manifest := strings.Join(lines, "\n") + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFileName), []byte(manifest), 0o644))
	return base
}

func TestAdapter_LoadsAndSkipsBadLines(t *testing.T) {
	base := writeSource(t, []string{
		`{"id":"2","filename":"beach/sunset.jpg"}`,
		`{"id":"1","filename":"bike.png","owner_id":"bob","original_name":"My Bike.png"}`,
		`not json`,
		``,
		`{"id":"3","filename":"missing.png"}`,
		`{"id":"4","file_ref":"remote/clip.mp4","mime_type":"video/mp4","file_size":2048}`,
		`{"id":"5","filename":"song.mp3"}`,
		`{"filename":"bike.png"}`,
	}, map[string]string{
		"beach/sunset.jpg": "jpeg bytes",
		"bike.png":         "png",
		"song.mp3":         "mp3",
	})

	a := NewAdapter(base, "photos", "alice")
	ctx := context.Background()

	total, err := a.GetTotalCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	items, next, err := a.FetchBatch(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, next)
	require.Len(t, items, 3)

	bike := items[0]
	assert.Equal(t, "photos_1", bike.SourceID)
	assert.Equal(t, "bob", bike.OwnerID)
	assert.Equal(t, "uploads/photos/bike.png", bike.FileRef)
	assert.Equal(t, domain.FileTypeImage, bike.FileType)
	assert.Equal(t, "My Bike.png", bike.OriginalName)
	assert.EqualValues(t, 3, bike.FileSize)
	assert.NotEmpty(t, bike.LocalPath)

	sunset := items[1]
	assert.Equal(t, "alice", sunset.OwnerID)
	assert.Equal(t, "uploads/photos/beach/sunset.jpg", sunset.FileRef)
	assert.Equal(t, "sunset.jpg", sunset.OriginalName)

	clip := items[2]
	assert.Equal(t, domain.FileTypeVideo, clip.FileType)
	assert.Equal(t, "remote/clip.mp4", clip.FileRef)
	assert.Empty(t, clip.LocalPath)
	assert.EqualValues(t, 2048, clip.FileSize)

	rec := clip.Upload()
	assert.Equal(t, "alice", rec.OwnerID)
	assert.Equal(t, "video/mp4", rec.MimeType)
}

func TestAdapter_Pagination(t *testing.T) {
	lines := make([]string, 0, 5)
	files := make(map[string]string)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		lines = append(lines, `{"id":"`+id+`","filename":"`+id+`.png"}`)
		files[id+".png"] = "x"
	}
	a := NewAdapter(writeSource(t, lines, files), "photos", "alice")
	ctx := context.Background()

	var got []string
	cursor := ""
	for {
		items, next, err := a.FetchBatch(ctx, cursor, 2)
		require.NoError(t, err)
		for _, item := range items {
			got = append(got, item.SourceID)
		}
		if next == "" {
			break
		}
		cursor = next
	}
	assert.Equal(t, []string{"photos_a", "photos_b", "photos_c", "photos_d", "photos_e"}, got)

	_, _, err := a.FetchBatch(ctx, "bogus", 2)
	assert.Error(t, err)
}

func TestAdapter_MissingManifest(t *testing.T) {
	a := NewAdapter(t.TempDir(), "nothing", "alice")
	_, _, err := a.FetchBatch(context.Background(), "", 10)
	assert.Error(t, err)
}

func TestListSources(t *testing.T) {
	base := writeSource(t, []string{`{"id":"1","filename":"a.png"}`}, map[string]string{"a.png": "x"})
	require.NoError(t, os.MkdirAll(filepath.Join(base, "empty"), 0o755))

	sources, err := ListSources(base)
	require.NoError(t, err)
	assert.Equal(t, []string{"photos"}, sources)

	sources, err = ListSources(filepath.Join(base, "does-not-exist"))
	require.NoError(t, err)
	assert.Empty(t, sources)
}
