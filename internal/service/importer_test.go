package service

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/mediasearch/internal/domain"
	"github.com/timmy/mediasearch/internal/repository"
	"github.com/timmy/mediasearch/internal/source/manifest"
	"github.com/timmy/mediasearch/internal/storage"
)

func TestImporter_CopiesFilesAndSubmits(t *testing.T) {
	f := newIngestFixture(t, 3)
	ctx := context.Background()

	base := t.TempDir()
	dir := filepath.Join(base, "trip")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, manifest.FilesDir), 0o755))
	for _, name := range []string{"a.png", "b.png", "c.mp4"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, manifest.FilesDir, name), []byte("data-"+name), 0o644))
	}
	lines := `{"id":"1","filename":"a.png"}
{"id":"2","filename":"b.png","mime_type":"image/png"}
{"id":"3","filename":"c.mp4"}
{"id":"4","file_ref":"remote/d.png","mime_type":"application/pdf","file_type":"image"}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifest.ManifestFileName), []byte(lines), 0o644))

	store, err := storage.NewLocalStorage(t.TempDir(), "")
	require.NoError(t, err)
	// Already stored files are not copied again.
	require.NoError(t, store.Upload(ctx, "uploads/trip/a.png", strings.NewReader("old"), 3, ""))

	im := NewImporter(f.svc, store)
	stats, err := im.Import(ctx, manifest.NewAdapter(base, "trip", "alice"), 0)
	require.NoError(t, err)

	assert.Equal(t, 4, stats.TotalItems)
	assert.Equal(t, 3, stats.SubmittedItems)
	assert.Equal(t, 1, stats.FailedItems, "a mime type that does not match the file type is rejected")
	assert.Equal(t, 2, stats.UploadedFiles)
	assert.Equal(t, 3, f.queue.Len())

	exists, err := store.Exists(ctx, "uploads/trip/c.mp4")
	require.NoError(t, err)
	assert.True(t, exists)

	recs, total, err := f.repo.ListByOwner(ctx, "alice", nil, 10, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	for _, rec := range recs {
		assert.Equal(t, domain.UploadStatusPending, rec.Status)
	}
}

func TestImporter_RespectsLimit(t *testing.T) {
	f := newIngestFixture(t, 3)
	base := t.TempDir()
	dir := filepath.Join(base, "refs")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	lines := `{"id":"1","file_ref":"x/1.png"}
{"id":"2","file_ref":"x/2.png"}
{"id":"3","file_ref":"x/3.png"}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifest.ManifestFileName), []byte(lines), 0o644))

	stats, err := NewImporter(f.svc, nil).Import(context.Background(), manifest.NewAdapter(base, "refs", "alice"), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalItems)
	assert.Equal(t, 2, stats.SubmittedItems)
}

func TestImporter_RecordsJobs(t *testing.T) {
	f := newIngestFixture(t, 3)
	ctx := context.Background()
	jobs := repository.NewImportJobRepository(newTestDB(t))

	base := t.TempDir()
	dir := filepath.Join(base, "refs")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	lines := `{"id":"1","file_ref":"x/1.png"}
{"id":"2","file_ref":"x/2.png","mime_type":"application/pdf","file_type":"image"}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifest.ManifestFileName), []byte(lines), 0o644))

	im := NewImporter(f.svc, nil, WithJobStore(jobs), WithBatchSize(1))
	_, err := im.Import(ctx, manifest.NewAdapter(base, "refs", "alice"), 0)
	require.NoError(t, err)

	recent, err := jobs.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	job := recent[0]
	assert.Equal(t, "manifest:refs", job.SourceID)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, 2, job.TotalItems)
	assert.Equal(t, 1, job.SubmittedItems)
	assert.Equal(t, 1, job.FailedItems)
	assert.NotNil(t, job.CompletedAt)
}
