package bitrateworker

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chapterstream/transcoder/internal/domain"
	"github.com/chapterstream/transcoder/internal/objectstore"
	"github.com/chapterstream/transcoder/internal/store/sqlite"
)

func newTestWorker(t *testing.T, env string, provider domain.StorageProvider) (*Worker, *sqlite.Store, *objectstore.LocalStore, string) {
	t.Helper()

	dbDir := t.TempDir()
	s, err := sqlite.Open("file:"+filepath.Join(dbDir, "test.db"), slog.New(slog.NewTextHandler(os.Stderr, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	baseDir := t.TempDir()
	osStore, err := objectstore.NewLocalStore(baseDir, "/objects")
	require.NoError(t, err)

	wd := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(wd))
	t.Cleanup(func() { os.Chdir(cwd) })

	w := &Worker{
		Store:           s,
		ObjectStore:     osStore,
		Logger:          slog.New(slog.NewTextHandler(os.Stderr, nil)),
		Bitrate:         128,
		Environment:     env,
		StorageProvider: provider,
		LocalBasePath:   baseDir,
		MaxAttempts:     3,
	}
	return w, s, osStore, baseDir
}

func TestMaterializeInput_DevelopmentMirrorsFromObjectStore(t *testing.T) {
	w, _, osStore, _ := newTestWorker(t, "development", domain.StorageLocal)
	ctx := context.Background()

	require.NoError(t, osStore.Put(ctx, "sources/chapter-1.mp3", strings.NewReader("audio-bytes"), "audio/mpeg"))

	path, err := w.materializeInput(ctx, "sources/chapter-1.mp3")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "audio-bytes", string(data))
}

func TestMaterializeInput_LocalProviderReadsDirectlyFromDisk(t *testing.T) {
	w, _, _, baseDir := newTestWorker(t, "production", domain.StorageLocal)
	ctx := context.Background()

	full := filepath.Join(baseDir, "sources", "chapter-1.mp3")
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte("audio-bytes"), 0o644))

	path, err := w.materializeInput(ctx, "sources/chapter-1.mp3")
	require.NoError(t, err)
	assert.Equal(t, full, path)
}

func TestMaterializeInput_MissingSourceIsInputMissing(t *testing.T) {
	w, _, _, _ := newTestWorker(t, "development", domain.StorageLocal)
	ctx := context.Background()

	_, err := w.materializeInput(ctx, "sources/does-not-exist.mp3")
	require.Error(t, err)
	assert.True(t, isInputMissing(err))
}

func TestStageInput(t *testing.T) {
	w, _, _, _ := newTestWorker(t, "development", domain.StorageLocal)

	src := filepath.Join(t.TempDir(), "source.mp3")
	require.NoError(t, os.WriteFile(src, []byte("audio-bytes"), 0o644))

	staged, err := w.stageInput(src)
	require.NoError(t, err)
	defer os.Remove(staged)

	assert.True(t, strings.HasPrefix(filepath.Base(staged), "temp_"))
	data, err := os.ReadFile(staged)
	require.NoError(t, err)
	assert.Equal(t, "audio-bytes", string(data))
}

func TestUpload(t *testing.T) {
	w, _, osStore, _ := newTestWorker(t, "development", domain.StorageS3)
	ctx := context.Background()

	localDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(localDir, "playlist.m3u8"), []byte("#EXTM3U"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(localDir, "segment_000.ts"), []byte("ts-data"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(localDir, "ignored.tmp"), []byte("x"), 0o644))

	require.NoError(t, w.upload(ctx, localDir, "chapter-1", 128))

	exists, err := osStore.Exists(ctx, objectstore.RenditionKey("chapter-1", 128, "playlist.m3u8"))
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = osStore.Exists(ctx, objectstore.RenditionKey("chapter-1", 128, "segment_000.ts"))
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = osStore.Exists(ctx, objectstore.RenditionKey("chapter-1", 128, "ignored.tmp"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSettleJobIfResolved_AllCompletedMarksJobCompleted(t *testing.T) {
	w, s, _, _ := newTestWorker(t, "development", domain.StorageLocal)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	job := &domain.TranscodingJob{
		ID:            "job-1",
		ChapterID:     "chapter-1",
		Status:        domain.JobProcessing,
		TotalBitrates: []int{64, 128},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, s.CreateJob(ctx, job))

	for _, b := range []int{64, 128} {
		require.NoError(t, s.UpsertRendition(ctx, &domain.Rendition{
			ChapterID: "chapter-1", Bitrate: b, Status: domain.RenditionCompleted,
			CreatedAt: now, UpdatedAt: now,
		}))
	}

	w.settleJobIfResolved(ctx, "chapter-1")

	got, err := s.LatestJobByChapter(ctx, "chapter-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
}

func TestSettleJobIfResolved_OneFailedMarksJobFailedWithBitrate(t *testing.T) {
	w, s, _, _ := newTestWorker(t, "development", domain.StorageLocal)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	job := &domain.TranscodingJob{
		ID:            "job-1",
		ChapterID:     "chapter-1",
		Status:        domain.JobProcessing,
		TotalBitrates: []int{64, 128, 256},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, s.CreateJob(ctx, job))

	require.NoError(t, s.UpsertRendition(ctx, &domain.Rendition{
		ChapterID: "chapter-1", Bitrate: 64, Status: domain.RenditionCompleted,
		CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, s.UpsertRendition(ctx, &domain.Rendition{
		ChapterID: "chapter-1", Bitrate: 256, Status: domain.RenditionCompleted,
		CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, s.UpsertRendition(ctx, &domain.Rendition{
		ChapterID: "chapter-1", Bitrate: 128, Status: domain.RenditionFailed,
		ErrorMessage: "encoder failure", CreatedAt: now, UpdatedAt: now,
	}))

	w.settleJobIfResolved(ctx, "chapter-1")

	got, err := s.LatestJobByChapter(ctx, "chapter-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "128k")
}

func TestSettleJobIfResolved_StillInFlightLeavesJobProcessing(t *testing.T) {
	w, s, _, _ := newTestWorker(t, "development", domain.StorageLocal)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	job := &domain.TranscodingJob{
		ID:            "job-1",
		ChapterID:     "chapter-1",
		Status:        domain.JobProcessing,
		TotalBitrates: []int{64, 128},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, s.CreateJob(ctx, job))

	require.NoError(t, s.UpsertRendition(ctx, &domain.Rendition{
		ChapterID: "chapter-1", Bitrate: 64, Status: domain.RenditionCompleted,
		CreatedAt: now, UpdatedAt: now,
	}))

	w.settleJobIfResolved(ctx, "chapter-1")

	got, err := s.LatestJobByChapter(ctx, "chapter-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobProcessing, got.Status)
}

func TestEncodeOutputDir_LocalProviderWritesIntoObjectStoreTree(t *testing.T) {
	w, _, _, baseDir := newTestWorker(t, "development", domain.StorageLocal)

	dir, uploadNeeded := w.encodeOutputDir("chapter-1", 128)
	assert.False(t, uploadNeeded)
	assert.Equal(t, filepath.Join(baseDir, "bit_transcode/chapter-1/128k"), dir)
}

func TestEncodeOutputDir_RemoteProviderUsesScratch(t *testing.T) {
	w, _, _, _ := newTestWorker(t, "development", domain.StorageS3)

	dir, uploadNeeded := w.encodeOutputDir("chapter-1", 128)
	assert.True(t, uploadNeeded)
	assert.True(t, strings.HasPrefix(dir, filepath.Join("storage", "temp")))
}
