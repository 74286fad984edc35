package streamapi

import (
	"context"
	"encoding/json/v2"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chapterstream/transcoder/internal/cache"
	"github.com/chapterstream/transcoder/internal/domain"
	"github.com/chapterstream/transcoder/internal/objectstore"
	"github.com/chapterstream/transcoder/internal/store/sqlite"
)

func newTestServer(t *testing.T) (*Server, *sqlite.Store, *objectstore.LocalStore, *cache.Cache) {
	t.Helper()

	dbDir := t.TempDir()
	s, err := sqlite.Open("file:"+filepath.Join(dbDir, "test.db"), slog.New(slog.NewTextHandler(os.Stderr, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	baseDir := t.TempDir()
	osStore, err := objectstore.NewLocalStore(baseDir, "/objects")
	require.NoError(t, err)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.NewWithClient(redisClient, time.Minute)

	srv := NewServer(s, osStore, c, time.Minute, true, nil, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	return srv, s, osStore, c
}

func seedCompletedRendition(t *testing.T, s *sqlite.Store, osStore *objectstore.LocalStore, chapterID string, bitrate int, segments []string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	for i, seg := range segments {
		_ = i
		require.NoError(t, osStore.Put(ctx, objectstore.RenditionKey(chapterID, bitrate, seg), strings.NewReader("ts-bytes"), "video/mp2t"))
	}

	require.NoError(t, s.UpsertRendition(ctx, &domain.Rendition{
		ChapterID:    chapterID,
		Bitrate:      bitrate,
		Status:       domain.RenditionCompleted,
		SegmentsPath: objectstore.RenditionPrefix(chapterID, bitrate),
		CreatedAt:    now,
		UpdatedAt:    now,
	}))
}

func doRequest(srv *Server, method, path, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if userID != "" {
		req.Header.Set("user_id", userID)
	}
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	return rr
}

func TestRequireUserID_MissingHeaderReturns401(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	rr := doRequest(srv, http.MethodGet, "/api/v1/stream/chapters/chapter-1/status", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRequireUserID_BlankHeaderReturns401(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	rr := doRequest(srv, http.MethodGet, "/api/v1/stream/chapters/chapter-1/status", "   ")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestHealthCheck_DoesNotRequireUserID(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	rr := doRequest(srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Data HealthResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Data.Status)
	assert.Contains(t, body.Data.Components, "database")
	assert.Contains(t, body.Data.Components, "object_store")
	assert.Contains(t, body.Data.Components, "cache")
}

func TestGetMasterPlaylist_NoRenditionsReturns404(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	rr := doRequest(srv, http.MethodGet, "/api/v1/stream/chapters/chapter-1/master.m3u8", "user-1")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestGetMasterPlaylist_ComposesFromCompletedRenditions(t *testing.T) {
	srv, s, osStore, _ := newTestServer(t)
	seedCompletedRendition(t, s, osStore, "chapter-1", 128, []string{"segment_000.ts"})
	seedCompletedRendition(t, s, osStore, "chapter-1", 64, []string{"segment_000.ts"})

	rr := doRequest(srv, http.MethodGet, "/api/v1/stream/chapters/chapter-1/master.m3u8", "user-1")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/vnd.apple.mpegurl", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Body.String(), "#EXTM3U")
	assert.Contains(t, rr.Body.String(), "64k/playlist.m3u8")
	assert.Contains(t, rr.Body.String(), "128k/playlist.m3u8")
}

func TestGetMasterPlaylist_SecondRequestIsServedFromCache(t *testing.T) {
	srv, s, osStore, c := newTestServer(t)
	seedCompletedRendition(t, s, osStore, "chapter-1", 128, []string{"segment_000.ts"})

	rr1 := doRequest(srv, http.MethodGet, "/api/v1/stream/chapters/chapter-1/master.m3u8", "user-1")
	require.Equal(t, http.StatusOK, rr1.Code)

	cached, err := c.Get(context.Background(), cache.PlaylistKey("chapter-1", 0))
	require.NoError(t, err)
	assert.Contains(t, string(cached), "#EXTM3U")

	snapshot := srv.Analytics.Snapshot()
	assert.Equal(t, int64(1), snapshot.CacheMisses)

	rr2 := doRequest(srv, http.MethodGet, "/api/v1/stream/chapters/chapter-1/master.m3u8", "user-1")
	require.Equal(t, http.StatusOK, rr2.Code)
	assert.Equal(t, rr1.Body.String(), rr2.Body.String())

	snapshot = srv.Analytics.Snapshot()
	assert.Equal(t, int64(1), snapshot.CacheHits)
}

func TestGetVariantPlaylist_NonIntegerBitrateReturns400(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	rr := doRequest(srv, http.MethodGet, "/api/v1/stream/chapters/chapter-1/abc/playlist.m3u8", "user-1")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGetVariantPlaylist_IncompleteRenditionReturns404(t *testing.T) {
	srv, s, _, _ := newTestServer(t)
	now := time.Now().UTC()
	require.NoError(t, s.UpsertRendition(context.Background(), &domain.Rendition{
		ChapterID: "chapter-1", Bitrate: 128, Status: domain.RenditionProcessing,
		CreatedAt: now, UpdatedAt: now,
	}))

	rr := doRequest(srv, http.MethodGet, "/api/v1/stream/chapters/chapter-1/128/playlist.m3u8", "user-1")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestGetVariantPlaylist_PartialPlaylistServedWhileTranscoding(t *testing.T) {
	srv, _, osStore, _ := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, osStore.Put(ctx, objectstore.RenditionKey("chapter-1", 128, "segment_000.ts"), strings.NewReader("ts-bytes"), "video/mp2t"))

	rr := doRequest(srv, http.MethodGet, "/api/v1/stream/chapters/chapter-1/128/playlist.m3u8", "user-1")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
	assert.Contains(t, rr.Body.String(), "segment_000.ts")
	assert.NotContains(t, rr.Body.String(), "#EXT-X-ENDLIST")
}

func TestGetVariantPlaylist_PartialPlaylistDisabledStillReturns404(t *testing.T) {
	dbDir := t.TempDir()
	s, err := sqlite.Open("file:"+filepath.Join(dbDir, "test.db"), slog.New(slog.NewTextHandler(os.Stderr, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	baseDir := t.TempDir()
	osStore, err := objectstore.NewLocalStore(baseDir, "/objects")
	require.NoError(t, err)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.NewWithClient(redisClient, time.Minute)

	srv := NewServer(s, osStore, c, time.Minute, false, nil, slog.New(slog.NewTextHandler(os.Stderr, nil)))

	ctx := context.Background()
	require.NoError(t, osStore.Put(ctx, objectstore.RenditionKey("chapter-1", 128, "segment_000.ts"), strings.NewReader("ts-bytes"), "video/mp2t"))

	rr := doRequest(srv, http.MethodGet, "/api/v1/stream/chapters/chapter-1/128/playlist.m3u8", "user-1")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestGetVariantPlaylist_ListsSegmentsFromObjectStore(t *testing.T) {
	srv, s, osStore, _ := newTestServer(t)
	seedCompletedRendition(t, s, osStore, "chapter-1", 128, []string{"segment_000.ts", "segment_001.ts"})

	rr := doRequest(srv, http.MethodGet, "/api/v1/stream/chapters/chapter-1/128/playlist.m3u8", "user-1")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "segment_000.ts")
	assert.Contains(t, rr.Body.String(), "segment_001.ts")
	assert.Contains(t, rr.Body.String(), "#EXT-X-ENDLIST")
}

func TestGetSegment_MissingSegmentReturns404(t *testing.T) {
	srv, s, osStore, _ := newTestServer(t)
	seedCompletedRendition(t, s, osStore, "chapter-1", 128, []string{"segment_000.ts"})

	rr := doRequest(srv, http.MethodGet, "/api/v1/stream/chapters/chapter-1/128/segments/segment_099.ts", "user-1")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestGetSegment_ServesFromObjectStoreThenCache(t *testing.T) {
	srv, s, osStore, c := newTestServer(t)
	seedCompletedRendition(t, s, osStore, "chapter-1", 128, []string{"segment_000.ts"})

	rr := doRequest(srv, http.MethodGet, "/api/v1/stream/chapters/chapter-1/128/segments/segment_000.ts", "user-1")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "video/mp2t", rr.Header().Get("Content-Type"))
	assert.Equal(t, "ts-bytes", rr.Body.String())

	_, err := c.Get(context.Background(), cache.SegmentKey("chapter-1_128_000"))
	assert.NoError(t, err)
}

func TestGetStreamingStatus_NoJobNoRenditionsIsNotStarted(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	rr := doRequest(srv, http.MethodGet, "/api/v1/stream/chapters/chapter-1/status", "user-1")
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, string(domain.StreamingNotStarted), body.Data["transcoding_status"])
	assert.Equal(t, false, body.Data["can_stream"])
}

func TestGetStreamingStatus_PartialWhenSomeBitratesCompleted(t *testing.T) {
	srv, s, osStore, _ := newTestServer(t)
	seedCompletedRendition(t, s, osStore, "chapter-1", 64, []string{"segment_000.ts"})

	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.CreateJob(ctx, &domain.TranscodingJob{
		ID: "job-1", ChapterID: "chapter-1", Status: domain.JobProcessing,
		TotalBitrates: []int{64, 128, 256}, CreatedAt: now, UpdatedAt: now,
	}))

	rr := doRequest(srv, http.MethodGet, "/api/v1/stream/chapters/chapter-1/status", "user-1")
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, string(domain.StreamingPartial), body.Data["transcoding_status"])
	assert.Equal(t, true, body.Data["can_stream"])
}

func TestGetStreamingStatus_CompletedWhenAllBitratesDone(t *testing.T) {
	srv, s, osStore, _ := newTestServer(t)
	seedCompletedRendition(t, s, osStore, "chapter-1", 64, []string{"segment_000.ts"})

	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.CreateJob(ctx, &domain.TranscodingJob{
		ID: "job-1", ChapterID: "chapter-1", Status: domain.JobCompleted,
		TotalBitrates: []int{64}, CreatedAt: now, UpdatedAt: now, CompletedAt: &now, Progress: 100,
	}))

	rr := doRequest(srv, http.MethodGet, "/api/v1/stream/chapters/chapter-1/status", "user-1")
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, string(domain.StreamingCompleted), body.Data["transcoding_status"])
}

func TestPreloadChapter_WarmsSegmentsIntoCache(t *testing.T) {
	srv, s, osStore, c := newTestServer(t)
	seedCompletedRendition(t, s, osStore, "chapter-1", 128, []string{"segment_000.ts", "segment_001.ts"})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/stream/chapters/chapter-1/preload", strings.NewReader(`{"bitrate":128}`))
	req.Header.Set("user_id", "user-1")
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "preloaded", body.Data["status"])
	assert.EqualValues(t, 2, body.Data["segments_preloaded"])

	_, err := c.Get(context.Background(), cache.SegmentKey("chapter-1_128_000"))
	assert.NoError(t, err)
	_, err = c.Get(context.Background(), cache.SegmentKey("chapter-1_128_001"))
	assert.NoError(t, err)
}

func TestPreloadChapter_NoBodyDerivesRecommendedBitrate(t *testing.T) {
	srv, s, osStore, _ := newTestServer(t)
	seedCompletedRendition(t, s, osStore, "chapter-1", 128, []string{"segment_000.ts"})

	rr := doRequest(srv, http.MethodPost, "/api/v1/stream/chapters/chapter-1/preload", "user-1")
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.EqualValues(t, 128, body.Data["bitrate"])
}

func TestGetAnalytics_ReflectsHitAndMissCounters(t *testing.T) {
	srv, s, osStore, _ := newTestServer(t)
	seedCompletedRendition(t, s, osStore, "chapter-1", 128, []string{"segment_000.ts"})

	doRequest(srv, http.MethodGet, "/api/v1/stream/chapters/chapter-1/master.m3u8", "user-1")
	doRequest(srv, http.MethodGet, "/api/v1/stream/chapters/chapter-1/master.m3u8", "user-1")

	rr := doRequest(srv, http.MethodGet, "/api/v1/stream/analytics", "user-1")
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Data Snapshot `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, int64(1), body.Data.CacheMisses)
	assert.Equal(t, int64(1), body.Data.CacheHits)
}
