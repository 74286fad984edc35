package streamapi

import (
	"context"
	"encoding/json/v2"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/chapterstream/transcoder/internal/apierrors"
	"github.com/chapterstream/transcoder/internal/cache"
	"github.com/chapterstream/transcoder/internal/domain"
	"github.com/chapterstream/transcoder/internal/hls"
	"github.com/chapterstream/transcoder/internal/httpresponse"
	"github.com/chapterstream/transcoder/internal/objectstore"
)

// segmentFilename matches the canonical on-disk segment name, used to
// recover the segment's index for its composite cache id.
var segmentFilename = regexp.MustCompile(`^segment_(\d+)\.ts$`)

// defaultTargetDuration is used to annotate #EXT-X-TARGETDURATION when no
// finer-grained per-rendition value is tracked.
const defaultTargetDuration = 10

// handleGetMasterPlaylist serves GetMasterPlaylist: generate-on-the-fly
// with a recommended variant, cached under stream:playlist:{chapter_id}:master.
func (s *Server) handleGetMasterPlaylist(w http.ResponseWriter, r *http.Request) {
	chapterID := chi.URLParam(r, "chapterID")
	ctx := r.Context()

	key := cache.PlaylistKey(chapterID, 0)
	if cached, err := s.Cache.Get(ctx, key); err == nil {
		s.Analytics.RecordHit()
		s.writePlaylist(w, cached, "public, max-age=300")
		return
	} else if err != cache.ErrMiss {
		s.Logger.Warn("master playlist cache read failed", "chapter_id", chapterID, "error", err)
	}
	s.Analytics.RecordMiss()

	available, err := s.completedBitrates(ctx, chapterID)
	if err != nil {
		httpresponse.HandleError(w, err, s.Logger)
		return
	}
	if len(available) == 0 {
		httpresponse.NotFound(w, fmt.Sprintf("no renditions available for chapter %s", chapterID), s.Logger)
		return
	}

	clientBandwidth := parseIntQuery(r, "bandwidth")
	preferredBitrate := parseIntQuery(r, "bitrate")
	recommended := hls.RecommendedBitrate(available, clientBandwidth, preferredBitrate)

	playlist := hls.MasterPlaylist(available, recommended)

	if err := s.Cache.Set(ctx, key, []byte(playlist)); err != nil {
		s.Logger.Warn("master playlist cache write failed", "chapter_id", chapterID, "error", err)
	}
	s.writePlaylist(w, []byte(playlist), "public, max-age=300")
}

// handleGetVariantPlaylist serves GetVariantPlaylist: requires the
// rendition to be completed, regenerating from the object store's
// segment listing on a cache miss.
func (s *Server) handleGetVariantPlaylist(w http.ResponseWriter, r *http.Request) {
	chapterID := chi.URLParam(r, "chapterID")
	ctx := r.Context()

	bitrate, err := strconv.Atoi(chi.URLParam(r, "bitrate"))
	if err != nil {
		httpresponse.BadRequest(w, "bitrate must be an integer", s.Logger)
		return
	}

	rendition, err := s.Store.GetRendition(ctx, chapterID, bitrate)
	if err != nil || rendition.Status != domain.RenditionCompleted {
		if s.AllowPartialPlaylist {
			if s.servePartialVariantPlaylist(w, ctx, chapterID, bitrate) {
				return
			}
		}
		httpresponse.NotFound(w, fmt.Sprintf("rendition %s/%dk not found", chapterID, bitrate), s.Logger)
		return
	}

	key := cache.PlaylistKey(chapterID, bitrate)
	if cached, err := s.Cache.Get(ctx, key); err == nil {
		s.Analytics.RecordHit()
		s.writePlaylist(w, cached, "public, max-age=60")
		return
	} else if err != cache.ErrMiss {
		s.Logger.Warn("variant playlist cache read failed", "chapter_id", chapterID, "bitrate", bitrate, "error", err)
	}
	s.Analytics.RecordMiss()

	objects, err := s.ObjectStore.List(ctx, rendition.SegmentsPath)
	if err != nil {
		httpresponse.HandleError(w, apierrors.StorageErrorf(err, "list segments for %s/%dk", chapterID, bitrate), s.Logger)
		return
	}

	segments := make([]string, 0, len(objects))
	for _, obj := range objects {
		name := obj.Key[strings.LastIndex(obj.Key, "/")+1:]
		if segmentFilename.MatchString(name) {
			segments = append(segments, name)
		}
	}
	sort.Strings(segments)

	playlist := hls.VariantPlaylist(segments, defaultTargetDuration)

	if err := s.Cache.Set(ctx, key, []byte(playlist)); err != nil {
		s.Logger.Warn("variant playlist cache write failed", "chapter_id", chapterID, "bitrate", bitrate, "error", err)
	}
	s.writePlaylist(w, []byte(playlist), "public, max-age=60")
}

// servePartialVariantPlaylist serves a variant playlist assembled from
// whatever segments the object store already holds for a rendition that
// has not reached RenditionCompleted yet (transcoding is still writing
// to it, or no Rendition row exists at all). There is no "processing"
// Rendition row to read progress from, so segment presence in the store
// is the only signal. Returns false, writing nothing, if the store has
// no segments yet, so the caller can fall back to its usual 404.
func (s *Server) servePartialVariantPlaylist(w http.ResponseWriter, ctx context.Context, chapterID string, bitrate int) bool {
	objects, err := s.ObjectStore.List(ctx, objectstore.RenditionPrefix(chapterID, bitrate))
	if err != nil {
		s.Logger.Warn("partial playlist segment listing failed", "chapter_id", chapterID, "bitrate", bitrate, "error", err)
		return false
	}

	segments := make([]string, 0, len(objects))
	for _, obj := range objects {
		name := obj.Key[strings.LastIndex(obj.Key, "/")+1:]
		if segmentFilename.MatchString(name) {
			segments = append(segments, name)
		}
	}
	if len(segments) == 0 {
		return false
	}

	playlist := hls.PartialVariantPlaylist(segments, defaultTargetDuration)
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(playlist))
	return true
}

// handleGetSegment serves GetSegment: requires the rendition to be
// completed, fetching from the object store on a cache miss.
func (s *Server) handleGetSegment(w http.ResponseWriter, r *http.Request) {
	chapterID := chi.URLParam(r, "chapterID")
	ctx := r.Context()

	bitrate, err := strconv.Atoi(chi.URLParam(r, "bitrate"))
	if err != nil {
		httpresponse.BadRequest(w, "bitrate must be an integer", s.Logger)
		return
	}
	segmentFile := chi.URLParam(r, "segmentID")

	rendition, err := s.requireCompletedRendition(w, ctx, chapterID, bitrate)
	if err != nil {
		return
	}

	cacheKey := cache.SegmentKey(segmentCompositeID(chapterID, bitrate, segmentFile))
	if cached, err := s.Cache.Get(ctx, cacheKey); err == nil {
		s.Analytics.RecordHit()
		s.writeSegment(w, cached)
		return
	} else if err != cache.ErrMiss {
		s.Logger.Warn("segment cache read failed", "chapter_id", chapterID, "bitrate", bitrate, "error", err)
	}
	s.Analytics.RecordMiss()

	key := rendition.SegmentsPath + "/" + segmentFile
	rc, err := s.ObjectStore.Get(ctx, key)
	if err != nil {
		if err == objectstore.ErrNotExist {
			httpresponse.NotFound(w, "segment not found", s.Logger)
			return
		}
		httpresponse.HandleError(w, apierrors.StorageErrorf(err, "fetch segment %s", key), s.Logger)
		return
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		httpresponse.HandleError(w, apierrors.StorageErrorf(err, "read segment %s", key), s.Logger)
		return
	}

	if err := s.Cache.Set(ctx, cacheKey, data); err != nil {
		s.Logger.Warn("segment cache write failed", "chapter_id", chapterID, "bitrate", bitrate, "error", err)
	}
	s.writeSegment(w, data)
}

// handleGetStreamingStatus serves GetStreamingStatus, synthesizing a
// status from the latest job row and the rendition set rather than
// storing one directly.
func (s *Server) handleGetStreamingStatus(w http.ResponseWriter, r *http.Request) {
	chapterID := chi.URLParam(r, "chapterID")
	ctx := r.Context()

	available, err := s.completedBitrates(ctx, chapterID)
	if err != nil {
		httpresponse.HandleError(w, err, s.Logger)
		return
	}

	job, jobErr := s.Store.LatestJobByChapter(ctx, chapterID)

	status := deriveStreamingStatus(job, jobErr, available)

	var estimatedBandwidth int
	if len(available) > 0 {
		sorted := append([]int(nil), available...)
		sort.Ints(sorted)
		estimatedBandwidth = sorted[len(sorted)-1] * 1000
	}

	httpresponse.Success(w, map[string]any{
		"chapter_id":          chapterID,
		"available_bitrates":  available,
		"transcoding_status":  status,
		"can_stream":          len(available) > 0,
		"estimated_bandwidth": estimatedBandwidth,
	}, s.Logger)
}

func deriveStreamingStatus(job *domain.TranscodingJob, jobErr error, available []int) domain.StreamingStatus {
	if jobErr != nil {
		if len(available) > 0 {
			return domain.StreamingPartial
		}
		return domain.StreamingNotStarted
	}

	allCompleted := len(job.TotalBitrates) > 0 && len(available) >= len(job.TotalBitrates)
	if len(available) > 0 && !allCompleted {
		return domain.StreamingPartial
	}

	switch job.Status {
	case domain.JobPending:
		return domain.StreamingPending
	case domain.JobProcessing:
		return domain.StreamingProcessing
	case domain.JobCompleted:
		return domain.StreamingCompleted
	case domain.JobFailed:
		return domain.StreamingFailed
	default:
		return domain.StreamingNotStarted
	}
}

// preloadRequest is the optional JSON body for PreloadChapter.
type preloadRequest struct {
	Bitrate int `json:"bitrate"`
}

// handlePreloadChapter serves PreloadChapter: synchronously warms up to
// PreloadMax segments of one rendition into the cache.
func (s *Server) handlePreloadChapter(w http.ResponseWriter, r *http.Request) {
	chapterID := chi.URLParam(r, "chapterID")
	ctx := r.Context()

	var req preloadRequest
	if r.Body != nil {
		_ = json.UnmarshalRead(r.Body, &req)
	}

	bitrate := req.Bitrate
	if bitrate == 0 {
		available, err := s.completedBitrates(ctx, chapterID)
		if err != nil {
			httpresponse.HandleError(w, err, s.Logger)
			return
		}
		if len(available) == 0 {
			httpresponse.NotFound(w, fmt.Sprintf("no renditions available for chapter %s", chapterID), s.Logger)
			return
		}
		bitrate = hls.RecommendedBitrate(available, 0, 0)
	}

	rendition, err := s.requireCompletedRendition(w, ctx, chapterID, bitrate)
	if err != nil {
		return
	}

	objects, err := s.ObjectStore.List(ctx, rendition.SegmentsPath)
	if err != nil {
		httpresponse.HandleError(w, apierrors.StorageErrorf(err, "list segments for %s/%dk", chapterID, bitrate), s.Logger)
		return
	}

	loaded := 0
	for _, obj := range objects {
		if loaded >= PreloadMax {
			break
		}
		name := obj.Key[strings.LastIndex(obj.Key, "/")+1:]
		if !segmentFilename.MatchString(name) {
			continue
		}

		rc, err := s.ObjectStore.Get(ctx, obj.Key)
		if err != nil {
			s.Logger.Warn("preload segment fetch failed", "key", obj.Key, "error", err)
			continue
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			s.Logger.Warn("preload segment read failed", "key", obj.Key, "error", err)
			continue
		}

		cacheKey := cache.SegmentKey(segmentCompositeID(chapterID, bitrate, name))
		if err := s.Cache.Set(ctx, cacheKey, data); err != nil {
			s.Logger.Warn("preload segment cache write failed", "key", obj.Key, "error", err)
			continue
		}
		loaded++
	}

	httpresponse.Success(w, map[string]any{
		"chapter_id":         chapterID,
		"bitrate":            bitrate,
		"status":             "preloaded",
		"segments_preloaded": loaded,
	}, s.Logger)
}

// handleGetAnalytics serves GetAnalytics: per-process cache counters and
// hit rate.
func (s *Server) handleGetAnalytics(w http.ResponseWriter, r *http.Request) {
	httpresponse.Success(w, s.Analytics.Snapshot(), s.Logger)
}

// completedBitrates returns the sorted set of bitrates with a completed
// Rendition for chapterID.
func (s *Server) completedBitrates(ctx context.Context, chapterID string) ([]int, error) {
	renditions, err := s.Store.ListRenditionsByChapter(ctx, chapterID)
	if err != nil {
		return nil, apierrors.DBError(err, true)
	}

	var bitrates []int
	for _, r := range renditions {
		if r.Status == domain.RenditionCompleted {
			bitrates = append(bitrates, r.Bitrate)
		}
	}
	sort.Ints(bitrates)
	return bitrates, nil
}

// requireCompletedRendition loads the (chapterID, bitrate) Rendition and
// writes a 404 response if it is absent or not yet completed. The second
// return value is non-nil only on success.
func (s *Server) requireCompletedRendition(w http.ResponseWriter, ctx context.Context, chapterID string, bitrate int) (*domain.Rendition, error) {
	rendition, err := s.Store.GetRendition(ctx, chapterID, bitrate)
	if err != nil {
		httpresponse.NotFound(w, fmt.Sprintf("rendition %s/%dk not found", chapterID, bitrate), s.Logger)
		return nil, err
	}
	if rendition.Status != domain.RenditionCompleted {
		httpresponse.NotFound(w, fmt.Sprintf("rendition %s/%dk not completed", chapterID, bitrate), s.Logger)
		return nil, apierrors.NotFoundf("rendition %s/%dk not completed", chapterID, bitrate)
	}
	return rendition, nil
}

func (s *Server) writePlaylist(w http.ResponseWriter, body []byte, cacheControl string) {
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", cacheControl)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (s *Server) writeSegment(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func parseIntQuery(r *http.Request, key string) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return v
}

// segmentCompositeID recovers the zero-padded segment index out of its
// on-disk filename and builds the cache-key composite id
// "{chapter_id}_{bitrate}_{NNN}". If segmentFile doesn't match the
// canonical pattern, it is used verbatim as the index component so a
// cache key is still produced.
func segmentCompositeID(chapterID string, bitrate int, segmentFile string) string {
	matches := segmentFilename.FindStringSubmatch(segmentFile)
	if len(matches) != 2 {
		return chapterID + "_" + strconv.Itoa(bitrate) + "_" + segmentFile
	}
	index, err := strconv.Atoi(matches[1])
	if err != nil {
		return chapterID + "_" + strconv.Itoa(bitrate) + "_" + segmentFile
	}
	return hls.SegmentID(chapterID, bitrate, index)
}
