// Package bitrateworker consumes BitrateJob payloads from a single
// bitrate's work queue, invokes the media encoder, uploads the produced
// HLS artifacts to the object store, and upserts the chapter's Rendition
// row for that bitrate.
package bitrateworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chapterstream/transcoder/internal/apierrors"
	"github.com/chapterstream/transcoder/internal/domain"
	"github.com/chapterstream/transcoder/internal/encoder"
	"github.com/chapterstream/transcoder/internal/objectstore"
	"github.com/chapterstream/transcoder/internal/store"
	"github.com/chapterstream/transcoder/internal/workqueue"
)

const (
	// progressAdvanced is set as soon as a job is dequeued, per §4.2 step 1.
	progressAdvanced = 10
	// progressEncodeFloor/Ceil bound the range the encoder's own progress
	// callback is rescaled into, leaving headroom for upload and upsert.
	progressEncodeFloor = 10
	progressEncodeCeil  = 90
	progressDone        = 100

	dequeueTimeout      = 5 * time.Second
	promoteDueInterval  = time.Second
	localScratchDir     = "storage"
	localInputMirrorDir = "storage"
	localTempDirName    = "temp"
)

// Worker transcodes BitrateJob payloads into one completed Rendition per
// (chapter, bitrate).
type Worker struct {
	Store       store.Store
	ObjectStore objectstore.Store
	Encoder     *encoder.Encoder
	Queue       *workqueue.Queue
	Logger      *slog.Logger

	Bitrate         int
	Environment     string // config.AppConfig.Environment: "development" mirrors input locally
	StorageProvider domain.StorageProvider
	// LocalBasePath is the local object store's base directory. When
	// StorageProvider is local, the encoder writes directly into this
	// tree so no upload step is needed.
	LocalBasePath string
	MaxAttempts   int
	// JobTimeout bounds a single encoder invocation (BULL_JOB_TIMEOUT).
	// On expiry the ffmpeg subprocess is killed and the job fails, subject
	// to the usual retry/backoff policy.
	JobTimeout time.Duration
}

// Run drains the bitrate queue with concurrency goroutines until ctx is
// canceled, per the spec's "concurrency 2 per bitrate queue" contract.
func (w *Worker) Run(ctx context.Context, concurrency int) error {
	go w.promoteLoop(ctx)

	done := make(chan struct{}, concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			w.loop(ctx)
		}()
	}
	for i := 0; i < concurrency; i++ {
		<-done
	}
	return nil
}

func (w *Worker) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(promoteDueInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Queue.PromoteDue(ctx); err != nil {
				w.Logger.Warn("promote delayed bitrate jobs failed", "bitrate", w.Bitrate, "error", err)
			}
		}
	}
}

func (w *Worker) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := w.Queue.Dequeue(ctx, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.Logger.Error("dequeue failed", "bitrate", w.Bitrate, "error", err)
			continue
		}
		if job == nil {
			continue
		}

		if err := w.process(ctx, *job); err != nil {
			w.Logger.Error("bitrate job failed", "bitrate", w.Bitrate, "job_id", job.ID, "attempt", job.Attempt, "error", err)
			if nackErr := w.Queue.Nack(ctx, *job); nackErr != nil {
				w.Logger.Error("nack failed", "job_id", job.ID, "error", nackErr)
			}
			continue
		}
		if err := w.Queue.Ack(ctx, job.ID); err != nil {
			w.Logger.Error("ack failed", "job_id", job.ID, "error", err)
		}
	}
}

// process runs one BitrateJob through materialize → encode → upload →
// upsert, per §4.2.
func (w *Worker) process(ctx context.Context, qjob workqueue.Job) error {
	var bj domain.BitrateJob
	if err := json.Unmarshal(qjob.Payload, &bj); err != nil {
		return apierrors.Validationf("unmarshal bitrate job: %v", err)
	}

	w.advanceProgress(ctx, bj.ChapterID, progressAdvanced)

	existing, err := w.Store.GetRendition(ctx, bj.ChapterID, bj.Bitrate)
	switch {
	case err == nil && existing.Status == domain.RenditionCompleted:
		w.advanceProgress(ctx, bj.ChapterID, progressDone)
		return nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return apierrors.DBError(err, true)
	}

	localInput, err := w.materializeInput(ctx, bj.InputPath)
	if err != nil {
		return w.giveUp(ctx, qjob, bj.ChapterID, bj.Bitrate, err)
	}

	staged, err := w.stageInput(localInput)
	if err != nil {
		return w.giveUp(ctx, qjob, bj.ChapterID, bj.Bitrate, apierrors.StorageErrorf(err, "stage input for %s", bj.ChapterID))
	}
	defer os.Remove(staged)

	if codec, err := w.Encoder.ProbeCodec(ctx, staged); err == nil && !w.Encoder.CanDecode(ctx, codec) {
		return w.giveUp(ctx, qjob, bj.ChapterID, bj.Bitrate,
			apierrors.InputMissingf("source codec %s has no ffmpeg decoder", codec))
	}

	outDir, uploadNeeded := w.encodeOutputDir(bj.ChapterID, bj.Bitrate)
	if uploadNeeded {
		defer os.RemoveAll(outDir)
	}

	encodeCtx := ctx
	if w.JobTimeout > 0 {
		var cancel context.CancelFunc
		encodeCtx, cancel = context.WithTimeout(ctx, w.JobTimeout)
		defer cancel()
	}

	_, err = w.Encoder.Transcode(encodeCtx, encoder.Options{
		InputPath:       staged,
		OutputDir:       outDir,
		Bitrate:         bj.Bitrate,
		SegmentDuration: bj.SegmentDuration,
	}, func(percent int) {
		scaled := progressEncodeFloor + percent*(progressEncodeCeil-progressEncodeFloor)/100
		w.advanceProgress(ctx, bj.ChapterID, scaled)
	})
	if err != nil {
		return w.giveUp(ctx, qjob, bj.ChapterID, bj.Bitrate, err)
	}

	if uploadNeeded {
		if err := w.upload(ctx, outDir, bj.ChapterID, bj.Bitrate); err != nil {
			return w.giveUp(ctx, qjob, bj.ChapterID, bj.Bitrate, apierrors.StorageErrorf(err, "upload rendition %s/%dk", bj.ChapterID, bj.Bitrate))
		}
	}

	now := time.Now()
	rendition := &domain.Rendition{
		ChapterID:       bj.ChapterID,
		Bitrate:         bj.Bitrate,
		Status:          domain.RenditionCompleted,
		PlaylistURL:     w.ObjectStore.URL(objectstore.RenditionKey(bj.ChapterID, bj.Bitrate, "playlist.m3u8")),
		SegmentsPath:    objectstore.RenditionPrefix(bj.ChapterID, bj.Bitrate),
		StorageProvider: w.StorageProvider,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if existing != nil {
		rendition.CreatedAt = existing.CreatedAt
	}
	if err := w.Store.UpsertRendition(ctx, rendition); err != nil {
		return w.giveUp(ctx, qjob, bj.ChapterID, bj.Bitrate, apierrors.DBError(err, true))
	}

	w.advanceProgress(ctx, bj.ChapterID, progressDone)
	w.settleJobIfResolved(ctx, bj.ChapterID)
	return nil
}

// giveUp records a rendition/job failure only once the queue's retry
// budget for this bitrate is exhausted (or the error is deterministic and
// will never succeed on retry), matching "one failing bitrate does not
// affect others". It always returns err so the caller nacks/backs off.
func (w *Worker) giveUp(ctx context.Context, qjob workqueue.Job, chapterID string, bitrate int, err error) error {
	final := isInputMissing(err) || qjob.Attempt+1 >= w.MaxAttempts
	if !final {
		return err
	}

	now := time.Now()
	failed := &domain.Rendition{
		ChapterID:       chapterID,
		Bitrate:         bitrate,
		Status:          domain.RenditionFailed,
		ErrorMessage:    err.Error(),
		StorageProvider: w.StorageProvider,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if existing, getErr := w.Store.GetRendition(ctx, chapterID, bitrate); getErr == nil {
		failed.CreatedAt = existing.CreatedAt
	}
	if upsertErr := w.Store.UpsertRendition(ctx, failed); upsertErr != nil {
		w.Logger.Error("record rendition failure failed", "chapter_id", chapterID, "bitrate", bitrate, "error", upsertErr)
	}

	w.settleJobIfResolved(ctx, chapterID)
	return err
}

func isInputMissing(err error) bool {
	var apiErr *apierrors.Error
	return errors.As(err, &apiErr) && apiErr.Code == apierrors.CodeInputMissing
}

// settleJobIfResolved transitions the chapter's latest TranscodingJob row
// to completed or failed once every bitrate in its TotalBitrates set has
// a terminal (completed or failed) Rendition. Workers for sibling
// bitrates race harmlessly here: UpdateJob is idempotent once terminal.
func (w *Worker) settleJobIfResolved(ctx context.Context, chapterID string) {
	job, err := w.Store.LatestJobByChapter(ctx, chapterID)
	if err != nil {
		w.Logger.Warn("load latest job for settlement failed", "chapter_id", chapterID, "error", err)
		return
	}
	if job.Status == domain.JobCompleted || job.Status == domain.JobFailed || len(job.TotalBitrates) == 0 {
		return
	}

	renditions, err := w.Store.ListRenditionsByChapter(ctx, chapterID)
	if err != nil {
		w.Logger.Warn("list renditions for settlement failed", "chapter_id", chapterID, "error", err)
		return
	}
	byBitrate := make(map[int]*domain.Rendition, len(renditions))
	for _, r := range renditions {
		byBitrate[r.Bitrate] = r
	}

	var failedBitrates []string
	for _, b := range job.TotalBitrates {
		r, ok := byBitrate[b]
		if !ok || r.Status == domain.RenditionProcessing {
			return // at least one sibling bitrate is still in flight
		}
		if r.Status == domain.RenditionFailed {
			failedBitrates = append(failedBitrates, strconv.Itoa(b)+"k")
		}
	}

	now := time.Now()
	if len(failedBitrates) > 0 {
		job.MarkFailed(now, fmt.Sprintf("bitrate(s) failed: %s", strings.Join(failedBitrates, ", ")))
	} else {
		job.MarkCompleted(now)
	}
	if err := w.Store.UpdateJob(ctx, job); err != nil {
		w.Logger.Warn("settle job failed", "chapter_id", chapterID, "error", err)
	}
}

// advanceProgress loads the chapter's latest job row and sets its
// progress field, ignoring terminal jobs. Progress updates from sibling
// bitrate workers race harmlessly: the most-recent write wins.
func (w *Worker) advanceProgress(ctx context.Context, chapterID string, percent int) {
	job, err := w.Store.LatestJobByChapter(ctx, chapterID)
	if err != nil {
		w.Logger.Warn("load job for progress update failed", "chapter_id", chapterID, "error", err)
		return
	}
	if job.Status == domain.JobCompleted || job.Status == domain.JobFailed {
		return
	}
	if percent > job.Progress {
		job.Progress = percent
		job.UpdatedAt = time.Now()
		if err := w.Store.UpdateJob(ctx, job); err != nil {
			w.Logger.Warn("progress update failed", "chapter_id", chapterID, "error", err)
		}
	}
}

// materializeInput ensures the chapter's source audio is reachable from
// local disk for the encoder subprocess. In development it always mirrors
// a copy from the object store; otherwise a local-provider store is read
// directly off LocalBasePath, and any other provider is mirrored too.
func (w *Worker) materializeInput(ctx context.Context, filePath string) (string, error) {
	if w.Environment != "development" && w.StorageProvider == domain.StorageLocal {
		full := filepath.Join(w.LocalBasePath, filePath)
		if _, err := os.Stat(full); err != nil {
			return "", apierrors.InputMissingf("source file %s not found on disk: %v", filePath, err)
		}
		return full, nil
	}

	exists, err := w.ObjectStore.Exists(ctx, filePath)
	if err != nil {
		return "", apierrors.StorageErrorf(err, "check source file %s", filePath)
	}
	if !exists {
		return "", apierrors.InputMissingf("source file %s not found in object store", filePath)
	}

	dst := filepath.Join(localInputMirrorDir, filePath)
	if err := w.copyFromStore(ctx, filePath, dst); err != nil {
		return "", apierrors.StorageErrorf(err, "mirror source file %s", filePath)
	}
	return dst, nil
}

func (w *Worker) copyFromStore(ctx context.Context, key, dst string) error {
	src, err := w.ObjectStore.Get(ctx, key)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(f, src)
	return err
}

// stageInput copies localInput to storage/temp/temp_{unix_ms}_{basename},
// per §4.2 step 3, isolating this job from concurrent workers touching
// the same mirrored source path.
func (w *Worker) stageInput(localInput string) (string, error) {
	tempDir := filepath.Join(localScratchDir, localTempDirName)
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return "", err
	}

	dst := filepath.Join(tempDir, fmt.Sprintf("temp_%d_%s", time.Now().UnixMilli(), filepath.Base(localInput)))
	src, err := os.Open(localInput)
	if err != nil {
		return "", err
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return "", err
	}
	return dst, nil
}

// encodeOutputDir picks where ffmpeg writes its output. For the local
// provider it writes straight into the object store's tree (no upload
// step); otherwise it writes to a scratch directory that must be
// uploaded and cleaned up afterward.
func (w *Worker) encodeOutputDir(chapterID string, bitrate int) (dir string, uploadNeeded bool) {
	if w.StorageProvider == domain.StorageLocal {
		return filepath.Join(w.LocalBasePath, objectstore.RenditionPrefix(chapterID, bitrate)), false
	}
	return filepath.Join(localScratchDir, localTempDirName, fmt.Sprintf("out_%s_%d_%d", chapterID, bitrate, time.Now().UnixMilli())), true
}

// upload pushes every file produced in localDir to the object store under
// the chapter/bitrate rendition prefix, with the MIME types the spec
// mandates for playlists and segments.
func (w *Worker) upload(ctx context.Context, localDir, chapterID string, bitrate int) error {
	entries, err := os.ReadDir(localDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		contentType := "video/mp2t"
		if name == "playlist.m3u8" {
			contentType = "application/vnd.apple.mpegurl"
		} else if !strings.HasPrefix(name, "segment_") {
			continue
		}

		f, err := os.Open(filepath.Join(localDir, name))
		if err != nil {
			return err
		}
		err = w.ObjectStore.Put(ctx, objectstore.RenditionKey(chapterID, bitrate, name), f, contentType)
		f.Close()
		if err != nil {
			return fmt.Errorf("upload %s: %w", name, err)
		}
	}
	return nil
}
