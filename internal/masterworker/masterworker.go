// Package masterworker consumes MasterJob payloads from the
// master-playlist fan-in queue, polls the rendition table until the first
// bitrate for a chapter completes, and writes the chapter's master
// playlist.
package masterworker

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/chapterstream/transcoder/internal/apierrors"
	"github.com/chapterstream/transcoder/internal/cache"
	"github.com/chapterstream/transcoder/internal/domain"
	"github.com/chapterstream/transcoder/internal/hls"
	"github.com/chapterstream/transcoder/internal/objectstore"
	"github.com/chapterstream/transcoder/internal/store"
	"github.com/chapterstream/transcoder/internal/workqueue"
)

const (
	progressStarted  = 10
	progressComposed = 30
	progressDone     = 100

	// pollInterval and pollDeadline implement "poll every 5s, bounded by a
	// 30-minute deadline" for the first completed rendition to appear.
	pollInterval = 5 * time.Second
	pollDeadline = 30 * time.Minute

	dequeueTimeout     = 5 * time.Second
	promoteDueInterval = time.Second
)

// Worker assembles a chapter's master playlist as soon as the first of
// its bitrate renditions completes, per "first rendition wins":
// partial-success is acceptable and waiting for every bitrate would
// stall a listener on the slowest encode.
type Worker struct {
	Store       store.Store
	ObjectStore objectstore.Store
	Cache       *cache.Cache
	Queue       *workqueue.Queue
	Logger      *slog.Logger
}

// Run drains the master queue with concurrency 1, the contract for MQ.
func (w *Worker) Run(ctx context.Context) error {
	go w.promoteLoop(ctx)

	for {
		if ctx.Err() != nil {
			return nil
		}

		job, err := w.Queue.Dequeue(ctx, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.Logger.Error("dequeue master job failed", "error", err)
			continue
		}
		if job == nil {
			continue
		}

		if err := w.process(ctx, *job); err != nil {
			w.Logger.Error("master job failed", "job_id", job.ID, "error", err)
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

func (w *Worker) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(promoteDueInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Queue.PromoteDue(ctx); err != nil {
				w.Logger.Warn("promote delayed master jobs failed", "error", err)
			}
		}
	}
}

func (w *Worker) process(ctx context.Context, qjob workqueue.Job) error {
	var mj domain.MasterJob
	if err := json.Unmarshal(qjob.Payload, &mj); err != nil {
		return apierrors.Validationf("unmarshal master job: %v", err)
	}

	w.advanceProgress(ctx, mj.ChapterID, progressStarted)

	completed, err := w.pollForFirstCompletion(ctx, mj.ChapterID, mj.VariantBitrates)
	if err != nil {
		w.failJob(ctx, mj.ChapterID, err.Error())
		return err
	}

	w.advanceProgress(ctx, mj.ChapterID, progressComposed)

	// Unlike the streaming read path's on-the-fly master playlist, the
	// file persisted here carries no RESOLUTION annotation: there is no
	// per-request client bandwidth to recommend a variant for.
	playlist := hls.MasterPlaylist(completed, 0)

	if err := w.ObjectStore.Put(ctx, objectstore.MasterPlaylistKey(mj.ChapterID),
		bytes.NewReader([]byte(playlist)), "application/vnd.apple.mpegurl"); err != nil {
		wrapped := apierrors.StorageErrorf(err, "upload master playlist for %s", mj.ChapterID)
		w.failJob(ctx, mj.ChapterID, wrapped.Error())
		return wrapped
	}

	if w.Cache != nil {
		if err := w.Cache.Invalidate(ctx, cache.PlaylistKey(mj.ChapterID, 0)); err != nil {
			w.Logger.Warn("invalidate master playlist cache failed", "chapter_id", mj.ChapterID, "error", err)
		}
	}

	w.advanceProgress(ctx, mj.ChapterID, progressDone)
	return nil
}

// pollForFirstCompletion blocks until at least one bitrate in wanted has
// a completed Rendition, or returns an error once pollDeadline elapses.
func (w *Worker) pollForFirstCompletion(ctx context.Context, chapterID string, wanted []int) ([]int, error) {
	deadline := time.Now().Add(pollDeadline)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		completed, err := w.completedBitrates(ctx, chapterID, wanted)
		if err != nil {
			return nil, err
		}
		if len(completed) > 0 {
			return completed, nil
		}
		if time.Now().After(deadline) {
			return nil, apierrors.Internalf("no rendition for chapter %s completed within 30m deadline", chapterID)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Worker) completedBitrates(ctx context.Context, chapterID string, wanted []int) ([]int, error) {
	renditions, err := w.Store.ListRenditionsByChapter(ctx, chapterID)
	if err != nil {
		return nil, apierrors.DBError(err, true)
	}

	want := make(map[int]bool, len(wanted))
	for _, b := range wanted {
		want[b] = true
	}

	var completed []int
	for _, r := range renditions {
		if want[r.Bitrate] && r.Status == domain.RenditionCompleted {
			completed = append(completed, r.Bitrate)
		}
	}
	return completed, nil
}

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

func (w *Worker) failJob(ctx context.Context, chapterID, message string) {
	job, err := w.Store.LatestJobByChapter(ctx, chapterID)
	if err != nil {
		w.Logger.Warn("load job for failure record failed", "chapter_id", chapterID, "error", err)
		return
	}
	if job.Status == domain.JobCompleted || job.Status == domain.JobFailed {
		return
	}
	job.MarkFailed(time.Now(), message)
	if err := w.Store.UpdateJob(ctx, job); err != nil {
		w.Logger.Warn("record master job failure failed", "chapter_id", chapterID, "error", err)
	}
}
