// Package intakeworker consumes ChapterTranscodeRequest messages from the
// priority-routed intake queues, decomposes each into per-bitrate jobs and
// one master-playlist job, and records the authoritative TranscodingJob
// row.
package intakeworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/chapterstream/transcoder/internal/broker"
	"github.com/chapterstream/transcoder/internal/domain"
	"github.com/chapterstream/transcoder/internal/id"
	"github.com/chapterstream/transcoder/internal/store"
	"github.com/chapterstream/transcoder/internal/workqueue"
)

// masterStartDelay is the wait imposed on a MasterJob so assembly begins
// after at least one bitrate job is underway.
const masterStartDelay = 5 * time.Second

// maxRetries bounds in-place nack/requeue attempts before a job is marked
// failed and escalated once to the low-priority queue.
const maxRetries = 3

// Worker decomposes intake requests into bitrate and master jobs.
type Worker struct {
	Broker *broker.Broker
	Store  store.Store
	Queues *workqueue.Queues
	Logger *slog.Logger

	SegmentDuration int
}

// Run consumes queue with concurrency workers goroutines until ctx is
// canceled.
func (w *Worker) Run(ctx context.Context, queue string, concurrency int) error {
	deliveries, err := w.Broker.Consume(ctx, queue, "intake-"+queue)
	if err != nil {
		return err
	}

	done := make(chan struct{}, concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					w.handle(ctx, d)
				}
			}
		}()
	}

	for i := 0; i < concurrency; i++ {
		<-done
	}
	return nil
}

func (w *Worker) handle(ctx context.Context, delivery amqp.Delivery) {
	var req domain.ChapterTranscodeRequest
	if err := json.Unmarshal(delivery.Body, &req); err != nil {
		w.Logger.Error("discarding malformed intake message", "error", err)
		delivery.Nack(false, false)
		return
	}

	if err := w.process(ctx, req); err != nil {
		w.Logger.Error("intake processing failed", "chapter_id", req.Chapter.ID, "error", err)
		w.retryOrEscalate(ctx, req, delivery)
		return
	}

	delivery.Ack(false)
}

func (w *Worker) process(ctx context.Context, req domain.ChapterTranscodeRequest) error {
	completed, err := w.Store.CompletedBitrates(ctx, req.Chapter.ID)
	if err != nil {
		return fmt.Errorf("load completed bitrates: %w", err)
	}

	fingerprint := req.Chapter.SourceFingerprint()
	if stale, err := w.sourceChanged(ctx, req.Chapter.ID, fingerprint); err != nil {
		return fmt.Errorf("check source staleness: %w", err)
	} else if stale {
		w.Logger.Info("chapter source changed since last dispatch, forcing re-transcode", "chapter_id", req.Chapter.ID)
		completed = nil
	}

	todo := make([]int, 0, len(req.Bitrates))
	for _, b := range req.Bitrates {
		if !completed[b] {
			todo = append(todo, b)
		}
	}
	if len(todo) == 0 {
		return nil
	}

	now := time.Now()
	jobID, err := id.NewJobID()
	if err != nil {
		return fmt.Errorf("generate job id: %w", err)
	}
	job := &domain.TranscodingJob{
		ID:            jobID,
		ChapterID:     req.Chapter.ID,
		Priority:      req.Priority,
		TotalBitrates: todo,
		SourceHash:    fingerprint,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	job.MarkProcessing(now)
	if err := w.Store.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("create job row: %w", err)
	}

	outputDir := "bit_transcode/" + req.Chapter.ID
	priority := req.Priority.NumericPriority()

	var enqueued int
	for _, bitrate := range todo {
		queue, ok := w.Queues.Bitrate[bitrate]
		if !ok {
			w.Logger.Warn("no queue configured for bitrate", "bitrate", bitrate)
			continue
		}

		bitrateJobID := fmt.Sprintf("%s-%dk-%d", req.Chapter.ID, bitrate, now.UnixMilli())
		payload, err := json.Marshal(domain.BitrateJob{
			ID:              bitrateJobID,
			ChapterID:       req.Chapter.ID,
			InputPath:       req.Chapter.FilePath,
			OutputDir:       outputDir,
			Bitrate:         bitrate,
			SegmentDuration: w.SegmentDuration,
			UserID:          req.UserID,
			Priority:        req.Priority,
		})
		if err != nil {
			return fmt.Errorf("marshal bitrate job: %w", err)
		}

		if err := queue.Enqueue(ctx, workqueue.Job{
			ID:         bitrateJobID,
			Payload:    payload,
			Priority:   priority,
			EnqueuedAt: now,
		}); err != nil {
			return fmt.Errorf("enqueue bitrate job %s: %w", bitrateJobID, err)
		}
		enqueued++
	}

	if enqueued == 0 {
		return nil
	}

	masterPayload, err := json.Marshal(domain.MasterJob{
		ChapterID:       req.Chapter.ID,
		OutputDir:       outputDir,
		VariantBitrates: todo,
	})
	if err != nil {
		return fmt.Errorf("marshal master job: %w", err)
	}

	masterJobID := req.Chapter.ID + "-master-" + fmt.Sprint(now.UnixMilli())
	if err := w.Queues.Master.EnqueueDelayed(ctx, workqueue.Job{
		ID:         masterJobID,
		Payload:    masterPayload,
		Priority:   priority,
		EnqueuedAt: now,
	}, masterStartDelay); err != nil {
		return fmt.Errorf("enqueue master job: %w", err)
	}

	return nil
}

// sourceChanged reports whether fingerprint differs from the fingerprint
// recorded on the chapter's most recent TranscodingJob, meaning the
// source file was replaced since that job ran and any "completed"
// renditions it produced can no longer be trusted as up to date.
func (w *Worker) sourceChanged(ctx context.Context, chapterID, fingerprint string) (bool, error) {
	latest, err := w.Store.LatestJobByChapter(ctx, chapterID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return latest.SourceHash != "" && latest.SourceHash != fingerprint, nil
}

// retryOrEscalate nacks with requeue up to maxRetries, then marks the job
// failed and escalates once to the low-priority queue.
func (w *Worker) retryOrEscalate(ctx context.Context, req domain.ChapterTranscodeRequest, delivery amqp.Delivery) {
	if req.RetryCount >= maxRetries {
		w.Logger.Error("intake request exhausted retries, dropping", "chapter_id", req.Chapter.ID)
		w.markJobFailed(ctx, req.Chapter.ID, "intake request exhausted retries")
		delivery.Nack(false, false)
		return
	}

	if req.RetryCount == maxRetries-1 && req.Priority != domain.PriorityLow {
		w.markJobFailed(ctx, req.Chapter.ID, "intake request exhausted retries, escalated to low priority")

		req.RetryCount++
		req.Priority = domain.PriorityLow
		if err := w.Broker.PublishChapterRequest(ctx, req); err != nil {
			w.Logger.Error("failed to escalate to low priority", "chapter_id", req.Chapter.ID, "error", err)
		}
		delivery.Ack(false)
		return
	}

	delivery.Nack(false, true)
}

// markJobFailed records the chapter's latest TranscodingJob row as failed.
// A job row may not exist yet if process failed before CreateJob ran
// (e.g. the CompletedBitrates read itself failed), in which case there is
// nothing to mark.
func (w *Worker) markJobFailed(ctx context.Context, chapterID, message string) {
	job, err := w.Store.LatestJobByChapter(ctx, chapterID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			w.Logger.Warn("load job for failure record failed", "chapter_id", chapterID, "error", err)
		}
		return
	}
	if job.Status == domain.JobCompleted || job.Status == domain.JobFailed {
		return
	}
	job.MarkFailed(time.Now(), message)
	if err := w.Store.UpdateJob(ctx, job); err != nil {
		w.Logger.Warn("record intake failure failed", "chapter_id", chapterID, "error", err)
	}
}
