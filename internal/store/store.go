// Package store defines the persistence interface for transcoding jobs
// and renditions, with a sqlite-backed implementation in the sqlite
// subpackage.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chapterstream/transcoder/internal/domain"
)

// Domain-specific sentinel errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Store is the persistence interface consumed by every worker and the
// streaming read path. A single implementation (sqlite) backs all of
// them; the interface exists so workers can be tested against an
// in-memory fake without a real database file.
type Store interface {
	// CreateJob inserts a new TranscodingJob row.
	CreateJob(ctx context.Context, job *domain.TranscodingJob) error
	// UpdateJob performs a full-row update of an existing job.
	// Returns ErrNotFound if no row with job.ID exists.
	UpdateJob(ctx context.Context, job *domain.TranscodingJob) error
	// LatestJobByChapter returns the most-recent-by-created_at job row
	// for a chapter. Returns ErrNotFound if no job exists.
	LatestJobByChapter(ctx context.Context, chapterID string) (*domain.TranscodingJob, error)
	// ListJobsByChapter returns all job rows for a chapter, newest first.
	ListJobsByChapter(ctx context.Context, chapterID string) ([]*domain.TranscodingJob, error)
	// ListStalledJobs returns jobs left in JobProcessing. Used both as a
	// cheap read for the database health check and by RecoverStalledJobs
	// at worker startup.
	ListStalledJobs(ctx context.Context) ([]*domain.TranscodingJob, error)

	// UpsertRendition inserts or replaces the (chapter_id, bitrate) row.
	// Concurrent writers racing for the same key are reconciled by this
	// upsert; the last writer wins for mutable fields.
	UpsertRendition(ctx context.Context, rendition *domain.Rendition) error
	// GetRendition returns the row for (chapterID, bitrate). Returns
	// ErrNotFound if absent.
	GetRendition(ctx context.Context, chapterID string, bitrate int) (*domain.Rendition, error)
	// ListRenditionsByChapter returns every rendition row for a chapter,
	// ascending by bitrate.
	ListRenditionsByChapter(ctx context.Context, chapterID string) ([]*domain.Rendition, error)
	// CompletedBitrates returns the set of bitrates with a completed
	// rendition for chapterID, used by the Intake Worker's B_done
	// computation.
	CompletedBitrates(ctx context.Context, chapterID string) (map[int]bool, error)
	// DeleteRenditionsByChapter removes every rendition row for a
	// chapter and returns the number of rows deleted.
	DeleteRenditionsByChapter(ctx context.Context, chapterID string) (int, error)

	// Close releases the underlying database connection.
	Close() error
}

// RecoverStalledJobs resets TranscodingJob rows left JobProcessing by a
// Bitrate or Master worker that crashed mid-transcode back to JobPending,
// so the row stops permanently reporting a worker that no longer exists
// as still running it. Run once at worker process startup.
func RecoverStalledJobs(ctx context.Context, s Store, log *slog.Logger) error {
	stalled, err := s.ListStalledJobs(ctx)
	if err != nil {
		return fmt.Errorf("list stalled jobs: %w", err)
	}

	now := time.Now()
	for _, job := range stalled {
		log.Info("recovering stalled job", "job_id", job.ID, "chapter_id", job.ChapterID)
		job.Status = domain.JobPending
		job.Progress = 0
		job.StartedAt = nil
		job.UpdatedAt = now
		if err := s.UpdateJob(ctx, job); err != nil {
			log.Error("reset stalled job failed", "job_id", job.ID, "error", err)
		}
	}
	return nil
}
