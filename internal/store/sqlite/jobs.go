package sqlite

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	"github.com/chapterstream/transcoder/internal/domain"
	"github.com/chapterstream/transcoder/internal/store"
)

const jobColumns = `id, chapter_id, status, progress, priority, retry_count,
	error_message, total_bitrates, source_hash, started_at, completed_at, created_at, updated_at`

// formatBitrates joins a bitrate list into the comma-separated form stored
// in total_bitrates.
func formatBitrates(bitrates []int) string {
	parts := make([]string, len(bitrates))
	for i, b := range bitrates {
		parts[i] = strconv.Itoa(b)
	}
	return strings.Join(parts, ",")
}

// parseBitrates splits a stored total_bitrates string back into ints.
func parseBitrates(s string) []int {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	bitrates := make([]int, 0, len(parts))
	for _, p := range parts {
		if b, err := strconv.Atoi(strings.TrimSpace(p)); err == nil {
			bitrates = append(bitrates, b)
		}
	}
	return bitrates
}

func scanJob(scanner interface{ Scan(dest ...any) error }) (*domain.TranscodingJob, error) {
	var j domain.TranscodingJob

	var (
		status        string
		priority      string
		totalBitrates string
		createdAt     string
		updatedAt     string
		startedAt     sql.NullString
		completedAt   sql.NullString
	)

	err := scanner.Scan(
		&j.ID,
		&j.ChapterID,
		&status,
		&j.Progress,
		&priority,
		&j.RetryCount,
		&j.ErrorMessage,
		&totalBitrates,
		&j.SourceHash,
		&startedAt,
		&completedAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.Status = domain.JobStatus(status)
	j.Priority = domain.Priority(priority)
	j.TotalBitrates = parseBitrates(totalBitrates)

	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if j.StartedAt, err = parseNullableTime(startedAt); err != nil {
		return nil, err
	}
	if j.CompletedAt, err = parseNullableTime(completedAt); err != nil {
		return nil, err
	}

	return &j, nil
}

// CreateJob inserts a new TranscodingJob row.
func (s *Store) CreateJob(ctx context.Context, job *domain.TranscodingJob) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transcoding_jobs (
			id, chapter_id, status, progress, priority, retry_count,
			error_message, total_bitrates, source_hash, started_at, completed_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.ChapterID,
		string(job.Status),
		job.Progress,
		string(job.Priority),
		job.RetryCount,
		job.ErrorMessage,
		formatBitrates(job.TotalBitrates),
		job.SourceHash,
		nullTimeString(job.StartedAt),
		nullTimeString(job.CompletedAt),
		formatTime(job.CreatedAt),
		formatTime(job.UpdatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return store.ErrAlreadyExists
		}
		return err
	}
	return nil
}

// UpdateJob performs a full row update on an existing job.
func (s *Store) UpdateJob(ctx context.Context, job *domain.TranscodingJob) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE transcoding_jobs SET
			status = ?, progress = ?, priority = ?, retry_count = ?,
			error_message = ?, total_bitrates = ?, started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`,
		string(job.Status),
		job.Progress,
		string(job.Priority),
		job.RetryCount,
		job.ErrorMessage,
		formatBitrates(job.TotalBitrates),
		nullTimeString(job.StartedAt),
		nullTimeString(job.CompletedAt),
		formatTime(job.UpdatedAt),
		job.ID,
	)
	if err != nil {
		return err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// LatestJobByChapter returns the most-recent-by-created_at job row for a
// chapter.
func (s *Store) LatestJobByChapter(ctx context.Context, chapterID string) (*domain.TranscodingJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM transcoding_jobs
		WHERE chapter_id = ? ORDER BY created_at DESC LIMIT 1`, chapterID)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListJobsByChapter returns all job rows for a chapter, newest first.
func (s *Store) ListJobsByChapter(ctx context.Context, chapterID string) ([]*domain.TranscodingJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM transcoding_jobs
		WHERE chapter_id = ? ORDER BY created_at DESC`, chapterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.TranscodingJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ListStalledJobs returns jobs left in JobProcessing. Used as a cheap
// read for the database health check and by store.RecoverStalledJobs at
// worker startup to reset jobs orphaned by a crash.
func (s *Store) ListStalledJobs(ctx context.Context) ([]*domain.TranscodingJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM transcoding_jobs
		WHERE status = ? ORDER BY created_at ASC`, string(domain.JobProcessing))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.TranscodingJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
