package sqlite

import (
	"context"
	"database/sql"

	"github.com/chapterstream/transcoder/internal/domain"
	"github.com/chapterstream/transcoder/internal/store"
)

const renditionColumns = `chapter_id, bitrate, status, playlist_url,
	segments_path, storage_provider, error_message, created_at, updated_at`

func scanRendition(scanner interface{ Scan(dest ...any) error }) (*domain.Rendition, error) {
	var r domain.Rendition

	var (
		status    string
		provider  string
		createdAt string
		updatedAt string
	)

	err := scanner.Scan(
		&r.ChapterID,
		&r.Bitrate,
		&status,
		&r.PlaylistURL,
		&r.SegmentsPath,
		&provider,
		&r.ErrorMessage,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Status = domain.RenditionStatus(status)
	r.StorageProvider = domain.StorageProvider(provider)

	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}

	return &r, nil
}

// UpsertRendition inserts or replaces the (chapter_id, bitrate) row. Two
// workers racing for the same key are reconciled here: the last writer
// wins for every mutable field.
func (s *Store) UpsertRendition(ctx context.Context, rendition *domain.Rendition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO renditions (
			chapter_id, bitrate, status, playlist_url, segments_path,
			storage_provider, error_message, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chapter_id, bitrate) DO UPDATE SET
			status = excluded.status,
			playlist_url = excluded.playlist_url,
			segments_path = excluded.segments_path,
			storage_provider = excluded.storage_provider,
			error_message = excluded.error_message,
			updated_at = excluded.updated_at`,
		rendition.ChapterID,
		rendition.Bitrate,
		string(rendition.Status),
		rendition.PlaylistURL,
		rendition.SegmentsPath,
		string(rendition.StorageProvider),
		rendition.ErrorMessage,
		formatTime(rendition.CreatedAt),
		formatTime(rendition.UpdatedAt),
	)
	return err
}

// GetRendition returns the row for (chapterID, bitrate).
func (s *Store) GetRendition(ctx context.Context, chapterID string, bitrate int) (*domain.Rendition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+renditionColumns+` FROM renditions
		WHERE chapter_id = ? AND bitrate = ?`, chapterID, bitrate)

	rendition, err := scanRendition(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rendition, nil
}

// ListRenditionsByChapter returns every rendition row for a chapter,
// ascending by bitrate.
func (s *Store) ListRenditionsByChapter(ctx context.Context, chapterID string) ([]*domain.Rendition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+renditionColumns+` FROM renditions
		WHERE chapter_id = ? ORDER BY bitrate ASC`, chapterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var renditions []*domain.Rendition
	for rows.Next() {
		r, err := scanRendition(rows)
		if err != nil {
			return nil, err
		}
		renditions = append(renditions, r)
	}
	return renditions, rows.Err()
}

// CompletedBitrates returns the set of bitrates with a completed
// rendition for chapterID.
func (s *Store) CompletedBitrates(ctx context.Context, chapterID string) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT bitrate FROM renditions WHERE chapter_id = ? AND status = ?`,
		chapterID, string(domain.RenditionCompleted))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	done := make(map[int]bool)
	for rows.Next() {
		var b int
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		done[b] = true
	}
	return done, rows.Err()
}

// DeleteRenditionsByChapter removes every rendition row for a chapter
// and returns the number of rows deleted.
func (s *Store) DeleteRenditionsByChapter(ctx context.Context, chapterID string) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM renditions WHERE chapter_id = ?`, chapterID)
	if err != nil {
		return 0, err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
