package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/chapterstream/transcoder/internal/domain"
	"github.com/chapterstream/transcoder/internal/store"
)

func newTestRendition(chapterID string, bitrate int) *domain.Rendition {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &domain.Rendition{
		ChapterID:       chapterID,
		Bitrate:         bitrate,
		Status:          domain.RenditionProcessing,
		StorageProvider: domain.StorageLocal,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestUpsertRendition_InsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := newTestRendition("chapter-1", 128)
	if err := s.UpsertRendition(ctx, r); err != nil {
		t.Fatalf("upsert rendition: %v", err)
	}

	got, err := s.GetRendition(ctx, "chapter-1", 128)
	if err != nil {
		t.Fatalf("get rendition: %v", err)
	}
	if got.Status != domain.RenditionProcessing || got.StorageProvider != domain.StorageLocal {
		t.Errorf("unexpected rendition: %+v", got)
	}
}

func TestUpsertRendition_LastWriteWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := newTestRendition("chapter-1", 128)
	if err := s.UpsertRendition(ctx, r); err != nil {
		t.Fatalf("upsert rendition: %v", err)
	}

	r.Status = domain.RenditionCompleted
	r.PlaylistURL = "https://cdn.example.com/chapter-1/128/playlist.m3u8"
	r.UpdatedAt = time.Now().UTC().Truncate(time.Millisecond)
	if err := s.UpsertRendition(ctx, r); err != nil {
		t.Fatalf("upsert rendition again: %v", err)
	}

	got, err := s.GetRendition(ctx, "chapter-1", 128)
	if err != nil {
		t.Fatalf("get rendition: %v", err)
	}
	if got.Status != domain.RenditionCompleted || got.PlaylistURL != r.PlaylistURL {
		t.Errorf("concurrent upsert did not converge: %+v", got)
	}
}

func TestGetRendition_NotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetRendition(ctx, "chapter-1", 64); err != store.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListRenditionsByChapter_OrderedByBitrate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, bitrate := range []int{256, 64, 128} {
		if err := s.UpsertRendition(ctx, newTestRendition("chapter-1", bitrate)); err != nil {
			t.Fatalf("upsert rendition %d: %v", bitrate, err)
		}
	}

	renditions, err := s.ListRenditionsByChapter(ctx, "chapter-1")
	if err != nil {
		t.Fatalf("list renditions: %v", err)
	}
	if len(renditions) != 3 {
		t.Fatalf("expected 3 renditions, got %d", len(renditions))
	}
	for i, want := range []int{64, 128, 256} {
		if renditions[i].Bitrate != want {
			t.Errorf("index %d: expected bitrate %d, got %d", i, want, renditions[i].Bitrate)
		}
	}
}

func TestCompletedBitrates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	done := newTestRendition("chapter-1", 64)
	done.Status = domain.RenditionCompleted
	pending := newTestRendition("chapter-1", 128)
	pending.Status = domain.RenditionProcessing

	if err := s.UpsertRendition(ctx, done); err != nil {
		t.Fatalf("upsert done: %v", err)
	}
	if err := s.UpsertRendition(ctx, pending); err != nil {
		t.Fatalf("upsert pending: %v", err)
	}

	completed, err := s.CompletedBitrates(ctx, "chapter-1")
	if err != nil {
		t.Fatalf("completed bitrates: %v", err)
	}
	if !completed[64] || completed[128] {
		t.Errorf("unexpected completed set: %+v", completed)
	}
}

func TestDeleteRenditionsByChapter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, bitrate := range []int{64, 128, 256} {
		if err := s.UpsertRendition(ctx, newTestRendition("chapter-1", bitrate)); err != nil {
			t.Fatalf("upsert rendition %d: %v", bitrate, err)
		}
	}
	if err := s.UpsertRendition(ctx, newTestRendition("chapter-2", 64)); err != nil {
		t.Fatalf("upsert other chapter rendition: %v", err)
	}

	n, err := s.DeleteRenditionsByChapter(ctx, "chapter-1")
	if err != nil {
		t.Fatalf("delete renditions: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 deleted, got %d", n)
	}

	remaining, err := s.ListRenditionsByChapter(ctx, "chapter-1")
	if err != nil {
		t.Fatalf("list renditions after delete: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("expected 0 remaining, got %d", len(remaining))
	}

	other, err := s.ListRenditionsByChapter(ctx, "chapter-2")
	if err != nil {
		t.Fatalf("list other chapter renditions: %v", err)
	}
	if len(other) != 1 {
		t.Errorf("expected other chapter unaffected, got %d", len(other))
	}
}
