// Package deletionworker consumes ChapterDeletion events from the
// chapter-deletion topic and purges every trace of a chapter's
// transcoded artifacts: rendition rows, object-store files, and cached
// playlists/segments.
package deletionworker

import (
	"context"
	"encoding/json"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/chapterstream/transcoder/internal/broker"
	"github.com/chapterstream/transcoder/internal/cache"
	"github.com/chapterstream/transcoder/internal/domain"
	"github.com/chapterstream/transcoder/internal/objectstore"
	"github.com/chapterstream/transcoder/internal/store"
)

// Worker purges a chapter's rendition rows, object-store artifacts, and
// cache entries on deletion. The legacy pipeline this replaces only
// deleted rows; deleting artifacts and cache entries too is required to
// uphold the invariant that a rendition row's existence implies its
// artifacts exist, applied in reverse on teardown.
type Worker struct {
	Broker      *broker.Broker
	Store       store.Store
	ObjectStore objectstore.Store
	Cache       *cache.Cache
	Logger      *slog.Logger
}

// Run consumes the deletion queue with concurrency 1 until ctx is
// canceled.
func (w *Worker) Run(ctx context.Context) error {
	deliveries, err := w.Broker.Consume(ctx, broker.DeletionQueue(), "deletion-worker")
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			w.handle(ctx, d)
		}
	}
}

func (w *Worker) handle(ctx context.Context, delivery amqp.Delivery) {
	var deletion domain.ChapterDeletion
	if err := json.Unmarshal(delivery.Body, &deletion); err != nil {
		w.Logger.Error("discarding malformed deletion message", "error", err)
		delivery.Nack(false, false)
		return
	}

	if err := w.process(ctx, deletion); err != nil {
		w.Logger.Error("chapter deletion failed", "chapter_id", deletion.ChapterID, "error", err)
		delivery.Nack(false, true)
		return
	}

	delivery.Ack(false)
}

func (w *Worker) process(ctx context.Context, deletion domain.ChapterDeletion) error {
	n, err := w.Store.DeleteRenditionsByChapter(ctx, deletion.ChapterID)
	if err != nil {
		return err
	}

	if err := w.purgeArtifacts(ctx, deletion.ChapterID); err != nil {
		return err
	}

	if w.Cache != nil {
		if err := w.Cache.InvalidatePrefix(ctx, "stream:playlist:"+deletion.ChapterID+":"); err != nil {
			w.Logger.Warn("invalidate playlist cache failed", "chapter_id", deletion.ChapterID, "error", err)
		}
		if err := w.Cache.InvalidatePrefix(ctx, "stream:segment:"+deletion.ChapterID+"_"); err != nil {
			w.Logger.Warn("invalidate segment cache failed", "chapter_id", deletion.ChapterID, "error", err)
		}
	}

	w.Logger.Info("chapter purged", "chapter_id", deletion.ChapterID, "renditions_deleted", n)
	return nil
}

// purgeArtifacts removes every object under the chapter's rendition
// prefix, including the master playlist, from the object store.
func (w *Worker) purgeArtifacts(ctx context.Context, chapterID string) error {
	prefix := "bit_transcode/" + chapterID + "/"
	objects, err := w.ObjectStore.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, obj := range objects {
		if err := w.ObjectStore.Delete(ctx, obj.Key); err != nil {
			return err
		}
	}
	return nil
}
