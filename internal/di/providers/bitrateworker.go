package providers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/samber/do/v2"

	"github.com/chapterstream/transcoder/internal/bitrateworker"
	"github.com/chapterstream/transcoder/internal/config"
	"github.com/chapterstream/transcoder/internal/domain"
	"github.com/chapterstream/transcoder/internal/encoder"
	"github.com/chapterstream/transcoder/internal/objectstore"
	"github.com/chapterstream/transcoder/internal/workqueue"
)

// bitrateConcurrency is the "concurrency 2 per bitrate queue" contract
// from §5: encoding is CPU/IO-bound, so each bitrate gets a small fixed
// pool rather than scaling with queue depth.
const bitrateConcurrency = 2

// BitrateWorkersHandle runs one Worker per configured bitrate, each
// draining its own queue with bitrateConcurrency goroutines.
type BitrateWorkersHandle struct {
	Workers map[int]*bitrateworker.Worker
	cancel  context.CancelFunc
}

// Shutdown implements do.Shutdownable.
func (h *BitrateWorkersHandle) Shutdown() error {
	h.cancel()
	return nil
}

// ProvideBitrateWorkers provides the BW_64/128/256 workers, one per entry
// in TRANSCODING_BITRATES, started in the background.
func ProvideBitrateWorkers(i do.Injector) (*BitrateWorkersHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*slog.Logger](i)
	storeHandle := do.MustInvoke[*StoreHandle](i)
	objStore := do.MustInvoke[objectstore.Store](i)
	enc := do.MustInvoke[*encoder.Encoder](i)
	queues := do.MustInvoke[*workqueue.Queues](i)

	ctx, cancel := context.WithCancel(context.Background())
	workers := make(map[int]*bitrateworker.Worker, len(cfg.Encoder.Bitrates))
	for _, bitrate := range cfg.Encoder.Bitrates {
		queue, ok := queues.Bitrate[bitrate]
		if !ok {
			cancel()
			return nil, fmt.Errorf("no work queue configured for bitrate %d", bitrate)
		}

		w := &bitrateworker.Worker{
			Store:           storeHandle.Store,
			ObjectStore:     objStore,
			Encoder:         enc,
			Queue:           queue,
			Logger:          log,
			Bitrate:         bitrate,
			Environment:     cfg.App.Environment,
			StorageProvider: domain.StorageProvider(cfg.Storage.Provider),
			LocalBasePath:   cfg.Storage.LocalBasePath,
			MaxAttempts:     cfg.Queue.MaxAttempts,
			JobTimeout:      cfg.Queue.JobTimeout,
		}
		workers[bitrate] = w

		go func(w *bitrateworker.Worker) {
			if err := w.Run(ctx, bitrateConcurrency); err != nil {
				log.Error("bitrate worker stopped", "bitrate", w.Bitrate, "error", err)
			}
		}(w)
	}

	log.Info("bitrate workers started", "bitrates", cfg.Encoder.Bitrates)
	return &BitrateWorkersHandle{Workers: workers, cancel: cancel}, nil
}
