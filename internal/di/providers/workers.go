package providers

import (
	"context"
	"log/slog"

	"github.com/samber/do/v2"

	"github.com/chapterstream/transcoder/internal/broker"
	"github.com/chapterstream/transcoder/internal/config"
	"github.com/chapterstream/transcoder/internal/deletionworker"
	"github.com/chapterstream/transcoder/internal/domain"
	"github.com/chapterstream/transcoder/internal/intakeworker"
	"github.com/chapterstream/transcoder/internal/masterworker"
	"github.com/chapterstream/transcoder/internal/objectstore"
	"github.com/chapterstream/transcoder/internal/workqueue"
)

// intakeConcurrencyPerQueue is the number of goroutines draining each of
// the three priority-routed intake queues.
const intakeConcurrencyPerQueue = 2

// IntakeWorkerHandle runs the intake worker against every priority queue
// in the background.
type IntakeWorkerHandle struct {
	*intakeworker.Worker
	cancel context.CancelFunc
}

// Shutdown implements do.Shutdownable.
func (h *IntakeWorkerHandle) Shutdown() error {
	h.cancel()
	return nil
}

// ProvideIntakeWorker provides the intake worker, started against the
// high/normal/low priority queues.
func ProvideIntakeWorker(i do.Injector) (*IntakeWorkerHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*slog.Logger](i)
	brokerHandle := do.MustInvoke[*BrokerHandle](i)
	storeHandle := do.MustInvoke[*StoreHandle](i)
	queues := do.MustInvoke[*workqueue.Queues](i)

	segDuration := int(cfg.Encoder.SegmentDuration.Seconds())
	w := &intakeworker.Worker{
		Broker:          brokerHandle.Broker,
		Store:           storeHandle.Store,
		Queues:          queues,
		Logger:          log,
		SegmentDuration: segDuration,
	}

	ctx, cancel := context.WithCancel(context.Background())
	for _, priority := range []domain.Priority{domain.PriorityHigh, domain.PriorityNormal, domain.PriorityLow} {
		queueName := broker.QueueForPriority(priority)
		go func(queueName string) {
			if err := w.Run(ctx, queueName, intakeConcurrencyPerQueue); err != nil {
				log.Error("intake worker stopped", "queue", queueName, "error", err)
			}
		}(queueName)
	}

	log.Info("intake worker started")
	return &IntakeWorkerHandle{Worker: w, cancel: cancel}, nil
}

// MasterWorkerHandle runs the master-playlist assembly worker in the
// background.
type MasterWorkerHandle struct {
	*masterworker.Worker
	cancel context.CancelFunc
}

// Shutdown implements do.Shutdownable.
func (h *MasterWorkerHandle) Shutdown() error {
	h.cancel()
	return nil
}

// ProvideMasterWorker provides the master-playlist worker.
func ProvideMasterWorker(i do.Injector) (*MasterWorkerHandle, error) {
	log := do.MustInvoke[*slog.Logger](i)
	storeHandle := do.MustInvoke[*StoreHandle](i)
	objStore := do.MustInvoke[objectstore.Store](i)
	cacheHandle := do.MustInvoke[*CacheHandle](i)
	queues := do.MustInvoke[*workqueue.Queues](i)

	w := &masterworker.Worker{
		Store:       storeHandle.Store,
		ObjectStore: objStore,
		Cache:       cacheHandle.Cache,
		Queue:       queues.Master,
		Logger:      log,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := w.Run(ctx); err != nil {
			log.Error("master worker stopped", "error", err)
		}
	}()

	log.Info("master worker started")
	return &MasterWorkerHandle{Worker: w, cancel: cancel}, nil
}

// DeletionWorkerHandle runs the chapter-deletion worker in the
// background.
type DeletionWorkerHandle struct {
	*deletionworker.Worker
	cancel context.CancelFunc
}

// Shutdown implements do.Shutdownable.
func (h *DeletionWorkerHandle) Shutdown() error {
	h.cancel()
	return nil
}

// ProvideDeletionWorker provides the chapter-deletion worker.
func ProvideDeletionWorker(i do.Injector) (*DeletionWorkerHandle, error) {
	log := do.MustInvoke[*slog.Logger](i)
	brokerHandle := do.MustInvoke[*BrokerHandle](i)
	storeHandle := do.MustInvoke[*StoreHandle](i)
	objStore := do.MustInvoke[objectstore.Store](i)
	cacheHandle := do.MustInvoke[*CacheHandle](i)

	w := &deletionworker.Worker{
		Broker:      brokerHandle.Broker,
		Store:       storeHandle.Store,
		ObjectStore: objStore,
		Cache:       cacheHandle.Cache,
		Logger:      log,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := w.Run(ctx); err != nil {
			log.Error("deletion worker stopped", "error", err)
		}
	}()

	log.Info("deletion worker started")
	return &DeletionWorkerHandle{Worker: w, cancel: cancel}, nil
}
