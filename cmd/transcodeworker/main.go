// Command transcodeworker runs the transcoding pipeline: the intake
// worker fanning a chapter request out to per-bitrate jobs, the bitrate
// workers invoking the media encoder and uploading renditions, and the
// master worker assembling the fan-in playlist once renditions land.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/samber/do/v2"

	"github.com/chapterstream/transcoder/internal/di"
	"github.com/chapterstream/transcoder/internal/di/providers"
	"github.com/chapterstream/transcoder/internal/store"
)

func main() {
	injector := di.NewContainer()

	log := do.MustInvoke[*slog.Logger](injector)
	storeHandle := do.MustInvoke[*providers.StoreHandle](injector)
	if err := store.RecoverStalledJobs(context.Background(), storeHandle, log); err != nil {
		log.Error("stalled job recovery failed", "error", err)
	}

	do.MustInvoke[*providers.IntakeWorkerHandle](injector)
	do.MustInvoke[*providers.BitrateWorkersHandle](injector)
	do.MustInvoke[*providers.MasterWorkerHandle](injector)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR2)
	sig := <-quit
	log.Info("shutting down transcode worker", "signal", sig.String())

	if err := injector.Shutdown(); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
