// Command deletionworker runs the chapter-deletion worker, consuming
// audiobook.chapters.deleted and purging rendition rows, artifacts, and
// cache entries for the deleted chapter.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/samber/do/v2"

	"github.com/chapterstream/transcoder/internal/di"
	"github.com/chapterstream/transcoder/internal/di/providers"
)

func main() {
	injector := di.NewContainer()

	log := do.MustInvoke[*slog.Logger](injector)
	do.MustInvoke[*providers.DeletionWorkerHandle](injector)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR2)
	sig := <-quit
	log.Info("shutting down deletion worker", "signal", sig.String())

	if err := injector.Shutdown(); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
