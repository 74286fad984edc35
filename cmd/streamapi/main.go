// Command streamapi runs the streaming read-path HTTP server: master and
// variant playlists, segments, status, preload, and analytics, backed by
// the cache-through object store and the state store. It never touches
// the broker or the media encoder.
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
	do.MustInvoke[*providers.HTTPServerHandle](injector)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR2)
	sig := <-quit
	log.Info("shutting down streaming API", "signal", sig.String())

	if err := injector.Shutdown(); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
