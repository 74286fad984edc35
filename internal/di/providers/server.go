package providers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/samber/do/v2"

	"github.com/chapterstream/transcoder/internal/config"
	"github.com/chapterstream/transcoder/internal/objectstore"
	"github.com/chapterstream/transcoder/internal/streamapi"
)

// ProvideStreamAPIServer provides the streaming read-path HTTP handler.
func ProvideStreamAPIServer(i do.Injector) (*streamapi.Server, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*slog.Logger](i)
	storeHandle := do.MustInvoke[*StoreHandle](i)
	objStore := do.MustInvoke[objectstore.Store](i)
	cacheHandle := do.MustInvoke[*CacheHandle](i)

	return streamapi.NewServer(
		storeHandle.Store,
		objStore,
		cacheHandle.Cache,
		cfg.Streaming.CacheTTL,
		cfg.Streaming.AllowPartialPlaylist,
		cfg.Server.CORSOrigins,
		log,
	), nil
}

// HTTPServerHandle wraps http.Server with shutdown capability.
type HTTPServerHandle struct {
	*http.Server
}

// Shutdown implements do.Shutdownable.
func (h *HTTPServerHandle) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return h.Server.Shutdown(ctx)
}

// ProvideHTTPServer provides the HTTP server serving the streaming read
// path, started in the background.
func ProvideHTTPServer(i do.Injector) (*HTTPServerHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*slog.Logger](i)
	apiServer := do.MustInvoke[*streamapi.Server](i)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      apiServer,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("streaming API listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("streaming API server error", "error", err)
		}
	}()

	return &HTTPServerHandle{Server: srv}, nil
}
