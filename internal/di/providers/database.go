package providers

import (
	"log/slog"

	"github.com/samber/do/v2"

	"github.com/chapterstream/transcoder/internal/config"
	"github.com/chapterstream/transcoder/internal/store"
	"github.com/chapterstream/transcoder/internal/store/sqlite"
)

// StoreHandle wraps the sqlite-backed state store with shutdown capability.
type StoreHandle struct {
	store.Store
}

// Shutdown implements do.Shutdownable.
func (h *StoreHandle) Shutdown() error {
	return h.Close()
}

// ProvideStore provides the relational job/rendition state store.
func ProvideStore(i do.Injector) (*StoreHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*slog.Logger](i)

	s, err := sqlite.Open(cfg.DB.DatabaseURL, log)
	if err != nil {
		return nil, err
	}

	log.Info("state store opened", "dsn", cfg.DB.DatabaseURL)
	return &StoreHandle{Store: s}, nil
}
