package providers

import (
	"log/slog"

	"github.com/samber/do/v2"

	"github.com/chapterstream/transcoder/internal/config"
	"github.com/chapterstream/transcoder/internal/logger"
)

// ProvideConfig provides the application configuration.
func ProvideConfig(i do.Injector) (*config.Config, error) {
	return config.LoadConfig()
}

// ProvideLogger provides the structured slog.Logger shared by every
// worker and the streaming API.
func ProvideLogger(i do.Injector) (*slog.Logger, error) {
	cfg := do.MustInvoke[*config.Config](i)

	log := logger.New(logger.Config{
		Level:       logger.ParseLevel(cfg.Logger.Level),
		AddSource:   cfg.App.Environment == "development",
		Environment: cfg.App.Environment,
		Service:     "chapterstream-transcoder",
	})

	log.Info("starting transcoding service",
		"environment", cfg.App.Environment,
		"log_level", cfg.Logger.Level,
		"storage_provider", cfg.Storage.Provider,
	)

	return log.Logger, nil
}
