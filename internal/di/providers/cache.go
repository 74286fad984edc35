package providers

import (
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/samber/do/v2"

	"github.com/chapterstream/transcoder/internal/cache"
	"github.com/chapterstream/transcoder/internal/config"
)

// ProvideRedisClient provides the shared Redis connection used by both the
// playlist/segment cache and the per-bitrate work queues.
func ProvideRedisClient(i do.Injector) (*redis.Client, error) {
	cfg := do.MustInvoke[*config.Config](i)
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}), nil
}

// CacheHandle wraps the playlist/segment cache. It does not own the
// Redis connection (shared with the work queues), so it has nothing to
// close on shutdown. No provider or main package closes the shared
// *redis.Client; its connections are released when the process exits.
type CacheHandle struct {
	*cache.Cache
}

// ProvideCache provides the Redis-backed playlist/segment cache.
func ProvideCache(i do.Injector) (*CacheHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	client := do.MustInvoke[*redis.Client](i)
	log := do.MustInvoke[*slog.Logger](i)

	c := cache.NewWithClient(client, cfg.Streaming.CacheTTL)
	log.Info("cache ready", "addr", cfg.Redis.Addr, "ttl", cfg.Streaming.CacheTTL)
	return &CacheHandle{Cache: c}, nil
}
