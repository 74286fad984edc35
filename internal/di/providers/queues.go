package providers

import (
	"github.com/redis/go-redis/v9"
	"github.com/samber/do/v2"

	"github.com/chapterstream/transcoder/internal/config"
	"github.com/chapterstream/transcoder/internal/workqueue"
)

// ProvideQueues provides the per-bitrate and master-playlist work queues,
// sharing the Redis connection used by the cache.
func ProvideQueues(i do.Injector) (*workqueue.Queues, error) {
	cfg := do.MustInvoke[*config.Config](i)
	client := do.MustInvoke[*redis.Client](i)

	opts := workqueue.Options{
		MaxAttempts: cfg.Queue.MaxAttempts,
		BaseBackoff: cfg.Queue.BackoffDelay,
		JobTimeout:  cfg.Queue.JobTimeout,
	}
	return workqueue.NewQueues(client, cfg.Encoder.Bitrates, opts), nil
}
