// Package cache implements a Redis-backed, cache-through layer in front of
// the object store for playlist and segment reads. A cache miss or a
// Redis error both fall through to the object store; Redis is an
// accelerator, never the source of truth.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chapterstream/transcoder/internal/apierrors"
)

// ErrMiss indicates the key was not present in the cache. Callers treat it
// identically to a nil error with no data: fetch from the object store.
var ErrMiss = errors.New("cache: miss")

// Cache is the playlist/segment read-through cache.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New builds a Cache against addr, selecting db and authenticating with
// password if non-empty. ttl governs how long entries live before
// expiring and must be re-fetched from the object store.
func New(addr, password string, db int, ttl time.Duration) *Cache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Cache{client: client, ttl: ttl}
}

// NewWithClient wraps an existing *redis.Client, used by tests that run
// against a miniredis instance.
func NewWithClient(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// Get returns the cached bytes for key, or ErrMiss if absent.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, apierrors.CacheError(fmt.Errorf("cache get %s: %w", key, err))
	}
	return data, nil
}

// Set stores data under key with the cache's configured TTL.
func (c *Cache) Set(ctx context.Context, key string, data []byte) error {
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return apierrors.CacheError(fmt.Errorf("cache set %s: %w", key, err))
	}
	return nil
}

// Invalidate removes key from the cache. Used when a rendition is
// re-transcoded or a chapter is deleted.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return apierrors.CacheError(fmt.Errorf("cache del %s: %w", key, err))
	}
	return nil
}

// InvalidatePrefix removes every key starting with prefix, used on
// chapter deletion to purge every bitrate's cached playlists and
// segments at once.
func (c *Cache) InvalidatePrefix(ctx context.Context, prefix string) error {
	iter := c.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return apierrors.CacheError(fmt.Errorf("cache scan %s*: %w", prefix, err))
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return apierrors.CacheError(fmt.Errorf("cache del prefix %s: %w", prefix, err))
	}
	return nil
}

// Ping verifies Redis is reachable, used by readiness probes.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (c *Cache) Close() error {
	return c.client.Close()
}

// PlaylistKey builds the cache key for a chapter's master or variant
// playlist. bitrate is 0 for the master playlist.
func PlaylistKey(chapterID string, bitrate int) string {
	if bitrate == 0 {
		return "stream:playlist:" + chapterID + ":master"
	}
	return fmt.Sprintf("stream:playlist:%s:%d", chapterID, bitrate)
}

// SegmentKey builds the cache key for a single MPEG-TS segment, keyed by
// its composite segment id "{chapter_id}_{bitrate}_{NNN}" (see
// internal/hls.SegmentID).
func SegmentKey(segmentID string) string {
	return "stream:segment:" + segmentID
}
