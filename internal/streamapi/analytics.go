package streamapi

import "sync/atomic"

// Analytics tracks per-process cache hit/miss counters for the
// GetAnalytics read-path operation. Counters reset when the process
// restarts; they are not persisted.
type Analytics struct {
	hits   atomic.Int64
	misses atomic.Int64
}

// RecordHit increments the cache-hit counter.
func (a *Analytics) RecordHit() { a.hits.Add(1) }

// RecordMiss increments the cache-miss counter.
func (a *Analytics) RecordMiss() { a.misses.Add(1) }

// Snapshot is the point-in-time analytics payload returned by
// GetAnalytics.
type Snapshot struct {
	CacheHits   int64   `json:"cache_hits"`
	CacheMisses int64   `json:"cache_misses"`
	HitRate     float64 `json:"hit_rate"`
}

// Snapshot reads the current counters without resetting them.
func (a *Analytics) Snapshot() Snapshot {
	hits := a.hits.Load()
	misses := a.misses.Load()
	total := hits + misses

	var rate float64
	if total > 0 {
		rate = float64(hits) / float64(total)
	}

	return Snapshot{CacheHits: hits, CacheMisses: misses, HitRate: rate}
}
