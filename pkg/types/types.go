// Package types defines the shared data model for the newscache subsystem.
package types

import (
	"encoding/json"
	"time"
)

// Params is the parameter bag identifying one logical request under a data
// type. Equal bags produce equal cache keys regardless of insertion order.
type Params map[string]string

// Response is a payload returned by an upstream fetch, together with its
// opaque validator (ETag-like version token).
type Response struct {
	Data      json.RawMessage `json:"data"`
	Validator string          `json:"validator,omitempty"`
}

// CacheEntry is one durable cache record. An entry is expired iff
// now - WrittenAt >= TTL.
type CacheEntry struct {
	Data      json.RawMessage `json:"data"`
	Validator string          `json:"validator,omitempty"`
	WrittenAt time.Time       `json:"written_at"`
	TTL       time.Duration   `json:"ttl"`
}

// Expired reports whether the entry is past its TTL at the given instant.
// A zero TTL means the entry is never fresh.
func (e CacheEntry) Expired(now time.Time) bool {
	return now.Sub(e.WrittenAt) >= e.TTL
}

// FetchDecision is the answer to "do we need a network round trip?".
type FetchDecision struct {
	ShouldFetch bool            `json:"should_fetch"`
	CachedData  json.RawMessage `json:"cached_data,omitempty"`
	// Validator carries any known validator so a caller that must fetch can
	// still attempt conditional revalidation.
	Validator string `json:"validator,omitempty"`
}

// CacheStats represents cache performance statistics for one tier.
type CacheStats struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	Entries   int     `json:"entries"`
	Size      int64   `json:"size"`
	HitRate   float64 `json:"hit_rate"`
}

// DurableCacheStats summarizes the persisted tier for reporting surfaces.
type DurableCacheStats struct {
	EntryCount     int   `json:"entry_count"`
	TotalSizeBytes int64 `json:"total_size_bytes"`
}

// OfflineStats summarizes offline-resilience state for reporting surfaces.
type OfflineStats struct {
	IsOnline         bool  `json:"is_online"`
	QueuedCount      int   `json:"queued_count"`
	DroppedCount     int   `json:"dropped_count"`
	CachedEntryCount int   `json:"cached_entry_count"`
	CacheSizeBytes   int64 `json:"cache_size_bytes"`
}

// PrefetchStats summarizes the last prefetch run and the schedule.
type PrefetchStats struct {
	TotalCategories int        `json:"total_categories"`
	Successful      int        `json:"successful"`
	Failed          int        `json:"failed"`
	Cached          int        `json:"cached"`
	LastRun         *time.Time `json:"last_run,omitempty"`
	NextRun         *time.Time `json:"next_run,omitempty"`
	BreakerOpen     bool       `json:"breaker_open"`
	Enabled         bool       `json:"enabled"`
}
