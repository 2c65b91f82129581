package cache

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/newscache/newscache/internal/metrics"
	"github.com/newscache/newscache/internal/store"
	"github.com/newscache/newscache/pkg/types"
	"github.com/newscache/newscache/pkg/utils"
)

// Manager owns the durable cache tier and coordinates it with the fast
// in-memory tier. It decides whether a fetch is necessary, writes responses
// back through both tiers, and reclaims expired entries.
//
// Writes are last-write-wins under a deterministic key; the cache is
// advisory, not a system of record.
type Manager struct {
	store   *store.Store
	fast    types.FastCache
	clock   clockwork.Clock
	logger  *utils.StructuredLogger
	metrics *metrics.Collector
}

// FetchOptions tune a single ShouldFetch decision.
type FetchOptions struct {
	// ForceRefresh bypasses both tiers and always fetches.
	ForceRefresh bool

	// MaxAge, when positive, accepts a durable entry younger than this even
	// without a validator match.
	MaxAge time.Duration

	// Validator, when set and equal to the stored validator, marks the
	// durable entry still valid.
	Validator string
}

// NewManager creates a durable cache manager over an opened store and a
// fast-cache tier. clock, logger, and collector may be nil.
func NewManager(st *store.Store, fast types.FastCache, clock clockwork.Clock, logger *utils.StructuredLogger, collector *metrics.Collector) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger, _ = utils.NewStructuredLogger(nil)
	}

	return &Manager{
		store:   st,
		fast:    fast,
		clock:   clock,
		logger:  logger.WithComponent("cache"),
		metrics: collector,
	}
}

// ShouldFetch answers whether a request for (dataType, params) needs a
// network round trip. When it does not, the cached payload is returned in
// the decision. When it does, any known validator is still surfaced so the
// caller's fetch can attempt conditional revalidation.
func (m *Manager) ShouldFetch(dataType string, params types.Params, opts FetchOptions) types.FetchDecision {
	key := Key(dataType, params)

	if opts.ForceRefresh {
		decision := types.FetchDecision{ShouldFetch: true}
		if rec, ok := m.store.Meta(key); ok {
			decision.Validator = rec.Validator
		}
		return decision
	}

	// Fast tier first: fresh means no fetch, no durable read.
	if m.fast.IsFresh(key) {
		if data, ok := m.fast.Get(key); ok {
			m.metrics.RecordCacheHit(metrics.TierFast)
			decision := types.FetchDecision{CachedData: data}
			if rec, ok := m.store.Meta(key); ok {
				decision.Validator = rec.Validator
			}
			return decision
		}
	}

	data, rec, ok := m.store.Get(key)
	if !ok {
		m.metrics.RecordCacheMiss(metrics.TierDurable)
		return types.FetchDecision{ShouldFetch: true}
	}

	now := m.clock.Now()

	// Expired entries are never returned and are evicted on access. The
	// validator outlives the payload for conditional revalidation. Zero-TTL
	// entries are never fresh but stay stored for age-bounded reads.
	if now.Sub(rec.WrittenAt) >= rec.TTL {
		if rec.TTL > 0 {
			m.store.Delete(key)
			m.fast.Delete(key)
		}
		m.metrics.RecordCacheMiss(metrics.TierDurable)
		return types.FetchDecision{ShouldFetch: true, Validator: rec.Validator}
	}

	if opts.Validator != "" && opts.Validator == rec.Validator {
		m.promote(key, data, rec)
		m.metrics.RecordCacheHit(metrics.TierDurable)
		return types.FetchDecision{CachedData: data, Validator: rec.Validator}
	}

	if opts.MaxAge > 0 && now.Sub(rec.WrittenAt) < opts.MaxAge {
		m.promote(key, data, rec)
		m.metrics.RecordCacheHit(metrics.TierDurable)
		return types.FetchDecision{CachedData: data, Validator: rec.Validator}
	}

	m.metrics.RecordCacheMiss(metrics.TierDurable)
	return types.FetchDecision{ShouldFetch: true, Validator: rec.Validator}
}

// StoreResponse writes a fetched response into both tiers. The durable
// write is best-effort: a storage failure is logged and absorbed, never
// propagated to the operation that triggered it.
//
// A TTL of zero stores the entry for reference but it is never fresh.
func (m *Manager) StoreResponse(dataType string, params types.Params, resp types.Response, ttl time.Duration) {
	key := Key(dataType, params)

	if err := m.store.Put(key, resp.Data, resp.Validator, m.clock.Now(), ttl); err != nil {
		m.logger.Warn("Durable cache write failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		m.metrics.RecordStoreWriteError()
	}

	m.fast.Set(key, resp.Data, ttl)
	m.publishStoreStats()
}

// CachedWithin returns the durable payload for (dataType, params) if it was
// written within maxAge. A non-positive maxAge accepts any age. This is the
// offline fallback read: staleness is bounded by maxAge, not by TTL,
// because stale-but-present beats no data.
func (m *Manager) CachedWithin(dataType string, params types.Params, maxAge time.Duration) (json.RawMessage, bool) {
	key := Key(dataType, params)

	data, rec, ok := m.store.Get(key)
	if !ok {
		return nil, false
	}

	if maxAge > 0 && m.clock.Now().Sub(rec.WrittenAt) >= maxAge {
		return nil, false
	}

	return data, true
}

// Peek returns the durable entry for (dataType, params) applying the TTL
// invariant: an expired entry reads as absent and is evicted.
func (m *Manager) Peek(dataType string, params types.Params) (types.CacheEntry, bool) {
	key := Key(dataType, params)

	data, rec, ok := m.store.Get(key)
	if !ok {
		return types.CacheEntry{}, false
	}

	if m.clock.Now().Sub(rec.WrittenAt) >= rec.TTL {
		if rec.TTL > 0 {
			m.store.Delete(key)
			m.fast.Delete(key)
		}
		return types.CacheEntry{}, false
	}

	return types.CacheEntry{
		Data:      data,
		Validator: rec.Validator,
		WrittenAt: rec.WrittenAt,
		TTL:       rec.TTL,
	}, true
}

// InvalidateCache removes cached entries. With dataType, every entry of
// that type goes; with pattern, every entry whose key contains the pattern;
// with neither, everything. Both tiers see the same scope.
func (m *Manager) InvalidateCache(dataType, pattern string) {
	switch {
	case dataType != "":
		prefix := KeyPrefix(dataType)
		m.store.DeleteFunc(func(key string) bool { return strings.HasPrefix(key, prefix) })
		m.fast.DeleteFunc(func(key string) bool { return strings.HasPrefix(key, prefix) })
	case pattern != "":
		m.store.DeleteFunc(func(key string) bool { return strings.Contains(key, pattern) })
		m.fast.DeleteFunc(func(key string) bool { return strings.Contains(key, pattern) })
	default:
		m.store.Clear()
		m.fast.Clear()
	}
	m.publishStoreStats()
}

// GetCacheStats reports durable tier totals. Read-only; never mutates
// state.
func (m *Manager) GetCacheStats() types.DurableCacheStats {
	return m.store.Stats()
}

// FastStats reports fast tier statistics. Read-only.
func (m *Manager) FastStats() types.CacheStats {
	return m.fast.Stats()
}

// CleanupExpiredEntries scans the durable index and removes every entry
// past its TTL. Returns the number of entries removed. Unparseable entries
// were already dropped at read or load time; this pass works off metadata.
func (m *Manager) CleanupExpiredEntries() int {
	now := m.clock.Now()

	var doomed []string
	m.store.Each(func(key string, rec store.Record) {
		if now.Sub(rec.WrittenAt) >= rec.TTL {
			doomed = append(doomed, key)
		}
	})

	for _, key := range doomed {
		m.store.Delete(key)
		m.fast.Delete(key)
	}

	if len(doomed) > 0 {
		m.logger.Debug("Reclaimed expired cache entries", map[string]interface{}{
			"count": len(doomed),
		})
		m.publishStoreStats()
	}

	return len(doomed)
}

// promote moves a durable hit into the fast tier with its remaining
// freshness window.
func (m *Manager) promote(key string, data json.RawMessage, rec store.Record) {
	remaining := rec.TTL - m.clock.Now().Sub(rec.WrittenAt)
	if remaining < 0 {
		remaining = 0
	}
	m.fast.Set(key, data, remaining)
}

func (m *Manager) publishStoreStats() {
	stats := m.store.Stats()
	m.metrics.SetStoreStats(stats.EntryCount, stats.TotalSizeBytes)
}
