/*
Package cache implements the two-tier caching core of newscache.

This package combines a fast in-memory tier with a durable on-disk tier and
decides, per request, whether a network fetch is actually necessary. It keeps
reader applications responsive by answering from memory when it can, from disk
when it must, and only deferring to the network when both tiers fail the
freshness rules.

# Cache Architecture

Two-tier hierarchy coordinated by the Manager:

	┌─────────────────────────────────────────────┐
	│              Application                    │
	│      (reader UI, prefetch, offline)         │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│             cache.Manager                   │  ← This Package
	│   (keys, freshness rules, invalidation)     │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│  ┌─────────────────────────────────────────┐  │
	│  │            Fast Tier                    │  │
	│  │        (MemoryCache - LRU)              │  │
	│  │   • TTL-gated freshness                 │  │
	│  │   • Bounded entry count                 │  │
	│  │   • Volatile, per-process              │  │
	│  └─────────────────────────────────────────┘  │
	│                     │                       │
	│  ┌─────────────────────────────────────────┐  │
	│  │           Durable Tier                  │  │
	│  │        (store.Store - disk)             │  │
	│  │   • Validator (ETag-like) per entry    │  │
	│  │   • Survives restarts                   │  │
	│  │   • Checksummed, optional gzip         │  │
	│  └─────────────────────────────────────────┘  │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│             Upstream API                    │
	│   (caller-supplied fetch, rate limited)     │
	└─────────────────────────────────────────────┘

# Cache Keys

Keys are derived deterministically from a data type and a parameter bag.
Parameter names are sorted before hashing, so equal bags produce equal keys
regardless of construction order:

	key := cache.Key("books", types.Params{"list": "hardcover-fiction"})
	// cache:books:a1b2c3d4e5f60718

All entries of one type share the prefix cache.KeyPrefix(type), which is what
type-scoped invalidation matches on.

# Fetch Decisions

ShouldFetch applies the freshness rules in order:

	decision := mgr.ShouldFetch("books", params, cache.FetchOptions{
		MaxAge:    15 * time.Minute,
		Validator: etag,
	})
	if decision.ShouldFetch {
		resp, err := fetchFromAPI(decision.Validator) // conditional request
		if err == nil {
			mgr.StoreResponse("books", params, resp, time.Hour)
		}
	} else {
		render(decision.CachedData)
	}

ForceRefresh always fetches. A fresh fast-tier entry short-circuits. A durable
entry whose stored validator matches the caller's, or whose age is within
MaxAge, is promoted back into the fast tier and served without a fetch. In
every other case the stored validator is surfaced so the caller can attempt
conditional revalidation.

# Freshness

An entry written at t0 with ttl T is fresh while now - t0 <= T and expired
afterwards. Expired entries are never returned and are evicted on the access
that discovers them. A TTL of zero means never fresh: the entry is still
written, so it remains available to age-bounded reads (CachedWithin) and to
offline fallback, but every ShouldFetch call refetches.

# Invalidation

InvalidateCache scopes both tiers identically: by type (prefix match), by
substring pattern, or everything. CleanupExpiredEntries scans the durable
tier and removes entries past their TTL; unparseable entries count as expired
and are removed rather than surfaced as errors.

# Concurrency

MemoryCache and Manager are safe for concurrent use. Writers under the same
key overwrite (last write wins); the cache is advisory, so no merge or
optimistic-concurrency check is attempted.
*/
package cache
