package types

import (
	"context"
	"encoding/json"
	"time"
)

// FetchFunc performs one upstream fetch. It is supplied by the caller; the
// cache managers never construct network requests themselves.
type FetchFunc func(ctx context.Context) (json.RawMessage, error)

// FastCache is the in-memory query-cache tier. The durable manager treats
// it as an external collaborator behind this interface.
type FastCache interface {
	// Get returns the cached payload for key, if present and not evicted.
	Get(key string) (json.RawMessage, bool)

	// Set stores the payload under key with the given freshness window.
	Set(key string, data json.RawMessage, ttl time.Duration)

	// IsFresh reports whether key is present and inside its freshness window.
	IsFresh(key string) bool

	// Delete removes a single key.
	Delete(key string)

	// DeleteFunc removes every key the predicate matches.
	DeleteFunc(match func(key string) bool)

	// Clear removes everything.
	Clear()

	// Stats returns tier statistics. Read-only.
	Stats() CacheStats
}
