package cache

import (
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/newscache/newscache/internal/store"
	"github.com/newscache/newscache/pkg/types"
	"github.com/newscache/newscache/pkg/utils"
)

func newTestManager(t *testing.T, clock clockwork.Clock) *Manager {
	t.Helper()

	logger, err := utils.NewStructuredLogger(&utils.StructuredLoggerConfig{
		Level:  utils.ERROR,
		Output: io.Discard,
	})
	if err != nil {
		t.Fatalf("NewStructuredLogger failed: %v", err)
	}

	st, err := store.Open(&store.Config{Directory: t.TempDir()}, logger)
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	fast := NewMemoryCache(nil, clock)
	return NewManager(st, fast, clock, logger, nil)
}

func TestManager_ShouldFetch_EmptyCache(t *testing.T) {
	m := newTestManager(t, clockwork.NewFakeClock())

	decision := m.ShouldFetch("articles", types.Params{"q": "go"}, FetchOptions{})
	if !decision.ShouldFetch {
		t.Error("empty cache must require a fetch")
	}
	if decision.CachedData != nil {
		t.Error("empty cache must not return data")
	}
}

// TestManager_ShouldFetch_FastTierShortCircuit tests that a fresh fast-tier
// entry answers without a fetch
func TestManager_ShouldFetch_FastTierShortCircuit(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestManager(t, clock)

	payload := json.RawMessage(`{"articles":[]}`)
	m.StoreResponse("articles", types.Params{"q": "go"}, types.Response{Data: payload, Validator: `"v1"`}, time.Hour)

	decision := m.ShouldFetch("articles", types.Params{"q": "go"}, FetchOptions{})
	if decision.ShouldFetch {
		t.Error("fresh fast-tier entry must not require a fetch")
	}
	if string(decision.CachedData) != string(payload) {
		t.Errorf("payload mismatch: got %s", decision.CachedData)
	}
	if decision.Validator != `"v1"` {
		t.Errorf("expected validator surfaced, got %q", decision.Validator)
	}
}

// TestManager_ShouldFetch_ValidatorMatch tests that a matching validator
// short-circuits the fetch even after fast-tier staleness
func TestManager_ShouldFetch_ValidatorMatch(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestManager(t, clock)

	payload := json.RawMessage(`{"articles":[1]}`)
	m.StoreResponse("articles", types.Params{"q": "go"}, types.Response{Data: payload, Validator: `"v1"`}, time.Hour)

	// Past the fast tier's window but inside the durable TTL.
	clock.Advance(30 * time.Minute)
	m.fast.Clear()

	decision := m.ShouldFetch("articles", types.Params{"q": "go"}, FetchOptions{Validator: `"v1"`})
	if decision.ShouldFetch {
		t.Error("matching validator must not require a fetch")
	}
	if string(decision.CachedData) != string(payload) {
		t.Errorf("payload mismatch: got %s", decision.CachedData)
	}

	// The durable hit is promoted back into the fast tier.
	key := Key("articles", types.Params{"q": "go"})
	if !m.fast.IsFresh(key) {
		t.Error("durable hit should have been promoted to the fast tier")
	}
}

func TestManager_ShouldFetch_ValidatorMismatch(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestManager(t, clock)

	m.StoreResponse("articles", types.Params{"q": "go"}, types.Response{Data: json.RawMessage(`1`), Validator: `"v1"`}, time.Hour)
	m.fast.Clear()

	decision := m.ShouldFetch("articles", types.Params{"q": "go"}, FetchOptions{Validator: `"v2"`})
	if !decision.ShouldFetch {
		t.Error("mismatched validator must require a fetch")
	}
	if decision.Validator != `"v1"` {
		t.Errorf("stored validator should be surfaced for revalidation, got %q", decision.Validator)
	}
}

// TestManager_ShouldFetch_MaxAge tests acceptance of durable entries inside
// the caller's age bound without a validator
func TestManager_ShouldFetch_MaxAge(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestManager(t, clock)

	m.StoreResponse("articles", types.Params{"q": "go"}, types.Response{Data: json.RawMessage(`1`)}, time.Hour)
	m.fast.Clear()

	clock.Advance(10 * time.Minute)

	decision := m.ShouldFetch("articles", types.Params{"q": "go"}, FetchOptions{MaxAge: 15 * time.Minute})
	if decision.ShouldFetch {
		t.Error("entry inside MaxAge must not require a fetch")
	}

	m.fast.Clear()
	clock.Advance(10 * time.Minute)

	decision = m.ShouldFetch("articles", types.Params{"q": "go"}, FetchOptions{MaxAge: 15 * time.Minute})
	if !decision.ShouldFetch {
		t.Error("entry past MaxAge must require a fetch")
	}
}

// TestManager_ShouldFetch_Expired tests the TTL invariant: expired entries
// are never returned and are evicted on access
func TestManager_ShouldFetch_Expired(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestManager(t, clock)

	m.StoreResponse("articles", types.Params{"q": "go"}, types.Response{Data: json.RawMessage(`1`), Validator: `"v1"`}, time.Hour)
	m.fast.Clear()

	clock.Advance(time.Hour + time.Second)

	decision := m.ShouldFetch("articles", types.Params{"q": "go"}, FetchOptions{Validator: `"v1"`})
	if !decision.ShouldFetch {
		t.Error("expired entry must require a fetch even with a matching validator")
	}
	// The validator outlives the payload for conditional revalidation.
	if decision.Validator != `"v1"` {
		t.Errorf("expected validator surfaced for expired entry, got %q", decision.Validator)
	}

	if m.GetCacheStats().EntryCount != 0 {
		t.Error("expired entry should have been evicted on access")
	}
}

// TestManager_TTLBoundary tests that an entry written at t0 with ttl T is
// expired for all reads at t0+T and later
func TestManager_TTLBoundary(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestManager(t, clock)

	m.StoreResponse("articles", types.Params{"q": "go"}, types.Response{Data: json.RawMessage(`1`)}, time.Minute)
	m.fast.Clear()

	clock.Advance(time.Minute)

	decision := m.ShouldFetch("articles", types.Params{"q": "go"}, FetchOptions{})
	if !decision.ShouldFetch {
		t.Error("entry at exactly its TTL must require a fetch")
	}
	if _, ok := m.Peek("articles", types.Params{"q": "go"}); ok {
		t.Error("entry at exactly its TTL must read as absent")
	}
}

// TestManager_ZeroTTL tests that a zero-TTL entry always refetches but is
// still written for reference reads
func TestManager_ZeroTTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestManager(t, clock)

	m.StoreResponse("articles", types.Params{"q": "go"}, types.Response{Data: json.RawMessage(`1`)}, 0)

	decision := m.ShouldFetch("articles", types.Params{"q": "go"}, FetchOptions{})
	if !decision.ShouldFetch {
		t.Error("zero-TTL entry must require a fetch at its write instant")
	}
	if _, ok := m.CachedWithin("articles", types.Params{"q": "go"}, time.Hour); !ok {
		t.Error("zero-TTL entry should still serve age-bounded reads")
	}
}

func TestManager_ShouldFetch_ForceRefresh(t *testing.T) {
	m := newTestManager(t, clockwork.NewFakeClock())

	m.StoreResponse("articles", types.Params{"q": "go"}, types.Response{Data: json.RawMessage(`1`), Validator: `"v1"`}, time.Hour)

	decision := m.ShouldFetch("articles", types.Params{"q": "go"}, FetchOptions{ForceRefresh: true})
	if !decision.ShouldFetch {
		t.Error("force refresh must always fetch")
	}
	if decision.Validator != `"v1"` {
		t.Errorf("force refresh should still surface the validator, got %q", decision.Validator)
	}
}

// TestManager_CachedWithin tests the offline fallback read, which is
// governed by the caller's age bound rather than the entry TTL
func TestManager_CachedWithin(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestManager(t, clock)

	m.StoreResponse("articles", types.Params{"q": "go"}, types.Response{Data: json.RawMessage(`1`)}, time.Minute)

	// Far past the TTL: stale-but-present beats no data.
	clock.Advance(6 * time.Hour)

	if _, ok := m.CachedWithin("articles", types.Params{"q": "go"}, 24*time.Hour); !ok {
		t.Error("stale entry inside the offline age bound should be returned")
	}
	if _, ok := m.CachedWithin("articles", types.Params{"q": "go"}, time.Hour); ok {
		t.Error("entry past the offline age bound should not be returned")
	}
}

func TestManager_Peek_Expiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestManager(t, clock)

	m.StoreResponse("books", types.Params{"list": "picture-books"}, types.Response{Data: json.RawMessage(`1`)}, time.Hour)

	entry, ok := m.Peek("books", types.Params{"list": "picture-books"})
	if !ok {
		t.Fatal("expected peek hit")
	}
	if entry.TTL != time.Hour {
		t.Errorf("expected TTL carried on the entry, got %v", entry.TTL)
	}

	clock.Advance(2 * time.Hour)
	if _, ok := m.Peek("books", types.Params{"list": "picture-books"}); ok {
		t.Error("expired entry must read as absent")
	}
	if m.GetCacheStats().EntryCount != 0 {
		t.Error("expired entry should have been evicted by Peek")
	}
}

// TestManager_InvalidateCache_ByType tests that invalidation by type never
// touches other types
func TestManager_InvalidateCache_ByType(t *testing.T) {
	m := newTestManager(t, clockwork.NewFakeClock())

	m.StoreResponse("articles", types.Params{"q": "go"}, types.Response{Data: json.RawMessage(`1`)}, time.Hour)
	m.StoreResponse("articles", types.Params{"q": "rust"}, types.Response{Data: json.RawMessage(`2`)}, time.Hour)
	m.StoreResponse("books", types.Params{"list": "picture-books"}, types.Response{Data: json.RawMessage(`3`)}, time.Hour)

	m.InvalidateCache("articles", "")

	if _, ok := m.CachedWithin("articles", types.Params{"q": "go"}, 0); ok {
		t.Error("articles entry should have been invalidated")
	}
	if _, ok := m.CachedWithin("books", types.Params{"list": "picture-books"}, 0); !ok {
		t.Error("books entry should have survived articles invalidation")
	}

	// The fast tier sees the same scope.
	if m.fast.IsFresh(Key("articles", types.Params{"q": "rust"})) {
		t.Error("fast tier should have been invalidated too")
	}
	if !m.fast.IsFresh(Key("books", types.Params{"list": "picture-books"})) {
		t.Error("fast tier books entry should have survived")
	}
}

func TestManager_InvalidateCache_All(t *testing.T) {
	m := newTestManager(t, clockwork.NewFakeClock())

	m.StoreResponse("articles", types.Params{"q": "go"}, types.Response{Data: json.RawMessage(`1`)}, time.Hour)
	m.StoreResponse("books", types.Params{"list": "picture-books"}, types.Response{Data: json.RawMessage(`2`)}, time.Hour)

	m.InvalidateCache("", "")

	if m.GetCacheStats().EntryCount != 0 {
		t.Error("full invalidation should empty the durable tier")
	}
	if m.FastStats().Entries != 0 {
		t.Error("full invalidation should empty the fast tier")
	}
}

// TestManager_CleanupExpiredEntries tests the metadata-driven reclaim pass
func TestManager_CleanupExpiredEntries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestManager(t, clock)

	m.StoreResponse("articles", types.Params{"q": "old"}, types.Response{Data: json.RawMessage(`1`)}, time.Minute)
	m.StoreResponse("articles", types.Params{"q": "new"}, types.Response{Data: json.RawMessage(`2`)}, 24*time.Hour)

	clock.Advance(time.Hour)

	removed := m.CleanupExpiredEntries()
	if removed != 1 {
		t.Errorf("expected 1 entry removed, got %d", removed)
	}
	if m.GetCacheStats().EntryCount != 1 {
		t.Errorf("expected 1 surviving entry, got %d", m.GetCacheStats().EntryCount)
	}
	if _, ok := m.CachedWithin("articles", types.Params{"q": "new"}, 0); !ok {
		t.Error("unexpired entry should have survived cleanup")
	}
}

// TestManager_GetCacheStats_ReadOnly tests that reading stats never evicts
func TestManager_GetCacheStats_ReadOnly(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestManager(t, clock)

	m.StoreResponse("articles", types.Params{"q": "go"}, types.Response{Data: json.RawMessage(`1`)}, time.Minute)
	clock.Advance(time.Hour)

	// The entry is expired; stats still count it until a reclaim pass runs.
	if m.GetCacheStats().EntryCount != 1 {
		t.Error("stats read must not evict expired entries")
	}
	if m.GetCacheStats().EntryCount != 1 {
		t.Error("repeated stats reads must stay stable")
	}
}
