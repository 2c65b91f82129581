package offline

import (
	"context"
	"encoding/json"
	stderr "errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/newscache/newscache/internal/cache"
	"github.com/newscache/newscache/internal/connectivity"
	"github.com/newscache/newscache/internal/store"
	"github.com/newscache/newscache/pkg/errors"
	"github.com/newscache/newscache/pkg/types"
	"github.com/newscache/newscache/pkg/utils"
)

type offlineFixture struct {
	manager *Manager
	cache   *cache.Manager
	source  *connectivity.StaticSource
	clock   clockwork.Clock
}

func newFixture(t *testing.T, online bool, clock clockwork.Clock) *offlineFixture {
	t.Helper()

	logger, err := utils.NewStructuredLogger(&utils.StructuredLoggerConfig{
		Level:  utils.FATAL,
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

	cacheMgr := cache.NewManager(st, cache.NewMemoryCache(nil, clock), clock, logger, nil)
	source := connectivity.NewStaticSource(online)

	mgr := NewManager(cacheMgr, source, &Config{
		QueueLimit:    100,
		MaxOfflineAge: 24 * time.Hour,
		RetryAttempts: 3,
		RetryDelay:    time.Millisecond,
	}, clock, logger, nil)
	t.Cleanup(func() { _ = mgr.Close() })

	return &offlineFixture{manager: mgr, cache: cacheMgr, source: source, clock: clock}
}

func staticFetch(data string) types.FetchFunc {
	return func(ctx context.Context) (json.RawMessage, error) {
		return json.RawMessage(data), nil
	}
}

func failingFetch(err error) types.FetchFunc {
	return func(ctx context.Context) (json.RawMessage, error) {
		return nil, err
	}
}

// TestGetCachedDataWithFallback_OnlineSuccess tests the happy path: a live
// fetch returns immediately without touching the cache
func TestGetCachedDataWithFallback_OnlineSuccess(t *testing.T) {
	f := newFixture(t, true, clockwork.NewRealClock())

	data, err := f.manager.GetCachedDataWithFallback(context.Background(), "articles", types.Params{"q": "go"},
		staticFetch(`{"live":true}`), FallbackOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"live":true}` {
		t.Errorf("expected live data, got %s", data)
	}
	if f.manager.QueuedCount() != 0 {
		t.Error("nothing should be queued while online")
	}
}

// TestGetCachedDataWithFallback_OnlineFailureCachedFallback tests that a
// failed live fetch falls back to cached data inside the age bound
func TestGetCachedDataWithFallback_OnlineFailureCachedFallback(t *testing.T) {
	f := newFixture(t, true, clockwork.NewRealClock())

	f.cache.StoreResponse("articles", types.Params{"q": "go"},
		types.Response{Data: json.RawMessage(`{"cached":true}`)}, time.Hour)

	data, err := f.manager.GetCachedDataWithFallback(context.Background(), "articles", types.Params{"q": "go"},
		failingFetch(fmt.Errorf("upstream down")), FallbackOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"cached":true}` {
		t.Errorf("expected cached fallback, got %s", data)
	}
}

// TestGetCachedDataWithFallback_OfflineCached tests the offline read of
// stale-but-present data inside MaxOfflineAge
func TestGetCachedDataWithFallback_OfflineCached(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := newFixture(t, false, clock)

	f.cache.StoreResponse("articles", types.Params{"q": "go"},
		types.Response{Data: json.RawMessage(`{"cached":true}`)}, time.Minute)

	// Far past the TTL but inside the offline age bound.
	clock.Advance(12 * time.Hour)

	fetchCalled := false
	data, err := f.manager.GetCachedDataWithFallback(context.Background(), "articles", types.Params{"q": "go"},
		func(ctx context.Context) (json.RawMessage, error) {
			fetchCalled = true
			return nil, fmt.Errorf("should not be called")
		}, FallbackOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"cached":true}` {
		t.Errorf("expected cached data, got %s", data)
	}
	if fetchCalled {
		t.Error("fetch must not run while offline")
	}
}

// TestGetCachedDataWithFallback_OfflineNoDataError tests the terminal
// offline error and that the operation is queued for replay
func TestGetCachedDataWithFallback_OfflineNoDataError(t *testing.T) {
	f := newFixture(t, false, clockwork.NewFakeClock())

	_, err := f.manager.GetCachedDataWithFallback(context.Background(), "articles", types.Params{"q": "go"},
		staticFetch(`{}`), FallbackOptions{})
	if err == nil {
		t.Fatal("expected terminal offline error")
	}
	if !errors.IsCode(err, errors.ErrCodeOfflineNoData) {
		t.Errorf("expected OFFLINE_NO_DATA, got %v", err)
	}
	if f.manager.QueuedCount() != 1 {
		t.Errorf("operation should have been queued, depth=%d", f.manager.QueuedCount())
	}
}

// TestGetCachedDataWithFallback_OfflineFallbackData tests that caller
// fallback data substitutes for the terminal error
func TestGetCachedDataWithFallback_OfflineFallbackData(t *testing.T) {
	f := newFixture(t, false, clockwork.NewFakeClock())

	data, err := f.manager.GetCachedDataWithFallback(context.Background(), "articles", types.Params{"q": "go"},
		staticFetch(`{}`), FallbackOptions{FallbackData: json.RawMessage(`{"placeholder":true}`)})
	if err != nil {
		t.Fatalf("fallback data should suppress the error, got %v", err)
	}
	if string(data) != `{"placeholder":true}` {
		t.Errorf("expected fallback data, got %s", data)
	}
	if f.manager.QueuedCount() != 1 {
		t.Error("operation should still be queued for replay")
	}
}

// TestGetCachedDataWithFallback_OnlineRetry tests the bounded retry path
// when online with nothing cached
func TestGetCachedDataWithFallback_OnlineRetry(t *testing.T) {
	f := newFixture(t, true, clockwork.NewRealClock())

	var calls int
	data, err := f.manager.GetCachedDataWithFallback(context.Background(), "articles", types.Params{"q": "go"},
		func(ctx context.Context) (json.RawMessage, error) {
			calls++
			if calls < 3 {
				return nil, fmt.Errorf("flaky")
			}
			return json.RawMessage(`{"ok":true}`), nil
		}, FallbackOptions{RetryAttempts: 3, RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Errorf("expected eventual success payload, got %s", data)
	}
	// Initial attempt plus the retry path's attempts.
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

// TestGetCachedDataWithFallback_RetryExhaustion tests that persistent
// failure propagates after the attempt budget
func TestGetCachedDataWithFallback_RetryExhaustion(t *testing.T) {
	f := newFixture(t, true, clockwork.NewRealClock())

	var calls int
	_, err := f.manager.GetCachedDataWithFallback(context.Background(), "articles", types.Params{"q": "go"},
		func(ctx context.Context) (json.RawMessage, error) {
			calls++
			return nil, fmt.Errorf("still down")
		}, FallbackOptions{RetryAttempts: 2, RetryDelay: time.Millisecond})
	if err == nil {
		t.Fatal("expected propagated failure")
	}
	if !errors.IsCode(err, errors.ErrCodeRetryExhausted) {
		t.Errorf("expected RETRY_EXHAUSTED, got %v", err)
	}
	// 1 initial + 2 retry-path attempts.
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

// TestReplayOnReconnect tests that queued operations replay in FIFO order
// when connectivity returns
func TestReplayOnReconnect(t *testing.T) {
	f := newFixture(t, false, clockwork.NewFakeClock())

	var mu sync.Mutex
	var replayed []string
	for i := 0; i < 3; i++ {
		name := fmt.Sprintf("op-%d", i)
		_, _ = f.manager.GetCachedDataWithFallback(context.Background(), name, types.Params{},
			func(ctx context.Context) (json.RawMessage, error) {
				mu.Lock()
				replayed = append(replayed, name)
				mu.Unlock()
				return json.RawMessage(`{}`), nil
			}, FallbackOptions{FallbackData: json.RawMessage(`{}`)})
	}
	if f.manager.QueuedCount() != 3 {
		t.Fatalf("expected 3 queued operations, got %d", f.manager.QueuedCount())
	}

	f.source.SetOnline(true)

	mu.Lock()
	defer mu.Unlock()
	if len(replayed) != 3 {
		t.Fatalf("expected 3 replays, got %d", len(replayed))
	}
	for i, name := range []string{"op-0", "op-1", "op-2"} {
		if replayed[i] != name {
			t.Errorf("replay order broken at %d: got %s", i, replayed[i])
		}
	}
	if f.manager.QueuedCount() != 0 {
		t.Error("queue should be empty after replay")
	}
}

// TestReplayFailureIsolation tests that one failing replay never blocks the
// operations behind it
func TestReplayFailureIsolation(t *testing.T) {
	f := newFixture(t, false, clockwork.NewFakeClock())

	var mu sync.Mutex
	var replayed []string
	enqueueOp := func(name string, fail bool) {
		_, _ = f.manager.GetCachedDataWithFallback(context.Background(), name, types.Params{},
			func(ctx context.Context) (json.RawMessage, error) {
				mu.Lock()
				replayed = append(replayed, name)
				mu.Unlock()
				if fail {
					return nil, stderr.New("replay failed")
				}
				return json.RawMessage(`{}`), nil
			}, FallbackOptions{FallbackData: json.RawMessage(`{}`)})
	}

	enqueueOp("first", false)
	enqueueOp("second", true)
	enqueueOp("third", false)

	f.source.SetOnline(true)

	mu.Lock()
	defer mu.Unlock()
	if len(replayed) != 3 {
		t.Fatalf("all 3 operations should have been attempted, got %d", len(replayed))
	}
	if f.manager.QueuedCount() != 0 {
		t.Error("failed replay must not be re-queued")
	}
}

// TestTransitionDedup tests that repeated online signals do not replay
// operations twice
func TestTransitionDedup(t *testing.T) {
	f := newFixture(t, false, clockwork.NewFakeClock())

	var calls int
	_, _ = f.manager.GetCachedDataWithFallback(context.Background(), "articles", types.Params{},
		func(ctx context.Context) (json.RawMessage, error) {
			calls++
			return json.RawMessage(`{}`), nil
		}, FallbackOptions{FallbackData: json.RawMessage(`{}`)})

	f.source.SetOnline(true)
	f.source.SetOnline(true) // no-op, same state

	if calls != 1 {
		t.Errorf("expected exactly 1 replay, got %d", calls)
	}
}

func TestPreloadCriticalData(t *testing.T) {
	f := newFixture(t, true, clockwork.NewFakeClock())

	f.manager.RegisterCriticalQuery(PreloadQuery{
		Type:   "articles",
		Params: types.Params{"q": "top"},
		TTL:    time.Hour,
		Fetch:  staticFetch(`{"top":true}`),
	})
	f.manager.RegisterCriticalQuery(PreloadQuery{
		Type:   "articles",
		Params: types.Params{"q": "broken"},
		TTL:    time.Hour,
		Fetch:  failingFetch(fmt.Errorf("boom")),
	})

	errs := f.manager.PreloadCriticalData(context.Background())
	if len(errs) != 1 {
		t.Fatalf("expected 1 preload failure, got %d", len(errs))
	}

	if _, ok := f.cache.CachedWithin("articles", types.Params{"q": "top"}, 0); !ok {
		t.Error("successful preload should have been cached")
	}

	// A second pass skips the already-fresh query.
	var refetched bool
	f.manager.RegisterCriticalQuery(PreloadQuery{
		Type:   "articles",
		Params: types.Params{"q": "top"},
		TTL:    time.Hour,
		Fetch: func(ctx context.Context) (json.RawMessage, error) {
			refetched = true
			return json.RawMessage(`{}`), nil
		},
	})
	_ = f.manager.PreloadCriticalData(context.Background())
	if refetched {
		t.Error("fresh critical query should not be refetched")
	}
}

// TestClose tests that Close unsubscribes from the source and is safe to
// call more than once
func TestClose(t *testing.T) {
	f := newFixture(t, false, clockwork.NewFakeClock())

	if err := f.manager.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := f.manager.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	// Transitions after Close no longer reach the manager.
	f.source.SetOnline(true)
	if f.manager.IsOnline() {
		t.Error("closed manager should not observe transitions")
	}
}

func TestGetOfflineStats(t *testing.T) {
	f := newFixture(t, false, clockwork.NewFakeClock())

	f.cache.StoreResponse("articles", types.Params{"q": "go"},
		types.Response{Data: json.RawMessage(`{"a":1}`)}, time.Hour)
	_, _ = f.manager.GetCachedDataWithFallback(context.Background(), "books", types.Params{},
		staticFetch(`{}`), FallbackOptions{FallbackData: json.RawMessage(`{}`)})

	stats := f.manager.GetOfflineStats()
	if stats.IsOnline {
		t.Error("expected offline state")
	}
	if stats.QueuedCount != 1 {
		t.Errorf("expected 1 queued, got %d", stats.QueuedCount)
	}
	if stats.CachedEntryCount != 1 {
		t.Errorf("expected 1 cached entry, got %d", stats.CachedEntryCount)
	}
	if stats.CacheSizeBytes <= 0 {
		t.Error("expected positive cache size")
	}
}
