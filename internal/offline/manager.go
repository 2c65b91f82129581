// Package offline implements the resilience layer between callers and the
// network: a connectivity-aware fallback chain (live fetch, durable cache,
// queued-for-later), reconnection replay, and bounded retry with
// exponential backoff.
package offline

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/newscache/newscache/internal/cache"
	"github.com/newscache/newscache/internal/connectivity"
	"github.com/newscache/newscache/internal/metrics"
	"github.com/newscache/newscache/pkg/errors"
	"github.com/newscache/newscache/pkg/retry"
	"github.com/newscache/newscache/pkg/types"
	"github.com/newscache/newscache/pkg/utils"
)

// Config represents offline resilience configuration
type Config struct {
	// QueueLimit caps the replay queue; the oldest operation is dropped
	// when the cap is reached.
	QueueLimit int `yaml:"queue_limit"`

	// MaxOfflineAge is the default staleness bound for cached fallback
	// reads when the caller does not set one.
	MaxOfflineAge time.Duration `yaml:"max_offline_age"`

	// RetryAttempts and RetryDelay are the defaults for the online
	// failure-retry path.
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`

	// RetryMultiplier, RetryMaxDelay, and RetryJitter shape the backoff
	// curve for that path. Zero values take the retryer defaults.
	RetryMultiplier float64       `yaml:"retry_multiplier"`
	RetryMaxDelay   time.Duration `yaml:"retry_max_delay"`
	RetryJitter     bool          `yaml:"retry_jitter"`
}

// FallbackOptions tune a single GetCachedDataWithFallback call.
type FallbackOptions struct {
	// MaxOfflineAge bounds how stale a cached fallback may be. Zero uses
	// the manager default.
	MaxOfflineAge time.Duration

	// FallbackData is returned when offline with nothing cached, instead
	// of the terminal offline error. Nil means no fallback.
	FallbackData json.RawMessage

	// RetryAttempts and RetryDelay override the manager defaults for the
	// online retry path. Zero uses the defaults.
	RetryAttempts int
	RetryDelay    time.Duration
}

// PreloadQuery declares one query fired eagerly by PreloadCriticalData.
type PreloadQuery struct {
	Type   string
	Params types.Params
	TTL    time.Duration
	Fetch  types.FetchFunc
}

// Manager tracks connectivity and wraps fetch operations with the
// three-tier fallback. The connectivity flag is updated exclusively by the
// subscribed source, never polled.
type Manager struct {
	cache   *cache.Manager
	clock   clockwork.Clock
	logger  *utils.StructuredLogger
	metrics *metrics.Collector
	config  Config

	mu      sync.Mutex
	online  bool
	preload []PreloadQuery

	queue     *opQueue
	cancelSub func()
}

// NewManager creates an offline resilience manager subscribed to the given
// connectivity source.
func NewManager(cacheMgr *cache.Manager, source connectivity.Source, config *Config, clock clockwork.Clock, logger *utils.StructuredLogger, collector *metrics.Collector) *Manager {
	cfg := Config{}
	if config != nil {
		cfg = *config
	}
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = 100
	}
	if cfg.MaxOfflineAge <= 0 {
		cfg.MaxOfflineAge = 24 * time.Hour
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger, _ = utils.NewStructuredLogger(nil)
	}

	m := &Manager{
		cache:   cacheMgr,
		clock:   clock,
		logger:  logger.WithComponent("offline"),
		metrics: collector,
		config:  cfg,
		online:  source.Online(),
		queue:   newOpQueue(cfg.QueueLimit),
	}
	m.metrics.SetOnline(m.online)
	m.cancelSub = source.Subscribe(m.handleTransition)

	return m
}

// Close unsubscribes from the connectivity source.
func (m *Manager) Close() error {
	m.mu.Lock()
	cancel := m.cancelSub
	m.cancelSub = nil
	m.mu.Unlock()

	// The source takes its own lock; unsubscribe outside ours.
	if cancel != nil {
		cancel()
	}
	return nil
}

// IsOnline reports the last observed connectivity state.
func (m *Manager) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// GetCachedDataWithFallback resolves a request against the network and the
// cache tiers:
//
//  1. Online: attempt the fetch; success returns immediately. Caching the
//     result is the caller's responsibility.
//  2. Look for cached data no older than MaxOfflineAge.
//  3. Offline with nothing cached: queue the operation for replay and
//     return FallbackData, or the terminal offline error without one.
//  4. Online but the fetch failed and nothing was cached: retry with
//     exponential backoff and propagate the final failure.
func (m *Manager) GetCachedDataWithFallback(ctx context.Context, dataType string, params types.Params, fetchFn types.FetchFunc, opts FallbackOptions) (json.RawMessage, error) {
	wasOnline := m.IsOnline()

	if wasOnline {
		start := m.clock.Now()
		data, err := fetchFn(ctx)
		if err == nil {
			m.metrics.RecordFetch(metrics.OutcomeSuccess, m.clock.Now().Sub(start))
			return data, nil
		}
		m.metrics.RecordFetch(metrics.OutcomeFailure, m.clock.Now().Sub(start))
		m.logger.Warn("Live fetch failed, falling back to cache", map[string]interface{}{
			"type":  dataType,
			"error": err.Error(),
		})
	}

	maxAge := opts.MaxOfflineAge
	if maxAge <= 0 {
		maxAge = m.config.MaxOfflineAge
	}
	if data, ok := m.cache.CachedWithin(dataType, params, maxAge); ok {
		return data, nil
	}

	if !m.IsOnline() {
		m.enqueue(dataType, params, fetchFn)
		if opts.FallbackData != nil {
			return opts.FallbackData, nil
		}
		return nil, errors.NewError(errors.ErrCodeOfflineNoData, "no cached data available while offline").
			WithComponent("offline").
			WithOperation("getCachedDataWithFallback").
			WithDetail("type", dataType)
	}

	// Online, first fetch failed, nothing cached: bounded retry.
	attempts := opts.RetryAttempts
	if attempts <= 0 {
		attempts = m.config.RetryAttempts
	}
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = m.config.RetryDelay
	}

	retryer := retry.New(retry.Config{
		MaxAttempts:  attempts,
		InitialDelay: delay,
		Multiplier:   m.config.RetryMultiplier,
		MaxDelay:     m.config.RetryMaxDelay,
		Jitter:       m.config.RetryJitter,
		Clock:        m.clock,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			m.logger.Debug("Retrying fetch", map[string]interface{}{
				"type":    dataType,
				"attempt": attempt,
				"delay":   delay.String(),
			})
		},
	})

	var out json.RawMessage
	err := retryer.DoWithContext(ctx, func(ctx context.Context) error {
		data, err := fetchFn(ctx)
		if err != nil {
			// The fallback retry path treats every failure as transient.
			return errors.NewError(errors.ErrCodeNetworkError, "fetch failed").WithCause(err)
		}
		out = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RegisterCriticalQuery declares a query for PreloadCriticalData.
func (m *Manager) RegisterCriticalQuery(q PreloadQuery) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.preload = append(m.preload, q)
}

// PreloadCriticalData fires every registered query eagerly, storing
// responses through the cache manager. Failures are collected and
// returned; one query's failure never aborts the batch.
func (m *Manager) PreloadCriticalData(ctx context.Context) []error {
	m.mu.Lock()
	queries := make([]PreloadQuery, len(m.preload))
	copy(queries, m.preload)
	m.mu.Unlock()

	var errs []error
	for _, q := range queries {
		decision := m.cache.ShouldFetch(q.Type, q.Params, cache.FetchOptions{})
		if !decision.ShouldFetch {
			continue
		}

		data, err := q.Fetch(ctx)
		if err != nil {
			m.logger.Warn("Critical data preload failed", map[string]interface{}{
				"type":  q.Type,
				"error": err.Error(),
			})
			errs = append(errs, err)
			continue
		}
		m.cache.StoreResponse(q.Type, q.Params, types.Response{Data: data}, q.TTL)
	}
	return errs
}

// GetOfflineStats reports resilience-layer health for reporting surfaces.
func (m *Manager) GetOfflineStats() types.OfflineStats {
	cacheStats := m.cache.GetCacheStats()
	return types.OfflineStats{
		IsOnline:         m.IsOnline(),
		QueuedCount:      m.queue.len(),
		DroppedCount:     m.queue.droppedCount(),
		CachedEntryCount: cacheStats.EntryCount,
		CacheSizeBytes:   cacheStats.TotalSizeBytes,
	}
}

// QueuedCount reports the replay queue depth.
func (m *Manager) QueuedCount() int {
	return m.queue.len()
}

// handleTransition is the sole writer of the connectivity flag.
func (m *Manager) handleTransition(online bool) {
	m.mu.Lock()
	wasOnline := m.online
	m.online = online
	m.mu.Unlock()

	m.metrics.SetOnline(online)
	m.logger.Info("Connectivity changed", map[string]interface{}{
		"online": online,
	})

	if online && !wasOnline {
		m.drainQueue(context.Background())
	}
}

// drainQueue replays queued operations strictly in FIFO order. Each item
// runs independently: a failing item is logged and skipped, never blocking
// the items behind it.
func (m *Manager) drainQueue(ctx context.Context) {
	for {
		op, ok := m.queue.dequeue()
		if !ok {
			break
		}
		m.metrics.SetQueueDepth(m.queue.len())

		if _, err := op.Operation(ctx); err != nil {
			m.metrics.RecordReplay(false)
			m.logger.Warn("Queued operation replay failed", map[string]interface{}{
				"type":      op.Type,
				"queued_at": op.QueuedAt,
				"error":     err.Error(),
			})
			continue
		}
		m.metrics.RecordReplay(true)
	}
}

func (m *Manager) enqueue(dataType string, params types.Params, fetchFn types.FetchFunc) {
	dropped := m.queue.enqueue(&QueuedOperation{
		Type:      dataType,
		Params:    params,
		Operation: fetchFn,
		QueuedAt:  m.clock.Now(),
	})
	m.metrics.RecordQueued()
	m.metrics.SetQueueDepth(m.queue.len())
	if dropped {
		m.metrics.RecordQueueDropped()
		m.logger.Warn("Replay queue full, dropped oldest operation", map[string]interface{}{
			"limit": m.config.QueueLimit,
		})
	}

	m.logger.Debug("Queued operation for replay", map[string]interface{}{
		"type":  dataType,
		"depth": m.queue.len(),
	})
}
