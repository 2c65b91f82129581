// Package service wires the cache tiers, offline manager, and prefetch
// scheduler into one lifecycle-managed unit. Construction is explicit;
// there are no package-level singletons.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/newscache/newscache/internal/cache"
	"github.com/newscache/newscache/internal/config"
	"github.com/newscache/newscache/internal/connectivity"
	"github.com/newscache/newscache/internal/metrics"
	"github.com/newscache/newscache/internal/offline"
	"github.com/newscache/newscache/internal/prefetch"
	"github.com/newscache/newscache/internal/store"
	"github.com/newscache/newscache/pkg/types"
	"github.com/newscache/newscache/pkg/utils"
)

// Service is the top-level facade over the caching subsystem.
type Service struct {
	config  *config.Configuration
	logger  *utils.StructuredLogger
	metrics *metrics.Collector

	store    *store.Store
	cache    *cache.Manager
	offline  *offline.Manager
	prefetch *prefetch.Scheduler

	source connectivity.Source
	clock  clockwork.Clock
}

// Option customizes service construction.
type Option func(*options)

type options struct {
	clock   clockwork.Clock
	source  connectivity.Source
	fetcher prefetch.CategoryFetcher
	logger  *utils.StructuredLogger
}

// WithClock injects the clock observed by every time-dependent component.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithConnectivitySource injects the connectivity signal. The default is a
// static source that starts online.
func WithConnectivitySource(source connectivity.Source) Option {
	return func(o *options) { o.source = source }
}

// WithCategoryFetcher injects the upstream fetcher used by the prefetch
// scheduler. Without one the scheduler is not created.
func WithCategoryFetcher(fetcher prefetch.CategoryFetcher) Option {
	return func(o *options) { o.fetcher = fetcher }
}

// WithLogger injects a pre-built logger, bypassing the config-driven one.
func WithLogger(logger *utils.StructuredLogger) Option {
	return func(o *options) { o.logger = logger }
}

// New builds the full subsystem from a validated configuration.
func New(cfg *config.Configuration, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}
	if o.source == nil {
		o.source = connectivity.NewStaticSource(true)
	}

	logger := o.logger
	if logger == nil {
		var err error
		logger, err = buildLogger(cfg.Global)
		if err != nil {
			return nil, err
		}
	}

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Metrics.Enabled,
		Port:      cfg.Metrics.Port,
		Path:      cfg.Metrics.Path,
		Namespace: cfg.Metrics.Namespace,
		Labels:    cfg.Metrics.Labels,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics collector: %w", err)
	}

	st, err := store.Open(&store.Config{
		Directory:   cfg.Store.Directory,
		IndexFile:   cfg.Store.IndexFile,
		Compression: cfg.Store.Compression,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open durable store: %w", err)
	}

	fast := cache.NewMemoryCache(&cache.MemoryCacheConfig{
		MaxEntries: cfg.FastCache.MaxEntries,
		DefaultTTL: cfg.FastCache.DefaultTTL,
	}, o.clock)

	cacheMgr := cache.NewManager(st, fast, o.clock, logger, collector)

	// The retry section carries the shared backoff defaults; the offline
	// and prefetch sections override only the attempt counts and delays.
	retryAttempts := cfg.Offline.RetryAttempts
	if retryAttempts <= 0 {
		retryAttempts = cfg.Retry.MaxAttempts
	}
	retryDelay := cfg.Offline.RetryDelay
	if retryDelay <= 0 {
		retryDelay = cfg.Retry.InitialDelay
	}

	offlineMgr := offline.NewManager(cacheMgr, o.source, &offline.Config{
		QueueLimit:      cfg.Offline.QueueLimit,
		MaxOfflineAge:   cfg.Offline.MaxOfflineAge,
		RetryAttempts:   retryAttempts,
		RetryDelay:      retryDelay,
		RetryMultiplier: cfg.Retry.Multiplier,
		RetryMaxDelay:   cfg.Retry.MaxDelay,
		RetryJitter:     cfg.Retry.Jitter,
	}, o.clock, logger, collector)

	s := &Service{
		config:  cfg,
		logger:  logger,
		metrics: collector,
		store:   st,
		cache:   cacheMgr,
		offline: offlineMgr,
		source:  o.source,
		clock:   o.clock,
	}

	if o.fetcher != nil {
		s.prefetch = prefetch.NewScheduler(cacheMgr, o.fetcher, &prefetch.Config{
			Enabled:             cfg.Prefetch.Enabled,
			Categories:          cfg.Prefetch.Categories,
			BatchSize:           cfg.Prefetch.BatchSize,
			BatchDelay:          cfg.Prefetch.BatchDelay,
			RunHour:             cfg.Prefetch.RunHour,
			ItemTimeout:         cfg.Prefetch.ItemTimeout,
			ItemRetries:         cfg.Prefetch.ItemRetries,
			ItemRetryDelay:      cfg.Prefetch.ItemRetryDelay,
			ItemRetryMultiplier: cfg.Retry.Multiplier,
			ItemRetryMaxDelay:   cfg.Retry.MaxDelay,
			ItemRetryJitter:     cfg.Retry.Jitter,
			EntryTTL:            cfg.Prefetch.EntryTTL,
			BreakerThreshold:    cfg.Prefetch.BreakerThreshold,
			BreakerCooldown:     cfg.Prefetch.BreakerCooldown,
		}, o.clock, logger, collector)
		s.prefetch.Start()
	}

	if cfg.Metrics.Enabled {
		if err := collector.StartServer(); err != nil {
			logger.Warn("Failed to start metrics server", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	logger.Info("News cache service initialized", map[string]interface{}{
		"store_dir":        cfg.Store.Directory,
		"prefetch_enabled": s.prefetch != nil && cfg.Prefetch.Enabled,
	})

	return s, nil
}

func buildLogger(cfg config.GlobalConfig) (*utils.StructuredLogger, error) {
	level := utils.ParseLogLevel(cfg.LogLevel)

	format := utils.FormatText
	if strings.EqualFold(cfg.LogFormat, "json") {
		format = utils.FormatJSON
	}

	loggerCfg := &utils.StructuredLoggerConfig{
		Level:         level,
		Format:        format,
		IncludeCaller: true,
	}
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		loggerCfg.Output = f
	}

	return utils.NewStructuredLogger(loggerCfg)
}

// GetCachedDataWithFallback fetches through the offline fallback chain.
func (s *Service) GetCachedDataWithFallback(ctx context.Context, dataType string, params types.Params, fetchFn types.FetchFunc, opts offline.FallbackOptions) (json.RawMessage, error) {
	return s.offline.GetCachedDataWithFallback(ctx, dataType, params, fetchFn, opts)
}

// ShouldFetch consults both cache tiers for a pending request.
func (s *Service) ShouldFetch(dataType string, params types.Params, opts cache.FetchOptions) types.FetchDecision {
	return s.cache.ShouldFetch(dataType, params, opts)
}

// StoreResponse writes a fetched payload into both tiers.
func (s *Service) StoreResponse(dataType string, params types.Params, resp types.Response, ttl time.Duration) {
	s.cache.StoreResponse(dataType, params, resp, ttl)
}

// InvalidateCache drops entries for a data type, optionally narrowed by a
// key substring.
func (s *Service) InvalidateCache(dataType, pattern string) {
	s.cache.InvalidateCache(dataType, pattern)
}

// RegisterCriticalQuery adds a query to the preload set.
func (s *Service) RegisterCriticalQuery(q offline.PreloadQuery) {
	s.offline.RegisterCriticalQuery(q)
}

// PreloadCriticalData warms the cache for every registered critical query.
func (s *Service) PreloadCriticalData(ctx context.Context) []error {
	return s.offline.PreloadCriticalData(ctx)
}

// TriggerPrefetch runs the batch prefetch immediately, subject to the daily
// guard and the breaker.
func (s *Service) TriggerPrefetch(ctx context.Context) error {
	if s.prefetch == nil {
		return fmt.Errorf("prefetch is not configured")
	}
	return s.prefetch.TriggerPrefetch(ctx)
}

// IsOnline reports the current connectivity flag.
func (s *Service) IsOnline() bool {
	return s.offline.IsOnline()
}

// GetOfflineStats returns offline readiness statistics.
func (s *Service) GetOfflineStats() types.OfflineStats {
	return s.offline.GetOfflineStats()
}

// GetCacheStats returns durable-tier statistics.
func (s *Service) GetCacheStats() types.DurableCacheStats {
	return s.cache.GetCacheStats()
}

// GetPrefetchStats returns prefetch run statistics.
func (s *Service) GetPrefetchStats() types.PrefetchStats {
	if s.prefetch == nil {
		return types.PrefetchStats{}
	}
	return s.prefetch.GetStats()
}

// Cache exposes the durable cache manager for callers that bypass the
// fallback chain.
func (s *Service) Cache() *cache.Manager {
	return s.cache
}

// Prefetch exposes the scheduler; nil when no fetcher was configured.
func (s *Service) Prefetch() *prefetch.Scheduler {
	return s.prefetch
}

// CleanupExpiredEntries removes expired durable entries and returns the
// count removed.
func (s *Service) CleanupExpiredEntries() int {
	return s.cache.CleanupExpiredEntries()
}

// Close tears the subsystem down in reverse construction order.
func (s *Service) Close() error {
	var firstErr error

	if s.prefetch != nil {
		if err := s.prefetch.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.offline.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if s.config.Metrics.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.metrics.StopServer(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.logger.Info("News cache service closed")
	return firstErr
}
