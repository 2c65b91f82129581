// Package metrics provides Prometheus instrumentation for the cache
// subsystem. All record methods are nil-safe so managers can run without a
// collector wired in.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Cache tier labels.
const (
	TierFast    = "fast"
	TierDurable = "durable"
)

// Fetch and prefetch outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

// Collector implements metrics collection over a private registry
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	// Prometheus metrics
	cacheHitCounter     *prometheus.CounterVec
	cacheMissCounter    *prometheus.CounterVec
	storeWriteErrors    prometheus.Counter
	storeEntriesGauge   prometheus.Gauge
	storeSizeGauge      prometheus.Gauge
	onlineGauge         prometheus.Gauge
	queueDepthGauge     prometheus.Gauge
	queuedCounter       prometheus.Counter
	queueDroppedCounter prometheus.Counter
	replayCounter       *prometheus.CounterVec
	fetchDuration       *prometheus.HistogramVec
	prefetchRunCounter  *prometheus.CounterVec
	prefetchCatCounter  *prometheus.CounterVec
	breakerOpenGauge    prometheus.Gauge

	// HTTP server for metrics endpoint
	server *http.Server
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Port:      9090,
			Path:      "/metrics",
			Namespace: "newscache",
			Labels:    make(map[string]string),
		}
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if config.Namespace == "" {
		config.Namespace = "newscache"
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	registry := prometheus.NewRegistry()
	collector := &Collector{
		config:   config,
		registry: registry,
	}

	if err := collector.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return collector, nil
}

func (c *Collector) initMetrics() error {
	ns := c.config.Namespace
	labels := c.config.Labels

	c.cacheHitCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   ns,
		Name:        "cache_hits_total",
		Help:        "Cache hits by tier",
		ConstLabels: labels,
	}, []string{"tier"})

	c.cacheMissCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   ns,
		Name:        "cache_misses_total",
		Help:        "Cache misses by tier",
		ConstLabels: labels,
	}, []string{"tier"})

	c.storeWriteErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   ns,
		Name:        "store_write_errors_total",
		Help:        "Durable store write failures (absorbed, best-effort writes)",
		ConstLabels: labels,
	})

	c.storeEntriesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   ns,
		Name:        "store_entries",
		Help:        "Entries currently in the durable store",
		ConstLabels: labels,
	})

	c.storeSizeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   ns,
		Name:        "store_size_bytes",
		Help:        "Bytes currently held by the durable store",
		ConstLabels: labels,
	})

	c.onlineGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   ns,
		Name:        "online",
		Help:        "Connectivity flag (1 online, 0 offline)",
		ConstLabels: labels,
	})

	c.queueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   ns,
		Name:        "offline_queue_depth",
		Help:        "Operations currently queued for replay",
		ConstLabels: labels,
	})

	c.queuedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   ns,
		Name:        "offline_queued_total",
		Help:        "Operations queued while offline",
		ConstLabels: labels,
	})

	c.queueDroppedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   ns,
		Name:        "offline_queue_dropped_total",
		Help:        "Queued operations dropped by the queue cap",
		ConstLabels: labels,
	})

	c.replayCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   ns,
		Name:        "offline_replays_total",
		Help:        "Queued operation replays by outcome",
		ConstLabels: labels,
	}, []string{"outcome"})

	c.fetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   ns,
		Name:        "fetch_duration_seconds",
		Help:        "Upstream fetch duration by outcome",
		ConstLabels: labels,
		Buckets:     prometheus.DefBuckets,
	}, []string{"outcome"})

	c.prefetchRunCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   ns,
		Name:        "prefetch_runs_total",
		Help:        "Prefetch runs by outcome",
		ConstLabels: labels,
	}, []string{"outcome"})

	c.prefetchCatCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   ns,
		Name:        "prefetch_categories_total",
		Help:        "Prefetched categories by outcome",
		ConstLabels: labels,
	}, []string{"outcome"})

	c.breakerOpenGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   ns,
		Name:        "prefetch_breaker_open",
		Help:        "Prefetch circuit breaker state (1 open, 0 closed)",
		ConstLabels: labels,
	})

	collectors := []prometheus.Collector{
		c.cacheHitCounter,
		c.cacheMissCounter,
		c.storeWriteErrors,
		c.storeEntriesGauge,
		c.storeSizeGauge,
		c.onlineGauge,
		c.queueDepthGauge,
		c.queuedCounter,
		c.queueDroppedCounter,
		c.replayCounter,
		c.fetchDuration,
		c.prefetchRunCounter,
		c.prefetchCatCounter,
		c.breakerOpenGauge,
	}

	for _, collector := range collectors {
		if err := c.registry.Register(collector); err != nil {
			return fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return nil
}

func (c *Collector) enabled() bool {
	return c != nil && c.registry != nil
}

// RecordCacheHit records a cache hit for a tier
func (c *Collector) RecordCacheHit(tier string) {
	if !c.enabled() {
		return
	}
	c.cacheHitCounter.WithLabelValues(tier).Inc()
}

// RecordCacheMiss records a cache miss for a tier
func (c *Collector) RecordCacheMiss(tier string) {
	if !c.enabled() {
		return
	}
	c.cacheMissCounter.WithLabelValues(tier).Inc()
}

// RecordStoreWriteError records an absorbed durable write failure
func (c *Collector) RecordStoreWriteError() {
	if !c.enabled() {
		return
	}
	c.storeWriteErrors.Inc()
}

// SetStoreStats publishes durable store totals
func (c *Collector) SetStoreStats(entries int, sizeBytes int64) {
	if !c.enabled() {
		return
	}
	c.storeEntriesGauge.Set(float64(entries))
	c.storeSizeGauge.Set(float64(sizeBytes))
}

// SetOnline publishes the connectivity flag
func (c *Collector) SetOnline(online bool) {
	if !c.enabled() {
		return
	}
	if online {
		c.onlineGauge.Set(1)
	} else {
		c.onlineGauge.Set(0)
	}
}

// SetQueueDepth publishes the offline queue depth
func (c *Collector) SetQueueDepth(depth int) {
	if !c.enabled() {
		return
	}
	c.queueDepthGauge.Set(float64(depth))
}

// RecordQueued records an operation queued while offline
func (c *Collector) RecordQueued() {
	if !c.enabled() {
		return
	}
	c.queuedCounter.Inc()
}

// RecordQueueDropped records a queued operation evicted by the cap
func (c *Collector) RecordQueueDropped() {
	if !c.enabled() {
		return
	}
	c.queueDroppedCounter.Inc()
}

// RecordReplay records a queued operation replay outcome
func (c *Collector) RecordReplay(success bool) {
	if !c.enabled() {
		return
	}
	outcome := OutcomeFailure
	if success {
		outcome = OutcomeSuccess
	}
	c.replayCounter.WithLabelValues(outcome).Inc()
}

// RecordFetch records an upstream fetch duration and outcome
func (c *Collector) RecordFetch(outcome string, duration time.Duration) {
	if !c.enabled() {
		return
	}
	c.fetchDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordPrefetchRun records a prefetch run outcome
func (c *Collector) RecordPrefetchRun(outcome string) {
	if !c.enabled() {
		return
	}
	c.prefetchRunCounter.WithLabelValues(outcome).Inc()
}

// RecordPrefetchCategory records a single category prefetch outcome
func (c *Collector) RecordPrefetchCategory(outcome string) {
	if !c.enabled() {
		return
	}
	c.prefetchCatCounter.WithLabelValues(outcome).Inc()
}

// SetBreakerOpen publishes the prefetch circuit breaker state
func (c *Collector) SetBreakerOpen(open bool) {
	if !c.enabled() {
		return
	}
	if open {
		c.breakerOpenGauge.Set(1)
	} else {
		c.breakerOpenGauge.Set(0)
	}
}

// Handler returns the HTTP handler for the metrics endpoint
func (c *Collector) Handler() http.Handler {
	if !c.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP endpoint
func (c *Collector) StartServer() error {
	if !c.enabled() || c.config.Port <= 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.server != nil {
		return fmt.Errorf("metrics server already started")
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, c.Handler())

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		_ = c.server.ListenAndServe()
	}()

	return nil
}

// StopServer stops the metrics HTTP endpoint
func (c *Collector) StopServer(ctx context.Context) error {
	if c == nil {
		return nil
	}

	c.mu.Lock()
	server := c.server
	c.server = nil
	c.mu.Unlock()

	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}
