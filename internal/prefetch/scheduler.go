// Package prefetch implements the scheduled batch engine that populates
// the durable cache for a fixed category catalog ahead of user demand:
// bounded-concurrency batches, per-item retry with exponential backoff for
// transient failures, a circuit breaker for sustained failure, and a
// once-per-day idempotency guard.
package prefetch

import (
	"context"
	stderr "errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/newscache/newscache/internal/cache"
	"github.com/newscache/newscache/internal/circuit"
	"github.com/newscache/newscache/internal/metrics"
	"github.com/newscache/newscache/pkg/errors"
	"github.com/newscache/newscache/pkg/retry"
	"github.com/newscache/newscache/pkg/types"
	"github.com/newscache/newscache/pkg/utils"
)

// DataType is the cache type every prefetched category is stored under.
const DataType = "books"

// dateLayout is the calendar-date format backing the once-per-day guard.
// Dates are string-compared, not treated as a rolling 24h window.
const dateLayout = "2006-01-02"

// DefaultCategories is the fixed catalog of bestseller lists prefetched
// each day.
var DefaultCategories = []string{
	"hardcover-fiction",
	"hardcover-nonfiction",
	"trade-fiction-paperback",
	"paperback-nonfiction",
	"advice-how-to-and-miscellaneous",
	"childrens-middle-grade-hardcover",
	"picture-books",
	"series-books",
	"young-adult-hardcover",
	"audio-fiction",
	"audio-nonfiction",
	"business-books",
	"graphic-books-and-manga",
	"mass-market-monthly",
	"middle-grade-paperback-monthly",
	"young-adult-paperback-monthly",
	"combined-print-and-e-book-fiction",
	"combined-print-and-e-book-nonfiction",
	"e-book-fiction",
	"e-book-nonfiction",
	"celebrities",
}

// CategoryFetcher fetches one category from the upstream API.
type CategoryFetcher func(ctx context.Context, category string) (types.Response, error)

// Config represents prefetch scheduler configuration
type Config struct {
	Enabled    bool     `yaml:"enabled"`
	Categories []string `yaml:"categories"`

	// BatchSize bounds intra-batch concurrency; batches run sequentially.
	BatchSize int `yaml:"batch_size"`

	// BatchDelay throttles the request rate between batches.
	BatchDelay time.Duration `yaml:"batch_delay"`

	// RunHour is the local hour of the daily run.
	RunHour int `yaml:"run_hour"`

	// ItemTimeout bounds each category fetch; a timeout counts as a
	// transient failure.
	ItemTimeout time.Duration `yaml:"item_timeout"`

	// ItemRetries bounds attempts per category. Only transient failures
	// back off and retry.
	ItemRetries    int           `yaml:"item_retries"`
	ItemRetryDelay time.Duration `yaml:"item_retry_delay"`

	// ItemRetryMultiplier, ItemRetryMaxDelay, and ItemRetryJitter shape
	// the per-item backoff curve. Zero values take the retryer defaults.
	ItemRetryMultiplier float64       `yaml:"item_retry_multiplier"`
	ItemRetryMaxDelay   time.Duration `yaml:"item_retry_max_delay"`
	ItemRetryJitter     bool          `yaml:"item_retry_jitter"`

	// EntryTTL is the freshness window written for prefetched entries.
	EntryTTL time.Duration `yaml:"entry_ttl"`

	// Breaker opens after this many consecutive failing runs and resets
	// after the cooldown.
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
}

// Scheduler runs the once-daily idempotent batch job. All mutable state is
// owned by the instance; nothing lives at package level.
type Scheduler struct {
	cache   *cache.Manager
	fetch   CategoryFetcher
	clock   clockwork.Clock
	logger  *utils.StructuredLogger
	metrics *metrics.Collector
	breaker *circuit.Breaker
	config  Config

	mu          sync.Mutex
	enabled     bool
	running     bool
	lastRunDate string
	stats       types.PrefetchStats
	timer       clockwork.Timer
}

// NewScheduler creates a prefetch scheduler. The schedule is not started
// until Start is called.
func NewScheduler(cacheMgr *cache.Manager, fetch CategoryFetcher, config *Config, clock clockwork.Clock, logger *utils.StructuredLogger, collector *metrics.Collector) *Scheduler {
	cfg := Config{Enabled: true, RunHour: 6}
	if config != nil {
		cfg = *config
	}
	if len(cfg.Categories) == 0 {
		cfg.Categories = DefaultCategories
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 3
	}
	if cfg.BatchDelay <= 0 {
		cfg.BatchDelay = time.Second
	}
	// Hour 0 (midnight) is a legitimate setting; only out-of-range values
	// fall back to the default.
	if cfg.RunHour < 0 || cfg.RunHour > 23 {
		cfg.RunHour = 6
	}
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = 10 * time.Second
	}
	if cfg.ItemRetries <= 0 {
		cfg.ItemRetries = 3
	}
	if cfg.ItemRetryDelay <= 0 {
		cfg.ItemRetryDelay = time.Second
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 24 * time.Hour
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Minute
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger, _ = utils.NewStructuredLogger(nil)
	}
	logger = logger.WithComponent("prefetch")

	s := &Scheduler{
		cache:   cacheMgr,
		fetch:   fetch,
		clock:   clock,
		logger:  logger,
		metrics: collector,
		config:  cfg,
		enabled: cfg.Enabled,
	}
	s.stats.TotalCategories = len(cfg.Categories)
	s.stats.Enabled = cfg.Enabled

	s.breaker = circuit.NewBreaker("prefetch", circuit.Config{
		FailureThreshold: cfg.BreakerThreshold,
		Cooldown:         cfg.BreakerCooldown,
		Clock:            clock,
		OnStateChange: func(name string, from, to circuit.State) {
			logger.Warn("Circuit breaker state changed", map[string]interface{}{
				"from": from.String(),
				"to":   to.String(),
			})
			collector.SetBreakerOpen(to == circuit.StateOpen)
		},
	})

	return s
}

// Start arms the self-perpetuating daily timer.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		return
	}
	s.scheduleNextLocked()
}

// Close stops the timer. A run already in flight finishes.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	return nil
}

// SetEnabled toggles the scheduler. Disabling stops the timer; enabling
// re-arms it.
func (s *Scheduler) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.enabled = enabled
	s.stats.Enabled = enabled
	if !enabled {
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		return
	}
	if s.timer == nil {
		s.scheduleNextLocked()
	}
}

// TriggerPrefetch runs the batch job manually. The idempotency guard and
// the breaker still apply.
func (s *Scheduler) TriggerPrefetch(ctx context.Context) error {
	return s.RunPrefetch(ctx)
}

// RunPrefetch executes one batch run unless disabled, already completed
// today, or held off by the open breaker. Skipped runs leave stats
// untouched.
func (s *Scheduler) RunPrefetch(ctx context.Context) error {
	s.mu.Lock()
	if !s.enabled {
		s.mu.Unlock()
		s.logger.Debug("Prefetch disabled, skipping run")
		return errors.NewError(errors.ErrCodeDisabled, "prefetch is disabled").WithComponent("prefetch")
	}
	today := s.clock.Now().Format(dateLayout)
	if s.lastRunDate == today {
		s.mu.Unlock()
		s.logger.Debug("Prefetch already completed today, skipping run", map[string]interface{}{
			"date": today,
		})
		s.metrics.RecordPrefetchRun(metrics.OutcomeSkipped)
		return nil
	}
	if s.running {
		s.mu.Unlock()
		return nil
	}
	if !s.breaker.Allow() {
		s.mu.Unlock()
		s.logger.Warn("Prefetch skipped, circuit breaker open")
		s.metrics.RecordPrefetchRun(metrics.OutcomeSkipped)
		return nil
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.logger.Info("Starting prefetch run", map[string]interface{}{
		"categories": len(s.config.Categories),
		"batch_size": s.config.BatchSize,
	})

	var counters struct {
		mu         sync.Mutex
		successful int
		failed     int
		cached     int
	}

	categories := s.config.Categories
	for start := 0; start < len(categories); start += s.config.BatchSize {
		end := start + s.config.BatchSize
		if end > len(categories) {
			end = len(categories)
		}
		batch := categories[start:end]

		var g errgroup.Group
		for _, category := range batch {
			category := category
			g.Go(func() error {
				outcome := s.prefetchCategory(ctx, category)
				counters.mu.Lock()
				switch outcome {
				case outcomeFetched:
					counters.successful++
				case outcomeCached:
					counters.cached++
				case outcomeFailed:
					counters.failed++
				}
				counters.mu.Unlock()
				return nil // settle-all: one category never cancels the batch
			})
		}
		_ = g.Wait()

		// Throttle against the rate-limited upstream.
		if end < len(categories) {
			s.clock.Sleep(s.config.BatchDelay)
		}
	}

	now := s.clock.Now()
	runFailed := counters.failed > counters.successful

	s.mu.Lock()
	s.stats.TotalCategories = len(categories)
	s.stats.Successful = counters.successful
	s.stats.Failed = counters.failed
	s.stats.Cached = counters.cached
	s.stats.LastRun = &now
	if !runFailed {
		s.lastRunDate = now.Format(dateLayout)
	}
	s.mu.Unlock()

	if runFailed {
		s.breaker.RecordFailure()
		s.metrics.RecordPrefetchRun(metrics.OutcomeFailure)
	} else {
		s.breaker.RecordSuccess()
		s.metrics.RecordPrefetchRun(metrics.OutcomeSuccess)
	}
	s.metrics.SetBreakerOpen(s.breaker.State() == circuit.StateOpen)

	s.logger.Info("Prefetch run finished", map[string]interface{}{
		"successful": counters.successful,
		"failed":     counters.failed,
		"cached":     counters.cached,
	})

	if runFailed {
		return errors.NewError(errors.ErrCodeInternalError,
			fmt.Sprintf("prefetch run failed: %d of %d categories failed", counters.failed, len(categories))).
			WithComponent("prefetch").WithOperation("runPrefetch")
	}
	return nil
}

type itemOutcome int

const (
	outcomeFetched itemOutcome = iota
	outcomeCached
	outcomeFailed
)

// prefetchCategory fetches and stores one category, retrying transient
// failures with exponential backoff. Validation failures are counted but
// never retried.
func (s *Scheduler) prefetchCategory(ctx context.Context, category string) itemOutcome {
	if s.IsCategoryCached(category) {
		s.metrics.RecordPrefetchCategory(metrics.OutcomeSkipped)
		return outcomeCached
	}

	retryer := retry.New(retry.Config{
		MaxAttempts:  s.config.ItemRetries,
		InitialDelay: s.config.ItemRetryDelay,
		Multiplier:   s.config.ItemRetryMultiplier,
		MaxDelay:     s.config.ItemRetryMaxDelay,
		Jitter:       s.config.ItemRetryJitter,
		Clock:        s.clock,
	})

	var resp types.Response
	err := retryer.DoWithContext(ctx, func(ctx context.Context) error {
		fetchCtx, cancel := context.WithTimeout(ctx, s.config.ItemTimeout)
		defer cancel()

		r, err := s.fetch(fetchCtx, category)
		if err != nil {
			return classifyFetchError(err)
		}
		if len(r.Data) == 0 {
			return errors.NewError(errors.ErrCodeValidationFailed, "empty category payload").
				WithDetail("category", category)
		}
		resp = r
		return nil
	})
	if err != nil {
		s.logger.Warn("Category prefetch failed", map[string]interface{}{
			"category": category,
			"error":    err.Error(),
		})
		s.metrics.RecordPrefetchCategory(metrics.OutcomeFailure)
		return outcomeFailed
	}

	s.cache.StoreResponse(DataType, categoryParams(category), resp, s.config.EntryTTL)
	s.metrics.RecordPrefetchCategory(metrics.OutcomeSuccess)
	return outcomeFetched
}

// classifyFetchError maps upstream failures onto the retry taxonomy:
// timeouts and plain network failures are transient; coded errors keep
// their own classification.
func classifyFetchError(err error) error {
	var cacheErr *errors.CacheError
	if stderr.As(err, &cacheErr) {
		return err
	}
	if stderr.Is(err, context.DeadlineExceeded) {
		return errors.NewError(errors.ErrCodeOperationTimeout, "category fetch timed out").WithCause(err)
	}
	return errors.NewError(errors.ErrCodeNetworkError, "category fetch failed").WithCause(err)
}

// IsCategoryCached reports whether the category was prefetched today.
func (s *Scheduler) IsCategoryCached(category string) bool {
	entry, ok := s.cache.Peek(DataType, categoryParams(category))
	if !ok {
		return false
	}
	return entry.WrittenAt.Format(dateLayout) == s.clock.Now().Format(dateLayout)
}

// GetCachedBooks returns the cached payload for a category, if present and
// not expired.
func (s *Scheduler) GetCachedBooks(category string) (types.CacheEntry, bool) {
	return s.cache.Peek(DataType, categoryParams(category))
}

// ClearCache drops every prefetched entry.
func (s *Scheduler) ClearCache() {
	s.cache.InvalidateCache(DataType, "")
	s.mu.Lock()
	s.lastRunDate = ""
	s.mu.Unlock()
}

// GetStats returns a copy of the run statistics.
func (s *Scheduler) GetStats() types.PrefetchStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.stats
	stats.BreakerOpen = s.breaker.State() == circuit.StateOpen
	return stats
}

// scheduleNextLocked arms the timer for the next fixed-hour run and
// re-arms it after every run. Caller holds the lock.
func (s *Scheduler) scheduleNextLocked() {
	next := s.nextRunTime(s.clock.Now())
	s.stats.NextRun = &next

	s.timer = s.clock.AfterFunc(next.Sub(s.clock.Now()), func() {
		_ = s.RunPrefetch(context.Background())
		s.mu.Lock()
		if s.enabled {
			s.scheduleNextLocked()
		}
		s.mu.Unlock()
	})

	s.logger.Debug("Next prefetch scheduled", map[string]interface{}{
		"at": next,
	})
}

// nextRunTime computes the next occurrence of the configured local hour:
// today if still ahead, otherwise tomorrow.
func (s *Scheduler) nextRunTime(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), s.config.RunHour, 0, 0, 0, now.Location())
	if !now.Before(next) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func categoryParams(category string) types.Params {
	return types.Params{"list": category}
}
