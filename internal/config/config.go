package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global    GlobalConfig    `yaml:"global"`
	FastCache FastCacheConfig `yaml:"fast_cache"`
	Store     StoreConfig     `yaml:"store"`
	Offline   OfflineConfig   `yaml:"offline"`
	Prefetch  PrefetchConfig  `yaml:"prefetch"`
	Retry     RetryConfig     `yaml:"retry"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`
}

// FastCacheConfig represents the in-memory tier settings
type FastCacheConfig struct {
	MaxEntries int           `yaml:"max_entries"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// StoreConfig represents the durable tier settings
type StoreConfig struct {
	Directory   string `yaml:"directory"`
	IndexFile   string `yaml:"index_file"`
	Compression bool   `yaml:"compression"`
}

// OfflineConfig represents offline fallback and replay settings
type OfflineConfig struct {
	QueueLimit    int           `yaml:"queue_limit"`
	MaxOfflineAge time.Duration `yaml:"max_offline_age"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// PrefetchConfig represents scheduled prefetch settings
type PrefetchConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Categories       []string      `yaml:"categories"`
	BatchSize        int           `yaml:"batch_size"`
	BatchDelay       time.Duration `yaml:"batch_delay"`
	RunHour          int           `yaml:"run_hour"`
	ItemTimeout      time.Duration `yaml:"item_timeout"`
	ItemRetries      int           `yaml:"item_retries"`
	ItemRetryDelay   time.Duration `yaml:"item_retry_delay"`
	EntryTTL         time.Duration `yaml:"entry_ttl"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
}

// RetryConfig represents the default network retry settings
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       bool          `yaml:"jitter"`
}

// MetricsConfig represents Prometheus metrics settings
type MetricsConfig struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Namespace string            `yaml:"namespace"`
	Labels    map[string]string `yaml:"labels"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFormat: "text",
			LogFile:   "",
		},
		FastCache: FastCacheConfig{
			MaxEntries: 1000,
			DefaultTTL: 5 * time.Minute,
		},
		Store: StoreConfig{
			Directory:   defaultStoreDirectory(),
			IndexFile:   "store-index.json",
			Compression: true,
		},
		Offline: OfflineConfig{
			QueueLimit:    100,
			MaxOfflineAge: 24 * time.Hour,
			RetryAttempts: 3,
			RetryDelay:    1 * time.Second,
		},
		Prefetch: PrefetchConfig{
			Enabled:          true,
			BatchSize:        3,
			BatchDelay:       1 * time.Second,
			RunHour:          6,
			ItemTimeout:      10 * time.Second,
			ItemRetries:      3,
			ItemRetryDelay:   1 * time.Second,
			EntryTTL:         24 * time.Hour,
			BreakerThreshold: 5,
			BreakerCooldown:  30 * time.Minute,
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 1 * time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Port:      9090,
			Path:      "/metrics",
			Namespace: "newscache",
			Labels: map[string]string{
				"service": "newscache",
			},
		},
	}
}

func defaultStoreDirectory() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "newscache")
	}
	return filepath.Join(os.TempDir(), "newscache")
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables
func (c *Configuration) LoadFromEnv() error {
	// Global settings
	if val := os.Getenv("NEWSCACHE_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("NEWSCACHE_LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}
	if val := os.Getenv("NEWSCACHE_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}

	// Store settings
	if val := os.Getenv("NEWSCACHE_STORE_DIR"); val != "" {
		c.Store.Directory = val
	}
	if val := os.Getenv("NEWSCACHE_STORE_COMPRESSION"); val != "" {
		c.Store.Compression = strings.ToLower(val) == "true"
	}

	// Fast cache settings
	if val := os.Getenv("NEWSCACHE_FAST_CACHE_ENTRIES"); val != "" {
		if entries, err := strconv.Atoi(val); err == nil {
			c.FastCache.MaxEntries = entries
		}
	}
	if val := os.Getenv("NEWSCACHE_FAST_CACHE_TTL"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.FastCache.DefaultTTL = duration
		}
	}

	// Offline settings
	if val := os.Getenv("NEWSCACHE_QUEUE_LIMIT"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			c.Offline.QueueLimit = limit
		}
	}
	if val := os.Getenv("NEWSCACHE_MAX_OFFLINE_AGE"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Offline.MaxOfflineAge = duration
		}
	}

	// Prefetch settings
	if val := os.Getenv("NEWSCACHE_PREFETCH_ENABLED"); val != "" {
		c.Prefetch.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("NEWSCACHE_PREFETCH_BATCH_SIZE"); val != "" {
		if size, err := strconv.Atoi(val); err == nil {
			c.Prefetch.BatchSize = size
		}
	}
	if val := os.Getenv("NEWSCACHE_PREFETCH_RUN_HOUR"); val != "" {
		if hour, err := strconv.Atoi(val); err == nil {
			c.Prefetch.RunHour = hour
		}
	}

	// Metrics settings
	if val := os.Getenv("NEWSCACHE_METRICS_ENABLED"); val != "" {
		c.Metrics.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("NEWSCACHE_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Metrics.Port = port
		}
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	validLogLevels := []string{"TRACE", "DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if strings.ToUpper(c.Global.LogLevel) == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	if c.Global.LogFormat != "" && c.Global.LogFormat != "text" && c.Global.LogFormat != "json" {
		return fmt.Errorf("invalid log_format: %s (must be text or json)", c.Global.LogFormat)
	}

	if c.FastCache.MaxEntries <= 0 {
		return fmt.Errorf("fast_cache.max_entries must be greater than 0")
	}

	if c.Store.Directory == "" {
		return fmt.Errorf("store.directory must not be empty")
	}

	if c.Offline.QueueLimit <= 0 {
		return fmt.Errorf("offline.queue_limit must be greater than 0")
	}

	if c.Prefetch.BatchSize <= 0 {
		return fmt.Errorf("prefetch.batch_size must be greater than 0")
	}
	if c.Prefetch.RunHour < 0 || c.Prefetch.RunHour > 23 {
		return fmt.Errorf("prefetch.run_hour must be between 0 and 23")
	}

	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be greater than 0")
	}

	return nil
}
