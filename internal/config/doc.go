/*
Package config provides configuration management for newscache with
multi-source support.

Configuration is assembled from compiled-in defaults, an optional YAML file,
and NEWSCACHE_* environment variables, in rising precedence. Validation runs
once on the assembled result, not per source.

# Configuration Structure

Sections map one-to-one onto the subsystems they configure:

Global:
- Log level, format (text or json), and optional log file

Fast cache:
- In-memory entry limit and default TTL

Store:
- Durable tier directory, index file name, compression

Offline:
- Replay queue limit, maximum offline age, retry attempts and delay

Prefetch:
- Category catalog, batch size and delay, daily run hour
- Per-item timeout and retry settings
- Circuit breaker threshold and cooldown

Retry:
- Default network retry policy (attempts, backoff, jitter)

Metrics:
- Prometheus exposition endpoint settings

# Usage Examples

Loading configuration:

	cfg := config.NewDefault()

	if err := cfg.LoadFromFile("/etc/newscache/config.yaml"); err != nil {
		log.Fatal(err)
	}

	cfg.LoadFromEnv()

	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

Configuration file format:

	global:
	  log_level: INFO
	  log_format: text

	fast_cache:
	  max_entries: 1000
	  default_ttl: 5m

	store:
	  directory: "/var/cache/newscache"
	  compression: true

	offline:
	  queue_limit: 100
	  max_offline_age: 24h

	prefetch:
	  enabled: true
	  batch_size: 3
	  run_hour: 6
	  breaker_threshold: 5
	  breaker_cooldown: 30m

	metrics:
	  enabled: false
	  port: 9090

Environment variable mapping:

	NEWSCACHE_LOG_LEVEL="DEBUG"
	NEWSCACHE_LOG_FORMAT="json"
	NEWSCACHE_STORE_DIR="/fast-ssd/newscache"
	NEWSCACHE_QUEUE_LIMIT="200"
	NEWSCACHE_PREFETCH_ENABLED="false"
	NEWSCACHE_METRICS_ENABLED="true"
	NEWSCACHE_METRICS_PORT="9091"

Environment values that fail to parse are ignored and the prior value is
kept, so a malformed override degrades to the default rather than aborting
startup.

# Validation

Validate checks the assembled configuration: recognized log level and format,
positive entry and queue limits, a run hour within 0-23, and a non-empty
store directory. Service construction refuses an invalid configuration.
*/
package config
