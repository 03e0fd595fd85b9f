// Package config loads signalbus runtime tunables from environment
// variables, optionally layered on top of a YAML file, aggregating parse
// errors into one descriptive failure.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultMiddlewareTimeout bounds how long a single middleware hook may run.
	DefaultMiddlewareTimeout = 100 * time.Millisecond
	// DefaultPartitionCount selects how many shards back non-persistent dispatch.
	DefaultPartitionCount = 0
	// DefaultPartitionRateLimitPerSec caps per-shard dispatch throughput. Zero keeps the shard's built-in rate (partition.DefaultRateLimitPerSec).
	DefaultPartitionRateLimitPerSec = 0
	// DefaultPartitionBurstSize sets the token bucket burst allowance per shard. Zero keeps the shard's built-in burst (partition.DefaultBurstSize).
	DefaultPartitionBurstSize = 0
	// DefaultMaxLogSize bounds the in-memory event log before the oldest entries are pruned.
	DefaultMaxLogSize = 100000
	// DefaultLogTTL controls how long log entries survive before GC prunes them. Zero disables TTL pruning.
	DefaultLogTTL = 0
	// DefaultDispatchMaxConcurrency bounds concurrent in-flight dispatch deliveries. Zero disables the cap.
	DefaultDispatchMaxConcurrency = 0
	// DefaultPersistentQueueCap bounds a persistent subscription's pending queue before it saturates.
	DefaultPersistentQueueCap = 10000
	// DefaultMaxAttempts caps redelivery attempts before a signal moves to the DLQ.
	DefaultMaxAttempts = 5
	// DefaultBackoff sets the base delay between redelivery attempts.
	DefaultBackoff = 100 * time.Millisecond
	// DefaultMaxConsumers caps concurrently connected persistent subscriptions. Zero disables the limit.
	DefaultMaxConsumers = 0

	// DefaultLogLevel controls verbosity for signalbus logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "signalbus.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true

	// DefaultSnapshotStorePath is the default for Config.SnapshotPath. Snapshot documents are kept in the storage adapter; nothing in this module reads SnapshotPath.
	DefaultSnapshotStorePath = ""
)

// Config captures all runtime tunables for a signalbus instance.
type Config struct {
	BusID string

	MiddlewareTimeout     time.Duration
	PartitionCount        int
	PartitionRateLimit    int
	PartitionBurstSize    int
	MaxLogSize            int
	LogTTL                time.Duration
	DispatchMaxConcurrency int
	PersistentQueueCap    int
	MaxAttempts           int
	Backoff               time.Duration
	MaxConsumers          int

	AdminToken string

	Logging      LoggingConfig
	SnapshotPath string
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// fileOverlay mirrors Config's fields as an optional YAML document; any
// field a file omits falls through to the environment/defaults already
// applied to Config before the overlay is merged.
type fileOverlay struct {
	BusID                  *string        `yaml:"bus_id"`
	MiddlewareTimeoutMS    *int64         `yaml:"middleware_timeout_ms"`
	PartitionCount         *int           `yaml:"partition_count"`
	PartitionRateLimit     *int           `yaml:"partition_rate_limit_per_sec"`
	PartitionBurstSize     *int           `yaml:"partition_burst_size"`
	MaxLogSize             *int           `yaml:"max_log_size"`
	LogTTLMS               *int64         `yaml:"log_ttl_ms"`
	DispatchMaxConcurrency *int           `yaml:"dispatch_max_concurrency"`
	PersistentQueueCap     *int           `yaml:"persistent_queue_cap"`
	MaxAttempts            *int           `yaml:"max_attempts"`
	BackoffMS              *int64         `yaml:"backoff_ms"`
	MaxConsumers           *int           `yaml:"max_consumers"`
	AdminToken             *string        `yaml:"admin_token"`
	Logging                *LoggingConfig `yaml:"logging"`
	SnapshotPath           *string        `yaml:"snapshot_path"`
}

// Load reads signalbus configuration from environment variables, applying
// sane defaults, and returns descriptive errors for invalid overrides. If
// path (from SIGNALBUS_CONFIG_FILE, or the explicit argument when non-empty)
// names a readable YAML file, its values are layered on top of the
// environment-derived configuration.
func Load(path string) (*Config, error) {
	cfg := &Config{
		BusID:                  getString("SIGNALBUS_BUS_ID", "default"),
		MiddlewareTimeout:      DefaultMiddlewareTimeout,
		PartitionCount:         DefaultPartitionCount,
		PartitionRateLimit:     DefaultPartitionRateLimitPerSec,
		PartitionBurstSize:     DefaultPartitionBurstSize,
		MaxLogSize:             DefaultMaxLogSize,
		LogTTL:                 DefaultLogTTL,
		DispatchMaxConcurrency: DefaultDispatchMaxConcurrency,
		PersistentQueueCap:     DefaultPersistentQueueCap,
		MaxAttempts:            DefaultMaxAttempts,
		Backoff:                DefaultBackoff,
		MaxConsumers:           DefaultMaxConsumers,
		AdminToken:             strings.TrimSpace(os.Getenv("SIGNALBUS_ADMIN_TOKEN")),
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("SIGNALBUS_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("SIGNALBUS_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
		SnapshotPath: strings.TrimSpace(getString("SIGNALBUS_SNAPSHOT_PATH", DefaultSnapshotStorePath)),
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("SIGNALBUS_MIDDLEWARE_TIMEOUT")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("SIGNALBUS_MIDDLEWARE_TIMEOUT must be a positive duration, got %q", raw))
		} else {
			cfg.MiddlewareTimeout = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SIGNALBUS_PARTITION_COUNT")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("SIGNALBUS_PARTITION_COUNT must be a non-negative integer, got %q", raw))
		} else {
			cfg.PartitionCount = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SIGNALBUS_PARTITION_RATE_LIMIT_PER_SEC")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("SIGNALBUS_PARTITION_RATE_LIMIT_PER_SEC must be a non-negative integer, got %q", raw))
		} else {
			cfg.PartitionRateLimit = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SIGNALBUS_PARTITION_BURST_SIZE")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("SIGNALBUS_PARTITION_BURST_SIZE must be a non-negative integer, got %q", raw))
		} else {
			cfg.PartitionBurstSize = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SIGNALBUS_MAX_LOG_SIZE")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("SIGNALBUS_MAX_LOG_SIZE must be a positive integer, got %q", raw))
		} else {
			cfg.MaxLogSize = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SIGNALBUS_LOG_TTL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration < 0 {
			problems = append(problems, fmt.Sprintf("SIGNALBUS_LOG_TTL must be a non-negative duration, got %q", raw))
		} else {
			cfg.LogTTL = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SIGNALBUS_DISPATCH_MAX_CONCURRENCY")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("SIGNALBUS_DISPATCH_MAX_CONCURRENCY must be a non-negative integer, got %q", raw))
		} else {
			cfg.DispatchMaxConcurrency = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SIGNALBUS_PERSISTENT_QUEUE_CAP")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("SIGNALBUS_PERSISTENT_QUEUE_CAP must be a positive integer, got %q", raw))
		} else {
			cfg.PersistentQueueCap = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SIGNALBUS_MAX_ATTEMPTS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("SIGNALBUS_MAX_ATTEMPTS must be a positive integer, got %q", raw))
		} else {
			cfg.MaxAttempts = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SIGNALBUS_BACKOFF")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration < 0 {
			problems = append(problems, fmt.Sprintf("SIGNALBUS_BACKOFF must be a non-negative duration, got %q", raw))
		} else {
			cfg.Backoff = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SIGNALBUS_MAX_CONSUMERS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("SIGNALBUS_MAX_CONSUMERS must be a non-negative integer, got %q", raw))
		} else {
			cfg.MaxConsumers = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SIGNALBUS_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("SIGNALBUS_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SIGNALBUS_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("SIGNALBUS_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SIGNALBUS_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("SIGNALBUS_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SIGNALBUS_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("SIGNALBUS_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf(strings.Join(problems, "; "))
	}

	filePath := strings.TrimSpace(path)
	if filePath == "" {
		filePath = strings.TrimSpace(os.Getenv("SIGNALBUS_CONFIG_FILE"))
	}
	if filePath != "" {
		if err := applyFileOverlay(cfg, filePath); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// applyFileOverlay merges a YAML file's present fields into cfg, leaving
// fields the file omits at their environment/default values.
func applyFileOverlay(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read file %s: %w", path, err)
	}
	var overlay fileOverlay
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return fmt.Errorf("config: parse file %s: %w", path, err)
	}

	if overlay.BusID != nil {
		cfg.BusID = *overlay.BusID
	}
	if overlay.MiddlewareTimeoutMS != nil {
		cfg.MiddlewareTimeout = time.Duration(*overlay.MiddlewareTimeoutMS) * time.Millisecond
	}
	if overlay.PartitionCount != nil {
		cfg.PartitionCount = *overlay.PartitionCount
	}
	if overlay.PartitionRateLimit != nil {
		cfg.PartitionRateLimit = *overlay.PartitionRateLimit
	}
	if overlay.PartitionBurstSize != nil {
		cfg.PartitionBurstSize = *overlay.PartitionBurstSize
	}
	if overlay.MaxLogSize != nil {
		cfg.MaxLogSize = *overlay.MaxLogSize
	}
	if overlay.LogTTLMS != nil {
		cfg.LogTTL = time.Duration(*overlay.LogTTLMS) * time.Millisecond
	}
	if overlay.DispatchMaxConcurrency != nil {
		cfg.DispatchMaxConcurrency = *overlay.DispatchMaxConcurrency
	}
	if overlay.PersistentQueueCap != nil {
		cfg.PersistentQueueCap = *overlay.PersistentQueueCap
	}
	if overlay.MaxAttempts != nil {
		cfg.MaxAttempts = *overlay.MaxAttempts
	}
	if overlay.BackoffMS != nil {
		cfg.Backoff = time.Duration(*overlay.BackoffMS) * time.Millisecond
	}
	if overlay.MaxConsumers != nil {
		cfg.MaxConsumers = *overlay.MaxConsumers
	}
	if overlay.AdminToken != nil {
		cfg.AdminToken = *overlay.AdminToken
	}
	if overlay.Logging != nil {
		cfg.Logging = *overlay.Logging
	}
	if overlay.SnapshotPath != nil {
		cfg.SnapshotPath = *overlay.SnapshotPath
	}
	return nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
