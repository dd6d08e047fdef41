// Package config loads the settings of the comments and indexer processes.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	platformcfg "github.com/example/comment-tree/internal/platform/config"
	"github.com/example/comment-tree/services/comments/internal/retention"
)

type GRPCConfig struct {
	Addr string `yaml:"addr" env:"GRPC_ADDR" env-default:":9090"`
}

type ElasticConfig struct {
	URL      string `yaml:"url" env:"ELASTICSEARCH_URL"`
	Username string `yaml:"username" env:"ELASTICSEARCH_USERNAME"`
	Password string `yaml:"password" env:"ELASTICSEARCH_PASSWORD"`
}

type SearchConfig struct {
	Index         string        `yaml:"index" env:"SEARCH_INDEX" env-default:"comments"`
	Timeout       time.Duration `yaml:"timeout" env:"SEARCH_TIMEOUT" env-default:"3s"`
	SlowThreshold time.Duration `yaml:"slow_threshold" env:"SLOW_SEARCH_THRESHOLD" env-default:"1s"`
}

type OutboxConfig struct {
	PublishTimeout time.Duration `yaml:"publish_timeout" env:"PUBLISH_TIMEOUT" env-default:"5s"`
	PollInterval   time.Duration `yaml:"poll_interval" env:"OUTBOX_POLL_INTERVAL" env-default:"1s"`
	BatchSize      int           `yaml:"batch_size" env:"OUTBOX_BATCH_SIZE" env-default:"100"`
	MaxAttempts    int           `yaml:"max_attempts" env:"OUTBOX_MAX_ATTEMPTS" env-default:"10"`
}

type RetentionConfig struct {
	Enabled  bool          `yaml:"enabled" env:"RETENTION_ENABLED" env-default:"true"`
	Schedule string        `yaml:"schedule" env:"RETENTION_SCHEDULE" env-default:"@every 5m"`
	MaxAge   time.Duration `yaml:"max_age" env:"RETENTION_MAX_AGE" env-default:"5m"`
	RedisURL string        `yaml:"redis_url" env:"REDIS_URL"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps" env:"RATE_LIMIT_RPS" env-default:"20"`
	Burst int     `yaml:"burst" env:"RATE_LIMIT_BURST" env-default:"40"`
}

type IndexerConfig struct {
	Workers      int           `yaml:"workers" env:"INDEXER_WORKERS" env-default:"4"`
	BatchSize    int           `yaml:"batch_size" env:"INDEXER_BATCH_SIZE" env-default:"64"`
	SyncInterval time.Duration `yaml:"sync_interval" env:"SYNC_INTERVAL" env-default:"0s"`
	SyncOnStart  bool          `yaml:"sync_on_start" env:"SYNC_ON_START" env-default:"false"`
}

// Config is shared by both processes; each reads the sections it needs.
type Config struct {
	platformcfg.AppConfig `yaml:",inline"`

	GRPC          GRPCConfig      `yaml:"grpc"`
	DatabaseURL   string          `yaml:"database_url" env:"DATABASE_URL"`
	NATSURL       string          `yaml:"nats_url" env:"NATS_URL"`
	Elastic       ElasticConfig   `yaml:"elasticsearch"`
	Search        SearchConfig    `yaml:"search"`
	Outbox        OutboxConfig    `yaml:"outbox"`
	Retention     RetentionConfig `yaml:"retention"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Indexer       IndexerConfig   `yaml:"indexer"`
	MaxEagerDepth int             `yaml:"max_eager_depth" env:"MAX_EAGER_DEPTH" env-default:"3"`
	SeedData      bool            `yaml:"seed_data" env:"SEED_DATA" env-default:"false"`
}

// Load reads the config file at path (or CONFIG_PATH) plus the environment
// and validates the result.
func Load(path string) (Config, error) {
	var cfg Config
	if err := platformcfg.Read(path, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := c.AppConfig.Validate(); err != nil {
		return err
	}

	var errs []error
	if c.IsProduction() {
		if strings.TrimSpace(c.DatabaseURL) == "" {
			errs = append(errs, errors.New("DATABASE_URL is required in production"))
		}
		if strings.TrimSpace(c.NATSURL) == "" {
			errs = append(errs, errors.New("NATS_URL is required in production"))
		}
		if strings.TrimSpace(c.Elastic.URL) == "" {
			errs = append(errs, errors.New("ELASTICSEARCH_URL is required in production"))
		}
	}
	if strings.TrimSpace(c.Search.Index) == "" {
		errs = append(errs, errors.New("SEARCH_INDEX is required"))
	}
	if c.Search.Timeout <= 0 {
		errs = append(errs, errors.New("SEARCH_TIMEOUT must be positive"))
	}
	if c.Outbox.BatchSize <= 0 || c.Outbox.MaxAttempts <= 0 {
		errs = append(errs, errors.New("OUTBOX_BATCH_SIZE and OUTBOX_MAX_ATTEMPTS must be positive"))
	}
	if c.Retention.Enabled {
		if err := retention.ValidateSchedule(c.Retention.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("RETENTION_SCHEDULE: %w", err))
		}
		if c.Retention.MaxAge <= 0 {
			errs = append(errs, errors.New("RETENTION_MAX_AGE must be positive"))
		}
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RPS and RATE_LIMIT_BURST must not be negative"))
	}
	if c.Indexer.Workers <= 0 || c.Indexer.BatchSize <= 0 {
		errs = append(errs, errors.New("INDEXER_WORKERS and INDEXER_BATCH_SIZE must be positive"))
	}
	if c.Indexer.SyncInterval < 0 {
		errs = append(errs, errors.New("SYNC_INTERVAL must not be negative"))
	}
	if c.MaxEagerDepth < 1 {
		errs = append(errs, errors.New("MAX_EAGER_DEPTH must be at least 1"))
	}
	return errors.Join(errs...)
}
