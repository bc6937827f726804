package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/hcl/v2/hclsimple"

	"github.com/hashicorp-forge/pagekeeper/pkg/blob"
	"github.com/hashicorp-forge/pagekeeper/pkg/cache"
	"github.com/hashicorp-forge/pagekeeper/pkg/database"
	"github.com/hashicorp-forge/pagekeeper/pkg/delivery"
	"github.com/hashicorp-forge/pagekeeper/pkg/merge"
	"github.com/hashicorp-forge/pagekeeper/pkg/retry"
	"github.com/hashicorp-forge/pagekeeper/pkg/split"
)

// EnvPrefix prefixes every environment variable override.
const EnvPrefix = "PAGEKEEPER_"

// Config is the Pagekeeper server configuration. Durations are Go duration
// strings ("250ms", "1h").
type Config struct {
	// LogLevel is one of trace, debug, info, warn, error (default: info).
	LogLevel string `hcl:"log_level,optional" env:"LOG_LEVEL"`

	Database *database.Config `hcl:"database,block" envPrefix:"DATABASE_"`
	Blob     *Blob            `hcl:"blob,block" envPrefix:"BLOB_"`
	Cache    *Cache           `hcl:"cache,block" envPrefix:"CACHE_"`
	Split    *Split           `hcl:"split,block" envPrefix:"SPLIT_"`
	Merge    *Merge           `hcl:"merge,block" envPrefix:"MERGE_"`
	Retry    *Retry           `hcl:"retry,block" envPrefix:"RETRY_"`
	Events   *Events          `hcl:"events,block" envPrefix:"EVENTS_"`
	Server   *Server          `hcl:"server,block" envPrefix:"SERVER_"`
	Export   *Export          `hcl:"export,block" envPrefix:"EXPORT_"`
}

// Blob configures page and artifact storage.
type Blob struct {
	// Backend is "s3", "fs" or "memory" (default: "fs").
	Backend string         `hcl:"backend,optional" env:"BACKEND"`
	FS      *blob.FSConfig `hcl:"fs,block" envPrefix:"FS_"`
	S3      *blob.S3Config `hcl:"s3,block" envPrefix:"S3_"`
}

// Cache configures the versioned delivery cache.
type Cache struct {
	MaxCostMB int    `hcl:"max_cost_mb,optional" env:"MAX_COST_MB"` // default: 256
	TTL       string `hcl:"ttl,optional" env:"TTL"`                 // default: "1h"
}

// Split configures the split engine.
type Split struct {
	AllowDeleteSource  bool   `hcl:"allow_delete_source,optional" env:"ALLOW_DELETE_SOURCE"`
	MaxConflictRetries int    `hcl:"max_conflict_retries,optional" env:"MAX_CONFLICT_RETRIES"` // default: 3
	RollbackTimeout    string `hcl:"rollback_timeout,optional" env:"ROLLBACK_TIMEOUT"`         // default: "10s"
}

// Merge configures the merge engine.
type Merge struct {
	FetchConcurrency int `hcl:"fetch_concurrency,optional" env:"FETCH_CONCURRENCY"` // default: 8
}

// Retry configures backoff at the store and blob boundaries.
type Retry struct {
	MaxAttempts     int    `hcl:"max_attempts,optional" env:"MAX_ATTEMPTS"`         // default: 4
	InitialInterval string `hcl:"initial_interval,optional" env:"INITIAL_INTERVAL"` // default: "100ms"
	MaxInterval     string `hcl:"max_interval,optional" env:"MAX_INTERVAL"`         // default: "2s"
}

// Events configures the outbox relay.
type Events struct {
	Brokers         []string `hcl:"brokers,optional" env:"BROKERS" envSeparator:","`
	Topic           string   `hcl:"topic,optional" env:"TOPIC"`                       // default: "pagekeeper.pagesets"
	PollInterval    string   `hcl:"poll_interval,optional" env:"POLL_INTERVAL"`       // default: "1s"
	BatchSize       int      `hcl:"batch_size,optional" env:"BATCH_SIZE"`             // default: 100
	RetentionPeriod string   `hcl:"retention_period,optional" env:"RETENTION_PERIOD"` // default: "168h"
}

// Export configures the merged artifact exporter.
type Export struct {
	Dir           string `hcl:"dir,optional" env:"DIR"`                       // default: "exports"
	ConsumerGroup string `hcl:"consumer_group,optional" env:"CONSUMER_GROUP"` // default: "pagekeeper-export"
}

// Server configures the HTTP server.
type Server struct {
	Addr            string `hcl:"addr,optional" env:"ADDR"`                         // default: "127.0.0.1:8000"
	ReadTimeout     string `hcl:"read_timeout,optional" env:"READ_TIMEOUT"`         // default: "30s"
	WriteTimeout    string `hcl:"write_timeout,optional" env:"WRITE_TIMEOUT"`       // default: "60s"
	ShutdownTimeout string `hcl:"shutdown_timeout,optional" env:"SHUTDOWN_TIMEOUT"` // default: "15s"
	MaxUploadMB     int    `hcl:"max_upload_mb,optional" env:"MAX_UPLOAD_MB"`       // default: 64
}

// Load reads the HCL file at path (if any), applies defaults and then
// PAGEKEEPER_* environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		if err := hclsimple.DecodeFile(path, nil, cfg); err != nil {
			return nil, fmt.Errorf("failed to load configuration from %s: %w", path, err)
		}
	}

	cfg.SetDefaults()

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SetDefaults allocates missing blocks and fills unset values.
func (c *Config) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.Database == nil {
		c.Database = &database.Config{}
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Database.Driver == "postgres" {
		if c.Database.Host == "" {
			c.Database.Host = "localhost"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 5432
		}
		if c.Database.User == "" {
			c.Database.User = "postgres"
		}
		if c.Database.DBName == "" {
			c.Database.DBName = "pagekeeper"
		}
	}

	if c.Blob == nil {
		c.Blob = &Blob{}
	}
	if c.Blob.Backend == "" {
		c.Blob.Backend = "fs"
	}
	if c.Blob.FS == nil {
		c.Blob.FS = &blob.FSConfig{}
	}
	if c.Blob.FS.Root == "" {
		c.Blob.FS.Root = "./data/pages"
	}
	if c.Blob.S3 == nil {
		c.Blob.S3 = &blob.S3Config{}
	}
	c.Blob.S3.SetDefaults()

	if c.Cache == nil {
		c.Cache = &Cache{}
	}
	if c.Cache.MaxCostMB == 0 {
		c.Cache.MaxCostMB = 256
	}
	if c.Cache.TTL == "" {
		c.Cache.TTL = "1h"
	}

	if c.Split == nil {
		c.Split = &Split{}
	}
	if c.Split.MaxConflictRetries == 0 {
		c.Split.MaxConflictRetries = 3
	}
	if c.Split.RollbackTimeout == "" {
		c.Split.RollbackTimeout = "10s"
	}

	if c.Merge == nil {
		c.Merge = &Merge{}
	}
	if c.Merge.FetchConcurrency == 0 {
		c.Merge.FetchConcurrency = 8
	}

	if c.Retry == nil {
		c.Retry = &Retry{}
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 4
	}
	if c.Retry.InitialInterval == "" {
		c.Retry.InitialInterval = "100ms"
	}
	if c.Retry.MaxInterval == "" {
		c.Retry.MaxInterval = "2s"
	}

	if c.Events == nil {
		c.Events = &Events{}
	}
	if c.Events.Topic == "" {
		c.Events.Topic = "pagekeeper.pagesets"
	}
	if c.Events.PollInterval == "" {
		c.Events.PollInterval = "1s"
	}
	if c.Events.BatchSize == 0 {
		c.Events.BatchSize = 100
	}
	if c.Events.RetentionPeriod == "" {
		c.Events.RetentionPeriod = "168h"
	}

	if c.Server == nil {
		c.Server = &Server{}
	}
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8000"
	}
	if c.Server.ReadTimeout == "" {
		c.Server.ReadTimeout = "30s"
	}
	if c.Server.WriteTimeout == "" {
		c.Server.WriteTimeout = "60s"
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = "15s"
	}
	if c.Server.MaxUploadMB == 0 {
		c.Server.MaxUploadMB = 64
	}

	if c.Export == nil {
		c.Export = &Export{}
	}
	if c.Export.Dir == "" {
		c.Export.Dir = "exports"
	}
	if c.Export.ConsumerGroup == "" {
		c.Export.ConsumerGroup = "pagekeeper-export"
	}
}

// isDuration validates a Go duration string.
var isDuration = validation.By(func(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	if _, err := time.ParseDuration(s); err != nil {
		return fmt.Errorf("must be a duration such as \"30s\"")
	}
	return nil
})

// Validate checks every block and reports all problems at once. Call it
// after SetDefaults.
func (c *Config) Validate() error {
	var result *multierror.Error

	if err := validation.ValidateStruct(c,
		validation.Field(&c.LogLevel, validation.In("trace", "debug", "info", "warn", "error")),
	); err != nil {
		result = multierror.Append(result, err)
	}

	if err := validation.ValidateStruct(c.Database,
		validation.Field(&c.Database.Driver, validation.Required, validation.In("postgres", "sqlite")),
		validation.Field(&c.Database.Path, validation.When(c.Database.Driver == "sqlite", validation.Required)),
		validation.Field(&c.Database.Host, validation.When(c.Database.Driver == "postgres", validation.Required)),
	); err != nil {
		result = multierror.Append(result, fmt.Errorf("database: %w", err))
	}

	if err := validation.ValidateStruct(c.Blob,
		validation.Field(&c.Blob.Backend, validation.Required, validation.In("s3", "fs", "memory")),
	); err != nil {
		result = multierror.Append(result, fmt.Errorf("blob: %w", err))
	}
	if c.Blob.Backend == "s3" {
		if err := c.Blob.S3.Validate(); err != nil {
			result = multierror.Append(result, fmt.Errorf("blob.s3: %w", err))
		}
	}

	if err := validation.ValidateStruct(c.Cache,
		validation.Field(&c.Cache.MaxCostMB, validation.Min(1)),
		validation.Field(&c.Cache.TTL, isDuration),
	); err != nil {
		result = multierror.Append(result, fmt.Errorf("cache: %w", err))
	}

	if err := validation.ValidateStruct(c.Split,
		validation.Field(&c.Split.MaxConflictRetries, validation.Min(0)),
		validation.Field(&c.Split.RollbackTimeout, isDuration),
	); err != nil {
		result = multierror.Append(result, fmt.Errorf("split: %w", err))
	}

	if err := validation.ValidateStruct(c.Merge,
		validation.Field(&c.Merge.FetchConcurrency, validation.Min(1)),
	); err != nil {
		result = multierror.Append(result, fmt.Errorf("merge: %w", err))
	}

	if err := validation.ValidateStruct(c.Retry,
		validation.Field(&c.Retry.MaxAttempts, validation.Min(1)),
		validation.Field(&c.Retry.InitialInterval, isDuration),
		validation.Field(&c.Retry.MaxInterval, isDuration),
	); err != nil {
		result = multierror.Append(result, fmt.Errorf("retry: %w", err))
	}

	if err := validation.ValidateStruct(c.Events,
		validation.Field(&c.Events.Topic, validation.Required),
		validation.Field(&c.Events.PollInterval, isDuration),
		validation.Field(&c.Events.BatchSize, validation.Min(1)),
		validation.Field(&c.Events.RetentionPeriod, isDuration),
	); err != nil {
		result = multierror.Append(result, fmt.Errorf("events: %w", err))
	}

	if err := validation.ValidateStruct(c.Server,
		validation.Field(&c.Server.Addr, validation.Required),
		validation.Field(&c.Server.ReadTimeout, isDuration),
		validation.Field(&c.Server.WriteTimeout, isDuration),
		validation.Field(&c.Server.ShutdownTimeout, isDuration),
		validation.Field(&c.Server.MaxUploadMB, validation.Min(1)),
	); err != nil {
		result = multierror.Append(result, fmt.Errorf("server: %w", err))
	}

	if err := validation.ValidateStruct(c.Export,
		validation.Field(&c.Export.Dir, validation.Required),
		validation.Field(&c.Export.ConsumerGroup, validation.Required),
	); err != nil {
		result = multierror.Append(result, fmt.Errorf("export: %w", err))
	}

	return result.ErrorOrNil()
}

// mustDuration parses a duration that Validate has already accepted.
func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// CacheConfig returns the cache package configuration.
func (c *Config) CacheConfig() cache.Config {
	return cache.Config{
		MaxCostBytes: int64(c.Cache.MaxCostMB) << 20,
		TTL:          mustDuration(c.Cache.TTL),
	}
}

// SplitConfig returns the split engine configuration.
func (c *Config) SplitConfig() split.Config {
	return split.Config{
		AllowDeleteSource:  c.Split.AllowDeleteSource,
		MaxConflictRetries: c.Split.MaxConflictRetries,
		RollbackTimeout:    mustDuration(c.Split.RollbackTimeout),
	}
}

// MergeConfig returns the merge engine configuration.
func (c *Config) MergeConfig() merge.Config {
	return merge.Config{FetchConcurrency: c.Merge.FetchConcurrency}
}

// RetryConfig returns the backoff configuration.
func (c *Config) RetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:     c.Retry.MaxAttempts,
		InitialInterval: mustDuration(c.Retry.InitialInterval),
		MaxInterval:     mustDuration(c.Retry.MaxInterval),
	}
}

// DeliveryConfig returns the delivery service configuration.
func (c *Config) DeliveryConfig() delivery.Config {
	return delivery.Config{LoadTimeout: mustDuration(c.Server.WriteTimeout)}
}

// PollEvery returns the relay polling interval.
func (e *Events) PollEvery() time.Duration { return mustDuration(e.PollInterval) }

// Retention returns how long published outbox entries are kept.
func (e *Events) Retention() time.Duration { return mustDuration(e.RetentionPeriod) }

// Timeouts returns the read, write and shutdown timeouts of the server.
func (s *Server) Timeouts() (read, write, shutdown time.Duration) {
	return mustDuration(s.ReadTimeout), mustDuration(s.WriteTimeout), mustDuration(s.ShutdownTimeout)
}
