// Package cache holds delivered page and merged-artifact bytes keyed by
// (page set id, selector, version).
//
// The version is part of every key, so an entry becomes unreachable as soon
// as its page set moves to a newer version. Nothing is ever invalidated;
// abandoned entries are reclaimed by the size bound and TTL.
package cache

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/outcaste-io/ristretto"

	"github.com/hashicorp-forge/pagekeeper/pkg/pageset"
)

// averageEntryBytes sizes the admission counters for a given cost budget.
const averageEntryBytes = 64 << 10

// Config holds cache configuration.
type Config struct {
	// MaxCostBytes bounds the total payload bytes held (default: 256 MiB).
	MaxCostBytes int64

	// TTL bounds how long an entry is held (default: 1h). Zero keeps the
	// default; negative disables expiry.
	TTL time.Duration
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.MaxCostBytes <= 0 {
		c.MaxCostBytes = 256 << 20
	}
	if c.TTL == 0 {
		c.TTL = time.Hour
	}
}

// Entry is one cached payload.
type Entry struct {
	Key         pageset.Key
	Body        []byte
	ContentHash string
	InsertedAt  time.Time
}

// Cache is a size and TTL bounded versioned cache. It is safe for
// concurrent use without external locking.
type Cache struct {
	rc     *ristretto.Cache
	ttl    time.Duration
	logger hclog.Logger
}

// New creates a cache.
func New(cfg Config, logger hclog.Logger) (*Cache, error) {
	cfg.SetDefaults()
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	counters := 10 * (cfg.MaxCostBytes / averageEntryBytes)
	if counters < 1000 {
		counters = 1000
	}

	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        counters,
		MaxCost:            cfg.MaxCostBytes,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	logger = logger.Named("cache")
	logger.Debug("created versioned cache",
		"max_cost_bytes", cfg.MaxCostBytes,
		"ttl", cfg.TTL,
		"counters", counters,
	)

	return &Cache{
		rc:     rc,
		ttl:    cfg.TTL,
		logger: logger,
	}, nil
}

// Get returns the entry stored under key.
func (c *Cache) Get(key pageset.Key) (*Entry, bool) {
	v, ok := c.rc.Get(key.String())
	if !ok {
		return nil, false
	}
	e, ok := v.(*Entry)
	if !ok || e.Key != key {
		return nil, false
	}
	return e, true
}

// Set stores e under e.Key. The cache may drop the entry under pressure;
// Set reports whether it was accepted for admission.
func (c *Cache) Set(e *Entry) bool {
	if e.InsertedAt.IsZero() {
		e.InsertedAt = time.Now()
	}
	cost := int64(len(e.Body))
	if cost == 0 {
		cost = 1
	}

	var ok bool
	if c.ttl > 0 {
		ok = c.rc.SetWithTTL(e.Key.String(), e, cost, c.ttl)
	} else {
		ok = c.rc.Set(e.Key.String(), e, cost)
	}
	if !ok {
		c.logger.Trace("cache set dropped", "key", e.Key.String(), "cost", cost)
	}
	return ok
}

// Wait blocks until buffered writes are applied.
func (c *Cache) Wait() {
	c.rc.Wait()
}

// Close stops the cache's background goroutines.
func (c *Cache) Close() {
	c.rc.Close()
}
