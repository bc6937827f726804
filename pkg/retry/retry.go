// Package retry applies bounded exponential backoff to blocking I/O calls.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp-forge/pagekeeper/pkg/pageset"
)

// Config holds retry configuration.
type Config struct {
	// MaxAttempts is the total number of attempts, including the first (default: 4)
	MaxAttempts int

	// InitialInterval is the delay before the first retry (default: 100ms)
	InitialInterval time.Duration

	// MaxInterval caps the delay between attempts (default: 2s)
	MaxInterval time.Duration
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     4,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// SetDefaults fills zero fields with DefaultConfig values.
func (c *Config) SetDefaults() {
	d := DefaultConfig()
	if c.MaxAttempts == 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialInterval == 0 {
		c.InitialInterval = d.InitialInterval
	}
	if c.MaxInterval == 0 {
		c.MaxInterval = d.MaxInterval
	}
}

// Do runs op until it succeeds, returns a permanent error, the attempts are
// exhausted or ctx is done. Validation, conflict and not-found errors are
// permanent; anything else is assumed to be a transient I/O fault.
func Do(ctx context.Context, cfg Config, logger hclog.Logger, opName string, op func() error) error {
	cfg.SetDefaults()
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.InitialInterval
	eb.MaxInterval = cfg.MaxInterval
	eb.MaxElapsedTime = 0

	var b backoff.BackOff = eb
	if cfg.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(cfg.MaxAttempts-1))
	}
	b = backoff.WithContext(b, ctx)

	attempt := 0
	return backoff.RetryNotify(
		func() error {
			attempt++
			err := op()
			if err != nil && pageset.IsPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		},
		b,
		func(err error, next time.Duration) {
			logger.Warn("retrying operation",
				"op", opName,
				"attempt", attempt,
				"next_in", next,
				"error", err,
			)
		},
	)
}
