package blob

import (
	"context"
	"errors"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp-forge/pagekeeper/pkg/pageset"
	"github.com/hashicorp-forge/pagekeeper/pkg/retry"
)

// Retrying wraps a Store with bounded backoff and classifies its errors:
// unknown locators become pageset.ErrNotFound, exhausted retries become
// pageset.ErrDependency.
type Retrying struct {
	next   Store
	cfg    retry.Config
	logger hclog.Logger
}

// WithRetry wraps next with retries configured by cfg.
func WithRetry(next Store, cfg retry.Config, logger hclog.Logger) *Retrying {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Retrying{
		next:   next,
		cfg:    cfg,
		logger: logger.Named("blob-retry"),
	}
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return pageset.NotFoundf(op, "%v", err)
	}
	return err
}

func (r *Retrying) Put(ctx context.Context, data []byte) (string, error) {
	var locator string
	err := retry.Do(ctx, r.cfg, r.logger, "blob.Put", func() error {
		var err error
		locator, err = r.next.Put(ctx, data)
		return classify("blob.Put", err)
	})
	if err != nil {
		return "", pageset.Dependency("blob.Put", err)
	}
	return locator, nil
}

func (r *Retrying) Get(ctx context.Context, locator string) ([]byte, error) {
	var data []byte
	err := retry.Do(ctx, r.cfg, r.logger, "blob.Get", func() error {
		var err error
		data, err = r.next.Get(ctx, locator)
		return classify("blob.Get", err)
	})
	if err != nil {
		return nil, pageset.Dependency("blob.Get", err)
	}
	return data, nil
}

func (r *Retrying) Delete(ctx context.Context, locator string) error {
	err := retry.Do(ctx, r.cfg, r.logger, "blob.Delete", func() error {
		return classify("blob.Delete", r.next.Delete(ctx, locator))
	})
	return pageset.Dependency("blob.Delete", err)
}

func (r *Retrying) Ping(ctx context.Context) error {
	return pageset.Dependency("blob.Ping", r.next.Ping(ctx))
}
