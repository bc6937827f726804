// Package delivery serves page and merged-artifact bytes for the current
// version of a page set.
//
// Every call resolves the current version from the store. The version is
// never cached; it is the last component of the cache key, so a mutation
// makes all earlier entries unreachable without any invalidation.
package delivery

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/singleflight"

	"github.com/hashicorp-forge/pagekeeper/pkg/blob"
	"github.com/hashicorp-forge/pagekeeper/pkg/cache"
	"github.com/hashicorp-forge/pagekeeper/pkg/merge"
	"github.com/hashicorp-forge/pagekeeper/pkg/pageset"
)

// BasePath is the transport path under which page sets are addressed.
const BasePath = "/api/v2/pagesets"

// Merger computes merged artifacts.
type Merger interface {
	Merge(ctx context.Context, id string) (*pageset.MergedArtifact, error)
}

// Content is a delivered payload. Body is shared with the cache and must not
// be modified.
type Content struct {
	ID          string
	Selector    pageset.Selector
	Version     pageset.Version
	Body        []byte
	ContentHash string
	ETag        string
}

// Key returns the cache key the content was served under.
func (c *Content) Key() pageset.Key {
	return pageset.Key{ID: c.ID, Selector: c.Selector, Version: c.Version}
}

// Config holds delivery configuration.
type Config struct {
	// LoadTimeout bounds a cache fill shared by concurrent callers
	// (default: 30s).
	LoadTimeout time.Duration
}

// Service resolves, caches and loads deliverable content.
type Service struct {
	store  pageset.Store
	blobs  blob.Store
	merger Merger
	cache  *cache.Cache
	cfg    Config
	group  singleflight.Group
	logger hclog.Logger
}

// New creates a delivery service.
func New(store pageset.Store, blobs blob.Store, merger Merger, c *cache.Cache, cfg Config, logger hclog.Logger) *Service {
	if cfg.LoadTimeout == 0 {
		cfg.LoadTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Service{
		store:  store,
		blobs:  blobs,
		merger: merger,
		cache:  c,
		cfg:    cfg,
		logger: logger.Named("delivery"),
	}
}

// Get returns the content selected by sel from the current version of id.
func (s *Service) Get(ctx context.Context, id string, sel pageset.Selector) (*Content, error) {
	ps, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !sel.Merged && (sel.Index < 0 || sel.Index >= ps.Len()) {
		return nil, pageset.NotFoundf("Get", "page %d of page set %s (version %d has %d pages)",
			sel.Index, id, ps.Version, ps.Len())
	}

	key := pageset.Key{ID: id, Selector: sel, Version: ps.Version}
	if e, ok := s.cache.Get(key); ok {
		s.logger.Trace("cache hit", "key", key.String())
		return contentFromEntry(e), nil
	}

	var load func(context.Context) (*cache.Entry, error)
	if sel.Merged {
		load = func(ctx context.Context) (*cache.Entry, error) { return s.loadMerged(ctx, id) }
	} else {
		locator := ps.Pages[sel.Index].Locator
		load = func(ctx context.Context) (*cache.Entry, error) { return s.loadPage(ctx, key, locator) }
	}

	e, err := s.fill(ctx, key, load)
	if err != nil {
		return nil, err
	}
	return contentFromEntry(e), nil
}

// fill runs load once per key for all concurrent callers and caches its
// result. The load is detached from the first caller's cancellation so one
// caller giving up does not fail the others.
func (s *Service) fill(ctx context.Context, key pageset.Key, load func(context.Context) (*cache.Entry, error)) (*cache.Entry, error) {
	ch := s.group.DoChan(key.String(), func() (interface{}, error) {
		if e, ok := s.cache.Get(key); ok {
			return e, nil
		}

		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.LoadTimeout)
		defer cancel()

		e, err := load(lctx)
		if err != nil {
			return nil, err
		}
		s.cache.Set(e)
		s.logger.Debug("cache filled",
			"key", e.Key.String(),
			"size", len(e.Body),
		)
		return e, nil
	})

	select {
	case <-ctx.Done():
		return nil, pageset.Dependency("Get", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*cache.Entry), nil
	}
}

func (s *Service) loadPage(ctx context.Context, key pageset.Key, locator string) (*cache.Entry, error) {
	data, err := s.blobs.Get(ctx, locator)
	if err != nil {
		return nil, pageset.Dependency("Get", err)
	}
	return &cache.Entry{
		Key:         key,
		Body:        data,
		ContentHash: merge.ContentHash(data),
	}, nil
}

// loadMerged keys the entry by the artifact's own version. A merge may
// observe a newer version than the caller resolved.
func (s *Service) loadMerged(ctx context.Context, id string) (*cache.Entry, error) {
	artifact, err := s.merger.Merge(ctx, id)
	if err != nil {
		return nil, err
	}

	key := pageset.Key{ID: id, Selector: pageset.MergedSelector, Version: artifact.Version}
	if e, ok := s.cache.Get(key); ok {
		return e, nil
	}

	data, err := s.blobs.Get(ctx, artifact.Locator)
	if err != nil {
		return nil, pageset.Dependency("Get", err)
	}
	return &cache.Entry{
		Key:         key,
		Body:        data,
		ContentHash: artifact.ContentHash,
	}, nil
}

func contentFromEntry(e *cache.Entry) *Content {
	return &Content{
		ID:          e.Key.ID,
		Selector:    e.Key.Selector,
		Version:     e.Key.Version,
		Body:        e.Body,
		ContentHash: e.ContentHash,
		ETag:        ETag(e.Key),
	}
}

// ETag returns the strong entity tag for key.
func ETag(key pageset.Key) string {
	sel := "merged"
	if !key.Selector.Merged {
		sel = "p" + strconv.Itoa(key.Selector.Index)
	}
	return fmt.Sprintf("%q", fmt.Sprintf("%s-%s-v%d", key.ID, sel, key.Version))
}

// Address returns the transport path of sel in id at version v. The version
// travels as the "v" query parameter so intermediaries never conflate bytes
// across versions.
func Address(id string, sel pageset.Selector, v pageset.Version) string {
	path := BasePath + "/" + url.PathEscape(id)
	if sel.Merged {
		path += "/merged"
	} else {
		path += "/pages/" + strconv.Itoa(sel.Index)
	}
	return path + "?v=" + strconv.FormatInt(int64(v), 10)
}
