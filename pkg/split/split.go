package split

import (
	"context"
	"errors"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/hashicorp-forge/pagekeeper/pkg/pageset"
)

// Config holds split engine configuration.
type Config struct {
	// AllowDeleteSource permits a split that selects every page. The child
	// receives all pages and the source is deleted (default: false, such a
	// split is rejected).
	AllowDeleteSource bool

	// MaxConflictRetries bounds how often a split without an expected version
	// re-reads the source after losing a compare-and-swap (default: 3).
	MaxConflictRetries int

	// RollbackTimeout bounds the removal of an uncommitted child
	// (default: 10s).
	RollbackTimeout time.Duration
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.MaxConflictRetries == 0 {
		c.MaxConflictRetries = 3
	}
	if c.RollbackTimeout == 0 {
		c.RollbackTimeout = 10 * time.Second
	}
}

// Request selects the pages of SourceID to move into a new page set.
type Request struct {
	SourceID string
	// Positions are zero-based indexes into the source's page list.
	Positions []int
	// ExpectedVersion pins the version the positions refer to. When set, a
	// mismatch is reported as a conflict instead of being retried.
	ExpectedVersion *pageset.Version
}

// Validate checks the parts of the request that do not depend on the source.
func (r Request) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.SourceID, validation.Required),
		validation.Field(&r.Positions, validation.Required, validation.Each(validation.Min(0))),
		validation.Field(&r.ExpectedVersion, validation.Min(pageset.InitialVersion)),
	)
}

// Result describes a committed split.
type Result struct {
	ChildID       string          `json:"childId"`
	ChildVersion  pageset.Version `json:"childVersion"`
	ParentID      string          `json:"parentId"`
	ParentVersion pageset.Version `json:"parentVersion"`
	ParentDeleted bool            `json:"parentDeleted"`
	Moved         int             `json:"moved"`
}

// Engine partitions page sets. It keeps no state of its own; concurrent
// splits of one set are serialized by the store's compare-and-swap.
type Engine struct {
	store  pageset.Store
	cfg    Config
	logger hclog.Logger
}

// New creates a split engine over store.
func New(store pageset.Store, cfg Config, logger hclog.Logger) *Engine {
	cfg.SetDefaults()
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Engine{
		store:  store,
		cfg:    cfg,
		logger: logger.Named("split-engine"),
	}
}

// Split moves the pages at req.Positions into a new page set and removes them
// from the source. Either both the child and the shrunken source are
// committed or neither is.
func (e *Engine) Split(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, pageset.Validationf("Split", "%v", err)
	}

	for attempt := 0; ; attempt++ {
		res, err := e.attempt(ctx, req)
		if err == nil {
			return res, nil
		}

		var conflict *pageset.ConflictError
		if req.ExpectedVersion != nil || !errors.As(err, &conflict) || attempt >= e.cfg.MaxConflictRetries {
			return nil, err
		}

		e.logger.Info("split lost a version race, retrying",
			"source_id", req.SourceID,
			"expected", conflict.Expected,
			"found", conflict.Found,
			"attempt", attempt+1,
		)
	}
}

func (e *Engine) attempt(ctx context.Context, req Request) (*Result, error) {
	src, err := e.store.Get(ctx, req.SourceID)
	if err != nil {
		return nil, err
	}

	if req.ExpectedVersion != nil && src.Version != *req.ExpectedVersion {
		return nil, &pageset.ConflictError{ID: src.ID, Expected: *req.ExpectedVersion, Found: src.Version}
	}

	if err := validateSelection(req.Positions, src.Len(), e.cfg.AllowDeleteSource); err != nil {
		return nil, err
	}

	selected, remaining := Partition(src.Snapshot(), req.Positions)

	child, err := e.store.Create(ctx, selected)
	if err != nil {
		return nil, err
	}

	parentVersion, err := e.store.CompareAndSwap(ctx, src.ID, src.Version, remaining)
	if err != nil {
		committed, err := e.abort(ctx, src, remaining, child.ID, err)
		if !committed {
			return nil, err
		}
		parentVersion = src.Version + 1
	}

	e.logger.Info("split page set",
		"source_id", src.ID,
		"child_id", child.ID,
		"moved", len(selected),
		"remaining", len(remaining),
		"parent_version", parentVersion,
	)

	return &Result{
		ChildID:       child.ID,
		ChildVersion:  child.Version,
		ParentID:      src.ID,
		ParentVersion: parentVersion,
		ParentDeleted: len(remaining) == 0,
		Moved:         len(selected),
	}, nil
}

// abort removes the child after a failed compare-and-swap of the source. The
// removal runs on a context detached from the caller so a cancelled request
// does not leave the child behind.
//
// A transport failure may hide a swap that did commit. abort reports
// committed in that case and leaves the child in place.
func (e *Engine) abort(ctx context.Context, src *pageset.PageSet, remaining []pageset.PageRef, childID string, casErr error) (committed bool, err error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.RollbackTimeout)
	defer cancel()

	if !pageset.IsPermanent(casErr) && e.swapCommitted(ctx, src, remaining) {
		e.logger.Warn("source swap committed despite error, keeping child",
			"source_id", src.ID,
			"child_id", childID,
			"error", casErr,
		)
		return true, nil
	}

	if err := e.store.Delete(ctx, childID); err != nil {
		e.logger.Error("failed to roll back split child",
			"source_id", src.ID,
			"child_id", childID,
			"error", err,
		)
		return false, multierror.Append(casErr, err)
	}

	e.logger.Debug("rolled back split child",
		"source_id", src.ID,
		"child_id", childID,
		"cause", casErr,
	)
	return false, casErr
}

func (e *Engine) swapCommitted(ctx context.Context, src *pageset.PageSet, remaining []pageset.PageRef) bool {
	cur, err := e.store.Get(ctx, src.ID)
	if err != nil {
		// A deleted source is only committed if the swap emptied it.
		return errors.Is(err, pageset.ErrNotFound) && len(remaining) == 0
	}
	if cur.Version != src.Version+1 || cur.Len() != len(remaining) {
		return false
	}
	for i := range remaining {
		if cur.Pages[i] != remaining[i] {
			return false
		}
	}
	return true
}

// validateSelection checks positions against a source of n pages.
func validateSelection(positions []int, n int, allowAll bool) error {
	seen := make(map[int]struct{}, len(positions))
	for _, p := range positions {
		if p < 0 || p >= n {
			return pageset.Validationf("Split", "position %d is out of range for %d pages", p, n)
		}
		if _, ok := seen[p]; ok {
			return pageset.Validationf("Split", "position %d is selected more than once", p)
		}
		seen[p] = struct{}{}
	}
	if len(seen) == n && !allowAll {
		return pageset.Validationf("Split", "selecting all %d pages would leave the source empty", n)
	}
	return nil
}

// Partition divides pages into those at positions and the rest in a single
// pass. Both halves keep the order of pages.
func Partition(pages []pageset.PageRef, positions []int) (selected, remaining []pageset.PageRef) {
	pick := make(map[int]struct{}, len(positions))
	for _, p := range positions {
		pick[p] = struct{}{}
	}

	selected = make([]pageset.PageRef, 0, len(pick))
	remaining = make([]pageset.PageRef, 0, max(len(pages)-len(pick), 0))
	for i, p := range pages {
		if _, ok := pick[i]; ok {
			selected = append(selected, p)
		} else {
			remaining = append(remaining, p)
		}
	}
	return selected, remaining
}
