package merge

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/hashicorp-forge/pagekeeper/pkg/blob"
	"github.com/hashicorp-forge/pagekeeper/pkg/pageset"
)

// Combiner joins page contents, given in page order, into one artifact.
type Combiner func(pages [][]byte) ([]byte, error)

// Concat is the default Combiner. It appends the pages byte for byte.
func Concat(pages [][]byte) ([]byte, error) {
	return bytes.Join(pages, nil), nil
}

// Config holds merge engine configuration.
type Config struct {
	// FetchConcurrency bounds parallel page fetches (default: 8).
	FetchConcurrency int

	// Combiner joins page contents (default: Concat).
	Combiner Combiner
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.FetchConcurrency <= 0 {
		c.FetchConcurrency = 8
	}
	if c.Combiner == nil {
		c.Combiner = Concat
	}
}

// Engine derives merged artifacts. Merge never mutates a page set.
type Engine struct {
	store     pageset.Store
	artifacts pageset.ArtifactStore
	blobs     blob.Store
	cfg       Config
	logger    hclog.Logger
}

// New creates a merge engine.
func New(store pageset.Store, artifacts pageset.ArtifactStore, blobs blob.Store, cfg Config, logger hclog.Logger) *Engine {
	cfg.SetDefaults()
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Engine{
		store:     store,
		artifacts: artifacts,
		blobs:     blobs,
		cfg:       cfg,
		logger:    logger.Named("merge-engine"),
	}
}

// Merge returns the artifact for the current version of id, computing and
// recording it if none exists yet. Artifacts of earlier versions are never
// returned.
func (e *Engine) Merge(ctx context.Context, id string) (*pageset.MergedArtifact, error) {
	ps, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	existing, err := e.artifacts.GetArtifact(ctx, id, ps.Version)
	if err == nil {
		e.logger.Debug("merged artifact exists", "id", id, "version", ps.Version)
		return existing, nil
	}
	if !errors.Is(err, pageset.ErrNotFound) {
		return nil, err
	}

	data, err := e.fetchAll(ctx, ps)
	if err != nil {
		return nil, err
	}

	combined, err := e.cfg.Combiner(data)
	if err != nil {
		return nil, &pageset.Error{Op: "Merge", Err: pageset.ErrDependency, Msg: fmt.Sprintf("combine pages: %v", err)}
	}

	locator, err := e.blobs.Put(ctx, combined)
	if err != nil {
		return nil, pageset.Dependency("Merge", err)
	}

	stored, err := e.artifacts.PutArtifact(ctx, &pageset.MergedArtifact{
		PageSetID:   id,
		Version:     ps.Version,
		Locator:     locator,
		ContentHash: ContentHash(combined),
		Size:        int64(len(combined)),
		PageCount:   ps.Len(),
	})
	if err != nil {
		e.discard(ctx, locator)
		return nil, err
	}

	if stored.Locator != locator {
		// Another merge of the same version recorded first.
		e.discard(ctx, locator)
	}

	e.logger.Info("merged page set",
		"id", id,
		"version", ps.Version,
		"pages", ps.Len(),
		"size", stored.Size,
		"content_hash", stored.ContentHash,
	)
	return stored, nil
}

// fetchAll loads every page of ps concurrently. The result is indexed by
// position so the assembled artifact keeps page order regardless of the order
// fetches complete in.
func (e *Engine) fetchAll(ctx context.Context, ps *pageset.PageSet) ([][]byte, error) {
	pages := ps.Snapshot()
	data := make([][]byte, len(pages))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.FetchConcurrency)

	for i, p := range pages {
		g.Go(func() error {
			b, err := e.blobs.Get(gctx, p.Locator)
			if err != nil {
				return &pageset.PartialFailureError{ID: ps.ID, Version: ps.Version, Position: i, Err: err}
			}
			data[i] = b
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		e.logger.Warn("merge aborted",
			"id", ps.ID,
			"version", ps.Version,
			"error", err,
		)
		return nil, err
	}
	return data, nil
}

func (e *Engine) discard(ctx context.Context, locator string) {
	if err := e.blobs.Delete(context.WithoutCancel(ctx), locator); err != nil {
		e.logger.Warn("failed to remove unrecorded merged artifact",
			"locator", locator,
			"error", err,
		)
	}
}

// ContentHash returns the digest recorded for merged content.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// FileName returns the export file name for a selector of the record
// labelled label, e.g. "INV-1001-3.pdf" for page 3 (one-based) or
// "INV-1001-COMPLETE.pdf" for the merged artifact.
func FileName(label string, sel pageset.Selector) string {
	label = strings.TrimSpace(label)
	if label == "" {
		label = "document"
	}
	if sel.Merged {
		return label + "-COMPLETE.pdf"
	}
	return fmt.Sprintf("%s-%d.pdf", label, sel.Index+1)
}
