// Package export writes merged artifacts to a directory as they are
// announced on the event stream.
package export

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/afero"

	"github.com/hashicorp-forge/pagekeeper/pkg/blob"
	"github.com/hashicorp-forge/pagekeeper/pkg/events"
	"github.com/hashicorp-forge/pagekeeper/pkg/merge"
	"github.com/hashicorp-forge/pagekeeper/pkg/models"
	"github.com/hashicorp-forge/pagekeeper/pkg/pageset"
)

// Exporter handles artifact.merged events by copying the artifact bytes to
// Dir as "<id>-COMPLETE.pdf" with a "<id>-COMPLETE.yaml" manifest.
type Exporter struct {
	store     pageset.Store
	artifacts pageset.ArtifactStore
	blobs     blob.Store
	fs        afero.Fs
	dir       string
	now       func() time.Time
	logger    hclog.Logger
}

var _ events.Handler = (*Exporter)(nil)

// Config holds configuration for an Exporter.
type Config struct {
	Store     pageset.Store
	Artifacts pageset.ArtifactStore
	Blobs     blob.Store

	// Fs defaults to the OS filesystem.
	Fs  afero.Fs
	Dir string

	Logger hclog.Logger
}

// New creates an Exporter and ensures the export directory exists.
func New(cfg Config) (*Exporter, error) {
	if cfg.Store == nil || cfg.Artifacts == nil || cfg.Blobs == nil {
		return nil, errors.New("store, artifact store and blob store are required")
	}
	if cfg.Dir == "" {
		return nil, errors.New("export directory is required")
	}
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if err := cfg.Fs.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("error creating export directory: %w", err)
	}

	return &Exporter{
		store:     cfg.Store,
		artifacts: cfg.Artifacts,
		blobs:     cfg.Blobs,
		fs:        cfg.Fs,
		dir:       cfg.Dir,
		now:       time.Now,
		logger:    cfg.Logger.Named("exporter"),
	}, nil
}

// HandleEvent exports the artifact named by an artifact.merged event. Events
// for superseded versions or deleted page sets are skipped so an older
// artifact never overwrites a newer export.
func (e *Exporter) HandleEvent(ctx context.Context, event events.PageSetEvent) error {
	if event.EventType != models.EventArtifactMerged {
		return nil
	}
	version := pageset.Version(event.Version)

	ps, err := e.store.Get(ctx, event.PageSetID)
	if errors.Is(err, pageset.ErrNotFound) {
		e.logger.Debug("skipping export of deleted page set", "page_set_id", event.PageSetID)
		return nil
	}
	if err != nil {
		return err
	}
	if ps.Version != version {
		e.logger.Debug("skipping export of superseded artifact",
			"page_set_id", event.PageSetID,
			"version", version,
			"current_version", ps.Version,
		)
		return nil
	}

	path := e.Path(event.PageSetID)
	existing, err := ReadManifest(e.fs, manifestPath(path))
	if err != nil {
		return err
	}
	if existing != nil && existing.Version >= int64(version) {
		e.logger.Debug("artifact already exported",
			"page_set_id", event.PageSetID,
			"version", version,
		)
		return nil
	}

	artifact, err := e.artifactFor(ctx, event)
	if err != nil {
		return err
	}
	data, err := e.blobs.Get(ctx, artifact.Locator)
	if err != nil {
		return pageset.Dependency("HandleEvent", err)
	}
	if got := merge.ContentHash(data); got != artifact.ContentHash {
		return pageset.Validationf("HandleEvent", "artifact %s v%d content hash mismatch: recorded %s, got %s",
			artifact.PageSetID, artifact.Version, artifact.ContentHash, got)
	}

	manifest, err := encodeManifest(newManifest(artifact, filepath.Base(path), e.now()))
	if err != nil {
		return err
	}
	if err := e.writeFile(path, data); err != nil {
		return err
	}
	// The manifest goes last: its presence marks the export as complete.
	if err := e.writeFile(manifestPath(path), manifest); err != nil {
		return err
	}
	e.logger.Info("exported merged artifact",
		"page_set_id", event.PageSetID,
		"version", version,
		"path", path,
		"size", len(data),
	)
	return nil
}

// artifactFor returns the artifact described by the event payload, reading
// the artifact record only when the payload does not carry a locator.
func (e *Exporter) artifactFor(ctx context.Context, event events.PageSetEvent) (*pageset.MergedArtifact, error) {
	var payload events.ArtifactPayload
	if err := event.DecodePayload(&payload); err != nil {
		e.logger.Warn("ignoring malformed artifact payload",
			"page_set_id", event.PageSetID,
			"error", err,
		)
	}
	if payload.Locator == "" || payload.ContentHash == "" {
		return e.artifacts.GetArtifact(ctx, event.PageSetID, pageset.Version(event.Version))
	}
	return &pageset.MergedArtifact{
		PageSetID:   event.PageSetID,
		Version:     pageset.Version(event.Version),
		Locator:     payload.Locator,
		ContentHash: payload.ContentHash,
		Size:        payload.Size,
		PageCount:   payload.PageCount,
	}, nil
}

// Path returns the export path for the merged artifact of id.
func (e *Exporter) Path(id string) string {
	return filepath.Join(e.dir, merge.FileName(id, pageset.MergedSelector))
}

// writeFile replaces path through a temporary file and rename so readers
// never see a partial file.
func (e *Exporter) writeFile(path string, data []byte) error {
	tmp, err := afero.TempFile(e.fs, e.dir, ".export-*")
	if err != nil {
		return fmt.Errorf("error creating temporary export file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = e.fs.Remove(tmpName)
		return fmt.Errorf("error writing export file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = e.fs.Remove(tmpName)
		return fmt.Errorf("error closing export file: %w", err)
	}
	if err := e.fs.Rename(tmpName, path); err != nil {
		_ = e.fs.Remove(tmpName)
		return fmt.Errorf("error renaming export file: %w", err)
	}
	return nil
}
