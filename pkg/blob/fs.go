package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/afero"
)

// FSConfig contains configuration for the filesystem backend.
type FSConfig struct {
	// Root is the directory blobs are written under. Ignored for in-memory stores.
	Root string `hcl:"root,optional" env:"ROOT"`

	// Extension is appended to generated object names (default: ".pdf")
	Extension string `hcl:"extension,optional" env:"EXTENSION"`
}

// FS stores blobs on an afero filesystem.
type FS struct {
	fs     afero.Fs
	ext    string
	logger hclog.Logger
}

// NewFS creates a filesystem store rooted at cfg.Root on the host filesystem.
func NewFS(cfg FSConfig, logger hclog.Logger) (*FS, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("root is required")
	}
	osFs := afero.NewOsFs()
	if err := osFs.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob root %s: %w", cfg.Root, err)
	}
	return newFS(afero.NewBasePathFs(osFs, cfg.Root), cfg.Extension, logger), nil
}

// NewMemFS creates a store backed by an in-memory filesystem.
func NewMemFS(logger hclog.Logger) *FS {
	return newFS(afero.NewMemMapFs(), ".pdf", logger)
}

func newFS(afs afero.Fs, ext string, logger hclog.Logger) *FS {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if ext == "" {
		ext = ".pdf"
	}
	return &FS{
		fs:     afs,
		ext:    ext,
		logger: logger.Named("fs-blob"),
	}
}

// Put writes data under a fresh name.
func (s *FS) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name := newObjectName(s.ext)
	dir := name[:2]
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create blob directory: %w", err)
	}
	key := path.Join(dir, name)
	if err := afero.WriteFile(s.fs, key, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}

	s.logger.Debug("blob stored", "key", key, "size", len(data))
	return "file:" + key, nil
}

// Get reads the blob at locator.
func (s *FS) Get(ctx context.Context, locator string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := splitLocator("file", locator)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, key)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, locator)
		}
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}

// Delete removes the blob at locator.
func (s *FS) Delete(ctx context.Context, locator string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, err := splitLocator("file", locator)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(key); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, locator)
		}
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

// Ping checks that the root is readable.
func (s *FS) Ping(ctx context.Context) error {
	if _, err := s.fs.Stat("."); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("blob root is not accessible: %w", err)
	}
	return nil
}
