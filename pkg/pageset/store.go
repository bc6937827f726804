package pageset

import (
	"context"
)

// Store persists page sets with optimistic versioning.
type Store interface {
	// Get returns the current state of a page set or an ErrNotFound error.
	Get(ctx context.Context, id string) (*PageSet, error)

	// Create persists a new page set at InitialVersion under a fresh id.
	Create(ctx context.Context, pages []PageRef) (*PageSet, error)

	// CompareAndSwap replaces the page list of id if its current version is
	// expected and returns the new version. A mismatch returns a
	// *ConflictError carrying the version that was found. An empty pages
	// slice deletes the set.
	CompareAndSwap(ctx context.Context, id string, expected Version, pages []PageRef) (Version, error)

	// Delete removes a page set. It is used to roll back a set that was
	// created as part of an operation that did not commit.
	Delete(ctx context.Context, id string) error
}

// ArtifactStore records merged artifacts by (page set id, version).
type ArtifactStore interface {
	// GetArtifact returns the artifact computed for id at version or an
	// ErrNotFound error.
	GetArtifact(ctx context.Context, id string, version Version) (*MergedArtifact, error)

	// PutArtifact records a if no artifact exists for its (id, version) and
	// returns the artifact that is stored afterwards.
	PutArtifact(ctx context.Context, a *MergedArtifact) (*MergedArtifact, error)
}
