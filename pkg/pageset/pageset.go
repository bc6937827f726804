package pageset

import (
	"time"
)

// Version is a monotonically increasing marker for a PageSet's committed state.
type Version int64

// InitialVersion is the version assigned to every newly created PageSet.
const InitialVersion Version = 1

// PageRef points at one page's bytes in blob storage.
type PageRef struct {
	// Locator is the blob storage locator returned by blob.Store.Put.
	Locator string `json:"locator"`

	// OriginalIndex is the ordinal the page had when it was ingested. It
	// travels with the page through splits.
	OriginalIndex int `json:"originalIndex"`
}

// PageSet is an ordered collection of pages attached to one record.
type PageSet struct {
	ID        string    `json:"id"`
	Version   Version   `json:"version"`
	Pages     []PageRef `json:"pages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Len returns the number of pages in the set.
func (ps *PageSet) Len() int {
	return len(ps.Pages)
}

// Snapshot returns a deep copy of the page list so callers can work against
// an immutable view of the set.
func (ps *PageSet) Snapshot() []PageRef {
	pages := make([]PageRef, len(ps.Pages))
	copy(pages, ps.Pages)
	return pages
}

// MergedArtifact is the combined deliverable computed from a PageSet at one
// version.
type MergedArtifact struct {
	PageSetID   string    `json:"pageSetId"`
	Version     Version   `json:"version"`
	Locator     string    `json:"locator"`
	ContentHash string    `json:"contentHash"`
	Size        int64     `json:"size"`
	PageCount   int       `json:"pageCount"`
	CreatedAt   time.Time `json:"createdAt"`
}
