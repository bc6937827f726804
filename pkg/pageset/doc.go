// Package pageset defines the core model shared by every Pagekeeper component.
//
// # Core Concepts
//
//  1. PageSet: an ordered collection of pages belonging to one record. The
//     Store owns it and its Version is the only authority for "current state".
//
//  2. PageRef: an immutable pointer to a page's bytes in blob storage plus the
//     ordinal the page had when it was ingested.
//
//  3. MergedArtifact: the single deliverable produced by concatenating every
//     page of a PageSet at one Version. It is derived data and is never edited.
//
//  4. Selector: what a reader asks for, either one page by position or the
//     merged artifact.
//
// # Versions
//
// Version starts at 1 when a PageSet is created and increases by exactly one
// on every committed mutation of the page list. Reads and merges never change
// it. Anything derived from a PageSet (merged artifacts, cache entries,
// transport addresses) is tagged with the Version it was computed against, so
// data computed for a superseded Version can never be confused with current
// data.
//
// # Errors
//
// Operations return errors that match one of ErrValidation, ErrConflict,
// ErrNotFound, ErrDependency or ErrPartialFailure with errors.Is. Conflicts
// carry the expected and found versions in a *ConflictError.
package pageset
