// Package pagestore provides implementations of pageset.Store and
// pageset.ArtifactStore.
//
// GormStore persists page sets in postgres or sqlite. A compare-and-swap is a
// single conditional UPDATE on (id, version); when it matches no row the
// store re-reads the set to report either a not-found or a conflict carrying
// the version it found. The page list and an outbox event are written in the
// same transaction as the version bump.
//
// Memory keeps page sets in a map guarded by a mutex.
package pagestore
