// Package blob stores page and merged-artifact bytes.
//
// Backends hand out opaque locators from Put. A locator is prefixed with the
// backend type ("s3:", "file:") so a locator written by one backend is never
// silently resolved by another.
package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Get and Delete for unknown locators.
var ErrNotFound = errors.New("blob not found")

// Store puts and fetches immutable byte payloads.
type Store interface {
	// Put stores data under a fresh locator.
	Put(ctx context.Context, data []byte) (string, error)

	// Get returns the bytes stored under locator.
	Get(ctx context.Context, locator string) ([]byte, error)

	// Delete removes the bytes stored under locator.
	Delete(ctx context.Context, locator string) error

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
}

// newObjectName returns a unique object name with the given extension.
func newObjectName(ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return uuid.New().String() + ext
}

// splitLocator strips scheme from locator.
func splitLocator(scheme, locator string) (string, error) {
	key, ok := strings.CutPrefix(locator, scheme+":")
	if !ok || key == "" {
		return "", fmt.Errorf("locator %q is not a %s locator", locator, scheme)
	}
	return key, nil
}
