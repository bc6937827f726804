package pageset

import (
	"fmt"
	"strconv"
	"strings"
)

// Selector identifies what a reader wants from a PageSet: a single page by
// position or the merged artifact.
type Selector struct {
	Merged bool
	Index  int
}

// MergedSelector selects the merged artifact.
var MergedSelector = Selector{Merged: true}

// PageSelector selects the page at position index.
func PageSelector(index int) Selector {
	return Selector{Index: index}
}

// String returns "merged" or "page:<index>".
func (s Selector) String() string {
	if s.Merged {
		return "merged"
	}
	return "page:" + strconv.Itoa(s.Index)
}

// ParseSelector parses the output of Selector.String.
func ParseSelector(s string) (Selector, error) {
	if s == "merged" {
		return MergedSelector, nil
	}
	raw, ok := strings.CutPrefix(s, "page:")
	if !ok {
		return Selector{}, Validationf("ParseSelector", "unknown selector %q", s)
	}
	idx, err := strconv.Atoi(raw)
	if err != nil || idx < 0 {
		return Selector{}, Validationf("ParseSelector", "invalid page index %q", raw)
	}
	return PageSelector(idx), nil
}

// Key identifies one cacheable payload: a selector applied to a page set at
// one version.
type Key struct {
	ID       string
	Selector Selector
	Version  Version
}

// String returns the canonical "<id>/<selector>@v<version>" form.
func (k Key) String() string {
	return fmt.Sprintf("%s/%s@v%d", k.ID, k.Selector, k.Version)
}
