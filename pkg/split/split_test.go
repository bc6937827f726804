package split

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp-forge/pagekeeper/pkg/pageset"
	"github.com/hashicorp-forge/pagekeeper/pkg/pagestore"
)

func testPages(names ...string) []pageset.PageRef {
	out := make([]pageset.PageRef, len(names))
	for i, n := range names {
		out[i] = pageset.PageRef{Locator: "file:aa/" + n + ".pdf", OriginalIndex: i}
	}
	return out
}

func locators(pages []pageset.PageRef) []string {
	out := make([]string, len(pages))
	for i, p := range pages {
		out[i] = p.Locator
	}
	return out
}

func version(v int64) *pageset.Version {
	pv := pageset.Version(v)
	return &pv
}

func newEngine(t *testing.T, store pageset.Store, cfg Config) *Engine {
	t.Helper()
	return New(store, cfg, hclog.NewNullLogger())
}

// hookStore runs beforeCAS ahead of every compare-and-swap and records
// deletions.
type hookStore struct {
	pageset.Store
	beforeCAS func(ctx context.Context)
	deletes   []string
}

func (h *hookStore) CompareAndSwap(ctx context.Context, id string, expected pageset.Version, pages []pageset.PageRef) (pageset.Version, error) {
	if h.beforeCAS != nil {
		h.beforeCAS(ctx)
	}
	return h.Store.CompareAndSwap(ctx, id, expected, pages)
}

func (h *hookStore) Delete(ctx context.Context, id string) error {
	h.deletes = append(h.deletes, id)
	return h.Store.Delete(ctx, id)
}

func TestPartition(t *testing.T) {
	pages := testPages("p1", "p2", "p3", "p4", "p5")

	tests := []struct {
		name      string
		positions []int
		selected  []string
		remaining []string
	}{
		{
			name:      "first page",
			positions: []int{0},
			selected:  []string{"p1"},
			remaining: []string{"p2", "p3", "p4", "p5"},
		},
		{
			name:      "unordered positions keep page order",
			positions: []int{4, 1, 2},
			selected:  []string{"p2", "p3", "p5"},
			remaining: []string{"p1", "p4"},
		},
		{
			name:      "everything",
			positions: []int{0, 1, 2, 3, 4},
			selected:  []string{"p1", "p2", "p3", "p4", "p5"},
			remaining: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			selected, remaining := Partition(pages, tt.positions)
			assert.Equal(t, tt.selected, trim(locators(selected)))
			assert.Equal(t, tt.remaining, trim(locators(remaining)))
		})
	}
}

// trim strips the locator decoration added by testPages.
func trim(locs []string) []string {
	out := make([]string, len(locs))
	for i, l := range locs {
		out[i] = l[len("file:aa/") : len(l)-len(".pdf")]
	}
	return out
}

func TestSplit_ScenarioA(t *testing.T) {
	ctx := context.Background()
	store := pagestore.NewMemory()
	engine := newEngine(t, store, Config{})

	src, err := store.Create(ctx, testPages("p1", "p2", "p3", "p4"))
	require.NoError(t, err)

	res, err := engine.Split(ctx, Request{SourceID: src.ID, Positions: []int{0}})
	require.NoError(t, err)
	assert.Equal(t, pageset.Version(2), res.ParentVersion)
	assert.Equal(t, pageset.InitialVersion, res.ChildVersion)
	assert.False(t, res.ParentDeleted)

	child, err := store.Get(ctx, res.ChildID)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, trim(locators(child.Pages)))

	parent, err := store.Get(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"p2", "p3", "p4"}, trim(locators(parent.Pages)))

	res2, err := engine.Split(ctx, Request{SourceID: src.ID, Positions: []int{1}})
	require.NoError(t, err)
	assert.Equal(t, pageset.Version(3), res2.ParentVersion)

	child2, err := store.Get(ctx, res2.ChildID)
	require.NoError(t, err)
	assert.Equal(t, []string{"p3"}, trim(locators(child2.Pages)))
	assert.Equal(t, 2, child2.Pages[0].OriginalIndex, "original index travels with the page")

	parent, err = store.Get(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"p2", "p4"}, trim(locators(parent.Pages)))
}

func TestSplit_ScenarioB_FullRange(t *testing.T) {
	ctx := context.Background()

	t.Run("rejected by default", func(t *testing.T) {
		store := pagestore.NewMemory()
		src, err := store.Create(ctx, testPages("p1", "p2", "p3", "p4"))
		require.NoError(t, err)

		_, err = newEngine(t, store, Config{}).Split(ctx, Request{SourceID: src.ID, Positions: []int{0, 1, 2, 3}})
		assert.True(t, errors.Is(err, pageset.ErrValidation))
		assert.Equal(t, 1, store.Len(), "no child is created")

		got, err := store.Get(ctx, src.ID)
		require.NoError(t, err)
		assert.Equal(t, pageset.InitialVersion, got.Version)
	})

	t.Run("deletes source when allowed", func(t *testing.T) {
		store := pagestore.NewMemory()
		src, err := store.Create(ctx, testPages("p1", "p2", "p3", "p4"))
		require.NoError(t, err)

		res, err := newEngine(t, store, Config{AllowDeleteSource: true}).
			Split(ctx, Request{SourceID: src.ID, Positions: []int{3, 2, 1, 0}})
		require.NoError(t, err)
		assert.True(t, res.ParentDeleted)
		assert.Equal(t, 4, res.Moved)

		child, err := store.Get(ctx, res.ChildID)
		require.NoError(t, err)
		assert.Equal(t, []string{"p1", "p2", "p3", "p4"}, trim(locators(child.Pages)))

		_, err = store.Get(ctx, src.ID)
		assert.True(t, errors.Is(err, pageset.ErrNotFound))
	})
}

func TestSplit_ScenarioC_ConcurrentSplits(t *testing.T) {
	ctx := context.Background()
	mem := pagestore.NewMemory()

	src, err := mem.Create(ctx, testPages("p1", "p2", "p3", "p4", "p5", "p6", "p7", "p8"))
	require.NoError(t, err)
	// Advance the source to version 5.
	cur := src.Version
	for cur < 5 {
		cur, err = mem.CompareAndSwap(ctx, src.ID, cur, src.Pages)
		require.NoError(t, err)
	}

	// Both splits read version 5 before either swaps.
	var ready sync.WaitGroup
	ready.Add(2)
	store := &hookStore{Store: mem, beforeCAS: func(context.Context) {
		ready.Done()
		ready.Wait()
	}}
	engine := newEngine(t, store, Config{})

	results := make([]error, 2)
	var wg sync.WaitGroup
	for i, pos := range []int{0, 7} {
		wg.Add(1)
		go func(i, pos int) {
			defer wg.Done()
			_, results[i] = engine.Split(ctx, Request{SourceID: src.ID, Positions: []int{pos}, ExpectedVersion: version(5)})
		}(i, pos)
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, pageset.ErrConflict):
			conflicts++
			var ce *pageset.ConflictError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, pageset.Version(5), ce.Expected)
			assert.Equal(t, pageset.Version(6), ce.Found)
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflicts)
	assert.Equal(t, 2, mem.Len(), "the losing child is rolled back")

	// The loser retries against version 6.
	res, err := newEngine(t, mem, Config{}).Split(ctx, Request{SourceID: src.ID, Positions: []int{0}, ExpectedVersion: version(6)})
	require.NoError(t, err)
	assert.Equal(t, pageset.Version(7), res.ParentVersion)
}

func TestSplit_RetriesConflictWithoutExpectedVersion(t *testing.T) {
	ctx := context.Background()
	mem := pagestore.NewMemory()
	src, err := mem.Create(ctx, testPages("p1", "p2", "p3"))
	require.NoError(t, err)

	bumped := false
	store := &hookStore{Store: mem, beforeCAS: func(ctx context.Context) {
		if bumped {
			return
		}
		bumped = true
		cur, err := mem.Get(ctx, src.ID)
		require.NoError(t, err)
		_, err = mem.CompareAndSwap(ctx, src.ID, cur.Version, cur.Pages)
		require.NoError(t, err)
	}}

	res, err := newEngine(t, store, Config{}).Split(ctx, Request{SourceID: src.ID, Positions: []int{2}})
	require.NoError(t, err)
	assert.Equal(t, pageset.Version(3), res.ParentVersion)
	assert.Len(t, store.deletes, 1, "the first child was rolled back")
	assert.Equal(t, 2, mem.Len())
}

func TestSplit_ExpectedVersionMismatch(t *testing.T) {
	ctx := context.Background()
	store := pagestore.NewMemory()
	src, err := store.Create(ctx, testPages("p1", "p2"))
	require.NoError(t, err)

	_, err = newEngine(t, store, Config{}).Split(ctx, Request{SourceID: src.ID, Positions: []int{0}, ExpectedVersion: version(4)})
	var ce *pageset.ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, pageset.Version(4), ce.Expected)
	assert.Equal(t, pageset.Version(1), ce.Found)
	assert.Equal(t, 1, store.Len())
}

func TestSplit_Validation(t *testing.T) {
	ctx := context.Background()
	store := pagestore.NewMemory()
	src, err := store.Create(ctx, testPages("p1", "p2", "p3"))
	require.NoError(t, err)
	engine := newEngine(t, store, Config{})

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"empty selection", Request{SourceID: src.ID}, pageset.ErrValidation},
		{"missing source id", Request{Positions: []int{0}}, pageset.ErrValidation},
		{"negative position", Request{SourceID: src.ID, Positions: []int{-1}}, pageset.ErrValidation},
		{"out of range", Request{SourceID: src.ID, Positions: []int{3}}, pageset.ErrValidation},
		{"duplicate", Request{SourceID: src.ID, Positions: []int{1, 1}}, pageset.ErrValidation},
		{"unknown source", Request{SourceID: "missing", Positions: []int{0}}, pageset.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.Split(ctx, tt.req)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
	assert.Equal(t, 1, store.Len())
}

func TestSplit_RollsBackWhenCancelled(t *testing.T) {
	mem := pagestore.NewMemory()
	src, err := mem.Create(context.Background(), testPages("p1", "p2", "p3"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	store := &hookStore{Store: mem, beforeCAS: func(context.Context) { cancel() }}

	_, err = newEngine(t, store, Config{}).Split(ctx, Request{SourceID: src.ID, Positions: []int{0}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, pageset.ErrDependency))
	assert.Len(t, store.deletes, 1)
	assert.Equal(t, 1, mem.Len(), "no orphaned child remains")

	got, err := mem.Get(context.Background(), src.ID)
	require.NoError(t, err)
	assert.Equal(t, pageset.InitialVersion, got.Version)
}

func TestSplit_KeepsChildWhenSwapCommittedDespiteError(t *testing.T) {
	ctx := context.Background()
	mem := pagestore.NewMemory()
	src, err := mem.Create(ctx, testPages("p1", "p2", "p3"))
	require.NoError(t, err)

	lost := &lostAckStore{Store: mem}
	res, err := newEngine(t, lost, Config{}).Split(ctx, Request{SourceID: src.ID, Positions: []int{1}})
	require.NoError(t, err)
	assert.Equal(t, pageset.Version(2), res.ParentVersion)
	assert.Equal(t, 2, mem.Len(), "child survives because the source already moved")

	parent, err := mem.Get(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p3"}, trim(locators(parent.Pages)))
}

// lostAckStore commits the swap but reports a transport error.
type lostAckStore struct {
	pageset.Store
}

func (l *lostAckStore) CompareAndSwap(ctx context.Context, id string, expected pageset.Version, pages []pageset.PageRef) (pageset.Version, error) {
	if _, err := l.Store.CompareAndSwap(ctx, id, expected, pages); err != nil {
		return 0, err
	}
	return 0, pageset.Dependency("CompareAndSwap", errors.New("connection reset by peer"))
}

// TestSplit_Conservation checks that repeated random-ish splits neither lose
// nor duplicate pages.
func TestSplit_Conservation(t *testing.T) {
	ctx := context.Background()
	store := pagestore.NewMemory()
	engine := newEngine(t, store, Config{})

	names := make([]string, 12)
	for i := range names {
		names[i] = fmt.Sprintf("p%02d", i)
	}
	src, err := store.Create(ctx, testPages(names...))
	require.NoError(t, err)

	ids := []string{src.ID}
	for _, positions := range [][]int{{0, 5, 11}, {2}, {1, 3}, {0}} {
		res, err := engine.Split(ctx, Request{SourceID: src.ID, Positions: positions})
		require.NoError(t, err)
		ids = append(ids, res.ChildID)
	}

	var all []string
	for _, id := range ids {
		ps, err := store.Get(ctx, id)
		require.NoError(t, err)
		got := trim(locators(ps.Pages))
		assert.True(t, sort.StringsAreSorted(got), "order is preserved in %v", got)
		all = append(all, got...)
	}
	sort.Strings(all)
	assert.Equal(t, names, all)
}
