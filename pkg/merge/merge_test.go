package merge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp-forge/pagekeeper/pkg/blob"
	"github.com/hashicorp-forge/pagekeeper/pkg/pageset"
	"github.com/hashicorp-forge/pagekeeper/pkg/pagestore"
)

// failingBlobs fails Get for one locator and counts Puts.
type failingBlobs struct {
	blob.Store
	fail  string
	puts  atomic.Int32
	mu    sync.Mutex
	order []string
}

func (f *failingBlobs) Get(ctx context.Context, locator string) ([]byte, error) {
	if locator == f.fail {
		return nil, pageset.Dependency("blob.Get", errors.New("connection refused"))
	}
	f.mu.Lock()
	f.order = append(f.order, locator)
	f.mu.Unlock()
	return f.Store.Get(ctx, locator)
}

func (f *failingBlobs) Put(ctx context.Context, data []byte) (string, error) {
	f.puts.Add(1)
	return f.Store.Put(ctx, data)
}

type fixture struct {
	store *pagestore.Memory
	blobs *failingBlobs
	ps    *pageset.PageSet
}

func newFixture(t *testing.T, contents ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	blobs := &failingBlobs{Store: blob.NewMemFS(nil)}

	refs := make([]pageset.PageRef, len(contents))
	for i, c := range contents {
		loc, err := blobs.Store.Put(ctx, []byte(c))
		require.NoError(t, err)
		refs[i] = pageset.PageRef{Locator: loc, OriginalIndex: i}
	}

	store := pagestore.NewMemory()
	ps, err := store.Create(ctx, refs)
	require.NoError(t, err)

	return &fixture{store: store, blobs: blobs, ps: ps}
}

func (f *fixture) engine(cfg Config) *Engine {
	return New(f.store, f.store, f.blobs, cfg, hclog.NewNullLogger())
}

func TestMerge_ConcatenatesInPageOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "one|", "two|", "three|", "four|", "five|")

	artifact, err := f.engine(Config{FetchConcurrency: 3}).Merge(ctx, f.ps.ID)
	require.NoError(t, err)

	assert.Equal(t, f.ps.ID, artifact.PageSetID)
	assert.Equal(t, f.ps.Version, artifact.Version)
	assert.Equal(t, 5, artifact.PageCount)
	assert.Equal(t, int64(len("one|two|three|four|five|")), artifact.Size)
	assert.Equal(t, ContentHash([]byte("one|two|three|four|five|")), artifact.ContentHash)

	data, err := f.blobs.Store.Get(ctx, artifact.Locator)
	require.NoError(t, err)
	assert.Equal(t, "one|two|three|four|five|", string(data))
}

func TestMerge_IsIdempotentPerVersion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "a", "b")
	engine := f.engine(Config{})

	first, err := engine.Merge(ctx, f.ps.ID)
	require.NoError(t, err)
	second, err := engine.Merge(ctx, f.ps.ID)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), f.blobs.puts.Load(), "the second merge does not recompute")

	got, err := f.store.Get(ctx, f.ps.ID)
	require.NoError(t, err)
	assert.Equal(t, f.ps.Version, got.Version, "merge never bumps the version")
}

func TestMerge_NewVersionGetsNewArtifact(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "a", "b", "c")
	engine := f.engine(Config{})

	v1, err := engine.Merge(ctx, f.ps.ID)
	require.NoError(t, err)

	_, err = f.store.CompareAndSwap(ctx, f.ps.ID, f.ps.Version, f.ps.Pages[1:])
	require.NoError(t, err)

	v2, err := engine.Merge(ctx, f.ps.ID)
	require.NoError(t, err)
	assert.Equal(t, pageset.Version(2), v2.Version)
	assert.NotEqual(t, v1.ContentHash, v2.ContentHash)
	assert.Equal(t, ContentHash([]byte("bc")), v2.ContentHash)
}

// TestMerge_ScenarioD covers a merge that fails on one page fetch.
func TestMerge_ScenarioD(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "a", "b", "c")
	engine := f.engine(Config{})

	old, err := engine.Merge(ctx, f.ps.ID)
	require.NoError(t, err)

	// Version 2 drops page a; page c then becomes unreadable.
	_, err = f.store.CompareAndSwap(ctx, f.ps.ID, f.ps.Version, f.ps.Pages[1:])
	require.NoError(t, err)
	f.blobs.fail = f.ps.Pages[2].Locator

	_, err = engine.Merge(ctx, f.ps.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, pageset.ErrPartialFailure))

	var pf *pageset.PartialFailureError
	require.True(t, errors.As(err, &pf))
	assert.Equal(t, 1, pf.Position)
	assert.Equal(t, pageset.Version(2), pf.Version)

	_, err = f.store.GetArtifact(ctx, f.ps.ID, 2)
	assert.True(t, errors.Is(err, pageset.ErrNotFound), "no artifact is recorded for the failed version")

	kept, err := f.store.GetArtifact(ctx, f.ps.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, old, kept, "the earlier artifact is untouched")
	assert.Equal(t, int32(1), f.blobs.puts.Load())
}

func TestMerge_UnknownPageSet(t *testing.T) {
	f := newFixture(t, "a")
	_, err := f.engine(Config{}).Merge(context.Background(), "missing")
	assert.True(t, errors.Is(err, pageset.ErrNotFound))
}

func TestMerge_ConcurrentMergesRecordOneArtifact(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "a", "b", "c", "d")
	engine := f.engine(Config{})

	const callers = 6
	results := make([]*pageset.MergedArtifact, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := engine.Merge(ctx, f.ps.ID)
			assert.NoError(t, err)
			results[i] = a
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, results[0].Locator, r.Locator)
	}
}

func TestMerge_CombinerError(t *testing.T) {
	f := newFixture(t, "a")
	engine := f.engine(Config{Combiner: func([][]byte) ([]byte, error) {
		return nil, errors.New("corrupt page")
	}})

	_, err := engine.Merge(context.Background(), f.ps.ID)
	assert.True(t, errors.Is(err, pageset.ErrDependency))
	assert.Equal(t, int32(0), f.blobs.puts.Load())
}

func TestFileName(t *testing.T) {
	tests := []struct {
		label string
		sel   pageset.Selector
		want  string
	}{
		{"1042-A", pageset.PageSelector(0), "1042-A-1.pdf"},
		{"1042-A", pageset.PageSelector(4), "1042-A-5.pdf"},
		{"1042-A", pageset.MergedSelector, "1042-A-COMPLETE.pdf"},
		{"  ", pageset.MergedSelector, "document-COMPLETE.pdf"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, FileName(tt.label, tt.sel))
		})
	}
}
