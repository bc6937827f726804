package export

import (
	"context"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp-forge/pagekeeper/pkg/blob"
	"github.com/hashicorp-forge/pagekeeper/pkg/events"
	"github.com/hashicorp-forge/pagekeeper/pkg/merge"
	"github.com/hashicorp-forge/pagekeeper/pkg/models"
	"github.com/hashicorp-forge/pagekeeper/pkg/pageset"
	"github.com/hashicorp-forge/pagekeeper/pkg/pagestore"
)

type fixture struct {
	store    *pagestore.Memory
	blobs    blob.Store
	fs       afero.Fs
	merger   *merge.Engine
	exporter *Exporter
	ps       *pageset.PageSet
}

func newFixture(t *testing.T, contents ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	blobs := blob.NewMemFS(nil)

	refs := make([]pageset.PageRef, len(contents))
	for i, c := range contents {
		loc, err := blobs.Put(ctx, []byte(c))
		require.NoError(t, err)
		refs[i] = pageset.PageRef{Locator: loc, OriginalIndex: i}
	}

	store := pagestore.NewMemory()
	ps, err := store.Create(ctx, refs)
	require.NoError(t, err)

	fs := afero.NewMemMapFs()
	exporter, err := New(Config{
		Store:     store,
		Artifacts: store,
		Blobs:     blobs,
		Fs:        fs,
		Dir:       "/exports",
		Logger:    hclog.NewNullLogger(),
	})
	require.NoError(t, err)

	return &fixture{
		store:    store,
		blobs:    blobs,
		fs:       fs,
		merger:   merge.New(store, store, blobs, merge.Config{}, nil),
		exporter: exporter,
		ps:       ps,
	}
}

func mergedEvent(a *pageset.MergedArtifact) events.PageSetEvent {
	return events.PageSetEvent{
		PageSetID: a.PageSetID,
		Version:   int64(a.Version),
		EventType: models.EventArtifactMerged,
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Dir: "/exports"})
	assert.Error(t, err)

	store := pagestore.NewMemory()
	_, err = New(Config{Store: store, Artifacts: store, Blobs: blob.NewMemFS(nil)})
	assert.ErrorContains(t, err, "directory")
}

func TestHandleEvent_WritesArtifact(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "p1", "p2")

	artifact, err := f.merger.Merge(ctx, f.ps.ID)
	require.NoError(t, err)

	require.NoError(t, f.exporter.HandleEvent(ctx, mergedEvent(artifact)))

	path := f.exporter.Path(f.ps.ID)
	assert.Equal(t, "/exports/"+f.ps.ID+"-COMPLETE.pdf", path)

	got, err := afero.ReadFile(f.fs, path)
	require.NoError(t, err)
	want, err := f.blobs.Get(ctx, artifact.Locator)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	entries, err := afero.ReadDir(f.fs, "/exports")
	require.NoError(t, err)
	assert.Len(t, entries, 2, "temporary files must not be left behind")

	manifest, err := ReadManifest(f.fs, "/exports/"+f.ps.ID+"-COMPLETE.yaml")
	require.NoError(t, err)
	require.NotNil(t, manifest)
	assert.Equal(t, f.ps.ID, manifest.PageSetID)
	assert.Equal(t, int64(1), manifest.Version)
	assert.Equal(t, f.ps.ID+"-COMPLETE.pdf", manifest.FileName)
	assert.Equal(t, artifact.ContentHash, manifest.ContentHash)
	assert.Equal(t, 2, manifest.PageCount)
}

// countingBlobs counts Get calls.
type countingBlobs struct {
	blob.Store
	gets int
}

func (c *countingBlobs) Get(ctx context.Context, locator string) ([]byte, error) {
	c.gets++
	return c.Store.Get(ctx, locator)
}

func TestHandleEvent_RedeliveryIsSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "p1", "p2")

	artifact, err := f.merger.Merge(ctx, f.ps.ID)
	require.NoError(t, err)

	blobs := &countingBlobs{Store: f.blobs}
	exporter, err := New(Config{
		Store:     f.store,
		Artifacts: f.store,
		Blobs:     blobs,
		Fs:        f.fs,
		Dir:       "/exports",
	})
	require.NoError(t, err)

	require.NoError(t, exporter.HandleEvent(ctx, mergedEvent(artifact)))
	require.NoError(t, exporter.HandleEvent(ctx, mergedEvent(artifact)))
	assert.Equal(t, 1, blobs.gets)
}

func TestReadManifest_Missing(t *testing.T) {
	m, err := ReadManifest(afero.NewMemMapFs(), "/exports/none-COMPLETE.yaml")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestHandleEvent_SkipsSupersededVersion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "p1", "p2", "p3")

	artifact, err := f.merger.Merge(ctx, f.ps.ID)
	require.NoError(t, err)

	_, err = f.store.CompareAndSwap(ctx, f.ps.ID, f.ps.Version, f.ps.Pages[:2])
	require.NoError(t, err)

	require.NoError(t, f.exporter.HandleEvent(ctx, mergedEvent(artifact)))

	exists, err := afero.Exists(f.fs, f.exporter.Path(f.ps.ID))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestHandleEvent_SkipsDeletedPageSet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "p1")

	artifact, err := f.merger.Merge(ctx, f.ps.ID)
	require.NoError(t, err)
	require.NoError(t, f.store.Delete(ctx, f.ps.ID))

	require.NoError(t, f.exporter.HandleEvent(ctx, mergedEvent(artifact)))

	exists, err := afero.Exists(f.fs, f.exporter.Path(f.ps.ID))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestHandleEvent_IgnoresOtherEvents(t *testing.T) {
	f := newFixture(t, "p1")
	err := f.exporter.HandleEvent(context.Background(), events.PageSetEvent{
		PageSetID: f.ps.ID,
		Version:   1,
		EventType: models.EventPageSetUpdated,
	})
	require.NoError(t, err)

	entries, err := afero.ReadDir(f.fs, "/exports")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestHandleEvent_MissingBlob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "p1", "p2")

	artifact, err := f.merger.Merge(ctx, f.ps.ID)
	require.NoError(t, err)
	require.NoError(t, f.blobs.Delete(ctx, artifact.Locator))

	err = f.exporter.HandleEvent(ctx, mergedEvent(artifact))
	assert.ErrorIs(t, err, pageset.ErrDependency)
}

type tamperedBlobs struct {
	blob.Store
}

func (tamperedBlobs) Get(context.Context, string) ([]byte, error) {
	return []byte("not the merged artifact"), nil
}

func TestHandleEvent_HashMismatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "p1", "p2")

	artifact, err := f.merger.Merge(ctx, f.ps.ID)
	require.NoError(t, err)

	exporter, err := New(Config{
		Store:     f.store,
		Artifacts: f.store,
		Blobs:     tamperedBlobs{Store: f.blobs},
		Fs:        f.fs,
		Dir:       "/exports",
	})
	require.NoError(t, err)

	err = exporter.HandleEvent(ctx, mergedEvent(artifact))
	assert.ErrorContains(t, err, "content hash mismatch")
	assert.ErrorIs(t, err, pageset.ErrValidation)
	assert.True(t, pageset.IsPermanent(err), "a corrupt artifact is not retried")

	exists, err := afero.Exists(f.fs, exporter.Path(f.ps.ID))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestHandleEvent_UsesPayload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "p1", "p2")

	artifact, err := f.merger.Merge(ctx, f.ps.ID)
	require.NoError(t, err)

	// An empty artifact store proves the record is not read.
	exporter, err := New(Config{
		Store:     f.store,
		Artifacts: pagestore.NewMemory(),
		Blobs:     f.blobs,
		Fs:        f.fs,
		Dir:       "/exports",
	})
	require.NoError(t, err)

	event := mergedEvent(artifact)
	event.Payload = map[string]interface{}{
		"locator":     artifact.Locator,
		"contentHash": artifact.ContentHash,
		"size":        float64(artifact.Size),
		"pageCount":   float64(artifact.PageCount),
	}
	require.NoError(t, exporter.HandleEvent(ctx, event))

	manifest, err := ReadManifest(f.fs, "/exports/"+f.ps.ID+"-COMPLETE.yaml")
	require.NoError(t, err)
	require.NotNil(t, manifest)
	assert.Equal(t, artifact.Size, manifest.Size)
}
