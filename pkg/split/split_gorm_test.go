package split

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/hashicorp-forge/pagekeeper/pkg/database"
	"github.com/hashicorp-forge/pagekeeper/pkg/models"
	"github.com/hashicorp-forge/pagekeeper/pkg/pageset"
	"github.com/hashicorp-forge/pagekeeper/pkg/pagestore"
	"github.com/hashicorp-forge/pagekeeper/pkg/retry"
)

// lostCommitPool commits transactions normally but can report a connection
// failure after the nth commit has landed.
type lostCommitPool struct {
	gorm.ConnPool
	commits atomic.Int32
	failAt  atomic.Int32
}

// failNth makes the nth commit from now report an error after committing.
func (p *lostCommitPool) failNth(n int32) {
	p.commits.Store(0)
	p.failAt.Store(n)
}

func (p *lostCommitPool) BeginTx(ctx context.Context, opts *sql.TxOptions) (gorm.ConnPool, error) {
	tx, err := p.ConnPool.(gorm.TxBeginner).BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &lostCommitTx{Tx: tx, pool: p}, nil
}

type lostCommitTx struct {
	*sql.Tx
	pool *lostCommitPool
}

func (t *lostCommitTx) Commit() error {
	if err := t.Tx.Commit(); err != nil {
		return err
	}
	if t.pool.commits.Add(1) == t.pool.failAt.Load() {
		return errors.New("connection reset by peer")
	}
	return nil
}

func newLostCommitStore(t *testing.T) (*pagestore.GormStore, *lostCommitPool) {
	t.Helper()
	db, err := database.Connect(database.Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "pagekeeper.db"),
	}, nil)
	require.NoError(t, err)
	require.NoError(t, pagestore.AutoMigrate(db))

	pool := &lostCommitPool{ConnPool: db.ConnPool}
	db.ConnPool = pool
	db.Statement.ConnPool = pool

	rc := retry.Config{MaxAttempts: 3, InitialInterval: 1, MaxInterval: 1}
	return pagestore.NewGormStore(db, rc, hclog.NewNullLogger()), pool
}

func countPageSets(t *testing.T, store *pagestore.GormStore) int64 {
	t.Helper()
	var n int64
	require.NoError(t, store.DB().Model(&models.PageSet{}).Count(&n).Error)
	return n
}

func TestSplit_Gorm_SwapAckLost(t *testing.T) {
	ctx := context.Background()
	store, pool := newLostCommitStore(t)
	src, err := store.Create(ctx, testPages("p1", "p2", "p3"))
	require.NoError(t, err)

	// Commit 1 creates the child, commit 2 swaps the source.
	pool.failNth(2)

	res, err := newEngine(t, store, Config{}).Split(ctx, Request{SourceID: src.ID, Positions: []int{1}})
	require.NoError(t, err)
	assert.Equal(t, pageset.Version(2), res.ParentVersion)

	parent, err := store.Get(ctx, src.ID)
	require.NoError(t, err)
	child, err := store.Get(ctx, res.ChildID)
	require.NoError(t, err)

	assert.Equal(t, pageset.Version(2), parent.Version)
	assert.Equal(t, []string{"p1", "p3"}, trim(locators(parent.Pages)))
	assert.Equal(t, []string{"p2"}, trim(locators(child.Pages)))
	assert.ElementsMatch(t, []string{"p1", "p2", "p3"},
		append(trim(locators(parent.Pages)), trim(locators(child.Pages))...))
	assert.Equal(t, int64(2), countPageSets(t, store))
}

func TestSplit_Gorm_CreateAckLost(t *testing.T) {
	ctx := context.Background()
	store, pool := newLostCommitStore(t)
	src, err := store.Create(ctx, testPages("p1", "p2", "p3"))
	require.NoError(t, err)

	pool.failNth(1)

	res, err := newEngine(t, store, Config{}).Split(ctx, Request{SourceID: src.ID, Positions: []int{1}})
	require.NoError(t, err)

	child, err := store.Get(ctx, res.ChildID)
	require.NoError(t, err)
	assert.Equal(t, []string{"p2"}, trim(locators(child.Pages)))
	assert.Equal(t, int64(2), countPageSets(t, store), "no orphaned child")
}

// concurrentTwinStore commits an identical swap on behalf of another writer
// just before the caller's own swap.
type concurrentTwinStore struct {
	pageset.Store
}

func (s *concurrentTwinStore) CompareAndSwap(ctx context.Context, id string, expected pageset.Version, pages []pageset.PageRef) (pageset.Version, error) {
	if _, err := s.Store.CompareAndSwap(ctx, id, expected, pages); err != nil {
		return 0, err
	}
	return s.Store.CompareAndSwap(ctx, id, expected, pages)
}

func TestSplit_Gorm_IdenticalConcurrentSwapIsAConflict(t *testing.T) {
	ctx := context.Background()
	store, _ := newLostCommitStore(t)
	src, err := store.Create(ctx, testPages("p1", "p2", "p3"))
	require.NoError(t, err)

	_, err = newEngine(t, &concurrentTwinStore{Store: store}, Config{}).Split(ctx, Request{
		SourceID:        src.ID,
		Positions:       []int{1},
		ExpectedVersion: version(1),
	})
	var conflict *pageset.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, pageset.Version(2), conflict.Found)

	// Only the other writer's swap stands; this split's child is gone.
	assert.Equal(t, int64(1), countPageSets(t, store))
}
