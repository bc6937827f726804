package pagestore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hashicorp-forge/pagekeeper/pkg/pageset"
)

// Memory is an in-process pageset.Store and pageset.ArtifactStore. It is
// used by tests and the development server.
type Memory struct {
	mu        sync.Mutex
	sets      map[string]*pageset.PageSet
	artifacts map[artifactKey]*pageset.MergedArtifact
}

type artifactKey struct {
	id      string
	version pageset.Version
}

var (
	_ pageset.Store         = (*Memory)(nil)
	_ pageset.ArtifactStore = (*Memory)(nil)
)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sets:      make(map[string]*pageset.PageSet),
		artifacts: make(map[artifactKey]*pageset.MergedArtifact),
	}
}

func clonePageSet(ps *pageset.PageSet) *pageset.PageSet {
	out := *ps
	out.Pages = ps.Snapshot()
	return &out
}

func (m *Memory) Get(ctx context.Context, id string) (*pageset.PageSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, pageset.Dependency("Get", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ps, ok := m.sets[id]
	if !ok {
		return nil, pageset.NotFoundf("Get", "page set %s", id)
	}
	return clonePageSet(ps), nil
}

func (m *Memory) Create(ctx context.Context, pages []pageset.PageRef) (*pageset.PageSet, error) {
	if len(pages) == 0 {
		return nil, pageset.Validationf("Create", "a page set needs at least one page")
	}
	if err := ctx.Err(); err != nil {
		return nil, pageset.Dependency("Create", err)
	}

	now := time.Now()
	ps := &pageset.PageSet{
		ID:        uuid.New().String(),
		Version:   pageset.InitialVersion,
		Pages:     append([]pageset.PageRef(nil), pages...),
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	m.sets[ps.ID] = ps
	m.mu.Unlock()

	return clonePageSet(ps), nil
}

func (m *Memory) CompareAndSwap(ctx context.Context, id string, expected pageset.Version, pages []pageset.PageRef) (pageset.Version, error) {
	if err := ctx.Err(); err != nil {
		return 0, pageset.Dependency("CompareAndSwap", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ps, ok := m.sets[id]
	if !ok {
		return 0, pageset.NotFoundf("CompareAndSwap", "page set %s", id)
	}
	if ps.Version != expected {
		return 0, &pageset.ConflictError{ID: id, Expected: expected, Found: ps.Version}
	}

	next := ps.Version + 1
	if len(pages) == 0 {
		delete(m.sets, id)
		return next, nil
	}

	m.sets[id] = &pageset.PageSet{
		ID:        id,
		Version:   next,
		Pages:     append([]pageset.PageRef(nil), pages...),
		CreatedAt: ps.CreatedAt,
		UpdatedAt: time.Now(),
	}
	return next, nil
}

// Delete ignores ctx so rollbacks complete after the caller has gone away.
func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sets[id]; !ok {
		return pageset.NotFoundf("Delete", "page set %s", id)
	}
	delete(m.sets, id)
	return nil
}

func (m *Memory) GetArtifact(ctx context.Context, id string, version pageset.Version) (*pageset.MergedArtifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, pageset.Dependency("GetArtifact", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.artifacts[artifactKey{id, version}]
	if !ok {
		return nil, pageset.NotFoundf("GetArtifact", "no merged artifact for page set %s at version %d", id, version)
	}
	out := *a
	return &out, nil
}

func (m *Memory) PutArtifact(ctx context.Context, a *pageset.MergedArtifact) (*pageset.MergedArtifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, pageset.Dependency("PutArtifact", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := artifactKey{a.PageSetID, a.Version}
	if existing, ok := m.artifacts[key]; ok {
		out := *existing
		return &out, nil
	}

	stored := *a
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	m.artifacts[key] = &stored
	out := stored
	return &out, nil
}

// Len returns the number of live page sets.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sets)
}
