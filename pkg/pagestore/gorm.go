package pagestore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hashicorp-forge/pagekeeper/pkg/models"
	"github.com/hashicorp-forge/pagekeeper/pkg/pageset"
	"github.com/hashicorp-forge/pagekeeper/pkg/retry"
)

// GormStore is a pageset.Store and pageset.ArtifactStore backed by a SQL
// database through gorm. Every mutation appends an outbox event in the same
// transaction.
type GormStore struct {
	db     *gorm.DB
	retry  retry.Config
	logger hclog.Logger
}

var (
	_ pageset.Store         = (*GormStore)(nil)
	_ pageset.ArtifactStore = (*GormStore)(nil)
)

// NewGormStore creates a store over db. Transient errors on reads and on
// PutArtifact are retried according to cfg. Create, CompareAndSwap and Delete
// run once: a commit whose acknowledgement is lost must not be replayed.
func NewGormStore(db *gorm.DB, cfg retry.Config, logger hclog.Logger) *GormStore {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &GormStore{
		db:     db,
		retry:  cfg,
		logger: logger.Named("page-store"),
	}
}

// AutoMigrate creates the page set tables with gorm. Used for sqlite and
// tests; postgres deployments run the SQL migrations.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(models.ModelsToAutoMigrate()...)
}

// DB returns the underlying database handle.
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

// do runs an idempotent operation with retries.
func (s *GormStore) do(ctx context.Context, op string, fn func() error) error {
	err := retry.Do(ctx, s.retry, s.logger, "store."+op, fn)
	return pageset.Dependency(op, err)
}

// once runs a mutation a single time.
func (s *GormStore) once(op string, fn func() error) error {
	return pageset.Dependency(op, fn())
}

// readTx runs fn in a transaction that sees one consistent snapshot.
func (s *GormStore) readTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	db := s.db.WithContext(ctx)
	if db.Dialector.Name() == "postgres" {
		return db.Transaction(fn, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	}
	return db.Transaction(fn)
}

func (s *GormStore) Get(ctx context.Context, id string) (*pageset.PageSet, error) {
	var out *pageset.PageSet
	err := s.do(ctx, "Get", func() error {
		return s.readTx(ctx, func(tx *gorm.DB) error {
			var row models.PageSet
			err := tx.First(&row, "id = ?", id).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pageset.NotFoundf("Get", "page set %s", id)
			}
			if err != nil {
				return err
			}

			refs, err := models.GetPageRefs(tx, id)
			if err != nil {
				return err
			}
			row.Pages = refs
			out = fromRow(&row)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *GormStore) Create(ctx context.Context, pages []pageset.PageRef) (*pageset.PageSet, error) {
	if len(pages) == 0 {
		return nil, pageset.Validationf("Create", "a page set needs at least one page")
	}

	id := uuid.NewString()
	var out *pageset.PageSet
	err := s.once("Create", func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			row := &models.PageSet{
				ID:        id,
				Version:   int64(pageset.InitialVersion),
				PageCount: len(pages),
			}
			if err := tx.Omit(clause.Associations).Create(row).Error; err != nil {
				return err
			}

			refs := toRefRows(pages)
			if err := models.ReplacePageRefs(tx, row.ID, refs); err != nil {
				return err
			}
			row.Pages = refs

			event := models.NewOutboxEntry(row.ID, row.Version, models.EventPageSetCreated, pagesPayload(pages))
			if err := tx.Create(event).Error; err != nil {
				return err
			}

			out = fromRow(row)
			return nil
		})
	})
	if errors.Is(err, pageset.ErrDependency) {
		// The commit may have landed before the error; the id tells.
		if ps, getErr := s.Get(ctx, id); getErr == nil {
			s.logger.Warn("page set create committed despite error",
				"id", id,
				"error", err,
			)
			return ps, nil
		}
	}
	if err != nil {
		return nil, err
	}

	s.logger.Debug("created page set", "id", out.ID, "pages", len(pages))
	return out, nil
}

func (s *GormStore) CompareAndSwap(ctx context.Context, id string, expected pageset.Version, pages []pageset.PageRef) (pageset.Version, error) {
	next := expected + 1
	eventType := models.EventPageSetUpdated
	if len(pages) == 0 {
		eventType = models.EventPageSetDeleted
	}

	err := s.once("CompareAndSwap", func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			now := time.Now()
			updates := map[string]interface{}{
				"version":    gorm.Expr("version + 1"),
				"page_count": len(pages),
				"updated_at": now,
			}
			if len(pages) == 0 {
				updates["deleted_at"] = now
			}

			res := tx.Model(&models.PageSet{}).
				Where("id = ? AND version = ?", id, int64(expected)).
				Updates(updates)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return casFailure(tx, id, expected)
			}

			if err := models.ReplacePageRefs(tx, id, toRefRows(pages)); err != nil {
				return err
			}

			event := models.NewOutboxEntry(id, int64(next), eventType, pagesPayload(pages))
			return tx.Create(event).Error
		})
	})
	if err != nil {
		return 0, err
	}

	s.logger.Debug("swapped page set",
		"id", id,
		"version", next,
		"pages", len(pages),
		"event", eventType,
	)
	return next, nil
}

// casFailure reports why an update matched no row.
func casFailure(tx *gorm.DB, id string, expected pageset.Version) error {
	var row models.PageSet
	err := tx.Select("id", "version").First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pageset.NotFoundf("CompareAndSwap", "page set %s", id)
	}
	if err != nil {
		return err
	}
	return &pageset.ConflictError{ID: id, Expected: expected, Found: pageset.Version(row.Version)}
}

func (s *GormStore) Delete(ctx context.Context, id string) error {
	err := s.once("Delete", func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var row models.PageSet
			err := tx.First(&row, "id = ?", id).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pageset.NotFoundf("Delete", "page set %s", id)
			}
			if err != nil {
				return err
			}

			if err := models.ReplacePageRefs(tx, id, nil); err != nil {
				return err
			}
			if err := tx.Unscoped().Delete(&models.PageSet{}, "id = ?", id).Error; err != nil {
				return err
			}

			event := models.NewOutboxEntry(id, row.Version, models.EventPageSetDeleted, nil)
			return tx.Create(event).Error
		})
	})
	if err != nil {
		return err
	}

	s.logger.Debug("deleted page set", "id", id)
	return nil
}

func (s *GormStore) GetArtifact(ctx context.Context, id string, version pageset.Version) (*pageset.MergedArtifact, error) {
	var out *pageset.MergedArtifact
	err := s.do(ctx, "GetArtifact", func() error {
		row, err := models.GetMergedArtifact(s.db.WithContext(ctx), id, int64(version))
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return pageset.NotFoundf("GetArtifact", "no merged artifact for page set %s at version %d", id, version)
		}
		if err != nil {
			return err
		}
		out = fromArtifactRow(row)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *GormStore) PutArtifact(ctx context.Context, a *pageset.MergedArtifact) (*pageset.MergedArtifact, error) {
	var out *pageset.MergedArtifact
	err := s.do(ctx, "PutArtifact", func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			row := &models.MergedArtifact{
				PageSetID:   a.PageSetID,
				Version:     int64(a.Version),
				Locator:     a.Locator,
				ContentHash: a.ContentHash,
				Size:        a.Size,
				PageCount:   a.PageCount,
			}
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(row)
			if res.Error != nil {
				return res.Error
			}

			if res.RowsAffected == 1 {
				event := models.NewOutboxEntry(a.PageSetID, int64(a.Version), models.EventArtifactMerged, map[string]interface{}{
					"locator":     a.Locator,
					"contentHash": a.ContentHash,
					"size":        a.Size,
					"pageCount":   a.PageCount,
				})
				if err := tx.Create(event).Error; err != nil {
					return err
				}
			}

			stored, err := models.GetMergedArtifact(tx, a.PageSetID, int64(a.Version))
			if err != nil {
				return err
			}
			out = fromArtifactRow(stored)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func toRefRows(pages []pageset.PageRef) []models.PageRef {
	refs := make([]models.PageRef, len(pages))
	for i, p := range pages {
		refs[i] = models.PageRef{
			Position:      i,
			Locator:       p.Locator,
			OriginalIndex: p.OriginalIndex,
		}
	}
	return refs
}

func fromRow(row *models.PageSet) *pageset.PageSet {
	pages := make([]pageset.PageRef, len(row.Pages))
	for i, r := range row.Pages {
		pages[i] = pageset.PageRef{Locator: r.Locator, OriginalIndex: r.OriginalIndex}
	}
	return &pageset.PageSet{
		ID:        row.ID,
		Version:   pageset.Version(row.Version),
		Pages:     pages,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
}

func fromArtifactRow(row *models.MergedArtifact) *pageset.MergedArtifact {
	return &pageset.MergedArtifact{
		PageSetID:   row.PageSetID,
		Version:     pageset.Version(row.Version),
		Locator:     row.Locator,
		ContentHash: row.ContentHash,
		Size:        row.Size,
		PageCount:   row.PageCount,
		CreatedAt:   row.CreatedAt,
	}
}

func pagesPayload(pages []pageset.PageRef) map[string]interface{} {
	indexes := make([]int, len(pages))
	for i, p := range pages {
		indexes[i] = p.OriginalIndex
	}
	return map[string]interface{}{
		"pageCount":       len(pages),
		"originalIndexes": indexes,
	}
}
