package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PageSet is the persisted head of a page set. Version is bumped by every
// committed mutation and is the only authority for the set's current state.
type PageSet struct {
	ID        string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	Version   int64          `gorm:"not null;default:1" json:"version"`
	PageCount int            `gorm:"not null;default:0" json:"pageCount"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	// Pages in order. Loaded explicitly; never saved through the association.
	Pages []PageRef `gorm:"foreignKey:PageSetID;constraint:OnDelete:CASCADE" json:"pages,omitempty"`
}

// TableName specifies the table name.
func (PageSet) TableName() string {
	return "page_sets"
}

// BeforeCreate hook to ensure ID and Version are set.
func (ps *PageSet) BeforeCreate(tx *gorm.DB) error {
	if ps.ID == "" {
		ps.ID = uuid.New().String()
	}
	if ps.Version == 0 {
		ps.Version = 1
	}
	return nil
}

// PageRef is one page of a page set at a position.
type PageRef struct {
	ID            uint   `gorm:"primaryKey" json:"-"`
	PageSetID     string `gorm:"type:varchar(36);not null;uniqueIndex:idx_page_refs_position" json:"pageSetId"`
	Position      int    `gorm:"not null;uniqueIndex:idx_page_refs_position" json:"position"`
	Locator       string `gorm:"type:varchar(1024);not null" json:"locator"`
	OriginalIndex int    `gorm:"not null" json:"originalIndex"`
}

// TableName specifies the table name.
func (PageRef) TableName() string {
	return "page_refs"
}

// GetPageRefs returns the pages of a page set ordered by position.
func GetPageRefs(db *gorm.DB, pageSetID string) ([]PageRef, error) {
	var refs []PageRef
	err := db.Where("page_set_id = ?", pageSetID).
		Order("position ASC").
		Find(&refs).Error
	return refs, err
}

// ReplacePageRefs deletes the existing pages of a page set and inserts refs
// at positions 0..len(refs)-1. Must run inside a transaction.
func ReplacePageRefs(tx *gorm.DB, pageSetID string, refs []PageRef) error {
	if err := tx.Where("page_set_id = ?", pageSetID).Delete(&PageRef{}).Error; err != nil {
		return err
	}
	if len(refs) == 0 {
		return nil
	}
	for i := range refs {
		refs[i].ID = 0
		refs[i].PageSetID = pageSetID
		refs[i].Position = i
	}
	return tx.Create(&refs).Error
}

// MergedArtifact records the combined artifact computed for a page set at
// one version. (page_set_id, version) is unique.
type MergedArtifact struct {
	ID          uint      `gorm:"primaryKey" json:"-"`
	PageSetID   string    `gorm:"type:varchar(36);not null;uniqueIndex:idx_merged_artifacts_version" json:"pageSetId"`
	Version     int64     `gorm:"not null;uniqueIndex:idx_merged_artifacts_version" json:"version"`
	Locator     string    `gorm:"type:varchar(1024);not null" json:"locator"`
	ContentHash string    `gorm:"type:varchar(71);not null" json:"contentHash"` // "sha256:" + 64 hex
	Size        int64     `gorm:"not null" json:"size"`
	PageCount   int       `gorm:"not null" json:"pageCount"`
	CreatedAt   time.Time `json:"createdAt"`
}

// TableName specifies the table name.
func (MergedArtifact) TableName() string {
	return "merged_artifacts"
}

// GetMergedArtifact retrieves the artifact for (pageSetID, version).
func GetMergedArtifact(db *gorm.DB, pageSetID string, version int64) (*MergedArtifact, error) {
	var a MergedArtifact
	err := db.Where("page_set_id = ? AND version = ?", pageSetID, version).First(&a).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}
