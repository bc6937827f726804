package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// PageSetOutbox stores page set events for reliable downstream delivery.
// Rows are appended in the same transaction as the mutation they describe.
type PageSetOutbox struct {
	ID uint `gorm:"primaryKey" json:"id"`

	PageSetID string `gorm:"type:varchar(36);not null;index:idx_page_set_outbox_page_set_id" json:"pageSetId"`
	Version   int64  `gorm:"not null" json:"version"`

	// Idempotency key: {page_set_id}:{version}:{event_type}
	IdempotentKey string `gorm:"type:varchar(128);not null;uniqueIndex" json:"idempotentKey"`

	EventType string `gorm:"type:varchar(50);not null" json:"eventType"`

	Payload map[string]interface{} `gorm:"serializer:json;type:jsonb;not null" json:"payload"`

	// Outbox state
	Status          string     `gorm:"type:varchar(20);not null;default:'pending';index:idx_page_set_outbox_status" json:"status"` // 'pending', 'published', 'failed'
	PublishedAt     *time.Time `json:"publishedAt,omitempty"`
	PublishAttempts int        `gorm:"default:0" json:"publishAttempts"`
	LastError       string     `gorm:"type:text" json:"lastError,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName specifies the table name.
func (PageSetOutbox) TableName() string {
	return "page_set_outbox"
}

// Event types.
const (
	EventPageSetCreated = "pageset.created"
	EventPageSetUpdated = "pageset.updated"
	EventPageSetDeleted = "pageset.deleted"
	EventArtifactMerged = "artifact.merged"
)

// OutboxStatus constants
const (
	OutboxStatusPending   = "pending"
	OutboxStatusPublished = "published"
	OutboxStatusFailed    = "failed"
)

// GenerateIdempotentKey creates a unique key for a page set event.
// Format: {page_set_id}:{version}:{event_type}
func GenerateIdempotentKey(pageSetID string, version int64, eventType string) string {
	return fmt.Sprintf("%s:%d:%s", pageSetID, version, eventType)
}

// BeforeCreate hook to ensure required fields.
func (o *PageSetOutbox) BeforeCreate(tx *gorm.DB) error {
	if o.PageSetID == "" {
		return fmt.Errorf("page_set_id is required")
	}
	if o.Version == 0 {
		return fmt.Errorf("version is required")
	}
	if o.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if o.Payload == nil {
		o.Payload = map[string]interface{}{}
	}
	if o.IdempotentKey == "" {
		o.IdempotentKey = GenerateIdempotentKey(o.PageSetID, o.Version, o.EventType)
	}
	if o.Status == "" {
		o.Status = OutboxStatusPending
	}
	return nil
}

// NewOutboxEntry creates a pending outbox entry.
func NewOutboxEntry(pageSetID string, version int64, eventType string, payload map[string]interface{}) *PageSetOutbox {
	return &PageSetOutbox{
		PageSetID:     pageSetID,
		Version:       version,
		EventType:     eventType,
		IdempotentKey: GenerateIdempotentKey(pageSetID, version, eventType),
		Payload:       payload,
		Status:        OutboxStatusPending,
	}
}

// FindPendingOutboxEntries retrieves pending outbox entries in commit order.
func FindPendingOutboxEntries(db *gorm.DB, limit int) ([]PageSetOutbox, error) {
	var entries []PageSetOutbox
	err := db.
		Where("status = ?", OutboxStatusPending).
		Order("id ASC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// MarkAsPublished marks the outbox entry as successfully published.
func (o *PageSetOutbox) MarkAsPublished(db *gorm.DB) error {
	now := time.Now()
	o.Status = OutboxStatusPublished
	o.PublishedAt = &now
	return db.Model(o).Updates(map[string]interface{}{
		"status":       OutboxStatusPublished,
		"published_at": now,
		"updated_at":   now,
	}).Error
}

// MarkAsFailed marks the outbox entry as failed with error details.
func (o *PageSetOutbox) MarkAsFailed(db *gorm.DB, err error) error {
	o.PublishAttempts++
	o.Status = OutboxStatusFailed
	o.LastError = err.Error()

	return db.Model(o).Updates(map[string]interface{}{
		"status":           OutboxStatusFailed,
		"publish_attempts": o.PublishAttempts,
		"last_error":       err.Error(),
		"updated_at":       time.Now(),
	}).Error
}

// Retry resets the outbox entry status to pending for retry.
func (o *PageSetOutbox) Retry(db *gorm.DB) error {
	o.Status = OutboxStatusPending
	o.LastError = ""
	return db.Model(o).Updates(map[string]interface{}{
		"status":     OutboxStatusPending,
		"last_error": "",
		"updated_at": time.Now(),
	}).Error
}

// DeleteOldPublishedEntries removes published entries older than the specified duration.
func DeleteOldPublishedEntries(db *gorm.DB, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	result := db.
		Where("status = ? AND published_at < ?", OutboxStatusPublished, cutoff).
		Delete(&PageSetOutbox{})

	return result.RowsAffected, result.Error
}

// GetOutboxByIdempotentKey retrieves an outbox entry by its idempotent key.
func GetOutboxByIdempotentKey(db *gorm.DB, key string) (*PageSetOutbox, error) {
	var entry PageSetOutbox
	err := db.Where("idempotent_key = ?", key).First(&entry).Error
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// GetFailedOutboxEntries retrieves failed outbox entries for manual review/retry.
func GetFailedOutboxEntries(db *gorm.DB, limit int) ([]PageSetOutbox, error) {
	var entries []PageSetOutbox
	err := db.
		Where("status = ?", OutboxStatusFailed).
		Order("updated_at DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// CountOutboxByStatus returns the count of entries for a given status.
func CountOutboxByStatus(db *gorm.DB, status string) (int64, error) {
	var count int64
	err := db.Model(&PageSetOutbox{}).
		Where("status = ?", status).
		Count(&count).Error
	return count, err
}

// FailedOutboxPageSetIDs returns the page sets that have failed entries.
func FailedOutboxPageSetIDs(db *gorm.DB) ([]string, error) {
	var ids []string
	err := db.Model(&PageSetOutbox{}).
		Where("status = ?", OutboxStatusFailed).
		Distinct().
		Pluck("page_set_id", &ids).Error
	return ids, err
}
