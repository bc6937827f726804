package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/twmb/franz-go/pkg/kgo"
	"gorm.io/gorm"

	"github.com/hashicorp-forge/pagekeeper/pkg/models"
)

// Producer publishes records synchronously. *kgo.Client implements it.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Relay polls the page_set_outbox table and publishes events to Kafka or
// Redpanda.
type Relay struct {
	db           *gorm.DB
	producer     Producer
	topic        string
	logger       hclog.Logger
	pollInterval time.Duration
	batchSize    int
	stopCh       chan struct{}
}

// Config holds configuration for the relay service.
type Config struct {
	// Database connection
	DB *gorm.DB

	// Kafka/Redpanda configuration
	Brokers []string
	Topic   string

	// Producer overrides the franz-go client built from Brokers.
	Producer Producer

	// Polling configuration
	PollInterval time.Duration // How often to poll the outbox (default: 1s)
	BatchSize    int           // How many outbox entries to process per batch (default: 100)

	Logger hclog.Logger
}

// New creates a new outbox relay service.
func New(cfg Config) (*Relay, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("database is required")
	}
	if cfg.Producer == nil && len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}

	if cfg.PollInterval == 0 {
		cfg.PollInterval = 1 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	producer := cfg.Producer
	if producer == nil {
		client, err := NewClient(cfg.Brokers)
		if err != nil {
			return nil, err
		}
		producer = client
	}

	return &Relay{
		db:           cfg.DB,
		producer:     producer,
		topic:        cfg.Topic,
		logger:       cfg.Logger.Named("outbox-relay"),
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		stopCh:       make(chan struct{}),
	}, nil
}

// NewClient creates a durable franz-go producer for brokers.
func NewClient(brokers []string) (*kgo.Client, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),

		// Producer durability settings
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.GzipCompression()),

		kgo.RetryBackoffFn(func(tries int) time.Duration {
			backoff := time.Duration(tries) * 100 * time.Millisecond
			if backoff > 60*time.Second {
				backoff = 60 * time.Second
			}
			return backoff
		}),
		kgo.RequestRetries(10),

		kgo.ProducerLinger(10*time.Millisecond),
		kgo.ProducerBatchMaxBytes(1<<20), // 1MB
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return client, nil
}

// Start runs the polling loop until Stop is called or ctx is cancelled.
func (r *Relay) Start(ctx context.Context) error {
	r.logger.Info("starting outbox relay service",
		"poll_interval", r.pollInterval,
		"batch_size", r.batchSize,
		"topic", r.topic,
	)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay service stopped by context")
			return ctx.Err()

		case <-r.stopCh:
			r.logger.Info("outbox relay service stopped")
			return nil

		case <-ticker.C:
			if err := r.processBatch(ctx); err != nil {
				r.logger.Error("failed to process outbox batch", "error", err)
			}
		}
	}
}

// Stop gracefully stops the relay service.
func (r *Relay) Stop() {
	close(r.stopCh)
	r.producer.Close()
}

// processBatch publishes pending outbox entries in commit order. A page set
// with a failed entry is held back until RetryFailed so its events are never
// published out of order.
func (r *Relay) processBatch(ctx context.Context) error {
	entries, err := models.FindPendingOutboxEntries(r.db.WithContext(ctx), r.batchSize)
	if err != nil {
		return fmt.Errorf("failed to find pending outbox entries: %w", err)
	}

	if len(entries) == 0 {
		return nil
	}

	failedIDs, err := models.FailedOutboxPageSetIDs(r.db.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to find held page sets: %w", err)
	}
	held := make(map[string]bool, len(failedIDs))
	for _, id := range failedIDs {
		held[id] = true
	}

	r.logger.Debug("processing outbox batch", "count", len(entries), "held", len(held))

	successCount := 0
	failCount := 0
	heldCount := 0

	for i := range entries {
		entry := &entries[i]
		if held[entry.PageSetID] {
			heldCount++
			continue
		}

		if err := r.publishEntry(ctx, entry); err != nil {
			r.logger.Error("failed to publish outbox entry",
				"outbox_id", entry.ID,
				"page_set_id", entry.PageSetID,
				"error", err,
			)

			if markErr := entry.MarkAsFailed(r.db, err); markErr != nil {
				r.logger.Error("failed to mark outbox entry as failed",
					"outbox_id", entry.ID,
					"error", markErr,
				)
			}

			held[entry.PageSetID] = true
			failCount++
			continue
		}

		if err := entry.MarkAsPublished(r.db); err != nil {
			r.logger.Error("failed to mark outbox entry as published",
				"outbox_id", entry.ID,
				"error", err,
			)
			held[entry.PageSetID] = true
			failCount++
			continue
		}

		successCount++
	}

	r.logger.Info("processed outbox batch",
		"total", len(entries),
		"success", successCount,
		"failed", failCount,
		"held", heldCount,
	)

	return nil
}

// publishEntry publishes a single outbox entry.
func (r *Relay) publishEntry(ctx context.Context, entry *models.PageSetOutbox) error {
	event := PageSetEvent{
		ID:            entry.ID,
		PageSetID:     entry.PageSetID,
		Version:       entry.Version,
		EventType:     entry.EventType,
		IdempotentKey: entry.IdempotentKey,
		Payload:       entry.Payload,
		Timestamp:     entry.CreatedAt,
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	// Key: page set id (ensures ordering of events for the same page set)
	record := &kgo.Record{
		Topic: r.topic,
		Key:   []byte(entry.PageSetID),
		Value: eventJSON,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(entry.EventType)},
			{Key: "version", Value: []byte(strconv.FormatInt(entry.Version, 10))},
			{Key: "idempotent_key", Value: []byte(entry.IdempotentKey)},
		},
	}

	if err := r.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("failed to publish to kafka: %w", err)
	}

	r.logger.Debug("published event to kafka",
		"outbox_id", entry.ID,
		"page_set_id", entry.PageSetID,
		"version", entry.Version,
		"event_type", entry.EventType,
	)

	return nil
}

// CleanupOldEntries removes published outbox entries older than olderThan.
func (r *Relay) CleanupOldEntries(olderThan time.Duration) error {
	deleted, err := models.DeleteOldPublishedEntries(r.db, olderThan)
	if err != nil {
		return fmt.Errorf("failed to cleanup old outbox entries: %w", err)
	}

	r.logger.Info("cleaned up old outbox entries",
		"deleted", deleted,
		"older_than", olderThan,
	)

	return nil
}

// RunCleanup calls CleanupOldEntries every interval until ctx is done.
func (r *Relay) RunCleanup(ctx context.Context, interval, olderThan time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if err := r.CleanupOldEntries(olderThan); err != nil {
				r.logger.Error("outbox cleanup failed", "error", err)
			}
		}
	}
}

// RetryFailed resets up to limit failed entries to pending and republishes
// them.
func (r *Relay) RetryFailed(ctx context.Context, limit int) error {
	failed, err := models.GetFailedOutboxEntries(r.db, limit)
	if err != nil {
		return fmt.Errorf("failed to get failed outbox entries: %w", err)
	}

	if len(failed) == 0 {
		r.logger.Info("no failed outbox entries to retry")
		return nil
	}

	r.logger.Info("retrying failed outbox entries", "count", len(failed))

	for i := range failed {
		entry := &failed[i]
		if err := entry.Retry(r.db); err != nil {
			r.logger.Error("failed to reset outbox entry to pending",
				"outbox_id", entry.ID,
				"error", err,
			)
		}
	}

	// Pending entries are published in commit order with the rest.
	return r.processBatch(ctx)
}

// GetStats returns statistics about the outbox state.
func (r *Relay) GetStats() (OutboxStats, error) {
	var stats OutboxStats

	pending, err := models.CountOutboxByStatus(r.db, models.OutboxStatusPending)
	if err != nil {
		return stats, err
	}
	stats.Pending = pending

	published, err := models.CountOutboxByStatus(r.db, models.OutboxStatusPublished)
	if err != nil {
		return stats, err
	}
	stats.Published = published

	failed, err := models.CountOutboxByStatus(r.db, models.OutboxStatusFailed)
	if err != nil {
		return stats, err
	}
	stats.Failed = failed

	return stats, nil
}

// PageSetEvent is the message published for each outbox entry.
type PageSetEvent struct {
	ID            uint                   `json:"id"`
	PageSetID     string                 `json:"pageSetId"`
	Version       int64                  `json:"version"`
	EventType     string                 `json:"eventType"`
	IdempotentKey string                 `json:"idempotentKey"`
	Payload       map[string]interface{} `json:"payload"`
	Timestamp     time.Time              `json:"timestamp"`
}

// OutboxStats contains statistics about the outbox state.
type OutboxStats struct {
	Pending   int64 `json:"pending"`
	Published int64 `json:"published"`
	Failed    int64 `json:"failed"`
}
