package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/hashicorp-forge/pagekeeper/pkg/pageset"
	"github.com/hashicorp-forge/pagekeeper/pkg/retry"
)

// Handler processes one page set event. Returning an error leaves the
// record uncommitted.
type Handler interface {
	HandleEvent(ctx context.Context, event PageSetEvent) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, event PageSetEvent) error

// HandleEvent calls f.
func (f HandlerFunc) HandleEvent(ctx context.Context, event PageSetEvent) error {
	return f(ctx, event)
}

// Consumer consumes page set events published by the relay.
type Consumer struct {
	kafkaClient *kgo.Client
	handler     Handler
	eventTypes  map[string]bool
	retry       retry.Config
	logger      hclog.Logger
	stopCh      chan struct{}
}

// ConsumerConfig holds configuration for the consumer.
type ConsumerConfig struct {
	// Kafka/Redpanda configuration
	Brokers       []string
	Topic         string
	ConsumerGroup string

	// ConsumeFromStart reads a new group's partitions from the beginning
	// instead of the end.
	ConsumeFromStart bool

	// EventTypes limits the events passed to Handler. Empty means all.
	EventTypes []string

	Handler Handler

	// Retry bounds redelivery of an event to Handler after a transient
	// failure.
	Retry retry.Config

	Logger hclog.Logger
}

// NewConsumer creates a consumer group member for cfg.Topic.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = "pagekeeper-consumers"
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	offset := kgo.NewOffset().AtEnd()
	if cfg.ConsumeFromStart {
		offset = kgo.NewOffset().AtStart()
	}

	kafkaClient, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topic),

		kgo.ConsumeResetOffset(offset),
		kgo.SessionTimeout(10*time.Second),
		kgo.RebalanceTimeout(30*time.Second),

		// Offsets are committed after the handler succeeds.
		kgo.DisableAutoCommit(),

		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.FetchMinBytes(1),
		kgo.FetchMaxBytes(5<<20), // 5MB
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	c := newConsumer(cfg)
	c.kafkaClient = kafkaClient
	return c, nil
}

func newConsumer(cfg ConsumerConfig) *Consumer {
	types := make(map[string]bool, len(cfg.EventTypes))
	for _, t := range cfg.EventTypes {
		types[t] = true
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Consumer{
		handler:    cfg.Handler,
		eventTypes: types,
		retry:      cfg.Retry,
		logger:     logger.Named("event-consumer"),
		stopCh:     make(chan struct{}),
	}
}

// Start polls and handles records until Stop is called or ctx is done.
func (c *Consumer) Start(ctx context.Context) error {
	group, _ := c.kafkaClient.GroupMetadata()
	c.logger.Info("starting event consumer",
		"consumer_group", group,
	)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("event consumer stopped by context")
			return ctx.Err()

		case <-c.stopCh:
			c.logger.Info("event consumer stopped")
			return nil

		default:
			fetches := c.kafkaClient.PollFetches(ctx)
			if fetches.IsClientClosed() {
				return nil
			}

			if errs := fetches.Errors(); len(errs) > 0 {
				for _, err := range errs {
					c.logger.Error("kafka fetch error", "error", err.Err)
				}
				continue
			}

			fetches.EachPartition(func(p kgo.FetchTopicPartition) {
				c.processPartition(ctx, c.kafkaClient, p.Records)
			})
		}
	}
}

// offsetClient is the part of *kgo.Client that moves a partition's position.
type offsetClient interface {
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	SetOffsets(offsets map[string]map[int32]kgo.EpochOffset)
}

// processPartition handles records of one partition in order. Offsets are a
// watermark, so a transient failure stops the partition and rewinds it to the
// failed record; nothing after it is committed until it succeeds. Records
// failing permanently are logged and committed.
func (c *Consumer) processPartition(ctx context.Context, client offsetClient, records []*kgo.Record) {
	for _, record := range records {
		if err := c.processRecord(ctx, record); err != nil {
			if !pageset.IsPermanent(err) {
				c.logger.Error("failed to process record, will redeliver",
					"partition", record.Partition,
					"offset", record.Offset,
					"error", err,
				)
				client.SetOffsets(map[string]map[int32]kgo.EpochOffset{
					record.Topic: {record.Partition: {Epoch: record.LeaderEpoch, Offset: record.Offset}},
				})
				return
			}
			c.logger.Error("skipping record that cannot be processed",
				"partition", record.Partition,
				"offset", record.Offset,
				"error", err,
			)
		}

		if err := client.CommitRecords(ctx, record); err != nil {
			c.logger.Warn("failed to commit kafka offset",
				"partition", record.Partition,
				"offset", record.Offset,
				"error", err,
			)
		}
	}
}

// Stop gracefully stops the consumer.
func (c *Consumer) Stop() {
	select {
	case <-c.stopCh:
		return
	default:
		close(c.stopCh)
		if c.kafkaClient != nil {
			c.kafkaClient.Close()
		}
	}
}

// processRecord decodes a record and passes it to the handler, retrying
// transient failures.
func (c *Consumer) processRecord(ctx context.Context, record *kgo.Record) error {
	if et := headerValue(record, "event_type"); et != "" && !c.wants(et) {
		return nil
	}

	var event PageSetEvent
	if err := json.Unmarshal(record.Value, &event); err != nil {
		return pageset.Validationf("processRecord", "failed to unmarshal event: %v", err)
	}
	if !c.wants(event.EventType) {
		return nil
	}

	c.logger.Debug("processing event",
		"page_set_id", event.PageSetID,
		"version", event.Version,
		"event_type", event.EventType,
	)

	return retry.Do(ctx, c.retry, c.logger, "HandleEvent", func() error {
		return c.handler.HandleEvent(ctx, event)
	})
}

func (c *Consumer) wants(eventType string) bool {
	return len(c.eventTypes) == 0 || c.eventTypes[eventType]
}

func headerValue(record *kgo.Record, key string) string {
	for _, h := range record.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
