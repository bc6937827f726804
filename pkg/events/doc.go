// Package events relays page set events from the transactional outbox to a
// Kafka-compatible broker.
//
// The page store appends a row to page_set_outbox in the same transaction as
// every mutation. The relay polls pending rows in commit order and publishes
// them keyed by page set id, so a partition carries a page set's events in
// version order. Consumers deduplicate on the idempotent_key header.
package events
