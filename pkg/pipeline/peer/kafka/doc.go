// Package kafka publishes normalized events to Kafka and consumes raw change
// stream records from it.
//
// Kafka topic naming conventions:
// - Case-sensitive, no spaces
// - Valid chars: alphanumeric, `.`, `-`, `_`
// - Recommended max length: 249 bytes (to avoid potential issues)
//
// A sink without a fixed `topic` uses the `[prefix].[db].[coll].[event_type]`
// pattern; dead letters go to `[prefix].deadletter`.
//
// Examples:
// - cdcnorm.shop.orders.created
// - cdcnorm.shop.orders.order_paid
//
// Message Format:
// - Key: entity id, so changes to one document stay on one partition
// - Value: JSON event (or the untouched raw record for dead letters)
// - Headers: Idempotency-Key, Event-Type, Drop-Reason
//
// A source reads the configured `topics` with consumer group `groupID` and
// marks offsets once a record has been handed to the pipeline.
package kafka
