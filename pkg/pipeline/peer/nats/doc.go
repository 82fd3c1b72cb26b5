// Package nats publishes normalized events to NATS JetStream and consumes raw
// change stream records from it.
//
// NATS subject (aka topic) patterns:
//   - Case-sensitive, dot-separated, no spaces
//   - Valid chars: alphanumeric, `-` or `_`
//   - Max length: 255 bytes
//
// Events are published to `prefix.db.coll.event_type`, dead letters to
// `prefix.deadletter`. The stream captures `prefix.>`.
//
// Examples:
//   - cdcnorm.shop.orders.created
//   - cdcnorm.shop.orders.order_paid
//
// Payload: JSON
//
// Each message carries the Idempotency-Key header and uses the same value as
// its Nats-Msg-Id, so republishing an event within the stream's duplicate
// window is a no-op.
package nats
