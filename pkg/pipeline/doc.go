// Package pipeline runs change stream records from source `Peer`s through the
// normalizer and delivers the resulting events to sink `Peer`s (ie data
// source/destination).
//
// Supported peer types include Kafka, NATS, MQTT, HTTP endpoints, ClickHouse
// and PostgreSQL. Connectors register themselves with RegisterConnector.
//
// It defines a `Connector` interface that all `Peer` types must implement.
package pipeline
