// Package transform provides utilities for applying transformations to normalized change events in pipelines.
// It's inspired by Debezium's [Single Message Transformations (SMTs)](https://docs.confluent.io/platform/current/connect/transforms/overview.html) usage.
package transform
