package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/edgeflare/cdcnorm/pkg/cdc"
)

type ConnectorType int

const (
	ConnectorTypeUnknown ConnectorType = iota
	ConnectorTypePub                   // Sink / consumer-only
	ConnectorTypeSub                   // Source / producer-only
	ConnectorTypePubSub                // Source and sink
)

// CanPub reports whether connectors of this type can be used as sinks
func (t ConnectorType) CanPub() bool {
	return t == ConnectorTypePub || t == ConnectorTypePubSub
}

// CanSub reports whether connectors of this type can be used as sources
func (t ConnectorType) CanSub() bool {
	return t == ConnectorTypeSub || t == ConnectorTypePubSub
}

var (
	ErrConnectorTypeMismatch = errors.New("connector type mismatch")
	ErrConnectorNotFound     = errors.New("connector not found")
	ErrPeerNotFound          = errors.New("peer not found")
)

// Record headers set on every published event
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderEventType      = "Event-Type"
	HeaderDropReason     = "Drop-Reason"
)

// Record is a single message moving through a connector. Sources fill Key,
// Value, Headers and Topic from the underlying transport; sinks receive the
// encoded event in Value and the decoded one in Event.
type Record struct {
	Key     []byte
	Value   []byte
	Headers map[string]string
	Topic   string
	Event   *cdc.Event
}

// NewRecord wraps an encoded event for publishing. The key is the entity id
// so that a partitioned transport keeps changes to one document in order.
func NewRecord(event *cdc.Event, value []byte) Record {
	return Record{
		Key:   []byte(event.EntityID),
		Value: value,
		Headers: map[string]string{
			HeaderIdempotencyKey: event.IdempotencyKey,
			HeaderEventType:      event.EventType,
		},
		Event: event,
	}
}

// DeadLetterSegment is the topic token used for records without a decoded
// event, ie. dead letters
const DeadLetterSegment = "deadletter"

// TopicSegments returns the database, collection and event type of event in
// a form usable as topic or subject tokens on any transport. Characters other
// than letters, digits, '-' and '_' become '_'; empty values become "_".
// A nil event yields the single DeadLetterSegment.
func TopicSegments(event *cdc.Event) []string {
	if event == nil {
		return []string{DeadLetterSegment}
	}
	return []string{
		topicToken(event.Source.Namespace.DB),
		topicToken(event.Source.Namespace.Coll),
		topicToken(event.EventType),
	}
}

func topicToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

// A Connector represents a data pipeline component.
type Connector interface {
	// Connect initializes the connector with the provided configuration.
	// The config parameter is a raw JSON message containing connector-specific settings.
	// Additional arguments can be passed via the args parameter.
	Connect(config json.RawMessage, args ...any) error

	// Pub sends the given record to the connector's destination.
	// It returns an error if the publish operation fails.
	Pub(ctx context.Context, record Record) error

	// Sub provides a channel of raw records. The channel is closed when ctx
	// is done or the connector is disconnected.
	Sub(ctx context.Context) (<-chan Record, error)

	// Type returns the type of the connector (SUB, PUB, or PUBSUB)
	Type() ConnectorType

	Disconnect() error
}

// Predefined connectors
const (
	ConnectorClickHouse = "clickhouse"
	ConnectorDebug      = "debug"
	ConnectorHTTP       = "http"
	ConnectorKafka      = "kafka"
	ConnectorMQTT       = "mqtt"
	ConnectorNATS       = "nats"
	ConnectorPostgres   = "postgres"
)

// Factory creates a new, unconnected connector instance
type Factory func() Connector

var (
	factories   = make(map[string]Factory)
	factoriesMu sync.RWMutex
)

// RegisterConnector adds a new connector to the registry.
// The name parameter is used as a key to identify the connector type.
func RegisterConnector(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

// NewConnector returns a fresh instance of the named connector
func NewConnector(name string) (Connector, error) {
	factoriesMu.RLock()
	f, ok := factories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConnectorNotFound, name)
	}
	return f(), nil
}

// Connectors returns the names of all registered connectors
func Connectors() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
