// Package cdc defines the MongoDB change-stream record consumed by cdcnorm and
// the canonical event it is normalized into.
package cdc

import "encoding/json"

// Operation is the change stream operationType of a record
type Operation string

const (
	OpInsert     Operation = "insert"
	OpUpdate     Operation = "update"
	OpReplace    Operation = "replace"
	OpDelete     Operation = "delete"
	OpDrop       Operation = "drop"
	OpRename     Operation = "rename"
	OpInvalidate Operation = "invalidate"
)

// SourceSystem is reported in every normalized event's source block
const SourceSystem = "mongo"

// Namespace identifies the database and collection a change originated from
type Namespace struct {
	DB   string `json:"db"`
	Coll string `json:"coll"`
}

// DocumentKey holds the identifier of the changed document
type DocumentKey struct {
	ID any `json:"_id"`
}

// ChangeEvent is a single change stream record as emitted by MongoDB (or a
// Debezium-style connector in "change stream" output mode).
type ChangeEvent struct {
	Namespace     Namespace      `json:"ns"`
	OperationType Operation      `json:"operationType,omitempty"`
	ClusterTime   string         `json:"clusterTime,omitempty"`
	WallTime      string         `json:"wallTime,omitempty"`
	FullDocument  map[string]any `json:"fullDocument,omitempty"`
	DocumentKey   *DocumentKey   `json:"documentKey,omitempty"`
}

// Marshal returns the JSON wire form of the change event
func (e ChangeEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Source describes where a normalized event came from
type Source struct {
	System    string    `json:"system"`
	Namespace Namespace `json:"ns"`
}

// Event is the canonical normalized event
type Event struct {
	Ts             string         `json:"ts"`
	EventType      string         `json:"event_type"`
	EntityID       string         `json:"entity_id"`
	CorrelationID  string         `json:"correlation_id"`
	Tags           map[string]any `json:"tags"`
	Attrs          map[string]any `json:"attrs"`
	IdempotencyKey string         `json:"idempotency_key"`
	Source         Source         `json:"source"`
}

// Clone returns a copy of the event whose tag and attr maps can be modified
// without affecting e. Values inside the maps are shared.
func (e *Event) Clone() *Event {
	c := *e
	c.Tags = cloneMap(e.Tags)
	c.Attrs = cloneMap(e.Attrs)
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ChangeEventBuilder helps construct change events, mostly for tests and for
// sources that synthesize records (eg MQTT)
type ChangeEventBuilder struct {
	event ChangeEvent
}

func NewChangeEventBuilder() *ChangeEventBuilder {
	return &ChangeEventBuilder{}
}

func (b *ChangeEventBuilder) WithNamespace(db, coll string) *ChangeEventBuilder {
	b.event.Namespace = Namespace{DB: db, Coll: coll}
	return b
}

func (b *ChangeEventBuilder) WithOperation(op Operation) *ChangeEventBuilder {
	b.event.OperationType = op
	return b
}

func (b *ChangeEventBuilder) WithClusterTime(ts string) *ChangeEventBuilder {
	b.event.ClusterTime = ts
	return b
}

func (b *ChangeEventBuilder) WithWallTime(ts string) *ChangeEventBuilder {
	b.event.WallTime = ts
	return b
}

func (b *ChangeEventBuilder) WithFullDocument(doc map[string]any) *ChangeEventBuilder {
	b.event.FullDocument = doc
	return b
}

func (b *ChangeEventBuilder) WithDocumentKey(id any) *ChangeEventBuilder {
	b.event.DocumentKey = &DocumentKey{ID: id}
	return b
}

func (b *ChangeEventBuilder) Build() ChangeEvent {
	return b.event
}
