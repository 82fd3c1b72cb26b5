// Package normalize turns MongoDB change stream records into canonical events
// using a mapping.Spec.
//
// A Normalizer is immutable and safe for concurrent use. It performs no I/O
// and never fails: records that cannot be decoded or encoded are reported as
// dropped through the Result's Outcome, and every other problem degrades to a
// default value.
package normalize

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/edgeflare/cdcnorm/pkg/cdc"
	"github.com/edgeflare/cdcnorm/pkg/mapping"
)

// DefaultEventType is used when a record carries no operationType
const DefaultEventType = "event"

const keyDelimiter = ":"

// Outcome tells the caller what to do with a Result
type Outcome int

const (
	// Emitted results carry an event and its encoded form
	Emitted Outcome = iota
	// DroppedUnparsable means the raw record could not be decoded
	DroppedUnparsable
	// DroppedUnserializable means the event could not be encoded
	DroppedUnserializable
)

func (o Outcome) String() string {
	switch o {
	case Emitted:
		return "emitted"
	case DroppedUnparsable:
		return "unparsable"
	case DroppedUnserializable:
		return "unserializable"
	default:
		return "unknown"
	}
}

// Result is the output of Normalize. Event and Data are set only when
// Outcome is Emitted.
type Result struct {
	Outcome Outcome
	Event   *cdc.Event
	Data    []byte
}

// Dropped reports whether the record must not be forwarded
func (r Result) Dropped() bool {
	return r.Outcome != Emitted
}

// Normalizer maps change records to events
type Normalizer struct {
	spec  *mapping.Spec
	codec Codec
	now   func() time.Time
}

// Option configures a Normalizer
type Option func(*Normalizer)

// WithClock sets the clock used when a record has no usable timestamp
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) {
		if now != nil {
			n.now = now
		}
	}
}

// WithCodec replaces the JSON codec
func WithCodec(c Codec) Option {
	return func(n *Normalizer) {
		if c != nil {
			n.codec = c
		}
	}
}

// New returns a Normalizer for spec. A nil spec matches nothing.
func New(spec *mapping.Spec, opts ...Option) *Normalizer {
	if spec == nil {
		spec = mapping.Empty()
	}
	n := &Normalizer{
		spec:  spec,
		codec: JSONCodec{},
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Spec returns the mapping in use
func (n *Normalizer) Spec() *mapping.Spec {
	return n.spec
}

// Normalize decodes raw, maps it and encodes the resulting event.
func (n *Normalizer) Normalize(raw []byte) Result {
	record, err := n.codec.Decode(raw)
	if err != nil {
		return Result{Outcome: DroppedUnparsable}
	}

	event := n.NormalizeChange(record)
	data, err := n.codec.Encode(&event)
	if err != nil {
		return Result{Outcome: DroppedUnserializable}
	}
	return Result{Outcome: Emitted, Event: &event, Data: data}
}

// NormalizeChange maps an already decoded change record. It always returns
// an event; missing inputs fall back to defaults.
func (n *Normalizer) NormalizeChange(record map[string]any) cdc.Event {
	db, coll := namespace(record)
	rule := n.spec.Match(db, coll)

	op := text(record["operationType"])
	if op == "" {
		op = DefaultEventType
	}
	eventType := rule.Override.EventType(record, op)

	doc, _ := record["fullDocument"].(map[string]any)
	entityID := text(doc["_id"])

	correlationID := entityID
	if key, ok := record["documentKey"].(map[string]any); ok && key["_id"] != nil {
		correlationID = text(key["_id"])
	}

	tags := mapping.ExtractTags(rule.Tags, doc)
	attrs := mapping.ExtractAttrs(rule.Attrs, record)
	if n.spec.Defaults().HashPII && len(rule.PII) > 0 {
		mapping.HashPII(tags, rule.PII)
		mapping.HashPII(attrs, rule.PII)
	}

	return cdc.Event{
		Ts:             n.timestamp(record),
		EventType:      eventType,
		EntityID:       entityID,
		CorrelationID:  correlationID,
		Tags:           tags,
		Attrs:          attrs,
		IdempotencyKey: IdempotencyKey(entityID, op, text(record["clusterTime"])),
		Source: cdc.Source{
			System:    cdc.SourceSystem,
			Namespace: cdc.Namespace{DB: db, Coll: coll},
		},
	}
}

// IdempotencyKey joins the source system, entity id, operation type
// (DefaultEventType when absent) and the raw cluster time, eg "mongo:o1:insert:2024-05-01T10:00:00Z".
func IdempotencyKey(entityID, op, clusterTime string) string {
	return strings.Join([]string{cdc.SourceSystem, entityID, op, clusterTime}, keyDelimiter)
}

func namespace(record map[string]any) (string, string) {
	ns, _ := record["ns"].(map[string]any)
	return text(ns["db"]), text(ns["coll"])
}

// text renders identifiers and raw values. Extended JSON ObjectIds
// ({"$oid": "..."}) render as the hex string; other objects and arrays
// render as compact JSON.
func text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case map[string]any:
		if oid, ok := t["$oid"].(string); ok && len(t) == 1 {
			return oid
		}
	case []any:
	default:
		return mapping.Text(v)
	}

	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
