package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/edgeflare/cdcnorm/internal/testutil"
	"github.com/edgeflare/cdcnorm/pkg/cdc"
	"github.com/edgeflare/cdcnorm/pkg/mapping"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

func clock() time.Time { return fixedNow }

func fixtureSpec(t *testing.T) *mapping.Spec {
	t.Helper()
	data, err := testutil.LoadFile("mapping.yml")
	require.NoError(t, err)
	spec, err := mapping.Parse(data)
	require.NoError(t, err)
	return spec
}

func normalizeFixture(t *testing.T, n *Normalizer, name string) *cdc.Event {
	t.Helper()
	raw, err := testutil.LoadFile(name)
	require.NoError(t, err)

	res := n.Normalize(raw)
	require.Equal(t, Emitted, res.Outcome)
	require.NotNil(t, res.Event)
	return res.Event
}

func sha(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestIdempotencyKey(t *testing.T) {
	assert.Equal(t, "mongo:o1:insert:2024-05-01T10:00:00Z", IdempotencyKey("o1", "insert", "2024-05-01T10:00:00Z"))
	assert.Equal(t, "mongo:::", IdempotencyKey("", "", ""))
	assert.Equal(t,
		IdempotencyKey("o1", "update", "2024-05-01T10:00:00Z"),
		IdempotencyKey("o1", "update", "2024-05-01T10:00:00Z"))
}

func TestNormalizeEndToEnd(t *testing.T) {
	spec := mapping.NewSpec(mapping.Defaults{HashPII: true}, mapping.Rule{DB: "shop", Coll: "orders", Tags: []string{"status"}})
	n := New(spec, WithClock(clock))

	raw := []byte(`{
		"ns": {"db": "shop", "coll": "orders"},
		"operationType": "insert",
		"clusterTime": "2024-05-01T10:00:00Z",
		"fullDocument": {"_id": "o1", "status": "paid"},
		"documentKey": {"_id": "o1"}
	}`)

	res := n.Normalize(raw)
	require.Equal(t, Emitted, res.Outcome)
	assert.False(t, res.Dropped())

	ev := res.Event
	assert.Equal(t, map[string]any{"status": "paid"}, ev.Tags)
	assert.Equal(t, map[string]any{}, ev.Attrs)
	assert.Equal(t, "o1", ev.EntityID)
	assert.Equal(t, "o1", ev.CorrelationID)
	assert.Equal(t, "insert", ev.EventType)
	assert.Equal(t, "2024-05-01T10:00:00Z", ev.Ts)
	assert.Equal(t, "mongo:o1:insert:2024-05-01T10:00:00Z", ev.IdempotencyKey)
	assert.Equal(t, cdc.Source{System: "mongo", Namespace: cdc.Namespace{DB: "shop", Coll: "orders"}}, ev.Source)

	assert.JSONEq(t, `{
		"ts": "2024-05-01T10:00:00Z",
		"event_type": "insert",
		"entity_id": "o1",
		"correlation_id": "o1",
		"tags": {"status": "paid"},
		"attrs": {},
		"idempotency_key": "mongo:o1:insert:2024-05-01T10:00:00Z",
		"source": {"system": "mongo", "ns": {"db": "shop", "coll": "orders"}}
	}`, string(res.Data))
}

func TestNormalizeNoMatchingRule(t *testing.T) {
	n := New(fixtureSpec(t), WithClock(clock))

	testCases := []struct {
		name      string
		record    map[string]any
		eventType string
	}{
		{
			name: "other namespace",
			record: map[string]any{
				"ns":            map[string]any{"db": "crm", "coll": "leads"},
				"operationType": "delete",
				"fullDocument":  map[string]any{"_id": "l1", "status": "open"},
			},
			eventType: "delete",
		},
		{
			name: "case sensitive namespace",
			record: map[string]any{
				"ns":            map[string]any{"db": "Shop", "coll": "orders"},
				"operationType": "insert",
				"fullDocument":  map[string]any{"status": "paid"},
			},
			eventType: "insert",
		},
		{
			name:      "no namespace and no operation",
			record:    map[string]any{},
			eventType: DefaultEventType,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ev := n.NormalizeChange(tc.record)
			assert.Equal(t, tc.eventType, ev.EventType)
			assert.Equal(t, map[string]any{}, ev.Tags)
			assert.Equal(t, map[string]any{}, ev.Attrs)
		})
	}

	ev := n.NormalizeChange(map[string]any{})
	assert.Equal(t, cdc.Namespace{}, ev.Source.Namespace)
	assert.Equal(t, "", ev.EntityID)
	assert.Equal(t, "", ev.CorrelationID)
	assert.Equal(t, "event", ev.EventType)
	assert.Equal(t, "mongo::event:", ev.IdempotencyKey, "missing operationType keys on the default event type")
}

func TestNormalizeEventTypeOverride(t *testing.T) {
	n := New(fixtureSpec(t), WithClock(clock))

	for op, want := range map[string]string{
		"insert":  "created",
		"update":  "changed",
		"replace": "changed",
		"delete":  "changed",
	} {
		t.Run(op, func(t *testing.T) {
			ev := n.NormalizeChange(map[string]any{
				"ns":            map[string]any{"db": "shop", "coll": "orders"},
				"operationType": op,
			})
			assert.Equal(t, want, ev.EventType)
		})
	}
}

func TestNormalizeFixtures(t *testing.T) {
	n := New(fixtureSpec(t), WithClock(clock))

	t.Run("insert", func(t *testing.T) {
		ev := normalizeFixture(t, n, "change_insert.json")

		assert.Equal(t, "created", ev.EventType)
		assert.Equal(t, "2024-05-01T10:00:00Z", ev.Ts)
		assert.Equal(t, "mongo:o1:insert:2024-05-01T10:00:00Z", ev.IdempotencyKey)
		assert.Equal(t, map[string]any{
			"status":        "paid",
			"customer.tier": sha("gold"),
		}, ev.Tags, "missing tag skipped, pii tag hashed")
		assert.Equal(t, map[string]any{
			"total":             json.Number("129.5"),
			"note":              nil,
			"payment_latency_s": int64(90),
		}, ev.Attrs)
	})

	t.Run("update with object id", func(t *testing.T) {
		ev := normalizeFixture(t, n, "change_update.json")

		assert.Equal(t, "changed", ev.EventType)
		assert.Equal(t, "663218a5f1c2a3b4c5d6e7f8", ev.EntityID)
		assert.Equal(t, "663218a5f1c2a3b4c5d6e7f8", ev.CorrelationID)
		assert.Equal(t, "2024-05-01T08:05:00Z", ev.Ts, "offset converted to UTC")
		assert.Equal(t, "mongo:663218a5f1c2a3b4c5d6e7f8:update:2024-05-01T10:05:00+02:00", ev.IdempotencyKey,
			"key uses the raw cluster time")
		assert.Equal(t, map[string]any{"status": "shipped"}, ev.Tags)
		assert.NotContains(t, ev.Attrs, "payment_latency_s", "unparsable timestamp omits the computed field")
	})
}

func TestNormalizeHashPIIDisabled(t *testing.T) {
	spec, err := mapping.Parse([]byte(`
defaults: {hash_pii: false}
mappings:
  - match: {ns.db: shop, ns.coll: customers}
    tags: [email]
    pii: [email]
`))
	require.NoError(t, err)

	ev := New(spec).NormalizeChange(map[string]any{
		"ns":           map[string]any{"db": "shop", "coll": "customers"},
		"fullDocument": map[string]any{"email": "annek@noanswer.org"},
	})
	assert.Equal(t, "annek@noanswer.org", ev.Tags["email"])
}

func TestNormalizeCorrelationID(t *testing.T) {
	n := New(nil, WithClock(clock))

	testCases := []struct {
		name   string
		record map[string]any
		want   string
	}{
		{
			name:   "document key",
			record: map[string]any{"fullDocument": map[string]any{"_id": "o1"}, "documentKey": map[string]any{"_id": "k1"}},
			want:   "k1",
		},
		{
			name:   "missing document key",
			record: map[string]any{"fullDocument": map[string]any{"_id": "o1"}},
			want:   "o1",
		},
		{
			name:   "null document key id",
			record: map[string]any{"fullDocument": map[string]any{"_id": "o1"}, "documentKey": map[string]any{"_id": nil}},
			want:   "o1",
		},
		{
			name:   "numeric id",
			record: map[string]any{"documentKey": map[string]any{"_id": json.Number("42")}},
			want:   "42",
		},
		{
			name:   "compound id",
			record: map[string]any{"documentKey": map[string]any{"_id": map[string]any{"b": "2", "a": "1"}}},
			want:   `{"a":"1","b":"2"}`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, n.NormalizeChange(tc.record).CorrelationID)
		})
	}
}

func TestNormalizeTimestamp(t *testing.T) {
	n := New(nil, WithClock(clock))
	now := "2026-03-14T15:09:26Z"

	testCases := []struct {
		name   string
		record map[string]any
		want   string
	}{
		{name: "missing", record: map[string]any{}, want: now},
		{name: "blank", record: map[string]any{"clusterTime": "  "}, want: now},
		{name: "unparsable", record: map[string]any{"clusterTime": "yesterday"}, want: now},
		{name: "minutes precision", record: map[string]any{"clusterTime": "2024-05-01T10:00Z"}, want: "2024-05-01T10:00:00Z"},
		{name: "minutes precision with offset", record: map[string]any{"clusterTime": "2024-05-01T12:00+02:00"}, want: "2024-05-01T10:00:00Z"},
		{name: "fractional seconds", record: map[string]any{"clusterTime": "2024-05-01T10:00:00.123Z"}, want: "2024-05-01T10:00:00.123Z"},
		{name: "wall time fallback", record: map[string]any{"clusterTime": "bad", "wallTime": "2024-05-01T10:00:00Z"}, want: "2024-05-01T10:00:00Z"},
		{name: "unix seconds", record: map[string]any{"clusterTime": json.Number("1714557600")}, want: "2024-05-01T10:00:00Z"},
		{
			name:   "bson timestamp",
			record: map[string]any{"clusterTime": map[string]any{"$timestamp": map[string]any{"t": json.Number("1714557600"), "i": json.Number("1")}}},
			want:   "2024-05-01T10:00:00Z",
		},
		{
			name:   "extended json date",
			record: map[string]any{"wallTime": map[string]any{"$date": json.Number("1714557600500")}},
			want:   "2024-05-01T10:00:00.5Z",
		},
		{
			name:   "extended json date numberLong",
			record: map[string]any{"wallTime": map[string]any{"$date": map[string]any{"$numberLong": "1714557600000"}}},
			want:   "2024-05-01T10:00:00Z",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, n.NormalizeChange(tc.record).Ts)
		})
	}
}

func TestNormalizeMissingOperationType(t *testing.T) {
	res := New(nil, WithClock(clock)).Normalize([]byte(`{"documentKey": {"_id": "o1"}, "fullDocument": {"_id": "o1"}, "clusterTime": "2024-05-01T10:00Z"}`))
	require.Equal(t, Emitted, res.Outcome)
	assert.Equal(t, "event", res.Event.EventType)
	assert.Equal(t, "mongo:o1:event:2024-05-01T10:00Z", res.Event.IdempotencyKey)
	assert.Equal(t, "2024-05-01T10:00:00Z", res.Event.Ts)
}

func TestNormalizeMissingClusterTimeUsesWallClock(t *testing.T) {
	before := time.Now().Add(-time.Second)
	ev := New(nil).NormalizeChange(map[string]any{"operationType": "insert"})

	ts, err := time.Parse(time.RFC3339Nano, ev.Ts)
	require.NoError(t, err)
	assert.WithinDuration(t, before, ts, 5*time.Second)
	assert.Equal(t, "mongo::insert:", ev.IdempotencyKey)
}

func TestNormalizeUnparsable(t *testing.T) {
	n := New(fixtureSpec(t))

	for _, raw := range []string{
		"",
		"not json",
		`{"ns": {"db": "shop"`,
		`[{"ns": {"db": "shop", "coll": "orders"}}]`,
		`"insert"`,
		`null`,
		`{"operationType": "insert"} {"operationType": "delete"}`,
	} {
		t.Run(raw, func(t *testing.T) {
			res := n.Normalize([]byte(raw))
			assert.Equal(t, DroppedUnparsable, res.Outcome)
			assert.True(t, res.Dropped())
			assert.Nil(t, res.Event)
			assert.Nil(t, res.Data)
		})
	}
}

type failingCodec struct {
	JSONCodec
}

func (failingCodec) Encode(*cdc.Event) ([]byte, error) {
	return nil, errors.New("boom")
}

func TestNormalizeUnserializable(t *testing.T) {
	res := New(nil, WithCodec(failingCodec{})).Normalize([]byte(`{"operationType": "insert"}`))
	assert.Equal(t, DroppedUnserializable, res.Outcome)
	assert.Nil(t, res.Event)
	assert.Equal(t, "unserializable", res.Outcome.String())
}

func TestNormalizeConcurrent(t *testing.T) {
	n := New(fixtureSpec(t), WithClock(clock))
	raw, err := testutil.LoadFile("change_insert.json")
	require.NoError(t, err)

	want := n.Normalize(raw).Data

	var wg sync.WaitGroup
	results := make([][]byte, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = n.Normalize(raw).Data
		}(i)
	}
	wg.Wait()

	for _, got := range results {
		assert.Equal(t, want, got)
	}
}
