package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/edgeflare/cdcnorm/internal/testutil"
	"github.com/edgeflare/cdcnorm/pkg/cdc"
	"github.com/edgeflare/cdcnorm/pkg/mapping"
	"github.com/edgeflare/cdcnorm/pkg/metrics"
	"github.com/edgeflare/cdcnorm/pkg/normalize"
	"github.com/edgeflare/cdcnorm/pkg/pipeline/transform"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func fixtureNormalizer(t *testing.T) *normalize.Normalizer {
	t.Helper()
	data, err := testutil.LoadFile("mapping.yml")
	require.NoError(t, err)
	spec, err := mapping.Parse(data)
	require.NoError(t, err)
	return normalize.New(spec)
}

func fixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := testutil.LoadFile(name)
	require.NoError(t, err)
	return data
}

// startPipelines connects cfg's peers and starts processing until the test ends
func startPipelines(t *testing.T, m *Manager, cfg *Config) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	require.NoError(t, m.Init(ctx, cfg))
	require.NoError(t, m.Start(ctx, &wg, cfg))

	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
}

func TestPipelineProcessing(t *testing.T) {
	m := testManager(WithNormalizer(fixtureNormalizer(t)))
	cfg := &Config{
		Peers: []Peer{
			memoryPeer("raw", "sub", 0),
			memoryPeer("all", "pub", 0),
			memoryPeer("slim", "pub", 0),
			memoryPeer("dlq", "pub", 0),
		},
		Pipelines: []Pipeline{{
			Name:    "test-processing",
			Workers: 2,
			Sources: []Source{{Name: "raw"}},
			Transformations: []transform.Transformation{
				{Type: "filter", Config: map[string]any{"eventTypes": []any{"created"}}},
			},
			Sinks: []Sink{
				{Name: "all"},
				{Name: "slim", Transformations: []transform.Transformation{
					{Type: "extract", Config: map[string]any{"fields": []any{"status"}}},
				}},
			},
			DeadLetter: "dlq",
		}},
	}
	startPipelines(t, m, cfg)

	raw := memoryOf(t, m, "raw")
	raw.records <- Record{Value: fixture(t, "change_insert.json")}
	raw.records <- Record{Value: []byte("{not json"), Key: []byte("k"), Headers: map[string]string{"origin": "test"}}
	raw.records <- Record{Value: fixture(t, "change_update.json")}

	all, slim, dlq := memoryOf(t, m, "all"), memoryOf(t, m, "slim"), memoryOf(t, m, "dlq")
	require.Eventually(t, func() bool {
		return len(all.Published()) == 1 && len(slim.Published()) == 1 && len(dlq.Published()) == 1
	}, waitFor, 10*time.Millisecond)

	rec := all.Published()[0]
	assert.Equal(t, []byte("o1"), rec.Key)
	assert.Equal(t, "mongo:o1:insert:2024-05-01T10:00:00Z", rec.Headers[HeaderIdempotencyKey])
	assert.Equal(t, "created", rec.Headers[HeaderEventType])

	var ev cdc.Event
	require.NoError(t, json.Unmarshal(rec.Value, &ev))
	assert.Equal(t, "created", ev.EventType)
	assert.Contains(t, ev.Attrs, "payment_latency_s")

	var slimEv cdc.Event
	require.NoError(t, json.Unmarshal(slim.Published()[0].Value, &slimEv))
	assert.Equal(t, map[string]any{"status": "paid"}, slimEv.Tags)
	assert.Empty(t, slimEv.Attrs, "sink transformation re-encodes the event")
	assert.Len(t, rec.Event.Attrs, 3, "sink transformations do not leak into other sinks")

	dead := dlq.Published()[0]
	assert.Equal(t, []byte("{not json"), dead.Value)
	assert.Equal(t, []byte("k"), dead.Key)
	assert.Equal(t, "unparsable", dead.Headers[HeaderDropReason])
	assert.Equal(t, "test", dead.Headers["origin"])

	assert.Eventually(t, func() bool {
		return promtest.ToFloat64(metrics.DroppedEvents.WithLabelValues("test-processing", metrics.ReasonFiltered)) == 1
	}, waitFor, 10*time.Millisecond, "update became event type changed and was filtered")
	assert.Equal(t, float64(1), promtest.ToFloat64(metrics.DroppedEvents.WithLabelValues("test-processing", "unparsable")))
	assert.Eventually(t, func() bool {
		return promtest.ToFloat64(metrics.DeadLetterEvents.WithLabelValues("test-processing", "dlq")) == 1
	}, waitFor, 10*time.Millisecond)
}

func TestPipelineSharedSource(t *testing.T) {
	m := testManager()
	cfg := &Config{
		Peers: []Peer{memoryPeer("raw", "pubsub", 0), memoryPeer("a", "pub", 0), memoryPeer("b", "pub", 0)},
		Pipelines: []Pipeline{
			{Name: "test-shared-a", Sources: []Source{{Name: "raw"}}, Sinks: []Sink{{Name: "a"}}},
			{Name: "test-shared-b", Sources: []Source{{Name: "raw"}}, Sinks: []Sink{{Name: "b"}}},
		},
	}
	startPipelines(t, m, cfg)

	raw := memoryOf(t, m, "raw")
	assert.Equal(t, 1, raw.subs, "a shared source is subscribed once")
	assert.Len(t, m.GetSubscriptions("raw"), 2)

	raw.records <- Record{Value: []byte(`{"operationType": "insert", "ns": {"db": "x", "coll": "y"}}`)}

	a, b := memoryOf(t, m, "a"), memoryOf(t, m, "b")
	require.Eventually(t, func() bool {
		return len(a.Published()) == 1 && len(b.Published()) == 1
	}, waitFor, 10*time.Millisecond)

	assert.Equal(t, "insert", a.Published()[0].Event.EventType, "empty mapping passes records through")
}

func TestPipelinePublishErrors(t *testing.T) {
	m := testManager()
	cfg := &Config{
		Peers:     []Peer{memoryPeer("raw", "sub", 0), memoryPeer("broken", "pub", 0)},
		Pipelines: []Pipeline{{Name: "test-publish-errors", Sources: []Source{{Name: "raw"}}, Sinks: []Sink{{Name: "broken"}}}},
	}
	startPipelines(t, m, cfg)

	broken := memoryOf(t, m, "broken")
	broken.mu.Lock()
	broken.pubErr = errors.New("unavailable")
	broken.mu.Unlock()

	memoryOf(t, m, "raw").records <- Record{Value: []byte(`{"operationType": "delete"}`)}

	assert.Eventually(t, func() bool {
		return promtest.ToFloat64(metrics.PublishErrors.WithLabelValues("broken")) >= 1
	}, waitFor, 10*time.Millisecond)
}

func TestPipelineStartErrors(t *testing.T) {
	testCases := []struct {
		name     string
		peers    []Peer
		pipeline Pipeline
		wantErr  error
	}{
		{
			name:     "sink cannot publish",
			peers:    []Peer{memoryPeer("raw", "sub", 0), memoryPeer("out", "sub", 0)},
			pipeline: Pipeline{Name: "p", Sources: []Source{{Name: "raw"}}, Sinks: []Sink{{Name: "out"}}},
			wantErr:  ErrConnectorTypeMismatch,
		},
		{
			name:     "source cannot subscribe",
			peers:    []Peer{memoryPeer("raw", "pub", 0)},
			pipeline: Pipeline{Name: "p", Sources: []Source{{Name: "raw"}}},
			wantErr:  ErrConnectorTypeMismatch,
		},
		{
			name:     "dead letter cannot publish",
			peers:    []Peer{memoryPeer("raw", "pubsub", 0), memoryPeer("dlq", "sub", 0)},
			pipeline: Pipeline{Name: "p", Sources: []Source{{Name: "raw"}}, DeadLetter: "dlq"},
			wantErr:  ErrConnectorTypeMismatch,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := testManager()
			cfg := &Config{Peers: tc.peers, Pipelines: []Pipeline{tc.pipeline}}
			require.NoError(t, m.Init(context.Background(), cfg))

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			var wg sync.WaitGroup
			err := m.Start(ctx, &wg, cfg)
			assert.ErrorIs(t, err, tc.wantErr)
			cancel()
			wg.Wait()
		})
	}

	t.Run("invalid transformation", func(t *testing.T) {
		m := testManager()
		cfg := &Config{
			Peers: []Peer{memoryPeer("raw", "pubsub", 0)},
			Pipelines: []Pipeline{{
				Name:            "p",
				Sources:         []Source{{Name: "raw"}},
				Transformations: []transform.Transformation{{Type: "flatten"}},
			}},
		}
		require.NoError(t, m.Init(context.Background(), cfg))
		var wg sync.WaitGroup
		assert.ErrorContains(t, m.Start(context.Background(), &wg, cfg), "pipeline transformations")
	})
}
