package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"

	"github.com/edgeflare/cdcnorm/pkg/cdc"
	"github.com/edgeflare/cdcnorm/pkg/metrics"
	"github.com/edgeflare/cdcnorm/pkg/normalize"
	"github.com/edgeflare/cdcnorm/pkg/pipeline/transform"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// sourced is a raw record tagged with the source peer it came from
type sourced struct {
	source string
	record Record
}

// delivery is a normalized event on its way to a sink. data is the encoded
// event when it has not been changed by a transformation.
type delivery struct {
	source string
	event  *cdc.Event
	data   []byte
}

// runner executes one configured Pipeline
type runner struct {
	name       string
	workers    int
	normalizer *normalize.Normalizer
	sources    map[string]transform.Func
	chain      transform.Func
	sinks      []*sinkRunner
	deadLetter *Peer
	in         chan sourced
	logger     *zap.Logger
}

type sinkRunner struct {
	name  string
	peer  *Peer
	chain transform.Func
	ch    chan delivery
}

// compile builds transformation chains once and resolves peers
func (m *Manager) compile(pl Pipeline) (*runner, error) {
	r := &runner{
		name:       pl.Name,
		workers:    max(pl.Workers, 1),
		normalizer: m.normalizer,
		sources:    make(map[string]transform.Func, len(pl.Sources)),
		in:         make(chan sourced, DefaultSinkBuffer),
		logger:     m.logger.With(zap.String("pipeline", pl.Name)),
	}

	var err error
	if r.chain, err = transform.Build(pl.Transformations); err != nil {
		return nil, fmt.Errorf("pipeline transformations: %w", err)
	}

	for _, src := range pl.Sources {
		peer, err := m.GetPeer(src.Name)
		if err != nil {
			return nil, err
		}
		if !peer.Connector().Type().CanSub() {
			return nil, fmt.Errorf("%w: peer %s cannot be used as a source", ErrConnectorTypeMismatch, src.Name)
		}
		if r.sources[src.Name], err = transform.Build(src.Transformations); err != nil {
			return nil, fmt.Errorf("source %s transformations: %w", src.Name, err)
		}
	}

	for _, sink := range pl.Sinks {
		peer, err := m.sinkPeer(sink.Name)
		if err != nil {
			return nil, err
		}
		chain, err := transform.Build(sink.Transformations)
		if err != nil {
			return nil, fmt.Errorf("sink %s transformations: %w", sink.Name, err)
		}
		r.sinks = append(r.sinks, &sinkRunner{
			name:  sink.Name,
			peer:  peer,
			chain: chain,
			ch:    make(chan delivery, DefaultSinkBuffer),
		})
	}

	if pl.DeadLetter != "" {
		if r.deadLetter, err = m.sinkPeer(pl.DeadLetter); err != nil {
			return nil, err
		}
	}

	return r, nil
}

func (m *Manager) sinkPeer(name string) (*Peer, error) {
	peer, err := m.GetPeer(name)
	if err != nil {
		return nil, err
	}
	if !peer.Connector().Type().CanPub() {
		return nil, fmt.Errorf("%w: peer %s cannot be used as a sink", ErrConnectorTypeMismatch, name)
	}
	return peer, nil
}

func (r *runner) start(ctx context.Context, wg *sync.WaitGroup) {
	for _, s := range r.sinks {
		wg.Add(1)
		go s.run(ctx, wg, r.name, r.logger)
	}
	for range r.workers {
		wg.Add(1)
		go r.work(ctx, wg)
	}
}

func (r *runner) work(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case item, ok := <-r.in:
			if !ok {
				return
			}
			r.process(ctx, item)
		case <-ctx.Done():
			return
		}
	}
}

// process normalizes one raw record and hands the event to every sink
func (r *runner) process(ctx context.Context, item sourced) {
	timer := prometheus.NewTimer(metrics.EventProcessingDuration.WithLabelValues(r.name, item.source))
	defer timer.ObserveDuration()

	res := r.normalizer.Normalize(item.record.Value)
	if res.Dropped() {
		metrics.DroppedEvents.WithLabelValues(r.name, res.Outcome.String()).Inc()
		r.logger.Debug("Dropped record",
			zap.String("source", item.source),
			zap.Stringer("reason", res.Outcome))
		r.toDeadLetter(ctx, item.record, res.Outcome)
		return
	}

	event, err := applyTransformations(res.Event, r.sources[item.source])
	if err != nil {
		metrics.TransformationErrors.WithLabelValues("source", r.name, item.source, "").Inc()
		r.logger.Warn("Source transformation error", zap.String("source", item.source), zap.Error(err))
		return
	}
	if event != nil {
		if event, err = applyTransformations(event, r.chain); err != nil {
			metrics.TransformationErrors.WithLabelValues("pipeline", r.name, item.source, "").Inc()
			r.logger.Warn("Pipeline transformation error", zap.String("source", item.source), zap.Error(err))
			return
		}
	}
	if event == nil {
		metrics.DroppedEvents.WithLabelValues(r.name, metrics.ReasonFiltered).Inc()
		return
	}

	d := delivery{source: item.source, event: event}
	if event == res.Event {
		d.data = res.Data
	}
	r.distribute(ctx, d)
}

func (r *runner) distribute(ctx context.Context, d delivery) {
	for _, s := range r.sinks {
		select {
		case s.ch <- d:
			metrics.ProcessedEvents.WithLabelValues(r.name, d.source, s.name).Inc()
		case <-ctx.Done():
			return
		}
	}
}

// toDeadLetter forwards the raw record unchanged, with the drop reason in
// its headers.
func (r *runner) toDeadLetter(ctx context.Context, rec Record, outcome normalize.Outcome) {
	if r.deadLetter == nil {
		return
	}

	headers := make(map[string]string, len(rec.Headers)+1)
	maps.Copy(headers, rec.Headers)
	headers[HeaderDropReason] = outcome.String()

	dl := Record{Key: rec.Key, Value: rec.Value, Headers: headers}
	if err := r.deadLetter.Connector().Pub(ctx, dl); err != nil {
		metrics.PublishErrors.WithLabelValues(r.deadLetter.Name).Inc()
		r.logger.Error("Dead-letter publish error", zap.String("peer", r.deadLetter.Name), zap.Error(err))
		return
	}
	metrics.DeadLetterEvents.WithLabelValues(r.name, r.deadLetter.Name).Inc()
}

func (s *sinkRunner) run(ctx context.Context, wg *sync.WaitGroup, pipeline string, logger *zap.Logger) {
	defer wg.Done()

	for {
		select {
		case d := <-s.ch:
			s.deliver(ctx, pipeline, d, logger)
		case <-ctx.Done():
			return
		}
	}
}

func (s *sinkRunner) deliver(ctx context.Context, pipeline string, d delivery, logger *zap.Logger) {
	event, err := applyTransformations(d.event, s.chain)
	if err != nil {
		metrics.TransformationErrors.WithLabelValues("sink", pipeline, d.source, s.name).Inc()
		logger.Warn("Sink transformation error", zap.String("sink", s.name), zap.Error(err))
		return
	}
	if event == nil {
		return
	}

	data := d.data
	if event != d.event || data == nil {
		if data, err = json.Marshal(event); err != nil {
			metrics.PublishErrors.WithLabelValues(s.name).Inc()
			logger.Error("Failed to encode event", zap.String("sink", s.name), zap.Error(err))
			return
		}
	}

	if err := s.peer.Connector().Pub(ctx, NewRecord(event, data)); err != nil {
		metrics.PublishErrors.WithLabelValues(s.name).Inc()
		logger.Error("Publish error", zap.String("sink", s.name), zap.Error(err))
	}
}

func applyTransformations(event *cdc.Event, chain transform.Func) (*cdc.Event, error) {
	if chain == nil {
		return event, nil
	}
	if event == nil {
		return nil, fmt.Errorf("cannot transform nil event")
	}
	return chain(event)
}
