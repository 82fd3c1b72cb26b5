package pipeline

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Start sets up every pipeline in config and starts processing. Peers must
// have been connected with Init. Goroutines are tracked by wg and stop when
// ctx is done.
func (m *Manager) Start(ctx context.Context, wg *sync.WaitGroup, config *Config) error {
	var sources []string

	for _, pl := range config.Pipelines {
		r, err := m.compile(pl)
		if err != nil {
			return fmt.Errorf("failed to setup pipeline %s: %w", pl.Name, err)
		}

		for _, src := range pl.Sources {
			// Only the first subscription opens the source; later pipelines share it
			if m.IsFirstSubscription(src.Name) {
				sources = append(sources, src.Name)
			}
			m.AddSubscription(src.Name, pl.Name, r.in)
		}

		r.start(ctx, wg)
		m.logger.Info("Started pipeline",
			zap.String("pipeline", pl.Name),
			zap.Int("workers", r.workers),
			zap.Int("sinks", len(r.sinks)))
	}

	for _, name := range sources {
		peer, err := m.GetPeer(name)
		if err != nil {
			return err
		}

		records, err := peer.Connector().Sub(ctx)
		if err != nil {
			return fmt.Errorf("failed to subscribe to source %s: %w", name, err)
		}

		wg.Add(1)
		go m.fanout(ctx, wg, name, records)
	}

	return nil
}

// fanout copies every record of a source to all pipelines subscribed to it
func (m *Manager) fanout(ctx context.Context, wg *sync.WaitGroup, sourceName string, records <-chan Record) {
	defer wg.Done()

	for {
		select {
		case rec, ok := <-records:
			if !ok {
				m.logger.Info("Source closed", zap.String("source", sourceName))
				return
			}
			for _, sub := range m.GetSubscriptions(sourceName) {
				select {
				case sub.in <- sourced{source: sourceName, record: rec}:
				case <-ctx.Done():
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}
