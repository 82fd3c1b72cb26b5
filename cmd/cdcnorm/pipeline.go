package cdcnorm

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/edgeflare/cdcnorm/pkg/config"
	"github.com/edgeflare/cdcnorm/pkg/mapping"
	"github.com/edgeflare/cdcnorm/pkg/metrics"
	"github.com/edgeflare/cdcnorm/pkg/normalize"
	"github.com/edgeflare/cdcnorm/pkg/pipeline"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	// Register built-in connectors
	_ "github.com/edgeflare/cdcnorm/pkg/pipeline/peer/clickhouse"
	_ "github.com/edgeflare/cdcnorm/pkg/pipeline/peer/debug"
	_ "github.com/edgeflare/cdcnorm/pkg/pipeline/peer/http"
	_ "github.com/edgeflare/cdcnorm/pkg/pipeline/peer/kafka"
	_ "github.com/edgeflare/cdcnorm/pkg/pipeline/peer/mqtt"
	_ "github.com/edgeflare/cdcnorm/pkg/pipeline/peer/nats"
	_ "github.com/edgeflare/cdcnorm/pkg/pipeline/peer/pg"
)

const shutdownTimeout = 10 * time.Second

func newPipelineCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "pipeline",
		Aliases: []string{"p"},
		Short:   "Run the normalization pipelines",
		Long:    `Consume change stream records from source peers, normalize them with the mapping and publish the events to sink peers.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runPipeline()
		},
	}

	cmd.Flags().Bool("metrics", true, "Enable Prometheus metrics server")
	cmd.Flags().String("metrics-addr", ":9100", "Prometheus metrics server address")
	cmd.Flags().Bool("strict", false, "Refuse to start if the mapping cannot be loaded or has invalid entries")

	mustBind(a.v, "metrics.enabled", cmd.Flags().Lookup("metrics"))
	mustBind(a.v, "metrics.addr", cmd.Flags().Lookup("metrics-addr"))
	mustBind(a.v, "mapping.strict", cmd.Flags().Lookup("strict"))
	return cmd
}

func (a *app) runPipeline() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	spec, err := loadMapping(a.cfg.Mapping, a.logger)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup

	if a.cfg.Metrics.Enabled {
		metrics.StartPrometheusServer(ctx, &wg, &metrics.PromServerOpts{Addr: a.cfg.Metrics.Addr, Logger: a.logger})
	}

	m := pipeline.NewManager(
		pipeline.WithLogger(a.logger),
		pipeline.WithNormalizer(normalize.New(spec)),
	)
	defer func() {
		if err := m.Close(); err != nil {
			a.logger.Warn("Error disconnecting peers", zap.Error(err))
		}
	}()

	if err := m.Init(ctx, &a.cfg.Pipeline); err != nil {
		cancel()
		wait(&wg, a.logger)
		return fmt.Errorf("failed to initialize peers: %w", err)
	}

	if err := m.Start(ctx, &wg, &a.cfg.Pipeline); err != nil {
		cancel()
		wait(&wg, a.logger)
		return fmt.Errorf("failed to start pipeline processing: %w", err)
	}

	a.logger.Info("Pipelines running", zap.Int("pipelines", len(a.cfg.Pipeline.Pipelines)), zap.String("instance", m.ID()))
	<-ctx.Done()
	a.logger.Info("Received termination signal, shutting down gracefully...")

	wait(&wg, a.logger)
	return nil
}

// wait blocks until all goroutines in wg finish or shutdownTimeout passes
func wait(wg *sync.WaitGroup, logger *zap.Logger) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Shutdown complete")
	case <-time.After(shutdownTimeout):
		logger.Warn("Shutdown timed out", zap.Duration("timeout", shutdownTimeout))
	}
}

// loadMapping loads the configured mapping. Outside strict mode problems
// are logged and an empty or partial mapping is used.
func loadMapping(mc config.MappingConfig, logger *zap.Logger) (*mapping.Spec, error) {
	if !mc.Strict {
		return mapping.NewLoader(mapping.WithLogger(logger)).Load(mc.Path, mc.Builtin), nil
	}

	if mc.Path == "" {
		return nil, fmt.Errorf("strict mapping requires mapping.path")
	}
	spec, err := mapping.LoadFile(mc.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to load mapping %s: %w", mc.Path, err)
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mapping %s: %w", mc.Path, err)
	}
	logger.Info("Loaded mapping", zap.String("path", mc.Path), zap.Int("rules", spec.Len()))
	return spec, nil
}
