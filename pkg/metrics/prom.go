package metrics

import (
	"cmp"
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/edgeflare/cdcnorm/pkg/httputil"
	"github.com/edgeflare/cdcnorm/pkg/httputil/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ReasonFiltered labels DroppedEvents removed by a transformation
const ReasonFiltered = "filtered"

var (
	TransformationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdcnorm_transformation_errors_total",
			Help: "Total number of transformation errors by type and pipeline",
		},
		[]string{"error_type", "pipeline", "source", "sink"},
	)

	PublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdcnorm_publish_errors_total",
			Help: "Total number of publish errors by sink",
		},
		[]string{"sink"},
	)

	ProcessedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdcnorm_processed_events_total",
			Help: "Total number of normalized events handed to sinks by pipeline",
		},
		[]string{"pipeline", "source", "sink"},
	)

	DroppedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdcnorm_dropped_events_total",
			Help: "Total number of records dropped by pipeline and reason",
		},
		[]string{"pipeline", "reason"},
	)

	DeadLetterEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdcnorm_dead_letter_events_total",
			Help: "Total number of raw records forwarded to a dead-letter peer",
		},
		[]string{"pipeline", "peer"},
	)

	EventProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cdcnorm_event_processing_duration_seconds",
			Help:    "Duration of record normalization and transformation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"pipeline", "source"},
	)
)

type PromServerOpts struct {
	Addr              string
	Path              string        // Path for metrics endpoint, defaults to "/metrics"
	ShutdownTimeout   time.Duration // Timeout for server shutdown, defaults to 5 seconds
	ReadHeaderTimeout time.Duration // Timeout for reading request headers, defaults to 3 seconds
	Logger            *zap.Logger
}

func defaultPrometheusServerOptions() PromServerOpts {
	return PromServerOpts{
		Addr:              ":9100",
		Path:              "/metrics",
		ShutdownTimeout:   5 * time.Second,
		ReadHeaderTimeout: 3 * time.Second,
		Logger:            zap.NewNop(),
	}
}

// HealthPath answers liveness probes on the metrics server
const HealthPath = "/healthz"

func handler(path string, logger *zap.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	mux.HandleFunc(HealthPath, func(w http.ResponseWriter, r *http.Request) {
		httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return middleware.Chain(mux,
		middleware.RequestID,
		middleware.LoggerWithOptions(&middleware.LoggerOptions{Logger: logger, Level: zapcore.DebugLevel}),
	)
}

// StartPrometheusServer starts a Prometheus metrics server with the given options
// The server gracefully shutdown when the provided context is canceled
func StartPrometheusServer(ctx context.Context, wg *sync.WaitGroup, opts *PromServerOpts) {
	// merge with defaults
	effectiveOpts := defaultPrometheusServerOptions()
	if opts != nil {
		effectiveOpts.Addr = cmp.Or(opts.Addr, effectiveOpts.Addr)
		effectiveOpts.Path = cmp.Or(opts.Path, effectiveOpts.Path)
		effectiveOpts.ShutdownTimeout = cmp.Or(opts.ShutdownTimeout, effectiveOpts.ShutdownTimeout)
		effectiveOpts.ReadHeaderTimeout = cmp.Or(opts.ReadHeaderTimeout, effectiveOpts.ReadHeaderTimeout)
		if opts.Logger != nil {
			effectiveOpts.Logger = opts.Logger
		}
	}
	logger := effectiveOpts.Logger

	server := &http.Server{
		Addr:              effectiveOpts.Addr,
		Handler:           handler(effectiveOpts.Path, logger),
		ReadHeaderTimeout: effectiveOpts.ReadHeaderTimeout,
	}

	serverClosed := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("Starting Prometheus metrics server", zap.String("addr", effectiveOpts.Addr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server error", zap.Error(err))
		}
		close(serverClosed)
	}()

	// Monitor context cancellation in a separate goroutine
	go func() {
		<-ctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), effectiveOpts.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down metrics server", zap.Error(err))
		}

		select {
		case <-serverClosed:
			logger.Info("Metrics server shutdown complete")
		case <-shutdownCtx.Done():
			logger.Warn("Metrics server shutdown timed out")
		}
	}()
}
