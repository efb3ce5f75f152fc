package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/imageforge-io/imageforge/internal/api"
	"github.com/imageforge-io/imageforge/internal/cache"
	"github.com/imageforge-io/imageforge/internal/job"
	"github.com/imageforge-io/imageforge/internal/metrics"
	"github.com/imageforge-io/imageforge/internal/render"
	"github.com/imageforge-io/imageforge/internal/ws"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// stubStepDelay is the per-step latency of the placeholder engine used when
// the server runs without a real inference backend.
const stubStepDelay = 300 * time.Millisecond

// metricsSampleInterval is how often host CPU/memory gauges are refreshed.
const metricsSampleInterval = 15 * time.Second

type config struct {
	httpAddr       string
	cacheDir       string
	outputDir      string
	maxConcurrency int64
	cacheMaxAge    time.Duration
	logLevel       string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "imageforge-server",
		Short: "Imageforge server — job dispatch for text-to-image inference",
		Long: `Imageforge server accepts text-to-image generation jobs over a
WebSocket protocol, deduplicates them by content-addressed id, executes them
under a bounded concurrency limit, and streams progress and lifecycle events
to every subscriber of a job — across client reconnects.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("IMAGEFORGE_HTTP_ADDR", ":8004"), "HTTP and WebSocket listen address")
	root.PersistentFlags().StringVar(&cfg.cacheDir, "cache-dir", envOrDefault("IMAGEFORGE_CACHE_DIR", "./cache"), "Directory for completed-result cache blobs")
	root.PersistentFlags().StringVar(&cfg.outputDir, "output-dir", envOrDefault("IMAGEFORGE_OUTPUT_DIR", "./outputs"), "Directory for rendered images")
	root.PersistentFlags().Int64Var(&cfg.maxConcurrency, "max-concurrency", 4, "Maximum number of concurrently executing jobs")
	root.PersistentFlags().DurationVar(&cfg.cacheMaxAge, "cache-max-age", 0, "Remove cache blobs unused for this long (0 disables sweeping)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("IMAGEFORGE_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("imageforge-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting imageforge server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("cache_dir", cfg.cacheDir),
		zap.String("output_dir", cfg.outputDir),
		zap.Int64("max_concurrency", cfg.maxConcurrency),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Metrics ---
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	sampler, err := metrics.NewSampler(m, metricsSampleInterval, logger)
	if err != nil {
		return err
	}
	sampler.Start()
	defer sampler.Stop()

	// --- Hub and registry ---
	hub := ws.NewHub(logger, m)

	registry := job.New(job.Config{
		MaxConcurrency: cfg.maxConcurrency,
		Logger:         logger,
		Metrics:        m,
	})
	registry.SetBroadcast(hub.Broadcast)

	// --- Job handlers ---
	// One GPU permit, shared by every handler that touches the device.
	// The executor's concurrency bound lets I/O-bound phases of other jobs
	// overlap while the device itself stays serialized.
	gpu := semaphore.NewWeighted(1)

	// The engine boundary is where a real inference backend plugs in; the
	// stub renders deterministic placeholder images.
	engine := render.NewStubEngine(stubStepDelay)
	logger.Info("using stub inference engine — wire a real engine for production")

	registry.Register("text_to_image",
		render.NewHandler(engine, nil, gpu, cfg.outputDir, cfg.cacheDir, logger))

	// --- Cache sweeper ---
	sweeper, err := cache.NewSweeper(cfg.cacheDir, cfg.cacheMaxAge, time.Hour, logger)
	if err != nil {
		return err
	}
	if err := sweeper.Start(); err != nil {
		return err
	}
	defer sweeper.Stop()

	// --- HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		Hub:       hub,
		Registry:  registry,
		Logger:    logger,
		OutputDir: cfg.outputDir,
		Gatherer:  promReg,
	})

	srv := &http.Server{
		Addr:        cfg.httpAddr,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: websocket connections are long-lived.
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down imageforge server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
