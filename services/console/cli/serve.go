package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	redisstore "github.com/ramiqadoumi/go-chart-flow/internal/redis"
	"github.com/ramiqadoumi/go-chart-flow/internal/seed"
	"github.com/ramiqadoumi/go-chart-flow/internal/workflow"
	"github.com/ramiqadoumi/go-chart-flow/pkg/telemetry"
	"github.com/ramiqadoumi/go-chart-flow/services/console/config"
	"github.com/ramiqadoumi/go-chart-flow/services/console/handler"
	"github.com/ramiqadoumi/go-chart-flow/services/console/middleware"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-port", "8080", "HTTP server port")
	serveCmd.Flags().String("metrics-addr", ":9095", "Prometheus metrics server address")
	serveCmd.Flags().Int("max-selection", 50, "bulk swap limit when a request names none; 0 = unlimited")
	serveCmd.Flags().Int("bulk-rate-limit", 0, "bulk requests allowed per actor per window; 0 disables")
	serveCmd.Flags().Duration("bulk-rate-window", time.Minute, "bulk rate limit window")
	serveCmd.Flags().String("seed-file", "", "YAML workload applied once at startup")

	bindFlag("http_port", serveCmd.Flags(), "http-port")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("max_selection", serveCmd.Flags(), "max-selection")
	bindFlag("bulk_rate_limit", serveCmd.Flags(), "bulk-rate-limit")
	bindFlag("bulk_rate_window", serveCmd.Flags(), "bulk-rate-window")
	bindFlag("seed_file", serveCmd.Flags(), "seed-file")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, "console")

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "console", cfg.OTelEndpoint, cfg.OTelSampleRatio)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	b, err := openBackends(context.Background(), cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()
	svc := b.service(logger)

	if path := viper.GetString("seed_file"); path != "" {
		w, err := seed.LoadFile(path)
		if err != nil {
			return err
		}
		if _, err := applySeed(workflow.WithActor(context.Background(), "seed"), svc, w, logger); err != nil {
			return err
		}
	}

	opts := []handler.Option{
		handler.WithEventLister(b.store),
		handler.WithMaxSelection(cfg.MaxSelection),
	}
	if cfg.BulkRateLimit > 0 {
		window := cfg.BulkRateWindow
		if window <= 0 {
			window = time.Minute
		}
		opts = append(opts, handler.WithBulkRateLimiter(redisstore.NewRateLimiter(b.redis, cfg.BulkRateLimit, window)))
	}
	restHandler := handler.NewREST(svc, logger, opts...)
	health := telemetry.MetricsHandler(logger, b.checks...)

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MaxBodySize(1 << 20)) // 1MB limit
	r.Use(middleware.Actor)
	r.Handle("/healthz", health)
	r.Handle("/readyz", health)
	restHandler.Register(r)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ── signal handling ───────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	// ── Prometheus metrics ────────────────────────────────────────────────────
	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger, b.checks...)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("console HTTP starting",
			slog.String("addr", httpSrv.Addr),
			slog.String("ledger_backend", cfg.LedgerBackend),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-quit:
		logger.Info("shutting down...")
	case err := <-serveErr:
		logger.Error("HTTP server error", slog.String("error", err.Error()))
		return err
	}
	runCancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("stopped")
	return nil
}
