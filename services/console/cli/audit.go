package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-chart-flow/internal/kafka"
	"github.com/ramiqadoumi/go-chart-flow/internal/postgres"
	"github.com/ramiqadoumi/go-chart-flow/pkg/telemetry"
	"github.com/ramiqadoumi/go-chart-flow/services/auditor"
	auditcfg "github.com/ramiqadoumi/go-chart-flow/services/auditor/config"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Consume task events into the audit trail",
	Long: `Read task events from Kafka and record each one in PostgreSQL.

Several instances may share a consumer group; partitions are split between
them. Requires kafka_brokers and postgres_dsn.`,
	RunE: runAudit,
}

func init() {
	auditCmd.Flags().String("group-id", "chartflow-auditor", "Kafka consumer group")
	auditCmd.Flags().String("metrics-addr", ":9096", "Prometheus metrics server address")
	auditCmd.Flags().Int("max-retries", 5, "retries per event before it is dropped")
	auditCmd.Flags().Duration("retry-base-delay", 200*time.Millisecond, "first retry backoff")

	bindFlag("audit_group_id", auditCmd.Flags(), "group-id")
	bindFlag("audit_metrics_addr", auditCmd.Flags(), "metrics-addr")
	bindFlag("audit_max_retries", auditCmd.Flags(), "max-retries")
	bindFlag("audit_retry_base_delay", auditCmd.Flags(), "retry-base-delay")
}

func runAudit(_ *cobra.Command, _ []string) error {
	cfg := auditcfg.Load(viper.GetViper())
	if cfg.KafkaBrokers == "" {
		return errors.New("kafka_brokers is required")
	}
	if cfg.PostgresDSN == "" {
		return errors.New("postgres_dsn is required")
	}
	logger := buildLogger(cfg.LogLevel, "auditor")

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "auditor", cfg.OTelEndpoint, cfg.OTelSampleRatio)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()

	consumer := kafka.NewEventConsumer(strings.Split(cfg.KafkaBrokers, ","), cfg.EventsTopic, cfg.GroupID, logger)
	defer consumer.Close()

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger, pool.Ping)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-quit
		logger.Info("shutting down...")
		runCancel()
	}()

	a := auditor.NewAuditor(consumer, postgres.NewRepository(pool),
		auditor.WithRetries(cfg.MaxRetries),
		auditor.WithBaseDelay(cfg.RetryBaseDelay),
		auditor.WithLogger(logger),
	)
	logger.Info("auditor starting",
		slog.String("topic", cfg.EventsTopic),
		slog.String("group_id", cfg.GroupID),
	)
	if err := a.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("auditor: %w", err)
	}
	logger.Info("stopped")
	return nil
}
