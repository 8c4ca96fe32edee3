package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-chart-flow/internal/postgres"
	redisstore "github.com/ramiqadoumi/go-chart-flow/internal/redis"
	"github.com/ramiqadoumi/go-chart-flow/pkg/telemetry"
	"github.com/ramiqadoumi/go-chart-flow/services/reconciler"
	reconcilecfg "github.com/ramiqadoumi/go-chart-flow/services/reconciler/config"
)

const reconcileLease = "reconciler"

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Correct capacity ledger drift against the task table",
	Long: `Compare every Redis ledger entry with the number of active tasks charged
to it in PostgreSQL and correct usage that has drifted.

A mismatch is corrected only after two consecutive passes agree on it. With
--once, two passes run confirm-delay apart and the result is printed as JSON.
Otherwise passes run on the cron schedule, and only the instance holding the
Redis lease reconciles.`,
	RunE: runReconcile,
}

func init() {
	reconcileCmd.Flags().Bool("once", false, "run a single confirmed reconciliation and exit")
	reconcileCmd.Flags().String("schedule", reconciler.DefaultSchedule, "cron schedule (five fields or @every <duration>)")
	reconcileCmd.Flags().Duration("leader-ttl", time.Minute, "leader lease duration")
	reconcileCmd.Flags().Duration("confirm-delay", 2*time.Second, "pause between the two passes of --once")
	reconcileCmd.Flags().String("metrics-addr", ":9097", "Prometheus metrics server address")

	bindFlag("reconcile_schedule", reconcileCmd.Flags(), "schedule")
	bindFlag("reconcile_leader_ttl", reconcileCmd.Flags(), "leader-ttl")
	bindFlag("reconcile_confirm_delay", reconcileCmd.Flags(), "confirm-delay")
	bindFlag("reconcile_metrics_addr", reconcileCmd.Flags(), "metrics-addr")
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	cfg := reconcilecfg.Load(viper.GetViper())
	if cfg.PostgresDSN == "" {
		return errors.New("postgres_dsn is required")
	}
	once, _ := cmd.Flags().GetBool("once")
	logger := buildLogger(cfg.LogLevel, "reconciler")
	instanceID := "reconciler-" + uuid.New().String()[:8]

	sched, err := reconciler.ParseSchedule(cfg.Schedule)
	if err != nil {
		return err
	}

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "reconciler", cfg.OTelEndpoint, cfg.OTelSampleRatio)
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

	redisClient := redisstore.NewClient(cfg.RedisAddr)
	defer redisClient.Close()

	leader := redisstore.NewLeaderElector(redisClient, reconcileLease, instanceID, cfg.LeaderTTL)
	rec := reconciler.NewReconciler(postgres.NewRepository(pool), redisstore.NewLedger(redisClient),
		reconciler.WithLeader(leader),
		reconciler.WithSchedule(sched),
		reconciler.WithLogger(logger),
	)

	runCtx, runCancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer runCancel()

	if once {
		return reconcileOnce(runCtx, rec, leader, cfg.ConfirmDelay, cmd.OutOrStdout())
	}

	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger,
		pool.Ping,
		func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
	)
	logger.Info("reconciler starting",
		slog.String("instance_id", instanceID),
		slog.String("schedule", cfg.Schedule),
	)
	rec.Run(runCtx)
	logger.Info("stopped")
	return nil
}

// reconcileOnce holds the lease for two passes and prints the second report.
func reconcileOnce(ctx context.Context, rec *reconciler.Reconciler, leader redisstore.LeaderElector, delay time.Duration, out io.Writer) error {
	ok, err := leader.Acquire(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("another instance holds the reconcile lease")
	}
	defer func() {
		if err := leader.Resign(context.Background()); err != nil {
			fmt.Fprintln(os.Stderr, "resign:", err)
		}
	}()

	if _, err := rec.RunOnce(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
	}
	rep, err := rec.RunOnce(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}
