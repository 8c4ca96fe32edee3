package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-chart-flow/internal/seed"
	"github.com/ramiqadoumi/go-chart-flow/internal/workflow"
	"github.com/ramiqadoumi/go-chart-flow/services/console/config"
)

var seedCmd = &cobra.Command{
	Use:   "seed <workload.yaml>",
	Short: "Provision teams, members and tasks from a YAML workload",
	Long: `Read a workload file and apply it to the configured stores: every team
and member gets a ledger entry with the listed capacity, then every task is
created unassigned.

Only useful against PostgreSQL and the Redis ledger; with in-memory backends
the data is gone when the command exits. Use serve --seed-file instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runSeed,
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, "console")

	w, err := seed.LoadFile(args[0])
	if err != nil {
		return err
	}

	ctx := workflow.WithActor(cmd.Context(), "seed")
	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	sum, err := applySeed(ctx, b.service(logger), w, logger)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "seeded %d teams, %d members, %d tasks\n", sum.Teams, sum.Members, sum.Tasks)
	return nil
}

func applySeed(ctx context.Context, target seed.Target, w seed.Workload, logger *slog.Logger) (seed.Summary, error) {
	sum, err := seed.Apply(ctx, target, w, time.Now().UTC())
	if err != nil {
		return sum, err
	}
	logger.Info("workload applied",
		slog.Int("teams", sum.Teams),
		slog.Int("members", sum.Members),
		slog.Int("tasks", sum.Tasks),
	)
	return sum, nil
}
