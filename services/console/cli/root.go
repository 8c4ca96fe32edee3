package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-chart-flow/internal/kafka"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          "console",
	Short:        "ChartFlow console — task lifecycle and capacity-constrained assignment API",
	SilenceUsage: true,
}

// Execute is the entry point called from cmd/console/main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default: ./console.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug | info | warn | error")
	rootCmd.PersistentFlags().String("postgres-dsn", "", "PostgreSQL DSN; empty keeps tasks in memory")
	rootCmd.PersistentFlags().String("redis-addr", "localhost:6379", "Redis address (host:port)")
	rootCmd.PersistentFlags().String("ledger-backend", "memory", "capacity ledger backend: memory | redis")
	bindFlag("log_level", rootCmd.PersistentFlags(), "log-level")
	bindFlag("postgres_dsn", rootCmd.PersistentFlags(), "postgres-dsn")
	bindFlag("redis_addr", rootCmd.PersistentFlags(), "redis-addr")
	rootCmd.PersistentFlags().String("kafka-brokers", "", "comma-separated Kafka broker addresses")
	rootCmd.PersistentFlags().String("events-topic", kafka.DefaultTopic, "Kafka topic for task events")
	rootCmd.PersistentFlags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	rootCmd.PersistentFlags().Float64("otel-sample-ratio", 1, "fraction of traces sampled")
	bindFlag("ledger_backend", rootCmd.PersistentFlags(), "ledger-backend")
	bindFlag("kafka_brokers", rootCmd.PersistentFlags(), "kafka-brokers")
	bindFlag("events_topic", rootCmd.PersistentFlags(), "events-topic")
	bindFlag("otel_endpoint", rootCmd.PersistentFlags(), "otel-endpoint")
	bindFlag("otel_sample_ratio", rootCmd.PersistentFlags(), "otel-sample-ratio")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(newInitCmd("console", defaultConsoleYAML))
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, _ := os.UserHomeDir()
		viper.SetConfigName("console")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath(home + "/.go-chart-flow")
		viper.AddConfigPath("/etc/go-chart-flow")
	}

	viper.SetEnvPrefix("chartflow")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !os.IsNotExist(err) {
			fmt.Fprintln(os.Stderr, "error reading config file:", err)
			os.Exit(1)
		}
	} else {
		fmt.Fprintln(os.Stderr, "config:", viper.ConfigFileUsed())
	}
}

func buildLogger(level, service string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})).
		With(slog.String("service", service))
}

func bindFlag(viperKey string, fs *pflag.FlagSet, flagName string) {
	if err := viper.BindPFlag(viperKey, fs.Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("bindFlag %q → %q: %v", flagName, viperKey, err))
	}
}
