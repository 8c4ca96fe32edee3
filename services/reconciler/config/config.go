package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the ledger reconciler.
type Config struct {
	LogLevel        string
	RedisAddr       string
	PostgresDSN     string
	MetricsAddr     string
	OTelEndpoint    string
	OTelSampleRatio float64
	Schedule        string
	LeaderTTL       time.Duration
	ConfirmDelay    time.Duration
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:        v.GetString("log_level"),
		RedisAddr:       v.GetString("redis_addr"),
		PostgresDSN:     v.GetString("postgres_dsn"),
		MetricsAddr:     v.GetString("reconcile_metrics_addr"),
		OTelEndpoint:    v.GetString("otel_endpoint"),
		OTelSampleRatio: v.GetFloat64("otel_sample_ratio"),
		Schedule:        v.GetString("reconcile_schedule"),
		LeaderTTL:       v.GetDuration("reconcile_leader_ttl"),
		ConfirmDelay:    v.GetDuration("reconcile_confirm_delay"),
	}
}
