package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the auditor.
type Config struct {
	LogLevel        string
	KafkaBrokers    string
	EventsTopic     string
	GroupID         string
	PostgresDSN     string
	MetricsAddr     string
	OTelEndpoint    string
	OTelSampleRatio float64
	MaxRetries      int
	RetryBaseDelay  time.Duration
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:        v.GetString("log_level"),
		KafkaBrokers:    v.GetString("kafka_brokers"),
		EventsTopic:     v.GetString("events_topic"),
		GroupID:         v.GetString("audit_group_id"),
		PostgresDSN:     v.GetString("postgres_dsn"),
		MetricsAddr:     v.GetString("audit_metrics_addr"),
		OTelEndpoint:    v.GetString("otel_endpoint"),
		OTelSampleRatio: v.GetFloat64("otel_sample_ratio"),
		MaxRetries:      v.GetInt("audit_max_retries"),
		RetryBaseDelay:  v.GetDuration("audit_retry_base_delay"),
	}
}
