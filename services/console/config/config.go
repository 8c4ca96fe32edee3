package config

import (
	"time"

	"github.com/spf13/viper"
)

// Ledger backends.
const (
	LedgerMemory = "memory"
	LedgerRedis  = "redis"
)

// Config holds typed configuration for the console service.
type Config struct {
	LogLevel        string
	HTTPPort        string
	MetricsAddr     string
	RedisAddr       string
	PostgresDSN     string
	KafkaBrokers    string
	EventsTopic     string
	OTelEndpoint    string
	OTelSampleRatio float64
	LedgerBackend   string
	MaxSelection    int
	BulkRateLimit   int
	BulkRateWindow  time.Duration
	WebhookURL      string
	WebhookEvents   []string
	WebhookToken    string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:        v.GetString("log_level"),
		HTTPPort:        v.GetString("http_port"),
		MetricsAddr:     v.GetString("metrics_addr"),
		RedisAddr:       v.GetString("redis_addr"),
		PostgresDSN:     v.GetString("postgres_dsn"),
		KafkaBrokers:    v.GetString("kafka_brokers"),
		EventsTopic:     v.GetString("events_topic"),
		OTelEndpoint:    v.GetString("otel_endpoint"),
		OTelSampleRatio: v.GetFloat64("otel_sample_ratio"),
		LedgerBackend:   v.GetString("ledger_backend"),
		MaxSelection:    v.GetInt("max_selection"),
		BulkRateLimit:   v.GetInt("bulk_rate_limit"),
		BulkRateWindow:  v.GetDuration("bulk_rate_window"),
		WebhookURL:      v.GetString("webhook_url"),
		WebhookEvents:   v.GetStringSlice("webhook_events"),
		WebhookToken:    v.GetString("webhook_token"),
	}
}
