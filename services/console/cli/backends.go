package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/go-chart-flow/internal/capacity"
	"github.com/ramiqadoumi/go-chart-flow/internal/domain"
	"github.com/ramiqadoumi/go-chart-flow/internal/kafka"
	"github.com/ramiqadoumi/go-chart-flow/internal/memstore"
	"github.com/ramiqadoumi/go-chart-flow/internal/notify"
	"github.com/ramiqadoumi/go-chart-flow/internal/postgres"
	redisstore "github.com/ramiqadoumi/go-chart-flow/internal/redis"
	"github.com/ramiqadoumi/go-chart-flow/internal/workflow"
	"github.com/ramiqadoumi/go-chart-flow/pkg/telemetry"
	"github.com/ramiqadoumi/go-chart-flow/services/console/config"
)

// taskStore is everything the console needs from the task database.
type taskStore interface {
	workflow.TaskStore
	workflow.ScoreStore
	RecordEvent(ctx context.Context, ev domain.TaskEvent) error
	ListEvents(ctx context.Context, taskID string) ([]domain.TaskEvent, error)
	CountActiveAssignments(ctx context.Context) (map[capacity.Key]int, error)
}

// backends are the stores and clients the console runs on.
type backends struct {
	store     taskStore
	ledger    capacity.Ledger
	publisher workflow.EventPublisher
	redis     *redis.Client
	checks    []telemetry.ReadinessCheck
	closers   []func()
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// openBackends connects to whatever cfg configures. Without a DSN tasks live
// in memory; without brokers events go straight to the audit trail. A
// webhook, when configured, receives events alongside either destination.
func openBackends(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *backends, err error) {
	b := &backends{}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	if cfg.PostgresDSN != "" {
		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		b.closers = append(b.closers, pool.Close)
		b.checks = append(b.checks, pool.Ping)
		b.store = postgres.NewRepository(pool)
	} else {
		logger.Warn("postgres_dsn not set, tasks are kept in memory")
		b.store = memstore.New()
	}

	if cfg.LedgerBackend == config.LedgerRedis || cfg.BulkRateLimit > 0 {
		b.redis = redisstore.NewClient(cfg.RedisAddr)
		b.closers = append(b.closers, func() { _ = b.redis.Close() })
		b.checks = append(b.checks, func(ctx context.Context) error { return b.redis.Ping(ctx).Err() })
	}

	switch cfg.LedgerBackend {
	case config.LedgerRedis:
		b.ledger = redisstore.NewLedger(b.redis)
	case config.LedgerMemory, "":
		b.ledger = capacity.NewMemoryLedger()
	default:
		return nil, fmt.Errorf("unknown ledger_backend %q", cfg.LedgerBackend)
	}

	if cfg.KafkaBrokers != "" {
		topic := cfg.EventsTopic
		if topic == "" {
			topic = kafka.DefaultTopic
		}
		pub := kafka.NewEventPublisher(strings.Split(cfg.KafkaBrokers, ","), topic)
		b.closers = append(b.closers, func() { _ = pub.Close() })
		b.publisher = pub
	} else {
		b.publisher = workflow.PublisherFunc(b.store.RecordEvent)
	}

	if cfg.WebhookURL != "" {
		router := notify.NewRouter(b.publisher)
		var opts []notify.WebhookOption
		if cfg.WebhookToken != "" {
			opts = append(opts, notify.WithHeader("Authorization", "Bearer "+cfg.WebhookToken))
		}
		types := make([]domain.EventType, 0, len(cfg.WebhookEvents))
		for _, t := range cfg.WebhookEvents {
			types = append(types, domain.EventType(strings.TrimSpace(t)))
		}
		if err := router.Register(notify.NewWebhook(cfg.WebhookURL, opts...), types...); err != nil {
			return nil, fmt.Errorf("webhook_events: %w", err)
		}
		b.publisher = router
	}
	return b, nil
}

func (b *backends) service(logger *slog.Logger) *workflow.Service {
	return workflow.NewService(b.store, b.store, b.ledger,
		workflow.WithLogger(logger),
		workflow.WithEventPublisher(b.publisher),
	)
}
