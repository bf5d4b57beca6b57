package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/loopforge/internal/broker"
	"github.com/fyrsmithlabs/loopforge/internal/cache"
	"github.com/fyrsmithlabs/loopforge/internal/config"
	"github.com/fyrsmithlabs/loopforge/internal/llm"
	"github.com/fyrsmithlabs/loopforge/internal/logging"
	"github.com/fyrsmithlabs/loopforge/internal/notify"
	"github.com/fyrsmithlabs/loopforge/internal/plan"
	"github.com/fyrsmithlabs/loopforge/internal/queue"
	"github.com/fyrsmithlabs/loopforge/internal/store/memory"
	"github.com/fyrsmithlabs/loopforge/internal/store/snapshot"
	"github.com/fyrsmithlabs/loopforge/internal/task"
	"github.com/fyrsmithlabs/loopforge/internal/telemetry"
)

// core holds the dependencies shared by every command: logging, telemetry,
// the broker connection, the task store and service, and the job queue.
type core struct {
	cfg    *config.Config
	logger *logging.Logger
	log    *zap.Logger

	telemetry *telemetry.Telemetry
	broker    *broker.Broker
	store     *memory.Store
	persister *memory.Persister
	resolver  *llm.Resolver
	events    *notify.Publisher
	tasks     *task.Service
	queue     *queue.Queue

	closers []func(ctx context.Context)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// openCore initializes the shared dependencies in order. On error everything
// opened so far is closed.
func openCore(ctx context.Context, cfg *config.Config) (*core, error) {
	c := &core{cfg: cfg, log: zap.NewNop()}
	opened := false
	defer func() {
		if !opened {
			c.Close(context.Background())
		}
	}()

	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}
	c.logger, err = logging.NewLogger(logCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	c.log = c.logger.Underlying()

	c.telemetry, err = telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version), c.log.Named("telemetry"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	c.onClose(func(ctx context.Context) {
		if err := c.telemetry.Shutdown(ctx); err != nil {
			c.log.Warn("telemetry shutdown failed", zap.Error(err))
		}
	})
	if logCfg.Output.OTEL && c.telemetry.IsEnabled() {
		c.logger, err = logging.NewLogger(logCfg, c.telemetry.LoggerProvider())
		if err != nil {
			return nil, fmt.Errorf("failed to initialize OTEL logger: %w", err)
		}
		c.log = c.logger.Underlying()
	}

	c.broker, err = broker.Open(cfg.NATS, c.log.Named("nats"))
	if err != nil {
		return nil, err
	}
	c.onClose(func(context.Context) {
		if err := c.broker.Close(); err != nil {
			c.log.Warn("NATS close failed", zap.Error(err))
		}
	})

	c.store = memory.New()
	if cfg.Store.Snapshot {
		sink, err := snapshot.NewObjectSink(ctx, c.broker.JetStream, cfg.Store.Bucket)
		if err != nil {
			return nil, fmt.Errorf("failed to open snapshot bucket: %w", err)
		}
		c.persister, err = memory.NewPersister(ctx, c.store, sink, cfg.Store.FlushInterval.Duration(), c.log.Named("store"))
		if err != nil {
			return nil, fmt.Errorf("failed to restore task store: %w", err)
		}
	}

	providerCache, err := cache.New(ctx, cfg.Cache, c.broker.JetStream)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider cache: %w", err)
	}
	c.resolver = llm.NewResolver(c.store, providerCache, cfg.Provider, llm.WithLogger(c.log.Named("llm")))

	plans := plan.NewGenerator(c.store, c.resolver, cfg.Provider.PlanMaxTokens, c.log.Named("plan"))
	c.events = notify.NewPublisher(c.broker.Conn, cfg.NATS.SubjectPrefix, c.log.Named("notify"))

	c.tasks, err = task.NewService(c.store, task.Dependencies{
		Plans:     plans,
		Notifier:  c.events,
		Providers: c.resolver,
	}, c.log.Named("task"))
	if err != nil {
		return nil, fmt.Errorf("failed to create task service: %w", err)
	}

	c.queue, err = queue.New(ctx, c.broker.JetStream, cfg.Queue, cfg.NATS.SubjectPrefix, c.log.Named("queue"))
	if err != nil {
		return nil, fmt.Errorf("failed to create execution queue: %w", err)
	}
	c.tasks.SetQueue(c.queue)

	c.log.Info("core initialized",
		zap.Bool("embedded_nats", cfg.NATS.Embedded),
		zap.Bool("snapshots", c.persister != nil),
		zap.String("cache_driver", cfg.Cache.Driver),
		zap.Bool("telemetry", c.telemetry.IsEnabled()))
	opened = true
	return c, nil
}

func (c *core) onClose(fn func(ctx context.Context)) {
	c.closers = append(c.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (c *core) Close(ctx context.Context) {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i](ctx)
	}
	c.closers = nil
	if c.logger != nil {
		_ = c.logger.Sync() // Best-effort sync on shutdown
	}
}
