package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/loopforge/internal/config"
	"github.com/fyrsmithlabs/loopforge/internal/execution"
	"github.com/fyrsmithlabs/loopforge/internal/http"
	"github.com/fyrsmithlabs/loopforge/internal/recovery"
	"github.com/fyrsmithlabs/loopforge/internal/task"
	"github.com/fyrsmithlabs/loopforge/internal/vcs"
	"github.com/fyrsmithlabs/loopforge/internal/workflows"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the daemon",
	Long: `Start the HTTP API, the execution queue workers and the auto-merge
watcher. In-flight tasks without a queued job are re-enqueued at startup.

SIGINT or SIGTERM drains the server and workers gracefully.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(ctx, cfg)
	},
}

// serve runs the daemon until ctx is canceled or a component fails.
//
// Startup order:
//  1. Core dependencies (logging, telemetry, NATS, store, queue)
//  2. Git-hosting gateways and the auto-merge watcher
//  3. Execution pipeline and startup recovery sweep
//  4. Queue workers and the HTTP server
func serve(ctx context.Context, cfg *config.Config) error {
	c, err := openCore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		c.Close(closeCtx)
	}()
	log := c.log

	log.Info("starting loopforged",
		zap.String("version", version),
		zap.String("commit", gitCommit),
		zap.Int("port", cfg.Server.Port),
		zap.String("automerge_driver", cfg.AutoMerge.Driver),
		zap.Int("queue_concurrency", cfg.Queue.Concurrency))

	// Workers stop first so watches in progress hand their jobs back, then
	// the watcher, then the persister with a final flush that sees both.
	var workers, persist sync.WaitGroup
	runCtx, cancelRun := context.WithCancel(ctx)
	persistCtx, cancelPersist := context.WithCancel(context.WithoutCancel(ctx))
	stopWatcher := func() {}
	defer func() {
		stopInOrder(
			func() { cancelRun(); workers.Wait() },
			func() { stopWatcher() },
			func() { cancelPersist(); persist.Wait() },
		)
		log.Info("loopforged stopped")
	}()

	if c.persister != nil {
		persist.Add(1)
		go func() {
			defer persist.Done()
			c.persister.Run(persistCtx)
		}()
	}

	gateways := vcs.NewFactory(vcs.StaticToken(cfg.GitHub.Token), cfg.GitHub, log.Named("vcs"))

	watcher, stop, err := newWatcher(cfg, c.tasks, gateways, log)
	if err != nil {
		return err
	}
	stopWatcher = stop

	pipeline, err := execution.NewPipeline(execution.Dependencies{
		Tasks:     c.tasks,
		Gateways:  gateways,
		Providers: c.resolver,
		Watcher:   watcher,
	}, cfg.Execution, log.Named("execution"))
	if err != nil {
		return fmt.Errorf("failed to create execution pipeline: %w", err)
	}

	if _, err := recovery.NewSweeper(c.tasks, c.queue, log.Named("recovery")).Sweep(ctx); err != nil {
		log.Warn("startup recovery sweep failed", zap.Error(err))
	}

	queueErr := make(chan error, 1)
	workers.Add(1)
	go func() {
		defer workers.Done()
		if err := c.queue.Run(runCtx, pipeline.Run); err != nil {
			queueErr <- err
		}
	}()

	srv, err := http.NewServer(http.Dependencies{
		Tasks:  c.tasks,
		Queue:  c.queue,
		Events: c.events,
	}, log.Named("http"), &http.Config{
		Host:       cfg.Server.Host,
		Port:       cfg.Server.Port,
		TailBudget: cfg.Server.TailBudget.Duration(),
		Version:    version,
	})
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err == nil {
			err = errors.New("stopped unexpectedly")
		}
		runErr = fmt.Errorf("http server: %w", err)
	case err := <-queueErr:
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown failed", zap.Error(err))
	}

	return runErr
}

// stopInOrder runs each stop function to completion before the next.
func stopInOrder(stops ...func()) {
	for _, stop := range stops {
		stop()
	}
}

// newWatcher builds the auto-merge watcher for the configured driver. The
// returned stop function releases it.
func newWatcher(cfg *config.Config, tasks *task.Service, gateways execution.Gateways, log *zap.Logger) (execution.MergeWatcher, func(), error) {
	if cfg.AutoMerge.Driver != "temporal" {
		w := execution.NewPollWatcher(tasks, gateways, cfg.AutoMerge, log.Named("automerge"))
		return w, w.Stop, nil
	}

	tc, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("unable to create Temporal client: %w", err)
	}

	w := workflows.NewWorker(tc, cfg.Temporal.TaskQueue, workflows.NewActivities(tasks, gateways))
	if err := w.Start(); err != nil {
		tc.Close()
		return nil, nil, fmt.Errorf("unable to start Temporal worker: %w", err)
	}
	log.Info("temporal worker started",
		zap.String("host", cfg.Temporal.HostPort),
		zap.String("namespace", cfg.Temporal.Namespace),
		zap.String("task_queue", cfg.Temporal.TaskQueue))

	stop := func() {
		w.Stop()
		tc.Close()
	}
	return workflows.NewTemporalWatcher(tc, cfg.Temporal.TaskQueue, cfg.AutoMerge, log.Named("automerge")), stop, nil
}
