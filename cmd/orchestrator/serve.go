package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vyvo/studio/backend/pkg/api"
	"github.com/vyvo/studio/backend/pkg/config"
	"github.com/vyvo/studio/backend/pkg/generations"
	"github.com/vyvo/studio/backend/pkg/inference"
	"github.com/vyvo/studio/backend/pkg/instances"
	"github.com/vyvo/studio/backend/pkg/logging"
	"github.com/vyvo/studio/backend/pkg/marketplace"
	"github.com/vyvo/studio/backend/pkg/metrics"
	"github.com/vyvo/studio/backend/pkg/progress"
	"github.com/vyvo/studio/backend/pkg/remote"
	"github.com/vyvo/studio/backend/pkg/setup"
	"github.com/vyvo/studio/backend/pkg/tasks"
	"github.com/vyvo/studio/backend/pkg/telemetry"
	"github.com/vyvo/studio/backend/pkg/workflows"
)

const shutdownTimeout = 15 * time.Second

var errInstanceStopped = errors.New("instance stopped")

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, setup workers and pollers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger := logging.New(os.Stderr, cfg.Log.Format, cfg.Log.Level)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, logger)
		},
	}
}

// runServe wires every component and blocks until ctx is cancelled or the
// listener fails.
func runServe(ctx context.Context, cfg config.Config, logger logging.Logger) error {
	shutdownTracer := telemetry.InitTracer(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Enabled, logger)
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn("tracer shutdown", "error", err)
		}
	}()

	repos, err := openRepositories(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if err := repos.close(); err != nil {
			logger.Warn("close storage", "error", err)
		}
	}()

	m := metrics.New()

	relay, err := openRelay(cfg.Progress, logger)
	if err != nil {
		return fmt.Errorf("open progress relay: %w", err)
	}
	opts := []progress.Option{
		progress.WithBuffer(cfg.Progress.Buffer),
		progress.WithSnapshotRetention(cfg.Progress.SnapshotRetention),
		progress.WithMetrics(m),
	}
	if relay != nil {
		opts = append(opts, progress.WithRelay(relay))
		defer relay.Close()
	}
	broadcaster := progress.NewBroadcaster(logger, opts...)
	defer broadcaster.Close()
	if relay != nil {
		go func() {
			if err := broadcaster.ListenRelay(ctx); err != nil && ctx.Err() == nil {
				logger.Error("progress relay stopped", "error", err)
			}
		}()
	}

	mgr := tasks.NewManager(logger)
	resolver := inference.NewResolver(inference.ResolverConfig{
		Port:          cfg.Inference.Port,
		ProbeTimeout:  cfg.Inference.ProbeTimeout,
		Budget:        cfg.Inference.ResolveBudget,
		ClientTimeout: cfg.Inference.ClientTimeout,
	}, nil, m, logger)

	market := marketplace.NewClient(cfg.Marketplace.BaseURL, cfg.Marketplace.APIKey, cfg.Marketplace.Timeout)
	registry := instances.NewRegistry(repos.instances, market, logger, instances.WithStopHook(func(id string) {
		n := mgr.CancelGroup(id, errInstanceStopped)
		resolver.Cache().Forget(id)
		if n > 0 {
			logger.Info("cancelled background work for instance", "instanceID", id, "tasks", n)
		}
	}))

	script := setup.DefaultScript()
	if cfg.Setup.ScriptPath != "" {
		if script, err = setup.LoadScript(cfg.Setup.ScriptPath); err != nil {
			return err
		}
	}
	executor := remote.NewExecutor(
		&remote.SSHDialer{KeyPath: cfg.SSH.KeyPath, DialTimeout: cfg.SSH.DialTimeout},
		repos.executions, repos.instances, broadcaster, m, logger,
		remote.Config{
			Command:       cfg.SSH.Command,
			Timeout:       cfg.Setup.Timeout,
			GuardInterval: cfg.Setup.GuardInterval,
			DefaultUser:   cfg.SSH.User,
		},
	)
	controller := setup.NewController(repos.instances, repos.executions, executor, mgr, broadcaster, m, logger, setup.Options{
		Script:        script,
		InstallDir:    cfg.Setup.InstallDir,
		InferencePort: cfg.Inference.Port,
		Models:        cfg.Setup.Models,
		TaskTimeout:   cfg.Setup.Timeout + time.Minute,
	})

	catalog := workflows.NewCatalog(repos.workflows, logger)
	gens := generations.NewService(repos.generations, repos.instances, resolver, catalog, mgr, broadcaster, m, logger, generations.Config{
		PollInterval: cfg.Poll.Interval,
		MaxAttempts:  cfg.Poll.MaxAttempts,
		DemoDelay:    cfg.Poll.DemoDelay,
	})

	stopRefresh, err := registry.ScheduleRefresh(ctx, cfg.Refresh.Schedule, cfg.Refresh.Timeout)
	if err != nil {
		return err
	}
	defer stopRefresh()

	srv := api.NewServer(api.Deps{
		Registry:    registry,
		Executions:  repos.executions,
		Setup:       controller,
		Resolver:    resolver,
		Generations: gens,
		Workflows:   catalog,
		Progress:    broadcaster,
		Offers:      market,
		Metrics:     m,
		Logger:      logger,
		APIKeys:     cfg.APIKeys,
	})
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("orchestrator listening", "addr", cfg.ListenAddr, "storage", cfg.Storage.Driver, "relay", cfg.Progress.Relay)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var listenErr error
	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok {
			listenErr = fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.Warn("background tasks did not finish", "error", err)
	}
	logger.Info("orchestrator stopped")
	return listenErr
}

func openRelay(cfg config.ProgressConfig, logger logging.Logger) (progress.Relay, error) {
	switch cfg.Relay {
	case "redis":
		r, err := progress.NewRedisRelay(cfg.RedisURL, cfg.Topic)
		if err != nil {
			return nil, err
		}
		return r, nil
	case "nats":
		r, err := progress.NewNATSRelay(cfg.NATSURL, cfg.Topic, logger)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	return nil, nil
}
