package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattjoyce/slotd/internal/api"
	"github.com/mattjoyce/slotd/internal/auth"
	"github.com/mattjoyce/slotd/internal/config"
	"github.com/mattjoyce/slotd/internal/dispatch"
	"github.com/mattjoyce/slotd/internal/events"
	"github.com/mattjoyce/slotd/internal/lock"
	"github.com/mattjoyce/slotd/internal/log"
	"github.com/mattjoyce/slotd/internal/metrics"
	"github.com/mattjoyce/slotd/internal/queue"
	"github.com/mattjoyce/slotd/internal/scheduler"
	"github.com/mattjoyce/slotd/internal/storage"
	"github.com/mattjoyce/slotd/internal/supervisor"
	"github.com/mattjoyce/slotd/internal/webhook"
	"github.com/mattjoyce/slotd/internal/workspace"
)

// shutdownSlack is added to the agents' end grace when waiting for sessions
// to drain on shutdown.
const shutdownSlack = 5 * time.Second

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	path := resolveConfigPath(*configPath)
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("slotd starting", "version", version, "config", cfg.SourcePath)

	var webhookCfg *webhook.Config
	if cfg.Webhooks != nil {
		wc, err := webhook.FromGlobalConfig(cfg.Webhooks)
		if err != nil {
			logger.Error("invalid webhook configuration", "error", err)
			return 1
		}
		webhookCfg = &wc
	}

	pidLockPath := lock.PathFor(cfg.State.Path)
	pidLock, err := lock.AcquirePIDLock(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLockPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	q := queue.New(db)

	wsManager, err := workspace.NewFSManager(cfg.Workspace.BaseDir, cfg.Workspace.TemplateDir)
	if err != nil {
		logger.Error("failed to initialize workspace manager", "base_dir", cfg.Workspace.BaseDir, "error", err)
		return 1
	}

	m := metrics.New()
	bus := events.NewBus(events.Options{
		BufferSize:       cfg.Events.BufferSize,
		MaxAge:           cfg.Events.MaxAge,
		Retention:        cfg.Events.Retention,
		SubscriberBuffer: cfg.Events.SubscriberBuffer,
		Observer:         m,
	})

	endSignal, err := supervisor.ParseSignal(cfg.Agents.EndSignal)
	if err != nil {
		logger.Error("invalid end signal", "end_signal", cfg.Agents.EndSignal, "error", err)
		return 1
	}
	sup, err := supervisor.New(supervisor.Options{
		Launch:            cfg.Agents.LaunchFor,
		Workspaces:        wsManager,
		Events:            bus,
		InactivityTimeout: cfg.Agents.InactivityTimeout,
		EndGrace:          cfg.Agents.EndGrace,
		EndSignal:         endSignal,
		Observer:          m,
	})
	if err != nil {
		logger.Error("failed to initialize supervisor", "error", err)
		return 1
	}

	disp := dispatch.New(q, sup, dispatch.Options{
		MaxAdvanceAttempts: cfg.Agents.MaxAdvanceAttempts,
		Observer:           m,
	})
	sup.SetOnTerminal(disp.HandleOutcome)
	wsManager.SetInUse(sup.WorkingIn)

	recovered, err := disp.Recover(ctx)
	if err != nil {
		logger.Error("failed to recover queue", "error", err)
		return 1
	}
	logger.Info("queue recovered", "requeued", recovered)

	sched := scheduler.New(q, wsManager, scheduler.Options{
		Interval:         cfg.Service.MaintenanceInterval,
		Jitter:           cfg.Service.MaintenanceJitter,
		HistoryRetention: cfg.State.HistoryRetention,
		WorkspaceMaxAge:  cfg.Workspace.MaxAge,
	}, log.Get())
	sched.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 2)

	apiServer := api.New(api.Config{
		Listen: cfg.API.Listen,
		APIKey: cfg.API.Auth.APIKey,
		Tokens: tokenConfigs(cfg.API.Auth.Tokens),
	}, api.Deps{
		Dispatcher: disp,
		History:    q,
		Sessions:   sup,
		Events:     bus,
		Metrics:    m,
	}, log.WithComponent("api"))
	go func() {
		if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("api: %w", err)
		}
	}()

	if webhookCfg != nil {
		webhookServer := webhook.New(*webhookCfg, disp, log.WithComponent("webhook"))
		go func() {
			if err := webhookServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("webhook: %w", err)
			}
		}()
	}

	logger.Info("slotd running (press Ctrl+C to stop)", "listen", cfg.API.Listen)

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		exitCode = 1
	}

	// Stop taking work before the sessions go away so nothing new is started
	// behind the shutdown.
	disp.Stop()
	sched.Stop()
	cancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.Agents.EndGrace+shutdownSlack)
	defer drainCancel()
	if err := sup.Shutdown(drainCtx); err != nil {
		logger.Warn("sessions still running at shutdown deadline", "error", err)
	}

	logger.Info("slotd stopped")
	return exitCode
}

func tokenConfigs(tokens []config.APIToken) []auth.TokenConfig {
	out := make([]auth.TokenConfig, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, auth.TokenConfig{
			Token:  t.Token,
			Scopes: t.Scopes,
		})
	}
	return out
}
