package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/swarm/internal/capability"
	"github.com/aristath/swarm/internal/config"
	"github.com/aristath/swarm/internal/events"
	"github.com/aristath/swarm/internal/logging"
	"github.com/aristath/swarm/internal/persistence"
	"github.com/aristath/swarm/internal/proc"
	"github.com/aristath/swarm/internal/scheduler"
	"github.com/aristath/swarm/internal/worker"
)

// Exit codes
const (
	exitOK          = 0
	exitError       = 1
	exitTasksFailed = 2
	exitInterrupted = 130
)

const gatewayShutdownTimeout = 5 * time.Second

func main() {
	os.Exit(realMain())
}

func realMain() int {
	// Create signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadDefault()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return exitError
	}

	logger, closer, err := logging.New(cfg.Logging.Dir, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		return exitError
	}
	defer closer.Close()

	res, err := run(ctx, cfg, logger, os.Stdout)
	if res != nil {
		printSummary(os.Stdout, res)
	}
	switch {
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(os.Stderr, "Interrupted")
		return exitInterrupted
	case err != nil:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	case !res.Success():
		return exitTasksFailed
	}
	return exitOK
}

// run wires the pool, coordinator and capability manager from cfg and runs
// the configured task list once.
func run(ctx context.Context, cfg *config.SwarmConfig, logger *slog.Logger, out io.Writer) (*scheduler.SwarmResult, error) {
	if cfg.Scheduler.TasksFile == "" {
		return nil, fmt.Errorf("scheduler.tasks_file is not set")
	}
	tasks, err := loadTasks(cfg.Scheduler.TasksFile)
	if err != nil {
		return nil, err
	}

	bus := events.NewEventBus()
	defer bus.Close()
	go logEvents(bus.SubscribeAll(0), logger)

	tracker := proc.NewTracker()
	// Whatever is still alive on the way out is killed, including providers.
	defer func() {
		if err := tracker.KillAll(); err != nil {
			logger.Error("error killing subprocesses", "error", err)
		}
	}()

	var sink scheduler.ResultSink
	if cfg.Persistence.Path != "" {
		store, err := persistence.NewSQLiteStore(ctx, cfg.Persistence.Path)
		if err != nil {
			return nil, fmt.Errorf("opening run history: %w", err)
		}
		defer store.Close()
		sink = store
	}

	registry, err := capability.RegistryFromConfig(cfg.Providers)
	if err != nil {
		return nil, fmt.Errorf("loading providers: %w", err)
	}
	manager := capability.NewManager(capability.ManagerConfig{
		Registry: registry,
		Launcher: &capability.MCPLauncher{
			GracePeriod: cfg.Pool.GracePeriod,
			Tracker:     tracker,
			Logger:      logger,
		},
		Breakers: capability.NewBreakerRegistry(cfg.Capability.LaunchFailureThreshold, cfg.Capability.BreakerCooldown, logger),
		Bus:      bus,
		Logger:   logger,
	})
	defer func() {
		if err := manager.StopAll(); err != nil {
			logger.Error("error stopping providers", "error", err)
		}
	}()
	for _, e := range manager.Tools() {
		fmt.Fprintf(out, "capability %s (%s)\n", e.QualifiedName, e.Provider)
	}

	// Workers reach providers through the gateway; its URL is passed in the
	// environment of every worker process.
	env := cfg.Pool.Env
	if len(registry.Names()) > 0 {
		gw := capability.NewGateway(manager, logger)
		url, err := gw.Start(cfg.Capability.GatewayAddr)
		if err != nil {
			return nil, err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), gatewayShutdownTimeout)
			defer cancel()
			if err := gw.Shutdown(shutdownCtx); err != nil {
				logger.Error("error stopping capability gateway", "error", err)
			}
		}()
		env = make(map[string]string, len(cfg.Pool.Env)+1)
		for k, v := range cfg.Pool.Env {
			env[k] = v
		}
		env[capability.GatewayURLEnv] = url
	}

	pool := worker.NewPool(worker.Config{
		Command:        cfg.Pool.Command,
		Args:           cfg.Pool.Args,
		Env:            env,
		Dir:            cfg.Pool.Dir,
		DefaultTimeout: cfg.Pool.DefaultTimeout,
		GracePeriod:    cfg.Pool.GracePeriod,
		Logger:         logger,
		Bus:            bus,
		Tracker:        tracker,
	}, cfg.Pool.MaxWorkers)

	coord := scheduler.NewCoordinator(scheduler.Config{
		Pool:           pool,
		RetryBaseDelay: cfg.Scheduler.RetryBaseDelay,
		Sink:           sink,
		Bus:            bus,
		Logger:         logger,
	})
	for _, t := range tasks {
		if err := coord.Submit(t); err != nil {
			return nil, err
		}
	}

	return coord.Run(ctx, cfg.Scheduler.Concurrency)
}

func logEvents(sub *events.Subscription, logger *slog.Logger) {
	for ev := range sub.C {
		logger.Debug("event", "type", ev.EventType(), "subject", ev.Subject())
	}
}

func printSummary(w io.Writer, res *scheduler.SwarmResult) {
	fmt.Fprintf(w, "run %s: %d/%d completed in %s\n", res.RunID, res.Completed, res.Total, res.Duration.Round(time.Millisecond))
	for _, f := range res.Failed {
		fmt.Fprintf(w, "  failed   %s [%s] %s\n", f.TaskID, f.Kind, f.Error)
	}
	for _, id := range res.NotRun {
		fmt.Fprintf(w, "  not run  %s\n", id)
	}
}
