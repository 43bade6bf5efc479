// Command deployd is the deployment agent daemon: it polls the task queue
// for pending deployment tasks and drives each one through the strategy
// orchestrator.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/floraldo/hive-sub000/internal/core/domain"
	"github.com/floraldo/hive-sub000/internal/core/strategy"
	"github.com/floraldo/hive-sub000/internal/engine"
	"github.com/floraldo/hive-sub000/internal/shell/cluster"
	"github.com/floraldo/hive-sub000/internal/shell/docker"
	"github.com/floraldo/hive-sub000/internal/shell/health"
	"github.com/floraldo/hive-sub000/internal/shell/remote"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// Exit codes
const (
	ExitSuccess     = 0
	ExitConfigError = 1
	ExitQueueError  = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to config file")
	testMode := flag.Bool("test-mode", false, "Run with a short polling interval")
	pollingInterval := flag.Int("polling-interval", 0, "Polling interval in seconds (overrides config)")
	once := flag.Bool("once", false, "Run a single polling cycle and exit")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Handle version flag
	if *showVersion {
		fmt.Printf("deployd %s (built %s)\n", Version, BuildTime)
		return ExitSuccess
	}

	// Load configuration
	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return ExitConfigError
	}

	// Flags override the configured interval; test mode overrides both.
	if *pollingInterval > 0 {
		cfg.Polling.Interval = time.Duration(*pollingInterval) * time.Second
	}
	if *testMode {
		cfg.Polling.Interval = 2 * time.Second
	}

	// Setup logger
	logger := SetupLogger(cfg)
	logger.Info("starting deployd",
		"version", Version,
		"config", *configPath,
		"polling_interval", cfg.Polling.Interval,
		"test_mode", *testMode,
	)

	// The queue must be reachable at startup; without it the agent can do
	// nothing useful.
	queue, err := engine.OpenQueue(cfg.Database.DSN)
	if err != nil {
		logger.Error("task queue unreachable", "dsn", cfg.Database.DSN, "error", err)
		return ExitQueueError
	}
	defer queue.Close()

	agent, cleanup, err := buildAgent(cfg, queue, logger)
	if err != nil {
		logger.Error("failed to assemble agent", "error", err)
		return ExitConfigError
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *once {
		agent.RunOnce(ctx)
		stats := agent.Stats()
		logger.Info("single cycle complete",
			"processed", stats.TasksProcessed,
			"succeeded", stats.Succeeded,
			"failed", stats.Failed,
			"rolled_back", stats.RolledBack,
		)
		return ExitSuccess
	}

	agent.Start()
	<-ctx.Done()
	logger.Info("shutdown signal received")
	agent.Stop()

	stats := agent.Stats()
	logger.Info("deployd stopped",
		"cycles", stats.CyclesCompleted,
		"processed", stats.TasksProcessed,
		"succeeded", stats.Succeeded,
		"failed", stats.Failed,
		"rolled_back", stats.RolledBack,
		"panics", stats.Panics,
		"errors", stats.Errors,
	)
	return ExitSuccess
}

// buildAgent wires the strategy registry, health checker, orchestrator, event
// bus, and metrics into a polling agent. The returned cleanup releases
// clients and the bus.
func buildAgent(cfg *Config, queue *engine.SQLiteQueue, logger *slog.Logger) (*engine.Agent, func(), error) {
	strategies := map[domain.StrategyName]strategy.Strategy{}
	var closers []func()

	// Direct serves blue-green intents too and is the universal rollback path.
	direct := remote.NewDirectStrategy(nil, logger)
	strategies[domain.StrategyDirect] = direct
	strategies[domain.StrategyBlueGreen] = direct

	dockerClient, err := docker.NewSDKClient(cfg.Docker.Host)
	if err != nil {
		return nil, nil, fmt.Errorf("create docker client: %w", err)
	}
	closers = append(closers, func() { dockerClient.Close() })
	strategies[domain.StrategyRolling] = docker.NewRollingStrategy(dockerClient, logger)

	// A cluster client needs a kubeconfig; hosts without one simply cannot
	// serve canary tasks, which then fail as unregistered.
	if kubeClient, err := cluster.NewKubeClient(); err != nil {
		logger.Warn("kubernetes unavailable, canary strategy disabled", "error", err)
	} else {
		strategies[domain.StrategyCanary] = cluster.NewCanaryStrategy(kubeClient, logger)
	}

	checker := health.NewChecker(logger)
	orchestrator := engine.NewOrchestrator(strategies, checker, queue, logger)

	var bus engine.EventBus = engine.NopBus{}
	if cfg.Bus.Capacity > 0 {
		psBus := engine.NewPubSubBus(cfg.Bus.Capacity, logger)
		closers = append(closers, psBus.Shutdown)
		bus = psBus
	}

	var metrics *engine.Metrics
	if cfg.Metrics.Addr != "" {
		registry := prometheus.NewRegistry()
		metrics = engine.NewMetrics(registry)
		go serveMetrics(cfg.Metrics.Addr, registry, logger)
	} else {
		metrics = engine.NewMetrics(nil)
	}

	agent := engine.NewAgent(queue, orchestrator, bus, metrics, cfg.Polling.Interval, cfg.Polling.BatchSize, logger)

	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	return agent, cleanup, nil
}

// serveMetrics exposes the Prometheus registry. Failures are logged; the
// agent keeps running without the endpoint.
func serveMetrics(addr string, registry *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	logger.Info("metrics endpoint listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics endpoint failed", "error", err)
	}
}
