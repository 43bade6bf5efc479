package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/floraldo/hive-sub000/internal/core/domain"
)

// =============================================================================
// Polling Agent
// =============================================================================

// persistTimeout bounds the terminal status and audit writes for one task.
const persistTimeout = 30 * time.Second

// Deployer runs one deployment attempt. Satisfied by *Orchestrator.
type Deployer interface {
	Deploy(ctx context.Context, task domain.DeploymentTask) domain.DeploymentResult
}

// Stats is a snapshot of the agent's lifetime counters.
type Stats struct {
	CyclesCompleted int64 `json:"cycles_completed"`
	TasksProcessed  int64 `json:"tasks_processed"`
	Succeeded       int64 `json:"succeeded"`
	Failed          int64 `json:"failed"`
	RolledBack      int64 `json:"rolled_back"`
	Panics          int64 `json:"panics"`
	Errors          int64 `json:"errors"`
}

// Agent polls the queue for pending tasks and drives each through the
// orchestrator, one at a time. It is the single status writer per task id:
// a task is dispatched only from deployment_pending and always lands on a
// terminal status before the cycle moves on. Shutdown is observed only
// between tasks; a claimed task runs detached from the shutdown signal so
// its deploy and terminal writes always complete.
type Agent struct {
	queue    TaskQueue
	deployer Deployer
	bus      EventBus
	metrics  *Metrics
	logger   *slog.Logger

	interval    time.Duration
	batchSize   int
	taskTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	stats Stats
}

// NewAgent creates a polling agent. bus may be NopBus; metrics may be nil.
func NewAgent(queue TaskQueue, deployer Deployer, bus EventBus, metrics *Metrics, interval time.Duration, batchSize int, logger *slog.Logger) *Agent {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 10
	}
	if bus == nil {
		bus = NopBus{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		queue:       queue,
		deployer:    deployer,
		bus:         bus,
		metrics:     metrics,
		interval:    interval,
		batchSize:   batchSize,
		taskTimeout: 30 * time.Minute,
		logger:      logger.With("component", "agent"),
	}
}

// Start launches the polling loop in its own goroutine.
func (a *Agent) Start() {
	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.wg.Add(1)
	go a.run()
	a.logger.Info("agent started", "polling_interval", a.interval)
}

// Stop requests shutdown and waits for the current cycle to finish.
func (a *Agent) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.logger.Info("agent stopped")
}

// Stats returns a copy of the lifetime counters.
func (a *Agent) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

func (a *Agent) run() {
	defer a.wg.Done()
	a.RunOnce(a.ctx)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.RunOnce(a.ctx)
		}
	}
}

// RunOnce performs a single polling cycle: fetch pending tasks and process
// them sequentially. Cancellation is honored between tasks, never within one.
func (a *Agent) RunOnce(ctx context.Context) {
	tasks, err := a.queue.FetchPending(ctx, a.batchSize)
	if err != nil {
		a.logger.Error("failed to fetch pending tasks", "error", err)
		a.count(func(s *Stats) { s.Errors++ })
		if a.metrics != nil {
			a.metrics.errors.Inc()
		}
		return
	}

	for _, task := range tasks {
		if ctx.Err() != nil {
			a.logger.Info("shutdown requested, leaving remaining tasks pending")
			return
		}
		// Shutdown is only observed here, between tasks. The task itself runs
		// detached from the shutdown signal so a claimed task always reaches
		// a terminal status.
		a.processTask(context.WithoutCancel(ctx), task)
	}

	a.mu.Lock()
	a.stats.CyclesCompleted++
	a.mu.Unlock()
	if a.metrics != nil {
		a.metrics.cycles.Inc()
	}
	if len(tasks) > 0 {
		a.logger.Info("cycle complete", "tasks", len(tasks))
	}
}

// processTask drives one task to a terminal status. Panics from strategy or
// orchestrator code are contained here so one bad task cannot take down the
// loop.
func (a *Agent) processTask(ctx context.Context, task domain.DeploymentTask) {
	logger := a.logger.With("task_id", task.ID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while processing task", "panic", r)
			a.count(func(s *Stats) { s.Panics++; s.Errors++; s.Failed++ })
			if a.metrics != nil {
				a.metrics.panics.Inc()
				a.metrics.errors.Inc()
				a.metrics.failed.Inc()
			}
			if err := a.queue.UpdateStatus(ctx, task.ID, domain.StatusFailed, map[string]any{
				"error": "internal error while processing task",
			}); err != nil {
				logger.Error("failed to mark panicked task failed", "error", err)
			}
		}
	}()

	// Claim the task. A conflict means its status moved underneath us, which
	// should not happen with a single agent; skip rather than fight.
	if err := a.queue.UpdateStatus(ctx, task.ID, domain.StatusDeploying, nil); err != nil {
		logger.Warn("could not claim task", "error", err)
		return
	}
	if err := a.queue.RecordEvent(ctx, task.ID, domain.EventDeploymentStarted, map[string]any{
		"requested_strategy": string(task.RequestedStrategy),
	}); err != nil {
		logger.Warn("failed to record start event", "error", err)
	}

	a.count(func(s *Stats) { s.TasksProcessed++ })
	if a.metrics != nil {
		a.metrics.processed.Inc()
	}

	deployCtx, cancel := context.WithTimeout(ctx, a.taskTimeout)
	result := a.deployer.Deploy(deployCtx, task)
	cancel()
	a.persistResult(ctx, task, result, logger)
}

// persistResult writes the terminal status, audit event, and bus
// notification for a finished attempt.
func (a *Agent) persistResult(ctx context.Context, task domain.DeploymentTask, result domain.DeploymentResult, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	final := result.FinalStatus()

	metadata := map[string]any{
		"deployment_id":      result.DeploymentID,
		"strategy":           string(result.Strategy),
		"rollback_attempted": result.RollbackAttempted,
	}
	if result.Error != "" {
		metadata["error"] = result.Error
	}
	if result.RollbackSucceeded != nil {
		metadata["rollback_succeeded"] = *result.RollbackSucceeded
	}
	if len(result.DeploymentInfo) > 0 {
		metadata["deployment_info"] = result.DeploymentInfo
	}

	if err := a.queue.UpdateStatus(ctx, task.ID, final, metadata); err != nil {
		logger.Error("failed to persist terminal status", "status", final, "error", err)
	}

	eventType, busType := eventsFor(final)
	details := map[string]any{
		"deployment_id": result.DeploymentID,
		"strategy":      string(result.Strategy),
	}
	if result.Error != "" {
		details["error"] = result.Error
	}
	if err := a.queue.RecordEvent(ctx, task.ID, eventType, details); err != nil {
		logger.Warn("failed to record terminal event", "error", err)
	}

	a.bus.Publish(busType, map[string]any{
		"task_id":       task.ID,
		"deployment_id": result.DeploymentID,
		"status":        string(final),
		"strategy":      string(result.Strategy),
	})

	switch final {
	case domain.StatusDeployed:
		a.count(func(s *Stats) { s.Succeeded++ })
		if a.metrics != nil {
			a.metrics.succeeded.Inc()
		}
	case domain.StatusRolledBack:
		a.count(func(s *Stats) { s.RolledBack++ })
		if a.metrics != nil {
			a.metrics.rolledBack.Inc()
		}
	default:
		a.count(func(s *Stats) { s.Failed++ })
		if a.metrics != nil {
			a.metrics.failed.Inc()
		}
	}

	logger.Info("task finished",
		"status", final,
		"deployment_id", result.DeploymentID,
		"strategy", result.Strategy,
	)
}

func (a *Agent) count(f func(*Stats)) {
	a.mu.Lock()
	f(&a.stats)
	a.mu.Unlock()
}

// eventsFor maps a terminal status to its audit event and bus notification.
// The bus only distinguishes success from failure.
func eventsFor(status domain.TaskStatus) (domain.EventType, domain.EventType) {
	switch status {
	case domain.StatusDeployed:
		return domain.EventDeployed, domain.EventDeployed
	case domain.StatusRolledBack:
		return domain.EventRolledBack, domain.EventDeploymentFailed
	default:
		return domain.EventDeploymentFailed, domain.EventDeploymentFailed
	}
}
