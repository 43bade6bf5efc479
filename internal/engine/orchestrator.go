package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/floraldo/hive-sub000/internal/core/domain"
	"github.com/floraldo/hive-sub000/internal/core/strategy"
)

// =============================================================================
// Health Validation
// =============================================================================

// HealthValidator gates a successful deploy on application health.
type HealthValidator interface {
	CheckHealth(ctx context.Context, task domain.DeploymentTask) domain.HealthStatus
	RunSmokeTest(ctx context.Context, task domain.DeploymentTask) domain.HealthStatus
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator runs one deployment attempt end to end: strategy resolution,
// field validation, prechecks, deploy, best-effort post actions, health
// validation, and rollback on failure. It never retries; every attempt
// produces exactly one terminal result for the agent to persist.
type Orchestrator struct {
	strategies map[domain.StrategyName]strategy.Strategy
	health     HealthValidator
	audit      TaskQueue
	logger     *slog.Logger
}

// NewOrchestrator creates an orchestrator over the given strategy registry.
// audit may be nil; downgrade events are then only logged.
func NewOrchestrator(strategies map[domain.StrategyName]strategy.Strategy, health HealthValidator, audit TaskQueue, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		strategies: strategies,
		health:     health,
		audit:      audit,
		logger:     logger.With("component", "orchestrator"),
	}
}

// Deploy executes the pipeline for one task and returns its terminal result.
func (o *Orchestrator) Deploy(ctx context.Context, task domain.DeploymentTask) domain.DeploymentResult {
	res := domain.ResolveStrategy(task.RequestedStrategy, task.Environment)
	if res.Downgraded {
		o.logger.Warn("strategy downgraded",
			"task_id", task.ID,
			"requested", task.RequestedStrategy,
			"resolved", res.Strategy,
			"reason", res.Reason,
		)
		o.recordDowngrade(ctx, task, res)
	}

	attempt := domain.NewAttempt(task.ID, res.Strategy)
	logger := o.logger.With("task_id", task.ID, "deployment_id", attempt.DeploymentID, "strategy", res.Strategy)

	result := domain.DeploymentResult{
		Strategy:     res.Strategy,
		DeploymentID: attempt.DeploymentID,
	}

	impl, ok := o.strategies[res.Strategy]
	if !ok {
		return o.fail(result, domain.NewDeployError(domain.ErrConfiguration, "selecting", res.Strategy,
			fmt.Sprintf("no strategy registered for %q", res.Strategy), nil))
	}

	if missing := task.MissingFields(impl.RequiredFields()); len(missing) > 0 {
		return o.fail(result, domain.NewDeployError(domain.ErrConfiguration, "selecting", res.Strategy,
			fmt.Sprintf("task is missing required fields: %s", strings.Join(missing, ", ")), nil))
	}

	// Prechecks are side-effect free, so a failure here needs no rollback.
	if ok, problems := impl.PreDeploymentChecks(ctx, task); !ok {
		return o.fail(result, domain.NewDeployError(domain.ErrPreCheck, "pre_checks", res.Strategy,
			strings.Join(problems, "; "), nil))
	}

	logger.Info("deploying")
	success, info, metrics, err := impl.Deploy(ctx, task, attempt.DeploymentID)
	result.DeploymentInfo = info
	result.Metrics = metrics
	if err != nil || !success {
		if err == nil {
			err = fmt.Errorf("strategy reported failure")
		}
		logger.Error("deploy failed", "error", err)
		deployErr := domain.NewDeployError(domain.ErrDeploy, "deploy", res.Strategy, "deploy failed", err)
		return o.rollback(ctx, task, logger, o.fail(result, deployErr))
	}

	// Post actions never flip a successful deploy.
	if err := impl.PostDeploymentActions(ctx, task, attempt.DeploymentID); err != nil {
		logger.Warn("post-deployment actions failed", "error", err)
	}

	health := o.health.CheckHealth(ctx, task)
	if !health.Healthy {
		logger.Error("health validation failed", "message", health.Message)
		valErr := domain.NewDeployError(domain.ErrValidation, "validate", res.Strategy, health.Message, nil)
		return o.rollback(ctx, task, logger, o.fail(result, valErr))
	}

	if task.RunSmokeTests {
		smoke := o.health.RunSmokeTest(ctx, task)
		if !smoke.Healthy {
			logger.Error("smoke test failed", "message", smoke.Message)
			valErr := domain.NewDeployError(domain.ErrValidation, "validate", res.Strategy, smoke.Message, nil)
			return o.rollback(ctx, task, logger, o.fail(result, valErr))
		}
	}

	result.Success = true
	logger.Info("deployment succeeded")
	return result
}

// fail finalizes a result with its terminal error.
func (o *Orchestrator) fail(result domain.DeploymentResult, err *domain.DeployError) domain.DeploymentResult {
	result.Success = false
	result.Err = err
	result.Error = err.Error()
	return result
}

// rollback attempts to restore the previous deployment after a failed deploy
// or validation. Rollback always runs through the direct strategy; without a
// recorded previous deployment there is nothing to restore and the attempt is
// not made.
func (o *Orchestrator) rollback(ctx context.Context, task domain.DeploymentTask, logger *slog.Logger, result domain.DeploymentResult) domain.DeploymentResult {
	if len(task.PreviousDeployment) == 0 {
		logger.Warn("no previous deployment recorded, skipping rollback")
		result.RollbackAttempted = false
		result.Error = result.Error + "; rollback skipped: no previous deployment recorded"
		return result
	}

	direct, ok := o.strategies[domain.StrategyDirect]
	if !ok {
		logger.Error("direct strategy unavailable for rollback")
		result.RollbackAttempted = false
		result.Error = result.Error + "; rollback skipped: direct strategy unavailable"
		return result
	}

	logger.Info("rolling back")
	result.RollbackAttempted = true

	succeeded, err := direct.Rollback(ctx, task, result.DeploymentID, task.PreviousDeployment)
	if err != nil {
		logger.Error("rollback failed", "error", err)
		succeeded = false
		result.Error = result.Error + "; " + domain.NewDeployError(
			domain.ErrRollback, "rollback", domain.StrategyDirect, "rollback failed", err).Error()
	} else if succeeded {
		logger.Info("rollback succeeded")
	}
	result.RollbackSucceeded = &succeeded
	return result
}

// recordDowngrade writes the downgrade to the audit trail, best effort.
func (o *Orchestrator) recordDowngrade(ctx context.Context, task domain.DeploymentTask, res domain.Resolution) {
	if o.audit == nil {
		return
	}
	err := o.audit.RecordEvent(ctx, task.ID, domain.EventStrategyDowngraded, map[string]any{
		"requested": string(task.RequestedStrategy),
		"resolved":  string(res.Strategy),
		"reason":    res.Reason,
	})
	if err != nil {
		o.logger.Warn("failed to record downgrade event", "task_id", task.ID, "error", err)
	}
}
