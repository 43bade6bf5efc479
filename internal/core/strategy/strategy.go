// Package strategy defines the contract every deployment strategy variant
// implements. Concrete variants live under internal/shell; the orchestrator
// in internal/engine selects between them.
package strategy

import (
	"context"

	"github.com/floraldo/hive-sub000/internal/core/domain"
)

// Strategy encapsulates platform-specific deploy and rollback mechanics for
// one class of target.
//
// Deploy must be safely re-invocable after a crash and must leave the target
// recoverable by Rollback on partial failure: the previously running instance
// is never removed before the new one passes its own readiness gate. Rollback
// must work even when Deploy failed partway through.
type Strategy interface {
	// Name returns the strategy's enum identity.
	Name() domain.StrategyName

	// RequiredFields declares the task fields this strategy needs. The
	// orchestrator validates presence before invoking PreDeploymentChecks.
	RequiredFields() []string

	// PreDeploymentChecks verifies target reachability and configuration
	// completeness. It is side-effect free.
	PreDeploymentChecks(ctx context.Context, task domain.DeploymentTask) (bool, []string)

	// Deploy performs the rollout. On success it returns the strategy-specific
	// state to store as the task's next PreviousDeployment, plus timing and
	// sizing metrics.
	Deploy(ctx context.Context, task domain.DeploymentTask, deploymentID string) (bool, map[string]string, map[string]any, error)

	// Rollback restores the last known-good state from previous.
	Rollback(ctx context.Context, task domain.DeploymentTask, deploymentID string, previous map[string]string) (bool, error)

	// PostDeploymentActions runs best-effort cleanup (pruning, registration).
	// Failures are logged by the caller and never flip a successful deploy.
	PostDeploymentActions(ctx context.Context, task domain.DeploymentTask, deploymentID string) error
}

// Keys strategies use in the DeploymentInfo / PreviousDeployment maps.
const (
	InfoStrategy   = "strategy"
	InfoBackupPath = "backup_path"
	InfoImage      = "image"
	InfoImageTag   = "image_tag"
	InfoContainer  = "container_id"
	InfoManifests  = "manifests"
	InfoRevision   = "revision"
)
