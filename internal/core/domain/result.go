package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Deployment Attempt
// =============================================================================

// DeploymentAttempt identifies one execution of the pipeline for a task.
// Attempt IDs are never reused; a retried task gets a new one.
type DeploymentAttempt struct {
	DeploymentID string       `json:"deployment_id"`
	TaskID       string       `json:"task_id"`
	Strategy     StrategyName `json:"strategy"`
	StartedAt    time.Time    `json:"started_at"`
}

// NewAttempt creates an attempt with a globally unique deployment ID derived
// from the task id, a time component, and a random suffix.
func NewAttempt(taskID string, strategy StrategyName) DeploymentAttempt {
	now := time.Now().UTC()
	return DeploymentAttempt{
		DeploymentID: fmt.Sprintf("dep-%s-%d-%s", taskID, now.UnixNano(), uuid.New().String()[:8]),
		TaskID:       taskID,
		Strategy:     strategy,
		StartedAt:    now,
	}
}

// =============================================================================
// Deployment Result
// =============================================================================

// DeploymentResult is the terminal outcome of one attempt.
type DeploymentResult struct {
	Success           bool              `json:"success"`
	Strategy          StrategyName      `json:"strategy"`
	DeploymentID      string            `json:"deployment_id"`
	Err               error             `json:"-"`
	Error             string            `json:"error,omitempty"`
	RollbackAttempted bool              `json:"rollback_attempted"`
	RollbackSucceeded *bool             `json:"rollback_succeeded,omitempty"`
	Metrics           map[string]any    `json:"metrics,omitempty"`
	DeploymentInfo    map[string]string `json:"deployment_info,omitempty"`
}

// FinalStatus maps the result to the task's terminal status.
func (r DeploymentResult) FinalStatus() TaskStatus {
	if r.Success {
		return StatusDeployed
	}
	if r.RollbackAttempted && r.RollbackSucceeded != nil && *r.RollbackSucceeded {
		return StatusRolledBack
	}
	return StatusFailed
}

// =============================================================================
// Health Status
// =============================================================================

// HealthStatus is the aggregate readiness signal for a deployment. It is
// derived per validation, never persisted on its own.
type HealthStatus struct {
	Healthy bool            `json:"healthy"`
	Message string          `json:"message"`
	Checks  map[string]bool `json:"checks"`
}
