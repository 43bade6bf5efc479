package domain

import (
	"errors"
	"time"
)

// ErrInvalidTransition is returned when a task status change is not allowed
// by the lifecycle table.
var ErrInvalidTransition = errors.New("invalid status transition")

// =============================================================================
// Task Status Lifecycle
// =============================================================================

// TaskStatus is the externally persisted lifecycle state of a deployment task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "deployment_pending"
	StatusDeploying  TaskStatus = "deploying"
	StatusDeployed   TaskStatus = "deployed"
	StatusFailed     TaskStatus = "deployment_failed"
	StatusRolledBack TaskStatus = "rolled_back"
)

// Terminal reports whether the status ends an attempt. The agent never leaves
// a task in deploying once a cycle completes.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusDeployed, StatusFailed, StatusRolledBack:
		return true
	}
	return false
}

// validTransitions defines the one-directional lifecycle. Deploying is entered
// exactly once per attempt; an operator resets a terminal task to pending to
// retry it, which produces a fresh attempt.
var validTransitions = map[TaskStatus][]TaskStatus{
	StatusPending:    {StatusDeploying},
	StatusDeploying:  {StatusDeployed, StatusFailed, StatusRolledBack},
	StatusDeployed:   {StatusPending},
	StatusFailed:     {StatusPending},
	StatusRolledBack: {StatusPending},
}

// ValidateTransition checks if a status transition is allowed.
func ValidateTransition(from, to TaskStatus) error {
	for _, s := range validTransitions[from] {
		if s == to {
			return nil
		}
	}
	return ErrInvalidTransition
}

// =============================================================================
// Audit Events
// =============================================================================

// EventType classifies an audit record in the deployment_events trail.
type EventType string

const (
	EventDeploymentStarted  EventType = "DEPLOYMENT_STARTED"
	EventDeployed           EventType = "DEPLOYED"
	EventDeploymentFailed   EventType = "DEPLOYMENT_FAILED"
	EventRolledBack         EventType = "ROLLED_BACK"
	EventStrategyDowngraded EventType = "STRATEGY_DOWNGRADED"
)

// Event is one append-only audit row for a task lifecycle transition.
type Event struct {
	ID        int64          `json:"id" db:"id"`
	TaskID    string         `json:"task_id" db:"task_id"`
	Type      EventType      `json:"event_type" db:"event_type"`
	Details   map[string]any `json:"details,omitempty" db:"-"`
	Timestamp time.Time      `json:"timestamp" db:"timestamp"`
}
