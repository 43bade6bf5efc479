package domain

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Taxonomy
// =============================================================================

// Failure kinds. Strategy and orchestrator errors are always converted into
// one of these before crossing a component boundary.
var (
	ErrConfiguration  = errors.New("configuration error")
	ErrPreCheck       = errors.New("pre-deployment check failed")
	ErrDeploy         = errors.New("deployment failed")
	ErrValidation     = errors.New("post-deployment validation failed")
	ErrRollback       = errors.New("rollback failed")
	ErrInfrastructure = errors.New("infrastructure error")
)

// DeployError wraps a failure with the pipeline stage and strategy that
// produced it. Kind is one of the sentinel errors above.
type DeployError struct {
	Kind     error
	Stage    string // "selecting", "pre_checks", "deploy", "validate", "rollback"
	Strategy StrategyName
	Message  string
	Err      error
}

func (e *DeployError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s [%s/%s]: %s: %v", e.Kind, e.Strategy, e.Stage, e.Message, e.Err)
	}
	return fmt.Sprintf("%s [%s/%s]: %s", e.Kind, e.Strategy, e.Stage, e.Message)
}

// Unwrap exposes both the kind and the cause to errors.Is/As via the
// multi-error form.
func (e *DeployError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// NewDeployError creates a DeployError.
func NewDeployError(kind error, stage string, strategy StrategyName, message string, err error) *DeployError {
	return &DeployError{
		Kind:     kind,
		Stage:    stage,
		Strategy: strategy,
		Message:  message,
		Err:      err,
	}
}
