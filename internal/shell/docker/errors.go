package docker

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	ErrContainerNotFound = errors.New("container not found")
	ErrImageNotFound     = errors.New("image not found")
	ErrImagePullFailed   = errors.New("image pull failed")
	ErrConnectionFailed  = errors.New("docker connection failed")
)

// Error wraps a Docker operation failure with context.
type Error struct {
	Op      string // Operation that failed
	Ref     string // Container or image reference if applicable
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Ref, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op, ref, message string, err error) *Error {
	return &Error{Op: op, Ref: ref, Message: message, Err: err}
}
