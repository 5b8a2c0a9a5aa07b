package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Engine-level errors
	ErrPilotDisabled     = errors.New("pilot is disabled")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrAgentNotFound     = errors.New("agent not found")

	// Plugin/LLM errors
	ErrPluginNotFound = errors.New("plugin not found")
	ErrPluginFailed   = errors.New("plugin execution failed")
	ErrLLMFailed      = errors.New("llm call failed")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// Operation errors
	ErrTimeout            = errors.New("operation timeout")
	ErrCancelled          = errors.New("execution cancelled")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrPaused             = errors.New("execution paused")

	// Storage errors
	ErrStoreUnavailable = errors.New("state store unavailable")
)

// PilotError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type PilotError struct {
	Op      string // Operation that failed (e.g., "state.SaveExecution")
	Kind    string // Error kind (e.g., "planner", "executor", "state")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *PilotError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *PilotError) Unwrap() error {
	return e.Err
}

// NewPilotError creates a new PilotError
func NewPilotError(op, kind string, err error) *PilotError {
	return &PilotError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsRetryable checks if an error is retryable.
// Retryable errors are typically transient network or availability issues.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrPluginFailed) ||
		errors.Is(err, ErrLLMFailed)
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound) ||
		errors.Is(err, ErrWorkflowNotFound) ||
		errors.Is(err, ErrAgentNotFound) ||
		errors.Is(err, ErrPluginNotFound)
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}
