package pilot

import (
	"errors"
	"fmt"
	"strings"
)

// Stable error codes surfaced to callers and stored with failed steps.
const (
	CodeMissingPluginAction       = "MISSING_PLUGIN_ACTION"
	CodeUnknownStepType           = "UNKNOWN_STEP_TYPE"
	CodeInvalidStepType           = "INVALID_STEP_TYPE"
	CodeInvalidInputType          = "INVALID_INPUT_TYPE"
	CodeMissingCondition          = "MISSING_CONDITION"
	CodeMissingOperation          = "MISSING_OPERATION"
	CodeMissingInputData          = "MISSING_INPUT_DATA"
	CodeUnknownTransformOperation = "UNKNOWN_TRANSFORM_OPERATION"
	CodeUnknownComparisonOp       = "UNKNOWN_COMPARISON_OPERATION"
	CodeSubWorkflowFailed         = "SUB_WORKFLOW_FAILED"
	CodeSubWorkflowTimeout        = "SUB_WORKFLOW_TIMEOUT"
	CodeApprovalRejected          = "APPROVAL_REJECTED"
	CodeExecutionTimeout          = "EXECUTION_TIMEOUT"
	CodeExecutionCancelled        = "EXECUTION_CANCELLED"
	CodeWorkflowNotFound          = "WORKFLOW_NOT_FOUND"
	CodeStepExecutionFailed       = "STEP_EXECUTION_FAILED"
	CodeLLMDecisionFailed         = "LLM_DECISION_FAILED"
	CodeMissingParallelExecutor   = "MISSING_PARALLEL_EXECUTOR"
	CodeParameterError            = "PARAMETER_ERROR"
	CodePluginFailed              = "PLUGIN_EXECUTION_FAILED"
	CodeValidationFailed          = "VALIDATION_FAILED"
)

// ExecutionError is a runtime failure tied to a step, carrying a stable code.
type ExecutionError struct {
	StepID  string
	Code    string
	Message string
	Err     error
}

func (e *ExecutionError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("%s at step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// NewExecutionError creates an ExecutionError with a formatted message.
func NewExecutionError(stepID, code, format string, args ...interface{}) *ExecutionError {
	return &ExecutionError{
		StepID:  stepID,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapExecutionError wraps an underlying error with a step id and code.
func WrapExecutionError(stepID, code string, err error) *ExecutionError {
	if err == nil {
		return nil
	}
	return &ExecutionError{
		StepID:  stepID,
		Code:    code,
		Message: err.Error(),
		Err:     err,
	}
}

// ErrorCodeOf extracts the stable code from an error chain, falling back to
// STEP_EXECUTION_FAILED for anonymous failures.
func ErrorCodeOf(err error) string {
	if err == nil {
		return ""
	}
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return CodeStepExecutionFailed
}

// ValidationError reports a malformed workflow definition. It halts planning
// before any step runs.
type ValidationError struct {
	Errors   []string
	Warnings []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("workflow validation failed: %s", e.Errors[0])
	}
	return fmt.Sprintf("workflow validation failed: %s", strings.Join(e.Errors, "; "))
}

// ConditionError reports a bad condition shape or an unparseable expression.
type ConditionError struct {
	Expression string
	Message    string
}

func (e *ConditionError) Error() string {
	if e.Expression != "" {
		return fmt.Sprintf("condition error in %q: %s", e.Expression, e.Message)
	}
	return fmt.Sprintf("condition error: %s", e.Message)
}

// ResolutionError reports an unresolvable {{...}} reference. Callers may
// treat it as recoverable (templates fall back to empty string).
type ResolutionError struct {
	Reference string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve reference %q", e.Reference)
}
