package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPilotErrorFormatting(t *testing.T) {
	tests := []struct {
		name string
		err  *PilotError
		want string
	}{
		{
			name: "op with id and cause",
			err:  &PilotError{Op: "state.SaveExecution", ID: "exec-1", Err: ErrStoreUnavailable},
			want: "state.SaveExecution [exec-1]: state store unavailable",
		},
		{
			name: "op with cause only",
			err:  &PilotError{Op: "planner.Plan", Err: errors.New("cycle detected")},
			want: "planner.Plan: cycle detected",
		},
		{
			name: "message only",
			err:  &PilotError{Kind: "executor", Message: "step dispatch failed"},
			want: "step dispatch failed",
		},
		{
			name: "bare cause",
			err:  &PilotError{Err: ErrTimeout},
			want: "operation timeout",
		},
		{
			name: "kind fallback",
			err:  &PilotError{Kind: "state"},
			want: "state error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestPilotErrorUnwrap(t *testing.T) {
	wrapped := NewPilotError("state.LoadExecution", "state", ErrExecutionNotFound)
	assert.ErrorIs(t, wrapped, ErrExecutionNotFound)

	var pe *PilotError
	assert.ErrorAs(t, fmt.Errorf("outer: %w", wrapped), &pe)
	assert.Equal(t, "state.LoadExecution", pe.Op)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrStoreUnavailable))
	assert.True(t, IsRetryable(fmt.Errorf("call: %w", ErrLLMFailed)))
	assert.True(t, IsRetryable(ErrTimeout))
	assert.True(t, IsRetryable(ErrPluginFailed))

	assert.False(t, IsRetryable(ErrExecutionNotFound))
	assert.False(t, IsRetryable(ErrCancelled))
	assert.False(t, IsRetryable(errors.New("arbitrary")))
}

func TestIsNotFound(t *testing.T) {
	for _, err := range []error{ErrExecutionNotFound, ErrWorkflowNotFound, ErrAgentNotFound, ErrPluginNotFound} {
		assert.True(t, IsNotFound(err), err.Error())
		assert.True(t, IsNotFound(fmt.Errorf("lookup: %w", err)))
	}
	assert.False(t, IsNotFound(ErrPluginFailed))
}

func TestIsConfigurationError(t *testing.T) {
	assert.True(t, IsConfigurationError(ErrInvalidConfiguration))
	assert.True(t, IsConfigurationError(ErrMissingConfiguration))
	assert.False(t, IsConfigurationError(ErrPilotDisabled))
}
