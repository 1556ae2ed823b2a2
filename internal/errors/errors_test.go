package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DerivesCategoryAndSeverity(t *testing.T) {
	tests := []struct {
		code     string
		category Category
		severity Severity
	}{
		{ErrCodeConfigInvalid, CategoryConfig, SeverityFatal},
		{ErrCodeRetrievalBackend, CategoryStorage, SeverityError},
		{ErrCodeGenerationBackend, CategoryNetwork, SeverityError},
		{ErrCodeSessionNotFound, CategoryValidation, SeverityError},
		{ErrCodeDeadlineExceeded, CategoryInternal, SeverityError},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := New(tt.code, "boom", nil)
			assert.Equal(t, tt.category, err.Category)
			assert.Equal(t, tt.severity, err.Severity)
		})
	}
}

func TestEvidentiaError_IsMatchesByCode(t *testing.T) {
	err := Newf(ErrCodeSessionNotFound, nil, "session %q gone", "abc")
	assert.True(t, stderrors.Is(err, ErrSessionNotFound))
	assert.False(t, stderrors.Is(err, ErrRetrievalBackend))
}

func TestEvidentiaError_UnwrapsChain(t *testing.T) {
	cause := fmt.Errorf("socket closed")
	err := New(ErrCodeGenerationBackend, "llm unreachable", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ErrCodeGenerationBackend, CodeOf(fmt.Errorf("wrapped: %w", err)))
}

func TestCodeOf_UnclassifiedIsInternal(t *testing.T) {
	assert.Equal(t, ErrCodeInternal, CodeOf(fmt.Errorf("plain")))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(ErrCodeGenerationBackend, "down", nil)))
	assert.False(t, IsRetryable(New(ErrCodeLLMTimeout, "slow", nil)))
	assert.False(t, IsRetryable(fmt.Errorf("plain")))
}

func TestRetry_StopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), LLMRetryConfig(), func() error {
		calls++
		return New(ErrCodeLLMTimeout, "timeout", nil)
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "timeouts must not be retried")
}

func TestRetry_RetriesOnceOnTransportError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), LLMRetryConfig(), func() error {
		calls++
		if calls == 1 {
			return New(ErrCodeGenerationBackend, "transport", nil)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetry_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, DefaultRetryConfig(), func() error {
		return New(ErrCodeGenerationBackend, "transport", nil)
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetry_ExhaustsBudget(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1.0}
	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		return New(ErrCodeGenerationBackend, "transport", nil)
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
}
