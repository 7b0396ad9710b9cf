package lib_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trobanga/mediaflow/internal/lib"
)

func TestJobError_Error(t *testing.T) {
	err := &lib.JobError{
		Category: lib.CategoryCallbackFailure,
		Message:  "Callback failed",
		Cause:    errors.New("dial tcp: connection refused"),
	}

	result := err.Error()
	assert.Contains(t, result, "[CALLBACK_FAILURE]")
	assert.Contains(t, result, "Callback failed")
	assert.Contains(t, result, "connection refused")
}

func TestJobError_ErrorWithHTTPStatus(t *testing.T) {
	err := lib.ErrCallbackFailed("http://cb", 3, 503, nil)
	assert.Contains(t, err.Error(), "(HTTP 503)")
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestJobError_UserMessage(t *testing.T) {
	err := lib.ErrSplitFailed("job-1", 2, errors.New("boom"))
	msg := err.UserMessage()

	assert.Contains(t, msg, "Failed to split task 2 of job job-1")
	assert.Contains(t, msg, "How to fix:")
	assert.Contains(t, msg, "Technical details: boom")
	assert.NotContains(t, msg, "retried")
}

func TestJobError_Unwrap(t *testing.T) {
	cause := errors.New("root")
	wrapped := fmt.Errorf("outer: %w", lib.ErrPropertyParse("CONFIDENCE_THRESHOLD", "abc", cause))

	assert.ErrorIs(t, wrapped, cause)
	assert.True(t, lib.IsCategory(wrapped, lib.CategoryResolutionGap))
	assert.False(t, lib.IsCategory(wrapped, lib.CategoryFatalJobIssue))
	assert.False(t, lib.IsCategory(cause, lib.CategoryResolutionGap))
}

func TestConstructors_Categories(t *testing.T) {
	tests := []struct {
		name     string
		err      *lib.JobError
		category lib.ErrorCategory
	}{
		{"split", lib.ErrSplitFailed("j", 0, nil), lib.CategoryFatalJobIssue},
		{"output", lib.ErrOutputAssembly("j", 1, nil), lib.CategoryFatalJobIssue},
		{"trigger", lib.ErrInvalidTrigger("A", "=x"), lib.CategoryFatalJobIssue},
		{"unresolved", lib.ErrUnresolvedProperty("X"), lib.CategoryResolutionGap},
		{"unknown job", lib.ErrUnknownJob("j", "j:1"), lib.CategoryTransportAnomaly},
		{"late response", lib.ErrJobAlreadyComplete("j", "j:1"), lib.CategoryTransportAnomaly},
		{"callback", lib.ErrCallbackFailed("u", 1, 0, nil), lib.CategoryCallbackFailure},
		{"config", lib.ErrInvalidConfig("store.driver", "bad"), lib.CategoryConfiguration},
		{"not found", lib.ErrJobNotFound("j"), lib.CategoryState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.category, tt.err.Category)
			assert.NotEmpty(t, tt.err.Guidance)
		})
	}
}

func TestClassifyError(t *testing.T) {
	assert.Nil(t, lib.ClassifyError(nil))

	existing := lib.ErrJobNotFound("abc")
	assert.Same(t, existing, lib.ClassifyError(fmt.Errorf("wrap: %w", existing)))

	network := lib.ClassifyError(errors.New("dial tcp 127.0.0.1:1: connection refused"))
	require.NotNil(t, network)
	assert.Equal(t, lib.CategoryNetwork, network.Category)
	assert.True(t, network.IsRetryable)

	generic := lib.ClassifyError(errors.New("something odd"))
	assert.Equal(t, lib.CategoryValidation, generic.Category)
	assert.False(t, generic.IsRetryable)
}
