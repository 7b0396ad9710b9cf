package models_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/trobanga/mediaflow/internal/models"
)

func TestJobStatus_CompletionStatus(t *testing.T) {
	tests := []struct {
		from models.JobStatus
		want models.JobStatus
	}{
		{models.JobStatusError, models.JobStatusError},
		{models.JobStatusUnknown, models.JobStatusUnknown},
		{models.JobStatusCompleteWithErrors, models.JobStatusCompleteWithErrors},
		{models.JobStatusCompleteWithWarnings, models.JobStatusCompleteWithWarnings},
		{models.JobStatusInProgressWarnings, models.JobStatusCompleteWithWarnings},
		{models.JobStatusInProgressErrors, models.JobStatusCompleteWithErrors},
		{models.JobStatusCancelling, models.JobStatusCancelled},
		{models.JobStatusInProgress, models.JobStatusComplete},
		{models.JobStatusInitialized, models.JobStatusComplete},
		{models.JobStatusBuildingOutput, models.JobStatusComplete},
	}

	for _, tt := range tests {
		t.Run(string(tt.from), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CompletionStatus())
		})
	}
}

func TestJobStatus_UpgradeAfterOutput(t *testing.T) {
	tests := []struct {
		name        string
		from        models.JobStatus
		hasErrors   bool
		hasWarnings bool
		want        models.JobStatus
	}{
		{"clean complete stays", models.JobStatusComplete, false, false, models.JobStatusComplete},
		{"complete with new warnings", models.JobStatusComplete, false, true, models.JobStatusCompleteWithWarnings},
		{"complete with new errors", models.JobStatusComplete, true, false, models.JobStatusCompleteWithErrors},
		{"errors win over warnings", models.JobStatusComplete, true, true, models.JobStatusCompleteWithErrors},
		{"warnings never downgrade errors", models.JobStatusCompleteWithErrors, false, true, models.JobStatusCompleteWithErrors},
		{"non-terminal upgraded", models.JobStatusBuildingOutput, true, false, models.JobStatusCompleteWithErrors},
		{"error is kept", models.JobStatusError, true, true, models.JobStatusError},
		{"cancelled is kept", models.JobStatusCancelled, true, false, models.JobStatusCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.UpgradeAfterOutput(tt.hasErrors, tt.hasWarnings))
		})
	}
}

func TestJobStatus_IsTerminal(t *testing.T) {
	terminal := []models.JobStatus{
		models.JobStatusCreationError, models.JobStatusComplete, models.JobStatusCompleteWithErrors,
		models.JobStatusCompleteWithWarnings, models.JobStatusCancelled, models.JobStatusCancelledByShutdown,
		models.JobStatusError,
	}
	nonTerminal := []models.JobStatus{
		models.JobStatusUnknown, models.JobStatusInitialized, models.JobStatusInProgress,
		models.JobStatusInProgressErrors, models.JobStatusInProgressWarnings,
		models.JobStatusBuildingOutput, models.JobStatusCancelling,
	}

	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), s)
		assert.False(t, s.CanTransitionTo(models.JobStatusInProgress), s)
	}
	for _, s := range nonTerminal {
		assert.False(t, s.IsTerminal(), s)
	}
	assert.False(t, models.IsValidJobStatus("RUNNING"))
}

func TestJobStatus_WithIssue(t *testing.T) {
	assert.Equal(t, models.JobStatusInProgressWarnings, models.JobStatusInProgress.WithIssue(false))
	assert.Equal(t, models.JobStatusInProgressErrors, models.JobStatusInProgress.WithIssue(true))
	assert.Equal(t, models.JobStatusInProgressErrors, models.JobStatusInProgressWarnings.WithIssue(true))
	assert.Equal(t, models.JobStatusInProgressErrors, models.JobStatusInProgressErrors.WithIssue(false))
	assert.Equal(t, models.JobStatusCancelling, models.JobStatusCancelling.WithIssue(true))
}

func TestJobStatus_CanTransitionTo(t *testing.T) {
	assert.True(t, models.JobStatusInitialized.CanTransitionTo(models.JobStatusInProgress))
	assert.True(t, models.JobStatusInProgress.CanTransitionTo(models.JobStatusBuildingOutput))
	assert.True(t, models.JobStatusBuildingOutput.CanTransitionTo(models.JobStatusComplete))
	assert.False(t, models.JobStatusBuildingOutput.CanTransitionTo(models.JobStatusInProgress))
	assert.True(t, models.JobStatusCancelling.CanTransitionTo(models.JobStatusCancelled))
	assert.False(t, models.JobStatusCancelling.CanTransitionTo(models.JobStatusInProgress))
}
