package lib

import (
	"errors"
	"fmt"
	"strings"
)

// JobError represents an orchestration error with context and guidance
type JobError struct {
	Category    ErrorCategory
	Message     string   // Short description of what went wrong
	Cause       error    // Underlying error
	Guidance    []string // What the operator can do about it
	HTTPStatus  int      // HTTP status code if applicable
	IsRetryable bool     // Can this error be automatically retried?
}

// ErrorCategory classifies errors for propagation policy and UX
type ErrorCategory string

const (
	// CategoryFatalJobIssue marks splitting or output failures. The job is
	// driven to an ERROR-flavored terminal status instead of hanging.
	CategoryFatalJobIssue ErrorCategory = "fatal_job_issue"
	// CategoryResolutionGap marks a property that could not be resolved or parsed
	CategoryResolutionGap ErrorCategory = "resolution_gap"
	// CategoryTransportAnomaly marks a response for an unknown or finished job
	CategoryTransportAnomaly ErrorCategory = "transport_anomaly"
	// CategoryCallbackFailure marks a callback that exhausted its retries
	CategoryCallbackFailure ErrorCategory = "callback_failure"

	CategoryNetwork       ErrorCategory = "network"
	CategoryValidation    ErrorCategory = "validation"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryState         ErrorCategory = "state"
)

// Error implements the error interface
func (e *JobError) Error() string {
	var sb strings.Builder

	// Category prefix for clarity
	sb.WriteString(fmt.Sprintf("[%s] ", strings.ToUpper(string(e.Category))))
	sb.WriteString(e.Message)

	if e.Cause != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Cause))
	}

	if e.HTTPStatus > 0 {
		sb.WriteString(fmt.Sprintf(" (HTTP %d)", e.HTTPStatus))
	}

	return sb.String()
}

// UserMessage returns a formatted message suitable for displaying to operators
func (e *JobError) UserMessage() string {
	var sb strings.Builder

	sb.WriteString("Error: ")
	sb.WriteString(e.Message)
	sb.WriteString("\n\n")

	if len(e.Guidance) > 0 {
		sb.WriteString("How to fix:\n")
		for i, guide := range e.Guidance {
			sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, guide))
		}
	}

	if e.Cause != nil {
		sb.WriteString(fmt.Sprintf("\nTechnical details: %v\n", e.Cause))
	}

	if e.IsRetryable {
		sb.WriteString("\nThis error is transient and will be retried.\n")
	}

	return sb.String()
}

// Unwrap returns the underlying cause for errors.Is/As compatibility
func (e *JobError) Unwrap() error {
	return e.Cause
}

// IsCategory reports whether err is a JobError of the given category
func IsCategory(err error, category ErrorCategory) bool {
	var jobErr *JobError
	if errors.As(err, &jobErr) {
		return jobErr.Category == category
	}
	return false
}

// Fatal job issues

// ErrSplitFailed creates an error for a task that could not be split
func ErrSplitFailed(jobID string, taskIdx int, cause error) *JobError {
	return &JobError{
		Category: CategoryFatalJobIssue,
		Message:  fmt.Sprintf("Failed to split task %d of job %s", taskIdx, jobID),
		Cause:    cause,
		Guidance: []string{
			"Check the job's pipeline definition and media properties",
			"The job continues to a terminal ERROR status",
		},
		IsRetryable: false,
	}
}

// ErrOutputAssembly creates an error for a media item whose output could not be built
func ErrOutputAssembly(jobID string, mediaID int64, cause error) *JobError {
	return &JobError{
		Category: CategoryFatalJobIssue,
		Message:  fmt.Sprintf("Failed to build output for media %d of job %s", mediaID, jobID),
		Cause:    cause,
		Guidance: []string{
			"Output for the remaining media was still written",
			"Inspect the stored tracks for this media",
		},
		IsRetryable: false,
	}
}

// ErrInvalidTrigger creates an error for a malformed TRIGGER property
func ErrInvalidTrigger(action string, value string) *JobError {
	return &JobError{
		Category: CategoryFatalJobIssue,
		Message:  fmt.Sprintf("Action %s has an invalid TRIGGER %q", action, value),
		Guidance: []string{
			"Triggers must have the form KEY=VALUE with a non-empty key",
		},
		IsRetryable: false,
	}
}

// Resolution gaps

// ErrUnresolvedProperty creates an error for a property no level supplied
func ErrUnresolvedProperty(name string) *JobError {
	return &JobError{
		Category: CategoryResolutionGap,
		Message:  fmt.Sprintf("Property %s is not set at any level", name),
		Guidance: []string{
			"Set it on the job, action, media or as a workflow default",
		},
		IsRetryable: false,
	}
}

// ErrPropertyParse creates an error for a resolved value of the wrong type
func ErrPropertyParse(name string, value string, cause error) *JobError {
	return &JobError{
		Category: CategoryResolutionGap,
		Message:  fmt.Sprintf("Property %s has unparseable value %q", name, value),
		Cause:    cause,
		Guidance: []string{
			fmt.Sprintf("Fix the value of %s where it is set", name),
		},
		IsRetryable: false,
	}
}

// Transport anomalies

// ErrUnknownJob creates an error for a response addressed to a job the store does not know
func ErrUnknownJob(jobID string, correlationID string) *JobError {
	return &JobError{
		Category: CategoryTransportAnomaly,
		Message:  fmt.Sprintf("Response %s refers to unknown job %s", correlationID, jobID),
		Guidance: []string{
			"The job may have been cleared after completion",
			"The response was dropped",
		},
		IsRetryable: false,
	}
}

// ErrJobAlreadyComplete creates an error for a response arriving after a job finished
func ErrJobAlreadyComplete(jobID string, correlationID string) *JobError {
	return &JobError{
		Category: CategoryTransportAnomaly,
		Message:  fmt.Sprintf("Response %s arrived after job %s completed", correlationID, jobID),
		Guidance: []string{
			"Check for duplicated deliveries on the transport",
		},
		IsRetryable: false,
	}
}

// Callback failures

// ErrCallbackFailed creates an error for a callback that exhausted its retries
func ErrCallbackFailed(url string, attempts int, statusCode int, cause error) *JobError {
	return &JobError{
		Category:   CategoryCallbackFailure,
		Message:    fmt.Sprintf("Callback to %s failed after %d attempts", url, attempts),
		Cause:      cause,
		HTTPStatus: statusCode,
		Guidance: []string{
			"Check that the callback endpoint is reachable",
			"The job's own status is not affected",
		},
		IsRetryable: false,
	}
}

// Network Errors

// ErrNetworkUnreachable creates an error for network connectivity issues
func ErrNetworkUnreachable(url string, cause error) *JobError {
	return &JobError{
		Category: CategoryNetwork,
		Message:  fmt.Sprintf("Cannot reach service at %s", url),
		Cause:    cause,
		Guidance: []string{
			"Check that the service is running",
			fmt.Sprintf("Verify the URL is correct: %s", url),
			"Check your network connection",
		},
		IsRetryable: true,
	}
}

// Configuration Errors

// ErrInvalidConfig creates an error for configuration validation failures
func ErrInvalidConfig(field string, reason string) *JobError {
	return &JobError{
		Category: CategoryConfiguration,
		Message:  fmt.Sprintf("Invalid configuration: %s", reason),
		Guidance: []string{
			fmt.Sprintf("Check the '%s' field in your config file", field),
			"Compare with mediaflow.example.yaml for correct format",
		},
		IsRetryable: false,
	}
}

// ErrInvalidJobRequest creates an error for a job request that failed validation
func ErrInvalidJobRequest(source string, cause error) *JobError {
	return &JobError{
		Category: CategoryValidation,
		Message:  fmt.Sprintf("Invalid job request %s", source),
		Cause:    cause,
		Guidance: []string{
			"Check the request against the job request schema",
			"Every task needs at least one action and every action an algorithm",
		},
		IsRetryable: false,
	}
}

// State Errors

// ErrJobNotFound creates an error for a missing job
func ErrJobNotFound(jobID string) *JobError {
	return &JobError{
		Category: CategoryState,
		Message:  fmt.Sprintf("Job '%s' not found", jobID),
		Guidance: []string{
			"Check the job ID is correct",
			"Use 'mediaflow job list' to see all available jobs",
		},
		IsRetryable: false,
	}
}

// ErrJobLocked creates an error when a job's output is locked by another process
func ErrJobLocked(jobID string) *JobError {
	return &JobError{
		Category: CategoryState,
		Message:  fmt.Sprintf("Job '%s' is currently being written by another process", jobID),
		Guidance: []string{
			"Wait for the other operation to complete",
			"Check if another mediaflow process is running",
		},
		IsRetryable: true,
	}
}

// Helper Functions

// WrapError wraps a standard error with JobError context
func WrapError(category ErrorCategory, message string, cause error, guidance ...string) *JobError {
	return &JobError{
		Category:    category,
		Message:     message,
		Cause:       cause,
		Guidance:    guidance,
		IsRetryable: IsNetworkError(cause),
	}
}

// ClassifyError examines an error and returns appropriate guidance
func ClassifyError(err error) *JobError {
	if err == nil {
		return nil
	}

	// Already a JobError
	var jobErr *JobError
	if errors.As(err, &jobErr) {
		return jobErr
	}

	if IsNetworkError(err) {
		return &JobError{
			Category:    CategoryNetwork,
			Message:     "Network connectivity issue",
			Cause:       err,
			Guidance:    []string{"Check network connection", "Verify service is running"},
			IsRetryable: true,
		}
	}

	// Generic fallback
	return &JobError{
		Category:    CategoryValidation,
		Message:     "An error occurred",
		Cause:       err,
		Guidance:    []string{"Check the technical details below", "See logs for more information"},
		IsRetryable: false,
	}
}
