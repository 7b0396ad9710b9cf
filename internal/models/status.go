package models

// JobStatus defines the execution state of a job
type JobStatus string

const (
	JobStatusUnknown              JobStatus = "UNKNOWN"
	JobStatusInitialized          JobStatus = "INITIALIZED"
	JobStatusInProgress           JobStatus = "IN_PROGRESS"
	JobStatusInProgressWarnings   JobStatus = "IN_PROGRESS_WARNINGS"
	JobStatusInProgressErrors     JobStatus = "IN_PROGRESS_ERRORS"
	JobStatusBuildingOutput       JobStatus = "BUILDING_OUTPUT_OBJECT"
	JobStatusCancelling           JobStatus = "CANCELLING"
	JobStatusCreationError        JobStatus = "JOB_CREATION_ERROR"
	JobStatusComplete             JobStatus = "COMPLETE"
	JobStatusCompleteWithWarnings JobStatus = "COMPLETE_WITH_WARNINGS"
	JobStatusCompleteWithErrors   JobStatus = "COMPLETE_WITH_ERRORS"
	JobStatusCancelled            JobStatus = "CANCELLED"
	JobStatusCancelledByShutdown  JobStatus = "CANCELLED_BY_SHUTDOWN"
	JobStatusError                JobStatus = "ERROR"
)

var terminalStatuses = map[JobStatus]bool{
	JobStatusUnknown:              false,
	JobStatusInitialized:          false,
	JobStatusInProgress:           false,
	JobStatusInProgressWarnings:   false,
	JobStatusInProgressErrors:     false,
	JobStatusBuildingOutput:       false,
	JobStatusCancelling:           false,
	JobStatusCreationError:        true,
	JobStatusComplete:             true,
	JobStatusCompleteWithWarnings: true,
	JobStatusCompleteWithErrors:   true,
	JobStatusCancelled:            true,
	JobStatusCancelledByShutdown:  true,
	JobStatusError:                true,
}

// IsValidJobStatus checks if the job status is recognized
func IsValidJobStatus(s JobStatus) bool {
	_, ok := terminalStatuses[s]
	return ok
}

// IsTerminal reports whether no further transitions are expected
func (s JobStatus) IsTerminal() bool {
	return terminalStatuses[s]
}

// IsComplete reports whether s is one of the COMPLETE variants
func (s JobStatus) IsComplete() bool {
	return s == JobStatusComplete || s == JobStatusCompleteWithWarnings || s == JobStatusCompleteWithErrors
}

// CompletionStatus maps the status held while the last task finishes to the
// terminal status the job ends with.
//
//	ERROR, UNKNOWN, COMPLETE_WITH_* -> unchanged
//	IN_PROGRESS_WARNINGS            -> COMPLETE_WITH_WARNINGS
//	IN_PROGRESS_ERRORS              -> COMPLETE_WITH_ERRORS
//	CANCELLING                      -> CANCELLED
//	anything else                   -> COMPLETE
func (s JobStatus) CompletionStatus() JobStatus {
	switch s {
	case JobStatusError, JobStatusUnknown, JobStatusCompleteWithErrors, JobStatusCompleteWithWarnings:
		return s
	case JobStatusInProgressWarnings:
		return JobStatusCompleteWithWarnings
	case JobStatusInProgressErrors:
		return JobStatusCompleteWithErrors
	case JobStatusCancelling:
		return JobStatusCancelled
	default:
		return JobStatusComplete
	}
}

// UpgradeAfterOutput raises the status when output assembly recorded new
// issues. Only non-terminal and COMPLETE* statuses are upgraded; errors win
// over warnings.
func (s JobStatus) UpgradeAfterOutput(hasErrors bool, hasWarnings bool) JobStatus {
	if !(s.IsComplete() || !s.IsTerminal()) {
		return s
	}
	if hasErrors {
		return JobStatusCompleteWithErrors
	}
	if hasWarnings && s != JobStatusCompleteWithErrors {
		return JobStatusCompleteWithWarnings
	}
	return s
}

// WithIssue returns the in-progress status after an issue is recorded.
// Errors take priority over warnings; terminal and cancelling statuses are kept.
func (s JobStatus) WithIssue(isError bool) JobStatus {
	switch s {
	case JobStatusInProgress, JobStatusInitialized, JobStatusUnknown:
		if isError {
			return JobStatusInProgressErrors
		}
		return JobStatusInProgressWarnings
	case JobStatusInProgressWarnings:
		if isError {
			return JobStatusInProgressErrors
		}
		return s
	default:
		return s
	}
}

// CanTransitionTo checks if state transition is valid
// Valid transitions:
//
//	INITIALIZED -> IN_PROGRESS* | CANCELLING | ERROR | JOB_CREATION_ERROR
//	IN_PROGRESS* -> IN_PROGRESS* | BUILDING_OUTPUT_OBJECT | CANCELLING | ERROR
//	BUILDING_OUTPUT_OBJECT -> any terminal status
//	CANCELLING -> BUILDING_OUTPUT_OBJECT | CANCELLED | CANCELLED_BY_SHUTDOWN | ERROR
//	terminal -> nothing
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case JobStatusCancelling:
		return next == JobStatusBuildingOutput || next == JobStatusCancelled ||
			next == JobStatusCancelledByShutdown || next == JobStatusError
	case JobStatusBuildingOutput:
		return next.IsTerminal()
	default:
		return next != JobStatusUnknown && next != JobStatusInitialized
	}
}
