package models

import "time"

// Job represents a single batch job moving through its pipeline of tasks
type Job struct {
	ID                            string                       `json:"id"`
	ExternalID                    string                       `json:"external_id,omitempty"`
	Priority                      int                          `json:"priority"`
	Pipeline                      Pipeline                     `json:"pipeline"`
	CurrentTask                   int                          `json:"current_task"` // 0..len(Pipeline.Tasks), increment-only
	Status                        JobStatus                    `json:"status"`
	Cancelled                     bool                         `json:"cancelled"`
	Warnings                      []Issue                      `json:"warnings,omitempty"`
	Errors                        []Issue                      `json:"errors,omitempty"`
	JobProperties                 map[string]string            `json:"job_properties,omitempty"`
	OverriddenAlgorithmProperties map[string]map[string]string `json:"overridden_algorithm_properties,omitempty"` // algorithm name -> properties
	SystemPropertiesSnapshot      map[string]string            `json:"system_properties_snapshot,omitempty"`
	Media                         []Media                      `json:"media"`
	CallbackURL                   string                       `json:"callback_url,omitempty"`
	CallbackMethod                string                       `json:"callback_method,omitempty"` // GET | POST
	CallbackStatus                string                       `json:"callback_status,omitempty"`
	OutputObjectPath              string                       `json:"output_object_path,omitempty"`
	TimeReceived                  time.Time                    `json:"time_received"`
	TimeCompleted                 *time.Time                   `json:"time_completed,omitempty"`
	UpdatedAt                     time.Time                    `json:"updated_at"`
}

// Issue is a warning or error recorded against a job or one of its media.
// MediaID 0 marks a job-level issue.
type Issue struct {
	MediaID int64  `json:"media_id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Issue codes used by the orchestrator itself
const (
	IssueSplitFailed        = "SPLIT_FAILED"
	IssueUnsupportedTask    = "UNSUPPORTED_OPERATION"
	IssueInvalidTrigger     = "INVALID_TRIGGER"
	IssueOutputFailed       = "OUTPUT_ASSEMBLY_FAILED"
	IssueDetectionError     = "DETECTION_ERROR"
	IssueMediaFailed        = "MEDIA_FAILED"
	IssuePropertyParseError = "INVALID_PROPERTY"
)

// TaskCount returns the number of tasks in the job's pipeline
func (j *Job) TaskCount() int {
	return len(j.Pipeline.Tasks)
}

// MediaByID finds a media item by identifier
func (j *Job) MediaByID(id int64) (Media, bool) {
	for _, m := range j.Media {
		if m.ID == id {
			return m, true
		}
	}
	return Media{}, false
}

// HasErrors reports whether any error has been recorded
func (j *Job) HasErrors() bool {
	return len(j.Errors) > 0
}

// HasWarnings reports whether any warning has been recorded
func (j *Job) HasWarnings() bool {
	return len(j.Warnings) > 0
}

// IsComplete checks if the job has moved past its last task
func (j *Job) IsComplete() bool {
	return j.CurrentTask >= j.TaskCount()
}

// CurrentTaskRef returns the task the job is currently executing
func (j *Job) CurrentTaskRef() (Task, bool) {
	if j.CurrentTask < 0 || j.CurrentTask >= j.TaskCount() {
		return Task{}, false
	}
	return j.Pipeline.Tasks[j.CurrentTask], true
}
