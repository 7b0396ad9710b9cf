package models

import "time"

// UpdateJobStatus creates a new Job with updated status
// Pure function - returns new instance, does not mutate original
func UpdateJobStatus(job Job, status JobStatus) Job {
	job.Status = status
	job.UpdatedAt = time.Now()
	return job
}

// IncrementTask creates a new Job advanced to the next task.
// The index never moves past the task count.
// Pure function - returns new instance
func IncrementTask(job Job) Job {
	if job.CurrentTask < job.TaskCount() {
		job.CurrentTask++
	}
	job.UpdatedAt = time.Now()
	return job
}

// AddWarning creates a new Job with a warning appended.
// Pure function - returns new instance
func AddWarning(job Job, issue Issue) Job {
	job.Warnings = appendIssue(job.Warnings, issue)
	job.Status = job.Status.WithIssue(false)
	job.UpdatedAt = time.Now()
	return job
}

// AddError creates a new Job with an error appended.
// Pure function - returns new instance
func AddError(job Job, issue Issue) Job {
	job.Errors = appendIssue(job.Errors, issue)
	job.Status = job.Status.WithIssue(true)
	job.UpdatedAt = time.Now()
	return job
}

// AddFatalError creates a new Job with an error appended and status ERROR.
// A job that already reached a terminal status keeps it.
// Pure function - returns new instance
func AddFatalError(job Job, issue Issue) Job {
	job.Errors = appendIssue(job.Errors, issue)
	if !job.Status.IsTerminal() && job.Status != JobStatusCancelling {
		job.Status = JobStatusError
	}
	job.UpdatedAt = time.Now()
	return job
}

// MarkCancelled creates a new Job flagged as cancelled. Completed jobs are
// returned unchanged; a job already in ERROR keeps its status.
// Pure function - returns new instance
func MarkCancelled(job Job) Job {
	if job.TimeCompleted != nil {
		return job
	}
	job.Cancelled = true
	if !job.Status.IsTerminal() {
		job.Status = JobStatusCancelling
	}
	job.UpdatedAt = time.Now()
	return job
}

// MarkCompleted creates a new Job with a terminal status and completion time.
// Pure function - returns new instance
func MarkCompleted(job Job, status JobStatus) Job {
	now := time.Now()
	job.Status = status
	job.TimeCompleted = &now
	job.UpdatedAt = now
	return job
}

// appendIssue copies before appending so callers never share backing arrays
func appendIssue(issues []Issue, issue Issue) []Issue {
	out := make([]Issue, len(issues), len(issues)+1)
	copy(out, issues)
	return append(out, issue)
}

// UpdateMedia creates a new Job with fn applied to the media with the given id.
// Pure function - returns new instance
func UpdateMedia(job Job, mediaID int64, fn func(Media) Media) Job {
	media := make([]Media, len(job.Media))
	copy(media, job.Media)
	for i, m := range media {
		if m.ID == mediaID {
			media[i] = fn(m)
			break
		}
	}
	job.Media = media
	job.UpdatedAt = time.Now()
	return job
}
