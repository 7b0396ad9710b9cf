package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/trobanga/mediaflow/internal/lib"
	"github.com/trobanga/mediaflow/internal/models"
	"github.com/trobanga/mediaflow/internal/services"
)

// NewJob builds an INITIALIZED job from a request. Media get sequential
// ids starting at 1; system properties are snapshotted from the resolver.
func NewJob(req *JobRequest, resolver *services.PropertyResolver) (*models.Job, error) {
	priority := DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}

	pipeline := req.Pipeline
	pipeline.Tasks = make([]models.Task, len(req.Pipeline.Tasks))
	for i, t := range req.Pipeline.Tasks {
		actions := make([]models.Action, len(t.Actions))
		for j, a := range t.Actions {
			a.Properties = upperKeyed(a.Properties)
			actions[j] = a
		}
		t.Actions = actions
		pipeline.Tasks[i] = t
	}

	algorithmProps := make(map[string]map[string]string, len(req.AlgorithmProperties))
	for algo, props := range req.AlgorithmProperties {
		algorithmProps[algo] = upperKeyed(props)
	}

	now := time.Now()
	job := &models.Job{
		ID:                            uuid.New().String(),
		ExternalID:                    req.ExternalID,
		Priority:                      priority,
		Pipeline:                      pipeline,
		Status:                        models.JobStatusInitialized,
		JobProperties:                 upperKeyed(req.JobProperties),
		OverriddenAlgorithmProperties: algorithmProps,
		CallbackURL:                   req.CallbackURL,
		CallbackMethod:                strings.ToUpper(req.CallbackMethod),
		TimeReceived:                  now,
		UpdatedAt:                     now,
	}
	if resolver != nil {
		job.SystemPropertiesSnapshot = resolver.SystemSnapshot()
	}

	for i, m := range req.Media {
		media := models.NewSourceMedia(int64(i+1), m.URI, mediaTypeFor(m))
		media.MimeType = m.MimeType
		media.SHA256 = m.SHA256
		media.Properties = upperKeyed(m.Properties)
		media.Metadata = m.Metadata
		media.FrameRanges = m.FrameRanges
		media.TimeRanges = m.TimeRanges
		job.Media = append(job.Media, media)
	}

	if err := job.Validate(); err != nil {
		return nil, lib.ErrInvalidJobRequest(req.Pipeline.Name, err)
	}
	return job, nil
}

// CreateJob builds a job from a request and stores it
func CreateJob(ctx context.Context, store services.JobStore, req *JobRequest, resolver *services.PropertyResolver, logger *lib.Logger) (*models.Job, error) {
	job, err := NewJob(req, resolver)
	if err != nil {
		return nil, err
	}
	if err := store.CreateJob(ctx, *job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}
	lib.LogJobCreated(logger, job.ID, job.Pipeline.Name, len(job.Media))
	return job, nil
}

// LoadJob loads an existing job from the store
func LoadJob(ctx context.Context, store services.JobStore, jobID string) (*models.Job, error) {
	return store.GetJob(ctx, jobID)
}

// Progress summarizes how far a job has come, for display
type Progress struct {
	TasksCompleted int
	TaskCount      int
	CurrentTask    string
}

// GetProgress derives display progress from the stored job
func GetProgress(job *models.Job) Progress {
	p := Progress{TasksCompleted: job.CurrentTask, TaskCount: job.TaskCount()}
	if t, ok := job.CurrentTaskRef(); ok {
		p.CurrentTask = t.Name
	}
	return p
}

// IsJobComplete reports whether the job has finished, whatever its outcome
func IsJobComplete(job *models.Job) bool {
	return job.TimeCompleted != nil
}
