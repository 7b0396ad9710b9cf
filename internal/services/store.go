package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/trobanga/mediaflow/internal/lib"
	"github.com/trobanga/mediaflow/internal/models"
)

// JobStore is the single source of truth for jobs, media and tracks.
// Reads return snapshots; writes are targeted and monotonic (task index
// only increments, issue lists only grow).
type JobStore interface {
	CreateJob(ctx context.Context, job models.Job) error
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	ListJobs(ctx context.Context) ([]models.Job, error)
	ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]models.Job, error)

	IncrementTask(ctx context.Context, jobID string) (int, error)
	SetJobStatus(ctx context.Context, jobID string, status models.JobStatus) error
	AddFatalError(ctx context.Context, jobID string, code string, message string) error
	AddIssue(ctx context.Context, jobID string, issue models.Issue, isError bool) error
	SetCancelled(ctx context.Context, jobID string) (*models.Job, error)
	SetCompleted(ctx context.Context, jobID string, status models.JobStatus) error
	SetCallbackStatus(ctx context.Context, jobID string, status string) error
	SetOutputPath(ctx context.Context, jobID string, path string) error
	SetMediaMarkup(ctx context.Context, jobID string, mediaID int64, uri string) error
	SetMediaFailed(ctx context.Context, jobID string, mediaID int64) error

	SaveTracks(ctx context.Context, jobID string, tracks []models.Track) error
	GetTracks(ctx context.Context, jobID string, mediaID int64, taskIdx int, actionIdx int) ([]models.Track, error)
	GetTrackCount(ctx context.Context, jobID string, mediaID int64, taskIdx int, actionIdx int) (int, error)
	GetTrackType(ctx context.Context, jobID string, mediaID int64, taskIdx int, actionIdx int) (string, error)

	AddDetectionErrors(ctx context.Context, jobID string, errs []models.DetectionError) error
	GetDetectionErrors(ctx context.Context, jobID string) ([]models.DetectionError, error)
	AddProcessingTime(ctx context.Context, jobID string, taskIdx int, actionIdx int, ms int64) error
	GetProcessingTimes(ctx context.Context, jobID string) ([]models.ActionTiming, error)

	// ClearJob drops a finished job's working state (tracks, errors,
	// timings). The job record itself is kept for reporting.
	ClearJob(ctx context.Context, jobID string) error
	Close() error
}

type trackKey struct {
	mediaID   int64
	taskIdx   int
	actionIdx int
}

type memoryJobState struct {
	job             models.Job
	tracks          map[trackKey][]models.Track
	detectionErrors []models.DetectionError
	timings         map[[2]int]int64
}

// MemoryStore is an in-process JobStore
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*memoryJobState
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*memoryJobState)}
}

func (s *MemoryStore) CreateJob(ctx context.Context, job models.Job) error {
	if err := job.Validate(); err != nil {
		return lib.ErrInvalidJobRequest(job.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = &memoryJobState{
		job:     cloneJob(job),
		tracks:  make(map[trackKey][]models.Track),
		timings: make(map[[2]int]int64),
	}
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.jobs[jobID]
	if !ok {
		return nil, lib.ErrJobNotFound(jobID)
	}
	job := cloneJob(st.job)
	return &job, nil
}

func (s *MemoryStore) ListJobs(ctx context.Context) ([]models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := make([]models.Job, 0, len(s.jobs))
	for _, st := range s.jobs {
		jobs = append(jobs, cloneJob(st.job))
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].TimeReceived.Before(jobs[j].TimeReceived)
	})
	return jobs, nil
}

func (s *MemoryStore) ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]models.Job, error) {
	all, err := s.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.Job
	for _, j := range all {
		if j.Status == status {
			out = append(out, j)
		}
	}
	return out, nil
}

// update applies fn to the stored job under the write lock
func (s *MemoryStore) update(jobID string, fn func(job models.Job) models.Job) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.jobs[jobID]
	if !ok {
		return models.Job{}, lib.ErrJobNotFound(jobID)
	}
	st.job = fn(st.job)
	return cloneJob(st.job), nil
}

func (s *MemoryStore) IncrementTask(ctx context.Context, jobID string) (int, error) {
	job, err := s.update(jobID, models.IncrementTask)
	if err != nil {
		return 0, err
	}
	return job.CurrentTask, nil
}

func (s *MemoryStore) SetJobStatus(ctx context.Context, jobID string, status models.JobStatus) error {
	_, err := s.update(jobID, func(job models.Job) models.Job {
		return models.UpdateJobStatus(job, status)
	})
	return err
}

func (s *MemoryStore) AddFatalError(ctx context.Context, jobID string, code string, message string) error {
	_, err := s.update(jobID, func(job models.Job) models.Job {
		return models.AddFatalError(job, models.Issue{Code: code, Message: message})
	})
	return err
}

func (s *MemoryStore) AddIssue(ctx context.Context, jobID string, issue models.Issue, isError bool) error {
	_, err := s.update(jobID, func(job models.Job) models.Job {
		if isError {
			return models.AddError(job, issue)
		}
		return models.AddWarning(job, issue)
	})
	return err
}

func (s *MemoryStore) SetCancelled(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := s.update(jobID, models.MarkCancelled)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *MemoryStore) SetCompleted(ctx context.Context, jobID string, status models.JobStatus) error {
	_, err := s.update(jobID, func(job models.Job) models.Job {
		return models.MarkCompleted(job, status)
	})
	return err
}

func (s *MemoryStore) SetCallbackStatus(ctx context.Context, jobID string, status string) error {
	_, err := s.update(jobID, func(job models.Job) models.Job {
		job.CallbackStatus = status
		job.UpdatedAt = time.Now()
		return job
	})
	return err
}

func (s *MemoryStore) SetOutputPath(ctx context.Context, jobID string, path string) error {
	_, err := s.update(jobID, func(job models.Job) models.Job {
		job.OutputObjectPath = path
		job.UpdatedAt = time.Now()
		return job
	})
	return err
}

func (s *MemoryStore) SetMediaMarkup(ctx context.Context, jobID string, mediaID int64, uri string) error {
	_, err := s.update(jobID, func(job models.Job) models.Job {
		return models.UpdateMedia(job, mediaID, func(m models.Media) models.Media {
			m.MarkupURI = uri
			return m
		})
	})
	return err
}

func (s *MemoryStore) SetMediaFailed(ctx context.Context, jobID string, mediaID int64) error {
	_, err := s.update(jobID, func(job models.Job) models.Job {
		return models.UpdateMedia(job, mediaID, func(m models.Media) models.Media {
			m.Failed = true
			return m
		})
	})
	return err
}

func (s *MemoryStore) SaveTracks(ctx context.Context, jobID string, tracks []models.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.jobs[jobID]
	if !ok {
		return lib.ErrJobNotFound(jobID)
	}
	for _, t := range tracks {
		key := trackKey{t.MediaID, t.TaskIndex, t.ActionIndex}
		st.tracks[key] = append(st.tracks[key], models.SortDetections(t))
	}
	return nil
}

func (s *MemoryStore) GetTracks(ctx context.Context, jobID string, mediaID int64, taskIdx int, actionIdx int) ([]models.Track, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.jobs[jobID]
	if !ok {
		return nil, lib.ErrJobNotFound(jobID)
	}
	stored := st.tracks[trackKey{mediaID, taskIdx, actionIdx}]
	out := make([]models.Track, len(stored))
	copy(out, stored)
	return out, nil
}

func (s *MemoryStore) GetTrackCount(ctx context.Context, jobID string, mediaID int64, taskIdx int, actionIdx int) (int, error) {
	tracks, err := s.GetTracks(ctx, jobID, mediaID, taskIdx, actionIdx)
	if err != nil {
		return 0, err
	}
	return len(tracks), nil
}

func (s *MemoryStore) GetTrackType(ctx context.Context, jobID string, mediaID int64, taskIdx int, actionIdx int) (string, error) {
	tracks, err := s.GetTracks(ctx, jobID, mediaID, taskIdx, actionIdx)
	if err != nil {
		return "", err
	}
	if len(tracks) == 0 {
		return "", nil
	}
	return tracks[0].Type, nil
}

func (s *MemoryStore) AddDetectionErrors(ctx context.Context, jobID string, errs []models.DetectionError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.jobs[jobID]
	if !ok {
		return lib.ErrJobNotFound(jobID)
	}
	st.detectionErrors = append(st.detectionErrors, errs...)
	return nil
}

func (s *MemoryStore) GetDetectionErrors(ctx context.Context, jobID string) ([]models.DetectionError, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.jobs[jobID]
	if !ok {
		return nil, lib.ErrJobNotFound(jobID)
	}
	out := make([]models.DetectionError, len(st.detectionErrors))
	copy(out, st.detectionErrors)
	return out, nil
}

func (s *MemoryStore) AddProcessingTime(ctx context.Context, jobID string, taskIdx int, actionIdx int, ms int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.jobs[jobID]
	if !ok {
		return lib.ErrJobNotFound(jobID)
	}
	st.timings[[2]int{taskIdx, actionIdx}] += ms
	return nil
}

func (s *MemoryStore) GetProcessingTimes(ctx context.Context, jobID string) ([]models.ActionTiming, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.jobs[jobID]
	if !ok {
		return nil, lib.ErrJobNotFound(jobID)
	}
	out := make([]models.ActionTiming, 0, len(st.timings))
	for k, ms := range st.timings {
		out = append(out, models.ActionTiming{TaskIndex: k[0], ActionIndex: k[1], TimeMs: ms})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TaskIndex != out[j].TaskIndex {
			return out[i].TaskIndex < out[j].TaskIndex
		}
		return out[i].ActionIndex < out[j].ActionIndex
	})
	return out, nil
}

func (s *MemoryStore) ClearJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.jobs[jobID]
	if !ok {
		return nil
	}
	st.tracks = make(map[trackKey][]models.Track)
	st.detectionErrors = nil
	st.timings = make(map[[2]int]int64)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// cloneJob copies the slices a caller could append to or modify in place
func cloneJob(job models.Job) models.Job {
	job.Warnings = append([]models.Issue(nil), job.Warnings...)
	job.Errors = append([]models.Issue(nil), job.Errors...)
	job.Media = append([]models.Media(nil), job.Media...)
	return job
}
