package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/trobanga/mediaflow/internal/lib"
	"github.com/trobanga/mediaflow/internal/models"
)

// Splitter turns the current task of a job into work units
type Splitter struct {
	resolver *PropertyResolver
	triggers *TriggerProcessor
	store    JobStore
	logger   *lib.Logger
}

// NewSplitter creates a splitter. Split failures are recorded through store.
func NewSplitter(resolver *PropertyResolver, store JobStore, logger *lib.Logger) *Splitter {
	if logger == nil {
		logger = lib.DefaultLogger
	}
	return &Splitter{
		resolver: resolver,
		triggers: NewTriggerProcessor(resolver, store),
		store:    store,
		logger:   logger,
	}
}

// NewCorrelationID returns a fresh correlation id scoped to a job
func NewCorrelationID(jobID string) string {
	return jobID + ":" + uuid.NewString()
}

// Split produces the work units for task taskIdx of job. It never fails:
// a cancelled job, an unsupported task, or an internal error all yield a
// single empty-split placeholder so the completion barrier still fires.
func (s *Splitter) Split(ctx context.Context, job *models.Job, taskIdx int) (units []models.WorkUnit) {
	correlationID := NewCorrelationID(job.ID)

	defer func() {
		if r := recover(); r != nil {
			s.fatal(ctx, job, taskIdx, fmt.Errorf("panic while splitting: %v", r))
			units = nil
		}
		units = stampUnits(job, taskIdx, correlationID, units)
		lib.LogSplit(s.logger, job.ID, taskIdx, correlationID, len(units))
	}()

	if job.Cancelled {
		s.logger.Info("Job is cancelled, producing no work", "job_id", job.ID, "task", taskIdx)
		return nil
	}

	generated, err := s.generate(ctx, job, taskIdx)
	if err != nil {
		s.fatal(ctx, job, taskIdx, err)
		return nil
	}
	return generated
}

func (s *Splitter) generate(ctx context.Context, job *models.Job, taskIdx int) ([]models.WorkUnit, error) {
	if taskIdx < 0 || taskIdx >= job.TaskCount() {
		return nil, fmt.Errorf("task index %d out of range [0, %d)", taskIdx, job.TaskCount())
	}

	t := job.Pipeline.Tasks[taskIdx]
	switch category := t.ActionType(); category {
	case models.ActionTypeDetection:
		return s.detectionUnits(ctx, job, taskIdx)
	case models.ActionTypeMarkup:
		return s.markupUnits(ctx, job, taskIdx)
	default:
		msg := fmt.Sprintf("task %d (%s) has unsupported operation type %s", taskIdx, t.Name, category)
		s.logger.Warn("Skipping task", "job_id", job.ID, "reason", msg)
		if err := s.store.AddIssue(ctx, job.ID, models.Issue{Code: models.IssueUnsupportedTask, Message: msg}, false); err != nil {
			s.logger.Error("Failed to record warning", "job_id", job.ID, "error", err)
		}
		return nil, nil
	}
}

// eligibleMedia returns the media a task may run on: not failed and
// already in existence when the task starts
func eligibleMedia(job *models.Job, taskIdx int) []*models.Media {
	var out []*models.Media
	for i := range job.Media {
		m := &job.Media[i]
		if m.Failed || m.CreationTask >= taskIdx {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (s *Splitter) baseUnit(job *models.Job, media *models.Media, taskIdx int, actionIdx int) models.WorkUnit {
	action := &job.Pipeline.Tasks[taskIdx].Actions[actionIdx]
	return models.WorkUnit{
		Destination: models.QueueName(*action),
		MediaID:     media.ID,
		MediaURI:    media.URI,
		MediaType:   media.Type,
		TaskIndex:   taskIdx,
		ActionIndex: actionIdx,
		ActionName:  action.Name,
		Properties:  s.resolver.CombinedProperties(job, media, action),
		FrameRanges: media.FrameRanges,
		TimeRanges:  media.TimeRanges,
	}
}

// detectionUnits emits one unit per eligible media and applicable action.
// Later detection tasks only see the tracks their trigger selects; a media
// with nothing to forward gets no unit.
func (s *Splitter) detectionUnits(ctx context.Context, job *models.Job, taskIdx int) ([]models.WorkUnit, error) {
	if err := s.triggers.ValidateTask(job, taskIdx); err != nil {
		return nil, err
	}

	firstDetection := job.Pipeline.IsFirstDetectionTask(taskIdx)
	var units []models.WorkUnit

	for _, media := range eligibleMedia(job, taskIdx) {
		var candidates []models.Track
		if !firstDetection {
			var err error
			candidates, err = s.triggers.CandidateTracks(ctx, job, media, taskIdx)
			if err != nil {
				return nil, err
			}
		}

		for actionIdx := range job.Pipeline.Tasks[taskIdx].Actions {
			action := &job.Pipeline.Tasks[taskIdx].Actions[actionIdx]
			if !s.resolver.AppliesToMedia(job, media, action) {
				continue
			}

			unit := s.baseUnit(job, media, taskIdx, actionIdx)
			if !firstDetection {
				forwarded, err := s.triggers.TriggeredTracks(job, media, action, candidates)
				if err != nil {
					return nil, err
				}
				if len(forwarded) == 0 {
					s.logger.Debug("No tracks to forward", "job_id", job.ID, "media_id", media.ID, "action", action.Name)
					continue
				}
				unit.Tracks = forwarded
			}
			units = append(units, unit)
		}
	}
	return units, nil
}

// markupUnits emits one unit per eligible media and applicable action,
// carrying every track the previous task produced for that media
func (s *Splitter) markupUnits(ctx context.Context, job *models.Job, taskIdx int) ([]models.WorkUnit, error) {
	var units []models.WorkUnit
	for _, media := range eligibleMedia(job, taskIdx) {
		var previous []models.Track
		if taskIdx > 0 {
			for actionIdx := range job.Pipeline.Tasks[taskIdx-1].Actions {
				tracks, err := s.store.GetTracks(ctx, job.ID, media.ID, taskIdx-1, actionIdx)
				if err != nil {
					return nil, fmt.Errorf("load tracks for markup: %w", err)
				}
				previous = append(previous, tracks...)
			}
		}

		for actionIdx := range job.Pipeline.Tasks[taskIdx].Actions {
			action := &job.Pipeline.Tasks[taskIdx].Actions[actionIdx]
			if !s.resolver.AppliesToMedia(job, media, action) {
				continue
			}
			unit := s.baseUnit(job, media, taskIdx, actionIdx)
			unit.Tracks = previous
			units = append(units, unit)
		}
	}
	return units, nil
}

func (s *Splitter) fatal(ctx context.Context, job *models.Job, taskIdx int, cause error) {
	jobErr := lib.ErrSplitFailed(job.ID, taskIdx, cause)
	lib.LogJobIssue(s.logger, job.ID, true, models.IssueSplitFailed, jobErr.Error())
	if err := s.store.AddFatalError(ctx, job.ID, models.IssueSplitFailed, jobErr.Error()); err != nil {
		s.logger.Error("Failed to record split failure", "job_id", job.ID, "error", err)
	}
}

// stampUnits sets the split headers on every unit, or returns the single
// placeholder when there are none
func stampUnits(job *models.Job, taskIdx int, correlationID string, units []models.WorkUnit) []models.WorkUnit {
	if len(units) == 0 {
		return []models.WorkUnit{{
			CorrelationID: correlationID,
			SplitSize:     1,
			JobID:         job.ID,
			Priority:      job.Priority,
			EmptySplit:    true,
			TaskIndex:     taskIdx,
		}}
	}
	for i := range units {
		units[i].CorrelationID = correlationID
		units[i].SplitSize = len(units)
		units[i].JobID = job.ID
		units[i].Priority = job.Priority
	}
	return units
}
