package services

import (
	"github.com/trobanga/mediaflow/internal/models"
)

// TaskMerging classifies actions along OUTPUT_MERGE_WITH_PREVIOUS_TASK
// chains. A merge source folds its tracks into the nearest earlier task
// that applies to the media; that earlier task becomes a merge target and
// contributes nothing to the output directly.
type TaskMerging struct {
	resolver *PropertyResolver
}

// NewTaskMerging creates a merge classifier over the resolver
func NewTaskMerging(resolver *PropertyResolver) *TaskMerging {
	return &TaskMerging{resolver: resolver}
}

// IsMergeSource reports whether the action folds into the previous task.
// The first task never merges.
func (m *TaskMerging) IsMergeSource(job *models.Job, media *models.Media, taskIdx int, actionIdx int) bool {
	if taskIdx == 0 {
		return false
	}
	action, ok := job.Pipeline.ActionAt(taskIdx, actionIdx)
	if !ok {
		return false
	}
	return m.resolver.ResolveBool(models.PropMergeWithPreviousTask, job, media, &action)
}

// IsMergeTarget reports whether a later task merges into taskIdx. Only the
// next task that applies to the media, strictly before the last detection
// task, can do so.
func (m *TaskMerging) IsMergeTarget(job *models.Job, media *models.Media, taskIdx int) bool {
	lastDetection := job.Pipeline.LastDetectionTaskIndex()
	for future := taskIdx + 1; future < lastDetection; future++ {
		applies := false
		for actionIdx := range job.Pipeline.Tasks[future].Actions {
			action := &job.Pipeline.Tasks[future].Actions[actionIdx]
			if !m.resolver.AppliesToMedia(job, media, action) {
				continue
			}
			applies = true
			if m.IsMergeSource(job, media, future, actionIdx) {
				return true
			}
		}
		if applies {
			return false
		}
	}
	return false
}

// directMergeTarget returns the task a merge source folds into
func (m *TaskMerging) directMergeTarget(job *models.Job, media *models.Media, taskIdx int, actionIdx int) (int, bool) {
	if !m.IsMergeSource(job, media, taskIdx, actionIdx) {
		return 0, false
	}
	for prev := taskIdx - 1; prev >= 0; prev-- {
		action, ok := job.Pipeline.ActionAt(prev, 0)
		if ok && m.resolver.AppliesToMedia(job, media, &action) {
			return prev, true
		}
	}
	return 0, true
}

// MergedAction follows the merge chain back from an action to the action
// whose name its tracks are recorded under. Actions that do not merge map
// to themselves.
func (m *TaskMerging) MergedAction(job *models.Job, media *models.Media, taskIdx int, actionIdx int) (int, int) {
	t, a := taskIdx, actionIdx
	for steps := 0; steps <= job.TaskCount(); steps++ {
		next, ok := m.directMergeTarget(job, media, t, a)
		if !ok || next == t {
			break
		}
		t, a = next, 0
	}
	return t, a
}

// Role derives the merge classification of an action for a media
func (m *TaskMerging) Role(job *models.Job, media *models.Media, taskIdx int, actionIdx int) models.MergeRole {
	return models.RoleFor(m.IsMergeSource(job, media, taskIdx, actionIdx), m.IsMergeTarget(job, media, taskIdx))
}
