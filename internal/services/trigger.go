package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/trobanga/mediaflow/internal/lib"
	"github.com/trobanga/mediaflow/internal/models"
)

// Trigger selects the upstream tracks an action consumes: a track matches
// when its property Key equals Value exactly
type Trigger struct {
	Key   string
	Value string
}

// ParseTrigger parses a TRIGGER property. A blank value means the action has
// no trigger and returns nil.
func ParseTrigger(raw string) (*Trigger, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	key, value, ok := strings.Cut(raw, "=")
	if !ok {
		return nil, errors.New(`trigger did not contain "="`)
	}
	if key == "" {
		return nil, errors.New(`trigger has no text to the left of "="`)
	}
	return &Trigger{Key: key, Value: value}, nil
}

// Matches reports whether the track carries the trigger's property value
func (t *Trigger) Matches(track models.Track) bool {
	if t == nil {
		return true
	}
	v, ok := track.Properties[t.Key]
	return ok && v == t.Value
}

func (t *Trigger) String() string {
	if t == nil {
		return ""
	}
	return t.Key + "=" + t.Value
}

// TrackReader is the part of the store the trigger logic needs
type TrackReader interface {
	GetTracks(ctx context.Context, jobID string, mediaID int64, taskIdx int, actionIdx int) ([]models.Track, error)
}

// TriggerProcessor decides which tracks flow from one detection task into
// the next and, looking back from output assembly, which tracks a later
// task consumed
type TriggerProcessor struct {
	resolver *PropertyResolver
	tracks   TrackReader
}

// NewTriggerProcessor creates a trigger processor
func NewTriggerProcessor(resolver *PropertyResolver, tracks TrackReader) *TriggerProcessor {
	return &TriggerProcessor{resolver: resolver, tracks: tracks}
}

// ActionTrigger resolves and parses the TRIGGER for an action on a media item
func (p *TriggerProcessor) ActionTrigger(job *models.Job, media *models.Media, action *models.Action) (*Trigger, error) {
	raw := p.resolver.ResolveValue(models.PropTrigger, job, media, action)
	trigger, err := ParseTrigger(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", lib.ErrInvalidTrigger(action.Name, raw), err)
	}
	return trigger, nil
}

// applicableTriggers returns the triggers of the task's actions that apply
// to the media. ok is false when any applicable action has no trigger.
func (p *TriggerProcessor) applicableTriggers(job *models.Job, media *models.Media, taskIdx int) (triggers []*Trigger, applicable int, ok bool, err error) {
	ok = true
	for i := range job.Pipeline.Tasks[taskIdx].Actions {
		action := &job.Pipeline.Tasks[taskIdx].Actions[i]
		if !p.resolver.AppliesToMedia(job, media, action) {
			continue
		}
		applicable++
		trigger, err := p.ActionTrigger(job, media, action)
		if err != nil {
			return nil, 0, false, err
		}
		if trigger == nil {
			ok = false
			continue
		}
		triggers = append(triggers, trigger)
	}
	return triggers, applicable, ok, nil
}

// CandidateTracks returns the tracks offered to detection task taskIdx for
// a media: every track the previous task produced, plus the previous task's
// own candidates when every applicable action there was triggered and none
// of those triggers took them.
func (p *TriggerProcessor) CandidateTracks(ctx context.Context, job *models.Job, media *models.Media, taskIdx int) ([]models.Track, error) {
	prev := taskIdx - 1
	if prev < 0 {
		return nil, nil
	}

	var candidates []models.Track
	for actionIdx := range job.Pipeline.Tasks[prev].Actions {
		tracks, err := p.tracks.GetTracks(ctx, job.ID, media.ID, prev, actionIdx)
		if err != nil {
			return nil, fmt.Errorf("load tracks of task %d action %d: %w", prev, actionIdx, err)
		}
		candidates = append(candidates, tracks...)
	}

	triggers, _, allTriggered, err := p.applicableTriggers(job, media, prev)
	if err != nil {
		return nil, err
	}
	if !allTriggered {
		return candidates, nil
	}

	earlier, err := p.CandidateTracks(ctx, job, media, prev)
	if err != nil {
		return nil, err
	}
	for _, t := range earlier {
		if !matchesAny(triggers, t) {
			candidates = append(candidates, t)
		}
	}
	return candidates, nil
}

// TriggeredTracks narrows the candidates of a task to those the action's
// own trigger selects
func (p *TriggerProcessor) TriggeredTracks(job *models.Job, media *models.Media, action *models.Action, candidates []models.Track) ([]models.Track, error) {
	trigger, err := p.ActionTrigger(job, media, action)
	if err != nil {
		return nil, err
	}
	if trigger == nil {
		return candidates, nil
	}
	var out []models.Track
	for _, t := range candidates {
		if trigger.Matches(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

// AllLaterActionsTriggered reports whether every action applicable to the
// media in tasks (taskIdx, lastDetectionTaskIdx] declares a trigger
func (p *TriggerProcessor) AllLaterActionsTriggered(job *models.Job, media *models.Media, taskIdx int, lastDetectionTaskIdx int) (bool, error) {
	for later := taskIdx + 1; later <= lastDetectionTaskIdx && later < job.TaskCount(); later++ {
		_, _, ok, err := p.applicableTriggers(job, media, later)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// WasTriggeredFilter returns a predicate telling whether a track produced
// by taskIdx was passed on to a later detection task. The track travels
// forward until a task takes it: an untriggered applicable action takes
// everything, a triggered one only matching tracks, and a task where no
// trigger matches lets it through to the next.
func (p *TriggerProcessor) WasTriggeredFilter(job *models.Job, media *models.Media, taskIdx int, lastDetectionTaskIdx int) (func(models.Track) bool, error) {
	type stage struct {
		triggers     []*Trigger
		applicable   int
		allTriggered bool
	}
	var stages []stage
	for later := taskIdx + 1; later <= lastDetectionTaskIdx && later < job.TaskCount(); later++ {
		triggers, applicable, ok, err := p.applicableTriggers(job, media, later)
		if err != nil {
			return nil, err
		}
		stages = append(stages, stage{triggers: triggers, applicable: applicable, allTriggered: ok})
	}

	return func(t models.Track) bool {
		for _, s := range stages {
			if s.applicable == 0 {
				continue
			}
			if !s.allTriggered || matchesAny(s.triggers, t) {
				return true
			}
		}
		return false
	}, nil
}

// ValidateTask checks every applicable action trigger of a task
func (p *TriggerProcessor) ValidateTask(job *models.Job, taskIdx int) error {
	for i := range job.Media {
		if _, _, _, err := p.applicableTriggers(job, &job.Media[i], taskIdx); err != nil {
			return err
		}
	}
	return nil
}

func matchesAny(triggers []*Trigger, t models.Track) bool {
	for _, trig := range triggers {
		if trig.Matches(t) {
			return true
		}
	}
	return false
}
