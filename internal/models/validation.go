package models

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// Validate checks if a Job has valid fields
func (j *Job) Validate() error {
	// Validate ID is a valid UUID
	if j.ID == "" {
		return errors.New("id is required")
	}
	if _, err := uuid.Parse(j.ID); err != nil {
		return fmt.Errorf("invalid id: must be a valid UUID: %w", err)
	}

	if j.Priority < 0 || j.Priority > 9 {
		return fmt.Errorf("priority must be between 0 and 9, got %d", j.Priority)
	}

	if !IsValidJobStatus(j.Status) {
		return fmt.Errorf("invalid status: %s", j.Status)
	}

	if j.CurrentTask < 0 || j.CurrentTask > j.TaskCount() {
		return fmt.Errorf("current_task %d out of range [0, %d]", j.CurrentTask, j.TaskCount())
	}

	if err := j.Pipeline.Validate(); err != nil {
		return fmt.Errorf("invalid pipeline: %w", err)
	}

	if len(j.Media) == 0 {
		return errors.New("at least one media item is required")
	}
	seen := make(map[int64]bool, len(j.Media))
	for _, m := range j.Media {
		if seen[m.ID] {
			return fmt.Errorf("duplicate media id %d", m.ID)
		}
		seen[m.ID] = true
		if err := m.Validate(); err != nil {
			return fmt.Errorf("media %d: %w", m.ID, err)
		}
	}

	if j.CallbackURL != "" {
		u, err := url.Parse(j.CallbackURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("callback_url must be an HTTP(S) URL: %s", j.CallbackURL)
		}
		method := strings.ToUpper(j.CallbackMethod)
		if method != "" && method != "GET" && method != "POST" {
			return fmt.Errorf("callback_method must be GET or POST, got %s", j.CallbackMethod)
		}
	}

	return nil
}

// Validate checks that a pipeline has tasks, actions and consistent categories
func (p *Pipeline) Validate() error {
	if len(p.Tasks) == 0 {
		return errors.New("pipeline must contain at least one task")
	}
	for i, task := range p.Tasks {
		if len(task.Actions) == 0 {
			return fmt.Errorf("task %d (%s) has no actions", i, task.Name)
		}
		category := task.ActionType()
		for _, action := range task.Actions {
			if action.Name == "" {
				return fmt.Errorf("task %d (%s) has an action without a name", i, task.Name)
			}
			if action.Algorithm.Name == "" {
				return fmt.Errorf("action %s has no algorithm", action.Name)
			}
			if action.Algorithm.ActionType != category {
				return fmt.Errorf("task %d (%s) mixes %s and %s actions", i, task.Name, category, action.Algorithm.ActionType)
			}
		}
	}
	return nil
}

// Validate checks if a Media item has valid fields
func (m *Media) Validate() error {
	if m.ID <= 0 {
		return fmt.Errorf("media id must be positive, got %d", m.ID)
	}
	if m.URI == "" {
		return errors.New("uri is required")
	}
	if !IsValidMediaType(m.Type) {
		return fmt.Errorf("invalid media type: %s", m.Type)
	}
	if (m.ParentID < 0) != (m.CreationTask < 0) {
		return errors.New("derivative media must set both parent_id and creation_task")
	}
	for _, r := range append(append([]Range{}, m.FrameRanges...), m.TimeRanges...) {
		if r.Start < 0 || r.End < r.Start {
			return fmt.Errorf("invalid range [%d, %d]", r.Start, r.End)
		}
	}
	return nil
}
