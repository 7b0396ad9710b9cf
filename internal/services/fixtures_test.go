package services

import (
	"time"

	"github.com/google/uuid"
	"github.com/trobanga/mediaflow/internal/models"
)

func detectionAction(name string, algorithm string, props map[string]string) models.Action {
	if props == nil {
		props = map[string]string{}
	}
	return models.Action{
		Name:       name,
		Algorithm:  models.Algorithm{Name: algorithm, ActionType: models.ActionTypeDetection, TrackType: algorithm},
		Properties: props,
	}
}

func markupAction(name string) models.Action {
	return models.Action{
		Name:       name,
		Algorithm:  models.Algorithm{Name: "MARKUPCV", ActionType: models.ActionTypeMarkup},
		Properties: map[string]string{},
	}
}

func task(name string, actions ...models.Action) models.Task {
	return models.Task{Name: name, Actions: actions}
}

func newTestJob(tasks []models.Task, media ...models.Media) models.Job {
	if len(media) == 0 {
		media = []models.Media{models.NewSourceMedia(1, "file:///data/video.mp4", models.MediaTypeVideo)}
	}
	return models.Job{
		ID:            uuid.NewString(),
		Priority:      4,
		Pipeline:      models.Pipeline{Name: "TEST PIPELINE", Tasks: tasks},
		Status:        models.JobStatusInProgress,
		JobProperties: map[string]string{},
		Media:         media,
		TimeReceived:  time.Now(),
	}
}

func track(mediaID int64, taskIdx int, actionIdx int, trackType string, props map[string]string, frames ...int) models.Track {
	t := models.Track{
		MediaID:     mediaID,
		TaskIndex:   taskIdx,
		ActionIndex: actionIdx,
		Type:        trackType,
		Properties:  props,
		Confidence:  0.5,
	}
	for _, f := range frames {
		t.Detections = append(t.Detections, models.Detection{OffsetFrame: f, Confidence: 0.5, Width: 10, Height: 10})
	}
	if len(frames) > 0 {
		t.StartOffsetFrame = frames[0]
		t.StopOffsetFrame = frames[len(frames)-1]
	}
	return t
}

// noEnv disables environment overrides in resolver tests
func noEnv(string) (string, bool) {
	return "", false
}

func testResolver() *PropertyResolver {
	return NewPropertyResolver(models.PropertiesConfig{EnvPrefix: "MEDIAFLOW_PROP"}, models.DefaultWorkflowProperties()).
		WithEnvLookup(noEnv)
}
