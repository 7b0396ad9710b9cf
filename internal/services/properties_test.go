package services

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trobanga/mediaflow/internal/lib"
	"github.com/trobanga/mediaflow/internal/models"
)

const testProp = "CONFIDENCE_THRESHOLD"

var allLevels = []models.PropertyLevel{
	models.LevelEnvironment,
	models.LevelMedia,
	models.LevelOverriddenAlgorithm,
	models.LevelJob,
	models.LevelAction,
	models.LevelAlgorithm,
	models.LevelWorkflow,
}

// precedenceFixture sets testProp at exactly the given levels, each with the
// level's name as value
func precedenceFixture(levels ...models.PropertyLevel) (*PropertyResolver, *models.Job, *models.Media, *models.Action) {
	set := make(map[models.PropertyLevel]bool)
	for _, l := range levels {
		set[l] = true
	}

	var workflow []models.WorkflowProperty
	if set[models.LevelWorkflow] {
		workflow = append(workflow, models.WorkflowProperty{Name: testProp, DefaultValue: models.LevelWorkflow.String()})
	}

	env := map[string]string{}
	resolver := NewPropertyResolver(models.PropertiesConfig{EnvPrefix: "MEDIAFLOW_PROP"}, workflow).
		WithEnvLookup(func(k string) (string, bool) {
			v, ok := env[k]
			return v, ok
		})
	if set[models.LevelEnvironment] {
		env[resolver.EnvVarName(testProp)] = models.LevelEnvironment.String()
	}

	action := &models.Action{
		Name:       "FACE ACTION",
		Algorithm:  models.Algorithm{Name: "FACECV", ActionType: models.ActionTypeDetection},
		Properties: map[string]string{},
	}
	if set[models.LevelAlgorithm] {
		action.Algorithm.Properties = []models.AlgorithmProperty{{Name: testProp, DefaultValue: models.LevelAlgorithm.String()}}
	}
	if set[models.LevelAction] {
		action.Properties[testProp] = models.LevelAction.String()
	}

	job := &models.Job{JobProperties: map[string]string{}, OverriddenAlgorithmProperties: map[string]map[string]string{}}
	if set[models.LevelJob] {
		job.JobProperties[testProp] = models.LevelJob.String()
	}
	if set[models.LevelOverriddenAlgorithm] {
		job.OverriddenAlgorithmProperties["FACECV"] = map[string]string{testProp: models.LevelOverriddenAlgorithm.String()}
	}

	media := &models.Media{ID: 1, ParentID: -1, CreationTask: -1, Type: models.MediaTypeVideo, Properties: map[string]string{}}
	if set[models.LevelMedia] {
		media.Properties[testProp] = models.LevelMedia.String()
	}

	return resolver, job, media, action
}

func TestResolve_EachLevelAlone(t *testing.T) {
	for _, level := range allLevels {
		t.Run(level.String(), func(t *testing.T) {
			r, job, media, action := precedenceFixture(level)
			info := r.Resolve(testProp, job, media, action)
			assert.Equal(t, level, info.Level)
			assert.Equal(t, level.String(), info.Value)
		})
	}
}

func TestResolve_PairwisePrecedence(t *testing.T) {
	for i, higher := range allLevels {
		for _, lower := range allLevels[i+1:] {
			t.Run(fmt.Sprintf("%s beats %s", higher, lower), func(t *testing.T) {
				r, job, media, action := precedenceFixture(higher, lower)
				info := r.Resolve(testProp, job, media, action)
				assert.Equal(t, higher, info.Level)
				assert.Equal(t, higher.String(), info.Value)
			})
		}
	}
}

func TestResolve_AllLevelsPresent(t *testing.T) {
	r, job, media, action := precedenceFixture(allLevels...)
	assert.Equal(t, models.LevelEnvironment, r.Resolve(testProp, job, media, action).Level)
}

func TestResolve_Unresolved(t *testing.T) {
	r, job, media, action := precedenceFixture()
	info := r.Resolve(testProp, job, media, action)
	assert.False(t, info.IsResolved())
	assert.Equal(t, models.LevelNone, info.Level)
	assert.Equal(t, "", info.Value)
}

func TestResolve_AlgorithmSubOrder(t *testing.T) {
	resolver := NewPropertyResolver(models.PropertiesConfig{
		System: map[string]string{"detection.face.min.size": "live"},
	}, nil).WithEnvLookup(func(string) (string, bool) { return "", false })

	action := &models.Action{Algorithm: models.Algorithm{
		Name:       "FACECV",
		Properties: []models.AlgorithmProperty{{Name: "MIN_FACE_SIZE", PropertiesKey: "detection.face.min.size"}},
	}}
	job := &models.Job{}

	assert.Equal(t, "live", resolver.ResolveValue("MIN_FACE_SIZE", job, nil, action))

	job.SystemPropertiesSnapshot = map[string]string{"detection.face.min.size": "snapshot"}
	assert.Equal(t, "snapshot", resolver.ResolveValue("MIN_FACE_SIZE", job, nil, action))

	action.Algorithm.Properties[0].DefaultValue = "declared"
	assert.Equal(t, "declared", resolver.ResolveValue("MIN_FACE_SIZE", job, nil, action))
}

func TestResolve_WorkflowByMediaType(t *testing.T) {
	resolver := NewPropertyResolver(models.PropertiesConfig{}, []models.WorkflowProperty{
		{Name: "FRAME_INTERVAL", DefaultValue: "5", MediaTypes: []models.MediaType{models.MediaTypeVideo}},
	}).WithEnvLookup(func(string) (string, bool) { return "", false })

	video := &models.Media{Type: models.MediaTypeVideo}
	image := &models.Media{Type: models.MediaTypeImage}
	unknown := &models.Media{Type: models.MediaTypeUnknown}

	assert.Equal(t, "5", resolver.ResolveValue("FRAME_INTERVAL", nil, video, nil))
	assert.False(t, resolver.Resolve("FRAME_INTERVAL", nil, image, nil).IsResolved())
	assert.Equal(t, "5", resolver.ResolveValue("FRAME_INTERVAL", nil, unknown, nil))
}

func TestResolve_RotationNeverDefaulted(t *testing.T) {
	resolver := NewPropertyResolver(models.PropertiesConfig{}, []models.WorkflowProperty{
		{Name: models.PropRotation, DefaultValue: "0"},
	}).WithEnvLookup(func(string) (string, bool) { return "", false })
	action := &models.Action{
		Algorithm:  models.Algorithm{Properties: []models.AlgorithmProperty{{Name: models.PropHorizontalFlip, DefaultValue: "false"}}},
		Properties: map[string]string{},
	}

	assert.False(t, resolver.Resolve(models.PropRotation, &models.Job{}, &models.Media{}, action).IsResolved())
	assert.False(t, resolver.Resolve(models.PropHorizontalFlip, &models.Job{}, &models.Media{}, action).IsResolved())

	action.Properties[models.PropRotation] = "90"
	info := resolver.Resolve(models.PropRotation, &models.Job{}, &models.Media{}, action)
	assert.Equal(t, models.LevelAction, info.Level)
}

func TestResolve_NumericHelpers(t *testing.T) {
	r, job, media, action := precedenceFixture(models.LevelAction)
	action.Properties[testProp] = "0.5"

	ok, err := r.IsLessThanOrEqualTo(testProp, 0.75, job, media, action)
	require.NoError(t, err)
	assert.True(t, ok)

	action.Properties[testProp] = "high"
	_, err = r.IsLessThanOrEqualTo(testProp, 0.75, job, media, action)
	require.Error(t, err)
	assert.True(t, lib.IsCategory(err, lib.CategoryResolutionGap))

	_, err = r.ResolveInt("MISSING", job, media, action)
	require.Error(t, err)
	assert.True(t, lib.IsCategory(err, lib.CategoryResolutionGap))

	action.Properties["COUNT"] = " 7 "
	n, err := r.ResolveInt("COUNT", job, media, action)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestEnvVarName(t *testing.T) {
	r := NewPropertyResolver(models.PropertiesConfig{EnvPrefix: "MEDIAFLOW_PROP"}, nil)
	assert.Equal(t, "MEDIAFLOW_PROP_OUTPUT_LAST_TASK_ONLY", r.EnvVarName("OUTPUT_LAST_TASK_ONLY"))
	assert.Equal(t, "MEDIAFLOW_PROP_SEARCH_REGION_TOP_LEFT_X", r.EnvVarName("search.region-top left.x"))
}

func TestAppliesToMedia(t *testing.T) {
	r := NewPropertyResolver(models.PropertiesConfig{}, models.DefaultWorkflowProperties()).
		WithEnvLookup(func(string) (string, bool) { return "", false })
	source := &models.Media{ID: 1, ParentID: -1, CreationTask: -1, Type: models.MediaTypeVideo}
	derivative := &models.Media{ID: 2, ParentID: 1, CreationTask: 0, Type: models.MediaTypeImage}
	action := &models.Action{Properties: map[string]string{}}
	job := &models.Job{}

	assert.True(t, r.AppliesToMedia(job, source, action))
	assert.True(t, r.AppliesToMedia(job, derivative, action))

	action.Properties[models.PropDerivativeMediaOnly] = "TRUE"
	assert.False(t, r.AppliesToMedia(job, source, action))
	assert.True(t, r.AppliesToMedia(job, derivative, action))

	action.Properties = map[string]string{models.PropSourceMediaOnly: "true"}
	assert.True(t, r.AppliesToMedia(job, source, action))
	assert.False(t, r.AppliesToMedia(job, derivative, action))
}

func TestCombinedProperties(t *testing.T) {
	r := NewPropertyResolver(models.PropertiesConfig{}, models.DefaultWorkflowProperties()).
		WithEnvLookup(func(k string) (string, bool) {
			if k == "MEDIAFLOW_PROP_QUALITY" {
				return "env", true
			}
			return "", false
		})
	action := &models.Action{
		Algorithm: models.Algorithm{Name: "FACECV", Properties: []models.AlgorithmProperty{
			{Name: "QUALITY", DefaultValue: "low"},
			{Name: "MIN_SIZE", DefaultValue: "10"},
		}},
		Properties: map[string]string{"MIN_SIZE": "20", models.PropRotation: "90", "SEARCH_REGION_ENABLE": "true"},
	}
	job := &models.Job{
		JobProperties:                 map[string]string{"MIN_SIZE": "30"},
		OverriddenAlgorithmProperties: map[string]map[string]string{"FACECV": {"MIN_SIZE": "40"}},
	}
	media := &models.Media{Type: models.MediaTypeVideo, Properties: map[string]string{models.PropHorizontalFlip: "true"}}

	combined := r.CombinedProperties(job, media, action)

	assert.Equal(t, "40", combined["MIN_SIZE"])
	assert.Equal(t, "env", combined["QUALITY"])
	assert.Equal(t, "true", combined[models.PropHorizontalFlip])
	assert.NotContains(t, combined, models.PropRotation, "action rotation is reset when media sets a flip")
	assert.NotContains(t, combined, "SEARCH_REGION_ENABLE")
	assert.Equal(t, "false", combined[models.PropLastTaskOnly])
}

func TestResolve_ConcurrentReads(t *testing.T) {
	r, job, media, action := precedenceFixture(allLevels[1:]...)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, models.LevelMedia, r.Resolve(testProp, job, media, action).Level)
		}()
	}
	wg.Wait()
}

func TestCombinedProperties_WithoutEnvLookup(t *testing.T) {
	r := NewPropertyResolver(models.PropertiesConfig{}, models.DefaultWorkflowProperties()).WithEnvLookup(nil)
	action := &models.Action{Properties: map[string]string{"MIN_SIZE": "20"}}

	var combined map[string]string
	require.NotPanics(t, func() {
		combined = r.CombinedProperties(&models.Job{}, &models.Media{Type: models.MediaTypeVideo}, action)
	})
	assert.Equal(t, "20", combined["MIN_SIZE"])

	assert.False(t, r.Resolve("NOT_A_PROPERTY", nil, nil, nil).IsResolved())
}
