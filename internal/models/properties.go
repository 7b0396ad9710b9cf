package models

// Property names the orchestrator itself interprets
const (
	PropMergeWithPreviousTask = "OUTPUT_MERGE_WITH_PREVIOUS_TASK"
	PropLastTaskOnly          = "OUTPUT_LAST_TASK_ONLY"
	PropExemplarsOnly         = "OUTPUT_EXEMPLARS_ONLY"
	PropExemplarPolicy        = "EXEMPLAR_POLICY"
	PropDerivativeMediaOnly   = "DERIVATIVE_MEDIA_ONLY"
	PropSourceMediaOnly       = "SOURCE_MEDIA_ONLY"
	PropTrigger               = "TRIGGER"
	PropRotation              = "ROTATION"
	PropHorizontalFlip        = "HORIZONTAL_FLIP"
	PropAutoRotate            = "AUTO_ROTATE"
	PropAutoFlip              = "AUTO_FLIP"
	PropSearchRegionPrefix    = "SEARCH_REGION_"
)

// PropertyLevel is where a resolved property value came from. Higher
// values take precedence.
type PropertyLevel int

const (
	LevelNone PropertyLevel = iota
	LevelWorkflow
	LevelAlgorithm
	LevelAction
	LevelJob
	LevelOverriddenAlgorithm
	LevelMedia
	LevelEnvironment
)

func (l PropertyLevel) String() string {
	switch l {
	case LevelWorkflow:
		return "WORKFLOW"
	case LevelAlgorithm:
		return "ALGORITHM"
	case LevelAction:
		return "ACTION"
	case LevelJob:
		return "JOB"
	case LevelOverriddenAlgorithm:
		return "OVERRIDDEN_ALGORITHM"
	case LevelMedia:
		return "MEDIA"
	case LevelEnvironment:
		return "ENVIRONMENT"
	default:
		return "NONE"
	}
}

// PropertyInfo is a resolved property value and its origin
type PropertyInfo struct {
	Name  string        `json:"name"`
	Value string        `json:"value"`
	Level PropertyLevel `json:"level"`
}

// IsResolved reports whether any level supplied a value
func (p PropertyInfo) IsResolved() bool {
	return p.Level != LevelNone
}

// WorkflowProperty is a system-wide default that applies to every action.
// An empty MediaTypes list applies to all media types.
type WorkflowProperty struct {
	Name         string      `json:"name" mapstructure:"name"`
	Description  string      `json:"description,omitempty" mapstructure:"description"`
	DefaultValue string      `json:"default_value" mapstructure:"default_value"`
	MediaTypes   []MediaType `json:"media_types,omitempty" mapstructure:"media_types"`
}

// AppliesTo reports whether the property has a default for the media type
func (w WorkflowProperty) AppliesTo(t MediaType) bool {
	if len(w.MediaTypes) == 0 {
		return true
	}
	for _, mt := range w.MediaTypes {
		if mt == t {
			return true
		}
	}
	return false
}

// DefaultWorkflowProperties returns the built-in workflow defaults
func DefaultWorkflowProperties() []WorkflowProperty {
	return []WorkflowProperty{
		{Name: PropMergeWithPreviousTask, DefaultValue: "false", Description: "Fold this action's tracks into the previous task's output"},
		{Name: PropLastTaskOnly, DefaultValue: "false", Description: "Only output tracks from the last detection task"},
		{Name: PropExemplarsOnly, DefaultValue: "false", Description: "Only output each track's exemplar detection"},
		{Name: PropExemplarPolicy, DefaultValue: string(ExemplarConfidence), Description: "FIRST, LAST, MIDDLE or CONFIDENCE"},
		{Name: PropDerivativeMediaOnly, DefaultValue: "false", Description: "Only run on derivative media"},
		{Name: PropSourceMediaOnly, DefaultValue: "false", Description: "Only run on source media"},
	}
}
