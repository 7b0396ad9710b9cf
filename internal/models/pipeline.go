package models

import "strings"

// Pipeline is the ordered list of tasks a job executes
type Pipeline struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Tasks       []Task `json:"tasks"`
}

// Task is one stage of a pipeline. All actions in a task share an operation type.
type Task struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Actions     []Action `json:"actions"`
}

// Action is a single algorithm invocation with its own property overrides
type Action struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Algorithm   Algorithm         `json:"algorithm"`
	Properties  map[string]string `json:"properties,omitempty"`
}

// Algorithm describes a detector or markup component and its declared properties
type Algorithm struct {
	Name       string              `json:"name"`
	ActionType ActionType          `json:"action_type"`
	TrackType  string              `json:"track_type,omitempty"`
	Properties []AlgorithmProperty `json:"properties,omitempty"`
}

// AlgorithmProperty is a property an algorithm declares. When DefaultValue is
// empty the value is taken from system properties under PropertiesKey.
type AlgorithmProperty struct {
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	DefaultValue  string `json:"default_value,omitempty"`
	PropertiesKey string `json:"properties_key,omitempty"`
}

// ActionType is the operation category of an algorithm, and therefore of a task
type ActionType string

const (
	ActionTypeDetection ActionType = "DETECTION"
	ActionTypeMarkup    ActionType = "MARKUP"
	ActionTypeUnknown   ActionType = "UNKNOWN"
)

// IsValidActionType checks if the action type is recognized
func IsValidActionType(t ActionType) bool {
	return t == ActionTypeDetection || t == ActionTypeMarkup
}

// Property returns the declared algorithm property with the given name
func (a Algorithm) Property(name string) (AlgorithmProperty, bool) {
	for _, p := range a.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return AlgorithmProperty{}, false
}

// ActionType returns the operation category of the task. Tasks without
// actions report ActionTypeUnknown.
func (t Task) ActionType() ActionType {
	if len(t.Actions) == 0 {
		return ActionTypeUnknown
	}
	return t.Actions[0].Algorithm.ActionType
}

// ActionAt returns the action at the given task and action index
func (p Pipeline) ActionAt(taskIdx int, actionIdx int) (Action, bool) {
	if taskIdx < 0 || taskIdx >= len(p.Tasks) {
		return Action{}, false
	}
	actions := p.Tasks[taskIdx].Actions
	if actionIdx < 0 || actionIdx >= len(actions) {
		return Action{}, false
	}
	return actions[actionIdx], true
}

// LastDetectionTaskIndex returns the index of the last detection task, or -1
func (p Pipeline) LastDetectionTaskIndex() int {
	for i := len(p.Tasks) - 1; i >= 0; i-- {
		if p.Tasks[i].ActionType() == ActionTypeDetection {
			return i
		}
	}
	return -1
}

// IsFirstDetectionTask reports whether no detection task precedes taskIdx
func (p Pipeline) IsFirstDetectionTask(taskIdx int) bool {
	for i := 0; i < taskIdx && i < len(p.Tasks); i++ {
		if p.Tasks[i].ActionType() == ActionTypeDetection {
			return false
		}
	}
	return true
}

// QueueName builds the transport destination for an action's work units
func QueueName(action Action) string {
	return "MEDIAFLOW." + string(action.Algorithm.ActionType) + "_" + strings.ToUpper(action.Algorithm.Name) + "_REQUEST"
}
