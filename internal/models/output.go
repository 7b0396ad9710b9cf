package models

import "time"

// Marker track types used when an action contributes no tracks directly
const (
	NoTracksType         = "NO TRACKS"
	TracksSuppressedType = "TRACKS SUPPRESSED"
	TracksMergedType     = "TRACKS MERGED"
)

// JobOutput is the single structured output document written per job
type JobOutput struct {
	JobID                         string                       `json:"jobId"`
	ObjectID                      string                       `json:"objectId"`
	ExternalID                    string                       `json:"externalId,omitempty"`
	Priority                      int                          `json:"priority"`
	SiteID                        string                       `json:"siteId,omitempty"`
	Status                        JobStatus                    `json:"status"`
	TimeStart                     time.Time                    `json:"timeStart"`
	TimeStop                      time.Time                    `json:"timeStop"`
	Pipeline                      PipelineOutput               `json:"pipeline"`
	JobProperties                 map[string]string            `json:"jobProperties,omitempty"`
	AlgorithmProperties           map[string]map[string]string `json:"algorithmProperties,omitempty"`
	EnvironmentVariableProperties map[string]string            `json:"environmentVariableProperties,omitempty"`
	Media                         []MediaOutput                `json:"media"`
	JobWarnings                   []IssueOutput                `json:"jobWarnings,omitempty"`
	JobErrors                     []IssueOutput                `json:"jobErrors,omitempty"`
	Timing                        TimingOutput                 `json:"timing"`
}

// PipelineOutput describes the pipeline the job ran
type PipelineOutput struct {
	Name  string       `json:"name"`
	Tasks []TaskOutput `json:"tasks"`
}

// TaskOutput describes one task of the pipeline
type TaskOutput struct {
	Name    string         `json:"name"`
	Actions []ActionOutput `json:"actions"`
}

// ActionOutput describes one action; property values may be censored
type ActionOutput struct {
	Name       string            `json:"name"`
	Algorithm  string            `json:"algorithm"`
	Properties map[string]string `json:"properties,omitempty"`
}

// MediaOutput holds everything produced for one media item
type MediaOutput struct {
	MediaID                   int64                             `json:"mediaId"`
	ParentMediaID             int64                             `json:"parentMediaId"`
	Path                      string                            `json:"path"`
	Type                      MediaType                         `json:"type"`
	SHA256                    string                            `json:"sha256,omitempty"`
	Status                    string                            `json:"status"`
	FrameRanges               []Range                           `json:"frameRanges,omitempty"`
	TimeRanges                []Range                           `json:"timeRanges,omitempty"`
	MediaMetadata             map[string]string                 `json:"mediaMetadata,omitempty"`
	MediaProperties           map[string]string                 `json:"mediaProperties,omitempty"`
	MarkupResult              *MarkupOutput                     `json:"markupResult,omitempty"`
	DetectionTypes            map[string][]ActionTracksOutput   `json:"detectionTypes"`
	DetectionProcessingErrors map[string][]DetectionErrorOutput `json:"detectionProcessingErrors,omitempty"`
}

// ActionTracksOutput groups the tracks an action contributed for one track type
type ActionTracksOutput struct {
	Action    string        `json:"action"`
	Algorithm string        `json:"algorithm"`
	Tracks    []TrackOutput `json:"tracks"`
}

// TrackOutput is a track as it appears in the output document
type TrackOutput struct {
	ID               string            `json:"id"`
	StartOffsetFrame int               `json:"startOffsetFrame"`
	StopOffsetFrame  int               `json:"stopOffsetFrame"`
	StartOffsetTime  int64             `json:"startOffsetTime"`
	StopOffsetTime   int64             `json:"stopOffsetTime"`
	Type             string            `json:"type"`
	Source           string            `json:"source"`
	Confidence       float64           `json:"confidence"`
	TrackProperties  map[string]string `json:"trackProperties,omitempty"`
	Exemplar         Detection         `json:"exemplar"`
	Detections       []Detection       `json:"detections"`
}

// MarkupOutput records a rendered markup for a media item
type MarkupOutput struct {
	Action string `json:"action"`
	Path   string `json:"path"`
	Status string `json:"status"`
}

// DetectionErrorOutput is a detection processing error in the output
type DetectionErrorOutput struct {
	StartFrame int    `json:"startFrame"`
	StopFrame  int    `json:"stopFrame"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

// IssueOutput is a job- or media-level issue in the output
type IssueOutput struct {
	MediaID int64  `json:"mediaId,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TimingOutput reports processing time per action
type TimingOutput struct {
	TotalMs int64                `json:"totalMs"`
	Actions []ActionTimingOutput `json:"actions,omitempty"`
}

// ActionTimingOutput is the summed processing time of one action
type ActionTimingOutput struct {
	Action string `json:"action"`
	TimeMs int64  `json:"timeMs"`
}

// ActionTiming accumulates worker-reported processing time
type ActionTiming struct {
	TaskIndex   int   `json:"task_index"`
	ActionIndex int   `json:"action_index"`
	TimeMs      int64 `json:"time_ms"`
}
