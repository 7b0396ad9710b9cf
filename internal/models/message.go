package models

import "time"

// WorkUnit is one unit of fan-out work produced by a split
type WorkUnit struct {
	CorrelationID string            `json:"correlation_id"` // "<jobID>:<token>", shared by every unit of one split
	SplitSize     int               `json:"split_size"`
	JobID         string            `json:"job_id"`
	Priority      int               `json:"priority"`
	Destination   string            `json:"destination,omitempty"`
	EmptySplit    bool              `json:"empty_split,omitempty"`
	MediaID       int64             `json:"media_id,omitempty"`
	MediaURI      string            `json:"media_uri,omitempty"`
	MediaType     MediaType         `json:"media_type,omitempty"`
	TaskIndex     int               `json:"task_index"`
	ActionIndex   int               `json:"action_index"`
	ActionName    string            `json:"action_name,omitempty"`
	Properties    map[string]string `json:"properties,omitempty"`
	FrameRanges   []Range           `json:"frame_ranges,omitempty"`
	TimeRanges    []Range           `json:"time_ranges,omitempty"`
	Tracks        []Track           `json:"tracks,omitempty"` // feed-forward input from the previous task
}

// WorkResponse is what a worker sends back for a WorkUnit
type WorkResponse struct {
	CorrelationID     string           `json:"correlation_id"`
	SplitSize         int              `json:"split_size"`
	JobID             string           `json:"job_id"`
	SuppressBroadcast bool             `json:"suppress_broadcast,omitempty"`
	EmptySplit        bool             `json:"empty_split,omitempty"`
	MediaID           int64            `json:"media_id,omitempty"`
	TaskIndex         int              `json:"task_index"`
	ActionIndex       int              `json:"action_index"`
	Tracks            []Track          `json:"tracks,omitempty"`
	Errors            []DetectionError `json:"errors,omitempty"`
	MarkupURI         string           `json:"markup_uri,omitempty"`
	ProcessingTimeMs  int64            `json:"processing_time_ms,omitempty"`
}

// ResponseFor creates a response carrying the routing headers of a unit
func ResponseFor(unit WorkUnit) WorkResponse {
	return WorkResponse{
		CorrelationID: unit.CorrelationID,
		SplitSize:     unit.SplitSize,
		JobID:         unit.JobID,
		EmptySplit:    unit.EmptySplit,
		MediaID:       unit.MediaID,
		TaskIndex:     unit.TaskIndex,
		ActionIndex:   unit.ActionIndex,
	}
}

// JobProgress is broadcast to observers as a job advances
type JobProgress struct {
	JobID        string    `json:"job_id"`
	Percent      float64   `json:"percent"`
	Status       JobStatus `json:"status"`
	Timestamp    time.Time `json:"timestamp"`
	OutputExists bool      `json:"output_exists,omitempty"`
}

// JobCompleteNotification is delivered to subscribers once per job
type JobCompleteNotification struct {
	JobID            string    `json:"job_id"`
	ExternalID       string    `json:"external_id,omitempty"`
	Status           JobStatus `json:"status"`
	OutputObjectPath string    `json:"output_object_path,omitempty"`
}
