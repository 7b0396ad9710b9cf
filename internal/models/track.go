package models

import "sort"

// Track is one result produced by an action for one media item
type Track struct {
	MediaID          int64             `json:"media_id"`
	TaskIndex        int               `json:"task_index"`
	ActionIndex      int               `json:"action_index"`
	Type             string            `json:"type"`
	StartOffsetFrame int               `json:"start_offset_frame"`
	StopOffsetFrame  int               `json:"stop_offset_frame"`
	StartOffsetTime  int64             `json:"start_offset_time"`
	StopOffsetTime   int64             `json:"stop_offset_time"`
	Confidence       float64           `json:"confidence"`
	Properties       map[string]string `json:"properties,omitempty"`
	Detections       []Detection       `json:"detections"`
}

// Detection is a single located object within a frame or time offset
type Detection struct {
	X           int               `json:"x"`
	Y           int               `json:"y"`
	Width       int               `json:"width"`
	Height      int               `json:"height"`
	Confidence  float64           `json:"confidence"`
	OffsetFrame int               `json:"offset_frame"`
	OffsetTime  int64             `json:"offset_time"`
	Properties  map[string]string `json:"properties,omitempty"`
}

// DetectionError is an error a worker reported while processing a work unit
type DetectionError struct {
	MediaID     int64  `json:"media_id"`
	TaskIndex   int    `json:"task_index"`
	ActionIndex int    `json:"action_index"`
	StartFrame  int    `json:"start_frame"`
	StopFrame   int    `json:"stop_frame"`
	Code        string `json:"code"`
	Message     string `json:"message"`
}

// SortDetections orders a track's detections by frame offset
func SortDetections(track Track) Track {
	dets := make([]Detection, len(track.Detections))
	copy(dets, track.Detections)
	sort.SliceStable(dets, func(i, j int) bool {
		return dets[i].OffsetFrame < dets[j].OffsetFrame
	})
	track.Detections = dets
	return track
}

// ExemplarPolicy selects the representative detection of a track
type ExemplarPolicy string

const (
	ExemplarFirst      ExemplarPolicy = "FIRST"
	ExemplarLast       ExemplarPolicy = "LAST"
	ExemplarMiddle     ExemplarPolicy = "MIDDLE"
	ExemplarConfidence ExemplarPolicy = "CONFIDENCE"
)

// ParseExemplarPolicy maps a property value to a policy; unknown values
// fall back to ExemplarConfidence.
func ParseExemplarPolicy(value string) ExemplarPolicy {
	switch ExemplarPolicy(value) {
	case ExemplarFirst, ExemplarLast, ExemplarMiddle:
		return ExemplarPolicy(value)
	default:
		return ExemplarConfidence
	}
}

// MergeRole classifies what happens to an action's tracks in the output
type MergeRole string

const (
	MergeRoleSource   MergeRole = "MERGE_SOURCE"
	MergeRoleTarget   MergeRole = "MERGE_TARGET"
	MergeRoleTerminal MergeRole = "TERMINAL_OUTPUT"
)

// TrackInfo is derived per (media, task, action) while building output
type TrackInfo struct {
	TrackCount    int       `json:"track_count"`
	TrackType     string    `json:"track_type"`
	IsSuppressed  bool      `json:"is_suppressed"`
	IsMergeSource bool      `json:"is_merge_source"`
	IsMergeTarget bool      `json:"is_merge_target"`
	Role          MergeRole `json:"role"`
}

// RoleFor derives the merge classification. Being folded into a later
// action takes precedence over absorbing an earlier one.
func RoleFor(isMergeSource bool, isMergeTarget bool) MergeRole {
	switch {
	case isMergeTarget:
		return MergeRoleTarget
	case isMergeSource:
		return MergeRoleSource
	default:
		return MergeRoleTerminal
	}
}
