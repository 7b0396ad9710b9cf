package models

// Media is a single input item, or a derivative produced by an earlier task
type Media struct {
	ID           int64             `json:"id"`
	ParentID     int64             `json:"parent_id"`     // -1 for source media
	CreationTask int               `json:"creation_task"` // -1 for source media
	URI          string            `json:"uri"`
	Type         MediaType         `json:"type"`
	MimeType     string            `json:"mime_type,omitempty"`
	SHA256       string            `json:"sha256,omitempty"`
	Properties   map[string]string `json:"properties,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	FrameRanges  []Range           `json:"frame_ranges,omitempty"`
	TimeRanges   []Range           `json:"time_ranges,omitempty"`
	Failed       bool              `json:"failed,omitempty"`
	// MarkupURI is set when a markup task rendered this media
	MarkupURI string `json:"markup_uri,omitempty"`
}

// Range is an inclusive [Start, End] interval of frames or milliseconds
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// MediaType is the coarse media category used for workflow defaults
type MediaType string

const (
	MediaTypeVideo   MediaType = "VIDEO"
	MediaTypeImage   MediaType = "IMAGE"
	MediaTypeAudio   MediaType = "AUDIO"
	MediaTypeUnknown MediaType = "UNKNOWN"
)

// IsValidMediaType checks if the media type is recognized
func IsValidMediaType(t MediaType) bool {
	switch t {
	case MediaTypeVideo, MediaTypeImage, MediaTypeAudio, MediaTypeUnknown:
		return true
	default:
		return false
	}
}

// IsDerivative reports whether the media was produced by an earlier task
func (m Media) IsDerivative() bool {
	return m.ParentID >= 0 && m.CreationTask >= 0
}

// NewSourceMedia creates a source media item with no parent
func NewSourceMedia(id int64, uri string, mediaType MediaType) Media {
	return Media{
		ID:           id,
		ParentID:     -1,
		CreationTask: -1,
		URI:          uri,
		Type:         mediaType,
	}
}
