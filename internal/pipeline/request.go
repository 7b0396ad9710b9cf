package pipeline

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/trobanga/mediaflow/internal/lib"
	"github.com/trobanga/mediaflow/internal/models"
	"github.com/xeipuuv/gojsonschema"
)

//go:embed schema/job_request.json
var jobRequestSchema []byte

var compiledSchema = mustCompileSchema(jobRequestSchema)

func mustCompileSchema(b []byte) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(b))
	if err != nil {
		panic(fmt.Sprintf("invalid job request schema: %v", err))
	}
	return schema
}

// JobRequest is a submitted job before it has ids and status
type JobRequest struct {
	ExternalID          string                       `json:"external_id,omitempty"`
	Priority            *int                         `json:"priority,omitempty"`
	Pipeline            models.Pipeline              `json:"pipeline"`
	Media               []MediaRequest               `json:"media"`
	JobProperties       map[string]string            `json:"job_properties,omitempty"`
	AlgorithmProperties map[string]map[string]string `json:"algorithm_properties,omitempty"`
	CallbackURL         string                       `json:"callback_url,omitempty"`
	CallbackMethod      string                       `json:"callback_method,omitempty"`
}

// MediaRequest is one media item of a job request
type MediaRequest struct {
	URI         string            `json:"uri"`
	Type        models.MediaType  `json:"type,omitempty"`
	MimeType    string            `json:"mime_type,omitempty"`
	SHA256      string            `json:"sha256,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	FrameRanges []models.Range    `json:"frame_ranges,omitempty"`
	TimeRanges  []models.Range    `json:"time_ranges,omitempty"`
}

// DefaultPriority is used when a request does not set one
const DefaultPriority = 4

// ParseJobRequest validates data against the job request schema and
// decodes it. source names the request in error messages.
func ParseJobRequest(source string, data []byte) (*JobRequest, error) {
	result, err := compiledSchema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, lib.ErrInvalidJobRequest(source, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, lib.ErrInvalidJobRequest(source, errors.New(strings.Join(msgs, "; ")))
	}

	var req JobRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, lib.ErrInvalidJobRequest(source, err)
	}
	return &req, nil
}

// LoadJobRequest reads and parses a job request file
func LoadJobRequest(path string) (*JobRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job request: %w", err)
	}
	return ParseJobRequest(path, data)
}

// the builtin table knows few media types; system mime.types may be absent
var fallbackMimeTypes = map[string]string{
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".avi":  "video/x-msvideo",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".bmp":  "image/bmp",
	".wav":  "audio/wav",
	".mp3":  "audio/mpeg",
	".flac": "audio/flac",
}

// mediaTypeFor guesses the media type from the declared MIME type or the
// URI's extension
func mediaTypeFor(m MediaRequest) models.MediaType {
	if m.Type != "" {
		return m.Type
	}
	ext := strings.ToLower(filepath.Ext(m.URI))
	mimeType := m.MimeType
	if mimeType == "" {
		mimeType = mime.TypeByExtension(ext)
	}
	if mimeType == "" {
		mimeType = fallbackMimeTypes[ext]
	}
	switch {
	case strings.HasPrefix(mimeType, "video/"):
		return models.MediaTypeVideo
	case strings.HasPrefix(mimeType, "image/"):
		return models.MediaTypeImage
	case strings.HasPrefix(mimeType, "audio/"):
		return models.MediaTypeAudio
	default:
		return models.MediaTypeUnknown
	}
}

func upperKeyed(props map[string]string) map[string]string {
	if len(props) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(props))
	for k, v := range props {
		out[strings.ToUpper(k)] = v
	}
	return out
}
