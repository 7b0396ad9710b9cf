package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/trobanga/mediaflow/internal/lib"
	"github.com/trobanga/mediaflow/internal/models"
)

const (
	censoredValue     = "<censored>"
	mediaStatusOK     = "COMPLETE"
	mediaStatusFailed = "ERROR"
)

// trackNamespace seeds the name-based track ids so rebuilding an output
// document yields the same ids
var trackNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/trobanga/mediaflow/track"))

// OutputAssembler builds the single output document of a finished job
type OutputAssembler struct {
	store    JobStore
	resolver *PropertyResolver
	triggers *TriggerProcessor
	merging  *TaskMerging
	cfg      models.OutputConfig
	censored map[string]bool
	logger   *lib.Logger
	now      func() time.Time
}

// NewOutputAssembler creates an assembler reading tracks from store
func NewOutputAssembler(store JobStore, resolver *PropertyResolver, cfg models.OutputConfig, logger *lib.Logger) *OutputAssembler {
	if logger == nil {
		logger = lib.DefaultLogger
	}
	censored := make(map[string]bool, len(cfg.CensoredProperties))
	for _, name := range cfg.CensoredProperties {
		censored[strings.ToUpper(name)] = true
	}
	return &OutputAssembler{
		store:    store,
		resolver: resolver,
		triggers: NewTriggerProcessor(resolver, store),
		merging:  NewTaskMerging(resolver),
		cfg:      cfg,
		censored: censored,
		logger:   logger,
		now:      time.Now,
	}
}

// TrackInfo classifies one action's results for a media and returns the
// tracks it surfaces directly. Suppressed actions surface only the tracks
// no later task consumed.
func (a *OutputAssembler) TrackInfo(ctx context.Context, job *models.Job, media *models.Media, taskIdx int, actionIdx int) (models.TrackInfo, []models.Track, error) {
	lastDetection := job.Pipeline.LastDetectionTaskIndex()
	info := models.TrackInfo{
		IsMergeSource: a.merging.IsMergeSource(job, media, taskIdx, actionIdx),
		IsMergeTarget: a.merging.IsMergeTarget(job, media, taskIdx),
		IsSuppressed:  taskIdx < lastDetection && a.resolver.ResolveBool(models.PropLastTaskOnly, job, media, nil),
	}
	info.Role = models.RoleFor(info.IsMergeSource, info.IsMergeTarget)

	count, err := a.store.GetTrackCount(ctx, job.ID, media.ID, taskIdx, actionIdx)
	if err != nil {
		return info, nil, err
	}
	var tracks []models.Track
	if count > 0 {
		tracks, err = a.store.GetTracks(ctx, job.ID, media.ID, taskIdx, actionIdx)
		if err != nil {
			return info, nil, err
		}
	}

	trackType, err := a.store.GetTrackType(ctx, job.ID, media.ID, taskIdx, actionIdx)
	if err != nil {
		return info, nil, err
	}
	if trackType == "" {
		if action, ok := job.Pipeline.ActionAt(taskIdx, actionIdx); ok {
			trackType = action.Algorithm.TrackType
		}
	}
	info.TrackType = trackType

	if info.IsSuppressed {
		allTriggered, err := a.triggers.AllLaterActionsTriggered(job, media, taskIdx, lastDetection)
		if err != nil {
			return info, nil, err
		}
		if !allTriggered {
			info.IsSuppressed = false
		} else {
			wasTriggered, err := a.triggers.WasTriggeredFilter(job, media, taskIdx, lastDetection)
			if err != nil {
				return info, nil, err
			}
			var untriggered []models.Track
			for _, t := range tracks {
				if !wasTriggered(t) {
					untriggered = append(untriggered, t)
				}
			}
			tracks = untriggered
			if len(untriggered) > 0 {
				info.IsSuppressed = false
			}
		}
	}

	info.TrackCount = len(tracks)
	return info, tracks, nil
}

// Build assembles the output document. completion is the status the job
// ended its tasks with; the returned document carries the final status
// after upgrading it for issues found while building. A media item that
// fails to build is recorded as a fatal job issue and the rest of the
// document is still produced.
func (a *OutputAssembler) Build(ctx context.Context, job *models.Job, completion models.JobStatus) (*models.JobOutput, error) {
	timings, err := a.store.GetProcessingTimes(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("load processing times: %w", err)
	}
	detectionErrors, err := a.store.GetDetectionErrors(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("load detection errors: %w", err)
	}

	out := &models.JobOutput{
		JobID:                         job.ID,
		ObjectID:                      uuid.NewString(),
		ExternalID:                    job.ExternalID,
		Priority:                      job.Priority,
		SiteID:                        a.cfg.SiteID,
		TimeStart:                     job.TimeReceived,
		TimeStop:                      a.now(),
		Pipeline:                      a.pipelineOutput(job.Pipeline),
		JobProperties:                 a.censor(job.JobProperties),
		AlgorithmProperties:           make(map[string]map[string]string),
		EnvironmentVariableProperties: a.censor(a.resolver.EnvironmentOverrides(job)),
		Timing:                        a.timingOutput(job, timings),
	}
	for algo, props := range job.OverriddenAlgorithmProperties {
		out.AlgorithmProperties[algo] = a.censor(props)
	}
	for _, w := range job.Warnings {
		out.JobWarnings = append(out.JobWarnings, models.IssueOutput(w))
	}
	for _, e := range job.Errors {
		out.JobErrors = append(out.JobErrors, models.IssueOutput(e))
	}

	hasNewErrors := false
	for i := range job.Media {
		media := &job.Media[i]
		mo, err := a.buildMedia(ctx, job, media, detectionErrors)
		if err != nil {
			jobErr := lib.ErrOutputAssembly(job.ID, media.ID, err)
			lib.LogJobIssue(a.logger, job.ID, true, models.IssueOutputFailed, jobErr.Error())
			issue := models.Issue{MediaID: media.ID, Code: models.IssueOutputFailed, Message: jobErr.Error()}
			if recErr := a.store.AddFatalError(ctx, job.ID, issue.Code, issue.Message); recErr != nil {
				a.logger.Error("Failed to record output failure", "job_id", job.ID, "error", recErr)
			}
			out.JobErrors = append(out.JobErrors, models.IssueOutput(issue))
			mo.Status = mediaStatusFailed
			hasNewErrors = true
		}
		if len(mo.DetectionProcessingErrors) > 0 {
			hasNewErrors = true
		}
		out.Media = append(out.Media, mo)
	}

	out.Status = completion.UpgradeAfterOutput(hasNewErrors || len(out.JobErrors) > 0, len(out.JobWarnings) > 0)
	return out, nil
}

// Write stores the document under the job's output directory while holding
// the job's file lock
func (a *OutputAssembler) Write(out *models.JobOutput) (string, error) {
	var path string
	err := WithJobLock(a.cfg.Dir, out.JobID, a.logger, func() error {
		var err error
		path, err = SaveJobOutput(a.cfg.Dir, out)
		return err
	})
	return path, err
}

func (a *OutputAssembler) buildMedia(ctx context.Context, job *models.Job, media *models.Media, detectionErrors []models.DetectionError) (mo models.MediaOutput, err error) {
	mo = models.MediaOutput{
		MediaID:         media.ID,
		ParentMediaID:   media.ParentID,
		Path:            media.URI,
		Type:            media.Type,
		SHA256:          media.SHA256,
		Status:          mediaStatusOK,
		FrameRanges:     media.FrameRanges,
		TimeRanges:      media.TimeRanges,
		MediaMetadata:   media.Metadata,
		MediaProperties: a.censor(media.Properties),
		DetectionTypes:  make(map[string][]models.ActionTracksOutput),
	}
	if media.Failed {
		mo.Status = mediaStatusFailed
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while building media output: %v", r)
		}
	}()

	groups := newDetectionGroups(mo.DetectionTypes)

	for taskIdx := media.CreationTask + 1; taskIdx < job.TaskCount(); taskIdx++ {
		t := &job.Pipeline.Tasks[taskIdx]
		for actionIdx := range t.Actions {
			action := &t.Actions[actionIdx]
			if !a.resolver.AppliesToMedia(job, media, action) {
				continue
			}

			switch t.ActionType() {
			case models.ActionTypeMarkup:
				if media.MarkupURI != "" {
					mo.MarkupResult = &models.MarkupOutput{Action: action.Name, Path: media.MarkupURI, Status: mediaStatusOK}
				}
				continue
			case models.ActionTypeDetection:
			default:
				continue
			}

			info, tracks, err := a.TrackInfo(ctx, job, media, taskIdx, actionIdx)
			if err != nil {
				return mo, err
			}

			headTask, headAction := a.merging.MergedAction(job, media, taskIdx, actionIdx)
			head, _ := job.Pipeline.ActionAt(headTask, headAction)

			switch {
			case info.IsMergeTarget:
				groups.marker(models.TracksMergedType, *action)
			case info.IsSuppressed:
				groups.marker(models.TracksSuppressedType, *action)
			case info.TrackCount == 0:
				groups.marker(models.NoTracksType, head)
			default:
				policy := models.ParseExemplarPolicy(a.resolver.ResolveValue(models.PropExemplarPolicy, job, media, action))
				exemplarsOnly := a.resolver.ResolveBool(models.PropExemplarsOnly, job, media, action)
				for i, tr := range tracks {
					trackType := tr.Type
					if trackType == "" {
						trackType = info.TrackType
					}
					g := groups.group(trackType, head)
					g.Tracks = append(g.Tracks, a.trackOutput(job.ID, media.ID, taskIdx, actionIdx, i, tr, action.Name, policy, exemplarsOnly))
				}
			}
		}
	}
	groups.sortTracks()

	for _, e := range detectionErrors {
		if e.MediaID != media.ID {
			continue
		}
		key := "UNKNOWN"
		if action, ok := job.Pipeline.ActionAt(e.TaskIndex, e.ActionIndex); ok {
			key = action.Name
		}
		if mo.DetectionProcessingErrors == nil {
			mo.DetectionProcessingErrors = make(map[string][]models.DetectionErrorOutput)
		}
		mo.DetectionProcessingErrors[key] = append(mo.DetectionProcessingErrors[key], models.DetectionErrorOutput{
			StartFrame: e.StartFrame,
			StopFrame:  e.StopFrame,
			Code:       e.Code,
			Message:    e.Message,
		})
	}

	return mo, nil
}

func (a *OutputAssembler) trackOutput(jobID string, mediaID int64, taskIdx int, actionIdx int, n int, tr models.Track, source string, policy models.ExemplarPolicy, exemplarsOnly bool) models.TrackOutput {
	tr = models.SortDetections(tr)
	exemplar, _ := SelectExemplar(tr, policy)
	detections := tr.Detections
	if exemplarsOnly && len(detections) > 0 {
		detections = []models.Detection{exemplar}
	}
	if detections == nil {
		detections = []models.Detection{}
	}
	id := uuid.NewSHA1(trackNamespace, []byte(fmt.Sprintf("%s/%d/%d/%d/%d", jobID, mediaID, taskIdx, actionIdx, n)))
	return models.TrackOutput{
		ID:               id.String(),
		StartOffsetFrame: tr.StartOffsetFrame,
		StopOffsetFrame:  tr.StopOffsetFrame,
		StartOffsetTime:  tr.StartOffsetTime,
		StopOffsetTime:   tr.StopOffsetTime,
		Type:             tr.Type,
		Source:           source,
		Confidence:       tr.Confidence,
		TrackProperties:  tr.Properties,
		Exemplar:         exemplar,
		Detections:       detections,
	}
}

func (a *OutputAssembler) pipelineOutput(p models.Pipeline) models.PipelineOutput {
	out := models.PipelineOutput{Name: p.Name}
	for _, t := range p.Tasks {
		to := models.TaskOutput{Name: t.Name}
		for _, action := range t.Actions {
			to.Actions = append(to.Actions, models.ActionOutput{
				Name:       action.Name,
				Algorithm:  action.Algorithm.Name,
				Properties: a.censor(action.Properties),
			})
		}
		out.Tasks = append(out.Tasks, to)
	}
	return out
}

func (a *OutputAssembler) timingOutput(job *models.Job, timings []models.ActionTiming) models.TimingOutput {
	var out models.TimingOutput
	for _, t := range timings {
		name := fmt.Sprintf("task %d action %d", t.TaskIndex, t.ActionIndex)
		if action, ok := job.Pipeline.ActionAt(t.TaskIndex, t.ActionIndex); ok {
			name = action.Name
		}
		out.Actions = append(out.Actions, models.ActionTimingOutput{Action: name, TimeMs: t.TimeMs})
		out.TotalMs += t.TimeMs
	}
	return out
}

// censor copies props, masking the values of censored property names
func (a *OutputAssembler) censor(props map[string]string) map[string]string {
	if len(props) == 0 {
		return nil
	}
	out := make(map[string]string, len(props))
	for k, v := range props {
		if a.censored[strings.ToUpper(k)] {
			out[k] = censoredValue
			continue
		}
		out[k] = v
	}
	return out
}

// detectionGroups accumulates per-type action groups for one media,
// creating each (type, action) group once
type detectionGroups struct {
	types map[string][]models.ActionTracksOutput
	index map[string]int
}

func newDetectionGroups(types map[string][]models.ActionTracksOutput) *detectionGroups {
	return &detectionGroups{types: types, index: make(map[string]int)}
}

// group returns the group for a type and action. The pointer is only valid
// until the next call.
func (g *detectionGroups) group(trackType string, action models.Action) *models.ActionTracksOutput {
	key := trackType + "\x00" + action.Name
	if i, ok := g.index[key]; ok {
		return &g.types[trackType][i]
	}
	g.types[trackType] = append(g.types[trackType], models.ActionTracksOutput{
		Action:    action.Name,
		Algorithm: action.Algorithm.Name,
		Tracks:    []models.TrackOutput{},
	})
	i := len(g.types[trackType]) - 1
	g.index[key] = i
	return &g.types[trackType][i]
}

func (g *detectionGroups) marker(markerType string, action models.Action) {
	g.group(markerType, action)
}

func (g *detectionGroups) sortTracks() {
	for _, groups := range g.types {
		for i := range groups {
			tracks := groups[i].Tracks
			sort.SliceStable(tracks, func(x, y int) bool {
				if tracks[x].StartOffsetFrame != tracks[y].StartOffsetFrame {
					return tracks[x].StartOffsetFrame < tracks[y].StartOffsetFrame
				}
				return tracks[x].StopOffsetFrame < tracks[y].StopOffsetFrame
			})
		}
	}
}
