package services

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"unicode"

	"github.com/trobanga/mediaflow/internal/lib"
	"github.com/trobanga/mediaflow/internal/models"
)

// EnvLookup has the signature of os.LookupEnv
type EnvLookup func(key string) (string, bool)

// PropertyResolver resolves a property for a job/media/action by walking the
// precedence levels from highest to lowest. It holds only immutable state
// after construction and is safe for concurrent use without locking.
type PropertyResolver struct {
	envPrefix string
	lookupEnv EnvLookup
	system    map[string]string
	workflow  map[string]models.WorkflowProperty
}

// NewPropertyResolver creates a resolver over the configured system
// properties and workflow defaults. Both are copied.
func NewPropertyResolver(cfg models.PropertiesConfig, workflow []models.WorkflowProperty) *PropertyResolver {
	prefix := cfg.EnvPrefix
	if prefix == "" {
		prefix = models.DefaultConfig().Properties.EnvPrefix
	}

	system := make(map[string]string, len(cfg.System))
	for k, v := range cfg.System {
		system[k] = v
	}

	wf := make(map[string]models.WorkflowProperty, len(workflow))
	for _, p := range workflow {
		wf[p.Name] = p
	}

	return &PropertyResolver{
		envPrefix: prefix,
		lookupEnv: os.LookupEnv,
		system:    system,
		workflow:  wf,
	}
}

// WithEnvLookup returns a copy of the resolver that reads environment
// overrides through fn
func (r *PropertyResolver) WithEnvLookup(fn EnvLookup) *PropertyResolver {
	clone := *r
	clone.lookupEnv = fn
	return &clone
}

// EnvVarName returns the environment variable that overrides a property
func (r *PropertyResolver) EnvVarName(name string) string {
	mangled := strings.Map(func(c rune) rune {
		if c < unicode.MaxASCII && (unicode.IsLetter(c) || unicode.IsDigit(c)) {
			return unicode.ToUpper(c)
		}
		return '_'
	}, name)
	return r.envPrefix + "_" + mangled
}

// resolveContext is the snapshot one lookup runs against. media and action
// may be nil for job-level lookups.
type resolveContext struct {
	name   string
	job    *models.Job
	media  *models.Media
	action *models.Action
}

type levelLookup struct {
	level  models.PropertyLevel
	lookup func(r *PropertyResolver, c resolveContext) (string, bool)
}

// precedence is ordered highest first
var precedence = []levelLookup{
	{models.LevelEnvironment, (*PropertyResolver).fromEnvironment},
	{models.LevelMedia, (*PropertyResolver).fromMedia},
	{models.LevelOverriddenAlgorithm, (*PropertyResolver).fromOverriddenAlgorithm},
	{models.LevelJob, (*PropertyResolver).fromJob},
	{models.LevelAction, (*PropertyResolver).fromAction},
	{models.LevelAlgorithm, (*PropertyResolver).fromAlgorithm},
	{models.LevelWorkflow, (*PropertyResolver).fromWorkflow},
}

// Resolve returns the effective value of name and the level it came from.
// An unresolved property has level LevelNone.
func (r *PropertyResolver) Resolve(name string, job *models.Job, media *models.Media, action *models.Action) models.PropertyInfo {
	c := resolveContext{name: name, job: job, media: media, action: action}
	for _, l := range precedence {
		if value, ok := l.lookup(r, c); ok {
			return models.PropertyInfo{Name: name, Value: value, Level: l.level}
		}
	}
	return models.PropertyInfo{Name: name, Level: models.LevelNone}
}

// ResolveValue returns the effective value, or "" when unresolved
func (r *PropertyResolver) ResolveValue(name string, job *models.Job, media *models.Media, action *models.Action) string {
	return r.Resolve(name, job, media, action).Value
}

// ResolveBool reports whether the property resolves to "true" (case-insensitive).
// Unresolved properties are false.
func (r *PropertyResolver) ResolveBool(name string, job *models.Job, media *models.Media, action *models.Action) bool {
	return strings.EqualFold(strings.TrimSpace(r.ResolveValue(name, job, media, action)), "true")
}

// ResolveInt parses the resolved value as an integer
func (r *PropertyResolver) ResolveInt(name string, job *models.Job, media *models.Media, action *models.Action) (int, error) {
	info := r.Resolve(name, job, media, action)
	if !info.IsResolved() {
		return 0, lib.ErrUnresolvedProperty(name)
	}
	v, err := strconv.Atoi(strings.TrimSpace(info.Value))
	if err != nil {
		return 0, lib.ErrPropertyParse(name, info.Value, err)
	}
	return v, nil
}

// ResolveFloat parses the resolved value as a float
func (r *PropertyResolver) ResolveFloat(name string, job *models.Job, media *models.Media, action *models.Action) (float64, error) {
	info := r.Resolve(name, job, media, action)
	if !info.IsResolved() {
		return 0, lib.ErrUnresolvedProperty(name)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(info.Value), 64)
	if err != nil {
		return 0, lib.ErrPropertyParse(name, info.Value, err)
	}
	return v, nil
}

// IsLessThanOrEqualTo compares the resolved numeric value against limit
func (r *PropertyResolver) IsLessThanOrEqualTo(name string, limit float64, job *models.Job, media *models.Media, action *models.Action) (bool, error) {
	v, err := r.ResolveFloat(name, job, media, action)
	if err != nil {
		return false, err
	}
	return v <= limit, nil
}

// AppliesToMedia reports whether an action runs on a media item, based on
// DERIVATIVE_MEDIA_ONLY and SOURCE_MEDIA_ONLY
func (r *PropertyResolver) AppliesToMedia(job *models.Job, media *models.Media, action *models.Action) bool {
	if media.IsDerivative() {
		return !r.ResolveBool(models.PropSourceMediaOnly, job, media, action)
	}
	return !r.ResolveBool(models.PropDerivativeMediaOnly, job, media, action)
}

// CombinedProperties flattens every level into one map, lowest precedence
// first. When the media sets any frame-of-reference property (rotation,
// flip, search region), those keys are dropped from the action, job and
// overridden-algorithm levels so they cannot mix with the media's values.
func (r *PropertyResolver) CombinedProperties(job *models.Job, media *models.Media, action *models.Action) map[string]string {
	combined := make(map[string]string)

	if media != nil {
		for name, p := range r.workflow {
			if isUserOnlyProperty(name) {
				continue
			}
			if media.Type == models.MediaTypeUnknown || p.AppliesTo(media.Type) {
				combined[name] = p.DefaultValue
			}
		}
	}

	if action != nil {
		for _, p := range action.Algorithm.Properties {
			if isUserOnlyProperty(p.Name) {
				continue
			}
			if v, ok := r.algorithmDefault(job, p); ok {
				combined[p.Name] = v
			}
		}
	}

	resetFrameOfReference := media != nil && hasFrameOfReferenceProperty(media.Properties)
	copyLevel := func(props map[string]string) {
		for k, v := range props {
			if resetFrameOfReference && isFrameOfReferenceProperty(k) {
				continue
			}
			combined[k] = v
		}
	}

	if action != nil {
		copyLevel(action.Properties)
	}
	if job != nil {
		copyLevel(job.JobProperties)
		if action != nil {
			copyLevel(job.OverriddenAlgorithmProperties[action.Algorithm.Name])
		}
	}
	if media != nil {
		for k, v := range media.Properties {
			combined[k] = v
		}
	}

	if r.lookupEnv != nil {
		for k := range combined {
			if v, ok := r.lookupEnv(r.EnvVarName(k)); ok {
				combined[k] = v
			}
		}
	}

	return combined
}

func (r *PropertyResolver) fromEnvironment(c resolveContext) (string, bool) {
	if r.lookupEnv == nil {
		return "", false
	}
	return r.lookupEnv(r.EnvVarName(c.name))
}

func (r *PropertyResolver) fromMedia(c resolveContext) (string, bool) {
	if c.media == nil {
		return "", false
	}
	v, ok := c.media.Properties[c.name]
	return v, ok
}

func (r *PropertyResolver) fromOverriddenAlgorithm(c resolveContext) (string, bool) {
	if c.job == nil || c.action == nil {
		return "", false
	}
	v, ok := c.job.OverriddenAlgorithmProperties[c.action.Algorithm.Name][c.name]
	return v, ok
}

func (r *PropertyResolver) fromJob(c resolveContext) (string, bool) {
	if c.job == nil {
		return "", false
	}
	v, ok := c.job.JobProperties[c.name]
	return v, ok
}

func (r *PropertyResolver) fromAction(c resolveContext) (string, bool) {
	if c.action == nil {
		return "", false
	}
	v, ok := c.action.Properties[c.name]
	return v, ok
}

func (r *PropertyResolver) fromAlgorithm(c resolveContext) (string, bool) {
	if c.action == nil || isUserOnlyProperty(c.name) {
		return "", false
	}
	p, ok := c.action.Algorithm.Property(c.name)
	if !ok {
		return "", false
	}
	return r.algorithmDefault(c.job, p)
}

// algorithmDefault checks the declared default, then the job's snapshot of
// system properties, then the live system properties
func (r *PropertyResolver) algorithmDefault(job *models.Job, p models.AlgorithmProperty) (string, bool) {
	if p.DefaultValue != "" {
		return p.DefaultValue, true
	}
	if p.PropertiesKey == "" {
		return "", false
	}
	if job != nil {
		if v, ok := job.SystemPropertiesSnapshot[p.PropertiesKey]; ok {
			return v, true
		}
	}
	v, ok := r.system[p.PropertiesKey]
	return v, ok
}

func (r *PropertyResolver) fromWorkflow(c resolveContext) (string, bool) {
	if isUserOnlyProperty(c.name) {
		return "", false
	}
	p, ok := r.workflow[c.name]
	if !ok {
		return "", false
	}
	if c.media == nil || c.media.Type == models.MediaTypeUnknown || c.media.Type == "" {
		return p.DefaultValue, true
	}
	if p.AppliesTo(c.media.Type) {
		return p.DefaultValue, true
	}
	return "", false
}

// isUserOnlyProperty reports properties that never take algorithm or
// workflow defaults, so "unset" stays distinguishable from "defaulted"
func isUserOnlyProperty(name string) bool {
	return name == models.PropRotation || name == models.PropHorizontalFlip
}

func isFrameOfReferenceProperty(name string) bool {
	switch name {
	case models.PropRotation, models.PropHorizontalFlip, models.PropAutoRotate, models.PropAutoFlip:
		return true
	}
	return strings.HasPrefix(name, models.PropSearchRegionPrefix)
}

func hasFrameOfReferenceProperty(props map[string]string) bool {
	for k := range props {
		if isFrameOfReferenceProperty(k) {
			return true
		}
	}
	return false
}

// DescribeLevel formats a resolved property for logs and the CLI
func DescribeLevel(info models.PropertyInfo) string {
	if !info.IsResolved() {
		return fmt.Sprintf("%s unresolved", info.Name)
	}
	return fmt.Sprintf("%s=%s (%s)", info.Name, info.Value, info.Level)
}

// EnvironmentOverrides returns the environment values that override any
// property name the job refers to, keyed by property name
func (r *PropertyResolver) EnvironmentOverrides(job *models.Job) map[string]string {
	names := make(map[string]struct{})
	add := func(props map[string]string) {
		for k := range props {
			names[k] = struct{}{}
		}
	}
	for name := range r.workflow {
		names[name] = struct{}{}
	}
	add(job.JobProperties)
	for _, props := range job.OverriddenAlgorithmProperties {
		add(props)
	}
	for _, t := range job.Pipeline.Tasks {
		for _, a := range t.Actions {
			add(a.Properties)
			for _, p := range a.Algorithm.Properties {
				names[p.Name] = struct{}{}
			}
		}
	}
	for _, m := range job.Media {
		add(m.Properties)
	}

	out := make(map[string]string)
	for name := range names {
		if v, ok := r.fromEnvironment(resolveContext{name: name}); ok {
			out[name] = v
		}
	}
	return out
}

// SystemSnapshot copies the system properties so a job keeps the values
// it was submitted under
func (r *PropertyResolver) SystemSnapshot() map[string]string {
	out := make(map[string]string, len(r.system))
	for k, v := range r.system {
		out[k] = v
	}
	return out
}
