package services

import (
	"fmt"
	"sync"
	"time"

	"github.com/trobanga/mediaflow/internal/lib"
	"github.com/trobanga/mediaflow/internal/models"
)

// Broadcaster receives job progress. Delivery is fire-and-forget.
type Broadcaster interface {
	Broadcast(progress models.JobProgress)
}

// BroadcasterFunc adapts a function to Broadcaster
type BroadcasterFunc func(progress models.JobProgress)

func (f BroadcasterFunc) Broadcast(progress models.JobProgress) {
	f(progress)
}

// LogBroadcaster writes progress to the logger at debug level
type LogBroadcaster struct {
	Logger *lib.Logger
}

func (b LogBroadcaster) Broadcast(p models.JobProgress) {
	b.Logger.Debug("Job progress", "job_id", p.JobID, "percent", fmt.Sprintf("%.1f", p.Percent), "status", p.Status)
}

// ProgressTracker keeps the latest progress per job and fans it out to
// broadcasters. A failing broadcaster is logged and never stops the others
// or the caller.
type ProgressTracker struct {
	mu           sync.RWMutex
	latest       map[string]models.JobProgress
	broadcasters []Broadcaster
	logger       *lib.Logger
	now          func() time.Time
}

// NewProgressTracker creates a tracker that fans out to broadcasters
func NewProgressTracker(logger *lib.Logger, broadcasters ...Broadcaster) *ProgressTracker {
	if logger == nil {
		logger = lib.DefaultLogger
	}
	return &ProgressTracker{
		latest:       make(map[string]models.JobProgress),
		broadcasters: broadcasters,
		logger:       logger,
		now:          time.Now,
	}
}

// AddBroadcaster registers another broadcaster
func (t *ProgressTracker) AddBroadcaster(b Broadcaster) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.broadcasters = append(t.broadcasters, b)
}

// Report records in-progress progress for a job. Percent is clamped to
// [0, 99] and never moves backwards. Reports after Complete are ignored.
func (t *ProgressTracker) Report(jobID string, percent float64, status models.JobStatus) {
	if percent < 0 {
		percent = 0
	}
	if percent > 99 {
		percent = 99
	}

	t.mu.Lock()
	prev, ok := t.latest[jobID]
	if ok && prev.Percent >= 100 {
		t.mu.Unlock()
		return
	}
	if ok && prev.Percent > percent {
		percent = prev.Percent
	}
	p := models.JobProgress{JobID: jobID, Percent: percent, Status: status, Timestamp: t.now()}
	t.latest[jobID] = p
	broadcasters := append([]Broadcaster(nil), t.broadcasters...)
	t.mu.Unlock()

	t.fanout(broadcasters, p)
}

// Complete records the terminal event for a job and broadcasts 100%
func (t *ProgressTracker) Complete(jobID string, status models.JobStatus, outputExists bool) {
	p := models.JobProgress{JobID: jobID, Percent: 100, Status: status, Timestamp: t.now(), OutputExists: outputExists}

	t.mu.Lock()
	t.latest[jobID] = p
	broadcasters := append([]Broadcaster(nil), t.broadcasters...)
	t.mu.Unlock()

	t.fanout(broadcasters, p)
}

// Latest returns the most recent progress for a job
func (t *ProgressTracker) Latest(jobID string) (models.JobProgress, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.latest[jobID]
	return p, ok
}

// Forget drops the progress kept for a job
func (t *ProgressTracker) Forget(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.latest, jobID)
}

func (t *ProgressTracker) fanout(broadcasters []Broadcaster, p models.JobProgress) {
	for _, b := range broadcasters {
		t.safeBroadcast(b, p)
	}
}

func (t *ProgressTracker) safeBroadcast(b Broadcaster, p models.JobProgress) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Warn("Progress broadcast failed", "job_id", p.JobID, "error", r)
		}
	}()
	b.Broadcast(p)
}
