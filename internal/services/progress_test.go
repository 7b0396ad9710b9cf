package services

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trobanga/mediaflow/internal/lib"
	"github.com/trobanga/mediaflow/internal/models"
)

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []models.JobProgress
}

func (r *recordingBroadcaster) Broadcast(p models.JobProgress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, p)
}

func (r *recordingBroadcaster) Events() []models.JobProgress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.JobProgress(nil), r.events...)
}

func TestProgressTracker_CapsAndMonotonic(t *testing.T) {
	rec := &recordingBroadcaster{}
	tracker := NewProgressTracker(lib.NewLoggerWithWriter(lib.LogLevelError, &bytes.Buffer{}), rec)

	tracker.Report("job", 40, models.JobStatusInProgress)
	tracker.Report("job", 30, models.JobStatusInProgress)
	tracker.Report("job", 150, models.JobStatusInProgress)
	tracker.Report("job", -5, models.JobStatusInProgress)

	events := rec.Events()
	require.Len(t, events, 4)
	assert.Equal(t, 40.0, events[0].Percent)
	assert.Equal(t, 40.0, events[1].Percent)
	assert.Equal(t, 99.0, events[2].Percent)
	assert.Equal(t, 99.0, events[3].Percent)

	tracker.Complete("job", models.JobStatusComplete, true)
	latest, ok := tracker.Latest("job")
	require.True(t, ok)
	assert.Equal(t, 100.0, latest.Percent)
	assert.True(t, latest.OutputExists)
	assert.Equal(t, models.JobStatusComplete, latest.Status)

	tracker.Report("job", 60, models.JobStatusInProgress)
	assert.Len(t, rec.Events(), 5, "late reports after completion are dropped")

	tracker.Forget("job")
	_, ok = tracker.Latest("job")
	assert.False(t, ok)
}

func TestProgressTracker_PanickingBroadcasterIsIsolated(t *testing.T) {
	var logs bytes.Buffer
	rec := &recordingBroadcaster{}
	tracker := NewProgressTracker(lib.NewLoggerWithWriter(lib.LogLevelDebug, &logs),
		BroadcasterFunc(func(models.JobProgress) { panic("observer down") }),
		rec,
	)
	tracker.AddBroadcaster(LogBroadcaster{Logger: lib.NewLoggerWithWriter(lib.LogLevelDebug, &logs)})

	assert.NotPanics(t, func() {
		tracker.Report("job", 10, models.JobStatusInProgress)
	})
	assert.Len(t, rec.Events(), 1)
	assert.Contains(t, logs.String(), "Progress broadcast failed")
	assert.Contains(t, logs.String(), "Job progress")
}
