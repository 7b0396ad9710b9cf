package ui

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/trobanga/mediaflow/internal/models"
)

// JobProgressBar renders the progress broadcasts of one job as a terminal
// progress bar with an ETA. Broadcasts for other jobs are ignored, so one
// bar can be registered on a tracker shared by many jobs.
type JobProgressBar struct {
	mu        sync.Mutex
	bar       *progressbar.ProgressBar
	jobID     string
	eta       *ETACalculator
	percent   float64
	status    models.JobStatus
	finished  bool
	startTime time.Time
}

// NewJobProgressBar creates a progress bar on stderr
func NewJobProgressBar(jobID string, description string) *JobProgressBar {
	return NewJobProgressBarWithWriter(jobID, description, os.Stderr)
}

// NewJobProgressBarWithWriter creates a progress bar that writes to a
// specific writer
func NewJobProgressBarWithWriter(jobID string, description string, writer io.Writer) *JobProgressBar {
	bar := progressbar.NewOptions64(
		100,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(500*time.Millisecond),
		progressbar.OptionSetWriter(writer),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionEnableColorCodes(false),
	)
	return &JobProgressBar{
		bar:       bar,
		jobID:     jobID,
		eta:       NewETACalculator(),
		status:    models.JobStatusInitialized,
		startTime: time.Now(),
	}
}

// Broadcast moves the bar to the reported percent
func (p *JobProgressBar) Broadcast(progress models.JobProgress) {
	if progress.JobID != p.jobID {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}

	p.percent = progress.Percent
	p.status = progress.Status
	p.eta.RecordProgress(progress.Percent)
	if eta, ok := p.eta.CalculateETA(progress.Percent); ok && progress.Percent < 100 {
		p.bar.Describe(fmt.Sprintf("%s (ETA %s)", progress.Status, FormatETA(eta)))
	} else {
		p.bar.Describe(string(progress.Status))
	}
	_ = p.bar.Set64(int64(progress.Percent))

	if progress.Percent >= 100 {
		p.finished = true
		_ = p.bar.Finish()
	}
}

// Percentage returns the last percent rendered
func (p *JobProgressBar) Percentage() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.percent
}

// Status returns the job status of the last broadcast
func (p *JobProgressBar) Status() models.JobStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Finished reports whether the terminal broadcast arrived
func (p *JobProgressBar) Finished() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finished
}

// Elapsed returns time elapsed since the bar was created
func (p *JobProgressBar) Elapsed() time.Duration {
	return time.Since(p.startTime)
}

// Clear clears the progress bar from the terminal
func (p *JobProgressBar) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bar.Clear()
}
