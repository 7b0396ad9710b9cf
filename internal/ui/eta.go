package ui

import (
	"fmt"
	"time"
)

// ETACalculator estimates the time left for a job from its percent
// progress. The rate is averaged over the last maxSamples samples or the
// last maxTimeWindow, whichever is shorter.
type ETACalculator struct {
	samples       []TimestampedProgress
	maxSamples    int
	maxTimeWindow time.Duration
	now           func() time.Time
}

// TimestampedProgress records a progress measurement at a specific time
type TimestampedProgress struct {
	Timestamp time.Time
	Percent   float64
}

// NewETACalculator creates an ETA calculator averaging over 10 samples or 30s
func NewETACalculator() *ETACalculator {
	return NewETACalculatorCustom(10, 30*time.Second)
}

// NewETACalculatorCustom creates an ETA calculator with custom settings
func NewETACalculatorCustom(maxSamples int, maxTimeWindow time.Duration) *ETACalculator {
	return &ETACalculator{
		samples:       make([]TimestampedProgress, 0, maxSamples),
		maxSamples:    maxSamples,
		maxTimeWindow: maxTimeWindow,
		now:           time.Now,
	}
}

// RecordProgress records the job's current percent
func (e *ETACalculator) RecordProgress(percent float64) {
	now := e.now()
	e.samples = append(e.samples, TimestampedProgress{Timestamp: now, Percent: percent})

	if len(e.samples) > e.maxSamples {
		e.samples = e.samples[len(e.samples)-e.maxSamples:]
	}
	e.pruneOldSamples(now)
}

func (e *ETACalculator) pruneOldSamples(now time.Time) {
	cutoff := now.Add(-e.maxTimeWindow)
	firstValid := 0
	for i, sample := range e.samples {
		if sample.Timestamp.After(cutoff) {
			firstValid = i
			break
		}
	}
	if firstValid > 0 && firstValid < len(e.samples) {
		e.samples = e.samples[firstValid:]
	}
}

// CalculateETA estimates the time until the job reaches 100%. valid is
// false until two samples with forward progress exist.
func (e *ETACalculator) CalculateETA(currentPercent float64) (time.Duration, bool) {
	if len(e.samples) < 2 {
		return 0, false
	}
	if currentPercent >= 100 {
		return 0, true
	}

	rate, valid := e.GetRate()
	if !valid {
		return 0, false
	}
	remaining := (100 - currentPercent) / rate
	return time.Duration(remaining * float64(time.Second)), true
}

// GetRate returns the recent progress rate in percent per second
func (e *ETACalculator) GetRate() (float64, bool) {
	if len(e.samples) < 2 {
		return 0, false
	}
	first := e.samples[0]
	last := e.samples[len(e.samples)-1]

	timeDelta := last.Timestamp.Sub(first.Timestamp).Seconds()
	percentDelta := last.Percent - first.Percent
	if percentDelta <= 0 || timeDelta <= 0 {
		return 0, false
	}
	return percentDelta / timeDelta, true
}

// Reset clears all recorded samples
func (e *ETACalculator) Reset() {
	e.samples = e.samples[:0]
}

// FormatETA formats an ETA duration as a human-readable string
func FormatETA(eta time.Duration) string {
	if eta < time.Second {
		return "< 1s"
	}
	if eta < time.Minute {
		return eta.Round(time.Second).String()
	}
	if eta < time.Hour {
		minutes := int(eta.Minutes())
		seconds := int(eta.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	hours := int(eta.Hours())
	minutes := int(eta.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", hours, minutes)
}

// FormatDuration formats a duration as a human-readable string
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}
