package services

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/trobanga/mediaflow/internal/models"
)

// Barrier counts the responses of a split and fires exactly once, on the
// response that brings the count up to the split size
type Barrier interface {
	// Record accounts for one response. complete is true for exactly one
	// response per correlation id.
	Record(ctx context.Context, resp models.WorkResponse) (count int, complete bool, err error)
	// ClearJob drops all barrier state of a terminated job
	ClearJob(ctx context.Context, jobID string) error
}

type barrierEntry struct {
	expected int64
	count    atomic.Int64
	fired    atomic.Bool
}

// MemoryBarrier keeps counters in process. Entries are created by the
// first response seen for a correlation id and replaced by a tombstone
// once they fire.
type MemoryBarrier struct {
	mu         sync.Mutex
	entries    map[string]*barrierEntry
	tombstones map[string]int64
}

// NewMemoryBarrier creates an empty in-process barrier
func NewMemoryBarrier() *MemoryBarrier {
	return &MemoryBarrier{
		entries:    make(map[string]*barrierEntry),
		tombstones: make(map[string]int64),
	}
}

func (b *MemoryBarrier) entry(correlationID string, expected int) (*barrierEntry, int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if size, done := b.tombstones[correlationID]; done {
		return nil, size, false
	}
	e, ok := b.entries[correlationID]
	if !ok {
		e = &barrierEntry{expected: int64(expected)}
		b.entries[correlationID] = e
	}
	return e, 0, true
}

func (b *MemoryBarrier) Record(ctx context.Context, resp models.WorkResponse) (int, bool, error) {
	expected := resp.SplitSize
	if expected < 1 {
		expected = 1
	}

	e, size, live := b.entry(resp.CorrelationID, expected)
	if !live {
		return int(size), false, nil
	}

	n := e.count.Add(1)
	if n < e.expected {
		return int(n), false, nil
	}
	if n == e.expected && e.fired.CompareAndSwap(false, true) {
		b.mu.Lock()
		delete(b.entries, resp.CorrelationID)
		b.tombstones[resp.CorrelationID] = e.expected
		b.mu.Unlock()
		return int(n), true, nil
	}
	return int(e.expected), false, nil
}

func (b *MemoryBarrier) ClearJob(ctx context.Context, jobID string) error {
	prefix := jobID + ":"
	b.mu.Lock()
	defer b.mu.Unlock()
	for id := range b.entries {
		if strings.HasPrefix(id, prefix) {
			delete(b.entries, id)
		}
	}
	for id := range b.tombstones {
		if strings.HasPrefix(id, prefix) {
			delete(b.tombstones, id)
		}
	}
	return nil
}

// Pending returns the number of splits still waiting for responses
func (b *MemoryBarrier) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Tracked returns the number of correlation ids with any state, live or fired
func (b *MemoryBarrier) Tracked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries) + len(b.tombstones)
}

// ProgressPercent is the broadcastable progress of an in-progress job.
// It is capped at 99; 100 is reserved for the terminal event.
func ProgressPercent(tasksCompleted int, count int, expected int, totalTasks int) float64 {
	if totalTasks <= 0 || expected <= 0 {
		return 0
	}
	fraction := (float64(tasksCompleted) + float64(count)/float64(expected)) / float64(totalTasks)
	percent := fraction * 100
	if percent < 0 {
		return 0
	}
	if percent > 99 {
		return 99
	}
	return percent
}
