package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/trobanga/mediaflow/internal/lib"
	"github.com/trobanga/mediaflow/internal/models"
)

// Transport moves work units to workers and their responses back
type Transport interface {
	// Dispatch sends units to their destinations in order and returns how
	// many were handed over before any error. Units past that count were
	// not sent.
	Dispatch(ctx context.Context, units []models.WorkUnit) (int, error)
	// Responses delivers worker responses; it is closed by Close
	Responses() <-chan models.WorkResponse
	// Teardown drops whatever is still in flight for a finished job.
	// Calling it more than once is harmless.
	Teardown(ctx context.Context, jobID string) error
	Close() error
}

// Worker processes one work unit in-process
type Worker func(ctx context.Context, unit models.WorkUnit) models.WorkResponse

// NoopWorker answers every unit with an empty response
func NoopWorker(_ context.Context, unit models.WorkUnit) models.WorkResponse {
	return models.ResponseFor(unit)
}

// LoopbackTransport runs a Worker in-process instead of talking to a
// broker. Used by `job run` and in tests.
type LoopbackTransport struct {
	worker    Worker
	responses chan models.WorkResponse
	sem       chan struct{}
	logger    *lib.Logger

	mu      sync.Mutex
	torn    *tombstones
	closed  bool
	wg      sync.WaitGroup
	stop    chan struct{}
	stopped sync.Once
}

// NewLoopbackTransport creates a loopback running at most concurrency
// units at once
func NewLoopbackTransport(worker Worker, concurrency int, logger *lib.Logger) *LoopbackTransport {
	if worker == nil {
		worker = NoopWorker
	}
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = lib.DefaultLogger
	}
	return &LoopbackTransport{
		worker:    worker,
		responses: make(chan models.WorkResponse, concurrency),
		sem:       make(chan struct{}, concurrency),
		logger:    logger,
		torn:      newTombstones(tombstoneGrace),
		stop:      make(chan struct{}),
	}
}

func (t *LoopbackTransport) Dispatch(ctx context.Context, units []models.WorkUnit) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, fmt.Errorf("transport is closed")
	}
	for _, unit := range units {
		t.wg.Add(1)
		go t.run(ctx, unit)
	}
	return len(units), nil
}

func (t *LoopbackTransport) run(ctx context.Context, unit models.WorkUnit) {
	defer t.wg.Done()

	select {
	case t.sem <- struct{}{}:
	case <-t.stop:
		return
	}
	defer func() { <-t.sem }()

	if t.isTornDown(unit.JobID) {
		return
	}
	resp := t.process(ctx, unit)
	if t.isTornDown(unit.JobID) {
		return
	}

	select {
	case t.responses <- resp:
	case <-t.stop:
	}
}

func (t *LoopbackTransport) process(ctx context.Context, unit models.WorkUnit) (resp models.WorkResponse) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Worker panicked", "job_id", unit.JobID, "correlation_id", unit.CorrelationID, "error", r)
			resp = models.ResponseFor(unit)
			resp.Errors = []models.DetectionError{{
				MediaID:     unit.MediaID,
				TaskIndex:   unit.TaskIndex,
				ActionIndex: unit.ActionIndex,
				Code:        models.IssueDetectionError,
				Message:     fmt.Sprintf("worker panicked: %v", r),
			}}
		}
	}()
	return t.worker(ctx, unit)
}

func (t *LoopbackTransport) Responses() <-chan models.WorkResponse {
	return t.responses
}

func (t *LoopbackTransport) Teardown(_ context.Context, jobID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.torn.add(jobID)
	return nil
}

func (t *LoopbackTransport) isTornDown(jobID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.torn.has(jobID)
}

// Close stops accepting work, abandons units still queued and closes the
// response channel
func (t *LoopbackTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.stopped.Do(func() { close(t.stop) })
	t.wg.Wait()
	close(t.responses)
	return nil
}

// tombstoneGrace is how long a torn-down job's late traffic is still
// recognised and dropped
const tombstoneGrace = 10 * time.Minute

// tombstones remembers torn-down jobs for a grace period. Entries older
// than the grace period are pruned whenever a new one is added. Callers
// hold their own lock.
type tombstones struct {
	grace time.Duration
	now   func() time.Time
	at    map[string]time.Time
}

func newTombstones(grace time.Duration) *tombstones {
	return &tombstones{grace: grace, now: time.Now, at: make(map[string]time.Time)}
}

func (ts *tombstones) add(jobID string) {
	now := ts.now()
	for id, at := range ts.at {
		if now.Sub(at) > ts.grace {
			delete(ts.at, id)
		}
	}
	ts.at[jobID] = now
}

func (ts *tombstones) has(jobID string) bool {
	_, ok := ts.at[jobID]
	return ok
}

func (ts *tombstones) size() int {
	return len(ts.at)
}
