package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trobanga/mediaflow/internal/lib"
	"github.com/trobanga/mediaflow/internal/models"
	"github.com/trobanga/mediaflow/internal/services"
)

type engineHarness struct {
	engine    *Engine
	store     *services.MemoryStore
	barrier   *services.MemoryBarrier
	transport services.Transport
	outputDir string

	mu       sync.Mutex
	progress []models.JobProgress
	notes    []models.JobCompleteNotification
}

func newHarness(t *testing.T, transport services.Transport) *engineHarness {
	t.Helper()
	logger := lib.NewLoggerWithWriter(lib.LogLevelError, io.Discard)
	h := &engineHarness{
		store:     services.NewMemoryStore(),
		barrier:   services.NewMemoryBarrier(),
		transport: transport,
		outputDir: t.TempDir(),
	}
	resolver := services.NewPropertyResolver(models.PropertiesConfig{EnvPrefix: "MEDIAFLOW_PROP"}, models.DefaultWorkflowProperties()).
		WithEnvLookup(func(string) (string, bool) { return "", false })

	tracker := services.NewProgressTracker(logger, services.BroadcasterFunc(func(p models.JobProgress) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.progress = append(h.progress, p)
	}))
	callbackCfg := models.DefaultConfig().Callback
	callbackCfg.Retry = models.RetryConfig{MaxAttempts: 2, InitialBackoffMs: 1, MaxBackoffMs: 2}

	h.engine = NewEngine(Deps{
		Store:       h.store,
		Transport:   transport,
		Barrier:     h.barrier,
		Resolver:    resolver,
		Tracker:     tracker,
		Callbacks:   services.NewCallbackDispatcher(callbackCfg, h.store, logger),
		Output:      models.OutputConfig{Dir: h.outputDir, SiteID: "test"},
		Logger:      logger,
		Concurrency: 4,
	})
	h.engine.Notifier().Subscribe(func(n models.JobCompleteNotification) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.notes = append(h.notes, n)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.engine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = transport.Close()
		_ = h.engine.Close()
	})
	return h
}

// submit stores a job with the given tasks over two video media
func (h *engineHarness) submit(t *testing.T, tasks ...models.Task) *models.Job {
	t.Helper()
	req := &JobRequest{
		ExternalID: "ext-1",
		Pipeline:   models.Pipeline{Name: "TEST PIPELINE", Tasks: tasks},
		Media: []MediaRequest{
			{URI: "file:///data/a.mp4"},
			{URI: "file:///data/b.mp4"},
		},
	}
	job, err := CreateJob(context.Background(), h.store, req, nil, lib.NewLoggerWithWriter(lib.LogLevelError, io.Discard))
	require.NoError(t, err)
	return job
}

func (h *engineHarness) runToCompletion(t *testing.T, jobID string) *models.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.engine.StartJob(ctx, jobID))
	require.NoError(t, h.engine.Wait(ctx, jobID))

	job, err := h.store.GetJob(ctx, jobID)
	require.NoError(t, err)
	return job
}

func detectionTask(name string, algorithm string) models.Task {
	return models.Task{Name: name, Actions: []models.Action{{
		Name:      name + " ACTION",
		Algorithm: models.Algorithm{Name: algorithm, ActionType: models.ActionTypeDetection, TrackType: algorithm},
	}}}
}

// faceWorker answers each unit with one track spanning frames 0..10
func faceWorker(_ context.Context, unit models.WorkUnit) models.WorkResponse {
	resp := models.ResponseFor(unit)
	resp.ProcessingTimeMs = 5
	resp.Tracks = []models.Track{{
		Type:             "FACE",
		StartOffsetFrame: 0,
		StopOffsetFrame:  10,
		Confidence:       0.9,
		Detections: []models.Detection{
			{OffsetFrame: 0, Confidence: 0.8, Width: 10, Height: 10},
			{OffsetFrame: 10, Confidence: 0.9, Width: 10, Height: 10},
		},
	}}
	return resp
}

func TestEngine_RunsJobToCompletion(t *testing.T) {
	h := newHarness(t, services.NewLoopbackTransport(faceWorker, 4, nil))
	job := h.submit(t, detectionTask("FACE DETECTION", "FACECV"), detectionTask("PERSON DETECTION", "PERSONCV"))

	final := h.runToCompletion(t, job.ID)
	assert.Equal(t, models.JobStatusComplete, final.Status)
	assert.Equal(t, 2, final.CurrentTask)
	require.NotNil(t, final.TimeCompleted)
	require.NotEmpty(t, final.OutputObjectPath)

	out, err := services.LoadJobOutput(h.outputDir, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusComplete, out.Status)
	assert.Equal(t, "ext-1", out.ExternalID)
	require.Len(t, out.Media, 2)
	for _, m := range out.Media {
		assert.Equal(t, "COMPLETE", m.Status)
		assert.NotEmpty(t, m.DetectionTypes["FACE"], "media %d", m.MediaID)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(t, h.progress)
	last := h.progress[len(h.progress)-1]
	assert.Equal(t, 100.0, last.Percent)
	assert.True(t, last.OutputExists)
	for _, p := range h.progress[:len(h.progress)-1] {
		assert.Less(t, p.Percent, 100.0)
	}
	require.Len(t, h.notes, 1)
	assert.Equal(t, job.ID, h.notes[0].JobID)
	assert.Equal(t, models.JobStatusComplete, h.notes[0].Status)
}

func TestEngine_ClearsWorkingStateAfterCompletion(t *testing.T) {
	h := newHarness(t, services.NewLoopbackTransport(faceWorker, 2, nil))
	job := h.submit(t, detectionTask("FACE DETECTION", "FACECV"))
	h.runToCompletion(t, job.ID)

	tracks, err := h.store.GetTracks(context.Background(), job.ID, 1, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, tracks)
	assert.Zero(t, h.barrier.Tracked())

	require.NoError(t, h.engine.Wait(context.Background(), job.ID))
	h.engine.mu.Lock()
	defer h.engine.mu.Unlock()
	assert.Empty(t, h.engine.done)
	assert.Empty(t, h.engine.tokens)
	assert.Empty(t, h.engine.cancels)
}

func TestEngine_DetectionErrorsCompleteWithErrors(t *testing.T) {
	worker := func(ctx context.Context, unit models.WorkUnit) models.WorkResponse {
		resp := faceWorker(ctx, unit)
		if unit.MediaID == 2 {
			resp.Tracks = nil
			resp.Errors = []models.DetectionError{{Code: "DECODE_FAILED", Message: "could not decode frame", StartFrame: 3, StopFrame: 3}}
		}
		return resp
	}
	h := newHarness(t, services.NewLoopbackTransport(worker, 2, nil))
	job := h.submit(t, detectionTask("FACE DETECTION", "FACECV"))

	final := h.runToCompletion(t, job.ID)
	assert.Equal(t, models.JobStatusCompleteWithErrors, final.Status)

	out, err := services.LoadJobOutput(h.outputDir, job.ID)
	require.NoError(t, err)
	for _, m := range out.Media {
		if m.MediaID == 2 {
			assert.NotEmpty(t, m.DetectionProcessingErrors)
		}
	}
}

func TestEngine_CancelledJobEndsCancelled(t *testing.T) {
	started := make(chan struct{}, 8)
	worker := func(ctx context.Context, unit models.WorkUnit) models.WorkResponse {
		started <- struct{}{}
		<-ctx.Done()
		return faceWorker(ctx, unit)
	}
	h := newHarness(t, services.NewLoopbackTransport(worker, 4, nil))
	job := h.submit(t, detectionTask("FACE DETECTION", "FACECV"), detectionTask("PERSON DETECTION", "PERSONCV"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.engine.StartJob(ctx, job.ID))
	<-started

	cancelled, err := h.engine.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelling, cancelled.Status)

	require.NoError(t, h.engine.Wait(ctx, job.ID))
	final, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, final.Status)
	assert.Equal(t, 2, final.CurrentTask, "remaining tasks still run as empty splits")

	out, err := services.LoadJobOutput(h.outputDir, job.ID)
	require.NoError(t, err)
	for _, m := range out.Media {
		assert.Empty(t, m.DetectionTypes["FACE"], "results after cancellation are discarded")
	}

	_, err = h.engine.CancelJob(ctx, job.ID)
	assert.True(t, lib.IsCategory(err, lib.CategoryTransportAnomaly))
}

type failingTransport struct {
	*services.LoopbackTransport
}

func (failingTransport) Dispatch(context.Context, []models.WorkUnit) (int, error) {
	return 0, errors.New("broker unreachable")
}

// partialTransport hands the first unit of every dispatch to the loopback
// and then fails the rest
type partialTransport struct {
	*services.LoopbackTransport
	afterFirst func(ctx context.Context, jobID string)
}

func (t *partialTransport) Dispatch(ctx context.Context, units []models.WorkUnit) (int, error) {
	if len(units) < 2 {
		return t.LoopbackTransport.Dispatch(ctx, units)
	}
	sent, err := t.LoopbackTransport.Dispatch(ctx, units[:1])
	if err != nil {
		return sent, err
	}
	if t.afterFirst != nil {
		t.afterFirst(ctx, units[0].JobID)
		if err := ctx.Err(); err != nil {
			return sent, err
		}
	}
	return sent, errors.New("channel closed by broker")
}

func TestEngine_PartialDispatchLoopsBackOnlyUnsentUnits(t *testing.T) {
	h := newHarness(t, &partialTransport{LoopbackTransport: services.NewLoopbackTransport(faceWorker, 2, nil)})
	job := h.submit(t, detectionTask("FACE DETECTION", "FACECV"))

	final := h.runToCompletion(t, job.ID)
	assert.Equal(t, models.JobStatusError, final.Status)
	require.NotEmpty(t, final.Errors)
	assert.Equal(t, models.IssueSplitFailed, final.Errors[0].Code)

	out, err := services.LoadJobOutput(h.outputDir, job.ID)
	require.NoError(t, err)
	faceTracks, noTracks := 0, 0
	for _, m := range out.Media {
		for _, group := range m.DetectionTypes["FACE"] {
			faceTracks += len(group.Tracks)
		}
		noTracks += len(m.DetectionTypes[models.NoTracksType])
	}
	assert.Equal(t, 1, faceTracks, "the sent unit's response completes the split")
	assert.Equal(t, 1, noTracks, "the unsent unit is answered locally")
}

func TestEngine_CancelDuringDispatchIsNotFatal(t *testing.T) {
	tr := &partialTransport{LoopbackTransport: services.NewLoopbackTransport(faceWorker, 2, nil)}
	h := newHarness(t, tr)
	tr.afterFirst = func(_ context.Context, jobID string) {
		_, err := h.engine.CancelJob(context.Background(), jobID)
		assert.NoError(t, err)
	}
	job := h.submit(t, detectionTask("FACE DETECTION", "FACECV"))

	final := h.runToCompletion(t, job.ID)
	assert.Equal(t, models.JobStatusCancelled, final.Status)
	assert.Empty(t, final.Errors)
}

func TestEngine_DispatchFailureStillCompletes(t *testing.T) {
	h := newHarness(t, failingTransport{services.NewLoopbackTransport(nil, 1, nil)})
	job := h.submit(t, detectionTask("FACE DETECTION", "FACECV"), detectionTask("PERSON DETECTION", "PERSONCV"))

	final := h.runToCompletion(t, job.ID)
	assert.Equal(t, models.JobStatusError, final.Status)
	assert.Equal(t, 2, final.CurrentTask)
	require.NotEmpty(t, final.Errors)
	assert.Equal(t, models.IssueSplitFailed, final.Errors[0].Code)
	assert.NotEmpty(t, final.OutputObjectPath)
}

func TestEngine_DropsUnknownAndLateResponses(t *testing.T) {
	h := newHarness(t, services.NewLoopbackTransport(faceWorker, 1, nil))
	ctx := context.Background()

	err := h.engine.HandleResponse(ctx, models.WorkResponse{JobID: "no-such-job", CorrelationID: "no-such-job:1", SplitSize: 1})
	assert.NoError(t, err)
	assert.Zero(t, h.barrier.Tracked())

	job := h.submit(t, detectionTask("FACE DETECTION", "FACECV"))
	h.runToCompletion(t, job.ID)

	late := faceWorker(ctx, models.WorkUnit{JobID: job.ID, CorrelationID: job.ID + ":late", SplitSize: 2, MediaID: 1})
	assert.NoError(t, h.engine.HandleResponse(ctx, late))
	assert.Zero(t, h.barrier.Tracked())

	tracks, err := h.store.GetTracks(ctx, job.ID, 1, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, tracks)

	assert.True(t, lib.IsCategory(h.engine.StartJob(ctx, job.ID), lib.CategoryTransportAnomaly))
}

func TestEngine_DeliversCallback(t *testing.T) {
	received := make(chan map[string]string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		received <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	h := newHarness(t, services.NewLoopbackTransport(faceWorker, 2, nil))
	req := &JobRequest{
		ExternalID:  "ext-cb",
		Pipeline:    models.Pipeline{Name: "CALLBACK PIPELINE", Tasks: []models.Task{detectionTask("FACE DETECTION", "FACECV")}},
		Media:       []MediaRequest{{URI: "file:///data/a.mp4"}},
		CallbackURL: server.URL,
	}
	job, err := CreateJob(context.Background(), h.store, req, nil, lib.NewLoggerWithWriter(lib.LogLevelError, io.Discard))
	require.NoError(t, err)

	h.runToCompletion(t, job.ID)

	select {
	case body := <-received:
		assert.Equal(t, job.ID, body["jobId"])
		assert.Equal(t, "ext-cb", body["externalId"])
		assert.Contains(t, body["outputObjectUri"], job.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("callback not delivered")
	}

	require.NoError(t, h.engine.Close())
	final, err := h.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, services.CallbackStatusComplete, final.CallbackStatus)
}

func TestEngine_StartPending(t *testing.T) {
	h := newHarness(t, services.NewLoopbackTransport(faceWorker, 2, nil))
	first := h.submit(t, detectionTask("FACE DETECTION", "FACECV"))
	second := h.submit(t, detectionTask("FACE DETECTION", "FACECV"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	started, err := h.engine.StartPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, started)

	require.NoError(t, h.engine.Wait(ctx, first.ID))
	require.NoError(t, h.engine.Wait(ctx, second.ID))

	again, err := h.engine.StartPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, again)
}

func TestEngine_RecoverInterrupted(t *testing.T) {
	h := newHarness(t, services.NewLoopbackTransport(faceWorker, 1, nil))
	ctx := context.Background()

	running := h.submit(t, detectionTask("FACE DETECTION", "FACECV"))
	require.NoError(t, h.store.SetJobStatus(ctx, running.ID, models.JobStatusInProgress))
	pending := h.submit(t, detectionTask("FACE DETECTION", "FACECV"))

	recovered, err := h.engine.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	job, err := h.store.GetJob(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelledByShutdown, job.Status)
	require.NotNil(t, job.TimeCompleted)
	require.Len(t, job.Warnings, 1)
	assert.Equal(t, IssueInterrupted, job.Warnings[0].Code)

	job, err = h.store.GetJob(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusInitialized, job.Status)

	recovered, err = h.engine.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Zero(t, recovered)
}
