package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/trobanga/mediaflow/internal/lib"
	"github.com/trobanga/mediaflow/internal/models"
	"github.com/trobanga/mediaflow/internal/services"
)

// Engine drives jobs through their tasks. It splits the current task,
// hands the units to the transport, aggregates responses behind the
// completion barrier and, after the last task, builds the output and
// reports the job's completion.
type Engine struct {
	store     services.JobStore
	transport services.Transport
	barrier   services.Barrier
	splitter  *services.Splitter
	assembler *services.OutputAssembler
	callbacks *services.CallbackDispatcher
	notifier  *services.Notifier
	tracker   *services.ProgressTracker
	logger    *lib.Logger

	concurrency int

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	tokens  map[string]context.Context
	done    map[string]chan struct{}
}

// Deps collects what an Engine is built from
type Deps struct {
	Store     services.JobStore
	Transport services.Transport
	Barrier   services.Barrier
	Resolver  *services.PropertyResolver
	Tracker   *services.ProgressTracker
	Notifier  *services.Notifier
	Callbacks *services.CallbackDispatcher
	Output    models.OutputConfig
	Logger    *lib.Logger
	// Concurrency bounds concurrently handled responses in Run
	Concurrency int
}

// NewEngine wires an engine from its dependencies. Tracker, Notifier and
// Callbacks are created with defaults when nil.
func NewEngine(d Deps) *Engine {
	logger := d.Logger
	if logger == nil {
		logger = lib.DefaultLogger
	}
	if d.Tracker == nil {
		d.Tracker = services.NewProgressTracker(logger, services.LogBroadcaster{Logger: logger})
	}
	if d.Notifier == nil {
		d.Notifier = services.NewNotifier(logger)
	}
	if d.Callbacks == nil {
		d.Callbacks = services.NewCallbackDispatcher(models.DefaultConfig().Callback, d.Store, logger)
	}
	if d.Concurrency < 1 {
		d.Concurrency = 1
	}
	return &Engine{
		store:       d.Store,
		transport:   d.Transport,
		barrier:     d.Barrier,
		splitter:    services.NewSplitter(d.Resolver, d.Store, logger),
		assembler:   services.NewOutputAssembler(d.Store, d.Resolver, d.Output, logger),
		callbacks:   d.Callbacks,
		notifier:    d.Notifier,
		tracker:     d.Tracker,
		logger:      logger,
		concurrency: d.Concurrency,
		cancels:     make(map[string]context.CancelFunc),
		tokens:      make(map[string]context.Context),
		done:        make(map[string]chan struct{}),
	}
}

// Tracker exposes the progress tracker for observers
func (e *Engine) Tracker() *services.ProgressTracker {
	return e.tracker
}

// Notifier exposes the completion notifier for subscribers
func (e *Engine) Notifier() *services.Notifier {
	return e.notifier
}

// StartJob moves an INITIALIZED job into progress and dispatches its first
// task
func (e *Engine) StartJob(ctx context.Context, jobID string) error {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.TimeCompleted != nil {
		return lib.ErrJobAlreadyComplete(jobID, "")
	}
	if job.Status == models.JobStatusInitialized {
		if err := e.store.SetJobStatus(ctx, jobID, models.JobStatusInProgress); err != nil {
			return fmt.Errorf("failed to start job: %w", err)
		}
		job.Status = models.JobStatusInProgress
	}
	e.token(jobID)

	e.logger.Info("Job started", "job_id", jobID, "tasks", job.TaskCount(), "media", len(job.Media))
	e.dispatchTask(ctx, job)
	return nil
}

// dispatchTask splits the job's current task and sends the units on.
// A job past its last task is completed instead.
func (e *Engine) dispatchTask(ctx context.Context, job *models.Job) {
	if job.IsComplete() {
		e.completeJob(ctx, job)
		return
	}

	taskIdx := job.CurrentTask
	if e.isCancelled(job) {
		job.Cancelled = true
	}
	units := e.splitter.Split(ctx, job, taskIdx)

	if len(units) == 1 && units[0].EmptySplit {
		e.loopback(ctx, units)
		return
	}

	sent, err := e.transport.Dispatch(e.token(job.ID), units)
	if err == nil {
		return
	}
	sent = max(0, min(sent, len(units)))
	if errors.Is(err, context.Canceled) && e.isCancelled(job) {
		e.logger.Info("Dispatch stopped by cancellation", "job_id", job.ID, "task", taskIdx, "sent", sent, "unsent", len(units)-sent)
	} else {
		e.fatal(ctx, job.ID, models.IssueSplitFailed, lib.ErrSplitFailed(job.ID, taskIdx, err))
	}
	// units already handed over answer through the transport
	e.loopback(ctx, units[sent:])
}

// loopback answers units locally with empty responses so the barrier for
// their split still fires
func (e *Engine) loopback(ctx context.Context, units []models.WorkUnit) {
	for _, unit := range units {
		if err := e.HandleResponse(ctx, models.ResponseFor(unit)); err != nil {
			e.logger.Error("Failed to handle local response", "job_id", unit.JobID, "error", err)
		}
	}
}

// HandleResponse aggregates one worker response. Responses for unknown or
// already completed jobs are dropped. When the response completes its
// split, the job advances to the next task.
func (e *Engine) HandleResponse(ctx context.Context, resp models.WorkResponse) error {
	job, err := e.store.GetJob(ctx, resp.JobID)
	if err != nil {
		if lib.IsCategory(err, lib.CategoryState) {
			e.logger.Warn("Dropping response", "reason", lib.ErrUnknownJob(resp.JobID, resp.CorrelationID).Error())
			return nil
		}
		return err
	}
	if job.TimeCompleted != nil {
		e.logger.Warn("Dropping response", "reason", lib.ErrJobAlreadyComplete(resp.JobID, resp.CorrelationID).Error())
		return nil
	}

	if !resp.EmptySplit && !e.isCancelled(job) {
		if err := e.storeResults(ctx, resp); err != nil {
			e.fatal(ctx, job.ID, models.IssueDetectionError, fmt.Errorf("failed to store results of %s: %w", resp.CorrelationID, err))
		}
	}

	count, complete, err := e.barrier.Record(ctx, resp)
	if err != nil {
		e.fatal(ctx, job.ID, models.IssueSplitFailed, fmt.Errorf("completion barrier failed for %s: %w", resp.CorrelationID, err))
		return err
	}

	if !resp.SuppressBroadcast {
		e.reportProgress(job, count, resp.SplitSize)
	}
	if !complete {
		return nil
	}

	lib.LogBatchComplete(e.logger, job.ID, resp.CorrelationID, count)
	next, err := e.store.IncrementTask(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("failed to advance job %s: %w", job.ID, err)
	}
	lib.LogTaskAdvanced(e.logger, job.ID, next, job.TaskCount())

	job, err = e.store.GetJob(ctx, job.ID)
	if err != nil {
		return err
	}
	e.dispatchTask(ctx, job)
	return nil
}

func (e *Engine) storeResults(ctx context.Context, resp models.WorkResponse) error {
	if len(resp.Tracks) > 0 {
		tracks := make([]models.Track, len(resp.Tracks))
		for i, t := range resp.Tracks {
			t.MediaID = resp.MediaID
			t.TaskIndex = resp.TaskIndex
			t.ActionIndex = resp.ActionIndex
			tracks[i] = t
		}
		if err := e.store.SaveTracks(ctx, resp.JobID, tracks); err != nil {
			return err
		}
	}
	if len(resp.Errors) > 0 {
		errs := make([]models.DetectionError, len(resp.Errors))
		for i, de := range resp.Errors {
			de.MediaID = resp.MediaID
			de.TaskIndex = resp.TaskIndex
			de.ActionIndex = resp.ActionIndex
			errs[i] = de
		}
		if err := e.store.AddDetectionErrors(ctx, resp.JobID, errs); err != nil {
			return err
		}
	}
	if resp.ProcessingTimeMs > 0 {
		if err := e.store.AddProcessingTime(ctx, resp.JobID, resp.TaskIndex, resp.ActionIndex, resp.ProcessingTimeMs); err != nil {
			return err
		}
	}
	if resp.MarkupURI != "" {
		if err := e.store.SetMediaMarkup(ctx, resp.JobID, resp.MediaID, resp.MarkupURI); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) reportProgress(job *models.Job, count int, expected int) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("Progress report failed", "job_id", job.ID, "error", r)
		}
	}()
	percent := services.ProgressPercent(job.CurrentTask, count, expected, job.TaskCount())
	e.tracker.Report(job.ID, percent, job.Status)
}

// completeJob builds and writes the output, then reports the job's end:
// callback, subscribers, teardown and finally the 100% broadcast
func (e *Engine) completeJob(ctx context.Context, job *models.Job) {
	started := job.TimeReceived
	completion := job.Status.CompletionStatus()
	if job.Status.CanTransitionTo(models.JobStatusBuildingOutput) {
		if err := e.store.SetJobStatus(ctx, job.ID, models.JobStatusBuildingOutput); err != nil {
			e.logger.Warn("Failed to set job status", "job_id", job.ID, "error", err)
		}
	}
	if fresh, err := e.store.GetJob(ctx, job.ID); err == nil {
		job = fresh
	}

	final := completion
	path := ""
	out, err := e.assembler.Build(ctx, job, completion)
	if err != nil {
		e.fatal(ctx, job.ID, models.IssueOutputFailed, lib.WrapError(lib.CategoryFatalJobIssue, "Failed to build output", err))
		final = completion.UpgradeAfterOutput(true, false)
	} else {
		final = out.Status
		err = lib.LogOperation(e.logger, "write output for job "+job.ID, func() error {
			var werr error
			path, werr = e.assembler.Write(out)
			return werr
		})
		if err != nil {
			e.fatal(ctx, job.ID, models.IssueOutputFailed, lib.WrapError(lib.CategoryFatalJobIssue, "Failed to write output", err))
			final = completion.UpgradeAfterOutput(true, false)
			path = ""
		}
	}

	if path != "" {
		if err := e.store.SetOutputPath(ctx, job.ID, path); err != nil {
			e.logger.Error("Failed to record output path", "job_id", job.ID, "error", err)
		}
	}
	if err := e.store.SetCompleted(ctx, job.ID, final); err != nil {
		e.logger.Error("Failed to mark job completed", "job_id", job.ID, "error", err)
	}
	lib.LogJobCompleted(e.logger, job.ID, string(final), time.Since(started))

	job.Status = final
	e.callbacks.DeliverAsync(ctx, *job, path)
	e.notifier.Notify(models.JobCompleteNotification{
		JobID:            job.ID,
		ExternalID:       job.ExternalID,
		Status:           final,
		OutputObjectPath: path,
	})
	e.teardown(ctx, job.ID)
	e.tracker.Complete(job.ID, final, path != "")
	e.finish(job.ID)
}

// teardown drops the working state of a finished job. It is safe to call
// more than once.
func (e *Engine) teardown(ctx context.Context, jobID string) {
	if err := e.barrier.ClearJob(ctx, jobID); err != nil {
		e.logger.Warn("Failed to clear barrier state", "job_id", jobID, "error", err)
	}
	if err := e.transport.Teardown(ctx, jobID); err != nil {
		e.logger.Warn("Failed to tear down transport state", "job_id", jobID, "error", err)
	}
	if err := e.store.ClearJob(ctx, jobID); err != nil {
		e.logger.Warn("Failed to clear job working state", "job_id", jobID, "error", err)
	}
}

// CancelJob flags a job as cancelled. In-flight work is abandoned; the
// job still runs through its remaining tasks with empty splits and ends
// CANCELLED with an output document.
func (e *Engine) CancelJob(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := e.store.SetCancelled(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.TimeCompleted != nil {
		return job, lib.ErrJobAlreadyComplete(jobID, "")
	}

	e.mu.Lock()
	cancel, ok := e.cancels[jobID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	e.logger.Info("Job cancelled", "job_id", jobID, "status", job.Status)
	return job, nil
}

// Run handles responses from the transport until ctx is done or the
// transport closes its response channel
func (e *Engine) Run(ctx context.Context) error {
	sem := make(chan struct{}, e.concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	responses := e.transport.Responses()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case resp, ok := <-responses:
			if !ok {
				return nil
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			wg.Add(1)
			go func(resp models.WorkResponse) {
				defer func() {
					<-sem
					wg.Done()
				}()
				e.safeHandle(ctx, resp)
			}(resp)
		}
	}
}

func (e *Engine) safeHandle(ctx context.Context, resp models.WorkResponse) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Response handler panicked", "job_id", resp.JobID, "correlation_id", resp.CorrelationID, "error", r)
			e.fatal(ctx, resp.JobID, models.IssueSplitFailed, fmt.Errorf("panic while handling %s: %v", resp.CorrelationID, r))
		}
	}()
	if err := e.HandleResponse(ctx, resp); err != nil {
		e.logger.Error("Failed to handle response", "job_id", resp.JobID, "correlation_id", resp.CorrelationID, "error", err)
	}
}

// StartPending starts every INITIALIZED job and returns how many were
// started
func (e *Engine) StartPending(ctx context.Context) (int, error) {
	jobs, err := e.store.ListJobsByStatus(ctx, models.JobStatusInitialized)
	if err != nil {
		return 0, err
	}
	started := 0
	for _, job := range jobs {
		if err := e.StartJob(ctx, job.ID); err != nil {
			e.logger.Error("Failed to start job", "job_id", job.ID, "error", err)
			continue
		}
		started++
	}
	return started, nil
}

// IssueInterrupted marks a job that was running when its orchestrator stopped
const IssueInterrupted = "INTERRUPTED_BY_SHUTDOWN"

// RecoverInterrupted ends jobs a previous process left running. Their
// in-flight work and barrier state are gone, so they are completed as
// CANCELLED_BY_SHUTDOWN. INITIALIZED jobs are left for StartPending.
func (e *Engine) RecoverInterrupted(ctx context.Context) (int, error) {
	jobs, err := e.store.ListJobs(ctx)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, job := range jobs {
		if job.TimeCompleted != nil || job.Status == models.JobStatusInitialized {
			continue
		}
		issue := models.Issue{Code: IssueInterrupted, Message: fmt.Sprintf("job was %s at task %d when the orchestrator stopped", job.Status, job.CurrentTask)}
		if err := e.store.AddIssue(ctx, job.ID, issue, false); err != nil {
			e.logger.Warn("Failed to record interruption", "job_id", job.ID, "error", err)
		}
		if err := e.store.SetCompleted(ctx, job.ID, models.JobStatusCancelledByShutdown); err != nil {
			e.logger.Error("Failed to complete interrupted job", "job_id", job.ID, "error", err)
			continue
		}
		e.teardown(ctx, job.ID)
		e.logger.Warn("Job interrupted by shutdown", "job_id", job.ID, "status", job.Status)
		recovered++
	}
	return recovered, nil
}

// Wait blocks until the job completes or ctx is done
func (e *Engine) Wait(ctx context.Context, jobID string) error {
	done := e.doneChan(jobID)
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.TimeCompleted != nil {
		e.forgetDone(jobID, done)
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close waits for background callbacks
func (e *Engine) Close() error {
	e.callbacks.Wait()
	return nil
}

// fatal records an unexpected failure as a fatal job issue
func (e *Engine) fatal(ctx context.Context, jobID string, code string, err error) {
	msg := err.Error()
	lib.LogJobIssue(e.logger, jobID, true, code, msg)
	if recErr := e.store.AddFatalError(ctx, jobID, code, msg); recErr != nil {
		e.logger.Error("Failed to record fatal issue", "job_id", jobID, "error", recErr)
	}
}

// token returns the job's cancellation context, creating it on first use
func (e *Engine) token(jobID string) context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ctx, ok := e.tokens[jobID]; ok {
		return ctx
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.tokens[jobID] = ctx
	e.cancels[jobID] = cancel
	return ctx
}

func (e *Engine) isCancelled(job *models.Job) bool {
	if job.Cancelled {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	ctx, ok := e.tokens[job.ID]
	return ok && ctx.Err() != nil
}

func (e *Engine) doneChan(jobID string) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.done[jobID]
	if !ok {
		ch = make(chan struct{})
		e.done[jobID] = ch
	}
	return ch
}

// finish releases the job's cancellation token and wakes waiters
func (e *Engine) finish(jobID string) {
	ch := e.doneChan(jobID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, ok := e.cancels[jobID]; ok {
		cancel()
	}
	delete(e.cancels, jobID)
	delete(e.tokens, jobID)
	delete(e.done, jobID)
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// forgetDone drops a done channel created for a job that had already
// finished
func (e *Engine) forgetDone(jobID string, ch chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done[jobID] == ch {
		delete(e.done, jobID)
	}
}
