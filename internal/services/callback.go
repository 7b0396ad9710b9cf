package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/trobanga/mediaflow/internal/lib"
	"github.com/trobanga/mediaflow/internal/models"
)

// Callback status values recorded on the job
const (
	CallbackStatusComplete = "COMPLETE"
	callbackErrorPrefix    = "ERROR: "
)

// CallbackPayload is what a job-completion callback carries
type CallbackPayload struct {
	JobID           string `json:"jobId"`
	ExternalID      string `json:"externalId,omitempty"`
	OutputObjectURI string `json:"outputObjectUri,omitempty"`
}

// CallbackOutcome describes how a delivery ended
type CallbackOutcome struct {
	Attempts   int
	HTTPStatus int
	Err        error
}

// OK reports whether the callback was accepted
func (o CallbackOutcome) OK() bool {
	return o.Err == nil
}

// Status renders the outcome the way it is recorded on the job
func (o CallbackOutcome) Status() string {
	if o.Err == nil {
		return CallbackStatusComplete
	}
	return callbackErrorPrefix + o.Err.Error()
}

// CallbackDispatcher notifies job submitters that their job finished.
// Failures are recorded on the job and never reach the caller.
type CallbackDispatcher struct {
	client *HTTPClient
	store  JobStore
	logger *lib.Logger
	wg     sync.WaitGroup
}

// NewCallbackDispatcher creates a dispatcher. store may be nil when
// outcomes do not need recording.
func NewCallbackDispatcher(cfg models.CallbackConfig, store JobStore, logger *lib.Logger) *CallbackDispatcher {
	if logger == nil {
		logger = lib.DefaultLogger
	}
	return &CallbackDispatcher{
		client: NewHTTPClient(time.Duration(cfg.TimeoutMs)*time.Millisecond, cfg.Retry, logger).RetryAnyFailure(),
		store:  store,
		logger: logger,
	}
}

// PayloadFor builds the callback payload of a finished job
func PayloadFor(job *models.Job, outputPath string) CallbackPayload {
	return CallbackPayload{
		JobID:           job.ID,
		ExternalID:      job.ExternalID,
		OutputObjectURI: fileURI(outputPath),
	}
}

// Deliver sends payload to callbackURL, retrying every transport error and
// non-2xx status. GET carries the payload as query parameters, POST as
// a JSON body.
func (d *CallbackDispatcher) Deliver(ctx context.Context, callbackURL string, method string, payload CallbackPayload) (outcome CallbackOutcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome.Err = lib.ErrCallbackFailed(callbackURL, outcome.Attempts, 0, fmt.Errorf("panic: %v", r))
		}
	}()

	var (
		resp *http.Response
		err  error
	)
	switch strings.ToUpper(method) {
	case http.MethodGet:
		var target string
		target, err = callbackGetURL(callbackURL, payload)
		if err != nil {
			return CallbackOutcome{Err: lib.ErrCallbackFailed(callbackURL, 0, 0, err)}
		}
		resp, outcome.Attempts, err = d.client.Get(ctx, target)
	case "", http.MethodPost:
		body, mErr := json.Marshal(payload)
		if mErr != nil {
			return CallbackOutcome{Err: lib.ErrCallbackFailed(callbackURL, 0, 0, mErr)}
		}
		resp, outcome.Attempts, err = d.client.PostJSON(ctx, callbackURL, body)
	default:
		return CallbackOutcome{Err: lib.ErrCallbackFailed(callbackURL, 0, 0, fmt.Errorf("unsupported callback method %q", method))}
	}

	if err != nil {
		outcome.Err = lib.ErrCallbackFailed(callbackURL, outcome.Attempts, 0, err)
		return outcome
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	outcome.HTTPStatus = resp.StatusCode
	if !models.IsSuccessHTTPStatus(resp.StatusCode) {
		outcome.Err = lib.ErrCallbackFailed(callbackURL, outcome.Attempts, resp.StatusCode, nil)
	}
	return outcome
}

// DeliverJob sends the job's callback, if it has one, and records the
// outcome as the job's callback status
func (d *CallbackDispatcher) DeliverJob(ctx context.Context, job *models.Job, outputPath string) CallbackOutcome {
	if job.CallbackURL == "" {
		return CallbackOutcome{}
	}
	outcome := d.Deliver(ctx, job.CallbackURL, job.CallbackMethod, PayloadFor(job, outputPath))
	if outcome.OK() {
		d.logger.Info("Callback delivered", "job_id", job.ID, "url", job.CallbackURL, "attempts", outcome.Attempts)
	} else {
		d.logger.Warn("Callback failed", "job_id", job.ID, "url", job.CallbackURL, "error", outcome.Err)
	}
	if d.store != nil {
		if err := d.store.SetCallbackStatus(ctx, job.ID, outcome.Status()); err != nil {
			d.logger.Error("Failed to record callback status", "job_id", job.ID, "error", err)
		}
	}
	return outcome
}

// DeliverAsync runs DeliverJob in the background. The delivery outlives
// ctx's cancellation so a finished job is still reported.
func (d *CallbackDispatcher) DeliverAsync(ctx context.Context, job models.Job, outputPath string) {
	if job.CallbackURL == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.DeliverJob(ctx, &job, outputPath)
	}()
}

// Wait blocks until every background delivery has finished
func (d *CallbackDispatcher) Wait() {
	d.wg.Wait()
}

func callbackGetURL(raw string, payload CallbackPayload) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid callback url: %w", err)
	}
	q := u.Query()
	q.Set("jobid", payload.JobID)
	if payload.ExternalID != "" {
		q.Set("externalid", payload.ExternalID)
	}
	if payload.OutputObjectURI != "" {
		q.Set("outputobjecturi", payload.OutputObjectURI)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func fileURI(path string) string {
	if path == "" {
		return ""
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()
}
