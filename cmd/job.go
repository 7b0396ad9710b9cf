package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/trobanga/mediaflow/internal/lib"
	"github.com/trobanga/mediaflow/internal/models"
	"github.com/trobanga/mediaflow/internal/pipeline"
	"github.com/trobanga/mediaflow/internal/services"
	"github.com/trobanga/mediaflow/internal/ui"
)

var (
	showProgress bool
	statusFilter string
)

// jobCmd represents the job command group
var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage batch jobs",
	Long: `Manage batch jobs: submit, run, inspect and cancel them.

Available subcommands:
  submit - Store a job for 'mediaflow serve' to pick up
  run    - Run a job to completion in this process
  status - Show a job's state
  list   - List all jobs
  cancel - Cancel a job
  output - Print a job's output document`,
}

var jobSubmitCmd = &cobra.Command{
	Use:   "submit <request.json>",
	Short: "Submit a job request",
	Long: `Validate a job request and store it as an INITIALIZED job. A running
'mediaflow serve' starts it on its next poll.

Example:
  mediaflow job submit request.json`,
	Args: cobra.ExactArgs(1),
	RunE: runJobSubmit,
}

var jobRunCmd = &cobra.Command{
	Use:   "run <request.json>",
	Short: "Run a job to completion",
	Long: `Create a job from a request and drive it through every task in this
process, then print where its output document was written.

With the loopback transport, units are answered in-process without
detections, which exercises a pipeline end to end. Interrupting the
command cancels the job; it still finishes with a CANCELLED output.

Example:
  mediaflow job run request.json --progress`,
	Args: cobra.ExactArgs(1),
	RunE: runJobRun,
}

var jobStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show job status",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobStatus,
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all jobs",
	Long: `List all jobs in the store, newest first.

Example:
  mediaflow job list
  mediaflow job list --status IN_PROGRESS`,
	RunE: runJobList,
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job",
	Long: `Flag a job as cancelled. The engine running the job abandons its
outstanding work and completes it as CANCELLED.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobCancel,
}

var jobOutputCmd = &cobra.Command{
	Use:   "output <job-id>",
	Short: "Print a job's output document",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobOutput,
}

func init() {
	rootCmd.AddCommand(jobCmd)
	jobCmd.AddCommand(jobSubmitCmd, jobRunCmd, jobStatusCmd, jobListCmd, jobCancelCmd, jobOutputCmd)

	jobRunCmd.Flags().BoolVar(&showProgress, "progress", false, "Show a progress bar")
	jobListCmd.Flags().StringVar(&statusFilter, "status", "", "Only list jobs with this status")
}

func openStore(ctx context.Context) (*models.ProjectConfig, *lib.Logger, services.JobStore, error) {
	config, logger, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	store, err := pipeline.OpenStore(ctx, config)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	return config, logger, store, nil
}

func runJobSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	config, logger, store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if config.Store.Driver == "memory" {
		logger.Warn("The memory store does not outlive this process; the job will be lost")
	}

	req, err := pipeline.LoadJobRequest(args[0])
	if err != nil {
		return err
	}
	resolver, err := pipeline.NewResolver(config)
	if err != nil {
		return err
	}
	job, err := pipeline.CreateJob(ctx, store, req, resolver, logger)
	if err != nil {
		return err
	}

	fmt.Printf("✓ Submitted job: %s\n", job.ID)
	fmt.Printf("  Pipeline: %s (%d tasks)\n", job.Pipeline.Name, job.TaskCount())
	fmt.Printf("  Media: %d\n", len(job.Media))
	return nil
}

func runJobRun(cmd *cobra.Command, args []string) error {
	config, logger, err := loadConfig()
	if err != nil {
		return err
	}
	req, err := pipeline.LoadJobRequest(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	rt, err := pipeline.NewRuntime(ctx, config, services.NoopWorker, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Error("Failed to close runtime", "error", err)
		}
	}()

	job, err := pipeline.CreateJob(ctx, rt.Store, req, rt.Resolver, logger)
	if err != nil {
		return err
	}
	fmt.Printf("✓ Created job: %s\n", job.ID)

	if showProgress {
		rt.Engine.Tracker().AddBroadcaster(ui.NewJobProgressBar(job.ID, "Processing"))
	}

	go func() {
		if err := rt.Engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Engine stopped", "error", err)
		}
	}()

	// Interrupting cancels the job instead of abandoning it
	sigCtx, stopSignals := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	go func() {
		<-sigCtx.Done()
		if ctx.Err() != nil {
			return
		}
		fmt.Fprintln(os.Stderr, "\nCancelling job...")
		if _, err := rt.Engine.CancelJob(context.Background(), job.ID); err != nil {
			logger.Warn("Failed to cancel job", "job_id", job.ID, "error", err)
		}
	}()

	started := time.Now()
	if err := rt.Engine.StartJob(ctx, job.ID); err != nil {
		return err
	}
	if err := rt.Engine.Wait(ctx, job.ID); err != nil {
		return err
	}

	final, err := rt.Store.GetJob(ctx, job.ID)
	if err != nil {
		return err
	}
	fmt.Printf("\n%s Job %s finished: %s\n", getJobStatusSymbol(final.Status), final.ID, final.Status)
	fmt.Printf("  Duration: %s\n", ui.FormatDuration(time.Since(started)))
	if final.OutputObjectPath != "" {
		fmt.Printf("  Output: %s\n", final.OutputObjectPath)
	}
	for _, issue := range final.Errors {
		fmt.Printf("  ✗ %s: %s\n", issue.Code, issue.Message)
	}
	return nil
}

func runJobStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	_, _, store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	job, err := pipeline.LoadJob(ctx, store, args[0])
	if err != nil {
		return err
	}

	progress := pipeline.GetProgress(job)
	task := fmt.Sprintf("%d/%d", progress.TasksCompleted, progress.TaskCount)
	if progress.CurrentTask != "" {
		task += " (" + progress.CurrentTask + ")"
	}
	completed := "-"
	if job.TimeCompleted != nil {
		completed = job.TimeCompleted.Format(time.RFC3339)
	}

	fmt.Println(renderKeyValues([][2]string{
		{"Job ID", job.ID},
		{"External ID", orDash(job.ExternalID)},
		{"Status", getJobStatusSymbol(job.Status) + " " + string(job.Status)},
		{"Pipeline", job.Pipeline.Name},
		{"Tasks", task},
		{"Priority", strconv.Itoa(job.Priority)},
		{"Cancelled", strconv.FormatBool(job.Cancelled)},
		{"Received", job.TimeReceived.Format(time.RFC3339)},
		{"Completed", completed},
		{"Output", orDash(job.OutputObjectPath)},
		{"Callback", orDash(job.CallbackStatus)},
	}))

	mediaRows := make([][]string, 0, len(job.Media))
	for _, m := range job.Media {
		state := "OK"
		if m.Failed {
			state = "FAILED"
		}
		mediaRows = append(mediaRows, []string{strconv.FormatInt(m.ID, 10), m.URI, string(m.Type), state})
	}
	fmt.Println(renderTable([]string{"Media", "URI", "Type", "State"}, mediaRows, []columnAlignment{alignRight}))

	if len(job.Errors)+len(job.Warnings) > 0 {
		var issueRows [][]string
		for _, issue := range job.Errors {
			issueRows = append(issueRows, []string{"ERROR", mediaLabel(issue.MediaID), issue.Code, issue.Message})
		}
		for _, issue := range job.Warnings {
			issueRows = append(issueRows, []string{"WARNING", mediaLabel(issue.MediaID), issue.Code, issue.Message})
		}
		fmt.Println(renderTable([]string{"Severity", "Media", "Code", "Message"}, issueRows, nil))
	}
	return nil
}

func runJobList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	_, _, store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	var jobs []models.Job
	if statusFilter != "" {
		status := models.JobStatus(strings.ToUpper(statusFilter))
		if !models.IsValidJobStatus(status) {
			return fmt.Errorf("unknown status %q", statusFilter)
		}
		jobs, err = store.ListJobsByStatus(ctx, status)
	} else {
		jobs, err = store.ListJobs(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	// Sort by receive time (newest first)
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].TimeReceived.After(jobs[j].TimeReceived)
	})

	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		rows = append(rows, []string{
			job.ID,
			getJobStatusSymbol(job.Status) + " " + string(job.Status),
			job.Pipeline.Name,
			fmt.Sprintf("%d/%d", job.CurrentTask, job.TaskCount()),
			strconv.Itoa(len(job.Media)),
			formatDuration(time.Since(job.TimeReceived)),
		})
	}
	fmt.Println(renderTable(
		[]string{"Job ID", "Status", "Pipeline", "Task", "Media", "Age"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight},
	))
	fmt.Printf("\nTotal: %d jobs\n", len(jobs))
	return nil
}

func runJobCancel(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	_, _, store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	job, err := store.SetCancelled(ctx, args[0])
	if err != nil {
		return err
	}
	if job.TimeCompleted != nil {
		fmt.Printf("Job %s already finished with %s\n", job.ID, job.Status)
		return nil
	}
	fmt.Printf("✓ Job %s is %s\n", job.ID, job.Status)
	return nil
}

func runJobOutput(cmd *cobra.Command, args []string) error {
	config, _, err := loadConfig()
	if err != nil {
		return err
	}
	if services.IsJobLocked(config.Output.Dir, args[0]) {
		return lib.ErrJobLocked(args[0])
	}
	out, err := services.LoadJobOutput(config.Output.Dir, args[0])
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func getJobStatusSymbol(status models.JobStatus) string {
	switch status {
	case models.JobStatusComplete:
		return "✓"
	case models.JobStatusCompleteWithWarnings, models.JobStatusCompleteWithErrors:
		return "!"
	case models.JobStatusInProgress, models.JobStatusInProgressWarnings, models.JobStatusInProgressErrors, models.JobStatusBuildingOutput:
		return "→"
	case models.JobStatusError, models.JobStatusCreationError, models.JobStatusUnknown:
		return "✗"
	case models.JobStatusCancelling, models.JobStatusCancelled, models.JobStatusCancelledByShutdown:
		return "⊘"
	case models.JobStatusInitialized:
		return "○"
	default:
		return " "
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	days := int(d.Hours() / 24)
	return fmt.Sprintf("%dd", days)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func mediaLabel(id int64) string {
	if id == 0 {
		return "job"
	}
	return strconv.FormatInt(id, 10)
}
