package services

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trobanga/mediaflow/internal/lib"
	"github.com/trobanga/mediaflow/internal/models"
)

// storeFactories returns every JobStore implementation so the same contract
// runs against each
func storeFactories(t *testing.T) map[string]func() JobStore {
	return map[string]func() JobStore{
		"memory": func() JobStore { return NewMemoryStore() },
		"sqlite": func() JobStore {
			s, err := OpenSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "jobs.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func TestJobStore_Contract(t *testing.T) {
	ctx := context.Background()

	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("create and get", func(t *testing.T) {
				store := factory()
				job := newTestJob([]models.Task{task("T1", detectionAction("A1", "FACECV", nil))})
				job.ExternalID = "ext-1"
				require.NoError(t, store.CreateJob(ctx, job))

				got, err := store.GetJob(ctx, job.ID)
				require.NoError(t, err)
				assert.Equal(t, job.ID, got.ID)
				assert.Equal(t, "ext-1", got.ExternalID)
				assert.Equal(t, models.JobStatusInProgress, got.Status)
				assert.Len(t, got.Media, 1)
				assert.Equal(t, "A1", got.Pipeline.Tasks[0].Actions[0].Name)
			})

			t.Run("unknown job", func(t *testing.T) {
				store := factory()
				_, err := store.GetJob(ctx, "missing")
				require.Error(t, err)
				assert.True(t, lib.IsCategory(err, lib.CategoryState))
			})

			t.Run("invalid job rejected", func(t *testing.T) {
				store := factory()
				job := newTestJob(nil)
				err := store.CreateJob(ctx, job)
				require.Error(t, err)
				assert.True(t, lib.IsCategory(err, lib.CategoryValidation))
			})

			t.Run("task index is capped", func(t *testing.T) {
				store := factory()
				job := newTestJob([]models.Task{
					task("T1", detectionAction("A1", "FACECV", nil)),
					task("T2", detectionAction("A2", "FACECV", nil)),
				})
				require.NoError(t, store.CreateJob(ctx, job))

				for want := 1; want <= 2; want++ {
					n, err := store.IncrementTask(ctx, job.ID)
					require.NoError(t, err)
					assert.Equal(t, want, n)
				}
				n, err := store.IncrementTask(ctx, job.ID)
				require.NoError(t, err)
				assert.Equal(t, 2, n)
			})

			t.Run("issues are append-only and move status", func(t *testing.T) {
				store := factory()
				job := newTestJob([]models.Task{task("T1", detectionAction("A1", "FACECV", nil))})
				require.NoError(t, store.CreateJob(ctx, job))

				require.NoError(t, store.AddIssue(ctx, job.ID, models.Issue{MediaID: 1, Code: "W1", Message: "warn"}, false))
				got, err := store.GetJob(ctx, job.ID)
				require.NoError(t, err)
				assert.Equal(t, models.JobStatusInProgressWarnings, got.Status)

				require.NoError(t, store.AddIssue(ctx, job.ID, models.Issue{Code: "E1", Message: "err"}, true))
				require.NoError(t, store.AddFatalError(ctx, job.ID, models.IssueSplitFailed, "boom"))

				got, err = store.GetJob(ctx, job.ID)
				require.NoError(t, err)
				assert.Equal(t, models.JobStatusError, got.Status)
				require.Len(t, got.Warnings, 1)
				assert.Equal(t, int64(1), got.Warnings[0].MediaID)
				require.Len(t, got.Errors, 2)
				assert.Equal(t, models.IssueSplitFailed, got.Errors[1].Code)
			})

			t.Run("cancel and complete", func(t *testing.T) {
				store := factory()
				job := newTestJob([]models.Task{task("T1", detectionAction("A1", "FACECV", nil))})
				require.NoError(t, store.CreateJob(ctx, job))

				cancelled, err := store.SetCancelled(ctx, job.ID)
				require.NoError(t, err)
				assert.True(t, cancelled.Cancelled)
				assert.Equal(t, models.JobStatusCancelling, cancelled.Status)

				require.NoError(t, store.SetCompleted(ctx, job.ID, models.JobStatusCancelled))
				got, err := store.GetJob(ctx, job.ID)
				require.NoError(t, err)
				assert.Equal(t, models.JobStatusCancelled, got.Status)
				require.NotNil(t, got.TimeCompleted)

				again, err := store.SetCancelled(ctx, job.ID)
				require.NoError(t, err)
				assert.Equal(t, models.JobStatusCancelled, again.Status)
			})

			t.Run("tracks by media task and action", func(t *testing.T) {
				store := factory()
				job := newTestJob([]models.Task{task("T1", detectionAction("A1", "FACECV", nil), detectionAction("A2", "PERSONCV", nil))})
				require.NoError(t, store.CreateJob(ctx, job))

				require.NoError(t, store.SaveTracks(ctx, job.ID, []models.Track{
					track(1, 0, 0, "FACE", nil, 9, 3, 5),
					track(1, 0, 0, "FACE", nil, 1),
					track(1, 0, 1, "PERSON", nil, 2),
				}))

				tracks, err := store.GetTracks(ctx, job.ID, 1, 0, 0)
				require.NoError(t, err)
				require.Len(t, tracks, 2)
				assert.Equal(t, []int{3, 5, 9}, []int{
					tracks[0].Detections[0].OffsetFrame,
					tracks[0].Detections[1].OffsetFrame,
					tracks[0].Detections[2].OffsetFrame,
				})

				count, err := store.GetTrackCount(ctx, job.ID, 1, 0, 1)
				require.NoError(t, err)
				assert.Equal(t, 1, count)

				trackType, err := store.GetTrackType(ctx, job.ID, 1, 0, 1)
				require.NoError(t, err)
				assert.Equal(t, "PERSON", trackType)

				trackType, err = store.GetTrackType(ctx, job.ID, 2, 0, 0)
				require.NoError(t, err)
				assert.Equal(t, "", trackType)
			})

			t.Run("errors timings and clear", func(t *testing.T) {
				store := factory()
				job := newTestJob([]models.Task{task("T1", detectionAction("A1", "FACECV", nil))})
				require.NoError(t, store.CreateJob(ctx, job))

				require.NoError(t, store.AddDetectionErrors(ctx, job.ID, []models.DetectionError{{MediaID: 1, Code: "DECODE", Message: "bad frame"}}))
				require.NoError(t, store.AddProcessingTime(ctx, job.ID, 0, 0, 40))
				require.NoError(t, store.AddProcessingTime(ctx, job.ID, 0, 0, 60))
				require.NoError(t, store.SaveTracks(ctx, job.ID, []models.Track{track(1, 0, 0, "FACE", nil, 1)}))

				errs, err := store.GetDetectionErrors(ctx, job.ID)
				require.NoError(t, err)
				require.Len(t, errs, 1)
				assert.Equal(t, "DECODE", errs[0].Code)

				timings, err := store.GetProcessingTimes(ctx, job.ID)
				require.NoError(t, err)
				require.Len(t, timings, 1)
				assert.Equal(t, int64(100), timings[0].TimeMs)

				require.NoError(t, store.ClearJob(ctx, job.ID))
				count, err := store.GetTrackCount(ctx, job.ID, 1, 0, 0)
				require.NoError(t, err)
				assert.Equal(t, 0, count)

				_, err = store.GetJob(ctx, job.ID)
				assert.NoError(t, err, "job record survives ClearJob")
			})

			t.Run("media updates and listing", func(t *testing.T) {
				store := factory()
				job := newTestJob([]models.Task{task("T1", markupAction("M1"))})
				require.NoError(t, store.CreateJob(ctx, job))
				require.NoError(t, store.SetMediaMarkup(ctx, job.ID, 1, "file:///out/1.mp4"))
				require.NoError(t, store.SetMediaFailed(ctx, job.ID, 1))
				require.NoError(t, store.SetCallbackStatus(ctx, job.ID, "COMPLETE"))
				require.NoError(t, store.SetOutputPath(ctx, job.ID, "/out/detection.json"))

				got, err := store.GetJob(ctx, job.ID)
				require.NoError(t, err)
				assert.Equal(t, "file:///out/1.mp4", got.Media[0].MarkupURI)
				assert.True(t, got.Media[0].Failed)
				assert.Equal(t, "COMPLETE", got.CallbackStatus)
				assert.Equal(t, "/out/detection.json", got.OutputObjectPath)

				other := newTestJob([]models.Task{task("T1", markupAction("M1"))})
				other.Status = models.JobStatusInitialized
				require.NoError(t, store.CreateJob(ctx, other))

				all, err := store.ListJobs(ctx)
				require.NoError(t, err)
				assert.Len(t, all, 2)

				initialized, err := store.ListJobsByStatus(ctx, models.JobStatusInitialized)
				require.NoError(t, err)
				require.Len(t, initialized, 1)
				assert.Equal(t, other.ID, initialized[0].ID)
			})

			t.Run("concurrent increments never exceed task count", func(t *testing.T) {
				store := factory()
				tasks := make([]models.Task, 5)
				for i := range tasks {
					tasks[i] = task("T", detectionAction("A", "FACECV", nil))
				}
				job := newTestJob(tasks)
				require.NoError(t, store.CreateJob(ctx, job))

				var wg sync.WaitGroup
				for i := 0; i < 20; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						_, err := store.IncrementTask(ctx, job.ID)
						assert.NoError(t, err)
					}()
				}
				wg.Wait()

				got, err := store.GetJob(ctx, job.ID)
				require.NoError(t, err)
				assert.Equal(t, 5, got.CurrentTask)
			})
		})
	}
}

func TestSQLiteStore_ReopenKeepsJobs(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "jobs.db")

	store, err := OpenSQLiteStore(ctx, path)
	require.NoError(t, err)
	job := newTestJob([]models.Task{task("T1", detectionAction("A1", "FACECV", nil))})
	require.NoError(t, store.CreateJob(ctx, job))
	require.NoError(t, store.AddIssue(ctx, job.ID, models.Issue{Code: "W", Message: "m"}, false))
	require.NoError(t, store.Close())

	reopened, err := OpenSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	got, err := reopened.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, got.Warnings, 1)
	assert.Equal(t, path, reopened.Path())
}
