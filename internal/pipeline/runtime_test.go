package pipeline

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trobanga/mediaflow/internal/lib"
	"github.com/trobanga/mediaflow/internal/models"
	"github.com/trobanga/mediaflow/internal/services"
)

func runtimeConfig(t *testing.T) *models.ProjectConfig {
	t.Helper()
	cfg := models.DefaultConfig()
	dir := t.TempDir()
	cfg.Store.Path = filepath.Join(dir, "mediaflow.db")
	cfg.Output.Dir = filepath.Join(dir, "output")
	cfg.Engine.Concurrency = 2
	return &cfg
}

func TestRuntime_SQLiteAndRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := runtimeConfig(t)
	cfg.Barrier.Driver = "redis"
	cfg.Barrier.RedisAddr = mr.Addr()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger := lib.NewLoggerWithWriter(lib.LogLevelError, io.Discard)

	rt, err := NewRuntime(ctx, cfg, faceWorker, logger)
	require.NoError(t, err)
	defer rt.Close()

	assert.IsType(t, &services.SQLiteStore{}, rt.Store)
	assert.IsType(t, &services.RedisBarrier{}, rt.Barrier)
	assert.IsType(t, &services.LoopbackTransport{}, rt.Transport)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() { _ = rt.Engine.Run(runCtx) }()

	req := &JobRequest{
		Pipeline: models.Pipeline{Name: "P", Tasks: []models.Task{detectionTask("FACE DETECTION", "FACECV")}},
		Media:    []MediaRequest{{URI: "file:///data/a.mp4"}},
	}
	job, err := CreateJob(ctx, rt.Store, req, rt.Resolver, logger)
	require.NoError(t, err)
	require.NoError(t, rt.Engine.StartJob(ctx, job.ID))
	require.NoError(t, rt.Engine.Wait(ctx, job.ID))

	final, err := rt.Store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusComplete, final.Status)
	assert.True(t, services.OutputExists(cfg.Output.Dir, job.ID))
	assert.Empty(t, mr.Keys(), "barrier keys are cleared with the job")
}

func TestRuntime_UnreachableRedis(t *testing.T) {
	cfg := runtimeConfig(t)
	cfg.Store.Driver = "memory"
	cfg.Barrier.Driver = "redis"
	cfg.Barrier.RedisAddr = "127.0.0.1:1"

	_, err := NewRuntime(context.Background(), cfg, nil, lib.NewLoggerWithWriter(lib.LogLevelError, io.Discard))
	require.Error(t, err)
	assert.True(t, lib.IsCategory(err, lib.CategoryNetwork))
}

func TestOpenStore_UnknownDriver(t *testing.T) {
	cfg := runtimeConfig(t)
	cfg.Store.Driver = "postgres"
	_, err := OpenStore(context.Background(), cfg)
	assert.True(t, lib.IsCategory(err, lib.CategoryConfiguration))
}
