package services

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/trobanga/mediaflow/internal/lib"
)

const lockFileName = ".lock"

// JobLock is an advisory file lock on a job's output directory.
// It keeps two processes from writing the same job's output at once.
type JobLock struct {
	jobID    string
	lock     *flock.Flock
	lockPath string
	logger   *lib.Logger
}

// AcquireJobLock takes the lock for a job without blocking.
// Returns ErrJobLocked if another process holds it.
func AcquireJobLock(outputDir string, jobID string, logger *lib.Logger) (*JobLock, error) {
	jobDir := GetJobDir(outputDir, jobID)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create job directory: %w", err)
	}

	lockPath := filepath.Join(jobDir, lockFileName)
	fl := flock.New(lockPath)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		return nil, lib.ErrJobLocked(jobID)
	}

	jl := &JobLock{jobID: jobID, lock: fl, lockPath: lockPath, logger: logger}
	if err := jl.writeLockInfo(); err != nil {
		logger.Warn("Failed to write lock info", "job_id", jobID, "error", err)
	}
	logger.Debug("Acquired job lock", "job_id", jobID, "pid", os.Getpid())
	return jl, nil
}

// Release releases the lock. Calling it twice is harmless.
func (jl *JobLock) Release() error {
	if jl.lock == nil {
		return nil
	}
	if err := jl.lock.Unlock(); err != nil {
		jl.logger.Warn("Failed to release job lock", "job_id", jl.jobID, "error", err)
		return err
	}
	jl.logger.Debug("Released job lock", "job_id", jl.jobID, "pid", os.Getpid())
	jl.lock = nil
	return nil
}

// WithJobLock executes a function while holding a job lock
// Automatically acquires the lock, executes the function, and releases the lock
// Returns error if lock cannot be acquired or if the function returns an error
func WithJobLock(outputDir string, jobID string, logger *lib.Logger, fn func() error) error {
	lock, err := AcquireJobLock(outputDir, jobID, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Error("Failed to release job lock", "error", err)
		}
	}()

	return fn()
}

// IsJobLocked checks if a job is currently locked by any process
// This is a non-destructive check that doesn't keep the lock
func IsJobLocked(outputDir string, jobID string) bool {
	lockPath := filepath.Join(GetJobDir(outputDir, jobID), lockFileName)
	if _, err := os.Stat(lockPath); os.IsNotExist(err) {
		return false
	}

	fl := flock.New(lockPath)
	ok, err := fl.TryLock()
	if err != nil {
		return false
	}
	if ok {
		_ = fl.Unlock()
		return false
	}
	return true
}

// writeLockInfo writes debug information next to the lock
func (jl *JobLock) writeLockInfo() error {
	info := fmt.Sprintf("pid=%d\ntime=%s\n", os.Getpid(), time.Now().Format(time.RFC3339))
	return os.WriteFile(jl.lockPath+".info", []byte(info), 0644)
}

// InstanceLock keeps a single serve loop running per store
type InstanceLock struct {
	lock *flock.Flock
	path string
}

// AcquireInstanceLock takes the lock at path without blocking
func AcquireInstanceLock(path string) (*InstanceLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, lib.WrapError(lib.CategoryState, fmt.Sprintf("another mediaflow instance holds %s", path), nil,
			"Stop the other 'mediaflow serve' process",
			"Or point this instance at a different store")
	}
	return &InstanceLock{lock: fl, path: path}, nil
}

// Release releases the instance lock
func (l *InstanceLock) Release() error {
	return l.lock.Unlock()
}
