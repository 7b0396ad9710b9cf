package services

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/trobanga/mediaflow/internal/models"
)

const (
	OutputFileName = "detection.json"
)

// GetJobDir returns the output directory for a specific job
func GetJobDir(outputDir string, jobID string) string {
	return filepath.Join(outputDir, jobID)
}

// GetOutputFilePath returns the full path to a job's output document
func GetOutputFilePath(outputDir string, jobID string) string {
	return filepath.Join(GetJobDir(outputDir, jobID), OutputFileName)
}

// LoadJobOutput reads a job's output document from disk
// Returns error if file doesn't exist or can't be parsed
func LoadJobOutput(outputDir string, jobID string) (*models.JobOutput, error) {
	path := GetOutputFilePath(outputDir, jobID)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no output for job: %s", jobID)
		}
		return nil, fmt.Errorf("failed to read job output: %w", err)
	}

	var out models.JobOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse job output: %w", err)
	}
	return &out, nil
}

// SaveJobOutput writes a job's output document with an atomic write.
// Uses temp file + rename so readers never see a partial document.
func SaveJobOutput(outputDir string, out *models.JobOutput) (string, error) {
	jobDir := GetJobDir(outputDir, out.JobID)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create job directory: %w", err)
	}

	// Indented for human readability
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal job output: %w", err)
	}

	tempFile := filepath.Join(jobDir, fmt.Sprintf(".detection.tmp.%s", uuid.New().String()))
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write temp output file: %w", err)
	}

	path := GetOutputFilePath(outputDir, out.JobID)
	if err := os.Rename(tempFile, path); err != nil {
		_ = os.Remove(tempFile)
		return "", fmt.Errorf("failed to save job output: %w", err)
	}

	return path, nil
}

// OutputExists reports whether a job's output document has been written
func OutputExists(outputDir string, jobID string) bool {
	_, err := os.Stat(GetOutputFilePath(outputDir, jobID))
	return err == nil
}
