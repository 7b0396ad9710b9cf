package lib

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"
)

// LogLevel defines the severity of log messages
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// Logger provides structured logging for the application
type Logger struct {
	level  LogLevel
	logger *log.Logger
}

// NewLogger creates a new logger instance
func NewLogger(level LogLevel) *Logger {
	return &Logger{
		level:  level,
		logger: log.New(os.Stderr, "", log.LstdFlags),
	}
}

// NewLoggerWithWriter creates a logger writing to w
// Useful for capturing log output in tests
func NewLoggerWithWriter(level LogLevel, w io.Writer) *Logger {
	return &Logger{
		level:  level,
		logger: log.New(w, "", log.LstdFlags),
	}
}

// DefaultLogger returns a logger with INFO level
var DefaultLogger = NewLogger(LogLevelInfo)

// Debug logs a debug message
func (l *Logger) Debug(message string, fields ...interface{}) {
	if l.level <= LogLevelDebug {
		l.log("DEBUG", message, fields...)
	}
}

// Info logs an informational message
func (l *Logger) Info(message string, fields ...interface{}) {
	if l.level <= LogLevelInfo {
		l.log("INFO", message, fields...)
	}
}

// Warn logs a warning message
func (l *Logger) Warn(message string, fields ...interface{}) {
	if l.level <= LogLevelWarn {
		l.log("WARN", message, fields...)
	}
}

// Error logs an error message
func (l *Logger) Error(message string, fields ...interface{}) {
	if l.level <= LogLevelError {
		l.log("ERROR", message, fields...)
	}
}

// log formats and writes a log message with optional fields
func (l *Logger) log(level string, message string, fields ...interface{}) {
	var fieldsStr string
	if len(fields) > 0 {
		fieldsStr = fmt.Sprintf(" | %v", fields)
	}
	l.logger.Printf("[%s] %s%s", level, message, fieldsStr)
}

// LogOperation logs the start and completion of an operation
func LogOperation(logger *Logger, operation string, fn func() error) error {
	logger.Info(fmt.Sprintf("Starting: %s", operation))
	start := time.Now()

	err := fn()

	duration := time.Since(start)
	if err != nil {
		logger.Error(fmt.Sprintf("Failed: %s", operation), "duration", duration, "error", err)
		return err
	}

	logger.Info(fmt.Sprintf("Completed: %s", operation), "duration", duration)
	return nil
}

// LogRetry logs retry attempts
func LogRetry(logger *Logger, operation string, attempt int, maxAttempts int, err error) {
	// Remove line breaks from operation to prevent log spoofing
	safeOperation := strings.ReplaceAll(operation, "\n", "")
	safeOperation = strings.ReplaceAll(safeOperation, "\r", "")
	logger.Warn(
		fmt.Sprintf("Retry attempt %d/%d for: %s", attempt+1, maxAttempts, safeOperation),
		"error", err,
	)
}

// LogSplit logs the fan-out of a task into work units
func LogSplit(logger *Logger, jobID string, taskIdx int, correlationID string, units int) {
	logger.Info(
		"Task split",
		"job_id", jobID,
		"task", taskIdx,
		"correlation_id", correlationID,
		"units", units,
	)
}

// LogBatchComplete logs the completion barrier firing for a split
func LogBatchComplete(logger *Logger, jobID string, correlationID string, received int) {
	logger.Debug(
		"Split complete",
		"job_id", jobID,
		"correlation_id", correlationID,
		"received", received,
	)
}

// LogTaskAdvanced logs the job moving to its next task
func LogTaskAdvanced(logger *Logger, jobID string, taskIdx int, taskCount int) {
	logger.Info(
		"Task advanced",
		"job_id", jobID,
		"task", taskIdx,
		"task_count", taskCount,
	)
}

// LogJobCreated logs job creation
func LogJobCreated(logger *Logger, jobID string, pipeline string, mediaCount int) {
	logger.Info(
		"Job created",
		"job_id", jobID,
		"pipeline", pipeline,
		"media", mediaCount,
	)
}

// LogJobCompleted logs job completion
func LogJobCompleted(logger *Logger, jobID string, status string, duration time.Duration) {
	logger.Info(
		"Job completed",
		"job_id", jobID,
		"status", status,
		"duration", duration,
	)
}

// LogJobIssue logs a warning or error recorded against a job
func LogJobIssue(logger *Logger, jobID string, fatal bool, code string, message string) {
	if fatal {
		logger.Error("Job issue", "job_id", jobID, "code", code, "message", message)
		return
	}
	logger.Warn("Job issue", "job_id", jobID, "code", code, "message", message)
}

// LogServiceCall logs HTTP service calls
func LogServiceCall(logger *Logger, service string, endpoint string, method string) {
	logger.Debug(
		"Service call",
		"service", service,
		"endpoint", endpoint,
		"method", method,
	)
}

// LogServiceResponse logs HTTP service responses
func LogServiceResponse(logger *Logger, service string, statusCode int, duration time.Duration) {
	if statusCode >= 400 {
		logger.Warn(
			"Service response",
			"service", service,
			"status", statusCode,
			"duration", duration,
		)
	} else {
		logger.Debug(
			"Service response",
			"service", service,
			"status", statusCode,
			"duration", duration,
		)
	}
}

// SetLevel changes the log level
func (l *Logger) SetLevel(level LogLevel) {
	l.level = level
}

// ParseLogLevel converts a string to LogLevel
func ParseLogLevel(levelStr string) LogLevel {
	switch levelStr {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}
