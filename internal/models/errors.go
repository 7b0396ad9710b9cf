package models

// ErrorType classifies errors for retry strategy
type ErrorType string

const (
	ErrorTypeTransient    ErrorType = "transient"     // Network, 5xx, timeout - automatic retry
	ErrorTypeNonTransient ErrorType = "non_transient" // 4xx, validation, malformed - no retry
)

// IsTransientHTTPStatus classifies HTTP status codes for retry logic
func IsTransientHTTPStatus(status int) bool {
	// 5xx server errors are transient (service might recover)
	if status >= 500 && status < 600 {
		return true
	}
	// 408 Request Timeout, 429 Too Many Requests are transient
	if status == 408 || status == 429 {
		return true
	}
	return false
}

// IsSuccessHTTPStatus reports whether status is 2xx
func IsSuccessHTTPStatus(status int) bool {
	return status >= 200 && status < 300
}
