package inference

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Error codes stored on photos that failed analysis.
const (
	CodeTimeout          = "TIMEOUT"
	CodeRateLimited      = "RATE_LIMITED"
	CodeNetwork          = "NETWORK"
	CodeInvalidResponse  = "INVALID_RESPONSE"
	CodeProviderError    = "PROVIDER_ERROR"
	CodeUnsupportedImage = "UNSUPPORTED_IMAGE"
	CodeAnalysisFailed   = "ANALYSIS_FAILED"
)

// AnalysisError classifies inference failures as transient/permanent.
type AnalysisError struct {
	Code       string
	Message    string
	StatusCode int
	Transient  bool
	Cause      error
}

func (e *AnalysisError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	parts = append(parts, "inference error")

	if e.Code != "" {
		parts = append(parts, e.Code)
	}
	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *AnalysisError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsTransient reports whether an error should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	var analysisErr *AnalysisError
	if errors.As(err, &analysisErr) {
		return analysisErr.Transient
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}

// Classify returns the error code and a short message to persist on a failed photo.
func Classify(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	var analysisErr *AnalysisError
	if errors.As(err, &analysisErr) {
		code = analysisErr.Code
		message = strings.TrimSpace(analysisErr.Message)
	}
	if code == "" {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			code = CodeTimeout
		default:
			code = CodeAnalysisFailed
		}
	}
	if message == "" {
		message = err.Error()
	}
	return code, truncate(message, maxErrorMessageLength)
}

const maxErrorMessageLength = 500

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
