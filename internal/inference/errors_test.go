package inference

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	t.Parallel()

	assert.False(t, IsTransient(nil))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(context.Canceled))
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", &AnalysisError{Transient: true})))
	assert.False(t, IsTransient(&AnalysisError{Code: CodeUnsupportedImage}))
	assert.False(t, IsTransient(errors.New("boom")))
}

func TestClassify(t *testing.T) {
	t.Parallel()

	code, msg := Classify(&AnalysisError{Code: CodeRateLimited, Message: "slow down"})
	assert.Equal(t, CodeRateLimited, code)
	assert.Equal(t, "slow down", msg)

	code, _ = Classify(context.DeadlineExceeded)
	assert.Equal(t, CodeTimeout, code)

	code, msg = Classify(errors.New(strings.Repeat("x", 600)))
	assert.Equal(t, CodeAnalysisFailed, code)
	assert.Len(t, msg, maxErrorMessageLength)
}

func TestAnalysisErrorMessage(t *testing.T) {
	t.Parallel()

	err := &AnalysisError{Code: CodeProviderError, StatusCode: 503, Message: "unavailable", Cause: errors.New("eof")}
	assert.Equal(t, "inference error: PROVIDER_ERROR: status=503: unavailable: eof", err.Error())
}
