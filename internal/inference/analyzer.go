package inference

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/batch-analyzer/internal/domain"
	"go.uber.org/zap"
)

// Analyzer runs vision inference on a single photo.
type Analyzer interface {
	Analyze(ctx context.Context, photo domain.PhotoRef) (*domain.AnalysisResult, error)
	Name() string
}

const (
	ProviderHTTP = "http"
	ProviderMock = "mock"
)

type Options struct {
	Provider    string
	URL         string
	Timeout     time.Duration
	MaxAttempts int
}

// NewAnalyzer builds the configured analyzer wrapped with retries.
func NewAnalyzer(opts Options, logger *zap.Logger) (Analyzer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var base Analyzer
	switch strings.ToLower(strings.TrimSpace(opts.Provider)) {
	case ProviderHTTP:
		a, err := NewHTTPAnalyzer(opts.URL, opts.Timeout)
		if err != nil {
			return nil, err
		}
		base = a
	case ProviderMock, "":
		base = NewMockAnalyzer()
	default:
		return nil, fmt.Errorf("unsupported inference provider %q", opts.Provider)
	}

	return NewRetryingAnalyzer(base, opts.MaxAttempts, logger), nil
}
