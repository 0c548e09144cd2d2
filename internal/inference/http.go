package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/batch-analyzer/internal/domain"
)

const (
	defaultInferenceTimeout = 60 * time.Second
	analyzePath             = "/v1/analyze"
)

type analyzeRequest struct {
	PhotoID  string `json:"photoId"`
	ImageURL string `json:"imageUrl"`
	Filename string `json:"filename"`
	RoomHint string `json:"roomHint,omitempty"`
}

type analyzeResponse struct {
	RoomType *string               `json:"roomType"`
	Model    string                `json:"model"`
	Items    []domain.DetectedItem `json:"items"`
}

// HTTPAnalyzer calls a remote vision inference service.
type HTTPAnalyzer struct {
	client   *resty.Client
	endpoint string
}

func NewHTTPAnalyzer(baseURL string, timeout time.Duration) (*HTTPAnalyzer, error) {
	client := resty.New()
	if timeout <= 0 {
		timeout = defaultInferenceTimeout
	}
	client.SetTimeout(timeout)
	client.SetRetryCount(0)

	return NewHTTPAnalyzerWithClient(baseURL, client)
}

func NewHTTPAnalyzerWithClient(baseURL string, client *resty.Client) (*HTTPAnalyzer, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("inference url is required")
	}
	if _, err := url.ParseRequestURI(trimmed); err != nil {
		return nil, fmt.Errorf("invalid inference url: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultInferenceTimeout)
	}
	client.SetRetryCount(0)

	return &HTTPAnalyzer{
		client:   client,
		endpoint: trimmed + analyzePath,
	}, nil
}

func (a *HTTPAnalyzer) Name() string { return ProviderHTTP }

func (a *HTTPAnalyzer) Analyze(ctx context.Context, photo domain.PhotoRef) (*domain.AnalysisResult, error) {
	if a == nil || a.client == nil {
		return nil, fmt.Errorf("analyzer is not initialized")
	}
	if strings.TrimSpace(photo.StoragePath) == "" {
		return nil, &AnalysisError{Code: CodeUnsupportedImage, Message: "photo has no storage path"}
	}

	reqBody := analyzeRequest{
		PhotoID:  photo.PhotoID,
		ImageURL: photo.StoragePath,
		Filename: photo.Filename,
		RoomHint: photo.RoomHint,
	}

	response, err := a.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetBody(reqBody).
		Post(a.endpoint)
	if err != nil {
		return nil, requestError(err)
	}
	if response == nil {
		return nil, &AnalysisError{
			Code:      CodeNetwork,
			Message:   "inference returned empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	body := response.Body()

	if statusCode < http.StatusOK || statusCode >= http.StatusMultipleChoices {
		return nil, statusError(statusCode, strings.TrimSpace(string(body)))
	}

	if err := validateResponse(body); err != nil {
		return nil, &AnalysisError{
			Code:       CodeInvalidResponse,
			Message:    "inference response failed validation",
			StatusCode: statusCode,
			Cause:      err,
		}
	}

	var decoded analyzeResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, &AnalysisError{
			Code:       CodeInvalidResponse,
			Message:    "inference response is not valid JSON",
			StatusCode: statusCode,
			Cause:      err,
		}
	}

	result := &domain.AnalysisResult{
		Items:    decoded.Items,
		Model:    decoded.Model,
		Provider: ProviderHTTP,
	}
	if result.Items == nil {
		result.Items = []domain.DetectedItem{}
	}
	if decoded.RoomType != nil {
		result.RoomType = strings.TrimSpace(*decoded.RoomType)
	}

	return result, nil
}

func requestError(err error) *AnalysisError {
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		return &AnalysisError{Code: CodeNetwork, Message: "inference request canceled", Cause: err}
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return &AnalysisError{Code: CodeTimeout, Message: "inference request timed out", Transient: true, Cause: err}
	default:
		return &AnalysisError{Code: CodeNetwork, Message: "inference request failed", Transient: true, Cause: err}
	}
}

func statusError(statusCode int, body string) *AnalysisError {
	msg := fmt.Sprintf("inference returned status %d", statusCode)
	if body != "" {
		msg = fmt.Sprintf("%s: %s", msg, truncate(body, 200))
	}

	e := &AnalysisError{StatusCode: statusCode, Message: msg}
	switch {
	case statusCode == http.StatusTooManyRequests:
		e.Code = CodeRateLimited
		e.Transient = true
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		e.Code = CodeTimeout
		e.Transient = true
	case statusCode >= http.StatusInternalServerError:
		e.Code = CodeProviderError
		e.Transient = true
	case statusCode == http.StatusUnsupportedMediaType || statusCode == http.StatusUnprocessableEntity:
		e.Code = CodeUnsupportedImage
	default:
		e.Code = CodeProviderError
	}
	return e
}
