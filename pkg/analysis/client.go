// Package analysis provides clients for the external severity reasoning
// service
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sentinelx/dispatch/pkg/messages"
)

// ErrorKind classifies analysis failures
type ErrorKind string

const (
	KindTimeout   ErrorKind = "timeout"
	KindMalformed ErrorKind = "malformed"
	KindService   ErrorKind = "service"
)

// Error is a classified analysis failure. All kinds are retryable; the
// distinction exists for logs and metrics.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("analysis %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Client assesses incident severity
type Client interface {
	Analyze(ctx context.Context, snap messages.DetectionSnapshot) (*messages.AnalysisResult, error)
	Health(ctx context.Context) error
}

// HTTPClient calls the reasoning service over HTTP
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPClient creates a reasoning service client. Per-call deadlines come
// from the caller's context; the transport timeout is a backstop.
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// analyzeRequest is the wire format sent to the reasoning service
type analyzeRequest struct {
	Scene messages.DetectionSnapshot `json:"scene"`
}

// Analyze submits a merged scene snapshot and returns the assessment
func (c *HTTPClient) Analyze(ctx context.Context, snap messages.DetectionSnapshot) (*messages.AnalysisResult, error) {
	url := fmt.Sprintf("%s/v1/analyze", c.baseURL)

	body, err := json.Marshal(analyzeRequest{Scene: snap})
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Err: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindService, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, &Error{Kind: KindTimeout, Err: err}
		}
		return nil, &Error{Kind: KindService, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &Error{
			Kind: KindService,
			Err:  fmt.Errorf("reasoning service returned status %d: %s", resp.StatusCode, string(respBody)),
		}
	}

	var result messages.AnalysisResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &Error{Kind: KindMalformed, Err: fmt.Errorf("decode response: %w", err)}
	}
	if result.AnalyzedAt.IsZero() {
		result.AnalyzedAt = time.Now().UTC()
	}
	if err := result.Validate(); err != nil {
		return nil, &Error{Kind: KindMalformed, Err: err}
	}

	return &result, nil
}

// Health checks if the reasoning service is reachable
func (c *HTTPClient) Health(ctx context.Context) error {
	url := fmt.Sprintf("%s/health", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("reasoning service unhealthy: status %d", resp.StatusCode)
	}

	return nil
}
