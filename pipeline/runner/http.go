// Package runner provides reusable Runner implementations for common
// step kinds: HTTP calls against external services and scripted mocks
// for tests.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/IncludeBrake/synthetic-market-machine-sub001/pipeline"
)

// HTTPRunner executes a step as a single HTTP request.
//
// Failures are classified for the retry loop: 429 and 5xx responses and
// transport errors are transient, other non-2xx responses are fatal.
//
// Step parameters:
//   - method: HTTP method ("GET" or "POST", defaults to "GET")
//   - url: Target URL (required)
//   - headers: Optional map of HTTP headers
//   - body: Optional request body (for POST requests)
//
// Output fields:
//   - status_code: HTTP status code (e.g., 200)
//   - body: Response body as string
//
// Token accounting approximates consumption as the combined request and
// response body sizes in bytes divided by four, a rough chars-per-token
// heuristic consistent with the LLM-backed runners.
type HTTPRunner struct {
	client *http.Client
}

// NewHTTPRunner creates an HTTP runner. Timeouts come from the step's
// per-attempt deadline, so the client itself sets none.
func NewHTTPRunner() *HTTPRunner {
	return &HTTPRunner{client: &http.Client{}}
}

// Run implements pipeline.Runner.
func (h *HTTPRunner) Run(ctx context.Context, rc pipeline.RunContext, params map[string]any) (pipeline.StepOutput, error) {
	urlStr, ok := params["url"].(string)
	if !ok || urlStr == "" {
		return pipeline.StepOutput{}, pipeline.Fatal(fmt.Errorf("url parameter required (string)"))
	}

	method := "GET"
	if m, ok := params["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}
	if method != "GET" && method != "POST" {
		return pipeline.StepOutput{}, pipeline.Fatal(fmt.Errorf("unsupported HTTP method: %s (supported: GET, POST)", method))
	}

	var body io.Reader
	bodyLen := 0
	if bodyStr, ok := params["body"].(string); ok && bodyStr != "" {
		body = bytes.NewBufferString(bodyStr)
		bodyLen = len(bodyStr)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return pipeline.StepOutput{}, pipeline.Fatal(fmt.Errorf("failed to create request: %w", err))
	}

	if headers, ok := params["headers"].(map[string]any); ok {
		for key, value := range headers {
			if valueStr, ok := value.(string); ok {
				req.Header.Set(key, valueStr)
			}
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return pipeline.StepOutput{}, ctx.Err()
		}
		return pipeline.StepOutput{}, pipeline.Transient(fmt.Errorf("failed to execute request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return pipeline.StepOutput{}, pipeline.Transient(fmt.Errorf("failed to read response body: %w", err))
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return pipeline.StepOutput{}, pipeline.Transient(fmt.Errorf("http %d from %s", resp.StatusCode, urlStr))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return pipeline.StepOutput{}, pipeline.Fatal(fmt.Errorf("http %d from %s", resp.StatusCode, urlStr))
	}

	return pipeline.StepOutput{
		ConsumedTokens: int64((bodyLen + len(respBody)) / 4),
		Fields: map[string]string{
			"status_code": strconv.Itoa(resp.StatusCode),
			"body":        string(respBody),
		},
	}, nil
}
