package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultExtractTimeout = 60 * time.Second

// HTTPExtractor forwards extraction requests to a remote adapter service.
// The request body is the ExtractRequest as JSON; the adapter answers with
// a JSON object whose members become the extracted fields. A 4xx response
// is permanent, a 5xx or transport failure is retryable.
type HTTPExtractor struct {
	endpoint string
	client   *http.Client
}

// NewHTTPExtractor creates an extractor backed by the adapter at endpoint.
// A zero timeout uses the 60s default.
func NewHTTPExtractor(endpoint string, timeout time.Duration) *HTTPExtractor {
	if timeout <= 0 {
		timeout = defaultExtractTimeout
	}
	return &HTTPExtractor{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (e *HTTPExtractor) Extract(ctx context.Context, req ExtractRequest) (map[string]any, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, Permanent(fmt.Errorf("extractor: marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, Permanent(fmt.Errorf("extractor: create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("extractor: call %s: %w", e.endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, defaultMaxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("extractor: read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("extractor: adapter returned %s", resp.Status)
	case resp.StatusCode >= 400:
		return nil, Permanent(fmt.Errorf("extractor: adapter rejected request: %s: %s", resp.Status, truncate(data, 256)))
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, Permanent(fmt.Errorf("extractor: adapter returned non-object body: %w", err))
	}
	return fields, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// EchoExtractor is a local stand-in adapter for development and demos. It
// returns its configured fields, falling back to the request context when
// no fields are configured, so workflows can be exercised end to end
// without a remote adapter.
type EchoExtractor struct {
	Fields map[string]any
}

func (e *EchoExtractor) Extract(_ context.Context, req ExtractRequest) (map[string]any, error) {
	out := make(map[string]any)
	if len(e.Fields) > 0 {
		for k, v := range e.Fields {
			out[k] = v
		}
		return out, nil
	}
	for k, v := range req.Context {
		out[k] = v
	}
	return out, nil
}
