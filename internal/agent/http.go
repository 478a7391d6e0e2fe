package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// HTTPAgent posts the request as JSON to a remote endpoint and decodes a Result
// from the response body.
type HTTPAgent struct {
	name     string
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
}

// HTTPOption configures an HTTPAgent.
type HTTPOption func(*HTTPAgent)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(a *HTTPAgent) { a.client = c }
}

// WithRateLimit caps outgoing requests. A non-positive limit disables limiting.
func WithRateLimit(perSecond float64, burst int) HTTPOption {
	return func(a *HTTPAgent) {
		if perSecond <= 0 {
			a.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func NewHTTPAgent(name, endpoint string, opts ...HTTPOption) *HTTPAgent {
	a := &HTTPAgent{
		name:     name,
		endpoint: endpoint,
		client:   &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *HTTPAgent) Name() string { return a.name }

func (a *HTTPAgent) Execute(ctx context.Context, req *Request) (*Result, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Workflow-ID", req.WorkflowID)
	httpReq.Header.Set("Idempotency-Key", fmt.Sprintf("%s/%s/%d", req.WorkflowID, req.Step, req.Attempt))

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", a.name, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("agent %s: failed to read response: %w", a.name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("agent %s: unexpected status %d: %s", a.name, resp.StatusCode, truncate(string(payload), 256))
	}

	var res Result
	if len(bytes.TrimSpace(payload)) > 0 {
		if err := json.Unmarshal(payload, &res); err != nil {
			return nil, fmt.Errorf("agent %s: failed to decode response: %w", a.name, err)
		}
	}
	if res.Provider == "" {
		res.Provider = a.name
	}
	return &res, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
