// Package agentrt is the HTTP/JSON client for the external agents
// runtime, the service that actually invokes language models.
package agentrt

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/domain"
)

const errBodyLimit = 2048

// Client implements domain.AgentRuntime over HTTP.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	executeTimeout time.Duration
	abortTimeout   time.Duration
	healthTimeout  time.Duration
}

// Option tunes the client.
type Option func(*Client)

// WithTimeouts overrides the per-call deadlines.
func WithTimeouts(execute, abort, health time.Duration) Option {
	return func(c *Client) {
		if execute > 0 {
			c.executeTimeout = execute
		}
		if abort > 0 {
			c.abortTimeout = abort
		}
		if health > 0 {
			c.healthTimeout = health
		}
	}
}

// WithHTTPClient substitutes the underlying client (tests).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// New constructs a runtime client with otel-instrumented transport and
// default deadlines: execute 600s, abort 15s, health 10s.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		executeTimeout: 600 * time.Second,
		abortTimeout:   15 * time.Second,
		healthTimeout:  10 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Execute dispatches one task to the runtime and waits for the terminal
// result. Transient transport failures are retried with exponential
// backoff inside the overall deadline; HTTP error statuses are not
// retried (the runtime owns execution idempotency).
func (c *Client) Execute(ctx context.Context, req domain.ExecuteRequest) (domain.ExecuteResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.executeTimeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return domain.ExecuteResult{}, fmt.Errorf("op=agentrt.execute: %w", err)
	}

	var result domain.ExecuteResult
	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/execute", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err // transient: retry
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return backoff.Permanent(upstreamError("execute", resp))
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return backoff.Permanent(fmt.Errorf("op=agentrt.execute decode: %w", err))
		}
		return nil
	}

	bo := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(2*time.Second),
		backoff.WithMaxInterval(20*time.Second),
	), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		return domain.ExecuteResult{}, fmt.Errorf("op=agentrt.execute: %w", err)
	}
	return result, nil
}

// Abort asks the runtime to stop a task. Best-effort: 2xx means accepted.
func (c *Client) Abort(ctx context.Context, taskID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.abortTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"task_id": taskID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/execute/abort", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("op=agentrt.abort: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("op=agentrt.abort: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return upstreamError("abort", resp)
	}
	return nil
}

// Health probes the runtime's backend availability.
func (c *Client) Health(ctx context.Context) (domain.RuntimeHealth, error) {
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return domain.RuntimeHealth{}, fmt.Errorf("op=agentrt.health: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.RuntimeHealth{}, fmt.Errorf("op=agentrt.health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.RuntimeHealth{}, upstreamError("health", resp)
	}
	var h domain.RuntimeHealth
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return domain.RuntimeHealth{}, fmt.Errorf("op=agentrt.health decode: %w", err)
	}
	return h, nil
}

// ChatStream posts a chat request and forwards SSE data frames to
// onChunk until done or the stream ends.
func (c *Client) ChatStream(ctx context.Context, req domain.ChatRequest, onChunk func(domain.ChatChunk) error) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("op=agentrt.chat: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("op=agentrt.chat: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("op=agentrt.chat: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return upstreamError("chat", resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}
		var chunk domain.ChatChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue // skip malformed frames
		}
		if err := onChunk(chunk); err != nil {
			return err
		}
		if chunk.Done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("op=agentrt.chat stream: %w", err)
	}
	return nil
}

// upstreamError captures a truncated response body for task failure
// records.
func upstreamError(op string, resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyLimit))
	return fmt.Errorf("op=agentrt.%s status=%d body=%q: %w", op, resp.StatusCode, string(b), domain.ErrUpstream)
}
