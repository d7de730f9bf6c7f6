package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to the daemon's HTTP API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient builds a client for the daemon at baseURL. The token may be empty
// when the daemon runs without authentication.
func NewClient(baseURL, token string) *Client {
	baseURL = strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
	if baseURL != "" && !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// CreateJob submits a new dubbing job.
func (c *Client) CreateJob(ctx context.Context, req CreateJobRequest) (*JobView, error) {
	var job JobView
	if err := c.do(ctx, http.MethodPost, "/api/jobs", req, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs fetches jobs, optionally filtered by status names and capped at
// limit when positive.
func (c *Client) ListJobs(ctx context.Context, limit int, statuses ...string) ([]JobView, error) {
	values := url.Values{}
	if limit > 0 {
		values.Set("limit", strconv.Itoa(limit))
	}
	if len(statuses) > 0 {
		values.Set("status", strings.Join(statuses, ","))
	}
	path := "/api/jobs"
	if encoded := values.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var resp JobListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// GetJob fetches one job by id.
func (c *Client) GetJob(ctx context.Context, id string) (*JobView, error) {
	var job JobView
	if err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// RetryJob resets a failed job and re-enqueues it.
func (c *Client) RetryJob(ctx context.Context, id string) (*JobView, error) {
	var job JobView
	if err := c.do(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(id)+"/retry", nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// CancelJob requests cooperative cancellation of a job.
func (c *Client) CancelJob(ctx context.Context, id string) (*OperationResponse, error) {
	var resp OperationResponse
	if err := c.do(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(id)+"/cancel", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteJob removes a job record, and its artifacts when purge is set.
func (c *Client) DeleteJob(ctx context.Context, id string, purge bool) (*OperationResponse, error) {
	path := "/api/jobs/" + url.PathEscape(id)
	if purge {
		path += "?artifacts=true"
	}
	var resp OperationResponse
	if err := c.do(ctx, http.MethodDelete, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RegisterWebhook attaches a per-job webhook sink after creation.
func (c *Client) RegisterWebhook(ctx context.Context, id, webhookURL string) (*OperationResponse, error) {
	var resp OperationResponse
	path := "/api/jobs/" + url.PathEscape(id) + "/webhook"
	if err := c.do(ctx, http.MethodPost, path, RegisterWebhookRequest{WebhookURL: webhookURL}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WatchJob streams live status events for a job, invoking handle for each one.
// It returns when the stream ends (the job reached a terminal state) or when
// ctx is canceled. The connection stays open for the life of the job, so the
// request bypasses the client's fixed timeout.
func (c *Client) WatchJob(ctx context.Context, id string, handle func(JobEvent)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/jobs/"+url.PathEscape(id)+"/events", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		var envelope ErrorResponse
		if json.Unmarshal(payload, &envelope) == nil && envelope.Error != "" {
			return fmt.Errorf("%s", envelope.Error)
		}
		return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event JobEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		handle(event)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("read event stream: %w", err)
	}
	return nil
}

// QueueStats fetches a queue snapshot.
func (c *Client) QueueStats(ctx context.Context) (*QueueStatsView, error) {
	var stats QueueStatsView
	if err := c.do(ctx, http.MethodGet, "/api/queue/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// PauseQueue drains the worker pool without interrupting in-flight work.
func (c *Client) PauseQueue(ctx context.Context) (*OperationResponse, error) {
	var resp OperationResponse
	if err := c.do(ctx, http.MethodPost, "/api/queue/pause", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ResumeQueue restarts a paused worker pool.
func (c *Client) ResumeQueue(ctx context.Context) (*OperationResponse, error) {
	var resp OperationResponse
	if err := c.do(ctx, http.MethodPost, "/api/queue/resume", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TailLogs fetches daemon log lines starting at offset. A negative offset
// returns the last limit lines; follow asks the daemon to wait up to wait for
// new lines before returning empty.
func (c *Client) TailLogs(ctx context.Context, offset int64, limit int, follow bool, wait time.Duration) (*LogTailResponse, error) {
	values := url.Values{}
	values.Set("offset", strconv.FormatInt(offset, 10))
	if limit > 0 {
		values.Set("limit", strconv.Itoa(limit))
	}
	if follow {
		values.Set("follow", "true")
		values.Set("wait_ms", strconv.FormatInt(wait.Milliseconds(), 10))
	}
	var resp LogTailResponse
	if err := c.do(ctx, http.MethodGet, "/api/logs?"+values.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status fetches the daemon status document.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		var envelope ErrorResponse
		if json.Unmarshal(payload, &envelope) == nil && envelope.Error != "" {
			return fmt.Errorf("%s", envelope.Error)
		}
		return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
